// Package cache locates and names the on-disk transcoded-texture
// cache (§6): the directory create_texture_with_cache writes
// .ktx2-transcoded files into, and the content-addressed filename
// scheme that keys a cache entry on the encoded source bytes plus the
// colorspace it was decoded with.
package cache

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
)

// srgbMixIn is XORed into the FNV-1a sum so that the same encoded
// bytes decoded once linear and once sRGB land in different cache
// entries, per §6's filename scheme.
const srgbMixIn = 0x9e3779b97f4a7c15

// Dir returns the transcoded-texture cache directory for the current
// platform: %LOCALAPPDATA%/pnkr/cache/textures on Windows,
// $HOME/.cache/pnkr/textures on Unix, falling back to
// ./.pnkr_cache/textures if the platform's variable is not set.
func Dir() string {
	switch runtime.GOOS {
	case "windows":
		if d := os.Getenv("LOCALAPPDATA"); d != "" {
			return filepath.Join(d, "pnkr", "cache", "textures")
		}
	default:
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".cache", "pnkr", "textures")
		}
	}
	return filepath.Join(".pnkr_cache", "textures")
}

// FileName computes the cache filename for encoded (the as-read bytes
// of an encoded image file), mixing in srgb so that linear and sRGB
// decodes of identical bytes never collide.
func FileName(encoded []byte, srgb bool) string {
	h := fnv.New64a()
	h.Write(encoded)
	sum := h.Sum64()
	if srgb {
		sum ^= srgbMixIn
	}
	return hex16(sum) + ".ktx2"
}

// Path joins Dir() and FileName(encoded, srgb) into the full path a
// cache entry for encoded/srgb would live at.
func Path(encoded []byte, srgb bool) string {
	return filepath.Join(Dir(), FileName(encoded, srgb))
}

const hexDigits = "0123456789abcdef"

// hex16 renders v as exactly 16 lowercase hex digits, matching §6's
// "{16-hex-hash}.ktx2" filename convention regardless of leading
// zeroes (fmt.Sprintf("%x", v) would drop them).
func hex16(v uint64) string {
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}
