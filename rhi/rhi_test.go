package rhi

import "testing"

func TestBlock(t *testing.T) {
	for _, x := range [...]struct {
		fmt  PixelFmt
		want BlockInfo
	}{
		{RGBA8Unorm, BlockInfo{1, 1, 4}},
		{RGBA8SRGB, BlockInfo{1, 1, 4}},
		{RGBA16Float, BlockInfo{1, 1, 8}},
		{RGBA32Float, BlockInfo{1, 1, 16}},
		{BC7Unorm, BlockInfo{4, 4, 16}},
		{BC7SRGB, BlockInfo{4, 4, 16}},
	} {
		if b := x.fmt.Block(); b != x.want {
			t.Fatalf("PixelFmt.Block:\nhave %+v\nwant %+v", b, x.want)
		}
	}
}

func TestSRGBVariant(t *testing.T) {
	for _, x := range [...]struct {
		fmt  PixelFmt
		srgb bool
		want PixelFmt
	}{
		{RGBA8Unorm, true, RGBA8SRGB},
		{RGBA8SRGB, false, RGBA8Unorm},
		{BC7Unorm, true, BC7SRGB},
		{BC7SRGB, false, BC7Unorm},
		{RGBA16Float, true, RGBA16Float},
	} {
		if f := x.fmt.SRGBVariant(x.srgb); f != x.want {
			t.Fatalf("PixelFmt.SRGBVariant(%t):\nhave %v\nwant %v", x.srgb, f, x.want)
		}
	}
}

func TestBindlessArrayString(t *testing.T) {
	for _, x := range [...][2]any{
		{ArraySampled2D, "sampled2D"},
		{ArrayCubemap, "cubemap"},
		{ArrayBuffer, "buffer"},
		{BindlessArray(99), "unknown"},
	} {
		a := x[0].(BindlessArray)
		want := x[1].(string)
		if s := a.String(); s != want {
			t.Fatalf("BindlessArray.String:\nhave %s\nwant %s", s, want)
		}
	}
}
