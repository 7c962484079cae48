package texture

import (
	"time"

	"github.com/kestrelgfx/kestrel/resource"
	"github.com/kestrelgfx/kestrel/rhi"
)

// Solid default colors, matching the fixed palette fallback textures
// are created from: plain white/black, a flat-normal encoding
// (128,128,255,255), and a magenta "missing texture" error color.
var (
	colorWhite     = [4]byte{255, 255, 255, 255}
	colorBlack     = [4]byte{0, 0, 0, 255}
	colorFlatNorm  = [4]byte{128, 128, 255, 255}
	colorError     = [4]byte{255, 0, 255, 255}
	colorLoadingBG = [4]byte{64, 64, 64, 255}
)

const checkerSize = 32

// createDefaults builds every default/fallback texture at startup:
// solid-color 2D and cube variants for white/error/loading, plus a
// flat-normal and solid-black 2D texture. The loading texture uses a
// black/magenta checkerboard so a stalled load is visually obvious,
// matching the original fallback factory's intent.
func (f *Facade) createDefaults() error {
	var err error
	if f.Defaults.White2D, err = f.createSolid2D(colorWhite); err != nil {
		return err
	}
	if f.Defaults.Black2D, err = f.createSolid2D(colorBlack); err != nil {
		return err
	}
	if f.Defaults.Normal2D, err = f.createSolid2D(colorFlatNorm); err != nil {
		return err
	}
	if f.Defaults.Error2D, err = f.createSolid2D(colorError); err != nil {
		return err
	}
	if f.Defaults.Loading2D, err = f.createCheckerboard2D(colorBlack, colorError); err != nil {
		return err
	}
	if f.Defaults.WhiteCube, err = f.createSolidCube(colorWhite); err != nil {
		return err
	}
	if f.Defaults.ErrorCube, err = f.createSolidCube(colorError); err != nil {
		return err
	}
	if f.Defaults.LoadingCube, err = f.createSolidCube(colorLoadingBG); err != nil {
		return err
	}
	return nil
}

func (f *Facade) createSolid2D(c [4]byte) (resource.SmartHandle, error) {
	pixels := make([]byte, 4)
	copy(pixels, c[:])
	return f.createAndUpload2D(1, 1, pixels)
}

func (f *Facade) createCheckerboard2D(a, b [4]byte) (resource.SmartHandle, error) {
	n := checkerSize
	pixels := make([]byte, n*n*4)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			c := a
			if (x/4+y/4)%2 == 1 {
				c = b
			}
			off := (y*n + x) * 4
			copy(pixels[off:off+4], c[:])
		}
	}
	return f.createAndUpload2D(n, n, pixels)
}

func (f *Facade) createSolidCube(c [4]byte) (resource.SmartHandle, error) {
	pixels := make([]byte, 4)
	copy(pixels, c[:])
	h, err := f.mgr.CreateTexture(&rhi.TextureDesc{
		Type: rhi.TexCube, Extent: rhi.Dim3D{Width: 1, Height: 1, Depth: 1},
		Format: rhi.RGBA8Unorm, MipLevels: 1, ArrayLayers: 6,
		Usage: rhi.UsageSampled | rhi.UsageTransferDst,
	}, true)
	if err != nil {
		return resource.SmartHandle{}, err
	}
	faces := make([]byte, 6*4)
	for i := 0; i < 6; i++ {
		copy(faces[i*4:], pixels)
	}
	if err := f.uploadImmediate(h, faces, rhi.Dim3D{Width: 1, Height: 1, Depth: 1}, 6); err != nil {
		h.Release()
		return resource.SmartHandle{}, err
	}
	return h, nil
}

func (f *Facade) createAndUpload2D(w, h int, pixels []byte) (resource.SmartHandle, error) {
	tex, err := f.mgr.CreateTexture(&rhi.TextureDesc{
		Type: rhi.Tex2D, Extent: rhi.Dim3D{Width: w, Height: h, Depth: 1},
		Format: rhi.RGBA8Unorm, MipLevels: 1, ArrayLayers: 1,
		Usage: rhi.UsageSampled | rhi.UsageTransferDst,
	}, true)
	if err != nil {
		return resource.SmartHandle{}, err
	}
	if err := f.uploadImmediate(tex, pixels, rhi.Dim3D{Width: w, Height: h, Depth: 1}, 1); err != nil {
		tex.Release()
		return resource.SmartHandle{}, err
	}
	return tex, nil
}

// uploadImmediate records and submits a one-shot copy of data into h,
// blocking until the GPU has finished. It serves the default textures
// built at startup and the synchronous creation paths (CreateTexture,
// CreateTextureFromDesc, CreateCubemap); async loads go through the
// staging ring and transfer worker instead.
func (f *Facade) uploadImmediate(h resource.SmartHandle, data []byte, extent rhi.Dim3D, layers int) error {
	buf, err := f.device.NewBuffer(int64(len(data)), true, rhi.UsageTransferSrc)
	if err != nil {
		return err
	}
	defer buf.Destroy()
	copy(buf.Bytes(), data)

	graphics, _, _ := f.device.QueueFamilies()
	cl, err := f.device.NewCmdList(graphics)
	if err != nil {
		return err
	}
	defer cl.Destroy()
	fence, err := f.device.NewFence(false)
	if err != nil {
		return err
	}
	defer fence.Destroy()

	tex, _ := f.mgr.TextureNative(h)
	if err := cl.Begin(); err != nil {
		return err
	}
	cl.Transition([]rhi.Transition{{
		Barrier:      rhi.Barrier{SyncBefore: rhi.SyncNone, SyncAfter: rhi.SyncCopy, AccessBefore: rhi.AccessNone, AccessAfter: rhi.AccessCopyWrite},
		LayoutBefore: rhi.LayoutUndefined,
		LayoutAfter:  rhi.LayoutCopyDst,
		Tex:          tex,
	}})
	copies := make([]rhi.BufTexCopy, layers)
	perLayer := int64(len(data) / layers)
	for i := 0; i < layers; i++ {
		copies[i] = rhi.BufTexCopy{Buf: buf, BufOffset: int64(i) * perLayer, Tex: tex, Layer: i, Extent: extent}
	}
	cl.CopyBufToTex(copies)
	cl.Transition([]rhi.Transition{{
		Barrier:      rhi.Barrier{SyncBefore: rhi.SyncCopy, SyncAfter: rhi.SyncShading, AccessBefore: rhi.AccessCopyWrite, AccessAfter: rhi.AccessShaderRead},
		LayoutBefore: rhi.LayoutCopyDst,
		LayoutAfter:  rhi.LayoutShaderRead,
		Tex:          tex,
	}})
	if err := cl.End(); err != nil {
		return err
	}
	if err := f.device.Submit(cl, fence, nil, nil); err != nil {
		return err
	}
	for !fence.Signaled() {
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}
