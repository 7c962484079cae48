package texture_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelgfx/kestrel/bindless"
	"github.com/kestrelgfx/kestrel/resource"
	"github.com/kestrelgfx/kestrel/rhi"
	"github.com/kestrelgfx/kestrel/staging"
	"github.com/kestrelgfx/kestrel/texture"
)

type fakeFence struct{ signaled atomic.Bool }

func (f *fakeFence) Destroy()       {}
func (f *fakeFence) Signaled() bool { return f.signaled.Load() }
func (f *fakeFence) Reset() error   { f.signaled.Store(false); return nil }

type fakeCmdList struct{}

func (c *fakeCmdList) Destroy()                             {}
func (c *fakeCmdList) Begin() error                         { return nil }
func (c *fakeCmdList) End() error                            { return nil }
func (c *fakeCmdList) Barrier(b []rhi.Barrier)               {}
func (c *fakeCmdList) Transition(t []rhi.Transition)         {}
func (c *fakeCmdList) CopyBufToTex(copies []rhi.BufTexCopy)  {}
func (c *fakeCmdList) GenerateMipmaps(tex rhi.Texture)       {}

type fakeBuffer struct{ data []byte }

func (f *fakeBuffer) Destroy()      {}
func (f *fakeBuffer) Visible() bool { return true }
func (f *fakeBuffer) Bytes() []byte { return f.data }
func (f *fakeBuffer) Cap() int64    { return int64(len(f.data)) }

type fakeTexView struct{}

func (fakeTexView) Destroy() {}

type fakeTex struct{}

func (fakeTex) Destroy() {}
func (fakeTex) NewView(typ rhi.ViewType, layer, layers, level, levels int) (rhi.TextureView, error) {
	return fakeTexView{}, nil
}

type fakeBindlessSet struct{}

func (fakeBindlessSet) WriteTexture2D(slot int, view rhi.TextureView)         {}
func (fakeBindlessSet) WriteTextureCube(slot int, view rhi.TextureView)       {}
func (fakeBindlessSet) WriteStorageImage(slot int, view rhi.TextureView)      {}
func (fakeBindlessSet) WriteMSTexture2D(slot int, view rhi.TextureView)       {}
func (fakeBindlessSet) WriteShadowTexture2D(slot int, view rhi.TextureView)   {}
func (fakeBindlessSet) WriteSampler(slot int, s rhi.Sampler)                  {}
func (fakeBindlessSet) WriteShadowSampler(slot int, s rhi.Sampler)            {}
func (fakeBindlessSet) WriteBuffer(slot int, buf rhi.Buffer, off, size int64) {}
func (fakeBindlessSet) Capacity(array rhi.BindlessArray) int                  { return 1024 }

type fakeDevice struct{}

func (fakeDevice) NewBuffer(size int64, visible bool, usg rhi.Usage) (rhi.Buffer, error) {
	return &fakeBuffer{data: make([]byte, size)}, nil
}
func (fakeDevice) NewTexture(desc *rhi.TextureDesc) (rhi.Texture, error) { return fakeTex{}, nil }
func (fakeDevice) NewSampler(spln *rhi.Sampling) (rhi.Sampler, error)    { return nil, nil }
func (fakeDevice) NewPipeline(state any) (rhi.Pipeline, error)          { return nil, nil }
func (fakeDevice) NewCmdList(family rhi.QueueFamily) (rhi.CmdList, error) {
	return &fakeCmdList{}, nil
}
func (fakeDevice) NewFence(signaled bool) (rhi.Fence, error) {
	f := &fakeFence{}
	f.signaled.Store(signaled)
	return f, nil
}
func (fakeDevice) Submit(cl rhi.CmdList, fence rhi.Fence, waits, signals []rhi.Semaphore) error {
	go func() {
		time.Sleep(2 * time.Millisecond)
		fence.(*fakeFence).signaled.Store(true)
	}()
	return nil
}
func (fakeDevice) WaitIdle() {}
func (fakeDevice) QueueFamilies() (graphics, compute, transferFamily rhi.QueueFamily) {
	return 0, 1, 2
}
func (fakeDevice) BindlessSet() rhi.BindlessSet { return fakeBindlessSet{} }
func (fakeDevice) Limits() rhi.Limits           { return rhi.Limits{} }

func newTestFacade(t *testing.T, decode texture.Decoder) *texture.Facade {
	t.Helper()
	dev := fakeDevice{}
	reg := bindless.NewRegistry(dev.BindlessSet(), 3)
	mgr := resource.NewManager(dev, reg, 3)
	ring, err := staging.NewRing(dev, 4096, 4, 65536, 2)
	if err != nil {
		t.Fatalf("staging.NewRing: %v", err)
	}
	f, err := texture.New(texture.Config{
		Device: dev, Manager: mgr, Ring: ring, Decode: decode,
		QueueCapacity: 16, IOWorkerCapacity: 4, TransferInFlightBatches: 2,
	})
	if err != nil {
		t.Fatalf("texture.New: %v", err)
	}
	return f
}

func TestLoadTextureResolvesToRealTexture(t *testing.T) {
	f := newTestFacade(t, func(ctx context.Context, path string, srgb bool) ([]byte, rhi.Dim3D, error) {
		return make([]byte, 4*2*2), rhi.Dim3D{Width: 2, Height: 2, Depth: 1}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Run(ctx)
	}()

	h, err := f.LoadTexture(context.Background(), "tex.png", false, 1)
	if err != nil {
		t.Fatalf("f.LoadTexture: unexpected error: %v", err)
	}
	if !h.IsValid() {
		t.Fatal("f.LoadTexture: proxy handle invalid immediately after call")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.Stats().TexturesCompleted == 0 {
		if err := f.Finalize(context.Background(), 0); err != nil {
			t.Fatalf("f.Finalize: unexpected error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	wg.Wait()
	if got := f.Stats().TexturesCompleted; got != 1 {
		t.Fatalf("f.LoadTexture: proxy resolved %d times, want 1", got)
	}
	h.Release()
}

func TestLoadTextureCachesByPath(t *testing.T) {
	f := newTestFacade(t, func(ctx context.Context, path string, srgb bool) ([]byte, rhi.Dim3D, error) {
		return make([]byte, 4), rhi.Dim3D{Width: 1, Height: 1, Depth: 1}, nil
	})
	h1, err := f.LoadTexture(context.Background(), "a.png", false, 1)
	if err != nil {
		t.Fatalf("f.LoadTexture: unexpected error: %v", err)
	}
	h2, err := f.LoadTexture(context.Background(), "a.png", false, 1)
	if err != nil {
		t.Fatalf("f.LoadTexture: unexpected error: %v", err)
	}
	if h1.Handle() != h2.Handle() {
		t.Fatalf("f.LoadTexture: repeat load returned a different handle: %v vs %v", h1.Handle(), h2.Handle())
	}
	h1.Release()
	h2.Release()
}

func TestDefaultAccessorsReturnDistinctStrongHandles(t *testing.T) {
	f := newTestFacade(t, nil)
	e1 := f.GetErrorTexture()
	e2 := f.GetErrorTexture()
	if e1.Handle() != e2.Handle() {
		t.Fatalf("f.GetErrorTexture: two calls returned different handles: %v vs %v", e1.Handle(), e2.Handle())
	}
	l := f.GetLoadingTexture()
	w := f.GetDefaultWhite()
	if l.Handle() == w.Handle() {
		t.Fatal("f.GetLoadingTexture and f.GetDefaultWhite returned the same handle")
	}
	e1.Release()
	e2.Release()
	l.Release()
	w.Release()
}

func TestCreateTextureUploadsSynchronously(t *testing.T) {
	f := newTestFacade(t, nil)
	pixels := make([]byte, 4*4*4)
	h, err := f.CreateTexture(pixels, 4, 4, 4, false, false)
	if err != nil {
		t.Fatalf("f.CreateTexture: unexpected error: %v", err)
	}
	if !h.IsValid() {
		t.Fatal("f.CreateTexture: returned handle is not valid")
	}
	h.Release()
}

func TestCreateCubemapMismatchedFacesReturnsErrorCube(t *testing.T) {
	sizes := map[string]rhi.Dim3D{
		"+x.png": {Width: 2, Height: 2, Depth: 1},
		"-x.png": {Width: 2, Height: 2, Depth: 1},
		"+y.png": {Width: 2, Height: 2, Depth: 1},
		"-y.png": {Width: 2, Height: 2, Depth: 1},
		"+z.png": {Width: 2, Height: 2, Depth: 1},
		"-z.png": {Width: 4, Height: 4, Depth: 1}, // mismatched
	}
	f := newTestFacade(t, func(ctx context.Context, path string, srgb bool) ([]byte, rhi.Dim3D, error) {
		d := sizes[path]
		return make([]byte, d.Width*d.Height*4), d, nil
	})
	h, err := f.CreateCubemap(context.Background(), [6]string{"+x.png", "-x.png", "+y.png", "-y.png", "+z.png", "-z.png"}, false)
	if err == nil {
		t.Fatal("f.CreateCubemap: expected a mismatch error")
	}
	if h.Handle() != f.Defaults.ErrorCube.Handle() {
		t.Fatal("f.CreateCubemap: mismatched faces did not return the shared error-cube handle")
	}
	h.Release()
}

func TestCreateCubemapMatchingFacesSucceeds(t *testing.T) {
	f := newTestFacade(t, func(ctx context.Context, path string, srgb bool) ([]byte, rhi.Dim3D, error) {
		return make([]byte, 2*2*4), rhi.Dim3D{Width: 2, Height: 2, Depth: 1}, nil
	})
	faces := [6]string{"+x.png", "-x.png", "+y.png", "-y.png", "+z.png", "-z.png"}
	h, err := f.CreateCubemap(context.Background(), faces, true)
	if err != nil {
		t.Fatalf("f.CreateCubemap: unexpected error: %v", err)
	}
	if !h.IsValid() {
		t.Fatal("f.CreateCubemap: returned handle is not valid")
	}
	h.Release()
}

func TestCreateTextureWithCacheWritesAndReuses(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	f := newTestFacade(t, func(ctx context.Context, path string, srgb bool) ([]byte, rhi.Dim3D, error) {
		return make([]byte, 4), rhi.Dim3D{Width: 1, Height: 1, Depth: 1}, nil
	})
	encoded := []byte("fake encoded source bytes")
	h1, err := f.CreateTextureWithCache(context.Background(), encoded, false, 1)
	if err != nil {
		t.Fatalf("f.CreateTextureWithCache: unexpected error: %v", err)
	}
	h2, err := f.CreateTextureWithCache(context.Background(), encoded, false, 1)
	if err != nil {
		t.Fatalf("f.CreateTextureWithCache (second call): unexpected error: %v", err)
	}
	if h1.Handle() != h2.Handle() {
		t.Fatalf("f.CreateTextureWithCache: repeat call for identical bytes returned different handles: %v vs %v", h1.Handle(), h2.Handle())
	}
	h1.Release()
	h2.Release()
}

func TestStatsAndConsumeCompletedTextures(t *testing.T) {
	f := newTestFacade(t, func(ctx context.Context, path string, srgb bool) ([]byte, rhi.Dim3D, error) {
		return make([]byte, 4*2*2), rhi.Dim3D{Width: 2, Height: 2, Depth: 1}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Run(ctx)
	}()

	h, err := f.LoadTexture(context.Background(), "stats.png", false, 1)
	if err != nil {
		t.Fatalf("f.LoadTexture: unexpected error: %v", err)
	}

	var completed []resource.SmartHandle
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := f.Finalize(context.Background(), 0); err != nil {
			t.Fatalf("f.Finalize: unexpected error: %v", err)
		}
		completed = append(completed, f.ConsumeCompletedTextures()...)
		if len(completed) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	if len(completed) != 1 {
		t.Fatalf("f.ConsumeCompletedTextures: got %d handles, want 1", len(completed))
	}
	stats := f.Stats()
	if stats.TexturesCompleted != 1 {
		t.Fatalf("f.Stats: TexturesCompleted = %d, want 1", stats.TexturesCompleted)
	}
	if stats.BytesUploaded != 4*2*2 {
		t.Fatalf("f.Stats: BytesUploaded = %d, want %d", stats.BytesUploaded, 4*2*2)
	}

	for _, c := range completed {
		c.Release()
	}
	h.Release()
}
