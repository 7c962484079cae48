package transfer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelgfx/kestrel/reqqueue"
	"github.com/kestrelgfx/kestrel/rhi"
	"github.com/kestrelgfx/kestrel/staging"
	"github.com/kestrelgfx/kestrel/transfer"
)

type fakeFence struct {
	signaled atomic.Bool
}

func (f *fakeFence) Destroy()        {}
func (f *fakeFence) Signaled() bool  { return f.signaled.Load() }
func (f *fakeFence) Reset() error    { f.signaled.Store(false); return nil }

type fakeCmdList struct {
	recording bool
}

func (c *fakeCmdList) Destroy()                                {}
func (c *fakeCmdList) Begin() error                            { c.recording = true; return nil }
func (c *fakeCmdList) End() error                               { c.recording = false; return nil }
func (c *fakeCmdList) Barrier(b []rhi.Barrier)                  {}
func (c *fakeCmdList) Transition(t []rhi.Transition)            {}
func (c *fakeCmdList) CopyBufToTex(copies []rhi.BufTexCopy)     {}
func (c *fakeCmdList) GenerateMipmaps(tex rhi.Texture)          {}

type fakeBuffer struct{ data []byte }

func (f *fakeBuffer) Destroy()      {}
func (f *fakeBuffer) Visible() bool { return true }
func (f *fakeBuffer) Bytes() []byte { return f.data }
func (f *fakeBuffer) Cap() int64    { return int64(len(f.data)) }

type fakeTexture struct{}

func (fakeTexture) Destroy() {}
func (fakeTexture) NewView(typ rhi.ViewType, layer, layers, level, levels int) (rhi.TextureView, error) {
	return nil, nil
}

type fakeDevice struct {
	mu      sync.Mutex
	signal  []*fakeFence
}

func (d *fakeDevice) NewBuffer(size int64, visible bool, usg rhi.Usage) (rhi.Buffer, error) {
	return &fakeBuffer{data: make([]byte, size)}, nil
}
func (d *fakeDevice) NewTexture(desc *rhi.TextureDesc) (rhi.Texture, error) { return fakeTexture{}, nil }
func (d *fakeDevice) NewSampler(spln *rhi.Sampling) (rhi.Sampler, error)    { return nil, nil }
func (d *fakeDevice) NewPipeline(state any) (rhi.Pipeline, error)          { return nil, nil }
func (d *fakeDevice) NewCmdList(family rhi.QueueFamily) (rhi.CmdList, error) {
	return &fakeCmdList{}, nil
}
func (d *fakeDevice) NewFence(signaled bool) (rhi.Fence, error) {
	f := &fakeFence{}
	f.signaled.Store(signaled)
	return f, nil
}
func (d *fakeDevice) Submit(cl rhi.CmdList, fence rhi.Fence, waits, signals []rhi.Semaphore) error {
	d.mu.Lock()
	f := fence.(*fakeFence)
	d.mu.Unlock()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.signaled.Store(true)
	}()
	return nil
}
func (d *fakeDevice) WaitIdle() {}
func (d *fakeDevice) QueueFamilies() (graphics, compute, transferFamily rhi.QueueFamily) {
	return 0, 1, 2
}
func (d *fakeDevice) BindlessSet() rhi.BindlessSet { return nil }
func (d *fakeDevice) Limits() rhi.Limits           { return rhi.Limits{} }

func TestWorkerSubmitsAndPublishesResult(t *testing.T) {
	dev := &fakeDevice{}
	ring, err := staging.NewRing(dev, 1024, 2, 4096, 1)
	if err != nil {
		t.Fatalf("staging.NewRing: unexpected error: %v", err)
	}
	in := reqqueue.New[transfer.Batch](4)
	out := reqqueue.New[transfer.Result](4)

	w, err := transfer.New(dev, ring, in, out, 2)
	if err != nil {
		t.Fatalf("transfer.New: unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	alloc, err := ring.AllocPage(context.Background(), 64)
	if err != nil {
		t.Fatalf("ring.AllocPage: unexpected error: %v", err)
	}
	in.Push(context.Background(), reqqueue.PriorityNormal, transfer.Batch{
		ID:             1,
		Tex:            fakeTexture{},
		StagingBatchID: alloc.BatchID,
	})

	// A batch's Result is published once Run sees its fence signaled,
	// or at the latest when Drain runs (see transfer.Worker.Run): give
	// Run time to pick up and submit the batch, then stop it and Drain.
	time.Sleep(30 * time.Millisecond)
	cancel()
	wg.Wait()
	if err := w.Drain(context.Background()); err != nil {
		t.Fatalf("w.Drain: unexpected error: %v", err)
	}

	popCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	res, err := out.Pop(popCtx)
	if err != nil {
		t.Fatalf("out.Pop: unexpected error: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("transfer.Worker: batch failed: %v", res.Err)
	}
	if res.Batch.ID != 1 {
		t.Fatalf("transfer.Worker: have batch id %d, want 1", res.Batch.ID)
	}
	w.Close()
}
