// Package transfer implements the GPU transfer worker: a single
// goroutine that drains batches of staged buffer-to-texture copies,
// records them into one of a fixed number of in-flight command list
// slots, and submits them on the transfer queue family — handing
// ownership off to the graphics queue family first when a batch needs
// mipmap generation (§4.G, Open Question 1).
//
// A batch either arrives pre-planned (Copies/Tex/StagingBatchID
// already set — the synchronous/legacy path) or carries a Req, in
// which case the worker itself reserves staging and plans the next
// bounded chunk of Req's upload, re-queuing a continuation batch for
// whatever remains (§3 UploadRequest, §4.G partial-mip streaming).
package transfer

import (
	"context"
	"time"

	"github.com/kestrelgfx/kestrel/reqqueue"
	"github.com/kestrelgfx/kestrel/rhi"
	"github.com/kestrelgfx/kestrel/staging"
	"github.com/kestrelgfx/kestrel/streamer"
)

// UploadRequest is one texture's decoded source data plus the state
// the transfer worker resumes across however many batches it takes to
// stream it in full. ID is stable across every batch streaming this
// request, independent of the staging ring batch IDs each chunk's
// reservation produces.
type UploadRequest struct {
	ID       int64
	Desc     rhi.TextureDesc
	Tex      rhi.Texture // the intermediate texture this request uploads into
	Pixels   []byte      // tightly packed source data for ProvidedMips levels, starting at level 0
	ProvidedMips int
	Priority reqqueue.Priority

	State  StateMachine
	Stream streamer.StreamState

	NeedsMipmapGen bool
	BytesTotal     int64
	BytesDone      int64
}

// remaining returns the bytes of Pixels not yet copied.
func (r *UploadRequest) remaining() int64 { return r.BytesTotal - r.BytesDone }

// Batch is one unit of transfer work. A batch built by a caller that
// already did its own planning (Req == nil) targets Tex directly with
// Copies; a batch carrying Req is planned by the worker itself, one
// bounded chunk at a time, and requeued via In until Req is fully
// streamed (Done == true).
type Batch struct {
	ID             int64
	Copies         []rhi.BufTexCopy
	Tex            rhi.Texture
	NeedsMipmapGen bool
	// StagingBatchID is the staging.Ring batch ID that reserved the
	// pages these copies read from; CompleteBatch(StagingBatchID) is
	// called once the submission's fence signals. Unused when Fallback
	// is set.
	StagingBatchID int64
	// Fallback is set when this batch's staging came from the ring's
	// fallback pool rather than a page; it is released via
	// ring.ReleaseFallback once the batch retires, instead of
	// CompleteBatch (§4.D, §7 — fallback allocations are not
	// batch-tracked).
	Fallback rhi.Buffer

	// Req is non-nil for a batch the worker itself must plan and
	// possibly split across further batches.
	Req  *UploadRequest
	Done bool
}

// Result reports a batch's outcome. Batch.Done false means this was one intermediate chunk of a still-streaming request,
// and no finalization action should be taken yet.
type Result struct {
	Batch Batch
	Err   error
}

// slot is one of the worker's fixed in-flight batch slots. gfxCL/
// gfxFence are only recorded into and submitted when the batch's
// texture needs graphics-queue mipmap generation (§4.G step 8); a slot
// whose batch didn't need it leaves gfxFence pre-signaled so the
// reclaim path's wait is a no-op.
type slot struct {
	cl    rhi.CmdList
	fence rhi.Fence

	gfxCL    rhi.CmdList
	gfxFence rhi.Fence

	batch *Batch
}

// Worker drives batches from In to completion on the device's
// transfer queue family, reporting results on Out (if non-nil) and
// reclaiming staging pages on ring.
type Worker struct {
	device   rhi.Device
	ring     *staging.Ring
	in       *reqqueue.Queue[Batch]
	out      *reqqueue.Queue[Result]
	transfer rhi.QueueFamily
	graphics rhi.QueueFamily
	slots    []slot
	nextSlot int

	pollEvery time.Duration

	maxBytesPerFrame int64
	maxJobsPerFrame  int
	frameBytes       int64
	frameJobs        int
}

// New creates a Worker with inFlight concurrent batch slots, reading
// from in and (if out is non-nil) publishing results to it. Per-frame
// upload bounds default to unlimited; call SetFrameBudget to enable
// §4.G/§6 bound-respecting dequeue.
func New(device rhi.Device, ring *staging.Ring, in *reqqueue.Queue[Batch], out *reqqueue.Queue[Result], inFlight int) (*Worker, error) {
	graphics, _, transferFamily := device.QueueFamilies()
	w := &Worker{
		device:           device,
		ring:             ring,
		in:               in,
		out:              out,
		transfer:         transferFamily,
		graphics:         graphics,
		slots:            make([]slot, inFlight),
		pollEvery:        200 * time.Microsecond,
		maxBytesPerFrame: 1<<63 - 1,
		maxJobsPerFrame:  1 << 30,
	}
	for i := range w.slots {
		cl, err := device.NewCmdList(transferFamily)
		if err != nil {
			return nil, err
		}
		fence, err := device.NewFence(true) // pre-signaled: free on first use
		if err != nil {
			cl.Destroy()
			return nil, err
		}
		gfxCL, err := device.NewCmdList(graphics)
		if err != nil {
			cl.Destroy()
			fence.Destroy()
			return nil, err
		}
		gfxFence, err := device.NewFence(true)
		if err != nil {
			cl.Destroy()
			fence.Destroy()
			gfxCL.Destroy()
			return nil, err
		}
		w.slots[i] = slot{cl: cl, fence: fence, gfxCL: gfxCL, gfxFence: gfxFence}
	}
	return w, nil
}

// SetFrameBudget configures the §6 MaxUploadBytesPerFrame/
// MaxUploadJobsPerFrame bounds that BeginFrame resets every tick.
func (w *Worker) SetFrameBudget(maxBytes int64, maxJobs int) {
	w.maxBytesPerFrame = maxBytes
	w.maxJobsPerFrame = maxJobs
}

// BeginFrame resets the worker's per-frame upload bandwidth/job
// counters (§4.G, §6). The facade calls this once per SyncToGPU tick,
// before draining Finalize, so bound checks made while planning
// streamed batches reflect the current frame's budget.
func (w *Worker) BeginFrame() {
	w.frameBytes = 0
	w.frameJobs = 0
}

// Run pops batches off In until ctx is canceled, recording and
// submitting each on the next available slot. On every pass it first
// reclaims each slot whose fences have signaled, so a finished batch's
// result is published without waiting for its slot to be reused. It
// blocks the caller; run it in its own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	for {
		for i := range w.slots {
			if s := &w.slots[i]; s.batch != nil && s.fence.Signaled() && (!s.batch.NeedsMipmapGen || s.gfxFence.Signaled()) {
				w.reclaim(ctx, s)
			}
		}
		popCtx, cancel := context.WithTimeout(ctx, w.pollEvery)
		batch, err := w.in.Pop(popCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		requeued, err := w.submit(ctx, batch)
		if err != nil {
			w.publish(Result{Batch: batch, Err: err})
			continue
		}
		if requeued {
			// Avoid hot-looping on a request that's waiting for a
			// staging page or next frame's budget.
			select {
			case <-time.After(w.pollEvery):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// submit plans (if batch.Req != nil) and records/submits one batch.
// requeued reports that the batch could not proceed this round (over
// budget, or staging unavailable) and was pushed back onto In instead.
func (w *Worker) submit(ctx context.Context, batch Batch) (requeued bool, err error) {
	firstTouch := batch.Req == nil || batch.Req.BytesDone == 0
	if batch.Req != nil {
		ready, requeued, err := w.planChunk(&batch)
		if err != nil || requeued || !ready {
			return requeued, err
		}
		if len(batch.Copies) == 0 {
			// Nothing left to stream: the request was already fully
			// uploaded by a prior chunk, or it carries no provided
			// mips at all. Publish completion without recording a
			// no-op transfer.
			w.publish(Result{Batch: batch})
			return false, nil
		}
	}

	i := w.nextSlot
	w.nextSlot = (w.nextSlot + 1) % len(w.slots)
	s := &w.slots[i]

	if err := w.reclaim(ctx, s); err != nil {
		return false, err
	}

	if err := s.fence.Reset(); err != nil {
		return false, err
	}
	if err := s.cl.Begin(); err != nil {
		return false, err
	}

	// First-touch transition: only a request's first chunk finds its
	// texture Undefined. A later chunk of the same request finds it in
	// ShaderRead, where the previous chunk's closing transition left it
	// (only a request's final chunk hands off for mipmap generation).
	toCopyDst := rhi.Transition{
		Barrier:      rhi.Barrier{SyncBefore: rhi.SyncNone, SyncAfter: rhi.SyncCopy, AccessBefore: rhi.AccessNone, AccessAfter: rhi.AccessCopyWrite},
		LayoutBefore: rhi.LayoutUndefined,
		LayoutAfter:  rhi.LayoutCopyDst,
		Tex:          batch.Tex,
		SrcFamily:    w.transfer,
		DstFamily:    w.transfer,
	}
	if !firstTouch {
		toCopyDst.Barrier.SyncBefore, toCopyDst.Barrier.AccessBefore = rhi.SyncShading, rhi.AccessShaderRead
		toCopyDst.LayoutBefore = rhi.LayoutShaderRead
	}
	s.cl.Transition([]rhi.Transition{toCopyDst})

	s.cl.CopyBufToTex(batch.Copies)

	if batch.NeedsMipmapGen {
		// Release barrier on the transfer command list (§4.G step 5):
		// TransferDst -> TransferDst, src=transfer, dst=graphics. The
		// matching acquire barrier is recorded on the graphics command
		// list below, once the transfer fence has signaled.
		s.cl.Transition([]rhi.Transition{{
			Barrier:      rhi.Barrier{SyncBefore: rhi.SyncCopy, SyncAfter: rhi.SyncNone, AccessBefore: rhi.AccessCopyWrite, AccessAfter: rhi.AccessNone},
			LayoutBefore: rhi.LayoutCopyDst,
			LayoutAfter:  rhi.LayoutCopyDst,
			Tex:          batch.Tex,
			SrcFamily:    w.transfer,
			DstFamily:    w.graphics,
		}})
	} else {
		s.cl.Transition([]rhi.Transition{{
			Barrier:      rhi.Barrier{SyncBefore: rhi.SyncCopy, SyncAfter: rhi.SyncShading, AccessBefore: rhi.AccessCopyWrite, AccessAfter: rhi.AccessShaderRead},
			LayoutBefore: rhi.LayoutCopyDst,
			LayoutAfter:  rhi.LayoutShaderRead,
			Tex:          batch.Tex,
			SrcFamily:    w.transfer,
			DstFamily:    w.transfer,
		}})
	}

	if err := s.cl.End(); err != nil {
		return false, err
	}
	b := batch
	s.batch = &b
	if err := w.device.Submit(s.cl, s.fence, nil, nil); err != nil {
		return false, err
	}
	if !batch.NeedsMipmapGen {
		return false, nil
	}
	return false, w.submitMipmapGen(ctx, s, batch)
}

// planChunk reserves staging and computes the next bounded copy for
// batch.Req, mutating batch in place to describe it. ready is false
// when the batch was requeued (budget exceeded or staging
// unavailable) rather than advanced.
func (w *Worker) planChunk(batch *Batch) (ready, requeued bool, err error) {
	req := batch.Req
	batch.ID = req.ID

	if w.frameJobs >= w.maxJobsPerFrame || w.frameBytes >= w.maxBytesPerFrame {
		w.requeue(*batch)
		return false, true, nil
	}

	if req.remaining() <= 0 {
		// Already fully streamed by a prior chunk; nothing left to plan.
		batch.Done = true
		return true, false, nil
	}

	plan, next, ok := streamer.PlanNext(&req.Desc, req.ProvidedMips, req.Stream, w.ring.PageSize())
	if !ok {
		batch.Done = true
		return true, false, nil
	}

	var alloc staging.Allocation
	var gotIt bool
	fromFallback := plan.CopySize > w.ring.PageSize()
	if fromFallback {
		// A single row-chunk that itself exceeds the page size (a very
		// wide uncompressed level over a small page) falls back to a
		// one-off buffer instead of failing the request (§4.D, §7).
		alloc, gotIt = w.ring.TryAllocFallback(plan.CopySize)
	} else {
		alloc, gotIt = w.ring.TryAllocPage(plan.CopySize)
	}
	if !gotIt {
		// Transient staging shortage: re-queue with the request's
		// original priority and stream state untouched, rather than
		// failing the upload (§7, §4.G).
		w.requeue(*batch)
		return false, true, nil
	}

	copy(alloc.Bytes(), req.Pixels[plan.SrcOffset:plan.SrcOffset+plan.CopySize])

	region := plan.Region
	region.Buf = alloc.Buf
	region.BufOffset = alloc.Offset
	region.Tex = req.Tex

	req.Stream = next
	req.BytesDone += plan.CopySize
	req.State.TryTransition(StateUploading)

	batch.Copies = []rhi.BufTexCopy{region}
	batch.Tex = req.Tex
	batch.StagingBatchID = alloc.BatchID
	if fromFallback {
		batch.Fallback = alloc.Buf
	}
	batch.Done = plan.Done
	if plan.Done {
		req.NeedsMipmapGen = req.ProvidedMips < req.Desc.MipLevels
		batch.NeedsMipmapGen = req.NeedsMipmapGen
	}

	w.frameBytes += plan.CopySize
	w.frameJobs++

	if !plan.Done {
		// More of this request remains: queue a continuation chunk
		// under the same request ID, so the caller's completion
		// handling only fires once, on the final chunk (§4.G, §4.H).
		w.requeueContinuation(*req)
	}

	return true, false, nil
}

func (w *Worker) requeue(batch Batch) {
	pri := reqqueue.PriorityNormal
	if batch.Req != nil {
		pri = batch.Req.Priority
	}
	w.in.TryPush(pri, batch)
}

func (w *Worker) requeueContinuation(req UploadRequest) {
	w.in.TryPush(req.Priority, Batch{ID: req.ID, Req: &req})
}

// reclaim waits for slot s's prior occupant (if any) to retire on
// both its transfer fence and, when that batch needed mipmap
// generation, its graphics fence (§4.G step 1), then publishes its
// result and reclaims its staging before the slot is reused.
func (w *Worker) reclaim(ctx context.Context, s *slot) error {
	if s.batch == nil {
		return nil
	}
	if err := waitFence(ctx, s.fence, w.pollEvery); err != nil {
		return err
	}
	if s.batch.NeedsMipmapGen {
		if err := waitFence(ctx, s.gfxFence, w.pollEvery); err != nil {
			return err
		}
	}
	if s.batch.Fallback != nil {
		w.ring.ReleaseFallback(s.batch.Fallback)
	} else {
		w.ring.CompleteBatch(s.batch.StagingBatchID)
	}
	w.publish(Result{Batch: *s.batch})
	s.batch = nil
	return nil
}

// submitMipmapGen waits for the transfer submission to retire (the
// graphics queue must not acquire ownership or touch the texture
// before the transfer fence signals, §5 ordering guarantees), then
// records the matching acquire barrier plus the mip-generation pass
// and submits it on the graphics queue family.
func (w *Worker) submitMipmapGen(ctx context.Context, s *slot, batch Batch) error {
	if err := waitFence(ctx, s.fence, w.pollEvery); err != nil {
		return err
	}
	if err := s.gfxFence.Reset(); err != nil {
		return err
	}
	if err := s.gfxCL.Begin(); err != nil {
		return err
	}
	s.gfxCL.Transition([]rhi.Transition{{
		Barrier:      rhi.Barrier{SyncBefore: rhi.SyncNone, SyncAfter: rhi.SyncCopy, AccessBefore: rhi.AccessNone, AccessAfter: rhi.AccessCopyWrite},
		LayoutBefore: rhi.LayoutCopyDst,
		LayoutAfter:  rhi.LayoutCopyDst,
		Tex:          batch.Tex,
		SrcFamily:    w.transfer,
		DstFamily:    w.graphics,
	}})
	s.gfxCL.GenerateMipmaps(batch.Tex)
	s.gfxCL.Transition([]rhi.Transition{{
		Barrier:      rhi.Barrier{SyncBefore: rhi.SyncCopy, SyncAfter: rhi.SyncShading, AccessBefore: rhi.AccessCopyWrite, AccessAfter: rhi.AccessShaderRead},
		LayoutBefore: rhi.LayoutCopyDst,
		LayoutAfter:  rhi.LayoutShaderRead,
		Tex:          batch.Tex,
		SrcFamily:    w.graphics,
		DstFamily:    w.graphics,
	}})
	if err := s.gfxCL.End(); err != nil {
		return err
	}
	return w.device.Submit(s.gfxCL, s.gfxFence, nil, nil)
}

func (w *Worker) publish(r Result) {
	if w.out == nil {
		return
	}
	w.out.TryPush(reqqueue.PriorityNormal, r)
}

// Drain waits for every in-flight slot to retire, publishing their
// results and releasing their staging batches. Call at shutdown,
// after Run's goroutine has stopped pulling new batches.
func (w *Worker) Drain(ctx context.Context) error {
	for i := range w.slots {
		if err := w.reclaim(ctx, &w.slots[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close destroys every slot's command lists and fences. Call after
// Drain.
func (w *Worker) Close() {
	for i := range w.slots {
		w.slots[i].cl.Destroy()
		w.slots[i].fence.Destroy()
		w.slots[i].gfxCL.Destroy()
		w.slots[i].gfxFence.Destroy()
	}
}

func waitFence(ctx context.Context, f rhi.Fence, pollEvery time.Duration) error {
	if f.Signaled() {
		return nil
	}
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if f.Signaled() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
