// Package staging implements the staging ring allocator that moves
// decoded texture/mesh payloads from CPU-visible memory to pages a
// GPU transfer batch can copy from. Pages are a fixed size and are
// reclaimed in ring order once the transfer worker confirms the batch
// that last used them has completed; oversize requests fall back to a
// small bounded pool of one-off staging buffers.
package staging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kestrelgfx/kestrel/rhi"
)

const stagingPrefix = "staging: "

var (
	// ErrTooLarge is returned by AllocPage when a request exceeds the
	// page size, and by AllocFallback when it exceeds the fallback
	// pool's per-buffer cap.
	ErrTooLarge = errors.New(stagingPrefix + "allocation exceeds staging capacity")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New(stagingPrefix + "ring closed")
)

// page is one fixed-size slot of the ring buffer.
type page struct {
	lastBatch atomic.Int64 // batch ID that most recently claimed this page
}

// Allocation describes a reserved staging region: either a ring page
// (Page >= 0) or a fallback buffer (Page == -1).
type Allocation struct {
	BatchID int64
	Buf     rhi.Buffer
	Offset  int64
	Size    int64
	Page    int
}

// Bytes returns the writable slice for this allocation's region.
func (a Allocation) Bytes() []byte {
	return a.Buf.Bytes()[a.Offset : a.Offset+a.Size]
}

// Ring is a fixed-size-page staging buffer allocator with
// frame/batch-delayed page reclamation.
type Ring struct {
	device   rhi.Device
	buf      rhi.Buffer
	pageSize int64
	pages    []page

	head           atomic.Int64 // monotonically increasing page cursor
	nextBatchID    atomic.Int64
	completedBatch atomic.Int64

	mu     sync.Mutex
	wakeCh chan struct{} // closed and replaced to broadcast page reclamation

	fallback     chan rhi.Buffer
	fallbackCap  int64
	fallbackSize int

	closed atomic.Bool
}

// NewRing creates a ring of pageCount pages of pageSize bytes each,
// plus a fallback pool of fallbackCount buffers up to fallbackCap
// bytes for requests that don't fit in one page.
func NewRing(device rhi.Device, pageSize int64, pageCount int, fallbackCap int64, fallbackCount int) (*Ring, error) {
	buf, err := device.NewBuffer(pageSize*int64(pageCount), true, rhi.UsageTransferSrc)
	if err != nil {
		return nil, err
	}
	r := &Ring{
		device:      device,
		buf:         buf,
		pageSize:    pageSize,
		pages:       make([]page, pageCount),
		wakeCh:      make(chan struct{}),
		fallback:    make(chan rhi.Buffer, fallbackCount),
		fallbackCap: fallbackCap,
	}
	r.completedBatch.Store(-1)
	for i := range r.pages {
		r.pages[i].lastBatch.Store(-1)
	}
	return r, nil
}

// AllocPage reserves the next ring page in order, blocking until it
// has been reclaimed (its prior batch has completed) or ctx is
// canceled. size must not exceed the ring's page size.
func (r *Ring) AllocPage(ctx context.Context, size int64) (Allocation, error) {
	if r.closed.Load() {
		return Allocation{}, ErrClosed
	}
	if size > r.pageSize {
		return Allocation{}, ErrTooLarge
	}
	n := int64(len(r.pages))
	for {
		head := r.head.Load()
		idx := int(head % n)
		p := &r.pages[idx]
		last := p.lastBatch.Load()
		if last < 0 || last <= r.completedBatch.Load() {
			if r.head.CompareAndSwap(head, head+1) {
				batchID := r.nextBatchID.Add(1)
				p.lastBatch.Store(batchID)
				return Allocation{
					BatchID: batchID,
					Buf:     r.buf,
					Offset:  int64(idx) * r.pageSize,
					Size:    size,
					Page:    idx,
				}, nil
			}
			continue // lost the race for this page, retry
		}
		if err := r.wait(ctx); err != nil {
			return Allocation{}, err
		}
	}
}

// TryAllocPage attempts the next ring page without blocking, reporting
// ok=false if it has not yet been reclaimed. The async texture
// streaming path uses this instead of the blocking AllocPage so a
// transient staging shortage re-queues the request (preserving its
// priority) rather than stalling the whole transfer worker behind one
// busy page (§4.G, §7).
func (r *Ring) TryAllocPage(size int64) (Allocation, bool) {
	if r.closed.Load() || size > r.pageSize {
		return Allocation{}, false
	}
	n := int64(len(r.pages))
	for {
		head := r.head.Load()
		idx := int(head % n)
		p := &r.pages[idx]
		last := p.lastBatch.Load()
		if last < 0 || last <= r.completedBatch.Load() {
			if r.head.CompareAndSwap(head, head+1) {
				batchID := r.nextBatchID.Add(1)
				p.lastBatch.Store(batchID)
				return Allocation{
					BatchID: batchID,
					Buf:     r.buf,
					Offset:  int64(idx) * r.pageSize,
					Size:    size,
					Page:    idx,
				}, true
			}
			continue // lost the race for this page, retry
		}
		return Allocation{}, false
	}
}

// TryAllocFallback attempts a fallback-pool buffer without blocking.
func (r *Ring) TryAllocFallback(size int64) (Allocation, bool) {
	if r.closed.Load() || size > r.fallbackCap {
		return Allocation{}, false
	}
	select {
	case buf := <-r.fallback:
		if buf == nil || buf.Cap() < size {
			if buf != nil {
				buf.Destroy()
			}
			nb, err := r.device.NewBuffer(r.fallbackCap, true, rhi.UsageTransferSrc)
			if err != nil {
				return Allocation{}, false
			}
			buf = nb
		}
		return Allocation{BatchID: -1, Buf: buf, Offset: 0, Size: size, Page: -1}, true
	default:
	}
	r.mu.Lock()
	fbCap := cap(r.fallback)
	created := r.fallbackSize
	if created < fbCap {
		r.fallbackSize++
	}
	r.mu.Unlock()
	if created < fbCap {
		buf, err := r.device.NewBuffer(r.fallbackCap, true, rhi.UsageTransferSrc)
		if err != nil {
			return Allocation{}, false
		}
		return Allocation{BatchID: -1, Buf: buf, Offset: 0, Size: size, Page: -1}, true
	}
	return Allocation{}, false
}

func (r *Ring) wait(ctx context.Context) error {
	r.mu.Lock()
	ch := r.wakeCh
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CompleteBatch marks batchID (and every batch before it) as retired
// by the GPU, releasing every page it held and waking any allocator
// blocked in AllocPage. The transfer worker calls this strictly in
// submission order (batch IDs complete monotonically on one queue).
func (r *Ring) CompleteBatch(batchID int64) {
	for {
		cur := r.completedBatch.Load()
		if batchID <= cur {
			return
		}
		if r.completedBatch.CompareAndSwap(cur, batchID) {
			break
		}
	}
	r.mu.Lock()
	close(r.wakeCh)
	r.wakeCh = make(chan struct{})
	r.mu.Unlock()
}

// AllocFallback reserves a one-off buffer from the bounded fallback
// pool for requests too large for a single ring page. It blocks until
// a slot is free or ctx is canceled.
func (r *Ring) AllocFallback(ctx context.Context, size int64) (Allocation, error) {
	if r.closed.Load() {
		return Allocation{}, ErrClosed
	}
	if size > r.fallbackCap {
		return Allocation{}, ErrTooLarge
	}
	select {
	case buf := <-r.fallback:
		if buf == nil || buf.Cap() < size {
			if buf != nil {
				buf.Destroy()
			}
			nb, err := r.device.NewBuffer(r.fallbackCap, true, rhi.UsageTransferSrc)
			if err != nil {
				return Allocation{}, err
			}
			buf = nb
		}
		return Allocation{BatchID: -1, Buf: buf, Offset: 0, Size: size, Page: -1}, nil
	case <-ctx.Done():
		return Allocation{}, ctx.Err()
	default:
	}
	r.mu.Lock()
	fbCap := cap(r.fallback)
	created := r.fallbackSize
	if created < fbCap {
		r.fallbackSize++
	}
	r.mu.Unlock()
	if created < fbCap {
		buf, err := r.device.NewBuffer(r.fallbackCap, true, rhi.UsageTransferSrc)
		if err != nil {
			return Allocation{}, err
		}
		return Allocation{BatchID: -1, Buf: buf, Offset: 0, Size: size, Page: -1}, nil
	}
	select {
	case buf := <-r.fallback:
		return Allocation{BatchID: -1, Buf: buf, Offset: 0, Size: size, Page: -1}, nil
	case <-ctx.Done():
		return Allocation{}, ctx.Err()
	}
}

// ReleaseFallback returns a fallback-pool buffer for reuse.
func (r *Ring) ReleaseFallback(buf rhi.Buffer) {
	select {
	case r.fallback <- buf:
	default:
		buf.Destroy()
	}
}

// PageSize returns the ring's fixed page size in bytes.
func (r *Ring) PageSize() int64 { return r.pageSize }

// Close releases the ring buffer and every pooled fallback buffer.
// Callers must ensure no in-flight batch still references them.
func (r *Ring) Close() {
	r.closed.Store(true)
	r.buf.Destroy()
	for {
		select {
		case buf := <-r.fallback:
			buf.Destroy()
		default:
			return
		}
	}
}
