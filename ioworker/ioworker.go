// Package ioworker implements the bounded asynchronous I/O worker
// pool: one Run loop pulls load requests off a reqqueue.Queue and
// decodes each in its own goroutine, off the render thread, with total
// decode weight capped by a semaphore; decoded results are pushed onto
// an output queue for the GPU transfer worker to pick up.
package ioworker

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kestrelgfx/kestrel/reqqueue"
)

// Decoder decodes one request into a result. Implementations perform
// the actual file read + image/mesh decode; Pool only supplies
// concurrency control and queue plumbing.
type Decoder[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// FailureHandler is invoked when a Decoder returns an error, so the
// caller can route a failure result (e.g. transition the target
// resource to Failed) without the pool needing to know the request's
// shape.
type FailureHandler[Req any] func(req Req, err error)

// Pool runs a bounded set of decode workers. Concurrency is capped by
// a weighted semaphore rather than by the goroutine count alone, so
// callers can weight requests by estimated decode cost (e.g. larger
// textures count for more of the budget) instead of treating every
// request as equal.
type Pool[Req, Res any] struct {
	in      *reqqueue.Queue[Req]
	out     *reqqueue.Queue[Res]
	sem     *semaphore.Weighted
	decode  Decoder[Req, Res]
	onError FailureHandler[Req]
	weight  func(Req) int64
}

// New creates a Pool reading from in, decoding with decode, and
// writing successful results to out at the priority passed to Run. weight
// assigns a semaphore cost to each request; pass a function returning
// 1 to treat all requests equally. capacity bounds total concurrent
// decode weight in flight.
func New[Req, Res any](in *reqqueue.Queue[Req], out *reqqueue.Queue[Res], capacity int64, weight func(Req) int64, decode Decoder[Req, Res], onError FailureHandler[Req]) *Pool[Req, Res] {
	return &Pool[Req, Res]{
		in:      in,
		out:     out,
		sem:     semaphore.NewWeighted(capacity),
		decode:  decode,
		onError: onError,
		weight:  weight,
	}
}

// Run drives the pool until ctx is canceled: it pops requests off the
// input queue, acquires semaphore weight, and spawns a decode
// goroutine per request via an errgroup so a failed push of a decoded
// result to out surfaces through Run's return rather than being
// silently dropped. Decode errors go to onError instead, and a panic
// in decode is not recovered. Run blocks until ctx is done and every
// in-flight decode has returned.
func (p *Pool[Req, Res]) Run(ctx context.Context, outPriority reqqueue.Priority) error {
	g, gctx := errgroup.WithContext(context.Background())
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		default:
		}

		req, err := p.in.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return g.Wait()
			}
			continue
		}

		w := p.weight(req)
		if err := p.sem.Acquire(ctx, w); err != nil {
			// Only returns non-nil when ctx is done; the request is
			// dropped rather than requeued, matching the teacher's
			// "shutdown drains, it does not requeue" convention.
			return g.Wait()
		}
		req := req
		g.Go(func() error {
			defer p.sem.Release(w)
			res, err := p.decode(gctx, req)
			if err != nil {
				if p.onError != nil {
					p.onError(req, err)
				}
				return nil
			}
			return p.out.Push(gctx, outPriority, res)
		})
	}
}
