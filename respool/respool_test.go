package respool

import (
	"sync"
	"testing"
)

func TestEmplaceValidate(t *testing.T) {
	var p Pool[int]
	h, err := p.Emplace(func(v *int) { *v = 42 })
	if err != nil {
		t.Fatalf("p.Emplace: unexpected error: %v", err)
	}
	if !p.Validate(h) {
		t.Fatal("p.Validate: have false, want true for freshly emplaced handle")
	}
	v, ok := p.Get(h)
	if !ok || *v != 42 {
		t.Fatalf("p.Get:\nhave (%v, %t)\nwant (42, true)", v, ok)
	}
}

func TestRetireFreeBumpsGeneration(t *testing.T) {
	var p Pool[int]
	h, _ := p.Emplace(func(v *int) { *v = 1 })
	p.Retire(h)
	if p.Validate(h) {
		t.Fatal("p.Validate: have true, want false after Retire")
	}
	p.FreeSlot(h.Index)
	h2, _ := p.Emplace(func(v *int) { *v = 2 })
	if h2.Index != h.Index {
		t.Fatalf("p.Emplace: have index %d, want reused index %d", h2.Index, h.Index)
	}
	if h2.Generation == h.Generation {
		t.Fatal("p.Emplace: generation did not change across free/reuse")
	}
	if p.Validate(h) {
		t.Fatal("p.Validate: stale handle validated after slot reincarnation")
	}
	if !p.Validate(h2) {
		t.Fatal("p.Validate: have false, want true for freshly reincarnated handle")
	}
}

func TestFreeSlotRequiresRetired(t *testing.T) {
	var p Pool[int]
	h, _ := p.Emplace(func(v *int) { *v = 1 })
	p.FreeSlot(h.Index) // not Retired: must be a no-op
	if !p.Validate(h) {
		t.Fatal("p.FreeSlot: freed a slot that was not Retired")
	}
}

func TestRetireIgnoresStaleHandle(t *testing.T) {
	var p Pool[int]
	h, _ := p.Emplace(func(v *int) { *v = 1 })
	p.Retire(h)
	p.FreeSlot(h.Index)
	p.Retire(h) // stale generation: must be ignored, not corrupt the new slot
	h2, _ := p.Emplace(func(v *int) { *v = 2 })
	if !p.Validate(h2) {
		t.Fatal("p.Retire: stale retire corrupted a reincarnated slot")
	}
}

func TestForEachSkipsNonAlive(t *testing.T) {
	var p Pool[int]
	h1, _ := p.Emplace(func(v *int) { *v = 1 })
	_, _ = p.Emplace(func(v *int) { *v = 2 })
	p.Retire(h1)
	var seen []int
	p.ForEach(func(_ uint32, v *int) { seen = append(seen, *v) })
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("p.ForEach:\nhave %v\nwant [2]", seen)
	}
}

func TestClearRetainsChunks(t *testing.T) {
	var p Pool[int]
	h, _ := p.Emplace(func(v *int) { *v = 1 })
	p.Clear()
	if p.Validate(h) {
		t.Fatal("p.Clear: handle still valid after Clear")
	}
	h2, _ := p.Emplace(func(v *int) { *v = 2 })
	if h2.Index != h.Index {
		t.Fatalf("p.Clear: expected chunk reuse, have index %d want %d", h2.Index, h.Index)
	}
}

// TestConcurrentAddRefRelease exercises invariant 8.2: concurrent
// smart-handle copy/drop from many goroutines against a single slot
// must never double-destroy nor miss a destroy. Emplace seeds the
// slot's refcount at 1 (the caller's own strong handle); every
// goroutine below performs balanced AddRef/Release pairs on top of
// that base reference, so none of them should ever observe the
// refcount reaching zero. Only the final Release, dropping the base
// reference after every goroutine has finished, is allowed to.
func TestConcurrentAddRefRelease(t *testing.T) {
	const goroutines = 8
	const iterations = 10000

	var p Pool[int]
	h, _ := p.Emplace(func(v *int) { *v = 0 })

	var premature int64Atomic
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if !p.AddRef(h) {
					t.Error("p.AddRef: failed on a handle that should still be valid")
					return
				}
				if p.Release(h) {
					premature.add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := premature.load(); got != 0 {
		t.Fatalf("destroy events observed before base reference dropped:\nhave %d\nwant 0", got)
	}
	if !p.Release(h) {
		t.Fatal("p.Release: dropping the last strong reference did not report last==true")
	}
}

// int64Atomic is a tiny test-local counter; the production code uses
// atomic.Int64 directly (see slot[T]) but a second import of "sync/atomic"
// under a different name here would just be noise.
type int64Atomic struct {
	mu sync.Mutex
	n  int64
}

func (a *int64Atomic) add(d int64) { a.mu.Lock(); a.n += d; a.mu.Unlock() }
func (a *int64Atomic) load() int64 { a.mu.Lock(); defer a.mu.Unlock(); return a.n }
