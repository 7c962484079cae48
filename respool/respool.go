// Package respool implements a generational, chunked stable-address
// pool allocator: the single-writer/many-reader building block that
// every typed resource pool (texture, buffer, mesh, pipeline) in the
// resource manager is built from.
package respool

import (
	"errors"
	"sync/atomic"
)

const respoolPrefix = "respool: "

// ChunkSize is the number of slots per chunk.
const ChunkSize = 1024

// MaxChunks bounds the number of chunks a Pool will allocate, and
// therefore the maximum number of live slots (MaxChunks * ChunkSize).
const MaxChunks = 4096

// genBits is the width of a Handle's generation counter.
const genBits = 12
const genMask = 1<<genBits - 1

// Handle identifies a slot together with the generation it was
// allocated under. A Handle is valid iff the slot's current generation
// matches and the slot is Alive; handles are value types, cheaply
// copied, and never dereference memory directly.
type Handle struct {
	Index      uint32
	Generation uint32
}

// state is a slot's lifecycle state.
type state int32

const (
	stateFree state = iota
	stateAlive
	stateRetired
)

// slot is one fixed-address element of a Pool's chunked storage.
type slot[T any] struct {
	state      atomic.Int32
	generation atomic.Uint32
	refcount   atomic.Int64
	payload    T
}

// Pool is a generational, chunked stable pool of T.
// Structural mutation (Emplace/Retire/FreeSlot/Clear/ForEach) must
// only be called from the designated owner goroutine (by convention,
// the render thread); Validate, Get, AddRef, and Release are safe from
// any goroutine.
type Pool[T any] struct {
	chunks    [MaxChunks]atomic.Pointer[[ChunkSize]slot[T]]
	nextIndex atomic.Uint32
	freeList  []uint32
}

var errCapacity = errors.New(respoolPrefix + "pool exhausted (MaxChunks reached)")

func (p *Pool[T]) chunkFor(index uint32) *[ChunkSize]slot[T] {
	ci := index / ChunkSize
	c := p.chunks[ci].Load()
	if c == nil {
		// Published with release ordering via CompareAndSwap so
		// concurrent readers either see nil or a fully formed chunk.
		nc := new([ChunkSize]slot[T])
		if p.chunks[ci].CompareAndSwap(nil, nc) {
			c = nc
		} else {
			c = p.chunks[ci].Load()
		}
	}
	return c
}

func (p *Pool[T]) slotAt(index uint32) *slot[T] {
	c := p.chunkFor(index)
	return &c[index%ChunkSize]
}

// Emplace constructs a new payload in place and transitions its slot
// Free -> Alive, returning a Handle with refcount 1. It reuses a
// retired-then-freed slot from the free list when one is available,
// otherwise it bumps the high-water mark. Render-thread only.
func (p *Pool[T]) Emplace(construct func(payload *T)) (Handle, error) {
	var index uint32
	if n := len(p.freeList); n > 0 {
		index = p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
	} else {
		index = p.nextIndex.Load()
		if index/ChunkSize >= MaxChunks {
			return Handle{}, errCapacity
		}
		p.nextIndex.Add(1)
	}
	s := p.slotAt(index)
	construct(&s.payload)
	s.refcount.Store(1)
	gen := s.generation.Load()
	s.state.Store(int32(stateAlive))
	return Handle{Index: index, Generation: gen}, nil
}

// Retire transitions a slot Alive -> Retired. It must only be called
// after the caller has observed the slot's refcount reach zero; stale
// or mismatched handles are silently ignored (a double-retire/drop
// race observing a reincarnated slot must not corrupt it). Render-
// thread only.
func (p *Pool[T]) Retire(h Handle) {
	s := p.slotAt(h.Index)
	if state(s.state.Load()) != stateAlive || s.generation.Load() != h.Generation {
		return
	}
	s.state.Store(int32(stateRetired))
}

// FreeSlot destroys the payload, bumps the slot's generation (mod
// 4096), transitions it back to Free, and returns it to the free
// list. It is a no-op unless the slot is currently Retired.
// Render-thread only.
func (p *Pool[T]) FreeSlot(index uint32) {
	s := p.slotAt(index)
	if state(s.state.Load()) != stateRetired {
		return
	}
	var zero T
	s.payload = zero
	s.generation.Store((s.generation.Load() + 1) & genMask)
	s.state.Store(int32(stateFree))
	p.freeList = append(p.freeList, index)
}

// Validate reports whether h still refers to a live slot. Wait-free,
// any goroutine.
func (p *Pool[T]) Validate(h Handle) bool {
	s := p.slotAt(h.Index)
	if state(s.state.Load()) != stateAlive {
		return false
	}
	return s.generation.Load() == h.Generation
}

// Get returns a pointer to h's payload if h is valid. The pointer is
// stable for the slot's Alive lifetime; callers must not retain it
// past a Retire of the same generation. Any goroutine for reads;
// mutation rules are the payload's own.
func (p *Pool[T]) Get(h Handle) (*T, bool) {
	s := p.slotAt(h.Index)
	if state(s.state.Load()) != stateAlive || s.generation.Load() != h.Generation {
		return nil, false
	}
	return &s.payload, true
}

// AddRef increments h's refcount if h is currently valid, returning
// false (and not incrementing) if the slot has since been retired or
// reincarnated under a different generation.
func (p *Pool[T]) AddRef(h Handle) bool {
	s := p.slotAt(h.Index)
	if state(s.state.Load()) != stateAlive || s.generation.Load() != h.Generation {
		return false
	}
	s.refcount.Add(1)
	return true
}

// Release decrements h's refcount if the generation still matches,
// reporting whether this was the last reference (refcount reached
// zero). A generation mismatch means the slot was reincarnated
// underneath the caller; the decrement is skipped entirely rather
// than risk releasing someone else's reference.
func (p *Pool[T]) Release(h Handle) (last bool) {
	s := p.slotAt(h.Index)
	if s.generation.Load() != h.Generation {
		return false
	}
	return s.refcount.Add(-1) == 0
}

// ForEach iterates every Alive slot in index order. Render-thread only
// by convention (it observes structural state without synchronizing
// against concurrent Emplace/Retire).
func (p *Pool[T]) ForEach(fn func(index uint32, payload *T)) {
	n := p.nextIndex.Load()
	for i := uint32(0); i < n; i++ {
		s := p.slotAt(i)
		if state(s.state.Load()) == stateAlive {
			fn(i, &s.payload)
		}
	}
}

// Clear forcefully resets every slot to Free, retaining allocated
// chunks for reuse. Intended for pool teardown, not steady-state use.
// Render-thread only.
func (p *Pool[T]) Clear() {
	n := p.nextIndex.Load()
	p.freeList = p.freeList[:0]
	for i := uint32(0); i < n; i++ {
		s := p.slotAt(i)
		var zero T
		s.payload = zero
		s.generation.Store((s.generation.Load() + 1) & genMask)
		s.state.Store(int32(stateFree))
		p.freeList = append(p.freeList, i)
	}
}
