// Package bindless implements the bindless descriptor registry: eight
// independent typed slot arrays (sampled 2D, cubemap, storage image,
// MSAA texture, shadow texture, sampler, shadow sampler, buffer), each
// with its own LIFO free list and high-water mark, and a single
// frame-delayed release path shared by all eight.
package bindless

import (
	"sync"

	"github.com/kestrelgfx/kestrel/rhi"
)

const arrayCount = int(rhi.ArrayBuffer) + 1

// pendingRelease is a slot queued for release once frameIndex + N has
// been reached by the render thread, where N is framesInFlight.
type pendingRelease struct {
	slot       int
	frameIndex int
}

type arrayState struct {
	freeList  []int
	highWater int
	pending   []pendingRelease
}

// Registry tracks slot occupancy for all eight bindless arrays and
// writes descriptors into the device's low-level BindlessSet. All
// methods are safe for concurrent use; a single mutex guards the
// whole registry, matching the teacher's single-lock-per-manager
// granularity rather than one lock per array (registrations and
// releases are rare relative to per-frame draw submission, so the
// coarser lock is not a contended path).
type Registry struct {
	mu             sync.Mutex
	set            rhi.BindlessSet
	framesInFlight int
	arrays         [arrayCount]arrayState
}

// NewRegistry creates a registry writing through set, with a release
// delay of framesInFlight frames.
func NewRegistry(set rhi.BindlessSet, framesInFlight int) *Registry {
	return &Registry{set: set, framesInFlight: framesInFlight}
}

func (r *Registry) allocSlot(array rhi.BindlessArray) (int, bool) {
	st := &r.arrays[array]
	if n := len(st.freeList); n > 0 {
		slot := st.freeList[n-1]
		st.freeList = st.freeList[:n-1]
		return slot, true
	}
	cap := r.set.Capacity(array)
	if st.highWater >= cap {
		return 0, false
	}
	slot := st.highWater
	st.highWater++
	return slot, true
}

// Register allocates a slot in array and writes view into it,
// returning the slot index. ok is false when the array is exhausted.
func (r *Registry) Register(array rhi.BindlessArray, view rhi.TextureView) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.allocSlot(array)
	if !ok {
		return 0, false
	}
	r.writeTexture(array, slot, view)
	return slot, true
}

// RegisterSampler allocates a slot in a sampler array (ArraySampler or
// ArrayShadowSampler) and writes s into it.
func (r *Registry) RegisterSampler(array rhi.BindlessArray, s rhi.Sampler) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.allocSlot(array)
	if !ok {
		return 0, false
	}
	if array == rhi.ArrayShadowSampler {
		r.set.WriteShadowSampler(slot, s)
	} else {
		r.set.WriteSampler(slot, s)
	}
	return slot, true
}

// RegisterBuffer allocates a slot in ArrayBuffer and writes the given
// buffer range into it.
func (r *Registry) RegisterBuffer(buf rhi.Buffer, off, size int64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.allocSlot(rhi.ArrayBuffer)
	if !ok {
		return 0, false
	}
	r.set.WriteBuffer(slot, buf, off, size)
	return slot, true
}

func (r *Registry) writeTexture(array rhi.BindlessArray, slot int, view rhi.TextureView) {
	switch array {
	case rhi.ArraySampled2D:
		r.set.WriteTexture2D(slot, view)
	case rhi.ArrayCubemap:
		r.set.WriteTextureCube(slot, view)
	case rhi.ArrayStorageImage:
		r.set.WriteStorageImage(slot, view)
	case rhi.ArrayMSTexture2D:
		r.set.WriteMSTexture2D(slot, view)
	case rhi.ArrayShadowTexture2D:
		r.set.WriteShadowTexture2D(slot, view)
	}
}

// UpdateTexture rewrites the descriptor at an already-registered slot
// in place, without changing occupancy. Used by replace_texture when
// the incoming and outgoing textures share a bindless array.
func (r *Registry) UpdateTexture(array rhi.BindlessArray, slot int, view rhi.TextureView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeTexture(array, slot, view)
}

// Release queues slot in array for return to the free list once
// frameIndex + framesInFlight has matured, so that any command list
// recorded against the current descriptor contents has retired first.
func (r *Registry) Release(array rhi.BindlessArray, slot int, frameIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &r.arrays[array]
	st.pending = append(st.pending, pendingRelease{slot: slot, frameIndex: frameIndex})
}

// Tick reclaims every pending release whose frameIndex is at least
// framesInFlight frames old relative to currentFrameIndex, returning
// their slots to the free list. Render-thread only.
func (r *Registry) Tick(currentFrameIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.arrays {
		st := &r.arrays[i]
		if len(st.pending) == 0 {
			continue
		}
		kept := st.pending[:0]
		for _, p := range st.pending {
			if currentFrameIndex-p.frameIndex >= r.framesInFlight {
				st.freeList = append(st.freeList, p.slot)
			} else {
				kept = append(kept, p)
			}
		}
		st.pending = kept
	}
}

// Stats reports the live (registered, not pending release) slot count
// and high-water mark for array.
func (r *Registry) Stats(array rhi.BindlessArray) (live, highWater int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &r.arrays[array]
	return st.highWater - len(st.freeList) - len(st.pending), st.highWater
}
