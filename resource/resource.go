// Package resource owns the typed pools for textures, buffers, meshes,
// and pipelines, the refcounted smart-handle wrapper built on top of
// them, and the deferred-destruction ring that defers GPU resource
// release until it is safe relative to the in-flight frame window.
package resource

import (
	"log"

	"github.com/kestrelgfx/kestrel/bindless"
	"github.com/kestrelgfx/kestrel/respool"
	"github.com/kestrelgfx/kestrel/rhi"
)

const resourcePrefix = "resource: "

// Kind tags which typed pool a Handle or DestroyEvent refers to.
type Kind int

// Resource kinds.
const (
	KindTexture Kind = iota
	KindBuffer
	KindMesh
	KindPipeline
)

// TextureData is the payload stored in the texture pool.
type TextureData struct {
	Native        rhi.Texture
	View          rhi.TextureView
	Desc          rhi.TextureDesc
	BindlessArray rhi.BindlessArray
	BindlessIndex int // -1 when the texture has no bindless slot.
}

// BufferData is the payload stored in the buffer pool.
type BufferData struct {
	Native        rhi.Buffer
	BindlessIndex int
}

// MeshData is the payload stored in the mesh pool. Vertex and index
// data live as suballocated ranges in one shared GPU buffer rather
// than as per-mesh buffers; VertexSpan/IndexSpan identify the byte
// ranges within it (see Manager.meshBuffer).
type MeshData struct {
	VertexSpan      Span
	IndexSpan       Span
	VertexCount     int
	IndexCount      int
	IndexFormat     int
	UsesVertexPulling bool
}

// PipelineData is the payload stored in the pipeline pool. Its
// contents are opaque to this package.
type PipelineData struct {
	Native rhi.Pipeline
}

// DestroyEvent is enqueued when a smart handle's refcount reaches
// zero. The render thread drains these via ProcessDestroyEvents.
type DestroyEvent struct {
	Kind   Kind
	Handle respool.Handle
}

// Manager owns the four typed pools, the deferred-destruction ring,
// and the destroy-event queue. All structural mutation (Create*,
// Destroy*, ReplaceTexture, ProcessDestroyEvents, Flush) is intended
// to run on a single render thread; SmartHandle.Clone/Release are
// safe from any goroutine.
type Manager struct {
	device   rhi.Device
	bindless *bindless.Registry

	textures  respool.Pool[TextureData]
	buffers   respool.Pool[BufferData]
	meshes    respool.Pool[MeshData]
	pipelines respool.Pool[PipelineData]

	meshBuffer meshBuffer

	framesInFlight int
	deferred       [][]rhi.Destroyer // ring of N buckets

	destroyQueue chan DestroyEvent
}

// NewManager creates a resource manager backed by device and bindless,
// with a deferred-destruction ring of framesInFlight buckets.
func NewManager(device rhi.Device, reg *bindless.Registry, framesInFlight int) *Manager {
	m := &Manager{
		device:         device,
		bindless:       reg,
		framesInFlight: framesInFlight,
		deferred:       make([][]rhi.Destroyer, framesInFlight),
		destroyQueue:   make(chan DestroyEvent, 4096),
	}
	return m
}

// SmartHandle is a refcounted wrapper around (Manager, Kind, Handle).
// Clone increments the slot's refcount; Release decrements it, and on
// the last release enqueues a DestroyEvent for the render thread to
// process. SmartHandle is a value type and is safe to copy only via
// Clone (a bare struct copy does not bump the refcount).
type SmartHandle struct {
	mgr    *Manager
	kind   Kind
	handle respool.Handle
}

// IsValid reports whether the handle still refers to a live resource.
func (s SmartHandle) IsValid() bool {
	if s.mgr == nil {
		return false
	}
	return s.mgr.validate(s.kind, s.handle)
}

// Handle returns the underlying (index, generation) pair.
func (s SmartHandle) Handle() respool.Handle { return s.handle }

// Clone increments the refcount and returns a new strong reference to
// the same resource. Called on an already-dead handle, it returns the
// zero SmartHandle (which reports IsValid false) instead of panicking.
func (s SmartHandle) Clone() SmartHandle {
	if s.mgr == nil {
		return s
	}
	if !s.mgr.addRef(s.kind, s.handle) {
		return SmartHandle{}
	}
	return s
}

// Release decrements the refcount. On the last release it enqueues a
// destroy event; the native resource is not released synchronously.
func (s SmartHandle) Release() {
	if s.mgr == nil {
		return
	}
	if s.mgr.release(s.kind, s.handle) {
		s.mgr.destroyQueue <- DestroyEvent{Kind: s.kind, Handle: s.handle}
	}
}

func (m *Manager) validate(k Kind, h respool.Handle) bool {
	switch k {
	case KindTexture:
		return m.textures.Validate(h)
	case KindBuffer:
		return m.buffers.Validate(h)
	case KindMesh:
		return m.meshes.Validate(h)
	case KindPipeline:
		return m.pipelines.Validate(h)
	default:
		return false
	}
}

func (m *Manager) addRef(k Kind, h respool.Handle) bool {
	switch k {
	case KindTexture:
		return m.textures.AddRef(h)
	case KindBuffer:
		return m.buffers.AddRef(h)
	case KindMesh:
		return m.meshes.AddRef(h)
	case KindPipeline:
		return m.pipelines.AddRef(h)
	default:
		return false
	}
}

func (m *Manager) release(k Kind, h respool.Handle) bool {
	switch k {
	case KindTexture:
		return m.textures.Release(h)
	case KindBuffer:
		return m.buffers.Release(h)
	case KindMesh:
		return m.meshes.Release(h)
	case KindPipeline:
		return m.pipelines.Release(h)
	default:
		return false
	}
}

// CreateTexture allocates a native texture via the RHI, optionally
// registers it in the bindless registry, and returns a strong
// SmartHandle with refcount 1.
func (m *Manager) CreateTexture(desc *rhi.TextureDesc, useBindless bool) (SmartHandle, error) {
	tex, err := m.device.NewTexture(desc)
	if err != nil {
		return SmartHandle{}, err
	}
	view, err := tex.NewView(viewTypeFor(desc), 0, desc.ArrayLayers, 0, desc.MipLevels)
	if err != nil {
		tex.Destroy()
		return SmartHandle{}, err
	}
	data := TextureData{Native: tex, View: view, Desc: *desc, BindlessIndex: -1}
	if useBindless && m.bindless != nil {
		arr := bindlessArrayFor(desc)
		if idx, ok := m.bindless.Register(arr, view); ok {
			data.BindlessArray = arr
			data.BindlessIndex = idx
		} else {
			log.Printf(resourcePrefix+"bindless array %v exhausted; texture created without a bindless slot", arr)
		}
		// A failed registration is non-fatal: the resource remains
		// usable via ordinary RHI descriptor paths (§7).
	}
	h, err := m.textures.Emplace(func(p *TextureData) { *p = data })
	if err != nil {
		view.Destroy()
		tex.Destroy()
		return SmartHandle{}, err
	}
	return SmartHandle{mgr: m, kind: KindTexture, handle: h}, nil
}

func viewTypeFor(desc *rhi.TextureDesc) rhi.ViewType {
	switch desc.Type {
	case rhi.TexCube:
		return rhi.ViewCube
	case rhi.Tex3D:
		return rhi.View3D
	default:
		if desc.ArrayLayers > 1 {
			return rhi.View2DArray
		}
		return rhi.View2D
	}
}

func bindlessArrayFor(desc *rhi.TextureDesc) rhi.BindlessArray {
	switch {
	case desc.Type == rhi.TexCube:
		return rhi.ArrayCubemap
	case desc.Samples > 1:
		return rhi.ArrayMSTexture2D
	case desc.Usage&rhi.UsageStorage != 0:
		return rhi.ArrayStorageImage
	default:
		return rhi.ArraySampled2D
	}
}

// ReplaceTexture implements the facade's atomic handle-replacement
// protocol (§3 invariant 6, §4.B). dst keeps its external identity
// (same pool slot, same bindless slot when types match); src's native
// resource becomes dst's, and dst's former native resource and view
// ("old") are retired through deferred destruction at frameIndex.
//
// Per Design Note resolution #2, this must only be called from the
// render thread's finalization drain (see texture.Facade).
func (m *Manager) ReplaceTexture(dst, src SmartHandle, frameIndex int, useBindless bool) error {
	dstData, ok := m.textures.Get(dst.handle)
	if !ok {
		return errInvalidHandle
	}
	srcData, ok := m.textures.Get(src.handle)
	if !ok {
		return errInvalidHandle
	}

	old := dstData.Native
	oldView := dstData.View
	oldArray, oldIndex := dstData.BindlessArray, dstData.BindlessIndex
	newTex, newView, newDesc := srcData.Native, srcData.View, srcData.Desc

	dstData.Native = newTex
	dstData.View = newView
	dstData.Desc = newDesc

	if useBindless && m.bindless != nil && oldIndex >= 0 {
		if oldArray == bindlessArrayFor(&newDesc) {
			m.bindless.UpdateTexture(oldArray, oldIndex, newView)
			dstData.BindlessArray = oldArray
			dstData.BindlessIndex = oldIndex
		} else {
			m.bindless.Release(oldArray, oldIndex, frameIndex)
			arr := bindlessArrayFor(&newDesc)
			if idx, ok := m.bindless.Register(arr, newView); ok {
				dstData.BindlessArray = arr
				dstData.BindlessIndex = idx
			} else {
				log.Printf(resourcePrefix+"bindless array %v exhausted; replaced texture left without a bindless slot", arr)
				dstData.BindlessIndex = -1
			}
		}
	}

	// Detach src's payload from the native resources it no longer
	// owns, so that src's own eventual destruction (via the normal
	// smart-handle refcount path) does not double-release them.
	srcData.Native = nil
	srcData.View = nil
	srcData.BindlessIndex = -1

	if old != nil {
		m.deferDestroy(frameIndex, old)
	}
	if oldView != nil {
		m.deferDestroy(frameIndex, oldView)
	}
	return nil
}

// TextureView returns h's current native view, if h is a valid texture
// handle.
func (m *Manager) TextureView(h SmartHandle) (rhi.TextureView, bool) {
	data, ok := m.textures.Get(h.handle)
	if !ok {
		return nil, false
	}
	return data.View, true
}

// TextureNative returns h's current native texture, if h is a valid
// texture handle.
func (m *Manager) TextureNative(h SmartHandle) (rhi.Texture, bool) {
	data, ok := m.textures.Get(h.handle)
	if !ok {
		return nil, false
	}
	return data.Native, true
}

// RedirectBindless repoints dst's existing bindless descriptor slot at
// view without touching ownership of either dst's or view's native
// resources. This is how the facade points a loading/error-proxy
// handle at a shared default texture's view: unlike ReplaceTexture,
// no resource changes hands, so it is safe to call with a shared,
// long-lived default as the source. It is a no-op if dst has no
// bindless slot.
func (m *Manager) RedirectBindless(dst SmartHandle, view rhi.TextureView) {
	data, ok := m.textures.Get(dst.handle)
	if !ok || data.BindlessIndex < 0 || m.bindless == nil {
		return
	}
	m.bindless.UpdateTexture(data.BindlessArray, data.BindlessIndex, view)
}

func (m *Manager) deferDestroy(frameIndex int, d rhi.Destroyer) {
	bucket := frameIndex % m.framesInFlight
	m.deferred[bucket] = append(m.deferred[bucket], d)
}

// DestroyTexture retires and frees a texture's slot, deferring release
// of its native resources to frameIndex's bucket. Render-thread only.
func (m *Manager) DestroyTexture(h respool.Handle, frameIndex int) {
	data, ok := m.textures.Get(h)
	if !ok {
		return
	}
	if data.Native != nil {
		m.deferDestroy(frameIndex, data.Native)
	}
	if data.View != nil {
		m.deferDestroy(frameIndex, data.View)
	}
	if data.BindlessIndex >= 0 && m.bindless != nil {
		m.bindless.Release(data.BindlessArray, data.BindlessIndex, frameIndex)
	}
	m.textures.Retire(h)
	m.textures.FreeSlot(h.Index)
}

// DestroyBuffer retires and frees a buffer's slot.
func (m *Manager) DestroyBuffer(h respool.Handle, frameIndex int) {
	data, ok := m.buffers.Get(h)
	if !ok {
		return
	}
	if data.Native != nil {
		m.deferDestroy(frameIndex, data.Native)
	}
	m.buffers.Retire(h)
	m.buffers.FreeSlot(h.Index)
}

// DestroyPipeline retires and frees a pipeline's slot.
func (m *Manager) DestroyPipeline(h respool.Handle, frameIndex int) {
	data, ok := m.pipelines.Get(h)
	if !ok {
		return
	}
	if data.Native != nil {
		m.deferDestroy(frameIndex, data.Native)
	}
	m.pipelines.Retire(h)
	m.pipelines.FreeSlot(h.Index)
}

// ProcessDestroyEvents drains every DestroyEvent enqueued so far and
// dispatches it to the matching typed destroy function. Render-thread
// only.
func (m *Manager) ProcessDestroyEvents(frameIndex int) {
	for {
		select {
		case ev := <-m.destroyQueue:
			if !m.validate(ev.Kind, ev.Handle) {
				log.Printf(resourcePrefix+"ignoring stale destroy event for handle %v", ev.Handle)
				continue
			}
			switch ev.Kind {
			case KindTexture:
				m.DestroyTexture(ev.Handle, frameIndex)
			case KindBuffer:
				m.DestroyBuffer(ev.Handle, frameIndex)
			case KindMesh:
				m.freeMesh(ev.Handle)
			case KindPipeline:
				m.DestroyPipeline(ev.Handle, frameIndex)
			}
		default:
			return
		}
	}
}

// Flush releases every native resource deferred in bucket frameSlot %
// N (items enqueued at least N frames ago). Per the "enqueue-then-
// mature-then-free" invariant (§4.B design notes), callers must Flush
// the current frame's bucket before ProcessDestroyEvents adds new
// destroys to that same bucket this frame. Manager.Tick calls Flush;
// it does not call ProcessDestroyEvents, so the caller keeps this
// order by calling Tick before ProcessDestroyEvents.
func (m *Manager) Flush(frameSlot int) {
	bucket := frameSlot % m.framesInFlight
	for _, d := range m.deferred[bucket] {
		d.Destroy()
	}
	m.deferred[bucket] = m.deferred[bucket][:0]
}

// Tick runs the first half of one render-thread frame boundary: flush
// the deferred-destruction bucket that matured N frames ago and
// advance the bindless registry's release window by the same amount.
// Callers must call Tick before any of this frame's new destroys or
// bindless releases are enqueued (e.g. before Finalize), and must
// drain ProcessDestroyEvents afterward — calling it before Tick would
// free a resource deferred this very frame (§3 invariant 3, §8).
func (m *Manager) Tick(frameIndex int) {
	m.Flush(frameIndex)
	if m.bindless != nil {
		m.bindless.Tick(frameIndex)
	}
}

var errInvalidHandle = &resourceError{resourcePrefix + "invalid handle"}

type resourceError struct{ msg string }

func (e *resourceError) Error() string { return e.msg }
