package resource

import (
	"errors"

	"github.com/kestrelgfx/kestrel/internal/slotmap"
	"github.com/kestrelgfx/kestrel/respool"
	"github.com/kestrelgfx/kestrel/rhi"
)

// meshSpanGranularity is the allocation unit, in bytes, of the shared
// mesh buffer's span allocator. Vertex/index payloads round up to a
// multiple of this before suballocating.
const meshSpanGranularity = 256

// Span identifies a byte range within the shared mesh buffer.
type Span struct {
	Offset int64
	Size   int64
}

var errMeshBufferFull = errors.New(resourcePrefix + "mesh buffer exhausted")

// meshBuffer is the one shared GPU buffer that every mesh's vertex and
// index payloads suballocate from, addressed via a bitmap span
// allocator in units of meshSpanGranularity. This core has no vertex-
// input-state surface (see rhi package scope notes), so mesh data is
// always consumed through storage-buffer "vertex pulling" in the
// vertex shader; the buffer is therefore created with UsageStorage.
type meshBuffer struct {
	device    rhi.Device
	buf       rhi.Buffer
	occupancy slotmap.Map[uint64]
	units     int
}

func unitsFor(size int64) int {
	return int((size + meshSpanGranularity - 1) / meshSpanGranularity)
}

// ensureCapacity grows the buffer (copy-and-grow, since it is host
// visible) until it has room for at least n more free units beyond
// its current occupancy, or a contiguous run of n units is available.
func (b *meshBuffer) ensureCapacity(n int) error {
	if b.buf != nil {
		if _, ok := b.occupancy.SearchRange(n); ok {
			return nil
		}
	}
	newUnits := b.units*2 + n
	if newUnits < 256 {
		newUnits = 256
	}
	newUnits = (newUnits + 63) &^ 63 // the occupancy map grows in whole 64-slot words
	newBuf, err := b.device.NewBuffer(int64(newUnits)*meshSpanGranularity, true, rhi.UsageStorage|rhi.UsageTransferDst)
	if err != nil {
		return err
	}
	if b.buf != nil {
		copy(newBuf.Bytes(), b.buf.Bytes())
		b.buf.Destroy()
	}
	b.occupancy.Grow((newUnits - b.units) / 64)
	b.units = newUnits
	b.buf = newBuf
	return nil
}

// alloc reserves a contiguous span of size bytes and returns its
// offset within the buffer. The caller is responsible for copying
// payload bytes into Bytes()[span.Offset:span.Offset+span.Size].
func (b *meshBuffer) alloc(size int64) (Span, error) {
	if size == 0 {
		return Span{}, nil
	}
	n := unitsFor(size)
	if err := b.ensureCapacity(n); err != nil {
		return Span{}, err
	}
	start, ok := b.occupancy.SearchRange(n)
	if !ok {
		return Span{}, errMeshBufferFull
	}
	for i := 0; i < n; i++ {
		b.occupancy.Set(start + i)
	}
	return Span{Offset: int64(start) * meshSpanGranularity, Size: size}, nil
}

func (b *meshBuffer) free(s Span) {
	if s.Size == 0 {
		return
	}
	start := int(s.Offset / meshSpanGranularity)
	n := unitsFor(s.Size)
	b.occupancy.UnsetRange(start, n)
}

// CreateMesh suballocates vertex and index spans from the shared mesh
// buffer, copies vertexData/indexData into them, and returns a strong
// SmartHandle. indexData may be empty for non-indexed meshes.
func (m *Manager) CreateMesh(vertexData, indexData []byte, vertexCount, indexCount, indexFormat int) (SmartHandle, error) {
	if m.meshBuffer.device == nil {
		m.meshBuffer.device = m.device
	}
	vspan, err := m.meshBuffer.alloc(int64(len(vertexData)))
	if err != nil {
		return SmartHandle{}, err
	}
	ispan, err := m.meshBuffer.alloc(int64(len(indexData)))
	if err != nil {
		m.meshBuffer.free(vspan)
		return SmartHandle{}, err
	}
	buf := m.meshBuffer.buf.Bytes()
	copy(buf[vspan.Offset:vspan.Offset+vspan.Size], vertexData)
	if ispan.Size > 0 {
		copy(buf[ispan.Offset:ispan.Offset+ispan.Size], indexData)
	}
	data := MeshData{
		VertexSpan:        vspan,
		IndexSpan:         ispan,
		VertexCount:       vertexCount,
		IndexCount:        indexCount,
		IndexFormat:       indexFormat,
		UsesVertexPulling: true,
	}
	h, err := m.meshes.Emplace(func(p *MeshData) { *p = data })
	if err != nil {
		m.meshBuffer.free(vspan)
		m.meshBuffer.free(ispan)
		return SmartHandle{}, err
	}
	return SmartHandle{mgr: m, kind: KindMesh, handle: h}, nil
}

// freeMesh releases a mesh's spans back to the shared buffer and frees
// its pool slot. Mesh storage is host-visible and reused in place, so
// unlike textures/buffers/pipelines no deferred-destruction bucket
// entry is needed: the span becomes available to the next alloc as
// soon as the mesh's destroy event is processed. No fence is consulted
// here or by any caller before the destroy event is issued.
func (m *Manager) freeMesh(h respool.Handle) {
	data, ok := m.meshes.Get(h)
	if !ok {
		return
	}
	m.meshBuffer.free(data.VertexSpan)
	m.meshBuffer.free(data.IndexSpan)
	m.meshes.Retire(h)
	m.meshes.FreeSlot(h.Index)
}

// MeshBufferHandle returns the native buffer backing every mesh's
// vertex-pulling storage-buffer access, and its capacity in bytes.
func (m *Manager) MeshBufferHandle() (rhi.Buffer, int64) {
	if m.meshBuffer.buf == nil {
		return nil, 0
	}
	return m.meshBuffer.buf, int64(m.meshBuffer.units) * meshSpanGranularity
}
