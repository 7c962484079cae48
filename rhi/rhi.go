// Package rhi defines the abstract Render Hardware Interface that the
// resource-lifecycle and texture-streaming core depends on.
// It intentionally stops at the interface boundary: no concrete
// backend (Vulkan or otherwise) lives in this package. Buffer/image
// creation, synchronization primitive plumbing, and swapchain/WSI
// integration are the embedding application's responsibility, reached
// only through the interfaces declared here.
package rhi

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external memory
// that is not managed by GC, so Destroy must be called explicitly.
type Destroyer interface {
	Destroy()
}

// Device is the interface that provides methods for creating and
// submitting work to an underlying GPU implementation.
type Device interface {
	// NewBuffer creates a new buffer.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// NewTexture creates a new texture.
	NewTexture(desc *TextureDesc) (Texture, error)

	// NewSampler creates a new sampler.
	NewSampler(spln *Sampling) (Sampler, error)

	// NewPipeline creates a new opaque pipeline. The core never
	// inspects pipeline contents; it only moves PipelineData payloads
	// through the resource manager on the caller's behalf.
	NewPipeline(state any) (Pipeline, error)

	// NewCmdList creates a new command list bound to the given queue
	// family (see QueueFamilies).
	NewCmdList(family QueueFamily) (CmdList, error)

	// NewFence creates a new fence, optionally pre-signaled.
	NewFence(signaled bool) (Fence, error)

	// Submit submits a command list for execution on its queue
	// family, signaling fence on completion. waits/signals name
	// cross-queue semaphores used for ownership-transfer handoff
	// (e.g. the transfer->graphics mipmap generation handoff).
	Submit(cl CmdList, fence Fence, waits, signals []Semaphore) error

	// WaitIdle blocks until all submitted work has completed. The
	// render thread calls this only at shutdown.
	WaitIdle()

	// QueueFamilies returns the device's queue family indices for
	// graphics, compute, and transfer. Graphics and transfer may
	// alias on devices with a single queue family, in which case
	// ownership-transfer barriers degrade to plain layout transitions.
	QueueFamilies() (graphics, compute, transfer QueueFamily)

	// BindlessSet returns the device's low-level bindless descriptor
	// writer. The bindless package wraps this with slot allocation,
	// free lists, and frame-delayed release.
	BindlessSet() BindlessSet

	// Limits returns implementation limits, immutable for the
	// lifetime of the Device.
	Limits() Limits
}

// QueueFamily identifies a device queue family.
type QueueFamily int

// Semaphore is an opaque cross-queue synchronization primitive used
// for ownership-transfer handoff between command lists.
type Semaphore interface {
	Destroyer
}

// Fence is a CPU-observable GPU completion signal.
type Fence interface {
	Destroyer

	// Signaled reports whether the fence has been signaled. It never
	// blocks; callers poll it.
	Signaled() bool

	// Reset clears the fence back to the unsignaled state for reuse.
	Reset() error
}

// CmdList is the interface for recording transfer and barrier
// commands. Unlike the full engine's command buffer, this surface is
// scoped to what the streaming core needs: copies, barriers, and
// mipmap generation. Render/compute command recording is an explicit
// Non-goal of this core.
type CmdList interface {
	Destroyer

	// Begin prepares the command list for recording.
	Begin() error

	// End ends recording and prepares the list for submission.
	End() error

	// Barrier inserts global synchronization barriers.
	Barrier(b []Barrier)

	// Transition inserts image layout transitions, optionally
	// carrying a queue-family ownership transfer when SrcFamily !=
	// DstFamily.
	Transition(t []Transition)

	// CopyBufToTex records one or more buffer-to-texture copies.
	CopyBufToTex(copies []BufTexCopy)

	// GenerateMipmaps records a mipmap-generation pass for tex,
	// computing every level past the ones already populated from the
	// highest-provided level.
	GenerateMipmaps(tex Texture)
}

// BufTexCopy describes a buffer-to-texture copy region, as consumed
// by CmdList.CopyBufToTex and produced by the streamer's planner.
type BufTexCopy struct {
	Buf       Buffer
	BufOffset int64
	// RowLength and ImageHeight describe the addressing of texel data
	// in the buffer, in texels; 0 means "tightly packed".
	RowLength   int
	ImageHeight int
	Tex         Texture
	TexOffset   Off3D
	Layer       int
	Level       int
	Extent      Dim3D
}

// Sync is a synchronization scope mask.
type Sync int

// Synchronization scopes.
const (
	SyncCopy Sync = 1 << iota
	SyncShading
	SyncAll
	SyncNone Sync = 0
)

// Access is a memory access scope mask.
type Access int

// Memory access scopes.
const (
	AccessCopyRead Access = 1 << iota
	AccessCopyWrite
	AccessShaderRead
	AccessShaderWrite
	AccessNone Access = 0
)

// Layout is an image layout.
type Layout int

// Image layouts.
const (
	LayoutUndefined Layout = iota
	LayoutCommon
	LayoutCopySrc
	LayoutCopyDst
	LayoutShaderRead
)

// Barrier is a global synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// Transition is a layout transition on a specific texture
// subresource, optionally carrying queue-family ownership transfer.
// A release barrier is recorded with SrcFamily == the recording
// list's own family and DstFamily == the destination; the matching
// acquire barrier is recorded on the destination list with the same
// pair. When SrcFamily == DstFamily no ownership transfer occurs and
// the transition is a plain layout change.
type Transition struct {
	Barrier

	LayoutBefore Layout
	LayoutAfter  Layout
	Tex          Texture
	Layer        int
	Level        int

	SrcFamily QueueFamily
	DstFamily QueueFamily
}

// Usage is a mask of valid uses for a buffer or texture.
type Usage int

// Usage flags.
const (
	UsageTransferSrc Usage = 1 << iota
	UsageTransferDst
	UsageSampled
	UsageStorage
	UsageColorTarget
	UsageDepthStencilTarget
)

// Buffer is a GPU buffer of fixed size.
type Buffer interface {
	Destroyer

	// Visible reports whether the buffer is host-visible.
	Visible() bool

	// Bytes returns the buffer's backing storage if it is host
	// visible, or nil otherwise. Valid for the buffer's lifetime.
	Bytes() []byte

	// Cap returns the buffer's capacity in bytes.
	Cap() int64
}

// TexType is the type of texture a descriptor creates.
type TexType int

// Texture types.
const (
	Tex1D TexType = iota
	Tex2D
	Tex3D
	TexCube
)

// TextureDesc describes a texture to be created.
type TextureDesc struct {
	Type        TexType
	Extent      Dim3D
	Format      PixelFmt
	Usage       Usage
	MipLevels   int
	ArrayLayers int
	Samples     int
	DebugName   string
}

// PixelFmt describes the format of a pixel or compressed block.
type PixelFmt int

// Pixel formats.
const (
	RGBA8Unorm PixelFmt = iota
	RGBA8SRGB
	RGBA16Float
	RGBA32Float
	BC7Unorm
	BC7SRGB
	D32Float
)

// BlockInfo describes the addressing granularity of a format: block
// width/height in texels and bytes per block. Uncompressed formats
// have a 1x1 block.
type BlockInfo struct {
	Width, Height int
	Bytes         int
}

// Block returns f's block addressing info.
func (f PixelFmt) Block() BlockInfo {
	switch f {
	case RGBA8Unorm, RGBA8SRGB:
		return BlockInfo{1, 1, 4}
	case RGBA16Float:
		return BlockInfo{1, 1, 8}
	case RGBA32Float:
		return BlockInfo{1, 1, 16}
	case BC7Unorm, BC7SRGB:
		return BlockInfo{4, 4, 16}
	case D32Float:
		return BlockInfo{1, 1, 4}
	default:
		return BlockInfo{1, 1, 4}
	}
}

// SRGBVariant returns the sRGB-encoded counterpart of f when srgb is
// true and the linear one when it is false. A format with no sRGB
// counterpart is returned unchanged.
func (f PixelFmt) SRGBVariant(srgb bool) PixelFmt {
	switch f {
	case RGBA8Unorm, RGBA8SRGB:
		if srgb {
			return RGBA8SRGB
		}
		return RGBA8Unorm
	case BC7Unorm, BC7SRGB:
		if srgb {
			return BC7SRGB
		}
		return BC7Unorm
	default:
		return f
	}
}

// Dim3D is a three-dimensional size.
type Dim3D struct{ Width, Height, Depth int }

// Off3D is a three-dimensional offset.
type Off3D struct{ X, Y, Z int }

// Texture is a GPU texture resource.
type Texture interface {
	Destroyer

	// NewView creates a new texture view.
	NewView(typ ViewType, layer, layers, level, levels int) (TextureView, error)
}

// ViewType is the type of a texture view.
type ViewType int

// View types.
const (
	View1D ViewType = iota
	View2D
	View3D
	ViewCube
	View2DArray
	ViewCubeArray
)

// TextureView is a typed view of a Texture resource.
type TextureView interface {
	Destroyer
}

// Filter is a sampler filter.
type Filter int

// Filters.
const (
	FilterNearest Filter = iota
	FilterLinear
)

// AddrMode is a sampler address mode.
type AddrMode int

// Address modes.
const (
	AddrWrap AddrMode = iota
	AddrMirror
	AddrClamp
)

// Sampler is a GPU image sampler.
type Sampler interface {
	Destroyer
}

// Sampling describes sampler state.
type Sampling struct {
	Min, Mag, Mipmap Filter
	AddrU, AddrV     AddrMode
	MaxAniso         int
	MinLOD, MaxLOD   float32
}

// Pipeline is an opaque GPU pipeline. The streaming core never
// inspects pipeline contents, only moves PipelineData payloads
// through the resource manager on the caller's behalf.
type Pipeline interface {
	Destroyer
}

// BindlessSet is the device's low-level bindless descriptor writer.
// It performs no slot management of its own (that's the bindless
// package's job): callers pass the slot index to write.
type BindlessSet interface {
	WriteTexture2D(slot int, view TextureView)
	WriteTextureCube(slot int, view TextureView)
	WriteStorageImage(slot int, view TextureView)
	WriteMSTexture2D(slot int, view TextureView)
	WriteShadowTexture2D(slot int, view TextureView)
	WriteSampler(slot int, s Sampler)
	WriteShadowSampler(slot int, s Sampler)
	WriteBuffer(slot int, buf Buffer, off, size int64)

	// Capacity returns the fixed capacity of the named array.
	Capacity(array BindlessArray) int
}

// BindlessArray names one of the eight independent bindless slot
// arrays.
type BindlessArray int

// Bindless arrays.
const (
	ArraySampled2D BindlessArray = iota
	ArrayCubemap
	ArrayStorageImage
	ArrayMSTexture2D
	ArrayShadowTexture2D
	ArraySampler
	ArrayShadowSampler
	ArrayBuffer
)

func (a BindlessArray) String() string {
	switch a {
	case ArraySampled2D:
		return "sampled2D"
	case ArrayCubemap:
		return "cubemap"
	case ArrayStorageImage:
		return "storageImage"
	case ArrayMSTexture2D:
		return "msaaTexture"
	case ArrayShadowTexture2D:
		return "shadowTexture2D"
	case ArraySampler:
		return "sampler"
	case ArrayShadowSampler:
		return "shadowSampler"
	case ArrayBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// Limits describes implementation limits, which may vary across
// devices.
type Limits struct {
	MaxTexture2D   int
	MaxTextureCube int
	MaxLayers      int
	MaxMipLevels   int
}
