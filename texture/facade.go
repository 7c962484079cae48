// Package texture implements the asset-manager facade: the single
// entry point embedding code calls to load a texture by path, get a
// loading-proxy handle back immediately, and have it transparently
// become the real texture (or the shared error texture on failure)
// once decode and GPU upload complete. It also owns the set of
// default/fallback textures created at startup (§4.K) and the
// path-keyed texture cache (§4.I).
package texture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kestrelgfx/kestrel/cache"
	"github.com/kestrelgfx/kestrel/engine/internal/ctxt"
	"github.com/kestrelgfx/kestrel/ioworker"
	"github.com/kestrelgfx/kestrel/reqqueue"
	"github.com/kestrelgfx/kestrel/resource"
	"github.com/kestrelgfx/kestrel/rhi"
	"github.com/kestrelgfx/kestrel/staging"
	"github.com/kestrelgfx/kestrel/streamer"
	"github.com/kestrelgfx/kestrel/transfer"
)

const texturePrefix = "texture: "

var (
	errDecoderRequired = errors.New(texturePrefix + "no Decoder configured")
	errNoDevice        = errors.New(texturePrefix + "no device set and none installed via ctxt.SetDevice")
	errCubemapMismatch = errors.New(texturePrefix + "cubemap faces have mismatched dimensions")
)

// Stats is a snapshot of the streaming pipeline's cumulative activity,
// returned by Facade.Stats (§6 get_streaming_statistics).
type Stats struct {
	BytesUploaded      int64
	TexturesCompleted  int64
	TexturesFailed     int64
	ActiveLoads        int64
	PendingFinalize    int64
}

// Decoder decodes the file at path into tightly packed top-mip pixel
// data and its dimensions. The embedding application supplies the
// concrete image codec; this package only orchestrates where the
// bytes go once decoded.
type Decoder func(ctx context.Context, path string, srgb bool) (pixels []byte, extent rhi.Dim3D, err error)

// Defaults are the built-in fallback textures created at startup.
type Defaults struct {
	White2D  resource.SmartHandle
	Black2D  resource.SmartHandle
	Normal2D resource.SmartHandle // flat normal map, (128,128,255,255)
	Loading2D resource.SmartHandle
	Error2D  resource.SmartHandle

	WhiteCube   resource.SmartHandle
	ErrorCube   resource.SmartHandle
	LoadingCube resource.SmartHandle
}

type cacheKey struct {
	path string
	srgb bool
}

type loadRequest struct {
	path     string
	srgb     bool
	dst      resource.SmartHandle
	priority reqqueue.Priority
}

type decodedResult struct {
	req    loadRequest
	pixels []byte
	extent rhi.Dim3D
	err    error
}

type pendingReplace struct {
	dst   resource.SmartHandle
	src   resource.SmartHandle
	bytes int64
}

// Facade is the asset manager entry point.
type Facade struct {
	mgr    *resource.Manager
	device rhi.Device
	ring   *staging.Ring

	decode Decoder

	cacheMu sync.Mutex
	cache   map[cacheKey]resource.SmartHandle

	Defaults Defaults

	loadQueue   *reqqueue.Queue[loadRequest]
	decodeQueue *reqqueue.Queue[decodedResult]
	xferIn      *reqqueue.Queue[transfer.Batch]
	xferOut     *reqqueue.Queue[transfer.Result]

	io       *ioworker.Pool[loadRequest, decodedResult]
	worker   *transfer.Worker

	pendingMu sync.Mutex
	pending   map[int64]pendingReplace

	completedMu sync.Mutex
	completed   []resource.SmartHandle

	nextRequestID atomic.Int64

	bytesUploaded     atomic.Int64
	texturesCompleted atomic.Int64
	texturesFailed    atomic.Int64
}

// Config bundles the construction-time dependencies a Facade needs.
type Config struct {
	Device                  rhi.Device
	Manager                 *resource.Manager
	Ring                    *staging.Ring
	Decode                  Decoder
	QueueCapacity           int
	IOWorkerCapacity        int64
	TransferInFlightBatches int

	// MaxUploadBytesPerFrame and MaxUploadJobsPerFrame bound the GPU
	// transfer worker's per-SyncToGPU-tick advancement (§4.G, §6); zero
	// leaves the worker unbounded.
	MaxUploadBytesPerFrame int64
	MaxUploadJobsPerFrame  int
}

// New builds a Facade and its default/fallback textures. It does not
// start the background I/O and transfer loops; call Run for that. If
// cfg.Device is nil, the process-wide device installed via
// ctxt.SetDevice is used instead.
func New(cfg Config) (*Facade, error) {
	if cfg.Device == nil {
		cfg.Device = ctxt.Device()
	}
	if cfg.Device == nil {
		return nil, errNoDevice
	}
	ctxt.SetDevice(cfg.Device)

	f := &Facade{
		mgr:         cfg.Manager,
		device:      cfg.Device,
		ring:        cfg.Ring,
		decode:      cfg.Decode,
		cache:       make(map[cacheKey]resource.SmartHandle),
		loadQueue:   reqqueue.New[loadRequest](cfg.QueueCapacity),
		decodeQueue: reqqueue.New[decodedResult](cfg.QueueCapacity),
		xferIn:      reqqueue.New[transfer.Batch](cfg.QueueCapacity),
		xferOut:     reqqueue.New[transfer.Result](cfg.QueueCapacity),
		pending:     make(map[int64]pendingReplace),
	}

	f.io = ioworker.New(f.loadQueue, f.decodeQueue, cfg.IOWorkerCapacity,
		func(loadRequest) int64 { return 1 },
		func(ctx context.Context, req loadRequest) (decodedResult, error) {
			if f.decode == nil {
				return decodedResult{req: req, err: errDecoderRequired}, errDecoderRequired
			}
			pixels, extent, err := f.decode(ctx, req.path, req.srgb)
			return decodedResult{req: req, pixels: pixels, extent: extent, err: err}, nil
		},
		nil,
	)

	w, err := transfer.New(cfg.Device, cfg.Ring, f.xferIn, f.xferOut, cfg.TransferInFlightBatches)
	if err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytesPerFrame > 0 && cfg.MaxUploadJobsPerFrame > 0 {
		w.SetFrameBudget(cfg.MaxUploadBytesPerFrame, cfg.MaxUploadJobsPerFrame)
	}
	f.worker = w

	if err := f.createDefaults(); err != nil {
		return nil, err
	}
	return f, nil
}

// Run drives the I/O worker pool and the GPU transfer worker until
// ctx is canceled. Call it in its own goroutine.
func (f *Facade) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()
	err := f.io.Run(ctx, reqqueue.PriorityNormal)
	<-done
	return err
}

// LoadTexture returns a strong handle for path, creating a 1x1
// loading-proxy texture and enqueuing an async decode if this is the
// first request for (path, srgb); subsequent calls return a cloned
// reference to the same handle the first call produced, whatever
// stage it has since reached.
func (f *Facade) LoadTexture(ctx context.Context, path string, srgb bool, priority reqqueue.Priority) (resource.SmartHandle, error) {
	key := cacheKey{path: path, srgb: srgb}

	f.cacheMu.Lock()
	if h, ok := f.cache[key]; ok {
		f.cacheMu.Unlock()
		return h.Clone(), nil
	}
	f.cacheMu.Unlock()

	format := rhi.RGBA8Unorm.SRGBVariant(srgb)
	dst, err := f.mgr.CreateTexture(&rhi.TextureDesc{
		Type: rhi.Tex2D, Extent: rhi.Dim3D{Width: 1, Height: 1, Depth: 1},
		Format: format, MipLevels: 1, ArrayLayers: 1,
		Usage: rhi.UsageSampled | rhi.UsageTransferDst,
	}, true)
	if err != nil {
		return resource.SmartHandle{}, err
	}
	f.mgr.RedirectBindless(dst, f.viewOf(f.Defaults.Loading2D))

	f.cacheMu.Lock()
	f.cache[key] = dst.Clone()
	f.cacheMu.Unlock()

	if err := f.loadQueue.Push(ctx, priority, loadRequest{path: path, srgb: srgb, dst: dst.Clone(), priority: priority}); err != nil {
		return resource.SmartHandle{}, err
	}
	return dst, nil
}

// LoadTextureKTX is the KTX2 counterpart of LoadTexture: same
// immediate-proxy-then-async contract, routed through the same
// decode/transfer pipeline (§6 load_texture_ktx). KTX2 container
// parsing is delegated entirely to the Decoder the caller configured,
// matching §1's "KTX decoding internals" out-of-scope boundary. It
// calls LoadTexture unchanged and shares its (path, srgb) cache key;
// a ".ktx2" and a ".png" of the same asset stay apart only because
// their paths differ.
func (f *Facade) LoadTextureKTX(ctx context.Context, path string, srgb bool, priority reqqueue.Priority) (resource.SmartHandle, error) {
	return f.LoadTexture(ctx, path, srgb, priority)
}

// CreateTextureWithCache writes encoded (the as-read bytes of a
// source image) to the on-disk transcode cache (§6, cache directory
// scheme) if it isn't already present, then asynchronously loads the
// cached path exactly like LoadTexture. Real transcoding to the cache
// file's on-disk format is an external decoder/encoder concern (§1);
// this method's own responsibility is the content-addressed cache
// path scheme and collapsing repeat calls for identical bytes onto one
// cache entry.
func (f *Facade) CreateTextureWithCache(ctx context.Context, encoded []byte, srgb bool, priority reqqueue.Priority) (resource.SmartHandle, error) {
	path := cache.Path(encoded, srgb)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return resource.SmartHandle{}, fmt.Errorf(texturePrefix+"stat cache entry: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return resource.SmartHandle{}, fmt.Errorf(texturePrefix+"create cache dir: %w", err)
		}
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			return resource.SmartHandle{}, fmt.Errorf(texturePrefix+"write cache entry: %w", err)
		}
	}
	return f.LoadTexture(ctx, path, srgb, priority)
}

// Finalize runs the render-thread per-frame drain: decoded results
// become staged GPU transfer batches, and completed transfer batches
// become atomic handle replacements (or a redirect to the shared error
// texture, on failure) — the only place ReplaceTexture/RedirectBindless
// for async loads may be called (Open Question 2 resolution).
func (f *Facade) Finalize(ctx context.Context, frameIndex int) error {
	for {
		res, ok := f.decodeQueue.TryPop()
		if !ok {
			break
		}
		if res.err != nil {
			log.Printf(texturePrefix+"decode %q failed: %v", res.req.path, res.err)
			f.texturesFailed.Add(1)
			f.mgr.RedirectBindless(res.req.dst, f.viewOf(f.Defaults.Error2D))
			res.req.dst.Release()
			continue
		}
		if err := f.stage(ctx, res); err != nil {
			f.texturesFailed.Add(1)
			f.mgr.RedirectBindless(res.req.dst, f.viewOf(f.Defaults.Error2D))
			res.req.dst.Release()
		}
	}

	for {
		result, ok := f.xferOut.TryPop()
		if !ok {
			break
		}
		if result.Err == nil && !result.Batch.Done {
			// One intermediate chunk of a still-streaming request (§4.G,
			// §4.H): the rest is already re-queued under the same
			// request ID, so there's nothing to finalize yet.
			continue
		}
		f.pendingMu.Lock()
		pr, ok := f.pending[result.Batch.ID]
		delete(f.pending, result.Batch.ID)
		f.pendingMu.Unlock()
		if !ok {
			continue
		}
		if result.Err != nil {
			f.texturesFailed.Add(1)
			f.mgr.RedirectBindless(pr.dst, f.viewOf(f.Defaults.Error2D))
		} else {
			f.mgr.ReplaceTexture(pr.dst, pr.src, frameIndex, true)
			f.texturesCompleted.Add(1)
			f.bytesUploaded.Add(pr.bytes)
			f.publishCompleted(pr.dst.Clone())
		}
		pr.dst.Release()
		pr.src.Release()
	}
	return nil
}

// publishCompleted appends h to the list ConsumeCompletedTextures
// drains. Called only from Finalize's render-thread drain.
func (f *Facade) publishCompleted(h resource.SmartHandle) {
	f.completedMu.Lock()
	f.completed = append(f.completed, h)
	f.completedMu.Unlock()
}

// ConsumeCompletedTextures returns every texture handle that finished
// an async load since the last call and clears the list (§6
// consume_completed_textures). Callers own the returned handles and
// must Release them when done.
func (f *Facade) ConsumeCompletedTextures() []resource.SmartHandle {
	f.completedMu.Lock()
	defer f.completedMu.Unlock()
	if len(f.completed) == 0 {
		return nil
	}
	out := f.completed
	f.completed = nil
	return out
}

// Stats returns a snapshot of the pipeline's cumulative streaming
// activity (§6 get_streaming_statistics).
func (f *Facade) Stats() Stats {
	f.cacheMu.Lock()
	active := int64(len(f.cache))
	f.cacheMu.Unlock()
	f.pendingMu.Lock()
	pending := int64(len(f.pending))
	f.pendingMu.Unlock()
	return Stats{
		BytesUploaded:     f.bytesUploaded.Load(),
		TexturesCompleted: f.texturesCompleted.Load(),
		TexturesFailed:    f.texturesFailed.Load(),
		ActiveLoads:       active,
		PendingFinalize:   pending,
	}
}

// SyncToGPU is the render-thread tick for the streamer (§6
// sync_to_gpu). Order matters: the manager's matured-destroy flush and
// bindless release-window advance must run before Finalize enqueues
// this frame's new destroys/releases, and ProcessDestroyEvents must
// drain those new events only after Finalize has produced them —
// otherwise a resource replaced or destroyed this frame would be freed
// before the invariant-3 frame window has elapsed. Callers that manage
// these steps themselves (e.g. to interleave other render-thread work)
// may call Manager.Tick, Finalize, and Manager.ProcessDestroyEvents
// directly instead, in that order.
func (f *Facade) SyncToGPU(ctx context.Context, frameIndex int) error {
	f.mgr.Tick(frameIndex)
	f.worker.BeginFrame()
	if err := f.Finalize(ctx, frameIndex); err != nil {
		return err
	}
	f.mgr.ProcessDestroyEvents(frameIndex)
	return nil
}

// stage creates this result's real texture and hands its pixels to the
// transfer worker as an UploadRequest, rather than reserving staging
// itself: the worker plans and streams it one bounded chunk at a time
// (§3 StreamRequestState, §4.G), re-queuing under the same request ID
// whenever a chunk can't proceed yet (staging shortage, frame upload
// budget) instead of failing the whole request (§7).
func (f *Facade) stage(ctx context.Context, res decodedResult) error {
	desc := &rhi.TextureDesc{
		Type: rhi.Tex2D, Extent: res.extent,
		Format: rhi.RGBA8Unorm.SRGBVariant(res.req.srgb),
		MipLevels: 1, ArrayLayers: 1,
		Usage: rhi.UsageSampled | rhi.UsageTransferDst,
	}
	src, err := f.mgr.CreateTexture(desc, false)
	if err != nil {
		return err
	}
	srcTex, _ := f.mgr.TextureNative(src)

	id := f.nextRequestID.Add(1)
	req := &transfer.UploadRequest{
		ID:           id,
		Desc:         *desc,
		Tex:          srcTex,
		Pixels:       res.pixels,
		ProvidedMips: 1,
		Priority:     res.req.priority,
		Stream:       streamer.StreamState{CurrentLevel: -1},
		BytesTotal:   int64(len(res.pixels)),
	}
	req.State.TryTransition(transfer.StatePending)
	req.State.TryTransition(transfer.StateLoading)
	req.State.TryTransition(transfer.StateDecoded)

	batch := transfer.Batch{ID: id, Req: req}

	f.pendingMu.Lock()
	f.pending[id] = pendingReplace{dst: res.req.dst, src: src, bytes: int64(len(res.pixels))}
	f.pendingMu.Unlock()

	return f.xferIn.Push(ctx, res.req.priority, batch)
}

func (f *Facade) viewOf(h resource.SmartHandle) rhi.TextureView {
	v, _ := f.mgr.TextureView(h)
	return v
}

// GetErrorTexture returns a new strong reference to the shared
// magenta error proxy (§6 get_error_texture).
func (f *Facade) GetErrorTexture() resource.SmartHandle { return f.Defaults.Error2D.Clone() }

// GetLoadingTexture returns a new strong reference to the shared
// checkerboard loading proxy (§6 get_loading_texture).
func (f *Facade) GetLoadingTexture() resource.SmartHandle { return f.Defaults.Loading2D.Clone() }

// GetDefaultWhite returns a new strong reference to the shared solid
// white default (§6 get_default_white).
func (f *Facade) GetDefaultWhite() resource.SmartHandle { return f.Defaults.White2D.Clone() }

// GetDefaultBlack returns a new strong reference to the shared solid
// black default.
func (f *Facade) GetDefaultBlack() resource.SmartHandle { return f.Defaults.Black2D.Clone() }

// GetDefaultNormal returns a new strong reference to the shared flat
// normal-map default.
func (f *Facade) GetDefaultNormal() resource.SmartHandle { return f.Defaults.Normal2D.Clone() }

// CreateTexture uploads pixels (tightly packed, extent.Width *
// extent.Height * extent.Depth * 4 bytes for an 8-bit-per-channel
// format) synchronously and returns a strong handle to the finished
// texture (§6 create_texture, immediate/synchronous path — unlike
// LoadTexture, this never returns a loading proxy). signed is
// currently unused by the RGBA8 format table; it is accepted for
// interface-compatibility with decoders that distinguish signed and
// unsigned normalized formats and is reserved for when the rhi package
// grows signed-normalized pixel formats.
func (f *Facade) CreateTexture(pixels []byte, w, h, channels int, srgb, signed bool) (resource.SmartHandle, error) {
	_ = signed
	_ = channels // the pixel buffer is always tightly packed RGBA8 at this layer; format promotion from source channel count is the Decoder's job.
	extent := rhi.Dim3D{Width: w, Height: h, Depth: 1}
	return f.createAndUploadFormat2D(extent, rhi.RGBA8Unorm.SRGBVariant(srgb), pixels)
}

// CreateTextureFromDesc uploads pixels into a texture built exactly
// from desc, synchronously (§6 create_texture(descriptor) overload).
// desc.MipLevels and desc.ArrayLayers beyond 1 are not populated by
// this path; only mip 0 / layer 0 receives pixels, matching the other
// immediate-path textures this package builds at startup.
func (f *Facade) CreateTextureFromDesc(desc *rhi.TextureDesc, pixels []byte) (resource.SmartHandle, error) {
	tex, err := f.mgr.CreateTexture(desc, true)
	if err != nil {
		return resource.SmartHandle{}, err
	}
	if err := f.uploadImmediate(tex, pixels, desc.Extent, 1); err != nil {
		tex.Release()
		return resource.SmartHandle{}, err
	}
	return tex, nil
}

func (f *Facade) createAndUploadFormat2D(extent rhi.Dim3D, format rhi.PixelFmt, pixels []byte) (resource.SmartHandle, error) {
	tex, err := f.mgr.CreateTexture(&rhi.TextureDesc{
		Type: rhi.Tex2D, Extent: extent, Format: format,
		MipLevels: 1, ArrayLayers: 1,
		Usage: rhi.UsageSampled | rhi.UsageTransferDst,
	}, true)
	if err != nil {
		return resource.SmartHandle{}, err
	}
	if err := f.uploadImmediate(tex, pixels, extent, 1); err != nil {
		tex.Release()
		return resource.SmartHandle{}, err
	}
	return tex, nil
}

// CubemapFace indexes the six faces of a cubemap in the RHI's
// expected array-layer order: +X, -X, +Y, -Y, +Z, -Z.
type CubemapFace int

// Cubemap face indices.
const (
	FacePosX CubemapFace = iota
	FaceNegX
	FacePosY
	FaceNegY
	FacePosZ
	FaceNegZ
	numCubeFaces
)

// CreateCubemap decodes six face images synchronously and uploads them
// as one Cube-type texture (§6 create_cubemap). All six faces must
// decode to the same extent; a mismatch (or a decode failure)
// validates as a cubemap validation failure (§7) and returns the
// shared error-cube proxy together with the error, so the caller never
// receives a null handle.
func (f *Facade) CreateCubemap(ctx context.Context, facePaths [6]string, srgb bool) (resource.SmartHandle, error) {
	if f.decode == nil {
		return f.Defaults.ErrorCube.Clone(), errDecoderRequired
	}
	var extent rhi.Dim3D
	faces := make([][]byte, numCubeFaces)
	for i, path := range facePaths {
		pixels, e, err := f.decode(ctx, path, srgb)
		if err != nil {
			return f.Defaults.ErrorCube.Clone(), err
		}
		if i == 0 {
			extent = e
		} else if e != extent {
			return f.Defaults.ErrorCube.Clone(), errCubemapMismatch
		}
		faces[i] = pixels
	}

	format := rhi.RGBA8Unorm.SRGBVariant(srgb)
	tex, err := f.mgr.CreateTexture(&rhi.TextureDesc{
		Type: rhi.TexCube, Extent: rhi.Dim3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		Format: format, MipLevels: 1, ArrayLayers: 6,
		Usage: rhi.UsageSampled | rhi.UsageTransferDst,
	}, true)
	if err != nil {
		return f.Defaults.ErrorCube.Clone(), err
	}
	combined := make([]byte, 0, len(faces[0])*int(numCubeFaces))
	for _, face := range faces {
		combined = append(combined, face...)
	}
	if err := f.uploadImmediate(tex, combined, extent, int(numCubeFaces)); err != nil {
		tex.Release()
		return f.Defaults.ErrorCube.Clone(), err
	}
	return tex, nil
}
