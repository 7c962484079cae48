// Package config holds the tunables for the resource-lifecycle and
// texture-streaming core: ring/page sizes, worker concurrency, and the
// frames-in-flight window that every deferred-destruction and
// bindless-release path is keyed on.
package config

import (
	"errors"

	"github.com/c2h5oh/datasize"
)

const configPrefix = "config: "

// Options configures a Manager/Facade instantiation. Every byte-size
// field is a datasize.ByteSize so configuration files can write "64MB"
// instead of a raw integer.
type Options struct {
	// FramesInFlight sizes the deferred-destruction ring and the
	// bindless registry's release delay.
	FramesInFlight int

	EnableValidation          bool
	UseBindless               bool
	EnableAsyncTextureLoading bool

	StagingPageSize      datasize.ByteSize
	StagingPageCount     int
	StagingFallbackSize  datasize.ByteSize
	StagingFallbackCount int

	// IOWorkerCapacity bounds total concurrent decode weight (see
	// ioworker.Pool).
	IOWorkerCapacity int64
	// TransferInFlightBatches sizes the GPU transfer worker's
	// in-flight command list/fence slot pool.
	TransferInFlightBatches int

	MeshBufferInitialSize datasize.ByteSize

	// RequestQueueCapacity bounds each priority level's buffered
	// channel in every reqqueue.Queue this core creates.
	RequestQueueCapacity int

	// MaxUploadBytesPerFrame and MaxUploadJobsPerFrame bound how much
	// the GPU transfer worker advances per SyncToGPU tick (§4.G, §6):
	// once either cap is hit, the worker leaves further queued uploads
	// untouched (re-queued, preserving their priority) until the next
	// tick resets the budget.
	MaxUploadBytesPerFrame datasize.ByteSize
	MaxUploadJobsPerFrame  int
}

// Default returns the module's default tunables: 3 frames in flight,
// a 512MB staging ring of 2MB pages, 16 fallback staging buffers, 32
// concurrent decodes, 3 in-flight transfer batches, and a per-frame
// upload budget of 128MB / 128 jobs. They are expressed as
// configuration rather than compile-time constants per the Open
// Question 3 resolution.
func Default() Options {
	return Options{
		FramesInFlight:            3,
		EnableValidation:          true,
		UseBindless:               true,
		EnableAsyncTextureLoading: true,
		StagingPageSize:           2 * datasize.MB,
		StagingPageCount:          256,
		StagingFallbackSize:       64 * datasize.MB,
		StagingFallbackCount:      16,
		IOWorkerCapacity:          32,
		TransferInFlightBatches:   3,
		MeshBufferInitialSize:     16 * datasize.MB,
		RequestQueueCapacity:      256,
		MaxUploadBytesPerFrame:    128 * datasize.MB,
		MaxUploadJobsPerFrame:     128,
	}
}

// Validate reports the first structurally invalid field found, using
// the same prefix convention as the rest of the module's error
// handling (see SPEC_FULL.md's AMBIENT STACK section). It does not
// mutate o.
func (o Options) Validate() error {
	switch {
	case o.FramesInFlight <= 0:
		return errors.New(configPrefix + "FramesInFlight must be positive")
	case o.StagingPageSize <= 0:
		return errors.New(configPrefix + "StagingPageSize must be positive")
	case o.StagingPageCount <= 0:
		return errors.New(configPrefix + "StagingPageCount must be positive")
	case o.StagingFallbackCount < 0:
		return errors.New(configPrefix + "StagingFallbackCount must not be negative")
	case o.IOWorkerCapacity <= 0:
		return errors.New(configPrefix + "IOWorkerCapacity must be positive")
	case o.TransferInFlightBatches <= 0:
		return errors.New(configPrefix + "TransferInFlightBatches must be positive")
	case o.RequestQueueCapacity <= 0:
		return errors.New(configPrefix + "RequestQueueCapacity must be positive")
	case o.MaxUploadBytesPerFrame <= 0:
		return errors.New(configPrefix + "MaxUploadBytesPerFrame must be positive")
	case o.MaxUploadJobsPerFrame <= 0:
		return errors.New(configPrefix + "MaxUploadJobsPerFrame must be positive")
	default:
		return nil
	}
}

// RingSizeBytes returns the total staging ring size implied by
// StagingPageSize * StagingPageCount, the quantity staging.NewRing's
// ringSize parameter expects.
func (o Options) RingSizeBytes() int64 {
	return o.StagingPageSize.Bytes() * int64(o.StagingPageCount)
}
