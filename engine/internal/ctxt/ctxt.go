// Package ctxt holds the process-wide GPU device used by callers that
// construct resources without threading an rhi.Device through their
// own constructors.
package ctxt

import (
	"errors"
	"strings"
	"sync"

	"github.com/kestrelgfx/kestrel/rhi"
)

var (
	mu     sync.RWMutex
	dev    rhi.Device
	limits rhi.Limits
)

var (
	errNoDevice  = errors.New("ctxt: no device set")
	errNoBackend = errors.New("ctxt: no registered backend matches name")
)

// Open opens the first registered rhi.Backend whose name contains
// name (case-sensitive; the empty string matches any backend) and
// installs its Device via SetDevice. It tries every matching backend
// in registration order, skipping ones that fail to open.
func Open(name string) error {
	err := errNoBackend
	for _, b := range rhi.Backends() {
		if !strings.Contains(b.Name(), name) {
			continue
		}
		var d rhi.Device
		if d, err = b.Open(); err != nil {
			continue
		}
		SetDevice(d)
		return nil
	}
	return err
}

// SetDevice installs dev as the process-wide device and caches its
// Limits(). Replacing a previously set device does not touch resources
// created against the old one; callers that swap devices at runtime
// must drain those themselves first.
func SetDevice(d rhi.Device) {
	mu.Lock()
	defer mu.Unlock()
	dev = d
	if dev != nil {
		limits = dev.Limits()
	} else {
		limits = rhi.Limits{}
	}
}

// Device returns the process-wide device, or nil if none has been set.
func Device() rhi.Device {
	mu.RLock()
	defer mu.RUnlock()
	return dev
}

// MustDevice is like Device but panics if no device has been set.
func MustDevice() rhi.Device {
	d := Device()
	if d == nil {
		panic(errNoDevice)
	}
	return d
}

// Limits returns the cached Limits() of the current device.
func Limits() rhi.Limits {
	mu.RLock()
	defer mu.RUnlock()
	return limits
}
