package rhi

import (
	"errors"
	"log"
	"sync"
)

// Backend is the interface that provides methods for loading and
// unloading a concrete Device implementation. Concrete backends (a
// Vulkan device, a null/test device) live outside this module and
// register themselves from an init function; this package only
// tracks which ones are available and opens the one the embedding
// application selects.
type Backend interface {
	// Open initializes the backend. Further calls with the same
	// receiver have no effect and must return the same Device.
	Open() (Device, error)

	// Name returns the name of the backend. It must not cause the
	// backend to be opened.
	Name() string

	// Close deinitializes the backend. Closing one that is not open
	// has no effect.
	Close()
}

// ErrNotInstalled means a platform-specific library required for the
// backend to work is not present.
var ErrNotInstalled = errors.New("rhi: missing required library")

// ErrNoDevice means no suitable device could be found.
var ErrNoDevice = errors.New("rhi: no suitable device found")

// ErrFatal means the backend is in an unrecoverable state. Upon
// encountering this, the application must destroy everything it
// created through the backend's Device and call Close. It may call
// Open again to reinitialize for further use.
var ErrFatal = errors.New("rhi: fatal error")

// Backends returns the registered backends.
func Backends() []Backend {
	mu.Lock()
	defer mu.Unlock()
	b := make([]Backend, len(backends))
	copy(b, backends)
	return b
}

// Register registers a Backend. Implementations are expected to call
// Register exactly once, from an init function. If a backend with the
// same name has already been registered, it is replaced by b.
func Register(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	for i := range backends {
		if backends[i].Name() == b.Name() {
			backends[i] = b
			log.Printf("[!] rhi backend '%s' replaced", b.Name())
			return
		}
	}
	backends = append(backends, b)
	log.Printf("rhi backend '%s' registered", b.Name())
}

var (
	mu       sync.Mutex
	backends []Backend = make([]Backend, 0, 1)
)
