package registry

import (
	"errors"
	"sync"
)

var (
	// ErrNotInitialized is returned by Default before Init.
	ErrNotInitialized = errors.New("registry not initialized")

	// ErrAlreadyInitialized is returned by Init when a registry is installed.
	ErrAlreadyInitialized = errors.New("registry already initialized")
)

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Init installs r as the process registry.
func Init(r *Registry) error {
	if r == nil {
		return errors.New("cannot install nil registry")
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRegistry != nil {
		return ErrAlreadyInitialized
	}
	defaultRegistry = r
	return nil
}

// Default returns the process registry.
func Default() (*Registry, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRegistry == nil {
		return nil, ErrNotInitialized
	}
	return defaultRegistry, nil
}

// Reset closes the process registry, tearing down each of its shards once,
// and uninstalls it. Reset without a registry is a no-op.
func Reset() error {
	defaultMu.Lock()
	r := defaultRegistry
	defaultRegistry = nil
	defaultMu.Unlock()

	if r == nil {
		return nil
	}
	return r.Close()
}
