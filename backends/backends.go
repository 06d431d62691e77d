// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface to the services the driver core consumes but does not own:
// the GPU context (channel and 3D state setup), the GPU address space with its typed buffers,
// and the host platform query for the amount of physical memory.
//
// The core (see package github.com/nvdrm/nvdrm/pkg/core/drm) only requests, tracks and releases
// logical handles to these services. A backend is selected by name from the registered ones, the
// same way for tests, tools and production code.
//
// A backend that doesn't implement some service can simply return ErrNotImplemented,
// see package github.com/nvdrm/nvdrm/backends/notimplemented.
package backends

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned by capabilities that a backend, or the core itself, doesn't provide yet.
//
// It doesn't contain a stack, attach one with errors.Wrapf(ErrNotImplemented, "...") when using it.
var ErrNotImplemented = errors.New("not implemented")

// ErrOutOfMemory is wrapped by backends when host or device memory, or GPU address space, is exhausted.
var ErrOutOfMemory = errors.New("out of memory")

// Backend is the API that needs to be implemented by a driver backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "hostmem".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NewContext creates a new GPU context, with its own GPU address space.
	// It is called once per device.
	NewContext() (Context, error)

	// TotalPhysicalMemory returns the amount of physical memory of the host platform, in bytes.
	TotalPhysicalMemory() (uint64, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Context is an opaque GPU context created by Backend.NewContext.
type Context interface {
	// AddressSpace returns the GPU address space owned by the context.
	AddressSpace() AddressSpace

	// Init3D initializes the 3D engine state of the context and submits it.
	Init3D() error

	// Close releases the context. Buffers allocated in its address space must have been freed before.
	Close()
}

// AddressSpace is the per-context mapping into which buffers, local or imported, are placed at GPU-visible
// addresses.
type AddressSpace interface {
	// CreateBuffer allocates a read-write typed buffer of the given size, alignment and memory kind.
	CreateBuffer(size uint64, align uint32, kind Kind) (Buffer, error)

	// MapNamed maps a buffer allocated elsewhere, and known by its global name, into this address space.
	// It returns the GPU address of the mapping.
	MapNamed(name uint32, kind Kind) (gpuAddress uint64, err error)
}

// Buffer is a typed buffer allocated by AddressSpace.CreateBuffer.
type Buffer interface {
	// Handle returns the descriptor issued for the buffer by the backend.
	Handle() uint32

	// Size of the buffer in bytes, as requested on creation.
	Size() uint64

	// MapAsTexture maps the buffer a second time, as a texture-accessible resource of the given kind.
	MapAsTexture(kind Kind) error

	// GPUAddress returns the GPU-visible address of the buffer's main mapping.
	GPUAddress() uint64

	// GPUAddressTexture returns the GPU-visible address of the texture mapping, or 0 if not mapped as texture.
	GPUAddressTexture() uint64

	// CPUBytes returns the CPU-visible mapping of the buffer, exactly Size bytes long.
	// It is nil after the buffer is freed.
	CPUBytes() []byte

	// FlushCPUCache writes back (and invalidates) the CPU cache lines covering the CPU-visible mapping.
	FlushCPUCache()

	// MakeCPUUncached marks the CPU-visible mapping as uncached.
	MakeCPUUncached()

	// Free releases the buffer memory and its mappings. Freeing twice returns an error.
	Free() error
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered backends.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// NVDRM_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "hostmem") and
// "<backend_configuration>" is backend specific.
const NVDRM_BACKEND = "NVDRM_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment NVDRM_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(NVDRM_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew returns a new default Backend, see New, or panics if it fails.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		exceptions.Panicf("backends.MustNew(): %+v", err)
	}
	return backend
}

// NewWithConfig takes a configurations string formated as
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "hostmem") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Errorf(`no registered backends for nvdrm -- maybe import the host one with import _ "github.com/nvdrm/nvdrm/backends/hostmem"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}
