// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package backendtest provides a test double backend that counts every call made to it, and can be told
// to fail any of them.
//
// Fresh buffer memory is filled with Garbage, so tests can observe whether the caller zero-filled it.
package backendtest

import (
	"sync"
	"sync/atomic"

	"github.com/nvdrm/nvdrm/backends"
	"github.com/nvdrm/nvdrm/backends/notimplemented"
	"github.com/pkg/errors"
)

// Garbage is the byte value fresh buffer memory is filled with.
const Garbage = 0xA5

// ErrInjected is the cause of every injected failure.
var ErrInjected = errors.New("injected failure")

// Failures selects which backend calls fail with ErrInjected.
type Failures struct {
	NewContext, TotalPhysicalMemory, Init3D bool
	CreateBuffer, MapAsTexture, MapNamed    bool

	// OutOfMemory makes CreateBuffer fail with backends.ErrOutOfMemory.
	OutOfMemory bool
}

// Backend is a test double for backends.Backend.
// Services not covered are left to the embedded notimplemented.Backend.
type Backend struct {
	notimplemented.Backend

	// PhysicalMemory is returned by TotalPhysicalMemory.
	PhysicalMemory uint64

	// OnCreateBuffer, if set, is called by CreateBuffer after the buffer is created.
	OnCreateBuffer func(*Buffer)

	mu       sync.Mutex
	fail     Failures
	contexts []*Context

	ContextsCreated, ContextsClosed atomic.Int32
}

var _ backends.Backend = &Backend{}

// New returns a test Backend reporting the given amount of physical memory.
func New(physicalMemory uint64) *Backend {
	return &Backend{PhysicalMemory: physicalMemory}
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return "backendtest" }

// Fail sets which calls fail from now on.
func (b *Backend) Fail(f Failures) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = f
}

func (b *Backend) failures() Failures {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fail
}

// NewContext creates a Context with an empty AddressSpace.
func (b *Backend) NewContext() (backends.Context, error) {
	if b.failures().NewContext {
		return nil, errors.Wrap(ErrInjected, "NewContext")
	}
	ctx := &Context{backend: b, as: &AddressSpace{backend: b, next: 1 << 32}}
	b.mu.Lock()
	b.contexts = append(b.contexts, ctx)
	b.mu.Unlock()
	b.ContextsCreated.Add(1)
	return ctx, nil
}

// Contexts returns all contexts created so far.
func (b *Backend) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// TotalPhysicalMemory returns Backend.PhysicalMemory.
func (b *Backend) TotalPhysicalMemory() (uint64, error) {
	if b.failures().TotalPhysicalMemory {
		return 0, errors.Wrap(ErrInjected, "TotalPhysicalMemory")
	}
	return b.PhysicalMemory, nil
}

// Context is a test double for backends.Context.
type Context struct {
	backend *Backend
	as      *AddressSpace

	Init3DCalls atomic.Int32
	closed      atomic.Int32
}

// AddressSpace returns the context's address space.
func (c *Context) AddressSpace() backends.AddressSpace { return c.as }

// Space returns the context's address space with its concrete type.
func (c *Context) Space() *AddressSpace { return c.as }

// Init3D counts the call.
func (c *Context) Init3D() error {
	c.Init3DCalls.Add(1)
	if c.backend.failures().Init3D {
		return errors.Wrap(ErrInjected, "Init3D")
	}
	return nil
}

// Close counts the call.
func (c *Context) Close() {
	c.closed.Add(1)
	c.backend.ContextsClosed.Add(1)
}

// Closes returns how many times Close was called.
func (c *Context) Closes() int { return int(c.closed.Load()) }

// AddressSpace is a test double for backends.AddressSpace.
type AddressSpace struct {
	backend *Backend

	mu         sync.Mutex
	next       uint64
	lastHandle uint32
	buffers    []*Buffer
	named      []uint32
}

func alignUp(value, align uint64) uint64 {
	if align <= 1 {
		return value
	}
	return (value + align - 1) / align * align
}

func (a *AddressSpace) reserve(size, align uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	address := alignUp(a.next, align)
	a.next = address + size
	return address
}

// CreateBuffer creates a Buffer whose memory is filled with Garbage.
func (a *AddressSpace) CreateBuffer(size uint64, align uint32, kind backends.Kind) (backends.Buffer, error) {
	failures := a.backend.failures()
	if failures.OutOfMemory {
		return nil, errors.Wrapf(backends.ErrOutOfMemory, "CreateBuffer(size=%d)", size)
	}
	if failures.CreateBuffer {
		return nil, errors.Wrap(ErrInjected, "CreateBuffer")
	}
	mem := make([]byte, size)
	for ii := range mem {
		mem[ii] = Garbage
	}
	address := a.reserve(size, uint64(align))
	a.mu.Lock()
	a.lastHandle++
	buf := &Buffer{
		as:      a,
		handle:  a.lastHandle,
		size:    size,
		Align:   align,
		Kind:    kind,
		mem:     mem,
		gpuAddr: address,
	}
	a.buffers = append(a.buffers, buf)
	a.mu.Unlock()
	if a.backend.OnCreateBuffer != nil {
		a.backend.OnCreateBuffer(buf)
	}
	return buf, nil
}

// MapNamed returns a fresh 64KiB aligned address for the name.
func (a *AddressSpace) MapNamed(name uint32, kind backends.Kind) (uint64, error) {
	if a.backend.failures().MapNamed {
		return 0, errors.Wrap(ErrInjected, "MapNamed")
	}
	address := a.reserve(1<<16, 1<<16)
	a.mu.Lock()
	a.named = append(a.named, name)
	a.mu.Unlock()
	return address, nil
}

// Buffers returns all buffers created so far, freed or not.
func (a *AddressSpace) Buffers() []*Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Buffer(nil), a.buffers...)
}

// Named returns the names mapped so far.
func (a *AddressSpace) Named() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint32(nil), a.named...)
}

// Buffer is a test double for backends.Buffer. Every Free call is counted, including repeated ones.
type Buffer struct {
	as      *AddressSpace
	handle  uint32
	size    uint64
	mem     []byte
	gpuAddr uint64

	// Align and Kind as requested on creation.
	Align uint32
	Kind  backends.Kind

	mu          sync.Mutex
	texAddr     uint64
	TextureKind backends.Kind
	flushes     int
	zeroFlushed bool
	uncached    bool
	frees       int
}

// Handle returns the buffer handle.
func (b *Buffer) Handle() uint32 { return b.handle }

// Size returns the requested size.
func (b *Buffer) Size() uint64 { return b.size }

// MapAsTexture reserves a texture address.
func (b *Buffer) MapAsTexture(kind backends.Kind) error {
	if b.as.backend.failures().MapAsTexture {
		return errors.Wrap(ErrInjected, "MapAsTexture")
	}
	address := b.as.reserve(b.size, uint64(b.Align))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texAddr, b.TextureKind = address, kind
	return nil
}

// GPUAddress returns the main GPU address.
func (b *Buffer) GPUAddress() uint64 { return b.gpuAddr }

// GPUAddressTexture returns the texture GPU address.
func (b *Buffer) GPUAddressTexture() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.texAddr
}

// CPUBytes returns the buffer memory.
func (b *Buffer) CPUBytes() []byte { return b.mem }

// FlushCPUCache counts the call. It records whether the memory was all zeros at the time of the flush.
func (b *Buffer) FlushCPUCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	b.zeroFlushed = true
	for _, v := range b.mem {
		if v != 0 {
			b.zeroFlushed = false
			break
		}
	}
}

// ZeroWhenFlushed reports whether the memory was all zeros on the last FlushCPUCache call.
func (b *Buffer) ZeroWhenFlushed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.zeroFlushed
}

// MakeCPUUncached records the call. It must come after a flush.
func (b *Buffer) MakeCPUUncached() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uncached = b.flushes > 0
}

// Free counts the call. Freeing more than once returns an error.
func (b *Buffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frees++
	if b.frees > 1 {
		return errors.Errorf("backendtest: buffer handle=%d freed %d times", b.handle, b.frees)
	}
	return nil
}

// Frees returns how many times Free was called.
func (b *Buffer) Frees() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frees
}

// Flushes returns how many times FlushCPUCache was called.
func (b *Buffer) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// IsCPUUncached reports whether MakeCPUUncached was called after FlushCPUCache.
func (b *Buffer) IsCPUUncached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uncached
}
