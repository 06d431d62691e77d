// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package hostmem

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
)

// Buffer implements backends.Buffer over a host memory mapping.
type Buffer struct {
	as     *AddressSpace
	handle uint32
	size   uint64
	align  uint64
	kind   backends.Kind

	mu       sync.Mutex
	mem      []byte // Whole mapping, page rounded.
	gpuAddr  uint64
	texAddr  uint64
	texKind  backends.Kind
	name     uint32 // Exported name, 0 if not exported.
	flushes  int
	uncached bool
	freed    bool
}

var _ backends.Buffer = &Buffer{}

// Handle returns the descriptor of the buffer, unique within its address space.
func (b *Buffer) Handle() uint32 { return b.handle }

// Size of the buffer in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Kind returns the memory kind the buffer was created with.
func (b *Buffer) Kind() backends.Kind { return b.kind }

// MapAsTexture reserves a second GPU mapping of the buffer, for texture access with the given kind.
// Mapping it again is a no-op.
func (b *Buffer) MapAsTexture(kind backends.Kind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return errors.Errorf("hostmem: MapAsTexture on freed buffer (handle=%d)", b.handle)
	}
	if kind == backends.KindInvalid {
		return errors.Errorf("hostmem: invalid texture memory kind %s", kind)
	}
	if b.texAddr != 0 {
		return nil
	}
	b.as.mu.Lock()
	address, err := b.as.lockedReserve(b.size, b.align)
	b.as.mu.Unlock()
	if err != nil {
		return err
	}
	b.texAddr, b.texKind = address, kind
	return nil
}

// GPUAddress returns the GPU-visible address of the buffer.
func (b *Buffer) GPUAddress() uint64 { return b.gpuAddr }

// GPUAddressTexture returns the GPU-visible address of the texture mapping, 0 if not mapped as texture.
func (b *Buffer) GPUAddressTexture() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.texAddr
}

// CPUBytes returns the CPU-visible mapping, exactly Size bytes long, or nil if the buffer was freed.
func (b *Buffer) CPUBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	return b.mem[:b.size:b.size]
}

// FlushCPUCache is a no-op beyond bookkeeping: host memory is coherent.
func (b *Buffer) FlushCPUCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
}

// Flushes returns how many times FlushCPUCache was called.
func (b *Buffer) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// MakeCPUUncached marks the mapping as uncached.
func (b *Buffer) MakeCPUUncached() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uncached = true
}

// IsCPUUncached reports whether MakeCPUUncached was called.
func (b *Buffer) IsCPUUncached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uncached
}

// Free unmaps the host memory of the buffer. It returns an error if the buffer was already freed.
func (b *Buffer) Free() error {
	b.mu.Lock()
	if b.freed {
		b.mu.Unlock()
		return errors.Errorf("hostmem: Free(handle=%d): buffer already freed", b.handle)
	}
	b.freed = true
	mem := b.mem
	b.mem = nil
	if b.name != 0 {
		exports.LoadAndDelete(b.name)
	}
	b.mu.Unlock()

	b.as.mu.Lock()
	delete(b.as.live, b.handle)
	b.as.mu.Unlock()
	if err := unmapMemory(mem); err != nil {
		return errors.Wrapf(err, "hostmem: failed to unmap %s of buffer handle=%d", humanize.IBytes(b.size), b.handle)
	}
	return nil
}
