// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package hostmem

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AddressSpace implements backends.AddressSpace with a bump allocator of GPU addresses.
//
// Addresses are never reused: the simulated window is large enough for the lifetime of a context.
type AddressSpace struct {
	mu         sync.Mutex
	next, end  uint64
	lastHandle uint32
	live       map[uint32]*Buffer
	named      map[uint32]uint64
}

var _ backends.AddressSpace = &AddressSpace{}

func newAddressSpace(base, size uint64) *AddressSpace {
	return &AddressSpace{
		next:  base,
		end:   base + size,
		live:  make(map[uint32]*Buffer),
		named: make(map[uint32]uint64),
	}
}

// alignUp rounds value up to a multiple of align. align 0 is taken as 1.
func alignUp(value, align uint64) uint64 {
	if align <= 1 {
		return value
	}
	if rem := value % align; rem != 0 {
		return value + align - rem
	}
	return value
}

// lockedReserve reserves size bytes of GPU addresses aligned to align.
func (a *AddressSpace) lockedReserve(size, align uint64) (uint64, error) {
	address := alignUp(a.next, align)
	if address < a.next || address+size < address || address+size > a.end {
		return 0, errors.Wrapf(backends.ErrOutOfMemory, "hostmem: GPU address space exhausted reserving %s aligned to %d",
			humanize.IBytes(size), align)
	}
	a.next = address + size
	return address, nil
}

// CreateBuffer allocates a buffer in host memory and reserves its GPU addresses.
func (a *AddressSpace) CreateBuffer(size uint64, align uint32, kind backends.Kind) (backends.Buffer, error) {
	if size == 0 {
		return nil, errors.Errorf("hostmem: cannot create buffer of size 0")
	}
	if kind == backends.KindInvalid {
		return nil, errors.Errorf("hostmem: invalid memory kind %s", kind)
	}
	mem, err := mapMemory(size)
	if err != nil {
		return nil, errors.Wrapf(backends.ErrOutOfMemory, "hostmem: failed to map %s of host memory: %v",
			humanize.IBytes(size), err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	address, err := a.lockedReserve(size, uint64(align))
	if err != nil {
		_ = unmapMemory(mem)
		return nil, err
	}
	a.lastHandle++
	buf := &Buffer{
		as:      a,
		handle:  a.lastHandle,
		size:    size,
		align:   uint64(align),
		kind:    kind,
		mem:     mem,
		gpuAddr: address,
	}
	a.live[buf.handle] = buf
	klog.V(2).Infof("hostmem: created buffer handle=%d size=%s align=%d kind=%s at 0x%x",
		buf.handle, humanize.IBytes(size), align, kind, address)
	return buf, nil
}

// MapNamed maps a buffer published with Export into this address space.
// Mapping the same name twice returns the same address.
func (a *AddressSpace) MapNamed(name uint32, kind backends.Kind) (uint64, error) {
	buf, found := exports.Load(name)
	if !found {
		return 0, errors.Errorf("hostmem: no buffer exported with name %d", name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if address, found := a.named[name]; found {
		return address, nil
	}
	address, err := a.lockedReserve(buf.size, 1<<16)
	if err != nil {
		return 0, err
	}
	a.named[name] = address
	klog.V(2).Infof("hostmem: mapped named buffer %d (kind=%s) at 0x%x", name, kind, address)
	return address, nil
}

// NumBuffers returns the number of buffers allocated in the address space and not yet freed.
func (a *AddressSpace) NumBuffers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// freeAll frees all live buffers and returns how many there were.
func (a *AddressSpace) freeAll() int {
	a.mu.Lock()
	live := make([]*Buffer, 0, len(a.live))
	for _, buf := range a.live {
		live = append(live, buf)
	}
	a.mu.Unlock()
	for _, buf := range live {
		if err := buf.Free(); err != nil {
			klog.Errorf("hostmem: %+v", err)
		}
	}
	return len(live)
}
