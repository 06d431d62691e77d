// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags of a buffer object: placement and access hints. They are recorded but not interpreted.
type Flags uint32

const (
	FlagVRAM     Flags = 0x00000001
	FlagGART     Flags = 0x00000002
	FlagAPER     Flags = FlagVRAM | FlagGART
	FlagRD       Flags = 0x00000100
	FlagWR       Flags = 0x00000200
	FlagRDWR     Flags = FlagRD | FlagWR
	FlagNOBLOCK  Flags = 0x00000400
	FlagLOW      Flags = 0x00001000
	FlagHIGH     Flags = 0x00002000
	FlagOR       Flags = 0x00004000
	FlagCOHERENT Flags = 0x10000000
	FlagNOSNOOP  Flags = 0x20000000
	FlagCONTIG   Flags = 0x40000000
	FlagMap      Flags = 0x80000000
)

// DefaultAlignment is used by NewBuffer when no alignment is given.
const DefaultAlignment = 0x1000

// TileModeImported is the tile mode recorded for buffers imported by name.
const TileModeImported = 0x040

// Config is the layout configuration of a buffer object.
type Config struct {
	// MemType is the memory kind of the buffer.
	MemType backends.Kind

	// TileMode is recorded as given, it is not interpreted.
	TileMode uint32
}

// BufferObject is a reference-counted, GPU-addressable memory region owned by a Device.
//
// Buffer objects are created with a reference count of 1 by NewBuffer or ImportNamed. The backing
// memory is freed exactly once, when the last reference is released (see Release and Ref). Retain and
// Release are safe for concurrent use.
type BufferObject struct {
	dev    *Device
	buffer backends.Buffer // nil for imported buffers.

	handle    uint32
	size      uint64
	flags     Flags
	offset    uint64
	mapping   []byte
	mapHandle uint64
	config    Config

	refs      atomic.Int64
	destroyed atomic.Bool
}

// NewBuffer allocates a buffer object of the given size on the device.
//
// If align is 0, DefaultAlignment is used. The memory kind is taken from config, KindPitch if config is nil.
// The buffer is mapped a second time as a texture, and its GPU address (Offset) is the one of that mapping.
// The CPU-visible contents are zeroed, flushed and then the CPU mapping is made uncached.
//
// It returns ErrOutOfMemory or ErrBackingAllocation if the backend can't allocate it, and ErrMapping if it
// can't be mapped as texture, in which case the backing memory is freed. A mapping error also matches the
// backend cause with errors.Is, e.g. ErrOutOfMemory when the GPU address space is exhausted.
func NewBuffer(dev *Device, flags Flags, align uint32, size uint64, config *Config) (*BufferObject, error) {
	if err := dev.checkAlive("NewBuffer"); err != nil {
		return nil, err
	}
	if align == 0 {
		align = DefaultAlignment
	}
	kind := backends.KindPitch
	if config != nil {
		kind = config.MemType
	}
	klog.V(1).Infof("drm.NewBuffer(%s): size=%s, align=0x%x, flags=0x%x, kind=%s",
		dev.tag, humanize.IBytes(size), align, uint32(flags), kind)
	buffer, err := dev.gpu.AddressSpace().CreateBuffer(size, align, kind)
	if err != nil {
		klog.Errorf("Failed to create buffer of %s on %s: %v", humanize.IBytes(size), dev.tag, err)
		if errors.Is(err, ErrOutOfMemory) {
			return nil, errors.WithMessagef(err, "creating buffer object of %d bytes on %s", size, dev.tag)
		}
		return nil, errors.Wrapf(ErrBackingAllocation, "creating buffer object of %d bytes on %s: %v", size, dev.tag, err)
	}
	if err = buffer.MapAsTexture(kind); err != nil {
		klog.Errorf("Failed to map buffer as texture on %s: %v", dev.tag, err)
		if freeErr := buffer.Free(); freeErr != nil {
			klog.Warningf("freeing unmapped buffer on %s: %v", dev.tag, freeErr)
		}
		// Both ErrMapping and the backend cause (e.g. ErrOutOfMemory) stay visible to errors.Is.
		return nil, errors.WithStack(fmt.Errorf("mapping buffer object as texture (kind %s) on %s: %w: %w", kind, dev.tag, ErrMapping, err))
	}

	bo := &BufferObject{
		dev:       dev,
		buffer:    buffer,
		handle:    buffer.Handle(),
		size:      buffer.Size(),
		flags:     flags,
		offset:    buffer.GPUAddressTexture(),
		mapping:   buffer.CPUBytes(),
		mapHandle: buffer.GPUAddress(),
	}
	if config != nil {
		bo.config = *config
	}
	clear(bo.mapping)
	buffer.FlushCPUCache()
	buffer.MakeCPUUncached()
	bo.refs.Store(1)
	if err = dev.track(bo); err != nil {
		if freeErr := buffer.Free(); freeErr != nil {
			klog.Warningf("freeing buffer of destroyed %s: %v", dev.tag, freeErr)
		}
		return nil, err
	}
	return bo, nil
}

// MustNewBuffer is like NewBuffer, but panics on error.
func MustNewBuffer(dev *Device, flags Flags, align uint32, size uint64, config *Config) *BufferObject {
	bo, err := NewBuffer(dev, flags, align, size, config)
	if err != nil {
		exceptions.Panicf("drm.MustNewBuffer(size=%d): %+v", size, err)
	}
	return bo
}

// ImportNamed maps into the device's address space a buffer allocated elsewhere and known by its global name.
//
// The returned buffer object has the name as handle, the KindGeneric16BX2 memory kind, no CPU mapping and
// its contents are left untouched. It returns ErrMapping if the name can't be mapped.
func ImportNamed(dev *Device, name uint32) (*BufferObject, error) {
	if err := dev.checkAlive("ImportNamed"); err != nil {
		return nil, err
	}
	klog.V(1).Infof("drm.ImportNamed(%s, name=%d)", dev.tag, name)
	offset, err := dev.gpu.AddressSpace().MapNamed(name, backends.KindGeneric16BX2)
	if err != nil {
		klog.Errorf("Failed to map named buffer %d on %s: %v", name, dev.tag, err)
		return nil, errors.Wrapf(ErrMapping, "mapping named buffer %d on %s: %v", name, dev.tag, err)
	}
	bo := &BufferObject{
		dev:    dev,
		handle: name,
		offset: offset,
		config: Config{MemType: backends.KindGeneric16BX2, TileMode: TileModeImported},
	}
	bo.refs.Store(1)
	if err = dev.track(bo); err != nil {
		return nil, err
	}
	return bo, nil
}

// Retain adds a reference to the buffer object.
//
// It panics if the buffer object was already destroyed.
func (bo *BufferObject) Retain() {
	for {
		refs := bo.refs.Load()
		if refs <= 0 {
			exceptions.Panicf("drm.BufferObject.Retain(%s): buffer object already destroyed (refs=%d)", bo, refs)
		}
		if bo.refs.CompareAndSwap(refs, refs+1) {
			return
		}
	}
}

// Release drops a reference to the buffer object, and destroys it when it was the last one.
//
// It panics if the buffer object was already destroyed.
func (bo *BufferObject) Release() {
	refs := bo.refs.Add(-1)
	if refs < 0 {
		exceptions.Panicf("drm.BufferObject.Release(%s): reference count dropped below zero", bo)
	}
	if refs == 0 {
		bo.destroy()
	}
}

// Ref replaces the buffer object held in slot by bo: bo (if not nil) is retained before the previous
// value of slot (if not nil) is released, so Ref(bo, &slot) is safe when slot already holds bo.
//
// Ref(nil, &slot) releases the buffer object in slot and sets it to nil.
func Ref(bo *BufferObject, slot **BufferObject) {
	old := *slot
	if bo != nil {
		bo.Retain()
	}
	if old != nil {
		old.Release()
	}
	*slot = bo
}

// destroy frees the backing memory and unregisters the buffer object from its device. It runs at most once.
func (bo *BufferObject) destroy() {
	if !bo.destroyed.CompareAndSwap(false, true) {
		return
	}
	klog.V(1).Infof("drm.BufferObject.destroy(%s)", bo)
	if bo.buffer != nil {
		if err := bo.buffer.Free(); err != nil {
			klog.Warningf("freeing backing memory of %s: %v", bo, err)
		}
	}
	bo.mapping = nil
	bo.dev.untrack(bo)
}

// Wait waits for the GPU to finish the work accessing the buffer object with the given access flags.
//
// Fences are not supported (see Capabilities.FenceWait), it returns immediately.
func (bo *BufferObject) Wait(access Flags, client *Client) error {
	klog.V(3).Infof("drm.BufferObject.Wait(%s, access=0x%x)", bo, uint32(access))
	return nil
}

// Map makes the buffer object available for CPU access (see Bytes): the CPU mapping is set up on creation,
// so it only waits for the GPU, see Wait.
func (bo *BufferObject) Map(access Flags, client *Client) error {
	return bo.Wait(access, client)
}

// Unmap is a no-op: the CPU mapping lives as long as the buffer object.
func (bo *BufferObject) Unmap() {}

// SetPrime exports the buffer object as a cross-process descriptor. Not implemented.
func (bo *BufferObject) SetPrime() (int, error) {
	return -1, errors.Wrapf(ErrNotImplemented, "SetPrime(%s)", bo)
}

// Name returns the global name of the buffer object. Not implemented.
func (bo *BufferObject) Name() (uint32, error) {
	return 0, errors.Wrapf(ErrNotImplemented, "Name(%s)", bo)
}

// NewFromPrime imports a buffer object from a cross-process descriptor. Not implemented.
func NewFromPrime(dev *Device, primeFD int) (*BufferObject, error) {
	return nil, errors.Wrapf(ErrNotImplemented, "NewFromPrime(%s, fd=%d)", dev.tag, primeFD)
}

// Wrap creates a buffer object from a raw kernel handle. Not implemented.
func Wrap(dev *Device, handle uint32) (*BufferObject, error) {
	return nil, errors.Wrapf(ErrNotImplemented, "Wrap(%s, handle=%d)", dev.tag, handle)
}

// Device returns the device owning the buffer object.
func (bo *BufferObject) Device() *Device { return bo.dev }

// Handle returns the backend handle of the buffer, or its global name for imported buffers.
func (bo *BufferObject) Handle() uint32 { return bo.handle }

// Size returns the size of the buffer in bytes, 0 for imported buffers.
func (bo *BufferObject) Size() uint64 { return bo.size }

// Backing returns the backend buffer holding the memory, nil for imported buffers.
func (bo *BufferObject) Backing() backends.Buffer { return bo.buffer }

// Flags returns the flags given on creation.
func (bo *BufferObject) Flags() Flags { return bo.flags }

// Offset returns the GPU address of the buffer object.
func (bo *BufferObject) Offset() uint64 { return bo.offset }

// MapHandle returns the GPU address of the main (non-texture) mapping, 0 for imported buffers.
func (bo *BufferObject) MapHandle() uint64 { return bo.mapHandle }

// Bytes returns the CPU-visible contents of the buffer object, exactly Size bytes.
// It is nil for imported buffers, and after the buffer object is destroyed.
func (bo *BufferObject) Bytes() []byte { return bo.mapping }

// Config returns the layout configuration of the buffer object.
func (bo *BufferObject) Config() Config { return bo.config }

// RefCount returns the current number of references.
func (bo *BufferObject) RefCount() int64 { return bo.refs.Load() }

// IsDestroyed returns whether the last reference was released.
func (bo *BufferObject) IsDestroyed() bool { return bo.destroyed.Load() }

// String implements fmt.Stringer.
func (bo *BufferObject) String() string {
	return fmt.Sprintf("<BufferObject handle=%d, size=%s, offset=0x%x, kind=%s>",
		bo.handle, humanize.IBytes(bo.size), bo.offset, bo.config.MemType)
}
