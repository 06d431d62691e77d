// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/nvdrm/nvdrm/pkg/core/clientid"
	"github.com/nvdrm/nvdrm/pkg/core/object"
	"github.com/nvdrm/nvdrm/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Chipset reported by devices: GM200.
const Chipset = 0x120

// Device represents one GPU adapter context.
//
// It owns the GPU context created by the backend, the bitmap of client identifiers (protected by the
// device lock), and the registry of live buffer objects.
// A Device is safe for concurrent use.
type Device struct {
	tag     string
	backend backends.Backend
	gpu     backends.Context
	object  *object.Object

	vramSize, vramLimit uint64
	vramLimitPercent    int
	vramUsed            atomic.Int64

	// mu protects clients and destroyed.
	mu        sync.Mutex
	clients   clientid.Allocator
	destroyed bool

	buffers xsync.SyncMap[*BufferObject, *BufferObject]
}

// NewDevice creates a device on the given backend, as a child of parent (usually DRM.Client).
// The VRAM budget percentage is taken from the environment variable VRAMLimitPercentEnv.
//
// See NewDeviceWithConfig.
func NewDevice(backend backends.Backend, parent *object.Object) (*Device, error) {
	return NewDeviceWithConfig(backend, parent, DeviceConfig{})
}

// MustNewDevice creates a device like NewDevice, and panics if it fails.
func MustNewDevice(backend backends.Backend, parent *object.Object) *Device {
	d, err := NewDevice(backend, parent)
	if err != nil {
		exceptions.Panicf("drm.MustNewDevice(backend=%s): %+v", backend.Name(), err)
	}
	return d
}

// NewDeviceWithConfig creates a device on the given backend, as a child of parent.
//
// It creates the GPU context (ErrHardwareInit on failure) and queries the total physical memory of
// the host (ErrConfigQuery on failure). The VRAM budget is that total times the configured percentage,
// see VRAMBudget.
func NewDeviceWithConfig(backend backends.Backend, parent *object.Object, config DeviceConfig) (*Device, error) {
	klog.V(2).Infof("drm.NewDevice(backend=%s)", backend.Name())
	gpu, err := backend.NewContext()
	if err != nil {
		klog.Errorf("Failed to create GPU context on backend %s: %v", backend.Name(), err)
		return nil, errors.Wrapf(ErrHardwareInit, "creating GPU context on backend %s: %v", backend.Name(), err)
	}
	total, err := backend.TotalPhysicalMemory()
	if err != nil {
		gpu.Close()
		return nil, errors.Wrapf(ErrConfigQuery, "querying physical memory size on backend %s: %v", backend.Name(), err)
	}
	d := &Device{
		tag:              fmt.Sprintf("<Device id=%s>", uuid.NewString()),
		backend:          backend,
		gpu:              gpu,
		vramSize:         total,
		vramLimitPercent: config.vramLimitPercent(),
	}
	d.vramLimit = VRAMBudget(d.vramSize, d.vramLimitPercent)
	d.object, err = object.New(parent, object.ClassDevice, ^uint64(0), &object.DeviceInfo{
		Chipset:   Chipset,
		VRAMSize:  d.vramSize,
		VRAMLimit: d.vramLimit,
	})
	if err != nil {
		gpu.Close()
		return nil, errors.WithMessagef(err, "creating device object")
	}
	klog.V(1).Infof("%s created: %s", d.tag, d)
	return d, nil
}

// Destroy releases the GPU context and the client identifiers storage of the device.
//
// It fails with ErrDeviceBusy, and changes nothing, while clients, buffer objects or child objects (channels)
// created from the device are still alive. Destroying a device twice is a no-op.
func (d *Device) Destroy() error {
	klog.V(2).Infof("drm.Device.Destroy(%s)", d.tag)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil
	}
	numClients, numBuffers := d.clients.Len(), d.buffers.Len()
	numChildren := len(d.object.Children())
	if numClients > 0 || numBuffers > 0 || numChildren > 0 {
		return errors.Wrapf(ErrDeviceBusy, "destroying %s with %d client(s), %d buffer object(s) and %d child object(s) alive",
			d.tag, numClients, numBuffers, numChildren)
	}
	if err := d.object.Delete(); err != nil {
		return errors.WithMessagef(err, "destroying %s", d.tag)
	}
	d.gpu.Close()
	d.clients.Reset()
	d.destroyed = true
	return nil
}

// IsDestroyed returns whether Destroy succeeded.
func (d *Device) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// checkAlive returns ErrDeviceDestroyed if the device was destroyed.
func (d *Device) checkAlive(op string) error {
	if d.IsDestroyed() {
		return errors.Wrapf(ErrDeviceDestroyed, "%s on %s", op, d.tag)
	}
	return nil
}

// Init3D initializes the 3D engine state of the device's GPU context.
func (d *Device) Init3D() error {
	klog.V(2).Infof("drm.Device.Init3D(%s)", d.tag)
	if err := d.checkAlive("Init3D"); err != nil {
		return err
	}
	if err := d.gpu.Init3D(); err != nil {
		klog.Errorf("Failed to init 3d context of %s: %v", d.tag, err)
		return errors.Wrapf(ErrHardwareInit, "initializing 3D context of %s: %v", d.tag, err)
	}
	return nil
}

// Param identifies a device parameter for GetParam.
type Param uint64

const (
	ParamPCIVendor   Param = 3
	ParamPCIDevice   Param = 4
	ParamBusType     Param = 5
	ParamFBSize      Param = 8
	ParamChipsetID   Param = 11
	ParamGraphUnits  Param = 13
	ParamPTimerTime  Param = 14
	ParamHasBOUsage  Param = 15
	ParamHasPageFlip Param = 16
)

// GetParam queries a device parameter, such as the GPU timer.
// Parameter queries are not supported (see Capabilities.ParamQuery): it always returns ErrNotImplemented.
func (d *Device) GetParam(param Param) (uint64, error) {
	klog.V(2).Infof("drm.Device.GetParam(%s, %d)", d.tag, param)
	return 0, errors.Wrapf(ErrNotImplemented, "GetParam(%d) on %s", param, d.tag)
}

// Capabilities lists optional functionality of the driver. Operations covered by a false capability
// are no-ops (Wait, Map, Unmap) or return ErrNotImplemented.
type Capabilities struct {
	// FenceWait: BufferObject.Wait and BufferObject.Map wait for outstanding GPU work.
	FenceWait bool

	// PrimeHandles: buffers can be exported/imported as cross-process descriptors.
	PrimeHandles bool

	// BufferNames: BufferObject.Name returns a global name for the buffer.
	BufferNames bool

	// ParamQuery: Device.GetParam answers parameter queries.
	ParamQuery bool

	// ClassNegotiation: object.ResolveClass picks a supported class.
	ClassNegotiation bool
}

// Capabilities returns what the driver supports on this device.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{}
}

// Object returns the device node in the object tree, to be used as the parent of channels.
func (d *Device) Object() *object.Object { return d.object }

// Backend returns the backend the device was created on.
func (d *Device) Backend() backends.Backend { return d.backend }

// Chipset returns the chipset identifier of the device.
func (d *Device) Chipset() uint32 { return Chipset }

// VRAMSize returns the total addressable memory, in bytes.
func (d *Device) VRAMSize() uint64 { return d.vramSize }

// VRAMLimit returns the memory budget of the device, in bytes.
func (d *Device) VRAMLimit() uint64 { return d.vramLimit }

// VRAMLimitPercent returns the percentage of VRAMSize used as budget.
func (d *Device) VRAMLimitPercent() int { return d.vramLimitPercent }

// VRAMUsed returns the number of bytes held by live buffer objects allocated on the device.
// Imported buffers are not counted.
func (d *Device) VRAMUsed() uint64 { return uint64(max(d.vramUsed.Load(), 0)) }

// NumClients returns the number of live clients.
func (d *Device) NumClients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients.Len()
}

// Buffers returns a snapshot of the live buffer objects of the device, ordered by GPU address.
func (d *Device) Buffers() []*BufferObject {
	return xsync.SortedValues(&d.buffers, func(bo *BufferObject) uint64 { return bo.offset })
}

// track registers a new buffer object, it fails if the device was destroyed.
func (d *Device) track(bo *BufferObject) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return errors.Wrapf(ErrDeviceDestroyed, "creating buffer object on %s", d.tag)
	}
	d.buffers.LoadOrStore(bo, bo)
	if bo.buffer != nil {
		d.vramUsed.Add(int64(bo.size))
	}
	return nil
}

// untrack removes a destroyed buffer object from the registry.
func (d *Device) untrack(bo *BufferObject) {
	if _, found := d.buffers.LoadAndDelete(bo); found && bo.buffer != nil {
		d.vramUsed.Add(-int64(bo.size))
	}
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s chipset=0x%x, vram=%s, budget=%s (%d%%), used=%s", d.tag, Chipset,
		humanize.Bytes(d.vramSize), humanize.Bytes(d.vramLimit), d.vramLimitPercent, humanize.Bytes(d.VRAMUsed()))
}
