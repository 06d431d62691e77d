// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package drm is the resource-lifetime core of the driver: it owns the creation, reference counting and
// destruction of the devices, their clients and the GPU-backed buffer objects.
//
// The services it consumes (GPU context, GPU address space and buffers, host memory size) are provided by
// a backends.Backend, see package github.com/nvdrm/nvdrm/backends.
//
// A typical session:
//
//	fd := drm.NewDRM(-1)
//	dev, err := drm.NewDevice(backend, fd.Client())
//	client, err := dev.NewClient()
//	bo, err := drm.NewBuffer(dev, drm.FlagVRAM|drm.FlagMap, 0, 1<<20, nil)
//	...
//	drm.Ref(nil, &bo)  // Releases the buffer object.
//	client.Close()
//	err = dev.Destroy()
//	err = fd.Close()
//
// Devices track everything created from them: destroying a device with live clients, buffer objects
// or child objects fails with ErrDeviceBusy.
package drm

import (
	"github.com/gomlx/exceptions"
	"github.com/nvdrm/nvdrm/pkg/core/object"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DRM is an open DRM handle: the file descriptor of the device node, and the root client object under
// which devices are created.
type DRM struct {
	fd     int
	client *object.Object
}

// NewDRM wraps the file descriptor fd, it can be -1 if the backend doesn't need it.
func NewDRM(fd int) *DRM {
	klog.V(2).Infof("drm.NewDRM(fd=%d)", fd)
	client, err := object.New(nil, object.ClassClient, 0, nil)
	if err != nil {
		exceptions.Panicf("drm.NewDRM(fd=%d): %+v", fd, err)
	}
	return &DRM{fd: fd, client: client}
}

// FD returns the file descriptor given to NewDRM.
func (d *DRM) FD() int { return d.fd }

// Client returns the root object of the handle, to be used as parent of devices.
func (d *DRM) Client() *object.Object { return d.client }

// Close deletes the root object. It fails if devices created on it were not destroyed.
func (d *DRM) Close() error {
	klog.V(2).Infof("drm.DRM.Close(fd=%d)", d.fd)
	if err := d.client.Delete(); err != nil {
		return errors.WithMessagef(err, "closing DRM handle (fd=%d)", d.fd)
	}
	return nil
}
