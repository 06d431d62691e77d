// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
)

// Error kinds returned by the package. Returned errors wrap one of them with a stack and context,
// test for them with errors.Is.
var (
	// ErrOutOfMemory is returned when the backend runs out of host or device memory, or GPU address space.
	// It is the same as backends.ErrOutOfMemory.
	ErrOutOfMemory = backends.ErrOutOfMemory

	// ErrHardwareInit is returned when the GPU context can't be created, or its 3D state initialized.
	ErrHardwareInit = errors.New("GPU hardware initialization failed")

	// ErrConfigQuery is returned when the host platform can't report its physical memory size.
	ErrConfigQuery = errors.New("host configuration query failed")

	// ErrBackingAllocation is returned when the backend fails to allocate the memory of a buffer object.
	ErrBackingAllocation = errors.New("buffer backing allocation failed")

	// ErrMapping is returned when a buffer can't be mapped into the GPU address space.
	ErrMapping = errors.New("buffer mapping failed")

	// ErrDeviceBusy is returned when destroying a device that still has live clients, buffer objects or
	// child objects.
	ErrDeviceBusy = errors.New("device still in use")

	// ErrDeviceDestroyed is returned when using a device after it was destroyed.
	ErrDeviceDestroyed = errors.New("device already destroyed")

	// ErrNotImplemented is returned by capabilities the driver doesn't provide yet, see Capabilities.
	// It is the same as backends.ErrNotImplemented.
	ErrNotImplemented = backends.ErrNotImplemented
)
