// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Backend interface that returns a "not implemented"
// error to all services.
//
// This can help bootstrap any backend implementation, and it is embedded by mock backends to fill
// in the services they don't care about.
package notimplemented

import (
	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to with with errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// Backend is a dummy backend that can be embedded to create mock backends.
type Backend struct{}

var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (b *Backend) String() string {
	return b.Name()
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return "Not Implemented Backend (mock backend for testing)"
}

// NewContext returns NotImplementedError.
func (b *Backend) NewContext() (backends.Context, error) {
	return nil, errors.Wrapf(NotImplementedError, "in NewContext()")
}

// TotalPhysicalMemory returns NotImplementedError.
func (b *Backend) TotalPhysicalMemory() (uint64, error) {
	return 0, errors.Wrapf(NotImplementedError, "in TotalPhysicalMemory()")
}

// Finalize does nothing for this dummy backend.
func (b *Backend) Finalize() {
	// No-op for dummy backend
}

// Context implements backends.Context with an AddressSpace that refuses every allocation.
//
// It can be embedded by mock contexts that only override some of the methods.
type Context struct{}

var _ backends.Context = Context{}

// AddressSpace returns an AddressSpace whose methods all return NotImplementedError.
func (c Context) AddressSpace() backends.AddressSpace {
	return AddressSpace{}
}

// Init3D returns NotImplementedError.
func (c Context) Init3D() error {
	return errors.Wrapf(NotImplementedError, "in Init3D()")
}

// Close is a no-op.
func (c Context) Close() {}

// AddressSpace implements backends.AddressSpace and returns NotImplementedError for every allocation.
type AddressSpace struct{}

var _ backends.AddressSpace = AddressSpace{}

// CreateBuffer returns NotImplementedError.
func (a AddressSpace) CreateBuffer(size uint64, align uint32, kind backends.Kind) (backends.Buffer, error) {
	return nil, errors.Wrapf(NotImplementedError, "in CreateBuffer(size=%d, align=%d, kind=%s)", size, align, kind)
}

// MapNamed returns NotImplementedError.
func (a AddressSpace) MapNamed(name uint32, kind backends.Kind) (uint64, error) {
	return 0, errors.Wrapf(NotImplementedError, "in MapNamed(name=%d, kind=%s)", name, kind)
}
