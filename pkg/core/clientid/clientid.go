// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package clientid

import (
	"github.com/pkg/errors"
)

// ErrNotAllocated is returned when releasing an identifier that is not currently allocated.
var ErrNotAllocated = errors.New("client id not allocated")

// Allocator hands out the smallest free client identifier of a device.
//
// Identifiers are bits of a Bitmap of 32-bit words: id = word*32 + bit.
// The bitmap grows by exactly one word when full and never shrinks.
//
// Allocator is not safe for concurrent use: the owner (the device) serializes all calls under its lock,
// so the scan-then-set sequence of Allocate is atomic with respect to Release.
type Allocator struct {
	bitmap Bitmap[uint32]
}

// Allocate returns the lowest free identifier and marks it as used.
func (a *Allocator) Allocate() int {
	id, found := a.bitmap.FirstFree()
	if !found {
		id = a.bitmap.Grow() * a.bitmap.WordBits()
	}
	a.bitmap.Set(id)
	return id
}

// Release frees the identifier, so it can be reused.
// It returns ErrNotAllocated (and changes nothing) if id is not currently allocated.
func (a *Allocator) Release(id int) error {
	if !a.bitmap.IsSet(id) {
		return errors.Wrapf(ErrNotAllocated, "releasing client id %d", id)
	}
	a.bitmap.Unset(id)
	return nil
}

// InUse returns whether id is currently allocated.
func (a *Allocator) InUse(id int) bool { return a.bitmap.IsSet(id) }

// Len returns the number of identifiers currently allocated.
func (a *Allocator) Len() int { return a.bitmap.Len() }

// Words returns the number of 32-bit words in the bitmap.
func (a *Allocator) Words() int { return a.bitmap.Words() }

// Reset drops all allocations and the bitmap storage.
func (a *Allocator) Reset() { a.bitmap.Reset() }
