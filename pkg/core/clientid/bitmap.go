// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package clientid implements the allocation of client identifiers of a device, backed by a growable bitmap.
package clientid

import (
	"math/bits"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Bitmap is a growable bitmap: an ordered sequence of words of type T, each bit a slot.
//
// Bit i lives in word i/W, at bit position i%W, where W is the number of bits in T.
// The zero value is an empty bitmap, ready to use. Bitmap is not safe for concurrent use.
type Bitmap[T constraints.Unsigned] struct {
	words []T
	set   int
}

// WordBits returns the number of bits per word.
func (m *Bitmap[T]) WordBits() int { return int(unsafe.Sizeof(T(0))) * 8 }

// Words returns the number of words in the bitmap.
func (m *Bitmap[T]) Words() int { return len(m.words) }

// Cap returns the number of slots in the bitmap.
func (m *Bitmap[T]) Cap() int { return len(m.words) * m.WordBits() }

// Len returns the number of bits set.
func (m *Bitmap[T]) Len() int { return m.set }

// Grow appends one zero word to the bitmap and returns its index.
func (m *Bitmap[T]) Grow() int {
	m.words = append(m.words, 0)
	return len(m.words) - 1
}

// IsSet returns whether bit i is set. Bits beyond Cap are not set.
func (m *Bitmap[T]) IsSet(i int) bool {
	if i < 0 || i >= m.Cap() {
		return false
	}
	n := m.WordBits()
	return m.words[i/n]&(T(1)<<(i%n)) != 0
}

// Set sets bit i. It panics if i is out of range.
func (m *Bitmap[T]) Set(i int) {
	n := m.WordBits()
	mask := T(1) << (i % n)
	if m.words[i/n]&mask == 0 {
		m.words[i/n] |= mask
		m.set++
	}
}

// Unset clears bit i. It panics if i is out of range.
func (m *Bitmap[T]) Unset(i int) {
	n := m.WordBits()
	mask := T(1) << (i % n)
	if m.words[i/n]&mask != 0 {
		m.words[i/n] &^= mask
		m.set--
	}
}

// FirstFree returns the index of the lowest unset bit, scanning words in order.
// It returns false if every bit is set (including when the bitmap is empty).
func (m *Bitmap[T]) FirstFree() (int, bool) {
	n := m.WordBits()
	for w, word := range m.words {
		if free := ^word; free != 0 {
			return w*n + bits.TrailingZeros64(uint64(free)), true
		}
	}
	return 0, false
}

// Reset drops the bitmap storage.
func (m *Bitmap[T]) Reset() {
	m.words = nil
	m.set = 0
}
