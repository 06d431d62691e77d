// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package clientid

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapWordBits(t *testing.T) {
	assert.Equal(t, 8, (&Bitmap[uint8]{}).WordBits())
	assert.Equal(t, 16, (&Bitmap[uint16]{}).WordBits())
	assert.Equal(t, 32, (&Bitmap[uint32]{}).WordBits())
	assert.Equal(t, 64, (&Bitmap[uint64]{}).WordBits())
}

func TestBitmap(t *testing.T) {
	var m Bitmap[uint8]
	assert.Equal(t, 0, m.Cap())
	_, found := m.FirstFree()
	assert.False(t, found)
	assert.False(t, m.IsSet(0))

	assert.Equal(t, 0, m.Grow())
	assert.Equal(t, 1, m.Grow())
	assert.Equal(t, 16, m.Cap())
	for i := range 8 {
		m.Set(i)
	}
	m.Set(3) // Setting twice counts once.
	assert.Equal(t, 8, m.Len())
	free, found := m.FirstFree()
	require.True(t, found)
	assert.Equal(t, 8, free)

	m.Unset(5)
	m.Unset(5)
	assert.Equal(t, 7, m.Len())
	free, _ = m.FirstFree()
	assert.Equal(t, 5, free)
	assert.False(t, m.IsSet(-1))
	assert.False(t, m.IsSet(16))
	assert.Panics(t, func() { m.Set(16) })

	m.Reset()
	assert.Equal(t, 0, m.Words())
	assert.Equal(t, 0, m.Len())
}

func TestAllocatorSequence(t *testing.T) {
	var a Allocator
	assert.Equal(t, 0, a.Allocate())
	assert.Equal(t, 1, a.Allocate())
	require.NoError(t, a.Release(0))
	assert.Equal(t, 0, a.Allocate(), "released id is reused")
	assert.Equal(t, 2, a.Allocate())
	assert.Equal(t, 1, a.Words())

	err := a.Release(7)
	require.True(t, errors.Is(err, ErrNotAllocated))
	assert.Equal(t, 3, a.Len())
}

func TestAllocatorGrowsOneWordAtATime(t *testing.T) {
	var a Allocator
	for want := range 32 {
		require.Equal(t, want, a.Allocate())
	}
	assert.Equal(t, 1, a.Words())
	assert.Equal(t, 32, a.Allocate())
	assert.Equal(t, 2, a.Words())

	// Releasing everything keeps the storage.
	for id := range 33 {
		require.NoError(t, a.Release(id))
	}
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 2, a.Words())

	// A hole in the second word is found after the first word fills up.
	for range 40 {
		a.Allocate()
	}
	require.NoError(t, a.Release(35))
	require.NoError(t, a.Release(33))
	assert.Equal(t, 33, a.Allocate())
	assert.Equal(t, 35, a.Allocate())
	assert.Equal(t, 40, a.Allocate())
}

// TestAllocatorModel checks random allocate/release sequences against a set of held ids.
func TestAllocatorModel(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	var a Allocator
	held := make(map[int]bool)
	for step := range 5000 {
		if len(held) == 0 || rng.IntN(3) > 0 {
			id := a.Allocate()
			require.False(t, held[id], "step %d: id %d issued twice", step, id)
			// It must be the smallest free id.
			for smaller := 0; smaller < id; smaller++ {
				require.True(t, held[smaller], "step %d: id %d issued while %d was free", step, id, smaller)
			}
			held[id] = true
		} else {
			var victim int
			k := rng.IntN(len(held))
			for id := range held {
				if k == 0 {
					victim = id
					break
				}
				k--
			}
			require.NoError(t, a.Release(victim))
			delete(held, victim)
		}
		require.Equal(t, len(held), a.Len())
	}
	for id := range held {
		require.True(t, a.InUse(id))
	}
}
