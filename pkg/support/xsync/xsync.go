// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

// SyncMap is a wrapper to sync.Map that casts the key and value types accordingly, and keeps
// track of the number of entries.
//
// As sync.Map, it can be created ready to go, but should not be copied once it is used.
type SyncMap[K comparable, V any] struct {
	m   sync.Map
	len atomic.Int64
}

// Load returns the value stored in the map for a key, or the zero value if no value is present.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	if !loaded {
		m.len.Add(1)
	}
	return v.(V), loaded
}

// LoadAndDelete deletes the value for a key, returning the previous value if any.
// The loaded result reports whether the key was present.
func (m *SyncMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	v, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		return value, false
	}
	m.len.Add(-1)
	return v.(V), true
}

// Len returns the number of entries in the map.
//
// With concurrent mutations it is only a snapshot, but it is never negative.
func (m *SyncMap[K, V]) Len() int {
	return int(max(m.len.Load(), 0))
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// SortedValues returns a snapshot of the values in the map, ordered by the given key.
func SortedValues[K comparable, V any, O cmp.Ordered](m *SyncMap[K, V], orderBy func(V) O) []V {
	snapshot := make(map[K]V, m.Len())
	m.Range(func(key K, value V) bool {
		snapshot[key] = value
		return true
	})
	values := maps.Values(snapshot)
	slices.SortFunc(values, func(a, b V) int { return cmp.Compare(orderBy(a), orderBy(b)) })
	return values
}
