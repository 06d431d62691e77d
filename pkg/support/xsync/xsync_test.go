// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMap(t *testing.T) {
	var m SyncMap[int, string]
	require.Equal(t, 0, m.Len())

	v, loaded := m.LoadOrStore(3, "three")
	assert.False(t, loaded)
	assert.Equal(t, "three", v)
	v, loaded = m.LoadOrStore(3, "tres")
	assert.True(t, loaded)
	assert.Equal(t, "three", v)
	m.LoadOrStore(1, "one")
	require.Equal(t, 2, m.Len())

	v, ok := m.Load(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	_, ok = m.Load(2)
	assert.False(t, ok)

	assert.Equal(t, []string{"one", "three"}, SortedValues(&m, func(s string) string { return s }))

	v, loaded = m.LoadAndDelete(3)
	assert.True(t, loaded)
	assert.Equal(t, "three", v)
	_, loaded = m.LoadAndDelete(3)
	assert.False(t, loaded)
	require.Equal(t, 1, m.Len())
}

func TestSyncMapConcurrentLen(t *testing.T) {
	var m SyncMap[int, int]
	const numWorkers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key := w*perWorker + i
				m.LoadOrStore(key, key)
				if i%2 == 0 {
					m.LoadAndDelete(key)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, numWorkers*perWorker/2, m.Len())
}
