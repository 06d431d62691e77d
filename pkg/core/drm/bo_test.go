// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/nvdrm/nvdrm/backends/backendtest"
	"github.com/nvdrm/nvdrm/backends/hostmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backingOf(t *testing.T, bo *BufferObject) *backendtest.Buffer {
	buf, ok := bo.Backing().(*backendtest.Buffer)
	require.True(t, ok)
	return buf
}

func TestNewBuffer(t *testing.T) {
	_, dev := newDevice(t, 1000)
	bo, err := NewBuffer(dev, FlagVRAM|FlagMap, 0, 4096, nil)
	require.NoError(t, err)
	buf := backingOf(t, bo)

	assert.Equal(t, uint32(DefaultAlignment), buf.Align)
	assert.Equal(t, backends.KindPitch, buf.Kind)
	assert.Equal(t, backends.KindPitch, buf.TextureKind)
	assert.Same(t, dev, bo.Device())
	assert.Equal(t, buf.Handle(), bo.Handle())
	assert.Equal(t, uint64(4096), bo.Size())
	assert.Equal(t, FlagVRAM|FlagMap, bo.Flags())
	assert.Equal(t, buf.GPUAddressTexture(), bo.Offset())
	assert.Equal(t, buf.GPUAddress(), bo.MapHandle())
	assert.NotEqual(t, bo.MapHandle(), bo.Offset())
	assert.Equal(t, Config{}, bo.Config())
	assert.Equal(t, int64(1), bo.RefCount())

	// Zero-filled, flushed and then made uncached.
	require.Len(t, bo.Bytes(), 4096)
	for ii, v := range bo.Bytes() {
		require.Zerof(t, v, "byte %d not zeroed", ii)
	}
	assert.Equal(t, 1, buf.Flushes())
	assert.True(t, buf.ZeroWhenFlushed())
	assert.True(t, buf.IsCPUUncached())

	assert.Equal(t, uint64(4096), dev.VRAMUsed())
	assert.Equal(t, []*BufferObject{bo}, dev.Buffers())
	require.ErrorIs(t, dev.Destroy(), ErrDeviceBusy)

	// Retain / Release.
	bo.Retain()
	assert.Equal(t, int64(2), bo.RefCount())
	bo.Release()
	assert.Equal(t, int64(1), bo.RefCount())
	assert.Zero(t, buf.Frees())
	bo.Release()
	assert.Equal(t, 1, buf.Frees())
	assert.True(t, bo.IsDestroyed())
	assert.Nil(t, bo.Bytes())
	assert.Zero(t, dev.VRAMUsed())
	assert.Empty(t, dev.Buffers())

	// Destroyed buffer objects can't be revived nor released again.
	assert.Panics(t, func() { bo.Retain() })
	assert.Panics(t, func() { bo.Release() })
	assert.Equal(t, 1, buf.Frees())

	require.NoError(t, dev.Destroy())
}

func TestNewBufferConfig(t *testing.T) {
	_, dev := newDevice(t, 1000)
	config := &Config{MemType: 0x70, TileMode: 0x10}
	bo := MustNewBuffer(dev, FlagGART, 256, 100, config)
	config.TileMode = 0x20
	assert.Equal(t, Config{MemType: 0x70, TileMode: 0x10}, bo.Config())

	buf := backingOf(t, bo)
	assert.Equal(t, uint32(256), buf.Align)
	assert.Equal(t, backends.Kind(0x70), buf.Kind)
	assert.Equal(t, backends.Kind(0x70), buf.TextureKind)
	assert.Zero(t, bo.Offset()%256)
	assert.Contains(t, bo.String(), "Kind(0x70)")

	Ref(nil, &bo)
	assert.Nil(t, bo)
	assert.Equal(t, 1, buf.Frees())
	require.NoError(t, dev.Destroy())
}

func TestNewBufferFailures(t *testing.T) {
	backend, dev := newDevice(t, 1000)
	space := backend.Contexts()[0].Space()

	backend.Fail(backendtest.Failures{CreateBuffer: true})
	_, err := NewBuffer(dev, FlagVRAM, 0, 4096, nil)
	require.ErrorIs(t, err, ErrBackingAllocation)
	assert.Empty(t, space.Buffers())
	assert.Panics(t, func() { MustNewBuffer(dev, FlagVRAM, 0, 4096, nil) })

	backend.Fail(backendtest.Failures{OutOfMemory: true})
	_, err = NewBuffer(dev, FlagVRAM, 0, 4096, nil)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.NotErrorIs(t, err, ErrBackingAllocation)

	// The backing memory is freed if the texture mapping fails.
	backend.Fail(backendtest.Failures{MapAsTexture: true})
	_, err = NewBuffer(dev, FlagVRAM, 0, 4096, nil)
	require.ErrorIs(t, err, ErrMapping)
	require.ErrorIs(t, err, backendtest.ErrInjected)
	assert.NotErrorIs(t, err, ErrOutOfMemory)
	buffers := space.Buffers()
	require.Len(t, buffers, 1)
	assert.Equal(t, 1, buffers[0].Frees())

	assert.Empty(t, dev.Buffers())
	assert.Zero(t, dev.VRAMUsed())
	require.NoError(t, dev.Destroy())
}

func TestNewBufferTextureAddressSpaceExhausted(t *testing.T) {
	// Room for the main mapping of one 4KiB buffer, but not for its texture mapping.
	backend := must.M1(hostmem.New("va=4KiB"))
	defer backend.Finalize()
	fd := NewDRM(-1)
	dev := must.M1(NewDeviceWithConfig(backend, fd.Client(), DeviceConfig{VRAMLimitPercent: "80"}))

	_, err := NewBuffer(dev, FlagVRAM, 0, 4096, nil)
	require.ErrorIs(t, err, ErrMapping)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.NotErrorIs(t, err, ErrBackingAllocation)
	assert.Empty(t, dev.Buffers())
	assert.Zero(t, dev.VRAMUsed())

	require.NoError(t, dev.Destroy())
	require.NoError(t, fd.Close())
}

func TestNewBufferOnDestroyedDevice(t *testing.T) {
	backend, dev := newDevice(t, 1000)
	backend.OnCreateBuffer = func(*backendtest.Buffer) {
		require.NoError(t, dev.Destroy())
	}
	_, err := NewBuffer(dev, FlagVRAM, 0, 4096, nil)
	require.ErrorIs(t, err, ErrDeviceDestroyed)
	buffers := backend.Contexts()[0].Space().Buffers()
	require.Len(t, buffers, 1)
	assert.Equal(t, 1, buffers[0].Frees())
	assert.Empty(t, dev.Buffers())
	assert.Zero(t, dev.VRAMUsed())
}

func TestRef(t *testing.T) {
	_, dev := newDevice(t, 1<<20)
	a := MustNewBuffer(dev, FlagVRAM, 0, 64, nil)
	b := MustNewBuffer(dev, FlagVRAM, 0, 64, nil)
	bufA, bufB := backingOf(t, a), backingOf(t, b)

	var slot *BufferObject
	Ref(a, &slot)
	assert.Same(t, a, slot)
	assert.Equal(t, int64(2), a.RefCount())

	// Replacing a buffer object by itself keeps it alive.
	Ref(a, &slot)
	assert.Equal(t, int64(2), a.RefCount())
	assert.False(t, a.IsDestroyed())

	Ref(b, &slot)
	assert.Same(t, b, slot)
	assert.Equal(t, int64(1), a.RefCount())
	assert.Equal(t, int64(2), b.RefCount())

	Ref(nil, &a)
	assert.Nil(t, a)
	assert.Equal(t, 1, bufA.Frees())
	assert.Len(t, dev.Buffers(), 1)

	Ref(nil, &b)
	assert.Zero(t, bufB.Frees())
	Ref(nil, &slot)
	assert.Nil(t, slot)
	assert.Equal(t, 1, bufB.Frees())
	assert.Empty(t, dev.Buffers())

	// Ref of nil on an empty slot is a no-op.
	Ref(nil, &slot)
	require.NoError(t, dev.Destroy())
}

func TestBuffersSortedByOffset(t *testing.T) {
	_, dev := newDevice(t, 1<<20)
	var bos []*BufferObject
	for range 5 {
		bos = append(bos, MustNewBuffer(dev, FlagVRAM, 0, 128, nil))
	}
	assert.Equal(t, bos, dev.Buffers())
	assert.Equal(t, uint64(5*128), dev.VRAMUsed())
	for _, bo := range bos {
		bo.Release()
	}
	require.NoError(t, dev.Destroy())
}

func TestConcurrentRetainRelease(t *testing.T) {
	_, dev := newDevice(t, 1<<20)
	bo := MustNewBuffer(dev, FlagVRAM, 0, 4096, nil)
	buf := backingOf(t, bo)

	const numWorkers, numRepeats = 32, 1000
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range numRepeats {
				bo.Retain()
				bo.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), bo.RefCount())
	assert.Zero(t, buf.Frees())

	// Concurrent releases of many references destroy it exactly once.
	for range numWorkers {
		bo.Retain()
	}
	for range numWorkers + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bo.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, buf.Frees())
	assert.True(t, bo.IsDestroyed())
	require.NoError(t, dev.Destroy())
}

func TestImportNamed(t *testing.T) {
	backend, dev := newDevice(t, 1000)
	bo, err := ImportNamed(dev, 42)
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, backend.Contexts()[0].Space().Named())
	assert.Equal(t, uint32(42), bo.Handle())
	assert.Equal(t, Config{MemType: backends.KindGeneric16BX2, TileMode: 0x040}, bo.Config())
	assert.NotZero(t, bo.Offset())
	assert.Zero(t, bo.Offset()%(1<<16))
	assert.Nil(t, bo.Bytes())
	assert.Nil(t, bo.Backing())
	assert.Equal(t, int64(1), bo.RefCount())
	assert.Zero(t, dev.VRAMUsed())
	assert.Len(t, dev.Buffers(), 1)

	bo.Release()
	assert.True(t, bo.IsDestroyed())
	assert.Empty(t, dev.Buffers())

	backend.Fail(backendtest.Failures{MapNamed: true})
	_, err = ImportNamed(dev, 43)
	require.ErrorIs(t, err, ErrMapping)
	require.NoError(t, dev.Destroy())
}

func TestBufferStubs(t *testing.T) {
	_, dev := newDevice(t, 1000)
	client := must.M1(dev.NewClient())
	bo := MustNewBuffer(dev, FlagVRAM, 0, 64, nil)

	require.NoError(t, bo.Wait(FlagRDWR, client))
	require.NoError(t, bo.Map(FlagRD|FlagNOBLOCK, client))
	bo.Unmap()
	assert.Len(t, bo.Bytes(), 64)

	_, err := bo.SetPrime()
	require.ErrorIs(t, err, ErrNotImplemented)
	_, err = bo.Name()
	require.ErrorIs(t, err, ErrNotImplemented)
	_, err = NewFromPrime(dev, 3)
	require.ErrorIs(t, err, ErrNotImplemented)
	_, err = Wrap(dev, 1)
	require.ErrorIs(t, err, ErrNotImplemented)

	bo.Release()
	client.Close()
	require.NoError(t, dev.Destroy())
}

func TestHostMemSharing(t *testing.T) {
	backend := must.M1(hostmem.New("va=1GiB"))
	defer backend.Finalize()
	fd := NewDRM(-1)
	config := DeviceConfig{VRAMLimitPercent: "50"}
	dev0 := must.M1(NewDeviceWithConfig(backend, fd.Client(), config))
	dev1 := must.M1(NewDeviceWithConfig(backend, fd.Client(), config))
	total := must.M1(backend.TotalPhysicalMemory())
	assert.Equal(t, VRAMBudget(total, 50), dev0.VRAMLimit())

	bo := must.M1(NewBuffer(dev0, FlagVRAM|FlagMap, 0, 1<<16, nil))
	require.Len(t, bo.Bytes(), 1<<16)
	bo.Bytes()[0] = 7
	name := must.M1(hostmem.Export(bo.Backing()))

	imported, err := ImportNamed(dev1, name)
	require.NoError(t, err)
	assert.Equal(t, name, imported.Handle())
	assert.Zero(t, dev1.VRAMUsed())
	assert.Equal(t, uint64(1<<16), dev0.VRAMUsed())

	_, err = ImportNamed(dev1, name+1000)
	require.ErrorIs(t, err, ErrMapping)

	imported.Release()
	bo.Release()
	_, err = hostmem.Export(bo.Backing())
	require.Error(t, err)

	require.NoError(t, dev0.Destroy())
	require.NoError(t, dev1.Destroy())
	require.NoError(t, fd.Close())
}
