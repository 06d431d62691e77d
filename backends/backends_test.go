// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedBackend struct {
	name, config string
}

func (b *namedBackend) Name() string                         { return b.name }
func (b *namedBackend) Description() string                  { return "test backend " + b.name }
func (b *namedBackend) NewContext() (Context, error)         { return nil, ErrNotImplemented }
func (b *namedBackend) TotalPhysicalMemory() (uint64, error) { return 0, ErrNotImplemented }
func (b *namedBackend) Finalize()                            {}

// resetRegistry clears the registered constructors for the duration of the test.
func resetRegistry(t *testing.T) {
	muRegistry.Lock()
	saved, savedFirst := registeredConstructors, firstRegistered
	registeredConstructors, firstRegistered = make(map[string]Constructor), ""
	muRegistry.Unlock()
	t.Cleanup(func() {
		muRegistry.Lock()
		registeredConstructors, firstRegistered = saved, savedFirst
		muRegistry.Unlock()
	})
}

func registerNamed(name string) {
	Register(name, func(config string) (Backend, error) {
		if config == "fail" {
			return nil, errors.New("bad config")
		}
		return &namedBackend{name: name, config: config}, nil
	})
}

func TestRegistry(t *testing.T) {
	resetRegistry(t)
	_, err := NewWithConfig("")
	require.Error(t, err)

	registerNamed("b")
	registerNamed("a")
	assert.Equal(t, []string{"a", "b"}, List())

	// Empty config: first registered.
	b, err := NewWithConfig("")
	require.NoError(t, err)
	assert.Equal(t, "b", b.Name())

	b, err = NewWithConfig("a:va=123")
	require.NoError(t, err)
	assert.Equal(t, "a", b.Name())
	assert.Equal(t, "va=123", b.(*namedBackend).config)

	b, err = NewWithConfig("a")
	require.NoError(t, err)
	assert.Equal(t, "a", b.Name())

	_, err = NewWithConfig("c:")
	require.Error(t, err)
	_, err = NewWithConfig("a:fail")
	require.ErrorContains(t, err, "bad config")
}

func TestNewFromEnv(t *testing.T) {
	resetRegistry(t)
	registerNamed("first")
	registerNamed("second")

	t.Setenv(NVDRM_BACKEND, "second:x")
	b, err := New()
	require.NoError(t, err)
	assert.Equal(t, "second", b.Name())
	assert.Equal(t, "x", b.(*namedBackend).config)
	assert.NotPanics(t, func() { _ = MustNew() })

	t.Setenv(NVDRM_BACKEND, "missing")
	assert.Panics(t, func() { _ = MustNew() })
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Pitch", KindPitch.String())
	assert.Equal(t, "Generic_16BX2", KindGeneric16BX2.String())
	assert.Equal(t, "Kind(0x10)", Kind(0x10).String())
}
