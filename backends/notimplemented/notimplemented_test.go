// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package notimplemented

import (
	"testing"

	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEverythingNotImplemented(t *testing.T) {
	b := &Backend{}
	_, err := b.NewContext()
	require.True(t, errors.Is(err, backends.ErrNotImplemented))
	_, err = b.TotalPhysicalMemory()
	require.True(t, errors.Is(err, backends.ErrNotImplemented))

	ctx := Context{}
	require.True(t, errors.Is(ctx.Init3D(), backends.ErrNotImplemented))
	_, err = ctx.AddressSpace().CreateBuffer(4096, 4096, backends.KindPitch)
	require.ErrorIs(t, err, backends.ErrNotImplemented)
	_, err = ctx.AddressSpace().MapNamed(7, backends.KindGeneric16BX2)
	require.ErrorIs(t, err, backends.ErrNotImplemented)
	require.NotPanics(t, func() { ctx.Close(); b.Finalize() })
}
