// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"testing"

	"github.com/nvdrm/nvdrm/pkg/core/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDRM(t *testing.T) {
	fd := NewDRM(7)
	assert.Equal(t, 7, fd.FD())
	root := fd.Client()
	assert.Nil(t, root.Parent())
	assert.Equal(t, object.ClassClient, root.Class())
	require.NoError(t, fd.Close())
	assert.True(t, root.IsDeleted())
	require.NoError(t, fd.Close())
}
