// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package hostmem

import (
	"runtime"

	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
)

func totalPhysicalMemory() (uint64, error) {
	return 0, errors.Wrapf(backends.ErrNotImplemented, "total physical memory query on %s", runtime.GOOS)
}
