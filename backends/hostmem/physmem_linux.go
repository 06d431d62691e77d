// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package hostmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func totalPhysicalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, errors.Wrap(err, "sysinfo")
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Totalram) * unit, nil
}
