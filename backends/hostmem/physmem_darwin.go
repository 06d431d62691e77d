// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin

package hostmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func totalPhysicalMemory() (uint64, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, errors.Wrap(err, "sysctl hw.memsize")
	}
	return total, nil
}
