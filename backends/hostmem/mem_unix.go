// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

//go:build unix

package hostmem

import (
	"golang.org/x/sys/unix"
)

// mapMemory maps anonymous read-write memory with at least size bytes, rounded up to the page size.
func mapMemory(size uint64) ([]byte, error) {
	length := alignUp(size, uint64(unix.Getpagesize()))
	return unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapMemory(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
