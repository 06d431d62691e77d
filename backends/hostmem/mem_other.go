// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

//go:build !unix

package hostmem

import "os"

// mapMemory allocates Go memory with at least size bytes, rounded up to the page size.
func mapMemory(size uint64) ([]byte, error) {
	return make([]byte, alignUp(size, uint64(os.Getpagesize()))), nil
}

func unmapMemory([]byte) error { return nil }
