// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// Kind is the memory kind of a buffer: an opaque tag describing its layout (linear or swizzled/tiled),
// used by the GPU to address it.
type Kind uint32

const (
	// KindPitch is the linear (pitch) layout, the default for newly created buffers.
	KindPitch Kind = 0x00

	// KindGeneric16BX2 is the generic block-linear layout used for buffers imported by name.
	KindGeneric16BX2 Kind = 0xfe

	// KindInvalid is not a valid memory kind.
	KindInvalid Kind = 0xff
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPitch:
		return "Pitch"
	case KindGeneric16BX2:
		return "Generic_16BX2"
	case KindInvalid:
		return "Invalid"
	}
	return fmt.Sprintf("Kind(0x%02x)", uint32(k))
}
