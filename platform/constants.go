// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package platform isolates the OS specific pieces of volume access.
package platform

import (
	"unsafe"
)

const (
	// DirectIOAlignment is the buffer address, offset, and length alignment
	// required by files opened with direct (cache bypassing) I/O.
	DirectIOAlignment = 4096
)

// AlignedBuffer returns a zeroed []byte of length size whose backing array
// starts on a DirectIOAlignment boundary.
func AlignedBuffer(size int) (buf []byte) {
	raw := make([]byte, size+DirectIOAlignment)
	shift := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & (DirectIOAlignment - 1)); 0 != rem {
		shift = DirectIOAlignment - rem
	}
	buf = raw[shift : shift+size : shift+size]
	return
}

// IsAligned reports whether buf starts on a DirectIOAlignment boundary.
func IsAligned(buf []byte) bool {
	if 0 == len(buf) {
		return true
	}
	return 0 == (uintptr(unsafe.Pointer(&buf[0])) & (DirectIOAlignment - 1))
}
