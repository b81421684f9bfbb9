// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"golang.org/x/sys/unix"
)

// MemSize returns the total RAM of the host in bytes.
func MemSize() (memSize uint64) {
	var sysinfo unix.Sysinfo_t

	err := unix.Sysinfo(&sysinfo)
	if nil != err {
		panic(err)
	}

	memSize = uint64(sysinfo.Totalram) * uint64(sysinfo.Unit)

	return
}
