// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenFileSync opens a volume file such that writes are not reported as
// complete until the data and metadata are persisted. If direct is set, reads
// and writes also bypass the page cache (O_DIRECT), which requires buffers,
// offsets, and lengths aligned to DirectIOAlignment.
func OpenFileSync(name string, flag int, perm os.FileMode, direct bool) (file *os.File, err error) {
	modifiedFlag := flag | unix.O_SYNC
	if direct {
		modifiedFlag |= unix.O_DIRECT
	}

	file, err = os.OpenFile(name, modifiedFlag, perm)

	return
}
