// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenFileSync opens a volume file such that writes are not reported as
// complete until the data and metadata are persisted. If direct is set, the
// file is also marked F_NOCACHE.
//
// Note that the request for no caching will only be honored if the file has
// not already entered the cache at the time of the call.
func OpenFileSync(name string, flag int, perm os.FileMode, direct bool) (file *os.File, err error) {
	file, err = os.OpenFile(name, flag|unix.O_SYNC, perm)
	if (nil != err) || !direct {
		return
	}

	_, err = unix.FcntlInt(file.Fd(), unix.F_NOCACHE, 1)
	if nil != err {
		err = fmt.Errorf("fcntl(,F_NOCACHE,1) failed: %v", err)
		_ = file.Close()
		file = nil
	}

	return
}
