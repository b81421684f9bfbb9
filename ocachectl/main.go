// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program ocachectl operates directly on an ocache volume that no daemon has open.
package main

import (
	"os"

	"github.com/NVIDIA/ocache/ocachectl/cmd"
)

func main() {
	if nil != cmd.Execute() {
		os.Exit(1)
	}
}
