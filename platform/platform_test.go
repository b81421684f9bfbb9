// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedBuffer(t *testing.T) {
	for _, size := range []int{1, 512, 4096, 65536 + 3} {
		buf := AlignedBuffer(size)
		assert.Equal(t, size, len(buf))
		assert.Equal(t, size, cap(buf))
		assert.True(t, IsAligned(buf))
	}
	assert.True(t, IsAligned(nil))
}

func TestOpenFileSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume")

	file, err := OpenFileSync(path, os.O_CREATE|os.O_RDWR, 0600, false)
	require.NoError(t, err)

	_, err = file.WriteAt([]byte("ocache"), 4096)
	assert.NoError(t, err)

	buf := make([]byte, 6)
	_, err = file.ReadAt(buf, 4096)
	assert.NoError(t, err)
	assert.Equal(t, "ocache", string(buf))

	assert.NoError(t, file.Close())
}

func TestMemSize(t *testing.T) {
	assert.NotEqual(t, uint64(0), MemSize())
}
