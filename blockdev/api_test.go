// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/halter"
	"github.com/NVIDIA/ocache/transitions"
)

func testSetup(t *testing.T) (confMap conf.ConfMap) {
	var err error

	confMap, err = conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
	})
	require.NoError(t, err)

	require.NoError(t, transitions.Up(confMap))

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, transitions.Down(confMap))
}

func testDevice(t *testing.T, device Device) {
	assert := assert.New(t)

	writeBuf := bytes.Repeat([]byte("ocache"), 1000)

	assert.NoError(device.WriteAt(writeBuf, 512))

	readBuf := make([]byte, len(writeBuf))
	assert.NoError(device.ReadAt(readBuf, 512))
	assert.Equal(writeBuf, readBuf)

	readBuf = make([]byte, 10)
	assert.NoError(device.ReadAt(readBuf, 513))
	assert.Equal(writeBuf[1:11], readBuf)

	err := device.ReadAt(readBuf, device.Size()-5)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	err = device.WriteAt(readBuf, device.Size())
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	halter.ArmError("blockdev.WriteAt", 1)
	err = device.WriteAt(readBuf, 0)
	assert.True(blunder.Is(err, blunder.StorageIOError))
	halter.Disarm("blockdev.WriteAt")

	halter.ArmError("blockdev.ReadAt", 2)
	assert.NoError(device.ReadAt(readBuf, 0))
	err = device.ReadAt(readBuf, 0)
	assert.True(blunder.Is(err, blunder.StorageIOError))
	halter.Disarm("blockdev.ReadAt")

	assert.NoError(device.Sync())
}

func TestRAM(t *testing.T) {
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	device := NewRAM("ram0", 1<<20)
	assert.Equal(t, uint64(1<<20), device.Size())
	assert.Equal(t, "ram0", device.Name())

	testDevice(t, device)

	assert.NoError(t, device.Close())
}

func TestFile(t *testing.T) {
	confMap := testSetup(t)
	defer testTeardown(t, confMap)

	path := filepath.Join(t.TempDir(), "volume")

	device, err := OpenFile(path, 1<<20, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), device.Size())

	testDevice(t, device)

	require.NoError(t, device.Close())

	// Reopen picking up the existing size and contents
	device, err = OpenFile(path, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), device.Size())

	readBuf := make([]byte, 6)
	assert.NoError(t, device.ReadAt(readBuf, 512))
	assert.Equal(t, []byte("ocache"), readBuf)

	require.NoError(t, device.Close())

	_, err = OpenFile(filepath.Join(t.TempDir(), "empty"), 0, false)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
}
