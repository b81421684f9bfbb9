// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blockdev provides positioned I/O against a cache volume.
//
// A volume is either a file (or raw device) opened for synchronous I/O or, for
// testing and ephemeral caches, a RAM buffer. Every ReadAt() and WriteAt() passes
// through a halter trigger so that tests may inject I/O failures. All failures
// are reported as blunder.StorageIOError (or blunder.InvalidArgError for
// requests outside the volume).
package blockdev

// Device is a fixed size random access volume.
type Device interface {
	Name() string
	Size() uint64
	ReadAt(buf []byte, off uint64) (err error)  // Fills all of buf or fails
	WriteAt(buf []byte, off uint64) (err error) // Writes all of buf or fails
	Sync() (err error)
	Close() (err error)
}

// OpenFile opens (creating and sizing if necessary) the volume at path. If
// size is zero, the existing size of the file (or device) is used. If direct
// is set, I/O bypasses the page cache.
func OpenFile(path string, size uint64, direct bool) (device Device, err error) {
	device, err = openFile(path, size, direct)
	return
}

// NewRAM returns a zero-filled in-memory Device of size bytes.
func NewRAM(name string, size uint64) (device Device) {
	device = newRAM(name, size)
	return
}
