// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"io"
	"os"
	"sync"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/halter"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/platform"
	"github.com/NVIDIA/ocache/utils"
)

type fileDeviceStruct struct {
	sync.Mutex          // serializes writes when direct (read-modify-write of partial blocks)
	path       string   //
	file       *os.File //
	size       uint64   //
	direct     bool     //
}

type ramDeviceStruct struct {
	sync.RWMutex
	name string
	buf  []byte
}

func checkRange(device Device, bufLen int, off uint64) (err error) {
	if (off + uint64(bufLen)) > device.Size() {
		err = blunder.NewError(blunder.InvalidArgError, "%s: [%d,%d) beyond volume size %d", device.Name(), off, off+uint64(bufLen), device.Size())
	}
	return
}

func openFile(path string, size uint64, direct bool) (device Device, err error) {
	var (
		fileDevice *fileDeviceStruct
		fileInfo   os.FileInfo
		endOffset  int64
	)

	fileDevice = &fileDeviceStruct{
		path:   path,
		direct: direct,
	}

	fileDevice.file, err = platform.OpenFileSync(path, os.O_RDWR|os.O_CREATE, 0600, direct)
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	fileInfo, err = fileDevice.file.Stat()
	if nil != err {
		_ = fileDevice.file.Close()
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	if fileInfo.Mode().IsRegular() {
		if (0 != size) && (uint64(fileInfo.Size()) < size) {
			err = fileDevice.file.Truncate(int64(size))
			if nil != err {
				_ = fileDevice.file.Close()
				err = blunder.AddError(err, blunder.StorageIOError)
				return
			}
		}
		if 0 == size {
			size = uint64(fileInfo.Size())
		}
	} else {
		// Block devices report a zero Size()... find the end instead
		endOffset, err = fileDevice.file.Seek(0, io.SeekEnd)
		if nil != err {
			_ = fileDevice.file.Close()
			err = blunder.AddError(err, blunder.StorageIOError)
			return
		}
		if (0 == size) || (uint64(endOffset) < size) {
			size = uint64(endOffset)
		}
	}

	if 0 == size {
		_ = fileDevice.file.Close()
		err = blunder.NewError(blunder.InvalidArgError, "%s: volume size is zero", path)
		return
	}

	fileDevice.size = size

	logger.Infof("opened volume %s (%d bytes, direct: %v)", path, size, direct)

	device = fileDevice
	return
}

func (fileDevice *fileDeviceStruct) Name() string {
	return fileDevice.path
}

func (fileDevice *fileDeviceStruct) Size() uint64 {
	return fileDevice.size
}

func (fileDevice *fileDeviceStruct) ReadAt(buf []byte, off uint64) (err error) {
	var (
		alignedBuf   []byte
		alignedEnd   uint64
		alignedStart uint64
	)

	err = checkRange(fileDevice, len(buf), off)
	if nil != err {
		return
	}

	err = halter.Trigger(halter.BlockdevReadAt)
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	if !fileDevice.direct {
		_, err = fileDevice.file.ReadAt(buf, int64(off))
		if nil != err {
			err = blunder.AddError(err, blunder.StorageIOError)
		}
		return
	}

	alignedStart = utils.RoundDown(off, platform.DirectIOAlignment)
	alignedEnd = utils.RoundUp(off+uint64(len(buf)), platform.DirectIOAlignment)
	alignedBuf = platform.AlignedBuffer(int(alignedEnd - alignedStart))

	_, err = fileDevice.file.ReadAt(alignedBuf, int64(alignedStart))
	if (nil != err) && (io.EOF != err) {
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	copy(buf, alignedBuf[off-alignedStart:])

	err = nil
	return
}

func (fileDevice *fileDeviceStruct) WriteAt(buf []byte, off uint64) (err error) {
	var (
		alignedBuf   []byte
		alignedEnd   uint64
		alignedStart uint64
	)

	err = checkRange(fileDevice, len(buf), off)
	if nil != err {
		return
	}

	err = halter.Trigger(halter.BlockdevWriteAt)
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	if !fileDevice.direct {
		_, err = fileDevice.file.WriteAt(buf, int64(off))
		if nil != err {
			err = blunder.AddError(err, blunder.StorageIOError)
		}
		return
	}

	alignedStart = utils.RoundDown(off, platform.DirectIOAlignment)
	alignedEnd = utils.RoundUp(off+uint64(len(buf)), platform.DirectIOAlignment)
	alignedBuf = platform.AlignedBuffer(int(alignedEnd - alignedStart))

	fileDevice.Lock()
	defer fileDevice.Unlock()

	if (alignedStart != off) || (alignedEnd != (off + uint64(len(buf)))) {
		_, err = fileDevice.file.ReadAt(alignedBuf, int64(alignedStart))
		if (nil != err) && (io.EOF != err) {
			err = blunder.AddError(err, blunder.StorageIOError)
			return
		}
	}

	copy(alignedBuf[off-alignedStart:], buf)

	_, err = fileDevice.file.WriteAt(alignedBuf, int64(alignedStart))
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
	}

	return
}

func (fileDevice *fileDeviceStruct) Sync() (err error) {
	err = fileDevice.file.Sync()
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
	}
	return
}

func (fileDevice *fileDeviceStruct) Close() (err error) {
	err = fileDevice.file.Close()
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
	}
	return
}

func newRAM(name string, size uint64) (ramDevice *ramDeviceStruct) {
	ramDevice = &ramDeviceStruct{
		name: name,
		buf:  make([]byte, size),
	}
	return
}

func (ramDevice *ramDeviceStruct) Name() string {
	return ramDevice.name
}

func (ramDevice *ramDeviceStruct) Size() uint64 {
	return uint64(len(ramDevice.buf))
}

func (ramDevice *ramDeviceStruct) ReadAt(buf []byte, off uint64) (err error) {
	err = checkRange(ramDevice, len(buf), off)
	if nil != err {
		return
	}

	err = halter.Trigger(halter.BlockdevReadAt)
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	ramDevice.RLock()
	copy(buf, ramDevice.buf[off:])
	ramDevice.RUnlock()

	return
}

func (ramDevice *ramDeviceStruct) WriteAt(buf []byte, off uint64) (err error) {
	err = checkRange(ramDevice, len(buf), off)
	if nil != err {
		return
	}

	err = halter.Trigger(halter.BlockdevWriteAt)
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
		return
	}

	ramDevice.Lock()
	copy(ramDevice.buf[off:], buf)
	ramDevice.Unlock()

	return
}

func (ramDevice *ramDeviceStruct) Sync() (err error) {
	return
}

func (ramDevice *ramDeviceStruct) Close() (err error) {
	return
}
