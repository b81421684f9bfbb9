// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"bytes"
	"io"
	"net/http"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
)

type readVCStruct struct {
	cacheVCStruct
	requestHeader  http.Header
	callback       ReadCallback
	alternate      clayout.AlternateV1Struct // Snapshot taken at open
	objectKey      cachekey.Key              //
	sink           io.Writer                 //
	fragmentIndex  uint32                    // Next fragment to read
	fragmentKey    cachekey.Key              // Key of fragmentIndex
	bytesRemaining uint64                    //
}

func openRead(url string, requestHeader http.Header, callback ReadCallback) {
	readVC := &readVCStruct{
		requestHeader: requestHeader,
		callback:      callback,
	}

	if nil == readVC.requestHeader {
		readVC.requestHeader = make(http.Header)
	}

	err := readVC.initCacheVC(url, vcStateOpenReadPending, func(err error) {
		if vcStateOpenReadPending == readVC.state {
			readVC.openReadFailed(err)
		} else {
			readVC.readFailed(err)
		}
	})
	if nil != err {
		readVC.setState(vcStateReadFailed)
		callback(CacheEventOpenReadFailed, readVC)
		return
	}

	readVC.post(func() { readVC.lookup(readVC.openReadDone) })
}

func (readVC *readVCStruct) openReadDone(stripeLock *stripeLockStruct, vector *vectorStruct, err error) {
	var (
		alternate *clayout.AlternateV1Struct
	)

	stripe := readVC.stripe

	if nil != err {
		readVC.openReadFailed(err)
		return
	}

	if readVC.aborted {
		stripeLock.unlock()
		return
	}

	if nil == vector {
		err = blunder.NewError(blunder.NotFoundError, "%s not cached", readVC.url)
	} else {
		alternate, err = vector.findAlternate(readVC.requestHeader)
	}
	if nil != err {
		stripeLock.unlock()
		globals.stats.ReadMisses.WithLabelValues(stripe.label).Inc()
		readVC.openReadFailed(err)
		return
	}

	readVC.alternate = *alternate
	readVC.objectKey = cachekey.FromDiskBytes(alternate.ObjectKey)

	stripeLock.unlock()

	globals.stats.ReadHits.WithLabelValues(stripe.label).Inc()

	readVC.setState(vcStateOpenReadActive)
	readVC.idle = true
	readVC.callback(CacheEventOpenRead, readVC)
}

func (readVC *readVCStruct) openReadFailed(err error) {
	readVC.setState(vcStateReadFailed)
	readVC.err = err
	if !readVC.aborted {
		readVC.callback(CacheEventOpenReadFailed, readVC)
	}
}

func (readVC *readVCStruct) readFailed(err error) {
	readVC.setState(vcStateReadFailed)
	if blunder.IsNot(err, blunder.ReadFailedError) {
		err = blunder.NewError(blunder.ReadFailedError, "read of %s fragment %d failed: %v", readVC.url, readVC.fragmentIndex, err)
	}
	readVC.err = err
	if !readVC.aborted {
		readVC.callback(VCEventReadFailed, readVC)
	}
}

func (readVC *readVCStruct) Alternate() (alternate *Alternate) {
	alternate = toAlternate(readVC.url, &readVC.alternate)
	return
}

func (readVC *readVCStruct) DoIORead(sink io.Writer) {
	readVC.post(func() {
		if readVC.aborted || (vcStateOpenReadActive != readVC.state) || (nil != readVC.sink) {
			logger.Warnf("DoIORead() of %s in state %v ignored", readVC.url, readVC.state)
			return
		}

		readVC.sink = sink
		readVC.fragmentIndex = 0
		readVC.fragmentKey = readVC.objectKey
		readVC.bytesRemaining = readVC.alternate.ObjectSize
		readVC.lastCollision = -1
		readVC.idle = false

		readVC.readFragment()
	})
}

func (readVC *readVCStruct) Reenable() {
	readVC.post(func() {
		if readVC.aborted || (vcStateOpenReadActive != readVC.state) || !readVC.idle || (nil == readVC.sink) {
			return
		}

		readVC.idle = false
		readVC.readFragment()
	})
}

func (readVC *readVCStruct) Close() {
	readVC.Abort()
}

// Abort needs no cleanup as a reader holds nothing but its snapshot. Any
// device read in flight completes and is discarded.
func (readVC *readVCStruct) Abort() {
	readVC.post(func() {
		readVC.aborted = true
		readVC.retire()
	})
}

func (readVC *readVCStruct) Err() error {
	return readVC.err
}

func (readVC *readVCStruct) fragmentLen() (length uint64) {
	length = readVC.alternate.FragmentSize
	if length > readVC.bytesRemaining {
		length = readVC.bytesRemaining
	}
	return
}

// readFragment locates fragmentIndex by probing. Its entry may since have been
// removed (by Remove() or ring reclamation), resulting in ReadFailed.
func (readVC *readVCStruct) readFragment() {
	if readVC.fragmentIndex == readVC.alternate.FragmentCount {
		readVC.setState(vcStateReadComplete)
		readVC.callback(VCEventReadComplete, readVC)
		return
	}

	readVC.withStripeLock(func(stripeLock *stripeLockStruct) {
		if readVC.aborted {
			stripeLock.unlock()
			return
		}

		dirEntry, collision, found := readVC.stripe.probe(stripeLock, readVC.fragmentKey, readVC.lastCollision)

		stripeLock.unlock()

		if !found {
			readVC.readFailed(blunder.NewError(blunder.NotFoundError, "fragment %d of %s no longer cached", readVC.fragmentIndex, readVC.url))
			return
		}

		readVC.readFragmentDoc(dirEntry, collision)
	})
}

func (readVC *readVCStruct) readFragmentDoc(dirEntry clayout.DirEntryV1Struct, collision int) {
	var (
		docHeader *clayout.DocHeaderV1Struct
		payload   []byte
	)

	aioSubmit(readVC.eventThread,
		func() (err error) {
			docHeader, payload, err = readVC.stripe.readDoc(dirEntry)
			return
		},
		func(err error) {
			if readVC.aborted {
				return
			}

			if nil != err {
				if blunder.Is(err, blunder.StorageIOError) {
					readVC.noteIOError(err)
					readVC.readFailed(err)
					return
				}
				readVC.lastCollision = collision
				readVC.readFragment()
				return
			}

			if (clayout.DocTypeBody != docHeader.DocType) ||
				(readVC.fragmentKey != cachekey.FromDiskBytes(docHeader.Key)) ||
				(readVC.alternate.ObjectKey != docHeader.FirstKey) ||
				(readVC.fragmentIndex != docHeader.FragmentIndex) {
				readVC.lastCollision = collision
				readVC.readFragment()
				return
			}

			if uint64(len(payload)) != readVC.fragmentLen() {
				readVC.readFailed(blunder.NewError(blunder.CorruptionError, "fragment %d of %s holds %d bytes (expected %d)", readVC.fragmentIndex, readVC.url, len(payload), readVC.fragmentLen()))
				return
			}

			_, err = io.Copy(readVC.sink, bytes.NewReader(payload))
			if nil != err {
				readVC.readFailed(err)
				return
			}

			globals.stats.BytesRead.WithLabelValues(readVC.stripe.label).Add(float64(len(payload)))

			readVC.bytesRemaining -= uint64(len(payload))
			readVC.fragmentIndex++
			readVC.fragmentKey = readVC.fragmentKey.Next()
			readVC.lastCollision = -1

			if readVC.fragmentIndex == readVC.alternate.FragmentCount {
				readVC.setState(vcStateReadComplete)
				readVC.callback(VCEventReadComplete, readVC)
				return
			}

			readVC.idle = true
			readVC.callback(VCEventReadReady, readVC)
		})
}
