// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"io"
	"net/http"
	"time"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/halter"
	"github.com/NVIDIA/ocache/logger"
)

type writtenEntryStruct struct {
	key      cachekey.Key
	dirEntry clayout.DirEntryV1Struct
}

type writeVCStruct struct {
	cacheVCStruct
	writeAttributes *WriteAttributes
	callback        WriteCallback
	vary            []string                  //
	attrs           map[string]string         // Request header values selected by vary
	vector          *vectorStruct             // Write lock held once open
	alternate       clayout.AlternateV1Struct // Being written
	source          io.Reader                 //
	fragmentIndex   uint32                    // Next fragment to write
	fragmentKey     cachekey.Key              // Key of fragmentIndex
	bytesRemaining  uint64                    //
	writeRegion     *writeRegionStruct        // Reserved but not yet released
	written         []writtenEntryStruct      // Directory entries of fragments written so far
	openRetries     uint32                    //
	cleanedUp       bool                      //
}

// documentWrittenFunc is invoked holding the stripe lock (which it must
// release) once a document is durable in the data ring.
type documentWrittenFunc func(stripeLock *stripeLockStruct, dirEntry clayout.DirEntryV1Struct)

func openWrite(url string, writeAttributes *WriteAttributes, callback WriteCallback) {
	writeVC := &writeVCStruct{
		writeAttributes: writeAttributes,
		callback:        callback,
	}

	err := writeVC.initCacheVC(url, vcStateOpenWritePending, func(err error) {
		if vcStateOpenWritePending == writeVC.state {
			writeVC.openWriteFailed(err)
		} else {
			writeVC.failLocked(writeVC.stripe.lock(), err)
		}
	})
	if nil != err {
		writeVC.setState(vcStateWriteFailed)
		callback(CacheEventOpenWriteFailed, writeVC)
		return
	}

	writeVC.eventThread.post(writeVC.openWriteStart)
}

func (writeVC *writeVCStruct) openWriteStart() {
	var (
		ok             bool
		requestHeader  http.Header
		responseHeader http.Header
	)

	if nil != writeVC.writeAttributes {
		requestHeader = writeVC.writeAttributes.RequestHeader
		responseHeader = writeVC.writeAttributes.ResponseHeader
	}

	writeVC.vary, ok = computeVary(responseHeader)
	if !ok {
		writeVC.openWriteFailed(blunder.NewError(blunder.InvalidArgError, "response for %s varies on \"*\"", writeVC.url))
		return
	}

	writeVC.attrs = requestAttrs(writeVC.vary, requestHeader)

	writeVC.lookup(writeVC.openWriteDone)
}

func (writeVC *writeVCStruct) openWriteDone(stripeLock *stripeLockStruct, vector *vectorStruct, err error) {
	stripe := writeVC.stripe

	if nil != err {
		writeVC.openWriteFailed(err)
		return
	}

	if writeVC.aborted {
		stripeLock.unlock()
		return
	}

	if stripe.degraded {
		stripeLock.unlock()
		writeVC.openWriteFailed(blunder.NewError(blunder.DegradedError, "stripe[%d] holding %s is degraded", stripe.index, writeVC.url))
		return
	}

	if nil == vector {
		vector = &vectorStruct{
			urlKey: writeVC.urlKey,
			url:    writeVC.url,
		}
		stripe.putVector(stripeLock, vector)
	}

	err = vector.beginWrite(stripeLock, writeVC)
	if nil != err {
		stripeLock.unlock()

		if (openWritePolicyRetry == globals.config.OpenWritePolicy) && (writeVC.openRetries < globals.config.OpenWriteRetries) {
			writeVC.openRetries++
			writeVC.eventThread.postAfter(globals.config.MutexRetryDelay, func() {
				if !writeVC.aborted {
					writeVC.lookup(writeVC.openWriteDone)
				}
			})
			return
		}

		globals.stats.BusyRejects.WithLabelValues(stripe.label).Inc()
		writeVC.openWriteFailed(err)
		return
	}

	writeVC.vector = vector

	stripeLock.unlock()

	writeVC.setState(vcStateOpenWriteActive)
	writeVC.idle = true
	writeVC.callback(CacheEventOpenWrite, writeVC)
}

func (writeVC *writeVCStruct) openWriteFailed(err error) {
	writeVC.setState(vcStateWriteFailed)
	writeVC.err = err
	if !writeVC.aborted {
		writeVC.callback(CacheEventOpenWriteFailed, writeVC)
	}
}

// abortWrite removes the directory entries of every fragment written, releases
// any reserved region, and drops the URL's write lock.
func (writeVC *writeVCStruct) abortWrite(stripeLock *stripeLockStruct) {
	stripe := writeVC.stripe

	if writeVC.cleanedUp {
		return
	}
	writeVC.cleanedUp = true

	if nil != writeVC.writeRegion {
		stripe.releaseWriteRegion(stripeLock, writeVC.writeRegion)
		writeVC.writeRegion = nil
	}

	for _, writtenEntry := range writeVC.written {
		// The ring may already have reclaimed it
		_ = stripe.remove(stripeLock, writtenEntry.key, writtenEntry.dirEntry)
	}
	writeVC.written = nil

	if nil != writeVC.vector {
		stripe.endWrite(stripeLock, writeVC.vector, writeVC)
	}

	globals.stats.WritesAborted.WithLabelValues(stripe.label).Inc()
}

func (writeVC *writeVCStruct) failLocked(stripeLock *stripeLockStruct, err error) {
	if writeVC.state.terminal() {
		stripeLock.unlock()
		return
	}

	writeVC.abortWrite(stripeLock)

	stripeLock.unlock()

	writeVC.setState(vcStateWriteFailed)
	writeVC.err = err

	logger.Tracef("write of %s failed: %v", writeVC.url, err)

	if !writeVC.aborted {
		writeVC.callback(VCEventWriteFailed, writeVC)
	}
}

func (writeVC *writeVCStruct) writeFailed(err error) {
	writeVC.withStripeLock(func(stripeLock *stripeLockStruct) {
		writeVC.failLocked(stripeLock, err)
	})
}

func (writeVC *writeVCStruct) finishAbort() {
	writeVC.writeFailed(blunder.NewError(blunder.WriteAbortedError, "write of %s aborted", writeVC.url))
}

func (writeVC *writeVCStruct) DoIOWrite(source io.Reader, length uint64) {
	writeVC.post(func() {
		if writeVC.aborted || (vcStateOpenWriteActive != writeVC.state) || (nil != writeVC.source) {
			logger.Warnf("DoIOWrite() of %s in state %v ignored", writeVC.url, writeVC.state)
			return
		}

		writeVC.idle = false

		if length > (writeVC.stripe.layout.DataLen / 2) {
			writeVC.writeFailed(blunder.NewError(blunder.TooBigError, "%s of %d bytes cannot fit in a stripe", writeVC.url, length))
			return
		}

		fragmentSize := globals.config.MaxFragmentSize
		objectKey := cachekey.New()

		writeVC.alternate = clayout.AlternateV1Struct{
			ObjectKey:     objectKey.Bytes(),
			RequestAttrs:  writeVC.attrs,
			Vary:          writeVC.vary,
			ObjectSize:    length,
			FragmentSize:  fragmentSize,
			FragmentCount: uint32((length + fragmentSize - 1) / fragmentSize),
		}
		if nil != writeVC.writeAttributes {
			writeVC.alternate.ResponseHeader = writeVC.writeAttributes.ResponseHeader.Clone()
		}

		writeVC.source = source
		writeVC.fragmentIndex = 0
		writeVC.fragmentKey = objectKey
		writeVC.bytesRemaining = length

		writeVC.writeFragment()
	})
}

func (writeVC *writeVCStruct) Reenable() {
	writeVC.post(func() {
		if writeVC.aborted || (vcStateOpenWriteActive != writeVC.state) || !writeVC.idle || (nil == writeVC.source) {
			return
		}

		writeVC.idle = false
		writeVC.writeFragment()
	})
}

// Close of an uncommitted write aborts it.
func (writeVC *writeVCStruct) Close() {
	writeVC.Abort()
}

func (writeVC *writeVCStruct) Abort() {
	writeVC.post(func() {
		if writeVC.aborted {
			return
		}

		writeVC.aborted = true

		switch {
		case vcStateOpenWritePending == writeVC.state:
			// The open in flight notices and holds nothing
			writeVC.retire()
		case (vcStateOpenWriteActive == writeVC.state) && writeVC.idle:
			writeVC.idle = false
			writeVC.finishAbort()
		}
	})
}

func (writeVC *writeVCStruct) Err() error {
	return writeVC.err
}

// writeFragment reads the next fragment from the source (off the event thread)
// and writes it.
func (writeVC *writeVCStruct) writeFragment() {
	if writeVC.aborted {
		writeVC.finishAbort()
		return
	}

	if writeVC.fragmentIndex == writeVC.alternate.FragmentCount {
		writeVC.commitVector()
		return
	}

	fragmentLen := writeVC.alternate.FragmentSize
	if fragmentLen > writeVC.bytesRemaining {
		fragmentLen = writeVC.bytesRemaining
	}

	payload := make([]byte, fragmentLen)

	go func() {
		_, err := io.ReadFull(writeVC.source, payload)
		writeVC.eventThread.post(func() { writeVC.fragmentRead(payload, err) })
	}()
}

func (writeVC *writeVCStruct) fragmentRead(payload []byte, err error) {
	if writeVC.aborted {
		writeVC.finishAbort()
		return
	}

	if nil != err {
		writeVC.writeFailed(blunder.NewError(blunder.WriteAbortedError, "reading fragment %d of %s from source failed: %v", writeVC.fragmentIndex, writeVC.url, err))
		return
	}

	fragmentKey := writeVC.fragmentKey

	docHeader := &clayout.DocHeaderV1Struct{
		DocType:       clayout.DocTypeBody,
		Key:           fragmentKey.Bytes(),
		FirstKey:      writeVC.alternate.ObjectKey,
		FragmentIndex: writeVC.fragmentIndex,
		ObjectSize:    writeVC.alternate.ObjectSize,
		WriteTimeNano: uint64(time.Now().UnixNano()),
	}

	writeVC.writeDocument(docHeader, payload, func(stripeLock *stripeLockStruct, dirEntry clayout.DirEntryV1Struct) {
		err := writeVC.stripe.insertReclaiming(stripeLock, fragmentKey, dirEntry)
		if nil != err {
			writeVC.failLocked(stripeLock, err)
			return
		}

		writeVC.written = append(writeVC.written, writtenEntryStruct{key: fragmentKey, dirEntry: dirEntry})

		stripeLock.unlock()

		globals.stats.BytesWritten.WithLabelValues(writeVC.stripe.label).Add(float64(len(payload)))

		writeVC.bytesRemaining -= uint64(len(payload))
		writeVC.fragmentIndex++
		writeVC.fragmentKey = fragmentKey.Next()

		if writeVC.fragmentIndex == writeVC.alternate.FragmentCount {
			writeVC.commitVector()
			return
		}

		writeVC.idle = true
		writeVC.callback(VCEventWriteReady, writeVC)
	})
}

// writeDocument reserves a region of the data ring for docHeader+payload,
// writes the document there, and hands the directory entry referencing it to
// done. Should the write window be full, the reservation is retried after
// MutexRetryDelay.
func (writeVC *writeVCStruct) writeDocument(docHeader *clayout.DocHeaderV1Struct, payload []byte, done documentWrittenFunc) {
	stripe := writeVC.stripe
	docLen := clayout.DocLen(uint64(len(payload)))

	writeVC.withStripeLock(func(stripeLock *stripeLockStruct) {
		if writeVC.aborted {
			writeVC.failLocked(stripeLock, blunder.NewError(blunder.WriteAbortedError, "write of %s aborted", writeVC.url))
			return
		}

		writeRegion, err := stripe.acquireWriteRegion(stripeLock, docLen)
		if nil != err {
			if blunder.Is(err, blunder.BusyError) {
				stripeLock.unlock()
				writeVC.eventThread.postAfter(globals.config.MutexRetryDelay, func() { writeVC.writeDocument(docHeader, payload, done) })
				return
			}
			writeVC.failLocked(stripeLock, err)
			return
		}

		writeVC.writeRegion = writeRegion

		stripeLock.unlock()

		docHeader.SyncSerial = writeRegion.syncSerial

		aioSubmit(writeVC.eventThread,
			func() (err error) {
				docBuf, err := stripe.buildDoc(docHeader, payload)
				if nil == err {
					err = stripe.writeDoc(writeRegion, docBuf)
				}
				return
			},
			func(err error) {
				writeVC.withStripeLock(func(stripeLock *stripeLockStruct) {
					var (
						dirEntry clayout.DirEntryV1Struct
					)

					stripe.releaseWriteRegion(stripeLock, writeRegion)
					writeVC.writeRegion = nil

					if nil != err {
						if blunder.Is(err, blunder.StorageIOError) {
							stripe.markDegraded(stripeLock, err)
						}
						writeVC.failLocked(stripeLock, err)
						return
					}

					if writeVC.aborted {
						writeVC.failLocked(stripeLock, blunder.NewError(blunder.WriteAbortedError, "write of %s aborted", writeVC.url))
						return
					}

					err = dirEntry.SetOffset(writeRegion.offset)
					if nil == err {
						err = dirEntry.SetApproxSize(writeRegion.length)
					}
					if nil != err {
						writeVC.failLocked(stripeLock, err)
						return
					}

					done(stripeLock, dirEntry)
				})
			})
	})
}

// commitVector writes the URL's new vector document and swaps the URL's
// directory entry to reference it. Only then do readers see the new alternate.
func (writeVC *writeVCStruct) commitVector() {
	if writeVC.aborted {
		writeVC.finishAbort()
		return
	}

	err := halter.Trigger(halter.OCacheCommitVector)
	if nil != err {
		writeVC.writeFailed(blunder.AddError(err, blunder.WriteAbortedError))
		return
	}

	writeVC.withStripeLock(func(stripeLock *stripeLockStruct) {
		if writeVC.aborted {
			writeVC.failLocked(stripeLock, blunder.NewError(blunder.WriteAbortedError, "write of %s aborted", writeVC.url))
			return
		}

		writeVC.alternate.WriteTimeNano = time.Now().UnixNano()

		merged := mergeAlternate(writeVC.vector.alternates, writeVC.alternate, int(globals.config.MaxAlternates))

		alternateVector := &clayout.AlternateVectorV1Struct{
			URL:        writeVC.url,
			Alternates: merged,
		}

		payload, err := alternateVector.MarshalAlternateVectorV1()
		if (nil == err) && (clayout.DocLen(uint64(len(payload))) > clayout.MaxDocSize) {
			err = blunder.NewError(blunder.TooBigError, "alternate vector of %s too large (%d bytes)", writeVC.url, len(payload))
		}
		if nil != err {
			writeVC.failLocked(stripeLock, err)
			return
		}

		stripeLock.unlock()

		docHeader := &clayout.DocHeaderV1Struct{
			DocType:       clayout.DocTypeVector,
			Key:           writeVC.urlKey.Bytes(),
			FirstKey:      writeVC.urlKey.Bytes(),
			ObjectSize:    uint64(len(payload)),
			WriteTimeNano: uint64(writeVC.alternate.WriteTimeNano),
		}

		writeVC.writeDocument(docHeader, payload, func(stripeLock *stripeLockStruct, headEntry clayout.DirEntryV1Struct) {
			stripe := writeVC.stripe
			vector := writeVC.vector

			headEntry.SetHead(true)

			// The ring (or an eviction) may have reclaimed fragments while the writer was paused
			for fragmentIndex, writtenEntry := range writeVC.written {
				if !stripe.contains(stripeLock, writtenEntry.key, writtenEntry.dirEntry) {
					writeVC.failLocked(stripeLock, blunder.NewError(blunder.WriteAbortedError, "fragment %d of %s reclaimed before commit", fragmentIndex, writeVC.url))
					return
				}
			}

			err := stripe.overwrite(stripeLock, writeVC.urlKey, headEntry, vector.dirEntry)
			if nil != err {
				writeVC.failLocked(stripeLock, err)
				return
			}

			_, _, tag := stripe.dirPosition(writeVC.urlKey)
			headEntry.SetTag(tag)

			vector.dirEntry = headEntry
			vector.alternates = merged
			stripe.putVector(stripeLock, vector)

			writeVC.written = nil
			writeVC.cleanedUp = true

			stripe.endWrite(stripeLock, vector, writeVC)

			stripeLock.unlock()

			writeVC.setState(vcStateWriteComplete)
			if !writeVC.aborted {
				writeVC.callback(VCEventWriteComplete, writeVC)
			}
		})
	})
}
