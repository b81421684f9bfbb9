// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
)

type vcStateType uint32

const (
	vcStateOpenReadPending vcStateType = iota
	vcStateOpenReadActive
	vcStateReadComplete
	vcStateReadFailed
	vcStateOpenWritePending
	vcStateOpenWriteActive
	vcStateWriteComplete
	vcStateWriteFailed
	vcStateRemovePending
	vcStateRemoveComplete
	vcStateRemoveFailed
)

var vcStateStrings = []string{
	"OPEN_READ_PENDING",
	"OPEN_READ_ACTIVE",
	"READ_COMPLETE",
	"READ_FAILED",
	"OPEN_WRITE_PENDING",
	"OPEN_WRITE_ACTIVE",
	"WRITE_COMPLETE",
	"WRITE_FAILED",
	"REMOVE_PENDING",
	"REMOVE_COMPLETE",
	"REMOVE_FAILED",
}

func (vcState vcStateType) String() string {
	if int(vcState) < len(vcStateStrings) {
		return vcStateStrings[vcState]
	}
	return "UNKNOWN"
}

func (vcState vcStateType) terminal() bool {
	switch vcState {
	case vcStateReadComplete, vcStateReadFailed, vcStateWriteComplete, vcStateWriteFailed, vcStateRemoveComplete, vcStateRemoveFailed:
		return true
	default:
		return false
	}
}

// cacheVCStruct is the state common to every VC. Apart from construction, it
// is only touched from its eventThread.
type cacheVCStruct struct {
	eventThread   *eventThreadStruct //
	url           string             // As supplied by the caller
	urlKey        cachekey.Key       //
	stripe        *stripeStruct      //
	state         vcStateType        //
	err           error              // Reason for the *Failed event
	aborted       bool               // Once set, no further callbacks are issued
	idle          bool               // Waiting on the caller (DoIO*() or Reenable())
	lastCollision int                // Resume point of the next probe (-1 == start at head)
	loadedVector  *vectorStruct      // Read from its vector document... awaiting installation by lookup()
	shutdown      func(err error)    // Issues the VC's failure event should the engine stop first
}

// lookupDoneFunc is invoked on the VC's event thread. On success (err == nil),
// it is called holding the stripe lock (which it must release) with the URL's
// vectorStruct (nil if the URL is not cached).
type lookupDoneFunc func(stripeLock *stripeLockStruct, vector *vectorStruct, err error)

// initCacheVC binds cacheVC to url, its stripe, and an event thread and
// tracks it until it reaches a terminal state. It returns an error if the
// engine is not up.
func (cacheVC *cacheVCStruct) initCacheVC(url string, state vcStateType, shutdown func(err error)) (err error) {
	cacheVC.url = url
	cacheVC.state = state
	cacheVC.lastCollision = -1
	cacheVC.shutdown = shutdown

	globals.Lock()
	defer globals.Unlock()

	if !globals.up {
		err = blunder.NewError(blunder.NotSupportedError, "ocachepkg not up")
		cacheVC.err = err
		return
	}

	cacheVC.urlKey = cachekey.FromURL(url)
	cacheVC.stripe = stripeForKey(cacheVC.urlKey)
	cacheVC.eventThread = pickEventThread()

	globals.liveVCs[cacheVC] = struct{}{}

	return
}

// setState moves cacheVC to state. Once terminal, cacheVC is no longer tracked.
func (cacheVC *cacheVCStruct) setState(state vcStateType) {
	cacheVC.state = state

	if state.terminal() {
		cacheVC.retire()
	}
}

func (cacheVC *cacheVCStruct) retire() {
	globals.Lock()
	delete(globals.liveVCs, cacheVC)
	globals.Unlock()
}

// failLiveVCs issues the failure event of every VC yet to reach a terminal
// state. It is called once the event threads have stopped and no device I/O
// remains in flight, so the callbacks run on the caller's goroutine.
func failLiveVCs(err error) {
	globals.Lock()
	liveVCs := globals.liveVCs
	globals.liveVCs = make(map[*cacheVCStruct]struct{})
	globals.Unlock()

	for cacheVC := range liveVCs {
		if cacheVC.state.terminal() || cacheVC.aborted || (nil == cacheVC.shutdown) {
			continue
		}
		cacheVC.shutdown(err)
	}
}

// post schedules continuation on the VC's event thread. A VC that failed to
// initialize has none and ignores the request.
func (cacheVC *cacheVCStruct) post(continuation func()) {
	if nil != cacheVC.eventThread {
		cacheVC.eventThread.post(continuation)
	}
}

// withStripeLock invokes continuation holding the stripe lock. If the stripe
// mutex is contended, the attempt is rescheduled after MutexRetryDelay rather
// than blocking the event thread.
func (cacheVC *cacheVCStruct) withStripeLock(continuation func(stripeLock *stripeLockStruct)) {
	stripeLock := cacheVC.stripe.tryLock()
	if nil == stripeLock {
		cacheVC.eventThread.postAfter(globals.config.MutexRetryDelay, func() { cacheVC.withStripeLock(continuation) })
		return
	}

	continuation(stripeLock)
}

// noteIOError degrades the stripe should err be a device failure.
func (cacheVC *cacheVCStruct) noteIOError(err error) {
	if !blunder.Is(err, blunder.StorageIOError) {
		return
	}

	cacheVC.withStripeLock(func(stripeLock *stripeLockStruct) {
		cacheVC.stripe.markDegraded(stripeLock, err)
		stripeLock.unlock()
	})
}

// lookup locates the vectorStruct of cacheVC.urlKey. A vector already in the
// stripe's urlIndex is trusted only if its directory entry is still the one a
// probe finds. Otherwise the vector document is read from the data ring and,
// if it proves to be for urlKey, installed into the urlIndex.
func (cacheVC *cacheVCStruct) lookup(done lookupDoneFunc) {
	cacheVC.withStripeLock(func(stripeLock *stripeLockStruct) {
		cacheVC.lookupLocked(stripeLock, done)
	})
}

func (cacheVC *cacheVCStruct) lookupLocked(stripeLock *stripeLockStruct, done lookupDoneFunc) {
	stripe := cacheVC.stripe

	vector := stripe.getVector(stripeLock, cacheVC.urlKey)
	if (nil != vector) && vector.dirEntry.IsEmpty() {
		// First write of the URL not yet committed
		cacheVC.loadedVector = nil
		cacheVC.lastCollision = -1
		done(stripeLock, vector, nil)
		return
	}

	dirEntry, collision, found := stripe.probe(stripeLock, cacheVC.urlKey, cacheVC.lastCollision)
	if !found {
		if nil != vector {
			if nil == vector.writer {
				stripe.deleteVector(stripeLock, cacheVC.urlKey)
				vector = nil
			} else {
				// The vector document was reclaimed by the ring
				vector.dirEntry = clayout.DirEntryV1Struct{}
				vector.alternates = nil
			}
		}
		cacheVC.loadedVector = nil
		cacheVC.lastCollision = -1
		done(stripeLock, vector, nil)
		return
	}

	if (nil != vector) && sameDocument(&vector.dirEntry, dirEntry.Tag(), &dirEntry) {
		cacheVC.loadedVector = nil
		cacheVC.lastCollision = -1
		done(stripeLock, vector, nil)
		return
	}

	loadedVector := cacheVC.loadedVector
	if (nil != loadedVector) && sameDocument(&loadedVector.dirEntry, dirEntry.Tag(), &dirEntry) {
		cacheVC.loadedVector = nil
		cacheVC.lastCollision = -1
		if (nil != vector) && (nil != vector.writer) {
			vector.dirEntry = loadedVector.dirEntry
			vector.alternates = loadedVector.alternates
		} else {
			vector = loadedVector
			stripe.putVector(stripeLock, vector)
		}
		done(stripeLock, vector, nil)
		return
	}

	stripeLock.unlock()

	cacheVC.loadVector(dirEntry, collision, done)
}

// loadVector reads the vector document dirEntry references. Documents for
// other keys (tag collisions) or failing validation cause the probe to resume
// past collision.
func (cacheVC *cacheVCStruct) loadVector(dirEntry clayout.DirEntryV1Struct, collision int, done lookupDoneFunc) {
	var (
		docHeader *clayout.DocHeaderV1Struct
		payload   []byte
	)

	aioSubmit(cacheVC.eventThread,
		func() (err error) {
			docHeader, payload, err = cacheVC.stripe.readDoc(dirEntry)
			return
		},
		func(err error) {
			if nil != err {
				if blunder.Is(err, blunder.StorageIOError) {
					cacheVC.noteIOError(err)
					done(nil, nil, blunder.AddError(err, blunder.ReadFailedError))
					return
				}
				logger.Tracef("stripe[%d] vector probe of %s skipping entry %d: %v", cacheVC.stripe.index, cacheVC.url, collision, err)
				cacheVC.lastCollision = collision
				cacheVC.lookup(done)
				return
			}

			if (clayout.DocTypeVector != docHeader.DocType) || (cacheVC.urlKey != cachekey.FromDiskBytes(docHeader.Key)) {
				cacheVC.lastCollision = collision
				cacheVC.lookup(done)
				return
			}

			alternateVector, unmarshalErr := clayout.UnmarshalAlternateVectorV1(payload)
			if nil != unmarshalErr {
				logger.WarnfWithError(unmarshalErr, "stripe[%d] vector document of %s undecodable", cacheVC.stripe.index, cacheVC.url)
				cacheVC.lastCollision = collision
				cacheVC.lookup(done)
				return
			}

			cacheVC.loadedVector = &vectorStruct{
				urlKey:     cacheVC.urlKey,
				url:        alternateVector.URL,
				dirEntry:   dirEntry,
				alternates: alternateVector.Alternates,
			}

			cacheVC.lookup(done)
		})
}
