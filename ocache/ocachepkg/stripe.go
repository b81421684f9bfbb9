// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/trackedlock"
)

// stripeStruct is the unit of storage and of serialization. Everything below
// mutex is only read or modified while holding it (as demonstrated by a
// *stripeLockStruct).
type stripeStruct struct {
	mutex       trackedlock.Mutex           //
	syncMutex   trackedlock.Mutex           // serializes syncStripe() calls
	index       int                         //
	label       string                      // Prometheus "stripe" label value
	base        uint64                      // Offset of the stripe in the volume
	dataBase    uint64                      // Offset of the data ring in the volume
	layout      *clayout.StripeLayoutStruct //
	slotsPerSeg uint32                      // == layout.Buckets * clayout.DirDepth

	dirEntries     []clayout.DirEntryV1Struct // All segments back to back
	freeHead       []uint16                   // Per segment free list head (0 == empty)
	freeCount      []uint32                   // Per segment free list length
	liveEntries    uint64                     //
	writePos       uint64                     // Ring cursor (relative to the data ring)
	writeWraps     uint64                     // Times the cursor has wrapped
	cleanedTo      uint64                     // Logical ring position through which directory entries have been reclaimed
	syncSerial     uint64                     // Stamped into every document written
	createTimeNano uint64                     //
	inFlight       *btree.BTree               // of *writeRegionStruct ordered by logical start
	urlIndex       sortedmap.LLRBTree         // key == cachekey.Key of URL; value == *vectorStruct
	degraded       bool                       // set on I/O failure; writes are rejected until clearDegraded()
}

// stripeLockStruct is the proof that its stripe's mutex is held.
type stripeLockStruct struct {
	stripe *stripeStruct
}

// writeRegionStruct is a reserved but not yet durable region of the data ring.
type writeRegionStruct struct {
	logicalStart uint64 // writeWraps * DataLen + offset at time of reservation
	offset       uint64 // Relative to the data ring
	length       uint64 //
	syncSerial   uint64 // To be stamped into the document written there
}

func (writeRegion *writeRegionStruct) Less(than btree.Item) bool {
	return writeRegion.logicalStart < than.(*writeRegionStruct).logicalStart
}

func compareCacheKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	var (
		key1AsCacheKey cachekey.Key
		key2AsCacheKey cachekey.Key
		ok             bool
	)

	key1AsCacheKey, ok = key1.(cachekey.Key)
	if !ok {
		err = fmt.Errorf("compareCacheKey(non-cachekey.Key,) not supported")
		return
	}
	key2AsCacheKey, ok = key2.(cachekey.Key)
	if !ok {
		err = fmt.Errorf("compareCacheKey(cachekey.Key, non-cachekey.Key) not supported")
		return
	}

	result = key1AsCacheKey.Compare(key2AsCacheKey)

	return
}

func (stripe *stripeStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = key.(cachekey.Key).String()
	return
}

func (stripe *stripeStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	vector := value.(*vectorStruct)
	valueAsString = fmt.Sprintf("%s (%d alternates)", vector.url, len(vector.alternates))
	return
}

func newStripe(index int, layout *clayout.StripeLayoutStruct) (stripe *stripeStruct) {
	stripe = &stripeStruct{
		index:       index,
		label:       stripeLabelValue(index),
		base:        uint64(index) * layout.StripeLen,
		layout:      layout,
		slotsPerSeg: layout.Buckets * clayout.DirDepth,
	}

	stripe.dataBase = stripe.base + layout.DataStart
	stripe.dirEntries = make([]clayout.DirEntryV1Struct, layout.TotalSlots)
	stripe.freeHead = make([]uint16, layout.Segments)
	stripe.freeCount = make([]uint32, layout.Segments)
	stripe.inFlight = btree.New(8)
	stripe.urlIndex = sortedmap.NewLLRBTree(compareCacheKey, stripe)

	return
}

// stripeForKey selects the stripe owning urlKey (and every document of its alternates).
func stripeForKey(urlKey cachekey.Key) (stripe *stripeStruct) {
	stripe = globals.stripes[urlKey.Slice32(3)%uint32(len(globals.stripes))]
	return
}

// tryLock returns nil if the stripe's mutex is held by someone else.
func (stripe *stripeStruct) tryLock() (stripeLock *stripeLockStruct) {
	if stripe.mutex.TryLock() {
		stripeLock = &stripeLockStruct{stripe: stripe}
	}
	return
}

func (stripe *stripeStruct) lock() (stripeLock *stripeLockStruct) {
	stripe.mutex.Lock()
	stripeLock = &stripeLockStruct{stripe: stripe}
	return
}

func (stripeLock *stripeLockStruct) unlock() {
	stripe := stripeLock.stripe
	stripeLock.stripe = nil
	stripe.mutex.Unlock()
}

func (stripe *stripeStruct) assertLocked(stripeLock *stripeLockStruct) {
	if (nil == stripeLock) || (stripe != stripeLock.stripe) {
		logger.Fatalf("stripe[%d] accessed without holding its lock", stripe.index)
	}
}

// resetDirectory empties the directory and index and threads every non-head
// slot of each segment onto its free list.
func (stripe *stripeStruct) resetDirectory(stripeLock *stripeLockStruct) {
	stripe.assertLocked(stripeLock)

	for i := range stripe.dirEntries {
		stripe.dirEntries[i] = clayout.DirEntryV1Struct{}
	}

	for segment := uint32(0); segment < stripe.layout.Segments; segment++ {
		stripe.rebuildFreeList(stripeLock, segment, nil)
	}

	stripe.liveEntries = 0
	stripe.writePos = 0
	stripe.writeWraps = 0
	stripe.cleanedTo = 0
	stripe.inFlight = btree.New(8)
	stripe.urlIndex = sortedmap.NewLLRBTree(compareCacheKey, stripe)

	globals.stats.DirEntries.WithLabelValues(stripe.label).Set(0)
}

func (stripe *stripeStruct) logicalWritePos() uint64 {
	return (stripe.writeWraps * stripe.layout.DataLen) + stripe.writePos
}

// acquireWriteRegion reserves length bytes (a BlockSize multiple) of the data
// ring, reclaiming the directory entries of whatever previously lived there.
// Should the reservation outrun the oldest in-flight write by more than
// globals.inFlightLimit, BusyError is returned and the caller should retry.
func (stripe *stripeStruct) acquireWriteRegion(stripeLock *stripeLockStruct, length uint64) (writeRegion *writeRegionStruct, err error) {
	var (
		logicalEnd   uint64
		logicalStart uint64
		oldest       *writeRegionStruct
		wraps        uint64
		pos          uint64
	)

	stripe.assertLocked(stripeLock)

	if stripe.degraded {
		err = blunder.NewError(blunder.DegradedError, "stripe[%d] is degraded", stripe.index)
		return
	}
	if (0 == length) || (0 != (length % clayout.BlockSize)) || (length > globals.inFlightLimit) {
		err = blunder.NewError(blunder.InvalidArgError, "stripe[%d] cannot reserve %d bytes", stripe.index, length)
		return
	}

	pos = stripe.writePos
	wraps = stripe.writeWraps

	if (pos + length) > stripe.layout.DataLen {
		pos = 0
		wraps++
	}

	logicalStart = (wraps * stripe.layout.DataLen) + pos
	logicalEnd = logicalStart + length

	if 0 < stripe.inFlight.Len() {
		oldest = stripe.inFlight.Min().(*writeRegionStruct)
		if (logicalEnd - oldest.logicalStart) > globals.inFlightLimit {
			err = blunder.NewError(blunder.BusyError, "stripe[%d] write window full", stripe.index)
			return
		}
	}

	if logicalEnd > stripe.cleanedTo {
		stripe.cleanTo(stripeLock, logicalEnd+globals.cleanAheadLen)
	}

	stripe.writePos = pos + length
	stripe.writeWraps = wraps
	if stripe.writePos == stripe.layout.DataLen {
		stripe.writePos = 0
		stripe.writeWraps++
	}

	writeRegion = &writeRegionStruct{
		logicalStart: logicalStart,
		offset:       pos,
		length:       length,
		syncSerial:   stripe.syncSerial,
	}

	_ = stripe.inFlight.ReplaceOrInsert(writeRegion)

	return
}

func (stripe *stripeStruct) releaseWriteRegion(stripeLock *stripeLockStruct, writeRegion *writeRegionStruct) {
	stripe.assertLocked(stripeLock)

	_ = stripe.inFlight.Delete(writeRegion)
}

// cleanTo reclaims directory entries for every document at a logical ring
// position below logicalEnd not yet reclaimed. A lap's tail left unused by a
// wrap is reclaimed along with it.
func (stripe *stripeStruct) cleanTo(stripeLock *stripeLockStruct, logicalEnd uint64) {
	var (
		lapStart uint64
		stopAt   uint64
	)

	stripe.assertLocked(stripeLock)

	dataLen := stripe.layout.DataLen

	// Never reclaim a full lap or more in one go
	if (logicalEnd - stripe.cleanedTo) > dataLen {
		stripe.cleanedTo = logicalEnd - dataLen
	}

	for stripe.cleanedTo < logicalEnd {
		lapStart = (stripe.cleanedTo / dataLen) * dataLen
		stopAt = lapStart + dataLen
		if stopAt > logicalEnd {
			stopAt = logicalEnd
		}

		stripe.cleanRange(stripeLock, stripe.cleanedTo-lapStart, stopAt-lapStart)

		stripe.cleanedTo = stopAt
	}
}

// markDegraded is called when an I/O to the stripe fails.
func (stripe *stripeStruct) markDegraded(stripeLock *stripeLockStruct, err error) {
	stripe.assertLocked(stripeLock)

	globals.stats.IOErrors.WithLabelValues(stripe.label).Inc()

	if !stripe.degraded {
		logger.ErrorfWithError(err, "stripe[%d] degraded", stripe.index)
		logger.TracefWithError(err, "stripe[%d] failed I/O at:\n%s", stripe.index, blunder.Stacktrace(err))
		stripe.degraded = true
		globals.stats.Degraded.WithLabelValues(stripe.label).Set(1)
	}
}

func (stripe *stripeStruct) clearDegraded(stripeLock *stripeLockStruct) {
	stripe.assertLocked(stripeLock)

	if stripe.degraded {
		logger.Infof("stripe[%d] no longer degraded", stripe.index)
		stripe.degraded = false
		globals.stats.Degraded.WithLabelValues(stripe.label).Set(0)
	}
}

// readDoc fetches and validates the document a directory entry references.
func (stripe *stripeStruct) readDoc(dirEntry clayout.DirEntryV1Struct) (docHeader *clayout.DocHeaderV1Struct, payload []byte, err error) {
	var (
		docBuf  []byte
		readLen uint64
	)

	offset := dirEntry.Offset()

	if offset >= stripe.layout.DataLen {
		err = blunder.NewError(blunder.CorruptionError, "stripe[%d] entry offset %d beyond data ring", stripe.index, offset)
		return
	}

	readLen = dirEntry.ApproxSize()
	if (offset + readLen) > stripe.layout.DataLen {
		readLen = stripe.layout.DataLen - offset
	}

	docBuf = make([]byte, readLen)

	err = globals.device.ReadAt(docBuf, stripe.dataBase+offset)
	if nil != err {
		return
	}

	docHeader, payload, err = clayout.UnmarshalDoc(docBuf)
	if nil != err {
		err = blunder.NewError(blunder.CorruptionError, "stripe[%d] document at %d invalid: %v", stripe.index, offset, err)
		return
	}

	if (docHeader.VolumeUUID != globals.volumeUUID) || (uint32(stripe.index) != docHeader.StripeIndex) {
		err = blunder.NewError(blunder.CorruptionError, "stripe[%d] document at %d belongs elsewhere", stripe.index, offset)
	}

	return
}

// writeDoc marshals payload behind docHeader into writeRegion.
func (stripe *stripeStruct) writeDoc(writeRegion *writeRegionStruct, docBuf []byte) (err error) {
	if uint64(len(docBuf)) != writeRegion.length {
		err = blunder.NewError(blunder.InvalidArgError, "stripe[%d] document of %d bytes does not fill region of %d", stripe.index, len(docBuf), writeRegion.length)
		return
	}

	err = globals.device.WriteAt(docBuf, stripe.dataBase+writeRegion.offset)

	return
}

// buildDoc returns a marshaled document ready for writeRegion.
func (stripe *stripeStruct) buildDoc(docHeader *clayout.DocHeaderV1Struct, payload []byte) (docBuf []byte, err error) {
	docHeader.VolumeUUID = globals.volumeUUID
	docHeader.StripeIndex = uint32(stripe.index)

	docBuf, err = clayout.MarshalDoc(docHeader, payload)

	return
}
