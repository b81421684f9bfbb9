// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/utils"
)

// testDirKey returns a key landing in segment 0, bucket bucket, with tag tag.
// Keys differing only in salt collide.
func testDirKey(bucket uint32, tag uint16, salt uint32) cachekey.Key {
	return cachekey.Key{
		Lo: uint64(bucket) << 32,
		Hi: (uint64(salt) << 12) | uint64(tag&0x0FFF),
	}
}

func testDirEntry(t *testing.T, offset uint64) (dirEntry clayout.DirEntryV1Struct) {
	require.NoError(t, dirEntry.SetOffset(offset))
	require.NoError(t, dirEntry.SetApproxSize(clayout.BlockSize))
	return
}

func TestDirectoryInsertRemove(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]
	require.Equal(uint32(1), stripe.layout.Segments)

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	freeBefore := stripe.freeCount[0]

	keys := []cachekey.Key{testDirKey(5, 1, 0), testDirKey(5, 2, 0), testDirKey(5, 3, 0)}
	offsets := []uint64{10 * clayout.BlockSize, 20 * clayout.BlockSize, 30 * clayout.BlockSize}

	for i := range keys {
		require.NoError(stripe.insert(stripeLock, keys[i], testDirEntry(t, offsets[i])))
	}

	assert.Equal(freeBefore-2, stripe.freeCount[0])
	assert.Equal(uint64(3), stripe.liveEntries)

	for i := range keys {
		dirEntry, _, found := stripe.probe(stripeLock, keys[i], -1)
		if assert.True(found) {
			assert.Equal(offsets[i], dirEntry.Offset())
		}
	}

	_, _, found := stripe.probe(stripeLock, testDirKey(5, 4, 0), -1)
	assert.False(found)
	_, _, found = stripe.probe(stripeLock, testDirKey(6, 1, 0), -1)
	assert.False(found)

	// Middle of the chain
	require.NoError(stripe.remove(stripeLock, keys[1], testDirEntry(t, offsets[1])))
	_, _, found = stripe.probe(stripeLock, keys[1], -1)
	assert.False(found)
	_, _, found = stripe.probe(stripeLock, keys[0], -1)
	assert.True(found)
	_, _, found = stripe.probe(stripeLock, keys[2], -1)
	assert.True(found)

	// Head of the chain
	require.NoError(stripe.remove(stripeLock, keys[0], testDirEntry(t, offsets[0])))
	_, _, found = stripe.probe(stripeLock, keys[0], -1)
	assert.False(found)
	dirEntry, _, found := stripe.probe(stripeLock, keys[2], -1)
	if assert.True(found) {
		assert.Equal(offsets[2], dirEntry.Offset())
	}

	assert.Equal(freeBefore, stripe.freeCount[0])

	err := stripe.remove(stripeLock, keys[0], testDirEntry(t, offsets[0]))
	assert.True(blunder.Is(err, blunder.NotFoundError))

	// Same tag but a different document
	err = stripe.remove(stripeLock, keys[2], testDirEntry(t, offsets[0]))
	assert.True(blunder.Is(err, blunder.NotFoundError))

	require.NoError(stripe.remove(stripeLock, keys[2], testDirEntry(t, offsets[2])))
	assert.Equal(uint64(0), stripe.liveEntries)
	assert.True(stripe.slot(0, 5*clayout.DirDepth).IsEmpty())
	assert.Equal(float64(0), testutil.ToFloat64(globals.stats.DirEntries.WithLabelValues(stripe.label)))
}

func TestDirectoryCollisions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	keyA := testDirKey(9, 7, 1)
	keyB := testDirKey(9, 7, 2)

	require.NoError(stripe.insert(stripeLock, keyA, testDirEntry(t, 40*clayout.BlockSize)))
	require.NoError(stripe.insert(stripeLock, keyB, testDirEntry(t, 50*clayout.BlockSize)))

	// The directory cannot tell keyA and keyB apart; the caller must
	// reject keyA's document and continue past it.
	dirEntry, collision, found := stripe.probe(stripeLock, keyB, -1)
	require.True(found)
	assert.Equal(40*clayout.BlockSize, dirEntry.Offset())

	dirEntry, collision, found = stripe.probe(stripeLock, keyB, collision)
	require.True(found)
	assert.Equal(50*clayout.BlockSize, dirEntry.Offset())

	_, _, found = stripe.probe(stripeLock, keyB, collision)
	assert.False(found)

	assert.Equal(float64(2), testutil.ToFloat64(globals.stats.Collisions.WithLabelValues(stripe.label)))

	// removeKey may only narrow by what the entry records
	removed := stripe.removeKey(stripeLock, keyB, func(candidate *clayout.DirEntryV1Struct) bool {
		return candidate.Offset() == 50*clayout.BlockSize
	})
	assert.Equal(1, removed)

	dirEntry, _, found = stripe.probe(stripeLock, keyA, -1)
	require.True(found)
	assert.Equal(40*clayout.BlockSize, dirEntry.Offset())
}

func TestDirectoryOverwrite(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	key := testDirKey(17, 3, 0)
	oldDirEntry := testDirEntry(t, 60*clayout.BlockSize)
	newDirEntry := testDirEntry(t, 70*clayout.BlockSize)
	newDirEntry.SetHead(true)

	require.NoError(stripe.insert(stripeLock, testDirKey(17, 4, 0), testDirEntry(t, 80*clayout.BlockSize)))
	require.NoError(stripe.insert(stripeLock, key, oldDirEntry))
	require.NoError(stripe.overwrite(stripeLock, key, newDirEntry, oldDirEntry))

	assert.Equal(uint64(2), stripe.liveEntries)

	dirEntry, _, found := stripe.probe(stripeLock, key, -1)
	require.True(found)
	assert.Equal(70*clayout.BlockSize, dirEntry.Offset())
	assert.True(dirEntry.Head())

	// Nothing to replace means insert
	require.NoError(stripe.overwrite(stripeLock, testDirKey(18, 3, 0), newDirEntry, clayout.DirEntryV1Struct{}))
	assert.Equal(uint64(3), stripe.liveEntries)
}

func TestDirectoryFull(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	// Beyond the window cleanSegment() would reclaim
	base := utils.RoundDown(stripe.layout.DataLen/2, clayout.BlockSize)
	free := int(stripe.freeCount[0])

	for i := 0; i <= free; i++ {
		require.NoError(stripe.insert(stripeLock, testDirKey(3, uint16(i), uint32(i)), testDirEntry(t, base+(uint64(i)*clayout.BlockSize))))
	}

	assert.Equal(uint32(0), stripe.freeCount[0])

	err := stripe.insert(stripeLock, testDirKey(3, 0, 9999), testDirEntry(t, base))
	assert.True(blunder.Is(err, blunder.DirectoryFullError))
	assert.Equal(float64(1), testutil.ToFloat64(globals.stats.DirectoryFull.WithLabelValues(stripe.label)))

	// Entries in other buckets only need their (empty) heads
	require.NoError(stripe.insert(stripeLock, testDirKey(4, 0, 0), testDirEntry(t, base)))

	// Evicting the documents the ring cursor reaches next makes room
	newest := base + (uint64(free+1) * clayout.BlockSize)
	require.NoError(stripe.insertReclaiming(stripeLock, testDirKey(3, 0, 9999), testDirEntry(t, newest)))

	assert.True(testutil.ToFloat64(globals.stats.Evictions.WithLabelValues(stripe.label)) > 0)
	assert.False(stripe.contains(stripeLock, testDirKey(3, 0, 0), testDirEntry(t, base)))
	assert.False(stripe.contains(stripeLock, testDirKey(4, 0, 0), testDirEntry(t, base)))
	assert.True(stripe.contains(stripeLock, testDirKey(3, uint16(free), uint32(free)), testDirEntry(t, base+(uint64(free)*clayout.BlockSize))))
	assert.True(stripe.contains(stripeLock, testDirKey(3, 0, 9999), testDirEntry(t, newest)))

	truncated, leaked := stripe.check(stripeLock)
	assert.Equal(0, truncated)
	assert.Equal(0, leaked)
}

func TestDirectoryCleanSegment(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	free := int(stripe.freeCount[0])

	// Just ahead of the cursor and so about to be overwritten
	for i := 0; i <= free; i++ {
		require.NoError(stripe.insert(stripeLock, testDirKey(3, uint16(i), uint32(i)), testDirEntry(t, uint64(i+1)*clayout.BlockSize)))
	}

	require.NoError(stripe.insert(stripeLock, testDirKey(3, 0, 9999), testDirEntry(t, utils.RoundDown(stripe.layout.DataLen/2, clayout.BlockSize))))

	assert.Equal(uint64(1), stripe.liveEntries)

	_, _, found := stripe.probe(stripeLock, testDirKey(3, 1, 1), -1)
	assert.False(found)
	_, _, found = stripe.probe(stripeLock, testDirKey(3, 0, 9999), -1)
	assert.True(found)
}

func TestDirectoryCleanRange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	keyA := testDirKey(20, 1, 0)
	keyB := testDirKey(21, 1, 0)

	require.NoError(stripe.insert(stripeLock, keyA, testDirEntry(t, 0x1000)))
	require.NoError(stripe.insert(stripeLock, keyB, testDirEntry(t, 0x9000)))

	assert.Equal(1, stripe.cleanRange(stripeLock, 0, 0x2000))

	_, _, found := stripe.probe(stripeLock, keyA, -1)
	assert.False(found)
	_, _, found = stripe.probe(stripeLock, keyB, -1)
	assert.True(found)

	assert.Equal(0, stripe.cleanRange(stripeLock, 0x9200, 0xA000))
}

func TestDirectoryCheck(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	freeBefore := stripe.freeCount[0]

	keys := []cachekey.Key{testDirKey(11, 1, 0), testDirKey(11, 2, 0), testDirKey(11, 3, 0)}
	for i := range keys {
		require.NoError(stripe.insert(stripeLock, keys[i], testDirEntry(t, uint64(100+i)*clayout.BlockSize)))
	}

	_, local2, found := stripe.probe(stripeLock, keys[1], -1)
	require.True(found)
	_, local3, found := stripe.probe(stripeLock, keys[2], -1)
	require.True(found)

	// A loop back into the chain
	stripe.slot(0, uint16(local3)).SetNext(uint16(local2))

	// A slot off the free list that no chain references
	local, ok := stripe.popFree(0)
	require.True(ok)
	*stripe.slot(0, local) = testDirEntry(t, 200*clayout.BlockSize)

	truncated, leaked := stripe.check(stripeLock)
	assert.Equal(1, truncated)
	assert.Equal(1, leaked)

	for i := range keys {
		dirEntry, _, found := stripe.probe(stripeLock, keys[i], -1)
		if assert.True(found) {
			assert.Equal(uint64(100+i)*clayout.BlockSize, dirEntry.Offset())
		}
	}

	assert.Equal(uint64(3), stripe.liveEntries)
	assert.Equal(freeBefore-2, stripe.freeCount[0])
	assert.Equal(float64(2), testutil.ToFloat64(globals.stats.EntriesRepaired.WithLabelValues(stripe.label)))

	truncated, leaked = stripe.check(stripeLock)
	assert.Equal(0, truncated)
	assert.Equal(0, leaked)
}

func TestWriteRegions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	stripe := globals.stripes[0]
	dataLen := stripe.layout.DataLen

	stripeLock := stripe.lock()
	defer stripeLock.unlock()

	_, err := stripe.acquireWriteRegion(stripeLock, 100)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	key := testDirKey(30, 1, 0)
	require.NoError(stripe.insert(stripeLock, key, testDirEntry(t, clayout.BlockSize)))

	// Not enough room before the end of the ring
	stripe.writePos = dataLen - clayout.BlockSize

	writeRegion, err := stripe.acquireWriteRegion(stripeLock, 2*clayout.BlockSize)
	require.NoError(err)
	assert.Equal(uint64(0), writeRegion.offset)
	assert.Equal(dataLen, writeRegion.logicalStart)
	assert.Equal(uint64(1), stripe.writeWraps)
	assert.Equal(2*clayout.BlockSize, stripe.writePos)

	_, _, found := stripe.probe(stripeLock, key, -1)
	assert.False(found)

	stripe.releaseWriteRegion(stripeLock, writeRegion)
	assert.Equal(0, stripe.inFlight.Len())

	// The window of in-flight writes is bounded
	regionLen := 8 * clayout.BlockSize
	writeRegions := []*writeRegionStruct{}

	for {
		writeRegion, err = stripe.acquireWriteRegion(stripeLock, regionLen)
		if nil != err {
			break
		}
		writeRegions = append(writeRegions, writeRegion)
		require.True(uint64(len(writeRegions))*regionLen <= globals.inFlightLimit)
	}

	assert.True(blunder.Is(err, blunder.BusyError))
	assert.Equal(int(globals.inFlightLimit/regionLen), len(writeRegions))

	stripe.releaseWriteRegion(stripeLock, writeRegions[0])

	writeRegion, err = stripe.acquireWriteRegion(stripeLock, regionLen)
	require.NoError(err)
	writeRegions[0] = writeRegion

	for _, writeRegion = range writeRegions {
		stripe.releaseWriteRegion(stripeLock, writeRegion)
	}

	// A degraded stripe accepts no writes
	stripe.markDegraded(stripeLock, blunder.NewError(blunder.StorageIOError, "test"))
	_, err = stripe.acquireWriteRegion(stripeLock, regionLen)
	assert.True(blunder.Is(err, blunder.DegradedError))
	stripe.clearDegraded(stripeLock)
}

func TestDegradedTracesStack(t *testing.T) {
	assert := assert.New(t)

	confMap := testSetup(t, []string{"Logging.TraceLevelLogging=ocachepkg"})
	defer testTeardown(t, confMap)

	var logTarget logger.LogTarget
	logTarget.Init(16)
	logger.AddLogTarget(logTarget)

	stripe := globals.stripes[1]

	stripeLock := stripe.lock()
	stripe.markDegraded(stripeLock, blunder.NewError(blunder.StorageIOError, "injected"))
	stripe.clearDegraded(stripeLock)
	stripeLock.unlock()

	traced := false
	for _, logEntry := range logTarget.LogBuf.LogEntries {
		if strings.Contains(logEntry, "stripe[1] failed I/O at:") {
			assert.Contains(logEntry, "TestDegradedTracesStack")
			traced = true
		}
	}
	assert.True(traced)
}
