// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/cachekey"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
)

// A stripe's directory is divided into segments, each of layout.Buckets
// buckets of clayout.DirDepth slots. Slot (bucket * DirDepth) is the bucket's
// head. The remaining slots of a segment are either linked (via Next()) into
// exactly one bucket's chain or sit on the segment's free list. Next() values
// are slot indices local to the segment with 0 terminating a chain (slot 0 is
// a head and therefore never a Next() target).

func (stripe *stripeStruct) dirPosition(key cachekey.Key) (segment uint32, head uint16, tag uint16) {
	segment = key.Slice32(0) % stripe.layout.Segments
	head = uint16((key.Slice32(1) % stripe.layout.Buckets) * clayout.DirDepth)
	tag = uint16(key.Slice32(2) & 0x0FFF)
	return
}

func (stripe *stripeStruct) slot(segment uint32, local uint16) *clayout.DirEntryV1Struct {
	return &stripe.dirEntries[(segment*stripe.slotsPerSeg)+uint32(local)]
}

// validNext reports whether local may be the Next() of a chained entry.
func (stripe *stripeStruct) validNext(local uint16) bool {
	return (0 != local) && (uint32(local) < stripe.slotsPerSeg) && (0 != (local % clayout.DirDepth))
}

func (stripe *stripeStruct) popFree(segment uint32) (local uint16, ok bool) {
	local = stripe.freeHead[segment]
	if 0 == local {
		return
	}

	dirEntry := stripe.slot(segment, local)
	stripe.freeHead[segment] = dirEntry.Next()
	stripe.freeCount[segment]--
	dirEntry.SetNext(0)

	ok = true
	return
}

func (stripe *stripeStruct) pushFree(segment uint32, local uint16) {
	dirEntry := stripe.slot(segment, local)
	*dirEntry = clayout.DirEntryV1Struct{}
	dirEntry.SetNext(stripe.freeHead[segment])
	stripe.freeHead[segment] = local
	stripe.freeCount[segment]++
}

func (stripe *stripeStruct) updateEntriesGauge() {
	globals.stats.DirEntries.WithLabelValues(stripe.label).Set(float64(stripe.liveEntries))
}

// probe walks key's bucket for the next entry whose tag matches key. Passing
// lastCollision == -1 starts at the head; otherwise the walk resumes after the
// slot returned by a prior probe (whose document proved to be for a different
// key). If that slot is no longer in the chain, the probe misses.
func (stripe *stripeStruct) probe(stripeLock *stripeLockStruct, key cachekey.Key, lastCollision int) (dirEntry clayout.DirEntryV1Struct, collision int, found bool) {
	stripe.assertLocked(stripeLock)

	globals.stats.Probes.WithLabelValues(stripe.label).Inc()
	if 0 <= lastCollision {
		globals.stats.Collisions.WithLabelValues(stripe.label).Inc()
	}

	segment, head, tag := stripe.dirPosition(key)

	if stripe.slot(segment, head).IsEmpty() {
		return
	}

	skipping := (0 <= lastCollision)
	local := head

	for steps := uint32(0); steps < stripe.slotsPerSeg; steps++ {
		candidate := stripe.slot(segment, local)
		if skipping {
			if int(local) == lastCollision {
				skipping = false
			}
		} else if candidate.Tag() == tag {
			dirEntry = *candidate
			collision = int(local)
			found = true
			return
		}

		local = candidate.Next()
		if !stripe.validNext(local) {
			break
		}
	}

	return
}

// insert appends dirEntry (whose tag is set from key) to key's bucket chain.
func (stripe *stripeStruct) insert(stripeLock *stripeLockStruct, key cachekey.Key, dirEntry clayout.DirEntryV1Struct) (err error) {
	stripe.assertLocked(stripeLock)

	segment, head, tag := stripe.dirPosition(key)

	dirEntry.SetTag(tag)
	dirEntry.SetNext(0)

	headEntry := stripe.slot(segment, head)
	if headEntry.IsEmpty() {
		*headEntry = dirEntry
		stripe.liveEntries++
		stripe.updateEntriesGauge()
		return
	}

	local, ok := stripe.popFree(segment)
	if !ok {
		stripe.cleanSegment(stripeLock, segment)

		if headEntry.IsEmpty() {
			*headEntry = dirEntry
			stripe.liveEntries++
			stripe.updateEntriesGauge()
			return
		}

		local, ok = stripe.popFree(segment)
		if !ok {
			globals.stats.DirectoryFull.WithLabelValues(stripe.label).Inc()
			err = blunder.NewError(blunder.DirectoryFullError, "stripe[%d] segment %d has no free directory slots", stripe.index, segment)
			return
		}
	}

	tail := head
	for steps := uint32(0); steps < stripe.slotsPerSeg; steps++ {
		next := stripe.slot(segment, tail).Next()
		if !stripe.validNext(next) {
			break
		}
		tail = next
	}

	*stripe.slot(segment, local) = dirEntry
	stripe.slot(segment, tail).SetNext(local)

	stripe.liveEntries++
	stripe.updateEntriesGauge()

	return
}

func sameDocument(dirEntry *clayout.DirEntryV1Struct, tag uint16, other *clayout.DirEntryV1Struct) bool {
	return !dirEntry.IsEmpty() && (dirEntry.Tag() == tag) && (dirEntry.Offset() == other.Offset())
}

// overwrite replaces the entry for the same document as oldDirEntry (same tag
// and offset) with newDirEntry in place. If oldDirEntry is no longer present
// (or is empty), newDirEntry is inserted instead.
func (stripe *stripeStruct) overwrite(stripeLock *stripeLockStruct, key cachekey.Key, newDirEntry clayout.DirEntryV1Struct, oldDirEntry clayout.DirEntryV1Struct) (err error) {
	stripe.assertLocked(stripeLock)

	if !oldDirEntry.IsEmpty() {
		segment, head, tag := stripe.dirPosition(key)

		local := head
		for steps := uint32(0); steps < stripe.slotsPerSeg; steps++ {
			candidate := stripe.slot(segment, local)
			if sameDocument(candidate, tag, &oldDirEntry) {
				newDirEntry.SetTag(tag)
				newDirEntry.SetNext(candidate.Next())
				*candidate = newDirEntry
				return
			}
			local = candidate.Next()
			if !stripe.validNext(local) {
				break
			}
		}
	}

	err = stripe.insertReclaiming(stripeLock, key, newDirEntry)

	return
}

// remove unlinks the entry for the same document as dirEntry from key's chain.
func (stripe *stripeStruct) remove(stripeLock *stripeLockStruct, key cachekey.Key, dirEntry clayout.DirEntryV1Struct) (err error) {
	stripe.assertLocked(stripeLock)

	segment, head, tag := stripe.dirPosition(key)

	removed := stripe.removeWhere(segment, head, func(candidate *clayout.DirEntryV1Struct) bool {
		return sameDocument(candidate, tag, &dirEntry)
	})
	if 0 == removed {
		err = blunder.NewError(blunder.NotFoundError, "stripe[%d] has no entry for %v at %d", stripe.index, key, dirEntry.Offset())
		return
	}

	stripe.updateEntriesGauge()

	return
}

// removeKey unlinks every entry of key's chain with key's tag that also
// satisfies match. The directory alone cannot tell such entries apart, so
// match should narrow the candidates as far as possible.
func (stripe *stripeStruct) removeKey(stripeLock *stripeLockStruct, key cachekey.Key, match func(candidate *clayout.DirEntryV1Struct) bool) (removed int) {
	stripe.assertLocked(stripeLock)

	segment, head, tag := stripe.dirPosition(key)

	removed = stripe.removeWhere(segment, head, func(candidate *clayout.DirEntryV1Struct) bool {
		return !candidate.IsEmpty() && (candidate.Tag() == tag) && match(candidate)
	})

	if 0 < removed {
		stripe.updateEntriesGauge()
	}

	return
}

// removeWhere unlinks every entry of the chain at head satisfying remove.
// A removed head is replaced by its successor (whose slot is freed).
func (stripe *stripeStruct) removeWhere(segment uint32, head uint16, remove func(candidate *clayout.DirEntryV1Struct) bool) (removed int) {
	headEntry := stripe.slot(segment, head)

	for !headEntry.IsEmpty() && remove(headEntry) {
		next := headEntry.Next()
		if !stripe.validNext(next) {
			*headEntry = clayout.DirEntryV1Struct{}
		} else {
			*headEntry = *stripe.slot(segment, next)
			stripe.pushFree(segment, next)
		}
		stripe.liveEntries--
		removed++
	}

	if headEntry.IsEmpty() {
		return
	}

	prev := head
	local := headEntry.Next()

	for steps := uint32(0); (0 != local) && (steps < stripe.slotsPerSeg); steps++ {
		if !stripe.validNext(local) {
			stripe.slot(segment, prev).SetNext(0)
			break
		}
		candidate := stripe.slot(segment, local)
		next := candidate.Next()
		if remove(candidate) {
			stripe.slot(segment, prev).SetNext(next)
			stripe.pushFree(segment, local)
			stripe.liveEntries--
			removed++
		} else {
			prev = local
		}
		local = next
	}

	return
}

// removeEverywhere invokes removeWhere on every bucket of the directory.
func (stripe *stripeStruct) removeEverywhere(remove func(candidate *clayout.DirEntryV1Struct) bool) (removed int) {
	for segment := uint32(0); segment < stripe.layout.Segments; segment++ {
		for bucket := uint32(0); bucket < stripe.layout.Buckets; bucket++ {
			removed += stripe.removeWhere(segment, uint16(bucket*clayout.DirDepth), remove)
		}
	}

	if 0 < removed {
		stripe.updateEntriesGauge()
	}

	return
}

// cleanRange removes every entry for a document starting in [start, end) of the data ring.
func (stripe *stripeStruct) cleanRange(stripeLock *stripeLockStruct, start uint64, end uint64) (removed int) {
	stripe.assertLocked(stripeLock)

	removed = stripe.removeEverywhere(func(candidate *clayout.DirEntryV1Struct) bool {
		offset := candidate.Offset()
		return (start <= offset) && (offset < end)
	})

	if 0 < removed {
		logger.Tracef("stripe[%d] cleanRange(%d, %d) removed %d entries", stripe.index, start, end, removed)
	}

	return
}

// cleanSegment frees slots in segment whose documents are the next the ring
// cursor will overwrite (or whose offsets are impossible).
func (stripe *stripeStruct) cleanSegment(stripeLock *stripeLockStruct, segment uint32) (removed int) {
	stripe.assertLocked(stripeLock)

	dataLen := stripe.layout.DataLen
	window := dataLen / 16
	writePos := stripe.writePos

	for bucket := uint32(0); bucket < stripe.layout.Buckets; bucket++ {
		removed += stripe.removeWhere(segment, uint16(bucket*clayout.DirDepth), func(candidate *clayout.DirEntryV1Struct) bool {
			offset := candidate.Offset()
			if offset >= dataLen {
				return true
			}
			return ((offset + dataLen - writePos) % dataLen) < window
		})
	}

	logger.Infof("stripe[%d] cleanSegment(%d) freed %d slots", stripe.index, segment, removed)

	return
}

// evictOldest frees the slots of segment holding documents the ring cursor
// will reach soonest: the nearest such document (among entries whose removal
// frees a slot) and any within the cleanSegment() window beyond it.
func (stripe *stripeStruct) evictOldest(stripeLock *stripeLockStruct, segment uint32) (removed int) {
	var (
		found   bool
		nearest uint64
	)

	stripe.assertLocked(stripeLock)

	dataLen := stripe.layout.DataLen
	writePos := stripe.writePos

	distance := func(dirEntry *clayout.DirEntryV1Struct) uint64 {
		return (dirEntry.Offset() + dataLen - writePos) % dataLen
	}

	for bucket := uint32(0); bucket < stripe.layout.Buckets; bucket++ {
		head := uint16(bucket * clayout.DirDepth)
		if stripe.slot(segment, head).IsEmpty() {
			continue
		}

		local := head
		for steps := uint32(0); steps < stripe.slotsPerSeg; steps++ {
			candidate := stripe.slot(segment, local)
			next := candidate.Next()

			// An unchained head frees nothing
			if (local != head) || stripe.validNext(next) {
				if !found || (distance(candidate) < nearest) {
					nearest = distance(candidate)
					found = true
				}
			}

			if !stripe.validNext(next) {
				break
			}
			local = next
		}
	}

	if !found {
		return
	}

	limit := nearest + (dataLen / 16)

	for bucket := uint32(0); bucket < stripe.layout.Buckets; bucket++ {
		removed += stripe.removeWhere(segment, uint16(bucket*clayout.DirDepth), func(candidate *clayout.DirEntryV1Struct) bool {
			return distance(candidate) < limit
		})
	}

	if 0 < removed {
		globals.stats.Evictions.WithLabelValues(stripe.label).Add(float64(removed))
		stripe.updateEntriesGauge()
		logger.Tracef("stripe[%d] evictOldest(%d) evicted %d entries", stripe.index, segment, removed)
	}

	return
}

// insertReclaiming inserts as insert() does but, should key's segment be full,
// evicts the entries for the documents the ring will overwrite next and tries
// once more.
func (stripe *stripeStruct) insertReclaiming(stripeLock *stripeLockStruct, key cachekey.Key, dirEntry clayout.DirEntryV1Struct) (err error) {
	err = stripe.insert(stripeLock, key, dirEntry)
	if blunder.Is(err, blunder.DirectoryFullError) {
		segment, _, _ := stripe.dirPosition(key)
		if 0 < stripe.evictOldest(stripeLock, segment) {
			err = stripe.insert(stripeLock, key, dirEntry)
		}
	}
	return
}

// contains reports whether key's chain still holds the entry for the same
// document (same tag and offset) as dirEntry.
func (stripe *stripeStruct) contains(stripeLock *stripeLockStruct, key cachekey.Key, dirEntry clayout.DirEntryV1Struct) bool {
	stripe.assertLocked(stripeLock)

	segment, head, tag := stripe.dirPosition(key)

	local := head
	for steps := uint32(0); steps < stripe.slotsPerSeg; steps++ {
		candidate := stripe.slot(segment, local)
		if sameDocument(candidate, tag, &dirEntry) {
			return true
		}
		local = candidate.Next()
		if !stripe.validNext(local) {
			break
		}
	}

	return false
}

// rebuildFreeList threads every non-head slot of segment not marked in inChain
// (nil meaning none are) onto the segment's free list in ascending order.
func (stripe *stripeStruct) rebuildFreeList(stripeLock *stripeLockStruct, segment uint32, inChain []bool) {
	stripe.assertLocked(stripeLock)

	stripe.freeHead[segment] = 0
	stripe.freeCount[segment] = 0

	for local := stripe.slotsPerSeg - 1; local > 0; local-- {
		if (0 == (local % clayout.DirDepth)) || ((nil != inChain) && inChain[local]) {
			continue
		}
		stripe.pushFree(segment, uint16(local))
	}
}

// check validates every chain, truncating those that leave the segment, reach
// a head, revisit a slot, or reach an empty (or impossible) entry, and then
// rebuilds each segment's free list from the slots no chain references.
func (stripe *stripeStruct) check(stripeLock *stripeLockStruct) (truncated int, leaked int) {
	stripe.assertLocked(stripeLock)

	dataLen := stripe.layout.DataLen

	stripe.liveEntries = 0

	for segment := uint32(0); segment < stripe.layout.Segments; segment++ {
		inChain := make([]bool, stripe.slotsPerSeg)

		for bucket := uint32(0); bucket < stripe.layout.Buckets; bucket++ {
			head := uint16(bucket * clayout.DirDepth)
			inChain[head] = true

			headEntry := stripe.slot(segment, head)
			if !headEntry.IsEmpty() && (headEntry.Offset() >= dataLen) {
				*headEntry = clayout.DirEntryV1Struct{}
				truncated++
				continue
			}
			if headEntry.IsEmpty() {
				if 0 != headEntry.Next() {
					headEntry.SetNext(0)
					truncated++
				}
				continue
			}

			stripe.liveEntries++

			prev := head
			local := headEntry.Next()

			for 0 != local {
				if !stripe.validNext(local) ||
					inChain[local] ||
					stripe.slot(segment, local).IsEmpty() ||
					(stripe.slot(segment, local).Offset() >= dataLen) {
					stripe.slot(segment, prev).SetNext(0)
					truncated++
					break
				}

				inChain[local] = true
				stripe.liveEntries++
				prev = local
				local = stripe.slot(segment, local).Next()
			}
		}

		for local := uint32(1); local < stripe.slotsPerSeg; local++ {
			if !inChain[local] && !stripe.slot(segment, uint16(local)).IsEmpty() {
				leaked++
			}
		}

		stripe.rebuildFreeList(stripeLock, segment, inChain)
	}

	stripe.updateEntriesGauge()

	if (0 < truncated) || (0 < leaked) {
		globals.stats.EntriesRepaired.WithLabelValues(stripe.label).Add(float64(truncated + leaked))
		logger.Warnf("stripe[%d] directory check truncated %d chains and reclaimed %d leaked entries", stripe.index, truncated, leaked)
	}

	return
}
