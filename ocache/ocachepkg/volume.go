// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/ocache/blockdev"
	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/utils"
)

// dirCopyStruct is a directory copy found valid on disk.
type dirCopyStruct struct {
	copyIndex int
	header    *clayout.StripeHeaderV1Struct
	buf       []byte // The entire copy
}

func openVolume() (err error) {
	var (
		stripeLen uint64
	)

	if "" == globals.config.VolumePath {
		globals.device = blockdev.NewRAM("ram", globals.config.VolumeSize)
	} else {
		globals.device, err = blockdev.OpenFile(globals.config.VolumePath, globals.config.VolumeSize, globals.config.DirectIO)
		if nil != err {
			return
		}
	}

	stripeLen = utils.RoundDown(globals.device.Size()/uint64(globals.config.StripeCount), clayout.HeaderSlotSize)

	globals.stripeLayout, err = clayout.ComputeStripeLayout(stripeLen, globals.config.AverageObjectSize, globals.config.MaxFragmentSize)
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "%s cannot hold %d stripes: %v", globals.device.Name(), globals.config.StripeCount, err)
		_ = globals.device.Close()
		return
	}

	dataLen := globals.stripeLayout.DataLen

	if globals.maxDocLen > (dataLen / 4) {
		err = blunder.NewError(blunder.InvalidArgError, "[OCache]MaxFragmentSize (%v) too large for a data ring of %v bytes", globals.config.MaxFragmentSize, dataLen)
		_ = globals.device.Close()
		return
	}

	globals.inFlightLimit = 2 * uint64(globals.config.AIOThreadsPerDevice) * globals.maxDocLen
	if globals.inFlightLimit < (4 * globals.maxDocLen) {
		globals.inFlightLimit = 4 * globals.maxDocLen
	}
	if globals.inFlightLimit > (dataLen / 2) {
		globals.inFlightLimit = dataLen / 2
	}

	globals.cleanAheadLen = utils.RoundUp(dataLen/64, clayout.BlockSize)

	globals.stripes = make([]*stripeStruct, globals.config.StripeCount)
	for i := range globals.stripes {
		globals.stripes[i] = newStripe(i, globals.stripeLayout)
	}

	if globals.config.Reformat {
		err = formatVolume()
	} else {
		err = loadVolume()
	}
	if nil != err {
		_ = globals.device.Close()
		globals.stripes = nil
	}

	return
}

func closeVolume() (err error) {
	if nil == globals.device {
		return
	}

	err = globals.device.Close()
	globals.device = nil

	return
}

// formatVolume assigns a new volume UUID and empties every stripe.
func formatVolume() (err error) {
	var (
		group errgroup.Group
	)

	if uuid.Nil == globals.config.VolumeUUID {
		globals.volumeUUID = uuid.New()
	} else {
		globals.volumeUUID = globals.config.VolumeUUID
	}

	logger.Infof("formatting %s as volume %v (%d stripes)", globals.device.Name(), globals.volumeUUID, len(globals.stripes))

	for _, stripe := range globals.stripes {
		stripe := stripe
		group.Go(stripe.format)
	}

	err = group.Wait()

	return
}

// loadVolume adopts the volume UUID of stripe 0 (formatting the volume should
// stripe 0 have no valid directory copy) and then loads every stripe. A volume
// whose UUID differs from a configured [OCache]VolumeUUID is refused.
func loadVolume() (err error) {
	var (
		dirCopy *dirCopyStruct
		group   errgroup.Group
	)

	dirCopy, err = globals.stripes[0].newestDirCopy(nil)
	if nil != err {
		return
	}
	if nil == dirCopy {
		logger.Infof("%s holds no valid directory for stripe 0", globals.device.Name())
		err = formatVolume()
		return
	}

	copy(globals.volumeUUID[:], dirCopy.header.VolumeUUID[:])

	if (uuid.Nil != globals.config.VolumeUUID) && (globals.config.VolumeUUID != globals.volumeUUID) {
		err = blunder.NewError(blunder.InvalidArgError, "%s holds volume %v but [OCache]VolumeUUID is %v", globals.device.Name(), globals.volumeUUID, globals.config.VolumeUUID)
		return
	}

	for _, stripe := range globals.stripes {
		stripe := stripe
		group.Go(stripe.load)
	}

	err = group.Wait()

	return
}

// format empties stripe and writes its directory.
func (stripe *stripeStruct) format() (err error) {
	stripeLock := stripe.lock()
	stripe.resetDirectory(stripeLock)
	stripe.syncSerial = 0
	stripe.createTimeNano = uint64(time.Now().UnixNano())
	stripe.clearDegraded(stripeLock)
	stripeLock.unlock()

	err = stripe.sync()

	return
}

// readDirCopy returns directory copy copyIndex if its header and footer agree
// and describe this stripe (of volume volumeUUID if non-nil).
func (stripe *stripeStruct) readDirCopy(copyIndex int, volumeUUID *uuid.UUID) (dirCopy *dirCopyStruct, err error) {
	var (
		footer *clayout.StripeFooterV1Struct
		header *clayout.StripeHeaderV1Struct
	)

	layout := stripe.layout
	buf := make([]byte, layout.DirCopyLen)

	err = globals.device.ReadAt(buf, stripe.base+layout.DirCopyOffset(copyIndex))
	if nil != err {
		return
	}

	header, err = clayout.UnmarshalStripeHeaderV1(buf[:clayout.HeaderSlotSize])
	if nil != err {
		logger.Tracef("stripe[%d] directory copy %d header invalid: %v", stripe.index, copyIndex, err)
		err = nil
		return
	}
	footer, err = clayout.UnmarshalStripeFooterV1(buf[layout.FooterOffset():])
	if nil != err {
		logger.Tracef("stripe[%d] directory copy %d footer invalid: %v", stripe.index, copyIndex, err)
		err = nil
		return
	}

	switch {
	case (header.SyncSerial != footer.SyncSerial) || (header.Phase != footer.Phase):
		logger.Infof("stripe[%d] directory copy %d incomplete (header %d/%d footer %d/%d)", stripe.index, copyIndex, header.SyncSerial, header.Phase, footer.SyncSerial, footer.Phase)
	case uint64(copyIndex) != (header.SyncSerial % 2):
		logger.Infof("stripe[%d] directory copy %d holds serial %d", stripe.index, copyIndex, header.SyncSerial)
	case (uint32(stripe.index) != header.StripeIndex) ||
		(layout.Segments != header.Segments) ||
		(layout.Buckets != header.Buckets) ||
		(layout.DataStart != header.DataStart) ||
		(layout.DataLen != header.DataLen) ||
		(header.WritePos >= layout.DataLen):
		logger.Infof("stripe[%d] directory copy %d geometry does not match configuration", stripe.index, copyIndex)
	case (nil != volumeUUID) && (*volumeUUID != uuid.UUID(header.VolumeUUID)):
		logger.Infof("stripe[%d] directory copy %d belongs to volume %v", stripe.index, copyIndex, uuid.UUID(header.VolumeUUID))
	default:
		dirCopy = &dirCopyStruct{
			copyIndex: copyIndex,
			header:    header,
			buf:       buf,
		}
	}

	return
}

// newestDirCopy returns the valid directory copy with the higher SyncSerial
// (or nil if neither is valid).
func (stripe *stripeStruct) newestDirCopy(volumeUUID *uuid.UUID) (dirCopy *dirCopyStruct, err error) {
	for copyIndex := 0; copyIndex < 2; copyIndex++ {
		candidate, readErr := stripe.readDirCopy(copyIndex, volumeUUID)
		if nil != readErr {
			err = readErr
			return
		}
		if (nil != candidate) && ((nil == dirCopy) || (candidate.header.SyncSerial > dirCopy.header.SyncSerial)) {
			dirCopy = candidate
		}
	}

	return
}

// load installs the newest valid directory copy, repairs it, and recovers from
// writes made after it was taken. A stripe without a valid copy is formatted.
func (stripe *stripeStruct) load() (err error) {
	var (
		dirCopy *dirCopyStruct
	)

	volumeUUID := globals.volumeUUID

	dirCopy, err = stripe.newestDirCopy(&volumeUUID)
	if nil != err {
		return
	}
	if nil == dirCopy {
		logger.Warnf("stripe[%d] has no valid directory... formatting it", stripe.index)
		err = stripe.format()
		return
	}

	header := dirCopy.header
	layout := stripe.layout

	stripeLock := stripe.lock()

	stripe.resetDirectory(stripeLock)

	err = clayout.UnmarshalDirEntries(dirCopy.buf[layout.EntriesBase:layout.EntriesBase+layout.EntriesLen], stripe.dirEntries)
	if nil != err {
		stripeLock.unlock()
		return
	}

	stripe.syncSerial = header.SyncSerial
	stripe.createTimeNano = header.CreateTimeNano

	_, _ = stripe.check(stripeLock)

	// Entries not rewritten by the sync that produced this copy are stale
	phase := uint16(header.Phase)
	discarded := stripe.removeEverywhere(func(candidate *clayout.DirEntryV1Struct) bool {
		return candidate.Phase() != phase
	})

	stripeLock.unlock()

	logger.Infof("stripe[%d] loaded directory copy %d (serial %d) with %d entries (%d stale discarded)", stripe.index, dirCopy.copyIndex, header.SyncSerial, stripe.liveEntries, discarded)

	err = stripe.recover(header)

	return
}

// scanDoc returns the length of the document at offset if it is intact and was
// written after the directory sync numbered syncSerial began.
func (stripe *stripeStruct) scanDoc(offset uint64, syncSerial uint64) (docLen uint64, ok bool) {
	dataLen := stripe.layout.DataLen

	if (offset + clayout.BlockSize) > dataLen {
		return
	}

	headerBuf := make([]byte, clayout.BlockSize)
	if nil != globals.device.ReadAt(headerBuf, stripe.dataBase+offset) {
		return
	}

	docHeader, err := clayout.UnmarshalDocHeaderV1(headerBuf[:clayout.DocHeaderLen()])
	if (nil != err) ||
		(docHeader.VolumeUUID != globals.volumeUUID) ||
		(uint32(stripe.index) != docHeader.StripeIndex) ||
		(docHeader.SyncSerial < syncSerial) {
		return
	}

	docLen = clayout.DocLen(docHeader.DataLen)
	if (docLen > clayout.MaxDocSize) || ((offset + docLen) > dataLen) {
		return
	}

	docBuf := make([]byte, docLen)
	if nil != globals.device.ReadAt(docBuf, stripe.dataBase+offset) {
		return
	}

	_, _, err = clayout.UnmarshalDoc(docBuf)
	ok = (nil == err)

	return
}

// recover walks the data ring forward from the cursor recorded in header over
// every document written since. Directory entries for the region overwritten
// (plus the window of writes that may have been in flight) are removed, the
// cursor is advanced past the last such document, and the directory is
// immediately synced.
func (stripe *stripeStruct) recover(header *clayout.StripeHeaderV1Struct) (err error) {
	var (
		docLen  uint64
		ok      bool
		wrapped bool
	)

	dataLen := stripe.layout.DataLen
	pos := header.WritePos
	wraps := header.WriteWraps
	scanned := uint64(0)

	for scanned < dataLen {
		docLen, ok = stripe.scanDoc(pos, header.SyncSerial)
		if !ok {
			// The write following an unused tail starts at the beginning of the
			// ring (unless the scan itself started there)
			if wrapped || (0 == pos) || (0 == header.WritePos) {
				break
			}
			docLen, ok = stripe.scanDoc(0, header.SyncSerial)
			if !ok {
				break
			}
			scanned += dataLen - pos
			pos = 0
			wraps++
			wrapped = true
		}

		pos += docLen
		scanned += docLen
	}

	startLogical := (header.WriteWraps * dataLen) + header.WritePos
	endLogical := (wraps * dataLen) + pos

	stripeLock := stripe.lock()

	stripe.cleanedTo = startLogical
	stripe.cleanTo(stripeLock, endLogical+globals.inFlightLimit)
	if pos >= dataLen {
		pos = 0
		wraps++
	}
	stripe.writePos = pos
	stripe.writeWraps = wraps

	stripeLock.unlock()

	if endLogical != startLogical {
		logger.Infof("stripe[%d] recovered %d bytes written after directory sync %d", stripe.index, endLogical-startLogical, header.SyncSerial)
	}

	err = stripe.sync()

	return
}

func clearDegraded() {
	for _, stripe := range globals.stripes {
		stripeLock := stripe.lock()
		stripe.clearDegraded(stripeLock)
		stripeLock.unlock()
	}
}

func checkAllStripes() (truncated int, leaked int) {
	for _, stripe := range globals.stripes {
		stripeLock := stripe.lock()
		stripeTruncated, stripeLeaked := stripe.check(stripeLock)
		stripeLock.unlock()
		truncated += stripeTruncated
		leaked += stripeLeaked
	}
	return
}

func inspect() (stripeReports []StripeReport) {
	stripeReports = make([]StripeReport, 0, len(globals.stripes))

	for _, stripe := range globals.stripes {
		stripeLock := stripe.lock()

		cachedVectors, _ := stripe.urlIndex.Len()

		freeSlots := uint64(0)
		for _, freeCount := range stripe.freeCount {
			freeSlots += uint64(freeCount)
		}

		stripeReports = append(stripeReports, StripeReport{
			Index:          stripe.index,
			StripeLen:      stripe.layout.StripeLen,
			Segments:       stripe.layout.Segments,
			Buckets:        stripe.layout.Buckets,
			TotalSlots:     stripe.layout.TotalSlots,
			LiveEntries:    stripe.liveEntries,
			FreeSlots:      freeSlots,
			DataLen:        stripe.layout.DataLen,
			WritePos:       stripe.writePos,
			WriteWraps:     stripe.writeWraps,
			SyncSerial:     stripe.syncSerial,
			CachedVectors:  cachedVectors,
			InFlightWrites: stripe.inFlight.Len(),
			Degraded:       stripe.degraded,
		})

		stripeLock.unlock()
	}

	return
}

func (stripeReport *StripeReport) String() string {
	return fmt.Sprintf("stripe[%d] entries %d/%d cursor %d (wraps %d) serial %d degraded %v",
		stripeReport.Index, stripeReport.LiveEntries, stripeReport.TotalSlots, stripeReport.WritePos, stripeReport.WriteWraps, stripeReport.SyncSerial, stripeReport.Degraded)
}
