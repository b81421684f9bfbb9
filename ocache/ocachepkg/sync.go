// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/halter"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/utils"
)

// Directory syncs alternate between the two on-disk copies (copy SyncSerial%2).
// Every entry written is stamped with the phase ((SyncSerial>>1)&1) so that
// entries surviving from the copy's previous sync (two serials earlier, and
// hence of the opposite phase) are discarded on load. The header is written
// first and the footer last; a copy whose header and footer disagree was torn.

func syncAllStripes() (err error) {
	var (
		group errgroup.Group
	)

	for _, stripe := range globals.stripes {
		stripe := stripe
		group.Go(stripe.sync)
	}

	err = group.Wait()

	return
}

// sync snapshots the directory (under the stripe lock) and writes the snapshot
// to the copy selected by the new SyncSerial. Documents written once the
// snapshot is taken carry the new SyncSerial (or later) allowing recover() to
// find them.
func (stripe *stripeStruct) sync() (err error) {
	var (
		entriesBuf []byte
		footerBuf  []byte
		headerBuf  []byte
		packed     []byte
	)

	stripe.syncMutex.Lock()
	defer stripe.syncMutex.Unlock()

	stopwatch := utils.NewStopwatch()

	err = halter.Trigger(halter.OCacheDirSync)
	if nil != err {
		err = blunder.AddError(err, blunder.StorageIOError)
		stripe.syncFailed(err)
		return
	}

	layout := stripe.layout

	stripeLock := stripe.lock()

	syncSerial := stripe.syncSerial + 1
	phase := uint16((syncSerial >> 1) & 1)

	entries := make([]clayout.DirEntryV1Struct, len(stripe.dirEntries))
	copy(entries, stripe.dirEntries)

	header := &clayout.StripeHeaderV1Struct{
		Magic:          clayout.StripeHeaderMagic,
		Version:        clayout.StripeHeaderVersionV1,
		VolumeUUID:     globals.volumeUUID,
		StripeIndex:    uint32(stripe.index),
		Segments:       layout.Segments,
		Buckets:        layout.Buckets,
		Phase:          uint32(phase),
		SyncSerial:     syncSerial,
		WritePos:       stripe.writePos,
		WriteWraps:     stripe.writeWraps,
		DataStart:      layout.DataStart,
		DataLen:        layout.DataLen,
		CreateTimeNano: stripe.createTimeNano,
		SyncTimeNano:   uint64(time.Now().UnixNano()),
	}

	stripe.syncSerial = syncSerial

	stripeLock.unlock()

	for i := range entries {
		if !entries[i].IsEmpty() {
			entries[i].SetPhase(phase)
		}
	}

	headerBuf = make([]byte, clayout.HeaderSlotSize)
	packed, err = header.MarshalStripeHeaderV1()
	if nil != err {
		logger.Fatalf("stripe[%d] MarshalStripeHeaderV1() failed: %v", stripe.index, err)
	}
	copy(headerBuf, packed)

	entriesBuf = make([]byte, layout.FooterOffset()-layout.EntriesBase)
	err = clayout.MarshalDirEntries(entries, entriesBuf[:layout.EntriesLen])
	if nil != err {
		logger.Fatalf("stripe[%d] MarshalDirEntries() failed: %v", stripe.index, err)
	}

	footer := &clayout.StripeFooterV1Struct{
		Magic:      clayout.StripeFooterMagic,
		Phase:      uint32(phase),
		SyncSerial: syncSerial,
	}

	footerBuf = make([]byte, clayout.HeaderSlotSize)
	packed, err = footer.MarshalStripeFooterV1()
	if nil != err {
		logger.Fatalf("stripe[%d] MarshalStripeFooterV1() failed: %v", stripe.index, err)
	}
	copy(footerBuf, packed)

	copyBase := stripe.base + layout.DirCopyOffset(int(syncSerial%2))

	err = stripe.syncWrite(headerBuf, copyBase)
	if nil == err {
		err = stripe.syncWrite(entriesBuf, copyBase+layout.EntriesBase)
	}
	if nil == err {
		err = stripe.syncWrite(footerBuf, copyBase+layout.FooterOffset())
	}
	if nil == err {
		err = globals.device.Sync()
	}
	if nil != err {
		stripe.syncFailed(err)
		return
	}

	globals.stats.DirSyncSeconds.WithLabelValues(stripe.label).Observe(stopwatch.Stop().Seconds())

	logger.Tracef("stripe[%d] directory sync %d (phase %d) to copy %d took %v", stripe.index, syncSerial, phase, syncSerial%2, stopwatch.Elapsed())

	return
}

// syncWrite writes buf in chunks paced by the directory sync rate limiter.
func (stripe *stripeStruct) syncWrite(buf []byte, offset uint64) (err error) {
	for chunkStart := 0; chunkStart < len(buf); chunkStart += dirSyncChunkSize {
		chunkEnd := chunkStart + dirSyncChunkSize
		if chunkEnd > len(buf) {
			chunkEnd = len(buf)
		}

		err = globals.dirSyncLimiter.WaitN(context.Background(), chunkEnd-chunkStart)
		if nil != err {
			return
		}

		err = globals.device.WriteAt(buf[chunkStart:chunkEnd], offset+uint64(chunkStart))
		if nil != err {
			return
		}
	}

	return
}

func (stripe *stripeStruct) syncFailed(err error) {
	stripeLock := stripe.lock()
	stripe.markDegraded(stripeLock, err)
	stripeLock.unlock()

	logger.ErrorfWithError(err, "stripe[%d] directory sync failed", stripe.index)
}

func startDirSyncDaemon() {
	if 0 == globals.config.DirSyncInterval {
		return
	}

	globals.dirSyncStopChan = make(chan struct{})
	globals.dirSyncDoneChan = make(chan struct{})

	go dirSyncDaemon(time.NewTicker(globals.config.DirSyncInterval), globals.dirSyncStopChan, globals.dirSyncDoneChan)
}

func stopDirSyncDaemon() {
	if nil == globals.dirSyncStopChan {
		return
	}

	close(globals.dirSyncStopChan)
	<-globals.dirSyncDoneChan

	globals.dirSyncStopChan = nil
	globals.dirSyncDoneChan = nil
}

func dirSyncDaemon(ticker *time.Ticker, stopChan chan struct{}, doneChan chan struct{}) {
	defer close(doneChan)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := syncAllStripes()
			if nil != err {
				logger.WarnfWithError(err, "periodic directory sync failed")
			}
		case <-stopChan:
			return
		}
	}
}
