// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/utils"
)

type globalsStruct struct {
	sync.Mutex                                         // protects everything below
	mutexMap               map[*MutexTrack]interface{} // the locks being watched (RWMutex exclusive holds included)
	lockHoldTimeLimit      time.Duration               // locks held longer than this get logged
	lockCheckPeriod        time.Duration               // check locks once each period
	lockWatcherLocksLogged int                         // max overlimit locks logged by lockWatcher()
	lockCheckTicker        *time.Ticker
	stopChan               chan struct{}
	doneChan               chan struct{}
	longHoldsLogged        uint64 // count of unlocks (or watcher scans) that found a lock held too long
}

var globals globalsStruct

type stackTraceBuf [4040]byte

var stackTraceBufPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceBuf{}
	},
}

// MutexTrack tracks a Mutex (or RWMutex held exclusively).
type MutexTrack struct {
	sync.Mutex                // protects the fields below from the watcher
	isWatched  bool           // true if on globals.mutexMap
	locked     bool
	lockTime   time.Time      // time last lock operation completed
	lockerGoId uint64         // goroutine ID of the last locker
	lockStack  *stackTraceBuf // stack trace when last locked
	stackLen   int
}

// RWMutexTrack tracks an RWMutex. Shared holds are timed per goroutine but not watched.
type RWMutexTrack struct {
	tracker     MutexTrack
	sharedMutex sync.Mutex
	rLockTime   map[uint64]time.Time // GoId -> lock acquired time
}

func trackingParameters() (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	globals.Lock()
	lockHoldTimeLimit = globals.lockHoldTimeLimit
	lockCheckPeriod = globals.lockCheckPeriod
	globals.Unlock()
	return
}

func (mt *MutexTrack) lockTrack(wrappedLock interface{}, rwmt *RWMutexTrack) {
	lockHoldTimeLimit, lockCheckPeriod := trackingParameters()

	mt.Lock()
	mt.locked = true
	mt.lockTime = time.Now()

	if 0 == lockHoldTimeLimit {
		mt.Unlock()
		return
	}

	if nil == mt.lockStack {
		mt.lockStack = stackTraceBufPool.Get().(*stackTraceBuf)
	}
	mt.stackLen = runtime.Stack(mt.lockStack[:], false)
	mt.lockerGoId = utils.StackTraceToGoId(mt.lockStack[:mt.stackLen])

	needsWatching := !mt.isWatched && (0 != lockCheckPeriod)
	mt.isWatched = mt.isWatched || needsWatching
	mt.Unlock()

	if needsWatching {
		globals.Lock()
		if nil != globals.mutexMap {
			globals.mutexMap[mt] = wrappedLock
		}
		globals.Unlock()
	}
}

func (mt *MutexTrack) unlockTrack(wrappedLock interface{}) {
	lockHoldTimeLimit, _ := trackingParameters()

	mt.Lock()
	defer mt.Unlock()

	if (0 != lockHoldTimeLimit) && (time.Since(mt.lockTime) >= lockHoldTimeLimit) {
		unlockStack := stackTraceBufPool.Get().(*stackTraceBuf)
		unlockLen := runtime.Stack(unlockStack[:], false)

		lockStr := "locked before lock tracking enabled\n"
		if nil != mt.lockStack {
			lockStr = string(mt.lockStack[:mt.stackLen])
		}
		logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
			wrappedLock, wrappedLock, time.Since(mt.lockTime).Seconds(), lockStr, string(unlockStack[:unlockLen]))

		stackTraceBufPool.Put(unlockStack)

		globals.Lock()
		globals.longHoldsLogged++
		globals.Unlock()
	}

	mt.locked = false
	if nil != mt.lockStack {
		stackTraceBufPool.Put(mt.lockStack)
		mt.lockStack = nil
		mt.stackLen = 0
	}
}

func (rwmt *RWMutexTrack) lockTrack(wrappedLock interface{}) {
	rwmt.tracker.lockTrack(wrappedLock, rwmt)
}

func (rwmt *RWMutexTrack) unlockTrack(wrappedLock interface{}) {
	rwmt.tracker.unlockTrack(wrappedLock)
}

func (rwmt *RWMutexTrack) rLockTrack(wrappedLock interface{}) {
	lockHoldTimeLimit, _ := trackingParameters()
	if 0 == lockHoldTimeLimit {
		return
	}

	goId := utils.GetGID()

	rwmt.sharedMutex.Lock()
	if nil == rwmt.rLockTime {
		rwmt.rLockTime = make(map[uint64]time.Time)
	}
	rwmt.rLockTime[goId] = time.Now()
	rwmt.sharedMutex.Unlock()
}

func (rwmt *RWMutexTrack) rUnlockTrack(wrappedLock interface{}) {
	lockHoldTimeLimit, _ := trackingParameters()
	if 0 == lockHoldTimeLimit {
		return
	}

	goId := utils.GetGID()

	rwmt.sharedMutex.Lock()
	lockTime, ok := rwmt.rLockTime[goId]
	delete(rwmt.rLockTime, goId)
	rwmt.sharedMutex.Unlock()

	if ok && (time.Since(lockTime) >= lockHoldTimeLimit) {
		logger.Warnf("RUnlock(): %T at %p locked shared by goroutine %d for %f sec",
			wrappedLock, wrappedLock, goId, time.Since(lockTime).Seconds())

		globals.Lock()
		globals.longHoldsLogged++
		globals.Unlock()
	}
}

type longLockHolder struct {
	lockPtr    interface{}
	heldTime   time.Duration
	lockerGoId uint64
	lockStack  string
}

// lockWatcher periodically scans the watched locks, logging the holders of
// (up to lockWatcherLocksLogged of) those held longer than lockHoldTimeLimit.
func lockWatcher(lockCheckChan <-chan time.Time, stopChan chan struct{}, doneChan chan struct{}) {
	for {
		select {
		case <-stopChan:
			doneChan <- struct{}{}
			return
		case <-lockCheckChan:
		}

		globals.Lock()
		lockHoldTimeLimit := globals.lockHoldTimeLimit
		maxLogged := globals.lockWatcherLocksLogged
		watched := make(map[*MutexTrack]interface{}, len(globals.mutexMap))
		for mt, wrappedLock := range globals.mutexMap {
			watched[mt] = wrappedLock
		}
		globals.Unlock()

		now := time.Now()
		longLockHolders := make([]*longLockHolder, 0)

		for mt, wrappedLock := range watched {
			mt.Lock()
			if mt.locked && (now.Sub(mt.lockTime) >= lockHoldTimeLimit) {
				holder := &longLockHolder{
					lockPtr:    wrappedLock,
					heldTime:   now.Sub(mt.lockTime),
					lockerGoId: mt.lockerGoId,
				}
				if nil != mt.lockStack {
					holder.lockStack = string(mt.lockStack[:mt.stackLen])
				}
				longLockHolders = append(longLockHolders, holder)
			}
			mt.Unlock()
		}

		if 0 == len(longLockHolders) {
			continue
		}

		sort.Slice(longLockHolders, func(i, j int) bool {
			return longLockHolders[i].heldTime > longLockHolders[j].heldTime
		})
		if len(longLockHolders) > maxLogged {
			longLockHolders = longLockHolders[:maxLogged]
		}

		for _, holder := range longLockHolders {
			logger.Warnf("trackedlock watcher: %T at %p held %f sec by goroutine %d; stack at call to Lock():\n%s",
				holder.lockPtr, holder.lockPtr, holder.heldTime.Seconds(), holder.lockerGoId, holder.lockStack)
		}

		globals.Lock()
		globals.longHoldsLogged += uint64(len(longLockHolders))
		globals.Unlock()
	}
}
