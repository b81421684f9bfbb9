// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
)

/*
 * The trackedlock package provides an implementation of the sync.Mutex and
 * sync.RWMutex interfaces with additional lock hold tracking.
 *
 * If lock tracking is enabled, the lock hold time is checked on each unlock.
 * When a lock was held longer than "TrackedLock.LockHoldTimeLimit" a warning is
 * logged along with the stack traces of the Lock() and Unlock() calls. In
 * addition, a daemon (the trackedlock watcher) periodically checks every
 * "TrackedLock.LockCheckPeriod" for locks that have been held too long and logs
 * the goroutine ID and stack trace of the holder.
 *
 * A LockHoldTimeLimit of 0 disables tracking and the overhead of this package
 * is minimal. A LockCheckPeriod of 0 disables the watcher.
 *
 * trackedlock locks can be used before this package is brought Up() but will
 * not be tracked until the first time they are locked after that.
 */

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack trace of the locker.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      MutexTrack
}

// RWMutex wraps sync.RWMutex to add tracking of lock hold time and the stack trace of the locker.
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	rwTracker      RWMutexTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m, nil)
}

// TryLock attempts to acquire m without blocking, reporting whether it succeeded.
func (m *Mutex) TryLock() (gotIt bool) {
	gotIt = m.wrappedMutex.TryLock()
	if gotIt {
		m.tracker.lockTrack(m, nil)
	}
	return
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.rwTracker.lockTrack(m)
}

func (m *RWMutex) Unlock() {
	m.rwTracker.unlockTrack(m)

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	m.rwTracker.rLockTrack(m)
}

func (m *RWMutex) RUnlock() {
	m.rwTracker.rUnlockTrack(m)

	m.wrappedRWMutex.RUnlock()
}
