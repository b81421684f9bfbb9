// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/transitions"
)

func testSetup(t *testing.T, confStrings []string) (confMap conf.ConfMap, logTarget *logger.LogTarget) {
	var err error

	confMap, err = conf.MakeConfMapFromStrings(append([]string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
	}, confStrings...))
	require.NoError(t, err)

	require.NoError(t, transitions.Up(confMap))

	logTarget = &logger.LogTarget{}
	logTarget.Init(32)
	logger.AddLogTarget(*logTarget)

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, transitions.Down(confMap))
}

func TestTryLock(t *testing.T) {
	assert := assert.New(t)

	confMap, _ := testSetup(t, nil)
	defer testTeardown(t, confMap)

	var m Mutex

	assert.True(m.TryLock())
	assert.False(m.TryLock())
	m.Unlock()

	m.Lock()
	unlocked := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Unlock()
		close(unlocked)
	}()
	<-unlocked
	assert.True(m.TryLock())
	m.Unlock()

	var rw RWMutex
	rw.RLock()
	rw.RLock()
	rw.RUnlock()
	rw.RUnlock()
	rw.Lock()
	rw.Unlock()

	assert.Equal(uint64(0), LongHoldsLogged())
}

func TestLongHoldOnUnlock(t *testing.T) {
	assert := assert.New(t)

	confMap, logTarget := testSetup(t, []string{
		"TrackedLock.LockHoldTimeLimit=20ms",
		"TrackedLock.LockCheckPeriod=0s",
	})
	defer testTeardown(t, confMap)

	var m Mutex

	m.Lock()
	time.Sleep(40 * time.Millisecond)
	m.Unlock()

	assert.Equal(uint64(1), LongHoldsLogged())
	assert.Contains(logTarget.LogBuf.LogEntries[0], "Unlock(): *trackedlock.Mutex")

	var rw RWMutex

	rw.RLock()
	time.Sleep(40 * time.Millisecond)
	rw.RUnlock()

	assert.Equal(uint64(2), LongHoldsLogged())
	assert.Contains(logTarget.LogBuf.LogEntries[0], "RUnlock(): *trackedlock.RWMutex")
}

func TestWatcher(t *testing.T) {
	assert := assert.New(t)

	confMap, _ := testSetup(t, []string{
		"TrackedLock.LockHoldTimeLimit=20ms",
		"TrackedLock.LockCheckPeriod=10ms",
	})
	defer testTeardown(t, confMap)

	var m Mutex

	m.Lock()
	time.Sleep(100 * time.Millisecond)
	heldLogged := LongHoldsLogged()
	m.Unlock()

	assert.True(heldLogged >= 1)
	assert.True(LongHoldsLogged() >= heldLogged+1)

	// Reload with the watcher disabled
	confMap["TrackedLock"]["LockCheckPeriod"] = []string{"0s"}
	assert.NoError(transitions.Signaled(confMap))
}
