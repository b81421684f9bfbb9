// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"time"

	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/transitions"
)

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("trackedlock", &transitionsCallbackInterface)
}

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var err error

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = 0
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = 0
	}

	return
}

// LongHoldsLogged returns how many times a lock has been reported as held too long.
func LongHoldsLogged() (longHoldsLogged uint64) {
	globals.Lock()
	longHoldsLogged = globals.longHoldsLogged
	globals.Unlock()
	return
}

func startWatcher() {
	if (0 == globals.lockCheckPeriod) || (0 == globals.lockHoldTimeLimit) {
		return
	}

	globals.lockCheckTicker = time.NewTicker(globals.lockCheckPeriod)
	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	go lockWatcher(globals.lockCheckTicker.C, globals.stopChan, globals.doneChan)
}

// stopWatcher must be called without globals held as the watcher acquires it.
func stopWatcher() {
	globals.Lock()
	ticker := globals.lockCheckTicker
	stopChan := globals.stopChan
	doneChan := globals.doneChan
	globals.lockCheckTicker = nil
	globals.Unlock()

	if nil == ticker {
		return
	}

	ticker.Stop()
	stopChan <- struct{}{}
	<-doneChan
}

func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	globals.Lock()
	globals.lockHoldTimeLimit = lockHoldTimeLimit
	globals.lockCheckPeriod = lockCheckPeriod
	globals.lockWatcherLocksLogged = 16
	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.longHoldsLogged = 0
	startWatcher()
	globals.Unlock()

	return
}

func (dummy *transitionsCallbackInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

// SignaledFinish applies any change to the hold time limit or check period.
func (dummy *transitionsCallbackInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	globals.Lock()
	unchanged := (lockHoldTimeLimit == globals.lockHoldTimeLimit) && (lockCheckPeriod == globals.lockCheckPeriod)
	globals.Unlock()

	if unchanged {
		return
	}

	stopWatcher()

	globals.Lock()
	logger.Infof("trackedlock lock hold time limit/lock check period changing from %v/%v to %v/%v",
		globals.lockHoldTimeLimit, globals.lockCheckPeriod, lockHoldTimeLimit, lockCheckPeriod)
	globals.lockHoldTimeLimit = lockHoldTimeLimit
	globals.lockCheckPeriod = lockCheckPeriod
	if 0 == lockCheckPeriod {
		globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	}
	startWatcher()
	globals.Unlock()

	return
}

func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	stopWatcher()

	globals.Lock()
	globals.lockHoldTimeLimit = 0
	globals.lockCheckPeriod = 0
	globals.mutexMap = nil
	globals.Unlock()

	return
}
