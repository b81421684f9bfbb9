// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter provides named fault injection points.
//
// A label may be armed to HALT the process on its Nth Trigger() (crash testing)
// or to make Trigger() return an injected error from its Nth call onward (I/O
// failure testing).
package halter

import (
	"fmt"
	"os"
	"syscall"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	BlockdevReadAt
	BlockdevWriteAt
	OCacheCommitVector
	OCacheDirSync
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"blockdev.ReadAt",
		"blockdev.WriteAt",
		"ocachepkg.CommitVector",
		"ocachepkg.DirSync",
	}
)

type armedTriggerStruct struct {
	remaining uint32 // triggers until the armed action fires
	injectErr bool   // if true, return an error rather than halting
	fired     bool
}

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	arm(haltLabelString, haltAfterCount, false)
}

// ArmError sets up Trigger() to return an injected error on its failAfterCount'd
// call and every call thereafter until Disarm()'d
func ArmError(haltLabelString string, failAfterCount uint32) {
	arm(haltLabelString, failAfterCount, true)
}

func arm(haltLabelString string, afterCount uint32, injectErr bool) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		haltWithErr(fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString))
		return
	}
	if 0 == afterCount {
		haltWithErr(fmt.Errorf("halter.Arm(haltLabel==%v,) called with afterCount==0", haltLabelString))
		return
	}

	globals.armedTriggers[haltLabel] = &armedTriggerStruct{remaining: afterCount, injectErr: injectErr}
}

// Disarm removes a previously armed trigger via a call to Arm() or ArmError()
func Disarm(haltLabelString string) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		haltWithErr(fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString))
		return
	}

	delete(globals.armedTriggers, haltLabel)
}

// Trigger decrements the armed count of haltLabel (if armed) and, should it reach 0,
// either HALTs or returns the injected error
func Trigger(haltLabel uint32) (err error) {
	globals.Lock()
	defer globals.Unlock()

	armedTrigger, armed := globals.armedTriggers[haltLabel]
	if !armed {
		return
	}

	if !armedTrigger.fired {
		armedTrigger.remaining--
		if 0 < armedTrigger.remaining {
			return
		}
		armedTrigger.fired = true
	}

	if armedTrigger.injectErr {
		err = fmt.Errorf("halter: injected failure at %v", globals.triggerNumbersToNames[haltLabel])
		return
	}

	haltWithErr(fmt.Errorf("halter.Trigger(haltLabelString==%v) triggered HALT", globals.triggerNumbersToNames[haltLabel]))

	return
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	defer globals.Unlock()

	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v.remaining
	}
	return
}

// List returns a slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(HaltLabelStrings))
	availableTriggers = append(availableTriggers, HaltLabelStrings...)
	return
}

func haltWithErr(err error) {
	if nil == globals.testModeHaltCB {
		fmt.Println(err)
		os.Exit(int(syscall.SIGKILL))
	} else {
		globals.testModeHaltCB(err)
	}
}
