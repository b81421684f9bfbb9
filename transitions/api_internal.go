// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
	isUp        bool
}

type globalsStruct struct {
	sync.Mutex       // Protects insertions into registration{List|Set} during init() phase and serializes transitions
	registrationList *list.List
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
}

var globals globalsStruct

func init() {
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	defer globals.Unlock()

	_, alreadyRegistered := globals.registrationSet[packageName]
	if alreadyRegistered {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}

	registrationItem := &registrationItemStruct{packageName: packageName, callbacks: callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	for registrationListElement := globals.registrationList.Front(); nil != registrationListElement; registrationListElement = registrationListElement.Next() {
		registrationItem := registrationListElement.Value.(*registrationItemStruct)
		if registrationItem.isUp {
			continue
		}

		logger.Tracef("transitions calling %s.Up()", registrationItem.packageName)

		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			logger.ErrorfWithError(err, "transitions.Up() call to %s.Up() failed", registrationItem.packageName)
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			_ = downLocked(confMap)
			return
		}

		registrationItem.isUp = true
	}

	logger.Infof("transitions.Up() returning successfully")

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	for registrationListElement := globals.registrationList.Back(); nil != registrationListElement; registrationListElement = registrationListElement.Prev() {
		registrationItem := registrationListElement.Value.(*registrationItemStruct)
		if !registrationItem.isUp {
			continue
		}
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
			return
		}
	}

	for registrationListElement := globals.registrationList.Front(); nil != registrationListElement; registrationListElement = registrationListElement.Next() {
		registrationItem := registrationListElement.Value.(*registrationItemStruct)
		if !registrationItem.isUp {
			continue
		}
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			return
		}
	}

	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	err = downLocked(confMap)

	return
}

// downLocked takes every package that is up Down() in reverse registration
// order. The first failure is reported but does not stop the remaining calls.
func downLocked(confMap conf.ConfMap) (err error) {
	for registrationListElement := globals.registrationList.Back(); nil != registrationListElement; registrationListElement = registrationListElement.Prev() {
		registrationItem := registrationListElement.Value.(*registrationItemStruct)
		if !registrationItem.isUp {
			continue
		}

		if "logger" != registrationItem.packageName {
			logger.Tracef("transitions calling %s.Down()", registrationItem.packageName)
		}

		downErr := registrationItem.callbacks.Down(confMap)
		registrationItem.isUp = false
		if (nil != downErr) && (nil == err) {
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, downErr)
		}
	}

	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.Signaled(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
