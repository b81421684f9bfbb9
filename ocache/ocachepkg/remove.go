// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"github.com/NVIDIA/ocache/blunder"
)

type removeVCStruct struct {
	cacheVCStruct
	callback RemoveCallback
}

func remove(url string, callback RemoveCallback) {
	removeVC := &removeVCStruct{
		callback: callback,
	}

	err := removeVC.initCacheVC(url, vcStateRemovePending, removeVC.removeFailed)
	if nil != err {
		removeVC.setState(vcStateRemoveFailed)
		callback(CacheEventRemoveFailed, err)
		return
	}

	removeVC.eventThread.post(func() { removeVC.lookup(removeVC.removeDone) })
}

// removeDone unlinks the vector entry of the URL and the fragment entries of
// every alternate. A URL being written cannot be removed.
func (removeVC *removeVCStruct) removeDone(stripeLock *stripeLockStruct, vector *vectorStruct, err error) {
	stripe := removeVC.stripe

	if nil != err {
		removeVC.removeFailed(err)
		return
	}

	if nil == vector {
		stripeLock.unlock()
		removeVC.removeFailed(blunder.NewError(blunder.NotFoundError, "%s not cached", removeVC.url))
		return
	}

	if nil != vector.writer {
		stripeLock.unlock()
		removeVC.removeFailed(blunder.NewError(blunder.BusyError, "%s is being written", removeVC.url))
		return
	}

	for i := range vector.alternates {
		_ = stripe.removeBody(stripeLock, &vector.alternates[i])
	}

	if !vector.dirEntry.IsEmpty() {
		// NotFound if reclaimed by the ring in the meantime
		_ = stripe.remove(stripeLock, removeVC.urlKey, vector.dirEntry)
	}

	stripe.deleteVector(stripeLock, removeVC.urlKey)

	stripeLock.unlock()

	removeVC.setState(vcStateRemoveComplete)
	removeVC.callback(CacheEventRemove, nil)
}

func (removeVC *removeVCStruct) removeFailed(err error) {
	removeVC.setState(vcStateRemoveFailed)
	removeVC.err = err
	removeVC.callback(CacheEventRemoveFailed, err)
}
