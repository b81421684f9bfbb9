// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"io"
	"net/http"
)

// The synchronous helpers below wait for the final callback of the VC they
// drive and so must never be called from a callback (i.e. an event thread).

func readObject(url string, requestHeader http.Header, sink io.Writer) (alternate *Alternate, err error) {
	doneChan := make(chan error, 1)

	OpenRead(url, requestHeader, func(event Event, vc ReadVC) {
		switch event {
		case CacheEventOpenRead:
			alternate = vc.Alternate()
			vc.DoIORead(sink)
		case VCEventReadReady:
			vc.Reenable()
		case VCEventReadComplete:
			vc.Close()
			doneChan <- nil
		default:
			doneChan <- vc.Err()
			vc.Close()
		}
	})

	err = <-doneChan
	if nil != err {
		alternate = nil
	}

	return
}

func writeObject(url string, writeAttributes *WriteAttributes, source io.Reader, length uint64) (err error) {
	doneChan := make(chan error, 1)

	OpenWrite(url, writeAttributes, func(event Event, vc WriteVC) {
		switch event {
		case CacheEventOpenWrite:
			vc.DoIOWrite(source, length)
		case VCEventWriteReady:
			vc.Reenable()
		case VCEventWriteComplete:
			vc.Close()
			doneChan <- nil
		default:
			doneChan <- vc.Err()
			vc.Close()
		}
	})

	err = <-doneChan

	return
}

func removeObject(url string) (err error) {
	doneChan := make(chan error, 1)

	Remove(url, func(event Event, removeErr error) {
		doneChan <- removeErr
	})

	err = <-doneChan

	return
}
