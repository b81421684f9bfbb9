// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/ocache/logger"
)

// eventThreadStruct runs posted continuations one at a time in FIFO order.
// Every handler of a cacheVCStruct (and every callback it issues) runs on the
// single eventThreadStruct the VC was bound to at creation.
type eventThreadStruct struct {
	sync.Mutex               // protects queue & stopped
	index    int             //
	queue    *list.List      // of func()
	stopped  bool            // once set, further post()'s are dropped
	wakeChan chan struct{}   // buffered (1)... signaled on post() to an empty queue
	stopChan chan struct{}   //
	doneWG   *sync.WaitGroup //
}

func startEventThreads() {
	var (
		eventThread *eventThreadStruct
		index       int
	)

	doneWG := &sync.WaitGroup{}

	globals.eventThreads = make([]*eventThreadStruct, globals.config.EventThreads)

	for index = range globals.eventThreads {
		eventThread = &eventThreadStruct{
			index:    index,
			queue:    list.New(),
			wakeChan: make(chan struct{}, 1),
			stopChan: make(chan struct{}),
			doneWG:   doneWG,
		}

		globals.eventThreads[index] = eventThread

		doneWG.Add(1)
		go eventThread.run()
	}
}

// stopEventThreads drops any continuations not yet run. VCs left waiting on
// them are failed by failLiveVCs().
func stopEventThreads() {
	var (
		doneWG      *sync.WaitGroup
		eventThread *eventThreadStruct
	)

	for _, eventThread = range globals.eventThreads {
		eventThread.Lock()
		eventThread.stopped = true
		eventThread.Unlock()
		close(eventThread.stopChan)
		doneWG = eventThread.doneWG
	}

	if nil != doneWG {
		doneWG.Wait()
	}
}

func pickEventThread() (eventThread *eventThreadStruct) {
	index := atomic.AddUint64(&globals.nextEventThread, 1) % uint64(len(globals.eventThreads))
	eventThread = globals.eventThreads[index]
	return
}

func (eventThread *eventThreadStruct) post(continuation func()) {
	eventThread.Lock()
	if eventThread.stopped {
		eventThread.Unlock()
		logger.Tracef("eventThread[%d] stopped... dropping continuation", eventThread.index)
		return
	}
	eventThread.queue.PushBack(continuation)
	eventThread.Unlock()

	select {
	case eventThread.wakeChan <- struct{}{}:
	default:
	}
}

func (eventThread *eventThreadStruct) postAfter(delay time.Duration, continuation func()) {
	if 0 == delay {
		eventThread.post(continuation)
		return
	}

	_ = time.AfterFunc(delay, func() { eventThread.post(continuation) })
}

func (eventThread *eventThreadStruct) run() {
	var (
		continuation func()
		listElement  *list.Element
	)

	defer eventThread.doneWG.Done()

	for {
		eventThread.Lock()
		listElement = eventThread.queue.Front()
		if nil != listElement {
			eventThread.queue.Remove(listElement)
		}
		eventThread.Unlock()

		if nil != listElement {
			continuation = listElement.Value.(func())
			continuation()
			continue
		}

		select {
		case <-eventThread.wakeChan:
		case <-eventThread.stopChan:
			return
		}
	}
}

// aioSubmit performs op on a goroutine once an AIO slot is available and posts
// done(err) back to eventThread. Down() waits for every op submitted.
func aioSubmit(eventThread *eventThreadStruct, op func() error, done func(err error)) {
	globals.aioWG.Add(1)

	go func() {
		var (
			err error
		)

		defer globals.aioWG.Done()

		err = globals.aioSemaphore.Acquire(context.Background(), 1)
		if nil == err {
			globals.stats.AIOInFlight.Inc()
			err = op()
			globals.stats.AIOInFlight.Dec()
			globals.aioSemaphore.Release(1)
		}

		eventThread.post(func() { done(err) })
	}()
}
