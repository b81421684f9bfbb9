// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ocachepkg

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/NVIDIA/ocache/blockdev"
	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/clayout"
	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/platform"
	"github.com/NVIDIA/ocache/transitions"
	"github.com/NVIDIA/ocache/utils"
)

const (
	openWritePolicyReject = "reject"
	openWritePolicyRetry  = "retry"

	dirSyncChunkSize = 64 * 1024 // Rate limiter granularity for directory flush writes
)

type configStruct struct {
	VolumePath          string // == "" selects an in-RAM volume
	VolumeSize          uint64 // == 0 uses the size of an existing VolumePath
	StripeCount         uint32
	AverageObjectSize   uint64
	MaxFragmentSize     uint64
	MaxAlternates       uint32
	EventThreads        uint32
	AIOThreadsPerDevice uint32
	MutexRetryDelay     time.Duration
	OpenWritePolicy     string // One of openWritePolicy{Reject|Retry}
	OpenWriteRetries    uint32
	DirSyncInterval     time.Duration // == 0 disables the periodic sync daemon
	DirSyncRateLimit    uint64        // bytes/second; == 0 means unlimited
	DirectIO            bool
	Reformat            bool
	VolumeUUID          uuid.UUID // == uuid.Nil accepts (or formats with) any volume UUID
	HTTPServerIPAddr    string
	HTTPServerPort      uint16 // == 0 disables the HTTP server
}

type globalsStruct struct {
	sync.Mutex                                  //
	config          configStruct                //
	up              bool                        //
	device          blockdev.Device             //
	volumeUUID      uuid.UUID                   //
	stripeLayout    *clayout.StripeLayoutStruct //
	stripes         []*stripeStruct             //
	maxDocLen       uint64                      // clayout.DocLen(config.MaxFragmentSize)
	inFlightLimit   uint64                      // Bound on ring bytes between the oldest in-flight write and the cursor
	cleanAheadLen   uint64                      // Ring bytes reclaimed ahead of the cursor per clean pass
	eventThreads    []*eventThreadStruct        //
	nextEventThread uint64                      // Round-robin selector (atomic)
	aioSemaphore    *semaphore.Weighted         // Bounds concurrent device I/Os
	aioWG           sync.WaitGroup              // Device I/Os submitted but not yet complete
	liveVCs         map[*cacheVCStruct]struct{} // VCs yet to reach a terminal state
	dirSyncLimiter  *rate.Limiter               //
	dirSyncStopChan chan struct{}               //
	dirSyncDoneChan chan struct{}               //
	httpServer      *http.Server                //
	httpServerWG    sync.WaitGroup              //
	stats           *statsStruct                //
}

var globals globalsStruct

func init() {
	transitions.Register("ocachepkg", &globals)
}

func fetchOptionValueUint32WithDefault(confMap conf.ConfMap, optionName string, defaultValue uint32) (optionValue uint32, err error) {
	optionValue, err = confMap.FetchOptionValueUint32("OCache", optionName)
	if nil != err {
		_, missingErr := confMap.FetchOptionValueStringSlice("OCache", optionName)
		if nil != missingErr {
			optionValue = defaultValue
			err = nil
		}
	}
	return
}

func fetchOptionValueByteSizeWithDefault(confMap conf.ConfMap, optionName string, defaultValue uint64) (optionValue uint64, err error) {
	optionValue, err = confMap.FetchOptionValueByteSize("OCache", optionName)
	if nil != err {
		_, missingErr := confMap.FetchOptionValueStringSlice("OCache", optionName)
		if nil != missingErr {
			optionValue = defaultValue
			err = nil
		}
	}
	return
}

func fetchOptionValueUUIDWithDefault(confMap conf.ConfMap, optionName string, defaultValue uuid.UUID) (optionValue uuid.UUID, err error) {
	optionValue, err = confMap.FetchOptionValueUUID("OCache", optionName)
	if nil != err {
		_, missingErr := confMap.FetchOptionValueStringSlice("OCache", optionName)
		if nil != missingErr {
			optionValue = defaultValue
			err = nil
		}
	}
	return
}

func fetchOptionValueDurationWithDefault(confMap conf.ConfMap, optionName string, defaultValue time.Duration) (optionValue time.Duration, err error) {
	optionValue, err = confMap.FetchOptionValueDuration("OCache", optionName)
	if nil != err {
		_, missingErr := confMap.FetchOptionValueStringSlice("OCache", optionName)
		if nil != missingErr {
			optionValue = defaultValue
			err = nil
		}
	}
	return
}

func fetchOptionValueBoolWithDefault(confMap conf.ConfMap, optionName string, defaultValue bool) (optionValue bool, err error) {
	optionValue, err = confMap.FetchOptionValueBool("OCache", optionName)
	if nil != err {
		_, missingErr := confMap.FetchOptionValueStringSlice("OCache", optionName)
		if nil != missingErr {
			optionValue = defaultValue
			err = nil
		}
	}
	return
}

func fetchOptionValueStringWithDefault(confMap conf.ConfMap, optionName string, defaultValue string) (optionValue string, err error) {
	optionValue, err = confMap.FetchOptionValueString("OCache", optionName)
	if nil != err {
		_, missingErr := confMap.FetchOptionValueStringSlice("OCache", optionName)
		if nil != missingErr {
			optionValue = defaultValue
			err = nil
		}
	}
	return
}

func parseConfMap(confMap conf.ConfMap) (config configStruct, err error) {
	config.VolumePath, err = fetchOptionValueStringWithDefault(confMap, "VolumePath", "")
	if nil != err {
		return
	}
	config.VolumeSize, err = fetchOptionValueByteSizeWithDefault(confMap, "VolumeSize", 0)
	if nil != err {
		return
	}
	config.StripeCount, err = fetchOptionValueUint32WithDefault(confMap, "StripeCount", 1)
	if nil != err {
		return
	}
	config.AverageObjectSize, err = fetchOptionValueByteSizeWithDefault(confMap, "AverageObjectSize", 8000)
	if nil != err {
		return
	}
	config.MaxFragmentSize, err = fetchOptionValueByteSizeWithDefault(confMap, "MaxFragmentSize", 1024*1024)
	if nil != err {
		return
	}
	config.MaxAlternates, err = fetchOptionValueUint32WithDefault(confMap, "MaxAlternates", 5)
	if nil != err {
		return
	}
	config.EventThreads, err = fetchOptionValueUint32WithDefault(confMap, "EventThreads", 4)
	if nil != err {
		return
	}
	config.AIOThreadsPerDevice, err = fetchOptionValueUint32WithDefault(confMap, "AIOThreadsPerDevice", 8)
	if nil != err {
		return
	}
	config.MutexRetryDelay, err = fetchOptionValueDurationWithDefault(confMap, "MutexRetryDelay", 2*time.Millisecond)
	if nil != err {
		return
	}
	config.OpenWritePolicy, err = fetchOptionValueStringWithDefault(confMap, "OpenWritePolicy", openWritePolicyReject)
	if nil != err {
		return
	}
	config.OpenWriteRetries, err = fetchOptionValueUint32WithDefault(confMap, "OpenWriteRetries", 10)
	if nil != err {
		return
	}
	config.DirSyncInterval, err = fetchOptionValueDurationWithDefault(confMap, "DirSyncInterval", 60*time.Second)
	if nil != err {
		return
	}
	config.DirSyncRateLimit, err = fetchOptionValueByteSizeWithDefault(confMap, "DirSyncRateLimit", 0)
	if nil != err {
		return
	}
	config.DirectIO, err = fetchOptionValueBoolWithDefault(confMap, "DirectIO", false)
	if nil != err {
		return
	}
	config.Reformat, err = fetchOptionValueBoolWithDefault(confMap, "Reformat", false)
	if nil != err {
		return
	}
	config.VolumeUUID, err = fetchOptionValueUUIDWithDefault(confMap, "VolumeUUID", uuid.Nil)
	if nil != err {
		return
	}
	config.HTTPServerIPAddr, err = fetchOptionValueStringWithDefault(confMap, "HTTPServerIPAddr", "127.0.0.1")
	if nil != err {
		return
	}
	config.HTTPServerPort, err = confMap.FetchOptionValueUint16("OCache", "HTTPServerPort")
	if nil != err {
		config.HTTPServerPort = 0
		err = nil
	}

	config.OpenWritePolicy = strings.ToLower(config.OpenWritePolicy)

	switch {
	case ("" == config.VolumePath) && (0 == config.VolumeSize):
		err = fmt.Errorf("[OCache]VolumeSize must be specified for an in-RAM volume")
	case ("" == config.VolumePath) && (config.VolumeSize > platform.MemSize()):
		err = fmt.Errorf("[OCache]VolumeSize (%d) of an in-RAM volume exceeds host memory", config.VolumeSize)
	case 0 == config.StripeCount:
		err = fmt.Errorf("[OCache]StripeCount must be non-zero")
	case 0 == config.MaxFragmentSize:
		err = fmt.Errorf("[OCache]MaxFragmentSize must be non-zero")
	case 0 == config.MaxAlternates:
		err = fmt.Errorf("[OCache]MaxAlternates must be non-zero")
	case 0 == config.EventThreads:
		err = fmt.Errorf("[OCache]EventThreads must be non-zero")
	case 0 == config.AIOThreadsPerDevice:
		err = fmt.Errorf("[OCache]AIOThreadsPerDevice must be non-zero")
	case (openWritePolicyReject != config.OpenWritePolicy) && (openWritePolicyRetry != config.OpenWritePolicy):
		err = fmt.Errorf("[OCache]OpenWritePolicy must be one of \"%s\" or \"%s\"", openWritePolicyReject, openWritePolicyRetry)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
	}

	return
}

func initializeGlobals(confMap conf.ConfMap) (err error) {
	globals.config, err = parseConfMap(confMap)
	if nil != err {
		return
	}

	logger.Infof("globals.config:\n%s", utils.JSONify(globals.config, true))

	globals.maxDocLen = clayout.DocLen(globals.config.MaxFragmentSize)
	if globals.maxDocLen > clayout.MaxDocSize {
		err = blunder.NewError(blunder.InvalidArgError, "[OCache]MaxFragmentSize (%v) too large (documents are limited to %v bytes)", globals.config.MaxFragmentSize, clayout.MaxDocSize)
		return
	}

	globals.aioSemaphore = semaphore.NewWeighted(int64(globals.config.AIOThreadsPerDevice))

	if 0 == globals.config.DirSyncRateLimit {
		globals.dirSyncLimiter = rate.NewLimiter(rate.Inf, dirSyncChunkSize)
	} else {
		globals.dirSyncLimiter = rate.NewLimiter(rate.Limit(globals.config.DirSyncRateLimit), dirSyncChunkSize)
	}

	globals.stats = newStats()

	globals.liveVCs = make(map[*cacheVCStruct]struct{})

	return
}

func uninitializeGlobals() {
	globals.config = configStruct{}
	globals.device = nil
	globals.stripeLayout = nil
	globals.stripes = nil
	globals.maxDocLen = 0
	globals.inFlightLimit = 0
	globals.cleanAheadLen = 0
	globals.eventThreads = nil
	globals.aioSemaphore = nil
	globals.liveVCs = nil
	globals.dirSyncLimiter = nil
	globals.stats = nil
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = initializeGlobals(confMap)
	if nil != err {
		return
	}

	err = openVolume()
	if nil != err {
		uninitializeGlobals()
		return
	}

	startEventThreads()
	startDirSyncDaemon()

	err = startHTTPServer()
	if nil != err {
		stopDirSyncDaemon()
		stopEventThreads()
		_ = closeVolume()
		uninitializeGlobals()
		return
	}

	globals.Lock()
	globals.up = true
	globals.Unlock()

	logger.Infof("ocachepkg up: %d stripes of %d bytes on %s", len(globals.stripes), globals.stripeLayout.StripeLen, globals.device.Name())

	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

// SignaledFinish flushes every stripe's directory.
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	err = syncAllStripes()
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.up = false
	globals.Unlock()

	err = stopHTTPServer()
	if nil != err {
		logger.WarnfWithError(err, "stopHTTPServer() failed")
	}

	stopDirSyncDaemon()
	stopEventThreads()

	globals.aioWG.Wait()

	failLiveVCs(blunder.NewError(blunder.NotSupportedError, "ocachepkg stopped"))

	err = syncAllStripes()
	if nil != err {
		logger.WarnfWithError(err, "final directory sync failed")
	}

	err = closeVolume()

	uninitializeGlobals()

	return
}
