// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program ocache runs the object cache storage engine as a daemon exposing its
// admin HTTP interface.
//
// The program requires a single argument that is a path to a package config
// formatted configuration to load. Optionally, overrides the the config may
// be passed as additional arguments in the form <section_name>.<option_name>=<value>.
//
// SIGHUP reloads the configuration file (reapplying any overrides) and flushes
// every stripe's directory. SIGINT or SIGTERM flush the directories and exit.
//
package main

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ocache/blunder"
	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/logger"
	"github.com/NVIDIA/ocache/ocache/ocachepkg"
)

func loadConfMap() (confMap conf.ConfMap, err error) {
	confMap, err = conf.MakeConfMapFromFile(os.Args[1])
	if nil != err {
		err = fmt.Errorf("failed to load config: %v", err)
		return
	}

	err = confMap.UpdateFromStrings(os.Args[2:])
	if nil != err {
		err = fmt.Errorf("failed to apply config overrides: %v", err)
	}

	return
}

func main() {
	var (
		confMap        conf.ConfMap
		err            error
		signalChan     chan os.Signal
		signalReceived os.Signal
	)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "no .conf file specified\n")
		os.Exit(1)
	}

	confMap, err = loadConfMap()
	if nil != err {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Start ocache

	err = ocachepkg.Start(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "ocachepkg.Start(confMap) failed: %s\n", blunder.Details(err))
		os.Exit(1)
	}

	logger.Infof("UP")

	// Arm signal handler used to indicate interruption/termination & wait on it
	//
	// Note: signal'd chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan = make(chan os.Signal, 1)

	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	for {
		signalReceived = <-signalChan
		if unix.SIGHUP != signalReceived {
			break
		}

		logger.Infof("Received SIGHUP")

		reloadedConfMap, reloadErr := loadConfMap()
		if nil == reloadErr {
			confMap = reloadedConfMap
		} else {
			logger.WarnfWithError(reloadErr, "keeping prior config")
		}

		err = ocachepkg.Signal(confMap)
		if nil != err {
			logger.WarnfWithError(err, "ocachepkg.Signal() failed")
		}
	}

	// Stop ocache

	logger.Infof("DOWN")

	err = ocachepkg.Stop(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "ocachepkg.Stop() failed: %v\n", err)
		os.Exit(1)
	}
}
