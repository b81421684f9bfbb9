// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cmd holds the ocachectl commands. Each brings the volume up per the
// config file (plus any --set overrides), performs its operation, and takes the
// volume down again (flushing its directories).
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NVIDIA/ocache/conf"
	"github.com/NVIDIA/ocache/ocache/ocachepkg"
)

var (
	cfgPath      string
	cfgOverrides []string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "ocachectl",
	Short:         "Inspect and manipulate an ocache volume",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "The .conf file describing the volume")
	rootCmd.PersistentFlags().StringArrayVarP(&cfgOverrides, "set", "s", nil, "Config override of the form <section_name>.<option_name>=<value>")
	_ = rootCmd.MarkPersistentFlagRequired("config")
}

// Execute runs the command selected by os.Args.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfMap(extraOverrides ...string) (confMap conf.ConfMap, err error) {
	confMap, err = conf.MakeConfMapFromFile(cfgPath)
	if nil != err {
		err = fmt.Errorf("failed to load config: %v", err)
		return
	}

	// The admin HTTP interface belongs to the daemon
	err = confMap.UpdateFromStrings(append(append(cfgOverrides, "OCache.HTTPServerPort=0", "OCache.DirSyncInterval=0s"), extraOverrides...))
	if nil != err {
		err = fmt.Errorf("failed to apply config overrides: %v", err)
	}

	return
}

// withVolume brings the volume up, invokes op, and brings it back down.
func withVolume(op func() error, extraOverrides ...string) (err error) {
	confMap, err := loadConfMap(extraOverrides...)
	if nil != err {
		return
	}

	err = ocachepkg.Start(confMap)
	if nil != err {
		err = fmt.Errorf("ocachepkg.Start() failed: %v", err)
		return
	}

	err = op()

	stopErr := ocachepkg.Stop(confMap)
	if (nil == err) && (nil != stopErr) {
		err = fmt.Errorf("ocachepkg.Stop() failed: %v", stopErr)
	}

	return
}
