// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/ocache/ocache/ocachepkg"
)

var (
	inspectCheck bool
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report the state of every stripe of the volume",
	Args:  cobra.NoArgs,
	RunE:  inspectRunE,
}

func inspectRunE(cmd *cobra.Command, args []string) (err error) {
	err = withVolume(func() error {
		out := cmd.OutOrStdout()

		if inspectCheck {
			truncated, leaked := ocachepkg.CheckDirectories()
			fmt.Fprintf(out, "check truncated %d chains and reclaimed %d leaked entries\n", truncated, leaked)
		}

		for _, stripeReport := range ocachepkg.Inspect() {
			fmt.Fprintf(out, "%s\n", stripeReport.String())
			fmt.Fprintf(out, "    %s stripe, %s data ring, %d segments of %d buckets, %s free slots, cursor at %s\n",
				humanize.IBytes(stripeReport.StripeLen),
				humanize.IBytes(stripeReport.DataLen),
				stripeReport.Segments,
				stripeReport.Buckets,
				humanize.Comma(int64(stripeReport.FreeSlots)),
				humanize.IBytes(stripeReport.WritePos))
		}

		return nil
	})

	return
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectCheck, "check", false, "Validate and repair every directory first")
}
