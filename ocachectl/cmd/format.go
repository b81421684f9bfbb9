// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/ocache/ocache/ocachepkg"
)

// formatCmd represents the format command
var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Discard the contents of the volume assigning it a new identity",
	Args:  cobra.NoArgs,
	RunE:  formatRunE,
}

func formatRunE(cmd *cobra.Command, args []string) (err error) {
	err = withVolume(func() error {
		stripeReports := ocachepkg.Inspect()
		if 0 < len(stripeReports) {
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %d stripes of %s (%s of data each)\n",
				len(stripeReports),
				humanize.IBytes(stripeReports[0].StripeLen),
				humanize.IBytes(stripeReports[0].DataLen))
		}
		return nil
	}, "OCache.Reformat=true")

	return
}

func init() {
	rootCmd.AddCommand(formatCmd)
}
