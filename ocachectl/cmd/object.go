// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/ocache/ocache/ocachepkg"
)

var (
	getHeaders  []string
	getOutPath  string
	putHeaders  []string
	putReqHdrs  []string
	putFilePath string
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Read the alternate of a URL matching the given request headers",
	Args:  cobra.ExactArgs(1),
	RunE:  getRunE,
}

// putCmd represents the put command
var putCmd = &cobra.Command{
	Use:   "put <url>",
	Short: "Store a file as an alternate of a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  putRunE,
}

// rmCmd represents the rm command
var rmCmd = &cobra.Command{
	Use:   "rm <url>",
	Short: "Remove every alternate of a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  rmRunE,
}

// parseHeaders converts "Name: value" strings into an http.Header.
func parseHeaders(headerStrings []string) (header http.Header, err error) {
	header = make(http.Header)

	for _, headerString := range headerStrings {
		colon := strings.Index(headerString, ":")
		if 1 > colon {
			err = fmt.Errorf("header %q not of the form \"Name: value\"", headerString)
			return
		}
		header.Add(strings.TrimSpace(headerString[:colon]), strings.TrimSpace(headerString[colon+1:]))
	}

	return
}

func getRunE(cmd *cobra.Command, args []string) (err error) {
	requestHeader, err := parseHeaders(getHeaders)
	if nil != err {
		return
	}

	err = withVolume(func() (err error) {
		sink := cmd.OutOrStdout()

		if "" != getOutPath {
			outFile, createErr := os.Create(getOutPath)
			if nil != createErr {
				return createErr
			}
			defer outFile.Close()
			sink = outFile
		}

		alternate, err := ocachepkg.ReadObject(args[0], requestHeader, sink)
		if nil != err {
			return
		}

		if "" != getOutPath {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s written %s\n", alternate.URL, humanize.IBytes(alternate.ObjectSize), humanize.Time(alternate.WriteTime))
			for name, values := range alternate.ResponseHeader {
				fmt.Fprintf(cmd.OutOrStdout(), "    %s: %s\n", name, strings.Join(values, ", "))
			}
		}

		return
	})

	return
}

func putRunE(cmd *cobra.Command, args []string) (err error) {
	responseHeader, err := parseHeaders(putHeaders)
	if nil != err {
		return
	}
	requestHeader, err := parseHeaders(putReqHdrs)
	if nil != err {
		return
	}

	source, err := os.Open(putFilePath)
	if nil != err {
		return
	}
	defer source.Close()

	fileInfo, err := source.Stat()
	if nil != err {
		return
	}

	err = withVolume(func() error {
		return ocachepkg.WriteObject(args[0], &ocachepkg.WriteAttributes{
			RequestHeader:  requestHeader,
			ResponseHeader: responseHeader,
		}, source, uint64(fileInfo.Size()))
	})
	if nil == err {
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s\n", humanize.IBytes(uint64(fileInfo.Size())), args[0])
	}

	return
}

func rmRunE(cmd *cobra.Command, args []string) (err error) {
	err = withVolume(func() error {
		return ocachepkg.RemoveObject(args[0])
	})

	return
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(rmCmd)

	getCmd.Flags().StringArrayVarP(&getHeaders, "header", "H", nil, "Request header (\"Name: value\") used to select the alternate")
	getCmd.Flags().StringVarP(&getOutPath, "out", "o", "", "Write the body here (and the response header to stdout) rather than to stdout")

	putCmd.Flags().StringVarP(&putFilePath, "file", "f", "", "The body to store")
	putCmd.Flags().StringArrayVarP(&putHeaders, "header", "H", nil, "Response header (\"Name: value\") to store with the body")
	putCmd.Flags().StringArrayVarP(&putReqHdrs, "request-header", "R", nil, "Request header (\"Name: value\") the alternate is negotiated for")
	_ = putCmd.MarkFlagRequired("file")
}
