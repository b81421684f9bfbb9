// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ocache/blunder"
)

func testRun(args ...string) (output string, err error) {
	var outBuf bytes.Buffer

	rootCmd.SetOut(&outBuf)
	rootCmd.SetErr(&outBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()
	output = outBuf.String()

	return
}

func TestCommands(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testDir := t.TempDir()
	confPath := filepath.Join(testDir, "ocache.conf")
	bodyPath := filepath.Join(testDir, "body.js")

	require.NoError(os.WriteFile(confPath, []byte(
		"[OCache]\n"+
			"VolumePath: "+filepath.Join(testDir, "volume")+"\n"+
			"VolumeSize: 8MiB\n"+
			"StripeCount: 2\n"+
			"MaxFragmentSize: 64KiB\n"+
			"\n"+
			"[Logging]\n"+
			"LogFilePath:\n"+
			"LogToConsole: false\n"), 0644))

	body := bytes.Repeat([]byte("var x = 1;\n"), 20000)
	require.NoError(os.WriteFile(bodyPath, body, 0644))

	output, err := testRun("format", "-c", confPath)
	require.NoError(err)
	assert.Contains(output, "formatted 2 stripes")

	output, err = testRun("put", "-c", confPath, "-f", bodyPath, "-H", "Content-Type: application/x-javascript", "http://example.com/app.js")
	require.NoError(err)
	assert.Contains(output, "stored 215 KiB")

	output, err = testRun("get", "-c", confPath, "http://example.com/app.js")
	require.NoError(err)
	assert.Equal(string(body), output)

	output, err = testRun("inspect", "-c", confPath, "--check")
	require.NoError(err)
	assert.Contains(output, "check truncated 0 chains and reclaimed 0 leaked entries")
	assert.Contains(output, "stripe[1]")

	_, err = testRun("rm", "-c", confPath, "http://example.com/app.js")
	require.NoError(err)

	_, err = testRun("rm", "-c", confPath, "http://example.com/app.js")
	assert.True(blunder.Is(err, blunder.NotFoundError))

	_, err = testRun("put", "-c", confPath, "-f", filepath.Join(testDir, "missing"), "http://example.com/missing")
	assert.Error(err)
}

func TestParseHeaders(t *testing.T) {
	header, err := parseHeaders([]string{"Content-Type: text/plain", "Vary:Accept-Language"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", header.Get("Content-Type"))
	assert.Equal(t, "Accept-Language", header.Get("Vary"))

	_, err = parseHeaders([]string{": nameless"})
	assert.Error(t, err)
}
