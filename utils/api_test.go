// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testGetFuncPackageHelper() (fn string, pkg string, gid uint64) {
	return GetFuncPackage(0)
}

func TestGetFuncPackage(t *testing.T) {
	assert := assert.New(t)

	fn, pkg, gid := testGetFuncPackageHelper()
	assert.Equal("testGetFuncPackageHelper", fn)
	assert.Equal("utils", pkg)
	assert.NotEqual(uint64(0), gid)

	assert.Equal("utils.TestGetFuncPackage", GetFnName())
}

func TestStackTraceToGoId(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(42), StackTraceToGoId([]byte("goroutine 42 [running]:\nmain.main()")))
	assert.Equal(uint64(0), StackTraceToGoId([]byte("garbage")))
}

func TestRound(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(0), RoundUp(0, 512))
	assert.Equal(uint64(512), RoundUp(1, 512))
	assert.Equal(uint64(512), RoundUp(512, 512))
	assert.Equal(uint64(1024), RoundUp(513, 512))
	assert.Equal(uint64(512), RoundDown(1023, 512))
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	time.Sleep(2 * time.Millisecond)
	elapsed := sw.Stop()
	assert.True(elapsed >= 2*time.Millisecond)
	assert.Equal(elapsed, sw.Elapsed())
	assert.Equal(elapsed, sw.Stop())

	sw.Restart()
	assert.True(sw.IsRunning)
}

func TestJSONify(t *testing.T) {
	type testStruct struct {
		A uint64
		B string
	}

	assert.Equal(t, "{\"A\":1,\"B\":\"x\"}", JSONify(testStruct{A: 1, B: "x"}, false))
	assert.Equal(t, "{\n\t\"A\": 1,\n\t\"B\": \"x\"\n}", JSONify(testStruct{A: 1, B: "x"}, true))
}
