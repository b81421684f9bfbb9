// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ocache/conf"
)

type testCallbacksInterfaceStruct struct {
	name   string
	failUp bool
}

var (
	testCallLog []string

	testCallbacksInterfaceA = &testCallbacksInterfaceStruct{name: "A"}
	testCallbacksInterfaceB = &testCallbacksInterfaceStruct{name: "B"}
)

var testConfStrings = []string{
	"Logging.LogFilePath=",
	"Logging.LogToConsole=false",
}

func init() {
	Register("testA", testCallbacksInterfaceA)
	Register("testB", testCallbacksInterfaceB)
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	testCallLog = append(testCallLog, testCallbacksInterface.name+".Up")
	if testCallbacksInterface.failUp {
		err = fmt.Errorf("%s configured to fail Up()", testCallbacksInterface.name)
	}
	return
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	testCallLog = append(testCallLog, testCallbacksInterface.name+".SignaledStart")
	return
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	testCallLog = append(testCallLog, testCallbacksInterface.name+".SignaledFinish")
	return
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	testCallLog = append(testCallLog, testCallbacksInterface.name+".Down")
	return
}

func TestOrdering(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	require.NoError(err)

	testCallLog = nil
	require.NoError(Up(confMap))
	assert.Equal([]string{"A.Up", "B.Up"}, testCallLog)

	testCallLog = nil
	require.NoError(Signaled(confMap))
	assert.Equal([]string{"B.SignaledStart", "A.SignaledStart", "A.SignaledFinish", "B.SignaledFinish"}, testCallLog)

	testCallLog = nil
	require.NoError(Down(confMap))
	assert.Equal([]string{"B.Down", "A.Down"}, testCallLog)
}

func TestUpFailureUnwinds(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	require.NoError(err)

	testCallbacksInterfaceB.failUp = true
	defer func() { testCallbacksInterfaceB.failUp = false }()

	testCallLog = nil
	err = Up(confMap)
	assert.Error(err)
	assert.Equal([]string{"A.Up", "B.Up", "A.Down"}, testCallLog)

	testCallLog = nil
	require.NoError(Down(confMap))
	assert.Empty(testCallLog)
}
