// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.ENOENT), NotFoundError.Value())
	assert.Equal(int(unix.EBUSY), BusyError.Value())
	assert.Equal(int(unix.ENOSPC), DirectoryFullError.Value())
	assert.Equal(int(unix.EIO), StorageIOError.Value())
	assert.Equal(1000, WriteAbortedError.Value())
	assert.Equal(1001, ReadFailedError.Value())

	assert.Equal("Busy", BusyError.String())
	assert.Equal("ReadFailed", ReadFailedError.String())
	assert.Equal("CacheError(4242)", CacheError(4242).String())
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))
	assert.Equal("", ErrorString(err))

	err = fmt.Errorf("plain error")
	assert.Equal(failureErrno, Errno(err))
	assert.Equal("plain error", ErrorString(err))
	assert.False(Is(err, NotFoundError))
}

func TestNewAndAddError(t *testing.T) {
	assert := assert.New(t)

	err := NewError(BusyError, "url %s has a writer", "http://example.com/a")
	assert.True(Is(err, BusyError))
	assert.True(IsNot(err, NotFoundError))
	assert.True(IsRetryable(err))
	assert.Equal(BusyError, Code(err))
	assert.Equal("url http://example.com/a has a writer", err.Error())
	assert.True(strings.HasSuffix(ErrorString(err), "Error Value: Busy"))

	file, line := Location(err)
	assert.True(strings.HasSuffix(file, "api_test.go"))
	assert.NotEqual(0, line)
	assert.Contains(Stacktrace(err), "TestNewAndAddError")
	assert.Contains(Details(err), "has a writer")

	err = AddError(fmt.Errorf("disk went away"), StorageIOError)
	assert.True(Is(err, StorageIOError))
	assert.False(IsRetryable(err))

	err = AddError(err, ReadFailedError)
	assert.True(Is(err, ReadFailedError))

	err = AddError(nil, WriteAbortedError)
	assert.Error(err)
	assert.True(Is(err, WriteAbortedError))
	assert.Equal("WriteAborted", err.Error())
}
