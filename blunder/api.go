// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach a cache error code to Go errors while
// still conforming to the Go error interface.
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry records a stacktrace at the point of wrapping and carries arbitrary
// values along with the error. The code is stored under the "errno" key.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ocache/logger"
)

// CacheError enumerates the failure classes reported by the cache.
//
// Codes with an obvious POSIX counterpart reuse that errno so that callers
// (and logs) can map them without a table. Cache-specific codes start at 1000.
type CacheError int

const (
	NotFoundError      CacheError = CacheError(int(unix.ENOENT))    // Key (or alternate) not in cache
	BusyError          CacheError = CacheError(int(unix.EBUSY))     // Another writer holds the URL
	DirectoryFullError CacheError = CacheError(int(unix.ENOSPC))    // No free directory slot in segment
	StorageIOError     CacheError = CacheError(int(unix.EIO))       // Device read/write failed
	InvalidArgError    CacheError = CacheError(int(unix.EINVAL))    // Bad argument or configuration
	NotSupportedError  CacheError = CacheError(int(unix.ENOTSUP))   // Operation not valid in this state
	TooBigError        CacheError = CacheError(int(unix.EFBIG))     // Object larger than a stripe can hold
	TimedOutError      CacheError = CacheError(int(unix.ETIMEDOUT)) // Bounded retries exhausted
)

const (
	WriteAbortedError CacheError = 1000 + iota // Write aborted before commit
	ReadFailedError                            // Read of a located document failed
	CorruptionError                            // On-disk structure failed validation
	DegradedError                              // Stripe is degraded; writes rejected
)

const successErrno = 0
const failureErrno = -1

var cacheErrorStrings = map[CacheError]string{
	NotFoundError:      "NotFound",
	BusyError:          "Busy",
	DirectoryFullError: "DirectoryFull",
	StorageIOError:     "StorageIOError",
	InvalidArgError:    "InvalidArg",
	NotSupportedError:  "NotSupported",
	TooBigError:        "TooBig",
	TimedOutError:      "TimedOut",
	WriteAbortedError:  "WriteAborted",
	ReadFailedError:    "ReadFailed",
	CorruptionError:    "Corruption",
	DegradedError:      "Degraded",
}

// Value returns the int value for the specified CacheError constant
func (errValue CacheError) Value() int {
	return int(errValue)
}

func (errValue CacheError) String() string {
	s, ok := cacheErrorStrings[errValue]
	if !ok {
		s = fmt.Sprintf("CacheError(%d)", int(errValue))
	}
	return s
}

// NewError creates a new merry/blunder.CacheError-annotated error using the given
// format string and arguments.
func NewError(errValue CacheError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add a CacheError to a Go error.
//
// Replacing a previously attached code is logged since it is usually unintended.
func AddError(e error, errValue CacheError) error {
	if nil == e {
		return merry.New(errValue.String()).WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if (prevValue != successErrno) && (prevValue != failureErrno) && (prevValue != int(errValue)) {
		logger.Warnf("replacing error value %v with value %v for error %v", CacheError(prevValue), errValue, e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts the code from the error, if it was previously wrapped.
// A nil error is success (0) and an unannotated one is -1.
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	errno, ok := merry.Value(e, "errno").(int)
	if !ok {
		return failureErrno
	}

	return errno
}

// Code returns the CacheError attached to e (or -1/0 as CacheError as Errno() would).
func Code(e error) CacheError {
	return CacheError(Errno(e))
}

// ErrorString returns e's message followed by its code, if any.
func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	errno, ok := merry.Value(e, "errno").(int)
	if !ok {
		return e.Error()
	}

	return fmt.Sprintf("%s. Error Value: %v", e.Error(), CacheError(errno))
}

// Is checks if an error matches a particular CacheError
func Is(e error, theError CacheError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular CacheError
func IsNot(e error, theError CacheError) bool {
	return Errno(e) != theError.Value()
}

// IsRetryable reports whether the caller may retry the operation that returned e.
//
// Only Busy qualifies. Every other code is terminal for the operation.
func IsRetryable(e error) bool {
	return Is(e, BusyError)
}

// Location returns the file and line number of the code that generated the error.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
