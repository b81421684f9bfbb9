// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine to all logs.
//
// Trace logs are enabled/disabled on a per package basis via Logging.TraceLevelLogging.
package logger

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/ocache/utils"
)

type Level int

// Our logging levels, mapped onto logrus levels when emitted.
const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel

	// TraceLevel logs trace the success path through a package. Whether these
	// are logged is controlled per package. When enabled, they are logged at
	// logrus.InfoLevel.
	TraceLevel
)

// Log fields supported by logger
const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
)

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
var packageTraceSettings = map[string]bool{
	"blockdev":    false,
	"clayout":     false,
	"logger":      false,
	"ocache":      false,
	"ocachectl":   false,
	"ocachepkg":   false,
	"trackedlock": false,
}

var traceLevelEnabled = false

func setTraceLoggingLevel(confStrSlice []string) {
	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	return packageTraceSettings[pkg]
}

// FuncCtx caches the fields common to the log calls made from one function.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, _ := ctx.funcContext.Data[packageKey].(string)
	return pkg
}

func newFuncCtx(level int) (ctx *FuncCtx) {
	return newFuncCtxWithFields(level+1, make(log.Fields))
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	return newFuncCtxWithFields(level+1, log.Fields{key: value})
}

func newFuncCtxWithFields(level int, fields log.Fields) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	return (level != TraceLevel) || traceLevelEnabled
}

// log is the common low-level logging function used internal to this package.
//
// Not declared with a pointer receiver following logrus.Entry's equivalent.
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case InfoLevel, TraceLevel:
		ctx.funcContext.Info(args...)
	}
}

func Error(args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(ErrorLevel, fmt.Sprint(args...))
}

func Info(args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(InfoLevel, fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(FatalLevel, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(InfoLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(TraceLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(WarnLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(FatalLevel, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(InfoLevel, fmt.Sprintf(format, args...))
}

func TracefWithError(err error, format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(TraceLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(WarnLevel, fmt.Sprintf(format, args...))
}

// AddLogTarget adds another target for log messages to be written to. writer
// is called once for each log message.
//
// Up() must be called before this function is used.
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer holds the most recent log entries captured by a LogTarget. Useful
// for writing test cases.
type LogBuffer struct {
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Init initializes a LogTarget to hold up to nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logrus for each log entry.
func (target LogTarget) Write(p []byte) (n int, err error) {
	logBuf := target.LogBuf

	copy(logBuf.LogEntries[1:], logBuf.LogEntries[:len(logBuf.LogEntries)-1])
	logBuf.LogEntries[0] = string(p)
	logBuf.TotalEntries++

	n = len(p)
	return
}
