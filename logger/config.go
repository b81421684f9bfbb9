// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/NVIDIA/ocache/conf"
)

type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	return
}

var (
	logFile   *lumberjack.Logger
	logOutput *multiWriter
)

// Up configures logrus from the [Logging] section of confMap. A LogFilePath
// names a file rotated by lumberjack once it exceeds LogMaxSizeMB.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logOutput = &multiWriter{}

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logMaxSizeMB, maxSizeErr := confMap.FetchOptionValueUint32("Logging", "LogMaxSizeMB")
		if nil != maxSizeErr {
			logMaxSizeMB = 100
		}
		logMaxBackups, maxBackupsErr := confMap.FetchOptionValueUint32("Logging", "LogMaxBackups")
		if nil != maxBackupsErr {
			logMaxBackups = 3
		}

		logFile = &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    int(logMaxSizeMB),
			MaxBackups: int(logMaxBackups),
			Compress:   true,
			LocalTime:  true,
		}
		logOutput.addWriter(logFile)
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = ("" == logFilePath)
	}
	if logToConsole {
		logOutput.addWriter(os.Stderr)
	}

	log.SetOutput(logOutput)

	// We always enable max logging in logrus and decide in this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

// Signaled rotates the log file (if any) and reapplies trace settings.
func Signaled(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	if nil != logFile {
		err = logFile.Rotate()
	}

	return
}

func Down(confMap conf.ConfMap) (err error) {
	log.SetOutput(os.Stderr)

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}
	logOutput = nil

	return
}

func addLogTarget(writer io.Writer) {
	if nil == logOutput {
		logOutput = &multiWriter{}
		log.SetOutput(logOutput)
	}
	logOutput.addWriter(writer)
}
