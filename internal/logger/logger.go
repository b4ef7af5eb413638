// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the gateway's structured logging surface: a
// small set of severity-leveled package functions (Tracef/Debugf/...)
// backed by log/slog, with a handler that renders either human-readable
// text or newline-delimited JSON, and optional rotation to a log file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syndicate-storage/ag-gateway/cfg"
)

// Custom severity levels layered onto slog's four built-in levels so that
// TRACE can sit below DEBUG and OFF above ERROR.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
	LevelOff:   "OFF",
}

// asyncLogBufferSize bounds how many formatted records may be queued for
// the background file writer before new ones are dropped.
const asyncLogBufferSize = 1024

type loggerFactory struct {
	format string
	// file is the rotated-file sink (an *AsyncLogger wrapping a
	// *lumberjack.Logger), non-nil when logging to a file instead of
	// stderr. It is also an io.Closer, closed by Close.
	file io.Writer
	// sysWriter is non-nil when logging to stderr instead of a file.
	sysWriter       io.Writer
	level           string
	logRotateConfig cfg.LogRotateLoggingConfig
}

var (
	defaultLoggerFactory *loggerFactory
	defaultLogger         *slog.Logger
)

func init() {
	defaultLoggerFactory = &loggerFactory{
		file:            nil,
		sysWriter:       os.Stderr,
		level:           cfg.INFO,
		format:          "text",
		logRotateConfig: cfg.GetDefaultLoggingConfig().LogRotate,
	}
	defaultLogger = newLogger(defaultLoggerFactory)
}

func newLogger(f *loggerFactory) *slog.Logger {
	var programLevel = new(slog.LevelVar)
	setLoggingLevel(f.level, programLevel)

	var w io.Writer
	switch {
	case f.file != nil:
		w = f.file
	case f.sysWriter != nil:
		w = f.sysWriter
	default:
		w = os.Stderr
	}

	return slog.New(f.createJsonOrTextHandler(w, programLevel, ""))
}

// createJsonOrTextHandler builds the slog.Handler that formats each record
// either as text (`time="..." severity=INFO message="..."`) or as
// newline-delimited JSON (`{"timestamp":{...},"severity":"INFO","message":"..."}`).
// An empty or unrecognized format falls back to JSON.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	replaceAttr := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			level, _ := a.Value.Any().(slog.Level)
			name, ok := levelNames[level]
			if !ok {
				name = level.String()
			}
			return slog.String("severity", name)
		case slog.MessageKey:
			return slog.String(slog.MessageKey, prefix+a.Value.String())
		default:
			return a
		}
	}

	if f.format == "text" {
		return &textHandler{
			w:            w,
			programLevel: programLevel,
			replaceAttr:  replaceAttr,
		}
	}
	return &jsonHandler{
		w:            w,
		programLevel: programLevel,
		replaceAttr:  replaceAttr,
	}
}

// setLoggingLevel maps a cfg severity string onto the slog.LevelVar that
// gates every subsequent record.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case cfg.TRACE:
		programLevel.Set(LevelTrace)
	case cfg.DEBUG:
		programLevel.Set(LevelDebug)
	case cfg.INFO:
		programLevel.Set(LevelInfo)
	case cfg.WARNING:
		programLevel.Set(LevelWarn)
	case cfg.ERROR:
		programLevel.Set(LevelError)
	case cfg.OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// SetLogFormat switches the default logger's output format ("text" or
// "json") in place.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = newLogger(defaultLoggerFactory)
}

// InitLogFile points the default logger at a rotated log file, replacing
// whatever writer (file or stderr) it was previously using.
func InitLogFile(logConfig cfg.LoggingConfig) error {
	factory := &loggerFactory{
		format:          logConfig.Format,
		level:           string(logConfig.Severity),
		logRotateConfig: logConfig.LogRotate,
	}

	if logConfig.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   string(logConfig.FilePath),
			MaxSize:    logConfig.LogRotate.MaxFileSizeMb,
			MaxBackups: logConfig.LogRotate.BackupFileCount,
			Compress:   logConfig.LogRotate.Compress,
		}
		factory.file = NewAsyncLogger(lj, asyncLogBufferSize)
	} else {
		factory.sysWriter = os.Stderr
	}

	closeDefaultLoggerFile()
	defaultLoggerFactory = factory
	defaultLogger = newLogger(factory)
	return nil
}

// Close flushes and closes the default logger's file sink, if any. It is a
// no-op when the default logger is writing to stderr.
func Close() error {
	return closeDefaultLoggerFile()
}

func closeDefaultLoggerFile() error {
	if defaultLoggerFactory == nil {
		return nil
	}
	if c, ok := defaultLoggerFactory.file.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func Tracef(format string, args ...interface{}) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...interface{}) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...interface{}) { logf(LevelError, format, args...) }

func logf(level slog.Level, format string, args ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

// unixTimestamp splits a record time into seconds and nanoseconds for the
// JSON handler in handler.go; the text handler formats r.Time directly.
func unixTimestamp(t time.Time) (int64, int) {
	return t.Unix(), t.Nanosecond()
}
