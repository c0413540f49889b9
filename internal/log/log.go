// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package log wraps the logging library used across the module. The engine
// logs contained per-module failures and normalization decisions at debug
// level only; nothing in the lookup hot path logs above debug.
package log // import "github.com/suqiernb/xdl-go/internal/log"

import (
	"github.com/sirupsen/logrus"
)

const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel

	// time.RFC3339Nano removes trailing zeros from the seconds field.
	// The following format doesn't (fixed-width output).
	timeStampFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Logger is the type to encapsulate structured logging, embeds the logging
// library interface.
type Logger interface {
	logrus.FieldLogger
}

var logger = StandardLogger()

// StandardLogger provides the global instance of the logger used in this
// module, applying default settings suited for a library: unsorted key/value
// text output with fixed-width timestamps, info level.
func StandardLogger() Logger {
	l := logrus.StandardLogger()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		FullTimestamp:          true,
		TimestampFormat:        timeStampFormat,
		DisableSorting:         true,
		DisableLevelTruncation: true,
		QuoteEmptyFields:       true,
	})
	l.SetLevel(InfoLevel)
	// Allow concurrent writes to the log destination.
	l.SetNoLock()
	l.SetReportCaller(false)
	return l
}

// Labels adds key/value pairs to messages.
type Labels map[string]any

// With augments the structured log message using the provided key/value map.
func With(labels Labels) Logger {
	return logger.WithFields(logrus.Fields(labels))
}

// Errorf mirrors the library function, using the global logger.
func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Warnf mirrors the library function, using the global logger.
func Warnf(format string, args ...any) {
	logger.Warnf(format, args...)
}

// Infof mirrors the library function, using the global logger.
func Infof(format string, args ...any) {
	logger.Infof(format, args...)
}

// Debugf mirrors the library function, using the global logger.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// SetLevel of the global logger.
func SetLevel(level logrus.Level) {
	logger.(*logrus.Logger).SetLevel(level)
}
