// Copyright 2022 Intel Corporation. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logger implements Logger.
type logger struct {
	source string
}

// exit is the function used by Fatal to terminate the process.
var exit = os.Exit

func (l *logger) Debug(format string, args ...interface{}) {
	log.emit(LevelDebug, l.source, format, args...)
}

func (l *logger) Info(format string, args ...interface{}) {
	log.emit(LevelInfo, l.source, format, args...)
}

func (l *logger) Warn(format string, args ...interface{}) {
	log.emit(LevelWarn, l.source, format, args...)
}

func (l *logger) Error(format string, args ...interface{}) {
	log.emit(LevelError, l.source, format, args...)
}

func (l *logger) Panic(format string, args ...interface{}) {
	log.emit(LevelPanic, l.source, format, args...)
	panic(fmt.Sprintf("["+l.source+"] "+format, args...))
}

func (l *logger) Fatal(format string, args ...interface{}) {
	log.emit(LevelFatal, l.source, format, args...)
	Flush()
	exit(1)
}

func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	log.block(LevelDebug, l.source, prefix, format, args...)
}

func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	log.block(LevelInfo, l.source, prefix, format, args...)
}

func (l *logger) WarnBlock(prefix string, format string, args ...interface{}) {
	log.block(LevelWarn, l.source, prefix, format, args...)
}

func (l *logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	log.block(LevelError, l.source, prefix, format, args...)
}

func (l *logger) EnableDebug(enable bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.debugEnabled(l.source)
	log.debug[l.source] = enable
	return old
}

func (l *logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debugEnabled(l.source)
}

func (l *logger) Source() string {
	return l.source
}
