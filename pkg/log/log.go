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
	"sort"
	"strings"
	"sync"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warning",
	LevelError: "error",
	LevelPanic: "panic",
	LevelFatal: "fatal",
}

// String returns the name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("<unknown log level %d>", l)
}

// ParseLevel parses the name of a level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "panic":
		return LevelPanic, nil
	case "fatal":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level    Level              // lowest severity passed through
	debug    map[string]bool    // per-source debug overrides
	dbgAll   bool               // debug enabled for all sources by default
	forced   bool               // debugging forced on (by signal)
	loggers  map[string]*logger // loggers by source
	backend  Backend            // active backend
	backends map[string]func() Backend
	align    int                // source alignment
}

var log = &logging{
	level:    LevelInfo,
	debug:    map[string]bool{},
	loggers:  map[string]*logger{},
	backends: map[string]func() Backend{},
}

// deflog is the default logger.
var deflog = log.get("default")

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// SetLevel sets the lowest severity of messages passed to the backend.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// GetLevel returns the lowest severity of messages passed to the backend.
func GetLevel() Level {
	log.RLock()
	defer log.RUnlock()
	return log.level
}

// EnableDebug sets debugging for the given sources. Each source can be
// prefixed with 'on:' or 'off:' and "*" or "all" stands for every source.
func EnableDebug(sources ...string) error {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(sources)
}

// DebugEnabled reports whether debugging is enabled for the given source.
func DebugEnabled(source string) bool {
	log.RLock()
	defer log.RUnlock()
	return log.debugEnabled(source)
}

// RegisterBackend registers a backend constructor under the given name.
func RegisterBackend(name string, create func() Backend) {
	log.Lock()
	defer log.Unlock()
	log.backends[name] = create
}

// SetBackend activates the backend registered under the given name.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	return log.setBackend(name)
}

// Backends returns the names of all registered backends.
func Backends() []string {
	log.RLock()
	defer log.RUnlock()
	names := make([]string, 0, len(log.backends))
	for name := range log.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush flushes the active backend.
func Flush() {
	log.RLock()
	defer log.RUnlock()
	if log.backend != nil {
		log.backend.Flush()
	}
}

func (s *logging) get(source string) *logger {
	s.Lock()
	defer s.Unlock()

	if l, ok := s.loggers[source]; ok {
		return l
	}
	l := &logger{source: source}
	s.loggers[source] = l
	if len(source) > s.align {
		s.align = len(source)
		if s.backend != nil {
			s.backend.SetSourceAlignment(s.align)
		}
	}
	return l
}

func (s *logging) setBackend(name string) error {
	create, ok := s.backends[name]
	if !ok {
		return fmt.Errorf("log: unknown backend %q", name)
	}
	if s.backend != nil {
		if s.backend.Name() == name {
			return nil
		}
		s.backend.Stop()
	}
	s.backend = create()
	s.backend.SetSourceAlignment(s.align)
	return nil
}

func (s *logging) setDebug(sources []string) error {
	state := true
	for _, spec := range sources {
		for _, src := range strings.Split(spec, ",") {
			src = strings.TrimSpace(src)
			switch {
			case strings.HasPrefix(src, "on:"):
				state, src = true, src[3:]
			case strings.HasPrefix(src, "off:"):
				state, src = false, src[4:]
			}
			switch src {
			case "":
				continue
			case "*", "all":
				s.dbgAll = state
				s.debug = map[string]bool{}
			default:
				if strings.ContainsAny(src, " :") {
					return fmt.Errorf("log: invalid debug source %q", src)
				}
				s.debug[src] = state
			}
		}
	}
	return nil
}

func (s *logging) debugEnabled(source string) bool {
	if s.forced {
		return true
	}
	if state, ok := s.debug[source]; ok {
		return state
	}
	return s.dbgAll
}

func (s *logging) passes(level Level, source string) bool {
	if level == LevelDebug {
		return s.debugEnabled(source)
	}
	return level >= s.level || level >= LevelError
}

func (s *logging) emit(level Level, source, format string, args ...interface{}) {
	s.RLock()
	defer s.RUnlock()
	if !s.passes(level, source) || s.backend == nil {
		return
	}
	s.backend.Log(level, source, format, args...)
}

func (s *logging) block(level Level, source, prefix, format string, args ...interface{}) {
	s.RLock()
	defer s.RUnlock()
	if !s.passes(level, source) || s.backend == nil {
		return
	}
	s.backend.Block(level, source, prefix, format, args...)
}
