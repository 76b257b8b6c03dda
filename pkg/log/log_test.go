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
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/config"
)

// a test Backend that records messages for verification
type testlogger struct {
	sync.Mutex
	recorded []string
}

var testlog *testlogger

const testLoggerName = "testlogger"

func createTestLogger() Backend {
	testlog = &testlogger{}
	return testlog
}

func (l *testlogger) Name() string {
	return testLoggerName
}

func (l *testlogger) Log(level Level, source, format string, args ...interface{}) {
	l.record(level, fmt.Sprintf("["+source+"] "+format, args...))
}

func (l *testlogger) Block(level Level, source, prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.record(level, "["+source+"] "+prefix+line)
	}
}

func (l *testlogger) Flush()                 {}
func (l *testlogger) Stop()                  {}
func (l *testlogger) SetSourceAlignment(int) {}

func (l *testlogger) record(level Level, msg string) {
	l.Lock()
	defer l.Unlock()
	l.recorded = append(l.recorded, fmtTags[level]+msg)
}

func (l *testlogger) messages() []string {
	l.Lock()
	defer l.Unlock()
	return append([]string{}, l.recorded...)
}

func init() {
	RegisterBackend(testLoggerName, createTestLogger)
}

// setup activates a fresh test backend with default settings.
func setup(t *testing.T) *testlogger {
	log.Lock()
	log.backend = nil
	log.level = LevelInfo
	log.debug = map[string]bool{}
	log.dbgAll = false
	log.forced = false
	log.Unlock()

	require.NoError(t, SetBackend(testLoggerName))
	t.Cleanup(func() {
		require.NoError(t, SetBackend(FmtBackendName))
	})
	return testlog
}

func TestSeverityFiltering(t *testing.T) {
	type testCase struct {
		name     string
		level    Level
		expected []string
	}

	for _, tc := range []testCase{
		{
			name:  "info",
			level: LevelInfo,
			expected: []string{
				"I: [filter] info",
				"W: [filter] warning",
				"E: [filter] error",
			},
		},
		{
			name:  "warning",
			level: LevelWarn,
			expected: []string{
				"W: [filter] warning",
				"E: [filter] error",
			},
		},
		{
			name:  "error",
			level: LevelError,
			expected: []string{
				"E: [filter] error",
			},
		},
		{
			name:  "fatal still lets errors through",
			level: LevelFatal,
			expected: []string{
				"E: [filter] error",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tl := setup(t)
			SetLevel(tc.level)
			l := Get("filter")
			l.Debug("debug")
			l.Info("info")
			l.Warn("warning")
			l.Error("error")
			require.Equal(t, tc.expected, tl.messages())
		})
	}
}

func TestDebugSources(t *testing.T) {
	type testCase struct {
		name    string
		sources []string
		enabled map[string]bool
		invalid bool
	}

	for _, tc := range []testCase{
		{
			name:    "none",
			enabled: map[string]bool{"pfa": false, "slab": false},
		},
		{
			name:    "single source",
			sources: []string{"pfa"},
			enabled: map[string]bool{"pfa": true, "slab": false},
		},
		{
			name:    "all but one",
			sources: []string{"on:*,off:slab"},
			enabled: map[string]bool{"pfa": true, "slab": false, "vmmap": true},
		},
		{
			name:    "all then none",
			sources: []string{"all", "off:all"},
			enabled: map[string]bool{"pfa": false, "slab": false},
		},
		{
			name:    "invalid source",
			sources: []string{"bad source"},
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			setup(t)
			err := EnableDebug(tc.sources...)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for source, expected := range tc.enabled {
				require.Equal(t, expected, DebugEnabled(source), source)
			}
		})
	}
}

func TestLoggerDebugToggle(t *testing.T) {
	tl := setup(t)
	l := Get("toggle")

	l.Debug("hidden")
	require.False(t, l.EnableDebug(true))
	l.Debug("shown")
	require.True(t, l.EnableDebug(false))
	l.Debug("hidden again")

	require.Equal(t, []string{"D: [toggle] shown"}, tl.messages())
}

func TestBlock(t *testing.T) {
	tl := setup(t)
	Get("block").InfoBlock("  ", "line 1\nline 2")
	require.Equal(t, []string{"I: [block]   line 1", "I: [block]   line 2"}, tl.messages())
}

func TestPanic(t *testing.T) {
	tl := setup(t)
	require.PanicsWithValue(t, "[panic] invariant broken: 42", func() {
		Get("panic").Panic("invariant broken: %d", 42)
	})
	require.Equal(t, []string{"P: [panic] invariant broken: 42"}, tl.messages())
}

func TestFatal(t *testing.T) {
	tl := setup(t)
	status := -1
	exit = func(code int) { status = code }
	defer func() { exit = os.Exit }()

	Get("fatal").Fatal("giving up")
	require.Equal(t, 1, status)
	require.Equal(t, []string{"F: [fatal] giving up"}, tl.messages())
}

func TestFmtBackend(t *testing.T) {
	setup(t)
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(nil)
	require.NoError(t, SetBackend(FmtBackendName))

	Get("fmt").Warn("memory low: %d pages", 3)
	require.Contains(t, buf.String(), "W: ")
	require.Contains(t, buf.String(), "fmt] memory low: 3 pages\n")
}

func TestRateLimit(t *testing.T) {
	tl := setup(t)
	l := RateLimit(Get("ratelimit"), Interval(time.Hour))

	for i := 0; i < 10; i++ {
		l.Error("double free of %#x", 0x1000)
		l.Error("double free of %#x", 0x2000)
	}
	require.Equal(t, []string{
		"E: [ratelimit] <rate-limited> double free of 0x1000",
		"E: [ratelimit] <rate-limited> double free of 0x2000",
	}, tl.messages())
}

func TestRateLimitWindow(t *testing.T) {
	rl := RateLimit(Default(), Rate{Window: MinimumWindow, Limit: Every(time.Second)}).(*ratelimited)

	first := rl.getMessageLimit("message #0")
	for idx := 1; idx < MinimumWindow; idx++ {
		rl.getMessageLimit(fmt.Sprintf("message #%d", idx))
	}
	require.Equal(t, first, rl.getMessageLimit("message #0"), "in window")

	rl.getMessageLimit("one more message")
	require.Len(t, rl.limits, MinimumWindow)
	require.NotSame(t, first, rl.getMessageLimit("message #0"), "shifted out")
}

func TestConfigFragment(t *testing.T) {
	setup(t)
	defer func() {
		SetLevel(LevelInfo)
		require.NoError(t, EnableDebug("off:*"))
	}()

	require.NoError(t, config.SetYAML([]byte(`
logger:
  Level: warning
  Debug:
    - pfa,slab
  Backend: testlogger
`)))
	require.Equal(t, LevelWarn, GetLevel())
	require.True(t, DebugEnabled("pfa"))
	require.True(t, DebugEnabled("slab"))
	require.False(t, DebugEnabled("vmmap"))

	require.Error(t, config.SetYAML([]byte("logger:\n  Level: loud\n")))
	require.Error(t, config.SetYAML([]byte("logger:\n  Backend: carrier-pigeon\n")))
}
