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
	"io"
	"os"
	"strings"
	"sync"
)

// Backend is a logger backend.
type Backend interface {
	// Name returns the name of this backend.
	Name() string
	// Log emits log messages with the given severity.
	Log(Level, string, string, ...interface{})
	// Block emits a multiline log message, with an optional line prefix.
	Block(Level, string, string, string, ...interface{})
	// Flush flushes any pending messages.
	Flush()
	// Stop stops the backend, flushing any pending messages.
	Stop()
	// SetSourceAlignment sets the maximum source name length for alignment.
	SetSourceAlignment(int)
}

const (
	// FmtBackendName is the name of the fmt-based backend.
	FmtBackendName = "fmt"
)

// fmtBackend emits messages to a writer, one line per message.
type fmtBackend struct {
	sync.Mutex
	out   io.Writer
	align int
}

var fmtTags = map[Level]string{
	LevelDebug: "D: ",
	LevelInfo:  "I: ",
	LevelWarn:  "W: ",
	LevelError: "E: ",
	LevelPanic: "P: ",
	LevelFatal: "F: ",
}

// output is the writer used by fmt backends created after setting it.
var output io.Writer = os.Stderr

// SetOutput sets the writer for the fmt backend. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	log.Lock()
	defer log.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
	if b, ok := log.backend.(*fmtBackend); ok {
		b.Lock()
		b.out = w
		b.Unlock()
	}
}

func createFmtBackend() Backend {
	return &fmtBackend{out: output}
}

func (f *fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Log(level Level, source, format string, args ...interface{}) {
	f.Lock()
	defer f.Unlock()
	fmt.Fprintf(f.out, "%s%s %s\n", fmtTags[level], f.source(source), fmt.Sprintf(format, args...))
}

func (f *fmtBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	f.Lock()
	defer f.Unlock()
	tag, src := fmtTags[level], f.source(source)
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(f.out, "%s%s %s%s\n", tag, src, prefix, line)
	}
}

func (f *fmtBackend) Flush() {
	f.Lock()
	defer f.Unlock()
	if s, ok := f.out.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

func (f *fmtBackend) Stop() {
	f.Flush()
}

func (f *fmtBackend) SetSourceAlignment(align int) {
	f.Lock()
	defer f.Unlock()
	f.align = align
}

func (f *fmtBackend) source(source string) string {
	return fmt.Sprintf("[%*s]", f.align, source)
}

func init() {
	RegisterBackend(FmtBackendName, createFmtBackend)
	if err := SetBackend(FmtBackendName); err != nil {
		panic(err)
	}
}
