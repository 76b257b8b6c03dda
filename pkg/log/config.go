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
	"flag"
	"strings"

	"github.com/intel/kmem/pkg/config"
)

// options is the "logger" configuration fragment.
type options struct {
	// Level is the lowest severity of messages to emit.
	Level string `json:"Level,omitempty"`
	// Debug is the list of sources to enable debugging for.
	Debug []string `json:"Debug,omitempty"`
	// Backend is the name of the backend to use.
	Backend string `json:"Backend,omitempty"`
}

var opt = &options{}

func (o *options) Reset() {
	*o = options{
		Level:   flagLevel,
		Debug:   splitSources(flagDebug),
		Backend: flagBackend,
	}
}

func (o *options) Describe() string {
	return configHelp
}

func (o *options) Validate() error {
	if _, err := ParseLevel(o.Level); err != nil {
		return err
	}
	if o.Backend != "" {
		known := false
		for _, name := range Backends() {
			known = known || name == o.Backend
		}
		if !known {
			return errUnknownBackend(o.Backend)
		}
	}
	return nil
}

func (o *options) Apply() error {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return err
	}
	SetLevel(level)

	log.Lock()
	log.debug = map[string]bool{}
	log.dbgAll = false
	err = log.setDebug(o.Debug)
	log.Unlock()
	if err != nil {
		return err
	}

	if o.Backend != "" {
		return SetBackend(o.Backend)
	}
	return nil
}

var (
	flagLevel   = "info"
	flagDebug   = ""
	flagBackend = FmtBackendName
)

// SetupFlags registers the logger command line flags in the given FlagSet.
func SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&flagLevel, "logger-level", flagLevel, "lowest severity of messages to emit")
	fs.StringVar(&flagDebug, "logger-debug", flagDebug, "comma-separated list of sources to debug, '*' for all")
	fs.StringVar(&flagBackend, "logger-backend", flagBackend, "logger backend, "+strings.Join(Backends(), " or "))
}

// ApplyFlags activates the settings given on the command line.
func ApplyFlags() error {
	opt.Reset()
	if err := opt.Validate(); err != nil {
		return err
	}
	return opt.Apply()
}

func splitSources(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string {
	return "log: unknown backend \"" + string(e) + "\""
}

const configHelp = `Logging and debugging messages.

Level sets the lowest severity of messages to emit: debug, info, warning
or error. Debug lists the sources producing debug messages. A source can
be prefixed with 'on:' or 'off:' and '*' or 'all' stands for all sources.
Backend selects between the fmt and klog backends. For instance:

  logger:
    Level: warning
    Debug: [ "on:*", "off:slab" ]
    Backend: klog
`

func init() {
	config.MustRegister("logger", opt)
}
