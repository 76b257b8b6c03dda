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

// Package version carries the build version of the binaries.
package version

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// Version is the version as given by 'git describe', set at link time.
	Version = "unknown"
	// Build is the SHA1 of the commit built from, set at link time.
	Build = "unknown"
)

// Fprint writes version information about the running binary to w.
func Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s version information:\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(w, "  - version: %s\n", Version)
	fmt.Fprintf(w, "  - build:   %s\n", Build)
}

// printFlag prints version information and exits when set.
type printFlag struct{}

func (printFlag) IsBoolFlag() bool {
	return true
}

func (printFlag) Set(value string) error {
	print, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if print {
		Fprint(os.Stdout)
		os.Exit(0)
	}
	return nil
}

func (printFlag) String() string {
	return "false"
}

// SetupFlags registers the -version flag in the given FlagSet.
func SetupFlags(fs *flag.FlagSet) {
	fs.Var(printFlag{}, "version", "print version information and exit")
}
