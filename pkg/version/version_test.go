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

package version

import (
	"bytes"
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFprint(t *testing.T) {
	Version, Build = "v1.2.3", "abcdef"
	t.Cleanup(func() { Version, Build = "unknown", "unknown" })

	b := &bytes.Buffer{}
	Fprint(b)
	require.Contains(t, b.String(), "  - version: v1.2.3\n  - build:   abcdef\n")
}

func TestFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	SetupFlags(fs)
	require.NoError(t, fs.Parse([]string{"-version=false"}))
	require.Error(t, fs.Parse([]string{"-version=maybe"}))
}
