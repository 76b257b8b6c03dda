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

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/config"
)

func TestParseBytes(t *testing.T) {
	tcases := []struct {
		name     string
		input    string
		expected uint64
		fail     bool
	}{
		{name: "plain", input: "4096", expected: 4096},
		{name: "kilo", input: "64k", expected: 64 << 10},
		{name: "mega", input: "16M", expected: 16 << 20},
		{name: "giga", input: "2G", expected: 2 << 30},
		{name: "tera", input: "1T", expected: 1 << 40},
		{name: "fraction", input: "1.5G", expected: 3 << 29},
		{name: "empty", input: "", fail: true},
		{name: "garbage", input: "lots", fail: true},
		{name: "negative", input: "-1M", fail: true},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := config.ParseBytes(tc.input)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, n)
		})
	}
}

type sizes struct {
	Size    config.Bytes
	Timeout config.Duration
}

func (s *sizes) Reset() {
	*s = sizes{Size: 64 << 20, Timeout: config.Duration(time.Second)}
}

func (*sizes) Describe() string { return "Memory sizes." }

func TestBytesAndDurationFragment(t *testing.T) {
	config.ReInitialize()

	s := &sizes{}
	require.NoError(t, config.Register("test.sizes", s))

	require.NoError(t, config.SetYAML([]byte(`
test:
  sizes:
    Size: 128M
    Timeout: 5s
`)))
	require.Equal(t, config.Bytes(128<<20), s.Size)
	require.Equal(t, config.Duration(5*time.Second), s.Timeout)

	require.NoError(t, config.SetYAML([]byte(`
test:
  sizes:
    Size: 8192
`)))
	require.Equal(t, config.Bytes(8192), s.Size)
	require.Equal(t, config.Duration(time.Second), s.Timeout, "default restored")

	raw, err := config.GetYAML()
	require.NoError(t, err)
	require.Contains(t, string(raw), "Size: 8k")
	require.Contains(t, string(raw), "Timeout: 1s")

	require.Contains(t, config.Describe(), "Memory sizes.")
	require.True(t, strings.Contains(config.Dump(true), "| Size: 8k"))

	require.Error(t, config.Register("test.late", &sizes{}), "registration after use")
}

func TestSetYAMLFile(t *testing.T) {
	config.ReInitialize()

	s := &sizes{}
	require.NoError(t, config.Register("file.sizes", s))

	path := filepath.Join(t.TempDir(), "kmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("file:\n  sizes:\n    Size: 1G\n"), 0644))
	require.NoError(t, config.SetYAMLFile(path))
	require.Equal(t, config.Bytes(1<<30), s.Size)

	require.Error(t, config.SetYAMLFile(filepath.Join(t.TempDir(), "missing.yaml")))

	require.NoError(t, os.WriteFile(path, []byte("file:\n  sizes:\n    Bogus: 1\n"), 0644))
	require.Error(t, config.SetYAMLFile(path), "unknown field")
}
