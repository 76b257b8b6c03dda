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

package prompt

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/kmem/kernel"
)

type testPrompt struct {
	*Prompt
	out *bytes.Buffer
}

func newTestPrompt(t *testing.T, input string) *testPrompt {
	k, err := kernel.Boot(kernel.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	out := &bytes.Buffer{}
	p := NewPrompt("> ", k, bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(out))
	return &testPrompt{Prompt: p, out: out}
}

// run runs a command and returns its output.
func (tp *testPrompt) run(t *testing.T, cmd string, status CommandStatus) string {
	tp.out.Reset()
	require.Equal(t, status, tp.RunCmdString(cmd), "status of %q, output:\n%s", cmd, tp.out.String())
	return tp.out.String()
}

func TestInteract(t *testing.T) {
	tp := newTestPrompt(t, "nop\n\nq\nnop\n")
	tp.Interact()
	require.Equal(t, "> > > quit.\n", tp.out.String())

	tp = newTestPrompt(t, "help\n")
	tp.SetEcho(true)
	tp.Interact()
	out := tp.out.String()
	require.True(t, strings.HasPrefix(out, "> help\nAvailable commands:\n"), out)
	require.Contains(t, out, "quit: EOF\n")
}

func TestHelpAndUnknown(t *testing.T) {
	tp := newTestPrompt(t, "")

	out := tp.run(t, "help", csOk)
	for _, name := range []string{"pfa", "cache", "kmalloc", "kfree", "krealloc", "reap", "as", "vm", "check", "stats"} {
		require.Contains(t, out, "        "+name+" ")
	}

	require.Equal(t, "unknown command \"frobnicate\"\n", tp.run(t, "frobnicate -x", csUnknownCommand))
}

func TestPfa(t *testing.T) {
	tp := newTestPrompt(t, "")

	out := tp.run(t, "pfa -alloc 2 -zero", csOk)
	fields := strings.Fields(out)
	require.Equal(t, "allocated", fields[0])
	require.Equal(t, "4", fields[1])
	pa := fields[4]

	require.Equal(t, pa+" order 2\n", tp.run(t, "pfa -ls", csOk))
	require.Contains(t, tp.run(t, "pfa", csOk), "page frame allocator:")
	require.Contains(t, tp.run(t, "pfa -free "+pa, csOk), "freed 4 pages")
	require.Contains(t, tp.run(t, "pfa -free "+pa, csError), "no block allocated")
	require.Contains(t, tp.run(t, "pfa -alloc 11", csError), "allocation of order 11 failed")
	require.Contains(t, tp.run(t, "pfa -free zz", csError), "invalid address")
	require.Equal(t, "ok\n", tp.run(t, "check", csOk))
}

func TestCacheAndKmalloc(t *testing.T) {
	tp := newTestPrompt(t, "")

	require.Contains(t, tp.run(t, "cache -create foo -size 100", csOk), "created cache foo")
	require.Contains(t, tp.run(t, "cache -create bar -size 100 -align 48", csError), "invalid alignment")
	require.Contains(t, tp.run(t, "cache -create bar -size 0x1k", csError), "invalid -size")

	obj := strings.TrimSpace(tp.run(t, "cache -alloc foo", csOk))
	require.Contains(t, tp.run(t, "cache -slabs foo", csOk), "  1/")
	require.Contains(t, tp.run(t, "cache -destroy foo", csError), "failed to destroy cache")
	tp.run(t, "cache -free foo -addr "+obj, csOk)
	tp.run(t, "cache -destroy foo", csOk)
	require.Contains(t, tp.run(t, "cache -alloc foo", csError), "unknown cache \"foo\"")

	addr := strings.TrimSpace(tp.run(t, "kmalloc -size 1k -zero", csOk))
	require.Contains(t, tp.run(t, "cache", csOk), "kmalloc records: 1\n")
	naddr := strings.TrimSpace(tp.run(t, "krealloc -addr "+addr+" -size 3000", csOk))
	require.NotEqual(t, addr, naddr)
	tp.run(t, "kfree -addr "+naddr, csOk)
	require.Contains(t, tp.run(t, "cache", csOk), "kmalloc records: 0\n")
	require.Contains(t, tp.run(t, "kmalloc -size 0", csError), "kmalloc of 0 bytes failed")

	require.Contains(t, tp.run(t, "reap", csOk), "reaped ")
	require.Equal(t, "ok\n", tp.run(t, "check", csOk))
}

func TestAddressSpaces(t *testing.T) {
	tp := newTestPrompt(t, "")

	require.Contains(t, tp.run(t, "vm", csError), "no address space")
	require.Equal(t, "using address space #0\n", tp.run(t, "as -new", csOk))

	tp.run(t, "vm -map 0x400000 -size 16k", csOk)
	require.Contains(t, tp.run(t, "vm -map 0x402000 -size 4k", csError), "mapping failed")
	require.Equal(t, "0x404000\n", tp.run(t, "vm -insert -size 8k -prot r", csOk))
	require.Contains(t, tp.run(t, "vm -find 0x401000", csOk), "[0x400000, 0x404000)")
	require.Contains(t, tp.run(t, "vm -find 0x500000", csError), "is not mapped")

	tp.run(t, "vm -fault 0x401000 -write", csOk)
	require.Contains(t, tp.run(t, "vm -fault 0x404000 -write", csError), "fault failed")
	tp.run(t, "vm -fault 0x404000", csOk)
	require.Equal(t, "*#0: 2 areas, 1 page tables, 2 mappings\n", tp.run(t, "as", csOk))

	tp.run(t, "vm -rm 0x401000 -size 4k", csOk)
	require.Len(t, strings.Split(strings.TrimSpace(tp.run(t, "vm", csOk)), "\n"), 3)
	require.Contains(t, tp.run(t, "vm -tree", csOk), "[0x402000, 0x404000) h")
	require.Contains(t, tp.run(t, "vm -rm 0x500000 -size 4k", csError), "unmapping failed")
	require.Equal(t, "ok\n", tp.run(t, "check", csOk))

	require.Equal(t, "using address space #1\n", tp.run(t, "as -new", csOk))
	require.Equal(t, "using address space #0\n", tp.run(t, "as -use 0", csOk))
	tp.run(t, "as -rm 0", csOk)
	require.Contains(t, tp.run(t, "as -use 0", csError), "unknown address space #0")
	require.Contains(t, tp.run(t, "vm", csError), "no address space")
	require.Equal(t, " #1: 0 areas, 0 page tables, 0 mappings\n", tp.run(t, "as", csOk))
}

func TestStats(t *testing.T) {
	tp := newTestPrompt(t, "")

	tp.run(t, "as -new", csOk)
	out := tp.run(t, "stats", csOk)
	require.Contains(t, out, "kmalloc records: 0\n")
	require.Contains(t, out, "address spaces: 1\n")

	out = tp.run(t, "stats -prom", csOk)
	require.Contains(t, out, "# TYPE kmem_pfa_free_pages gauge")
	require.Contains(t, out, "kmem_vmmap_areas{space=\"0\"} 0")
}

func TestFatalCommand(t *testing.T) {
	tp := newTestPrompt(t, "")
	tp.cmds["boom"] = Cmd{"panic.", func([]string) CommandStatus { panic("boom") }}

	require.Equal(t, "fatal: boom\n", tp.run(t, "boom", csError))
	require.Equal(t, "ok\n", tp.run(t, "check", csOk))
}
