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

// Package prompt implements an interactive prompt for exercising the
// memory core.
package prompt

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"

	"github.com/intel/kmem/pkg/config"
	logger "github.com/intel/kmem/pkg/log"

	"github.com/intel/kmem/pkg/kmem/kernel"
	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
)

var log = logger.NewLogger("prompt")

type Cmd struct {
	description string
	Run         func([]string) CommandStatus
}

type Prompt struct {
	r     *bufio.Reader
	w     *bufio.Writer
	f     *flag.FlagSet
	k     *kernel.Kernel
	as    *kernel.AddressSpace
	pages map[mem.Addr]pageAlloc
	cmds  map[string]Cmd
	ps1   string
	echo  bool
	quit  bool
}

// pageAlloc is a block allocated from the prompt.
type pageAlloc struct {
	page  *pfa.Page
	order mem.PageOrder
}

type CommandStatus int

const (
	csOk CommandStatus = iota
	csUnknownCommand
	csPipeCreateError
	csPipeProcessStartError
	csError
)

// Failed returns true if the command did not complete successfully.
func (cs CommandStatus) Failed() bool {
	return cs != csOk
}

func NewPrompt(ps1 string, k *kernel.Kernel, reader *bufio.Reader, writer *bufio.Writer) *Prompt {
	p := Prompt{
		r:     reader,
		w:     writer,
		ps1:   ps1,
		k:     k,
		pages: map[mem.Addr]pageAlloc{},
	}
	p.cmds = map[string]Cmd{
		"q":        {"quit interactive prompt.", p.cmdQuit},
		"pfa":      {"allocate and free page blocks, report free lists.", p.cmdPfa},
		"cache":    {"create, use and destroy slab caches.", p.cmdCache},
		"kmalloc":  {"allocate kernel memory.", p.cmdKmalloc},
		"kfree":    {"free kernel memory.", p.cmdKfree},
		"krealloc": {"reallocate kernel memory.", p.cmdKrealloc},
		"reap":     {"reap empty slabs.", p.cmdReap},
		"as":       {"create, select and destroy address spaces.", p.cmdAs},
		"vm":       {"map, unmap, fault and list areas of the address space.", p.cmdVm},
		"check":    {"check consistency of allocators and maps.", p.cmdCheck},
		"stats":    {"print statistics.", p.cmdStats},
		"help":     {"print help.", p.cmdHelp},
		"nop":      {"no operation.", p.cmdNop},
	}
	return &p
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) RunCmdSlice(cmdSlice []string) CommandStatus {
	if len(cmdSlice) == 0 {
		return csOk
	}
	if cmdSlice[0] == "" {
		cmdSlice[0] = "nop"
	}
	p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
	p.f.SetOutput(p.w)
	cmd, ok := p.cmds[cmdSlice[0]]
	if !ok {
		if len(cmdSlice[0]) > 0 {
			p.output("unknown command %q\n", cmdSlice[0])
		}
		return csUnknownCommand
	}

	log.Debug("running %q", cmdSlice)

	p.k.Lock()
	defer p.k.Unlock()

	return p.run(cmd, cmdSlice[1:])
}

// run runs a command, turning invariant violations into command errors.
func (p *Prompt) run(cmd Cmd, args []string) (status CommandStatus) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("command failed fatally: %v", r)
			p.output("fatal: %v\n", r)
			status = csError
		}
	}()
	return cmd.Run(args)
}

func (p *Prompt) RunCmdString(cmdString string) CommandStatus {
	var err error
	// If command has "|", run the right-hand-side of the pipe in a
	// shell and feed it the output of the left-hand-side command.
	origOutputWriter := p.w
	pipeCmd := ""
	pipeIndex := strings.Index(cmdString, "|")
	if pipeIndex > -1 {
		pipeCmd = cmdString[pipeIndex+1:]
		cmdString = cmdString[:pipeIndex]
	}
	cmdSlice := strings.Fields(cmdString)
	if len(cmdSlice) == 0 {
		cmdSlice = []string{""}
	}

	var pipeProcess *exec.Cmd = nil
	var pipeInput io.WriteCloser = nil
	if pipeCmd != "" {
		pipeProcess = exec.Command("sh", "-c", pipeCmd)
		pipeInput, err = pipeProcess.StdinPipe()
		if err != nil {
			p.output("failed to create pipe for command %q", pipeCmd)
			return csPipeCreateError
		}
		pipeProcess.Stdout = origOutputWriter
		pipeProcess.Stderr = origOutputWriter
		err := pipeProcess.Start()
		if err != nil {
			p.w = origOutputWriter
			p.output("failed to start: sh -c %q: %s", pipeCmd, err)
			pipeInput.Close()
			return csPipeProcessStartError
		}
		p.w = bufio.NewWriter(pipeInput)
	}
	runRv := p.RunCmdSlice(cmdSlice)
	// Wait for pipe process to exit and restore redirect.
	if pipeCmd != "" {
		p.w.Flush()
		pipeInput.Close()
		pipeProcess.Wait()
		p.w = origOutputWriter
	}
	return runRv
}

func (p *Prompt) Interact() {
	for !p.quit {
		p.output("%s", p.ps1)
		cmdString, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", cmdString)
		}
		p.RunCmdString(cmdString)
	}
	p.output("quit.\n")
}

func (p *Prompt) SetEcho(newEcho bool) {
	p.echo = newEcho
}

func sortedStringKeys(m map[string]Cmd) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseSize parses a size given in bytes, with a k/M/G suffix or in hex.
func parseSize(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		a, err := mem.ParseAddr(s)
		return uint64(a), err
	}
	return config.ParseBytes(s)
}

func (p *Prompt) cmdNop(args []string) CommandStatus {
	return csOk
}

func (p *Prompt) cmdQuit(args []string) CommandStatus {
	p.quit = true
	return csOk
}

func (p *Prompt) cmdHelp(args []string) CommandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedStringKeys(p.cmds) {
		p.output("        %-12s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n")
	p.output("        <command> -h show help on command options.\n")
	p.output("        [command] | <shell-command>\n")
	p.output("                     pipe command output to shell-command.\n")
	p.output("        Addresses are hexadecimal, sizes take k, M and G suffixes.\n")
	return csOk
}
