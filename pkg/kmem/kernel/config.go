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

package kernel

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/kmem/pkg/config"
	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
	"github.com/intel/kmem/pkg/kmem/pfa"
	"github.com/intel/kmem/pkg/kmem/slab"
)

const (
	// DefaultMemorySize is the default amount of physical memory.
	DefaultMemorySize = 128 << 20
	// DefaultLowmemLimit is the default end of low memory.
	DefaultLowmemLimit = 64 << 20
	// DefaultKernelEnd is the default end of the kernel image.
	DefaultKernelEnd = 2 << 20
)

// Config is the configuration of the memory core.
type Config struct {
	// MemorySize is the amount of physical memory.
	MemorySize uint64
	// KernelEnd is the end of the kernel image, no memory below it is used.
	KernelEnd mem.Addr
	// MemoryMap is the boot memory map. DefaultMemoryMap is used if empty.
	MemoryMap []memlimits.Entry
	// Limits are the region options.
	Limits memlimits.Options
	// PFA are the page frame allocator options.
	PFA pfa.Options
	// Slab are the slab allocator options.
	Slab slab.Options
	// Paranoid checks the page allocator and every area map after each
	// update. Inconsistencies are fatal.
	Paranoid bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MemorySize: DefaultMemorySize,
		KernelEnd:  DefaultKernelEnd,
		Limits:     memlimits.Options{LowmemLimit: DefaultLowmemLimit},
		Slab:       slab.DefaultOptions(),
	}
}

// DefaultMemoryMap returns a PC-like memory map for the given memory size:
// conventional memory, the legacy hole below 1 MiB, then the rest.
func DefaultMemoryMap(size uint64) []memlimits.Entry {
	return []memlimits.Entry{
		{Base: 0, Length: 640 << 10, Type: memlimits.EntryAvailable},
		{Base: 640 << 10, Length: 384 << 10, Type: memlimits.EntryReserved},
		{Base: 1 << 20, Length: size - 1<<20, Type: memlimits.EntryAvailable},
	}
}

// MemoryEntry is a memory map entry in the configuration.
type MemoryEntry struct {
	Base   config.Bytes `json:"Base"`
	Length config.Bytes `json:"Length"`
	Type   string       `json:"Type"`
}

// memoryOptions is the "kmem.memory" configuration fragment.
type memoryOptions struct {
	Size        config.Bytes  `json:"Size"`
	KernelEnd   config.Bytes  `json:"KernelEnd"`
	LowmemLimit config.Bytes  `json:"LowmemLimit"`
	Map         []MemoryEntry `json:"Map,omitempty"`
}

// pfaOptions is the "kmem.pfa" configuration fragment.
type pfaOptions struct {
	ZeroOnFree bool `json:"ZeroOnFree,omitempty"`
}

// debugOptions is the "kmem.debug" configuration fragment.
type debugOptions struct {
	Paranoid bool `json:"Paranoid,omitempty"`
}

// slabOptions is the "kmem.slab" configuration fragment.
type slabOptions struct {
	ReapWindow       int `json:"ReapWindow"`
	ReapShortCircuit int `json:"ReapShortCircuit"`
}

var (
	memoryOpt = &memoryOptions{}
	pfaOpt    = &pfaOptions{}
	slabOpt   = &slabOptions{}
	debugOpt  = &debugOptions{}
)

func (o *memoryOptions) Reset() {
	*o = memoryOptions{
		Size:        DefaultMemorySize,
		KernelEnd:   DefaultKernelEnd,
		LowmemLimit: DefaultLowmemLimit,
	}
}

func (o *memoryOptions) Describe() string {
	return `Physical memory.

Size is the amount of memory, KernelEnd the end of the kernel image and
LowmemLimit the end of directly mapped memory. Map is the boot memory map,
a list of Base, Length and Type (available or reserved) entries. Without
a Map conventional memory, a hole at 640k and the rest are used.

  kmem:
    memory:
      Size: 256M
      LowmemLimit: 128M
`
}

func (o *memoryOptions) Validate() error {
	var errs *multierror.Error

	if o.Size == 0 || uint64(o.Size)%mem.PageSize != 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid memory size %s", o.Size))
	}
	if o.KernelEnd >= o.Size {
		errs = multierror.Append(errs, fmt.Errorf("kernel end %s beyond memory size %s", o.KernelEnd, o.Size))
	}
	for _, e := range o.Map {
		switch memlimits.EntryType(e.Type) {
		case memlimits.EntryAvailable, memlimits.EntryReserved:
		default:
			errs = multierror.Append(errs, fmt.Errorf("memory map entry at %s: invalid type %q", e.Base, e.Type))
		}
		if e.Base+e.Length > o.Size {
			errs = multierror.Append(errs, fmt.Errorf("memory map entry at %s beyond memory size %s", e.Base, o.Size))
		}
	}

	return errs.ErrorOrNil()
}

func (o *pfaOptions) Reset() {
	*o = pfaOptions{}
}

func (o *pfaOptions) Describe() string {
	return `Page frame allocator.

ZeroOnFree zeroes freed blocks, which helps catching use after free.
`
}

func (o *debugOptions) Reset() {
	*o = debugOptions{}
}

func (o *debugOptions) Describe() string {
	return `Consistency checking.

Paranoid verifies the page allocator free lists and the area tree of each
address space after every update and stops at the first inconsistency.
`
}

func (o *slabOptions) Reset() {
	defaults := slab.DefaultOptions()
	*o = slabOptions{
		ReapWindow:       defaults.ReapWindow,
		ReapShortCircuit: defaults.ReapShortCircuit,
	}
}

func (o *slabOptions) Describe() string {
	return `Slab allocator.

ReapWindow is the number of caches a reap scans. ReapShortCircuit ends the
scan at the first cache with more empty slabs than this.
`
}

func (o *slabOptions) Validate() error {
	if o.ReapWindow <= 0 || o.ReapShortCircuit <= 0 {
		return fmt.Errorf("invalid reap window %d or short circuit %d", o.ReapWindow, o.ReapShortCircuit)
	}
	return nil
}

// ConfigFromFragments returns the configuration set through pkg/config.
func ConfigFromFragments() Config {
	cfg := Config{
		MemorySize: uint64(memoryOpt.Size),
		KernelEnd:  mem.Addr(memoryOpt.KernelEnd),
		Limits:     memlimits.Options{LowmemLimit: mem.Addr(memoryOpt.LowmemLimit)},
		PFA:        pfa.Options{ZeroOnFree: pfaOpt.ZeroOnFree},
		Slab: slab.Options{
			ReapWindow:       slabOpt.ReapWindow,
			ReapShortCircuit: slabOpt.ReapShortCircuit,
		},
		Paranoid: debugOpt.Paranoid,
	}
	for _, e := range memoryOpt.Map {
		cfg.MemoryMap = append(cfg.MemoryMap, memlimits.Entry{
			Base:   mem.Addr(e.Base),
			Length: uint64(e.Length),
			Type:   memlimits.EntryType(e.Type),
		})
	}
	return cfg
}

func init() {
	memoryOpt.Reset()
	pfaOpt.Reset()
	slabOpt.Reset()
	debugOpt.Reset()

	config.MustRegister("kmem.memory", memoryOpt)
	config.MustRegister("kmem.pfa", pfaOpt)
	config.MustRegister("kmem.slab", slabOpt)
	config.MustRegister("kmem.debug", debugOpt)
}
