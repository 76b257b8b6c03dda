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

// Package kernel boots the memory core: it sets up physical memory, its
// limits and the boot reserver, then the page frame allocator, the slab
// allocator and the address space maps on top of them.
package kernel

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	logger "github.com/intel/kmem/pkg/log"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
	"github.com/intel/kmem/pkg/kmem/pfa"
	"github.com/intel/kmem/pkg/kmem/physmem"
	"github.com/intel/kmem/pkg/kmem/slab"
	"github.com/intel/kmem/pkg/kmem/vmmap"
)

const (
	// AreaCacheName is the name of the cache of area nodes.
	AreaCacheName = "vmmap_area"
	// areaNodeSize is the size of an area node.
	areaNodeSize = 64
)

var log logger.Logger = logger.NewLogger("kernel")

// Kernel is the memory core. Callers serialize access with its lock.
type Kernel struct {
	sync.Mutex

	cfg       Config
	Arena     *physmem.Arena
	Limits    *memlimits.Limits
	Reserver  *physmem.BumpReserver
	Pmap      *physmem.Pmap
	PFA       *pfa.Allocator
	Slab      *slab.Allocator
	AreaCache *slab.Cache

	tables tableAllocator
	spaces []*AddressSpace
	nextID int
}

// AddressSpace is a user address space with its own page table.
type AddressSpace struct {
	ID   int
	Map  *vmmap.Map
	Pmap *physmem.Pmap
}

// tableAllocator backs page tables with zeroed kernel pages.
type tableAllocator struct {
	pages *pfa.Allocator
}

func (t tableAllocator) AllocTable() (mem.Addr, error) {
	p := t.pages.Alloc(pfa.Kernel|pfa.Zero, 0)
	if p == nil {
		return 0, mem.Errorf(mem.ErrNoMemory, "no page for a page table")
	}
	return p.Phys(), nil
}

func (t tableAllocator) FreeTable(pa mem.Addr) {
	t.pages.Free(t.pages.Page(mem.Frame(pa)), 0)
}

// Boot sets up the memory core with the given configuration.
func Boot(cfg Config) (*Kernel, error) {
	entries := cfg.MemoryMap
	if len(entries) == 0 {
		entries = DefaultMemoryMap(cfg.MemorySize)
	}

	arena, err := physmem.NewArena(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:   cfg,
		Arena: arena,
	}

	if k.Limits, err = memlimits.FromMemoryMap(entries, cfg.KernelEnd, cfg.Limits); err != nil {
		arena.Close()
		return nil, err
	}
	log.Info("memory limits: %s", k.Limits)

	k.Reserver = physmem.NewReserver(k.Limits)
	k.Pmap = physmem.NewPmap(arena)

	pfaOpts := cfg.PFA
	pfaOpts.Paranoid = pfaOpts.Paranoid || cfg.Paranoid
	if k.PFA, err = pfa.New(k.Limits, arena, k.Reserver, k.Pmap, pfaOpts); err != nil {
		arena.Close()
		return nil, err
	}
	k.tables = tableAllocator{pages: k.PFA}
	k.Pmap.SetTableAllocator(k.tables)

	if k.Slab, err = slab.New(k.PFA, arena, cfg.Slab); err != nil {
		arena.Close()
		return nil, err
	}
	if k.AreaCache, err = k.Slab.Create(AreaCacheName, areaNodeSize, 0, 0, nil, nil); err != nil {
		arena.Close()
		return nil, err
	}

	log.Info("booted with %d/%d free pages", k.PFA.Stats().FreePages(), k.PFA.Stats().TotalPages())

	return k, nil
}

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// NewAddressSpace creates an empty address space.
func (k *Kernel) NewAddressSpace() *AddressSpace {
	pmap := physmem.NewPmap(k.Arena)
	pmap.SetTableAllocator(k.tables)

	as := &AddressSpace{
		ID:   k.nextID,
		Map:  vmmap.New(pmap, k.AreaCache),
		Pmap: pmap,
	}
	as.Map.SetParanoid(k.cfg.Paranoid)
	k.nextID++
	k.spaces = append(k.spaces, as)

	log.Debug("created address space #%d", as.ID)

	return as
}

// AddressSpace returns the address space with the given id.
func (k *Kernel) AddressSpace(id int) *AddressSpace {
	for _, as := range k.spaces {
		if as.ID == id {
			return as
		}
	}
	return nil
}

// AddressSpaces returns all address spaces.
func (k *Kernel) AddressSpaces() []*AddressSpace {
	return append([]*AddressSpace{}, k.spaces...)
}

// DestroyAddressSpace destroys all areas and the page table of as.
func (k *Kernel) DestroyAddressSpace(as *AddressSpace) error {
	for i, s := range k.spaces {
		if s != as {
			continue
		}
		as.Map.Deinit()
		as.Pmap.Destroy()
		k.spaces = append(k.spaces[:i], k.spaces[i+1:]...)
		log.Debug("destroyed address space #%d", as.ID)
		return nil
	}
	return mem.Errorf(mem.ErrInvalid, "unknown address space #%d", as.ID)
}

// NewObject creates an anonymous memory object.
func (k *Kernel) NewObject(size uint64, prot vmmap.Prot) *vmmap.Object {
	return vmmap.NewObject(k.PFA, size, prot)
}

// Check verifies the consistency of all allocators and maps.
func (k *Kernel) Check() error {
	var errs *multierror.Error

	if err := k.PFA.Check(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := k.Slab.Check(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, as := range k.spaces {
		if err := as.Map.Check(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("address space #%d: %w", as.ID, err))
		}
	}

	return errs.ErrorOrNil()
}

// Close destroys all address spaces and releases physical memory.
func (k *Kernel) Close() error {
	for len(k.spaces) > 0 {
		if err := k.DestroyAddressSpace(k.spaces[0]); err != nil {
			return err
		}
	}
	return k.Arena.Close()
}
