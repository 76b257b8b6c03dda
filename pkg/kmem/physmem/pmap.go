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

package physmem

import (
	"sort"

	"github.com/intel/kmem/pkg/kmem/mem"
)

const (
	// MaxMapDepth is the deepest allowed nesting of Map calls.
	MaxMapDepth = 8

	tableShift   = 10
	tableEntries = 1 << tableShift
	dirShift     = mem.PageShift + tableShift
)

// TableAllocator provides backing frames for page tables.
type TableAllocator interface {
	// AllocTable returns the physical address of a fresh page table frame.
	AllocTable() (mem.Addr, error)
	// FreeTable releases a page table frame.
	FreeTable(pa mem.Addr)
}

type pte struct {
	pa      mem.Addr
	flags   MapFlags
	present bool
}

type pageTable struct {
	pa      mem.Addr
	used    int
	entries [tableEntries]pte
}

// Pmap is a two-level software page table.
type Pmap struct {
	memory Memory
	tables TableAllocator
	dir    map[uint64]*pageTable
	depth  int
	count  int
}

var _ Mapper = &Pmap{}

// NewPmap creates an empty page table over the given memory.
func NewPmap(memory Memory) *Pmap {
	return &Pmap{
		memory: memory,
		dir:    map[uint64]*pageTable{},
	}
}

// SetTableAllocator sets the allocator for page table frames.
func (p *Pmap) SetTableAllocator(tables TableAllocator) {
	p.tables = tables
}

// Map maps the page at va to the frame at pa.
func (p *Pmap) Map(va, pa mem.Addr, flags MapFlags) error {
	p.depth++
	defer func() { p.depth-- }()

	if p.depth > MaxMapDepth {
		log.Panic("runaway recursive mapping of %s to %s, depth %d", va, pa, p.depth)
	}

	if !mem.IsPageAligned(va) || !mem.IsPageAligned(pa) {
		return mem.Errorf(mem.ErrInvalid, "unaligned mapping %s -> %s", va, pa)
	}
	if uint64(pa)+mem.PageSize > p.memory.Size() {
		return mem.Errorf(mem.ErrInvalid, "mapping %s to non-existent frame %s", va, pa)
	}

	pt, err := p.table(va)
	if err != nil {
		return err
	}

	e := &pt.entries[tableIndex(va)]
	if e.present && e.pa != pa {
		return mem.Errorf(mem.ErrAgain, "%s already mapped to %s", va, e.pa)
	}
	if !e.present {
		pt.used++
		p.count++
	}
	*e = pte{pa: pa, flags: flags &^ MapZero, present: true}

	if flags&MapZero != 0 {
		zero(p.memory.Bytes(pa, mem.PageSize))
	}

	return nil
}

// Unmap removes the mapping of the page at va.
func (p *Pmap) Unmap(va mem.Addr) error {
	pt, ok := p.dir[dirIndex(va)]
	if !ok || !pt.entries[tableIndex(va)].present {
		return mem.Errorf(mem.ErrInvalid, "unmapping unmapped page %s", va)
	}
	pt.entries[tableIndex(va)] = pte{}
	pt.used--
	p.count--
	return nil
}

// Lookup returns the current mapping of the page at va.
func (p *Pmap) Lookup(va mem.Addr) (mem.Addr, MapFlags, bool) {
	pt, ok := p.dir[dirIndex(va)]
	if !ok {
		return 0, 0, false
	}
	e := pt.entries[tableIndex(va)]
	if !e.present {
		return 0, 0, false
	}
	return e.pa + (va & (mem.PageSize - 1)), e.flags, true
}

// Count returns the number of mapped pages.
func (p *Pmap) Count() int {
	return p.count
}

// Tables returns the number of page tables.
func (p *Pmap) Tables() int {
	return len(p.dir)
}

// Mapping is a single page mapping.
type Mapping struct {
	VA    mem.Addr
	PA    mem.Addr
	Flags MapFlags
}

// Mappings returns all mappings in address order.
func (p *Pmap) Mappings() []Mapping {
	mappings := make([]Mapping, 0, p.count)
	for d, pt := range p.dir {
		for i, e := range pt.entries {
			if e.present {
				va := mem.Addr(d<<dirShift) + mem.Addr(i<<mem.PageShift)
				mappings = append(mappings, Mapping{VA: va, PA: e.pa, Flags: e.flags})
			}
		}
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].VA < mappings[j].VA })
	return mappings
}

// Destroy drops all mappings and releases the page table frames.
func (p *Pmap) Destroy() {
	for d, pt := range p.dir {
		if p.tables != nil {
			p.tables.FreeTable(pt.pa)
		}
		delete(p.dir, d)
	}
	p.count = 0
}

// table returns the page table for va, creating it if necessary. The new
// table is installed before its frame is allocated so that mapping the
// frame itself finds it.
func (p *Pmap) table(va mem.Addr) (*pageTable, error) {
	d := dirIndex(va)
	if pt, ok := p.dir[d]; ok {
		return pt, nil
	}

	pt := &pageTable{}
	p.dir[d] = pt
	if p.tables != nil {
		pa, err := p.tables.AllocTable()
		if err != nil {
			delete(p.dir, d)
			return nil, mem.Errorf(mem.ErrNoMemory, "failed to allocate page table for %s: %v", va, err)
		}
		pt.pa = pa
	}
	return pt, nil
}

func dirIndex(va mem.Addr) uint64 {
	return uint64(va) >> dirShift
}

func tableIndex(va mem.Addr) int {
	return int(uint64(va)>>mem.PageShift) & (tableEntries - 1)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
