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

// Package memlimits partitions physical memory into DMA, low and high
// regions from a boot memory map.
package memlimits

import (
	"fmt"
	"sort"
	"strings"

	"github.com/intel/kmem/pkg/kmem/mem"
)

const (
	// DMALimit is the end of DMA-capable memory.
	DMALimit mem.Addr = 16 << 20
	// DefaultLowmemLimit is the default end of directly mapped memory.
	DefaultLowmemLimit mem.Addr = 896 << 20
)

// EntryType is the type of a memory map entry.
type EntryType string

const (
	// EntryAvailable is usable RAM.
	EntryAvailable EntryType = "available"
	// EntryReserved is memory the kernel must not touch.
	EntryReserved EntryType = "reserved"
)

// Entry is one entry of the boot memory map.
type Entry struct {
	Base   mem.Addr  `json:"Base"`
	Length uint64    `json:"Length"`
	Type   EntryType `json:"Type"`
}

// End returns the first address after the entry.
func (e Entry) End() mem.Addr {
	return e.Base + mem.Addr(e.Length)
}

// Region identifies a physical memory region.
type Region int

const (
	// RegionDMA is memory usable for legacy DMA.
	RegionDMA Region = iota
	// RegionLow is directly mapped memory above DMA.
	RegionLow
	// RegionHigh is memory with no permanent kernel mapping.
	RegionHigh
	// NumRegions is the number of regions.
	NumRegions
	// RegionNone is returned for addresses outside of all regions.
	RegionNone Region = -1
)

// Regions lists all regions in address order.
var Regions = []Region{RegionDMA, RegionLow, RegionHigh}

func (r Region) String() string {
	switch r {
	case RegionDMA:
		return "dma"
	case RegionLow:
		return "low"
	case RegionHigh:
		return "high"
	}
	return "none"
}

// Range is a half-open physical address range.
type Range struct {
	Start mem.Addr
	End   mem.Addr
}

// Contains returns true if pa is within the range.
func (r Range) Contains(pa mem.Addr) bool {
	return r.Start <= pa && pa < r.End
}

// Empty returns true if the range has no pages.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Frames returns the first frame and the number of frames in the range.
func (r Range) Frames() (int, int) {
	if r.Empty() {
		return mem.Frame(r.Start), 0
	}
	return mem.Frame(r.Start), mem.Frame(r.End) - mem.Frame(r.Start)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// Options for computing limits.
type Options struct {
	// LowmemLimit is the end of directly mapped memory.
	LowmemLimit mem.Addr
}

// Limits describes the physical memory regions.
type Limits struct {
	// KernelEnd is the end of the kernel image.
	KernelEnd mem.Addr
	// Top is the end of available memory.
	Top mem.Addr
	// Regions is indexed by Region.
	Regions [NumRegions]Range

	entries []Entry
}

// FromMemoryMap computes limits from the given memory map.
func FromMemoryMap(entries []Entry, kernelEnd mem.Addr, opts Options) (*Limits, error) {
	lowmem := opts.LowmemLimit
	if lowmem == 0 {
		lowmem = DefaultLowmemLimit
	}
	if lowmem%mem.MaxBlockSize != 0 || lowmem < DMALimit {
		return nil, mem.Errorf(mem.ErrInvalid, "lowmem limit %s not a multiple of %d above %s",
			lowmem, mem.MaxBlockSize, DMALimit)
	}

	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Length == 0 {
			continue
		}
		if e.Type != EntryAvailable && e.Type != EntryReserved {
			return nil, mem.Errorf(mem.ErrInvalid, "memory map entry %s: unknown type %q", e.Base, e.Type)
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	top := mem.Addr(0)
	for i, e := range sorted {
		if i > 0 && sorted[i-1].End() > e.Base {
			return nil, mem.Errorf(mem.ErrInvalid, "memory map entries at %s and %s overlap",
				sorted[i-1].Base, e.Base)
		}
		if e.Type == EntryAvailable && mem.PageAlignDown(e.End()) > top {
			top = mem.PageAlignDown(e.End())
		}
	}
	if top == 0 {
		return nil, mem.Errorf(mem.ErrInvalid, "no available memory in memory map")
	}

	l := &Limits{
		KernelEnd: kernelEnd,
		Top:       top,
		entries:   sorted,
	}
	clip := func(start, end mem.Addr) Range {
		if end > top {
			end = top
		}
		if start > end {
			start = end
		}
		return Range{Start: start, End: end}
	}
	l.Regions[RegionDMA] = clip(mem.PageAlignUp(kernelEnd), DMALimit)
	l.Regions[RegionLow] = clip(maxAddr(DMALimit, mem.PageAlignUp(kernelEnd)), lowmem)
	l.Regions[RegionHigh] = clip(lowmem, top)

	return l, nil
}

func maxAddr(a, b mem.Addr) mem.Addr {
	if a > b {
		return a
	}
	return b
}

// Region returns the range of the given region.
func (l *Limits) Region(r Region) Range {
	return l.Regions[r]
}

// RegionOf returns the region pa falls into.
func (l *Limits) RegionOf(pa mem.Addr) Region {
	for _, r := range Regions {
		if l.Regions[r].Contains(pa) {
			return r
		}
	}
	return RegionNone
}

// IsDMA returns true if pa is in the DMA region.
func (l *Limits) IsDMA(pa mem.Addr) bool {
	return l.Regions[RegionDMA].Contains(pa)
}

// IsLowmem returns true if pa is in the low region.
func (l *Limits) IsLowmem(pa mem.Addr) bool {
	return l.Regions[RegionLow].Contains(pa)
}

// IsHighmem returns true if pa is in the high region.
func (l *Limits) IsHighmem(pa mem.Addr) bool {
	return l.Regions[RegionHigh].Contains(pa)
}

// Frames returns the number of frames from address 0 up to Top.
func (l *Limits) Frames() int {
	return mem.Frame(l.Top)
}

// Available returns true if the whole frame is inside an available entry
// and no reserved entry touches it.
func (l *Limits) Available(frame int) bool {
	start := mem.FrameAddr(frame)
	end := start + mem.PageSize
	avail := false
	for _, e := range l.entries {
		if e.Base >= end {
			break
		}
		if e.End() <= start {
			continue
		}
		if e.Type != EntryAvailable {
			return false
		}
		if e.Base <= start && end <= e.End() {
			avail = true
		}
	}
	return avail
}

// Entries returns the sorted memory map.
func (l *Limits) Entries() []Entry {
	return append([]Entry{}, l.entries...)
}

func (l *Limits) String() string {
	parts := []string{}
	for _, r := range Regions {
		parts = append(parts, fmt.Sprintf("%s %s", r, l.Regions[r]))
	}
	return strings.Join(parts, ", ")
}
