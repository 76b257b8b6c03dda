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
	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
)

// BumpReserver reserves pages by bumping a cursor through low and high
// memory. It is used only until the page allocator is up.
type BumpReserver struct {
	limits   *memlimits.Limits
	low      bump
	high     bump
	reserved []FrameRange
	disabled bool
}

type bump struct {
	next int
	end  int
}

var _ Reserver = &BumpReserver{}

// NewReserver creates a reserver for the given limits.
func NewReserver(limits *memlimits.Limits) *BumpReserver {
	dma := limits.Region(memlimits.RegionDMA)
	low := limits.Region(memlimits.RegionLow)
	high := limits.Region(memlimits.RegionHigh)

	r := &BumpReserver{limits: limits}
	r.low.next = mem.Frame(dma.Start)
	r.low.end = mem.Frame(dma.End)
	if !low.Empty() {
		r.low.end = mem.Frame(low.End)
	}
	if dma.Empty() {
		r.low.next = mem.Frame(low.Start)
	}
	r.high.next, r.high.end = mem.Frame(high.Start), mem.Frame(high.End)

	return r
}

// ReserveLowPages reserves n contiguous directly mapped pages.
func (r *BumpReserver) ReserveLowPages(n int) (mem.Addr, error) {
	return r.reserve(&r.low, n, "low")
}

// ReserveHighPages reserves n contiguous pages of high memory.
func (r *BumpReserver) ReserveHighPages(n int) (mem.Addr, error) {
	return r.reserve(&r.high, n, "high")
}

func (r *BumpReserver) reserve(b *bump, n int, kind string) (mem.Addr, error) {
	if r.disabled {
		log.Panic("%s page reservation of %d pages after reserver was disabled", kind, n)
	}
	if n <= 0 {
		return 0, mem.Errorf(mem.ErrInvalid, "reserving %d %s pages", n, kind)
	}

	start, found := b.next, 0
	for frame := b.next; frame < b.end && found < n; frame++ {
		if !r.limits.Available(frame) {
			start, found = frame+1, 0
			continue
		}
		found++
	}
	if found < n {
		return 0, mem.Errorf(mem.ErrNoMemory, "can't reserve %d contiguous %s pages", n, kind)
	}

	b.next = start + n
	r.reserved = append(r.reserved, FrameRange{Start: start, End: start + n})
	log.Debug("reserved %d %s pages at %s", n, kind, mem.FrameAddr(start))

	return mem.FrameAddr(start), nil
}

// Disable permanently disables further reservations.
func (r *BumpReserver) Disable() {
	r.disabled = true
}

// Disabled returns true once the reserver has been disabled.
func (r *BumpReserver) Disabled() bool {
	return r.disabled
}

// Reserved returns the reserved frame ranges.
func (r *BumpReserver) Reserved() []FrameRange {
	return append([]FrameRange{}, r.reserved...)
}
