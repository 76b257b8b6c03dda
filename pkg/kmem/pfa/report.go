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

package pfa

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
)

// RegionStats are the statistics of one region.
type RegionStats struct {
	Region     memlimits.Region
	Range      memlimits.Range
	TotalPages int
	FreePages  int
	FreeBlocks [MaxOrder]int
}

// Stats are the statistics of the allocator.
type Stats struct {
	Regions [memlimits.NumRegions]RegionStats
}

// FreePages returns the number of free pages in all regions.
func (s *Stats) FreePages() int {
	n := 0
	for _, r := range s.Regions {
		n += r.FreePages
	}
	return n
}

// TotalPages returns the number of managed pages in all regions.
func (s *Stats) TotalPages() int {
	n := 0
	for _, r := range s.Regions {
		n += r.TotalPages
	}
	return n
}

// Stats returns the current statistics of the allocator.
func (a *Allocator) Stats() *Stats {
	a.checkReady()
	s := &Stats{}
	for _, r := range memlimits.Regions {
		rs := &s.Regions[r]
		rs.Region = r
		rs.Range = a.limits.Region(r)
		rs.TotalPages = a.total[r]
		rs.FreePages = a.free[r]
		for o := range a.buckets[r] {
			rs.FreeBlocks[o] = a.buckets[r][o].length
		}
	}
	return s
}

// Report returns a human-readable dump of the free lists. A full report
// also lists every free block.
func (a *Allocator) Report(full bool) string {
	s := a.Stats()
	b := &strings.Builder{}

	fmt.Fprintf(b, "page frame allocator: %d/%d pages free\n", s.FreePages(), s.TotalPages())
	for _, m := range a.meta {
		fmt.Fprintf(b, "  metadata %s-%s\n", mem.FrameAddr(m.Start), mem.FrameAddr(m.End))
	}
	for _, rs := range s.Regions {
		fmt.Fprintf(b, "  %-4s %s: %d/%d pages free\n", rs.Region, rs.Range, rs.FreePages, rs.TotalPages)
		for o, n := range rs.FreeBlocks {
			if n == 0 && !full {
				continue
			}
			fmt.Fprintf(b, "    order %2d: %d blocks", o, n)
			if full {
				for f := a.buckets[rs.Region][o].head; f != none; f = a.pages[f].next {
					fmt.Fprintf(b, " %s", a.pages[f].Phys())
				}
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// Check verifies the consistency of the free lists and the bitmap.
func (a *Allocator) Check() error {
	a.checkReady()

	var errs *multierror.Error
	fail := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	covered := make([]bool, len(a.pages))
	for _, r := range memlimits.Regions {
		free := 0
		for o := range a.buckets[r] {
			order := mem.PageOrder(o)
			b := &a.buckets[r][o]
			n, prev := 0, int32(none)
			for f := b.head; f != none; f = a.pages[f].next {
				p := &a.pages[f]
				switch {
				case p.prev != prev:
					fail("%s: %s order %d has broken back link", r, p, o)
				case !p.free:
					fail("%s: %s order %d on free list is not marked free", r, p, o)
				case p.order != order:
					fail("%s: %s on order %d list has order %d", r, p, o, p.order)
				case int(f)&(1<<order-1) != 0:
					fail("%s: %s order %d is misaligned", r, p, o)
				}
				for g := int(f); g < int(f)+1<<order && g < len(a.pages); g++ {
					if a.region(g) != r {
						fail("%s: %s order %d extends out of region to frame #%d", r, p, o, g)
						break
					}
					if covered[g] {
						fail("%s: frame #%d is on more than one free list", r, g)
					}
					if a.isAllocated(g) {
						fail("%s: free frame #%d is marked allocated", r, g)
					}
					covered[g] = true
				}
				free += 1 << order
				prev = f
				n++
				if n > len(a.pages) {
					fail("%s: order %d free list is cyclic", r, o)
					break
				}
			}
			if n != b.length {
				fail("%s: order %d free list has %d blocks, expected %d", r, o, n, b.length)
			}
		}
		if free != a.free[r] {
			fail("%s: %d pages on free lists, expected %d", r, free, a.free[r])
		}
	}

	for f := range a.pages {
		if !a.isAllocated(f) && !covered[f] {
			fail("frame #%d is neither allocated nor on a free list", f)
		}
	}

	return errs.ErrorOrNil()
}
