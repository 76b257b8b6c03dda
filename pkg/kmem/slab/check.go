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

package slab

import (
	"container/list"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/kmem/pkg/kmem/mem"
)

// Check verifies the bookkeeping of all caches and kmalloc records.
func (a *Allocator) Check() error {
	var errs *multierror.Error

	for _, c := range a.caches {
		if err := c.Check(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for addr, rec := range a.records {
		if rec.cache == nil {
			if rec.page == nil || rec.page.Virt() != addr {
				errs = multierror.Append(errs, fmt.Errorf("kmalloc record %s has no matching page", addr))
			}
			continue
		}
		if _, _, ok := rec.cache.find(addr); !ok {
			errs = multierror.Append(errs, fmt.Errorf("kmalloc record %s not allocated from %s", addr, rec.cache.name))
		}
	}

	return errs.ErrorOrNil()
}

// Check verifies the bookkeeping of the cache.
func (c *Cache) Check() error {
	var errs *multierror.Error
	fail := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf("cache %s: "+format, append([]interface{}{c.name}, args...)...))
	}

	active := 0
	for _, l := range []struct {
		list  *list.List
		state State
	}{{c.full, Full}, {c.partial, Partial}, {c.empty, Empty}} {
		for e := l.list.Front(); e != nil; e = e.Next() {
			s := e.Value.(*slab)
			if s.list != l.list {
				fail("slab %s on %s list thinks it is elsewhere", s.base, l.state)
			}
			if st := c.state(s); st != l.state {
				fail("%s slab %s with %d/%d objects on %s list", st, s.base, s.inuse, c.num, l.state)
			}
			free := 0
			for j := s.free; j >= 0; j = s.ctl.next(j) {
				if j >= c.num || free > c.num {
					fail("slab %s has a corrupted free list", s.base)
					break
				}
				free++
			}
			if free != c.num-s.inuse {
				fail("slab %s has %d free slots, expected %d", s.base, free, c.num-s.inuse)
			}
			if !c.offSlab() {
				id, ok := readTrailer(c.a, s.base, c.order)
				if !ok || id != s.id || c.slabs[id] != s {
					fail("slab %s has a corrupted trailer", s.base)
				}
			}
			active += s.inuse
		}
	}

	if active != c.active {
		fail("%d objects in slabs, expected %d", active, c.active)
	}
	if c.active > c.NumSlabs()*c.num {
		fail("%d objects exceed capacity of %d slabs", c.active, c.NumSlabs())
	}
	if c.offSlab() && len(c.objects) != c.active {
		fail("%d objects tracked, expected %d", len(c.objects), c.active)
	}
	if !c.offSlab() && len(c.slabs) != c.NumSlabs() {
		fail("%d slabs registered, expected %d", len(c.slabs), c.NumSlabs())
	}

	return errs.ErrorOrNil()
}

// find returns the slab and slot of an allocated object without logging.
func (c *Cache) find(addr mem.Addr) (*slab, int, bool) {
	for _, l := range []*list.List{c.full, c.partial} {
		for e := l.Front(); e != nil; e = e.Next() {
			s := e.Value.(*slab)
			if addr < s.base || uint64(addr-s.base) >= uint64(c.num)*c.slotSize {
				continue
			}
			off := uint64(addr - s.base)
			if off%c.slotSize != 0 || c.isFree(s, int(off/c.slotSize)) {
				return nil, 0, false
			}
			return s, int(off / c.slotSize), true
		}
	}
	return nil, 0, false
}

// CacheStats are the statistics of one cache.
type CacheStats struct {
	Name        string
	Size        uint64
	ObjsPerSlab int
	Order       uint
	Active      int
	Total       int
	Full        int
	Partial     int
	Empty       int
}

// Stats returns the statistics of the cache.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Name:        c.name,
		Size:        c.size,
		ObjsPerSlab: c.num,
		Order:       uint(c.order),
		Active:      c.active,
		Total:       c.NumSlabs() * c.num,
		Full:        c.full.Len(),
		Partial:     c.partial.Len(),
		Empty:       c.empty.Len(),
	}
}

// Stats returns the statistics of all caches, sorted by name.
func (a *Allocator) Stats() []CacheStats {
	stats := make([]CacheStats, 0, len(a.caches))
	for _, c := range a.caches {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Report returns a table of all caches.
func (a *Allocator) Report() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "%-20s %8s %6s %5s %8s %8s %5s %5s %5s\n",
		"cache", "size", "objs", "order", "active", "total", "full", "part", "empty")
	for _, s := range a.Stats() {
		fmt.Fprintf(b, "%-20s %8d %6d %5d %8d %8d %5d %5d %5d\n",
			s.Name, s.Size, s.ObjsPerSlab, s.Order, s.Active, s.Total, s.Full, s.Partial, s.Empty)
	}
	fmt.Fprintf(b, "kmalloc records: %d\n", len(a.records))
	return b.String()
}
