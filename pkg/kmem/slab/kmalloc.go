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
	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
)

const (
	// KmallocMin is the smallest kmalloc size class.
	KmallocMin = 4
	// KmallocMax is the largest kmalloc size class. Larger requests
	// are served directly by the page allocator.
	KmallocMax = 8192
)

// record tracks one kmalloc allocation.
type record struct {
	cache *Cache
	page  *pfa.Page
	order mem.PageOrder
}

// size returns the usable size of the allocation.
func (r record) size() uint64 {
	if r.cache != nil {
		return r.cache.size
	}
	return mem.OrderSize(r.order)
}

// sizeCache returns the smallest kmalloc cache for size, nil if too large.
// DMA requests are served from the DMA ladder.
func (a *Allocator) sizeCache(size uint64, flags pfa.Flags) *Cache {
	ladder := a.sizes
	if flags&pfa.DMA != 0 {
		ladder = a.dmaSizes
	}
	for _, c := range ladder {
		if c.size >= size {
			return c
		}
	}
	return nil
}

// Kmalloc allocates size bytes of kernel memory. It returns 0 on failure.
func (a *Allocator) Kmalloc(size uint64, flags pfa.Flags) mem.Addr {
	if size == 0 {
		log.Debug("kmalloc of zero bytes")
		return 0
	}
	if flags&pfa.High != 0 || !flags.Valid() {
		a.errlog.Error("kmalloc with invalid flags %s", flags)
		return 0
	}

	var (
		addr mem.Addr
		rec  record
	)

	if c := a.sizeCache(size, flags); c != nil {
		var err error
		if addr, err = c.Alloc(flags); err != nil {
			log.Debug("kmalloc of %d bytes failed: %v", size, err)
			return 0
		}
		rec.cache = c
	} else {
		rec.order = mem.OrderFor(mem.Pages(size))
		if rec.order >= pfa.MaxOrder {
			log.Debug("kmalloc of %d bytes exceeds largest block", size)
			return 0
		}
		if rec.page = a.pages.Alloc(flags, rec.order); rec.page == nil {
			log.Debug("kmalloc of %d bytes: out of pages", size)
			return 0
		}
		addr = rec.page.Virt()
	}

	a.records[addr] = rec

	return addr
}

// Kfree frees memory allocated by Kmalloc. Freeing 0 is a no-op. Unknown
// addresses are logged and ignored.
func (a *Allocator) Kfree(addr mem.Addr) {
	if addr == 0 {
		return
	}

	rec, ok := a.records[addr]
	if !ok {
		a.errlog.Error("kfree of unknown address %s", addr)
		return
	}
	delete(a.records, addr)

	if rec.cache != nil {
		rec.cache.Free(addr)
	} else {
		a.pages.Free(rec.page, rec.order)
	}
}

// Krealloc resizes a kmalloc allocation. The data is always moved to a
// new allocation of the new size. Krealloc of 0 is Kmalloc, Krealloc to
// size 0 is Kfree. On failure 0 is returned and the old allocation is kept.
func (a *Allocator) Krealloc(addr mem.Addr, size uint64, flags pfa.Flags) mem.Addr {
	if addr == 0 {
		return a.Kmalloc(size, flags)
	}
	if size == 0 {
		a.Kfree(addr)
		return 0
	}

	rec, ok := a.records[addr]
	if !ok {
		a.errlog.Error("krealloc of unknown address %s", addr)
		return 0
	}

	naddr := a.Kmalloc(size, flags)
	if naddr == 0 {
		return 0
	}

	n := rec.size()
	if size < n {
		n = size
	}
	copy(a.Bytes(naddr, n), a.Bytes(addr, n))
	a.Kfree(addr)

	return naddr
}

// KmallocSize returns the usable size of a kmalloc allocation, 0 if unknown.
func (a *Allocator) KmallocSize(addr mem.Addr) uint64 {
	if rec, ok := a.records[addr]; ok {
		return rec.size()
	}
	return 0
}

// KmallocRecords returns the number of live kmalloc allocations.
func (a *Allocator) KmallocRecords() int {
	return len(a.records)
}

// SizeCaches returns the kmalloc caches, smallest first.
func (a *Allocator) SizeCaches() []*Cache {
	return append([]*Cache{}, a.sizes...)
}

// DMASizeCaches returns the kmalloc caches serving DMA requests, smallest first.
func (a *Allocator) DMASizeCaches() []*Cache {
	return append([]*Cache{}, a.dmaSizes...)
}
