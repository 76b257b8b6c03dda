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

// Package slab implements object caches on top of the page frame
// allocator and the kmalloc heap on top of a ladder of such caches.
package slab

import (
	"fmt"
	"time"

	logger "github.com/intel/kmem/pkg/log"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
	"github.com/intel/kmem/pkg/kmem/physmem"
)

const (
	// SlabMaxObjs is the number of objects a slab aims to hold.
	SlabMaxObjs = 64
	// MinAlign is the alignment of objects when none is requested.
	MinAlign = 8
	// OffSlabLimit is the object size from which bookkeeping is kept off-slab.
	OffSlabLimit = mem.PageSize / 8

	// DefaultReapWindow is the number of caches scanned by a reap.
	DefaultReapWindow = 10
	// DefaultReapShortCircuit is the number of empty slabs that ends a reap scan.
	DefaultReapShortCircuit = 10

	cacheDescSize = 128
)

var log logger.Logger = logger.NewLogger("slab")

// Flags are cache creation flags.
type Flags uint

const (
	// OffSlab keeps slab bookkeeping outside of the slab.
	OffSlab Flags = 1 << iota
	// DMA backs the cache with DMA memory.
	DMA
	// NoReap exempts the cache from reaping.
	NoReap

	validFlags = OffSlab | DMA | NoReap
)

func (f Flags) String() string {
	str := ""
	for _, flag := range []struct {
		bit  Flags
		name string
	}{{OffSlab, "offslab"}, {DMA, "dma"}, {NoReap, "noreap"}} {
		if f&flag.bit != 0 {
			if str != "" {
				str += "|"
			}
			str += flag.name
		}
	}
	if str == "" {
		return "-"
	}
	return str
}

// PageAllocator supplies the pages slabs are carved from.
type PageAllocator interface {
	Alloc(flags pfa.Flags, order mem.PageOrder) *pfa.Page
	Free(p *pfa.Page, order mem.PageOrder)
}

// Ctor initializes or finalizes an object.
type Ctor func(obj mem.Addr)

// Options for the slab allocator.
type Options struct {
	// ReapWindow is the number of caches scanned by a reap.
	ReapWindow int
	// ReapShortCircuit ends the scan once a cache has more empty slabs.
	ReapShortCircuit int
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		ReapWindow:       DefaultReapWindow,
		ReapShortCircuit: DefaultReapShortCircuit,
	}
}

// Allocator is the slab allocator with its kmalloc heap.
type Allocator struct {
	pages      PageAllocator
	memory     physmem.Memory
	opts       Options
	caches     []*Cache
	cursor     int
	cacheCache *Cache
	sizes      []*Cache
	dmaSizes   []*Cache
	records    map[mem.Addr]record
	errlog     logger.Logger
}

// New creates a slab allocator with its cache descriptor cache and the
// kmalloc size ladders, one for ordinary and one for DMA memory.
func New(pages PageAllocator, memory physmem.Memory, opts Options) (*Allocator, error) {
	if opts.ReapWindow <= 0 {
		opts.ReapWindow = DefaultReapWindow
	}
	if opts.ReapShortCircuit <= 0 {
		opts.ReapShortCircuit = DefaultReapShortCircuit
	}

	a := &Allocator{
		pages:   pages,
		memory:  memory,
		opts:    opts,
		records: map[mem.Addr]record{},
		errlog:  logger.RateLimit(log, logger.Rate{Limit: logger.Every(time.Second), Burst: 5}),
	}

	cc, err := a.newCache("mem_cache", cacheDescSize, 0, NoReap, nil, nil)
	if err != nil {
		return nil, err
	}
	cc.builtin = true
	a.cacheCache = cc
	a.caches = append(a.caches, cc)

	for _, ladder := range []struct {
		sizes  *[]*Cache
		prefix string
		flags  Flags
	}{
		{&a.sizes, "kmalloc", NoReap},
		{&a.dmaSizes, "kmalloc-dma", NoReap | DMA},
	} {
		for size := uint64(KmallocMin); size <= KmallocMax; size <<= 1 {
			c, err := a.Create(fmt.Sprintf("%s-%d", ladder.prefix, size), size, 0, ladder.flags, nil, nil)
			if err != nil {
				return nil, mem.Errorf(err, "failed to create kmalloc cache")
			}
			c.builtin = true
			*ladder.sizes = append(*ladder.sizes, c)
		}
	}

	log.Info("slab allocator ready, %d kmalloc caches", len(a.sizes))

	return a, nil
}

// Create creates a cache of objects of the given size and alignment.
// Alignment 0 means MinAlign. A non-zero alignment must be a power of two
// no smaller than the object size.
func (a *Allocator) Create(name string, size, align uint64, flags Flags, ctor, dtor Ctor) (*Cache, error) {
	desc, err := a.cacheCache.Alloc(0)
	if err != nil {
		return nil, mem.Errorf(err, "failed to allocate descriptor for cache %q", name)
	}

	c, err := a.newCache(name, size, align, flags, ctor, dtor)
	if err != nil {
		a.cacheCache.Free(desc)
		return nil, err
	}
	c.desc = desc
	copy(a.Bytes(desc, cacheDescSize), name)
	a.caches = append(a.caches, c)

	log.Debug("created cache %s", c)

	return c, nil
}

func (a *Allocator) newCache(name string, size, align uint64, flags Flags, ctor, dtor Ctor) (*Cache, error) {
	switch {
	case name == "":
		return nil, mem.Errorf(mem.ErrInvalid, "cache without a name")
	case size == 0:
		return nil, mem.Errorf(mem.ErrInvalid, "cache %q: zero object size", name)
	case flags&^validFlags != 0:
		return nil, mem.Errorf(mem.ErrInvalid, "cache %q: invalid flags %#x", name, uint(flags))
	case align != 0 && (align&(align-1) != 0 || align < size):
		return nil, mem.Errorf(mem.ErrInvalid, "cache %q: invalid alignment %d for size %d", name, align, size)
	}

	if align == 0 {
		align = MinAlign
	}
	if size >= OffSlabLimit {
		flags |= OffSlab
	}

	c := newCache(a, name, size, align, flags, ctor, dtor)
	if c.num == 0 {
		return nil, mem.Errorf(mem.ErrInvalid, "cache %q: object size %d too large", name, size)
	}

	return c, nil
}

// Caches returns all caches in creation order.
func (a *Allocator) Caches() []*Cache {
	return append([]*Cache{}, a.caches...)
}

// Lookup returns the cache with the given name.
func (a *Allocator) Lookup(name string) *Cache {
	for _, c := range a.caches {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Bytes returns n bytes of directly mapped kernel memory at va.
func (a *Allocator) Bytes(va mem.Addr, n uint64) []byte {
	if !mem.IsDirectMapped(va) {
		log.Panic("access to %s outside of the kernel direct map", va)
	}
	return a.memory.Bytes(mem.VirtToPhys(va), n)
}

// layout returns the slab page order and the number of objects per slab.
// The first order which holds SlabMaxObjs objects or wastes at most an
// eighth of the slab is chosen.
func layout(slotSize uint64, inband bool) (mem.PageOrder, int) {
	var (
		order mem.PageOrder
		num   uint64
	)
	for order = 0; order < pfa.MaxOrder; order++ {
		slabBytes := mem.OrderSize(order)
		avail, per := slabBytes, slotSize
		if inband {
			avail -= trailerSize
			per += ctlEntrySize
		}
		num = avail / per
		if num > maxSlots {
			num = maxSlots
		}
		if num == 0 {
			continue
		}
		used := num * slotSize
		if inband {
			used += num*ctlEntrySize + trailerSize
		}
		if num >= SlabMaxObjs || (slabBytes-used)*8 <= slabBytes {
			return order, int(num)
		}
	}
	return pfa.MaxOrder - 1, int(num)
}
