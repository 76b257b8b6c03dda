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

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
)

// Cache is a cache of equally sized objects (a mem_cache).
type Cache struct {
	a        *Allocator
	name     string
	size     uint64
	align    uint64
	slotSize uint64
	num      int
	order    mem.PageOrder
	flags    Flags
	ctor     Ctor
	dtor     Ctor

	full    *list.List
	partial *list.List
	empty   *list.List

	slabs   map[uint32]*slab   // in-band slabs by trailer id
	nextID  uint32             // next in-band slab id
	objects map[mem.Addr]*slab // off-slab objects to their slab

	grown     bool
	active    int
	desc      mem.Addr
	builtin   bool
	destroyed bool
}

// slab is one block of pages carved into object slots.
type slab struct {
	page  *pfa.Page
	base  mem.Addr
	id    uint32
	inuse int
	free  int
	ctl   bufctl
	elem  *list.Element
	list  *list.List
}

// State is the occupancy state of a slab.
type State int

const (
	// Empty slabs have no objects allocated.
	Empty State = iota
	// Partial slabs have some objects allocated.
	Partial
	// Full slabs have all objects allocated.
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	case Full:
		return "full"
	}
	return fmt.Sprintf("<invalid slab state %d>", int(s))
}

func newCache(a *Allocator, name string, size, align uint64, flags Flags, ctor, dtor Ctor) *Cache {
	c := &Cache{
		a:        a,
		name:     name,
		size:     size,
		align:    align,
		slotSize: (size + align - 1) &^ (align - 1),
		flags:    flags,
		ctor:     ctor,
		dtor:     dtor,
		full:     list.New(),
		partial:  list.New(),
		empty:    list.New(),
		slabs:    map[uint32]*slab{},
		objects:  map[mem.Addr]*slab{},
	}
	c.order, c.num = layout(c.slotSize, !c.offSlab())
	return c
}

func (c *Cache) offSlab() bool {
	return c.flags&OffSlab != 0
}

func (c *Cache) slabBytes() uint64 {
	return mem.OrderSize(c.order)
}

// Alloc allocates an object from the cache. High memory is never used
// for objects and DMA objects come only from DMA caches.
func (c *Cache) Alloc(flags pfa.Flags) (mem.Addr, error) {
	c.checkAlive()

	switch {
	case !flags.Valid() || flags&pfa.High != 0:
		return 0, mem.Errorf(mem.ErrInvalid, "cache %s: invalid allocation flags %s", c.name, flags)
	case flags&pfa.DMA != 0 && c.flags&DMA == 0:
		return 0, mem.Errorf(mem.ErrInvalid, "cache %s: DMA allocation from a non-DMA cache", c.name)
	}

	var s *slab
	switch {
	case c.partial.Len() > 0:
		s = c.partial.Front().Value.(*slab)
	case c.empty.Len() > 0:
		s = c.empty.Front().Value.(*slab)
		c.grown = false
	default:
		var err error
		if s, err = c.grow(flags); err != nil {
			return 0, err
		}
		c.grown = true
	}

	i := s.free
	s.free = s.ctl.next(i)
	s.inuse++
	c.place(s)
	c.active++

	addr := s.base + mem.Addr(uint64(i)*c.slotSize)
	if c.offSlab() {
		c.objects[addr] = s
	}
	if flags&pfa.Zero != 0 {
		zero(c.a.Bytes(addr, c.size))
	}

	return addr, nil
}

// Free returns an object to the cache. Unknown objects and double frees
// are logged and ignored.
func (c *Cache) Free(addr mem.Addr) {
	c.checkAlive()

	s, i, ok := c.lookup(addr)
	if !ok {
		return
	}
	if s.inuse == 0 || c.isFree(s, i) {
		c.a.errlog.Error("cache %s: double free of object %s", c.name, addr)
		return
	}

	if c.dtor != nil {
		c.dtor(addr)
	}

	s.ctl.setNext(i, s.free)
	s.free = i
	s.inuse--
	c.place(s)
	c.active--

	if c.offSlab() {
		delete(c.objects, addr)
	}
}

// Destroy destroys the cache. It fails with mem.ErrBusy if any object is
// still allocated.
func (c *Cache) Destroy() error {
	c.checkAlive()

	if c.builtin {
		return mem.Errorf(mem.ErrInvalid, "cache %s can't be destroyed", c.name)
	}

	c.reapEmpty()
	if n := c.full.Len() + c.partial.Len(); n > 0 {
		return mem.Errorf(mem.ErrBusy, "cache %s has %d slabs in use", c.name, n)
	}

	c.a.removeCache(c)
	c.a.cacheCache.Free(c.desc)
	c.destroyed = true

	log.Debug("destroyed cache %s", c.name)

	return nil
}

func (c *Cache) checkAlive() {
	if c == nil || c.destroyed {
		log.Panic("use of a destroyed or nil cache")
	}
}

// grow creates a new empty slab.
func (c *Cache) grow(flags pfa.Flags) (*slab, error) {
	pf := pfa.Kernel | flags&pfa.Wait
	if c.flags&DMA != 0 {
		pf = pfa.DMA | flags&pfa.Wait
	}

	page := c.a.pages.Alloc(pf, c.order)
	if page == nil {
		return nil, mem.Errorf(mem.ErrNoMemory, "cache %s: no pages for a new slab", c.name)
	}
	s := &slab{
		page: page,
		base: page.Virt(),
	}

	if c.offSlab() {
		ctl := newOffslabCtl(c.a, c.num)
		if ctl == nil {
			c.a.pages.Free(page, c.order)
			return nil, mem.Errorf(mem.ErrNoMemory, "cache %s: no memory for slab bookkeeping", c.name)
		}
		s.ctl = ctl
	} else {
		s.id = c.nextID
		c.nextID++
		s.ctl = newInbandCtl(c.a, s.base, c, s.id)
		c.slabs[s.id] = s
	}

	for i := 0; i < c.num; i++ {
		if i < c.num-1 {
			s.ctl.setNext(i, i+1)
		} else {
			s.ctl.setNext(i, -1)
		}
		if c.ctor != nil {
			c.ctor(s.base + mem.Addr(uint64(i)*c.slotSize))
		}
	}

	s.list = c.empty
	s.elem = c.empty.PushFront(s)

	log.Debug("cache %s: new slab at %s", c.name, s.base)

	return s, nil
}

// destroySlab returns an empty slab to the page allocator.
func (c *Cache) destroySlab(s *slab) {
	s.list.Remove(s.elem)
	s.list, s.elem = nil, nil
	if !c.offSlab() {
		delete(c.slabs, s.id)
	}
	s.ctl.release()
	c.a.pages.Free(s.page, c.order)
}

// reapEmpty destroys all empty slabs, returning their number.
func (c *Cache) reapEmpty() int {
	n := 0
	for c.empty.Len() > 0 {
		c.destroySlab(c.empty.Front().Value.(*slab))
		n++
	}
	return n
}

// place moves a slab to the list matching its occupancy.
func (c *Cache) place(s *slab) {
	var target *list.List
	switch c.state(s) {
	case Empty:
		target = c.empty
	case Partial:
		target = c.partial
	default:
		target = c.full
	}
	if s.list != target {
		s.list.Remove(s.elem)
		s.list = target
		s.elem = target.PushFront(s)
	}
}

func (c *Cache) state(s *slab) State {
	switch s.inuse {
	case 0:
		return Empty
	case c.num:
		return Full
	}
	return Partial
}

// lookup finds the slab and slot of an object.
func (c *Cache) lookup(addr mem.Addr) (*slab, int, bool) {
	var s *slab

	if c.offSlab() {
		var ok bool
		if s, ok = c.objects[addr]; !ok {
			c.a.errlog.Error("cache %s: free of unknown object %s", c.name, addr)
			return nil, 0, false
		}
	} else {
		base := addr &^ mem.Addr(c.slabBytes()-1)
		if !mem.IsDirectMapped(base) || uint64(mem.VirtToPhys(base))+c.slabBytes() > c.a.memory.Size() {
			c.a.errlog.Error("cache %s: free of non-kernel address %s", c.name, addr)
			return nil, 0, false
		}
		id, valid := readTrailer(c.a, base, c.order)
		if s = c.slabs[id]; !valid || s == nil || s.base != base {
			if c.slabAt(base) != nil {
				log.Panic("cache %s: corrupted slab trailer at %s freeing %s", c.name, base, addr)
			}
			c.a.errlog.Error("cache %s: free of object %s outside of its slabs", c.name, addr)
			return nil, 0, false
		}
	}

	off := uint64(addr - s.base)
	if off%c.slotSize != 0 || off/c.slotSize >= uint64(c.num) {
		c.a.errlog.Error("cache %s: free of misaligned object %s", c.name, addr)
		return nil, 0, false
	}

	return s, int(off / c.slotSize), true
}

// slabAt returns the in-band slab at base, nil if there is none.
func (c *Cache) slabAt(base mem.Addr) *slab {
	for _, s := range c.slabs {
		if s.base == base {
			return s
		}
	}
	return nil
}

// isFree returns true if slot i is on the free list of the slab.
func (c *Cache) isFree(s *slab, i int) bool {
	for j, n := s.free, 0; j >= 0 && n < c.num; j, n = s.ctl.next(j), n+1 {
		if j == i {
			return true
		}
	}
	return false
}

// Name returns the name of the cache.
func (c *Cache) Name() string {
	return c.name
}

// Size returns the object size.
func (c *Cache) Size() uint64 {
	return c.size
}

// SlotSize returns the object size rounded up to the alignment.
func (c *Cache) SlotSize() uint64 {
	return c.slotSize
}

// Align returns the object alignment.
func (c *Cache) Align() uint64 {
	return c.align
}

// Flags returns the cache flags.
func (c *Cache) Flags() Flags {
	return c.flags
}

// Order returns the page order of a slab.
func (c *Cache) Order() mem.PageOrder {
	return c.order
}

// ObjsPerSlab returns the number of objects in a slab.
func (c *Cache) ObjsPerSlab() int {
	return c.num
}

// NumSlabs returns the number of slabs.
func (c *Cache) NumSlabs() int {
	return c.full.Len() + c.partial.Len() + c.empty.Len()
}

// Records returns the number of allocated objects.
func (c *Cache) Records() int {
	return c.active
}

// Grown returns true if the cache grew since it was last reaped or reused
// an empty slab.
func (c *Cache) Grown() bool {
	return c.grown
}

// SlabInfo describes one slab.
type SlabInfo struct {
	Base  mem.Addr
	Size  uint64
	InUse int
	State State
}

// Slabs returns the slabs of the cache, full ones first.
func (c *Cache) Slabs() []SlabInfo {
	infos := []SlabInfo{}
	for _, l := range []*list.List{c.full, c.partial, c.empty} {
		for e := l.Front(); e != nil; e = e.Next() {
			s := e.Value.(*slab)
			infos = append(infos, SlabInfo{
				Base:  s.base,
				Size:  c.slabBytes(),
				InUse: s.inuse,
				State: c.state(s),
			})
		}
	}
	return infos
}

func (c *Cache) String() string {
	return fmt.Sprintf("%s (size %d, align %d, %d objs/slab of order %d, %s)",
		c.name, c.size, c.align, c.num, c.order, c.flags)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
