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

// Package pfa implements a binary buddy page frame allocator.
package pfa

import (
	"fmt"

	logger "github.com/intel/kmem/pkg/log"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
	"github.com/intel/kmem/pkg/kmem/physmem"
)

const (
	// MaxOrder is the number of buddy orders.
	MaxOrder = mem.MaxOrder
	// PageDescSize is the memory reserved per frame for its page descriptor.
	PageDescSize = 32

	none = -1
)

var log logger.Logger = logger.NewLogger("pfa")

// Page describes one page frame.
type Page struct {
	frame int32
	prev  int32
	next  int32
	free  bool
	head  bool
	order mem.PageOrder
	virt  mem.Addr
}

// Frame returns the frame number of the page.
func (p *Page) Frame() int {
	return int(p.frame)
}

// Phys returns the physical address of the page.
func (p *Page) Phys() mem.Addr {
	return mem.FrameAddr(int(p.frame))
}

// Virt returns the kernel virtual address of the page, 0 for high memory.
func (p *Page) Virt() mem.Addr {
	return p.virt
}

// Order returns the order of the block the page heads.
func (p *Page) Order() mem.PageOrder {
	return p.order
}

func (p *Page) String() string {
	return fmt.Sprintf("page #%d@%s", p.frame, p.Phys())
}

// bucket is a list of free blocks of one order in one region.
type bucket struct {
	head   int32
	length int
}

// Options for the allocator.
type Options struct {
	// ZeroOnFree zeroes blocks when they are freed.
	ZeroOnFree bool
	// Paranoid checks the free lists and the bitmap after every
	// allocation and free. Any inconsistency is fatal.
	Paranoid bool
}

// Allocator is a buddy page frame allocator.
type Allocator struct {
	limits  *memlimits.Limits
	memory  physmem.Memory
	mapper  physmem.Mapper
	opts    Options
	pages   []Page
	bitmap  []byte
	buckets [memlimits.NumRegions][MaxOrder]bucket
	total   [memlimits.NumRegions]int
	free    [memlimits.NumRegions]int
	meta    []physmem.FrameRange
	ready   bool
}

// New sets up a page frame allocator for the given limits. The page array
// and the allocation bitmap are placed in pages taken from the reserver,
// which is disabled once the allocator is ready.
func New(limits *memlimits.Limits, memory physmem.Memory, reserver physmem.Reserver,
	mapper physmem.Mapper, opts Options) (*Allocator, error) {
	nframes := limits.Frames()
	if uint64(limits.Top) > memory.Size() {
		return nil, mem.Errorf(mem.ErrInvalid, "memory limit %s beyond physical memory %#x",
			limits.Top, memory.Size())
	}

	a := &Allocator{
		limits: limits,
		memory: memory,
		mapper: mapper,
		opts:   opts,
	}

	arrayPages := int(mem.Pages(uint64(nframes) * PageDescSize))
	bitmapBytes := uint64(nframes+7) / 8
	bitmapPages := int(mem.Pages(bitmapBytes))

	arrayPA, err := reserver.ReserveLowPages(arrayPages)
	if err != nil {
		return nil, mem.Errorf(err, "failed to reserve page array")
	}
	bitmapPA, err := reserver.ReserveLowPages(bitmapPages)
	if err != nil {
		return nil, mem.Errorf(err, "failed to reserve allocation bitmap")
	}
	for _, r := range []struct {
		pa mem.Addr
		n  int
	}{{arrayPA, arrayPages}, {bitmapPA, bitmapPages}} {
		for i := 0; i < r.n; i++ {
			pa := r.pa + mem.FrameAddr(i)
			flags := physmem.MapKernel | physmem.MapWrite | physmem.MapZero
			if err := mapper.Map(mem.PhysToVirt(pa), pa, flags); err != nil {
				return nil, mem.Errorf(err, "failed to map allocator metadata")
			}
		}
		start := mem.Frame(r.pa)
		a.meta = append(a.meta, physmem.FrameRange{Start: start, End: start + r.n})
	}

	a.bitmap = memory.Bytes(bitmapPA, bitmapBytes)
	for i := range a.bitmap {
		a.bitmap[i] = 0xff
	}

	a.pages = make([]Page, nframes)
	for f := range a.pages {
		p := &a.pages[f]
		p.frame, p.prev, p.next = int32(f), none, none
		if r := limits.RegionOf(mem.FrameAddr(f)); r == memlimits.RegionDMA || r == memlimits.RegionLow {
			p.virt = mem.PhysToVirt(mem.FrameAddr(f))
		}
	}
	for r := range a.buckets {
		for o := range a.buckets[r] {
			a.buckets[r][o].head = none
		}
	}

	reserved := reserver.Reserved()
	isReserved := func(frame int) bool {
		for _, rr := range reserved {
			if rr.Contains(frame) {
				return true
			}
		}
		return false
	}

	for _, r := range memlimits.Regions {
		first, n := limits.Region(r).Frames()
		run := first
		for f := first; f <= first+n; f++ {
			if f < first+n && limits.Available(f) && !isReserved(f) {
				continue
			}
			a.partition(r, run, f)
			run = f + 1
		}
	}

	reserver.Disable()
	a.ready = true

	log.Info("page frame allocator ready, %d frames, %s", nframes, limits)

	return a, nil
}

// partition splits the free frame run [start, end) of a region into
// maximal aligned blocks.
func (a *Allocator) partition(r memlimits.Region, start, end int) {
	for f := start; f < end; {
		order := mem.PageOrder(mem.Log2Floor(uint64(end - f)))
		if order > MaxOrder-1 {
			order = MaxOrder - 1
		}
		for f&(1<<order-1) != 0 {
			order--
		}
		a.markFree(f, order)
		a.push(r, order, f)
		a.total[r] += 1 << order
		a.free[r] += 1 << order
		f += 1 << order
	}
}

func (a *Allocator) checkReady() {
	if a == nil || !a.ready {
		log.Panic("page frame allocator used before initialization")
	}
}

// Ready returns true if the allocator is initialized.
func (a *Allocator) Ready() bool {
	return a != nil && a.ready
}

// Limits returns the memory limits the allocator was set up with.
func (a *Allocator) Limits() *memlimits.Limits {
	return a.limits
}

// Page returns the page for the given frame.
func (a *Allocator) Page(frame int) *Page {
	a.checkReady()
	if frame < 0 || frame >= len(a.pages) {
		return nil
	}
	return &a.pages[frame]
}

// Alloc allocates a block of 2^order pages. It returns nil if the flags
// or order are invalid or if the selected region is out of memory.
func (a *Allocator) Alloc(flags Flags, order mem.PageOrder) *Page {
	a.checkReady()

	if !flags.Valid() {
		log.Debug("invalid allocation flags %#x", uint(flags))
		return nil
	}
	if order >= MaxOrder {
		log.Debug("invalid allocation order %d", order)
		return nil
	}

	r := flags.Region()
	found := mem.PageOrder(MaxOrder)
	for o := order; o < MaxOrder; o++ {
		if a.buckets[r][o].length > 0 {
			found = o
			break
		}
	}
	if found == MaxOrder {
		log.Debug("out of %s memory for order %d", r, order)
		return nil
	}

	frame := a.pop(r, found)
	for o := found; o > order; {
		o--
		a.push(r, o, frame+1<<o)
	}

	p := &a.pages[frame]
	p.order, p.head = order, true
	a.markAllocated(frame, order)
	a.free[r] -= 1 << order

	if p.virt != 0 {
		if err := a.mapBlock(p, r); err != nil {
			log.Error("failed to map %s order %d at %s: %v", p, order, p.virt, err)
			a.free[r] += 1 << order
			p.head = false
			a.release(frame, order)
			return nil
		}
	}
	if flags&Zero != 0 {
		zero(a.memory.Bytes(p.Phys(), mem.OrderSize(order)))
	}

	log.Debug("allocated %s order %d (%s)", p, order, flags)
	a.verify("allocating", p, order)

	return p
}

// AllocPages allocates the smallest block of at least npages pages.
func (a *Allocator) AllocPages(flags Flags, npages int) *Page {
	a.checkReady()
	if npages <= 0 {
		return nil
	}
	return a.Alloc(flags, mem.OrderFor(uint64(npages)))
}

// Free frees a block of 2^order pages.
func (a *Allocator) Free(p *Page, order mem.PageOrder) {
	a.checkReady()

	if p == nil {
		log.Error("freeing nil page")
		return
	}

	frame := int(p.frame)
	if order >= MaxOrder || frame&(1<<order-1) != 0 || frame+1<<order > len(a.pages) {
		log.Panic("freeing %s with invalid order %d", p, order)
	}
	for f := frame; f < frame+1<<order; f++ {
		if !a.isAllocated(f) {
			log.Panic("freeing %s order %d: frame #%d is not allocated", p, order, f)
		}
	}
	if !p.head || p.order != order {
		log.Panic("freeing %s order %d: not the head of an allocated block of that order", p, order)
	}

	if p.virt != 0 {
		for i := 0; i < 1<<order; i++ {
			va := p.virt + mem.FrameAddr(i)
			if err := a.mapper.Unmap(va); err != nil {
				log.Panic("freeing %s order %d: failed to unmap %s: %v", p, order, va, err)
			}
		}
	}
	if a.opts.ZeroOnFree {
		zero(a.memory.Bytes(p.Phys(), mem.OrderSize(order)))
	}

	p.head = false
	a.free[a.region(frame)] += 1 << order
	a.release(frame, order)

	log.Debug("freed %s order %d", p, order)
	a.verify("freeing", p, order)
}

// verify runs Check in paranoid mode.
func (a *Allocator) verify(op string, p *Page, order mem.PageOrder) {
	if !a.opts.Paranoid {
		return
	}
	if err := a.Check(); err != nil {
		log.Panic("inconsistent allocator after %s %s order %d: %v", op, p, order, err)
	}
}

// FreePages frees a block allocated with AllocPages.
func (a *Allocator) FreePages(p *Page, npages int) {
	a.checkReady()
	if npages <= 0 {
		log.Error("freeing %d pages", npages)
		return
	}
	a.Free(p, mem.OrderFor(uint64(npages)))
}

// release returns a block to the free lists, coalescing it with its free
// buddies. Buddies are never merged across regions.
func (a *Allocator) release(frame int, order mem.PageOrder) {
	a.markFree(frame, order)
	r := a.region(frame)

	for order < MaxOrder-1 {
		buddy := frame ^ (1 << order)
		if buddy >= len(a.pages) || a.region(buddy) != r {
			break
		}
		bp := &a.pages[buddy]
		if !bp.free || bp.order != order || a.isAllocated(buddy) {
			break
		}
		a.remove(r, order, buddy)
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	a.push(r, order, frame)
}

func (a *Allocator) mapBlock(p *Page, r memlimits.Region) error {
	flags := physmem.MapKernel | physmem.MapWrite
	if r == memlimits.RegionDMA {
		flags |= physmem.MapDMA
	}
	n := 1 << p.order
	for i := 0; i < n; i++ {
		off := mem.FrameAddr(i)
		if err := a.mapper.Map(p.virt+off, p.Phys()+off, flags); err != nil {
			for j := 0; j < i; j++ {
				if uerr := a.mapper.Unmap(p.virt + mem.FrameAddr(j)); uerr != nil {
					log.Error("failed to roll back mapping of %s: %v", p.virt+mem.FrameAddr(j), uerr)
				}
			}
			return err
		}
	}
	return nil
}

func (a *Allocator) region(frame int) memlimits.Region {
	return a.limits.RegionOf(mem.FrameAddr(frame))
}

func (a *Allocator) push(r memlimits.Region, order mem.PageOrder, frame int) {
	b := &a.buckets[r][order]
	p := &a.pages[frame]
	p.free, p.order = true, order
	p.prev, p.next = none, b.head
	if b.head != none {
		a.pages[b.head].prev = int32(frame)
	}
	b.head = int32(frame)
	b.length++
}

func (a *Allocator) remove(r memlimits.Region, order mem.PageOrder, frame int) {
	b := &a.buckets[r][order]
	p := &a.pages[frame]
	if p.prev != none {
		a.pages[p.prev].next = p.next
	} else {
		b.head = p.next
	}
	if p.next != none {
		a.pages[p.next].prev = p.prev
	}
	p.free, p.prev, p.next = false, none, none
	b.length--
}

func (a *Allocator) pop(r memlimits.Region, order mem.PageOrder) int {
	frame := int(a.buckets[r][order].head)
	a.remove(r, order, frame)
	return frame
}

func (a *Allocator) markAllocated(frame int, order mem.PageOrder) {
	for f := frame; f < frame+1<<order; f++ {
		a.bitmap[f>>3] |= 1 << (f & 7)
	}
}

func (a *Allocator) markFree(frame int, order mem.PageOrder) {
	for f := frame; f < frame+1<<order; f++ {
		a.bitmap[f>>3] &^= 1 << (f & 7)
	}
}

func (a *Allocator) isAllocated(frame int) bool {
	return a.bitmap[frame>>3]&(1<<(frame&7)) != 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
