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
	"encoding/binary"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
)

const (
	// in-band trailer at the end of each slab: magic, slab id, reserved
	trailerSize  = 16
	trailerMagic = 0x51ab0b1e
	// per-slot free list entry
	ctlEntrySize = 2
	endOfList    = 0xffff
	maxSlots     = endOfList - 1
)

// bufctl is the per-slot bookkeeping of a slab: the free list links of
// its slots. It lives either inside the slab or in kmalloc memory.
type bufctl interface {
	// next returns the slot following slot i on the free list, -1 at the end.
	next(i int) int
	// setNext links slot next after slot i, -1 ends the list.
	setNext(i, next int)
	// release frees any memory held by the bookkeeping.
	release()
}

// links is a free list link array in memory.
type links []byte

func (l links) next(i int) int {
	n := binary.LittleEndian.Uint16(l[i*ctlEntrySize:])
	if n == endOfList {
		return -1
	}
	return int(n)
}

func (l links) setNext(i, next int) {
	n := uint16(endOfList)
	if next >= 0 {
		n = uint16(next)
	}
	binary.LittleEndian.PutUint16(l[i*ctlEntrySize:], n)
}

// inbandCtl keeps the links and a trailer inside the slab pages.
type inbandCtl struct {
	links
	trailer []byte
}

func newInbandCtl(a *Allocator, base mem.Addr, c *Cache, id uint32) *inbandCtl {
	slabBytes := mem.OrderSize(c.order)
	ctlOff := uint64(c.num) * c.slotSize
	ctl := &inbandCtl{
		links:   a.Bytes(base+mem.Addr(ctlOff), uint64(c.num)*ctlEntrySize),
		trailer: a.Bytes(base+mem.Addr(slabBytes-trailerSize), trailerSize),
	}
	binary.LittleEndian.PutUint32(ctl.trailer[0:], trailerMagic)
	binary.LittleEndian.PutUint32(ctl.trailer[4:], id)
	return ctl
}

func (ctl *inbandCtl) release() {
	for i := range ctl.trailer {
		ctl.trailer[i] = 0
	}
}

// readTrailer returns the slab id from the trailer of the slab at base.
func readTrailer(a *Allocator, base mem.Addr, order mem.PageOrder) (uint32, bool) {
	slabBytes := mem.OrderSize(order)
	t := a.Bytes(base+mem.Addr(slabBytes-trailerSize), trailerSize)
	if binary.LittleEndian.Uint32(t[0:]) != trailerMagic {
		return 0, false
	}
	return binary.LittleEndian.Uint32(t[4:]), true
}

// offslabCtl keeps the links in an object of a kmalloc size cache. The
// object is not a kmalloc allocation and has no kmalloc record.
type offslabCtl struct {
	links
	cache *Cache
	addr  mem.Addr
}

func newOffslabCtl(a *Allocator, num int) *offslabCtl {
	size := uint64(num) * ctlEntrySize
	c := a.sizeCache(size, pfa.Kernel)
	if c == nil {
		return nil
	}
	addr, err := c.Alloc(pfa.Kernel)
	if err != nil {
		log.Debug("no bookkeeping for a slab of %d objects: %v", num, err)
		return nil
	}
	return &offslabCtl{
		links: a.Bytes(addr, size),
		cache: c,
		addr:  addr,
	}
}

func (ctl *offslabCtl) release() {
	ctl.cache.Free(ctl.addr)
}
