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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
	"github.com/intel/kmem/pkg/kmem/physmem"
	"github.com/intel/kmem/pkg/testutils"
)

const mib = 1 << 20

type testSetup struct {
	arena    *physmem.Arena
	limits   *memlimits.Limits
	reserver *physmem.BumpReserver
	pmap     *physmem.Pmap
	pfa      *Allocator
}

// setup creates an allocator over 64 MiB of memory with 14 MiB of DMA,
// 16 MiB of low and 32 MiB of high memory.
func setup(t *testing.T, mapper physmem.Mapper, opts Options) *testSetup {
	arena, err := physmem.NewArena(64 * mib)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })

	entries := []memlimits.Entry{
		{Base: 0, Length: 640 << 10, Type: memlimits.EntryAvailable},
		{Base: 640 << 10, Length: 384 << 10, Type: memlimits.EntryReserved},
		{Base: 1 * mib, Length: 63 * mib, Type: memlimits.EntryAvailable},
	}
	limits, err := memlimits.FromMemoryMap(entries, 2*mib, memlimits.Options{LowmemLimit: 32 * mib})
	require.NoError(t, err)

	ts := &testSetup{
		arena:    arena,
		limits:   limits,
		reserver: physmem.NewReserver(limits),
		pmap:     physmem.NewPmap(arena),
	}
	if mapper == nil {
		mapper = ts.pmap
	}
	ts.pfa, err = New(limits, arena, ts.reserver, mapper, opts)
	require.NoError(t, err)
	require.NoError(t, ts.pfa.Check())

	return ts
}

func TestInit(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	require.True(t, a.Ready())
	require.True(t, ts.reserver.Disabled())

	// 128 pages of page array and one page of bitmap come out of DMA memory
	s := a.Stats()
	require.Equal(t, 14*mib/mem.PageSize-129, s.Regions[memlimits.RegionDMA].TotalPages)
	require.Equal(t, 16*mib/mem.PageSize, s.Regions[memlimits.RegionLow].TotalPages)
	require.Equal(t, 32*mib/mem.PageSize, s.Regions[memlimits.RegionHigh].TotalPages)
	require.Equal(t, s.TotalPages(), s.FreePages())

	require.Equal(t, [MaxOrder]int{10: 4}, s.Regions[memlimits.RegionLow].FreeBlocks)
	require.Equal(t, [MaxOrder]int{10: 8}, s.Regions[memlimits.RegionHigh].FreeBlocks)

	// DMA starts unaligned right after the metadata at frame 641
	expected := [MaxOrder]int{0: 1, 1: 1, 2: 1, 3: 1, 4: 1, 5: 1, 6: 1, 8: 1, 10: 3}
	if diff := cmp.Diff(expected, s.Regions[memlimits.RegionDMA].FreeBlocks); diff != "" {
		t.Errorf("unexpected DMA free blocks (-expected +got):\n%s", diff)
	}

	// metadata is mapped
	_, _, ok := ts.pmap.Lookup(mem.PhysToVirt(2 * mib))
	require.True(t, ok)
	require.Equal(t, 129, ts.pmap.Count())
}

func TestBuddyAlignment(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	for _, flags := range []Flags{DMA, Kernel, High} {
		for order := mem.PageOrder(0); order < MaxOrder; order++ {
			t.Run(fmt.Sprintf("%s-order-%d", flags, order), func(t *testing.T) {
				before := a.Stats()

				p := a.Alloc(flags, order)
				require.NotNil(t, p)
				require.Equal(t, order, p.Order())
				require.Zero(t, uint64(p.Phys())%mem.OrderSize(order), "block alignment")

				r := ts.limits.Region(flags.Region())
				require.True(t, r.Contains(p.Phys()))
				require.True(t, r.Contains(p.Phys()+mem.Addr(mem.OrderSize(order))-1))
				require.Equal(t, before.FreePages()-1<<order, a.Stats().FreePages())

				a.Free(p, order)
				require.Equal(t, before, a.Stats(), "no leak")

				p = a.Alloc(flags, order)
				require.NotNil(t, p)
				a.Free(p, order)
				require.NoError(t, a.Check())
			})
		}
	}
}

func TestCoalescing(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	for order := mem.PageOrder(0); order < MaxOrder-1; order++ {
		before := a.Stats()

		parent := a.Alloc(Kernel, order+1)
		require.NotNil(t, parent)
		a.Free(parent, order+1)

		p1 := a.Alloc(Kernel, order)
		p2 := a.Alloc(Kernel, order)
		require.NotNil(t, p1)
		require.NotNil(t, p2)
		require.Equal(t, p1.Frame()^1<<order, p2.Frame(), "buddies from the same parent")

		a.Free(p2, order)
		a.Free(p1, order)
		require.Equal(t, before, a.Stats(), "order %d", order)

		merged := a.Alloc(Kernel, order+1)
		require.NotNil(t, merged)
		require.Equal(t, p1.Frame(), merged.Frame())
		require.Equal(t, before.Regions[memlimits.RegionLow].TotalPages, a.Stats().Regions[memlimits.RegionLow].TotalPages)
		a.Free(merged, order+1)
		require.NoError(t, a.Check())
	}
}

func TestRegionContainment(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	tcases := []struct {
		name   string
		flags  Flags
		region memlimits.Region
	}{
		{name: "dma", flags: DMA, region: memlimits.RegionDMA},
		{name: "kernel", flags: Kernel, region: memlimits.RegionLow},
		{name: "default", flags: 0, region: memlimits.RegionLow},
		{name: "zeroed high", flags: High | Zero | Wait, region: memlimits.RegionHigh},
		{name: "kernel dma", flags: Kernel | DMA, region: memlimits.RegionDMA},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			pages := []*Page{}
			spans := []testutils.Span{}
			for i := 0; i < 100; i++ {
				p := a.Alloc(tc.flags, 0)
				require.NotNil(t, p)
				require.Equal(t, tc.region, ts.limits.RegionOf(p.Phys()))
				pages = append(pages, p)
				spans = append(spans, testutils.Span{Start: uint64(p.Phys()), End: uint64(p.Phys()) + mem.PageSize})
			}
			testutils.VerifyDisjoint(t, spans)
			for _, p := range pages {
				a.Free(p, 0)
			}
			require.NoError(t, a.Check())
		})
	}
}

func TestExhaustion(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	pages := []*Page{}
	for {
		p := a.Alloc(High, MaxOrder-1)
		if p == nil {
			break
		}
		pages = append(pages, p)
	}
	require.Len(t, pages, 8)
	require.Nil(t, a.Alloc(High, 0), "high memory exhausted")
	require.NotNil(t, a.Alloc(Kernel, 0), "low memory still available")

	for _, p := range pages {
		a.Free(p, MaxOrder-1)
	}
	require.NotNil(t, a.Alloc(High, 0))
	require.NoError(t, a.Check())
}

func TestInvalidRequests(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa
	before := a.Stats()

	require.Nil(t, a.Alloc(DMA|High, 0))
	require.Nil(t, a.Alloc(Flags(1<<10), 0))
	require.Nil(t, a.Alloc(Kernel, MaxOrder))
	require.Nil(t, a.AllocPages(Kernel, 0))
	require.Equal(t, before, a.Stats())

	p := a.AllocPages(Kernel, 3)
	require.NotNil(t, p)
	require.Equal(t, mem.PageOrder(2), p.Order())
	a.FreePages(p, 3)
	a.Free(nil, 0)
	require.Equal(t, before, a.Stats())
}

func TestVirtualMappings(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	p := a.Alloc(Kernel, 2)
	require.NotNil(t, p)
	require.Equal(t, mem.PhysToVirt(p.Phys()), p.Virt())
	for i := 0; i < 4; i++ {
		pa, flags, ok := ts.pmap.Lookup(p.Virt() + mem.FrameAddr(i))
		require.True(t, ok)
		require.Equal(t, p.Phys()+mem.FrameAddr(i), pa)
		require.Equal(t, physmem.MapKernel|physmem.MapWrite, flags)
	}
	a.Free(p, 2)
	_, _, ok := ts.pmap.Lookup(p.Virt())
	require.False(t, ok)

	p = a.Alloc(DMA, 0)
	_, flags, _ := ts.pmap.Lookup(p.Virt())
	require.NotZero(t, flags&physmem.MapDMA)
	a.Free(p, 0)

	mapped := ts.pmap.Count()
	p = a.Alloc(High, 3)
	require.NotNil(t, p)
	require.Zero(t, p.Virt())
	require.Equal(t, mapped, ts.pmap.Count())
	a.Free(p, 3)
}

func TestZeroing(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	p := a.Alloc(High, 1)
	buf := ts.arena.Bytes(p.Phys(), mem.OrderSize(1))
	for i := range buf {
		buf[i] = 0xa5
	}
	a.Free(p, 1)

	q := a.Alloc(High, 1)
	require.Equal(t, p.Phys(), q.Phys())
	require.Equal(t, byte(0xa5), buf[17], "not zeroed without Zero")
	a.Free(q, 1)

	q = a.Alloc(High|Zero, 1)
	require.Equal(t, p.Phys(), q.Phys())
	require.Equal(t, make([]byte, len(buf)), buf)

	ts = setup(t, nil, Options{ZeroOnFree: true})
	p = ts.pfa.Alloc(Kernel, 0)
	buf = ts.arena.Bytes(p.Phys(), mem.PageSize)
	buf[0] = 0xff
	ts.pfa.Free(p, 0)
	require.Equal(t, byte(0), buf[0])
}

// failingMapper fails every Map call after the first allowed ones.
type failingMapper struct {
	*physmem.Pmap
	allowed int
}

func (m *failingMapper) Map(va, pa mem.Addr, flags physmem.MapFlags) error {
	if m.allowed <= 0 {
		return mem.Errorf(mem.ErrNoMemory, "no page table for %s", va)
	}
	m.allowed--
	return m.Pmap.Map(va, pa, flags)
}

func TestMapFailureRollsBack(t *testing.T) {
	arena, err := physmem.NewArena(64 * mib)
	require.NoError(t, err)
	defer arena.Close()

	m := &failingMapper{Pmap: physmem.NewPmap(arena), allowed: 129}
	limits, err := memlimits.FromMemoryMap([]memlimits.Entry{
		{Base: 0, Length: 64 * mib, Type: memlimits.EntryAvailable},
	}, 2*mib, memlimits.Options{LowmemLimit: 32 * mib})
	require.NoError(t, err)
	a, err := New(limits, arena, physmem.NewReserver(limits), m, Options{})
	require.NoError(t, err)

	before := a.Stats()
	m.allowed = 2
	require.Nil(t, a.Alloc(Kernel, 2), "mapping the third page fails")
	require.Equal(t, before, a.Stats())
	require.Equal(t, 129, m.Count(), "partial mapping rolled back")
	require.NoError(t, a.Check())

	require.NotNil(t, a.Alloc(High, 2), "high memory needs no mapping")
}

func TestFatalMisuse(t *testing.T) {
	var uninitialized *Allocator
	require.Panics(t, func() { uninitialized.Alloc(Kernel, 0) })
	require.Panics(t, func() { (&Allocator{}).Free(&Page{}, 0) })

	ts := setup(t, nil, Options{})
	a := ts.pfa

	p := a.Alloc(Kernel, 1)
	a.Free(p, 1)
	require.Panics(t, func() { a.Free(p, 1) }, "double free")

	p = a.Alloc(Kernel, 1)
	require.Panics(t, func() { a.Free(a.Page(p.Frame()+1), 0) }, "freeing the tail of a block")
	require.Panics(t, func() { a.Free(a.Page(p.Frame()+1), 1) }, "misaligned free")
	a.Free(p, 1)
	require.NoError(t, a.Check())
}

func TestReportAndCheck(t *testing.T) {
	ts := setup(t, nil, Options{})
	a := ts.pfa

	report := a.Report(false)
	require.Contains(t, report, "page frame allocator: ")
	require.Contains(t, report, "low  [0x1000000, 0x2000000): 4096/4096 pages free")
	require.Contains(t, report, "order 10: 4 blocks")
	require.NotContains(t, report, "order  7")
	require.Contains(t, a.Report(true), "order  7: 0 blocks")
	require.Contains(t, a.Report(true), "order 10: 4 blocks 0x1c00000 0x1800000 0x1400000 0x1000000")

	// corrupt the bitmap under a free block
	f := mem.Frame(16 * mib)
	a.bitmap[f>>3] |= 1 << (f & 7)
	testutils.VerifyError(t, a.Check(), 1, []string{"free frame #4096 is marked allocated"})
	a.bitmap[f>>3] &^= 1 << (f & 7)
	require.NoError(t, a.Check())
}

func TestParanoid(t *testing.T) {
	ts := setup(t, nil, Options{Paranoid: true})
	a := ts.pfa

	p := a.Alloc(Kernel, 3)
	require.NotNil(t, p)
	a.Free(p, 3)

	f := mem.Frame(48 * mib)
	a.bitmap[f>>3] |= 1 << (f & 7)
	require.Panics(t, func() { a.Alloc(Kernel, 0) }, "inconsistency found after allocation")
	a.bitmap[f>>3] &^= 1 << (f & 7)

	ts = setup(t, nil, Options{})
	a = ts.pfa
	a.bitmap[f>>3] |= 1 << (f & 7)
	require.NotPanics(t, func() { a.Free(a.Alloc(Kernel, 0), 0) }, "checks are off by default")
}
