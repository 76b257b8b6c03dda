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

package memlimits

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/kmem/mem"
)

const (
	kib = 1 << 10
	mib = 1 << 20
)

func pcMemoryMap(size uint64) []Entry {
	return []Entry{
		{Base: 0, Length: 640 * kib, Type: EntryAvailable},
		{Base: 640 * kib, Length: 384 * kib, Type: EntryReserved},
		{Base: 1 * mib, Length: size - 1*mib, Type: EntryAvailable},
	}
}

func TestFromMemoryMap(t *testing.T) {
	tcases := []struct {
		name     string
		entries  []Entry
		kernel   mem.Addr
		lowmem   mem.Addr
		expected [NumRegions]Range
		invalid  bool
	}{
		{
			name:    "small machine, no high memory",
			entries: pcMemoryMap(64 * mib),
			kernel:  2*mib + 100,
			expected: [NumRegions]Range{
				RegionDMA:  {Start: 2*mib + mem.PageSize, End: 16 * mib},
				RegionLow:  {Start: 16 * mib, End: 64 * mib},
				RegionHigh: {Start: 64 * mib, End: 64 * mib},
			},
		},
		{
			name:    "lowered lowmem limit",
			entries: pcMemoryMap(64 * mib),
			kernel:  2 * mib,
			lowmem:  32 * mib,
			expected: [NumRegions]Range{
				RegionDMA:  {Start: 2 * mib, End: 16 * mib},
				RegionLow:  {Start: 16 * mib, End: 32 * mib},
				RegionHigh: {Start: 32 * mib, End: 64 * mib},
			},
		},
		{
			name:    "dma only",
			entries: pcMemoryMap(8 * mib),
			kernel:  1 * mib,
			expected: [NumRegions]Range{
				RegionDMA:  {Start: 1 * mib, End: 8 * mib},
				RegionLow:  {Start: 8 * mib, End: 8 * mib},
				RegionHigh: {Start: 8 * mib, End: 8 * mib},
			},
		},
		{
			name:    "unaligned lowmem limit",
			entries: pcMemoryMap(64 * mib),
			lowmem:  33 * mib,
			invalid: true,
		},
		{
			name: "overlapping entries",
			entries: []Entry{
				{Base: 0, Length: 8 * mib, Type: EntryAvailable},
				{Base: 4 * mib, Length: 8 * mib, Type: EntryAvailable},
			},
			invalid: true,
		},
		{
			name: "nothing available",
			entries: []Entry{
				{Base: 0, Length: 8 * mib, Type: EntryReserved},
			},
			invalid: true,
		},
		{
			name: "unknown entry type",
			entries: []Entry{
				{Base: 0, Length: 8 * mib, Type: "acpi"},
			},
			invalid: true,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := FromMemoryMap(tc.entries, tc.kernel, Options{LowmemLimit: tc.lowmem})
			if tc.invalid {
				require.Error(t, err)
				require.True(t, mem.Is(err, mem.ErrInvalid))
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.expected, l.Regions); diff != "" {
				t.Errorf("unexpected regions (-expected +got):\n%s", diff)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	l, err := FromMemoryMap(pcMemoryMap(64*mib), 2*mib, Options{LowmemLimit: 32 * mib})
	require.NoError(t, err)

	tcases := []struct {
		pa     mem.Addr
		region Region
	}{
		{pa: 0, region: RegionNone},
		{pa: 2 * mib, region: RegionDMA},
		{pa: 16*mib - 1, region: RegionDMA},
		{pa: 16 * mib, region: RegionLow},
		{pa: 32*mib - 1, region: RegionLow},
		{pa: 32 * mib, region: RegionHigh},
		{pa: 64 * mib, region: RegionNone},
	}
	for _, tc := range tcases {
		require.Equal(t, tc.region, l.RegionOf(tc.pa), "region of %s", tc.pa)
		require.Equal(t, tc.region == RegionDMA, l.IsDMA(tc.pa))
		require.Equal(t, tc.region == RegionLow, l.IsLowmem(tc.pa))
		require.Equal(t, tc.region == RegionHigh, l.IsHighmem(tc.pa))
	}

	require.Equal(t, 64*mib/mem.PageSize, l.Frames())
	require.True(t, l.Available(0))
	require.False(t, l.Available(mem.Frame(640*kib)))
	require.False(t, l.Available(mem.Frame(1*mib-1)))
	require.True(t, l.Available(mem.Frame(1*mib)))
	require.False(t, l.Available(mem.Frame(64*mib)))
	require.Equal(t, "dma [0x200000, 0x1000000), low [0x1000000, 0x2000000), high [0x2000000, 0x4000000)", l.String())
}
