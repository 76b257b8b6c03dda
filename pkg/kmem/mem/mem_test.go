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

package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageRounding(t *testing.T) {
	tcases := []struct {
		name string
		addr Addr
		down Addr
		up   Addr
	}{
		{name: "zero", addr: 0, down: 0, up: 0},
		{name: "aligned", addr: 0x4000, down: 0x4000, up: 0x4000},
		{name: "one past", addr: 0x4001, down: 0x4000, up: 0x5000},
		{name: "one before", addr: 0x4fff, down: 0x4000, up: 0x5000},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.down, PageAlignDown(tc.addr))
			require.Equal(t, tc.up, PageAlignUp(tc.addr))
			require.Equal(t, tc.addr == tc.down, IsPageAligned(tc.addr))
		})
	}
}

func TestOrderFor(t *testing.T) {
	tcases := []struct {
		npages uint64
		order  PageOrder
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}, {1024, 10},
	}
	for _, tc := range tcases {
		require.Equal(t, tc.order, OrderFor(tc.npages), "npages %d", tc.npages)
		require.GreaterOrEqual(t, OrderPages(tc.order), int(tc.npages))
	}
	require.Equal(t, uint(0), Log2Floor(1))
	require.Equal(t, uint(3), Log2Floor(15))
	require.Equal(t, uint(4), Log2Floor(16))
}

func TestAddrHelpers(t *testing.T) {
	require.Equal(t, 3, Frame(0x3fff))
	require.Equal(t, Addr(0x3000), FrameAddr(3))
	require.Equal(t, Addr(0x1234), VirtToPhys(PhysToVirt(0x1234)))
	require.True(t, IsDirectMapped(PhysToVirt(0)))
	require.False(t, IsDirectMapped(UserBase))
	require.Equal(t, "0x1000", Addr(0x1000).String())

	for _, s := range []string{"0x1000", "1000", " 0X1000 "} {
		a, err := ParseAddr(s)
		require.NoError(t, err, s)
		require.Equal(t, Addr(0x1000), a, s)
	}
	_, err := ParseAddr("xyzzy")
	require.Error(t, err)
}

func TestErrors(t *testing.T) {
	err := Errorf(ErrAgain, "mapping %s", Addr(0x20000))
	require.True(t, Is(err, ErrAgain))
	require.False(t, Is(err, ErrInvalid))
	require.False(t, Is(nil, ErrInvalid))
	require.Contains(t, err.Error(), "mapping 0x20000: range already mapped")
}
