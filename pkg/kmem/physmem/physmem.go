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

// Package physmem provides the physical memory arena, the boot time page
// reserver and the software page table used by the allocators.
package physmem

import (
	logger "github.com/intel/kmem/pkg/log"

	"github.com/intel/kmem/pkg/kmem/mem"
)

var log logger.Logger = logger.NewLogger("physmem")

// Memory gives byte level access to physical memory.
type Memory interface {
	// Bytes returns the n bytes of physical memory starting at pa.
	Bytes(pa mem.Addr, n uint64) []byte
	// Size returns the size of physical memory.
	Size() uint64
}

// Reserver hands out pages before the page allocator takes over.
type Reserver interface {
	// ReserveLowPages reserves n contiguous directly mapped pages.
	ReserveLowPages(n int) (mem.Addr, error)
	// ReserveHighPages reserves n contiguous pages of high memory.
	ReserveHighPages(n int) (mem.Addr, error)
	// Disable permanently disables further reservations.
	Disable()
	// Reserved returns the reserved frame ranges.
	Reserved() []FrameRange
}

// MapFlags qualify a mapping.
type MapFlags uint

const (
	// MapKernel maps the page for kernel use only.
	MapKernel MapFlags = 1 << iota
	// MapUser maps the page for user access.
	MapUser
	// MapWrite makes the page writable.
	MapWrite
	// MapZero zeroes the page when it is mapped.
	MapZero
	// MapDMA marks the page as DMA memory.
	MapDMA
)

func (f MapFlags) String() string {
	str := ""
	for _, flag := range []struct {
		bit  MapFlags
		name string
	}{
		{MapKernel, "k"}, {MapUser, "u"}, {MapWrite, "w"}, {MapZero, "z"}, {MapDMA, "d"},
	} {
		if f&flag.bit != 0 {
			str += flag.name
		} else {
			str += "-"
		}
	}
	return str
}

// Mapper establishes and removes virtual to physical page mappings.
type Mapper interface {
	// Map maps the page at va to the frame at pa.
	Map(va, pa mem.Addr, flags MapFlags) error
	// Unmap removes the mapping of the page at va.
	Unmap(va mem.Addr) error
	// Lookup returns the current mapping of the page at va.
	Lookup(va mem.Addr) (mem.Addr, MapFlags, bool)
}

// FrameRange is a half-open range of frame numbers.
type FrameRange struct {
	Start int
	End   int
}

// Contains returns true if the frame is within the range.
func (r FrameRange) Contains(frame int) bool {
	return r.Start <= frame && frame < r.End
}
