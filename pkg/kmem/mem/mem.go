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

// Package mem holds the address types, page geometry and error taxonomy
// shared by the memory management packages.
package mem

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// PageShift is log2 of PageSize.
	PageShift = 12
	// PageSize is the size of a page frame.
	PageSize = 1 << PageShift
	// MaxOrder is the number of buddy orders. The largest block is 2^(MaxOrder-1) pages.
	MaxOrder = 11
	// MaxBlockSize is the size of the largest buddy block.
	MaxBlockSize = PageSize << (MaxOrder - 1)

	// KernelBase is where the direct map of DMA and low memory starts.
	KernelBase Addr = 0xc0000000
	// UserBase is the lowest address used for placing user mappings.
	UserBase Addr = 0x400000
	// UserTop is the end of the user part of an address space.
	UserTop = KernelBase
)

// Addr is a physical or virtual address.
type Addr uint64

// PageOrder is the log2 of a block size in pages.
type PageOrder uint

// String returns the address in hexadecimal.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// PageAlignDown rounds an address down to a page boundary.
func PageAlignDown(a Addr) Addr {
	return a &^ (PageSize - 1)
}

// PageAlignUp rounds an address up to a page boundary.
func PageAlignUp(a Addr) Addr {
	return (a + PageSize - 1) &^ (PageSize - 1)
}

// IsPageAligned returns true if the address is on a page boundary.
func IsPageAligned(a Addr) bool {
	return a&(PageSize-1) == 0
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) >> PageShift
}

// Frame returns the frame number of a physical address.
func Frame(pa Addr) int {
	return int(pa >> PageShift)
}

// FrameAddr returns the physical address of a frame.
func FrameAddr(frame int) Addr {
	return Addr(frame) << PageShift
}

// OrderSize returns the size in bytes of a block of the given order.
func OrderSize(order PageOrder) uint64 {
	return PageSize << order
}

// OrderPages returns the number of pages in a block of the given order.
func OrderPages(order PageOrder) int {
	return 1 << order
}

// OrderFor returns the smallest order with at least npages pages.
func OrderFor(npages uint64) PageOrder {
	if npages <= 1 {
		return 0
	}
	return PageOrder(bits.Len64(npages - 1))
}

// Log2Floor returns floor(log2(n)) for n > 0.
func Log2Floor(n uint64) uint {
	return uint(bits.Len64(n)) - 1
}

// PhysToVirt returns the direct map address of a DMA or low memory address.
func PhysToVirt(pa Addr) Addr {
	return KernelBase + pa
}

// VirtToPhys returns the physical address behind a direct map address.
func VirtToPhys(va Addr) Addr {
	return va - KernelBase
}

// IsDirectMapped returns true if va lies in the kernel direct map.
func IsDirectMapped(va Addr) bool {
	return va >= KernelBase
}

// ParseAddr parses a hexadecimal address, with or without a 0x prefix.
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Addr(n), nil
}
