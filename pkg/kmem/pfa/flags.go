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
	"strings"

	"github.com/intel/kmem/pkg/kmem/memlimits"
)

// Flags qualify an allocation.
type Flags uint

const (
	// DMA allocates from the DMA region.
	DMA Flags = 1 << iota
	// High allocates from the high region.
	High
	// Kernel allocates from the low region. This is the default, DMA and
	// High take precedence over it.
	Kernel
	// Zero zeroes the allocated memory.
	Zero
	// Wait allows the caller to sleep. It is advisory, allocation never blocks.
	Wait

	validFlags = DMA | High | Kernel | Zero | Wait
)

// Valid returns true if the flags are a valid combination.
func (f Flags) Valid() bool {
	return f&^validFlags == 0 && f&(DMA|High) != DMA|High
}

// Region returns the region the flags select.
func (f Flags) Region() memlimits.Region {
	switch {
	case f&DMA != 0:
		return memlimits.RegionDMA
	case f&High != 0:
		return memlimits.RegionHigh
	}
	return memlimits.RegionLow
}

func (f Flags) String() string {
	names := []string{}
	for _, flag := range []struct {
		bit  Flags
		name string
	}{
		{DMA, "dma"}, {High, "high"}, {Kernel, "kernel"}, {Zero, "zero"}, {Wait, "wait"},
	} {
		if f&flag.bit != 0 {
			names = append(names, flag.name)
		}
	}
	if f&^validFlags != 0 {
		names = append(names, "invalid")
	}
	if len(names) == 0 {
		return "kernel"
	}
	return strings.Join(names, "|")
}
