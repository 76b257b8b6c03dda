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

package physmem

import (
	"github.com/intel/kmem/pkg/kmem/mem"
)

// Arena is a block of host memory standing in for physical memory.
// Physical addresses are offsets into the arena.
type Arena struct {
	data []byte
}

var _ Memory = &Arena{}

// NewArena allocates an arena of the given size, rounded up to pages.
func NewArena(size uint64) (*Arena, error) {
	size = uint64(mem.PageAlignUp(mem.Addr(size)))
	if size == 0 {
		return nil, mem.Errorf(mem.ErrInvalid, "zero-sized physical memory arena")
	}
	data, err := allocArena(size)
	if err != nil {
		return nil, mem.Errorf(mem.ErrNoMemory, "failed to allocate %d bytes of physical memory: %v", size, err)
	}
	log.Info("allocated %d MiB of physical memory", size>>20)
	return &Arena{data: data}, nil
}

// Bytes returns n bytes of the arena starting at pa.
func (a *Arena) Bytes(pa mem.Addr, n uint64) []byte {
	end := uint64(pa) + n
	if end > uint64(len(a.data)) || end < uint64(pa) {
		log.Panic("physical access %s+%d beyond end of memory %#x", pa, n, len(a.data))
	}
	return a.data[pa:end:end]
}

// Size returns the size of the arena.
func (a *Arena) Size() uint64 {
	return uint64(len(a.data))
}

// Close releases the arena.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	err := freeArena(a.data)
	a.data = nil
	return err
}
