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

// Package vmmap implements address space maps: the areas of an address
// space, each backed by a reference counted object, kept in an AVL tree
// ordered by address and in an address ordered doubly linked list.
package vmmap

import (
	"fmt"

	logger "github.com/intel/kmem/pkg/log"

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
	"github.com/intel/kmem/pkg/kmem/physmem"
)

var log logger.Logger = logger.NewLogger("vmmap")

// none is the null node index.
const none int32 = -1

// NodeAllocator allocates the kernel memory backing area nodes, usually
// a slab cache.
type NodeAllocator interface {
	Alloc(flags pfa.Flags) (mem.Addr, error)
	Free(addr mem.Addr)
}

// node is an area in the node arena of a map.
type node struct {
	start  mem.Addr
	size   uint64
	obj    *Object
	offset uint64
	slot   mem.Addr

	parent int32
	left   int32
	right  int32
	height int32

	prev int32
	next int32
}

func (n *node) end() mem.Addr {
	return n.start + mem.Addr(n.size)
}

// Area describes one mapped range of an address space.
type Area struct {
	Start  mem.Addr
	Size   uint64
	Offset uint64
	Object *Object
	Height int
}

// End returns the end of the area.
func (a Area) End() mem.Addr {
	return a.Start + mem.Addr(a.Size)
}

func (a Area) String() string {
	return fmt.Sprintf("[%s, %s) +%#x %s", a.Start, a.End(), a.Offset, a.Object)
}

// Map is the area map of an address space.
type Map struct {
	mapper physmem.Mapper
	nodes  NodeAllocator
	arena  []node
	unused []int32
	root   int32
	head   int32
	tail   int32
	count  int

	paranoid bool
}

// New creates an empty map which maps pages through mapper and allocates
// area nodes from nodes.
func New(mapper physmem.Mapper, nodes NodeAllocator) *Map {
	return &Map{
		mapper: mapper,
		nodes:  nodes,
		root:   none,
		head:   none,
		tail:   none,
	}
}

// SetParanoid enables a structure check after every insertion and
// deletion. A mismatch between the tree and the list is then fatal.
func (m *Map) SetParanoid(on bool) {
	m.paranoid = on
}

// Deinit destroys all areas of the map, dropping their object references.
func (m *Map) Deinit() {
	for i := m.head; i != none; {
		n := &m.arena[i]
		next := n.next
		m.unmapRange(n.start, n.end())
		n.obj.Release()
		m.freeNode(i)
		i = next
	}
	m.root, m.head, m.tail, m.count = none, none, none, 0
	log.Debug("map %p destroyed", m)
}

// MapObjectAt maps size bytes of obj starting at offset at the fixed
// address start. The offset and start are rounded down, the size up to
// whole pages. It fails with mem.ErrAgain if the range overlaps an area.
func (m *Map) MapObjectAt(obj *Object, offset uint64, start mem.Addr, size uint64) error {
	offset = uint64(mem.PageAlignDown(mem.Addr(offset)))
	start = mem.PageAlignDown(start)
	size = uint64(mem.PageAlignUp(mem.Addr(size)))

	if err := m.validate(obj, offset, start, size); err != nil {
		return err
	}
	if m.overlaps(start, start+mem.Addr(size)) {
		return mem.Errorf(mem.ErrAgain, "[%s, %s) overlaps a mapped area",
			start, start+mem.Addr(size))
	}

	return m.add(obj, offset, start, size)
}

// InsertObject maps size bytes of obj starting at offset at the lowest
// free address at or above mem.UserBase and returns that address.
func (m *Map) InsertObject(obj *Object, offset, size uint64) (mem.Addr, error) {
	offset = uint64(mem.PageAlignDown(mem.Addr(offset)))
	size = uint64(mem.PageAlignUp(mem.Addr(size)))

	start := mem.Addr(mem.UserBase)
	for i := m.head; i != none; i = m.arena[i].next {
		n := &m.arena[i]
		if n.end() <= start {
			continue
		}
		if start+mem.Addr(size) <= n.start {
			break
		}
		start = n.end()
	}

	if err := m.validate(obj, offset, start, size); err != nil {
		return 0, err
	}
	if err := m.add(obj, offset, start, size); err != nil {
		return 0, err
	}

	return start, nil
}

func (m *Map) validate(obj *Object, offset uint64, start mem.Addr, size uint64) error {
	switch {
	case obj == nil:
		return mem.Errorf(mem.ErrInvalid, "mapping without an object")
	case size == 0:
		return mem.Errorf(mem.ErrInvalid, "empty mapping at %s", start)
	case offset+size > obj.Size() || offset+size < offset:
		return mem.Errorf(mem.ErrInvalid, "offset %#x size %#x beyond object %s", offset, size, obj)
	case uint64(start)+size > uint64(mem.UserTop):
		return mem.Errorf(mem.ErrNoMemory, "[%s, %#x) beyond user address space",
			start, uint64(start)+size)
	}
	return nil
}

func (m *Map) add(obj *Object, offset uint64, start mem.Addr, size uint64) error {
	obj.Ref()
	i, err := m.newNode()
	if err != nil {
		obj.Release()
		return err
	}

	n := &m.arena[i]
	n.start, n.size, n.offset, n.obj = start, size, offset, obj
	m.insert(i)

	log.Debug("mapped %s", m.area(i))

	return nil
}

// Find returns the area containing addr.
func (m *Map) Find(addr mem.Addr) (Area, bool) {
	if i := m.find(addr); i != none {
		return m.area(i), true
	}
	return Area{}, false
}

// Remove unmaps the given range, rounded out to whole pages. Areas fully
// inside the range are destroyed, areas overlapping it are truncated, and
// an area containing the range is split in two. Gaps in the range are
// skipped. Remove fails with mem.ErrInvalid if nothing is mapped in the
// range.
func (m *Map) Remove(addr mem.Addr, size uint64) error {
	start := mem.PageAlignDown(addr)
	end := mem.PageAlignUp(addr + mem.Addr(size))
	if size == 0 || end <= start {
		return mem.Errorf(mem.ErrInvalid, "empty range %s+%#x", addr, size)
	}

	// a hole punched into a single area needs a new node, get it before
	// anything is unmapped so that failure leaves the map untouched
	if i := m.find(start); i != none && m.arena[i].start < start && m.arena[i].end() > end {
		if err := m.split(i, start, end); err != nil {
			return err
		}
		m.unmapRange(start, end)
		log.Debug("unmapped [%s, %s)", start, end)
		return nil
	}

	removed := false
	for cursor := start; cursor < end; {
		i := m.lowerBound(cursor)
		if i == none || m.arena[i].start >= end {
			break
		}

		n := &m.arena[i]
		lo, hi := n.start, n.end()
		if lo < cursor {
			lo = cursor
		}
		if hi > end {
			hi = end
		}

		switch {
		case lo == n.start && hi == n.end():
			m.unmapRange(lo, hi)
			m.destroyNode(i)
		case lo == n.start:
			n.offset += uint64(hi - n.start)
			n.size -= uint64(hi - n.start)
			n.start = hi
			m.unmapRange(lo, hi)
		case hi == n.end():
			n.size = uint64(lo - n.start)
			m.unmapRange(lo, hi)
		default:
			log.Panic("unexpected split of %s removing [%s, %s)", m.area(i), start, end)
		}

		log.Debug("unmapped [%s, %s)", lo, hi)
		cursor, removed = hi, true
	}

	if !removed {
		return mem.Errorf(mem.ErrInvalid, "nothing mapped in [%s, %s)", start, end)
	}

	return nil
}

// split removes [lo, hi) from the middle of area i, leaving the head in
// area i and the tail in a new area referencing the same object.
func (m *Map) split(i int32, lo, hi mem.Addr) error {
	j, err := m.newNode()
	if err != nil {
		return err
	}

	n, t := &m.arena[i], &m.arena[j]
	t.start = hi
	t.size = uint64(n.end() - hi)
	t.offset = n.offset + uint64(hi-n.start)
	t.obj = n.obj.Ref()
	n.size = uint64(lo - n.start)
	m.insert(j)

	return nil
}

// Fault populates the page containing addr and maps it.
func (m *Map) Fault(addr mem.Addr, write bool) error {
	i := m.find(addr)
	if i == none {
		return mem.Errorf(mem.ErrInvalid, "fault at unmapped address %s", addr)
	}

	n := &m.arena[i]
	if write && n.obj.Prot()&ProtWrite == 0 {
		return mem.Errorf(mem.ErrInvalid, "write fault at %s in read-only area", addr)
	}

	va := mem.PageAlignDown(addr)
	page, err := n.obj.Page((uint64(va-n.start) + n.offset) / mem.PageSize)
	if err != nil {
		return err
	}

	flags := physmem.MapUser
	if n.obj.Prot()&ProtWrite != 0 {
		flags |= physmem.MapWrite
	}

	return m.mapper.Map(va, page.Phys(), flags)
}

func (m *Map) unmapRange(lo, hi mem.Addr) {
	for va := lo; va < hi; va += mem.PageSize {
		if _, _, ok := m.mapper.Lookup(va); !ok {
			continue
		}
		if err := m.mapper.Unmap(va); err != nil {
			log.Error("failed to unmap %s: %v", va, err)
		}
	}
}

// Walk calls fn for each area in address order until fn returns false.
func (m *Map) Walk(fn func(Area) bool) {
	for i := m.head; i != none; i = m.arena[i].next {
		if !fn(m.area(i)) {
			return
		}
	}
}

// Areas returns all areas in list order.
func (m *Map) Areas() []Area {
	areas := make([]Area, 0, m.count)
	m.Walk(func(a Area) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// InOrder returns all areas in tree order.
func (m *Map) InOrder() []Area {
	areas := make([]Area, 0, m.count)
	var walk func(i int32)
	walk = func(i int32) {
		if i == none {
			return
		}
		walk(m.arena[i].left)
		areas = append(areas, m.area(i))
		walk(m.arena[i].right)
	}
	walk(m.root)
	return areas
}

// Root returns the area at the root of the tree.
func (m *Map) Root() (Area, bool) {
	if m.root == none {
		return Area{}, false
	}
	return m.area(m.root), true
}

// Height returns the height of the tree.
func (m *Map) Height() int {
	return int(m.height(m.root))
}

// Len returns the number of areas.
func (m *Map) Len() int {
	return m.count
}

// TreeNode is a snapshot of a subtree.
type TreeNode struct {
	Area
	Left  *TreeNode
	Right *TreeNode
}

// Tree returns a snapshot of the tree.
func (m *Map) Tree() *TreeNode {
	var snap func(i int32) *TreeNode
	snap = func(i int32) *TreeNode {
		if i == none {
			return nil
		}
		return &TreeNode{
			Area:  m.area(i),
			Left:  snap(m.arena[i].left),
			Right: snap(m.arena[i].right),
		}
	}
	return snap(m.root)
}

func (m *Map) area(i int32) Area {
	n := &m.arena[i]
	return Area{
		Start:  n.start,
		Size:   n.size,
		Offset: n.offset,
		Object: n.obj,
		Height: int(n.height),
	}
}

func (m *Map) newNode() (int32, error) {
	slot, err := m.nodes.Alloc(pfa.Kernel)
	if err != nil {
		return none, mem.Errorf(mem.ErrNoMemory, "failed to allocate area: %v", err)
	}

	var i int32
	if k := len(m.unused); k > 0 {
		i = m.unused[k-1]
		m.unused = m.unused[:k-1]
	} else {
		i = int32(len(m.arena))
		m.arena = append(m.arena, node{})
	}
	m.arena[i] = node{
		slot:   slot,
		parent: none,
		left:   none,
		right:  none,
		prev:   none,
		next:   none,
	}

	return i, nil
}

func (m *Map) freeNode(i int32) {
	m.nodes.Free(m.arena[i].slot)
	m.arena[i] = node{}
	m.unused = append(m.unused, i)
}

func (m *Map) destroyNode(i int32) {
	obj := m.arena[i].obj
	m.delete(i)
	obj.Release()
	m.freeNode(i)
}
