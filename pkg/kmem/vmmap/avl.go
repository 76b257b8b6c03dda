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

package vmmap

import (
	"github.com/intel/kmem/pkg/kmem/mem"
)

func (m *Map) height(i int32) int32 {
	if i == none {
		return 0
	}
	return m.arena[i].height
}

func (m *Map) update(i int32) {
	n := &m.arena[i]
	l, r := m.height(n.left), m.height(n.right)
	if l > r {
		n.height = l + 1
	} else {
		n.height = r + 1
	}
}

// balance returns the right subtree height minus the left one.
func (m *Map) balance(i int32) int32 {
	return m.height(m.arena[i].right) - m.height(m.arena[i].left)
}

// replace puts child in the place of old under parent.
func (m *Map) replace(parent, old, child int32) {
	switch {
	case parent == none:
		m.root = child
	case m.arena[parent].left == old:
		m.arena[parent].left = child
	default:
		m.arena[parent].right = child
	}
	if child != none {
		m.arena[child].parent = parent
	}
}

func (m *Map) rotateLeft(x int32) int32 {
	y := m.arena[x].right
	m.arena[x].right = m.arena[y].left
	if l := m.arena[y].left; l != none {
		m.arena[l].parent = x
	}
	m.replace(m.arena[x].parent, x, y)
	m.arena[y].left = x
	m.arena[x].parent = y
	m.update(x)
	m.update(y)
	return y
}

func (m *Map) rotateRight(x int32) int32 {
	y := m.arena[x].left
	m.arena[x].left = m.arena[y].right
	if r := m.arena[y].right; r != none {
		m.arena[r].parent = x
	}
	m.replace(m.arena[x].parent, x, y)
	m.arena[y].right = x
	m.arena[x].parent = y
	m.update(x)
	m.update(y)
	return y
}

// rebalance walks from i to the root, updating heights and rotating
// every unbalanced node.
func (m *Map) rebalance(i int32) {
	for i != none {
		m.update(i)
		switch b := m.balance(i); {
		case b > 1:
			if m.balance(m.arena[i].right) < 0 {
				m.rotateRight(m.arena[i].right)
			}
			i = m.rotateLeft(i)
		case b < -1:
			if m.balance(m.arena[i].left) > 0 {
				m.rotateLeft(m.arena[i].left)
			}
			i = m.rotateRight(i)
		}
		i = m.arena[i].parent
	}
}

// insert links node i into the tree and the list.
func (m *Map) insert(i int32) {
	parent, x := none, m.root
	start := m.arena[i].start
	for x != none {
		parent = x
		if start < m.arena[x].start {
			x = m.arena[x].left
		} else {
			x = m.arena[x].right
		}
	}

	m.arena[i].parent = parent
	m.arena[i].height = 1
	switch {
	case parent == none:
		m.root = i
	case start < m.arena[parent].start:
		m.arena[parent].left = i
	default:
		m.arena[parent].right = i
	}

	m.link(i, m.predecessor(i), m.successor(i))
	m.rebalance(parent)
	m.count++
	m.verify("inserting", i)
}

// delete unlinks node i from the tree and the list.
func (m *Map) delete(i int32) {
	z := &m.arena[i]
	var start int32

	switch {
	case z.left == none:
		start = z.parent
		m.replace(z.parent, i, z.right)
	case z.right == none:
		start = z.parent
		m.replace(z.parent, i, z.left)
	default:
		y := m.minimum(z.right)
		if m.arena[y].parent != i {
			start = m.arena[y].parent
			m.replace(m.arena[y].parent, y, m.arena[y].right)
			m.arena[y].right = z.right
			m.arena[z.right].parent = y
		} else {
			start = y
		}
		m.replace(z.parent, i, y)
		m.arena[y].left = z.left
		m.arena[z.left].parent = y
	}

	m.unlink(i)
	z.parent, z.left, z.right = none, none, none
	m.rebalance(start)
	m.count--
	m.verify("deleting", i)
}

func (m *Map) verify(op string, i int32) {
	if !m.paranoid {
		return
	}
	if err := m.Check(); err != nil {
		log.Panic("map %p corrupted %s %s: %v", m, op, m.area(i), err)
	}
}

// link puts node i between prev and next on the list.
func (m *Map) link(i, prev, next int32) {
	n := &m.arena[i]
	n.prev, n.next = prev, next
	if prev == none {
		m.head = i
	} else {
		m.arena[prev].next = i
	}
	if next == none {
		m.tail = i
	} else {
		m.arena[next].prev = i
	}
}

func (m *Map) unlink(i int32) {
	n := &m.arena[i]
	if n.prev == none {
		m.head = n.next
	} else {
		m.arena[n.prev].next = n.next
	}
	if n.next == none {
		m.tail = n.prev
	} else {
		m.arena[n.next].prev = n.prev
	}
	n.prev, n.next = none, none
}

func (m *Map) minimum(i int32) int32 {
	for m.arena[i].left != none {
		i = m.arena[i].left
	}
	return i
}

func (m *Map) maximum(i int32) int32 {
	for m.arena[i].right != none {
		i = m.arena[i].right
	}
	return i
}

// predecessor returns the in-order predecessor of i in the tree.
func (m *Map) predecessor(i int32) int32 {
	if l := m.arena[i].left; l != none {
		return m.maximum(l)
	}
	p := m.arena[i].parent
	for p != none && m.arena[p].left == i {
		i, p = p, m.arena[p].parent
	}
	return p
}

// successor returns the in-order successor of i in the tree.
func (m *Map) successor(i int32) int32 {
	if r := m.arena[i].right; r != none {
		return m.minimum(r)
	}
	p := m.arena[i].parent
	for p != none && m.arena[p].right == i {
		i, p = p, m.arena[p].parent
	}
	return p
}

// find returns the area containing addr.
func (m *Map) find(addr mem.Addr) int32 {
	x := m.root
	for x != none {
		n := &m.arena[x]
		switch {
		case addr < n.start:
			x = n.left
		case addr >= n.end():
			x = n.right
		default:
			return x
		}
	}
	return none
}

// lowerBound returns the first area ending after addr.
func (m *Map) lowerBound(addr mem.Addr) int32 {
	best, x := none, m.root
	for x != none {
		if m.arena[x].end() > addr {
			best, x = x, m.arena[x].left
		} else {
			x = m.arena[x].right
		}
	}
	return best
}

// overlaps returns true if any area intersects [start, end).
func (m *Map) overlaps(start, end mem.Addr) bool {
	x := m.root
	for x != none {
		n := &m.arena[x]
		switch {
		case end <= n.start:
			x = n.left
		case start >= n.end():
			x = n.right
		default:
			return true
		}
	}
	return false
}
