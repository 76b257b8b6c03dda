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
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Check verifies the tree and list structure of the map.
func (m *Map) Check() error {
	var errs *multierror.Error
	fail := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	var (
		inorder []int32
		walk    func(i, parent int32) int32
	)
	walk = func(i, parent int32) int32 {
		if i == none {
			return 0
		}
		n := &m.arena[i]
		if n.parent != parent {
			fail("area %s has parent %d, expected %d", m.area(i), n.parent, parent)
		}
		l := walk(n.left, i)
		inorder = append(inorder, i)
		r := walk(n.right, i)
		h := l + 1
		if r > l {
			h = r + 1
		}
		if n.height != h {
			fail("area %s has height %d, expected %d", m.area(i), n.height, h)
		}
		if r-l > 1 || l-r > 1 {
			fail("area %s is unbalanced: left %d, right %d", m.area(i), l, r)
		}
		if n.obj == nil || n.obj.Destroyed() {
			fail("area %s has no live object", m.area(i))
		}
		return h
	}
	walk(m.root, none)

	list := []int32{}
	prev := none
	for i := m.head; i != none; i = m.arena[i].next {
		if m.arena[i].prev != prev {
			fail("area %s has list predecessor %d, expected %d", m.area(i), m.arena[i].prev, prev)
		}
		if prev != none && m.arena[prev].end() > m.arena[i].start {
			fail("area %s overlaps or precedes %s", m.area(i), m.area(prev))
		}
		list = append(list, i)
		prev = i
		if len(list) > len(m.arena) {
			fail("cyclic area list")
			break
		}
	}
	if m.tail != prev {
		fail("list tail is %d, expected %d", m.tail, prev)
	}

	if len(inorder) != len(list) || len(list) != m.count {
		fail("%d areas in tree, %d on list, expected %d", len(inorder), len(list), m.count)
	} else {
		for k := range list {
			if list[k] != inorder[k] {
				fail("list area %s at position %d, tree has %s", m.area(list[k]), k, m.area(inorder[k]))
				break
			}
		}
	}

	return errs.ErrorOrNil()
}
