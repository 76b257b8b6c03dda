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

package slab

// Reap scans a window of caches starting at a rotating cursor and destroys
// the empty slabs of the cache with the most of them. Caches marked NoReap
// are skipped. So are caches which grew since the last scan, but they lose
// their exemption for the next one. A cache with more than the short-circuit
// number of empty slabs ends the scan at once. Reap returns the number of
// slabs destroyed.
func (a *Allocator) Reap() int {
	n := len(a.caches)
	if n == 0 {
		return 0
	}

	window := a.opts.ReapWindow
	if window > n {
		window = n
	}

	var (
		start   = a.cursor % n
		best    *Cache
		most    int
		visited int
		next    = -1
	)

	for visited < window {
		i := (start + visited) % n
		c := a.caches[i]
		visited++

		if c.flags&NoReap != 0 {
			continue
		}
		if c.grown {
			c.grown = false
			continue
		}

		empty := c.empty.Len()
		if empty > a.opts.ReapShortCircuit {
			best = c
			next = (i + 1) % n
			break
		}
		if empty > most {
			best, most = c, empty
		}
	}

	if next < 0 {
		next = (start + visited) % n
	}
	a.cursor = next

	if best == nil {
		return 0
	}

	reaped := best.reapEmpty()
	log.Debug("reaped %d empty slabs of cache %s", reaped, best.name)

	return reaped
}

// removeCache drops a destroyed cache, keeping the reap cursor on the
// cache it pointed at.
func (a *Allocator) removeCache(c *Cache) {
	for i, cc := range a.caches {
		if cc != c {
			continue
		}
		a.caches = append(a.caches[:i], a.caches[i+1:]...)
		if i < a.cursor {
			a.cursor--
		}
		if a.cursor >= len(a.caches) {
			a.cursor = 0
		}
		return
	}
}

// Cursor returns the index of the cache the next reap starts from.
func (a *Allocator) Cursor() int {
	return a.cursor
}
