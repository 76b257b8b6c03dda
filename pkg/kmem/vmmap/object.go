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

	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/pfa"
)

// Prot is the protection of an object.
type Prot uint

const (
	// ProtRead allows reading.
	ProtRead Prot = 1 << iota
	// ProtWrite allows writing.
	ProtWrite
	// ProtExec allows execution.
	ProtExec
)

func (p Prot) String() string {
	str := []byte("---")
	if p&ProtRead != 0 {
		str[0] = 'r'
	}
	if p&ProtWrite != 0 {
		str[1] = 'w'
	}
	if p&ProtExec != 0 {
		str[2] = 'x'
	}
	return string(str)
}

// PageAllocator supplies the pages backing objects.
type PageAllocator interface {
	Alloc(flags pfa.Flags, order mem.PageOrder) *pfa.Page
	Free(p *pfa.Page, order mem.PageOrder)
}

// Object is a reference counted anonymous memory object (a vmobject).
// It is created with one reference held by the creator.
type Object struct {
	pages     PageAllocator
	size      uint64
	prot      Prot
	refs      int
	frames    []*pfa.Page
	destroyed bool
}

// NewObject creates an anonymous object of the given size, rounded up
// to whole pages.
func NewObject(pages PageAllocator, size uint64, prot Prot) *Object {
	size = uint64(mem.PageAlignUp(mem.Addr(size)))
	return &Object{
		pages:  pages,
		size:   size,
		prot:   prot,
		refs:   1,
		frames: make([]*pfa.Page, size/mem.PageSize),
	}
}

// Size returns the size of the object.
func (o *Object) Size() uint64 {
	return o.size
}

// Prot returns the protection of the object.
func (o *Object) Prot() Prot {
	return o.prot
}

// RefCount returns the number of references to the object.
func (o *Object) RefCount() int {
	return o.refs
}

// Destroyed returns true once the last reference is released.
func (o *Object) Destroyed() bool {
	return o.destroyed
}

// Ref takes a reference to the object.
func (o *Object) Ref() *Object {
	if o.destroyed {
		log.Panic("reference to destroyed object %s", o)
	}
	o.refs++
	return o
}

// Release drops a reference to the object, destroying it with the last one.
func (o *Object) Release() {
	if o.refs <= 0 || o.destroyed {
		log.Panic("release of unreferenced object %s", o)
	}
	o.refs--
	if o.refs == 0 {
		o.destroy()
	}
}

func (o *Object) destroy() {
	for i, p := range o.frames {
		if p != nil {
			o.pages.Free(p, 0)
			o.frames[i] = nil
		}
	}
	o.destroyed = true
	log.Debug("destroyed object %s", o)
}

// Page returns the page backing the given page index of the object,
// allocating a zeroed page on first use.
func (o *Object) Page(index uint64) (*pfa.Page, error) {
	if o.destroyed {
		log.Panic("page lookup in destroyed object %s", o)
	}
	if index >= uint64(len(o.frames)) {
		return nil, mem.Errorf(mem.ErrInvalid, "page %d beyond object %s", index, o)
	}
	if p := o.frames[index]; p != nil {
		return p, nil
	}

	p := o.pages.Alloc(pfa.High|pfa.Zero, 0)
	if p == nil {
		p = o.pages.Alloc(pfa.Kernel|pfa.Zero, 0)
	}
	if p == nil {
		return nil, mem.Errorf(mem.ErrNoMemory, "no page for object %s", o)
	}
	o.frames[index] = p

	return p, nil
}

// Resident returns the number of pages allocated to the object.
func (o *Object) Resident() int {
	n := 0
	for _, p := range o.frames {
		if p != nil {
			n++
		}
	}
	return n
}

func (o *Object) String() string {
	return fmt.Sprintf("<object %p size %#x %s refs %d>", o, o.size, o.prot, o.refs)
}
