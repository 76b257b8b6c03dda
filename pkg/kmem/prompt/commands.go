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

package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/intel/kmem/pkg/kmem/mem"
	kmemmetrics "github.com/intel/kmem/pkg/kmem/metrics"
	"github.com/intel/kmem/pkg/kmem/pfa"
	"github.com/intel/kmem/pkg/kmem/slab"
	"github.com/intel/kmem/pkg/kmem/vmmap"
)

func allocFlags(dma, high, zero bool) pfa.Flags {
	flags := pfa.Kernel
	if dma {
		flags |= pfa.DMA
	}
	if high {
		flags |= pfa.High
	}
	if zero {
		flags |= pfa.Zero
	}
	return flags
}

func parseProt(s string) (vmmap.Prot, error) {
	var prot vmmap.Prot
	for _, c := range s {
		switch c {
		case 'r':
			prot |= vmmap.ProtRead
		case 'w':
			prot |= vmmap.ProtWrite
		case 'x':
			prot |= vmmap.ProtExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid protection %q", s)
		}
	}
	return prot, nil
}

func (p *Prompt) cmdPfa(args []string) CommandStatus {
	alloc := p.f.Int("alloc", -1, "-alloc=ORDER: allocate a block of 2^ORDER pages")
	dma := p.f.Bool("dma", false, "allocate from the DMA region")
	high := p.f.Bool("high", false, "allocate from the high region")
	zero := p.f.Bool("zero", false, "zero allocated pages")
	free := p.f.String("free", "", "-free=ADDR: free the block at physical address ADDR")
	ls := p.f.Bool("ls", false, "list blocks allocated from the prompt")
	full := p.f.Bool("full", false, "list every free block in the report")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}

	if *alloc >= 0 {
		page := p.k.PFA.Alloc(allocFlags(*dma, *high, *zero), mem.PageOrder(*alloc))
		if page == nil {
			p.output("allocation of order %d failed\n", *alloc)
			return csError
		}
		p.pages[page.Phys()] = pageAlloc{page: page, order: mem.PageOrder(*alloc)}
		p.output("allocated %d pages at %s (virtual %s)\n", mem.OrderPages(mem.PageOrder(*alloc)), page.Phys(), page.Virt())
		return csOk
	}

	if *free != "" {
		pa, err := mem.ParseAddr(*free)
		if err != nil {
			p.output("%s\n", err)
			return csError
		}
		blk, ok := p.pages[pa]
		if !ok {
			p.output("no block allocated at %s\n", pa)
			return csError
		}
		delete(p.pages, pa)
		p.k.PFA.Free(blk.page, blk.order)
		p.output("freed %d pages at %s\n", mem.OrderPages(blk.order), pa)
		return csOk
	}

	if *ls {
		addrs := make([]mem.Addr, 0, len(p.pages))
		for pa := range p.pages {
			addrs = append(addrs, pa)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for _, pa := range addrs {
			p.output("%s order %d\n", pa, p.pages[pa].order)
		}
		return csOk
	}

	p.output("%s", p.k.PFA.Report(*full))
	return csOk
}

func (p *Prompt) cmdCache(args []string) CommandStatus {
	create := p.f.String("create", "", "-create=NAME: create a cache")
	size := p.f.String("size", "", "-size=SIZE: object size of a new cache")
	align := p.f.Uint64("align", 0, "-align=N: object alignment of a new cache")
	offslab := p.f.Bool("offslab", false, "keep slab bookkeeping off-slab")
	noreap := p.f.Bool("noreap", false, "exempt a new cache from reaping")
	dma := p.f.Bool("dma", false, "back a new cache with DMA memory")
	alloc := p.f.String("alloc", "", "-alloc=NAME: allocate an object")
	free := p.f.String("free", "", "-free=NAME -addr=ADDR: free an object")
	addr := p.f.String("addr", "", "object address")
	destroy := p.f.String("destroy", "", "-destroy=NAME: destroy a cache")
	slabs := p.f.String("slabs", "", "-slabs=NAME: list slabs of a cache")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}

	lookup := func(name string) *slab.Cache {
		c := p.k.Slab.Lookup(name)
		if c == nil {
			p.output("unknown cache %q\n", name)
		}
		return c
	}

	switch {
	case *create != "":
		n, err := parseSize(*size)
		if err != nil {
			p.output("invalid -size: %s\n", err)
			return csError
		}
		var flags slab.Flags
		if *offslab {
			flags |= slab.OffSlab
		}
		if *noreap {
			flags |= slab.NoReap
		}
		if *dma {
			flags |= slab.DMA
		}
		c, err := p.k.Slab.Create(*create, n, *align, flags, nil, nil)
		if err != nil {
			p.output("failed to create cache: %s\n", err)
			return csError
		}
		p.output("created cache %s\n", c)

	case *alloc != "":
		c := lookup(*alloc)
		if c == nil {
			return csError
		}
		obj, err := c.Alloc(pfa.Kernel)
		if err != nil {
			p.output("allocation failed: %s\n", err)
			return csError
		}
		p.output("%s\n", obj)

	case *free != "":
		c := lookup(*free)
		if c == nil {
			return csError
		}
		a, err := mem.ParseAddr(*addr)
		if err != nil {
			p.output("invalid -addr: %s\n", err)
			return csError
		}
		c.Free(a)

	case *destroy != "":
		c := lookup(*destroy)
		if c == nil {
			return csError
		}
		if err := c.Destroy(); err != nil {
			p.output("failed to destroy cache: %s\n", err)
			return csError
		}

	case *slabs != "":
		c := lookup(*slabs)
		if c == nil {
			return csError
		}
		for _, s := range c.Slabs() {
			p.output("%s %6d bytes %3d/%d in use (%s)\n", s.Base, s.Size, s.InUse, c.ObjsPerSlab(), s.State)
		}

	default:
		p.output("%s", p.k.Slab.Report())
	}

	return csOk
}

func (p *Prompt) cmdKmalloc(args []string) CommandStatus {
	size := p.f.String("size", "", "-size=SIZE: number of bytes to allocate")
	zero := p.f.Bool("zero", false, "zero allocated memory")
	dma := p.f.Bool("dma", false, "allocate DMA memory")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	n, err := parseSize(*size)
	if err != nil {
		p.output("invalid -size: %s\n", err)
		return csError
	}
	addr := p.k.Slab.Kmalloc(n, allocFlags(*dma, false, *zero))
	if addr == 0 {
		p.output("kmalloc of %d bytes failed\n", n)
		return csError
	}
	p.output("%s\n", addr)
	return csOk
}

func (p *Prompt) cmdKfree(args []string) CommandStatus {
	addr := p.f.String("addr", "", "-addr=ADDR: address returned by kmalloc")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	a, err := mem.ParseAddr(*addr)
	if err != nil {
		p.output("invalid -addr: %s\n", err)
		return csError
	}
	p.k.Slab.Kfree(a)
	return csOk
}

func (p *Prompt) cmdKrealloc(args []string) CommandStatus {
	addr := p.f.String("addr", "0", "-addr=ADDR: address returned by kmalloc")
	size := p.f.String("size", "0", "-size=SIZE: new size")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	a, err := mem.ParseAddr(*addr)
	if err != nil {
		p.output("invalid -addr: %s\n", err)
		return csError
	}
	n, err := parseSize(*size)
	if err != nil {
		p.output("invalid -size: %s\n", err)
		return csError
	}
	p.output("%s\n", p.k.Slab.Krealloc(a, n, pfa.Kernel))
	return csOk
}

func (p *Prompt) cmdReap(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	n := p.k.Slab.Reap()
	p.output("reaped %d slabs, next cursor %d\n", n, p.k.Slab.Cursor())
	return csOk
}

func (p *Prompt) cmdAs(args []string) CommandStatus {
	create := p.f.Bool("new", false, "create an address space and use it")
	use := p.f.Int("use", -1, "-use=ID: use address space ID")
	rm := p.f.Int("rm", -1, "-rm=ID: destroy address space ID")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}

	switch {
	case *create:
		p.as = p.k.NewAddressSpace()
		p.output("using address space #%d\n", p.as.ID)
	case *use >= 0:
		as := p.k.AddressSpace(*use)
		if as == nil {
			p.output("unknown address space #%d\n", *use)
			return csError
		}
		p.as = as
		p.output("using address space #%d\n", p.as.ID)
	case *rm >= 0:
		as := p.k.AddressSpace(*rm)
		if as == nil {
			p.output("unknown address space #%d\n", *rm)
			return csError
		}
		if err := p.k.DestroyAddressSpace(as); err != nil {
			p.output("%s\n", err)
			return csError
		}
		if p.as == as {
			p.as = nil
		}
	default:
		for _, as := range p.k.AddressSpaces() {
			current := " "
			if as == p.as {
				current = "*"
			}
			p.output("%s#%d: %d areas, %d page tables, %d mappings\n",
				current, as.ID, as.Map.Len(), as.Pmap.Tables(), as.Pmap.Count())
		}
	}
	return csOk
}

func (p *Prompt) cmdVm(args []string) CommandStatus {
	start := p.f.String("map", "", "-map=ADDR: map a new object at ADDR")
	insert := p.f.Bool("insert", false, "map a new object at the first free address")
	size := p.f.String("size", "", "-size=SIZE: size of the mapping or removal")
	offset := p.f.String("offset", "0", "-offset=SIZE: offset into the object")
	protStr := p.f.String("prot", "rw", "-prot=[rwx]: protection of a new object")
	find := p.f.String("find", "", "-find=ADDR: print the area containing ADDR")
	rm := p.f.String("rm", "", "-rm=ADDR -size=SIZE: unmap a range")
	fault := p.f.String("fault", "", "-fault=ADDR: fault in the page at ADDR")
	write := p.f.Bool("write", false, "fault for writing")
	tree := p.f.Bool("tree", false, "print the area tree")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.as == nil {
		p.output("no address space, try as -new\n")
		return csError
	}
	m := p.as.Map

	sizeArg := func() (uint64, bool) {
		n, err := parseSize(*size)
		if err != nil {
			p.output("invalid -size: %s\n", err)
			return 0, false
		}
		return n, true
	}
	addrArg := func(s string) (mem.Addr, bool) {
		a, err := mem.ParseAddr(s)
		if err != nil {
			p.output("%s\n", err)
			return 0, false
		}
		return a, true
	}

	switch {
	case *start != "" || *insert:
		n, ok := sizeArg()
		if !ok {
			return csError
		}
		off, err := parseSize(*offset)
		if err != nil {
			p.output("invalid -offset: %s\n", err)
			return csError
		}
		prot, err := parseProt(*protStr)
		if err != nil {
			p.output("%s\n", err)
			return csError
		}
		obj := p.k.NewObject(off+n, prot)
		if *insert {
			var a mem.Addr
			a, err = m.InsertObject(obj, off, n)
			if err == nil {
				p.output("%s\n", a)
			}
		} else {
			a, ok := addrArg(*start)
			if !ok {
				obj.Release()
				return csError
			}
			err = m.MapObjectAt(obj, off, a, n)
		}
		obj.Release()
		if err != nil {
			p.output("mapping failed: %s\n", err)
			return csError
		}

	case *find != "":
		a, ok := addrArg(*find)
		if !ok {
			return csError
		}
		area, found := m.Find(a)
		if !found {
			p.output("%s is not mapped\n", a)
			return csError
		}
		p.output("%s\n", area)

	case *rm != "":
		a, ok := addrArg(*rm)
		if !ok {
			return csError
		}
		n, ok := sizeArg()
		if !ok {
			return csError
		}
		if err := m.Remove(a, n); err != nil {
			p.output("unmapping failed: %s\n", err)
			return csError
		}

	case *fault != "":
		a, ok := addrArg(*fault)
		if !ok {
			return csError
		}
		if err := m.Fault(a, *write); err != nil {
			p.output("fault failed: %s\n", err)
			return csError
		}

	case *tree:
		p.printTree(m.Tree(), "")

	default:
		for _, area := range m.Areas() {
			p.output("%s\n", area)
		}
	}
	return csOk
}

func (p *Prompt) printTree(n *vmmap.TreeNode, indent string) {
	if n == nil {
		return
	}
	p.printTree(n.Right, indent+"    ")
	p.output("%s[%s, %s) h%d\n", indent, n.Start, n.End(), n.Height)
	p.printTree(n.Left, indent+"    ")
}

func (p *Prompt) cmdCheck(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if err := p.k.Check(); err != nil {
		p.output("%s\n", strings.TrimSpace(err.Error()))
		return csError
	}
	p.output("ok\n")
	return csOk
}

func (p *Prompt) cmdStats(args []string) CommandStatus {
	prom := p.f.Bool("prom", false, "print statistics in Prometheus text format")

	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *prom {
		if err := kmemmetrics.WriteText(p.w, p.k); err != nil {
			p.output("%s\n", err)
			return csError
		}
		p.w.Flush()
		return csOk
	}
	s := p.k.PFA.Stats()
	p.output("pages: %d/%d free\n", s.FreePages(), s.TotalPages())
	p.output("caches: %d, kmalloc records: %d\n", len(p.k.Slab.Caches()), p.k.Slab.KmallocRecords())
	p.output("address spaces: %d\n", len(p.k.AddressSpaces()))
	return csOk
}
