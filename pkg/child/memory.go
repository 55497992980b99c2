// Copyright 2026 The gVisor Authors.
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

package child

import (
	"fmt"
	"strings"

	"github.com/google/btree"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// Flags are the rights of a child on one of its dataspaces.
type Flags uint8

// Dataspace flags in a child.
const (
	R Flags = 1 << iota
	W
	X

	// Own marks memory the child was given, as opposed to memory it
	// joined. Only owned memory counts as the child's usage.
	Own Flags = 1 << 4

	RW  = R | W
	RX  = R | X
	RWX = R | W | X
)

// Perm returns the access rights in f.
func (f Flags) Perm() hv.Perm {
	return hv.Perm(f & RWX)
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	s := f.Perm().String()
	if f&Own != 0 {
		return s + "o"
	}
	return s + "-"
}

func flagsOf(f dataspace.Flags) Flags {
	return Flags(f.Perm())
}

// pagesPerWord is the number of 4 bit page permission entries per word.
const pagesPerWord = 16

// DS is a dataspace as mapped into a child.
type DS struct {
	desc  dataspace.Desc
	flags Flags
	sel   hv.Sel

	// perms holds the rights each page is currently mapped with, 4 bits
	// per page. Zero means unmapped.
	perms []uint64
}

// Desc returns the descriptor. Virt is the address in the child and Origin
// the root's address of the backing memory.
func (ds *DS) Desc() dataspace.Desc {
	return ds.desc
}

// Virt returns the address of ds in the child.
func (ds *DS) Virt() uint64 {
	return ds.desc.Virt
}

// Size returns the size of ds.
func (ds *DS) Size() uint64 {
	return ds.desc.Size
}

// Flags returns the child's rights.
func (ds *DS) Flags() Flags {
	return ds.flags
}

// Sel returns the unmap selector of the dataspace, or zero for virtual
// regions.
func (ds *DS) Sel() hv.Sel {
	return ds.sel
}

// Origin returns the root's address of offset off into ds.
func (ds *DS) Origin(off uint64) uint64 {
	return ds.desc.Origin + off
}

// SetOrigin moves ds to other backing memory.
func (ds *DS) SetOrigin(origin uint64) {
	ds.desc.Origin = origin
}

// PagePerms returns the rights page is mapped with.
func (ds *DS) PagePerms(page uint64) Flags {
	return Flags(ds.perms[page/pagesPerWord]>>(4*(page%pagesPerWord))) & 0xf
}

func (ds *DS) setPagePerms(page uint64, f Flags) {
	shift := 4 * (page % pagesPerWord)
	w := &ds.perms[page/pagesPerWord]
	*w = *w&^(0xf<<shift) | uint64(f&0xf)<<shift
}

// MapPages records that count pages starting at page are mapped with f and
// returns how many pages of the range lie inside ds.
func (ds *DS) MapPages(page, count uint64, f Flags) uint64 {
	pages := ds.desc.Pages()
	if page >= pages {
		return 0
	}
	count = min(count, pages-page)
	for i := page; i < page+count; i++ {
		ds.setPagePerms(i, f)
	}
	return count
}

// AllPerms sets the rights of every page to f.
func (ds *DS) AllPerms(f Flags) {
	var w uint64
	for i := 0; i < pagesPerWord; i++ {
		w |= uint64(f&0xf) << (4 * i)
	}
	for i := range ds.perms {
		ds.perms[i] = w
	}
}

// String implements fmt.Stringer.String.
func (ds *DS) String() string {
	return fmt.Sprintf("%#010x..%#010x %v sel=%#x org=%#x %v", ds.desc.Virt, ds.desc.Virt+ds.desc.Size, ds.flags, ds.sel, ds.desc.Origin, ds.desc.Type)
}

func dsLess(a, b *DS) bool {
	return a.desc.Virt < b.desc.Virt
}

// Memory is the address space layout of a child: its dataspaces ordered by
// address. It is not safe for concurrent use; the child's lock protects it.
type Memory struct {
	tree *btree.BTreeG[*DS]
}

// NewMemory returns an empty layout.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewG(8, dsLess)}
}

// Len returns the number of dataspaces.
func (m *Memory) Len() int {
	return m.tree.Len()
}

// Each calls fn for every dataspace in address order.
func (m *Memory) Each(fn func(ds *DS)) {
	m.tree.Ascend(func(ds *DS) bool {
		fn(ds)
		return true
	})
}

// Find returns the dataspace with unmap selector sel.
func (m *Memory) Find(sel hv.Sel) *DS {
	var found *DS
	m.tree.Ascend(func(ds *DS) bool {
		if ds.sel == sel {
			found = ds
		}
		return found == nil
	})
	return found
}

// FindByAddr returns the dataspace that contains addr.
func (m *Memory) FindByAddr(addr uint64) *DS {
	var found *DS
	m.tree.DescendLessOrEqual(&DS{desc: dataspace.Desc{Virt: addr}}, func(ds *DS) bool {
		if addr < ds.desc.Virt+ds.desc.Size {
			found = ds
		}
		return false
	})
	return found
}

// FindFree returns an address for size bytes aligned to align. Free space
// is taken above the highest dataspace, leaving one unmapped page in
// between to catch overruns.
func (m *Memory) FindFree(size, align uint64) (uint64, error) {
	var end uint64
	if last, ok := m.tree.Max(); ok {
		end = last.desc.Virt + last.desc.Size
	}
	addr := arch.RoundUp(arch.PageRoundUp(end)+arch.PageSize, max(align, arch.PageSize))
	if addr < end || addr+size < addr || addr+size > arch.KernelStart {
		return 0, nreerr.Newf(nreerr.Capacity, "Unable to allocate %d bytes in childs address space", size)
	}
	return addr, nil
}

// Add maps the dataspace desc at addr with rights flags. sel is its unmap
// selector.
func (m *Memory) Add(desc dataspace.Desc, addr uint64, flags Flags, sel hv.Sel) (*DS, error) {
	size := arch.PageRoundUp(desc.Size)
	if addr%arch.PageSize != 0 || size == 0 || addr+size < addr || addr+size > arch.KernelStart {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Invalid region %#x+%#x", addr, desc.Size)
	}
	var prev *DS
	m.tree.DescendLessOrEqual(&DS{desc: dataspace.Desc{Virt: addr + size - 1}}, func(ds *DS) bool {
		prev = ds
		return false
	})
	if prev != nil && prev.desc.Virt+prev.desc.Size > addr {
		return nil, nreerr.Newf(nreerr.Exists, "Region %#x+%#x overlaps %v", addr, size, prev)
	}
	d := desc
	d.Origin = desc.Virt
	d.Virt = addr
	d.Size = size
	ds := &DS{
		desc:  d,
		flags: flags,
		sel:   sel,
		perms: make([]uint64, (d.Pages()+pagesPerWord-1)/pagesPerWord),
	}
	m.tree.ReplaceOrInsert(ds)
	return ds, nil
}

// Remove unmaps the dataspace with unmap selector sel.
func (m *Memory) Remove(sel hv.Sel) (*DS, error) {
	ds := m.Find(sel)
	if ds == nil {
		return nil, nreerr.Newf(nreerr.NotFound, "Dataspace not found")
	}
	m.tree.Delete(ds)
	return ds, nil
}

// RemoveByAddr unmaps the dataspace that contains addr.
func (m *Memory) RemoveByAddr(addr uint64) (*DS, error) {
	ds := m.FindByAddr(addr)
	if ds == nil {
		return nil, nreerr.Newf(nreerr.NotFound, "Dataspace not found")
	}
	m.tree.Delete(ds)
	return ds, nil
}

// MemUsage returns the size of the address space in use and the amount of
// memory the child owns.
func (m *Memory) MemUsage() (virt, phys uint64) {
	m.Each(func(ds *DS) {
		virt += ds.desc.Size
		if ds.desc.Type != dataspace.Virtual && ds.flags&Own != 0 {
			phys += ds.desc.Size
		}
	})
	return virt, phys
}

// String implements fmt.Stringer.String.
func (m *Memory) String() string {
	var b strings.Builder
	m.Each(func(ds *DS) {
		fmt.Fprintf(&b, "\t%v\n", ds)
	})
	return b.String()
}
