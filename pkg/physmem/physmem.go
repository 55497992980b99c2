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

// Package physmem manages the physical memory of the root task and backs
// the dataspaces it hands out.
//
// RAM is an anonymous mapping of the host. Physical addresses start at
// Config.PhysBase and the root's view of them at Config.VirtBase, so
// translating between the two is an offset.
package physmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/region"
)

// Default layout.
const (
	DefaultPhysBase uint64 = 0x100000
	DefaultVirtBase uint64 = 0x40000000
)

// Config configures a Memory.
type Config struct {
	// Size is the amount of RAM in bytes, rounded up to pages.
	Size uint64

	// PhysBase is the physical address of the first byte of RAM.
	PhysBase uint64

	// VirtBase is the root's address of the first byte of RAM.
	VirtBase uint64

	// Caps provides the selectors of created dataspaces.
	Caps *caps.Space

	// Kernel, if set, is used to revoke the memory and selectors of
	// destroyed dataspaces.
	Kernel hv.Kernel
}

// Memory is the root task's physical memory. It is safe for concurrent use.
type Memory struct {
	arena    []byte
	physBase uint64
	virtBase uint64
	caps     *caps.Space
	kernel   hv.Kernel

	mu sync.Mutex

	// free tracks free physical memory.
	//
	// +checklocks:mu
	free *region.Manager

	// modules are physical ranges holding boot modules. They may be
	// joined read-only by address.
	//
	// +checklocks:mu
	modules []region.Region

	// absent holds the root pages (by page number) the parent has taken
	// away.
	//
	// +checklocks:mu
	absent map[uint64]struct{}
}

var _ dataspace.Backing = (*Memory)(nil)

// New maps the RAM described by cfg.
func New(cfg Config) (*Memory, error) {
	if cfg.Size == 0 {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "No memory")
	}
	if cfg.Caps == nil {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "No capability space")
	}
	if cfg.PhysBase == 0 {
		cfg.PhysBase = DefaultPhysBase
	}
	if cfg.VirtBase == 0 {
		cfg.VirtBase = DefaultVirtBase
	}
	if arch.PageOffset(cfg.PhysBase) != 0 || arch.PageOffset(cfg.VirtBase) != 0 {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Memory base %#x/%#x is not page aligned", cfg.PhysBase, cfg.VirtBase)
	}
	size := arch.PageRoundUp(cfg.Size)
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of memory: %w", size, err)
	}
	m := &Memory{
		arena:    arena,
		physBase: cfg.PhysBase,
		virtBase: cfg.VirtBase,
		caps:     cfg.Caps,
		kernel:   cfg.Kernel,
		free:     region.New(),
		absent:   make(map[uint64]struct{}),
	}
	m.free.Free(cfg.PhysBase, size)
	log.Infof("Physical memory: %#x bytes at %#x, root view at %#x", size, cfg.PhysBase, cfg.VirtBase)
	return m, nil
}

// Close unmaps the memory. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}

// Size returns the size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.arena))
}

// Free returns the number of free bytes.
func (m *Memory) Free() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.TotalCount()
}

// PhysToVirt returns the root's address of physical address p.
func (m *Memory) PhysToVirt(p uint64) uint64 {
	return p - m.physBase + m.virtBase
}

// VirtToPhys is the inverse of PhysToVirt.
func (m *Memory) VirtToPhys(v uint64) uint64 {
	return v - m.virtBase + m.physBase
}

// Regions returns the free physical memory.
func (m *Memory) Regions() []region.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Regions()
}

// Alloc allocates size bytes of physical memory aligned to align, both
// rounded to pages.
func (m *Memory) Alloc(size, align uint64) (uint64, error) {
	if align < arch.PageSize {
		align = arch.PageSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Alloc(arch.PageRoundUp(size), align)
}

// Release frees physical memory obtained from Alloc and zeroes it.
func (m *Memory) Release(phys, size uint64) error {
	size = arch.PageRoundUp(size)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.free.Free(phys, size); err != nil {
		return err
	}
	m.zero(phys-m.physBase, size)
	return nil
}

// zero clears arena[off:off+size]. Both are page aligned, so dropping the
// pages is enough.
//
// +checklocks:m.mu
func (m *Memory) zero(off, size uint64) {
	b := m.arena[off : off+size]
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		clear(b)
	}
}

// AddModule loads a boot module into fresh memory and returns its physical
// address. Modules can be joined read-only with a Create request for their
// physical range.
func (m *Memory) AddModule(data []byte) (uint64, error) {
	phys, err := m.Alloc(uint64(len(data)), arch.PageSize)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.arena[phys-m.physBase:], data)
	m.modules = append(m.modules, region.Region{Addr: phys, Size: uint64(len(data))})
	return phys, nil
}

// Modules returns the boot modules in the order they were added.
func (m *Memory) Modules() []region.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]region.Region(nil), m.modules...)
}

// +checklocks:m.mu
func (m *Memory) isModule(phys, size uint64) bool {
	for _, mod := range m.modules {
		if phys >= mod.Addr && phys+size <= arch.PageRoundUp(mod.End()) {
			return true
		}
	}
	return false
}

// Bytes returns the root's view of [virt, virt+size).
func (m *Memory) Bytes(virt, size uint64) ([]byte, error) {
	if virt < m.virtBase || virt+size < virt || virt+size > m.virtBase+uint64(len(m.arena)) {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Range %#x+%#x is not root memory", virt, size)
	}
	off := virt - m.virtBase
	return m.arena[off : off+size : off+size], nil
}

// Contains returns whether virt is an address of root memory.
func (m *Memory) Contains(virt uint64) bool {
	return virt >= m.virtBase && virt < m.virtBase+uint64(len(m.arena))
}

// Present returns whether the root page at virt is currently mapped.
func (m *Memory) Present(virt uint64) bool {
	if !m.Contains(virt) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, gone := m.absent[virt>>arch.PageShift]
	return !gone
}

// Unmap takes pages root pages starting at virt away, the way a parent
// revokes the memory of a subsystem.
func (m *Memory) Unmap(virt, pages uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := virt >> arch.PageShift; p < virt>>arch.PageShift+pages; p++ {
		m.absent[p] = struct{}{}
	}
}

// Touch accesses the root page at virt, which makes the parent map it
// again.
func (m *Memory) Touch(virt uint64) error {
	if !m.Contains(virt) {
		return nreerr.Newf(nreerr.ArgsInvalid, "Address %#x is not root memory", virt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.absent, virt>>arch.PageShift)
	return nil
}

// Create implements dataspace.Backing.Create.
func (m *Memory) Create(desc dataspace.Desc) (*dataspace.DataSpace, error) {
	if desc.Size == 0 {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Unable to create empty dataspace")
	}
	if desc.Type == dataspace.Virtual {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Virtual dataspaces have no backing memory")
	}
	desc.Size = arch.PageRoundUp(desc.Size)
	if desc.Phys != 0 {
		desc.Phys = arch.PageRoundDown(desc.Phys)
		m.mu.Lock()
		ok := desc.Phys+desc.Size > desc.Phys && m.isModule(desc.Phys, desc.Size)
		m.mu.Unlock()
		if !ok {
			return nil, nreerr.Newf(nreerr.ArgsInvalid, "Unable to map physical memory %#x..%#x", desc.Phys, desc.Phys+desc.Size)
		}
		// Modules are never writable.
		desc.Flags &^= dataspace.W | dataspace.X
	} else {
		phys, err := m.Alloc(desc.Size, desc.Alignment())
		if err != nil {
			return nil, err
		}
		desc.Phys = phys
	}
	desc.Origin = desc.Phys
	desc.Virt = m.PhysToVirt(desc.Phys)

	sel, err := m.caps.Allocate(2, 2)
	if err != nil {
		m.releaseBacking(desc)
		return nil, err
	}
	if m.kernel != nil {
		// The selectors name the dataspace towards children; semaphores
		// give them an object to refer to.
		for _, s := range []hv.Sel{sel, sel + 1} {
			if err := m.kernel.CreateSm(s, 0); err != nil {
				m.kernel.Revoke(hv.ObjCrd(sel, 0), true)
				m.releaseBacking(desc)
				m.caps.Free(sel, 2)
				return nil, err
			}
		}
	}
	return &dataspace.DataSpace{Desc: desc, Sel: sel, UnmapSel: sel + 1}, nil
}

// Join implements dataspace.Backing.Join. Dataspaces that the root does not
// know do not exist.
func (m *Memory) Join(sel hv.Sel) (*dataspace.DataSpace, error) {
	return nil, nreerr.Newf(nreerr.NotFound, "Dataspace %d not found in root", sel)
}

// Destroy implements dataspace.Backing.Destroy.
func (m *Memory) Destroy(ds *dataspace.DataSpace) {
	if m.kernel != nil {
		hv.Revoke(m.kernel, hv.SpaceMem, m.PhysToVirt(ds.Origin)>>arch.PageShift, ds.Pages(), false)
		m.kernel.Revoke(hv.ObjCrd(ds.Sel, 0), true)
		m.kernel.Revoke(hv.ObjCrd(ds.UnmapSel, 0), true)
	}
	m.releaseBacking(ds.Desc)
	m.caps.Free(ds.Sel, 2)
}

func (m *Memory) releaseBacking(desc dataspace.Desc) {
	m.mu.Lock()
	module := m.isModule(desc.Phys, desc.Size)
	m.mu.Unlock()
	if module {
		return
	}
	if err := m.Release(desc.Phys, desc.Size); err != nil {
		log.Warningf("Releasing dataspace memory %v: %v", desc, err)
	}
}

// String implements fmt.Stringer.String.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("PhysicalMemory[size=%#x free=%#x %v]", len(m.arena), m.free.TotalCount(), m.free)
}
