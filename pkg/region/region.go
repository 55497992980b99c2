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

// Package region implements an allocator over a set of disjoint address
// ranges.
//
// The same allocator tracks free physical memory in the root task, the IO
// ports a child owns and the capability selector space. Units are opaque:
// bytes, ports or selectors.
package region

import (
	"fmt"
	"strings"

	"github.com/google/btree"
	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
)

// Region is the range [Addr, Addr+Size).
type Region struct {
	Addr uint64
	Size uint64
}

// End returns the first unit past the region.
func (r Region) End() uint64 {
	return r.Addr + r.Size
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("%#x..%#x", r.Addr, r.End())
}

func regionLess(a, b Region) bool {
	return a.Addr < b.Addr
}

// Manager tracks free regions. Regions are pairwise disjoint and never
// adjacent: Free merges a range with its neighbours.
//
// Manager is not safe for concurrent use; owners serialize access.
type Manager struct {
	regions *btree.BTreeG[Region]

	// total is the sum of all region sizes.
	total uint64
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		regions: btree.NewG(8, regionLess),
	}
}

// TotalCount returns the number of free units.
func (m *Manager) TotalCount() uint64 {
	return m.total
}

// Len returns the number of regions.
func (m *Manager) Len() int {
	return m.regions.Len()
}

// Regions returns the regions in ascending order.
func (m *Manager) Regions() []Region {
	rs := make([]Region, 0, m.regions.Len())
	m.regions.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

func (m *Manager) insert(r Region) {
	if r.Size == 0 {
		return
	}
	m.regions.ReplaceOrInsert(r)
	m.total += r.Size
}

func (m *Manager) remove(r Region) {
	if _, ok := m.regions.Delete(r); ok {
		m.total -= r.Size
	}
}

// Alloc allocates count units aligned to align from the first region that
// can hold them, in address order. The alignment slack in front of the
// allocation stays free.
func (m *Manager) Alloc(count, align uint64) (uint64, error) {
	if count == 0 {
		return 0, nreerr.Newf(nreerr.ArgsInvalid, "Unable to allocate zero units")
	}
	if align > 1 && !arch.IsPowerOfTwo(align) {
		return 0, nreerr.Newf(nreerr.ArgsInvalid, "Alignment %#x is not a power of two", align)
	}
	var (
		found Region
		start uint64
		ok    bool
	)
	m.regions.Ascend(func(r Region) bool {
		s := arch.RoundUp(r.Addr, align)
		if s < r.Addr || s >= r.End() || r.End()-s < count {
			return true
		}
		found, start, ok = r, s, true
		return false
	})
	if !ok {
		return 0, nreerr.Newf(nreerr.Capacity, "Unable to allocate %#x units aligned to %#x", count, align)
	}
	m.remove(found)
	m.insert(Region{Addr: found.Addr, Size: start - found.Addr})
	m.insert(Region{Addr: start + count, Size: found.End() - start - count})
	return start, nil
}

// containing returns the region that contains addr.
func (m *Manager) containing(addr uint64) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	m.regions.DescendLessOrEqual(Region{Addr: addr}, func(r Region) bool {
		found, ok = r, addr < r.End()
		return false
	})
	return found, ok
}

// AllocAt removes [start, start+count) from the free regions, splitting
// regions that overlap it partially. If freeRequired is set, the whole range
// must be inside a single free region; otherwise nothing is changed and an
// Exists error is returned.
func (m *Manager) AllocAt(start, count uint64, freeRequired bool) error {
	if count == 0 {
		return nil
	}
	end := start + count
	if end < start {
		return nreerr.Newf(nreerr.ArgsInvalid, "Range %#x+%#x overflows", start, count)
	}
	if freeRequired {
		r, ok := m.containing(start)
		if !ok || end > r.End() {
			return nreerr.Newf(nreerr.Exists, "Region %#x..%#x is not free", start, end)
		}
	}

	var overlap []Region
	if r, ok := m.containing(start); ok {
		overlap = append(overlap, r)
	}
	m.regions.AscendRange(Region{Addr: start + 1}, Region{Addr: end}, func(r Region) bool {
		overlap = append(overlap, r)
		return true
	})
	for _, r := range overlap {
		m.remove(r)
		if r.Addr < start {
			m.insert(Region{Addr: r.Addr, Size: start - r.Addr})
		}
		if r.End() > end {
			m.insert(Region{Addr: end, Size: r.End() - end})
		}
	}
	return nil
}

// Free returns [start, start+count) to the manager, merging it with the
// regions immediately before and after it. Freeing a range that overlaps a
// free region is an error.
func (m *Manager) Free(start, count uint64) error {
	if count == 0 {
		return nil
	}
	end := start + count
	if end < start {
		return nreerr.Newf(nreerr.ArgsInvalid, "Range %#x+%#x overflows", start, count)
	}
	var (
		prev, next       Region
		hasPrev, hasNext bool
	)
	m.regions.DescendLessOrEqual(Region{Addr: start}, func(r Region) bool {
		prev, hasPrev = r, true
		return false
	})
	m.regions.AscendGreaterOrEqual(Region{Addr: start}, func(r Region) bool {
		next, hasNext = r, true
		return false
	})
	if hasPrev && prev.End() > start || hasNext && next.Addr < end {
		return nreerr.Newf(nreerr.Exists, "Region %#x..%#x is already free", start, end)
	}

	merged := Region{Addr: start, Size: count}
	if hasPrev && prev.End() == start {
		m.remove(prev)
		merged.Addr = prev.Addr
		merged.Size += prev.Size
	}
	if hasNext && next.Addr == end {
		m.remove(next)
		merged.Size += next.Size
	}
	m.insert(merged)
	return nil
}

// String implements fmt.Stringer.String.
func (m *Manager) String() string {
	var b strings.Builder
	b.WriteString("Regions[")
	for i, r := range m.Regions() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteString("]")
	return b.String()
}
