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

package dataspace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// MaxSlots is the maximum number of dataspaces a Manager tracks.
const MaxSlots = 512

// Backing provides the memory behind the dataspaces of a Manager.
type Backing interface {
	// Create allocates memory for desc. The returned dataspace carries the
	// adjusted descriptor and fresh selectors.
	Create(desc Desc) (*DataSpace, error)

	// Join attaches to a dataspace the Manager does not know yet.
	Join(sel hv.Sel) (*DataSpace, error)

	// Destroy releases the memory and selectors of ds.
	Destroy(ds *DataSpace)
}

type slot struct {
	idx  int
	ds   *DataSpace
	refs uint
}

func slotLess(a, b *slot) bool {
	return a.ds.UnmapSel < b.ds.UnmapSel
}

// Manager reference counts dataspaces. Dataspaces are found by map selector
// on Join and by unmap selector everywhere else.
//
// Manager is safe for concurrent use.
type Manager struct {
	backing Backing

	mu sync.Mutex

	// +checklocks:mu
	slots [MaxSlots]slot

	// free holds the indexes of unused slots.
	//
	// +checklocks:mu
	free []int

	// byUnmap indexes the used slots by unmap selector.
	//
	// +checklocks:mu
	byUnmap *btree.BTreeG[*slot]
}

// NewManager returns a Manager whose dataspaces are backed by b.
func NewManager(b Backing) *Manager {
	m := &Manager{
		backing: b,
		free:    make([]int, 0, MaxSlots),
		byUnmap: btree.NewG(8, slotLess),
	}
	for i := MaxSlots - 1; i >= 0; i-- {
		m.slots[i].idx = i
		m.free = append(m.free, i)
	}
	return m
}

// +checklocks:m.mu
func (m *Manager) allocSlot() (*slot, error) {
	if len(m.free) == 0 {
		return nil, nreerr.Newf(nreerr.Capacity, "No free dataspace slots")
	}
	i := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return &m.slots[i], nil
}

// +checklocks:m.mu
func (m *Manager) freeSlot(s *slot) {
	if s.ds != nil {
		m.byUnmap.Delete(s)
	}
	s.ds = nil
	s.refs = 0
	m.free = append(m.free, s.idx)
}

// +checklocks:m.mu
func (m *Manager) find(sel hv.Sel) *slot {
	for i := range m.slots {
		if s := &m.slots[i]; s.ds != nil && s.ds.Sel == sel {
			return s
		}
	}
	return nil
}

// +checklocks:m.mu
func (m *Manager) findUnmap(sel hv.Sel) *slot {
	s, ok := m.byUnmap.Get(&slot{ds: &DataSpace{UnmapSel: sel}})
	if !ok {
		return nil
	}
	return s
}

// Create creates a dataspace described by desc with one reference.
func (m *Manager) Create(desc Desc) (DataSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.allocSlot()
	if err != nil {
		return DataSpace{}, err
	}
	ds, err := m.backing.Create(desc)
	if err != nil {
		m.freeSlot(s)
		return DataSpace{}, err
	}
	s.ds = ds
	s.refs = 1
	m.byUnmap.ReplaceOrInsert(s)
	return *ds, nil
}

// Join adds a reference to the dataspace with map selector sel. Unknown
// selectors are passed to the backing.
func (m *Manager) Join(sel hv.Sel) (DataSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.find(sel); s != nil {
		s.refs++
		return *s.ds, nil
	}
	s, err := m.allocSlot()
	if err != nil {
		return DataSpace{}, err
	}
	ds, err := m.backing.Join(sel)
	if err != nil {
		m.freeSlot(s)
		return DataSpace{}, err
	}
	s.ds = ds
	s.refs = 1
	m.byUnmap.ReplaceOrInsert(s)
	return *ds, nil
}

// Release drops a reference to the dataspace with unmap selector sel. When
// it was the last one, the dataspace is destroyed and Release returns its
// final descriptor and true. The caller must not touch the memory after
// that.
func (m *Manager) Release(sel hv.Sel) (Desc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findUnmap(sel)
	if s == nil {
		return Desc{}, false, nreerr.Newf(nreerr.NotFound, "DataSpace %d does not exist", sel)
	}
	s.refs--
	if s.refs > 0 {
		return Desc{}, false, nil
	}
	ds := s.ds
	m.freeSlot(s)
	m.backing.Destroy(ds)
	return ds.Desc, true, nil
}

// Swap exchanges the backing memory of the dataspaces with unmap selectors a
// and b, which must have the same size. Releasing either one afterwards
// releases the memory it holds now.
func (m *Manager) Swap(a, b hv.Sel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s1, s2 := m.findUnmap(a), m.findUnmap(b)
	if s1 == nil || s2 == nil {
		missing := a
		if s1 != nil {
			missing = b
		}
		return nreerr.Newf(nreerr.NotFound, "DataSpace %d does not exist", missing)
	}
	d1, d2 := &s1.ds.Desc, &s2.ds.Desc
	if d1.Size != d2.Size {
		return nreerr.Newf(nreerr.ArgsInvalid, "Unable to switch dataspaces of size %#x and %#x", d1.Size, d2.Size)
	}
	d1.Phys, d2.Phys = d2.Phys, d1.Phys
	d1.Virt, d2.Virt = d2.Virt, d1.Virt
	d1.Origin, d2.Origin = d2.Origin, d1.Origin
	return nil
}

// Get returns the dataspace with unmap selector sel.
func (m *Manager) Get(sel hv.Sel) (DataSpace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findUnmap(sel); s != nil {
		return *s.ds, true
	}
	return DataSpace{}, false
}

// Refs returns the reference count of the dataspace with unmap selector
// sel, or zero if there is none.
func (m *Manager) Refs(sel hv.Sel) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findUnmap(sel); s != nil {
		return s.refs
	}
	return 0
}

// Count returns the number of dataspaces.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUnmap.Len()
}

// String implements fmt.Stringer.String.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	b.WriteString("DataSpaces:\n")
	for i := range m.slots {
		if s := &m.slots[i]; s.ds != nil {
			fmt.Fprintf(&b, "\tSlot %d: %v (%d refs)\n", i, s.ds, s.refs)
		}
	}
	return b.String()
}
