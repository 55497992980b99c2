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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

func TestMemoryAdd(t *testing.T) {
	m := NewMemory()
	a, err := m.Add(dataspace.Desc{Size: 0x2000, Virt: 0x40000000}, 0x10000, RW|Own, 5)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if a.Origin(0x1000) != 0x40001000 {
		t.Errorf("Origin got %#x want %#x", a.Origin(0x1000), 0x40001000)
	}
	if a.Virt() != 0x10000 {
		t.Errorf("Virt got %#x want %#x", a.Virt(), 0x10000)
	}

	for _, tc := range []struct {
		name string
		addr uint64
		size uint64
		want error
	}{
		{name: "overlap start", addr: 0xf000, size: 0x2000, want: nreerr.Exists},
		{name: "overlap end", addr: 0x11000, size: 0x1000, want: nreerr.Exists},
		{name: "unaligned", addr: 0x20010, size: 0x1000, want: nreerr.ArgsInvalid},
		{name: "empty", addr: 0x20000, size: 0, want: nreerr.ArgsInvalid},
		{name: "kernel", addr: arch.KernelStart - 0x1000, size: 0x2000, want: nreerr.ArgsInvalid},
		{name: "adjacent", addr: 0x12000, size: 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Add(dataspace.Desc{Size: tc.size}, tc.addr, R, 0)
			if tc.want == nil && err != nil {
				t.Fatalf("Add got error %v want nil", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Add got error %v want %v", err, tc.want)
			}
		})
	}
	if got := m.Len(); got != 2 {
		t.Errorf("Len got %d want 2", got)
	}
}

func TestMemoryFind(t *testing.T) {
	m := NewMemory()
	for i, addr := range []uint64{0x3000, 0x1000, 0x8000} {
		if _, err := m.Add(dataspace.Desc{Size: 0x1000}, addr, R, hv.Sel(i+1)); err != nil {
			t.Fatalf("Add(%#x) failed: %v", addr, err)
		}
	}
	for _, tc := range []struct {
		addr uint64
		want hv.Sel
	}{
		{0x0, 0},
		{0x1000, 2},
		{0x1fff, 2},
		{0x2000, 0},
		{0x3800, 1},
		{0x8fff, 3},
		{0x9000, 0},
	} {
		var got hv.Sel
		if ds := m.FindByAddr(tc.addr); ds != nil {
			got = ds.Sel()
		}
		if got != tc.want {
			t.Errorf("FindByAddr(%#x) got sel %d want %d", tc.addr, got, tc.want)
		}
	}
	if ds := m.Find(3); ds == nil || ds.Virt() != 0x8000 {
		t.Errorf("Find(3) got %v want the region at 0x8000", ds)
	}
	if ds := m.Find(7); ds != nil {
		t.Errorf("Find(7) got %v want nil", ds)
	}

	var order []uint64
	m.Each(func(ds *DS) { order = append(order, ds.Virt()) })
	if diff := cmp.Diff([]uint64{0x1000, 0x3000, 0x8000}, order); diff != "" {
		t.Errorf("Each order mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryFindFree(t *testing.T) {
	m := NewMemory()
	addr, err := m.FindFree(0x1000, 0)
	if err != nil {
		t.Fatalf("FindFree failed: %v", err)
	}
	if addr != arch.PageSize {
		t.Errorf("FindFree on empty memory got %#x want %#x", addr, arch.PageSize)
	}
	if _, err := m.Add(dataspace.Desc{Size: 0x1800}, 0x400000, R, 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	// One guard page above the end.
	if addr, _ := m.FindFree(0x1000, 0); addr != 0x403000 {
		t.Errorf("FindFree got %#x want %#x", addr, 0x403000)
	}
	if addr, _ := m.FindFree(0x1000, 0x10000); addr != 0x410000 {
		t.Errorf("aligned FindFree got %#x want %#x", addr, 0x410000)
	}
	if _, err := m.FindFree(arch.KernelStart, 0); !errors.Is(err, nreerr.Capacity) {
		t.Errorf("FindFree of the whole address space got %v want %v", err, nreerr.Capacity)
	}
}

func TestMemoryRemove(t *testing.T) {
	m := NewMemory()
	m.Add(dataspace.Desc{Size: 0x1000}, 0x1000, R, 1)
	m.Add(dataspace.Desc{Size: 0x1000}, 0x3000, R, 2)

	if _, err := m.Remove(1); err != nil {
		t.Fatalf("Remove(1) failed: %v", err)
	}
	if _, err := m.Remove(1); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("second Remove(1) got %v want %v", err, nreerr.NotFound)
	}
	if _, err := m.RemoveByAddr(0x2000); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("RemoveByAddr(0x2000) got %v want %v", err, nreerr.NotFound)
	}
	ds, err := m.RemoveByAddr(0x3fff)
	if err != nil {
		t.Fatalf("RemoveByAddr failed: %v", err)
	}
	if ds.Sel() != 2 {
		t.Errorf("RemoveByAddr removed sel %d want 2", ds.Sel())
	}
	if m.Len() != 0 {
		t.Errorf("Len got %d want 0", m.Len())
	}
}

func TestMemUsage(t *testing.T) {
	m := NewMemory()
	m.Add(dataspace.Desc{Size: 0x3000, Type: dataspace.Anonymous}, 0x1000, RW|Own, 1)
	m.Add(dataspace.Desc{Size: 0x1000, Type: dataspace.Anonymous}, 0x8000, R, 2)
	m.Add(dataspace.Desc{Size: 0x2000, Type: dataspace.Virtual}, 0x10000, Own, 0)
	virt, phys := m.MemUsage()
	if virt != 0x6000 || phys != 0x3000 {
		t.Errorf("MemUsage got (%#x, %#x) want (0x6000, 0x3000)", virt, phys)
	}
}

func TestPagePerms(t *testing.T) {
	m := NewMemory()
	ds, err := m.Add(dataspace.Desc{Size: 40 * arch.PageSize}, 0x100000, RWX, 1)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if n := ds.MapPages(14, 4, RX); n != 4 {
		t.Errorf("MapPages got %d want 4", n)
	}
	if n := ds.MapPages(38, 10, RW); n != 2 {
		t.Errorf("MapPages at the end got %d want 2", n)
	}
	want := map[uint64]Flags{13: 0, 14: RX, 15: RX, 16: RX, 17: RX, 18: 0, 38: RW, 39: RW}
	for page, f := range want {
		if got := ds.PagePerms(page); got != f {
			t.Errorf("PagePerms(%d) got %v want %v", page, got, f)
		}
	}
	ds.AllPerms(0)
	for page := uint64(0); page < 40; page++ {
		if got := ds.PagePerms(page); got != 0 {
			t.Fatalf("PagePerms(%d) after AllPerms(0) got %v want none", page, got)
		}
	}
}

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		f    Flags
		want string
	}{
		{R, "r---"},
		{RW | Own, "rw-o"},
		{RWX, "rwx-"},
	} {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() got %q want %q", uint8(tc.f), got, tc.want)
		}
	}
}

func TestMemoryAddCovering(t *testing.T) {
	m := NewMemory()
	m.Add(dataspace.Desc{Size: 0x1000}, 0x5000, R, 1)
	if _, err := m.Add(dataspace.Desc{Size: 0x10000}, 0x1000, R, 2); !errors.Is(err, nreerr.Exists) {
		t.Errorf("Add around an existing region got %v want %v", err, nreerr.Exists)
	}
}
