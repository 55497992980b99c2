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

package physmem

import (
	"bytes"
	"errors"
	"testing"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
)

func newMemory(t *testing.T, size uint64) *Memory {
	t.Helper()
	m, err := New(Config{Size: size, Caps: caps.NewSpace(0x1000, 0x1000)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return m
}

func TestCreateDestroy(t *testing.T) {
	m := newMemory(t, 16*arch.PageSize)
	ds, err := m.Create(dataspace.Desc{Size: 0x1800, Type: dataspace.Anonymous, Flags: dataspace.RW})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ds.Size != 2*arch.PageSize {
		t.Errorf("Size got %#x want %#x", ds.Size, 2*arch.PageSize)
	}
	if ds.Origin != ds.Phys || ds.Virt != m.PhysToVirt(ds.Phys) {
		t.Errorf("got %v, want origin == phys and virt == PhysToVirt(phys)", ds)
	}
	if ds.UnmapSel != ds.Sel+1 {
		t.Errorf("selectors got %#x/%#x want consecutive", ds.Sel, ds.UnmapSel)
	}
	if got, want := m.Free(), uint64(14*arch.PageSize); got != want {
		t.Errorf("Free got %#x want %#x", got, want)
	}

	b, err := m.Bytes(ds.Virt, ds.Size)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	copy(b, "dirty")

	m.Destroy(ds)
	if got, want := m.Free(), uint64(16*arch.PageSize); got != want {
		t.Errorf("Free after Destroy got %#x want %#x", got, want)
	}
	if !bytes.Equal(b[:5], make([]byte, 5)) {
		t.Errorf("memory not zeroed after Destroy: %q", b[:5])
	}
}

func TestCreateAligned(t *testing.T) {
	m := newMemory(t, 64*arch.PageSize)
	if _, err := m.Create(dataspace.Desc{Size: arch.PageSize}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ds, err := m.Create(dataspace.Desc{Size: arch.PageSize, Align: 4})
	if err != nil {
		t.Fatalf("aligned Create failed: %v", err)
	}
	if ds.Phys%(16*arch.PageSize) != 0 {
		t.Errorf("Phys %#x is not aligned to 16 pages", ds.Phys)
	}
}

func TestCreateErrors(t *testing.T) {
	m := newMemory(t, 4*arch.PageSize)
	for _, tc := range []struct {
		name string
		desc dataspace.Desc
		want error
	}{
		{name: "empty", desc: dataspace.Desc{}, want: nreerr.ArgsInvalid},
		{name: "virtual", desc: dataspace.Desc{Size: 1, Type: dataspace.Virtual}, want: nreerr.ArgsInvalid},
		{name: "too big", desc: dataspace.Desc{Size: 8 * arch.PageSize}, want: nreerr.Capacity},
		{name: "device", desc: dataspace.Desc{Size: 1, Phys: 0xfee00000}, want: nreerr.ArgsInvalid},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Create(tc.desc); !errors.Is(err, tc.want) {
				t.Errorf("Create got %v want %v", err, tc.want)
			}
		})
	}
	if got, want := m.Free(), uint64(4*arch.PageSize); got != want {
		t.Errorf("Free got %#x want %#x", got, want)
	}
}

func TestModule(t *testing.T) {
	m := newMemory(t, 8*arch.PageSize)
	phys, err := m.AddModule([]byte("module contents"))
	if err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	ds, err := m.Create(dataspace.Desc{Size: 15, Phys: phys, Flags: dataspace.RWX})
	if err != nil {
		t.Fatalf("Create on module failed: %v", err)
	}
	if ds.Flags != dataspace.R {
		t.Errorf("module flags got %v want %v", ds.Flags, dataspace.R)
	}
	b, _ := m.Bytes(ds.Virt, 15)
	if string(b) != "module contents" {
		t.Errorf("module bytes got %q", b)
	}
	free := m.Free()
	m.Destroy(ds)
	if m.Free() != free {
		t.Errorf("destroying a module dataspace freed memory")
	}
}

func TestJoin(t *testing.T) {
	m := newMemory(t, arch.PageSize)
	if _, err := m.Join(3); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("Join got %v want %v", err, nreerr.NotFound)
	}
}

func TestPresent(t *testing.T) {
	m := newMemory(t, 4*arch.PageSize)
	virt := m.PhysToVirt(DefaultPhysBase)
	if !m.Present(virt) {
		t.Fatalf("page %#x not present", virt)
	}
	m.Unmap(virt, 2)
	if m.Present(virt+arch.PageSize) || !m.Present(virt+2*arch.PageSize) {
		t.Errorf("Unmap removed the wrong pages")
	}
	if err := m.Touch(virt + arch.PageSize + 8); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !m.Present(virt + arch.PageSize) {
		t.Errorf("page not present after Touch")
	}
	if m.Present(virt + 4*arch.PageSize) {
		t.Errorf("page outside memory is present")
	}
}

func TestBytesBounds(t *testing.T) {
	m := newMemory(t, arch.PageSize)
	virt := m.PhysToVirt(DefaultPhysBase)
	if _, err := m.Bytes(virt+arch.PageSize-4, 8); !errors.Is(err, nreerr.ArgsInvalid) {
		t.Errorf("Bytes past end got %v want %v", err, nreerr.ArgsInvalid)
	}
	if _, err := m.Bytes(virt-1, 1); !errors.Is(err, nreerr.ArgsInvalid) {
		t.Errorf("Bytes before start got %v want %v", err, nreerr.ArgsInvalid)
	}
}
