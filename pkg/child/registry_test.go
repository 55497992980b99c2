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

	"nre.dev/nre/pkg/errors/nreerr"
)

func TestRegistry(t *testing.T) {
	a := newChild(ID{Slot: 0, Gen: 1}, Config{Name: "a"})
	b := newChild(ID{Slot: 1, Gen: 1}, Config{Name: "b"})
	r := NewRegistry()

	for _, s := range []*Service{
		{name: "timer", owner: a, pts: 0x100},
		{name: "console", owner: a, pts: 0x200},
		{name: "log", owner: b, pts: 0x300},
		{name: "root", pts: 0x400},
	} {
		if err := r.Reg(s); err != nil {
			t.Fatalf("Reg(%s) failed: %v", s.name, err)
		}
	}
	if err := r.Reg(&Service{name: "log", owner: a}); !errors.Is(err, nreerr.Exists) {
		t.Errorf("duplicate Reg got %v want %v", err, nreerr.Exists)
	}
	if s := r.Find("log"); s == nil || s.Owner() != b || s.Portals() != 0x300 {
		t.Errorf("Find(log) got %v", s)
	}

	if _, err := r.Unreg(b, "timer"); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("Unreg by non-owner got %v want %v", err, nreerr.NotFound)
	}
	if _, err := r.Unreg(nil, "timer"); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("Unreg by root got %v want %v", err, nreerr.NotFound)
	}
	if _, err := r.Unreg(a, "missing"); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("Unreg of missing service got %v want %v", err, nreerr.NotFound)
	}
	if _, err := r.Unreg(nil, "root"); err != nil {
		t.Errorf("Unreg by root failed: %v", err)
	}

	removed := r.Remove(a)
	if len(removed) != 2 {
		t.Errorf("Remove got %d services want 2", len(removed))
	}
	var names []string
	for _, s := range r.All() {
		names = append(names, s.Name())
	}
	if diff := cmp.Diff([]string{"log"}, names); diff != "" {
		t.Errorf("All mismatch (-want +got):\n%s", diff)
	}
	if err := r.Reg(&Service{name: "timer", owner: b}); err != nil {
		t.Errorf("Reg after Remove failed: %v", err)
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"vga", "acpi", "keyboard", "disk"} {
		r.Reg(&Service{name: name})
	}
	var names []string
	for _, s := range r.All() {
		names = append(names, s.Name())
	}
	if diff := cmp.Diff([]string{"acpi", "disk", "keyboard", "vga"}, names); diff != "" {
		t.Errorf("All mismatch (-want +got):\n%s", diff)
	}
}
