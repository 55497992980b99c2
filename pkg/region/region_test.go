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

package region

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"nre.dev/nre/pkg/errors/nreerr"
)

// checkInvariants verifies that regions are sorted, disjoint, non-adjacent
// and that the cached total matches.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()
	var sum uint64
	rs := m.Regions()
	for i, r := range rs {
		if r.Size == 0 {
			t.Fatalf("empty region %v in %v", r, m)
		}
		if i > 0 && rs[i-1].End() >= r.Addr {
			t.Fatalf("regions %v and %v touch or overlap in %v", rs[i-1], r, m)
		}
		sum += r.Size
	}
	if sum != m.TotalCount() {
		t.Fatalf("TotalCount() got %#x want %#x", m.TotalCount(), sum)
	}
}

func TestAlloc(t *testing.T) {
	m := New()
	if err := m.Free(0x1000, 0x10000); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	addr, err := m.Alloc(0x1000, 0x1000)
	if err != nil || addr != 0x1000 {
		t.Fatalf("Alloc got (%#x, %v) want 0x1000", addr, err)
	}
	// The slack in front of an aligned allocation stays free.
	addr, err = m.Alloc(0x2000, 0x4000)
	if err != nil || addr != 0x4000 {
		t.Fatalf("Alloc got (%#x, %v) want 0x4000", addr, err)
	}
	want := []Region{{0x2000, 0x2000}, {0x6000, 0xb000}}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	checkInvariants(t, m)

	if _, err := m.Alloc(0x10000, 1); !errors.Is(err, nreerr.Capacity) {
		t.Errorf("oversized Alloc got %v want Capacity", err)
	}
	if _, err := m.Alloc(0x10, 3); !errors.Is(err, nreerr.ArgsInvalid) {
		t.Errorf("Alloc with bad alignment got %v want ArgsInvalid", err)
	}
}

func TestAllocConsumesRegion(t *testing.T) {
	m := New()
	m.Free(0, 4)
	m.Free(8, 4)
	for _, want := range []uint64{0, 8} {
		if got, err := m.Alloc(4, 1); err != nil || got != want {
			t.Fatalf("Alloc got (%d, %v) want %d", got, err, want)
		}
	}
	if m.Len() != 0 || m.TotalCount() != 0 {
		t.Errorf("manager not empty: %v", m)
	}
}

func TestAllocAt(t *testing.T) {
	for _, tc := range []struct {
		name         string
		start, count uint64
		freeRequired bool
		wantErr      error
		want         []Region
	}{
		{
			name:  "middle splits",
			start: 0x1400, count: 0x200,
			want: []Region{{0x1000, 0x400}, {0x1600, 0xa00}, {0x4000, 0x1000}},
		},
		{
			name:  "front",
			start: 0x1000, count: 0x1000,
			want: []Region{{0x4000, 0x1000}},
		},
		{
			name:  "spanning two regions",
			start: 0x1800, count: 0x3000,
			want: []Region{{0x1000, 0x800}, {0x4800, 0x800}},
		},
		{
			name:  "spanning two regions free required",
			start: 0x1800, count: 0x3000, freeRequired: true,
			wantErr: nreerr.Exists,
			want:    []Region{{0x1000, 0x1000}, {0x4000, 0x1000}},
		},
		{
			name:  "hole",
			start: 0x2000, count: 0x1000, freeRequired: true,
			wantErr: nreerr.Exists,
			want:    []Region{{0x1000, 0x1000}, {0x4000, 0x1000}},
		},
		{
			name:  "hole not required",
			start: 0x2000, count: 0x1000,
			want: []Region{{0x1000, 0x1000}, {0x4000, 0x1000}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := New()
			m.Free(0x1000, 0x1000)
			m.Free(0x4000, 0x1000)
			err := m.AllocAt(tc.start, tc.count, tc.freeRequired)
			if !errors.Is(err, tc.wantErr) && !(err == nil && tc.wantErr == nil) {
				t.Fatalf("AllocAt got err %v want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, m.Regions()); diff != "" {
				t.Errorf("regions mismatch (-want +got):\n%s", diff)
			}
			checkInvariants(t, m)
		})
	}
}

func TestFreeMerges(t *testing.T) {
	m := New()
	m.Free(0x0, 0x10)
	m.Free(0x20, 0x10)
	m.Free(0x40, 0x10)
	// Bridges the first two.
	if err := m.Free(0x10, 0x10); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	// Merges with the following region only.
	if err := m.Free(0x38, 0x8); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	want := []Region{{0x0, 0x30}, {0x38, 0x18}}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	checkInvariants(t, m)

	if err := m.Free(0x2c, 0x8); !errors.Is(err, nreerr.Exists) {
		t.Errorf("overlapping Free got %v want Exists", err)
	}
}

func TestEmptyAndWrappingRanges(t *testing.T) {
	m := New()
	if err := m.Free(0x1000, 0x1000); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	for _, free := range []bool{false, true} {
		if err := m.AllocAt(0x1800, 0, free); err != nil {
			t.Errorf("AllocAt(0x1800, 0, %t) got %v want nil", free, err)
		}
	}
	if err := m.Free(^uint64(0)-0xfff, 0x2000); !errors.Is(err, nreerr.ArgsInvalid) {
		t.Errorf("wrapping Free got %v want ArgsInvalid", err)
	}
	want := []Region{{0x1000, 0x1000}}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	checkInvariants(t, m)
}

func TestRandomAllocFree(t *testing.T) {
	const total = 1 << 20
	rng := rand.New(rand.NewSource(1))
	m := New()
	m.Free(0, total)

	type alloc struct{ addr, count uint64 }
	var live []alloc
	var outstanding uint64
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			a := live[j]
			live = append(live[:j], live[j+1:]...)
			if err := m.Free(a.addr, a.count); err != nil {
				t.Fatalf("Free(%#x, %#x) failed: %v", a.addr, a.count, err)
			}
			outstanding -= a.count
		} else {
			count := uint64(rng.Intn(0x3000) + 1)
			align := uint64(1) << uint(rng.Intn(13))
			addr, err := m.Alloc(count, align)
			if errors.Is(err, nreerr.Capacity) {
				continue
			}
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			if addr%align != 0 {
				t.Fatalf("Alloc(%#x, %#x) returned unaligned %#x", count, align, addr)
			}
			for _, a := range live {
				if addr < a.addr+a.count && a.addr < addr+count {
					t.Fatalf("Alloc returned %#x+%#x overlapping live %#x+%#x", addr, count, a.addr, a.count)
				}
			}
			live = append(live, alloc{addr, count})
			outstanding += count
		}
		if m.TotalCount() != total-outstanding {
			t.Fatalf("TotalCount() got %#x want %#x", m.TotalCount(), total-outstanding)
		}
		checkInvariants(t, m)
	}
}
