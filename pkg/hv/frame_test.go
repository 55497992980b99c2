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

package hv

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"nre.dev/nre/pkg/errors/nreerr"
)

func TestFrameWords(t *testing.T) {
	f := NewFrame(8)
	if err := f.Put(1, 2); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := f.PutBool(true); err != nil {
		t.Fatalf("PutBool failed: %v", err)
	}
	for _, want := range []uint64{1, 2} {
		got, err := f.Get()
		if err != nil || got != want {
			t.Fatalf("Get got (%d, %v) want (%d, nil)", got, err, want)
		}
	}
	if b, err := f.GetBool(); err != nil || !b {
		t.Fatalf("GetBool got (%v, %v) want (true, nil)", b, err)
	}
	if _, err := f.Get(); !errors.Is(err, nreerr.UTCBUntyped) {
		t.Fatalf("Get past end got %v want %v", err, nreerr.UTCBUntyped)
	}
}

func TestFrameFull(t *testing.T) {
	f := NewFrame(4)
	if err := f.Put(1, 2, 3, 4); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := f.Put(5); !errors.Is(err, nreerr.UTCBUntyped) {
		t.Fatalf("Put on full frame got %v want %v", err, nreerr.UTCBUntyped)
	}
	if err := f.Translate(1); !errors.Is(err, nreerr.UTCBTyped) {
		t.Fatalf("Translate on full frame got %v want %v", err, nreerr.UTCBTyped)
	}
}

func TestFrameString(t *testing.T) {
	for _, s := range []string{"", "a", "serial", "exactly8", "a somewhat longer name"} {
		f := NewFrame(0)
		if err := f.PutString(s); err != nil {
			t.Fatalf("PutString(%q) failed: %v", s, err)
		}
		if err := f.Put(42); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := f.GetString()
		if err != nil || got != s {
			t.Errorf("GetString got (%q, %v) want (%q, nil)", got, err, s)
		}
		if w, _ := f.Get(); w != 42 {
			t.Errorf("word after string got %d want 42", w)
		}
	}
}

func TestFrameTruncatedString(t *testing.T) {
	f := NewFrame(0)
	f.Put(100, 0)
	if _, err := f.GetString(); !errors.Is(err, nreerr.UTCBUntyped) {
		t.Fatalf("GetString got %v want %v", err, nreerr.UTCBUntyped)
	}
}

func TestDelegateRange(t *testing.T) {
	f := NewFrame(0)
	if err := f.DelegateRange(SpaceMem, 0x101, 6, PermRW, 0x201); err != nil {
		t.Fatalf("DelegateRange failed: %v", err)
	}
	var got []Crd
	for _, it := range f.Typed() {
		got = append(got, it.Crd)
	}
	want := []Crd{
		MemCrd(0x101, 0, PermRW),
		MemCrd(0x102, 1, PermRW),
		MemCrd(0x104, 1, PermRW),
		MemCrd(0x106, 0, PermRW),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DelegateRange descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestDelegateRangeRollback(t *testing.T) {
	f := NewFrame(4)
	if err := f.DelegateSel(7, 7); err != nil {
		t.Fatalf("DelegateSel failed: %v", err)
	}
	// One typed item left: the range needs three.
	if err := f.DelegateRange(SpaceMem, 1, 5, PermR, 1); !errors.Is(err, nreerr.UTCBTyped) {
		t.Fatalf("DelegateRange got %v want %v", err, nreerr.UTCBTyped)
	}
	if got := len(f.Typed()); got != 1 {
		t.Fatalf("typed items after failed DelegateRange got %d want 1", got)
	}
}

func TestLimitTo(t *testing.T) {
	for _, tc := range []struct {
		base, hotspot, count uint64
		items                int
		want                 uint64
	}{
		{base: 0, hotspot: 0, count: 32, items: 1, want: 32},
		{base: 1, hotspot: 1, count: 32, items: 1, want: 1},
		{base: 1, hotspot: 1, count: 32, items: 3, want: 7},
		{base: 0, hotspot: 1, count: 8, items: 4, want: 4},
		{base: 0, hotspot: 0, count: 8, items: 0, want: 0},
	} {
		if got := LimitTo(tc.base, tc.hotspot, tc.count, tc.items); got != tc.want {
			t.Errorf("LimitTo(%#x, %#x, %d, %d) got %d want %d", tc.base, tc.hotspot, tc.count, tc.items, got, tc.want)
		}
	}
}

func TestTranslatedDelegated(t *testing.T) {
	f := NewFrame(0)
	f.Translate(10)
	f.DelegateSel(20, 0)
	f.Translate(11)
	if sel, err := f.Translated(1); err != nil || sel != 11 {
		t.Errorf("Translated(1) got (%d, %v) want (11, nil)", sel, err)
	}
	if sel, err := f.Delegated(0); err != nil || sel != 20 {
		t.Errorf("Delegated(0) got (%d, %v) want (20, nil)", sel, err)
	}
	if _, err := f.Delegated(1); !errors.Is(err, nreerr.UTCBTyped) {
		t.Errorf("Delegated(1) got %v want %v", err, nreerr.UTCBTyped)
	}
}

func TestReply(t *testing.T) {
	f := NewFrame(0)
	f.Put(1, 2, 3)
	f.FinishInput()
	f.DelegateSel(5, 5)
	f.Reply(nil, 9)
	if err := f.CheckReply(); err != nil {
		t.Fatalf("CheckReply got %v want nil", err)
	}
	if w, _ := f.Get(); w != 9 {
		t.Errorf("reply word got %d want 9", w)
	}
	if got := len(f.Typed()); got != 1 {
		t.Errorf("delegations after success got %d want 1", got)
	}

	f.FinishInput()
	f.DelegateSel(5, 5)
	f.Reply(nreerr.Newf(nreerr.NotFound, "no such thing"), 9)
	if err := f.CheckReply(); !errors.Is(err, nreerr.NotFound) {
		t.Fatalf("CheckReply got %v want %v", err, nreerr.NotFound)
	}
	if got := len(f.Typed()); got != 0 {
		t.Errorf("delegations after error got %d want 0", got)
	}
	if f.Untyped() != 1 {
		t.Errorf("error reply words got %d want 1", f.Untyped())
	}
}
