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

package caps

import (
	"errors"
	"testing"

	"nre.dev/nre/pkg/errors/nreerr"
)

func TestSpace(t *testing.T) {
	s := NewSpace(0x100, 0x100)
	a, err := s.Allocate(0x40, 0x40)
	if err != nil || a != 0x100 {
		t.Fatalf("Allocate got (%#x, %v) want 0x100", a, err)
	}
	b, err := s.Allocate(2, 2)
	if err != nil || b != 0x140 {
		t.Fatalf("Allocate got (%#x, %v) want 0x140", b, err)
	}
	if _, err := s.Allocate(0x100, 1); !errors.Is(err, nreerr.NoCapSels) {
		t.Errorf("Allocate got %v want NoCapSels", err)
	}
	s.Free(a, 0x40)
	s.Free(b, 2)
	if got := s.Available(); got != 0x100 {
		t.Errorf("Available() got %#x want 0x100", got)
	}
}
