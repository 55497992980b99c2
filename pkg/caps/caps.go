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

// Package caps manages the capability selector space of the root task.
package caps

import (
	"errors"
	"sync"

	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/region"
)

// Space hands out ranges of capability selectors. It is safe for concurrent
// use.
type Space struct {
	mu   sync.Mutex
	free *region.Manager
}

// NewSpace returns a Space managing the selectors [first, first+count).
func NewSpace(first, count hv.Sel) *Space {
	s := &Space{free: region.New()}
	s.free.Free(uint64(first), uint64(count))
	return s
}

// Allocate returns the first of count consecutive selectors, aligned to
// align.
func (s *Space) Allocate(count, align uint64) (hv.Sel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.free.Alloc(count, align)
	if errors.Is(err, nreerr.Capacity) {
		return 0, nreerr.Newf(nreerr.NoCapSels, "No free capability selectors for %d caps", count)
	}
	return hv.Sel(sel), err
}

// Free returns count selectors starting at sel.
func (s *Space) Free(sel hv.Sel, count uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.free.Free(uint64(sel), count); err != nil {
		panic(err.Error())
	}
}

// Available returns the number of free selectors.
func (s *Space) Available() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.TotalCount()
}
