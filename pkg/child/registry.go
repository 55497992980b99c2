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
	"fmt"
	"sort"
	"sync"

	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// Service is a registered service.
type Service struct {
	name string

	// owner is the child that registered the service, nil for services of
	// the root task and services obtained from the parent.
	owner *Child

	// pts are the service's per-CPU handler portals in the root.
	pts       hv.Sel
	available bitmap.Bitmap

	// caps is the number of selectors at pts the registry holds on behalf
	// of the service. It is zero when the provider keeps the portals.
	caps uint64

	// sm is signalled when clients die.
	sm hv.Sel
}

// Name returns the name of the service.
func (s *Service) Name() string {
	return s.name
}

// Owner returns the child providing the service, or nil.
func (s *Service) Owner() *Child {
	return s.owner
}

// Portals returns the first of the service's portals.
func (s *Service) Portals() hv.Sel {
	return s.pts
}

// Available returns the CPUs the service is available on.
func (s *Service) Available() bitmap.Bitmap {
	return s.available.Clone()
}

// String implements fmt.Stringer.String.
func (s *Service) String() string {
	owner := "root"
	if s.owner != nil {
		owner = s.owner.Name()
	}
	return fmt.Sprintf("%s[owner=%s pts=%#x cpus=%v]", s.name, owner, s.pts, s.available.ToSlice())
}

// Registry maps service names to services. It is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	services map[string]*Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Reg adds s.
func (r *Registry) Reg(s *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[s.name]; ok {
		return nreerr.Newf(nreerr.Exists, "Service '%s' does already exist", s.name)
	}
	r.services[s.name] = s
	return nil
}

// Unreg removes the service name registered by owner.
func (r *Registry) Unreg(owner *Child, name string) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return nil, nreerr.Newf(nreerr.NotFound, "Service '%s' does not exist", name)
	}
	if s.owner != owner {
		who := "root"
		if owner != nil {
			who = owner.Name()
		}
		return nil, nreerr.Newf(nreerr.NotFound, "Child '%s' does not own service '%s'", who, name)
	}
	delete(r.services, name)
	return s, nil
}

// Find returns the service name, or nil.
func (r *Registry) Find(name string) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[name]
}

// Remove removes and returns every service of owner.
func (r *Registry) Remove(owner *Child) []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*Service
	for name, s := range r.services {
		if s.owner == owner {
			removed = append(removed, s)
			delete(r.services, name)
		}
	}
	return removed
}

// All returns the services ordered by name.
func (r *Registry) All() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	return all
}
