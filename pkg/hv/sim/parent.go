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

package sim

import (
	"sync"

	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/region"
)

// IOPorts is the number of I/O ports of the machine.
const IOPorts = 0x10000

type parentService struct {
	pts       hv.Sel
	available bitmap.Bitmap
}

// Parent is the layer below the root task in a simulation. It hands out
// GSIs and I/O ports, schedules threads and offers services that were
// registered with AddService.
type Parent struct {
	k *Kernel

	mu sync.Mutex

	// +checklocks:mu
	gsis bitmap.Bitmap

	// +checklocks:mu
	ports *region.Manager

	// +checklocks:mu
	services map[string]parentService

	// +checklocks:mu
	clientDied int
}

var _ hv.Parent = (*Parent)(nil)

// NewParent returns a parent for the root task running on k.
func NewParent(k *Kernel) *Parent {
	p := &Parent{
		k:        k,
		gsis:     bitmap.New(hv.MaxGSIs),
		ports:    region.New(),
		services: make(map[string]parentService),
	}
	p.ports.Free(0, IOPorts)
	return p
}

// AllocGSI implements hv.Parent.AllocGSI. A device with a PCI config space
// gets the first free GSI, like an MSI would.
func (p *Parent) AllocGSI(gsi uint32, pcicfg uint64, dst hv.Sel) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pcicfg != 0 {
		free, err := p.gsis.FirstZero(0)
		if err != nil {
			return 0, nreerr.Newf(nreerr.Capacity, "No free GSI for device %#x", pcicfg)
		}
		gsi = free
	}
	if gsi >= hv.MaxGSIs {
		return 0, nreerr.Newf(nreerr.ArgsInvalid, "Invalid GSI %d", gsi)
	}
	if p.gsis.Contains(gsi) {
		return 0, nreerr.Newf(nreerr.Exists, "GSI %d is in use", gsi)
	}
	if err := p.k.CreateSm(dst, 0); err != nil {
		return 0, err
	}
	p.gsis.Add(gsi)
	return gsi, nil
}

// ReleaseGSI implements hv.Parent.ReleaseGSI.
func (p *Parent) ReleaseGSI(gsi uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gsi >= hv.MaxGSIs || !p.gsis.Contains(gsi) {
		return nreerr.Newf(nreerr.NotFound, "GSI %d is not allocated", gsi)
	}
	p.gsis.Remove(gsi)
	return nil
}

// GSIAllocated returns whether gsi is allocated.
func (p *Parent) GSIAllocated(gsi uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gsis.Contains(gsi)
}

// AllocIO implements hv.Parent.AllocIO.
func (p *Parent) AllocIO(base, count uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports.AllocAt(base, count, true)
}

// ReleaseIO implements hv.Parent.ReleaseIO.
func (p *Parent) ReleaseIO(base, count uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports.Free(base, count)
}

// FreePorts returns the number of unallocated I/O ports.
func (p *Parent) FreePorts() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports.TotalCount()
}

// StartSC implements hv.Parent.StartSC.
func (p *Parent) StartSC(name string, cpu int, qpd hv.Qpd, ec, dst hv.Sel) (hv.Qpd, error) {
	if err := p.k.checkCPU(cpu); err != nil {
		return hv.Qpd{}, err
	}
	if qpd == (hv.Qpd{}) {
		qpd = hv.DefaultQpd
	}
	if err := p.k.CreateSc(dst, ec, name); err != nil {
		return hv.Qpd{}, err
	}
	return qpd, nil
}

// StopSC implements hv.Parent.StopSC.
func (p *Parent) StopSC(sc hv.Sel) error {
	if !p.k.Alive(sc) {
		return nreerr.Newf(nreerr.NotFound, "No Sc at %#x", sc)
	}
	p.k.Revoke(hv.ObjCrd(sc, 0), true)
	return nil
}

// AddService offers the service name, whose portal for CPU i is at pts+i
// in the root, to the children of the root task.
func (p *Parent) AddService(name string, pts hv.Sel, available bitmap.Bitmap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[name] = parentService{pts: pts, available: available.Clone()}
}

// GetService implements hv.Parent.GetService.
func (p *Parent) GetService(name string, dst hv.Sel, count uint64) (bitmap.Bitmap, error) {
	p.mu.Lock()
	s, ok := p.services[name]
	p.mu.Unlock()
	if !ok {
		return bitmap.Bitmap{}, nreerr.Newf(nreerr.NotFound, "Parent has no service '%s'", name)
	}
	for _, cpu := range s.available.ToSlice() {
		if uint64(cpu) >= count {
			break
		}
		if err := p.k.share(s.pts+hv.Sel(cpu), dst+hv.Sel(cpu)); err != nil {
			return bitmap.Bitmap{}, err
		}
	}
	return s.available.Clone(), nil
}

// ClientDied implements hv.Parent.ClientDied.
func (p *Parent) ClientDied() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientDied++
	log.Debugf("sim: client died notification #%d", p.clientDied)
	return nil
}

// ClientDeaths returns how often ClientDied was called.
func (p *Parent) ClientDeaths() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientDied
}

// share makes the root capability dst refer to the object at src.
func (k *Kernel) share(src, dst hv.Sel) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.root.caps[src]
	if !ok || e.obj.dead {
		return nreerr.Newf(nreerr.Cap, "No capability at %#x in root", src)
	}
	return k.install(k.root, dst, e.obj, e)
}
