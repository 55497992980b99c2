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

// Package sim is an in-process kernel. It keeps capability spaces, page
// tables and threads as plain data and runs portal calls synchronously on
// the calling goroutine, which is enough to boot children and drive them
// through the portals of the root task.
//
// Children do not execute code. A test or the boot command acts on behalf
// of a child thread through the Thread methods: it starts the thread,
// touches memory, calls portals and exits.
package sim

import (
	"context"
	"fmt"
	"sync"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
)

// ErrKilled is returned when the kernel killed the thread that was acting.
var ErrKilled = nreerr.Newf(nreerr.Abort, "Thread has been killed")

// RootMemory tells whether pages of the root are mapped. Memory
// delegations refer to the root's pages by their root address.
type RootMemory interface {
	Present(virt uint64) bool
}

type kind int

const (
	kindLocalEc kind = iota
	kindPortal
	kindPd
	kindThread
	kindSc
	kindSm
)

var kindNames = [...]string{"LocalEc", "Pt", "Pd", "GlobalEc", "Sc", "Sm"}

func (k kind) String() string {
	return kindNames[k]
}

// object is a kernel object.
type object struct {
	kind kind
	name string

	// owner is the domain that created the object, nil for the root.
	owner *pd
	dead  bool

	ec     *localEc
	pt     *portal
	pd     *pd
	thread *Thread
	sm     *semaphore
}

// capEntry is a capability in some space. Capabilities obtained by
// delegation point to the one they were derived from.
type capEntry struct {
	obj    *object
	sp     *space
	sel    hv.Sel
	parent *capEntry
}

func (e *capEntry) derivedFrom(a *capEntry) bool {
	for p := e.parent; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

type mapping struct {
	// root is the root page backing the page.
	root uint64
	perm hv.Perm
}

// space is the capability space and page table of a domain.
type space struct {
	name  string
	caps  map[hv.Sel]*capEntry
	pages map[uint64]mapping
}

func newSpace(name string) *space {
	return &space{
		name:  name,
		caps:  make(map[hv.Sel]*capEntry),
		pages: make(map[uint64]mapping),
	}
}

type localEc struct {
	cpu int

	// mu serializes the portal calls served by the thread.
	mu sync.Mutex

	// window is where capabilities delegated to the thread land. It
	// persists between calls.
	window hv.Crd
}

type portal struct {
	ec *localEc
	id uint64
	fn hv.Portal
}

type pd struct {
	obj     *object
	sp      *space
	threads []*Thread
	owned   []*object
}

type semaphore struct {
	mu    sync.Mutex
	count uint64
	wake  chan struct{}
}

func newSemaphore(count uint64) *semaphore {
	return &semaphore{count: count, wake: make(chan struct{})}
}

func (s *semaphore) up() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *semaphore) down(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.count > 0 {
			s.count--
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Kernel is a simulated kernel. It implements hv.Kernel for the root task.
type Kernel struct {
	cpus int
	mem  RootMemory

	mu sync.Mutex

	// +checklocks:mu
	root *space

	// +checklocks:mu
	pds map[*pd]struct{}
}

var _ hv.Kernel = (*Kernel)(nil)

// New returns a kernel with cpus CPUs. mem decides which root pages are
// present; nil means all of them.
func New(cpus int, mem RootMemory) *Kernel {
	if cpus <= 0 || cpus > hv.MaxCPUs {
		panic(fmt.Sprintf("invalid CPU count %d", cpus))
	}
	return &Kernel{
		cpus: cpus,
		mem:  mem,
		root: newSpace("root"),
		pds:  make(map[*pd]struct{}),
	}
}

// CPUs implements hv.Kernel.CPUs.
func (k *Kernel) CPUs() int {
	return k.cpus
}

// +checklocks:k.mu
func (k *Kernel) install(sp *space, sel hv.Sel, obj *object, parent *capEntry) error {
	if _, ok := sp.caps[sel]; ok {
		return nreerr.Newf(nreerr.Exists, "Selector %#x in %s is in use", sel, sp.name)
	}
	sp.caps[sel] = &capEntry{obj: obj, sp: sp, sel: sel, parent: parent}
	return nil
}

// +checklocks:k.mu
func (k *Kernel) lookupKind(sp *space, sel hv.Sel, want kind) (*object, error) {
	e, ok := sp.caps[sel]
	if !ok || e.obj.dead {
		return nil, nreerr.Newf(nreerr.Cap, "No capability at %#x in %s", sel, sp.name)
	}
	if e.obj.kind != want {
		return nil, nreerr.Newf(nreerr.Cap, "Capability %#x in %s is a %v, not a %v", sel, sp.name, e.obj.kind, want)
	}
	return e.obj, nil
}

func (k *Kernel) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= k.cpus {
		return nreerr.Newf(nreerr.CPU, "Invalid CPU %d", cpu)
	}
	return nil
}

// CreateLocalEc implements hv.Kernel.CreateLocalEc.
func (k *Kernel) CreateLocalEc(sel hv.Sel, cpu int) error {
	if err := k.checkCPU(cpu); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.install(k.root, sel, &object{kind: kindLocalEc, ec: &localEc{cpu: cpu}}, nil)
}

// SetReceiveWindow implements hv.Kernel.SetReceiveWindow.
func (k *Kernel) SetReceiveWindow(ec hv.Sel, crd hv.Crd) error {
	k.mu.Lock()
	o, err := k.lookupKind(k.root, ec, kindLocalEc)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	o.ec.mu.Lock()
	defer o.ec.mu.Unlock()
	o.ec.window = crd
	return nil
}

// CreatePt implements hv.Kernel.CreatePt.
func (k *Kernel) CreatePt(sel, ec hv.Sel, id uint64, fn hv.Portal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	eco, err := k.lookupKind(k.root, ec, kindLocalEc)
	if err != nil {
		return err
	}
	return k.install(k.root, sel, &object{kind: kindPortal, pt: &portal{ec: eco.ec, id: id, fn: fn}}, nil)
}

// CreatePd implements hv.Kernel.CreatePd. The capabilities in caps are
// delegated to the new domain starting at selector 0.
func (k *Kernel) CreatePd(sel hv.Sel, name string, caps hv.Crd) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &pd{sp: newSpace(name)}
	p.obj = &object{kind: kindPd, name: name, pd: p}
	if err := k.install(k.root, sel, p.obj, nil); err != nil {
		return err
	}
	for i := uint64(0); i < caps.Count(); i++ {
		if e, ok := k.root.caps[hv.Sel(caps.Base+i)]; ok {
			k.install(p.sp, hv.Sel(i), e.obj, e)
		}
	}
	k.pds[p] = struct{}{}
	return nil
}

// CreateGlobalEc implements hv.Kernel.CreateGlobalEc.
func (k *Kernel) CreateGlobalEc(sel, pdSel hv.Sel, cpu int, utcb, rsp uint64, evbase hv.Sel) error {
	if err := k.checkCPU(cpu); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	po, err := k.lookupKind(k.root, pdSel, kindPd)
	if err != nil {
		return err
	}
	t := &Thread{k: k, pd: po.pd, cpu: cpu, utcb: utcb, rsp: rsp, evbase: evbase}
	t.regs.RSP = rsp
	t.obj = &object{kind: kindThread, thread: t}
	if err := k.install(k.root, sel, t.obj, nil); err != nil {
		return err
	}
	po.pd.threads = append(po.pd.threads, t)
	return nil
}

// CreateSc implements hv.Kernel.CreateSc.
func (k *Kernel) CreateSc(sel, ec hv.Sel, name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.createSc(k.root, sel, ec, name)
}

// +checklocks:k.mu
func (k *Kernel) createSc(sp *space, sel, ec hv.Sel, name string) error {
	to, err := k.lookupKind(sp, ec, kindThread)
	if err != nil {
		return err
	}
	if err := k.install(k.root, sel, &object{kind: kindSc, name: name, thread: to.thread}, nil); err != nil {
		return err
	}
	to.thread.scheduled = true
	to.thread.name = name
	return nil
}

// CreateSm implements hv.Kernel.CreateSm.
func (k *Kernel) CreateSm(sel hv.Sel, count uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.install(k.root, sel, &object{kind: kindSm, sm: newSemaphore(count)}, nil)
}

func (k *Kernel) semaphore(sel hv.Sel) (*semaphore, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookupKind(k.root, sel, kindSm)
	if err != nil {
		return nil, err
	}
	return o.sm, nil
}

// Up implements hv.Kernel.Up.
func (k *Kernel) Up(sel hv.Sel) error {
	s, err := k.semaphore(sel)
	if err != nil {
		return err
	}
	s.up()
	return nil
}

// Down implements hv.Kernel.Down.
func (k *Kernel) Down(ctx context.Context, sel hv.Sel) error {
	s, err := k.semaphore(sel)
	if err != nil {
		return err
	}
	return s.down(ctx)
}

// Lookup implements hv.Kernel.Lookup.
func (k *Kernel) Lookup(crd hv.Crd) hv.Crd {
	switch crd.Space {
	case hv.SpaceMem:
		if k.mem == nil || k.mem.Present(crd.Base<<arch.PageShift) {
			return hv.MemCrd(crd.Base, 0, hv.PermRWX)
		}
	case hv.SpaceObj:
		k.mu.Lock()
		defer k.mu.Unlock()
		if e, ok := k.root.caps[hv.Sel(crd.Base)]; ok && !e.obj.dead {
			return hv.ObjCrd(hv.Sel(crd.Base), 0)
		}
	}
	return hv.Crd{}
}

// Revoke implements hv.Kernel.Revoke. Revoking the original capability of
// an object from the root destroys the object.
func (k *Kernel) Revoke(crd hv.Crd, self bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch crd.Space {
	case hv.SpaceMem:
		k.revokeMem(crd.Base, crd.Count())
	case hv.SpaceObj:
		for i := uint64(0); i < crd.Count(); i++ {
			e, ok := k.root.caps[hv.Sel(crd.Base+i)]
			if !ok {
				continue
			}
			k.revokeDerived(e)
			if self {
				delete(k.root.caps, e.sel)
				if e.parent == nil {
					k.destroy(e.obj)
				}
			}
		}
	}
}

// +checklocks:k.mu
func (k *Kernel) spaces() []*space {
	sps := []*space{k.root}
	for p := range k.pds {
		sps = append(sps, p.sp)
	}
	return sps
}

// +checklocks:k.mu
func (k *Kernel) revokeDerived(e *capEntry) {
	for _, sp := range k.spaces() {
		for sel, c := range sp.caps {
			if c.derivedFrom(e) {
				delete(sp.caps, sel)
			}
		}
	}
}

// +checklocks:k.mu
func (k *Kernel) revokeMem(base, count uint64) {
	for p := range k.pds {
		for page, m := range p.sp.pages {
			if m.root >= base && m.root < base+count {
				delete(p.sp.pages, page)
			}
		}
	}
}

// destroy kills obj and removes every capability that refers to it.
//
// +checklocks:k.mu
func (k *Kernel) destroy(obj *object) {
	if obj.dead {
		return
	}
	obj.dead = true
	for _, sp := range k.spaces() {
		for sel, c := range sp.caps {
			if c.obj == obj {
				delete(sp.caps, sel)
			}
		}
	}
	switch obj.kind {
	case kindPd:
		p := obj.pd
		for _, e := range p.sp.caps {
			k.revokeDerived(e)
		}
		for _, t := range p.threads {
			t.dead = true
		}
		for _, o := range p.owned {
			k.destroy(o)
		}
		delete(k.pds, p)
		log.Debugf("sim: destroyed Pd %q", obj.name)
	case kindThread:
		obj.thread.dead = true
	}
}

// Threads returns the threads of the domain pdSel in creation order.
func (k *Kernel) Threads(pdSel hv.Sel) []*Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookupKind(k.root, pdSel, kindPd)
	if err != nil {
		return nil
	}
	return append([]*Thread(nil), o.pd.threads...)
}

// Thread returns the thread the root refers to with sel.
func (k *Kernel) Thread(sel hv.Sel) (*Thread, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, err := k.lookupKind(k.root, sel, kindThread)
	if err != nil {
		return nil, err
	}
	return o.thread, nil
}

// Domains returns the number of live protection domains.
func (k *Kernel) Domains() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pds)
}

// Alive returns whether the root holds a capability at sel.
func (k *Kernel) Alive(sel hv.Sel) bool {
	return !k.Lookup(hv.ObjCrd(sel, 0)).IsNull()
}

// +checklocks:k.mu
func (k *Kernel) domain(pdSel hv.Sel) (*pd, error) {
	o, err := k.lookupKind(k.root, pdSel, kindPd)
	if err != nil {
		return nil, err
	}
	return o.pd, nil
}

// CreateChildPt creates a portal owned by the domain pdSel at sel in its
// space. Calls to it run fn on a thread of that domain on cpu.
func (k *Kernel) CreateChildPt(pdSel, sel hv.Sel, cpu int, id uint64, fn hv.Portal) error {
	if err := k.checkCPU(cpu); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.domain(pdSel)
	if err != nil {
		return err
	}
	o := &object{kind: kindPortal, owner: p, pt: &portal{ec: &localEc{cpu: cpu}, id: id, fn: fn}}
	if err := k.install(p.sp, sel, o, nil); err != nil {
		return err
	}
	p.owned = append(p.owned, o)
	return nil
}

// CreateChildSm creates a semaphore owned by the domain pdSel at sel in its
// space.
func (k *Kernel) CreateChildSm(pdSel, sel hv.Sel, count uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.domain(pdSel)
	if err != nil {
		return err
	}
	o := &object{kind: kindSm, owner: p, sm: newSemaphore(count)}
	if err := k.install(p.sp, sel, o, nil); err != nil {
		return err
	}
	p.owned = append(p.owned, o)
	return nil
}

// CreateChildEc creates a thread of the domain pdSel at sel in its space,
// the way a child creates threads of its own. rsp is an address in the
// child.
func (k *Kernel) CreateChildEc(pdSel, sel hv.Sel, cpu int, utcb, rsp uint64) (*Thread, error) {
	if err := k.checkCPU(cpu); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.domain(pdSel)
	if err != nil {
		return nil, err
	}
	t := &Thread{k: k, pd: p, cpu: cpu, utcb: utcb, rsp: rsp, evbase: hv.Sel(cpu * hv.ServiceCaps)}
	t.regs.RSP = rsp
	t.obj = &object{kind: kindThread, owner: p, thread: t}
	if err := k.install(p.sp, sel, t.obj, nil); err != nil {
		return nil, err
	}
	p.owned = append(p.owned, t.obj)
	p.threads = append(p.threads, t)
	return t, nil
}

// HasCap returns whether the domain pdSel holds a capability at sel.
func (k *Kernel) HasCap(pdSel, sel hv.Sel) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.domain(pdSel)
	if err != nil {
		return false
	}
	e, ok := p.sp.caps[sel]
	return ok && !e.obj.dead
}

// Mapping returns the root page backing the page at addr in the domain
// pdSel and its permissions.
func (k *Kernel) Mapping(pdSel hv.Sel, addr uint64) (uint64, hv.Perm, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.domain(pdSel)
	if err != nil {
		return 0, 0, false
	}
	m, ok := p.sp.pages[addr>>arch.PageShift]
	return m.root << arch.PageShift, m.perm, ok
}

// Mapped returns the number of pages mapped in the domain pdSel.
func (k *Kernel) Mapped(pdSel hv.Sel) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.domain(pdSel)
	if err != nil {
		return 0
	}
	return len(p.sp.pages)
}
