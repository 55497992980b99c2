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
	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// maxFaults bounds the faults one Access may raise.
const maxFaults = 8

// Thread is a thread of a child. Its methods act as the thread would: each
// one is an event or a portal call, delivered synchronously.
//
// A Thread must only be driven by one goroutine at a time.
type Thread struct {
	k      *Kernel
	obj    *object
	pd     *pd
	cpu    int
	utcb   uint64
	rsp    uint64
	evbase hv.Sel

	// The fields below are protected by k.mu.
	regs      hv.Regs
	started   bool
	scheduled bool
	dead      bool
	name      string
}

// CPU returns the CPU the thread runs on.
func (t *Thread) CPU() int {
	return t.cpu
}

// UTCB returns the address of the thread's UTCB in its domain.
func (t *Thread) UTCB() uint64 {
	return t.utcb
}

// Regs returns the register state of the thread.
func (t *Thread) Regs() hv.Regs {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.regs
}

// Dead returns whether the kernel killed the thread.
func (t *Thread) Dead() bool {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.dead
}

// Scheduled returns whether the thread has a scheduling context.
func (t *Thread) Scheduled() bool {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.scheduled
}

// Name returns the name of the thread's scheduling context.
func (t *Thread) Name() string {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.name
}

func (t *Thread) frame() *hv.Frame {
	f := hv.NewFrame(0)
	t.k.mu.Lock()
	f.Regs = t.regs
	t.k.mu.Unlock()
	f.MTD = 0
	return f
}

// event delivers an exception to the thread's event portal vector and
// applies the register state of the reply.
func (t *Thread) event(vector int, f *hv.Frame) error {
	if t.Dead() {
		return ErrKilled
	}
	if err := t.k.invoke(t.pd.sp, t.evbase+hv.Sel(vector), f); err != nil {
		if t.Dead() {
			return ErrKilled
		}
		return err
	}
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if t.dead {
		return ErrKilled
	}
	if f.MTD&hv.MtdRIPLen != 0 {
		t.regs.RIP = f.RIP
	}
	if f.MTD&hv.MtdRSP != 0 {
		t.regs.RSP = f.RSP
	}
	if f.MTD&hv.MtdGPRACDB != 0 {
		t.regs.RAX, t.regs.RCX, t.regs.RDX, t.regs.RBX = f.RAX, f.RCX, f.RDX, f.RBX
	}
	if f.MTD&hv.MtdGPRBSD != 0 {
		t.regs.RBP, t.regs.RSI, t.regs.RDI = f.RBP, f.RSI, f.RDI
	}
	if t.regs.RIP >= arch.KernelStart {
		t.k.destroy(t.obj)
		return ErrKilled
	}
	return nil
}

// Startup delivers the startup event, which makes the root set up the
// initial register state.
func (t *Thread) Startup() error {
	f := t.frame()
	t.k.mu.Lock()
	t.started = true
	t.k.mu.Unlock()
	return t.event(hv.EvStartup, f)
}

// Fault raises a page fault for addr at instruction ip with the given
// error code.
func (t *Thread) Fault(addr, ip, code uint64) error {
	f := t.frame()
	f.RIP = ip
	f.Qual = [2]uint64{code, addr}
	return t.event(hv.EvPageFault, f)
}

// Raise raises the CPU exception vector.
func (t *Thread) Raise(vector int) error {
	return t.event(vector, t.frame())
}

// Access performs a memory access of kind perm at addr, faulting until the
// page is mapped with the required rights.
func (t *Thread) Access(addr uint64, perm hv.Perm) error {
	page := addr >> arch.PageShift
	for i := 0; i < maxFaults; i++ {
		t.k.mu.Lock()
		dead := t.dead
		m, mapped := t.pd.sp.pages[page]
		ip := t.regs.RIP
		t.k.mu.Unlock()
		if dead {
			return ErrKilled
		}
		present := mapped && (t.k.mem == nil || t.k.mem.Present(m.root<<arch.PageShift))
		if present && m.perm&perm == perm {
			return nil
		}
		code := uint64(hv.PFUser)
		if present {
			code |= hv.PFPresent
		}
		if perm&hv.PermW != 0 {
			code |= hv.PFWrite
		}
		if perm&hv.PermX != 0 {
			code |= hv.PFFetch
			ip = addr
		}
		if err := t.Fault(addr, ip, code); err != nil {
			return err
		}
	}
	return nreerr.Newf(nreerr.Abort, "Access to %#x not resolved after %d faults", addr, maxFaults)
}

// Exit terminates the thread's domain with code, by jumping to the exit
// address for code.
func (t *Thread) Exit(code int) error {
	addr := arch.ExitStart + uint64(code)
	return t.Fault(addr, addr, hv.PFUser|hv.PFFetch)
}

// ThreadExit terminates the thread. stack and utcb are the addresses of its
// stack and UTCB if the root provided them, or zero.
func (t *Thread) ThreadExit(stack, utcb uint64) error {
	t.k.mu.Lock()
	t.regs.RSI = stack
	t.regs.RDI = utcb
	t.k.mu.Unlock()
	return t.Fault(arch.ThreadExit, arch.ThreadExit, hv.PFUser|hv.PFFetch)
}

// Call calls the service portal vector of the thread's CPU.
func (t *Thread) Call(vector int, f *hv.Frame) error {
	return t.CallSel(hv.Sel(t.cpu*hv.ServiceCaps+vector), f)
}

// CallSel calls the portal at sel in the thread's domain.
func (t *Thread) CallSel(sel hv.Sel, f *hv.Frame) error {
	if t.Dead() {
		return ErrKilled
	}
	err := t.k.invoke(t.pd.sp, sel, f)
	if t.Dead() {
		return ErrKilled
	}
	return err
}

// Call calls the portal at sel as the root.
func (k *Kernel) Call(sel hv.Sel, f *hv.Frame) error {
	k.mu.Lock()
	root := k.root
	k.mu.Unlock()
	return k.invoke(root, sel, f)
}

// invoke runs the portal at sel in the space from. Capabilities travel
// between the caller and the portal's domain on the way in and out.
func (k *Kernel) invoke(from *space, sel hv.Sel, f *hv.Frame) error {
	k.mu.Lock()
	e, ok := from.caps[sel]
	if !ok || e.obj.dead || e.obj.kind != kindPortal {
		k.mu.Unlock()
		return nreerr.Newf(nreerr.Cap, "No portal at %#x in %s", sel, from.name)
	}
	pt := e.obj.pt
	to := k.root
	if e.obj.owner != nil {
		to = e.obj.owner.sp
	}
	k.mu.Unlock()

	callerWindow := f.DelegationWindow()

	pt.ec.mu.Lock()
	defer pt.ec.mu.Unlock()

	k.mu.Lock()
	k.transfer(from, to, f, pt.ec.window)
	k.mu.Unlock()

	f.SetDelegationWindow(pt.ec.window)
	pt.fn(pt.id, f)
	pt.ec.window = f.DelegationWindow()

	k.mu.Lock()
	k.transfer(to, from, f, callerWindow)
	k.mu.Unlock()
	f.SetDelegationWindow(callerWindow)
	return nil
}

// transfer moves the typed items of f from one space to another.
// Translations become the receiver's selectors, delegated capabilities
// land in window and delegated memory at the item's hotspot.
//
// +checklocks:k.mu
func (k *Kernel) transfer(from, to *space, f *hv.Frame, window hv.Crd) {
	items := f.Typed()
	next := uint64(0)
	for i := range items {
		it := &items[i]
		switch {
		case it.Crd.IsNull():
		case it.Kind == hv.Translate:
			it.Crd = k.translate(from, to, hv.Sel(it.Crd.Base))
		case it.Crd.Space == hv.SpaceObj:
			if window.IsNull() || next+it.Crd.Count() > window.Count() {
				it.Crd = hv.Crd{}
				continue
			}
			base := window.Base + next
			for j := uint64(0); j < it.Crd.Count(); j++ {
				src, ok := from.caps[hv.Sel(it.Crd.Base+j)]
				if !ok || src.obj.dead {
					continue
				}
				dst := hv.Sel(base + j)
				if old, ok := to.caps[dst]; ok {
					k.revokeDerived(old)
				}
				to.caps[dst] = &capEntry{obj: src.obj, sp: to, sel: dst, parent: src}
			}
			it.Crd.Base = base
			next += it.Crd.Count()
		case it.Crd.Space == hv.SpaceMem:
			if to == k.root {
				continue
			}
			for j := uint64(0); j < it.Crd.Count(); j++ {
				page := it.Crd.Base + j
				perm := it.Crd.Perm
				if from != k.root {
					m, ok := from.pages[page]
					if !ok {
						continue
					}
					page = m.root
					perm &= m.perm
				}
				to.pages[it.Hotspot+j] = mapping{root: page, perm: perm}
			}
		}
	}
}

// +checklocks:k.mu
func (k *Kernel) translate(from, to *space, sel hv.Sel) hv.Crd {
	e, ok := from.caps[sel]
	if !ok {
		return hv.Crd{}
	}
	if from == to {
		return hv.ObjCrd(sel, 0)
	}
	for p := e.parent; p != nil; p = p.parent {
		if p.sp == to {
			return hv.ObjCrd(p.sel, 0)
		}
	}
	return hv.Crd{}
}
