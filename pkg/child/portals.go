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
	"fmt"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/rcu"
	"nre.dev/nre/pkg/service"
)

// killError makes the portal destroy the calling child.
type killError struct {
	state State
	code  int
	msg   string
}

// Error implements error.Error.
func (e *killError) Error() string {
	return e.msg
}

func killf(format string, args ...any) error {
	return &killError{state: Faulted, code: -1, msg: fmt.Sprintf(format, args...)}
}

// portal returns the entry of the child portals served by the local
// thread that r belongs to.
func (m *Manager) portal(r *rcu.Reader) hv.Portal {
	return func(l uint64, f *hv.Frame) {
		id, cpu, vec := unlabel(l)

		r.Lock()
		c := m.lookup(id)
		var err error
		if c == nil {
			err = nreerr.Newf(nreerr.NotFound, "Child %v not found", id)
		} else {
			err = m.dispatch(c, cpu, vec, f)
		}
		r.Unlock()
		if err == nil {
			return
		}

		m.k.Revoke(f.DelegationWindow(), true)
		var ke *killError
		if c != nil && !errors.As(err, &ke) && vec < hv.SrvInit {
			// A thread whose event could not be handled cannot go on.
			ke = &killError{state: Faulted, code: -1, msg: err.Error()}
		}
		if ke == nil {
			log.Debugf("Child %v: portal %#x on CPU %d: %v", id, vec, cpu, err)
			f.Reply(err)
			return
		}
		if ke.state == Exiting {
			log.Infof("Child '%s' exited with code %d", c.cfg.Name, ke.code)
		} else {
			m.killLog.Warningf("Child '%s': %s; killing it", c.cfg.Name, ke.msg)
		}
		f.Reply(nreerr.Abort)
		m.destroy(id, ke.state, ke.code)
	}
}

func (m *Manager) dispatch(c *Child, cpu, vec int, f *hv.Frame) error {
	switch vec {
	case hv.EvStartup:
		return m.startup(c, cpu, f)
	case hv.EvPageFault:
		return m.pageFault(c, cpu, f)
	case hv.SrvInit:
		return m.initCaps(c, f)
	case hv.SrvService:
		return m.serviceCall(c, f)
	case hv.SrvIO:
		return m.ioCall(c, f)
	case hv.SrvSC:
		return m.scCall(c, f)
	case hv.SrvGSI:
		return m.gsiCall(c, f)
	case hv.SrvDS:
		return m.dsCall(c, f)
	default:
		return killf("Caused exception %#x @ %#x on CPU %d", vec, f.RIP, cpu)
	}
}

// startup sets up the registers of a thread that runs for the first time.
func (m *Manager) startup(c *Child, cpu int, f *hv.Frame) error {
	f.FinishInput()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		// A thread the child created itself. Its creator left the entry
		// point right above the initial stack pointer.
		f.MTD = hv.MtdRIPLen
		f.RIP = arch.KernelStart
		sp := f.RSP + arch.WordSize
		if ds := c.mem.FindByAddr(sp); ds != nil {
			if b, err := m.opts.Memory.Bytes(ds.Origin(0), ds.Size()); err == nil {
				if rip, err := (stackImage{b: b, base: ds.Virt()}).word(sp); err == nil {
					f.RIP = rip
				}
			}
		}
		if f.RIP == arch.KernelStart {
			log.Warningf("Child '%s': Dataspace not found for stack @ %#x", c.cfg.Name, f.RSP)
		}
		f.Reply(nil)
		return nil
	}

	ds := c.mem.FindByAddr(c.stack)
	if ds == nil {
		return nreerr.Newf(nreerr.NotFound, "Dataspace not found for stack @ %#x", c.stack)
	}
	b, err := m.opts.Memory.Bytes(ds.Origin(0), ds.Size())
	if err != nil {
		return err
	}
	sp, err := prepareStack(stackImage{b: b, base: ds.Virt()}, c.cfg.Cmdline)
	if err != nil {
		return err
	}
	f.MTD = hv.MtdRIPLen | hv.MtdRSP | hv.MtdGPRACDB | hv.MtdGPRBSD
	f.RIP = c.entry
	f.RSP = sp
	f.RAX, f.RBX, f.RBP = 0, 0, 0
	// Not the root, on this CPU.
	f.RDI = 1<<31 | uint64(cpu)
	f.RSI = c.cfg.Main
	f.RCX = c.hip
	f.RDX = c.utcb
	c.started = true
	c.state = Running
	f.Reply(nil)
	log.Infof("Child '%s' started on CPU %d", c.cfg.Name, cpu)
	return nil
}

// pageFault resolves a page fault of the child, which also carries the
// exit protocol.
func (m *Manager) pageFault(c *Child, cpu int, f *hv.Frame) error {
	code, addr, ip := f.Qual[0], f.Qual[1], f.RIP
	f.FinishInput()
	f.MTD = 0

	if addr == ip && ip >= arch.ExitStart && ip <= arch.ThreadExit {
		if ip == arch.ThreadExit {
			return m.threadExit(c, f)
		}
		code := int(ip - arch.ExitStart)
		return &killError{state: Exiting, code: code, msg: fmt.Sprintf("Exited with code %d", code)}
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("Child '%s': Pagefault for %#x @ %#x on CPU %d, error=%#x", c.cfg.Name, addr, ip, cpu, code)

	ds := c.mem.FindByAddr(addr)
	if ds == nil {
		return killf("Unable to resolve fault for %#x @ %#x", addr, ip)
	}
	need := R
	if code&hv.PFWrite != 0 {
		need |= W
	}
	if code&hv.PFFetch != 0 {
		need |= X
	}
	if ds.Flags()&need != need {
		return killf("Permission violation: %v access to %#x @ %#x in %v", need.Perm(), addr, ip, ds)
	}
	if ds.Desc().Type == dataspace.Virtual {
		return killf("Fault for %#x @ %#x in a region without memory", addr, ip)
	}

	pfpage := arch.PageRoundDown(addr)
	page := (pfpage - ds.Virt()) >> arch.PageShift
	src := ds.Origin(page << arch.PageShift)
	if m.k.Lookup(hv.MemCrd(src>>arch.PageShift, 0, hv.PermRWX)).IsNull() {
		// The root lost the page itself. Map everything again.
		c.lastFaultAddr, c.lastFaultCPU, c.faultRepeats = 0, -1, 0
		ds.AllPerms(0)
	} else if ds.PagePerms(page) != 0 {
		// Mapped already. Another CPU may have raced us for it, but the
		// same fault over and over again will not go away.
		if c.lastFaultAddr == pfpage && c.lastFaultCPU == cpu {
			c.faultRepeats++
		} else {
			c.lastFaultAddr, c.lastFaultCPU, c.faultRepeats = pfpage, cpu, 0
		}
		if c.faultRepeats >= m.opts.FaultRetries {
			return killf("Caused fault for %#x @ %#x on CPU %d %d times", addr, ip, cpu, c.faultRepeats+1)
		}
	}

	flags := ds.Flags() & RWX
	pages := ds.Desc().Pages()
	first, count := page, uint64(m.opts.FaultPrefetch)
	if ds.Desc().Flags&dataspace.BigPages != 0 {
		big := arch.PageRoundDown(addr) &^ (arch.BigPageSize - 1)
		first = (max(big, ds.Virt()) - ds.Virt()) >> arch.PageShift
		count = arch.PTEntryCount
	}
	first, count = m.limit(ds, page, first, min(count, pages-first), f.FreeTyped())
	srcPage := ds.Origin(first<<arch.PageShift) >> arch.PageShift
	dstPage := ds.Virt()>>arch.PageShift + first
	if err := f.DelegateRange(hv.SpaceMem, srcPage, count, flags.Perm(), dstPage); err != nil {
		return err
	}
	// The root's own page may not be present yet.
	if err := m.opts.Memory.Touch(src); err != nil {
		return killf("Unable to touch %#x for fault at %#x: %v", src, addr, err)
	}
	ds.MapPages(first, count, flags)
	f.Reply(nil)
	return nil
}

// limit trims [first, first+count) to what fits into items typed items.
// The result always contains page.
func (m *Manager) limit(ds *DS, page, first, count uint64, items int) (uint64, uint64) {
	src := func(p uint64) uint64 { return ds.Origin(p<<arch.PageShift) >> arch.PageShift }
	dst := func(p uint64) uint64 { return ds.Virt()>>arch.PageShift + p }
	n := hv.LimitTo(src(first), dst(first), count, items)
	if page < first+n {
		return first, n
	}
	count = min(uint64(m.opts.FaultPrefetch), ds.Desc().Pages()-page)
	return page, hv.LimitTo(src(page), dst(page), count, items)
}

// threadExit releases the stack and UTCB of an exiting thread, which are
// named in RSI and RDI, and lets the kernel kill it.
func (m *Manager) threadExit(c *Child, f *hv.Frame) error {
	stack, utcb := f.RSI, f.RDI
	c.mu.Lock()
	defer c.mu.Unlock()
	if stack != 0 {
		ds, err := c.mem.RemoveByAddr(stack)
		if err != nil {
			return killf("Thread exit with invalid stack %#x: %v", stack, err)
		}
		m.releaseDS(ds)
	}
	if utcb != 0 {
		ds, err := c.mem.RemoveByAddr(utcb)
		if err != nil {
			return killf("Thread exit with invalid UTCB %#x: %v", utcb, err)
		}
		m.releaseDS(ds)
	}
	f.MTD = hv.MtdRIPLen
	f.RIP = arch.KernelStart
	f.Reply(nil)
	log.Debugf("Child '%s': thread exited (stack %#x, utcb %#x)", c.cfg.Name, stack, utcb)
	return nil
}

// initCaps hands the child its own domain, main thread and scheduling
// context.
func (m *Manager) initCaps(c *Child, f *hv.Frame) error {
	f.FinishInput()
	f.Reply(nil)
	for i, sel := range []hv.Sel{c.pd, c.ec, c.sc} {
		if err := f.DelegateSel(sel, uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

// serviceCall serves the service registry.
func (m *Manager) serviceCall(c *Child, f *hv.Frame) error {
	cmd, err := f.Get()
	if err != nil {
		return err
	}
	name, err := f.GetString()
	if err != nil {
		return err
	}
	switch service.Command(cmd) {
	case service.Register:
		available, err := service.GetAvailable(f)
		if err != nil {
			return err
		}
		win := f.DelegationWindow()
		pts, err := f.Delegated(0)
		if err != nil || uint64(pts) != win.Base || m.k.Lookup(hv.ObjCrd(pts, 0)).IsNull() {
			return nreerr.Newf(nreerr.ArgsInvalid, "Service '%s' registered without portals", name)
		}
		f.FinishInput()
		if name == "" {
			return nreerr.Newf(nreerr.ArgsInvalid, "Service without name")
		}
		sm, err := m.newSm()
		if err != nil {
			return err
		}
		next, err := m.opts.Caps.Allocate(m.stride, m.stride)
		if err != nil {
			m.k.Revoke(hv.ObjCrd(sm, 0), true)
			m.opts.Caps.Free(sm, 1)
			return err
		}
		s := &Service{name: name, owner: c, pts: pts, available: available, caps: win.Count(), sm: sm}
		if err := m.registry.Reg(s); err != nil {
			m.k.Revoke(hv.ObjCrd(sm, 0), true)
			m.opts.Caps.Free(sm, 1)
			m.opts.Caps.Free(next, m.stride)
			return err
		}
		f.SetDelegationWindow(hv.ObjCrd(next, arch.NextPow2Shift(m.stride)))
		f.Reply(nil)
		log.Infof("Child '%s' registered service '%s' on CPUs %v", c.cfg.Name, name, available.ToSlice())
		return f.DelegateSel(sm, 0)

	case service.Get:
		f.FinishInput()
		s := m.registry.Find(name)
		if s == nil {
			if s, err = m.fromParent(name); err != nil {
				return err
			}
		}
		f.Reply(nil)
		if err := service.PutAvailable(f, s.available); err != nil {
			return err
		}
		return f.DelegateRange(hv.SpaceObj, uint64(s.pts), m.stride, 0, 0)

	case service.Unregister:
		f.FinishInput()
		s, err := m.registry.Unreg(c, name)
		if err != nil {
			return err
		}
		m.dropService(s)
		f.Reply(nil)
		log.Infof("Child '%s' unregistered service '%s'", c.cfg.Name, name)
		return nil

	case service.ClientDied:
		f.FinishInput()
		m.clientDied()
		f.Reply(nil)
		return nil

	default:
		return nreerr.Newf(nreerr.ArgsInvalid, "Unsupported registry command %d", cmd)
	}
}

// fromParent gets the service name from the parent and keeps it in the
// registry for later requests.
func (m *Manager) fromParent(name string) (*Service, error) {
	dst, err := m.opts.Caps.Allocate(m.stride, m.stride)
	if err != nil {
		return nil, err
	}
	available, err := m.opts.Parent.GetService(name, dst, m.stride)
	if err != nil {
		m.opts.Caps.Free(dst, m.stride)
		return nil, err
	}
	s := &Service{name: name, pts: dst, available: available, caps: m.stride}
	if err := m.registry.Reg(s); err != nil {
		// Somebody registered it meanwhile.
		m.dropService(s)
		if s = m.registry.Find(name); s == nil {
			return nil, err
		}
	}
	log.Debugf("Got service '%s' from the parent", name)
	return s, nil
}

// gsiCall allocates and releases interrupts.
func (m *Manager) gsiCall(c *Child, f *hv.Frame) error {
	op, err := f.Get()
	if err != nil {
		return err
	}
	gsi, err := f.Get()
	if err != nil {
		return err
	}
	switch hv.GSIOp(op) {
	case hv.GSIAlloc:
		pcicfg, err := f.Get()
		if err != nil {
			return err
		}
		f.FinishInput()
		c.mu.Lock()
		defer c.mu.Unlock()
		dst, err := c.freeGSISel()
		if err != nil {
			return err
		}
		got, err := m.opts.Parent.AllocGSI(uint32(gsi), pcicfg, dst)
		if err != nil {
			return err
		}
		c.gsis.Add(got)
		c.gsiSels[got] = dst
		f.Reply(nil, uint64(got))
		log.Debugf("Child '%s' allocated GSI %d", c.cfg.Name, got)
		return f.DelegateSel(dst, 0)

	case hv.GSIRelease:
		f.FinishInput()
		c.mu.Lock()
		defer c.mu.Unlock()
		sel, ok := c.gsiSels[uint32(gsi)]
		if gsi >= hv.MaxGSIs || !ok {
			return nreerr.Newf(nreerr.ArgsInvalid, "GSI %d is not owned by '%s'", gsi, c.cfg.Name)
		}
		if err := m.opts.Parent.ReleaseGSI(uint32(gsi)); err != nil {
			return err
		}
		m.k.Revoke(hv.ObjCrd(sel, 0), true)
		c.gsis.Remove(uint32(gsi))
		delete(c.gsiSels, uint32(gsi))
		f.Reply(nil)
		return nil

	default:
		return nreerr.Newf(nreerr.ArgsInvalid, "Unsupported GSI operation %d", op)
	}
}

// freeGSISel returns a selector of the child's GSI range that holds no
// semaphore.
//
// +checklocks:c.mu
func (c *Child) freeGSISel() (hv.Sel, error) {
	used := make(map[hv.Sel]bool, len(c.gsiSels))
	for _, sel := range c.gsiSels {
		used[sel] = true
	}
	for i := hv.Sel(0); i < hv.MaxGSIs; i++ {
		if !used[c.gsiCaps+i] {
			return c.gsiCaps + i, nil
		}
	}
	return 0, nreerr.Newf(nreerr.Capacity, "No free GSI selectors")
}

// ioCall allocates and releases I/O ports.
func (m *Manager) ioCall(c *Child, f *hv.Frame) error {
	op, err := f.Get()
	if err != nil {
		return err
	}
	base, err := f.Get()
	if err != nil {
		return err
	}
	count, err := f.Get()
	if err != nil {
		return err
	}
	f.FinishInput()
	if count == 0 {
		return nreerr.Newf(nreerr.ArgsInvalid, "Empty I/O port range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch hv.IOOp(op) {
	case hv.IOAlloc:
		if err := m.opts.Parent.AllocIO(base, count); err != nil {
			return err
		}
		if err := c.io.Free(base, count); err != nil {
			m.opts.Parent.ReleaseIO(base, count)
			return err
		}
		f.Reply(nil)
		log.Debugf("Child '%s' allocated ports %#x..%#x", c.cfg.Name, base, base+count)
		return f.DelegateRange(hv.SpaceIO, base, count, 0, base)

	case hv.IORelease:
		if err := c.io.AllocAt(base, count, true); err != nil {
			return nreerr.Newf(nreerr.ArgsInvalid, "Ports %#x..%#x are not owned by '%s'", base, base+count, c.cfg.Name)
		}
		if err := m.opts.Parent.ReleaseIO(base, count); err != nil {
			return err
		}
		hv.Revoke(m.k, hv.SpaceIO, base, count, false)
		f.Reply(nil)
		return nil

	default:
		return nreerr.Newf(nreerr.ArgsInvalid, "Unsupported I/O operation %d", op)
	}
}

// scCall creates, starts and stops scheduling contexts for threads of the
// child.
func (m *Manager) scCall(c *Child, f *hv.Frame) error {
	op, err := f.Get()
	if err != nil {
		return err
	}
	switch hv.SCCommand(op) {
	case hv.SCCreate:
		cpu, err := f.Get()
		if err != nil {
			return err
		}
		name, err := f.GetString()
		if err != nil {
			return err
		}
		win := f.DelegationWindow()
		ec, err := f.Delegated(0)
		if err != nil || uint64(ec) != win.Base || m.k.Lookup(hv.ObjCrd(ec, 0)).IsNull() {
			return nreerr.Newf(nreerr.ArgsInvalid, "No thread to create a scheduling context for")
		}
		f.FinishInput()
		if cpu >= uint64(m.cpus) || !c.cpuAllowed(int(cpu)) {
			return nreerr.Newf(nreerr.ArgsInvalid, "CPU %d is not available to '%s'", cpu, c.cfg.Name)
		}
		sels, err := m.opts.Caps.Allocate(2, 1)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.scs = append(c.scs, &scInfo{sel: sels, ec: ec, name: c.cfg.Name + "-" + name, cpu: int(cpu)})
		token := len(c.scs) - 1
		c.mu.Unlock()
		// The thread stays in the old window; the next one goes to a
		// fresh selector.
		f.SetDelegationWindow(hv.ObjCrd(sels+1, 0))
		f.Reply(nil, uint64(token))
		return nil

	case hv.SCStart:
		token, err := f.Get()
		if err != nil {
			return err
		}
		var qpd hv.Qpd
		if qpd.Prio, err = f.Get(); err != nil {
			return err
		}
		if qpd.Quantum, err = f.Get(); err != nil {
			return err
		}
		f.FinishInput()
		if qpd.Prio == 0 || qpd.Quantum == 0 {
			qpd = hv.DefaultQpd
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		sc, err := c.scInfo(token)
		if err != nil {
			return err
		}
		if sc.started {
			return nreerr.Newf(nreerr.Exists, "Sc '%s' is already running", sc.name)
		}
		granted, err := m.opts.Parent.StartSC(sc.name, sc.cpu, qpd, sc.ec, sc.sel)
		if err != nil {
			return err
		}
		sc.started = true
		f.Reply(nil, granted.Prio, granted.Quantum)
		log.Debugf("Child '%s' started Sc '%s' on CPU %d", c.cfg.Name, sc.name, sc.cpu)
		return f.DelegateSel(sc.sel, 0)

	case hv.SCStop:
		token, err := f.Get()
		if err != nil {
			return err
		}
		f.FinishInput()
		c.mu.Lock()
		defer c.mu.Unlock()
		sc, err := c.scInfo(token)
		if err != nil {
			return err
		}
		if sc.started {
			if err := m.opts.Parent.StopSC(sc.sel); err != nil {
				return err
			}
		}
		m.k.Revoke(hv.ObjCrd(sc.ec, 0), true)
		m.opts.Caps.Free(sc.ec, 1)
		m.opts.Caps.Free(sc.sel, 1)
		c.scs[token] = nil
		f.Reply(nil)
		return nil

	default:
		return nreerr.Newf(nreerr.ArgsInvalid, "Unsupported Sc command %d", op)
	}
}

// +checklocks:c.mu
func (c *Child) scInfo(token uint64) (*scInfo, error) {
	if token >= uint64(len(c.scs)) || c.scs[token] == nil {
		return nil, nreerr.Newf(nreerr.NotFound, "Sc %d not found", token)
	}
	return c.scs[token], nil
}

// dsCall serves the dataspace requests of the child.
func (m *Manager) dsCall(c *Child, f *hv.Frame) error {
	op, err := f.Get()
	if err != nil {
		return err
	}
	switch dataspace.RequestType(op) {
	case dataspace.Create:
		desc, err := dataspace.GetDesc(f)
		if err != nil {
			return err
		}
		f.FinishInput()
		return m.createChildDS(c, desc, f)

	case dataspace.Join:
		sel, err := f.Translated(0)
		if err != nil {
			return err
		}
		f.FinishInput()
		ds, err := m.opts.DataSpaces.Join(sel)
		if err != nil {
			return err
		}
		return m.mapChildDS(c, ds, flagsOf(ds.Flags), f)

	case dataspace.SwitchTo:
		a, err := f.Translated(0)
		if err != nil {
			return err
		}
		b, err := f.Translated(1)
		if err != nil {
			return err
		}
		f.FinishInput()
		if err := m.switchTo(c, a, b); err != nil {
			return err
		}
		f.Reply(nil)
		return nil

	case dataspace.Destroy:
		addr, err := f.Get()
		if err != nil {
			return err
		}
		// Virtual regions have no selector and are named by address.
		sel, _ := f.Translated(0)
		f.FinishInput()
		if err := m.destroyChildDS(c, sel, addr); err != nil {
			return err
		}
		f.Reply(nil)
		return nil

	default:
		return nreerr.Newf(nreerr.ArgsInvalid, "Unsupported dataspace request %d", op)
	}
}

func (m *Manager) createChildDS(c *Child, desc dataspace.Desc, f *hv.Frame) error {
	if desc.Type == dataspace.Virtual {
		c.mu.Lock()
		defer c.mu.Unlock()
		addr, err := c.mem.FindFree(arch.PageRoundUp(desc.Size), desc.Alignment())
		if err != nil {
			return err
		}
		d, err := c.mem.Add(desc, addr, flagsOf(desc.Flags), 0)
		if err != nil {
			return err
		}
		f.Reply(nil)
		return d.Desc().Put(f)
	}
	ds, err := m.opts.DataSpaces.Create(desc)
	if err != nil {
		return err
	}
	flags := flagsOf(ds.Flags)
	if desc.Phys == 0 {
		flags |= Own
	}
	return m.mapChildDS(c, ds, flags, f)
}

// mapChildDS adds ds, which the caller holds a reference of, to the
// child's memory and replies with its descriptor and selectors.
func (m *Manager) mapChildDS(c *Child, ds dataspace.DataSpace, flags Flags, f *hv.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, err := c.mem.FindFree(ds.Size, ds.Alignment())
	if err == nil {
		_, err = c.mem.Add(ds.Desc, addr, flags, ds.UnmapSel)
	}
	if err != nil {
		m.opts.DataSpaces.Release(ds.UnmapSel)
		return err
	}
	desc := ds.Desc
	desc.Virt = addr
	f.Reply(nil)
	if err := desc.Put(f); err != nil {
		return err
	}
	if err := f.DelegateSel(ds.Sel, 0); err != nil {
		return err
	}
	log.Debugf("Child '%s': mapped %v", c.cfg.Name, desc)
	return f.DelegateSel(ds.UnmapSel, 1)
}

func (m *Manager) destroyChildDS(c *Child, sel hv.Sel, addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A dataspace joined twice is mapped at two addresses with the same
	// selector; addr tells them apart.
	var ds *DS
	d := c.mem.FindByAddr(addr)
	switch {
	case d != nil && d.Sel() == sel && (sel != 0 || d.Desc().Type == dataspace.Virtual):
		ds = d
	case sel != 0:
		ds = c.mem.Find(sel)
	}
	if ds == nil {
		return nreerr.Newf(nreerr.NotFound, "Dataspace not found")
	}
	if _, err := c.mem.RemoveByAddr(ds.Virt()); err != nil {
		return err
	}
	m.releaseDS(ds)
	return nil
}

// switchTo exchanges the memory behind the dataspaces a and b of c. Every
// child that maps one of them sees the other's memory from now on.
func (m *Manager) switchTo(c *Child, a, b hv.Sel) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	c.mu.Lock()
	da, db := c.mem.Find(a), c.mem.Find(b)
	c.mu.Unlock()
	if a == 0 || b == 0 || da == nil || db == nil {
		return nreerr.Newf(nreerr.NotFound, "Dataspace not found")
	}
	if da.Size() != db.Size() {
		return nreerr.Newf(nreerr.ArgsInvalid, "Unable to switch dataspaces of %#x and %#x bytes", da.Size(), db.Size())
	}
	if err := m.opts.DataSpaces.Swap(a, b); err != nil {
		return err
	}
	orgA, orgB := da.Origin(0), db.Origin(0)
	pages := da.Desc().Pages()
	hv.Revoke(m.k, hv.SpaceMem, orgA>>arch.PageShift, pages, false)
	hv.Revoke(m.k, hv.SpaceMem, orgB>>arch.PageShift, pages, false)

	for i := range m.childs {
		ch := rcu.Deref(&m.childs[i])
		if ch == nil {
			continue
		}
		ch.mu.Lock()
		ch.mem.Each(func(ds *DS) {
			switch ds.Sel() {
			case a:
				ds.SetOrigin(orgB)
			case b:
				ds.SetOrigin(orgA)
			default:
				return
			}
			ds.AllPerms(0)
		})
		ch.mu.Unlock()
	}
	log.Debugf("Child '%s': switched dataspaces %#x and %#x", c.cfg.Name, a, b)
	return nil
}
