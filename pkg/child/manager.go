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
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/cleanup"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hip"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/rcu"
	"nre.dev/nre/pkg/region"
	"nre.dev/nre/pkg/service"
)

// Limits.
const (
	MaxChilds     = 32
	MaxCmdlineLen = 256
	MaxModAuxLen  = arch.PageSize
)

// Page fault defaults.
const (
	DefaultFaultPrefetch = 32
	DefaultFaultRetries  = 1
)

// RootMemory is the root's view of the memory behind its dataspaces.
type RootMemory interface {
	// Bytes returns the root's memory at [virt, virt+size).
	Bytes(virt, size uint64) ([]byte, error)

	// Touch makes the root page at virt present again.
	Touch(virt uint64) error
}

// Options configures a Manager.
type Options struct {
	Kernel     hv.Kernel
	Parent     hv.Parent
	Caps       *caps.Space
	RCU        *rcu.Domain
	DataSpaces *dataspace.Manager
	Memory     RootMemory

	// Modules are the boot modules children may be shown in their HIP.
	Modules []hip.Module

	// MaxChilds bounds the number of children. Zero means MaxChilds.
	MaxChilds int

	// FaultPrefetch is the number of pages mapped per page fault.
	FaultPrefetch int

	// FaultRetries is the number of faults on an already mapped page at
	// the same address and CPU that are tolerated before the child is
	// killed.
	FaultRetries int

	// ServiceTimeout bounds how long Load waits for the services a child
	// waits for. Zero waits as long as the context allows.
	ServiceTimeout time.Duration
}

// childVectors are the portals each child gets per CPU.
var childVectors = append(append([]int(nil), hv.ExceptionVectors...),
	hv.EvPageFault, hv.EvStartup,
	hv.SrvInit, hv.SrvService, hv.SrvIO, hv.SrvSC, hv.SrvGSI, hv.SrvDS)

// Manager loads children and serves their portals.
//
// Every portal call runs inside an RCU read section of the local thread
// serving it and finds its child through the portal's label. Children are
// destroyed outside of read sections, after which the destroying goroutine
// waits until no portal call can still see the child. Locks are taken in
// the order switchMu, Child.mu.
type Manager struct {
	opts Options
	k    hv.Kernel
	cpus int

	// stride is the number of selectors of a per-CPU portal range of a
	// service.
	stride uint64

	// perChild is the number of portal selectors of each child; the
	// portals of slot i start at portals+i*perChild.
	perChild uint64
	portals  hv.Sel

	// ecs serve the child portals, regecs the service registry portals,
	// one of each per CPU.
	ecs, regecs hv.Sel

	readers    []*rcu.Reader
	regReaders []*rcu.Reader

	registry *Registry
	killLog  log.Logger

	slotMu sync.Mutex

	// +checklocks:slotMu
	reserved bitmap.Bitmap

	// +checklocks:slotMu
	gens []uint32

	// +checklocks:slotMu
	count int

	childs []atomic.Pointer[Child]

	// switchMu serializes dataspace switches against page faults.
	switchMu sync.Mutex

	dead chan ID
}

var _ service.Registrar = (*Manager)(nil)

// NewManager creates the threads serving children on every CPU.
func NewManager(opts Options) (*Manager, error) {
	if opts.Kernel == nil || opts.Parent == nil || opts.Caps == nil || opts.RCU == nil || opts.DataSpaces == nil || opts.Memory == nil {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Incomplete child manager options")
	}
	if opts.MaxChilds <= 0 {
		opts.MaxChilds = MaxChilds
	}
	if opts.MaxChilds > MaxChilds {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "At most %d children are supported, not %d", MaxChilds, opts.MaxChilds)
	}
	if opts.FaultPrefetch <= 0 {
		opts.FaultPrefetch = DefaultFaultPrefetch
	}
	if opts.FaultRetries <= 0 {
		opts.FaultRetries = DefaultFaultRetries
	}
	cpus := opts.Kernel.CPUs()
	m := &Manager{
		opts:       opts,
		k:          opts.Kernel,
		cpus:       cpus,
		stride:     arch.NextPow2(uint64(cpus)),
		perChild:   arch.NextPow2(uint64(hv.ServiceCaps * cpus)),
		readers:    make([]*rcu.Reader, cpus),
		regReaders: make([]*rcu.Reader, cpus),
		registry:   NewRegistry(),
		killLog:    log.BurstRateLimitedLogger(log.Log(), time.Second, 10),
		reserved:   bitmap.New(uint32(opts.MaxChilds)),
		gens:       make([]uint32, opts.MaxChilds),
		childs:     make([]atomic.Pointer[Child], opts.MaxChilds),
		dead:       make(chan ID, opts.MaxChilds),
	}

	var err error
	if m.portals, err = opts.Caps.Allocate(uint64(opts.MaxChilds)*m.perChild, m.perChild); err != nil {
		return nil, err
	}
	if m.ecs, err = opts.Caps.Allocate(m.stride, m.stride); err != nil {
		return nil, err
	}
	if m.regecs, err = opts.Caps.Allocate(m.stride, m.stride); err != nil {
		return nil, err
	}

	var g errgroup.Group
	for cpu := 0; cpu < cpus; cpu++ {
		cpu := cpu
		m.readers[cpu] = opts.RCU.NewReader()
		m.regReaders[cpu] = opts.RCU.NewReader()
		g.Go(func() error {
			return m.startCPU(cpu)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("starting child manager: %w", err)
	}
	log.Infof("Child manager: %d slots, %d portals per child, prefetch %d pages",
		opts.MaxChilds, m.perChild, opts.FaultPrefetch)
	return m, nil
}

func (m *Manager) startCPU(cpu int) error {
	ec := m.ecs + hv.Sel(cpu)
	if err := m.k.CreateLocalEc(ec, cpu); err != nil {
		return err
	}
	if err := m.newWindow(ec, 1); err != nil {
		return err
	}
	regec := m.regecs + hv.Sel(cpu)
	if err := m.k.CreateLocalEc(regec, cpu); err != nil {
		return err
	}
	return m.newWindow(regec, m.stride)
}

func (m *Manager) newWindow(ec hv.Sel, count uint64) error {
	win, err := m.opts.Caps.Allocate(count, count)
	if err != nil {
		return err
	}
	return m.k.SetReceiveWindow(ec, hv.ObjCrd(win, arch.NextPow2Shift(count)))
}

// label identifies a child portal: the child, the CPU and the vector.
func label(id ID, cpu, vector int) uint64 {
	return uint64(id.Gen)<<32 | uint64(id.Slot)<<16 | uint64(cpu)<<8 | uint64(vector)
}

func unlabel(l uint64) (ID, int, int) {
	return ID{Slot: int(l >> 16 & 0xffff), Gen: uint32(l >> 32)}, int(l >> 8 & 0xff), int(l & 0xff)
}

// lookup returns the child id, or nil. It must be called inside a read
// section.
func (m *Manager) lookup(id ID) *Child {
	if id.Slot < 0 || id.Slot >= len(m.childs) {
		return nil
	}
	c := rcu.Deref(&m.childs[id.Slot])
	if c == nil || c.id != id {
		return nil
	}
	return c
}

func (m *Manager) reserve() (ID, error) {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	slot, err := m.reserved.FirstZero(0)
	if err != nil || int(slot) >= len(m.childs) {
		return ID{}, nreerr.Newf(nreerr.Capacity, "No free child slots")
	}
	m.reserved.Add(slot)
	m.gens[slot]++
	return ID{Slot: int(slot), Gen: m.gens[slot]}, nil
}

func (m *Manager) unreserve(slot int) {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	m.reserved.Remove(uint32(slot))
}

// Load loads the ELF image as a new child and starts it. It returns once
// the services in cfg.Waits are registered.
func (m *Manager) Load(ctx context.Context, image []byte, cfg Config) (ID, error) {
	if cfg.CPU < 0 || cfg.CPU >= m.cpus {
		return ID{}, nreerr.Newf(nreerr.ArgsInvalid, "Invalid CPU %d", cfg.CPU)
	}
	entry, segs, err := parseELF(image)
	if err != nil {
		return ID{}, err
	}
	id, err := m.reserve()
	if err != nil {
		return ID{}, err
	}
	cu := cleanup.Make(func() { m.unreserve(id.Slot) })
	defer cu.Clean()

	c := newChild(id, cfg)
	if !c.cpuAllowed(cfg.CPU) {
		return ID{}, nreerr.Newf(nreerr.ArgsInvalid, "CPU %d is not available to '%s'", cfg.CPU, cfg.Name)
	}
	c.entry = entry
	if err := m.build(c, image, segs, &cu); err != nil {
		return ID{}, fmt.Errorf("loading '%s': %w", cfg.Name, err)
	}

	m.slotMu.Lock()
	rcu.Assign(&m.childs[id.Slot], c)
	m.count++
	m.slotMu.Unlock()
	cu.Add(func() { m.unpublish(c) })

	if err := m.k.CreateSc(c.sc, c.ec, cfg.Name); err != nil {
		return ID{}, fmt.Errorf("starting '%s': %w", cfg.Name, err)
	}
	c.mu.Lock()
	c.state = Started
	c.mu.Unlock()
	cu.Release()

	log.Infof("Loaded child %v '%s': entry %#x, hip %#x, utcb %#x, stack %#x", id, cfg.Name, c.entry, c.hip, c.utcb, c.stack)
	if err := m.waitServices(ctx, cfg.Waits); err != nil {
		return id, err
	}
	return id, nil
}

// build creates the child's portals, protection domain, memory and main
// thread. Everything it allocates is released by cu.
func (m *Manager) build(c *Child, image []byte, segs []segment, cu *cleanup.Cleanup) error {
	c.pts = m.portals + hv.Sel(uint64(c.id.Slot)*m.perChild)
	for cpu := 0; cpu < m.cpus; cpu++ {
		if !c.cpuAllowed(cpu) {
			continue
		}
		for _, vec := range childVectors {
			ec, r := m.ecs+hv.Sel(cpu), m.readers[cpu]
			if vec == hv.SrvService {
				ec, r = m.regecs+hv.Sel(cpu), m.regReaders[cpu]
			}
			sel := c.pts + hv.Sel(cpu*hv.ServiceCaps+vec)
			if err := m.k.CreatePt(sel, ec, label(c.id, cpu, vec), m.portal(r)); err != nil {
				return err
			}
			cu.Add(func() { m.k.Revoke(hv.ObjCrd(sel, 0), true) })
		}
	}

	sels, err := m.opts.Caps.Allocate(4, 4)
	if err != nil {
		return err
	}
	cu.Add(func() { m.opts.Caps.Free(sels, 4) })
	c.pd, c.ec, c.sc = sels, sels+1, sels+2

	if c.gsiCaps, err = m.opts.Caps.Allocate(hv.MaxGSIs, hv.MaxGSIs); err != nil {
		return err
	}
	cu.Add(func() { m.opts.Caps.Free(c.gsiCaps, hv.MaxGSIs) })

	if err := m.k.CreatePd(c.pd, c.cfg.Name, hv.ObjCrd(c.pts, arch.NextPow2Shift(m.perChild))); err != nil {
		return err
	}
	cu.Add(func() { m.k.Revoke(hv.ObjCrd(c.pd, 0), true) })

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, seg := range segs {
		if err := m.loadSegment(c, image, seg, cu); err != nil {
			return err
		}
	}

	// The kernel provides the UTCB; the region only keeps the address in
	// use.
	utcb, err := c.mem.FindFree(arch.UTCBSize, 0)
	if err != nil {
		return err
	}
	if _, err := c.mem.Add(dataspace.Desc{Size: arch.UTCBSize, Type: dataspace.Virtual}, utcb, 0, 0); err != nil {
		return err
	}
	c.utcb = utcb

	stack, err := m.createDS(dataspace.Desc{Size: arch.StackSize, Type: dataspace.Anonymous, Flags: dataspace.R | dataspace.W}, cu)
	if err != nil {
		return err
	}
	addr, err := c.mem.FindFree(arch.StackSize, arch.StackSize)
	if err != nil {
		return err
	}
	if _, err := c.mem.Add(stack.Desc, addr, RW|Own, stack.UnmapSel); err != nil {
		return err
	}
	c.stack = addr

	if err := m.buildHIP(c, cu); err != nil {
		return err
	}

	evbase := hv.Sel(c.cfg.CPU * hv.ServiceCaps)
	if err := m.k.CreateGlobalEc(c.ec, c.pd, c.cfg.CPU, c.utcb, c.stack+arch.StackSize, evbase); err != nil {
		return err
	}
	cu.Add(func() { m.k.Revoke(hv.ObjCrd(c.ec, 0), true) })
	return nil
}

// createDS creates a dataspace that cu releases.
func (m *Manager) createDS(desc dataspace.Desc, cu *cleanup.Cleanup) (dataspace.DataSpace, error) {
	ds, err := m.opts.DataSpaces.Create(desc)
	if err != nil {
		return ds, err
	}
	cu.Add(func() { m.opts.DataSpaces.Release(ds.UnmapSel) })
	return ds, nil
}

// +checklocks:c.mu
func (m *Manager) loadSegment(c *Child, image []byte, seg segment, cu *cleanup.Cleanup) error {
	r, err := seg.pages()
	if err != nil {
		return err
	}
	start, end := r.Addr, r.End()
	flags := segmentFlags(seg.flags)
	ds, err := m.createDS(dataspace.Desc{Size: end - start, Type: dataspace.Anonymous, Flags: dataspace.Flags(flags & RWX)}, cu)
	if err != nil {
		return err
	}
	b, err := m.opts.Memory.Bytes(ds.Virt, ds.Size)
	if err != nil {
		return err
	}
	clear(b)
	copy(b[seg.vaddr-start:], image[seg.offset:seg.offset+seg.filesz])
	if _, err := c.mem.Add(ds.Desc, start, flags, ds.UnmapSel); err != nil {
		return err
	}
	log.Debugf("Child '%s': segment %#x..%#x %v (%d bytes from file)", c.cfg.Name, start, end, flags, seg.filesz)
	return nil
}

// buildHIP maps the command lines of the modules the child may see and
// its information page.
//
// +checklocks:c.mu
func (m *Manager) buildHIP(c *Child, cu *cleanup.Cleanup) error {
	h := hip.New(m.cpus, c.cpuAllowed)

	var mods []hip.Module
	if i := c.cfg.Module; i >= 0 && i < len(m.opts.Modules) {
		switch c.cfg.Access {
		case OwnModule:
			mods = m.opts.Modules[i : i+1]
		case FollowingModules:
			mods = m.opts.Modules[i:]
		}
	}

	aux, err := m.mapReadOnly(c, MaxModAuxLen, cu)
	if err != nil {
		return err
	}
	b, err := m.opts.Memory.Bytes(aux.Origin(0), MaxModAuxLen)
	if err != nil {
		return err
	}
	off := uint64(0)
	for _, mod := range mods {
		n := uint64(len(mod.Cmdline)) + 1
		if off+n > MaxModAuxLen {
			return nreerr.Newf(nreerr.Capacity, "Module command lines exceed %d bytes", MaxModAuxLen)
		}
		copy(b[off:], mod.Cmdline)
		b[off+n-1] = 0
		ptr := aux.Virt() + off
		if ptr > math.MaxUint32 {
			return nreerr.Newf(nreerr.Capacity, "Command line at %#x not addressable from the HIP", ptr)
		}
		h.AddMem(mod.Addr, mod.Size, hip.MemModule, uint32(ptr))
		off += n
	}

	page, err := h.Marshal()
	if err != nil {
		return err
	}
	ds, err := m.mapReadOnly(c, arch.PageSize, cu)
	if err != nil {
		return err
	}
	dst, err := m.opts.Memory.Bytes(ds.Origin(0), arch.PageSize)
	if err != nil {
		return err
	}
	copy(dst, page)
	c.hip = ds.Virt()
	return nil
}

// mapReadOnly creates a zeroed dataspace of size bytes, owned by c and
// mapped read-only into it.
//
// +checklocks:c.mu
func (m *Manager) mapReadOnly(c *Child, size uint64, cu *cleanup.Cleanup) (*DS, error) {
	ds, err := m.createDS(dataspace.Desc{Size: size, Type: dataspace.Anonymous, Flags: dataspace.R}, cu)
	if err != nil {
		return nil, err
	}
	b, err := m.opts.Memory.Bytes(ds.Virt, ds.Size)
	if err != nil {
		return nil, err
	}
	clear(b)
	addr, err := c.mem.FindFree(ds.Size, 0)
	if err != nil {
		return nil, err
	}
	return c.mem.Add(ds.Desc, addr, R|Own, ds.UnmapSel)
}

// unpublish undoes a Load that failed after the child was published.
func (m *Manager) unpublish(c *Child) {
	m.slotMu.Lock()
	if m.childs[c.id.Slot].Load() == c {
		rcu.Assign(&m.childs[c.id.Slot], nil)
		m.count--
	}
	m.slotMu.Unlock()
	m.opts.RCU.Invalidate(c, nil)
	m.opts.RCU.GC(true)
}

// waitServices waits until every service in names is registered.
func (m *Manager) waitServices(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if m.opts.ServiceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ServiceTimeout)
		defer cancel()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	op := func() error {
		for _, name := range names {
			if m.registry.Find(name) == nil {
				return nreerr.Newf(nreerr.NotFound, "Service '%s' is not registered", name)
			}
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nreerr.Newf(nreerr.Timeout, "Waiting for services %v: %v", names, err)
	}
	return nil
}

// Kill destroys the child id.
func (m *Manager) Kill(id ID) error {
	if !m.destroy(id, Faulted, -1) {
		return nreerr.Newf(nreerr.NotFound, "Child %v not found", id)
	}
	return nil
}

// destroy unpublishes the child id and releases everything it holds once
// no portal call can see it anymore. It must not be called inside a read
// section. It returns false if there is no such child.
func (m *Manager) destroy(id ID, state State, code int) bool {
	m.slotMu.Lock()
	if id.Slot < 0 || id.Slot >= len(m.childs) {
		m.slotMu.Unlock()
		return false
	}
	c := m.childs[id.Slot].Load()
	if c == nil || c.id != id {
		m.slotMu.Unlock()
		return false
	}
	rcu.Assign(&m.childs[id.Slot], nil)
	m.count--
	m.slotMu.Unlock()

	c.mu.Lock()
	c.state = state
	c.exitCode = code
	c.mu.Unlock()

	for _, s := range m.registry.Remove(c) {
		log.Infof("Removing service '%s' of child '%s'", s.name, c.cfg.Name)
		m.dropService(s)
	}
	// The slot stays reserved until release ran, so its portal range is
	// not reused while a call may still be running on it.
	m.opts.RCU.Invalidate(c, func() { m.release(c) })
	m.opts.RCU.GC(true)
	m.clientDied()

	select {
	case m.dead <- id:
	default:
	}
	return true
}

// release frees the resources of a destroyed child.
func (m *Manager) release(c *Child) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sc := range c.scs {
		if sc == nil {
			continue
		}
		if sc.started {
			if err := m.opts.Parent.StopSC(sc.sel); err != nil {
				log.Warningf("Child '%s': stopping Sc '%s': %v", c.cfg.Name, sc.name, err)
			}
		}
		m.k.Revoke(hv.ObjCrd(sc.ec, 0), true)
		m.opts.Caps.Free(sc.ec, 1)
		m.opts.Caps.Free(sc.sel, 1)
	}
	c.scs = nil

	for gsi, sel := range c.gsiSels {
		if err := m.opts.Parent.ReleaseGSI(gsi); err != nil {
			log.Warningf("Child '%s': releasing GSI %d: %v", c.cfg.Name, gsi, err)
		}
		m.k.Revoke(hv.ObjCrd(sel, 0), true)
	}
	clear(c.gsiSels)
	c.gsis = bitmap.New(hv.MaxGSIs)

	for _, r := range c.io.Regions() {
		if err := m.opts.Parent.ReleaseIO(r.Addr, r.Size); err != nil {
			log.Warningf("Child '%s': releasing ports %v: %v", c.cfg.Name, r, err)
		}
	}
	c.io = region.New()

	m.k.Revoke(hv.ObjCrd(c.sc, 0), true)
	m.k.Revoke(hv.ObjCrd(c.ec, 0), true)
	m.k.Revoke(hv.ObjCrd(c.pd, 0), true)
	hv.Revoke(m.k, hv.SpaceObj, uint64(c.pts), m.perChild, true)

	var dss []*DS
	c.mem.Each(func(ds *DS) {
		dss = append(dss, ds)
	})
	for _, ds := range dss {
		c.mem.RemoveByAddr(ds.Virt())
		m.releaseDS(ds)
	}

	m.opts.Caps.Free(c.pd, 4)
	m.opts.Caps.Free(c.gsiCaps, hv.MaxGSIs)
	c.state = Destroyed
	m.unreserve(c.id.Slot)
	log.Infof("Destroyed child %v '%s'", c.id, c.cfg.Name)
}

// releaseDS drops the child's reference to the dataspace behind ds.
func (m *Manager) releaseDS(ds *DS) {
	if ds.Sel() == 0 {
		return
	}
	if _, _, err := m.opts.DataSpaces.Release(ds.Sel()); err != nil {
		log.Warningf("Releasing dataspace %v: %v", ds, err)
	}
}

// dropService revokes what the registry holds for s.
func (m *Manager) dropService(s *Service) {
	if s.caps != 0 {
		hv.Revoke(m.k, hv.SpaceObj, uint64(s.pts), s.caps, true)
		m.opts.Caps.Free(s.pts, s.caps)
	}
	if s.sm != 0 {
		m.k.Revoke(hv.ObjCrd(s.sm, 0), true)
		m.opts.Caps.Free(s.sm, 1)
	}
}

// clientDied wakes up every service so that it checks its sessions, and
// tells the parent.
func (m *Manager) clientDied() {
	for _, s := range m.registry.All() {
		if s.sm == 0 {
			continue
		}
		if err := m.k.Up(s.sm); err != nil {
			log.Warningf("Notifying service '%s': %v", s.name, err)
		}
	}
	if err := m.opts.Parent.ClientDied(); err != nil {
		log.Debugf("Notifying parent about dead clients: %v", err)
	}
}

// Register implements service.Registrar.Register for services of the root
// task.
func (m *Manager) Register(name string, pts hv.Sel, available bitmap.Bitmap) (hv.Sel, error) {
	sm, err := m.newSm()
	if err != nil {
		return 0, err
	}
	s := &Service{name: name, pts: pts, available: available.Clone(), sm: sm}
	if err := m.registry.Reg(s); err != nil {
		m.dropService(s)
		return 0, err
	}
	log.Infof("Root registered service '%s'", name)
	return sm, nil
}

// Unregister implements service.Registrar.Unregister.
func (m *Manager) Unregister(name string) error {
	s, err := m.registry.Unreg(nil, name)
	if err != nil {
		return err
	}
	m.dropService(s)
	return nil
}

func (m *Manager) newSm() (hv.Sel, error) {
	sm, err := m.opts.Caps.Allocate(1, 1)
	if err != nil {
		return 0, err
	}
	if err := m.k.CreateSm(sm, 0); err != nil {
		m.opts.Caps.Free(sm, 1)
		return 0, err
	}
	return sm, nil
}

// Get returns the child id.
func (m *Manager) Get(id ID) (*Child, error) {
	if id.Slot < 0 || id.Slot >= len(m.childs) {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Invalid child slot %d", id.Slot)
	}
	c := m.childs[id.Slot].Load()
	if c == nil || c.id != id {
		return nil, nreerr.Newf(nreerr.NotFound, "Child %v not found", id)
	}
	return c, nil
}

// Count returns the number of running children.
func (m *Manager) Count() int {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	return m.count
}

// Children returns the running children by slot.
func (m *Manager) Children() []*Child {
	var cs []*Child
	for i := range m.childs {
		if c := m.childs[i].Load(); c != nil {
			cs = append(cs, c)
		}
	}
	return cs
}

// Registry returns the service registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Dead delivers the IDs of destroyed children. IDs are dropped when
// nobody receives them.
func (m *Manager) Dead() <-chan ID {
	return m.dead
}

// MemUsage returns the address space in use and the memory owned by all
// children.
func (m *Manager) MemUsage() (virt, phys uint64) {
	for _, c := range m.Children() {
		v, p := c.MemUsage()
		virt += v
		phys += p
	}
	return virt, phys
}

// String implements fmt.Stringer.String.
func (m *Manager) String() string {
	return fmt.Sprintf("ChildManager[childs=%d services=%d]", m.Count(), len(m.registry.All()))
}
