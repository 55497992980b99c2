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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"nre.dev/nre/nre/config"
	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/child"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hip"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/hv/sim"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/logsvc"
	"nre.dev/nre/pkg/physmem"
	"nre.dev/nre/pkg/rcu"
	"nre.dev/nre/pkg/service"
)

// Selectors boot uses in a child's space when it acts on the child's
// behalf. They are above the event portals of every CPU.
const (
	clientSel   hv.Sel = 0x10000
	logPts      hv.Sel = 0x10040
	logSession  hv.Sel = 0x10080
	provideSems hv.Sel = 0x100c0
	providePts  hv.Sel = 0x10100
)

// rootSelectors is the range of selectors the root allocates from.
const (
	rootSelBase  = 0x1000
	rootSelCount = 1 << 20
)

// lazyMemory lets the kernel ask about root pages of a Memory that is
// created after the kernel.
type lazyMemory struct {
	*physmem.Memory
}

// machine is a simulated machine running the root and its children.
type machine struct {
	conf *config.Config
	boot *config.BootConfig

	k      *sim.Kernel
	parent *sim.Parent
	caps   *caps.Space
	mem    *physmem.Memory
	rcu    *rcu.Domain
	m      *child.Manager
	logs   *logsvc.Service

	images [][]byte

	// logger receives the lines of the log service. Nil means the global
	// logger.
	logger log.Logger

	mu     sync.Mutex
	booted map[string]*booted
}

// booted is a child started by boot.
type booted struct {
	cfg *config.ChildConfig
	c   *child.Child
	th  *sim.Thread
}

// readImages reads the image of each child of bc.
func readImages(bc *config.BootConfig) ([][]byte, error) {
	images := make([][]byte, len(bc.Children))
	for i := range bc.Children {
		path := bc.Path(&bc.Children[i])
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading image of %q: %w", bc.Children[i].Name, err)
		}
		images[i] = b
	}
	return images, nil
}

// newMachine creates the machine and copies the child images into its
// memory as boot modules.
func newMachine(conf *config.Config, bc *config.BootConfig, images [][]byte) (*machine, error) {
	lazy := &lazyMemory{}
	mc := &machine{
		conf:   conf,
		boot:   bc,
		k:      sim.New(conf.CPUs, lazy),
		caps:   caps.NewSpace(rootSelBase, rootSelCount),
		rcu:    rcu.NewDomain(),
		images: images,
		booted: make(map[string]*booted),
	}
	mem, err := physmem.New(physmem.Config{Size: conf.MemoryBytes(), Caps: mc.caps, Kernel: mc.k})
	if err != nil {
		return nil, fmt.Errorf("creating root memory: %w", err)
	}
	lazy.Memory = mem
	mc.mem = mem
	mc.parent = sim.NewParent(mc.k)

	mods := make([]hip.Module, len(images))
	for i, image := range images {
		addr, err := mem.AddModule(image)
		if err != nil {
			mc.close()
			return nil, fmt.Errorf("adding module of %q: %w", bc.Children[i].Name, err)
		}
		cfg := bc.Children[i].ChildConfig(conf.CPUs, i)
		mods[i] = hip.Module{Addr: addr, Size: uint64(len(image)), Cmdline: cfg.Cmdline}
	}

	opts := conf.ChildOptions()
	opts.Kernel = mc.k
	opts.Parent = mc.parent
	opts.Caps = mc.caps
	opts.RCU = mc.rcu
	opts.DataSpaces = dataspace.NewManager(mem)
	opts.Memory = mem
	opts.Modules = mods
	if mc.m, err = child.NewManager(opts); err != nil {
		mc.close()
		return nil, err
	}
	return mc, nil
}

// startLog starts the root's log service.
func (mc *machine) startLog(ctx context.Context, color bool) error {
	logs, err := logsvc.New(logsvc.Config{
		Kernel:      mc.k,
		Caps:        mc.caps,
		RCU:         mc.rcu,
		Parent:      mc.m,
		MaxSessions: child.MaxChilds,
		Logger:      mc.logger,
		Color:       color,
	})
	if err != nil {
		return err
	}
	if err := logs.Start(ctx); err != nil {
		return fmt.Errorf("starting log service: %w", err)
	}
	mc.logs = logs
	return nil
}

// run loads and starts every child. Children that wait for services of
// other children are loaded concurrently with them.
func (mc *machine) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range mc.boot.Children {
		i := i
		g.Go(func() error {
			return mc.start(ctx, i)
		})
	}
	return g.Wait()
}

// start loads child i and does what its configuration asks for once it
// runs.
func (mc *machine) start(ctx context.Context, i int) error {
	cc := &mc.boot.Children[i]
	id, err := mc.m.Load(ctx, mc.images[i], cc.ChildConfig(mc.conf.CPUs, i))
	if err != nil {
		if errors.Is(err, nreerr.Timeout) || errors.Is(err, context.Canceled) {
			// Loaded, but its services did not show up.
			_ = mc.m.Kill(id)
		}
		return fmt.Errorf("child %q: %w", cc.Name, err)
	}
	c, err := mc.m.Get(id)
	if err != nil {
		return fmt.Errorf("child %q: %w", cc.Name, err)
	}
	th, err := mc.k.Thread(c.EC())
	if err != nil {
		return fmt.Errorf("child %q: %w", cc.Name, err)
	}
	if err := th.Startup(); err != nil {
		return fmt.Errorf("child %q: startup: %w", cc.Name, err)
	}
	b := &booted{cfg: cc, c: c, th: th}
	mc.mu.Lock()
	mc.booted[cc.Name] = b
	mc.mu.Unlock()

	if cc.Prefault {
		if err := prefault(b); err != nil {
			return fmt.Errorf("child %q: prefault: %w", cc.Name, err)
		}
	}
	for j, name := range cc.Provides {
		if err := mc.provide(b, j, name); err != nil {
			return fmt.Errorf("child %q: providing %q: %w", cc.Name, name, err)
		}
	}
	if waits(cc, logsvc.Name) {
		if err := mc.greet(b); err != nil {
			return fmt.Errorf("child %q: log: %w", cc.Name, err)
		}
	}
	return nil
}

func waits(cc *config.ChildConfig, name string) bool {
	for _, w := range cc.Waits {
		if w == name {
			return true
		}
	}
	return false
}

// prefault touches every page of b's memory with the rights it has on it.
func prefault(b *booted) error {
	pages := 0
	for _, m := range b.c.Mappings() {
		if !m.Memory {
			continue
		}
		for addr := m.Addr; addr < m.End(); addr += arch.PageSize {
			if err := b.th.Access(addr, m.Flags.Perm()); err != nil {
				return fmt.Errorf("touching %#x: %w", addr, err)
			}
			pages++
		}
	}
	log.Debugf("Child '%s': prefaulted %d pages", b.cfg.Name, pages)
	return nil
}

// windowOrder is the order of a selector window with one selector per
// CPU.
func windowOrder(cpus int) uint64 {
	return uint64(bits.Len(uint(cpus - 1)))
}

// provide registers the service name for b. Its handler portals accept
// every call, standing in for the child's server.
func (mc *machine) provide(b *booted, j int, name string) error {
	cpus := mc.conf.CPUs
	pts := providePts + hv.Sel(j*hv.MaxCPUs)
	for cpu := 0; cpu < cpus; cpu++ {
		echo := func(id uint64, f *hv.Frame) {
			f.FinishInput()
			f.Reply(nil, id)
		}
		if err := mc.k.CreateChildPt(b.c.PD(), pts+hv.Sel(cpu), cpu, uint64(cpu), echo); err != nil {
			return err
		}
	}
	available := bitmap.New(uint32(cpus))
	for cpu := 0; cpu < cpus; cpu++ {
		if len(b.cfg.CPUs) == 0 || contains(b.cfg.CPUs, cpu) {
			available.Add(uint32(cpu))
		}
	}
	reg := &service.PortalRegistrar{
		Caller: b.th,
		Portal: registry(b.th),
		Window: hv.ObjCrd(provideSems+hv.Sel(j), 0),
		Caps:   uint64(cpus),
	}
	if _, err := reg.Register(name, pts, available); err != nil {
		return err
	}
	log.Infof("Child '%s' provides '%s' on CPUs %v", b.cfg.Name, name, available.ToSlice())
	return nil
}

func contains(cpus []int, cpu int) bool {
	for _, c := range cpus {
		if c == cpu {
			return true
		}
	}
	return false
}

// registry returns the service registry portal of th's CPU.
func registry(th *sim.Thread) hv.Sel {
	return hv.Sel(th.CPU()*hv.ServiceCaps + hv.SrvService)
}

// greet writes the command line of b to the log service.
func (mc *machine) greet(b *booted) error {
	order := windowOrder(mc.conf.CPUs)
	pts, available, err := service.GetService(b.th, registry(b.th), logsvc.Name, hv.ObjCrd(logPts, uint(order)))
	if err != nil {
		return err
	}
	if err := mc.k.CreateChildSm(b.c.PD(), clientSel, 0); err != nil {
		return err
	}
	cpu := b.th.CPU()
	client, err := logsvc.Open(b.th, pts, cpu, clientSel, available, hv.ObjCrd(logSession, uint(order)))
	if err != nil {
		return err
	}
	if err := client.Write(cpu, b.c.Cmdline()+" started"); err != nil {
		return err
	}
	return client.Close(pts, cpu)
}

// started returns the children boot started, in configuration order.
func (mc *machine) started() []*booted {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var bs []*booted
	for i := range mc.boot.Children {
		if b, ok := mc.booted[mc.boot.Children[i].Name]; ok {
			bs = append(bs, b)
		}
	}
	return bs
}

// wait returns once every child died, ctx is done or the process is
// interrupted.
func (mc *machine) wait(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	for mc.m.Count() > 0 {
		select {
		case id := <-mc.m.Dead():
			for _, b := range mc.started() {
				if b.c.ID() == id {
					log.Infof("Child %v '%s' is %v, exit code %d", id, b.cfg.Name, b.c.State(), b.c.ExitCode())
				}
			}
		case <-ctx.Done():
			log.Infof("Stopping %d children: %v", mc.m.Count(), context.Cause(ctx))
			return
		}
	}
}

// shutdown kills every child and waits until their resources are back.
func (mc *machine) shutdown() {
	for _, c := range mc.m.Children() {
		if err := mc.m.Kill(c.ID()); err != nil {
			log.Warningf("Killing child %v: %v", c.ID(), err)
		}
	}
	mc.rcu.GC(true)
}

func (mc *machine) close() {
	if err := mc.mem.Close(); err != nil {
		log.Warningf("Releasing root memory: %v", err)
	}
}
