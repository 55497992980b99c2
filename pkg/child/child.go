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

// Package child loads and runs the children of the root task.
//
// The Manager gives every child its own protection domain and a range of
// portals, one set per CPU, through which the child's page faults, thread
// startups and requests reach the root. Portals are labelled with the
// child's ID, so a call always finds the child that the portal was created
// for or nothing at all, even after its slot was reused.
package child

import (
	"fmt"
	"sync"

	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/dataspace"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/region"
)

// ID identifies a child: the slot it occupies and how often that slot has
// been used.
type ID struct {
	Slot int
	Gen  uint32
}

// String implements fmt.Stringer.String.
func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Slot, id.Gen)
}

// State is the lifecycle state of a child.
type State int

// Child states.
const (
	// Loading is the state while the child is being built.
	Loading State = iota
	// Started means the main thread is scheduled but has not run yet.
	Started
	// Running means the main thread went through the startup portal.
	Running
	// Faulted means the child was killed because of a fault.
	Faulted
	// Exiting means the child exited voluntarily.
	Exiting
	// Destroyed means the child is gone.
	Destroyed
)

var stateNames = [...]string{"Loading", "Started", "Running", "Faulted", "Exiting", "Destroyed"}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ModuleAccess selects the boot modules a child sees in its HIP.
type ModuleAccess int

// Module access modes.
const (
	// NoModules hides every module.
	NoModules ModuleAccess = iota
	// OwnModule shows the module the child was loaded from.
	OwnModule
	// FollowingModules shows the child's module and every module after
	// it.
	FollowingModules
)

// Config describes a child to load.
type Config struct {
	Name    string
	Cmdline string

	// CPU is the CPU of the main thread.
	CPU int

	// CPUs are the CPUs the child may use. Empty means every CPU.
	CPUs bitmap.Bitmap

	// Module is the index of the boot module the child was loaded from,
	// or -1.
	Module int
	Access ModuleAccess

	// Main is passed to the main thread. It is the entry function of
	// children that run a function of an already loaded image.
	Main uint64

	// Waits are services that must be registered before Load returns.
	Waits []string
}

// scInfo is a scheduling context a child asked for. ec is the root's
// capability of the thread it runs.
type scInfo struct {
	sel     hv.Sel
	ec      hv.Sel
	name    string
	cpu     int
	started bool
}

// Child is a loaded child.
type Child struct {
	id  ID
	cfg Config

	// pts is the child's portal range in the root, which is delegated to
	// the child at selector zero.
	pts hv.Sel
	// pd, ec and sc are the root's selectors of the domain, main thread
	// and its scheduling context.
	pd, ec, sc hv.Sel

	// gsiCaps receive the semaphores of allocated GSIs.
	gsiCaps hv.Sel

	entry uint64
	hip   uint64
	utcb  uint64
	stack uint64

	mu sync.Mutex

	// +checklocks:mu
	state State

	// +checklocks:mu
	started bool

	// +checklocks:mu
	mem *Memory

	// +checklocks:mu
	gsis bitmap.Bitmap

	// +checklocks:mu
	gsiSels map[uint32]hv.Sel

	// io holds the I/O ports the child owns.
	//
	// +checklocks:mu
	io *region.Manager

	// scs are indexed by the token handed to the child.
	//
	// +checklocks:mu
	scs []*scInfo

	// +checklocks:mu
	lastFaultAddr uint64

	// +checklocks:mu
	lastFaultCPU int

	// +checklocks:mu
	faultRepeats int

	// +checklocks:mu
	exitCode int
}

func newChild(id ID, cfg Config) *Child {
	return &Child{
		id:           id,
		cfg:          cfg,
		state:        Loading,
		mem:          NewMemory(),
		gsis:         bitmap.New(hv.MaxGSIs),
		gsiSels:      make(map[uint32]hv.Sel),
		io:           region.New(),
		lastFaultCPU: -1,
	}
}

// ID returns the ID of the child.
func (c *Child) ID() ID {
	return c.id
}

// Name returns the name of the child.
func (c *Child) Name() string {
	return c.cfg.Name
}

// Cmdline returns the command line of the child.
func (c *Child) Cmdline() string {
	return c.cfg.Cmdline
}

// PD returns the root's selector of the child's protection domain.
func (c *Child) PD() hv.Sel {
	return c.pd
}

// EC returns the root's selector of the child's main thread.
func (c *Child) EC() hv.Sel {
	return c.ec
}

// Entry returns the entry point of the child.
func (c *Child) Entry() uint64 {
	return c.entry
}

// HIP returns the address of the child's information page.
func (c *Child) HIP() uint64 {
	return c.hip
}

// UTCB returns the address of the main thread's UTCB.
func (c *Child) UTCB() uint64 {
	return c.utcb
}

// Stack returns the address of the main thread's stack.
func (c *Child) Stack() uint64 {
	return c.stack
}

// State returns the lifecycle state.
func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExitCode returns the code the child exited with.
func (c *Child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// MemUsage returns the virtual and owned physical memory of the child.
func (c *Child) MemUsage() (virt, phys uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem.MemUsage()
}

// MemoryMap returns the child's address space layout.
func (c *Child) MemoryMap() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem.String()
}

// Mapping is a range of a child's address space backed by a dataspace.
type Mapping struct {
	region.Region
	Flags Flags

	// Memory is false for ranges without backing memory, like the UTCB.
	Memory bool
}

// Mappings returns the ranges of the child's dataspaces in address order.
func (c *Child) Mappings() []Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ms []Mapping
	c.mem.Each(func(ds *DS) {
		ms = append(ms, Mapping{
			Region: region.Region{Addr: ds.Virt(), Size: ds.Size()},
			Flags:  ds.Flags(),
			Memory: ds.Desc().Type != dataspace.Virtual,
		})
	})
	return ms
}

// Rights returns the child's rights on the dataspace containing addr.
func (c *Child) Rights(addr uint64) (Flags, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.mem.FindByAddr(addr)
	if ds == nil {
		return 0, false
	}
	return ds.Flags(), true
}

// GSIs returns the GSIs the child owns.
func (c *Child) GSIs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gsis.ToSlice()
}

// Ports returns the I/O port ranges the child owns.
func (c *Child) Ports() []region.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.io.Regions()
}

// cpuAllowed returns whether the child may use cpu.
func (c *Child) cpuAllowed(cpu int) bool {
	if c.cfg.CPUs.Size() == 0 || c.cfg.CPUs.IsEmpty() {
		return true
	}
	return cpu >= 0 && c.cfg.CPUs.Contains(uint32(cpu))
}

// String implements fmt.Stringer.String.
func (c *Child) String() string {
	return fmt.Sprintf("Child[%v %q]", c.id, c.cfg.Name)
}
