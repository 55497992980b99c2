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

// Package hv describes the microkernel interface the runtime is built on:
// capability selectors, capability range descriptors, UTCB frames and the
// kernel operations the root task invokes.
//
// The kernel itself is an external collaborator. Package sim provides an
// in-process implementation.
package hv

import (
	"context"
	"fmt"

	"nre.dev/nre/pkg/arch"
)

// Sel is a capability selector.
type Sel uint64

// Perm is a set of memory access rights.
type Perm uint8

// Memory access rights.
const (
	PermR Perm = 1 << iota
	PermW
	PermX

	PermRW  = PermR | PermW
	PermRX  = PermR | PermX
	PermRWX = PermR | PermW | PermX
)

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	b := []byte("---")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Space is the kind of capability space a descriptor refers to.
type Space uint8

// Capability spaces.
const (
	SpaceObj Space = iota
	SpaceMem
	SpaceIO
)

// Crd is a capability range descriptor: 1<<Order consecutive capabilities
// starting at Base, which must be aligned to the size of the range. For
// memory, Base is a page number.
type Crd struct {
	Space Space
	Base  uint64
	Order uint
	Perm  Perm
}

// ObjCrd returns a descriptor for the object capabilities [sel, sel+1<<order).
func ObjCrd(sel Sel, order uint) Crd {
	return Crd{Space: SpaceObj, Base: uint64(sel), Order: order}
}

// MemCrd returns a descriptor for 1<<order pages starting at page.
func MemCrd(page uint64, order uint, perm Perm) Crd {
	return Crd{Space: SpaceMem, Base: page, Order: order, Perm: perm}
}

// Count returns the number of capabilities in the range.
func (c Crd) Count() uint64 {
	return 1 << c.Order
}

// IsNull returns whether c is the empty descriptor, e.g. the result of a
// failed lookup.
func (c Crd) IsNull() bool {
	return c == Crd{}
}

// String implements fmt.Stringer.String.
func (c Crd) String() string {
	return fmt.Sprintf("Crd[space=%d base=%#x order=%d perm=%v]", c.Space, c.Base, c.Order, c.Perm)
}

// Portal is the entry function of a portal. id is the label the portal was
// created with; f is the caller's UTCB frame, which the handler turns into
// the reply.
type Portal func(id uint64, f *Frame)

// Event and service vectors, relative to the base of a thread's portal
// range for one CPU.
const (
	EvDivide     = 0x0
	EvDebug      = 0x1
	EvBreakpoint = 0x3
	EvOverflow   = 0x4
	EvBoundRange = 0x5
	EvUndefOp    = 0x6
	EvNoMathProc = 0x7
	EvDblFault   = 0x8
	EvTSS        = 0xa
	EvInvSeg     = 0xb
	EvStack      = 0xc
	EvGenProt    = 0xd
	EvPageFault  = 0xe
	EvMathFault  = 0x10
	EvAlignChk   = 0x11
	EvMachChk    = 0x12
	EvSIMD       = 0x13
	EvStartup    = 0x1e

	SrvInit    = 0x20
	SrvService = 0x21
	SrvIO      = 0x22
	SrvSC      = 0x23
	SrvGSI     = 0x24
	SrvDS      = 0x25

	// ServiceCaps is the number of portal selectors reserved per CPU.
	ServiceCaps = 0x40
)

// ExceptionVectors are the CPU exceptions a child's threads can raise,
// apart from page faults.
var ExceptionVectors = []int{
	EvDivide, EvDebug, EvBreakpoint, EvOverflow, EvBoundRange, EvUndefOp,
	EvNoMathProc, EvDblFault, EvTSS, EvInvSeg, EvStack, EvGenProt,
	EvMathFault, EvAlignChk, EvMachChk, EvSIMD,
}

// Page fault error code bits, as reported in Regs.Qual[0].
const (
	PFPresent = 1 << 0
	PFWrite   = 1 << 1
	PFUser    = 1 << 2
	PFFetch   = 1 << 4
)

// Kernel is the set of kernel operations the root task uses.
type Kernel interface {
	// CPUs returns the number of online CPUs.
	CPUs() int

	// CreateLocalEc creates a local thread on cpu that serves portals. A
	// local thread handles one portal call at a time.
	CreateLocalEc(sel Sel, cpu int) error

	// SetReceiveWindow sets where capabilities delegated to the portals of
	// the local thread ec land. A portal handler moves the window on with
	// Frame.SetDelegationWindow once it consumed what it received.
	SetReceiveWindow(ec Sel, crd Crd) error

	// CreatePt creates a portal at sel served by the local thread ec. Each
	// call invokes fn with id.
	CreatePt(sel, ec Sel, id uint64, fn Portal) error

	// CreatePd creates a protection domain named name and delegates the
	// object capabilities in caps into it.
	CreatePd(sel Sel, name string, caps Crd) error

	// CreateGlobalEc creates a thread of pd on cpu. Its UTCB is placed at
	// utcb in pd, its event portals start at evbase and rsp is its initial
	// stack pointer, as seen by the startup portal.
	CreateGlobalEc(sel, pd Sel, cpu int, utcb, rsp uint64, evbase Sel) error

	// CreateSc creates a scheduling context for ec, which starts it.
	CreateSc(sel, ec Sel, name string) error

	// CreateSm creates a semaphore with the given initial count.
	CreateSm(sel Sel, count uint64) error

	// Up increments semaphore sm.
	Up(sm Sel) error

	// Down decrements semaphore sm, blocking until that is possible or
	// ctx is done.
	Down(ctx context.Context, sm Sel) error

	// Lookup returns the descriptor of the capability that contains the
	// first capability of crd in the root's own space, or a null
	// descriptor if there is none.
	Lookup(crd Crd) Crd

	// Revoke removes every capability derived from crd from all other
	// domains, and from the root as well if self is set.
	Revoke(crd Crd, self bool)
}

// Revoke revokes count capabilities starting at base, splitting the range
// into naturally aligned descriptors.
func Revoke(k Kernel, space Space, base, count uint64, self bool) {
	for count > 0 {
		shift := arch.MinShift(base, count)
		k.Revoke(Crd{Space: space, Base: base, Order: shift}, self)
		base += 1 << shift
		count -= 1 << shift
	}
}
