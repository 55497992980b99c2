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

package hv

import (
	"nre.dev/nre/pkg/bitmap"
)

// System limits.
const (
	MaxCPUs = 64
	MaxGSIs = 128
)

// GSIOp is the operation of a GSI portal call.
type GSIOp uint64

// GSI operations.
const (
	GSIAlloc GSIOp = iota
	GSIRelease
)

// IOOp is the operation of an I/O port portal call.
type IOOp uint64

// I/O port operations.
const (
	IOAlloc IOOp = iota
	IORelease
)

// SCCommand is the operation of a scheduling context portal call.
type SCCommand uint64

// Scheduling context operations.
const (
	SCCreate SCCommand = iota
	SCStart
	SCStop
)

// Qpd are the scheduling parameters of a scheduling context.
type Qpd struct {
	Prio    uint64
	Quantum uint64
}

// DefaultQpd is used when a request leaves the parameters unspecified.
var DefaultQpd = Qpd{Prio: 1, Quantum: 10000}

// Parent is the layer below the root task. It owns the hardware resources
// that the root task passes on to its children.
type Parent interface {
	// AllocGSI allocates gsi and delegates its semaphore to dst. pcicfg
	// is the PCI config space address of the device, if any. It returns
	// the GSI actually assigned.
	AllocGSI(gsi uint32, pcicfg uint64, dst Sel) (uint32, error)

	// ReleaseGSI releases gsi.
	ReleaseGSI(gsi uint32) error

	// AllocIO allocates the I/O ports [base, base+count).
	AllocIO(base, count uint64) error

	// ReleaseIO releases the I/O ports [base, base+count).
	ReleaseIO(base, count uint64) error

	// StartSC creates a scheduling context named name for the thread ec on
	// cpu at dst. It returns the parameters actually granted.
	StartSC(name string, cpu int, qpd Qpd, ec, dst Sel) (Qpd, error)

	// StopSC destroys the scheduling context sc.
	StopSC(sc Sel) error

	// GetService delegates the per-CPU portals of the service name to
	// [dst, dst+count) and returns the CPUs it is available on.
	GetService(name string, dst Sel, count uint64) (bitmap.Bitmap, error)

	// ClientDied tells the services of the parent that clients are gone.
	ClientDied() error
}
