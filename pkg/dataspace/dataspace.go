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

// Package dataspace provides dataspaces, reference counted memory objects
// that are named by capability selectors, and the Manager that tracks them
// on behalf of the owner of their backing memory.
package dataspace

import (
	"fmt"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// Type is the kind of memory behind a dataspace.
type Type uint8

const (
	// Anonymous memory is not backed by anything but RAM.
	Anonymous Type = iota

	// Virtual dataspaces reserve address space without backing memory.
	Virtual

	// Locked memory is never paged out.
	Locked
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Anonymous:
		return "anonymous"
	case Virtual:
		return "virtual"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Flags are the access rights and placement hints of a dataspace. The
// permission bits have the values of hv.Perm.
type Flags uint32

// Dataspace flags.
const (
	R Flags = 1 << iota
	W
	X

	// BigPages requests an alignment that allows the use of big pages.
	BigPages

	RW  = R | W
	RX  = R | X
	RWX = R | W | X
)

// Perm returns the permission bits of f.
func (f Flags) Perm() hv.Perm {
	return hv.Perm(f & RWX)
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	s := f.Perm().String()
	if f&BigPages != 0 {
		s += "B"
	}
	return s
}

// Desc describes a dataspace.
type Desc struct {
	Size  uint64
	Type  Type
	Flags Flags

	// Phys is the physical address of the memory.
	Phys uint64

	// Virt is the address of the memory in the address space of whoever
	// holds the descriptor.
	Virt uint64

	// Origin identifies the backing memory. In the root it is the physical
	// address; in a child's view it is the root's address of the memory,
	// which a switch exchanges without moving Virt.
	Origin uint64

	// Align is the alignment of the mapping as a page order.
	Align uint
}

// Alignment returns the alignment in bytes.
func (d Desc) Alignment() uint64 {
	return 1 << (d.Align + arch.PageShift)
}

// Pages returns the size in pages, rounded up.
func (d Desc) Pages() uint64 {
	return arch.PageRoundUp(d.Size) >> arch.PageShift
}

// String implements fmt.Stringer.String.
func (d Desc) String() string {
	return fmt.Sprintf("virt=%#x phys=%#x size=%#x org=%#x flags=%v type=%v align=%d",
		d.Virt, d.Phys, d.Size, d.Origin, d.Flags, d.Type, d.Align)
}

// Put appends d to f.
func (d Desc) Put(f *hv.Frame) error {
	return f.Put(d.Size, uint64(d.Type), uint64(d.Flags), d.Phys, d.Virt, d.Origin, uint64(d.Align))
}

// GetDesc consumes a descriptor written by Desc.Put.
func GetDesc(f *hv.Frame) (Desc, error) {
	var w [7]uint64
	for i := range w {
		v, err := f.Get()
		if err != nil {
			return Desc{}, err
		}
		w[i] = v
	}
	d := Desc{
		Size:   w[0],
		Type:   Type(w[1]),
		Flags:  Flags(w[2]),
		Phys:   w[3],
		Virt:   w[4],
		Origin: w[5],
		Align:  uint(w[6]),
	}
	if d.Type > Locked {
		return Desc{}, nreerr.Newf(nreerr.ArgsInvalid, "Invalid dataspace type %d", w[1])
	}
	return d, nil
}

// DataSpace is a dataspace as seen by its holder: a descriptor plus the
// selector that maps it and the selector that identifies it towards its
// owner.
type DataSpace struct {
	Desc

	// Sel is the map selector. Holding it allows mapping the memory.
	Sel hv.Sel

	// UnmapSel identifies the dataspace in requests to its owner.
	UnmapSel hv.Sel
}

// String implements fmt.Stringer.String.
func (ds *DataSpace) String() string {
	return fmt.Sprintf("DataSpace[sel=%#x umsel=%#x: %v]", ds.Sel, ds.UnmapSel, ds.Desc)
}

// RequestType is the operation of a dataspace portal call.
type RequestType uint64

// Dataspace operations.
const (
	Create RequestType = iota
	Join
	SwitchTo
	Destroy
)

// String implements fmt.Stringer.String.
func (r RequestType) String() string {
	switch r {
	case Create:
		return "CREATE"
	case Join:
		return "JOIN"
	case SwitchTo:
		return "SWITCH_TO"
	case Destroy:
		return "DESTROY"
	default:
		return fmt.Sprintf("RequestType(%d)", uint64(r))
	}
}
