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

// Package hip encodes the hypervisor information page (HIP), the read-only
// page that tells a child which CPUs and memory it may use. The root task
// synthesizes one per child.
package hip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// Signature identifies a HIP ("NOVA").
const Signature = 0x41564f4e

// Header is the fixed part of the HIP. CPU descriptors start at CPUOffset
// and memory descriptors at MemOffset, up to Length.
type Header struct {
	Signature uint32
	Checksum  uint16
	Length    uint16
	CPUOffset uint16
	CPUSize   uint16
	MemOffset uint16
	MemSize   uint16
	APIFlags  uint32
	APIVer    uint32
	SelNum    uint32
	SelExc    uint32
	SelVMI    uint32
	SelGSI    uint32
	CfgPage   uint32
	CfgUTCB   uint32
	FreqTSC   uint32
	FreqBus   uint32
}

// CPUEnabled is set in CPU.Flags for CPUs the child may use.
const CPUEnabled = 1

// CPU describes one CPU.
type CPU struct {
	Flags    uint8
	Thread   uint8
	Core     uint8
	Package  uint8
	ACPIID   uint8
	Reserved [3]uint8
}

// MemType is the type of a memory descriptor.
type MemType int32

// Memory descriptor types.
const (
	MemAvailable  MemType = 1
	MemHypervisor MemType = -1
	MemModule     MemType = -2
)

// Mem describes a memory region. For modules, Aux is the address of the
// module's command line in the child.
type Mem struct {
	Addr uint64
	Size uint64
	Type MemType
	Aux  uint32
}

// Module is a boot module as seen by the root task.
type Module struct {
	Addr    uint64
	Size    uint64
	Cmdline string
}

// HIP is a decoded information page.
type HIP struct {
	Header
	CPUs []CPU
	Mems []Mem
}

var order = binary.LittleEndian

func sizeOf(v any) int {
	n, err := struc.Sizeof(v)
	if err != nil {
		panic(fmt.Sprintf("struc.Sizeof(%T): %v", v, err))
	}
	return n
}

// New returns a HIP describing cpus CPUs, with the ones in online enabled.
func New(cpus int, online func(cpu int) bool) *HIP {
	h := &HIP{
		Header: Header{
			Signature: Signature,
			SelNum:    1 << 16,
			SelExc:    hv.ServiceCaps,
			SelGSI:    hv.MaxGSIs,
			CfgPage:   arch.PageSize,
			CfgUTCB:   arch.UTCBSize,
		},
	}
	for i := 0; i < cpus; i++ {
		c := CPU{Core: uint8(i), ACPIID: uint8(i)}
		if online == nil || online(i) {
			c.Flags = CPUEnabled
		}
		h.CPUs = append(h.CPUs, c)
	}
	return h
}

// AddMem appends a memory descriptor.
func (h *HIP) AddMem(addr, size uint64, typ MemType, aux uint32) {
	h.Mems = append(h.Mems, Mem{Addr: addr, Size: size, Type: typ, Aux: aux})
}

// CPUOnline returns whether cpu is enabled.
func (h *HIP) CPUOnline(cpu int) bool {
	return cpu >= 0 && cpu < len(h.CPUs) && h.CPUs[cpu].Flags&CPUEnabled != 0
}

// Modules returns the module descriptors.
func (h *HIP) Modules() []Mem {
	var mods []Mem
	for _, m := range h.Mems {
		if m.Type == MemModule {
			mods = append(mods, m)
		}
	}
	return mods
}

// Marshal finalizes the header (offsets, length, checksum) and encodes the
// HIP. The result must fit in a page.
func (h *HIP) Marshal() ([]byte, error) {
	hdr := sizeOf(&h.Header)
	cpu := sizeOf(&CPU{})
	mem := sizeOf(&Mem{})
	length := hdr + cpu*len(h.CPUs) + mem*len(h.Mems)
	if length > arch.PageSize {
		return nil, nreerr.Newf(nreerr.Capacity, "HIP of %d bytes does not fit into a page", length)
	}
	h.CPUOffset = uint16(hdr)
	h.CPUSize = uint16(cpu)
	h.MemOffset = uint16(hdr + cpu*len(h.CPUs))
	h.MemSize = uint16(mem)
	h.Length = uint16(length)
	h.Checksum = 0

	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, &h.Header, order); err != nil {
		return nil, err
	}
	for i := range h.CPUs {
		if err := struc.PackWithOrder(&buf, &h.CPUs[i], order); err != nil {
			return nil, err
		}
	}
	for i := range h.Mems {
		if err := struc.PackWithOrder(&buf, &h.Mems[i], order); err != nil {
			return nil, err
		}
	}
	b := buf.Bytes()
	h.Checksum = -sum(b)
	order.PutUint16(b[4:], h.Checksum)
	return b, nil
}

// sum adds up b as little-endian 16 bit words.
func sum(b []byte) uint16 {
	var s uint16
	for i := 0; i+1 < len(b); i += 2 {
		s += order.Uint16(b[i:])
	}
	return s
}

// Unmarshal decodes and verifies a HIP.
func Unmarshal(b []byte) (*HIP, error) {
	h := &HIP{}
	if err := struc.UnpackWithOrder(bytes.NewReader(b), &h.Header, order); err != nil {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "HIP header: %v", err)
	}
	if h.Signature != Signature {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "HIP signature %#x invalid", h.Signature)
	}
	if int(h.Length) > len(b) || h.Length%2 != 0 {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "HIP length %d invalid", h.Length)
	}
	if s := sum(b[:h.Length]); s != 0 {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "HIP checksum mismatch (%#x)", s)
	}
	if h.CPUSize == 0 || h.MemSize == 0 || h.MemOffset < h.CPUOffset || h.Length < h.MemOffset {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "HIP layout invalid")
	}
	for off := int(h.CPUOffset); off+int(h.CPUSize) <= int(h.MemOffset); off += int(h.CPUSize) {
		var c CPU
		if err := struc.UnpackWithOrder(bytes.NewReader(b[off:]), &c, order); err != nil {
			return nil, err
		}
		h.CPUs = append(h.CPUs, c)
	}
	for off := int(h.MemOffset); off+int(h.MemSize) <= int(h.Length); off += int(h.MemSize) {
		var m Mem
		if err := struc.UnpackWithOrder(bytes.NewReader(b[off:]), &m, order); err != nil {
			return nil, err
		}
		h.Mems = append(h.Mems, m)
	}
	return h, nil
}

// String implements fmt.Stringer.String.
func (h *HIP) String() string {
	online := 0
	for i := range h.CPUs {
		if h.CPUOnline(i) {
			online++
		}
	}
	return fmt.Sprintf("HIP[cpus=%d/%d mems=%d len=%d]", online, len(h.CPUs), len(h.Mems), h.Length)
}
