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
	"bytes"
	"debug/elf"
	"encoding/binary"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/region"
)

var (
	ehdrSize = uint64(binary.Size(elf.Header64{}))
	phdrSize = uint64(binary.Size(elf.Prog64{}))
)

// segment is a PT_LOAD program header.
type segment struct {
	vaddr  uint64
	offset uint64
	filesz uint64
	memsz  uint64
	flags  elf.ProgFlag
}

// parseELF validates a 64 bit little-endian ELF image and returns its entry
// point and loadable segments.
func parseELF(image []byte) (uint64, []segment, error) {
	size := uint64(len(image))
	if size < ehdrSize {
		return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "Size of ELF file invalid")
	}
	if !bytes.HasPrefix(image, []byte(elf.ELFMAG)) {
		return 0, nil, nreerr.Newf(nreerr.ELFSig, "No ELF signature")
	}
	var eh elf.Header64
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &eh); err != nil {
		return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "ELF header: %v", err)
	}
	if elf.Class(eh.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 || elf.Data(eh.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "ELF file is not 64 bit little-endian")
	}
	phoff, phentsize, phnum := eh.Phoff, uint64(eh.Phentsize), uint64(eh.Phnum)
	if phentsize < phdrSize || phoff > size || phentsize*phnum > size-phoff {
		return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "Size of ELF file invalid")
	}

	var segs []segment
	for i := uint64(0); i < phnum; i++ {
		off := phoff + i*phentsize
		if off+phdrSize > size {
			return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "Program header outside binary")
		}
		var ph elf.Prog64
		if err := binary.Read(bytes.NewReader(image[off:]), binary.LittleEndian, &ph); err != nil {
			return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "Program header %d: %v", i, err)
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if ph.Off > size || ph.Filesz > size-ph.Off {
			return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "LOAD segment outside binary")
		}
		if ph.Memsz < ph.Filesz || ph.Vaddr+ph.Memsz < ph.Vaddr {
			return 0, nil, nreerr.Newf(nreerr.ELFInvalid, "LOAD segment %d has invalid size", i)
		}
		if ph.Memsz == 0 {
			continue
		}
		segs = append(segs, segment{
			vaddr:  ph.Vaddr,
			offset: ph.Off,
			filesz: ph.Filesz,
			memsz:  ph.Memsz,
			flags:  elf.ProgFlag(ph.Flags),
		})
	}
	return eh.Entry, segs, nil
}

// segmentFlags returns the child's rights on a segment.
func segmentFlags(f elf.ProgFlag) Flags {
	flags := Own
	if f&elf.PF_R != 0 {
		flags |= R
	}
	if f&elf.PF_W != 0 {
		flags |= W
	}
	if f&elf.PF_X != 0 {
		flags |= X
	}
	return flags
}

// pages returns the page aligned address range of s.
func (s segment) pages() (region.Region, error) {
	start := arch.PageRoundDown(s.vaddr)
	end := arch.PageRoundUp(s.vaddr + s.memsz)
	if end <= start || end > arch.KernelStart {
		return region.Region{}, nreerr.Newf(nreerr.ELFInvalid, "LOAD segment %#x+%#x outside of the address space", s.vaddr, s.memsz)
	}
	return region.Region{Addr: start, Size: end - start}, nil
}

// CheckImage validates image like Load does, without loading it, and
// returns its entry point and the pages of each loadable segment.
func CheckImage(image []byte) (uint64, []region.Region, error) {
	entry, segs, err := parseELF(image)
	if err != nil {
		return 0, nil, err
	}
	rs := make([]region.Region, 0, len(segs))
	for _, s := range segs {
		r, err := s.pages()
		if err != nil {
			return 0, nil, err
		}
		for _, o := range rs {
			if r.Addr < o.End() && o.Addr < r.End() {
				return 0, nil, nreerr.Newf(nreerr.Exists, "LOAD segment %#x overlaps the one at %#x", r.Addr, o.Addr)
			}
		}
		rs = append(rs, r)
	}
	return entry, rs, nil
}
