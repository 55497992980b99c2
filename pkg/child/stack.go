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
	"encoding/binary"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
)

// stackImage is a stack of a child, accessed through the root's mapping.
type stackImage struct {
	b    []byte
	base uint64
}

func (s stackImage) offset(addr, n uint64) (uint64, error) {
	if addr < s.base || addr+n > s.base+uint64(len(s.b)) {
		return 0, nreerr.Newf(nreerr.Capacity, "Address %#x outside of the stack", addr)
	}
	return addr - s.base, nil
}

func (s stackImage) putWord(addr, v uint64) error {
	off, err := s.offset(addr, arch.WordSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s.b[off:], v)
	return nil
}

func (s stackImage) word(addr uint64) (uint64, error) {
	off, err := s.offset(addr, arch.WordSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s.b[off:]), nil
}

// prepareStack puts the command line and the argument vector on a main
// thread's stack and returns the initial stack pointer. At the stack
// pointer is argc, followed by a pointer to argv; the arguments are the
// space separated words of cmdline, at most MaxCmdlineLen bytes of it.
func prepareStack(s stackImage, cmdline string) (uint64, error) {
	if len(cmdline) > MaxCmdlineLen {
		cmdline = cmdline[:MaxCmdlineLen]
	}
	top := s.base + uint64(len(s.b))
	str := top - arch.RoundUp(uint64(len(cmdline))+1, arch.WordSize)
	off, err := s.offset(str, uint64(len(cmdline))+1)
	if err != nil {
		return 0, err
	}
	buf := s.b[off : off+uint64(len(cmdline))+1]
	copy(buf, cmdline)
	buf[len(cmdline)] = 0

	var args []uint64
	for i := 0; i < len(cmdline); i++ {
		if buf[i] == ' ' {
			buf[i] = 0
			continue
		}
		if i == 0 || buf[i-1] == 0 {
			args = append(args, str+uint64(i))
		}
	}

	argv := (str - arch.WordSize*uint64(len(args)+1)) &^ 0xf
	for i, a := range args {
		if err := s.putWord(argv+uint64(i)*arch.WordSize, a); err != nil {
			return 0, err
		}
	}
	if err := s.putWord(argv+uint64(len(args))*arch.WordSize, 0); err != nil {
		return 0, err
	}
	if err := s.putWord(argv-arch.WordSize, argv); err != nil {
		return 0, err
	}
	sp := argv - 2*arch.WordSize
	if err := s.putWord(sp, uint64(len(args))); err != nil {
		return 0, err
	}
	return sp, nil
}
