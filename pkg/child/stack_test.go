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
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors/nreerr"
)

// cstring returns the NUL terminated string at addr.
func cstring(t *testing.T, s stackImage, addr uint64) string {
	t.Helper()
	off, err := s.offset(addr, 1)
	if err != nil {
		t.Fatalf("string at %#x: %v", addr, err)
	}
	b := s.b[off:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func readArgs(t *testing.T, s stackImage, sp uint64) []string {
	t.Helper()
	argc, err := s.word(sp)
	if err != nil {
		t.Fatalf("argc: %v", err)
	}
	argv, err := s.word(sp + arch.WordSize)
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	var args []string
	for i := uint64(0); ; i++ {
		p, err := s.word(argv + i*arch.WordSize)
		if err != nil {
			t.Fatalf("argv[%d]: %v", i, err)
		}
		if p == 0 {
			break
		}
		args = append(args, cstring(t, s, p))
	}
	if uint64(len(args)) != argc {
		t.Errorf("argc got %d want %d", argc, len(args))
	}
	return args
}

func TestPrepareStack(t *testing.T) {
	for _, tc := range []struct {
		cmdline string
		want    []string
	}{
		{"", nil},
		{"init", []string{"init"}},
		{"rom://bin/app --verbose  x", []string{"rom://bin/app", "--verbose", "x"}},
		{" leading and trailing ", []string{"leading", "and", "trailing"}},
	} {
		s := stackImage{b: make([]byte, arch.StackSize), base: 0x7000}
		sp, err := prepareStack(s, tc.cmdline)
		if err != nil {
			t.Fatalf("prepareStack(%q) failed: %v", tc.cmdline, err)
		}
		if sp%16 != 0 {
			t.Errorf("prepareStack(%q) stack pointer %#x is not 16 byte aligned", tc.cmdline, sp)
		}
		if sp < s.base || sp >= s.base+arch.StackSize {
			t.Errorf("prepareStack(%q) stack pointer %#x outside of the stack", tc.cmdline, sp)
		}
		if diff := cmp.Diff(tc.want, readArgs(t, s, sp)); diff != "" {
			t.Errorf("prepareStack(%q) arguments mismatch (-want +got):\n%s", tc.cmdline, diff)
		}
	}
}

func TestPrepareStackTruncates(t *testing.T) {
	s := stackImage{b: make([]byte, arch.StackSize), base: 0x7000}
	cmdline := "app " + strings.Repeat("a", 2*MaxCmdlineLen)
	sp, err := prepareStack(s, cmdline)
	if err != nil {
		t.Fatalf("prepareStack failed: %v", err)
	}
	args := readArgs(t, s, sp)
	if len(args) != 2 || len(args[0])+1+len(args[1]) != MaxCmdlineLen {
		t.Errorf("got %d arguments of %d bytes want the command line cut at %d bytes", len(args), len(strings.Join(args, " ")), MaxCmdlineLen)
	}
}

func TestPrepareStackTooSmall(t *testing.T) {
	s := stackImage{b: make([]byte, 32), base: 0x7000}
	if _, err := prepareStack(s, "a b c d e f"); !errors.Is(err, nreerr.Capacity) {
		t.Errorf("prepareStack on a tiny stack got %v want %v", err, nreerr.Capacity)
	}
}

func TestStackWord(t *testing.T) {
	s := stackImage{b: make([]byte, 64), base: 0x1000}
	if err := s.putWord(0x1038, 0xdeadbeef); err != nil {
		t.Fatalf("putWord failed: %v", err)
	}
	if got, err := s.word(0x1038); err != nil || got != 0xdeadbeef {
		t.Errorf("word got (%#x, %v) want (0xdeadbeef, nil)", got, err)
	}
	for _, addr := range []uint64{0xff8, 0x1039, 0x1040} {
		if _, err := s.word(addr); err == nil {
			t.Errorf("word(%#x) outside of the stack succeeded", addr)
		}
	}
}
