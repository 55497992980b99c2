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

// Package arch describes the address space geometry that the root task and
// its children agree on: page sizes, the kernel boundary and the magic
// addresses used by the exit protocol.
package arch

import "math/bits"

const (
	// PageShift is the binary log of PageSize.
	PageShift = 12

	// PageSize is the size of a small page.
	PageSize = 1 << PageShift

	// BigPageShift is the binary log of BigPageSize.
	BigPageShift = 21

	// BigPageSize is the size of a big page, i.e. the memory covered by
	// one page table.
	BigPageSize = 1 << BigPageShift

	// PTEntryCount is the number of entries in one page table.
	PTEntryCount = BigPageSize / PageSize

	// WordSize is the size of a machine word.
	WordSize = 8

	// StackSize is the size of a thread stack. Stacks are aligned to
	// their size.
	StackSize = PageSize

	// UTCBSize is the size of a thread's UTCB.
	UTCBSize = PageSize

	// KernelStart is the first address owned by the kernel. Child address
	// spaces end below it, and a thread resuming at KernelStart is killed
	// by the kernel.
	KernelStart uint64 = 0xffff800000000000
)

// Exit protocol. A child terminates by jumping to ExitStart+code (process
// exit) or to ThreadExit (thread exit); the resulting instruction fetch
// fault at the very address of the faulting instruction is recognized by
// the page fault handler.
const (
	ExitCodeNum        = 0x20
	ExitStart   uint64 = 0x800
	ExitEnd            = ExitStart + ExitCodeNum - 1
	ThreadExit         = ExitEnd + 1
)

// PageRoundDown returns addr rounded down to a page boundary.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageRoundUp returns addr rounded up to a page boundary.
func PageRoundUp(addr uint64) uint64 {
	return PageRoundDown(addr + PageSize - 1)
}

// PageOffset returns the offset of addr in its page.
func PageOffset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}

// RoundUp rounds v up to a multiple of align, which must be a power of two.
// Zero is treated as no alignment.
func RoundUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns whether v is a power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// NextPow2Shift returns the smallest n such that 1<<n >= v.
func NextPow2Shift(v uint64) uint {
	if v <= 1 {
		return 0
	}
	return uint(bits.Len64(v - 1))
}

// NextPow2 returns the smallest power of two >= v.
func NextPow2(v uint64) uint64 {
	return 1 << NextPow2Shift(v)
}

// MinShift returns the order of the largest naturally aligned block that
// starts at start and does not exceed count units.
func MinShift(start, count uint64) uint {
	shift := uint(63)
	if start != 0 {
		shift = uint(bits.TrailingZeros64(start))
	}
	if c := uint(bits.Len64(count)) - 1; c < shift {
		shift = c
	}
	return shift
}
