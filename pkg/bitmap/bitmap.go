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

// Package bitmap provides a fixed-size bitmap.
//
// It backs the CPU sets handed around with service registrations and
// system information pages, and the per-child GSI ownership sets.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a bitmap of a fixed number of entries.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid entries.
	size uint32

	// bitBlock holds the bits, 64 entries per word.
	bitBlock []uint64
}

// New create a new empty Bitmap with room for size entries.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// FromWords creates a Bitmap of the given size from its word
// representation, as produced by Words. Bits past size are ignored.
func FromWords(size uint32, words []uint64) Bitmap {
	b := New(size)
	n := copy(b.bitBlock, words)
	if rem := size % 64; rem != 0 && n == len(b.bitBlock) {
		b.bitBlock[n-1] &= (uint64(1) << rem) - 1
	}
	for _, w := range b.bitBlock {
		b.numOnes += uint32(bits.OnesCount64(w))
	}
	return b
}

// Size returns the number of entries in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of set entries.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns whether i is set. Out of range entries are never set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets entry i.
//
// Precondition: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap entry %d out of range [0, %d)", i, b.size))
	}
	mask := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&mask == 0 {
		b.bitBlock[i/64] |= mask
		b.numOnes++
	}
}

// Remove clears entry i. Out of range entries are ignored.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	mask := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&mask != 0 {
		b.bitBlock[i/64] &^= mask
		b.numOnes--
	}
}

// Set sets or clears entry i.
func (b *Bitmap) Set(i uint32, v bool) {
	if v {
		b.Add(i)
	} else {
		b.Remove(i)
	}
}

// FirstZero returns the first unset entry in [start, size).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	for i := start; i < b.size; {
		w := ^b.bitBlock[i/64] >> (i % 64)
		if w != 0 {
			if bit := i + uint32(bits.TrailingZeros64(w)); bit < b.size {
				return bit, nil
			}
			break
		}
		i = (i/64 + 1) * 64
	}
	return 0, fmt.Errorf("bitmap has no unset entry at or after %d", start)
}

// FirstOne returns the first set entry in [start, size).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	for i := start; i < b.size; {
		w := b.bitBlock[i/64] >> (i % 64)
		if w != 0 {
			return i + uint32(bits.TrailingZeros64(w)), nil
		}
		i = (i/64 + 1) * 64
	}
	return 0, fmt.Errorf("bitmap has no set entry at or after %d", start)
}

// ToSlice returns the set entries in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			t := bits.TrailingZeros64(w)
			out = append(out, uint32(i*64+t))
			w &= w - 1
		}
	}
	return out
}

// Words returns a copy of the underlying words.
func (b *Bitmap) Words() []uint64 {
	return append([]uint64(nil), b.bitBlock...)
}

// Clone returns a copy of b.
func (b *Bitmap) Clone() Bitmap {
	return Bitmap{
		numOnes:  b.numOnes,
		size:     b.size,
		bitBlock: b.Words(),
	}
}

// String implements fmt.Stringer.String.
func (b *Bitmap) String() string {
	return fmt.Sprint(b.ToSlice())
}
