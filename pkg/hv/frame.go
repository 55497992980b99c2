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
	"fmt"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/errors"
	"nre.dev/nre/pkg/errors/nreerr"
)

// MTD selects the parts of the exception state a reply writes back.
type MTD uint32

// Exception state selectors.
const (
	MtdGPRACDB MTD = 1 << iota
	MtdGPRBSD
	MtdRSP
	MtdRIPLen
	MtdQual
)

// Regs is the exception state of a thread, as transferred to exception and
// startup portals.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	RIP                uint64

	// Qual holds the exit qualification. For page faults, Qual[0] is the
	// error code and Qual[1] the faulting address.
	Qual [2]uint64

	// MTD selects which fields the reply transfers.
	MTD MTD
}

// ItemKind distinguishes the typed items of a frame.
type ItemKind uint8

// Typed item kinds.
const (
	// Translate names a capability of the sender in the receiver's space.
	Translate ItemKind = iota
	// Delegate transfers a capability from sender to receiver.
	Delegate
)

// Item is a typed item: a capability transfer that travels alongside the
// untyped words of a frame.
type Item struct {
	Kind ItemKind
	Crd  Crd

	// Hotspot is the destination of a delegation in the receiver's space
	// (a page number for memory).
	Hotspot uint64
}

// DefaultFrameWords is the number of words in a UTCB frame.
const DefaultFrameWords = arch.UTCBSize/arch.WordSize - 8

// Frame is a UTCB frame: an ordered sequence of untyped words followed by
// typed items, plus the exception state for exception portals. Both
// requests and replies are frames; a handler consumes the request and
// rewrites the frame into the reply.
//
// Each typed item occupies two words of the frame.
type Frame struct {
	Regs

	words []uint64
	pos   int
	typed []Item
	size  int

	// window is where delegations to the frame's owner are accepted.
	window Crd
}

// NewFrame returns an empty frame with room for size words. A size of zero
// selects DefaultFrameWords.
func NewFrame(size int) *Frame {
	if size <= 0 {
		size = DefaultFrameWords
	}
	return &Frame{size: size}
}

// FreeTyped returns the number of typed items that still fit.
func (f *Frame) FreeTyped() int {
	return (f.size - len(f.words) - 2*len(f.typed)) / 2
}

// Untyped returns the number of untyped words in the frame.
func (f *Frame) Untyped() int {
	return len(f.words)
}

// Typed returns the typed items of the frame.
func (f *Frame) Typed() []Item {
	return f.typed
}

// Put appends untyped words. It fails with UTCBUntyped when the frame is
// full.
func (f *Frame) Put(words ...uint64) error {
	if len(f.words)+len(words)+2*len(f.typed) > f.size {
		return nreerr.UTCBUntyped
	}
	f.words = append(f.words, words...)
	return nil
}

// PutBool appends a boolean word.
func (f *Frame) PutBool(v bool) error {
	if v {
		return f.Put(1)
	}
	return f.Put(0)
}

// PutString appends a length word followed by the bytes of s, packed
// little-endian into words.
func (f *Frame) PutString(s string) error {
	ws := make([]uint64, 1+(len(s)+arch.WordSize-1)/arch.WordSize)
	ws[0] = uint64(len(s))
	for i := 0; i < len(s); i++ {
		ws[1+i/arch.WordSize] |= uint64(s[i]) << (8 * (i % arch.WordSize))
	}
	return f.Put(ws...)
}

// Get consumes the next untyped word. It fails with UTCBUntyped when the
// request has no more words.
func (f *Frame) Get() (uint64, error) {
	if f.pos >= len(f.words) {
		return 0, nreerr.UTCBUntyped
	}
	w := f.words[f.pos]
	f.pos++
	return w, nil
}

// GetBool consumes a boolean word.
func (f *Frame) GetBool() (bool, error) {
	w, err := f.Get()
	return w != 0, err
}

// GetString consumes a string written by PutString.
func (f *Frame) GetString() (string, error) {
	n, err := f.Get()
	if err != nil {
		return "", err
	}
	nwords := int((n + arch.WordSize - 1) / arch.WordSize)
	if n > uint64(f.size*arch.WordSize) || f.pos+nwords > len(f.words) {
		return "", nreerr.UTCBUntyped
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(f.words[f.pos+i/arch.WordSize] >> (8 * (i % arch.WordSize)))
	}
	f.pos += nwords
	return string(b), nil
}

// FinishInput marks the request as consumed. Reply words written
// afterwards replace the request.
func (f *Frame) FinishInput() {
	f.Clear()
}

// AddTyped appends a typed item. It fails with UTCBTyped when there is no
// room left.
func (f *Frame) AddTyped(it Item) error {
	if f.FreeTyped() < 1 {
		return nreerr.UTCBTyped
	}
	f.typed = append(f.typed, it)
	return nil
}

// Translate appends a translation of the object capability sel.
func (f *Frame) Translate(sel Sel) error {
	return f.AddTyped(Item{Kind: Translate, Crd: ObjCrd(sel, 0)})
}

// DelegateSel appends a delegation of the object capability sel to the
// receiver's hotspot.
func (f *Frame) DelegateSel(sel Sel, hotspot uint64) error {
	return f.AddTyped(Item{Kind: Delegate, Crd: ObjCrd(sel, 0), Hotspot: hotspot})
}

// DelegateRange delegates count capabilities of space starting at base to
// the receiver, starting at hotspot. The range is split into naturally
// aligned descriptors; it fails with UTCBTyped if they do not all fit.
func (f *Frame) DelegateRange(space Space, base, count uint64, perm Perm, hotspot uint64) error {
	n := len(f.typed)
	for count > 0 {
		shift := arch.MinShift(base|hotspot, count)
		it := Item{
			Kind:    Delegate,
			Crd:     Crd{Space: space, Base: base, Order: shift, Perm: perm},
			Hotspot: hotspot,
		}
		if err := f.AddTyped(it); err != nil {
			f.typed = f.typed[:n]
			return err
		}
		base += 1 << shift
		hotspot += 1 << shift
		count -= 1 << shift
	}
	return nil
}

// LimitTo returns how many of count units starting at base (delegated to
// hotspot) can be transferred with at most items typed items.
func LimitTo(base, hotspot, count uint64, items int) uint64 {
	c := count
	for items > 0 && c > 0 {
		shift := arch.MinShift(base|hotspot, c)
		base += 1 << shift
		hotspot += 1 << shift
		c -= 1 << shift
		items--
	}
	return count - c
}

// Translated returns the selector of the i-th translated item.
func (f *Frame) Translated(i int) (Sel, error) {
	return f.nth(Translate, i)
}

// Delegated returns the base selector of the i-th delegated item.
func (f *Frame) Delegated(i int) (Sel, error) {
	return f.nth(Delegate, i)
}

func (f *Frame) nth(kind ItemKind, i int) (Sel, error) {
	for _, it := range f.typed {
		if it.Kind != kind {
			continue
		}
		if i == 0 {
			return Sel(it.Crd.Base), nil
		}
		i--
	}
	return 0, nreerr.UTCBTyped
}

// SetDelegationWindow sets where delegations to the frame's owner land.
func (f *Frame) SetDelegationWindow(crd Crd) {
	f.window = crd
}

// DelegationWindow returns the delegation window.
func (f *Frame) DelegationWindow() Crd {
	return f.window
}

// ClearDelegations drops every pending delegation.
func (f *Frame) ClearDelegations() {
	n := 0
	for _, it := range f.typed {
		if it.Kind != Delegate {
			f.typed[n] = it
			n++
		}
	}
	f.typed = f.typed[:n]
}

// Clear drops all words and typed items.
func (f *Frame) Clear() {
	f.words = f.words[:0]
	f.typed = f.typed[:0]
	f.pos = 0
}

// Reply replaces the frame's content with the error code of err, followed
// by words. Pending delegations are kept only on success.
func (f *Frame) Reply(err error, words ...uint64) {
	code := nreerr.CodeOf(err)
	if code != errors.Success {
		f.ClearDelegations()
		f.Clear()
		f.words = append(f.words, uint64(code))
		return
	}
	f.words = f.words[:0]
	f.pos = 0
	f.words = append(f.words, uint64(code))
	f.words = append(f.words, words...)
}

// CheckReply consumes the status word of a reply and converts it to an
// error.
func (f *Frame) CheckReply() error {
	code, err := f.Get()
	if err != nil {
		return err
	}
	return nreerr.FromCode(errors.Code(code))
}

// String implements fmt.Stringer.String.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame[untyped=%d typed=%d pos=%d]", len(f.words), len(f.typed), f.pos)
}
