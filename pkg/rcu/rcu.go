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

// Package rcu implements epoch based deferred reclamation.
//
// Every goroutine that looks up shared objects owns a Reader and performs
// lookups inside a read section (Reader.Lock/Unlock, or Reader.Enter). A
// writer first unpublishes an object, then hands it to Domain.Invalidate
// along with a deleter. The deleter runs once every Reader has either left
// its read section or started a new one since the invalidation, so no
// Reader can still hold a pointer obtained before the object was
// unpublished.
//
// Readers must re-fetch published pointers in every read section and must
// not keep them across Unlock.
package rcu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	nestingMask = 0xffff
	epochInc    = 0x10000
)

type state uint8

const (
	valid state = iota
	invalid
	deletable
)

// node is an invalidated object waiting for its deleter to run.
type node struct {
	obj     any
	deleter func()
	state   state
	next    *node
}

// Domain is a set of Readers and the objects invalidated on their behalf.
type Domain struct {
	// readersMu protects readers. It is separate from mu because deleters
	// may close Readers.
	readersMu sync.Mutex
	readers   map[*Reader]struct{}

	mu sync.Mutex

	// objs is the list of pending objects, most recently invalidated
	// first.
	//
	// +checklocks:mu
	objs *node

	// +checklocks:mu
	pending int

	// versions are the Reader counters at the last invalidation.
	//
	// +checklocks:mu
	versions map[*Reader]uint32
}

// NewDomain returns an empty Domain.
func NewDomain() *Domain {
	return &Domain{
		readers:  make(map[*Reader]struct{}),
		versions: make(map[*Reader]uint32),
	}
}

// Reader is the read side state of one execution context. The upper 16 bits
// of its counter are the epoch, which advances on every outermost Lock; the
// lower 16 bits are the nesting depth.
//
// A Reader must only be used by one goroutine at a time.
type Reader struct {
	d       *Domain
	counter atomic.Uint32
}

// NewReader registers a new Reader.
func (d *Domain) NewReader() *Reader {
	r := &Reader{d: d}
	d.readersMu.Lock()
	d.readers[r] = struct{}{}
	d.readersMu.Unlock()
	return r
}

// Close unregisters r. r must not be in a read section.
func (r *Reader) Close() {
	if r.counter.Load()&nestingMask != 0 {
		panic("rcu: Close inside a read section")
	}
	r.d.readersMu.Lock()
	delete(r.d.readers, r)
	r.d.readersMu.Unlock()
}

// Lock enters a read section. Read sections nest.
func (r *Reader) Lock() {
	c := r.counter.Load()
	if c&nestingMask == 0 {
		c += epochInc
	}
	r.counter.Store(c + 1)
}

// Unlock leaves a read section.
func (r *Reader) Unlock() {
	c := r.counter.Load()
	if c&nestingMask == 0 {
		panic("rcu: Unlock outside a read section")
	}
	r.counter.Store(c - 1)
}

// InSection returns whether r is inside a read section.
func (r *Reader) InSection() bool {
	return r.counter.Load()&nestingMask != 0
}

// Guard is a read section entered with Reader.Enter.
type Guard struct {
	r *Reader
}

// Enter enters a read section that ends with Guard.Exit:
//
//	g := r.Enter()
//	defer g.Exit()
func (r *Reader) Enter() Guard {
	r.Lock()
	return Guard{r: r}
}

// Exit leaves the read section.
func (g Guard) Exit() {
	g.r.Unlock()
}

// Invalidate queues obj for deletion. The caller must already have made obj
// unreachable for future lookups. deleter runs once no Reader can hold obj
// anymore, possibly before Invalidate returns.
func (d *Domain) Invalidate(obj any, deleter func()) {
	d.mu.Lock()
	n := &node{obj: obj, deleter: deleter, state: invalid, next: d.objs}
	d.objs = n
	d.pending++

	// If every Reader left or re-entered its section since the previous
	// invalidation, the previous object and all before it can go.
	if n.next != nil && d.deletable() {
		n.next.state = deletable
	}
	dead := d.sweep()
	d.storeVersions()
	d.mu.Unlock()

	runDeleters(dead)
}

// GC deletes the objects that are known to be safe. With force, it waits
// until every pending object is safe and deletes all of them.
func (d *Domain) GC(force bool) {
	d.mu.Lock()
	if d.objs == nil {
		d.mu.Unlock()
		return
	}
	if force {
		for !d.deletable() {
			runtime.Gosched()
		}
		d.objs.state = deletable
	} else if d.deletable() {
		d.objs.state = deletable
	}
	dead := d.sweep()
	d.mu.Unlock()

	runDeleters(dead)
}

// Pending returns the number of objects waiting for deletion.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Readers returns the number of registered Readers.
func (d *Domain) Readers() int {
	d.readersMu.Lock()
	defer d.readersMu.Unlock()
	return len(d.readers)
}

// String implements fmt.Stringer.String.
func (d *Domain) String() string {
	return fmt.Sprintf("RCU[readers=%d pending=%d]", d.Readers(), d.Pending())
}

// sweep unlinks everything from the first deletable node on. Objects are
// listed newest first and become deletable oldest first, so the deletable
// ones always form the tail of the list.
//
// +checklocks:d.mu
func (d *Domain) sweep() []*node {
	var dead []*node
	link := &d.objs
	for *link != nil && (*link).state != deletable {
		link = &(*link).next
	}
	for n := *link; n != nil; n = n.next {
		dead = append(dead, n)
	}
	*link = nil
	d.pending -= len(dead)
	return dead
}

func runDeleters(dead []*node) {
	// Oldest first.
	for i := len(dead) - 1; i >= 0; i-- {
		if dead[i].deleter != nil {
			dead[i].deleter()
		}
	}
}

// deletable returns whether every Reader either is outside of a read
// section or has started a new one since the last snapshot.
//
// +checklocks:d.mu
func (d *Domain) deletable() bool {
	d.readersMu.Lock()
	defer d.readersMu.Unlock()

	// A Reader that registered after the snapshot might be holding
	// anything; take a new snapshot and judge by that.
	if len(d.versions) != len(d.readers) {
		d.storeVersionsLocked()
	}
	for r := range d.readers {
		v, ok := d.versions[r]
		if !ok {
			d.storeVersionsLocked()
			v = d.versions[r]
		}
		c := r.counter.Load()
		if c>>16 == v>>16 && c&nestingMask != 0 {
			return false
		}
	}
	return true
}

// +checklocks:d.mu
func (d *Domain) storeVersions() {
	d.readersMu.Lock()
	defer d.readersMu.Unlock()
	d.storeVersionsLocked()
}

// +checklocks:d.mu
// +checklocks:d.readersMu
func (d *Domain) storeVersionsLocked() {
	clear(d.versions)
	for r := range d.readers {
		d.versions[r] = r.counter.Load()
	}
}

// Assign publishes v through p.
func Assign[T any](p *atomic.Pointer[T], v *T) {
	p.Store(v)
}

// Deref reads a pointer published with Assign. It must be called inside a
// read section, and the result must not be used after the section ends.
func Deref[T any](p *atomic.Pointer[T]) *T {
	return p.Load()
}
