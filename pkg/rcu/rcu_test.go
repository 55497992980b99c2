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

package rcu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type deletions struct {
	mu  sync.Mutex
	ids []int
}

func (d *deletions) deleter(id int) func() {
	return func() {
		d.mu.Lock()
		d.ids = append(d.ids, id)
		d.mu.Unlock()
	}
}

func (d *deletions) get() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.ids...)
}

func TestCounter(t *testing.T) {
	d := NewDomain()
	r := d.NewReader()
	defer r.Close()

	r.Lock()
	r.Lock()
	if got, want := r.counter.Load(), uint32(0x10002); got != want {
		t.Fatalf("nested counter got %#x want %#x", got, want)
	}
	r.Unlock()
	r.Unlock()
	if r.InSection() {
		t.Fatalf("still in section after matching Unlock")
	}
	g := r.Enter()
	if got, want := r.counter.Load(), uint32(0x20001); got != want {
		t.Fatalf("counter after re-entry got %#x want %#x", got, want)
	}
	g.Exit()
}

func TestNoReadersDeletesImmediately(t *testing.T) {
	d := NewDomain()
	var del deletions
	d.Invalidate("a", del.deleter(1))
	d.GC(false)
	if diff := cmp.Diff([]int{1}, del.get()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending got %d want 0", d.Pending())
	}
}

func TestReaderBlocksDeletion(t *testing.T) {
	d := NewDomain()
	r := d.NewReader()
	defer r.Close()
	var del deletions

	r.Lock()
	d.Invalidate("a", del.deleter(1))
	d.GC(false)
	if got := del.get(); len(got) != 0 {
		t.Fatalf("deleted %v while a reader was in its section", got)
	}
	r.Unlock()
	d.GC(false)
	if diff := cmp.Diff([]int{1}, del.get()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestReentryAllowsDeletion(t *testing.T) {
	d := NewDomain()
	r := d.NewReader()
	defer r.Close()
	var del deletions

	r.Lock()
	d.Invalidate("a", del.deleter(1))
	r.Unlock()
	r.Lock()
	// r is in a section again, but a new one: it cannot have seen "a".
	d.GC(false)
	r.Unlock()
	if diff := cmp.Diff([]int{1}, del.get()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestPrefixOrder(t *testing.T) {
	d := NewDomain()
	r1 := d.NewReader()
	r2 := d.NewReader()
	defer r1.Close()
	defer r2.Close()
	var del deletions

	r1.Lock()
	d.Invalidate("a", del.deleter(1))
	r1.Unlock()
	r2.Lock()
	// Everybody moved on since "a": it goes now, "b" has to wait for r2.
	d.Invalidate("b", del.deleter(2))
	if diff := cmp.Diff([]int{1}, del.get()); diff != "" {
		t.Fatalf("deleted mismatch (-want +got):\n%s", diff)
	}
	d.Invalidate("c", del.deleter(3))
	d.GC(false)
	if got, want := d.Pending(), 2; got != want {
		t.Fatalf("Pending got %d want %d", got, want)
	}
	r2.Unlock()
	d.GC(false)
	if diff := cmp.Diff([]int{1, 2, 3}, del.get()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestForceWaitsForReader(t *testing.T) {
	d := NewDomain()
	r := d.NewReader()
	defer r.Close()
	var del deletions

	r.Lock()
	d.Invalidate("a", del.deleter(1))

	done := make(chan struct{})
	go func() {
		d.GC(true)
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("GC(true) returned while a reader was in its section")
	case <-time.After(50 * time.Millisecond):
	}
	r.Unlock()
	<-done
	if diff := cmp.Diff([]int{1}, del.get()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestNewReaderAfterInvalidate(t *testing.T) {
	d := NewDomain()
	var del deletions
	r1 := d.NewReader()
	defer r1.Close()
	r1.Lock()
	d.Invalidate("a", del.deleter(1))
	r2 := d.NewReader()
	defer r2.Close()
	r2.Lock()
	r1.Unlock()
	d.GC(false)
	if got := del.get(); len(got) != 0 {
		t.Fatalf("deleted %v although a new reader is in its section", got)
	}
	r2.Unlock()
	d.GC(false)
	if diff := cmp.Diff([]int{1}, del.get()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

type object struct {
	alive atomic.Bool
}

// TestConcurrentLookup checks that readers never see a deleted object.
func TestConcurrentLookup(t *testing.T) {
	d := NewDomain()
	var slot atomic.Pointer[object]
	first := &object{}
	first.alive.Store(true)
	Assign(&slot, first)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := d.NewReader()
			defer r.Close()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := r.Enter()
				if o := Deref(&slot); o != nil && !o.alive.Load() {
					bad.Add(1)
				}
				g.Exit()
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		o := &object{}
		o.alive.Store(true)
		old := slot.Swap(o)
		d.Invalidate(old, func() { old.alive.Store(false) })
		if i%10 == 0 {
			d.GC(true)
		}
	}
	close(stop)
	wg.Wait()
	if n := bad.Load(); n != 0 {
		t.Errorf("readers saw %d deleted objects", n)
	}
}
