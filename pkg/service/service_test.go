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

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/hv/sim"
	"nre.dev/nre/pkg/rcu"
)

type testSession struct {
	Base
	calls int

	// destroyed is set once DestroySession of the session returned.
	destroyed atomic.Bool
}

type fakeRegistrar struct {
	k  *sim.Kernel
	sm hv.Sel

	mu    sync.Mutex
	names []string
	unreg []string
}

func (r *fakeRegistrar) Register(name string, pts hv.Sel, available bitmap.Bitmap) (hv.Sel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return r.sm, r.k.CreateSm(r.sm, 0)
}

func (r *fakeRegistrar) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreg = append(r.unreg, name)
	return nil
}

type fixture struct {
	k       *sim.Kernel
	caps    *caps.Space
	reg     *fakeRegistrar
	svc     *Service[*testSession]
	invalid []int
}

func newFixture(t *testing.T, max int) *fixture {
	t.Helper()
	fx := &fixture{k: sim.New(2, nil), caps: caps.NewSpace(0x1000, 0x10000)}
	fx.reg = &fakeRegistrar{k: fx.k, sm: 0x10}
	cfg := Config{
		Name:        "test",
		Kernel:      fx.k,
		Caps:        fx.caps,
		RCU:         rcu.NewDomain(),
		Parent:      fx.reg,
		MaxSessions: max,
		Portal: func(id uint64, f *hv.Frame) {
			f.Reply(fx.svc.With(id, func(s *testSession) error {
				s.calls++
				return nil
			}))
		},
	}
	factory := func(b Base) (*testSession, error) {
		return &testSession{Base: b}, nil
	}
	hooks := Hooks[*testSession]{
		Invalidate: func(s *testSession) { fx.invalid = append(fx.invalid, s.ID()) },
	}
	svc, err := New(cfg, factory, hooks)
	if err != nil {
		t.Fatalf("New got %v", err)
	}
	fx.svc = svc
	return fx
}

// sm returns a new semaphore to act as the client capability of a session.
func (fx *fixture) sm(t *testing.T) hv.Sel {
	t.Helper()
	sel, err := fx.caps.Allocate(1, 1)
	if err != nil {
		t.Fatalf("Allocate got %v", err)
	}
	if err := fx.k.CreateSm(sel, 0); err != nil {
		t.Fatalf("CreateSm got %v", err)
	}
	return sel
}

// client creates a domain holding the service's handler portals at 0 and a
// semaphore at 0x100, and returns its thread.
func (fx *fixture) client(t *testing.T, pd hv.Sel) *sim.Thread {
	t.Helper()
	if err := fx.k.CreatePd(pd, "client", hv.ObjCrd(fx.svc.Portals(), 1)); err != nil {
		t.Fatalf("CreatePd got %v", err)
	}
	if err := fx.k.CreateChildSm(pd, 0x100, 0); err != nil {
		t.Fatalf("CreateChildSm got %v", err)
	}
	if err := fx.k.CreateGlobalEc(pd+1, pd, 0, 0x1000, 0x2000, 0x40); err != nil {
		t.Fatalf("CreateGlobalEc got %v", err)
	}
	th, err := fx.k.Thread(pd + 1)
	if err != nil {
		t.Fatalf("Thread got %v", err)
	}
	return th
}

func TestSessionCapacity(t *testing.T) {
	fx := newFixture(t, 0)
	for i := 0; i < DefaultMaxSessions; i++ {
		s, err := fx.svc.NewSession(fx.sm(t))
		if err != nil {
			t.Fatalf("NewSession #%d got %v", i, err)
		}
		if s.ID() != i {
			t.Errorf("NewSession #%d got slot %d", i, s.ID())
		}
	}
	if _, err := fx.svc.NewSession(fx.sm(t)); !errors.Is(err, nreerr.Capacity) {
		t.Errorf("NewSession past capacity got %v want %v", err, nreerr.Capacity)
	}
}

func TestDestroyThenGet(t *testing.T) {
	fx := newFixture(t, 4)
	s, err := fx.svc.NewSession(fx.sm(t))
	if err != nil {
		t.Fatalf("NewSession got %v", err)
	}
	r := fx.svc.cfg.RCU.NewReader()
	defer r.Close()

	r.Lock()
	got, err := fx.svc.GetSession(s.Caps() + 1)
	r.Unlock()
	if err != nil || got != s {
		t.Fatalf("GetSession got %v, %v want %v", got, err, s)
	}

	if err := fx.svc.DestroySession(s.Caps()); err != nil {
		t.Fatalf("DestroySession got %v", err)
	}
	r.Lock()
	_, err = fx.svc.GetSession(s.Caps())
	r.Unlock()
	if !errors.Is(err, nreerr.NotFound) {
		t.Errorf("GetSession after destroy got %v want %v", err, nreerr.NotFound)
	}
	if err := fx.svc.DestroySession(s.Caps()); !errors.Is(err, nreerr.NotFound) {
		t.Errorf("second DestroySession got %v want %v", err, nreerr.NotFound)
	}
	if _, err := fx.svc.GetSession(1); !errors.Is(err, nreerr.ArgsInvalid) {
		t.Errorf("GetSession of foreign capability got %v want %v", err, nreerr.ArgsInvalid)
	}
	if diff := cmp.Diff([]int{0}, fx.invalid); diff != "" {
		t.Errorf("invalidated sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestStaleLabel(t *testing.T) {
	fx := newFixture(t, 1)
	s, _ := fx.svc.NewSession(fx.sm(t))
	old := label(s.ID(), s.Generation(), 0)
	if err := fx.svc.DestroySession(s.Caps()); err != nil {
		t.Fatalf("DestroySession got %v", err)
	}
	s2, err := fx.svc.NewSession(fx.sm(t))
	if err != nil {
		t.Fatalf("NewSession got %v", err)
	}
	if s2.ID() != s.ID() || s2.Generation() == s.Generation() {
		t.Fatalf("reused slot got id %d gen %d, old id %d gen %d", s2.ID(), s2.Generation(), s.ID(), s.Generation())
	}
	err = fx.svc.With(old, func(*testSession) error { return nil })
	if !errors.Is(err, nreerr.NotFound) {
		t.Errorf("With stale label got %v want %v", err, nreerr.NotFound)
	}
	if err := fx.svc.With(label(s2.ID(), s2.Generation(), 1), func(*testSession) error { return nil }); err != nil {
		t.Errorf("With current label got %v", err)
	}
}

func TestWithDuringDestroy(t *testing.T) {
	fx := newFixture(t, 1)
	s, err := fx.svc.NewSession(fx.sm(t))
	if err != nil {
		t.Fatalf("NewSession got %v", err)
	}
	var (
		cur       atomic.Uint64
		calls     atomic.Int64
		destroyed atomic.Int64
		stop      atomic.Bool
		wg        sync.WaitGroup
	)
	cur.Store(label(s.ID(), s.Generation(), 0))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			fx.svc.With(cur.Load(), func(s *testSession) error {
				if s.destroyed.Load() {
					destroyed.Add(1)
				}
				calls.Add(1)
				return nil
			})
		}
	}()
	defer func() {
		stop.Store(true)
		wg.Wait()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 200; i++ {
		if err := fx.svc.DestroySession(s.Caps()); err != nil {
			t.Fatalf("DestroySession %d got %v", i, err)
		}
		s.destroyed.Store(true)
		if s, err = fx.svc.NewSession(fx.sm(t)); err != nil {
			t.Fatalf("NewSession %d got %v", i, err)
		}
		cur.Store(label(s.ID(), s.Generation(), 0))
	}
	stop.Store(true)
	wg.Wait()
	if calls.Load() == 0 {
		t.Fatalf("With never found a session")
	}
	if n := destroyed.Load(); n != 0 {
		t.Errorf("With ran on a destroyed session %d times", n)
	}
}

func TestOpenCallClose(t *testing.T) {
	fx := newFixture(t, 4)
	th := fx.client(t, 0x20)
	cs, err := OpenSession(th, 0, 0, 0x100, hv.ObjCrd(0x200, 1))
	if err != nil {
		t.Fatalf("OpenSession got %v", err)
	}
	if cs.Caps() != 0x200 {
		t.Errorf("session caps got %#x want 0x200", cs.Caps())
	}
	if n := fx.svc.Sessions(); n != 1 {
		t.Fatalf("Sessions got %d want 1", n)
	}
	for cpu := 0; cpu < 2; cpu++ {
		f := hv.NewFrame(0)
		if err := cs.Call(cpu, f); err != nil {
			t.Fatalf("Call on CPU %d got %v", cpu, err)
		}
		if err := f.CheckReply(); err != nil {
			t.Errorf("Call on CPU %d replied %v", cpu, err)
		}
	}

	r := fx.svc.cfg.RCU.NewReader()
	r.Lock()
	it := fx.svc.Iterator()
	s, ok := it.Next()
	if !ok || s.calls != 2 {
		t.Errorf("Iterator got %+v, %v want a session with 2 calls", s, ok)
	}
	if _, ok := it.Next(); ok {
		t.Errorf("Iterator returned a second session")
	}
	if s2, ok := it.Prev(); !ok || s2 != s {
		t.Errorf("Iterator.Prev got %v, %v want %v", s2, ok, s)
	}
	r.Unlock()
	r.Close()

	if err := cs.Close(0, 1); err != nil {
		t.Fatalf("Close got %v", err)
	}
	if n := fx.svc.Sessions(); n != 0 {
		t.Errorf("Sessions after Close got %d want 0", n)
	}
	if err := cs.Call(0, hv.NewFrame(0)); !errors.Is(err, nreerr.Cap) {
		t.Errorf("Call after Close got %v want %v", err, nreerr.Cap)
	}
}

func TestOpenWithoutClient(t *testing.T) {
	fx := newFixture(t, 4)
	th := fx.client(t, 0x20)
	if _, err := OpenSession(th, 0, 0, 0x1ff, hv.ObjCrd(0x200, 1)); !errors.Is(err, nreerr.ArgsInvalid) {
		t.Errorf("OpenSession got %v want %v", err, nreerr.ArgsInvalid)
	}
}

func TestClientDeath(t *testing.T) {
	fx := newFixture(t, 4)
	th := fx.client(t, 0x20)
	if _, err := OpenSession(th, 0, 1, 0x100, hv.ObjCrd(0x200, 1)); err != nil {
		t.Fatalf("OpenSession got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- fx.svc.Start(ctx)
	}()
	for fx.k.Lookup(hv.ObjCrd(fx.reg.sm, 0)).IsNull() {
		time.Sleep(time.Millisecond)
	}

	fx.k.Revoke(hv.ObjCrd(0x20, 0), true)
	if err := fx.k.Up(fx.reg.sm); err != nil {
		t.Fatalf("Up got %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for fx.svc.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session of dead client survived")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start got %v", err)
	}
	fx.reg.mu.Lock()
	defer fx.reg.mu.Unlock()
	if diff := cmp.Diff([]string{"test"}, fx.reg.unreg); diff != "" {
		t.Errorf("unregistered mismatch (-want +got):\n%s", diff)
	}
}
