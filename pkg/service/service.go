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

// Package service lets the root task export a named service to children.
//
// A Service owns one handler portal per available CPU. Clients call it to
// open and close sessions; every session gets its own range of per-CPU
// portals, whose calls the service's Portal dispatches to the session.
// Sessions are published through RCU, so lookups on one CPU never block on
// the destruction of a session on another.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"nre.dev/nre/pkg/arch"
	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/rcu"
)

// DefaultMaxSessions is the number of session slots of a Service unless
// configured otherwise.
const DefaultMaxSessions = 64

// Command is an operation of the service registry portal.
type Command uint64

// Registry operations.
const (
	Register Command = iota
	Get
	Unregister
	ClientDied
)

var commandNames = [...]string{"Register", "Get", "Unregister", "ClientDied"}

// String implements fmt.Stringer.String.
func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint64(c))
}

// SessionCommand is an operation of a service's handler portal.
type SessionCommand uint64

// Handler portal operations.
const (
	Open SessionCommand = iota
	Close
)

// Session is a client's connection to a service. Implementations embed
// Base.
type Session interface {
	ID() int
	Caps() hv.Sel
	Generation() uint32
}

// Base carries the identity of a session.
type Base struct {
	id   int
	caps hv.Sel
	gen  uint32
}

// ID returns the slot of the session.
func (b Base) ID() int { return b.id }

// Caps returns the first of the session's per-CPU portal selectors.
func (b Base) Caps() hv.Sel { return b.caps }

// Generation returns how often the session's slot has been used.
func (b Base) Generation() uint32 { return b.gen }

// Factory creates the session object for a new session.
type Factory[T Session] func(b Base) (T, error)

// Hooks are optional callbacks of a Service.
type Hooks[T Session] struct {
	// Created is called after a session was published.
	Created func(T)

	// Invalidate is called after a session was unpublished, before it
	// is handed to RCU. It releases what the session holds outside of
	// the service.
	Invalidate func(T)
}

// Registrar is the registry a Service publishes itself in.
type Registrar interface {
	// Register publishes the service name whose handler portal for CPU i
	// is at pts+i. It returns a semaphore that is signalled when clients
	// die.
	Register(name string, pts hv.Sel, available bitmap.Bitmap) (hv.Sel, error)

	// Unregister removes the service name.
	Unregister(name string) error
}

// Config configures a Service.
type Config struct {
	Name   string
	Kernel hv.Kernel
	Caps   *caps.Space
	RCU    *rcu.Domain

	// Parent is where Reg registers the service.
	Parent Registrar

	// Available are the CPUs the service handles calls on. Empty means
	// every CPU.
	Available bitmap.Bitmap

	// MaxSessions is the number of session slots.
	MaxSessions int

	// Portal handles calls to session portals, if the service has any.
	// Its id is a session label, see Service.With.
	Portal hv.Portal
}

// entry is a published session.
type entry[T Session] struct {
	sess   T
	client hv.Sel
}

// Service is a named service with a bounded set of sessions.
type Service[T Session] struct {
	cfg     Config
	factory Factory[T]
	hooks   Hooks[T]

	cpus   []uint32
	stride uint64

	// ecs are the local threads serving the service, one per CPU.
	ecs hv.Sel
	// pts are the handler portals, one per CPU.
	pts hv.Sel
	// sessCaps are the session portals, stride per session.
	sessCaps hv.Sel

	// readers serve lookups on each CPU's local thread.
	readers []*rcu.Reader

	// sm is signalled when clients die. It is set by Reg.
	sm atomic.Uint64

	mu sync.Mutex

	// slots are the published sessions.
	slots []atomic.Pointer[entry[T]]

	// +checklocks:mu
	used bitmap.Bitmap

	// +checklocks:mu
	gens []uint32
}

// New creates the service's threads and handler portals. The service is
// not registered until Reg.
func New[T Session](cfg Config, factory Factory[T], hooks Hooks[T]) (*Service[T], error) {
	ncpus := cfg.Kernel.CPUs()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Available.Size() == 0 || cfg.Available.IsEmpty() {
		cfg.Available = bitmap.New(uint32(ncpus))
		for i := 0; i < ncpus; i++ {
			cfg.Available.Add(uint32(i))
		}
	}
	s := &Service[T]{
		cfg:     cfg,
		factory: factory,
		hooks:   hooks,
		stride:  arch.NextPow2(uint64(ncpus)),
		readers: make([]*rcu.Reader, ncpus),
		slots:   make([]atomic.Pointer[entry[T]], cfg.MaxSessions),
		used:    bitmap.New(uint32(cfg.MaxSessions)),
		gens:    make([]uint32, cfg.MaxSessions),
	}
	for _, cpu := range cfg.Available.ToSlice() {
		if int(cpu) < ncpus {
			s.cpus = append(s.cpus, cpu)
		}
	}
	if len(s.cpus) == 0 {
		return nil, nreerr.Newf(nreerr.ArgsInvalid, "Service '%s' is not available on any CPU", cfg.Name)
	}

	var err error
	if s.ecs, err = cfg.Caps.Allocate(s.stride, s.stride); err != nil {
		return nil, err
	}
	if s.pts, err = cfg.Caps.Allocate(s.stride, s.stride); err != nil {
		return nil, err
	}
	if s.sessCaps, err = cfg.Caps.Allocate(s.stride*uint64(cfg.MaxSessions), s.stride); err != nil {
		return nil, err
	}

	var g errgroup.Group
	for _, cpu := range s.cpus {
		cpu := cpu
		s.readers[cpu] = cfg.RCU.NewReader()
		g.Go(func() error {
			return s.startCPU(int(cpu))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("starting service %q: %w", cfg.Name, err)
	}
	return s, nil
}

func (s *Service[T]) startCPU(cpu int) error {
	k := s.cfg.Kernel
	ec := s.ecs + hv.Sel(cpu)
	if err := k.CreateLocalEc(ec, cpu); err != nil {
		return err
	}
	win, err := s.cfg.Caps.Allocate(1, 1)
	if err != nil {
		return err
	}
	if err := k.SetReceiveWindow(ec, hv.ObjCrd(win, 0)); err != nil {
		return err
	}
	return k.CreatePt(s.pts+hv.Sel(cpu), ec, uint64(cpu), s.handle)
}

// Name returns the name of the service.
func (s *Service[T]) Name() string {
	return s.cfg.Name
}

// Portals returns the first of the service's per-CPU handler portals.
func (s *Service[T]) Portals() hv.Sel {
	return s.pts
}

// Available returns the CPUs the service handles calls on.
func (s *Service[T]) Available() bitmap.Bitmap {
	return s.cfg.Available.Clone()
}

// Reg registers the service with its parent.
func (s *Service[T]) Reg() error {
	sm, err := s.cfg.Parent.Register(s.cfg.Name, s.pts, s.cfg.Available)
	if err != nil {
		return fmt.Errorf("registering service %q: %w", s.cfg.Name, err)
	}
	s.sm.Store(uint64(sm))
	log.Infof("Service '%s' registered on CPUs %v", s.cfg.Name, s.cpus)
	return nil
}

// Unreg removes the service from its parent's registry.
func (s *Service[T]) Unreg() error {
	return s.cfg.Parent.Unregister(s.cfg.Name)
}

// Start registers the service and destroys the sessions of dead clients
// whenever the registry signals that clients died, until ctx is done.
func (s *Service[T]) Start(ctx context.Context) error {
	if err := s.Reg(); err != nil {
		return err
	}
	sm := hv.Sel(s.sm.Load())
	for {
		if err := s.cfg.Kernel.Down(ctx, sm); err != nil {
			break
		}
		s.CheckSessions()
	}
	if err := s.Unreg(); err != nil {
		log.Warningf("Unregistering service '%s': %v", s.cfg.Name, err)
	}
	return nil
}

// label identifies a session portal: the session's slot and generation
// and the CPU of the portal.
func label(id int, gen uint32, cpu int) uint64 {
	return uint64(gen)<<32 | uint64(id)<<16 | uint64(cpu)
}

func unlabel(l uint64) (id int, gen uint32, cpu int) {
	return int(l >> 16 & 0xffff), uint32(l >> 32), int(l & 0xffff)
}

// NewSession creates a session for the client that delegated client.
func (s *Service[T]) NewSession(client hv.Sel) (T, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.used.FirstZero(0)
	if err != nil || int(idx) >= s.cfg.MaxSessions {
		return zero, nreerr.Newf(nreerr.Capacity, "No free sessions")
	}
	id := int(idx)
	gen := s.gens[id] + 1
	base := s.sessCaps + hv.Sel(uint64(id)*s.stride)
	if s.cfg.Portal != nil {
		for i, cpu := range s.cpus {
			err := s.cfg.Kernel.CreatePt(base+hv.Sel(cpu), s.ecs+hv.Sel(cpu), label(id, gen, int(cpu)), s.cfg.Portal)
			if err != nil {
				for _, c := range s.cpus[:i] {
					s.cfg.Kernel.Revoke(hv.ObjCrd(base+hv.Sel(c), 0), true)
				}
				return zero, err
			}
		}
	}
	sess, err := s.factory(Base{id: id, caps: base, gen: gen})
	if err != nil {
		s.revokePortals(base)
		return zero, err
	}
	s.gens[id] = gen
	s.used.Add(idx)
	rcu.Assign(&s.slots[id], &entry[T]{sess: sess, client: client})
	log.Debugf("Service '%s': created session %d (generation %d)", s.cfg.Name, id, gen)
	if s.hooks.Created != nil {
		s.hooks.Created(sess)
	}
	return sess, nil
}

func (s *Service[T]) revokePortals(base hv.Sel) {
	if s.cfg.Portal == nil {
		return
	}
	for _, cpu := range s.cpus {
		s.cfg.Kernel.Revoke(hv.ObjCrd(base+hv.Sel(cpu), 0), true)
	}
}

// slot returns the slot of the session whose portals contain sel.
func (s *Service[T]) slot(sel hv.Sel) (int, error) {
	if sel < s.sessCaps || uint64(sel-s.sessCaps) >= s.stride*uint64(s.cfg.MaxSessions) {
		return 0, nreerr.Newf(nreerr.ArgsInvalid, "Capability %#x is no session of '%s'", sel, s.cfg.Name)
	}
	return int(uint64(sel-s.sessCaps) / s.stride), nil
}

// GetSession returns the session whose portals contain sel. It must be
// called inside a read section of the service's RCU domain.
func (s *Service[T]) GetSession(sel hv.Sel) (T, error) {
	var zero T
	id, err := s.slot(sel)
	if err != nil {
		return zero, err
	}
	e := rcu.Deref(&s.slots[id])
	if e == nil {
		return zero, nreerr.Newf(nreerr.NotFound, "Session %d does not exist", id)
	}
	return e.sess, nil
}

// With runs fn with the session a session portal label refers to, inside
// a read section of the label's CPU. Labels of destroyed sessions are
// rejected even if their slot has been reused.
//
// With must only be called from the service's Portal.
func (s *Service[T]) With(l uint64, fn func(T) error) error {
	id, gen, cpu := unlabel(l)
	if cpu >= len(s.readers) || s.readers[cpu] == nil || id >= s.cfg.MaxSessions {
		return nreerr.Newf(nreerr.ArgsInvalid, "Invalid session label %#x", l)
	}
	g := s.readers[cpu].Enter()
	defer g.Exit()
	e := rcu.Deref(&s.slots[id])
	if e == nil || e.sess.Generation() != gen {
		return nreerr.Newf(nreerr.NotFound, "Session %d does not exist", id)
	}
	return fn(e.sess)
}

// DestroySession destroys the session whose portals contain sel. It
// returns once the session can no longer be referenced by any reader, so
// the caller must not be inside a read section.
func (s *Service[T]) DestroySession(sel hv.Sel) error {
	id, err := s.slot(sel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	e := s.slots[id].Load()
	if e == nil {
		s.mu.Unlock()
		return nreerr.Newf(nreerr.NotFound, "Session %d does not exist", id)
	}
	rcu.Assign(&s.slots[id], nil)
	s.mu.Unlock()

	if s.hooks.Invalidate != nil {
		s.hooks.Invalidate(e.sess)
	}
	base := e.sess.Caps()
	s.cfg.RCU.Invalidate(e, func() {
		s.revokePortals(base)
		s.cfg.Kernel.Revoke(hv.ObjCrd(e.client, 0), true)
		s.cfg.Caps.Free(e.client, 1)
		s.mu.Lock()
		s.used.Remove(uint32(id))
		s.mu.Unlock()
	})
	s.cfg.RCU.GC(true)
	log.Debugf("Service '%s': destroyed session %d", s.cfg.Name, id)
	return nil
}

// CheckSessions destroys every session whose client is gone.
func (s *Service[T]) CheckSessions() {
	r := s.cfg.RCU.NewReader()
	defer r.Close()
	for {
		var dead []hv.Sel
		r.Lock()
		for i := range s.slots {
			e := rcu.Deref(&s.slots[i])
			if e != nil && s.cfg.Kernel.Lookup(hv.ObjCrd(e.client, 0)).IsNull() {
				dead = append(dead, e.sess.Caps())
			}
		}
		r.Unlock()
		if len(dead) == 0 {
			return
		}
		for _, sel := range dead {
			if err := s.DestroySession(sel); err != nil {
				log.Debugf("Service '%s': %v", s.cfg.Name, err)
			}
		}
	}
}

// Sessions returns the number of published sessions.
func (s *Service[T]) Sessions() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// handle serves the handler portal of one CPU.
func (s *Service[T]) handle(id uint64, f *hv.Frame) {
	if err := s.dispatch(int(id), f); err != nil {
		// Whatever the client delegated stays in the window, which is
		// reused.
		s.cfg.Kernel.Revoke(f.DelegationWindow(), true)
		f.Reply(err)
	}
}

func (s *Service[T]) dispatch(cpu int, f *hv.Frame) error {
	cmd, err := f.Get()
	if err != nil {
		return err
	}
	switch SessionCommand(cmd) {
	case Open:
		client, err := f.Delegated(0)
		if err != nil || uint64(client) != f.DelegationWindow().Base || s.cfg.Kernel.Lookup(hv.ObjCrd(client, 0)).IsNull() {
			return nreerr.Newf(nreerr.ArgsInvalid, "Open without client capability")
		}
		f.FinishInput()
		sess, err := s.NewSession(client)
		if err != nil {
			return err
		}
		win, err := s.cfg.Caps.Allocate(1, 1)
		if err != nil {
			s.DestroySession(sess.Caps())
			return err
		}
		f.SetDelegationWindow(hv.ObjCrd(win, 0))
		if err := f.DelegateRange(hv.SpaceObj, uint64(sess.Caps()), s.stride, 0, 0); err != nil {
			s.DestroySession(sess.Caps())
			return err
		}
		f.Reply(nil, uint64(sess.ID()))
		return nil

	case Close:
		sel, err := f.Translated(0)
		if err != nil {
			return err
		}
		f.FinishInput()
		if err := s.DestroySession(sel); err != nil {
			return err
		}
		f.Reply(nil)
		return nil

	default:
		return nreerr.Newf(nreerr.ArgsInvalid, "Unsupported command %d on CPU %d", cmd, cpu)
	}
}
