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
	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/errors/nreerr"
	"nre.dev/nre/pkg/hv"
)

// Caller performs portal calls in the caller's capability space.
type Caller interface {
	CallSel(sel hv.Sel, f *hv.Frame) error
}

// ClientSession is the client side of a session.
type ClientSession struct {
	c    Caller
	id   uint64
	caps hv.Sel
}

// OpenSession opens a session at the service whose handler portals start
// at pts in the caller's space. client is a capability the service keeps
// to notice the client's death; the session's portals are delegated to
// window.
func OpenSession(c Caller, pts hv.Sel, cpu int, client hv.Sel, window hv.Crd) (*ClientSession, error) {
	f := hv.NewFrame(0)
	f.SetDelegationWindow(window)
	if err := f.Put(uint64(Open)); err != nil {
		return nil, err
	}
	if err := f.DelegateSel(client, 0); err != nil {
		return nil, err
	}
	if err := c.CallSel(pts+hv.Sel(cpu), f); err != nil {
		return nil, err
	}
	if err := f.CheckReply(); err != nil {
		return nil, err
	}
	id, err := f.Get()
	if err != nil {
		return nil, err
	}
	caps, err := f.Delegated(0)
	if err != nil {
		return nil, err
	}
	return &ClientSession{c: c, id: id, caps: caps}, nil
}

// ID returns the session's slot in the service.
func (cs *ClientSession) ID() uint64 {
	return cs.id
}

// Caps returns the first of the session's portals in the caller's space.
func (cs *ClientSession) Caps() hv.Sel {
	return cs.caps
}

// Call calls the session portal for cpu.
func (cs *ClientSession) Call(cpu int, f *hv.Frame) error {
	return cs.c.CallSel(cs.caps+hv.Sel(cpu), f)
}

// Close closes the session through the handler portal of cpu.
func (cs *ClientSession) Close(pts hv.Sel, cpu int) error {
	f := hv.NewFrame(0)
	if err := f.Put(uint64(Close)); err != nil {
		return err
	}
	if err := f.Translate(cs.caps + hv.Sel(cpu)); err != nil {
		return err
	}
	if err := cs.c.CallSel(pts+hv.Sel(cpu), f); err != nil {
		return err
	}
	return f.CheckReply()
}

// PortalRegistrar registers services through a service registry portal,
// the way a child registers the services it provides.
type PortalRegistrar struct {
	// Caller calls the registry portal at Portal.
	Caller Caller
	Portal hv.Sel

	// Window is where the registry delegates the client death semaphore.
	Window hv.Crd

	// Caps is the number of portal selectors per service.
	Caps uint64
}

var _ Registrar = (*PortalRegistrar)(nil)

// Register implements Registrar.Register.
func (r *PortalRegistrar) Register(name string, pts hv.Sel, available bitmap.Bitmap) (hv.Sel, error) {
	f := hv.NewFrame(0)
	f.SetDelegationWindow(r.Window)
	if err := PutRequest(f, Register, name); err != nil {
		return 0, err
	}
	if err := PutAvailable(f, available); err != nil {
		return 0, err
	}
	if err := f.DelegateRange(hv.SpaceObj, uint64(pts), r.Caps, 0, 0); err != nil {
		return 0, err
	}
	if err := r.Caller.CallSel(r.Portal, f); err != nil {
		return 0, err
	}
	if err := f.CheckReply(); err != nil {
		return 0, err
	}
	return f.Delegated(0)
}

// Unregister implements Registrar.Unregister.
func (r *PortalRegistrar) Unregister(name string) error {
	f := hv.NewFrame(0)
	if err := PutRequest(f, Unregister, name); err != nil {
		return err
	}
	if err := r.Caller.CallSel(r.Portal, f); err != nil {
		return err
	}
	return f.CheckReply()
}

// GetService asks the registry portal for the service name. Its handler
// portals are delegated to window; the CPUs it is available on are
// returned.
func GetService(c Caller, portal hv.Sel, name string, window hv.Crd) (hv.Sel, bitmap.Bitmap, error) {
	f := hv.NewFrame(0)
	f.SetDelegationWindow(window)
	if err := PutRequest(f, Get, name); err != nil {
		return 0, bitmap.Bitmap{}, err
	}
	if err := c.CallSel(portal, f); err != nil {
		return 0, bitmap.Bitmap{}, err
	}
	if err := f.CheckReply(); err != nil {
		return 0, bitmap.Bitmap{}, err
	}
	avail, err := GetAvailable(f)
	if err != nil {
		return 0, bitmap.Bitmap{}, err
	}
	pts, err := f.Delegated(0)
	return pts, avail, err
}

// PutRequest writes the header of a registry request.
func PutRequest(f *hv.Frame, cmd Command, name string) error {
	if err := f.Put(uint64(cmd)); err != nil {
		return err
	}
	return f.PutString(name)
}

// PutAvailable writes a CPU set.
func PutAvailable(f *hv.Frame, b bitmap.Bitmap) error {
	words := b.Words()
	if err := f.Put(uint64(b.Size()), uint64(len(words))); err != nil {
		return err
	}
	return f.Put(words...)
}

// GetAvailable reads a CPU set written by PutAvailable.
func GetAvailable(f *hv.Frame) (bitmap.Bitmap, error) {
	size, err := f.Get()
	if err != nil {
		return bitmap.Bitmap{}, err
	}
	n, err := f.Get()
	if err != nil {
		return bitmap.Bitmap{}, err
	}
	if size > hv.MaxCPUs || n > (size+63)/64 {
		return bitmap.Bitmap{}, nreerr.Newf(nreerr.ArgsInvalid, "Invalid CPU set of size %d", size)
	}
	words := make([]uint64, n)
	for i := range words {
		if words[i], err = f.Get(); err != nil {
			return bitmap.Bitmap{}, err
		}
	}
	return bitmap.FromWords(uint32(size), words), nil
}
