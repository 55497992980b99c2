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

// Package logsvc implements the root's log service. Clients open a session
// and send lines through its portals; each line is written to a Logger with
// the session's number in front of it.
package logsvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/mgutz/ansi"

	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/caps"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
	"nre.dev/nre/pkg/rcu"
	"nre.dev/nre/pkg/service"
)

// Name is the name the service registers under.
const Name = "log"

// MaxLineLen bounds the length of a line. Longer lines are cut.
const MaxLineLen = 256

// colors are the ANSI foreground colors sessions cycle through.
var colors = [...]string{"red", "green", "yellow", "blue", "magenta", "cyan"}

// Session is the session of one client.
type Session struct {
	service.Base

	lines atomic.Uint64
}

// Lines returns the number of lines the client wrote.
func (s *Session) Lines() uint64 {
	return s.lines.Load()
}

// Config configures a Service.
type Config struct {
	Kernel hv.Kernel
	Caps   *caps.Space
	RCU    *rcu.Domain
	Parent service.Registrar

	// Available are the CPUs clients may write on. Empty means every CPU.
	Available bitmap.Bitmap

	MaxSessions int

	// Logger receives the lines. Nil means the global logger.
	Logger log.Logger

	// Color wraps each line in an ANSI color picked by session.
	Color bool
}

// Service is the log service.
type Service struct {
	svc    *service.Service[*Session]
	logger log.Logger
	color  bool

	// mu keeps lines of concurrent writers apart.
	mu sync.Mutex
}

// New creates the service. It is registered by Start.
func New(cfg Config) (*Service, error) {
	s := &Service{
		logger: cfg.Logger,
		color:  cfg.Color,
	}
	if s.logger == nil {
		s.logger = log.Log()
	}
	svc, err := service.New(service.Config{
		Name:        Name,
		Kernel:      cfg.Kernel,
		Caps:        cfg.Caps,
		RCU:         cfg.RCU,
		Parent:      cfg.Parent,
		Available:   cfg.Available,
		MaxSessions: cfg.MaxSessions,
		Portal:      s.portal,
	}, func(b service.Base) (*Session, error) {
		return &Session{Base: b}, nil
	}, service.Hooks[*Session]{
		Invalidate: func(sess *Session) {
			log.Debugf("Log session %d closed after %d lines", sess.ID()+1, sess.Lines())
		},
	})
	if err != nil {
		return nil, err
	}
	s.svc = svc
	return s, nil
}

// Start registers the service and serves it until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	return s.svc.Start(ctx)
}

// Portals returns the first of the service's handler portals.
func (s *Service) Portals() hv.Sel {
	return s.svc.Portals()
}

// Sessions returns the number of open sessions.
func (s *Service) Sessions() int {
	return s.svc.Sessions()
}

func (s *Service) portal(id uint64, f *hv.Frame) {
	err := s.svc.With(id, func(sess *Session) error {
		line, err := f.GetString()
		if err != nil {
			return err
		}
		f.FinishInput()
		s.Write(sess.ID()+1, line)
		sess.lines.Add(1)
		return nil
	})
	f.Reply(err)
}

// Write writes line as coming from client number n. Newlines are dropped.
func (s *Service) Write(n int, line string) {
	line = strings.ReplaceAll(line, "\n", "")
	if len(line) > MaxLineLen {
		// Do not split a rune.
		end := MaxLineLen
		for end > 0 && !utf8.RuneStart(line[end]) {
			end--
		}
		line = line[:end]
	}
	msg := fmt.Sprintf("[%d] %s", n, line)
	if s.color {
		msg = ansi.Color(msg, colors[n%len(colors)])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Infof("%s", msg)
}

// Client writes lines through a log session.
type Client struct {
	sess *service.ClientSession
	cpus bitmap.Bitmap
}

// Open opens a session at the log service whose handler portals start at
// pts in c's space. The session's portals are delegated to window.
func Open(c service.Caller, pts hv.Sel, cpu int, client hv.Sel, available bitmap.Bitmap, window hv.Crd) (*Client, error) {
	sess, err := service.OpenSession(c, pts, cpu, client, window)
	if err != nil {
		return nil, err
	}
	return &Client{sess: sess, cpus: available.Clone()}, nil
}

// Write sends line through the session portal of cpu.
func (c *Client) Write(cpu int, line string) error {
	if c.cpus.Size() != 0 && !c.cpus.Contains(uint32(cpu)) {
		return fmt.Errorf("log service not available on CPU %d", cpu)
	}
	f := hv.NewFrame(0)
	if err := f.PutString(line); err != nil {
		return err
	}
	if err := c.sess.Call(cpu, f); err != nil {
		return err
	}
	return f.CheckReply()
}

// Close closes the session through the handler portal of cpu.
func (c *Client) Close(pts hv.Sel, cpu int) error {
	return c.sess.Close(pts, cpu)
}
