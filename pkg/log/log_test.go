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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte("error\n")); err == nil {
			t.Fatalf("Write should have failed")
		}
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("written lines mismatch (-want +got):\n%s", diff)
	}
}

// recorder is an Emitter that keeps formatted statements.
type recorder struct {
	levels []Level
	msgs   []string
}

func (r *recorder) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.levels = append(r.levels, level)
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestBasicLoggerLevel(t *testing.T) {
	r := &recorder{}
	l := &BasicLogger{Level: Info, Emitter: r}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	l.SetLevel(Debug)
	l.Debugf("shown %d", 4)

	if diff := cmp.Diff([]string{"shown 2", "shown 3", "shown 4"}, r.msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Level{Info, Warning, Debug}, r.levels); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
}

func TestPrefixedLogger(t *testing.T) {
	r := &recorder{}
	l := PrefixedLogger(&BasicLogger{Level: Debug, Emitter: r}, "Child 'a%b': ")
	l.Infof("mapped %#x", 0x1000)
	if want := "Child 'a%b': mapped 0x1000"; len(r.msgs) != 1 || r.msgs[0] != want {
		t.Errorf("got %q want [%q]", r.msgs, want)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	r := &recorder{}
	l := BurstRateLimitedLogger(&BasicLogger{Level: Info, Emitter: r}, time.Hour, 2)
	for i := 0; i < 5; i++ {
		l.Warningf("fault %d", i)
	}
	// Below the level: must not consume tokens or count as suppressed.
	l.Debugf("ignored")

	if diff := cmp.Diff([]string{"fault 0", "fault 1"}, r.msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if got := l.(*rateLimitedLogger).Suppressed(); got != 3 {
		t.Errorf("Suppressed() got %d want 3", got)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "child %q killed", "vga")

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines want 1: %q", len(tw.lines), tw.lines)
	}
	got := tw.lines[0]
	if !strings.HasPrefix(got, "W0304 05:06:07.000008 ") {
		t.Errorf("header got %q", got)
	}
	if !strings.HasSuffix(got, "] child \"vga\" killed\n") {
		t.Errorf("message got %q", got)
	}
}

func TestPatternOpts(t *testing.T) {
	ts := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{"/tmp/nre-%COMMAND%.log", "/tmp/nre-boot.log"},
		{"/tmp/logs/", "/tmp/logs/nre.log.20260102-030405.000000.boot"},
		{"/tmp/plain.log", "/tmp/plain.log"},
	} {
		opts := PatternOpts{Command: "boot", Timestamp: ts}
		if got := opts.Build(tc.pattern); got != tc.want {
			t.Errorf("Build(%q) got %q want %q", tc.pattern, got, tc.want)
		}
	}
}
