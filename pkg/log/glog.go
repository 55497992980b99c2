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
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid is used for the threadid component of the header.
var pid = os.Getpid()

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is a single character for the level, threadid is the space
// padded pid of the root task and file:line names the logging call site.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var lc byte
	switch level {
	case Debug:
		lc = 'D'
	case Info:
		lc = 'I'
	default:
		lc = 'W'
	}

	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(f, byte('/')); slash >= 0 {
			f = f[slash+1:] // Trim any directory path from the file.
		}
		file, line = f, l
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	header := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %7d %s:%d] ",
		lc, int(month), day, hour, minute, second, timestamp.Nanosecond()/1000,
		pid, file, line)

	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	g.Writer.Write([]byte(header + msg))
}
