// Copyright 2015-2019 Bleemeo
//
// bleemeo.com an infrastructure monitoring solution in the Cloud
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides leveled logging for the connector, with an
// in-memory ring buffer of recent lines for diagnostic dumps and optional
// syslog forwarding on unix.
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
)

//nolint:gochecknoglobals
var (
	mu       sync.Mutex
	verbose  int
	ring     = &buffer{}
	base     = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	cfgState = &config{}
)

// SetVerbosity sets the global verbosity level. Level 0 is the default;
// higher levels enable progressively more detailed diagnostics (V(1), V(2), ...).
func SetVerbosity(level int) {
	mu.Lock()
	defer mu.Unlock()

	verbose = level
}

// UseSyslog enables forwarding of all log lines to the local syslog daemon,
// in addition to stderr. It returns an error on platforms without a syslog
// implementation wired (see windows.go).
func UseSyslog() error {
	mu.Lock()
	defer mu.Unlock()

	return cfgState.enableSyslog()
}

// Buffer returns the recent log history, most useful for diagnostic dumps.
func Buffer() []byte {
	return ring.Content()
}

// Printf logs unconditionally (verbosity 0).
func Printf(format string, args ...interface{}) {
	log(fmt.Sprintf(format, args...))
}

// Println logs unconditionally (verbosity 0).
func Println(args ...interface{}) {
	log(fmt.Sprintln(args...))
}

// Level is a verbosity-gated logger obtained through V(n).
type Level int

// V returns a logger that only emits when the global verbosity is >= level.
func V(level int) Level {
	return Level(level)
}

// Printf logs if the current verbosity allows it.
func (l Level) Printf(format string, args ...interface{}) {
	mu.Lock()
	enabled := int(l) <= verbose
	mu.Unlock()

	if enabled {
		log(fmt.Sprintf(format, args...))
	}
}

// Println logs if the current verbosity allows it.
func (l Level) Println(args ...interface{}) {
	mu.Lock()
	enabled := int(l) <= verbose
	mu.Unlock()

	if enabled {
		log(fmt.Sprintln(args...))
	}
}

func log(line string) {
	now := time.Now()

	_, _ = ring.write(now, []byte(line))

	_ = base.Log("ts", now.Format(time.RFC3339), "msg", trimNewline(line))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}

	return s
}

// config carries the platform-specific syslog writer. Kept as a struct
// (instead of package-level fields) so unix.go can attach methods to it.
type config struct {
	writer syslogWriter
}

type syslogWriter interface {
	Write(p []byte) (int, error)
}
