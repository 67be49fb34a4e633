// Copyright 2015-2023 Bleemeo
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

// Package crashreport wires ambient crash/error reporting (Sentry) and
// assembles on-demand diagnostic bundles: the network diagnostic routine
// described by spec.md §7 produces one of these, gated so it runs at most
// once an hour regardless of how many times the broker session drops.
package crashreport

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/bleemeo/bleemeo-agent/logger"
	"github.com/bleemeo/bleemeo-agent/types"
	"github.com/bleemeo/bleemeo-agent/version"
)

var errFailedToDiagnostic = errors.New("failed to generate a diagnostic")

// DiagnosticFunc writes a diagnostic bundle to writer.
type DiagnosticFunc = func(context.Context, types.ArchiveWriter) error

//nolint:gochecknoglobals
var (
	lock sync.Mutex

	dir          string
	diagnosticFn DiagnosticFunc

	diagnosticCool = time.Hour
	lastDiagnostic time.Time
)

// Configure records where diagnostic bundles should be written and the
// callback used to populate one. Call once at startup.
func Configure(stateDir string, fn DiagnosticFunc) {
	lock.Lock()
	defer lock.Unlock()

	dir = stateDir
	diagnosticFn = fn
}

// InitSentry initializes Sentry error reporting, if a DSN was configured.
// Matches the teacher's pattern of a no-op when dsn is empty.
func InitSentry(dsn string) {
	if dsn == "" {
		return
	}

	err := sentry.Init(sentry.ClientOptions{Dsn: dsn})
	if err != nil {
		logger.V(1).Printf("sentry.Init failed: %s", err)

		return
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetContext("agent", map[string]interface{}{
			"agent_version": version.Version,
		})
	})
}

// SetAgentID attaches the now-known agent ID to the Sentry scope, once
// registration against the control plane has completed.
func SetAgentID(agentID string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetContext("agent", map[string]interface{}{
			"agent_id":      agentID,
			"agent_version": version.Version,
		})
	})
}

// RecoverPanic reports a panic value to Sentry and stderr. The caller is
// expected to invoke it from a deferred recover().
func RecoverPanic(recovered interface{}) {
	if recovered == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "recovered from panic:", recovered)
	sentry.CurrentHub().Recover(recovered)
	sentry.Flush(2 * time.Second)
}

// RunNetworkDiagnostic runs the configured diagnostic callback and writes
// its output to a timestamped zip file under the state directory, unless
// one was already produced less than an hour ago. It returns the path to
// the bundle, or an empty string if skipped or it failed.
func RunNetworkDiagnostic(ctx context.Context) string {
	lock.Lock()
	stateDir := dir
	fn := diagnosticFn
	now := time.Now()

	if fn == nil || stateDir == "" {
		lock.Unlock()

		return ""
	}

	if !lastDiagnostic.IsZero() && now.Sub(lastDiagnostic) < diagnosticCool {
		lock.Unlock()

		return ""
	}

	lastDiagnostic = now
	lock.Unlock()

	path := filepath.Join(stateDir, now.Format("diagnostic_20060102-150405.zip"))

	archive, err := os.Create(path)
	if err != nil {
		logger.V(1).Printf("can't create diagnostic archive %q: %v", path, err)

		return ""
	}

	defer archive.Close()

	zipWriter := zip.NewWriter(archive)
	defer zipWriter.Close()

	diagCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := generateDiagnostic(diagCtx, newInSituZipWriter("", zipWriter), fn); err != nil {
		logger.V(1).Printf("failed to generate network diagnostic: %v", err)

		return ""
	}

	return path
}

// generateDiagnostic runs fn in a goroutine so a panicking diagnostic
// callback cannot bring down the caller, and honors ctx's deadline.
func generateDiagnostic(ctx context.Context, writer types.ArchiveWriter, fn DiagnosticFunc) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintln(os.Stderr, "diagnostic generation panicked:", r)
				done <- errFailedToDiagnostic
			}
		}()

		done <- fn(ctx, writer)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeDiagnostics deletes the oldest diagnostic bundles in the state
// directory, keeping only maxCount of them.
func PurgeDiagnostics(maxCount int) {
	lock.Lock()
	stateDir := dir
	lock.Unlock()

	if stateDir == "" {
		return
	}

	matches, err := filepath.Glob(filepath.Join(stateDir, "diagnostic_*.zip"))
	if err != nil || len(matches) <= maxCount {
		return
	}

	for i := 0; i < len(matches)-maxCount; i++ {
		if err := os.Remove(matches[i]); err != nil {
			logger.V(1).Printf("failed to remove old diagnostic %q: %v", matches[i], err)
		}
	}
}
