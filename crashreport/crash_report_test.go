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

package crashreport

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/bleemeo/bleemeo-agent/types"
)

func resetGlobalState() {
	lock.Lock()
	defer lock.Unlock()

	dir = ""
	diagnosticFn = nil
	lastDiagnostic = time.Time{}
}

func TestRunNetworkDiagnosticWritesBundle(t *testing.T) {
	resetGlobalState()

	stateDir := t.TempDir()

	var gotFilename string

	Configure(stateDir, func(_ context.Context, w types.ArchiveWriter) error {
		writer, err := w.Create("diagnostic.txt")
		if err != nil {
			return err
		}

		gotFilename = w.CurrentFileName()

		_, err = writer.Write([]byte("ok"))

		return err
	})

	path := RunNetworkDiagnostic(context.Background())
	if path == "" {
		t.Fatal("RunNetworkDiagnostic returned empty path")
	}

	if filepath.Dir(path) != stateDir {
		t.Fatalf("bundle written to %q, want under %q", path, stateDir)
	}

	if gotFilename != "diagnostic.txt" {
		t.Fatalf("CurrentFileName() = %q, want %q", gotFilename, "diagnostic.txt")
	}

	archive, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}

	defer archive.Close()

	if len(archive.File) != 1 || archive.File[0].Name != "diagnostic.txt" {
		t.Fatalf("unexpected archive contents: %+v", archive.File)
	}
}

func TestRunNetworkDiagnosticCooldown(t *testing.T) {
	resetGlobalState()

	stateDir := t.TempDir()

	calls := 0

	Configure(stateDir, func(_ context.Context, w types.ArchiveWriter) error {
		calls++

		_, err := w.Create("diagnostic.txt")

		return err
	})

	first := RunNetworkDiagnostic(context.Background())
	if first == "" {
		t.Fatal("first call: expected a bundle")
	}

	second := RunNetworkDiagnostic(context.Background())
	if second != "" {
		t.Fatalf("second call within cooldown returned %q, want empty", second)
	}

	if calls != 1 {
		t.Fatalf("diagnostic callback ran %d times, want 1", calls)
	}
}

func TestRunNetworkDiagnosticRecoversPanic(t *testing.T) {
	resetGlobalState()

	stateDir := t.TempDir()

	Configure(stateDir, func(context.Context, types.ArchiveWriter) error {
		panic("boom")
	})

	path := RunNetworkDiagnostic(context.Background())
	if path != "" {
		t.Fatalf("RunNetworkDiagnostic = %q, want empty after a panicking callback", path)
	}
}

func TestGenerateDiagnosticPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")

	err := generateDiagnostic(context.Background(), &fakeWriter{}, func(context.Context, types.ArchiveWriter) error {
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("generateDiagnostic() error = %v, want %v", err, wantErr)
	}
}

type fakeWriter struct{}

func (fakeWriter) Create(string) (io.Writer, error) { return io.Discard, nil }
func (fakeWriter) CurrentFileName() string           { return "" }
