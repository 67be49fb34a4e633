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

package bleemeo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/state"
)

type fakeFactProvider struct{ facts map[string]string }

func (f fakeFactProvider) Facts(ctx context.Context, maxAge time.Duration) (map[string]string, error) {
	return f.facts, nil
}

func newTestState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	return st
}

func TestEnsureIdentityReturnsPersistedCredentialsWithoutRegistering(t *testing.T) {
	st := newTestState(t)

	if err := st.Set(stateAgentIDKey, "already-there"); err != nil {
		t.Fatal(err)
	}

	if err := st.Set(stateAgentPasswordKey, "secret"); err != nil {
		t.Fatal(err)
	}

	called := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.Bleemeo{APIBase: server.URL + "/"}

	id, err := EnsureIdentity(context.Background(), cfg, st, fakeFactProvider{})
	if err != nil {
		t.Fatal(err)
	}

	if id.AgentID != "already-there" || id.Password != "secret" {
		t.Fatalf("got %+v, want persisted credentials", id)
	}

	if called {
		t.Fatal("expected no registration call when credentials already exist")
	}
}

func TestEnsureIdentityRegistersAndPersistsOnColdStart(t *testing.T) {
	st := newTestState(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agent/" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != "42@bleemeo.com" || pass != "reg-key" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		var payload registerAgentPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding registration payload: %v", err)
		}

		if payload.Account != "42" {
			t.Errorf("Account = %q, want 42", payload.Account)
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "new-agent-id"})
	}))
	defer server.Close()

	cfg := config.Bleemeo{
		APIBase:         server.URL + "/",
		AccountID:       "42",
		RegistrationKey: "reg-key",
	}

	fp := fakeFactProvider{facts: map[string]string{"fqdn": "host.example.com"}}

	id, err := EnsureIdentity(context.Background(), cfg, st, fp)
	if err != nil {
		t.Fatal(err)
	}

	if id.AgentID != "new-agent-id" {
		t.Fatalf("AgentID = %q, want new-agent-id", id.AgentID)
	}

	if id.Password == "" {
		t.Fatal("expected a generated password")
	}

	var persistedID string
	if err := st.Get(stateAgentIDKey, &persistedID); err != nil || persistedID != "new-agent-id" {
		t.Fatalf("persisted agent ID = %q, err %v", persistedID, err)
	}
}

func TestGeneratePasswordProducesDistinctValues(t *testing.T) {
	a, err := generatePassword()
	if err != nil {
		t.Fatal(err)
	}

	b, err := generatePassword()
	if err != nil {
		t.Fatal(err)
	}

	if a == b {
		t.Fatal("expected two distinct generated passwords")
	}

	if a == "" {
		t.Fatal("expected a non-empty password")
	}
}
