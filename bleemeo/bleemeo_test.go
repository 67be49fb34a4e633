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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/facts"
)

func TestNewWiresAllFiveComponentsAndReusesPersistedIdentity(t *testing.T) {
	st := newTestState(t)

	if err := st.Set(stateAgentIDKey, "agent-abc"); err != nil {
		t.Fatal(err)
	}

	if err := st.Set(stateAgentPasswordKey, "pw"); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()

	c, err := New(context.Background(), Options{
		Config: config.Config{
			Bleemeo: config.Bleemeo{APIBase: server.URL + "/"},
		},
		State:      st,
		Facts:      facts.NewMockProvider(),
		Services:   facts.NewMockServiceProvider(),
		Registerer: reg,
	})
	if err != nil {
		t.Fatal(err)
	}

	if c.AgentID() != "agent-abc" {
		t.Fatalf("AgentID() = %q, want agent-abc", c.AgentID())
	}

	if c.Connected() {
		t.Fatal("expected Connected() to be false before Run starts the broker session")
	}

	if !c.LastReport().IsZero() {
		t.Fatal("expected a zero LastReport() before any publish")
	}

	if c.Gatherer() != reg {
		t.Fatal("expected Gatherer() to return the configured registry")
	}

	page := c.DiagnosticPage()
	if page == "" {
		t.Fatal("expected a non-empty diagnostic page")
	}
}

func TestGathererIsDefaultGathererWhenNoRegistererIsSet(t *testing.T) {
	st := newTestState(t)

	if err := st.Set(stateAgentIDKey, "agent-xyz"); err != nil {
		t.Fatal(err)
	}

	if err := st.Set(stateAgentPasswordKey, "pw"); err != nil {
		t.Fatal(err)
	}

	c, err := New(context.Background(), Options{
		Config:   config.Config{Bleemeo: config.Bleemeo{APIBase: "https://unused.example.com/"}},
		State:    st,
		Facts:    facts.NewMockProvider(),
		Services: facts.NewMockServiceProvider(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if c.Gatherer() != prometheus.DefaultGatherer {
		t.Fatal("expected the default gatherer when no Registerer is set")
	}
}
