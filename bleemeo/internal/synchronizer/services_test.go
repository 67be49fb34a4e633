package synchronizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/cache"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/facts"
	"github.com/bleemeo/bleemeo-agent/state"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	return cache.Load(st)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *client.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := client.New(server.URL+"/", "user", "pass", false)
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func TestSyncServicesRegistersNewService(t *testing.T) {
	var created bool

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/jwt-auth/":
			_ = json.NewEncoder(w).Encode(map[string]string{"Token": "tok"})
		case r.URL.Path == "/v1/service/" && r.Method == http.MethodPost:
			created = true
			_ = json.NewEncoder(w).Encode(bleemeoTypes.Service{
				ID: "svc-1", Label: "redis", Instance: "", Active: true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	sp := facts.NewMockServiceProvider()
	sp.SetServices([]facts.DiscoveredService{
		{Label: "redis", Active: true, ListenAddresses: []string{"127.0.0.1:6379/tcp"}},
	})

	s := New(Options{
		Client:   c,
		Cache:    newTestCache(t),
		Services: sp,
		Config:   config.DefaultConfig(),
		Identity: &bleemeoTypes.AgentIdentity{AgentID: "agent-1"},
	})

	if err := s.syncServices(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if !created {
		t.Fatal("expected a POST to v1/service/")
	}

	snap := s.opt.Cache.Snapshot()
	if _, ok := snap.Services["svc-1"]; !ok {
		t.Fatalf("service not cached: %+v", snap.Services)
	}
}

func TestSyncServicesDeactivationMarksDependentMetricsDeactivated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/jwt-auth/":
			_ = json.NewEncoder(w).Encode(map[string]string{"Token": "tok"})
		case r.URL.Path == "/v1/service/svc-1/" && r.Method == http.MethodPut:
			_ = json.NewEncoder(w).Encode(bleemeoTypes.Service{
				ID: "svc-1", Label: "redis", Instance: "", Active: false,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	sp := facts.NewMockServiceProvider()
	sp.SetServices([]facts.DiscoveredService{
		{Label: "redis", Active: false},
	})

	cch := newTestCache(t)
	cch.Mutate(func(snap *bleemeoTypes.CacheSnapshot) {
		snap.Services["svc-1"] = bleemeoTypes.Service{ID: "svc-1", Label: "redis", Active: true}
		snap.Metrics["m1"] = bleemeoTypes.Metric{ID: "m1", Label: "redis_status", ServiceID: "svc-1", Labels: map[string]string{}}
	})

	s := New(Options{
		Client:   c,
		Cache:    cch,
		Services: sp,
		Config:   config.DefaultConfig(),
		Identity: &bleemeoTypes.AgentIdentity{AgentID: "agent-1"},
	})

	if err := s.syncServices(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	snap := s.opt.Cache.Snapshot()

	m := snap.Metrics["m1"]
	if time0 := m.DeactivatedAt; time0 == (bleemeoTypes.NullTime{}) {
		t.Fatal("expected DeactivatedAt to be set once the owning service deactivates")
	}
}

func TestSyncServicesDeletesUndiscoveredService(t *testing.T) {
	var deleted bool

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/jwt-auth/":
			_ = json.NewEncoder(w).Encode(map[string]string{"Token": "tok"})
		case r.URL.Path == "/v1/service/svc-1/" && r.Method == http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	sp := facts.NewMockServiceProvider()

	cch := newTestCache(t)
	cch.Mutate(func(snap *bleemeoTypes.CacheSnapshot) {
		snap.Services["svc-1"] = bleemeoTypes.Service{ID: "svc-1", Label: "redis", Active: true}
	})

	s := New(Options{
		Client:   c,
		Cache:    cch,
		Services: sp,
		Config:   config.DefaultConfig(),
		Identity: &bleemeoTypes.AgentIdentity{AgentID: "agent-1"},
	})

	if err := s.syncServices(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if !deleted {
		t.Fatal("expected a DELETE to v1/service/svc-1/")
	}

	snap := s.opt.Cache.Snapshot()
	if _, ok := snap.Services["svc-1"]; ok {
		t.Fatal("service should have been removed from cache")
	}
}

func TestComputeListenAddressesMergesAndFiltersHighPorts(t *testing.T) {
	s := &Synchronizer{opt: Options{Config: config.Config{IgnoreHighPort: true}}}

	got := s.computeListenAddresses(facts.DiscoveredService{
		ListenAddresses: []string{"127.0.0.1:80/tcp"},
		NetstatPorts: []facts.NetstatPort{
			{Port: 80, Protocol: "tcp"},
			{Port: 40000, Protocol: "tcp"},
		},
	})

	want := "127.0.0.1:80/tcp,80/tcp"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestComputeListenAddressesEmpty(t *testing.T) {
	s := &Synchronizer{opt: Options{Config: config.DefaultConfig()}}

	if got := s.computeListenAddresses(facts.DiscoveredService{}); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
