package cache

import (
	"path/filepath"
	"testing"

	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/state"
	"github.com/google/go-cmp/cmp"
)

func newTestState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	return st
}

func TestMutateRebuildsIndexes(t *testing.T) {
	st := newTestState(t)
	c := Load(st)

	c.Mutate(func(s *bleemeoTypes.CacheSnapshot) {
		s.Metrics["m1"] = bleemeoTypes.Metric{
			ID:     "m1",
			Label:  "cpu_used",
			Labels: map[string]string{"item": "0"},
		}
	})

	snap := c.Snapshot()

	key := bleemeoTypes.MetricKey("cpu_used", "0", false)
	if snap.MetricsByLabelItem[key] != "m1" {
		t.Fatalf("index lookup failed: %v", snap.MetricsByLabelItem)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := state.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	c := Load(st)
	c.Mutate(func(s *bleemeoTypes.CacheSnapshot) {
		s.AccountID = "acct-1"
		s.Tags = []string{"web"}
		s.Metrics["m1"] = bleemeoTypes.Metric{
			ID:     "m1",
			Label:  "cpu_used",
			Labels: map[string]string{"item": "0"},
		}
		s.Containers["c1"] = bleemeoTypes.Container{ID: "c1", Name: "redis", DockerID: "abc"}
	})

	reloadedState, err := state.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := Load(reloadedState)
	got := reloaded.Snapshot()
	want := c.Snapshot()

	if diff := cmp.Diff(want.Metrics, got.Metrics); diff != "" {
		t.Fatalf("metrics mismatch after reload (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want.Containers, got.Containers); diff != "" {
		t.Fatalf("containers mismatch after reload (-want +got):\n%s", diff)
	}

	if got.AccountID != "acct-1" {
		t.Fatalf("AccountID = %q, want acct-1", got.AccountID)
	}
}

func TestDecodeEnvelopeRefusesNewerVersion(t *testing.T) {
	raw := []byte(`{"version": 999, "metrics": []}`)

	snap, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}

	if len(snap.Metrics) != 0 {
		t.Fatalf("expected an empty snapshot when stored version exceeds current, got %d metrics", len(snap.Metrics))
	}
}

func TestMigrateV1ToV7AddsDefaults(t *testing.T) {
	doc := map[string]interface{}{
		"version": float64(1),
		"metrics": []interface{}{
			map[string]interface{}{"id": "m1", "item": "sda"},
		},
		"containers": []interface{}{
			map[string]interface{}{"id": "c1"},
		},
	}

	migrated := migrate(doc, 1)

	if migrated["version"] != float64(currentVersion) {
		t.Fatalf("version = %v, want %d", migrated["version"], currentVersion)
	}

	metrics := migrated["metrics"].([]interface{})
	m0 := metrics[0].(map[string]interface{})

	if _, ok := m0["item"]; ok {
		t.Fatal("item field should have been moved into labels_text by V7")
	}

	if m0["labels_text"] != "item=sda" {
		t.Fatalf("labels_text = %v, want item=sda", m0["labels_text"])
	}

	containers := migrated["containers"].([]interface{})
	c0 := containers[0].(map[string]interface{})

	if _, ok := c0["container_id"]; !ok {
		t.Fatal("container_id should have been defaulted by V2")
	}
}
