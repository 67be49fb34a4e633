package synchronizer

import (
	"context"
	"testing"
	"time"

	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/facts"
)

func TestSyncDuplicateDetectsMismatchAndHoldsOff(t *testing.T) {
	fp := facts.NewMockProvider()
	fp.SetFact("fqdn", "other-host.example.com")

	var brokerForcedDown bool

	cch := newTestCache(t)
	cch.Mutate(func(snap *bleemeoTypes.CacheSnapshot) {
		snap.Facts["fqdn"] = bleemeoTypes.AgentFact{Key: "fqdn", Value: "this-host.example.com"}
	})

	s := New(Options{
		Cache:           cch,
		Facts:           fp,
		Config:          config.DefaultConfig(),
		Identity:        &bleemeoTypes.AgentIdentity{AgentID: "agent-1"},
		ForceBrokerDown: func() { brokerForcedDown = true },
	})

	heldOff, err := s.syncDuplicate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !heldOff {
		t.Fatal("expected a fact mismatch to hold the loop off")
	}

	if !brokerForcedDown {
		t.Fatal("expected ForceBrokerDown to be called")
	}

	if until := s.duplicateHoldOffUntil(); !until.After(time.Now()) {
		t.Fatal("expected a future hold-off deadline to be recorded")
	}
}

func TestSyncDuplicateNoMismatchPassesThrough(t *testing.T) {
	fp := facts.NewMockProvider()
	fp.SetFact("fqdn", "this-host.example.com")

	cch := newTestCache(t)
	cch.Mutate(func(snap *bleemeoTypes.CacheSnapshot) {
		snap.Facts["fqdn"] = bleemeoTypes.AgentFact{Key: "fqdn", Value: "this-host.example.com"}
	})

	s := New(Options{
		Cache:    cch,
		Facts:    fp,
		Config:   config.DefaultConfig(),
		Identity: &bleemeoTypes.AgentIdentity{AgentID: "agent-1"},
	})

	heldOff, err := s.syncDuplicate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if heldOff {
		t.Fatal("expected matching facts not to trigger a hold-off")
	}
}

func TestSyncDuplicateStaysHeldOffUntilDeadline(t *testing.T) {
	fp := facts.NewMockProvider()
	fp.SetFact("fqdn", "this-host.example.com")

	s := New(Options{
		Cache:    newTestCache(t),
		Facts:    fp,
		Config:   config.DefaultConfig(),
		Identity: &bleemeoTypes.AgentIdentity{AgentID: "agent-1"},
	})

	s.mu.Lock()
	s.duplicateHoldOffAt = time.Now().Add(time.Minute)
	s.mu.Unlock()

	heldOff, err := s.syncDuplicate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !heldOff {
		t.Fatal("expected an unexpired hold-off to short-circuit the phase")
	}
}

func TestRecordDuplicateDetectionEscalatesWithinWindow(t *testing.T) {
	s := New(Options{Identity: &bleemeoTypes.AgentIdentity{AgentID: "agent-1"}})

	first := s.recordDuplicateDetection()
	if first < 240*time.Second || first > 360*time.Second {
		t.Fatalf("expected the first detection's hold-off near 300s, got %s", first)
	}

	s.recordDuplicateDetection()

	third := s.recordDuplicateDetection()
	if third < 840*time.Second || third > 960*time.Second {
		t.Fatalf("expected the 3rd detection within the window to escalate to ~900s, got %s", third)
	}
}

func TestNthMostRecent(t *testing.T) {
	ring := make([]time.Time, 4)
	now := time.Now()

	ring[0] = now.Add(-3 * time.Second)
	ring[1] = now.Add(-2 * time.Second)
	ring[2] = now.Add(-1 * time.Second)
	next := 3
	count := 3

	got, ok := nthMostRecent(ring, next, count, 1)
	if !ok || !got.Equal(ring[2]) {
		t.Fatalf("1st-most-recent = %v, ok=%v, want %v", got, ok, ring[2])
	}

	got, ok = nthMostRecent(ring, next, count, 3)
	if !ok || !got.Equal(ring[0]) {
		t.Fatalf("3rd-most-recent = %v, ok=%v, want %v", got, ok, ring[0])
	}

	if _, ok := nthMostRecent(ring, next, count, 4); ok {
		t.Fatal("expected no 4th-most-recent entry with only 3 recorded")
	}
}
