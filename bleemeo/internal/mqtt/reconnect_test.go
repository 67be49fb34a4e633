package mqtt

import (
	"testing"
	"time"
)

func TestDisconnectHistoryRingWraps(t *testing.T) {
	h := newDisconnectHistory(3)

	base := time.Now()
	for i := 0; i < 5; i++ {
		h.record(base.Add(time.Duration(i) * time.Second))
	}

	if h.count != 3 {
		t.Fatalf("count = %d, want 3 (ring size)", h.count)
	}

	latest := h.nthMostRecent(1)
	want := base.Add(4 * time.Second)

	if !latest.Equal(want) {
		t.Fatalf("nthMostRecent(1) = %v, want %v", latest, want)
	}
}

func TestDisconnectHistorySinceCountsWindow(t *testing.T) {
	h := newDisconnectHistory(15)

	now := time.Now()
	for i := 0; i < 7; i++ {
		h.record(now.Add(-time.Duration(i) * 5 * time.Second))
	}

	if got := h.since(now, 60*time.Second); got != 7 {
		t.Fatalf("since(60s) = %d, want 7", got)
	}

	if got := h.since(now, 10*time.Second); got != 3 {
		t.Fatalf("since(10s) = %d, want 3", got)
	}
}

func TestHoldOffAfterThreeFailures(t *testing.T) {
	s := New(Config{AgentID: "agent"}, nil)

	d := s.holdOff(3)
	if d < 60*time.Second || d > 180*time.Second {
		t.Fatalf("holdOff(3) = %v, want within [60s,180s] (min(300,20*3), min(900,60*3))", d)
	}
}

func TestHoldOffNoneBelowThreeFailures(t *testing.T) {
	s := New(Config{AgentID: "agent"}, nil)

	if d := s.holdOff(0); d != 0 {
		t.Fatalf("holdOff(0) = %v, want 0 (no hold-off, quiet history)", d)
	}
}

func TestHoldOffManyRecentDisconnects(t *testing.T) {
	s := New(Config{AgentID: "agent"}, nil)

	now := time.Now()
	for i := 0; i < 6; i++ {
		s.history.record(now.Add(-time.Duration(i) * time.Second))
	}

	d := s.holdOff(0)
	if d < 45*time.Second || d > 75*time.Second {
		t.Fatalf("holdOff with 6 recent disconnects = %v, want within [45s,75s] (60±15)", d)
	}
}
