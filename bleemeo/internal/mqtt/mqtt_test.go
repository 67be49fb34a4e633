package mqtt

import (
	"sync/atomic"
	"testing"
)

func TestIsPublishAllowedRespectsCap(t *testing.T) {
	s := New(Config{AgentID: "agent"}, nil)

	atomic.StoreInt64(&s.outbound, outboundCap-1)
	if !s.IsPublishAllowed() {
		t.Fatal("expected publish allowed just under the cap")
	}

	atomic.StoreInt64(&s.outbound, outboundCap)
	if s.IsPublishAllowed() {
		t.Fatal("expected publish disallowed at the cap")
	}
}

func TestPublishWithoutConnectionReturnsFalse(t *testing.T) {
	s := New(Config{AgentID: "agent"}, nil)

	if s.PublishData([]byte("{}"), false) {
		t.Fatal("expected publish to fail without a connected client")
	}

	if s.PublishData([]byte("{}"), true) {
		t.Fatal("expected even a forced publish to fail without a connected client")
	}
}

func TestLastReportTimeZeroBeforeAnyPublish(t *testing.T) {
	s := New(Config{AgentID: "agent"}, nil)

	if !s.LastReportTime().IsZero() {
		t.Fatal("expected zero LastReportTime before any acknowledged publish")
	}
}
