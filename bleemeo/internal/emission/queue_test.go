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

package emission

import (
	"encoding/json"
	"testing"
	"time"

	roottypes "github.com/bleemeo/bleemeo-agent/types"
)

func TestCompactDeferredKeepsMostRecentByPointTime(t *testing.T) {
	p := New(Options{Cache: newTestCache(t)})

	base := time.Now().Add(-24 * time.Hour)

	p.deferred = make([]deferredPoint, deferredCap)
	for i := range p.deferred {
		p.deferred[i] = deferredPoint{
			point:    roottypes.MetricPoint{Label: "m", Time: base.Add(time.Duration(i) * time.Second)},
			queuedAt: p.now(),
		}
	}

	p.mu.Lock()
	p.compactDeferredLocked()
	p.mu.Unlock()

	if len(p.deferred) != deferredKeep {
		t.Fatalf("expected %d entries kept, got %d", deferredKeep, len(p.deferred))
	}

	// the oldest surviving entry must be the (deferredCap - deferredKeep)-th
	// point, and order must still run oldest-to-newest.
	wantFirst := base.Add(time.Duration(deferredCap-deferredKeep) * time.Second)
	if !p.deferred[0].point.Time.Equal(wantFirst) {
		t.Fatalf("expected oldest kept point at %v, got %v", wantFirst, p.deferred[0].point.Time)
	}

	for i := 1; i < len(p.deferred); i++ {
		if p.deferred[i].point.Time.Before(p.deferred[i-1].point.Time) {
			t.Fatal("expected order to remain sorted by point time after compaction")
		}
	}
}

func TestEnqueueDeferredCompactsAtCapacity(t *testing.T) {
	p := New(Options{Cache: newTestCache(t)})

	base := time.Now().Add(-24 * time.Hour)

	p.mu.Lock()
	p.deferred = make([]deferredPoint, deferredCap)
	for i := range p.deferred {
		p.deferred[i] = deferredPoint{point: roottypes.MetricPoint{Label: "m", Time: base.Add(time.Duration(i) * time.Second)}}
	}
	p.mu.Unlock()

	p.enqueueDeferred(roottypes.MetricPoint{Label: "m", Time: time.Now()})

	if len(p.deferred) != deferredKeep+1 {
		t.Fatalf("expected compaction to deferredKeep+1 (%d), got %d", deferredKeep+1, len(p.deferred))
	}
}

func TestRequeueResolvesKnownIdentity(t *testing.T) {
	c := newTestCache(t)
	recon := newFakeReconciler()
	p := New(Options{Cache: c, Reconciler: recon})

	now := time.Now()
	p.enqueueDeferred(roottypes.MetricPoint{Label: "cpu_used", Labels: map[string]string{"item": ""}, Value: 1, Time: now})

	registerMetric(t, c, "m1", "cpu_used", "", "")

	p.Requeue()

	if len(p.deferred) != 0 {
		t.Fatalf("expected the now-resolved point to leave the deferred queue, got %d remaining", len(p.deferred))
	}

	if len(p.batch) != 1 {
		t.Fatalf("expected the resolved point to render into the batch, got %d", len(p.batch))
	}

	recon.mu.Lock()
	_, seen := recon.seen["cpu_used\x00"]
	recon.mu.Unlock()

	if !seen {
		t.Fatal("expected liveness to be reported once the identity resolves")
	}
}

func TestRequeueKeepsStillUnknownFreshPoint(t *testing.T) {
	p := New(Options{Cache: newTestCache(t)})

	p.enqueueDeferred(roottypes.MetricPoint{Label: "cpu_used", Labels: map[string]string{"item": ""}, Time: time.Now()})

	p.Requeue()

	if len(p.deferred) != 1 {
		t.Fatalf("expected the still-unknown fresh point to be kept, got %d", len(p.deferred))
	}
}

func TestRequeueDropsStaleUnknownPoint(t *testing.T) {
	p := New(Options{Cache: newTestCache(t)})

	p.enqueueDeferred(roottypes.MetricPoint{
		Label:  "cpu_used",
		Labels: map[string]string{"item": ""},
		Time:   time.Now().Add(-(deferredMaxAge + time.Second)),
	})

	p.Requeue()

	if len(p.deferred) != 0 {
		t.Fatalf("expected the stale unknown point to be dropped, got %d remaining", len(p.deferred))
	}
}

func TestEnqueueRenderedFlushesEarlyAtBatchMaxPoints(t *testing.T) {
	broker := &fakeBroker{}
	p := New(Options{Cache: newTestCache(t), Broker: broker})

	for i := 0; i < batchMaxPoints; i++ {
		p.enqueueRendered(brokerPoint{UUID: "m1", Measurement: "cpu_used", Time: time.Now().Unix(), Value: float64(i)})
	}

	if broker.count() != 1 {
		t.Fatalf("expected exactly one flush once batchMaxPoints is reached, got %d", broker.count())
	}

	if len(p.batch) != 0 {
		t.Fatalf("expected the batch to be empty after the early flush, got %d", len(p.batch))
	}
}

func TestFlushPublishesJSONArrayAndClearsBatch(t *testing.T) {
	broker := &fakeBroker{}
	p := New(Options{Cache: newTestCache(t), Broker: broker})

	p.batch = []brokerPoint{{UUID: "m1", Measurement: "cpu_used", Time: 1, Value: 3.14}}

	p.flush()

	if broker.count() != 1 {
		t.Fatalf("expected one published payload, got %d", broker.count())
	}

	var decoded []brokerPoint
	if err := json.Unmarshal(broker.payloads[0], &decoded); err != nil {
		t.Fatalf("expected a valid JSON array payload: %v", err)
	}

	if len(decoded) != 1 || decoded[0].UUID != "m1" {
		t.Fatalf("unexpected payload contents: %+v", decoded)
	}

	if len(p.batch) != 0 {
		t.Fatal("expected the batch to be cleared after flush")
	}
}

func TestFlushNoOpOnEmptyBatch(t *testing.T) {
	broker := &fakeBroker{}
	p := New(Options{Cache: newTestCache(t), Broker: broker})

	p.flush()

	if broker.count() != 0 {
		t.Fatal("expected no publish when the batch is empty")
	}
}
