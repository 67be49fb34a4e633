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

package diagexport

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersExpectedMetricNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObservePhase("facts", "ok", 250*time.Millisecond)
	r.SetSuccessiveErrors(2)
	r.IncFullSync()
	r.SetOutboundQueueSize(7)
	r.SetDeferredQueueSize(3)
	r.ObserveBatch(42)
	r.IncPointsDropped("whitelist")

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	want := map[string]bool{
		"bleemeo_connector_reconciler_phase_duration_seconds": false,
		"bleemeo_connector_reconciler_successive_errors":      false,
		"bleemeo_connector_reconciler_full_syncs_total":       false,
		"bleemeo_connector_broker_outbound_queue_size":        false,
		"bleemeo_connector_emission_deferred_queue_size":      false,
		"bleemeo_connector_emission_batches_published_total":  false,
		"bleemeo_connector_emission_points_published_total":   false,
		"bleemeo_connector_emission_points_dropped_total":     false,
	}

	for _, mf := range metricFamilies {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("expected metric %q to be registered, metric families: %v", name, metricFamilies)
		}
	}

	if got := testutil.ToFloat64(r.successiveErrors); got != 2 {
		t.Errorf("successive_errors = %v, want 2", got)
	}

	if got := testutil.ToFloat64(r.fullSyncsTotal); got != 1 {
		t.Errorf("full_syncs_total = %v, want 1", got)
	}

	if got := testutil.ToFloat64(r.pointsPublished); got != 42 {
		t.Errorf("points_published_total = %v, want 42", got)
	}
}

func TestNilRegistryMethodsAreNoOps(t *testing.T) {
	var r *Registry

	r.ObservePhase("facts", "ok", time.Second)
	r.SetSuccessiveErrors(5)
	r.IncFullSync()
	r.SetOutboundQueueSize(1)
	r.SetDeferredQueueSize(1)
	r.ObserveBatch(1)
	r.IncPointsDropped("held_off")
}

func TestPointsDroppedLabeledByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.IncPointsDropped("whitelist")
	r.IncPointsDropped("whitelist")
	r.IncPointsDropped("held_off")

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	var found bool

	for _, mf := range metricFamilies {
		if mf.GetName() != "bleemeo_connector_emission_points_dropped_total" {
			continue
		}

		found = true

		for _, m := range mf.GetMetric() {
			var reason string

			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" {
					reason = lp.GetValue()
				}
			}

			if reason == "whitelist" && m.GetCounter().GetValue() != 2 {
				t.Errorf("whitelist counter = %v, want 2", m.GetCounter().GetValue())
			}

			if reason == "held_off" && m.GetCounter().GetValue() != 1 {
				t.Errorf("held_off counter = %v, want 1", m.GetCounter().GetValue())
			}
		}
	}

	if !found {
		t.Fatal("points_dropped_total metric family not found")
	}
}
