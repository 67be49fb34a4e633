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

// Package diagexport turns the connector's own operational numbers
// (reconciler phase durations, successive-error counts, outbound queue
// depth) into process-internal Prometheus metrics, the one place this
// module's own state is exported as metrics rather than consumed as one.
package diagexport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every gauge/counter the connector exposes about
// itself. A nil *Registry is valid: every method is a no-op, so
// collaborators can hold an unconditional reference instead of nil-
// checking at every call site.
type Registry struct {
	phaseDuration     *prometheus.HistogramVec
	successiveErrors  prometheus.Gauge
	fullSyncsTotal    prometheus.Counter
	outboundQueueSize prometheus.Gauge
	deferredQueueSize prometheus.Gauge
	batchesPublished  prometheus.Counter
	pointsPublished   prometheus.Counter
	pointsDropped     *prometheus.CounterVec
}

// New registers every metric against reg and returns the Registry.
// Pass prometheus.NewRegistry() for a test-isolated instance, or
// prometheus.DefaultRegisterer to expose alongside the Go/process
// collectors under promhttp.Handler().
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "reconciler",
			Name:      "phase_duration_seconds",
			Help:      "Duration of one reconciler phase, labeled by phase name and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase", "outcome"}),
		successiveErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "reconciler",
			Name:      "successive_errors",
			Help:      "Number of consecutive failed reconciliation iterations.",
		}),
		fullSyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "reconciler",
			Name:      "full_syncs_total",
			Help:      "Number of completed full reconciliation iterations.",
		}),
		outboundQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "broker",
			Name:      "outbound_queue_size",
			Help:      "Number of messages currently buffered in the broker session's outbound queue.",
		}),
		deferredQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "emission",
			Name:      "deferred_queue_size",
			Help:      "Number of points waiting on an unresolved metric identity.",
		}),
		batchesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "emission",
			Name:      "batches_published_total",
			Help:      "Number of point batches handed to the broker session.",
		}),
		pointsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "emission",
			Name:      "points_published_total",
			Help:      "Number of points rendered and handed to the broker session.",
		}),
		pointsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bleemeo_connector",
			Subsystem: "emission",
			Name:      "points_dropped_total",
			Help:      "Number of points dropped before reaching the broker session, by reason.",
		}, []string{"reason"}),
	}
}

// ObservePhase records how long one reconciler phase took. outcome is
// "ok", "error", or "skipped" (e.g. held off by duplicate detection).
func (r *Registry) ObservePhase(phase, outcome string, d time.Duration) {
	if r == nil {
		return
	}

	r.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// SetSuccessiveErrors records the reconciler's current error streak.
func (r *Registry) SetSuccessiveErrors(n int) {
	if r == nil {
		return
	}

	r.successiveErrors.Set(float64(n))
}

// IncFullSync counts one completed full reconciliation iteration.
func (r *Registry) IncFullSync() {
	if r == nil {
		return
	}

	r.fullSyncsTotal.Inc()
}

// SetOutboundQueueSize records the broker session's current outbound
// queue depth.
func (r *Registry) SetOutboundQueueSize(n int) {
	if r == nil {
		return
	}

	r.outboundQueueSize.Set(float64(n))
}

// SetDeferredQueueSize records the emission path's current deferred
// queue depth.
func (r *Registry) SetDeferredQueueSize(n int) {
	if r == nil {
		return
	}

	r.deferredQueueSize.Set(float64(n))
}

// ObserveBatch counts one published batch and the points inside it.
func (r *Registry) ObserveBatch(points int) {
	if r == nil {
		return
	}

	r.batchesPublished.Inc()
	r.pointsPublished.Add(float64(points))
}

// IncPointsDropped counts points dropped by Emit before reaching the
// outbound batch, broken down by reason ("whitelist", "docker_integration",
// "held_off", "deferred_stale").
func (r *Registry) IncPointsDropped(reason string) {
	if r == nil {
		return
	}

	r.pointsDropped.WithLabelValues(reason).Inc()
}
