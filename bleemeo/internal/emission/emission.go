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

// Package emission is the Emission Path (C5): collectors call Emit with
// one MetricPoint at a time; it applies the whitelist and
// docker_integration gates, routes a point whose identity is already
// registered to the outbound batch, and defers one that isn't yet known
// (spec.md §4.5).
package emission

import (
	"sync"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/cache"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/diagexport"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	roottypes "github.com/bleemeo/bleemeo-agent/types"
)

const (
	// deferredCap/deferredKeep bound the deferred queue: once it reaches
	// deferredCap, the next enqueue compacts it down to the deferredKeep
	// most recent points, oldest first (spec.md §8).
	deferredCap  = 100000
	deferredKeep = 90000

	// deferredMaxAge is how old an unregistered point may be before it's
	// dropped outright instead of deferred (spec.md §8).
	deferredMaxAge = 7200 * time.Second

	batchMaxPoints = 2000
	batchMaxWait   = 6 * time.Second

	// killSignalGraceWindow/killSignalGraceFloor: a service status point
	// carries event_grace_period when the service received a kill signal
	// within the last 5 minutes and the remaining grace exceeds 60s
	// (spec.md §4.5; original_source bleemeo.py's last_kill_at+300 rule).
	killSignalGraceWindow = 300 * time.Second
	killSignalGraceFloor  = 60 * time.Second
)

// Broker is the publish surface the batcher writes to; satisfied by
// bleemeo/internal/mqtt.Session.
type Broker interface {
	PublishData(payload []byte, force bool) bool
}

// Reconciler is the slice of the Synchronizer the emission path drives:
// tracking a not-yet-registered identity, refreshing the liveness signal
// behind reactivation/inactivation, and the duplicate-detection gate.
type Reconciler interface {
	RequestRegistration(req bleemeoTypes.MetricRegistrationRequest)
	NotifyMetricSeen(label, item string, t time.Time)
	IsHeldOff() bool
}

// Options bundles every collaborator the Emission Path needs.
type Options struct {
	Cache      *cache.Cache
	Broker     Broker
	Reconciler Reconciler

	// Metrics records operational counters/gauges about this path's own
	// behavior; nil disables recording.
	Metrics *diagexport.Registry

	// KillSignalAt returns the wall-clock time a service last received a
	// kill signal (zero if never/unknown); supplied by the out-of-scope
	// discovery collaborator, same shape as facts.Provider.
	KillSignalAt func(serviceLabel, serviceInstance string) time.Time
}

// deferredPoint is a point whose identity wasn't registered yet when it
// arrived, waiting for a later Requeue pass.
type deferredPoint struct {
	point    roottypes.MetricPoint
	queuedAt time.Time
}

// brokerPoint is the wire shape of one point inside a batched publish
// (spec.md §4.5 "Rendered broker message").
type brokerPoint struct {
	UUID             string  `json:"uuid"`
	Measurement      string  `json:"measurement"`
	Time             int64   `json:"time"`
	Value            float64 `json:"value"`
	Item             string  `json:"item,omitempty"`
	Status           string  `json:"status,omitempty"`
	CheckOutput      string  `json:"check_output,omitempty"`
	EventGracePeriod int64   `json:"event_grace_period,omitempty"`
}

// Path is the emission path's mutable state: the deferred queue and the
// outbound batch awaiting the next flush.
type Path struct {
	opt Options

	mu       sync.Mutex
	deferred []deferredPoint
	batch    []brokerPoint
}

// New builds a Path. Call Run to start its batching/requeue loop.
func New(opt Options) *Path {
	return &Path{opt: opt}
}

func (p *Path) now() time.Time { return time.Now() }

// Emit is called by a collector with one freshly sampled point (spec.md
// §4.5). It never blocks on the network: an unknown identity is queued
// locally, a known one is appended to the in-memory outbound batch that
// Run periodically flushes.
func (p *Path) Emit(point roottypes.MetricPoint) {
	if p.opt.Reconciler != nil && p.opt.Reconciler.IsHeldOff() {
		p.opt.Metrics.IncPointsDropped("held_off")

		return
	}

	snap := p.opt.Cache.Snapshot()

	if !passesWhitelist(snap, point) {
		p.opt.Metrics.IncPointsDropped("whitelist")

		return
	}

	dockerIntegration := true
	if snap.CurrentConfig != nil {
		dockerIntegration = snap.CurrentConfig.DockerIntegration
	}

	if !dockerIntegration && point.ContainerName != "" {
		p.opt.Metrics.IncPointsDropped("docker_integration")

		return
	}

	item := point.Item()
	attachedToService := point.ServiceInstance != ""
	key := bleemeoTypes.MetricKey(point.Label, item, attachedToService)

	id, known := snap.MetricsByLabelItem[key]
	if !known {
		if p.opt.Reconciler != nil {
			p.opt.Reconciler.RequestRegistration(bleemeoTypes.MetricRegistrationRequest{
				Label:              point.Label,
				Labels:             point.Labels,
				ServiceLabel:       point.ServiceLabel,
				Instance:           point.ServiceInstance,
				ContainerName:      point.ContainerName,
				StatusOfLabel:      point.StatusOf,
				LastStatus:         point.StatusCode,
				LastProblemOrigins: point.ProblemOrigin,
				LastSeen:           point.Time,
			})
		}

		p.enqueueDeferred(point)

		return
	}

	if p.opt.Reconciler != nil {
		p.opt.Reconciler.NotifyMetricSeen(point.Label, item, point.Time)
	}

	p.enqueueRendered(p.render(snap.Metrics[id], point))
}

// passesWhitelist implements spec.md §4.5 step 2: no config or an empty
// whitelist allows everything; a service's own status metric always
// passes; everything else needs an exact label match.
func passesWhitelist(snap *bleemeoTypes.CacheSnapshot, point roottypes.MetricPoint) bool {
	if snap.CurrentConfig == nil {
		return true
	}

	whitelist := snap.CurrentConfig.WhitelistSet()
	if len(whitelist) == 0 {
		return true
	}

	if point.ServiceLabel != "" && point.Label == point.ServiceLabel+"_status" {
		return true
	}

	return whitelist[point.Label]
}

// render builds the wire shape for one point already known to be
// registered (spec.md §4.5 "Rendered broker message").
func (p *Path) render(metric bleemeoTypes.Metric, point roottypes.MetricPoint) brokerPoint {
	out := brokerPoint{
		UUID:        metric.ID,
		Measurement: metric.Label,
		Time:        point.Time.Unix(),
		Value:       point.Value,
	}

	if item, ok := metric.Labels["item"]; ok {
		out.Item = item
	}

	if !point.StatusCode.IsSet() {
		return out
	}

	out.Status = point.StatusCode.String()

	if point.ProblemOrigin != "" {
		out.CheckOutput = point.ProblemOrigin
	}

	if point.ServiceLabel == "" || p.opt.KillSignalAt == nil {
		return out
	}

	killAt := p.opt.KillSignalAt(point.ServiceLabel, point.ServiceInstance)
	if killAt.IsZero() {
		return out
	}

	grace := killAt.Add(killSignalGraceWindow).Sub(p.now())
	if grace > killSignalGraceFloor {
		out.EventGracePeriod = int64(grace.Seconds())
	}

	return out
}
