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

// Package synchronizer is the Reconciler (C4): a single loop of
// conditional phases that keeps the Object Cache in sync with the
// control plane (spec.md §4.4).
package synchronizer

import (
	"context"
	"sync"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/backoff"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/cache"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/diagexport"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/facts"
	"github.com/bleemeo/bleemeo-agent/logger"
)

const (
	fullSyncLowSeconds  = 3500
	fullSyncHighSeconds = 3700

	initialJitterLowSeconds  = 5
	initialJitterHighSeconds = 30

	// updateMetricsEscalationRatio is the fraction of active metrics that,
	// once exceeded by |update_metrics|, escalates to a full active-only
	// metrics resync (spec.md §4.4).
	updateMetricsEscalationRatio = 0.03
	// pendingRegistrationsEscalationRatio is the fraction of cached metrics
	// that, once exceeded by |pending_registrations|, escalates to a full
	// resync that also refreshes inactive metrics.
	pendingRegistrationsEscalationRatio = 0.03
)

// Options bundles every collaborator the Synchronizer needs. Collectors,
// discovery, and threshold evaluation are all external (spec.md §1); the
// Synchronizer only ever talks to the interfaces below.
type Options struct {
	Client   *client.Client
	Cache    *cache.Cache
	Facts    facts.Provider
	Services facts.ServiceProvider
	Config   config.Config
	Identity *bleemeoTypes.AgentIdentity

	// Containers lists the locally discovered containers; nil disables
	// container sync entirely (e.g. docker_integration is off).
	Containers func(ctx context.Context) ([]facts.Container, error)

	// ForceBrokerDown tears the broker session down immediately; called
	// while the agent is held off for duplicate-agent detection.
	ForceBrokerDown func()

	// NotifyFullSync, if set, is called whenever the reconciler completes
	// a full sync iteration.
	NotifyFullSync func()

	// Metrics records operational counters/gauges about this loop's own
	// behavior; nil disables recording.
	Metrics *diagexport.Registry
}

// Synchronizer runs the reconciliation loop on its own goroutine (spec.md
// §2: "C4 runs its loop on a dedicated task").
type Synchronizer struct {
	opt Options

	mu sync.Mutex

	successiveErrors int
	forceFull        bool
	configStale      bool

	duplicateHistory   []time.Time // ring of the last 15 duplicate-clone detections
	duplicateHistNext  int
	duplicateHistCount int
	duplicateHoldOffAt time.Time

	lastContainerRemoval time.Time
	containerUpdatedAt   map[string]time.Time // per-container throttle for containerUpdateDelay

	updateMetrics        map[string]bool
	pendingRegistrations map[string]bleemeoTypes.MetricRegistrationRequest
	deferredStatusOf     []string // requeued-at-tail status_of_label identities, at most once per loop
	deferredContainer    []string
	deferredService      []string

	warnAccountMismatchDone bool
	labelBackfillProbed     bool
	labelBackfillSupported  bool

	startedAt time.Time
	lastSeen  map[string]time.Time // (label,item) identity -> last sample time, fed by the emission path

	event chan struct{}
}

// New builds a Synchronizer. Call Run to start its loop.
func New(opt Options) *Synchronizer {
	return &Synchronizer{
		opt:                    opt,
		updateMetrics:          make(map[string]bool),
		pendingRegistrations:   make(map[string]bleemeoTypes.MetricRegistrationRequest),
		duplicateHistory:       make([]time.Time, 15),
		lastSeen:               make(map[string]time.Time),
		labelBackfillSupported: true,
		startedAt:              time.Now(),
		event:                  make(chan struct{}, 1),
	}
}

// NotifyMetricSeen records that a sample for (label, item) was just emitted,
// called by the Emission Path for every point whose identity is already
// registered (or has just resolved). The metrics-sync phase uses this both to reactivate a
// deactivated metric and to inactivate one that's gone quiet (spec.md §4.4).
func (s *Synchronizer) NotifyMetricSeen(label, item string, t time.Time) {
	key := label + "\x00" + item

	s.mu.Lock()
	s.lastSeen[key] = t
	s.mu.Unlock()
}

func (s *Synchronizer) seenSnapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.lastSeen))
	for k, v := range s.lastSeen {
		out[k] = v
	}

	return out
}

// RequestSync wakes the loop for a targeted iteration, called by the
// Emission Path when a new metric identity appears (spec.md §4.4).
func (s *Synchronizer) RequestSync() {
	select {
	case s.event <- struct{}{}:
	default:
	}
}

// RequestFullSync marks the next iteration as a full sync, called when a
// `config-changed` or metric-less `threshold-update` notification arrives.
func (s *Synchronizer) RequestFullSync() {
	s.mu.Lock()
	s.forceFull = true
	s.mu.Unlock()

	s.RequestSync()
}

// RequestThresholdUpdate flags metricID for a targeted refresh next loop.
func (s *Synchronizer) RequestThresholdUpdate(metricID string) {
	s.mu.Lock()
	s.updateMetrics[metricID] = true
	s.mu.Unlock()

	s.RequestSync()
}

// NotifyConfigWillChange records that the agent record should be treated
// as stale next loop (spec.md §4.3: `config-will-change`).
func (s *Synchronizer) NotifyConfigWillChange() {
	s.mu.Lock()
	s.configStale = true
	s.mu.Unlock()
}

// RequestRegistration enqueues a locally emitted metric identity that is
// not yet present in the cache, called by the Emission Path.
func (s *Synchronizer) RequestRegistration(req bleemeoTypes.MetricRegistrationRequest) {
	key := req.Label + "\x00" + req.Labels["item"]

	s.mu.Lock()
	s.pendingRegistrations[key] = req
	s.mu.Unlock()

	s.RequestSync()
}

// Run drives the reconciliation loop until ctx is canceled.
func (s *Synchronizer) Run(ctx context.Context) {
	if len(s.opt.Cache.Snapshot().Metrics) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.JitterRange(1, initialJitterLowSeconds, initialJitterHighSeconds, initialJitterLowSeconds, initialJitterHighSeconds)):
		}
	}

	nextFull := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		full := s.takeForceFull() || !time.Now().Before(nextFull)

		err := s.runOnce(ctx, full)

		wait := s.afterIteration(err, full)

		if full && err == nil {
			nextFull = time.Now().Add(backoff.JitterRange(1, fullSyncLowSeconds, fullSyncHighSeconds, fullSyncLowSeconds, fullSyncHighSeconds))

			s.opt.Metrics.IncFullSync()

			if s.opt.NotifyFullSync != nil {
				s.opt.NotifyFullSync()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.event:
		case <-time.After(wait):
		}
	}
}

func (s *Synchronizer) takeForceFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.forceFull
	s.forceFull = false

	return full
}

// afterIteration applies the error-escalation policy (spec.md §4.4): a
// fixed wait that grows slowly with successive errors, an AUTH_ERROR wait
// of its own shape, and escalation to full after 3 errors.
func (s *Synchronizer) afterIteration(err error, wasFull bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.successiveErrors = 0
		s.opt.Metrics.SetSuccessiveErrors(0)

		return 30 * time.Second
	}

	s.successiveErrors++
	s.opt.Metrics.SetSuccessiveErrors(s.successiveErrors)

	logger.V(1).Printf("synchronizer: iteration failed (error #%d, full=%v): %v", s.successiveErrors, wasFull, err)

	if s.successiveErrors >= 3 {
		s.forceFull = true
	}

	if client.IsAuthError(err) {
		return backoff.JitterRange(s.successiveErrors, 10, 30, 300, 900)
	}

	wait := 5 + s.successiveErrors
	if wait > 45 {
		wait = 45
	}

	return time.Duration(wait) * time.Second
}

// runOnce executes the ordered phases of one reconciliation iteration.
// Any phase error ends the iteration and skips the later phases (spec.md
// §4.4 gate semantics: the duplicate check gates everything else).
func (s *Synchronizer) runOnce(ctx context.Context, full bool) error {
	heldOff, err := s.timedPhase("duplicate", func() (bool, error) { return s.syncDuplicate(ctx) })
	if err != nil {
		return err
	}

	if heldOff {
		return nil
	}

	if _, err := s.timedPhase("agent", func() (bool, error) { return false, s.syncAgent(ctx, full) }); err != nil {
		return err
	}

	if _, err := s.timedPhase("facts", func() (bool, error) { return false, s.syncFacts(ctx) }); err != nil {
		return err
	}

	if _, err := s.timedPhase("services", func() (bool, error) { return false, s.syncServices(ctx, full) }); err != nil {
		return err
	}

	if _, err := s.timedPhase("containers", func() (bool, error) { return false, s.syncContainers(ctx, full) }); err != nil {
		return err
	}

	if _, err := s.timedPhase("metrics", func() (bool, error) { return false, s.syncMetrics(ctx, full) }); err != nil {
		return err
	}

	return nil
}

// timedPhase runs fn and records its duration/outcome under name,
// regardless of which branch of runOnce called it (spec.md's phase
// ordering is unaffected; this only adds observability around it).
func (s *Synchronizer) timedPhase(name string, fn func() (bool, error)) (bool, error) {
	start := s.now()

	result, err := fn()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if result {
		outcome = "skipped"
	}

	s.opt.Metrics.ObservePhase(name, outcome, s.now().Sub(start))

	return result, err
}

// now is the wall-clock hook tests can't easily override (the cache
// timestamps it writes are compared to server time, not used for
// scheduling), kept as a thin wrapper for readability at call sites.
func (s *Synchronizer) now() time.Time {
	return time.Now()
}
