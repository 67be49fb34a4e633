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

package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/logger"
)

const (
	// inactiveAfter is how long a metric may go unseen before being
	// PATCHed active=false (spec.md §4.4 "Inactivation").
	inactiveAfter = 70 * time.Minute

	// reactivationGrace/reactivationWindow gate reactivating a metric that
	// went quiet and came back (spec.md §4.4 "Reactivation").
	reactivationGrace  = 60 * time.Second
	reactivationWindow = 600 * time.Second

	// deactivatedRetention/registrationRetention bound how long stale
	// entries are kept in memory (spec.md §4.4 "Final pruning").
	deactivatedRetention  = 200 * 24 * time.Hour
	registrationRetention = 70 * time.Minute
)

// metricRegistrationPayload is the wire shape of a new metric POST: the
// cached Metric fields plus the one field (initial status) that never
// survives into the cached object itself.
type metricRegistrationPayload struct {
	bleemeoTypes.Metric
	InitialStatus string `json:"status,omitempty"`
}

// isPriorityLabel reports whether label belongs to the fixed set the
// reconciler registers first, so a single misbehaving identity never
// blocks the metrics an operator is most likely to be staring at
// (spec.md §4.4 "Priority").
func isPriorityLabel(label string) bool {
	for _, prefix := range []string{"cpu_", "mem_", "io_", "net_"} {
		if strings.HasPrefix(label, prefix) {
			return true
		}
	}

	switch label {
	case "disk_used_perc", "swap_used_perc", "agent_status":
		return true
	default:
		return false
	}
}

// syncMetrics is phase 6, the most intricate phase: it refreshes the cache
// from update_metrics/pending_registrations (escalating to a full list when
// either crosses its ratio threshold), registers pending identities subject
// to dependency ordering, then runs reactivation, label backfill,
// inactivation, ignore-check deletion, and final pruning (spec.md §4.4).
func (s *Synchronizer) syncMetrics(ctx context.Context, full bool) error {
	s.mu.Lock()
	updateMetrics := make([]string, 0, len(s.updateMetrics))
	for id := range s.updateMetrics {
		updateMetrics = append(updateMetrics, id)
	}

	pending := make(map[string]bleemeoTypes.MetricRegistrationRequest, len(s.pendingRegistrations))
	for k, v := range s.pendingRegistrations {
		pending[k] = v
	}
	s.mu.Unlock()

	snap := s.opt.Cache.Snapshot()

	activeCount := 0

	for _, m := range snap.Metrics {
		if time.Time(m.DeactivatedAt).IsZero() {
			activeCount++
		}
	}

	if activeCount > 0 && float64(len(updateMetrics)) > updateMetricsEscalationRatio*float64(activeCount) {
		full = true
	}

	fullInactive := false

	if len(snap.Metrics) > 0 && float64(len(pending)) > pendingRegistrationsEscalationRatio*float64(len(snap.Metrics)) {
		full = true
		fullInactive = true
	}

	switch {
	case fullInactive:
		if err := s.metricUpdateList(ctx, false); err != nil {
			return err
		}
	case full:
		if err := s.metricUpdateList(ctx, true); err != nil {
			return err
		}
	default:
		if err := s.metricRefreshTargeted(ctx, updateMetrics); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, id := range updateMetrics {
		delete(s.updateMetrics, id)
	}
	s.mu.Unlock()

	if err := s.metricRegisterPending(ctx, pending); err != nil {
		return err
	}

	if err := s.metricReactivate(ctx); err != nil {
		return err
	}

	if err := s.metricBackfillLabels(ctx); err != nil {
		return err
	}

	if err := s.metricInactivate(ctx); err != nil {
		return err
	}

	if err := s.metricDeleteIgnoredServices(ctx); err != nil {
		return err
	}

	s.metricPrune()

	return nil
}

// metricUpdateList replaces the cache wholesale from the server.
// activeOnly=true keeps whatever inactive metrics are already cached
// untouched (spec.md §4.4 "Full only"); activeOnly=false replaces
// everything, including inactive metrics ("Full+inactive").
func (s *Synchronizer) metricUpdateList(ctx context.Context, activeOnly bool) error {
	params := map[string]string{"agent": s.opt.Identity.AgentID}
	if activeOnly {
		params["active"] = "True"
	}

	result, err := s.opt.Client.Iter(ctx, "metric", params)
	if err != nil {
		return err
	}

	fresh := make(map[string]bleemeoTypes.Metric, len(result))

	for _, raw := range result {
		m, err := decodeMetric(raw)
		if err != nil {
			continue
		}

		fresh[m.ID] = m
	}

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		if !activeOnly {
			c.Metrics = fresh

			return
		}

		next := make(map[string]bleemeoTypes.Metric, len(c.Metrics))

		for id, m := range c.Metrics {
			if !time.Time(m.DeactivatedAt).IsZero() {
				next[id] = m
			}
		}

		for id, m := range fresh {
			next[id] = m
		}

		c.Metrics = next
	})

	return nil
}

// metricRefreshTargeted GETs each flagged UUID individually; a 404 drops it
// from the cache rather than failing the phase (spec.md §4.4 "Targeted").
func (s *Synchronizer) metricRefreshTargeted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	updated := make(map[string]bleemeoTypes.Metric, len(ids))
	removed := make(map[string]bool, len(ids))

	for _, id := range ids {
		var m bleemeoTypes.Metric

		_, err := s.opt.Client.Do(ctx, "GET", fmt.Sprintf("v1/metric/%s/", id), nil, &m)

		switch {
		case err == nil:
			m.DecodeLabels()
			updated[id] = m
		case client.IsNotFound(err):
			removed[id] = true
		default:
			return err
		}
	}

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		for id, m := range updated {
			c.Metrics[id] = m
		}

		for id := range removed {
			delete(c.Metrics, id)
		}
	})

	return nil
}

// metricRegisterPending works through a priority-ordered, then-shuffled
// queue of pending identities, deferring (at most once per loop) any whose
// status_of/container/service dependency hasn't registered yet, and
// checking for an already-registered remote object by identity before
// POSTing to avoid duplicate-UUID creation races (spec.md §4.4).
func (s *Synchronizer) metricRegisterPending(ctx context.Context, pending map[string]bleemeoTypes.MetricRegistrationRequest) error {
	queue := orderedPendingKeys(pending)
	deferredOnce := make(map[string]bool, len(queue))

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		req := pending[key]

		snap := s.opt.Cache.Snapshot()

		var containerID, serviceID, statusOfID string

		resolved := true

		if req.ContainerName != "" {
			id, ok := snap.ContainersByName[req.ContainerName]
			if !ok {
				resolved = false
			}

			containerID = id
		}

		if req.ServiceLabel != "" {
			id, ok := snap.ServicesByLabelInstance[bleemeoTypes.ServiceKey(req.ServiceLabel, req.Instance)]
			if !ok {
				resolved = false
			}

			serviceID = id
		}

		if req.StatusOfLabel != "" {
			id, ok := snap.MetricsByLabelItem[bleemeoTypes.MetricKey(req.StatusOfLabel, req.Labels["item"], serviceID != "")]
			if !ok {
				resolved = false
			}

			statusOfID = id
		}

		if !resolved {
			if !deferredOnce[key] {
				deferredOnce[key] = true

				queue = append(queue, key)
			}

			continue
		}

		existing, err := s.metricLookupByIdentity(ctx, req)
		if err != nil {
			return err
		}

		var result bleemeoTypes.Metric

		if existing != nil {
			result = *existing
		} else {
			payload := metricRegistrationPayload{
				Metric: bleemeoTypes.Metric{
					AgentID:     s.opt.Identity.AgentID,
					Label:       req.Label,
					Labels:      req.Labels,
					ServiceID:   serviceID,
					ContainerID: containerID,
					StatusOfID:  statusOfID,
				},
			}
			payload.EncodeLabels()

			if req.LastStatus.IsSet() {
				payload.InitialStatus = req.LastStatus.String()
			}

			_, err := s.opt.Client.Do(ctx, "POST", "v1/metric/", payload, &result)
			if err != nil {
				logger.V(1).Printf("synchronizer: failed to register metric %s: %v", req.Label, err)

				continue
			}
		}

		result.DecodeLabels()

		s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
			c.Metrics[result.ID] = result
		})

		s.mu.Lock()
		delete(s.pendingRegistrations, key)
		s.mu.Unlock()
	}

	return nil
}

// metricLookupByIdentity GETs v1/metric/ filtered by (agent, label, item)
// to discover a remote object already registered under this identity,
// avoiding a duplicate-UUID creation race (spec.md §4.4).
func (s *Synchronizer) metricLookupByIdentity(ctx context.Context, req bleemeoTypes.MetricRegistrationRequest) (*bleemeoTypes.Metric, error) {
	params := map[string]string{
		"agent": s.opt.Identity.AgentID,
		"label": req.Label,
		"item":  req.Labels["item"],
	}

	result, err := s.opt.Client.Iter(ctx, "metric", params)
	if err != nil {
		return nil, err
	}

	if len(result) == 0 {
		return nil, nil
	}

	m, err := decodeMetric(result[0])
	if err != nil {
		return nil, nil
	}

	return &m, nil
}

// metricReactivate PATCHes active=true on any deactivated metric that's
// started reporting again (spec.md §4.4 "Reactivation").
func (s *Synchronizer) metricReactivate(ctx context.Context) error {
	seen := s.seenSnapshot()
	snap := s.opt.Cache.Snapshot()

	now := s.now()

	for id, m := range snap.Metrics {
		if time.Time(m.DeactivatedAt).IsZero() {
			continue
		}

		last, ok := seen[m.Label+"\x00"+m.Item()]
		if !ok {
			continue
		}

		if !last.After(time.Time(m.DeactivatedAt).Add(reactivationGrace)) {
			continue
		}

		if now.Sub(last) > reactivationWindow {
			continue
		}

		_, err := s.opt.Client.Do(ctx, "PATCH", fmt.Sprintf("v1/metric/%s/", id), map[string]interface{}{"active": true}, nil)
		if err != nil {
			if client.IsNotFound(err) {
				s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) { delete(c.Metrics, id) })

				continue
			}

			return err
		}

		m.DeactivatedAt = bleemeoTypes.NullTime{}

		s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) { c.Metrics[id] = m })
	}

	return nil
}

// metricBackfillLabels PATCHes the label set of a metric the reconciler
// resolved to an already-remote object whose labels are stale, probing
// server support for the endpoint once (spec.md §4.4 "Label backfill").
func (s *Synchronizer) metricBackfillLabels(ctx context.Context) error {
	if s.labelBackfillProbed && !s.labelBackfillSupported {
		return nil
	}

	snap := s.opt.Cache.Snapshot()

	s.mu.Lock()
	pending := make(map[string]bleemeoTypes.MetricRegistrationRequest, len(s.pendingRegistrations))
	for k, v := range s.pendingRegistrations {
		pending[k] = v
	}
	s.mu.Unlock()

	for _, req := range pending {
		id, ok := snap.MetricsByLabelItem[bleemeoTypes.MetricKey(req.Label, req.Labels["item"], req.ServiceLabel != "")]
		if !ok {
			continue
		}

		cached := snap.Metrics[id]
		if labelsEqual(cached.Labels, req.Labels) {
			continue
		}

		cached.Labels = req.Labels
		cached.EncodeLabels()

		_, err := s.opt.Client.Do(ctx, "PATCH", fmt.Sprintf("v1/metric/%s/", id), map[string]string{"labels_text": cached.LabelsText}, nil)

		s.labelBackfillProbed = true

		if err != nil {
			if client.IsNotFound(err) {
				continue
			}

			s.labelBackfillSupported = false

			return nil
		}

		s.labelBackfillSupported = true

		cached.DecodeLabels()
		s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) { c.Metrics[id] = cached })
	}

	return nil
}

// metricInactivate PATCHes active=false on metrics unseen for inactiveAfter,
// once the reconciler has been running long enough to trust the signal
// (spec.md §4.4 "Inactivation").
func (s *Synchronizer) metricInactivate(ctx context.Context) error {
	if s.now().Sub(s.startedAt) < inactiveAfter {
		return nil
	}

	seen := s.seenSnapshot()
	snap := s.opt.Cache.Snapshot()

	now := s.now()

	for id, m := range snap.Metrics {
		if !time.Time(m.DeactivatedAt).IsZero() {
			continue
		}

		if m.Label == "agent_status" || m.Label == "agent_sent_message" {
			continue
		}

		last, ok := seen[m.Label+"\x00"+m.Item()]
		if !ok {
			last = m.FirstSeenAt
		}

		if now.Sub(last) < inactiveAfter {
			continue
		}

		_, err := s.opt.Client.Do(ctx, "PATCH", fmt.Sprintf("v1/metric/%s/", id), map[string]interface{}{"active": false}, nil)
		if err != nil {
			if client.IsNotFound(err) {
				s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) { delete(c.Metrics, id) })

				continue
			}

			return err
		}

		m.DeactivatedAt = bleemeoTypes.NullTime(now)

		s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) { c.Metrics[id] = m })
	}

	return nil
}

// metricDeleteIgnoredServices deletes the "{label}_status" metric of any
// service flagged ignore_check (spec.md §4.4 "Ignore-check deletions").
func (s *Synchronizer) metricDeleteIgnoredServices(ctx context.Context) error {
	snap := s.opt.Cache.Snapshot()

	for _, sv := range snap.Services {
		if !sv.IgnoreCheck {
			continue
		}

		id, ok := snap.MetricsByLabelItem[bleemeoTypes.MetricKey(sv.Label+"_status", "", true)]
		if !ok {
			continue
		}

		_, err := s.opt.Client.Do(ctx, "DELETE", fmt.Sprintf("v1/metric/%s/", id), nil, nil)
		if err != nil && !client.IsNotFound(err) {
			if client.IsForbidden(err) {
				continue
			}

			return err
		}

		s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) { delete(c.Metrics, id) })
	}

	return nil
}

// metricPrune evicts cache entries deactivated more than deactivatedRetention
// ago, and pending registrations not seen in registrationRetention
// (spec.md §4.4 "Final pruning").
func (s *Synchronizer) metricPrune() {
	now := s.now()

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		for id, m := range c.Metrics {
			if time.Time(m.DeactivatedAt).IsZero() {
				continue
			}

			if now.Sub(time.Time(m.DeactivatedAt)) >= deactivatedRetention {
				delete(c.Metrics, id)
			}
		}
	})

	s.mu.Lock()
	for key, req := range s.pendingRegistrations {
		if now.Sub(req.LastSeen) >= registrationRetention {
			delete(s.pendingRegistrations, key)
		}
	}
	s.mu.Unlock()
}

// orderedPendingKeys returns pending's keys with priority-label identities
// first (in a fixed, deterministic order), and the remainder shuffled so a
// single stuck identity doesn't block the same others every run
// (spec.md §4.4 "Priority").
func orderedPendingKeys(pending map[string]bleemeoTypes.MetricRegistrationRequest) []string {
	priority := make([]string, 0)
	rest := make([]string, 0, len(pending))

	for key, req := range pending {
		if isPriorityLabel(req.Label) {
			priority = append(priority, key)
		} else {
			rest = append(rest, key)
		}
	}

	sort.Strings(priority)

	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	return append(priority, rest...)
}

func decodeMetric(raw []byte) (bleemeoTypes.Metric, error) {
	var m bleemeoTypes.Metric

	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}

	m.DecodeLabels()

	return m, nil
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		if b[k] != v {
			return false
		}
	}

	return true
}
