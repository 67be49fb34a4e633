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

package types

import (
	"time"

	roottypes "github.com/bleemeo/bleemeo-agent/types"
)

// CacheSnapshot is the immutable value an Object Cache reader observes.
// Writers never mutate a published snapshot: they copy, mutate the copy,
// and publish the new value (spec.md §3/§4.1).
type CacheSnapshot struct {
	Metrics    map[string]Metric
	Services   map[string]Service
	Containers map[string]Container
	Facts      map[string]AgentFact
	Agent      Agent

	Tags            []string
	CurrentConfig   *AccountConfig
	NextConfigAt    time.Time
	RegistrationAt  time.Time
	AccountID       string

	MetricsByLabelItem      map[labelItemKey]string
	ContainersByName        map[string]string
	ServicesByLabelInstance map[labelInstanceKey]string
	FactsByKey              map[string]string
}

type labelItemKey struct {
	Label string
	Item  string
}

type labelInstanceKey struct {
	Label    string
	Instance string
}

// MetricKey builds the (label, truncated item) identity key for m, per
// spec.md §3: item is clipped to 100 characters, or 50 if the metric is
// attached to a service.
func MetricKey(label, item string, attachedToService bool) labelItemKey {
	limit := 100
	if attachedToService {
		limit = 50
	}

	return labelItemKey{Label: label, Item: Truncate(item, limit)}
}

// ServiceKey builds the (label, truncated instance) identity key for a
// service, instance clipped to 50 characters.
func ServiceKey(label, instance string) labelInstanceKey {
	return labelInstanceKey{Label: label, Instance: Truncate(instance, 50)}
}

// Truncate clips s to at most n characters. Truncation is idempotent:
// Truncate(Truncate(x, n), n) == Truncate(x, n).
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}

// NewSnapshot returns an empty, fully-indexed snapshot.
func NewSnapshot() *CacheSnapshot {
	return &CacheSnapshot{
		Metrics:                 make(map[string]Metric),
		Services:                make(map[string]Service),
		Containers:              make(map[string]Container),
		Facts:                   make(map[string]AgentFact),
		MetricsByLabelItem:      make(map[labelItemKey]string),
		ContainersByName:        make(map[string]string),
		ServicesByLabelInstance: make(map[labelInstanceKey]string),
		FactsByKey:              make(map[string]string),
	}
}

// Clone returns a deep-enough copy of s suitable as a mutable working copy
// for one reconciler iteration: every map is copied, but Metric/Service/
// Container/AgentFact values themselves are copied by value on write.
func (s *CacheSnapshot) Clone() *CacheSnapshot {
	clone := NewSnapshot()
	clone.Agent = s.Agent
	clone.Tags = append([]string(nil), s.Tags...)
	clone.CurrentConfig = s.CurrentConfig
	clone.NextConfigAt = s.NextConfigAt
	clone.RegistrationAt = s.RegistrationAt
	clone.AccountID = s.AccountID

	for k, v := range s.Metrics {
		clone.Metrics[k] = v
	}

	for k, v := range s.Services {
		clone.Services[k] = v
	}

	for k, v := range s.Containers {
		clone.Containers[k] = v
	}

	for k, v := range s.Facts {
		clone.Facts[k] = v
	}

	clone.RebuildIndexes()

	return clone
}

// RebuildIndexes recomputes every secondary index from the primary maps.
// Called after any structural change, per spec.md §4.1.
func (s *CacheSnapshot) RebuildIndexes() {
	s.MetricsByLabelItem = make(map[labelItemKey]string, len(s.Metrics))
	s.ContainersByName = make(map[string]string, len(s.Containers))
	s.ServicesByLabelInstance = make(map[labelInstanceKey]string, len(s.Services))
	s.FactsByKey = make(map[string]string, len(s.Facts))

	for id, m := range s.Metrics {
		s.MetricsByLabelItem[MetricKey(m.Label, m.Item(), m.ServiceID != "")] = id
	}

	for id, c := range s.Containers {
		s.ContainersByName[c.Name] = id
	}

	for id, sv := range s.Services {
		s.ServicesByLabelInstance[ServiceKey(sv.Label, sv.Instance)] = id
	}

	for id, f := range s.Facts {
		s.FactsByKey[f.Key] = id
	}
}

// MetricRegistrationRequest is a pending registration built by the
// emission path and held by the reconciler until the identity shows up in
// the cache (spec.md §3).
type MetricRegistrationRequest struct {
	Label              string
	Labels             map[string]string
	ServiceLabel       string
	Instance           string
	ContainerName      string
	StatusOfLabel      string
	LastStatus         roottypes.Status
	LastProblemOrigins string
	LastSeen           time.Time // monotonic-backed
}
