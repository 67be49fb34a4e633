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

// Package cache is the Object Cache (C1): the in-process, indexed view of
// every object the control plane knows about for this agent, with
// versioned on-disk persistence (spec.md §4.1).
package cache

import (
	"encoding/json"
	"sync"
	"time"

	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/logger"
	"github.com/bleemeo/bleemeo-agent/state"
)

// stateKey is where the versioned cache envelope is stored.
const stateKey = "_bleemeo_cache"

// currentVersion is the envelope format version this build writes.
const currentVersion = 7

// legacy (pre-envelope) state keys, consumed once on upgrade then deleted.
const (
	legacyMetricsKey    = "metrics_uuid"
	legacyServicesKey   = "services_uuid"
	legacyThresholdsKey = "thresholds"
	legacyTagsKey       = "tags_uuid"
	legacyContainersKey = "docker_container_uuid"
)

// Cache holds the current published snapshot and knows how to persist it.
type Cache struct {
	l        sync.Mutex
	st       *state.State
	snapshot *bleemeoTypes.CacheSnapshot
}

// Load builds a Cache backed by st, reading any existing persisted
// envelope (migrating it forward if needed) or, absent that, the legacy
// flat keys, or else starting empty.
func Load(st *state.State) *Cache {
	c := &Cache{st: st}

	var raw json.RawMessage

	if err := st.Get(stateKey, &raw); err == nil {
		if snap, err := decodeEnvelope(raw); err == nil {
			c.snapshot = snap

			return c
		} else {
			logger.V(1).Printf("cache: discarding unreadable envelope: %v", err)
		}
	}

	if snap, ok := loadLegacy(st); ok {
		c.snapshot = snap
		c.save()
		deleteLegacyKeys(st)

		return c
	}

	c.snapshot = bleemeoTypes.NewSnapshot()

	return c
}

// Snapshot returns the currently published, immutable snapshot. Callers
// must treat the result as read-only.
func (c *Cache) Snapshot() *bleemeoTypes.CacheSnapshot {
	c.l.Lock()
	defer c.l.Unlock()

	return c.snapshot
}

// Mutate applies fn to a private copy of the current snapshot, rebuilds
// every secondary index, publishes the result, and persists it.
func (c *Cache) Mutate(fn func(*bleemeoTypes.CacheSnapshot)) {
	c.l.Lock()
	defer c.l.Unlock()

	next := c.snapshot.Clone()
	fn(next)
	next.RebuildIndexes()

	c.snapshot = next

	c.save()
}

// Save persists the current snapshot without mutating it.
func (c *Cache) Save() {
	c.l.Lock()
	defer c.l.Unlock()

	c.save()
}

func (c *Cache) save() {
	env := toEnvelope(c.snapshot)

	if err := c.st.Set(stateKey, env); err != nil {
		logger.V(1).Printf("cache: failed to stage envelope for save: %v", err)

		return
	}

	if err := c.st.Save(); err != nil {
		logger.V(1).Printf("cache: failed to persist state: %v", err)
	}
}

// envelope is the on-disk shape of a CacheSnapshot.
type envelope struct {
	Version int `json:"version"`

	Metrics    []bleemeoTypes.Metric    `json:"metrics"`
	Services   []bleemeoTypes.Service   `json:"services"`
	Containers []bleemeoTypes.Container `json:"containers"`
	Facts      []bleemeoTypes.AgentFact `json:"facts"`

	Tags           []string                    `json:"tags"`
	CurrentConfig  *bleemeoTypes.AccountConfig `json:"current_config,omitempty"`
	NextConfigAt   time.Time                   `json:"next_config_at,omitempty"`
	RegistrationAt time.Time                   `json:"registration_at,omitempty"`
	AccountID      string                      `json:"account_id,omitempty"`
	Agent          bleemeoTypes.Agent          `json:"agent,omitempty"`
}

func toEnvelope(s *bleemeoTypes.CacheSnapshot) envelope {
	env := envelope{
		Version:        currentVersion,
		Tags:           s.Tags,
		CurrentConfig:  s.CurrentConfig,
		NextConfigAt:   s.NextConfigAt,
		RegistrationAt: s.RegistrationAt,
		AccountID:      s.AccountID,
		Agent:          s.Agent,
	}

	for _, m := range s.Metrics {
		m.EncodeLabels()
		env.Metrics = append(env.Metrics, m)
	}

	for _, sv := range s.Services {
		env.Services = append(env.Services, sv)
	}

	for _, ct := range s.Containers {
		env.Containers = append(env.Containers, ct)
	}

	for _, f := range s.Facts {
		env.Facts = append(env.Facts, f)
	}

	return env
}

func fromEnvelope(env envelope) *bleemeoTypes.CacheSnapshot {
	snap := bleemeoTypes.NewSnapshot()
	snap.Tags = env.Tags
	snap.CurrentConfig = env.CurrentConfig
	snap.NextConfigAt = env.NextConfigAt
	snap.RegistrationAt = env.RegistrationAt
	snap.AccountID = env.AccountID
	snap.Agent = env.Agent

	for _, m := range env.Metrics {
		m.DecodeLabels()
		snap.Metrics[m.ID] = m
	}

	for _, sv := range env.Services {
		snap.Services[sv.ID] = sv
	}

	for _, ct := range env.Containers {
		snap.Containers[ct.ID] = ct
	}

	for _, f := range env.Facts {
		snap.Facts[f.ID] = f
	}

	snap.RebuildIndexes()

	return snap
}

// decodeEnvelope parses raw into a generic document, applies forward
// migrations up to currentVersion (refusing to load anything newer than
// this build understands, per spec.md §4.1), and decodes the result.
func decodeEnvelope(raw json.RawMessage) (*bleemeoTypes.CacheSnapshot, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	version, _ := doc["version"].(float64)

	if int(version) > currentVersion {
		// A newer agent wrote this; refuse to downgrade data.
		return bleemeoTypes.NewSnapshot(), nil
	}

	doc = migrate(doc, int(version))

	migrated, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(migrated, &env); err != nil {
		return nil, err
	}

	return fromEnvelope(env), nil
}
