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

// Package types holds the wire shapes exchanged with the Bleemeo API and
// broker, and the small value types (AgentIdentity) shared across the
// connector's components.
package types

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bleemeo/bleemeo-agent/threshold"
)

// NullTime marshals the zero time.Time as JSON null instead of the RFC3339
// zero value, matching the API's optional datetime fields.
type NullTime time.Time

func (t NullTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(time.Time(t))
}

func (t *NullTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = NullTime{}

		return nil
	}

	return json.Unmarshal(b, (*time.Time)(t))
}

func (t NullTime) Equal(b NullTime) bool {
	return time.Time(t).Equal(time.Time(b))
}

// AgentIdentity holds the credentials and server-assigned identifier the
// connector needs once registered. It is the one piece of global state the
// rest of the connector receives by reference (spec.md §9).
type AgentIdentity struct {
	AgentID  string
	Password string
}

// Tag is attached to the agent record. IsAutomatic tags are filtered out by
// the server and must never be sent back as part of the local tag list.
type Tag struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	IsAutomatic bool   `json:"is_automatic,omitempty"`
}

// AgentFact is a single host fact, append-only from the agent's side.
type AgentFact struct {
	ID      string `json:"id"`
	AgentID string `json:"agent"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// Agent is the remote agent record this connector reconciles against.
type Agent struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	AccountID       string    `json:"account"`
	NextConfigAt    NullTime  `json:"next_config_at"`
	CurrentConfigID string    `json:"current_config"`
	Tags            []Tag     `json:"tags"`
	FQDN            string    `json:"fqdn"`
	DisplayName     string    `json:"display_name"`
}

// AccountConfig is resolved by following Agent.CurrentConfigID through
// `/v1/accountconfig/{id}/` (302 redirect to `/v1/config/{id}/`).
type AccountConfig struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	DockerIntegration bool   `json:"docker_integration"`
	TopinfoPeriod     int    `json:"live_process_resolution"`
	MetricsWhitelist  string `json:"metrics_agent_whitelist"`
	MetricResolution  int    `json:"metrics_agent_resolution"`
}

// WhitelistSet splits the comma-separated MetricsWhitelist into a set.
func (c AccountConfig) WhitelistSet() map[string]bool {
	if c.MetricsWhitelist == "" {
		return nil
	}

	set := make(map[string]bool)
	current := ""

	for _, r := range c.MetricsWhitelist + "," {
		if r == ',' {
			if current != "" {
				set[current] = true
			}

			current = ""

			continue
		}

		current += string(r)
	}

	return set
}

// Service is a discovered, locally-running service as registered remotely.
type Service struct {
	ID              string   `json:"id"`
	AccountConfig   string   `json:"account_config,omitempty"`
	Label           string   `json:"label"`
	Instance        string   `json:"instance"`
	ListenAddresses string   `json:"listen_addresses"`
	ExePath         string   `json:"exe_path"`
	Stack           string   `json:"stack"`
	Active          bool     `json:"active"`
	IgnoreCheck     bool     `json:"-"`
	CreatedAt       NullTime `json:"created_at,omitempty"`
}

// Container is the remote mirror of a locally discovered container.
type Container struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DockerID    string `json:"container_id"`
	InspectJSON string `json:"container_inspect,omitempty"`

	InspectHash string `json:"-"`
}

// Threshold is the wire shape of a metric's alerting boundaries: a pointer
// to float64 so an absent boundary serializes as JSON null rather than 0.
type Threshold struct {
	LowWarning   *float64 `json:"threshold_low_warning"`
	LowCritical  *float64 `json:"threshold_low_critical"`
	HighWarning  *float64 `json:"threshold_high_warning"`
	HighCritical *float64 `json:"threshold_high_critical"`
}

// ToInternalThreshold converts to the NaN-based representation used once a
// threshold has left the wire boundary.
func (t Threshold) ToInternalThreshold() threshold.Threshold {
	deref := func(p *float64) float64 {
		if p == nil {
			return math.NaN()
		}

		return *p
	}

	return threshold.Threshold{
		LowWarning:   deref(t.LowWarning),
		LowCritical:  deref(t.LowCritical),
		HighWarning:  deref(t.HighWarning),
		HighCritical: deref(t.HighCritical),
	}
}

// FromInternalThreshold converts a NaN-based threshold back to the wire's
// pointer-based representation.
func FromInternalThreshold(t threshold.Threshold) Threshold {
	ptr := func(v float64) *float64 {
		if math.IsNaN(v) {
			return nil
		}

		return &v
	}

	return Threshold{
		LowWarning:   ptr(t.LowWarning),
		LowCritical:  ptr(t.LowCritical),
		HighWarning:  ptr(t.HighWarning),
		HighCritical: ptr(t.HighCritical),
	}
}

// Metric is a Metric object as known by the Bleemeo API.
type Metric struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agent,omitempty"`
	Label         string            `json:"label"`
	LabelsText    string            `json:"labels_text,omitempty"`
	Labels        map[string]string `json:"-"`
	ServiceID     string            `json:"service,omitempty"`
	ContainerID   string            `json:"container,omitempty"`
	StatusOfID    string            `json:"status_of,omitempty"`
	DeactivatedAt NullTime          `json:"deactivated_at,omitempty"`
	FirstSeenAt   time.Time         `json:"first_seen_at,omitempty"`
	Threshold
	threshold.Unit
}

// Item returns the disambiguating label used alongside Label to form the
// metric's agent-side identity (spec.md §3).
func (m Metric) Item() string {
	return m.Labels["item"]
}

// DecodeLabels populates Labels by parsing the wire's comma-separated
// "key=value" LabelsText, called after unmarshaling a Metric from JSON.
func (m *Metric) DecodeLabels() {
	m.Labels = make(map[string]string)

	if m.LabelsText == "" {
		return
	}

	for _, pair := range strings.Split(m.LabelsText, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}

		m.Labels[k] = v
	}
}

// EncodeLabels serializes Labels into LabelsText, ready to be sent over
// the wire. Keys are sorted so the result is deterministic.
func (m *Metric) EncodeLabels() {
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m.Labels[k])
	}

	m.LabelsText = strings.Join(parts, ",")
}

// FillInspectHash computes InspectHash as SHA-1 of the canonicalized
// inspect document (spec.md §3: mounts sorted by (Source, Destination),
// keys serialized in sorted order), so unrelated key reordering in the
// source document never produces a spurious change.
func (c *Container) FillInspectHash(inspect map[string]interface{}) {
	canonical := canonicalizeInspect(inspect)

	bin := sha1.Sum(canonical) //nolint:gosec

	c.InspectHash = fmt.Sprintf("%x", bin)
}

// canonicalizeInspect produces a deterministic byte representation of a
// docker-inspect-shaped document: object keys in sorted order, and the
// "Mounts" list (if present) sorted by (Source, Destination).
func canonicalizeInspect(inspect map[string]interface{}) []byte {
	normalized := make(map[string]interface{}, len(inspect))

	for k, v := range inspect {
		normalized[k] = v
	}

	if rawMounts, ok := normalized["Mounts"].([]interface{}); ok {
		mounts := make([]interface{}, len(rawMounts))
		copy(mounts, rawMounts)

		sort.Slice(mounts, func(i, j int) bool {
			mi, _ := mounts[i].(map[string]interface{})
			mj, _ := mounts[j].(map[string]interface{})

			si, _ := mi["Source"].(string)
			sj, _ := mj["Source"].(string)

			if si != sj {
				return si < sj
			}

			di, _ := mi["Destination"].(string)
			dj, _ := mj["Destination"].(string)

			return di < dj
		})

		normalized["Mounts"] = mounts
	}

	buf, err := marshalSorted(normalized)
	if err != nil {
		return nil
	}

	return buf
}

// marshalSorted marshals v using encoding/json, which already serializes
// map[string]interface{} keys in sorted order.
func marshalSorted(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
