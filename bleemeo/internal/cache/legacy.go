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

package cache

import (
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/state"
)

// loadLegacy reconstructs a snapshot from the pre-envelope flat keys, used
// the first time this build runs against state written by a version that
// predates the versioned envelope (spec.md §4.1).
func loadLegacy(st *state.State) (*bleemeoTypes.CacheSnapshot, bool) {
	var (
		metrics    map[string]bleemeoTypes.Metric
		services   map[string]bleemeoTypes.Service
		containers map[string]bleemeoTypes.Container
		tags       []string
	)

	found := false

	if err := st.Get(legacyMetricsKey, &metrics); err == nil {
		found = true
	}

	_ = st.Get(legacyServicesKey, &services)
	_ = st.Get(legacyContainersKey, &containers)
	_ = st.Get(legacyTagsKey, &tags)

	if !found {
		return nil, false
	}

	snap := bleemeoTypes.NewSnapshot()
	snap.Tags = tags

	for id, m := range metrics {
		snap.Metrics[id] = m
	}

	for id, s := range services {
		snap.Services[id] = s
	}

	for id, c := range containers {
		snap.Containers[id] = c
	}

	snap.RebuildIndexes()

	return snap, true
}

func deleteLegacyKeys(st *state.State) {
	for _, key := range []string{legacyMetricsKey, legacyServicesKey, legacyThresholdsKey, legacyTagsKey, legacyContainersKey} {
		st.Delete(key)
	}

	_ = st.Save()
}
