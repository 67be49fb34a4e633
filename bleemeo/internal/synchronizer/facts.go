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
	"fmt"
	"strings"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/logger"
)

const factMaxAge = 24 * time.Hour

// syncFacts is phase 3: for every local fact differing from its cached
// remote copy, POST a new one (the agent has no PATCH right on facts); any
// fact present remotely but no longer local is deleted (spec.md §4.4).
func (s *Synchronizer) syncFacts(ctx context.Context) error {
	localFacts, err := s.opt.Facts.Facts(ctx, factMaxAge)
	if err != nil {
		return err
	}

	dockerIntegration := true

	snap := s.opt.Cache.Snapshot()
	if snap.CurrentConfig != nil {
		dockerIntegration = snap.CurrentConfig.DockerIntegration
	}

	if !dockerIntegration {
		for k := range localFacts {
			if strings.HasPrefix(k, "docker_") {
				delete(localFacts, k)
			}
		}
	}

	remote := make(map[string]bleemeoTypes.AgentFact, len(snap.Facts))
	for id, f := range snap.Facts {
		remote[f.Key] = bleemeoTypes.AgentFact{ID: id, AgentID: f.AgentID, Key: f.Key, Value: f.Value}
	}

	next := make(map[string]bleemeoTypes.AgentFact, len(snap.Facts))

	for key, value := range localFacts {
		if existing, ok := remote[key]; ok && existing.Value == value {
			next[existing.ID] = existing

			continue
		}

		var created bleemeoTypes.AgentFact

		payload := map[string]string{"key": key, "value": value}

		_, err := s.opt.Client.Do(ctx, "POST", "v1/agentfact/", payload, &created)
		if err != nil {
			logger.V(1).Printf("synchronizer: failed to register fact %q: %v", key, err)

			continue
		}

		next[created.ID] = created
	}

	for key, f := range remote {
		if _, ok := localFacts[key]; ok {
			continue
		}

		_, err := s.opt.Client.Do(ctx, "DELETE", fmt.Sprintf("v1/agentfact/%s/", f.ID), nil, nil)
		if err != nil && !client.IsNotFound(err) {
			logger.V(1).Printf("synchronizer: failed to delete fact %q: %v", key, err)

			next[f.ID] = f
		}
	}

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		c.Facts = next
	})

	return nil
}
