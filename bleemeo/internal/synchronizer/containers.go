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
	"time"

	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/logger"
)

// containerUpdateDelay throttles re-registration of a container whose only
// change is its inspect hash (likely just a healthcheck log line), so a
// noisy container doesn't generate a PUT every loop (spec.md §4.4, grounded
// on the teacher's containers.go containerUpdateDelay).
const containerUpdateDelay = 30 * time.Minute

// syncContainers is phase 5: register/update locally discovered containers,
// and purge metrics pointing at ones that vanished from the local list
// (spec.md §4.4). It is a no-op when docker_integration is off, signaled by
// Options.Containers being nil.
func (s *Synchronizer) syncContainers(ctx context.Context, full bool) error {
	if s.opt.Containers == nil {
		return nil
	}

	if full {
		if err := s.containerUpdateList(ctx); err != nil {
			return err
		}
	}

	local, err := s.opt.Containers(ctx)
	if err != nil {
		logger.V(1).Printf("synchronizer: unable to list containers: %v", err)

		return nil
	}

	snap := s.opt.Cache.Snapshot()

	remoteByName := make(map[string]bleemeoTypes.Container, len(snap.Containers))
	for _, c := range snap.Containers {
		remoteByName[c.Name] = c
	}

	next := make(map[string]bleemeoTypes.Container, len(snap.Containers))
	for id, c := range snap.Containers {
		next[id] = c
	}

	seen := make(map[string]bool, len(local))

	for _, lc := range local {
		seen[lc.Name] = true

		payload := bleemeoTypes.Container{
			Name:        lc.Name,
			DockerID:    lc.DockerID,
			InspectJSON: encodeInspect(lc.Inspect),
		}
		payload.FillInspectHash(lc.Inspect)

		existing, found := remoteByName[lc.Name]

		if found && payload.InspectHash == existing.InspectHash {
			continue
		}

		if found && s.now().Sub(s.containerLastUpdated(existing.ID)) < containerUpdateDelay {
			continue
		}

		payload.InspectHash = ""

		var result bleemeoTypes.Container

		method, path := "POST", "v1/container/"
		if found {
			payload.ID = existing.ID
			method, path = "PUT", fmt.Sprintf("v1/container/%s/", existing.ID)
		}

		_, err := s.opt.Client.Do(ctx, method, path, payload, &result)
		if err != nil {
			logger.V(1).Printf("synchronizer: failed to sync container %s: %v", lc.Name, err)

			continue
		}

		result.FillInspectHash(lc.Inspect)
		next[result.ID] = result
		s.markContainerUpdated(result.ID)
	}

	removedIDs := make(map[string]bool)

	for id, c := range snap.Containers {
		if seen[c.Name] {
			continue
		}

		delete(next, id)

		removedIDs[id] = true
	}

	if len(removedIDs) > 0 {
		s.mu.Lock()
		s.lastContainerRemoval = s.now()
		s.mu.Unlock()

		// A container removal purges its metrics locally; resync next loop
		// picks up anything still genuinely active under a new identity
		// (spec.md §4.4 "Containers sync").
		s.RequestFullSync()
	}

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		c.Containers = next

		if len(removedIDs) == 0 {
			return
		}

		metrics := make(map[string]bleemeoTypes.Metric, len(c.Metrics))

		for id, m := range c.Metrics {
			if removedIDs[m.ContainerID] {
				continue
			}

			metrics[id] = m
		}

		c.Metrics = metrics
	})

	return nil
}

// containerUpdateList replaces the cached container list wholesale from the
// server, restricted to this host (spec.md §4.4, grounded on the teacher's
// containerUpdateList).
func (s *Synchronizer) containerUpdateList(ctx context.Context) error {
	result, err := s.opt.Client.Iter(ctx, "container", map[string]string{"host": s.opt.Identity.AgentID})
	if err != nil {
		return err
	}

	containers := make(map[string]bleemeoTypes.Container, len(result))

	for _, raw := range result {
		var c bleemeoTypes.Container

		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}

		containers[c.ID] = c
	}

	s.opt.Cache.Mutate(func(snap *bleemeoTypes.CacheSnapshot) {
		snap.Containers = containers
	})

	return nil
}

func (s *Synchronizer) containerLastUpdated(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.containerUpdatedAt[id]
}

func (s *Synchronizer) markContainerUpdated(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerUpdatedAt == nil {
		s.containerUpdatedAt = make(map[string]time.Time)
	}

	s.containerUpdatedAt[id] = s.now()
}

// encodeInspect re-serializes the collaborator's decoded inspect document
// for the wire payload; FillInspectHash canonicalizes its own copy
// independently, so key ordering here doesn't matter.
func encodeInspect(inspect map[string]interface{}) string {
	if inspect == nil {
		return ""
	}

	b, err := json.Marshal(inspect)
	if err != nil {
		return ""
	}

	return string(b)
}
