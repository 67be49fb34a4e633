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
	"sort"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/facts"
	"github.com/bleemeo/bleemeo-agent/logger"
)

// serviceIdentity builds the agent-side (label, truncated instance)
// identity string used to match a discovered service against its cached
// counterpart (spec.md §3: instance clipped to 50 characters).
func serviceIdentity(label, instance string) string {
	return label + "\x00" + bleemeoTypes.Truncate(instance, 50)
}

const serviceMaxAge = 2 * time.Minute

// syncServices is phase 4 (spec.md §4.4): on a full sync, replace the
// cached service list wholesale from the server; always compute
// listen_addresses from local discovery and PUT/POST whatever changed,
// propagating deactivated_at to dependent metrics when active flips.
func (s *Synchronizer) syncServices(ctx context.Context, full bool) error {
	if full {
		if err := s.serviceUpdateList(ctx); err != nil {
			return err
		}
	}

	if s.opt.Services == nil {
		return nil
	}

	discovered, err := s.opt.Services.Services(ctx, serviceMaxAge)
	if err != nil {
		return err
	}

	snap := s.opt.Cache.Snapshot()

	remoteByKey := make(map[string]bleemeoTypes.Service, len(snap.Services))
	for _, sv := range snap.Services {
		remoteByKey[serviceIdentity(sv.Label, sv.Instance)] = sv
	}

	seen := make(map[string]bool, len(discovered))

	next := make(map[string]bleemeoTypes.Service, len(snap.Services))
	for id, sv := range snap.Services {
		next[id] = sv
	}

	deactivatedServiceIDs := make([]string, 0)
	reactivatedServiceIDs := make([]string, 0)

	for _, d := range discovered {
		key := serviceIdentity(d.Label, d.Instance)
		seen[key] = true

		listenAddresses := s.computeListenAddresses(d)

		existing, found := remoteByKey[key]

		payload := bleemeoTypes.Service{
			Label:           d.Label,
			Instance:        d.Instance,
			ListenAddresses: listenAddresses,
			ExePath:         d.ExePath,
			Stack:           d.Stack,
			Active:          d.Active,
		}

		if found {
			payload.ID = existing.ID

			if payload.ListenAddresses == existing.ListenAddresses &&
				payload.ExePath == existing.ExePath &&
				payload.Stack == existing.Stack &&
				payload.Active == existing.Active {
				continue
			}
		}

		var result bleemeoTypes.Service

		method, path := "POST", "v1/service/"
		if found {
			method, path = "PUT", fmt.Sprintf("v1/service/%s/", existing.ID)
		}

		_, err := s.opt.Client.Do(ctx, method, path, payload, &result)
		if err != nil {
			logger.V(1).Printf("synchronizer: failed to sync service %s: %v", d.Label, err)

			continue
		}

		next[result.ID] = result

		if found && existing.Active != result.Active {
			if result.Active {
				reactivatedServiceIDs = append(reactivatedServiceIDs, result.ID)
			} else {
				deactivatedServiceIDs = append(deactivatedServiceIDs, result.ID)
			}
		}
	}

	for id, sv := range snap.Services {
		key := serviceIdentity(sv.Label, sv.Instance)
		if seen[key] {
			continue
		}

		_, err := s.opt.Client.Do(ctx, "DELETE", fmt.Sprintf("v1/service/%s/", sv.ID), nil, nil)
		if err != nil && !client.IsNotFound(err) {
			logger.V(1).Printf("synchronizer: failed to delete service %s: %v", sv.Label, err)

			continue
		}

		delete(next, id)
	}

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		c.Services = next

		if len(deactivatedServiceIDs) == 0 && len(reactivatedServiceIDs) == 0 {
			return
		}

		metrics := make(map[string]bleemeoTypes.Metric, len(c.Metrics))

		for id, m := range c.Metrics {
			for _, svcID := range deactivatedServiceIDs {
				if m.ServiceID == svcID {
					m.DeactivatedAt = bleemeoTypes.NullTime(s.now())
				}
			}

			for _, svcID := range reactivatedServiceIDs {
				if m.ServiceID == svcID {
					m.DeactivatedAt = bleemeoTypes.NullTime{}
				}
			}

			metrics[id] = m
		}

		c.Metrics = metrics
	})

	return nil
}

func (s *Synchronizer) serviceUpdateList(ctx context.Context) error {
	result, err := s.opt.Client.Iter(ctx, "service", nil)
	if err != nil {
		return err
	}

	services := make(map[string]bleemeoTypes.Service, len(result))

	for _, raw := range result {
		var sv bleemeoTypes.Service

		if err := json.Unmarshal(raw, &sv); err != nil {
			continue
		}

		services[sv.ID] = sv
	}

	s.opt.Cache.Mutate(func(c *bleemeoTypes.CacheSnapshot) {
		c.Services = services
	})

	return nil
}

// computeListenAddresses resolves the final "addr:port/proto" set for a
// discovered service: the discovery layer's own guesses, merged with
// directly-observed netstat ports (which never include unix sockets)
// rendered as bare "port/proto" entries, with IgnoreHighPort applied to
// the netstat ports only. There is no separate fallback when netstat found
// nothing; the result is empty when both lists are empty (spec.md §4.4).
func (s *Synchronizer) computeListenAddresses(d facts.DiscoveredService) string {
	set := make(map[string]bool)

	for _, addr := range d.ListenAddresses {
		set[addr] = true
	}

	for _, p := range d.NetstatPorts {
		if s.opt.Config.IgnoreHighPort && p.Port > 32000 {
			continue
		}

		set[fmt.Sprintf("%d/%s", p.Port, p.Protocol)] = true
	}

	if len(d.NetstatPorts) == 0 && len(d.ListenAddresses) == 0 {
		return ""
	}

	addrs := make([]string, 0, len(set))
	for a := range set {
		addrs = append(addrs, a)
	}

	sort.Strings(addrs)

	out := ""

	for i, a := range addrs {
		if i > 0 {
			out += ","
		}

		out += a
	}

	return out
}
