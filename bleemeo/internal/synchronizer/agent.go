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
	"time"

	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/logger"
)

// apiTagsLength is the server's maximum tag name length (spec.md §4.4).
const apiTagsLength = 100

// syncAgent is phase 2: PATCH the agent record with the current tag list,
// then resolve the account config it points at (spec.md §4.4). It runs
// every iteration, so the cached agent record and next_config_at are
// always replaced by the server's answer; the config-will-change flag is
// cleared here and has no further effect.
func (s *Synchronizer) syncAgent(ctx context.Context, full bool) error {
	s.takeConfigStale()

	tags := make([]bleemeoTypes.Tag, 0, len(s.opt.Config.Tags))

	for _, t := range s.opt.Config.Tags {
		if t != "" && len(t) <= apiTagsLength {
			tags = append(tags, bleemeoTypes.Tag{Name: t})
		}
	}

	var agent bleemeoTypes.Agent

	payload := map[string]interface{}{"tags": tags}

	_, err := s.opt.Client.Do(ctx, "PATCH", fmt.Sprintf("v1/agent/%s/", s.opt.Identity.AgentID), payload, &agent)
	if err != nil {
		return err
	}

	if agent.AccountID != s.opt.Config.Bleemeo.AccountID && !s.warnAccountMismatchDone {
		s.warnAccountMismatchDone = true

		logger.Printf(
			"Account ID in configuration (%s) mismatches the server's account ID (%s); using the server's value",
			s.opt.Config.Bleemeo.AccountID, agent.AccountID,
		)
	}

	// The server filters automatic tags out (spec.md §4.4: "tags
	// (server-filtered is_automatic=false)"); keep only what it echoes
	// back plus our own non-automatic intent.
	nonAutomatic := make([]string, 0, len(agent.Tags))

	for _, t := range agent.Tags {
		if !t.IsAutomatic {
			nonAutomatic = append(nonAutomatic, t.Name)
		}
	}

	var accountConfig *bleemeoTypes.AccountConfig

	if agent.CurrentConfigID != "" {
		accountConfig, err = s.resolveAccountConfig(ctx, agent.CurrentConfigID)
		if err != nil {
			return err
		}
	}

	s.opt.Cache.Mutate(func(next *bleemeoTypes.CacheSnapshot) {
		next.Agent = agent
		next.AccountID = agent.AccountID
		next.NextConfigAt = time.Time(agent.NextConfigAt)
		next.Tags = nonAutomatic

		if accountConfig != nil {
			next.CurrentConfig = accountConfig
		}
	})

	return nil
}

// resolveAccountConfig follows the 302 from /v1/accountconfig/{id}/ to
// /v1/config/{id}/ (spec.md §4.4); net/http's client already follows the
// redirect transparently for a GET, so this is a single round trip from
// this package's point of view.
func (s *Synchronizer) resolveAccountConfig(ctx context.Context, id string) (*bleemeoTypes.AccountConfig, error) {
	var cfg bleemeoTypes.AccountConfig

	_, err := s.opt.Client.Do(ctx, "GET", fmt.Sprintf("v1/accountconfig/%s/", id), nil, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (s *Synchronizer) takeConfigStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := s.configStale
	s.configStale = false

	return stale
}
