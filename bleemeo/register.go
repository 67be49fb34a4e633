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

package bleemeo

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/backoff"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/facts"
	"github.com/bleemeo/bleemeo-agent/logger"
	"github.com/bleemeo/bleemeo-agent/state"
)

// stateAgentIDKey/stateAgentPasswordKey are the keys spec.md §7 names
// directly ("agent_uuid", "password": credentials post-registration).
const (
	stateAgentIDKey       = "agent_uuid"
	stateAgentPasswordKey = "password"

	registrationBaseSeconds = 10
	registrationCapSeconds  = 600

	registrationPasswordBytes = 24
)

// loadIdentity returns the persisted agent credentials, or ok=false if
// this agent has never registered.
func loadIdentity(st *state.State) (bleemeoTypes.AgentIdentity, bool) {
	var id bleemeoTypes.AgentIdentity

	if err := st.Get(stateAgentIDKey, &id.AgentID); err != nil || id.AgentID == "" {
		return bleemeoTypes.AgentIdentity{}, false
	}

	if err := st.Get(stateAgentPasswordKey, &id.Password); err != nil || id.Password == "" {
		return bleemeoTypes.AgentIdentity{}, false
	}

	return id, true
}

func saveIdentity(st *state.State, id bleemeoTypes.AgentIdentity) error {
	if err := st.Set(stateAgentIDKey, id.AgentID); err != nil {
		return err
	}

	if err := st.Set(stateAgentPasswordKey, id.Password); err != nil {
		return err
	}

	return st.Save()
}

// generatePassword returns a fresh locally-generated password for a new
// agent (spec.md §3: "a locally-generated password stored at first
// registration").
func generatePassword() (string, error) {
	buf := make([]byte, registrationPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// registerAgentPayload is the body of the initial `POST v1/agent/`
// (spec.md §7).
type registerAgentPayload struct {
	Account         string `json:"account"`
	InitialPassword string `json:"initial_password"`
	DisplayName     string `json:"display_name"`
	FQDN            string `json:"fqdn"`
}

// registerIdentity performs the one-time agent registration: basic auth
// against `{account_id}@bleemeo.com:{registration_key}`, retrying with the
// 10, 20, 40, ..., capped-at-600s backoff spec.md §7 describes, until ctx
// is canceled. On success the credentials are persisted to st before being
// returned, so a crash right after never loses the agent identity.
func registerIdentity(ctx context.Context, cfg config.Bleemeo, st *state.State, fp facts.Provider) (bleemeoTypes.AgentIdentity, error) {
	c, err := client.New(cfg.APIBase, "", "", cfg.InsecureTLS)
	if err != nil {
		return bleemeoTypes.AgentIdentity{}, err
	}

	password, err := generatePassword()
	if err != nil {
		return bleemeoTypes.AgentIdentity{}, err
	}

	localFacts, err := fp.Facts(ctx, time.Hour)
	if err != nil {
		return bleemeoTypes.AgentIdentity{}, err
	}

	payload := registerAgentPayload{
		Account:         cfg.AccountID,
		InitialPassword: password,
		DisplayName:     localFacts["fqdn"],
		FQDN:            localFacts["fqdn"],
	}

	username := fmt.Sprintf("%s@bleemeo.com", cfg.AccountID)

	var attempt int

	for {
		var created bleemeoTypes.Agent

		status, err := c.PostAuth(ctx, "v1/agent/", payload, username, cfg.RegistrationKey, &created)
		if err == nil && status == 201 {
			id := bleemeoTypes.AgentIdentity{AgentID: created.ID, Password: password}

			if err := saveIdentity(st, id); err != nil {
				return bleemeoTypes.AgentIdentity{}, err
			}

			return id, nil
		}

		logger.Printf("bleemeo: initial registration failed (attempt %d): %v", attempt+1, err)

		wait := backoff.Exponential(attempt, registrationBaseSeconds, registrationCapSeconds)
		attempt++

		select {
		case <-ctx.Done():
			return bleemeoTypes.AgentIdentity{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// EnsureIdentity returns this agent's persisted credentials, registering
// against the control plane first if none exist yet (spec.md §7 "Cold
// start, register, publish").
func EnsureIdentity(ctx context.Context, cfg config.Bleemeo, st *state.State, fp facts.Provider) (bleemeoTypes.AgentIdentity, error) {
	if id, ok := loadIdentity(st); ok {
		return id, nil
	}

	return registerIdentity(ctx, cfg, st, fp)
}
