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

// Package state implements a small durable key/value store backed by a
// single JSON file, written atomically (write to a temp file, then rename).
// It's the persistence substrate for credentials (agent_uuid, password) and
// for the Bleemeo object cache (_bleemeo_cache).
package state

import (
	"encoding/json"
	"os"
	"sync"
)

// State is a generic, JSON-file backed key/value store.
type State struct {
	l    sync.Mutex
	path string
	data map[string]json.RawMessage
}

// Load reads the state file at path. A missing file is not an error: it
// yields an empty store that Save will create on first write.
func Load(path string) (*State, error) {
	s := &State{
		path: path,
		data: make(map[string]json.RawMessage),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return nil, err
	}

	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.data); err != nil {
		return nil, err
	}

	return s, nil
}

// Get unmarshals the value stored under key into dest. It returns
// os.ErrNotExist if the key is absent, matching the historical
// behavior relied on by callers that treat "not found" as "not yet set".
func (s *State) Get(key string, dest interface{}) error {
	s.l.Lock()
	raw, ok := s.data[key]
	s.l.Unlock()

	if !ok {
		return os.ErrNotExist
	}

	return json.Unmarshal(raw, dest)
}

// Set stores value under key, replacing any previous value. It does not
// persist to disk; call Save for that.
func (s *State) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.l.Lock()
	defer s.l.Unlock()

	s.data[key] = raw

	return nil
}

// Delete removes key, if present.
func (s *State) Delete(key string) {
	s.l.Lock()
	defer s.l.Unlock()

	delete(s.data, key)
}

// Keys returns all keys currently stored, for legacy-key migration.
func (s *State) Keys() []string {
	s.l.Lock()
	defer s.l.Unlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}

	return keys
}

// Save persists the current content to disk atomically.
func (s *State) Save() error {
	s.l.Lock()
	defer s.l.Unlock()

	tmpPath := s.path + ".tmp"

	w, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(s.data); err != nil {
		w.Close()

		return err
	}

	if err := w.Sync(); err != nil {
		w.Close()

		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}
