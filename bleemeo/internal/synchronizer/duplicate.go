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
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/backoff"
	"github.com/bleemeo/bleemeo-agent/logger"
)

// duplicateWindow is how far back the 3rd-most-recent detection must be for
// the reconciler to treat the clone as still-contending (spec.md §4.4).
const duplicateWindow = 3600 * time.Second

// duplicateFactKeys are compared against their last-synced cached values;
// any mismatch means another agent is sharing these credentials.
var duplicateFactKeys = []string{"fqdn", "primary_address", "primary_mac_address"}

// syncDuplicate is phase 1: the gate for every later phase this iteration.
// It returns heldOff=true when a clone was just detected (or a previous
// hold-off hasn't elapsed), in which case the caller must skip the rest of
// the loop and the broker session is forced down.
func (s *Synchronizer) syncDuplicate(ctx context.Context) (bool, error) {
	if until := s.duplicateHoldOffUntil(); !until.IsZero() && s.now().Before(until) {
		return true, nil
	}

	localFacts, err := s.opt.Facts.Facts(ctx, factMaxAge)
	if err != nil {
		return false, err
	}

	snap := s.opt.Cache.Snapshot()

	cached := make(map[string]string, len(duplicateFactKeys))

	for _, f := range snap.Facts {
		cached[f.Key] = f.Value
	}

	mismatch := false

	for _, key := range duplicateFactKeys {
		cachedValue, known := cached[key]
		if !known {
			continue
		}

		if localValue, ok := localFacts[key]; ok && localValue != cachedValue {
			mismatch = true

			break
		}
	}

	if !mismatch {
		return false, nil
	}

	holdOff := s.recordDuplicateDetection()

	logger.Printf(
		"synchronizer: this agent's identity appears to be shared with another agent (fqdn=%q); holding off for %s",
		cached["fqdn"], holdOff,
	)

	if s.opt.ForceBrokerDown != nil {
		s.opt.ForceBrokerDown()
	}

	// Persist immediately: if the process restarts during the hold-off, it
	// must not re-detect the same clone against stale cached facts
	// (spec.md's supplemented [DUPLICATE] behavior).
	s.opt.Cache.Save()

	s.mu.Lock()
	s.duplicateHoldOffAt = s.now().Add(holdOff)
	s.mu.Unlock()

	return true, nil
}

// recordDuplicateDetection appends to the 15-deep ring and returns the
// hold-off duration implied by the new state (spec.md §4.4).
func (s *Synchronizer) recordDuplicateDetection() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	s.duplicateHistory[s.duplicateHistNext] = now
	s.duplicateHistNext = (s.duplicateHistNext + 1) % len(s.duplicateHistory)

	if s.duplicateHistCount < len(s.duplicateHistory) {
		s.duplicateHistCount++
	}

	thirdMostRecent, ok := nthMostRecent(s.duplicateHistory, s.duplicateHistNext, s.duplicateHistCount, 3)
	if ok && now.Sub(thirdMostRecent) <= duplicateWindow {
		return backoff.Jitter(900, 60)
	}

	return backoff.Jitter(300, 60)
}

func (s *Synchronizer) duplicateHoldOffUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.duplicateHoldOffAt
}

// IsHeldOff reports whether a detected clone is currently holding the
// broker session down, the signal the Emission Path checks before
// enqueueing anything (spec.md §4.5 step 1).
func (s *Synchronizer) IsHeldOff() bool {
	until := s.duplicateHoldOffUntil()

	return !until.IsZero() && s.now().Before(until)
}

// nthMostRecent returns the n-th most recently recorded time (1-indexed) in
// a ring buffer of `count` valid entries ending just before `next`.
func nthMostRecent(ring []time.Time, next, count, n int) (time.Time, bool) {
	if n > count {
		return time.Time{}, false
	}

	idx := (next - n + len(ring)) % len(ring)

	return ring[idx], true
}
