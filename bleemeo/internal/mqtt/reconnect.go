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

package mqtt

import (
	"context"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/backoff"
	"github.com/bleemeo/bleemeo-agent/logger"
)

// disconnectHistory is a fixed-size ring of the most recent disconnect
// timestamps, used by the reconnection policy (spec.md §4.3: "track the
// last 15 disconnects").
type disconnectHistory struct {
	times []time.Time // ring buffer, oldest overwritten first
	next  int
	count int
}

func newDisconnectHistory(size int) *disconnectHistory {
	return &disconnectHistory{times: make([]time.Time, size)}
}

func (h *disconnectHistory) record(t time.Time) {
	h.times[h.next] = t
	h.next = (h.next + 1) % len(h.times)

	if h.count < len(h.times) {
		h.count++
	}
}

// since counts how many recorded disconnects happened within window of now.
func (h *disconnectHistory) since(now time.Time, window time.Duration) int {
	n := 0

	for i := 0; i < h.count; i++ {
		if now.Sub(h.times[i]) <= window {
			n++
		}
	}

	return n
}

// nthMostRecent returns the timestamp of the nth-most-recent disconnect
// (n=1 is the latest), or the zero time if fewer than n are recorded. The
// duplicate-agent detector does not use it: it keeps its own ring and its
// own function of the same shape.
func (h *disconnectHistory) nthMostRecent(n int) time.Time {
	if n > h.count || n <= 0 {
		return time.Time{}
	}

	idx := (h.next - n + len(h.times)) % len(h.times)

	return h.times[idx]
}

// holdOff computes the hold-off duration dictated by the reconnection
// policy (spec.md §4.3), given the number of successive connect failures
// and the current disconnect history. A zero duration means "reconnect
// automatically, no hold-off".
func (s *Session) holdOff(successiveFailures int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if successiveFailures >= 3 {
		return backoff.JitterRange(successiveFailures, 20, 60, 300, 900)
	}

	if h := s.history.since(now, 60*time.Second); h >= 6 {
		return backoff.Jitter(60, 15)
	}

	if h := s.history.since(now, 600*time.Second); h >= 15 {
		return backoff.Jitter(300, 60)
	}

	return 0
}

// Run drives the connect/hold-off/reconnect loop until ctx is canceled or
// Stop is called. It blocks; callers run it on its own goroutine.
func (s *Session) Run(ctx context.Context) {
	successiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		opts, err := s.clientOptions()
		if err != nil {
			logger.V(0).Printf("mqtt: cannot build client options: %v", err)

			return
		}

		s.client = paho.NewClient(opts)

		token := s.client.Connect()
		connected := token.WaitTimeout(15 * time.Second)

		if !connected || token.Error() != nil {
			successiveFailures++

			s.mu.Lock()
			s.history.record(time.Now())
			s.mu.Unlock()

			logger.V(1).Printf("mqtt: connect failed (attempt %d): %v", successiveFailures, token.Error())
		} else {
			successiveFailures = 0

			s.waitForDisconnect(ctx)
		}

		wait := s.holdOff(successiveFailures)
		if wait <= 0 {
			continue
		}

		logger.V(1).Printf("mqtt: holding off reconnection for %s", wait)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// waitForDisconnect blocks while the client remains connected, so Run's
// loop only spins again once a connection has actually been lost (the
// paho connection-lost handler already recorded the event).
func (s *Session) waitForDisconnect(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.client == nil || !s.client.IsConnectionOpen() {
				return
			}
		}
	}
}

// ForceDown immediately tears the transport down without disabling future
// reconnection attempts; used while the agent is held off for duplicate
// detection (spec.md §4.4: "the broker session is also forced down").
func (s *Session) ForceDown() {
	if s.client != nil && s.client.IsConnectionOpen() {
		s.client.Disconnect(0)
	}
}
