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

// Package backoff holds the jittered backoff arithmetic shared by the
// broker session's reconnection policy (spec.md §4.3), the reconciler's
// auth-failure backoff (§4.4), and the initial registration retry (§7),
// so the three call sites never drift apart on the same formula.
package backoff

import (
	"math/rand"
	"time"
)

// JitterRange returns a duration picked uniformly between min(capLow,
// lowFactor*n) and min(capHigh, highFactor*n) seconds, the
// `rand(min(X,aN), min(Y,bN))` shape used throughout spec.md §4.3/§4.4.
func JitterRange(n int, lowFactor, highFactor, capLow, capHigh float64) time.Duration {
	low := lowFactor * float64(n)
	if low > capLow {
		low = capLow
	}

	high := highFactor * float64(n)
	if high > capHigh {
		high = capHigh
	}

	if high < low {
		high = low
	}

	span := high - low
	if span <= 0 {
		return time.Duration(low * float64(time.Second))
	}

	seconds := low + rand.Float64()*span //nolint:gosec

	return time.Duration(seconds * float64(time.Second))
}

// Jitter returns base ± spread, both in seconds, e.g. Jitter(60, 15) for
// the broker session's "60±15s" hold-off.
func Jitter(baseSeconds, spreadSeconds float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * spreadSeconds //nolint:gosec

	return time.Duration((baseSeconds + delta) * float64(time.Second))
}

// Exponential returns the registration-retry delay for the nth failure
// (0-indexed): 10, 20, 40, ... seconds, capped at capSeconds (spec.md §7).
func Exponential(attempt int, baseSeconds, capSeconds float64) time.Duration {
	delay := baseSeconds
	for i := 0; i < attempt; i++ {
		delay *= 2

		if delay >= capSeconds {
			delay = capSeconds

			break
		}
	}

	return time.Duration(delay * float64(time.Second))
}
