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

package emission

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/logger"
	roottypes "github.com/bleemeo/bleemeo-agent/types"
)

// Run drains the outbound batch every batchMaxWait and re-attempts the
// deferred queue on the same cadence, until ctx is canceled (spec.md §4.5:
// "drain up to 2,000 points or 6 seconds, whichever first" — the 2,000
// bound is enforced by enqueueRendered flushing early; this loop only
// needs to cover the timeout side).
func (p *Path) Run(ctx context.Context) {
	ticker := time.NewTicker(batchMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush()

			return
		case <-ticker.C:
			p.flush()
			p.Requeue()
		}
	}
}

// enqueueDeferred appends a point whose identity wasn't registered yet,
// compacting first if the queue is already at capacity (spec.md §8).
func (p *Path) enqueueDeferred(point roottypes.MetricPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.deferred) >= deferredCap {
		p.compactDeferredLocked()
	}

	p.deferred = append(p.deferred, deferredPoint{point: point, queuedAt: p.now()})
	p.opt.Metrics.SetDeferredQueueSize(len(p.deferred))
}

// compactDeferredLocked keeps the deferredKeep most recent entries by the
// point's own time, preserving their relative order (spec.md §8:
// "order preserved by time"). Callers must hold p.mu.
func (p *Path) compactDeferredLocked() {
	sort.Slice(p.deferred, func(i, j int) bool {
		return p.deferred[i].point.Time.Before(p.deferred[j].point.Time)
	})

	if len(p.deferred) <= deferredKeep {
		return
	}

	kept := make([]deferredPoint, deferredKeep)
	copy(kept, p.deferred[len(p.deferred)-deferredKeep:])
	p.deferred = kept
}

// Requeue re-attempts every deferred point against the current cache: one
// whose identity has since registered renders into the outbound batch and
// its liveness is reported to the reconciler; one still unknown is kept
// only if younger than deferredMaxAge, else dropped (spec.md §4.5, §8).
func (p *Path) Requeue() {
	p.mu.Lock()
	pending := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	snap := p.opt.Cache.Snapshot()
	now := p.now()

	kept := make([]deferredPoint, 0, len(pending))

	for _, dp := range pending {
		item := dp.point.Item()
		attachedToService := dp.point.ServiceInstance != ""
		key := bleemeoTypes.MetricKey(dp.point.Label, item, attachedToService)

		id, known := snap.MetricsByLabelItem[key]
		if !known {
			if now.Sub(dp.point.Time) < deferredMaxAge {
				kept = append(kept, dp)
			} else {
				p.opt.Metrics.IncPointsDropped("deferred_stale")
			}

			continue
		}

		if p.opt.Reconciler != nil {
			p.opt.Reconciler.NotifyMetricSeen(dp.point.Label, item, dp.point.Time)
		}

		p.enqueueRendered(p.render(snap.Metrics[id], dp.point))
	}

	p.mu.Lock()
	p.deferred = append(kept, p.deferred...)

	if len(p.deferred) >= deferredCap {
		p.compactDeferredLocked()
	}

	size := len(p.deferred)
	p.mu.Unlock()

	p.opt.Metrics.SetDeferredQueueSize(size)
}

// enqueueRendered appends a point to the outbound batch, flushing
// immediately if that reaches batchMaxPoints (spec.md §4.5).
func (p *Path) enqueueRendered(bp brokerPoint) {
	p.mu.Lock()
	p.batch = append(p.batch, bp)
	full := len(p.batch) >= batchMaxPoints
	p.mu.Unlock()

	if full {
		p.flush()
	}
}

// flush publishes whatever is in the outbound batch as one JSON array and
// clears it, a no-op when the batch is empty.
func (p *Path) flush() {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		logger.V(1).Printf("emission: failed to encode %d points: %v", len(batch), err)

		return
	}

	if p.opt.Broker != nil {
		p.opt.Broker.PublishData(payload, false)
	}

	p.opt.Metrics.ObserveBatch(len(batch))
}
