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

// Package bleemeo wires the five components (C1-C5) into one connector:
// the Object Cache, the API Client, the Broker Session, the Reconciler,
// and the Emission Path. Everything else (collectors, discovery, threshold
// evaluation) is external to this module (spec.md §1).
package bleemeo

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/bleemeo/bleemeo-agent/bleemeo/client"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/cache"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/diagexport"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/emission"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/mqtt"
	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/synchronizer"
	bleemeoTypes "github.com/bleemeo/bleemeo-agent/bleemeo/types"
	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/facts"
	"github.com/bleemeo/bleemeo-agent/logger"
	"github.com/bleemeo/bleemeo-agent/state"
	roottypes "github.com/bleemeo/bleemeo-agent/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Options bundles every external collaborator the connector needs.
// Collectors, discovery, and threshold evaluation are out of scope for
// this module (spec.md §1): the caller supplies them here.
type Options struct {
	Config config.Config
	State  *state.State

	Facts      facts.Provider
	Services   facts.ServiceProvider
	Containers func(ctx context.Context) ([]facts.Container, error)

	// Registerer receives this connector's own operational metrics
	// (bleemeo/internal/diagexport); prometheus.DefaultRegisterer if nil.
	Registerer prometheus.Registerer

	// KillSignalAt, if set, is forwarded to the Emission Path's
	// event_grace_period computation (spec.md §4.5).
	KillSignalAt func(serviceLabel, serviceInstance string) time.Time
}

// Connector owns the five components and the long-lived tasks that drive
// them (spec.md §5: broker event loop, reconciler loop, emission path's
// batching loop).
type Connector struct {
	opt Options

	cache    *cache.Cache
	client   *client.Client
	identity bleemeoTypes.AgentIdentity
	mqtt     *mqtt.Session
	sync     *synchronizer.Synchronizer
	emission *emission.Path
	metrics  *diagexport.Registry
}

// New registers the agent if needed (spec.md §7 "Cold start, register,
// publish") and wires C1-C5 together. Call Run to start the connector's
// long-lived tasks.
func New(ctx context.Context, opt Options) (*Connector, error) {
	st := opt.State

	identity, err := EnsureIdentity(ctx, opt.Config.Bleemeo, st, opt.Facts)
	if err != nil {
		return nil, err
	}

	apiClient, err := client.New(opt.Config.Bleemeo.APIBase, identity.AgentID, identity.Password, opt.Config.Bleemeo.InsecureTLS)
	if err != nil {
		return nil, err
	}

	registerer := opt.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	c := &Connector{
		opt:      opt,
		cache:    cache.Load(st),
		client:   apiClient,
		identity: identity,
		metrics:  diagexport.New(registerer),
	}

	c.mqtt = mqtt.New(mqtt.Config{
		AgentID:     identity.AgentID,
		Password:    identity.Password,
		Host:        opt.Config.Bleemeo.MQTTHost,
		Port:        opt.Config.Bleemeo.MQTTPort,
		SSL:         opt.Config.Bleemeo.MQTTSSL,
		InsecureTLS: opt.Config.Bleemeo.InsecureTLS,
		Metrics:     c.metrics,
	}, c)

	c.sync = synchronizer.New(synchronizer.Options{
		Client:          apiClient,
		Cache:           c.cache,
		Facts:           opt.Facts,
		Services:        opt.Services,
		Config:          opt.Config,
		Identity:        &c.identity,
		Containers:      opt.Containers,
		ForceBrokerDown: c.mqtt.ForceDown,
		Metrics:         c.metrics,
	})

	c.emission = emission.New(emission.Options{
		Cache:        c.cache,
		Broker:       c.mqtt,
		Reconciler:   c.sync,
		Metrics:      c.metrics,
		KillSignalAt: opt.KillSignalAt,
	})

	return c, nil
}

// Emit feeds one sample into the Emission Path (spec.md §4.5). Safe to
// call from any collector goroutine.
func (c *Connector) Emit(point roottypes.MetricPoint) {
	c.emission.Emit(point)
}

// OnThresholdUpdate implements mqtt.NotificationHandler: a targeted
// notification names a metric whose threshold may have changed.
func (c *Connector) OnThresholdUpdate(metricID string) {
	c.sync.RequestThresholdUpdate(metricID)
}

// OnFullSyncRequested implements mqtt.NotificationHandler: the control
// plane asked for a full resync on its next opportunity.
func (c *Connector) OnFullSyncRequested() {
	c.sync.RequestFullSync()
}

// OnConfigWillChange implements mqtt.NotificationHandler: the account
// configuration is about to change server-side. The reconciler records
// it; the agent-sync phase refetches the agent record on every iteration.
func (c *Connector) OnConfigWillChange() {
	c.sync.NotifyConfigWillChange()
}

// Run starts the broker session, the reconciler loop, and the emission
// path's batching loop, and blocks until ctx is canceled (spec.md §5's
// "four long-lived tasks": the fourth, per-collector Emit calls, has no
// loop of its own to start here).
func (c *Connector) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(3)

	go func() {
		defer wg.Done()

		c.mqtt.Run(ctx)
	}()

	go func() {
		defer wg.Done()

		c.sync.Run(ctx)
	}()

	go func() {
		defer wg.Done()

		c.emission.Run(ctx)
	}()

	wg.Wait()

	logger.V(1).Println("bleemeo: connector stopped")
}

// Connected reports whether the broker session currently has a live
// connection allowed to publish.
func (c *Connector) Connected() bool {
	return c.mqtt.IsPublishAllowed()
}

// LastReport returns the wall-clock time of the last acknowledged
// publish, the zero value if none has happened yet.
func (c *Connector) LastReport() time.Time {
	return c.mqtt.LastReportTime()
}

// AgentID returns this connector's registered agent identifier.
func (c *Connector) AgentID() string {
	return c.identity.AgentID
}

// DiagnosticPage renders a short human-readable snapshot of connector
// state, for the diagnostic HTTP endpoint (spec.md §7).
func (c *Connector) DiagnosticPage() string {
	snap := c.cache.Snapshot()

	return diagnosticSummary(c.identity.AgentID, c.Connected(), c.LastReport(), len(snap.Metrics), len(snap.Services), len(snap.Containers))
}

// DiagnosticZip streams a fuller diagnostic bundle (currently just the
// rendered diagnostic page) as a zip archive to w.
func (c *Connector) DiagnosticZip(w io.Writer) error {
	return writeDiagnosticZip(w, c.DiagnosticPage())
}

// Registerer exposes the registry this connector's own metrics are
// published to, for wiring api.API.Gatherer.
func (c *Connector) Registerer() prometheus.Registerer {
	if c.opt.Registerer != nil {
		return c.opt.Registerer
	}

	return prometheus.DefaultRegisterer
}

// Gatherer exposes the same registry as a scrape source for api.API's
// /metrics endpoint. Falls back to prometheus.DefaultGatherer when the
// configured Registerer isn't itself a Gatherer (e.g. a bare
// prometheus.Registry wrapper).
func (c *Connector) Gatherer() prometheus.Gatherer {
	if g, ok := c.Registerer().(prometheus.Gatherer); ok {
		return g
	}

	return prometheus.DefaultGatherer
}
