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

// Package facts defines the interfaces the connector uses to reach its
// external collaborators: fact gathering and container discovery. Both are
// implemented elsewhere (out of scope for this module); this package only
// holds the contracts and a mock used by tests.
package facts

import (
	"context"
	"time"
)

// Provider supplies the small key/value facts describing the local host
// (fqdn, primary address, kernel, ...). Gathering them is out of scope; the
// reconciler only ever reads the returned map.
type Provider interface {
	Facts(ctx context.Context, maxAge time.Duration) (map[string]string, error)
}

// Container is a locally discovered container, as reported by the (out of
// scope) container discovery collaborator. DockerID and a canonicalizable
// Inspect map are all the synchronizer needs to compute inspect_hash.
type Container struct {
	DockerID string
	Name     string
	// Inspect is the raw decoded "docker inspect"-style document: a
	// mapping whose "Mounts" key, if present, is a list of mappings each
	// carrying "Source" and "Destination" keys.
	Inspect map[string]interface{}
}

// NetstatPort is a single TCP/UDP port the local netstat-equivalent
// collaborator found a process listening on. Unix domain sockets never
// appear here, so the synchronizer needs no separate filtering step for
// them (spec.md §4.4: "merge netstat ports minus unix sockets").
type NetstatPort struct {
	Port     int
	Protocol string
}

// DiscoveredService is a locally running service as found by the (out of
// scope) service discovery collaborator. ListenAddresses is the discovery
// layer's own best guess at "addr:port/proto"; NetstatPorts supplements it
// with ports found by directly inspecting the process's sockets.
type DiscoveredService struct {
	Label           string
	Instance        string
	ListenAddresses []string
	NetstatPorts    []NetstatPort
	ExePath         string
	Stack           string
	Active          bool
}

// ServiceProvider supplies the set of locally discovered services the
// services-sync phase reconciles against the control plane.
type ServiceProvider interface {
	Services(ctx context.Context, maxAge time.Duration) ([]DiscoveredService, error)
}

// ProviderMock provides hardcoded facts, useful for testing.
type ProviderMock struct {
	facts map[string]string
}

// NewMockProvider creates a new mock fact provider with no fact set.
func NewMockProvider() *ProviderMock {
	return &ProviderMock{facts: map[string]string{}}
}

// Facts returns a copy of the currently set facts.
func (f *ProviderMock) Facts(_ context.Context, _ time.Duration) (map[string]string, error) {
	out := make(map[string]string, len(f.facts))
	for k, v := range f.facts {
		out[k] = v
	}

	return out, nil
}

// SetFact overrides/adds a fact. Valid until the next call to SetFact for
// the same key.
func (f *ProviderMock) SetFact(key, value string) {
	f.facts[key] = value
}

// ServiceProviderMock provides a hardcoded list of discovered services,
// useful for testing.
type ServiceProviderMock struct {
	services []DiscoveredService
}

// NewMockServiceProvider creates a mock service provider with no services set.
func NewMockServiceProvider() *ServiceProviderMock {
	return &ServiceProviderMock{}
}

// Services returns the currently set services.
func (p *ServiceProviderMock) Services(_ context.Context, _ time.Duration) ([]DiscoveredService, error) {
	out := make([]DiscoveredService, len(p.services))
	copy(out, p.services)

	return out, nil
}

// SetServices replaces the mock's service list.
func (p *ServiceProviderMock) SetServices(services []DiscoveredService) {
	p.services = services
}
