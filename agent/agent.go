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

// Package agent wires the connector's collaborators together and runs
// them until a signal requests shutdown. Discovering and collecting
// metrics is out of scope for this module (spec.md §1): this package
// expects a facts.Provider/facts.ServiceProvider pair from the caller
// and otherwise only drives the Bleemeo connector and its diagnostic
// HTTP endpoint.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bleemeo/bleemeo-agent/api"
	"github.com/bleemeo/bleemeo-agent/bleemeo"
	"github.com/bleemeo/bleemeo-agent/config"
	"github.com/bleemeo/bleemeo-agent/crashreport"
	"github.com/bleemeo/bleemeo-agent/facts"
	"github.com/bleemeo/bleemeo-agent/logger"
	"github.com/bleemeo/bleemeo-agent/state"
	"github.com/bleemeo/bleemeo-agent/types"
)

// Options lets tests and alternate entrypoints (e.g. an embedding
// collector) supply real facts/service collaborators instead
// of the zero-value mocks Run falls back to.
type Options struct {
	Config   config.Config
	Facts    facts.Provider
	Services facts.ServiceProvider
}

// Run loads configuration from configFiles, starts the Bleemeo
// connector, and blocks until SIGINT/SIGTERM. It returns the process
// exit code a caller's main should pass to os.Exit.
func Run(configFiles []string) int {
	cfg, warnings, err := config.Load(configFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)

		return 1
	}

	for _, w := range warnings {
		logger.Printf("config: %v", w)
	}

	logger.SetVerbosity(cfg.Logging.Level)

	return run(context.Background(), Options{
		Config:   cfg,
		Facts:    facts.NewMockProvider(),
		Services: facts.NewMockServiceProvider(),
	})
}

func run(ctx context.Context, opt Options) int {
	defer func() {
		crashreport.RecoverPanic(recover())
	}()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	crashreport.InitSentry(opt.Config.SentryDSN)

	st, err := state.Load(opt.Config.StateFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading state file: %v\n", err)

		return 1
	}

	connector, err := bleemeo.New(ctx, bleemeo.Options{
		Config:   opt.Config,
		State:    st,
		Facts:    opt.Facts,
		Services: opt.Services,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting Bleemeo connector: %v\n", err)

		return 1
	}

	crashreport.SetAgentID(connector.AgentID())
	crashreport.Configure(filepath.Dir(opt.Config.StateFile), func(_ context.Context, w types.ArchiveWriter) error {
		fw, err := w.Create("diagnostic.txt")
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(fw, connector.DiagnosticPage())

		return err
	})

	if opt.Config.DiagnosticBindAddress != "" {
		httpServer := &api.API{
			BindAddress:    opt.Config.DiagnosticBindAddress,
			Gatherer:       connector.Gatherer(),
			DiagnosticPage: connector.DiagnosticPage,
			DiagnosticZip:  connector.DiagnosticZip,
		}

		go func() {
			if err := httpServer.Run(ctx); err != nil {
				logger.Printf("agent: diagnostic HTTP server stopped: %v", err)
			}
		}()
	}

	logger.Printf("agent: connector starting, agent ID %s", connector.AgentID())

	connector.Run(ctx)

	logger.Println("agent: stopped")

	return 0
}
