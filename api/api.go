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

// Package api is the connector's small read-only diagnostic HTTP surface
// (spec.md §7): a Prometheus scrape endpoint over the gauges/counters
// bleemeo/internal/diagexport maintains, plus a human-readable diagnostic
// page and a downloadable diagnostic bundle.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/bleemeo/bleemeo-agent/logger"
)

// API serves the diagnostic HTTP endpoint.
type API struct {
	BindAddress string

	// Gatherer is scraped at /metrics; typically the same
	// prometheus.Registerer passed to diagexport.New.
	Gatherer prometheus.Gatherer

	// DiagnosticPage renders a human-readable snapshot of connector
	// state; DiagnosticZip streams a diagnostic bundle as a zip archive.
	DiagnosticPage func() string
	DiagnosticZip  func(w io.Writer) error

	router http.Handler
}

func (api *API) init() {
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
	}).Handler)

	if api.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(api.Gatherer, promhttp.HandlerOpts{}))
	}

	router.HandleFunc("/diagnostic", func(w http.ResponseWriter, r *http.Request) {
		if api.DiagnosticPage == nil {
			w.WriteHeader(http.StatusNotImplemented)

			return
		}

		if _, err := fmt.Fprintln(w, api.DiagnosticPage()); err != nil {
			logger.V(2).Printf("api: failed to serve /diagnostic: %v", err)
		}
	})

	router.HandleFunc("/diagnostic.zip", func(w http.ResponseWriter, r *http.Request) {
		if api.DiagnosticZip == nil {
			w.WriteHeader(http.StatusNotImplemented)

			return
		}

		w.Header().Set("Content-Type", "application/zip")

		if err := api.DiagnosticZip(w); err != nil {
			logger.V(1).Printf("api: failed to serve /diagnostic.zip: %v", err)
		}
	})

	api.router = router
}

// Run starts the HTTP server and blocks until ctx is canceled.
func (api *API) Run(ctx context.Context) error {
	api.init()

	srv := http.Server{
		Addr:    api.BindAddress,
		Handler: api.router,
	}

	idleConnsClosed := make(chan struct{})

	go func() {
		<-ctx.Done()

		subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(subCtx); err != nil {
			logger.V(2).Printf("api: HTTP server shutdown: %v", err)
		}

		close(idleConnsClosed)
	}()

	logger.Printf("api: starting diagnostic endpoint on %s", api.BindAddress)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-idleConnsClosed

	return nil
}
