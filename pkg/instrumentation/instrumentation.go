// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/qmss-qos/pkg/healthz"
	logger "github.com/containers/qmss-qos/pkg/log"
	"github.com/containers/qmss-qos/pkg/metrics"
)

const (
	// Namespace prefixes all exported metrics.
	Namespace = "qmss"
	// shutdownTimeout bounds the wait for in-flight requests on stop.
	shutdownTimeout = 5 * time.Second
)

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.Mutex
	// Our HTTP server, listener and metrics gatherer, while running.
	srv      *http.Server
	lis      net.Listener
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.Get("instrumentation")
)

// Start starts our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop stops our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure restarts our instrumentation services with a new configuration.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	if newCfg == nil {
		newCfg = &cfgapi.Config{}
	}
	cfg = newCfg

	stop()
	if err := start(); err != nil {
		log.Error("failed to restart instrumentation: %v", err)
		return err
	}
	return nil
}

// Address returns the address the HTTP server listens on, or an empty
// string if it is not running.
func Address() string {
	lock.Lock()
	defer lock.Unlock()

	if lis == nil {
		return ""
	}
	return lis.Addr().String()
}

func start() error {
	if cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint configured, instrumentation disabled")
		return nil
	}

	g, err := metrics.Default().NewGatherer(
		metrics.WithNamespace(Namespace),
		metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		metrics.WithMetrics(cfg.Metrics.Enabled, cfg.Metrics.Polled),
	)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	mux := http.NewServeMux()
	healthz.Setup(mux)
	if cfg.PrometheusExport {
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	l, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		g.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}()

	srv, lis, gatherer = s, l, g
	log.Info("HTTP server listening on %s (prometheus export: %v)", l.Addr(), cfg.PrometheusExport)

	return nil
}

func stop() {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("HTTP server shutdown: %v", err)
		}
	}
	if gatherer != nil {
		gatherer.Stop()
	}
	srv, lis, gatherer = nil, nil, nil
}
