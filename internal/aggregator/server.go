// Copyright 2024 The sysmon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aggregator

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/store"
)

const defaultMaintenanceInterval = time.Hour

type Options struct {
	Addr              string
	AuthToken         string
	InactiveThreshold time.Duration
	Retention         store.RetentionPolicy
	// MaintenanceInterval paces the retention/rollup pass; 0 means
	// hourly.
	MaintenanceInterval time.Duration
	Logger              logs.StructuredLogger
}

func (o *Options) withDefaults() {
	if o.Addr == "" {
		o.Addr = ":8700"
	}
	if o.InactiveThreshold <= 0 {
		o.InactiveThreshold = DefaultInactiveThreshold
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = defaultMaintenanceInterval
	}
	if o.Logger == nil {
		o.Logger = logs.Default()
	}
}

// Server owns the central store, the host registry and the HTTP
// acceptor.
type Server struct {
	opts     Options
	st       *store.Store
	registry *HostRegistry
	httpSrv  *http.Server
	startedAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewServer(st *store.Store, opts Options) (*Server, error) {
	opts.withDefaults()
	registry, err := NewHostRegistry(st)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:      opts,
		st:        st,
		registry:  registry,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Router wires the endpoint table. Ingest is token-gated; read
// endpoints are open and fronted by the deployment's choice of proxy.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/metrics", s.requireToken(s.handleIngest)).Methods(http.MethodPost)
	r.HandleFunc("/api/metrics", s.handleQueryRange).Methods(http.MethodGet)
	r.HandleFunc("/api/hosts", s.handleHosts).Methods(http.MethodGet)
	r.HandleFunc("/api/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/fleet/summary", s.handleFleetSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start begins serving and launches the maintenance goroutine. It
// returns once the listener is handed off.
func (s *Server) Start() error {
	go s.maintenanceLoop()
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.opts.Logger.Errorf("aggregator: http server: %v", err)
		}
	}()
	s.opts.Logger.Infof("aggregator: listening on %s", s.opts.Addr)
	return nil
}

// Shutdown stops the acceptor and the maintenance loop. The store is
// left open; its owner closes it.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	err := s.httpSrv.Shutdown(ctx)
	<-s.doneCh
	return err
}

func (s *Server) maintenanceLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			pruned, err := s.st.ApplyRetention(s.opts.Retention, time.Now())
			if err != nil {
				s.opts.Logger.Errorf("aggregator: retention pass failed: %v", err)
				continue
			}
			if pruned > 0 {
				s.opts.Logger.Infof("aggregator: retention pruned %d samples", pruned)
			}
		}
	}
}
