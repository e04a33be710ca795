// Copyright 2024 The pipewatch Authors
// This file is part of the pipewatch library.
//
// The pipewatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pipewatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pipewatch library. If not, see <http://www.gnu.org/licenses/>.

// Package server exposes the watchtower over HTTP: the read endpoints, the
// chain observer ingest hooks, the counterparty co-signing endpoints, a
// websocket event feed, Prometheus metrics and a small embedded UI.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/stackflow-labs/pipewatch/cosigner"
	"github.com/stackflow-labs/pipewatch/metrics"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 5 << 20

// List endpoint paging.
const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Config wires the server's collaborators.
type Config struct {
	Host string
	Port int

	Network  params.Network
	Core     *watchtower.Core
	CoSigner *cosigner.Service
	Metrics  *metrics.Metrics

	// CORSOrigins defaults to allowing any origin; browser wallets talk to
	// the watchtower from arbitrary dapp origins.
	CORSOrigins []string
}

// Server is the HTTP front end. Start and Shutdown bracket its lifetime.
type Server struct {
	cfg      Config
	handler  http.Handler
	httpSrv  *http.Server
	listener net.Listener
	hub      *wsHub
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, hub: newWSHub()}

	mux := http.NewServeMux()
	s.routes(mux)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(http.MaxBytesHandler(mux, maxBodyBytes))
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.HandleFunc("/closures", s.instrument("/closures", s.handleClosures))
	mux.HandleFunc("/signature-states", s.instrument("/signature-states", s.handleSignatureStates))
	mux.HandleFunc("/pipes", s.instrument("/pipes", s.handlePipes))
	mux.HandleFunc("/dispute-attempts", s.instrument("/dispute-attempts", s.handleDisputeAttempts))
	mux.HandleFunc("/events", s.instrument("/events", s.handleEvents))

	mux.HandleFunc("/counterparty/transfer", s.instrument("/counterparty/transfer", s.handleCounterpartyTransfer))
	mux.HandleFunc("/counterparty/signature-request", s.instrument("/counterparty/signature-request", s.handleCounterpartySignatureRequest))

	mux.HandleFunc("/new_block", s.instrument("/new_block", s.handleNewBlock))
	mux.HandleFunc("/new_burn_block", s.instrument("/new_burn_block", s.handleNewBurnBlock))
	for _, path := range []string{"/new_mempool_tx", "/drop_mempool_tx", "/new_microblocks", "/attachments/new"} {
		mux.HandleFunc(path, s.instrument(path, s.handleIgnored))
	}

	mux.HandleFunc("/ws", s.hub.handleUpgrade)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	mux.HandleFunc("/app", s.handleUI)
	mux.HandleFunc("/app/", s.handleUI)
	mux.HandleFunc("/", s.instrument("/", s.handleNotFound))
}

// instrument counts requests per route and status code.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.cfg.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Handler returns the assembled handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()
	log.Infof("HTTP server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the websocket feed and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
