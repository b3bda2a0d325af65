// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

// Package api serves the loopback HTTP interface over the capture
// history: health, history listing and lookup, aggregate stats,
// analyzer findings, self metrics, and transaction ingest.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/canhieu/proxybridge/pkg/analyze"
	"github.com/canhieu/proxybridge/pkg/config"
	"github.com/canhieu/proxybridge/pkg/decode"
	"github.com/canhieu/proxybridge/pkg/history"
	"github.com/canhieu/proxybridge/pkg/metrics"
)

// CaptureFunc ingests one raw transaction and returns the assigned
// history index.
type CaptureFunc func(rawReq, rawResp []byte, meta decode.Meta) (int, error)

// Server is the loopback query server. It only reads the store; the
// single optional write path is the ingest endpoint, which delegates to
// the configured CaptureFunc.
type Server struct {
	logger  *zap.Logger
	store   *history.Store
	stats   *metrics.Stats
	version string
	addr    string
	server  *http.Server

	analyzer  func() *analyze.Analyzer
	collector *metrics.SelfCollector
	onCapture CaptureFunc
}

// NewServer creates a query server bound to addr. addr must be a
// loopback address; Start refuses anything else.
func NewServer(addr, version string, store *history.Store, stats *metrics.Stats, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		store:   store,
		stats:   stats,
		logger:  logger,
	}
}

// SetAnalyzer provides the findings endpoint with an analyzer source.
// The function is called per request so hot-swapped rule sets take
// effect without a restart.
func (s *Server) SetAnalyzer(fn func() *analyze.Analyzer) {
	s.analyzer = fn
}

// SetCollector attaches a process collector whose samples are appended
// to the metrics endpoint output.
func (s *Server) SetCollector(c *metrics.SelfCollector) {
	s.collector = c
}

// SetCaptureFunc enables the ingest endpoint.
func (s *Server) SetCaptureFunc(fn CaptureFunc) {
	s.onCapture = fn
}

// Start begins serving. It fails fast on a non-loopback address: the
// server carries no authentication.
func (s *Server) Start(_ context.Context) error {
	if err := config.ValidateLoopback(s.addr); err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()

	s.logger.Info("api server started", zap.String("addr", s.addr))
	return nil
}

// routes builds the request mux. The root pattern is a catch-all so
// unknown paths answer the JSON error body instead of the stdlib
// text/plain 404 page.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.wrap(s.handleNotFound))
	mux.HandleFunc("/health", s.wrap(s.handleHealth))
	mux.HandleFunc("/history", s.wrap(s.handleHistory))
	mux.HandleFunc("/history/", s.wrap(s.handleHistoryEntry))
	mux.HandleFunc("/stats", s.wrap(s.handleStats))
	mux.HandleFunc("/findings", s.wrap(s.handleFindings))
	mux.HandleFunc("/metrics", s.wrap(s.handleMetrics))
	mux.HandleFunc("/capture", s.wrap(s.handleCapture))
	return mux
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// wrap applies the per-request plumbing: request counting, CORS,
// preflight, and panic containment. A panicking handler answers 500 and
// the listener keeps serving.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.stats.APIRequests.Add(1)
		s.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		h(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.stats.APIErrors.Add(1)
	s.writeJSON(w, status, map[string]string{"error": msg})
}
