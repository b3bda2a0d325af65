// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canhieu/proxybridge/pkg/analyze"
	"github.com/canhieu/proxybridge/pkg/decode"
	"github.com/canhieu/proxybridge/pkg/history"
)

// maxIngestBody bounds the ingest request size. Raw captures larger
// than this are rejected rather than buffered.
const maxIngestBody = 16 << 20

// entryJSON is the wire form of a history entry. Request and Response
// ride as base64; StatusCode is null when no response was captured.
type entryJSON struct {
	Index      int       `json:"index"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Protocol   string    `json:"protocol"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode *int      `json:"status_code"`
	Headers    []string  `json:"headers"`
	Request    []byte    `json:"request"`
	Response   []byte    `json:"response"`
	CapturedAt time.Time `json:"captured_at"`
}

func toWire(e *history.Entry) entryJSON {
	out := entryJSON{
		Index:      e.Index,
		Host:       e.Host,
		Port:       e.Port,
		Protocol:   e.Protocol,
		Method:     e.Method,
		URL:        e.URL,
		Headers:    e.Headers,
		Request:    e.Request,
		Response:   e.Response,
		CapturedAt: e.CapturedAt,
	}
	if e.StatusCode != 0 {
		code := e.StatusCode
		out.StatusCode = &code
	}
	if out.Headers == nil {
		out.Headers = []string{}
	}
	if out.Request == nil {
		out.Request = []byte{}
	}
	return out
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusNotFound, "not found")
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	snap := s.store.Snapshot()
	out := make([]entryJSON, 0, len(snap))
	for _, e := range snap {
		out = append(out, toWire(e))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/history/")
	if rest == "" || strings.Contains(rest, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	index, err := strconv.Atoi(rest)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid index")
		return
	}
	e, err := s.store.Get(index)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toWire(e))
}

type statsResponse struct {
	TotalCount int            `json:"total_count"`
	PerHost    map[string]int `json:"per_host_counts"`
	PerStatus  map[int]int    `json:"per_status_counts"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	st := s.store.Stats()
	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalCount: st.TotalCount,
		PerHost:    st.PerHost,
		PerStatus:  st.PerStatus,
	})
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	findings := []analyze.Finding{}
	if s.analyzer != nil {
		if a := s.analyzer(); a != nil {
			findings = append(findings, a.Analyze(s.store.Snapshot())...)
		}
	}
	s.stats.FindingsTotal.Store(int64(len(findings)))
	s.writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
	if s.collector != nil {
		w.Write([]byte(s.collector.PrometheusMetrics()))
	}
}

// captureRequest is the ingest wire format: raw transaction bytes as
// base64 plus connection metadata.
type captureRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Request  []byte `json:"request"`
	Response []byte `json:"response"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || s.onCapture == nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxIngestBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "capture too large")
		return
	}

	var req captureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Host == "" {
		s.writeError(w, http.StatusBadRequest, "host is required")
		return
	}

	index, err := s.onCapture(req.Request, req.Response, decode.Meta{
		Host:     req.Host,
		Port:     req.Port,
		Protocol: req.Protocol,
	})
	if err != nil {
		s.logger.Warn("capture rejected", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "capture failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{"index": index})
}
