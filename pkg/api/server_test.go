// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/canhieu/proxybridge/pkg/analyze"
	"github.com/canhieu/proxybridge/pkg/decode"
	"github.com/canhieu/proxybridge/pkg/history"
	"github.com/canhieu/proxybridge/pkg/metrics"
)

func newTestServer(store *history.Store) *Server {
	return NewServer("127.0.0.1:0", "1.0.0-test", store, metrics.NewStats(), zap.NewNop())
}

func seedEntry(t *testing.T, store *history.Store, rawReq, rawResp []byte) *history.Entry {
	t.Helper()
	e, _ := decode.Transaction(rawReq, rawResp, decode.Meta{
		Host: "example.com", Port: 443, Protocol: "https",
	})
	store.Append(e)
	return e
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(history.NewStore(10))

	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var hr healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "ok" {
		t.Errorf("expected status=ok, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	srv := newTestServer(history.NewStore(10))

	w := httptest.NewRecorder()
	srv.handleHistory(w, httptest.NewRequest("GET", "/history", nil))

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty history must serialize as [], got %q", got)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	store := history.NewStore(10)
	rawReq := []byte("GET /login?user=bob HTTP/1.1\r\nHost: example.com\r\n\r\n")
	rawResp := []byte("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\nwelcome")
	seedEntry(t, store, rawReq, rawResp)

	srv := newTestServer(store)
	w := httptest.NewRecorder()
	srv.handleHistoryEntry(w, httptest.NewRequest("GET", "/history/0", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got entryJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	// json unmarshal decodes the base64 back into raw bytes
	if !bytes.Equal(got.Request, rawReq) {
		t.Error("request bytes did not round-trip through base64")
	}
	if !bytes.Equal(got.Response, rawResp) {
		t.Error("response bytes did not round-trip through base64")
	}
	if got.StatusCode == nil || *got.StatusCode != 200 {
		t.Errorf("status_code: got %v", got.StatusCode)
	}
	if got.Method != "GET" || got.Host != "example.com" {
		t.Errorf("decoded fields: method=%q host=%q", got.Method, got.Host)
	}
	if len(got.Headers) == 0 || !strings.HasPrefix(got.Headers[0], "GET ") {
		t.Errorf("headers must start with the request line, got %v", got.Headers)
	}
}

func TestHistoryEntryNoResponse(t *testing.T) {
	store := history.NewStore(10)
	seedEntry(t, store, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), nil)

	srv := newTestServer(store)
	w := httptest.NewRecorder()
	srv.handleHistoryEntry(w, httptest.NewRequest("GET", "/history/0", nil))

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if raw["status_code"] != nil {
		t.Errorf("status_code must be null without a response, got %v", raw["status_code"])
	}
	if raw["response"] != nil {
		t.Errorf("response must be null when absent, got %v", raw["response"])
	}
}

func TestHistoryEntryBadIndex(t *testing.T) {
	srv := newTestServer(history.NewStore(10))

	w := httptest.NewRecorder()
	srv.handleHistoryEntry(w, httptest.NewRequest("GET", "/history/abc", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "invalid index" {
		t.Errorf("error body: got %q", body["error"])
	}
}

func TestHistoryEntryNotFound(t *testing.T) {
	store := history.NewStore(10)
	seedEntry(t, store, []byte("GET / HTTP/1.1\r\n\r\n"), nil)
	seedEntry(t, store, []byte("GET /a HTTP/1.1\r\n\r\n"), nil)
	seedEntry(t, store, []byte("GET /b HTTP/1.1\r\n\r\n"), nil)

	srv := newTestServer(store)
	w := httptest.NewRecorder()
	srv.handleHistoryEntry(w, httptest.NewRequest("GET", "/history/5", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "not found" {
		t.Errorf(`expected {"error": "not found"}, got %q`, body["error"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	store := history.NewStore(10)
	seedEntry(t, store, []byte("GET / HTTP/1.1\r\nHost: a.com\r\n\r\n"),
		[]byte("HTTP/1.1 200 OK\r\n\r\n"))
	seedEntry(t, store, []byte("GET / HTTP/1.1\r\nHost: a.com\r\n\r\n"),
		[]byte("HTTP/1.1 404 Not Found\r\n\r\n"))

	srv := newTestServer(store)
	w := httptest.NewRecorder()
	srv.handleStats(w, httptest.NewRequest("GET", "/stats", nil))

	var st statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.TotalCount != 2 {
		t.Errorf("total_count: got %d", st.TotalCount)
	}
	if st.PerHost["example.com"] != 2 {
		t.Errorf("per_host_counts: got %v", st.PerHost)
	}
	if st.PerStatus[200] != 1 || st.PerStatus[404] != 1 {
		t.Errorf("per_status_counts: got %v", st.PerStatus)
	}
}

func TestFindingsEndpoint(t *testing.T) {
	store := history.NewStore(10)
	seedEntry(t, store, []byte("GET /fetch?url=http://evil/ HTTP/1.1\r\n\r\n"), nil)

	srv := newTestServer(store)
	analyzer := analyze.New(zap.NewNop())
	srv.SetAnalyzer(func() *analyze.Analyzer { return analyzer })

	w := httptest.NewRecorder()
	srv.handleFindings(w, httptest.NewRequest("GET", "/findings", nil))

	var findings []analyze.Finding
	if err := json.Unmarshal(w.Body.Bytes(), &findings); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range findings {
		if f.Type == "potential-ssrf" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an SSRF finding, got %+v", findings)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(history.NewStore(10))
	srv.stats.Captures.Add(4)

	w := httptest.NewRecorder()
	srv.handleMetrics(w, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(w.Body.String(), "proxybridge_captures_total 4") {
		t.Errorf("expected captures counter in output:\n%s", w.Body.String())
	}
}

func TestCaptureIngest(t *testing.T) {
	store := history.NewStore(10)
	srv := newTestServer(store)
	srv.SetCaptureFunc(func(rawReq, rawResp []byte, meta decode.Meta) (int, error) {
		e, _ := decode.Transaction(rawReq, rawResp, meta)
		return store.Append(e), nil
	})

	payload, _ := json.Marshal(captureRequest{
		Host:     "example.com",
		Port:     80,
		Protocol: "http",
		Request:  []byte("GET /x HTTP/1.1\r\nHost: example.com\r\n\r\n"),
	})

	w := httptest.NewRecorder()
	srv.handleCapture(w, httptest.NewRequest("POST", "/capture", bytes.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["index"] != 0 {
		t.Errorf("index: got %d", resp["index"])
	}
	if store.Len() != 1 {
		t.Errorf("store should hold the ingested entry, got %d", store.Len())
	}
}

func TestCaptureRejectsBadBody(t *testing.T) {
	srv := newTestServer(history.NewStore(10))
	srv.SetCaptureFunc(func(_, _ []byte, _ decode.Meta) (int, error) { return 0, nil })

	w := httptest.NewRecorder()
	srv.handleCapture(w, httptest.NewRequest("POST", "/capture", strings.NewReader("{nope")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.handleCapture(w, httptest.NewRequest("POST", "/capture", strings.NewReader(`{"port":80}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing host, got %d", w.Code)
	}
}

func TestUnknownPathIsJSON404(t *testing.T) {
	srv := newTestServer(history.NewStore(10))

	for _, path := range []string{"/", "/nope", "/history.json"} {
		w := httptest.NewRecorder()
		srv.routes().ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: expected JSON error body, got content-type %q", path, ct)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
		if body["error"] != "not found" {
			t.Errorf("%s: error body: got %q", path, body["error"])
		}
	}
}

func TestCaptureFuncErrorIs500(t *testing.T) {
	srv := newTestServer(history.NewStore(10))
	srv.SetCaptureFunc(func(_, _ []byte, _ decode.Meta) (int, error) {
		return 0, errors.New("capture unavailable")
	})

	payload, _ := json.Marshal(captureRequest{Host: "example.com"})
	w := httptest.NewRecorder()
	srv.handleCapture(w, httptest.NewRequest("POST", "/capture", bytes.NewReader(payload)))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "capture failed" {
		t.Errorf("error body: got %q", body["error"])
	}
}

func TestUnsupportedMethodIs404(t *testing.T) {
	srv := newTestServer(history.NewStore(10))

	w := httptest.NewRecorder()
	srv.handleHistory(w, httptest.NewRequest("POST", "/history", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("POST /history: expected 404, got %d", w.Code)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(history.NewStore(10))
	h := srv.wrap(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/history", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("error body: got %q", body["error"])
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(history.NewStore(10))
	h := srv.wrap(srv.handleHistory)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("OPTIONS", "/history", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}
}

func TestRequestCounting(t *testing.T) {
	srv := newTestServer(history.NewStore(10))
	h := srv.wrap(srv.handleHealth)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest("GET", "/health", nil))
	}
	if got := srv.stats.APIRequests.Load(); got != 3 {
		t.Errorf("api request counter: got %d", got)
	}
}

func TestStartRefusesNonLoopback(t *testing.T) {
	srv := NewServer("0.0.0.0:0", "test", history.NewStore(10), metrics.NewStats(), zap.NewNop())
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("expected error for non-loopback address")
	}
}

func TestServerStartStop(t *testing.T) {
	srv := newTestServer(history.NewStore(10))

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
