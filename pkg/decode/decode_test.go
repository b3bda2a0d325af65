// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package decode

import (
	"bytes"
	"testing"
)

var sampleRequest = []byte("GET /search?q=hello HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"User-Agent: test-client\r\n" +
	"Accept: */*\r\n" +
	"\r\n")

var sampleResponse = []byte("HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/html\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"hello")

func TestTransactionFullParse(t *testing.T) {
	e, ok := Transaction(sampleRequest, sampleResponse, Meta{Host: "example.com", Port: 443, Protocol: "https"})
	if !ok {
		t.Fatal("expected clean parse")
	}
	if e.Method != "GET" {
		t.Errorf("method: got %q", e.Method)
	}
	if e.URL != "https://example.com/search?q=hello" {
		t.Errorf("url: got %q", e.URL)
	}
	if e.StatusCode != 200 {
		t.Errorf("status: got %d", e.StatusCode)
	}
	if e.Protocol != "https" || e.Host != "example.com" || e.Port != 443 {
		t.Errorf("meta not carried: %+v", e)
	}
}

func TestTransactionPreservesHeaderOrder(t *testing.T) {
	e, _ := Transaction(sampleRequest, nil, Meta{Host: "example.com", Port: 80, Protocol: "http"})

	want := []string{
		"GET /search?q=hello HTTP/1.1",
		"Host: example.com",
		"User-Agent: test-client",
		"Accept: */*",
	}
	if len(e.Headers) != len(want) {
		t.Fatalf("expected %d header lines, got %d: %v", len(want), len(e.Headers), e.Headers)
	}
	for i, line := range want {
		if e.Headers[i] != line {
			t.Errorf("header %d: got %q, want %q", i, e.Headers[i], line)
		}
	}
}

func TestTransactionNonDefaultPort(t *testing.T) {
	e, _ := Transaction(sampleRequest, nil, Meta{Host: "example.com", Port: 8080, Protocol: "http"})
	if e.URL != "http://example.com:8080/search?q=hello" {
		t.Errorf("url: got %q", e.URL)
	}
}

func TestTransactionEmptyRequest(t *testing.T) {
	e, ok := Transaction(nil, nil, Meta{Host: "example.com", Port: 80, Protocol: "http"})
	if ok {
		t.Error("expected degraded parse for empty request")
	}
	if e == nil {
		t.Fatal("empty request must still produce an entry")
	}
	if e.Method != "" || e.URL != "" || e.StatusCode != 0 {
		t.Errorf("expected sentinel fields, got %+v", e)
	}
	if e.Host != "example.com" {
		t.Errorf("metadata lost: %+v", e)
	}
}

func TestTransactionGarbageRequest(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, 0xfe}
	e, ok := Transaction(raw, nil, Meta{Host: "example.com", Port: 80, Protocol: "http"})
	if ok {
		t.Error("expected degraded parse for garbage bytes")
	}
	if !bytes.Equal(e.Request, raw) {
		t.Error("raw request bytes must be preserved unchanged")
	}
}

func TestTransactionRequestLineFallback(t *testing.T) {
	// Parseable request line but truncated headers: ReadRequest fails,
	// the manual fallback still recovers method and target.
	raw := []byte("POST /submit HTTP/1.1\r\nHost: example")
	e, _ := Transaction(raw, nil, Meta{Host: "example.com", Port: 80, Protocol: "http"})
	if e.Method != "POST" {
		t.Errorf("method: got %q", e.Method)
	}
	if e.URL != "http://example.com/submit" {
		t.Errorf("url: got %q", e.URL)
	}
}

func TestTransactionStatusLineFallback(t *testing.T) {
	resp := []byte("HTTP/1.1 503 Service Unavailable\r\nRetry-After")
	e, _ := Transaction(sampleRequest, resp, Meta{Host: "example.com", Port: 80, Protocol: "http"})
	if e.StatusCode != 503 {
		t.Errorf("status: got %d", e.StatusCode)
	}
}

func TestTransactionAbsentResponse(t *testing.T) {
	e, ok := Transaction(sampleRequest, nil, Meta{Host: "example.com", Port: 80, Protocol: "http"})
	if !ok {
		t.Error("request alone should parse cleanly")
	}
	if e.StatusCode != 0 {
		t.Errorf("expected status 0 for absent response, got %d", e.StatusCode)
	}
	if e.Response != nil {
		t.Error("expected nil response bytes")
	}
}

func TestBody(t *testing.T) {
	if got := Body(sampleResponse); string(got) != "hello" {
		t.Errorf("body: got %q", got)
	}
	if got := Body([]byte("no terminator")); got != nil {
		t.Errorf("expected nil body, got %q", got)
	}
}
