// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

// Package decode turns raw intercepted request/response bytes into the
// structured fields of a history entry. It is pure and side-effect free:
// malformed input degrades to sentinel values, it never fails a capture.
package decode

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canhieu/proxybridge/pkg/history"
)

// Meta is the connection metadata supplied by the host tool alongside the
// raw transaction bytes.
type Meta struct {
	Host     string
	Port     int
	Protocol string // "http" or "https"
}

// Transaction decodes one intercepted transaction into a history entry.
// The returned bool is false when the request could not be fully parsed
// and sentinel fields were substituted; the entry is valid either way.
func Transaction(rawReq, rawResp []byte, meta Meta) (*history.Entry, bool) {
	e := &history.Entry{
		Host:       meta.Host,
		Port:       meta.Port,
		Protocol:   normalizeProtocol(meta.Protocol),
		Headers:    headerLines(rawReq),
		Request:    rawReq,
		Response:   rawResp,
		CapturedAt: time.Now(),
	}

	ok := true

	if len(rawReq) > 0 {
		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(rawReq)))
		if err == nil {
			e.Method = req.Method
			e.URL = buildURL(e.Protocol, meta.Host, meta.Port, req.URL.RequestURI())
			req.Body.Close()
		} else {
			// Fallback: parse the request line manually.
			method, target, lineOK := requestLine(rawReq)
			if lineOK {
				e.Method = method
				e.URL = buildURL(e.Protocol, meta.Host, meta.Port, target)
			} else {
				ok = false
			}
		}
	} else {
		ok = false
	}

	if len(rawResp) > 0 {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rawResp)), nil)
		if err == nil {
			e.StatusCode = resp.StatusCode
			resp.Body.Close()
		} else {
			// Fallback: parse the status line.
			if code, lineOK := statusLine(rawResp); lineOK {
				e.StatusCode = code
			}
		}
	}

	return e, ok
}

// Body returns the payload following the header block of a raw HTTP
// message, or nil when no header terminator is present.
func Body(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[idx+4:]
	}
	return nil
}

// headerLines splits the header block of a raw request into individual
// lines, request line included, preserving order and casing exactly.
func headerLines(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	head := raw
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		head = raw[:idx]
	}
	var lines []string
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	return lines
}

func requestLine(raw []byte) (method, target string, ok bool) {
	idx := bytes.Index(raw, []byte("\r\n"))
	if idx < 0 {
		idx = len(raw)
	}
	parts := strings.SplitN(string(raw[:idx]), " ", 3)
	if len(parts) < 2 || parts[0] == "" {
		return "", "", false
	}
	// Reject request lines whose method is not a plausible token.
	for _, r := range parts[0] {
		if r < 'A' || r > 'Z' {
			return "", "", false
		}
	}
	return parts[0], parts[1], true
}

func statusLine(raw []byte) (int, bool) {
	idx := bytes.Index(raw, []byte("\r\n"))
	if idx < 0 {
		idx = len(raw)
	}
	line := string(raw[:idx])
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, false
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

// buildURL reconstructs the full URL from connection metadata and the
// request target. Absolute-form targets (proxy style) are used as-is.
func buildURL(protocol, host string, port int, target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	hostPort := host
	if port != 0 && !isDefaultPort(protocol, port) {
		hostPort = host + ":" + strconv.Itoa(port)
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return protocol + "://" + hostPort + target
}

func isDefaultPort(protocol string, port int) bool {
	switch protocol {
	case history.ProtocolHTTPS:
		return port == 443
	default:
		return port == 80
	}
}

func normalizeProtocol(p string) string {
	if strings.EqualFold(p, history.ProtocolHTTPS) {
		return history.ProtocolHTTPS
	}
	return history.ProtocolHTTP
}
