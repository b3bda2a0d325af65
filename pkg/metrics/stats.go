// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

// Package metrics tracks self-monitoring counters for the bridge and
// renders them in Prometheus text exposition format.
package metrics

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the bridge.
type Stats struct {
	startTime time.Time

	Captures        atomic.Int64
	DecodeFallbacks atomic.Int64
	Evictions       atomic.Int64
	APIRequests     atomic.Int64
	APIErrors       atomic.Int64
	Exported        atomic.Int64
	ExportDropped   atomic.Int64
	FindingsTotal   atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns time since the bridge started.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds   float64
	Goroutines      int
	MemoryBytes     uint64
	Captures        int64
	DecodeFallbacks int64
	Evictions       int64
	APIRequests     int64
	APIErrors       int64
	Exported        int64
	ExportDropped   int64
	FindingsTotal   int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:   s.Uptime().Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		MemoryBytes:     memStats.Sys,
		Captures:        s.Captures.Load(),
		DecodeFallbacks: s.DecodeFallbacks.Load(),
		Evictions:       s.Evictions.Load(),
		APIRequests:     s.APIRequests.Load(),
		APIErrors:       s.APIErrors.Load(),
		Exported:        s.Exported.Load(),
		ExportDropped:   s.ExportDropped.Load(),
		FindingsTotal:   s.FindingsTotal.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "proxybridge_uptime_seconds", "gauge", "Bridge uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "proxybridge_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "proxybridge_memory_bytes", "gauge", "Memory obtained from the OS in bytes", float64(snap.MemoryBytes))
	b = appendMetric(b, "proxybridge_captures_total", "counter", "Total transactions captured", float64(snap.Captures))
	b = appendMetric(b, "proxybridge_decode_fallbacks_total", "counter", "Total captures stored with degraded decoding", float64(snap.DecodeFallbacks))
	b = appendMetric(b, "proxybridge_evictions_total", "counter", "Total entries evicted from the history", float64(snap.Evictions))
	b = appendMetric(b, "proxybridge_api_requests_total", "counter", "Total API requests served", float64(snap.APIRequests))
	b = appendMetric(b, "proxybridge_api_errors_total", "counter", "Total API requests answered with an error", float64(snap.APIErrors))
	b = appendMetric(b, "proxybridge_exported_total", "counter", "Total captures exported", float64(snap.Exported))
	b = appendMetric(b, "proxybridge_export_dropped_total", "counter", "Total captures dropped by the export queue", float64(snap.ExportDropped))
	b = appendMetric(b, "proxybridge_findings_total", "counter", "Total analyzer findings produced", float64(snap.FindingsTotal))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	// Use simple formatting; avoid importing strconv for this
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	// Simple 6 decimal place formatting
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	// Trim trailing zeros after decimal
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
