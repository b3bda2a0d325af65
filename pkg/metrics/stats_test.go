// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package metrics

import (
	"strings"
	"testing"
)

func TestSnapshotCounters(t *testing.T) {
	s := NewStats()
	s.Captures.Add(5)
	s.APIRequests.Add(3)
	s.APIErrors.Add(1)
	s.ExportDropped.Add(2)

	snap := s.Snapshot()
	if snap.Captures != 5 {
		t.Errorf("captures: got %d", snap.Captures)
	}
	if snap.APIRequests != 3 || snap.APIErrors != 1 {
		t.Errorf("api counters: got %d/%d", snap.APIRequests, snap.APIErrors)
	}
	if snap.ExportDropped != 2 {
		t.Errorf("dropped: got %d", snap.ExportDropped)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("uptime must be non-negative, got %f", snap.UptimeSeconds)
	}
	if snap.Goroutines <= 0 {
		t.Errorf("goroutines: got %d", snap.Goroutines)
	}
}

func TestPrometheusFormat(t *testing.T) {
	s := NewStats()
	s.Captures.Add(7)

	out := s.PrometheusMetrics()
	if !strings.Contains(out, "# TYPE proxybridge_captures_total counter") {
		t.Error("missing TYPE line for captures counter")
	}
	if !strings.Contains(out, "proxybridge_captures_total 7\n") {
		t.Errorf("missing captures sample, output:\n%s", out)
	}
	if !strings.Contains(out, "# HELP proxybridge_uptime_seconds ") {
		t.Error("missing HELP line for uptime gauge")
	}
}

func TestIntToStr(t *testing.T) {
	cases := map[int64]string{
		0:     "0",
		7:     "7",
		12345: "12345",
		-42:   "-42",
	}
	for in, want := range cases {
		if got := intToStr(in); got != want {
			t.Errorf("intToStr(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFloatToStr(t *testing.T) {
	if got := floatToStr(1.5); got != "1.5" {
		t.Errorf("floatToStr(1.5) = %q", got)
	}
	if got := floatToStr(0.25); got != "0.25" {
		t.Errorf("floatToStr(0.25) = %q", got)
	}
}
