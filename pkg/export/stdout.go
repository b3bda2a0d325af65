// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/canhieu/proxybridge/pkg/history"
)

// StdoutExporter prints captured transactions to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	out    io.Writer
	logger *zap.Logger
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		out:    os.Stdout,
		logger: logger,
	}
}

// ExportEntries prints entries to stdout.
func (e *StdoutExporter) ExportEntries(_ context.Context, entries []*history.Entry) error {
	for _, entry := range entries {
		if e.format == "json" {
			e.printJSON(entry)
			continue
		}
		status := "-"
		if entry.StatusCode != 0 {
			status = fmt.Sprintf("%d", entry.StatusCode)
		}
		fmt.Fprintf(e.out,
			"[CAPTURE] #%-6d %-7s %-60s %s %s:%d req=%dB resp=%dB\n",
			entry.Index, entry.Method, entry.URL, status,
			entry.Host, entry.Port,
			len(entry.Request), len(entry.Response),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(entry *history.Entry) {
	data := map[string]interface{}{
		"_type":       "capture",
		"index":       entry.Index,
		"host":        entry.Host,
		"port":        entry.Port,
		"protocol":    entry.Protocol,
		"method":      entry.Method,
		"url":         entry.URL,
		"captured_at": entry.CapturedAt.Format(time.RFC3339Nano),
	}
	if entry.StatusCode != 0 {
		data["status_code"] = entry.StatusCode
	}
	b, err := json.Marshal(data)
	if err != nil {
		e.logger.Warn("stdout export marshal failed", zap.Error(err))
		return
	}
	fmt.Fprintf(e.out, "%s\n", b)
}
