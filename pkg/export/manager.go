// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

// Package export ships captured transactions to external sinks: an OTLP
// collector over gRPC, or stdout for debugging. Export is best-effort
// and never blocks the capture path.
package export

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canhieu/proxybridge/pkg/config"
	"github.com/canhieu/proxybridge/pkg/history"
	"github.com/canhieu/proxybridge/pkg/metrics"
)

// Exporter is the interface for capture sinks.
type Exporter interface {
	ExportEntries(ctx context.Context, entries []*history.Entry) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 1000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches captured entries and fans them out to the configured
// exporters. Enqueue never blocks: when the queue is full the entry is
// dropped and counted.
type Manager struct {
	logger    *zap.Logger
	stats     *metrics.Stats
	exporters []Exporter

	entryCh chan *history.Entry

	batchSize     int
	flushInterval time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager creates an export manager from configuration. A manager
// with no enabled exporters is valid; Enqueue becomes a cheap no-op.
func NewManager(cfg *config.ExportersConfig, version string, stats *metrics.Stats, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:        logger,
		stats:         stats,
		entryCh:       make(chan *history.Entry, defaultChannelSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stopCh:        make(chan struct{}),
	}

	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, version, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}

	return m
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.exporters) == 0 {
		return nil
	}

	m.wg.Add(1)
	go m.process(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes remaining entries and shuts down exporters.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("exported", m.stats.Exported.Load()),
		zap.Int64("dropped", m.stats.ExportDropped.Load()),
	)
	return nil
}

// Enqueue queues an entry for export.
func (m *Manager) Enqueue(e *history.Entry) {
	if len(m.exporters) == 0 {
		return
	}
	select {
	case m.entryCh <- e:
	default:
		m.stats.ExportDropped.Add(1)
		m.logger.Warn("export queue full, dropping entry", zap.Int("index", e.Index))
	}
}

func (m *Manager) process(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*history.Entry, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-m.entryCh:
			batch = append(batch, e)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			// Drain remaining
			for {
				select {
				case e := <-m.entryCh:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						m.flush(ctx, batch)
					}
					return
				}
			}

		case <-ctx.Done():
			for {
				select {
				case e := <-m.entryCh:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						m.flush(context.Background(), batch)
					}
					return
				}
			}
		}
	}
}

// flush fans the batch out to every exporter. Entries count as exported
// when at least one sink accepted them, and as dropped only when every
// sink exhausted its retries.
func (m *Manager) flush(ctx context.Context, entries []*history.Entry) {
	delivered := false
	for _, exp := range m.exporters {
		err := m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportEntries(expCtx, entries)
		})
		if err == nil {
			delivered = true
		}
	}
	if delivered {
		m.stats.Exported.Add(int64(len(entries)))
	} else {
		m.stats.ExportDropped.Add(int64(len(entries)))
	}
}

// retryExport attempts an export with exponential backoff, returning the
// last error once retries are exhausted.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) error {
	backoff := initialBackoff

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = exportFn(exportCtx)
		cancel()

		if err == nil {
			return nil
		}

		if attempt == maxRetries {
			break
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}

	m.logger.Error("export failed after retries",
		zap.Int("attempts", maxRetries+1),
		zap.Error(err),
	)
	return err
}

// QueueDepth returns the current export queue fill level.
func (m *Manager) QueueDepth() int {
	return len(m.entryCh)
}
