// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

// Package bridge wires the capture store, decoder, analyzer, query
// server, and exporters into one embeddable unit. The host proxy hands
// raw transactions to OnTransaction; everything else hangs off that.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/canhieu/proxybridge/pkg/analyze"
	"github.com/canhieu/proxybridge/pkg/api"
	"github.com/canhieu/proxybridge/pkg/config"
	"github.com/canhieu/proxybridge/pkg/decode"
	"github.com/canhieu/proxybridge/pkg/export"
	"github.com/canhieu/proxybridge/pkg/history"
	"github.com/canhieu/proxybridge/pkg/metrics"
)

// Bridge is the main orchestrator. Config and analyzer are stored as
// atomic pointers so reloads never block the capture path.
type Bridge struct {
	cfg      atomic.Pointer[config.Config]
	analyzer atomic.Pointer[analyze.Analyzer]
	logger   *zap.Logger
	version  string

	store     *history.Store
	stats     *metrics.Stats
	apiServer *api.Server
	exporter  *export.Manager
	collector *metrics.SelfCollector

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge from configuration.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Bridge, error) {
	b := &Bridge{
		logger:  logger,
		version: version,
		store:   history.NewStore(cfg.History.MaxEntries),
		stats:   metrics.NewStats(),
	}
	b.cfg.Store(cfg)
	b.analyzer.Store(buildAnalyzer(cfg, logger))

	b.exporter = export.NewManager(&cfg.Exporters, version, b.stats, logger)

	b.apiServer = api.NewServer(cfg.API.Addr, version, b.store, b.stats, logger)
	b.apiServer.SetAnalyzer(b.Analyzer)
	b.apiServer.SetCaptureFunc(b.ingest)

	return b, nil
}

// buildAnalyzer compiles the configured rule set. Returns nil when the
// analyzer is disabled.
func buildAnalyzer(cfg *config.Config, logger *zap.Logger) *analyze.Analyzer {
	if !cfg.Analyzer.Enabled {
		return nil
	}
	var extra []analyze.Rule
	for _, r := range cfg.Analyzer.Rules {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			logger.Warn("invalid analyzer rule pattern", zap.String("name", r.Name), zap.Error(err))
			continue
		}
		severity, err := analyze.ParseSeverity(r.Severity)
		if err != nil {
			severity = analyze.SeverityInfo
		}
		extra = append(extra, &analyze.RegexRule{
			RuleName:     r.Name,
			RuleSeverity: severity,
			Target:       r.Target,
			Pattern:      pattern,
		})
	}
	return analyze.New(logger, extra...)
}

// Start brings up the exporter, the process collector, and the query
// server.
func (b *Bridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.ctx = ctx
	b.cancel = cancel

	cfg := b.cfg.Load()

	if err := b.exporter.Start(ctx); err != nil {
		return fmt.Errorf("start exporter: %w", err)
	}

	collector, err := metrics.NewSelfCollector(b.logger)
	if err != nil {
		b.logger.Warn("process collector unavailable", zap.Error(err))
	} else {
		b.collector = collector
		b.collector.Start(ctx, cfg.Metrics.Interval)
		b.apiServer.SetCollector(collector)
	}

	if err := b.apiServer.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	b.logger.Info("bridge started",
		zap.String("addr", cfg.API.Addr),
		zap.Int("max_entries", cfg.History.MaxEntries),
		zap.Bool("analyzer", cfg.Analyzer.Enabled),
	)
	return nil
}

// Stop shuts everything down gracefully.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if err := b.apiServer.Stop(); err != nil {
		b.logger.Warn("api server stop error", zap.Error(err))
	}
	if b.collector != nil {
		b.collector.Stop()
	}
	if err := b.exporter.Stop(); err != nil {
		b.logger.Warn("exporter stop error", zap.Error(err))
	}

	b.logger.Info("bridge stopped",
		zap.Int64("captures", b.stats.Captures.Load()),
		zap.Int("held", b.store.Len()),
	)
	return nil
}

// OnTransaction is the capture callback handed to the host proxy. It is
// safe for concurrent use and never panics: a capture that cannot be
// decoded is stored with sentinel fields instead. Returns the assigned
// history index.
func (b *Bridge) OnTransaction(rawReq, rawResp []byte, meta decode.Meta) (index int) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("capture callback panic", zap.Any("panic", rec))
			index = -1
		}
	}()

	entry, ok := decode.Transaction(rawReq, rawResp, meta)
	if !ok {
		b.stats.DecodeFallbacks.Add(1)
	}

	index = b.store.Append(entry)
	b.stats.Captures.Add(1)
	b.stats.Evictions.Store(b.store.Evicted())

	b.exporter.Enqueue(entry)
	return index
}

// errCaptureFailed reports a capture the callback could not store.
var errCaptureFailed = errors.New("capture failed")

// ingest adapts OnTransaction for the query server's ingest endpoint.
// OnTransaction swallows internal panics and reports them as a negative
// index; that becomes an error here so the endpoint answers 500 instead
// of a bogus index.
func (b *Bridge) ingest(rawReq, rawResp []byte, meta decode.Meta) (int, error) {
	index := b.OnTransaction(rawReq, rawResp, meta)
	if index < 0 {
		return 0, errCaptureFailed
	}
	return index, nil
}

// Analyzer returns the current analyzer, or nil when disabled.
func (b *Bridge) Analyzer() *analyze.Analyzer {
	return b.analyzer.Load()
}

// Store exposes the capture history for embedding hosts.
func (b *Bridge) Store() *history.Store {
	return b.store
}

// Findings runs the current rule set over the whole history.
func (b *Bridge) Findings() []analyze.Finding {
	a := b.Analyzer()
	if a == nil {
		return nil
	}
	findings := a.Analyze(b.store.Snapshot())
	b.stats.FindingsTotal.Store(int64(len(findings)))
	return findings
}

// Reload applies a validated configuration. The analyzer rule set and
// log level take effect immediately; the listen address and history cap
// require a restart.
func (b *Bridge) Reload(cfg *config.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldCfg := b.cfg.Load()
	b.cfg.Store(cfg)

	b.analyzer.Store(buildAnalyzer(cfg, b.logger))

	if cfg.API.Addr != oldCfg.API.Addr {
		b.logger.Warn("api.addr changed in config; restart required to apply",
			zap.String("current", oldCfg.API.Addr),
			zap.String("configured", cfg.API.Addr),
		)
	}
	if cfg.History.MaxEntries != oldCfg.History.MaxEntries {
		b.logger.Warn("history.max_entries changed in config; restart required to apply")
	}

	b.logger.Info("configuration reloaded",
		zap.Bool("analyzer", cfg.Analyzer.Enabled),
		zap.Int("custom_rules", len(cfg.Analyzer.Rules)),
	)
}
