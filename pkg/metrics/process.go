// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Sample is one point-in-time reading of the bridge's own process.
type Sample struct {
	CPUPercent float64
	MemoryRSS  uint64
	MemoryVMS  uint64
	Threads    int32
	FDs        int32
	SampledAt  time.Time
}

// SelfCollector periodically samples the bridge's own process via /proc.
type SelfCollector struct {
	logger *zap.Logger
	proc   *process.Process

	mu     sync.RWMutex
	latest Sample

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSelfCollector creates a collector bound to the current PID.
func NewSelfCollector(logger *zap.Logger) (*SelfCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SelfCollector{
		logger: logger,
		proc:   proc,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins periodic sampling.
func (sc *SelfCollector) Start(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 15 * time.Second
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Collect once immediately
		sc.collect()

		for {
			select {
			case <-ticker.C:
				sc.collect()
			case <-sc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	sc.logger.Info("process collector started", zap.Duration("interval", interval))
}

// Stop halts sampling.
func (sc *SelfCollector) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopCh) })
	sc.wg.Wait()
}

// Latest returns the most recent sample. The zero Sample is returned
// before the first collection completes.
func (sc *SelfCollector) Latest() Sample {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.latest
}

func (sc *SelfCollector) collect() {
	sample := Sample{SampledAt: time.Now()}

	if cpuPct, err := sc.proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpuPct
	}
	if memInfo, err := sc.proc.MemoryInfo(); err == nil {
		sample.MemoryRSS = memInfo.RSS
		sample.MemoryVMS = memInfo.VMS
	}
	if threads, err := sc.proc.NumThreads(); err == nil {
		sample.Threads = threads
	}
	if fds, err := sc.proc.NumFDs(); err == nil {
		sample.FDs = fds
	} else {
		sc.logger.Debug("fd count unavailable", zap.Error(err))
	}

	sc.mu.Lock()
	sc.latest = sample
	sc.mu.Unlock()
}

// PrometheusMetrics renders the latest process sample in Prometheus text
// exposition format. Returns an empty string before the first sample.
func (sc *SelfCollector) PrometheusMetrics() string {
	sample := sc.Latest()
	if sample.SampledAt.IsZero() {
		return ""
	}

	var b []byte
	b = appendMetric(b, "proxybridge_process_cpu_percent", "gauge", "Process CPU usage percent", sample.CPUPercent)
	b = appendMetric(b, "proxybridge_process_memory_rss_bytes", "gauge", "Process resident set size in bytes", float64(sample.MemoryRSS))
	b = appendMetric(b, "proxybridge_process_memory_vms_bytes", "gauge", "Process virtual memory size in bytes", float64(sample.MemoryVMS))
	b = appendMetric(b, "proxybridge_process_threads", "gauge", "Process thread count", float64(sample.Threads))
	b = appendMetric(b, "proxybridge_process_open_fds", "gauge", "Process open file descriptor count", float64(sample.FDs))
	return string(b)
}
