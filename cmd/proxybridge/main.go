// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/canhieu/proxybridge/pkg/bridge"
	"github.com/canhieu/proxybridge/pkg/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		addr        string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&addr, "addr", "", "listen address (loopback only, e.g. 127.0.0.1:8899)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("proxybridge %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags win over config file
	if addr != "" {
		cfg.API.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, atom, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting proxybridge",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("addr", cfg.API.Addr),
	)

	b, err := bridge.New(cfg, version, logger)
	if err != nil {
		logger.Fatal("failed to create bridge", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		logger.Fatal("failed to start bridge", zap.Error(err))
	}

	reload := func(c *config.Config) {
		atom.SetLevel(parseLevel(c.LogLevel))
		b.Reload(c)
	}

	// Watch the config file for analyzer rule changes
	var watcher *config.Watcher
	if configPath != "" {
		watcher = config.NewWatcher(configPath, reload, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()

			shutdownDone := make(chan struct{})
			go func() {
				if err := b.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logger.Info("proxybridge stopped")
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				os.Exit(1)
			}
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			reload(newCfg)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/proxybridge.yaml",
		"/etc/proxybridge/proxybridge.yaml",
		"/etc/proxybridge.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevelAt(parseLevel(level))

	cfg := zap.Config{
		Level:            atom,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := cfg.Build()
	return logger, atom, err
}
