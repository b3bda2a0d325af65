// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the proxybridge process.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"PROXYBRIDGE_LOG_LEVEL"`
	API       APIConfig       `yaml:"api"`
	History   HistoryConfig   `yaml:"history"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Exporters ExportersConfig `yaml:"exporters"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig configures the loopback query server.
type APIConfig struct {
	Addr string `yaml:"addr" env:"PROXYBRIDGE_API_ADDR"` // e.g. "127.0.0.1:8899"
}

// HistoryConfig configures the capture store.
type HistoryConfig struct {
	// MaxEntries caps the store; oldest entries are evicted past the cap.
	// 0 disables eviction.
	MaxEntries int `yaml:"max_entries"`
}

// AnalyzerConfig configures the heuristic analyzer.
type AnalyzerConfig struct {
	Enabled bool           `yaml:"enabled"`
	Rules   []AnalyzerRule `yaml:"rules"`
}

// AnalyzerRule is a user-defined detection pattern.
type AnalyzerRule struct {
	Name     string `yaml:"name"`
	Severity string `yaml:"severity"` // info, low, medium, high
	Target   string `yaml:"target"`   // url, request, response
	Pattern  string `yaml:"pattern"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// MetricsConfig configures self-monitoring.
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults: loopback
// port 8899 and a 1000-entry history.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Addr: "127.0.0.1:8899",
		},
		History: HistoryConfig{
			MaxEntries: 1000,
		},
		Analyzer: AnalyzerConfig{
			Enabled: true,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Metrics: MetricsConfig{
			Interval: 15 * time.Second,
		},
	}
}

// ApplyEnvOverrides reads PROXYBRIDGE_* environment variables and applies
// them over YAML values.
func (c *Config) ApplyEnvOverrides() {
	strOverrides := map[string]func(string){
		"PROXYBRIDGE_LOG_LEVEL":     func(v string) { c.LogLevel = v },
		"PROXYBRIDGE_API_ADDR":      func(v string) { c.API.Addr = v },
		"PROXYBRIDGE_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
	}

	boolOverrides := map[string]*bool{
		"PROXYBRIDGE_ANALYZER_ENABLED": &c.Analyzer.Enabled,
		"PROXYBRIDGE_OTLP_ENABLED":     &c.Exporters.OTLP.Enabled,
		"PROXYBRIDGE_STDOUT_ENABLED":   &c.Exporters.Stdout.Enabled,
	}

	for envKey, setter := range strOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	if val := os.Getenv("PROXYBRIDGE_HISTORY_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n >= 0 {
			c.History.MaxEntries = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors. The API address must be a
// loopback interface: the server carries no authentication, so binding
// anywhere else is refused outright.
func (c *Config) Validate() error {
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if err := ValidateLoopback(c.API.Addr); err != nil {
		return fmt.Errorf("api.addr: %w", err)
	}

	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must be >= 0")
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	if f := c.Exporters.Stdout.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	for i, r := range c.Analyzer.Rules {
		if r.Name == "" {
			return fmt.Errorf("analyzer.rules[%d]: name is required", i)
		}
		switch r.Severity {
		case "", "info", "low", "medium", "high":
		default:
			return fmt.Errorf("analyzer.rules[%d]: unknown severity %q", i, r.Severity)
		}
		switch r.Target {
		case "", "url", "request", "response":
		default:
			return fmt.Errorf("analyzer.rules[%d]: target must be url, request, or response", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("analyzer.rules[%d]: invalid pattern: %w", i, err)
		}
	}

	return nil
}

// ValidateLoopback reports an error unless addr binds a loopback
// interface.
func ValidateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("refusing non-loopback listen address %q (no authentication)", addr)
	}
	return nil
}
