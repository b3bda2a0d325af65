// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

// Package analyze applies heuristic vulnerability checks to captured
// proxy transactions. Rules are best-effort pattern matches, not a
// security guarantee.
package analyze

import (
	"encoding/json"
	"fmt"

	"github.com/canhieu/proxybridge/pkg/history"
	"go.uber.org/zap"
)

// Severity ranks a finding. It is a static property of the rule that
// produced it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "info"
	}
}

// MarshalJSON encodes the severity as its lowercase name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the severity from its lowercase name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	sev, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

// Finding is one heuristic hit against one captured transaction.
type Finding struct {
	Severity Severity `json:"severity"`
	Type     string   `json:"type"`
	URL      string   `json:"url"`
	Evidence string   `json:"evidence"`
}

// Rule inspects a single entry and reports evidence when it matches.
// Rules must be stateless and safe for concurrent use.
type Rule interface {
	Name() string
	Severity() Severity
	Match(e *history.Entry) (evidence string, ok bool)
}

// Analyzer runs a fixed, ordered rule set over captured entries. It
// performs no I/O and never mutates the entries it is given.
type Analyzer struct {
	rules  []Rule
	logger *zap.Logger
}

// New creates an analyzer with the built-in rules followed by any extra
// rules, preserving registration order.
func New(logger *zap.Logger, extra ...Rule) *Analyzer {
	rules := BuiltinRules()
	rules = append(rules, extra...)
	return &Analyzer{rules: rules, logger: logger}
}

// Rules returns the registered rule list in evaluation order.
func (a *Analyzer) Rules() []Rule {
	return a.rules
}

// Analyze evaluates every rule against every entry and returns findings
// ordered by entry index ascending, then rule registration order. A rule
// that panics on one entry is skipped for that entry only.
func (a *Analyzer) Analyze(entries []*history.Entry) []Finding {
	var findings []Finding
	for _, e := range entries {
		if e == nil {
			continue
		}
		for _, r := range a.rules {
			evidence, ok := a.match(r, e)
			if !ok {
				continue
			}
			findings = append(findings, Finding{
				Severity: r.Severity(),
				Type:     r.Name(),
				URL:      e.URL,
				Evidence: evidence,
			})
		}
	}
	return findings
}

// match isolates a single rule evaluation so one broken rule cannot
// suppress findings from the others.
func (a *Analyzer) match(r Rule, e *history.Entry) (evidence string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Warn("analyzer rule failed",
				zap.String("rule", r.Name()),
				zap.Int("index", e.Index),
				zap.Any("panic", rec),
			)
			evidence, ok = "", false
		}
	}()
	return r.Match(e)
}
