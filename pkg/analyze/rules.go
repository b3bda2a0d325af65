// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package analyze

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/canhieu/proxybridge/pkg/decode"
	"github.com/canhieu/proxybridge/pkg/history"
)

// BuiltinRules returns the default detection rules in registration order.
func BuiltinRules() []Rule {
	return []Rule{
		&paramRule{
			name:     "potential-ssrf",
			severity: SeverityHigh,
			params:   []string{"url=", "path=", "file=", "src=", "img=", "load=", "uri=", "target="},
			detail:   "parameter may accept a user-controlled URL",
		},
		&paramRule{
			name:     "potential-sqli",
			severity: SeverityHigh,
			params:   []string{"id=", "user=", "name=", "order=", "sort=", "query=", "search="},
			detail:   "parameter may be injectable",
		},
		&paramRule{
			name:     "sensitive-data-in-url",
			severity: SeverityMedium,
			params:   []string{"password", "token", "api_key", "secret", "auth", "key"},
			detail:   "sensitive parameter in URL may end up in logs",
		},
		&paramRule{
			name:     "potential-path-traversal",
			severity: SeverityHigh,
			params:   []string{"file=", "path=", "page=", "include=", "template=", "dir="},
			detail:   "file or path parameter, test for LFI/RFI",
		},
		&fileUploadRule{},
		&missingSecurityHeadersRule{},
		&verboseErrorRule{},
		&sensitiveFilePathRule{},
		&reflectedParamRule{},
	}
}

// paramRule flags URLs whose query string contains any of a set of
// parameter name fragments.
type paramRule struct {
	name     string
	severity Severity
	params   []string
	detail   string
}

func (r *paramRule) Name() string       { return r.name }
func (r *paramRule) Severity() Severity { return r.severity }

func (r *paramRule) Match(e *history.Entry) (string, bool) {
	lower := strings.ToLower(e.URL)
	for _, p := range r.params {
		if strings.Contains(lower, p) {
			return fmt.Sprintf("%q in URL: %s", p, r.detail), true
		}
	}
	return "", false
}

// fileUploadRule flags multipart form submissions.
type fileUploadRule struct{}

func (r *fileUploadRule) Name() string       { return "file-upload" }
func (r *fileUploadRule) Severity() Severity { return SeverityInfo }

func (r *fileUploadRule) Match(e *history.Entry) (string, bool) {
	if !strings.Contains(strings.ToLower(string(e.Request)), "multipart/form-data") {
		return "", false
	}
	return "multipart/form-data request: check for unrestricted upload", true
}

// requiredSecurityHeaders are checked on successful HTML-bearing responses.
var requiredSecurityHeaders = []string{
	"x-content-type-options",
	"x-frame-options",
	"content-security-policy",
}

// missingSecurityHeadersRule flags 200 responses lacking common hardening
// headers.
type missingSecurityHeadersRule struct{}

func (r *missingSecurityHeadersRule) Name() string       { return "missing-security-headers" }
func (r *missingSecurityHeadersRule) Severity() Severity { return SeverityLow }

func (r *missingSecurityHeadersRule) Match(e *history.Entry) (string, bool) {
	if e.StatusCode != 200 || len(e.Response) == 0 {
		return "", false
	}
	head := strings.ToLower(string(e.Response))
	if idx := strings.Index(head, "\r\n\r\n"); idx >= 0 {
		head = head[:idx]
	}
	var missing []string
	for _, h := range requiredSecurityHeaders {
		if !strings.Contains(head, "\r\n"+h+":") {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return "", false
	}
	return "response missing " + strings.Join(missing, ", "), true
}

// verboseErrorPattern catches stack traces and database error strings
// leaking into response bodies.
var verboseErrorPattern = regexp.MustCompile(`(?i)(traceback \(most recent call last\)|` +
	`[a-z.]+exception[:\s]|at [a-z]+\.[a-z.]+\([A-Za-z]+\.java:\d+\)|` +
	`ora-\d{5}|you have an error in your sql syntax|` +
	`fatal error.*on line \d+|stack trace:)`)

type verboseErrorRule struct{}

func (r *verboseErrorRule) Name() string       { return "verbose-error-response" }
func (r *verboseErrorRule) Severity() Severity { return SeverityMedium }

func (r *verboseErrorRule) Match(e *history.Entry) (string, bool) {
	body := decode.Body(e.Response)
	if len(body) == 0 {
		return "", false
	}
	if m := verboseErrorPattern.Find(body); m != nil {
		return fmt.Sprintf("error detail in response body: %q", truncate(string(m), 80)), true
	}
	return "", false
}

// sensitiveFilePattern matches request paths that target well-known
// secrets or configuration files.
var sensitiveFilePattern = regexp.MustCompile(`(?i)(/\.git(/|$)|/\.env|/wp-config\.php|` +
	`/etc/passwd|web\.config|id_rsa|/\.htaccess|/\.aws/|/\.ssh/)`)

type sensitiveFilePathRule struct{}

func (r *sensitiveFilePathRule) Name() string       { return "sensitive-file-path" }
func (r *sensitiveFilePathRule) Severity() Severity { return SeverityMedium }

func (r *sensitiveFilePathRule) Match(e *history.Entry) (string, bool) {
	if m := sensitiveFilePattern.FindString(e.URL); m != "" {
		return fmt.Sprintf("request targets %q", m), true
	}
	return "", false
}

// reflectedParamRule flags query parameter values echoed verbatim into the
// response body, a cheap reflected-XSS indicator.
type reflectedParamRule struct{}

const minReflectedValueLen = 4

func (r *reflectedParamRule) Name() string       { return "reflected-parameter" }
func (r *reflectedParamRule) Severity() Severity { return SeverityMedium }

func (r *reflectedParamRule) Match(e *history.Entry) (string, bool) {
	body := decode.Body(e.Response)
	if len(body) == 0 {
		return "", false
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", false
	}
	for name, values := range u.Query() {
		for _, v := range values {
			if len(v) < minReflectedValueLen {
				continue
			}
			if strings.Contains(string(body), v) {
				return fmt.Sprintf("value of parameter %q reflected in response", name), true
			}
		}
	}
	return "", false
}

// RegexRule is a user-defined rule loaded from configuration. Target
// selects what the pattern runs against: the URL, the raw request, or the
// raw response.
type RegexRule struct {
	RuleName     string
	RuleSeverity Severity
	Target       string // "url", "request", "response"
	Pattern      *regexp.Regexp
}

func (r *RegexRule) Name() string       { return r.RuleName }
func (r *RegexRule) Severity() Severity { return r.RuleSeverity }

func (r *RegexRule) Match(e *history.Entry) (string, bool) {
	var subject []byte
	switch r.Target {
	case "request":
		subject = e.Request
	case "response":
		subject = e.Response
	default:
		subject = []byte(e.URL)
	}
	if m := r.Pattern.Find(subject); m != nil {
		return fmt.Sprintf("pattern matched %q", truncate(string(m), 80)), true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
