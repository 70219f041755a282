package redact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

type Applied struct {
	Names []string
}

type rule struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

var (
	mu    sync.RWMutex
	rules = builtin()
)

// Order matters: the bearer rule keeps its header prefix, so it runs before
// the generic token shapes could eat the value.
func builtin() []rule {
	return []rule{
		{name: "private_key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), replacement: "[REDACTED:PRIVATE_KEY]"},
		{name: "bearer_token", re: regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[A-Za-z0-9._~+/-]{16,}=*`), replacement: "${1}[REDACTED:BEARER_TOKEN]"},
		{name: "jwt", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`), replacement: "[REDACTED:JWT]"},
		{name: "github_token", re: regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{10,}|github_pat_[A-Za-z0-9_]{10,})\b`), replacement: "[REDACTED:GITHUB_TOKEN]"},
		{name: "openai_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}\b`), replacement: "[REDACTED:OPENAI_KEY]"},
		{name: "slack_token", re: regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}\b`), replacement: "[REDACTED:SLACK_TOKEN]"},
		{name: "aws_access_key_id", re: regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`), replacement: "[REDACTED:AWS_ACCESS_KEY_ID]"},
		{name: "newrelic_key", re: regexp.MustCompile(`\bNRAK-[A-Z0-9]{20,}\b`), replacement: "[REDACTED:NEWRELIC_KEY]"},
	}
}

// Register adds a rule that runs after the built-in ones. Registering an
// existing name replaces that rule. An empty replacement becomes
// "[REDACTED:<NAME>]".
func Register(name, pattern, replacement string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("redact: rule name is empty")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("redact: rule %s: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED:" + strings.ToUpper(name) + "]"
	}
	mu.Lock()
	defer mu.Unlock()
	next := make([]rule, 0, len(rules)+1)
	for _, r := range rules {
		if r.name != name {
			next = append(next, r)
		}
	}
	rules = append(next, rule{name: name, re: re, replacement: replacement})
	return nil
}

// Reset drops every registered rule and restores the built-in set.
func Reset() {
	mu.Lock()
	rules = builtin()
	mu.Unlock()
}

// Text scrubs known credential shapes from s. IPC payload previews pass
// through here before they reach a log line.
func Text(s string) (string, Applied) {
	applied := Applied{}
	out := s
	mu.RLock()
	active := rules
	mu.RUnlock()
	for _, r := range active {
		if !r.re.MatchString(out) {
			continue
		}
		out = r.re.ReplaceAllString(out, r.replacement)
		applied.Names = append(applied.Names, r.name)
	}
	return out, applied
}
