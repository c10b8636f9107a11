package audit

import (
	"fmt"
	"regexp"
)

// Pattern is one redaction rule. Matches are replaced by [REDACTED:<id>].
type Pattern struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Regex   string `yaml:"regex" json:"regex"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Builtin bool   `yaml:"-" json:"builtin"`
}

// BuiltinPatterns returns the default rules in application order.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{ID: "private_key", Name: "PEM private key", Regex: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
		{ID: "anthropic_key", Name: "Anthropic API key", Regex: `\bsk-ant-[A-Za-z0-9_\-]{20,}`},
		{ID: "openai_key", Name: "OpenAI API key", Regex: `\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`},
		{ID: "aws_access_key", Name: "AWS access key id", Regex: `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`},
		{ID: "google_api_key", Name: "Google API key", Regex: `\bAIza[0-9A-Za-z_\-]{35}`},
		{ID: "jwt", Name: "JSON web token", Regex: `\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`},
		{ID: "bearer_token", Name: "Bearer token", Regex: `(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]{16,}`},
		{ID: "email", Name: "Email address", Regex: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
	}
}

// Redactor applies built-in rules first, then user rules.
// A nil *Redactor redacts nothing.
type Redactor struct {
	rules []rule
}

type rule struct {
	id          string
	re          *regexp.Regexp
	replacement string
}

// NewRedactor compiles the enabled rules. disabled lists built-in ids to
// switch off; user patterns carry their own Enabled flag.
func NewRedactor(user []Pattern, disabled []string) (*Redactor, error) {
	off := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}

	r := &Redactor{}
	for _, p := range BuiltinPatterns() {
		if off[p.ID] {
			continue
		}
		r.rules = append(r.rules, rule{id: p.ID, re: regexp.MustCompile(p.Regex), replacement: replacement(p.ID)})
	}
	for _, p := range user {
		if !p.Enabled {
			continue
		}
		if p.ID == "" {
			return nil, fmt.Errorf("redaction pattern %q: id is required", p.Name)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p.ID, err)
		}
		r.rules = append(r.rules, rule{id: p.ID, re: re, replacement: replacement(p.ID)})
	}
	return r, nil
}

func replacement(id string) string {
	return "[REDACTED:" + id + "]"
}

// Redact masks every match of every rule in s.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllLiteralString(s, rl.replacement)
	}
	return s
}

// RuleIDs lists active rules in application order.
func (r *Redactor) RuleIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.rules))
	for i, rl := range r.rules {
		ids[i] = rl.id
	}
	return ids
}

// redactEntry masks every free-text field of e.
func (r *Redactor) redactEntry(e Entry) Entry {
	e.RequestBody = r.Redact(e.RequestBody)
	e.ResponseBody = r.Redact(e.ResponseBody)
	e.Error = r.Redact(e.Error)
	return e
}
