package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// RedactPattern is a custom redaction rule.
type RedactPattern struct {
	Name        string
	Pattern     string
	Replacement string
}

// Redactor masks sensitive values in log attributes.
type Redactor struct {
	patterns []*redactPattern

	// keys are attribute keys whose values are masked outright.
	keys map[string]bool
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

var defaultPatterns = []RedactPattern{
	{Name: "api_key", Pattern: `sk-[a-zA-Z0-9_-]{8,}`, Replacement: "sk-***"},
	{Name: "bearer_token", Pattern: `Bearer\s+[a-zA-Z0-9\-._~+/]+=*`, Replacement: "Bearer ***"},
	{Name: "email", Pattern: `([a-zA-Z0-9._%+-])[a-zA-Z0-9._%+-]*@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`, Replacement: "$1***@$2"},
}

// NewRedactor creates a Redactor with the default patterns plus custom ones.
// maskKeys lists attribute keys, such as "identity", whose values are
// replaced with a short prefix. Invalid custom patterns are skipped.
func NewRedactor(custom []RedactPattern, maskKeys []string) *Redactor {
	r := &Redactor{keys: make(map[string]bool, len(maskKeys))}
	for _, p := range append(append([]RedactPattern(nil), defaultPatterns...), custom...) {
		regex, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, &redactPattern{name: p.Name, regex: regex, replacement: p.Replacement})
	}
	for _, k := range maskKeys {
		r.keys[strings.ToLower(k)] = true
	}
	return r
}

// RedactString applies every pattern to value.
func (r *Redactor) RedactString(value string) string {
	if r == nil || value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// RedactAttr returns a with its value redacted. Groups are redacted
// recursively.
func (r *Redactor) RedactAttr(a slog.Attr) slog.Attr {
	if r == nil {
		return a
	}
	v := a.Value.Resolve()

	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		out := make([]slog.Attr, len(group))
		for i, ga := range group {
			out[i] = r.RedactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	case slog.KindString:
		if r.keys[strings.ToLower(a.Key)] {
			return slog.String(a.Key, MaskValue(v.String()))
		}
		return slog.String(a.Key, r.RedactString(v.String()))
	default:
		return a
	}
}

// MaskValue keeps a short prefix of value for correlation.
func MaskValue(value string) string {
	if len(value) <= 4 {
		return "***"
	}
	return value[:4] + "***"
}
