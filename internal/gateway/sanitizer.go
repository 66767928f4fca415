package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"

	"chimera/internal/policy"
)

// Sanitizer applies ordered regex substitutions to outbound payloads.
// It runs on every response regardless of route, and sanitizing an
// already-sanitized payload is a no-op (replacements never re-match
// any pattern).
type Sanitizer struct {
	subs []substitution
}

type substitution struct {
	re      *regexp.Regexp
	replace string
}

// NewSanitizer compiles the manifest's patterns. Patterns were
// already syntax-checked at manifest load; compile errors here are
// programmer errors.
func NewSanitizer(patterns []policy.SanitizePattern) (*Sanitizer, error) {
	subs := make([]substitution, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitizer pattern %q: %w", p.Pattern, err)
		}
		subs = append(subs, substitution{re: re, replace: p.Replace})
	}
	return &Sanitizer{subs: subs}, nil
}

// Apply scrubs a serialized result subtree. The input is JSON; the
// substitutions operate on its textual form, so the output is
// re-validated before being returned. A substitution that breaks the
// JSON is discarded and the prior form kept.
func (s *Sanitizer) Apply(result json.RawMessage) json.RawMessage {
	if len(result) == 0 || len(s.subs) == 0 {
		return result
	}

	current := []byte(result)
	for _, sub := range s.subs {
		next := sub.re.ReplaceAll(current, []byte(sub.replace))
		if !json.Valid(next) {
			continue
		}
		current = next
	}
	return current
}
