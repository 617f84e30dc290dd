package indexer

import (
	"path/filepath"
	"strings"
)

// ignoreRule is a parsed ignore pattern.
type ignoreRule struct {
	pattern   string
	matchPath bool // match against the root-relative path instead of the basename
}

// IgnoreMatcher decides which paths under the root are left out of the index.
// Hidden entries (leading '.') are always ignored. Patterns without '/' match
// the basename; patterns with '/' match the slash-separated path relative to
// the root.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher builds a matcher. Blank patterns and '#' comments are skipped.
func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		m.rules = append(m.rules, ignoreRule{
			pattern:   strings.TrimPrefix(raw, "/"),
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return m
}

// Ignored reports whether path (absolute, under root) should be skipped.
// Any hidden component between root and path makes it ignored too, so events
// from inside a hidden directory never reach the index.
func (m *IgnoreMatcher) Ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	if m == nil {
		return false
	}
	base := filepath.Base(path)
	for _, r := range m.rules {
		target := base
		if r.matchPath {
			target = rel
		}
		// A malformed pattern never matches.
		if ok, err := filepath.Match(r.pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}
