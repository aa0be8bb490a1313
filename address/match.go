// Package address implements OSC address matching and the group-segment
// convention used to route messages between nodes.
package address

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of compiled patterns kept per matcher.
const DefaultCacheSize = 1024

type expansion byte

const (
	// permissive is used for stored patterns: '*' spans any non-'/' run.
	permissive expansion = 'p'
	// strict is used for wildcards carried by an incoming path: '*' spans
	// word characters and '+' only.
	strict expansion = 's'
)

// Matcher matches subscription patterns against addresses and caches the
// compiled expressions.
type Matcher struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

// NewMatcher creates a matcher holding at most size compiled patterns.
func NewMatcher(size int) *Matcher {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		panic(err)
	}
	return &Matcher{cache: cache}
}

var defaultMatcher = NewMatcher(DefaultCacheSize)

// Match reports whether the registered pattern matches the incoming path
// using the shared matcher.
func Match(pattern, path string) bool {
	return defaultMatcher.Match(pattern, path)
}

// Match reports whether the registered pattern matches the incoming path.
//
// Both sides may carry wildcards. Wildcards in pattern use the permissive
// expansion and are tested against path; wildcards in path use the strict
// expansion and are tested against pattern. Matching is end-anchored and
// case-sensitive.
func (m *Matcher) Match(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if HasWildcard(pattern) && m.compile(pattern, permissive).MatchString(path) {
		return true
	}
	if HasWildcard(path) && m.compile(path, strict).MatchString(pattern) {
		return true
	}
	return false
}

// MatchAny reports whether any pattern in patterns matches path.
func (m *Matcher) MatchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if m.Match(pattern, path) {
			return true
		}
	}
	return false
}

// HasWildcard reports whether s contains '?' or '*'.
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "?*")
}

func (m *Matcher) compile(pattern string, mode expansion) *regexp.Regexp {
	key := string(mode) + pattern
	if re, ok := m.cache.Get(key); ok {
		return re
	}

	var b strings.Builder
	b.Grow(len(pattern) + 16)
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '?':
			b.WriteString(`[^/]`)
		case '*':
			if mode == permissive {
				b.WriteString(`[^/]*`)
			} else {
				b.WriteString(`[\w+]*`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')

	// Every non-wildcard rune is quoted, so the expression always compiles.
	re := regexp.MustCompile(b.String())
	m.cache.Add(key, re)
	return re
}
