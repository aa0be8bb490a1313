package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/?", "/a/b", true},
		{"/a/?", "/a/bb", false},
		{"/a/*", "/a/anything", true},
		{"/a/b", "/a/c", false},
		{"/a/b", "/A/b", false},
		{"/a/b", "/a/b/c", false},
		{"/a/b/c", "/a/b", false},
		{"/a/*", "/a/x/y", false},
		{"/a/*", "/a/", true},
		{"/a/*/c", "/a/some-thing/c", true},
		{"/a.b", "/aXb", false},
		// wildcards carried by the incoming path
		{"/a/bc", "/a/?c", true},
		{"/a/bc", "/a/*", true},
		{"/a/b+c", "/a/*", true},
		{"/a/b-c", "/a/*", false},
		{"/a/b/c", "/a/*", false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, Match(tc.pattern, tc.path), "Match(%q, %q)", tc.pattern, tc.path)
	}
}

func TestMatcherCachesCompiledPatterns(t *testing.T) {
	m := NewMatcher(2)
	require.True(t, m.Match("/x/*", "/x/1"))
	require.True(t, m.Match("/x/*", "/x/2"))
	require.Equal(t, 1, m.cache.Len())

	require.True(t, m.Match("/y/?", "/y/1"))
	require.True(t, m.Match("/z/?", "/z/1"))
	require.Equal(t, 2, m.cache.Len())
}

func TestMatchAny(t *testing.T) {
	m := NewMatcher(8)
	require.True(t, m.MatchAny([]string{"/a", "/b/*"}, "/b/c"))
	require.False(t, m.MatchAny([]string{"/a", "/b/*"}, "/c"))
	require.False(t, m.MatchAny(nil, "/c"))
}
