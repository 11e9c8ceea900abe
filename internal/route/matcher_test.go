package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoutes() []*Route {
	return []*Route{
		{Path: "/api/users", Targets: []Target{{URL: "http://users", Weight: 1}}},
		{Path: "/api/*", Targets: []Target{{URL: "http://api", Weight: 1}}},
		{Path: "*", Targets: []Target{{URL: "http://catchall", Weight: 1}}},
	}
}

func TestMatcher_ExactBeatsWildcard(t *testing.T) {
	m := New(testRoutes())

	match := m.Find("/api/users")
	require.NotNil(t, match)
	assert.Equal(t, "http://users", match.Route.Targets[0].URL)
	assert.Equal(t, "", match.StrippedPath)
	assert.False(t, match.IsWildcard)
}

func TestMatcher_PrefixWildcardStripsPrefix(t *testing.T) {
	m := New(testRoutes())

	match := m.Find("/api/orders/42")
	require.NotNil(t, match)
	assert.Equal(t, "http://api", match.Route.Targets[0].URL)
	assert.Equal(t, "/orders/42", match.StrippedPath)
	assert.True(t, match.IsWildcard)
}

func TestMatcher_GlobalWildcardFallsThrough(t *testing.T) {
	m := New(testRoutes())

	match := m.Find("/totally/unrelated")
	require.NotNil(t, match)
	assert.Equal(t, "http://catchall", match.Route.Targets[0].URL)
	assert.Equal(t, "/totally/unrelated", match.StrippedPath)
}

func TestMatcher_NoMatchWithoutCatchAll(t *testing.T) {
	m := New([]*Route{{Path: "/api/users", Targets: []Target{{URL: "http://users"}}}})
	assert.Nil(t, m.Find("/other"))
}

func TestMatcher_PathNormalizedWithLeadingSlash(t *testing.T) {
	m := New([]*Route{{Path: "/api/users", Targets: []Target{{URL: "http://users"}}}})
	match := m.Find("api/users")
	require.NotNil(t, match)
	assert.Equal(t, "http://users", match.Route.Targets[0].URL)
}

func TestMatcher_PrefixWildcardHasNoSlashBoundary(t *testing.T) {
	// Matches the original's literal byte-prefix semantics: "/api" matches
	// "/apiextra" too, since there's no forced "/" boundary after the prefix.
	m := New([]*Route{{Path: "/api/*", Targets: []Target{{URL: "http://api"}}}})
	match := m.Find("/apiextra")
	require.NotNil(t, match)
	assert.Equal(t, "extra", match.StrippedPath)
}
