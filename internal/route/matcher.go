// Package route implements path-pattern matching for the gateway's dispatcher.
//
// A Route's path compiles to one of three pattern shapes: exact, prefix with
// a trailing "/*" wildcard, or the global "*" wildcard. Matching is pure and
// stateless: given the same routes and path it always returns the same
// result, and patterns are tried in configuration order so the first match
// wins.
package route

import "strings"

// Strategy identifies a load-balancing algorithm attached to a route.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Random             Strategy = "random"
	LeastConnections   Strategy = "least_connections"
)

// Target is a single backend behind a route.
type Target struct {
	URL          string
	Weight       int
	StaticHealthy bool
}

// Route is one configured entry from the [[proxy]] table.
type Route struct {
	Path           string
	Targets        []Target
	Strategy       Strategy
	TimeoutSeconds int
	StickySessions bool
}

// Match describes the outcome of a successful route lookup.
type Match struct {
	Route        *Route
	StrippedPath string
	IsWildcard   bool
}

type patternKind int

const (
	kindExact patternKind = iota
	kindPrefixWildcard
	kindGlobalWildcard
)

type compiled struct {
	route  *Route
	kind   patternKind
	prefix string // meaningful for kindExact and kindPrefixWildcard
}

// Matcher holds an ordered, compiled set of routes. It carries no mutable
// state: all fields are fixed at construction time.
type Matcher struct {
	patterns []compiled
}

// New compiles routes in the given order. Order determines precedence: the
// first pattern that accepts a path wins.
func New(routes []*Route) *Matcher {
	patterns := make([]compiled, 0, len(routes))
	for _, r := range routes {
		patterns = append(patterns, compile(r))
	}
	return &Matcher{patterns: patterns}
}

func compile(r *Route) compiled {
	switch {
	case r.Path == "*":
		return compiled{route: r, kind: kindGlobalWildcard}
	case strings.HasSuffix(r.Path, "/*"):
		return compiled{route: r, kind: kindPrefixWildcard, prefix: strings.TrimSuffix(r.Path, "/*")}
	default:
		return compiled{route: r, kind: kindExact, prefix: r.Path}
	}
}

// Find returns the first route whose pattern accepts path, or nil. path is
// normalized by prepending "/" when missing before matching.
func (m *Matcher) Find(path string) *Match {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	for _, p := range m.patterns {
		if match := tryMatch(p, path); match != nil {
			return match
		}
	}
	return nil
}

func tryMatch(p compiled, path string) *Match {
	switch p.kind {
	case kindGlobalWildcard:
		return &Match{Route: p.route, StrippedPath: path, IsWildcard: true}
	case kindPrefixWildcard:
		if !strings.HasPrefix(path, p.prefix) {
			return nil
		}
		return &Match{Route: p.route, StrippedPath: path[len(p.prefix):], IsWildcard: true}
	default: // kindExact
		if path != p.prefix {
			return nil
		}
		return &Match{Route: p.route, StrippedPath: "", IsWildcard: false}
	}
}

// Routes returns the compiled routes in matching order.
func (m *Matcher) Routes() []*Route {
	out := make([]*Route, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p.route)
	}
	return out
}
