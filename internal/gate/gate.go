// Package gate implements the eligibility predicate deciding whether a
// target may be monitored at all, based on its declared capabilities.
package gate

import (
	"strconv"
	"strings"
)

// Requirements is the fixed policy a target must satisfy before a
// stream may be opened for it.
type Requirements struct {
	// Platform is the required platform string, compared
	// case-insensitively (e.g. "linux").
	Platform string `yaml:"platform"`

	// MinVersion is the minimum target version under dotted-numeric
	// comparison (e.g. "1.6.0").
	MinVersion string `yaml:"min_version"`
}

// Capabilities describes one target, supplied by the caller. Target
// metadata may load asynchronously, so eligibility must be
// re-evaluated whenever the descriptor changes.
type Capabilities struct {
	Platform       string
	Version        string
	FeatureEnabled bool
}

// Gate evaluates target capabilities against fixed requirements.
// Eligible is a pure function of its input.
type Gate struct {
	req Requirements
}

// New creates a Gate for the given requirements.
func New(req Requirements) *Gate {
	return &Gate{req: req}
}

// Eligible reports whether a target with the given capabilities may be
// streamed. A target is eligible iff its platform matches
// case-insensitively, its version parses and is at least the minimum,
// and its feature flag is enabled.
func (g *Gate) Eligible(caps Capabilities) bool {
	if !strings.EqualFold(caps.Platform, g.req.Platform) {
		return false
	}

	if !caps.FeatureEnabled {
		return false
	}

	v, ok := parseVersion(caps.Version)
	if !ok {
		// An unparseable version never satisfies the minimum.
		return false
	}

	min, ok := parseVersion(g.req.MinVersion)
	if !ok {
		return false
	}

	return compareVersions(v, min) >= 0
}

// parseVersion splits a dotted-numeric version into integer
// components, stripping an optional leading non-digit prefix
// (e.g. "v1.6.0").
func parseVersion(s string) ([]int, bool) {
	start := strings.IndexFunc(s, func(r rune) bool {
		return r >= '0' && r <= '9'
	})
	if start < 0 {
		return nil, false
	}

	parts := strings.Split(s[start:], ".")
	out := make([]int, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}

		out = append(out, n)
	}

	return out, true
}

// compareVersions compares component-wise, treating missing trailing
// components as 0. Returns -1, 0, or 1.
func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}

		if i < len(b) {
			bv = b[i]
		}

		if av != bv {
			if av < bv {
				return -1
			}

			return 1
		}
	}

	return 0
}
