package volume

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/schaermu/vol2git/internal/fingerprint"
)

// Filter selects identities using doublestar glob patterns. Excludes take
// precedence; with include patterns, an identity must match at least one.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter validates the patterns and returns a Filter. A nil *Filter
// accepts everything.
func NewFilter(include, exclude []string) (*Filter, error) {
	if len(include) == 0 && len(exclude) == 0 {
		return nil, nil
	}
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(normalizePattern(p)) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	f := &Filter{}
	for _, p := range include {
		f.include = append(f.include, normalizePattern(p))
	}
	for _, p := range exclude {
		f.exclude = append(f.exclude, normalizePattern(p))
	}
	return f, nil
}

// normalizePattern turns a directory pattern ("tmp/") into one matching
// everything below it.
func normalizePattern(p string) string {
	p = strings.TrimPrefix(p, "/")
	if strings.HasSuffix(p, "/") {
		return p + "**"
	}
	return p
}

// Match reports whether id passes the filter.
func (f *Filter) Match(id fingerprint.Identity) bool {
	if f == nil {
		return true
	}
	name := string(id)
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
