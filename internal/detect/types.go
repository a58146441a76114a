// Package detect identifies active meetings on tracked pages. A platform
// table maps page URLs to known meeting services, and a per-page detector
// polls DOM probes to decide whether the user has actually joined a call
// rather than merely opened a lobby or landing page.
package detect

import (
	"fmt"
	"regexp"
)

// Platform describes one supported meeting service: a URL pattern that
// identifies its meeting pages and a set of DOM probe selectors. The page
// counts as an active meeting when the URL matches and at least one probe
// selector is present in the DOM.
type Platform struct {
	Name       string   `yaml:"name" json:"name"`
	URLPattern string   `yaml:"url_pattern" json:"urlPattern"`
	Probes     []string `yaml:"probes" json:"probes"`
}

// Table holds an ordered set of platforms with their URL patterns
// pre-compiled. Matching is first-match-wins in table order.
type Table struct {
	platforms []Platform
	compiled  []*regexp.Regexp
}

// NewTable validates and compiles a platform list. Every platform needs a
// unique non-empty name, a compilable URL pattern, and at least one probe
// selector.
func NewTable(platforms []Platform) (*Table, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("platform table is empty")
	}
	t := &Table{
		platforms: make([]Platform, len(platforms)),
		compiled:  make([]*regexp.Regexp, len(platforms)),
	}
	seen := make(map[string]bool, len(platforms))
	for i, p := range platforms {
		if p.Name == "" {
			return nil, fmt.Errorf("platform %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate platform name %q", p.Name)
		}
		seen[p.Name] = true
		if p.URLPattern == "" {
			return nil, fmt.Errorf("platform %q has no URL pattern", p.Name)
		}
		re, err := regexp.Compile(p.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("platform %q: bad URL pattern: %w", p.Name, err)
		}
		if len(p.Probes) == 0 {
			return nil, fmt.Errorf("platform %q has no probe selectors", p.Name)
		}
		for j, sel := range p.Probes {
			if sel == "" {
				return nil, fmt.Errorf("platform %q: probe %d is empty", p.Name, j)
			}
		}
		t.platforms[i] = p
		t.compiled[i] = re
	}
	return t, nil
}

// Match returns the first platform whose URL pattern matches url. Later
// entries are not evaluated once one matches.
func (t *Table) Match(url string) (Platform, bool) {
	if url == "" {
		return Platform{}, false
	}
	for i, re := range t.compiled {
		if re.MatchString(url) {
			return t.platforms[i], true
		}
	}
	return Platform{}, false
}

// Platforms returns a copy of the table entries in match order.
func (t *Table) Platforms() []Platform {
	out := make([]Platform, len(t.platforms))
	copy(out, t.platforms)
	return out
}

// Len reports the number of platforms in the table.
func (t *Table) Len() int {
	return len(t.platforms)
}
