// Package gliders ranks catalog gliders against the free-form aircraft
// names users type into the contest site.
package gliders

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/glideops/flightbridge/internal/domain"
)

//go:embed catalog.yaml
var catalogYAML []byte

// maxCandidates bounds how many ranked matches FindClosest returns.
const maxCandidates = 5

type catalogEntry struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// Matcher holds the glider catalog. The embedded snapshot seeds it;
// Replace swaps in a fresher catalog fetched from the flight-logging
// service at startup.
type Matcher struct {
	mu      sync.RWMutex
	entries []domain.GliderMatch
}

// New loads the embedded catalog snapshot.
func New() (*Matcher, error) {
	var raw []catalogEntry
	if err := yaml.Unmarshal(catalogYAML, &raw); err != nil {
		return nil, fmt.Errorf("op=gliders.New: embedded catalog: %w", err)
	}
	m := &Matcher{}
	entries := make([]domain.GliderMatch, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, domain.GliderMatch{ID: e.ID, Name: e.Name})
	}
	m.entries = entries
	return m, nil
}

// Replace swaps the catalog. An empty replacement is ignored so a
// failed refresh keeps the embedded snapshot.
func (m *Matcher) Replace(entries []domain.GliderMatch) {
	if len(entries) == 0 {
		return
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

// Len reports the catalog size.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// FindClosest ranks the catalog by edit distance to name, closest
// first. Names are compared case-insensitively with spaces and dashes
// removed, so "asw27", "ASW 27" and "ASW-27" all land on the same
// glider.
func (m *Matcher) FindClosest(name string) []domain.GliderMatch {
	needle := normalize(name)
	if needle == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		match domain.GliderMatch
		dist  int
	}
	ranked := make([]scored, 0, len(m.entries))
	for _, e := range m.entries {
		d := levenshtein.DistanceForStrings(
			[]rune(needle), []rune(normalize(e.Name)), levenshtein.DefaultOptions)
		ranked = append(ranked, scored{match: e, dist: d})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].match.Name < ranked[j].match.Name
	})

	n := maxCandidates
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]domain.GliderMatch, 0, n)
	for _, r := range ranked[:n] {
		out = append(out, r.match)
	}
	return out
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}
