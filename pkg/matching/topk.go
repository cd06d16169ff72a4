package matching

import (
	"fmt"
	"math"
	"sort"
)

// Match is one ranked template for an input.
type Match struct {
	Template string  `yaml:"template"`
	Score    float64 `yaml:"score"`
}

// String formats the match the way list views display it, e.g. "DMN (0.62)".
func (m Match) String() string {
	return fmt.Sprintf("%s (%0.2f)", m.Template, m.Score)
}

// TopKSet holds the best-ranked templates of each input.
type TopKSet map[string][]Match

// Contains reports whether template is among the ranked templates of input.
func (s TopKSet) Contains(input, template string) bool {
	for _, m := range s[input] {
		if m.Template == template {
			return true
		}
	}
	return false
}

// Rank returns the 1-based rank of template for input, or 0 if it is not
// in the set.
func (s TopKSet) Rank(input, template string) int {
	for i, m := range s[input] {
		if m.Template == template {
			return i + 1
		}
	}
	return 0
}

// TopK returns the k highest-scoring templates for input, best first. Ties
// keep template order and NaN scores sort last. k <= 0 returns every
// template. An unknown input yields nil.
func TopK(table *Table, input string, k int) []Match {
	i, ok := table.inputIndex[input]
	if !ok {
		return nil
	}

	matches := make([]Match, len(table.templates))
	for j, l := range table.templates {
		matches[j] = Match{Template: l, Score: table.scores.At(i, j)}
	}

	sort.SliceStable(matches, func(a, b int) bool {
		sa, sb := matches[a].Score, matches[b].Score
		if math.IsNaN(sa) {
			return false
		}
		return math.IsNaN(sb) || sa > sb
	})

	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches
}

// FindTopK ranks the k best templates of every input in the table.
func FindTopK(table *Table, k int) TopKSet {
	set := make(TopKSet, len(table.inputs))
	for _, l := range table.inputs {
		set[l] = TopK(table, l, k)
	}
	return set
}
