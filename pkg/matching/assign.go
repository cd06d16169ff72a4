package matching

import (
	"fmt"
	"regexp"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Assignment maps each input label to its selected template label, or to
// the null label when no template was selected.
type Assignment map[string]string

// AssignMatches picks the best template of each input when it is both at
// least minimumCorrelation and at least twice the runner-up score. Anything
// less decisive is left as nullLabel for manual review. With a single
// template there is no runner-up and only the minimum applies.
func AssignMatches(table *Table, minimumCorrelation float64, nullLabel string) Assignment {
	a := make(Assignment, len(table.inputs))
	for _, input := range table.inputs {
		a[input] = assignOne(table, input, minimumCorrelation, nullLabel)
	}
	return a
}

func assignOne(table *Table, input string, minimumCorrelation float64, nullLabel string) string {
	top := TopK(table, input, 2)
	if len(top) == 0 {
		return nullLabel
	}

	best := top[0]
	ok := best.Score >= minimumCorrelation
	if ok && len(top) > 1 {
		ok = best.Score >= 2*top[1].Score
	}

	entry := log.WithFields(log.Fields{
		"input":    input,
		"template": best.Template,
		"score":    best.Score,
	})
	if !ok {
		entry.Debug("No confident match")
		return nullLabel
	}
	entry.Debug("Assigned match")
	return best.Template
}

// Copy returns an independent copy of the assignment.
func (a Assignment) Copy() Assignment {
	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// CompilePatterns compiles the template-label patterns excluded from
// duplicate detection.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// DuplicateTemplates returns every template claimed by more than one input,
// with the sorted inputs that claim it. The null label and templates
// matching any ignore pattern (catch-all categories such as "Noise") are
// never reported.
func DuplicateTemplates(a Assignment, nullLabel string, ignore []*regexp.Regexp) map[string][]string {
	claims := make(map[string][]string)
	for input, template := range a {
		if template == nullLabel || matchesAny(template, ignore) {
			continue
		}
		claims[template] = append(claims[template], input)
	}

	dups := make(map[string][]string)
	for template, inputs := range claims {
		if len(inputs) > 1 {
			sort.Strings(inputs)
			dups[template] = inputs
		}
	}
	return dups
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
