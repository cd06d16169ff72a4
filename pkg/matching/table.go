package matching

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Table holds the correlation score of every (input, template) pair.
// Rows follow input order and columns follow template order, which is the
// order ties are broken in when ranking.
type Table struct {
	inputs    []string
	templates []string

	inputIndex    map[string]int
	templateIndex map[string]int

	// scores is nil when the table has no rows or no columns
	scores *mat.Dense
}

// NewTable creates a table with every score set to NaN.
func NewTable(inputs, templates []string) (*Table, error) {
	t := &Table{
		inputs:        append([]string(nil), inputs...),
		templates:     append([]string(nil), templates...),
		inputIndex:    make(map[string]int, len(inputs)),
		templateIndex: make(map[string]int, len(templates)),
	}
	for i, l := range inputs {
		if _, ok := t.inputIndex[l]; ok {
			return nil, fmt.Errorf("%w: input %q", ErrDuplicateLabel, l)
		}
		t.inputIndex[l] = i
	}
	for i, l := range templates {
		if _, ok := t.templateIndex[l]; ok {
			return nil, fmt.Errorf("%w: template %q", ErrDuplicateLabel, l)
		}
		t.templateIndex[l] = i
	}

	if len(inputs) > 0 && len(templates) > 0 {
		nan := make([]float64, len(inputs)*len(templates))
		for i := range nan {
			nan[i] = math.NaN()
		}
		t.scores = mat.NewDense(len(inputs), len(templates), nan)
	}
	return t, nil
}

// Inputs returns the input labels in row order.
func (t *Table) Inputs() []string {
	return append([]string(nil), t.inputs...)
}

// Templates returns the template labels in column order.
func (t *Table) Templates() []string {
	return append([]string(nil), t.templates...)
}

// HasInput reports whether the table has a row for label.
func (t *Table) HasInput(label string) bool {
	_, ok := t.inputIndex[label]
	return ok
}

// Score returns the correlation of an input with a template.
func (t *Table) Score(input, template string) (float64, bool) {
	i, ok := t.inputIndex[input]
	if !ok {
		return math.NaN(), false
	}
	j, ok := t.templateIndex[template]
	if !ok {
		return math.NaN(), false
	}
	return t.scores.At(i, j), true
}

// Row returns the scores of one input keyed by template label.
func (t *Table) Row(input string) map[string]float64 {
	i, ok := t.inputIndex[input]
	if !ok {
		return nil
	}
	row := make(map[string]float64, len(t.templates))
	for j, l := range t.templates {
		row[l] = t.scores.At(i, j)
	}
	return row
}

// Map returns the table as plain nested maps: input -> template -> score.
func (t *Table) Map() map[string]map[string]float64 {
	m := make(map[string]map[string]float64, len(t.inputs))
	for _, l := range t.inputs {
		m[l] = t.Row(l)
	}
	return m
}

// Matrix returns a copy of the scores as an inputs x templates matrix, or
// nil for an empty table.
func (t *Table) Matrix() *mat.Dense {
	if t.scores == nil {
		return nil
	}
	return mat.DenseCopyOf(t.scores)
}

func (t *Table) setRow(input int, scores []float64) {
	t.scores.SetRow(input, scores)
}

// withRow returns a copy of t where the row for label holds scores. A new
// label is appended as the last row.
func (t *Table) withRow(label string, scores []float64) (*Table, error) {
	if len(scores) != len(t.templates) {
		return nil, fmt.Errorf("row for %q has %d scores, table has %d templates",
			label, len(scores), len(t.templates))
	}

	inputs := t.inputs
	if !t.HasInput(label) {
		inputs = append(append([]string(nil), t.inputs...), label)
	}
	out, err := NewTable(inputs, t.templates)
	if err != nil {
		return nil, err
	}
	if out.scores == nil {
		return out, nil
	}
	for i, l := range t.inputs {
		out.setRow(i, mat.Row(nil, t.inputIndex[l], t.scores))
	}
	out.setRow(out.inputIndex[label], scores)
	return out, nil
}
