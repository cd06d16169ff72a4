package matching

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Params holds the matching configuration.
type Params struct {
	// MinimumCorrelation is the lowest score that can be assigned automatically
	MinimumCorrelation float64

	// NullLabel is assigned to inputs without a confident match
	NullLabel string

	// TopK is how many ranked templates are kept per input for display
	TopK int

	// Workers splits the correlation sweep across goroutines; 1 keeps it sequential
	Workers int

	// Preparation applied to inputs and templates before comparison
	Preparation Preparation
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		MinimumCorrelation: 0.3,
		NullLabel:          "",
		TopK:               3,
		Workers:            1,
		Preparation:        DefaultPreparation(),
	}
}

// Engine matches one snapshot of input volumes against one snapshot of
// template volumes. Run blocks for the whole correlation sweep, so callers
// with an interactive loop should invoke it from a separate goroutine.
//
// The correlation table, top-k set and assignment are always produced by
// the same Run. Overlap coordinates are cached per pair until the next Run
// or Configure.
type Engine struct {
	// runMu serializes Run; mu guards every field below and is not held
	// while the sweep or the progress callback runs
	runMu sync.Mutex
	mu    sync.Mutex

	// generation changes whenever inputs or params change
	generation uint64

	params    Params
	inputs    []LabeledVolume
	templates []LabeledVolume

	inputIndex    map[string]int
	templateIndex map[string]int

	runID      string
	table      *Table
	topK       TopKSet
	assignment Assignment
	coords     map[string]map[string]Coordinate

	progressCallback ProgressCallback
}

// NewEngine creates an engine for the given inputs and templates. Labels
// must be unique within each list and every input needs a valid volume.
// Templates may have a nil volume.
func NewEngine(inputs, templates []LabeledVolume, params Params) (*Engine, error) {
	e := &Engine{
		params:        params,
		inputs:        append([]LabeledVolume(nil), inputs...),
		templates:     append([]LabeledVolume(nil), templates...),
		inputIndex:    make(map[string]int, len(inputs)),
		templateIndex: make(map[string]int, len(templates)),
		coords:        make(map[string]map[string]Coordinate),
	}

	for i, in := range inputs {
		if _, ok := e.inputIndex[in.Label]; ok {
			return nil, fmt.Errorf("%w: input %q", ErrDuplicateLabel, in.Label)
		}
		if in.Volume == nil {
			return nil, fmt.Errorf("input %q: %w: no volume", in.Label, ErrInvalidImage)
		}
		if err := in.Volume.Validate(); err != nil {
			return nil, fmt.Errorf("input %q: %w: %v", in.Label, ErrInvalidImage, err)
		}
		e.inputIndex[in.Label] = i
	}
	for i, t := range templates {
		if _, ok := e.templateIndex[t.Label]; ok {
			return nil, fmt.Errorf("%w: template %q", ErrDuplicateLabel, t.Label)
		}
		if t.Volume != nil {
			if err := t.Volume.Validate(); err != nil {
				return nil, fmt.Errorf("template %q: %w: %v", t.Label, ErrInvalidImage, err)
			}
		}
		e.templateIndex[t.Label] = i
	}

	return e, nil
}

// SetProgressCallback sets a callback invoked when the sweep starts and after
// each input row. The callback runs without the engine lock held, so it may
// call the engine's getters.
func (e *Engine) SetProgressCallback(callback ProgressCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressCallback = callback
}

// Params returns the current parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Configure replaces the parameters and discards every result computed
// with the old ones. Run must be called again.
func (e *Engine) Configure(params Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = params
	e.generation++
	e.invalidate()
}

func (e *Engine) invalidate() {
	e.runID = ""
	e.table = nil
	e.topK = nil
	e.assignment = nil
	e.coords = make(map[string]map[string]Coordinate)
}

// Run computes the correlation table, the top-k set, the automatic
// assignment and the overlap coordinates of every top-k pair. If Configure
// or RunOne changes the engine while the sweep is in flight, the results are
// discarded and ErrStaleRun is returned.
func (e *Engine) Run() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	inputs := append([]LabeledVolume(nil), e.inputs...)
	templates := append([]LabeledVolume(nil), e.templates...)
	params := e.params
	progress := e.progressCallback
	generation := e.generation
	e.mu.Unlock()

	runID := uuid.New().String()
	entry := log.WithFields(log.Fields{
		"run":       runID,
		"inputs":    len(inputs),
		"templates": len(templates),
	})
	entry.Info("Starting matching run")
	start := time.Now()

	table, err := sweep(inputs, templates, params.Preparation, params.Workers, progress)
	if err != nil {
		e.discard(generation)
		return fmt.Errorf("spatial correlations: %w", err)
	}

	topK := FindTopK(table, params.TopK)
	assignment := AssignMatches(table, params.MinimumCorrelation, params.NullLabel)

	coords, err := FindMaxCoords(inputs, templates, topK, params.Preparation)
	if err != nil {
		e.discard(generation)
		return fmt.Errorf("max overlap: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != generation {
		entry.Warn("Engine changed during run, discarding results")
		return ErrStaleRun
	}

	e.generation++
	e.runID = runID
	e.table = table
	e.topK = topK
	e.assignment = assignment
	e.coords = coords

	entry.WithFields(log.Fields{
		"assigned": e.countAssigned(),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("Matching run complete")
	return nil
}

// discard drops the results of a failed run unless the engine has moved on.
func (e *Engine) discard(generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation == generation {
		e.invalidate()
	}
}

// RunOne scores a single input against the current templates and merges it
// into the results, replacing any input with the same label. Run must have
// completed first.
func (e *Engine) RunOne(input LabeledVolume) ([]Match, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.table == nil {
		return nil, fmt.Errorf("no completed run to merge %q into", input.Label)
	}
	if input.Volume == nil {
		return nil, fmt.Errorf("input %q: %w: no volume", input.Label, ErrInvalidImage)
	}

	scores, err := correlateRow(input, spatialTemplates(e.templates), e.params.Preparation)
	if err != nil {
		return nil, err
	}
	table, err := e.table.withRow(input.Label, scores)
	if err != nil {
		return nil, err
	}

	if i, ok := e.inputIndex[input.Label]; ok {
		e.inputs[i] = input
	} else {
		e.inputIndex[input.Label] = len(e.inputs)
		e.inputs = append(e.inputs, input)
	}

	e.generation++
	e.table = table
	e.topK[input.Label] = TopK(table, input.Label, e.params.TopK)
	e.assignment[input.Label] = assignOne(table, input.Label, e.params.MinimumCorrelation, e.params.NullLabel)
	delete(e.coords, input.Label)

	return TopK(table, input.Label, 0), nil
}

func (e *Engine) countAssigned() int {
	n := 0
	for _, t := range e.assignment {
		if t != e.params.NullLabel {
			n++
		}
	}
	return n
}

// RunID identifies the snapshot the current results belong to. It is empty
// before the first Run and after Configure.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Table returns the correlation table of the last run, or nil.
func (e *Engine) Table() *Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table
}

// Assignment returns a copy of the automatic assignment of the last run.
func (e *Engine) Assignment() Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assignment == nil {
		return nil
	}
	return e.assignment.Copy()
}

// TopK returns a copy of the ranked templates of every input.
func (e *Engine) TopK() TopKSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.topK == nil {
		return nil
	}
	out := make(TopKSet, len(e.topK))
	for k, v := range e.topK {
		out[k] = append([]Match(nil), v...)
	}
	return out
}

// Ranked returns every template scored for input, best first.
func (e *Engine) Ranked(input string) []Match {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table == nil {
		return nil
	}
	return TopK(e.table, input, 0)
}

// MaxOverlap returns the world coordinate of maximal overlap between an
// input and a template. Pairs outside the top-k set are computed on first
// request and cached.
func (e *Engine) MaxOverlap(input, template string) (Coordinate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.inputIndex[input]
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: input %q", ErrUnknownLabel, input)
	}
	j, ok := e.templateIndex[template]
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: template %q", ErrUnknownLabel, template)
	}

	if c, ok := e.coords[input][template]; ok {
		log.WithFields(log.Fields{"input": input, "template": template}).Debug("Max overlap cache hit")
		return c, nil
	}

	in := e.inputs[i]
	inArr, err := prepareInput(in, e.params.Preparation)
	if err != nil {
		return Coordinate{}, err
	}
	c, err := maxOverlap(in, inArr, e.templates[j], e.params.Preparation)
	if err != nil {
		return Coordinate{}, err
	}

	if e.coords[input] == nil {
		e.coords[input] = make(map[string]Coordinate)
	}
	e.coords[input][template] = c
	return c, nil
}

// Duplicates returns templates assigned to more than one input.
func (e *Engine) Duplicates(ignore []*regexp.Regexp) map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DuplicateTemplates(e.assignment, e.params.NullLabel, ignore)
}
