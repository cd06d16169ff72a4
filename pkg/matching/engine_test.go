package matching

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rsnmatch/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	inputs, templates := createTestSet()
	e, err := NewEngine(inputs, templates, DefaultParams())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestEngineRun(t *testing.T) {
	e := newTestEngine(t)

	var mu sync.Mutex
	calls := 0
	announced := false
	e.SetProgressCallback(func(completed, total int, message string) {
		mu.Lock()
		if message != "" {
			announced = completed == 0
		} else {
			calls++
		}
		mu.Unlock()
		if total != 3 {
			t.Errorf("Expected total 3, got %d", total)
		}
	})

	if err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 progress callbacks, got %d", calls)
	}
	if !announced {
		t.Error("Expected a start message before the first row")
	}
	if e.RunID() == "" {
		t.Error("Expected a run ID after Run")
	}

	want := Assignment{"IC01": "Visual", "IC02": "DMN", "IC03": "Motor"}
	if diff := cmp.Diff(want, e.Assignment()); diff != "" {
		t.Errorf("Assignment mismatch (-want +got):\n%s", diff)
	}

	topK := e.TopK()
	for in, ranked := range topK {
		if len(ranked) != 3 {
			t.Errorf("Expected 3 ranked templates for %s, got %d", in, len(ranked))
		}
	}

	// top-k pairs are located during Run
	for in, ranked := range topK {
		for _, m := range ranked {
			if _, ok := e.coords[in][m.Template]; !ok {
				t.Errorf("Expected cached coordinate for (%s, %s)", in, m.Template)
			}
		}
	}

	c, err := e.MaxOverlap("IC02", "DMN")
	if err != nil {
		t.Fatalf("MaxOverlap failed: %v", err)
	}
	if c.Voxel != blobCenters["IC02"] {
		t.Errorf("Expected IC02/DMN peak at %v, got %v", blobCenters["IC02"], c.Voxel)
	}

	if dups := e.Duplicates(nil); len(dups) != 0 {
		t.Errorf("Expected no duplicates, got %v", dups)
	}
}

func TestEngineMaxOverlapLazy(t *testing.T) {
	e := newTestEngine(t)

	// works before any Run and fills the cache
	c, err := e.MaxOverlap("IC01", "Noise_artifact")
	if err != nil {
		t.Fatalf("MaxOverlap failed: %v", err)
	}
	if c.Voxel != blobCenters["IC01"] {
		t.Errorf("Expected placeholder overlap at %v, got %v", blobCenters["IC01"], c.Voxel)
	}
	if _, ok := e.coords["IC01"]["Noise_artifact"]; !ok {
		t.Fatal("Expected the pair to be cached")
	}

	again, err := e.MaxOverlap("IC01", "Noise_artifact")
	if err != nil || again != c {
		t.Errorf("Expected the cached coordinate %v, got %v (err %v)", c, again, err)
	}

	if _, err := e.MaxOverlap("IC99", "DMN"); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("Expected ErrUnknownLabel for input, got %v", err)
	}
	if _, err := e.MaxOverlap("IC01", "Nope"); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("Expected ErrUnknownLabel for template, got %v", err)
	}
}

func TestEngineProgressCallbackUsesEngine(t *testing.T) {
	e := newTestEngine(t)

	var mu sync.Mutex
	seen := 0
	e.SetProgressCallback(func(completed, total int, message string) {
		_ = e.RunID()
		_ = e.Params()
		_ = e.Table()
		mu.Lock()
		seen++
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return while the progress callback queried the engine")
	}
	if seen == 0 {
		t.Error("Expected the progress callback to be called")
	}
	if e.Table() == nil {
		t.Error("Expected a table after Run")
	}
}

func TestEngineConfigureDuringRun(t *testing.T) {
	e := newTestEngine(t)

	params := DefaultParams()
	params.MinimumCorrelation = 0.5
	e.SetProgressCallback(func(completed, total int, message string) {
		if completed == 1 {
			e.Configure(params)
		}
	})

	if err := e.Run(); !errors.Is(err, ErrStaleRun) {
		t.Fatalf("Expected ErrStaleRun, got %v", err)
	}
	if e.Table() != nil || e.RunID() != "" {
		t.Error("Stale results must not be stored")
	}

	e.SetProgressCallback(nil)
	if err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := e.Params().MinimumCorrelation; got != 0.5 {
		t.Errorf("Expected the new minimum to apply, got %v", got)
	}
}

func TestEngineConfigureInvalidates(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	params := DefaultParams()
	params.MinimumCorrelation = 0.99
	e.Configure(params)

	if e.Table() != nil || e.Assignment() != nil || e.TopK() != nil || e.RunID() != "" {
		t.Error("Configure must discard the previous results")
	}
	if len(e.coords) != 0 {
		t.Errorf("Configure must clear the overlap cache, %d entries left", len(e.coords))
	}

	if err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for in, tmpl := range e.Assignment() {
		if tmpl != "" {
			t.Errorf("Expected no assignment above 0.99 for %s, got %q", in, tmpl)
		}
	}
}

func TestEngineRunOne(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.RunOne(LabeledVolume{Label: "IC04", Volume: createBlobVolume(12, [3]int{8, 3, 8}, 10)}); err == nil {
		t.Error("Expected RunOne to require a completed run")
	}

	if err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ranked, err := e.RunOne(LabeledVolume{Label: "IC04", Volume: createBlobVolume(12, [3]int{8, 3, 8}, 10)})
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if len(ranked) != 3 || ranked[0].Template != "DMN" {
		t.Errorf("Expected DMN first for IC04, got %v", ranked)
	}

	if !e.Table().HasInput("IC04") {
		t.Error("Expected IC04 in the table")
	}
	if got := e.Assignment()["IC04"]; got != "DMN" {
		t.Errorf("Expected IC04 assigned to DMN, got %q", got)
	}

	// IC02 and IC04 now share DMN
	want := map[string][]string{"DMN": {"IC02", "IC04"}}
	if diff := cmp.Diff(want, e.Duplicates(nil)); diff != "" {
		t.Errorf("Duplicates mismatch (-want +got):\n%s", diff)
	}

	if _, err := e.MaxOverlap("IC04", "DMN"); err != nil {
		t.Errorf("MaxOverlap for a merged input failed: %v", err)
	}
}

func TestNewEngineValidation(t *testing.T) {
	inputs, templates := createTestSet()

	dupTemplates := append(append([]LabeledVolume{}, templates...), LabeledVolume{Label: "DMN"})
	if _, err := NewEngine(inputs, dupTemplates, DefaultParams()); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("Expected ErrDuplicateLabel for templates, got %v", err)
	}

	dupInputs := append(append([]LabeledVolume{}, inputs...), inputs[0])
	if _, err := NewEngine(dupInputs, templates, DefaultParams()); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("Expected ErrDuplicateLabel for inputs, got %v", err)
	}

	noVolume := []LabeledVolume{{Label: "IC01"}}
	if _, err := NewEngine(noVolume, templates, DefaultParams()); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage for input without volume, got %v", err)
	}

	bad := []LabeledVolume{{Label: "Bad", Volume: &models.Volume{Width: 2, Height: 2, Depth: 2}}}
	if _, err := NewEngine(inputs, bad, DefaultParams()); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage for malformed template, got %v", err)
	}
}

func TestEngineResultRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Result(nil); err == nil {
		t.Error("Expected Result to fail before Run")
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res, err := e.Result(nil)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.RunID != e.RunID() {
		t.Errorf("Expected run ID %s, got %s", e.RunID(), res.RunID)
	}

	path := filepath.Join(t.TempDir(), "out", "result.yaml")
	if err := SaveResult(res, path); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}
	loaded, err := LoadResult(path)
	if err != nil {
		t.Fatalf("LoadResult failed: %v", err)
	}

	if diff := cmp.Diff(res.Assignment, loaded.Assignment); diff != "" {
		t.Errorf("Assignment changed on reload (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res.MaxOverlap, loaded.MaxOverlap); diff != "" {
		t.Errorf("Coordinates changed on reload (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res.TopK, loaded.TopK); diff != "" {
		t.Errorf("Top-k changed on reload (-want +got):\n%s", diff)
	}
}
