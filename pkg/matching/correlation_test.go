package matching

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rsnmatch/internal/models"
)

func TestSpatialCorrelationsCoverage(t *testing.T) {
	inputs, templates := createTestSet()

	table, err := SpatialCorrelations(inputs, templates, DefaultPreparation())
	if err != nil {
		t.Fatalf("SpatialCorrelations failed: %v", err)
	}

	wantInputs := []string{"IC01", "IC02", "IC03"}
	wantTemplates := []string{"Visual", "DMN", "Motor"}
	if diff := cmp.Diff(wantInputs, table.Inputs()); diff != "" {
		t.Errorf("Input labels mismatch (-want +got):\n%s", diff)
	}
	// the placeholder has no map and no column
	if diff := cmp.Diff(wantTemplates, table.Templates()); diff != "" {
		t.Errorf("Template labels mismatch (-want +got):\n%s", diff)
	}

	for _, in := range wantInputs {
		for _, tmpl := range wantTemplates {
			score, ok := table.Score(in, tmpl)
			if !ok {
				t.Errorf("Missing score for (%s, %s)", in, tmpl)
				continue
			}
			if math.IsNaN(score) || score < -1 || score > 1 {
				t.Errorf("Score for (%s, %s) = %f, want a value in [-1, 1]", in, tmpl, score)
			}
		}
	}

	if _, ok := table.Score("IC01", "Noise_artifact"); ok {
		t.Error("Placeholder template should not be scored")
	}

	// each component correlates best with the template drawn at its blob
	for in, tmpl := range map[string]string{"IC01": "Visual", "IC02": "DMN", "IC03": "Motor"} {
		best := TopK(table, in, 1)
		if len(best) != 1 || best[0].Template != tmpl {
			t.Errorf("Expected best match %s for %s, got %v", tmpl, in, best)
		}
		if best[0].Score < 0.5 {
			t.Errorf("Expected a strong correlation for %s/%s, got %f", in, tmpl, best[0].Score)
		}
	}
}

// TestSpatialCorrelationsIdempotent checks two runs give bitwise-equal tables
// and that splitting rows across workers does not change any score
func TestSpatialCorrelationsIdempotent(t *testing.T) {
	inputs, templates := createTestSet()

	first, err := SpatialCorrelations(inputs, templates, DefaultPreparation())
	if err != nil {
		t.Fatalf("SpatialCorrelations failed: %v", err)
	}
	second, err := SpatialCorrelations(inputs, templates, DefaultPreparation())
	if err != nil {
		t.Fatalf("SpatialCorrelations failed: %v", err)
	}
	parallel, err := sweep(inputs, templates, DefaultPreparation(), 3, nil)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	for _, other := range []*Table{second, parallel} {
		for _, in := range first.Inputs() {
			for _, tmpl := range first.Templates() {
				a, _ := first.Score(in, tmpl)
				b, _ := other.Score(in, tmpl)
				if math.Float64bits(a) != math.Float64bits(b) {
					t.Errorf("Score (%s, %s) differs between runs: %v vs %v", in, tmpl, a, b)
				}
			}
		}
	}
}

// TestSpatialCorrelationsDegenerate verifies an all-zero template yields NaN
func TestSpatialCorrelationsDegenerate(t *testing.T) {
	inputs, _ := createTestSet()
	empty := LabeledVolume{Label: "Empty", Volume: models.NewVolume(12, 12, 12, models.IdentityAffine())}

	table, err := SpatialCorrelations(inputs[:1], []LabeledVolume{empty}, DefaultPreparation())
	if err != nil {
		t.Fatalf("SpatialCorrelations failed: %v", err)
	}

	score, ok := table.Score("IC01", "Empty")
	if !ok || !math.IsNaN(score) {
		t.Errorf("Expected NaN for an all-zero template, got %v (present=%v)", score, ok)
	}

	a := AssignMatches(table, 0.3, "unassigned")
	if a["IC01"] != "unassigned" {
		t.Errorf("Expected NaN score to defer to the null label, got %q", a["IC01"])
	}
}

// TestSpatialCorrelationsGridMismatch correlates against a template on a 2mm grid
func TestSpatialCorrelationsGridMismatch(t *testing.T) {
	input := LabeledVolume{Label: "IC01", Volume: createBlobVolume(12, [3]int{4, 4, 4}, 10)}

	coarse := models.NewVolume(6, 6, 6, models.ScalingAffine(2, 2, 2, [3]float64{}))
	coarse.Set(2, 2, 2, 1) // world (4,4,4)
	far := models.NewVolume(6, 6, 6, models.ScalingAffine(2, 2, 2, [3]float64{}))
	far.Set(5, 5, 5, 1)

	table, err := SpatialCorrelations([]LabeledVolume{input}, []LabeledVolume{
		{Label: "Far", Volume: far},
		{Label: "Near", Volume: coarse},
	}, DefaultPreparation())
	if err != nil {
		t.Fatalf("SpatialCorrelations failed: %v", err)
	}

	best := TopK(table, "IC01", 1)
	if len(best) != 1 || best[0].Template != "Near" || best[0].Score < 0.5 {
		t.Errorf("Expected Near to rank first with a strong score, got %v", best)
	}
}

func TestSpatialCorrelationsErrors(t *testing.T) {
	inputs, templates := createTestSet()

	dupInputs := append([]LabeledVolume{}, inputs...)
	dupInputs = append(dupInputs, inputs[0])
	if _, err := SpatialCorrelations(dupInputs, templates, DefaultPreparation()); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("Expected ErrDuplicateLabel for duplicate inputs, got %v", err)
	}

	dupTemplates := append([]LabeledVolume{}, templates...)
	dupTemplates = append(dupTemplates, templates[0])
	if _, err := SpatialCorrelations(inputs, dupTemplates, DefaultPreparation()); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("Expected ErrDuplicateLabel for duplicate templates, got %v", err)
	}

	missing := []LabeledVolume{{Label: "IC99"}}
	if _, err := SpatialCorrelations(missing, templates, DefaultPreparation()); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage for an input without volume, got %v", err)
	}
}

func TestPearson(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
		want float64
	}{
		{"perfect", []float64{1, 2, 3}, []float64{2, 4, 6}, 1},
		{"anti", []float64{1, 2, 3}, []float64{3, 2, 1}, -1},
		{"constant", []float64{1, 1, 1}, []float64{1, 2, 3}, math.NaN()},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, math.NaN()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pearson(tt.x, tt.y)
			if math.IsNaN(tt.want) {
				if !math.IsNaN(got) {
					t.Errorf("Expected NaN, got %f", got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}
