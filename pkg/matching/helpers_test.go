package matching

import (
	"math"
	"testing"

	"rsnmatch/internal/models"
)

// lineVolume wraps values in an nx1x1 volume
func lineVolume(values ...float64) *models.Volume {
	vol := models.NewVolume(len(values), 1, 1, models.IdentityAffine())
	copy(vol.Data, values)
	return vol
}

// createBlobVolume builds an n^3 volume holding a Gaussian blob of the given
// amplitude centred on c, on a 1mm identity grid
func createBlobVolume(n int, c [3]int, amplitude float64) *models.Volume {
	vol := models.NewVolume(n, n, n, models.IdentityAffine())
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				dx, dy, dz := float64(i-c[0]), float64(j-c[1]), float64(k-c[2])
				vol.Set(i, j, k, amplitude*math.Exp(-(dx*dx+dy*dy+dz*dz)/2))
			}
		}
	}
	return vol
}

// createCubeTemplate builds a binary n^3 template with a 3x3x3 cube on c
func createCubeTemplate(n int, c [3]int) *models.Volume {
	vol := models.NewVolume(n, n, n, models.IdentityAffine())
	for k := c[2] - 1; k <= c[2]+1; k++ {
		for j := c[1] - 1; j <= c[1]+1; j++ {
			for i := c[0] - 1; i <= c[0]+1; i++ {
				vol.Set(i, j, k, 1)
			}
		}
	}
	return vol
}

var blobCenters = map[string][3]int{
	"IC01": {3, 3, 3},
	"IC02": {8, 3, 8},
	"IC03": {3, 8, 8},
}

// createTestSet returns three components and the three templates they
// match, plus a placeholder template with no map
func createTestSet() (inputs, templates []LabeledVolume) {
	const n = 12
	pairs := []struct{ ica, rsn string }{
		{"IC01", "Visual"},
		{"IC02", "DMN"},
		{"IC03", "Motor"},
	}
	for _, p := range pairs {
		c := blobCenters[p.ica]
		inputs = append(inputs, LabeledVolume{Label: p.ica, Volume: createBlobVolume(n, c, 10)})
		templates = append(templates, LabeledVolume{Label: p.rsn, Volume: createCubeTemplate(n, c)})
	}
	templates = append(templates, LabeledVolume{Label: "Noise_artifact"})
	return inputs, templates
}

// tableFromScores builds a single-input table with the given scores
func tableFromScores(t *testing.T, input string, templates []string, scores []float64) *Table {
	t.Helper()
	table, err := NewTable([]string{input}, templates)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	table.setRow(0, scores)
	return table
}
