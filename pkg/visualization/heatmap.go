package visualization

import (
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"rsnmatch/pkg/matching"
)

// scoreGrid adapts a correlation table to plotter.GridXYZ. Columns are
// templates and rows are inputs.
type scoreGrid struct {
	scores *mat.Dense
}

func (g scoreGrid) Dims() (c, r int) {
	r, c = g.scores.Dims()
	return c, r
}

func (g scoreGrid) Z(c, r int) float64 { return g.scores.At(r, c) }
func (g scoreGrid) X(c int) float64    { return float64(c) }
func (g scoreGrid) Y(r int) float64    { return float64(r) }

// Min and Max pin the colour scale to the full correlation range.
func (g scoreGrid) Min() float64 { return -1 }
func (g scoreGrid) Max() float64 { return 1 }

func labelTicks(labels []string) plot.ConstantTicks {
	ticks := make(plot.ConstantTicks, len(labels))
	for i, l := range labels {
		ticks[i] = plot.Tick{Value: float64(i), Label: l}
	}
	return ticks
}

// NewHeatmap builds a plot of every input/template correlation.
func NewHeatmap(table *matching.Table) (*plot.Plot, error) {
	scores := table.Matrix()
	if scores == nil {
		return nil, fmt.Errorf("correlation table is empty")
	}

	p := plot.New()
	p.Title.Text = "Spatial correlation"
	p.X.Label.Text = "Template"
	p.Y.Label.Text = "Component"
	p.X.Tick.Marker = labelTicks(table.Templates())
	p.X.Tick.Label.Rotation = 0.8
	p.X.Tick.Label.XAlign = -1
	p.Y.Tick.Marker = labelTicks(table.Inputs())

	h := plotter.NewHeatMap(scoreGrid{scores: scores}, palette.Heat(32, 1))
	h.NaN = color.Gray{Y: 200}
	p.Add(h)
	return p, nil
}

// SaveHeatmap writes the correlation heatmap; the format follows the file
// extension (png, svg, pdf, ...).
func SaveHeatmap(table *matching.Table, filename string) error {
	p, err := NewHeatmap(table)
	if err != nil {
		return err
	}

	cols, rows := len(table.Templates()), len(table.Inputs())
	width := vg.Length(4+cols/2) * vg.Inch
	height := vg.Length(3+rows/3) * vg.Inch
	if err := p.Save(width, height, filename); err != nil {
		return fmt.Errorf("save heatmap: %w", err)
	}
	return nil
}
