package align

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// correlationPoints maps a circular angular correlation onto signed degrees
// in (-180, 180], sorted by angle.
func correlationPoints(values []float64) plotter.XYs {
	n := len(values)
	pts := make(plotter.XYs, 0, n)
	step := 360.0 / float64(n)
	// shifts past the half turn read as negative rotations
	first := n/2 + 1
	for k := 0; k < n; k++ {
		i := (first + k) % n
		deg := float64(i) * step
		if i > n/2 {
			deg -= 360
		}
		pts = append(pts, plotter.XY{X: deg, Y: values[i]})
	}
	return pts
}

// SaveCorrelationPlot renders the angular correlation curve with the refined
// peak marked.
func SaveCorrelationPlot(path string, values []float64, peak Peak) error {
	if len(values) == 0 {
		return fmt.Errorf("no correlation values: %w", ErrInvalidDimension)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Angular correlation (peak %.2f°)", peak.Angle(len(values))*180/math.Pi)
	p.X.Label.Text = "Rotation (degrees)"
	p.Y.Label.Text = "Correlation"

	line, err := plotter.NewLine(correlationPoints(values))
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("correlation", line)

	idx := peak.Index
	if idx < 0 || idx >= len(values) {
		idx = 0
	}
	marker, err := plotter.NewScatter(plotter.XYs{{X: peak.Angle(len(values)) * 180 / math.Pi, Y: values[idx]}})
	if err != nil {
		return err
	}
	marker.GlyphStyle.Color = color.RGBA{R: 220, A: 255}
	marker.GlyphStyle.Radius = vg.Points(4)
	marker.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(marker)
	p.Legend.Add("peak", marker)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
