package align

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Peak is a correlation maximum refined to sub-sample precision.
type Peak struct {
	Index      int     `json:"index"`      // integer location of the maximum
	Position   float64 `json:"position"`   // refined signed offset in (-n/2, n/2]
	Degenerate bool    `json:"degenerate"` // parabola fit failed, offset is Index
}

// RefinePeak fits a parabola through the samples y0, y1, y2 at index-1,
// index and index+1 of a length n circular signal and returns its vertex.
// Positions past n/2 wrap to negative offsets.
func RefinePeak(index, n int, y0, y1, y2 float64) Peak {
	p := Peak{Index: index}
	delta := 0.0
	den := y0 + y2 - 2*y1
	if den != 0 {
		delta = 0.5 * (y0 - y2) / den
	}
	if den == 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		delta = 0
		p.Degenerate = true
	}
	p.Position = float64(index) + delta
	if p.Position > float64(n)/2 {
		p.Position -= float64(n)
	}
	return p
}

// RefineCircular refines the peak at index of values, reading neighbours
// with wraparound.
func RefineCircular(values []float64, index int) Peak {
	n := len(values)
	return RefinePeak(index, n,
		values[wrapIndex(index-1, n)],
		values[index],
		values[wrapIndex(index+1, n)])
}

// Angle converts the peak offset of a length n angular signal to radians.
func (p Peak) Angle(n int) float64 {
	return p.Position * 2 * math.Pi / float64(n)
}

// Shift converts the peak offset to a world distance, negated so that it
// moves the first correlated signal onto the second.
func (p Peak) Shift(voxelWidth float64) float64 {
	return -p.Position * voxelWidth
}

// PeakConfidence is the number of standard deviations the value at index
// stands above the mean of values. Flat signals score 0.
func PeakConfidence(values []float64, index int) float64 {
	if len(values) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (values[index] - mean) / std
}
