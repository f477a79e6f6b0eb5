// Package raycloud holds the ray cloud container used by the aligner,
// its bounding box reducer, rigid transforms and file formats.
package raycloud

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// RGBA is an 8-bit per channel colour attached to a ray.
type RGBA struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

// Cloud is a set of rays. Ends are the observed surface points; Starts are
// the sensor positions the rays were cast from. Times and Colours are
// optional per-ray attributes and are either empty or the same length as Ends.
type Cloud struct {
	Starts  []r3.Vec
	Ends    []r3.Vec
	Times   []float64
	Colours []RGBA
}

// NewCloud returns a cloud of end points with starts placed at the points
// themselves (zero-length rays), which is how bare point clouds are read.
func NewCloud(points []r3.Vec) *Cloud {
	c := &Cloud{
		Starts: make([]r3.Vec, len(points)),
		Ends:   make([]r3.Vec, len(points)),
	}
	copy(c.Starts, points)
	copy(c.Ends, points)
	return c
}

// Len returns the number of rays.
func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Ends)
}

// Clone returns a deep copy.
func (c *Cloud) Clone() *Cloud {
	if c == nil {
		return nil
	}
	out := &Cloud{
		Starts:  append([]r3.Vec(nil), c.Starts...),
		Ends:    append([]r3.Vec(nil), c.Ends...),
		Times:   append([]float64(nil), c.Times...),
		Colours: append([]RGBA(nil), c.Colours...),
	}
	return out
}

// Validate checks that the per-ray attribute slices agree in length.
func (c *Cloud) Validate() error {
	n := len(c.Ends)
	if len(c.Starts) != n {
		return fmt.Errorf("ray cloud has %d starts for %d ends", len(c.Starts), n)
	}
	if len(c.Times) != 0 && len(c.Times) != n {
		return fmt.Errorf("ray cloud has %d times for %d ends", len(c.Times), n)
	}
	if len(c.Colours) != 0 && len(c.Colours) != n {
		return fmt.Errorf("ray cloud has %d colours for %d ends", len(c.Colours), n)
	}
	return nil
}
