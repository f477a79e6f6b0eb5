package raycloud

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNoPoints is returned when a bounding box is requested for an empty point set.
var ErrNoPoints = errors.New("no points")

// BoundingBox is an axis-aligned box with Min <= Max componentwise.
type BoundingBox struct {
	Min r3.Vec `json:"min"`
	Max r3.Vec `json:"max"`
}

// Bounds reduces points to their axis-aligned bounding box. Points with a
// NaN or infinite coordinate are skipped; ErrNoPoints means none was finite.
func Bounds(points []r3.Vec) (BoundingBox, error) {
	var box BoundingBox
	found := false
	for _, p := range points {
		if !IsFinite(p) {
			continue
		}
		if !found {
			box = BoundingBox{Min: p, Max: p}
			found = true
			continue
		}
		box.Min.X = math.Min(box.Min.X, p.X)
		box.Min.Y = math.Min(box.Min.Y, p.Y)
		box.Min.Z = math.Min(box.Min.Z, p.Z)
		box.Max.X = math.Max(box.Max.X, p.X)
		box.Max.Y = math.Max(box.Max.Y, p.Y)
		box.Max.Z = math.Max(box.Max.Z, p.Z)
	}
	if !found {
		return BoundingBox{}, ErrNoPoints
	}
	return box, nil
}

// IsFinite reports whether every coordinate of p is a finite number.
func IsFinite(p r3.Vec) bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Extent returns Max - Min.
func (b BoundingBox) Extent() r3.Vec {
	return r3.Sub(b.Max, b.Min)
}

// Center returns the box midpoint.
func (b BoundingBox) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// Contains reports whether p lies inside the closed box.
func (b BoundingBox) Contains(p r3.Vec) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// PlanarDiagonal is the length of the box diagonal projected onto the xy plane,
// the widest footprint the box can have under any yaw.
func (b BoundingBox) PlanarDiagonal() float64 {
	e := b.Extent()
	return math.Hypot(e.X, e.Y)
}

// Union returns the smallest box containing both boxes.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		Min: r3.Vec{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: r3.Vec{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}
