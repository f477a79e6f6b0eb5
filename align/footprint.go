package align

import (
	"fmt"
	"cmp"
	"math"
	"os"
	"slices"

	"github.com/kwv/rayalign/raycloud"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"gonum.org/v1/gonum/spatial/r3"
)

// Footprint is the XY convex hull of a cloud.
type Footprint struct {
	Name     string
	Hull     orb.Ring
	Area     float64
	Centroid orb.Point

	outline orb.Ring // unsimplified hull, used for containment
}

// FootprintReport compares the floor-plan footprints of the source before
// and after alignment with the target.
type FootprintReport struct {
	Source  Footprint
	Target  Footprint
	Aligned Footprint

	// CentroidShift is the XY distance between aligned and target centroids.
	CentroidShift float64
	// Coverage is the fraction of aligned source points inside the target hull.
	Coverage float64
}

// NewFootprint computes the simplified convex hull of the points' XY
// projection. tolerance is the Douglas-Peucker threshold in cloud units.
func NewFootprint(name string, points []r3.Vec, tolerance float64) (Footprint, error) {
	flat := make([]orb.Point, 0, len(points))
	for _, p := range points {
		if raycloud.IsFinite(p) {
			flat = append(flat, orb.Point{p.X, p.Y})
		}
	}
	hull := convexHull(flat)
	if len(hull) < 3 {
		return Footprint{}, fmt.Errorf("footprint %s: need 3 non-collinear points, got hull of %d", name, len(hull))
	}

	outline := append(orb.Ring(hull), hull[0])
	ring := outline
	if tolerance > 0 {
		if s, ok := simplify.DouglasPeucker(tolerance).Simplify(outline.Clone()).(orb.Ring); ok && len(s) >= 4 {
			ring = s
		}
	}

	centroid, area := planar.CentroidArea(orb.Polygon{ring})
	return Footprint{
		Name:     name,
		Hull:     ring,
		Area:     math.Abs(area),
		Centroid: centroid,
		outline:  outline,
	}, nil
}

// BuildFootprintReport applies tr to a copy of the source ends and measures
// how well its footprint lands on the target's.
func BuildFootprintReport(source, target *raycloud.Cloud, tr raycloud.RigidTransform, tolerance float64) (*FootprintReport, error) {
	aligned := make([]r3.Vec, source.Len())
	copy(aligned, source.Ends)
	tr.ApplyAll(aligned)

	src, err := NewFootprint("source", source.Ends, tolerance)
	if err != nil {
		return nil, err
	}
	tgt, err := NewFootprint("target", target.Ends, tolerance)
	if err != nil {
		return nil, err
	}
	al, err := NewFootprint("aligned", aligned, tolerance)
	if err != nil {
		return nil, err
	}

	// Simplification cuts corners off the hull; containment uses the full one.
	inside := 0
	idx := decimate(len(aligned), 5000)
	for _, i := range idx {
		if planar.RingContains(tgt.outline, orb.Point{aligned[i].X, aligned[i].Y}) {
			inside++
		}
	}

	return &FootprintReport{
		Source:        src,
		Target:        tgt,
		Aligned:       al,
		CentroidShift: planar.Distance(al.Centroid, tgt.Centroid),
		Coverage:      float64(inside) / float64(len(idx)),
	}, nil
}

// FeatureCollection returns one polygon feature per footprint plus a point
// feature per centroid. Coordinates are in cloud units, not WGS84.
func (r *FootprintReport) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, fp := range []Footprint{r.Source, r.Target, r.Aligned} {
		poly := geojson.NewFeature(orb.Polygon{fp.Hull})
		poly.ID = fp.Name
		poly.Properties["name"] = fp.Name
		poly.Properties["kind"] = "footprint"
		poly.Properties["area"] = fp.Area
		fc.Append(poly)

		centre := geojson.NewFeature(fp.Centroid)
		centre.ID = fp.Name + "-centroid"
		centre.Properties["name"] = fp.Name
		centre.Properties["kind"] = "centroid"
		fc.Append(centre)
	}
	fc.ExtraMembers = geojson.Properties{
		"centroidShift": r.CentroidShift,
		"coverage":      r.Coverage,
	}
	return fc
}

// WriteGeoJSON writes the report's feature collection to path.
func (r *FootprintReport) WriteGeoJSON(path string) error {
	data, err := r.FeatureCollection().MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling footprint report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing footprint report: %w", err)
	}
	return nil
}

// convexHull returns the XY hull counter-clockwise, first point not
// repeated. Collinear points on an edge are dropped.
func convexHull(points []orb.Point) []orb.Point {
	pts := slices.Clone(points)
	slices.SortFunc(pts, func(a, b orb.Point) int {
		if c := cmp.Compare(a.X(), b.X()); c != 0 {
			return c
		}
		return cmp.Compare(a.Y(), b.Y())
	})
	pts = slices.Compact(pts)
	if len(pts) < 3 {
		return pts
	}

	lower := halfHull(pts)
	slices.Reverse(pts)
	upper := halfHull(pts)
	// each chain ends where the other starts
	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}

// halfHull walks sorted points keeping only left turns.
func halfHull(sorted []orb.Point) []orb.Point {
	var chain []orb.Point
	for _, p := range sorted {
		for len(chain) >= 2 && !leftTurn(chain[len(chain)-2], chain[len(chain)-1], p) {
			chain = chain[:len(chain)-1]
		}
		chain = append(chain, p)
	}
	return chain
}

func leftTurn(o, a, b orb.Point) bool {
	return (a.X()-o.X())*(b.Y()-o.Y())-(a.Y()-o.Y())*(b.X()-o.X()) > 0
}
