package raycloud

import (
	"fmt"
	"io"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
	"gonum.org/v1/gonum/spatial/r3"
)

// ReadPCD loads the x, y, z fields of a PCD file. PCD carries no ray
// origins, so starts coincide with ends.
func ReadPCD(r io.Reader) (*Cloud, error) {
	pp, err := pc.Unmarshal(r)
	if err != nil {
		return nil, fmt.Errorf("decoding pcd: %w", err)
	}
	it, err := pp.Vec3Iterator()
	if err != nil {
		return nil, fmt.Errorf("pcd has no xyz fields: %w", err)
	}
	points := make([]r3.Vec, 0, it.Len())
	for ; it.IsValid(); it.Incr() {
		v := it.Vec3()
		points = append(points, r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])})
	}
	return NewCloud(points), nil
}

// WritePCD stores the cloud end points as an unorganized xyz PCD.
// Coordinates are narrowed to float32.
func WritePCD(w io.Writer, c *Cloud) error {
	n := c.Len()
	pp := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version:   0.7,
			Fields:    []string{"x", "y", "z"},
			Size:      []int{4, 4, 4},
			Type:      []string{"F", "F", "F"},
			Count:     []int{1, 1, 1},
			Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
			Width:     n,
			Height:    1,
		},
		Points: n,
	}
	pp.Data = make([]byte, n*pp.Stride())

	it, err := pp.Vec3Iterator()
	if err != nil {
		return fmt.Errorf("pcd iterator: %w", err)
	}
	for _, p := range c.Ends {
		it.SetVec3(mat.Vec3{float32(p.X), float32(p.Y), float32(p.Z)})
		it.Incr()
	}
	if err := pc.Marshal(pp, w); err != nil {
		return fmt.Errorf("encoding pcd: %w", err)
	}
	return nil
}
