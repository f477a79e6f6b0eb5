package align

import (
	"fmt"
	"math"
	"math/cmplx"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/spatial/r3"
)

// RoundTripScale is the factor Inverse(Forward(x)) applies to x. Inverse
// divides by the transform length, so the round trip is exact.
const RoundTripScale = 1.0

// Grid3D is a dense complex voxel grid over an axis-aligned region.
// Cells are stored x fastest: index = x + dims[0]*(y + dims[1]*z).
type Grid3D struct {
	origin     r3.Vec
	voxelWidth float64
	dims       [3]int
	cells      []complex128
	dropped    int
}

// GridDims returns the cell counts covering extent at the given voxel width,
// floor(e/w)+1 per axis, so a point on the max corner still lands in a cell.
func GridDims(extent r3.Vec, voxelWidth float64) ([3]int, error) {
	if !(voxelWidth > 0) || math.IsInf(voxelWidth, 0) {
		return [3]int{}, fmt.Errorf("voxel width %v: %w", voxelWidth, ErrInvalidDimension)
	}
	var dims [3]int
	for i, e := range [3]float64{extent.X, extent.Y, extent.Z} {
		if e < 0 || math.IsNaN(e) || math.IsInf(e, 0) {
			return [3]int{}, fmt.Errorf("extent %v on axis %d: %w", e, i, ErrInvalidDimension)
		}
		dims[i] = int(math.Floor(e/voxelWidth)) + 1
	}
	return dims, nil
}

// NewGrid3D allocates a zeroed grid.
func NewGrid3D(origin r3.Vec, voxelWidth float64, dims [3]int) (*Grid3D, error) {
	if !(voxelWidth > 0) || math.IsInf(voxelWidth, 0) {
		return nil, fmt.Errorf("voxel width %v: %w", voxelWidth, ErrInvalidDimension)
	}
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("grid dim %d on axis %d: %w", d, i, ErrInvalidDimension)
		}
	}
	return &Grid3D{
		origin:     origin,
		voxelWidth: voxelWidth,
		dims:       dims,
		cells:      make([]complex128, dims[0]*dims[1]*dims[2]),
	}, nil
}

func (g *Grid3D) Origin() r3.Vec      { return g.origin }
func (g *Grid3D) VoxelWidth() float64 { return g.voxelWidth }
func (g *Grid3D) Dims() [3]int        { return g.dims }
func (g *Grid3D) Len() int            { return len(g.cells) }

// Dropped is the number of points Accumulate rejected as out of bounds.
func (g *Grid3D) Dropped() int { return g.dropped }

// Cells exposes the backing storage.
func (g *Grid3D) Cells() []complex128 { return g.cells }

// Index returns the flat offset of cell (x, y, z).
func (g *Grid3D) Index(x, y, z int) int {
	return x + g.dims[0]*(y+g.dims[1]*z)
}

func (g *Grid3D) At(x, y, z int) complex128 {
	return g.cells[g.Index(x, y, z)]
}

func (g *Grid3D) Set(x, y, z int, v complex128) {
	g.cells[g.Index(x, y, z)] = v
}

// AtWrapped reads a cell with periodic indexing on every axis.
func (g *Grid3D) AtWrapped(x, y, z int) complex128 {
	return g.At(wrapIndex(x, g.dims[0]), wrapIndex(y, g.dims[1]), wrapIndex(z, g.dims[2]))
}

// Cell returns the cell containing p and whether it lies inside the grid.
func (g *Grid3D) Cell(p r3.Vec) ([3]int, bool) {
	var idx [3]int
	rel := r3.Scale(1/g.voxelWidth, r3.Sub(p, g.origin))
	for i, v := range [3]float64{rel.X, rel.Y, rel.Z} {
		f := math.Floor(v)
		if !(f >= 0 && f < float64(g.dims[i])) {
			return idx, false
		}
		idx[i] = int(f)
	}
	return idx, true
}

// Accumulate adds one unit of density to the cell containing p. Points
// outside the grid are counted as dropped and false is returned.
func (g *Grid3D) Accumulate(p r3.Vec) bool {
	idx, ok := g.Cell(p)
	if !ok {
		g.dropped++
		return false
	}
	g.cells[g.Index(idx[0], idx[1], idx[2])] += 1
	return true
}

// Fill accumulates every point and returns how many were dropped.
func (g *Grid3D) Fill(points []r3.Vec) int {
	before := g.dropped
	for _, p := range points {
		g.Accumulate(p)
	}
	return g.dropped - before
}

// Clone returns a deep copy.
func (g *Grid3D) Clone() *Grid3D {
	c := *g
	c.cells = append([]complex128(nil), g.cells...)
	return &c
}

// Forward replaces the grid with its unnormalized 3D discrete Fourier transform.
func (g *Grid3D) Forward() {
	g.transform(false)
}

// Inverse replaces the grid with its inverse 3D transform, divided by the
// cell count.
func (g *Grid3D) Inverse() {
	g.transform(true)
	scale := complex(1/float64(len(g.cells)), 0)
	for i := range g.cells {
		g.cells[i] *= scale
	}
}

func (g *Grid3D) transform(inverse bool) {
	strides := [3]int{1, g.dims[0], g.dims[0] * g.dims[1]}
	for axis := 0; axis < 3; axis++ {
		n := g.dims[axis]
		if n == 1 {
			continue
		}
		starts := g.lineStarts(axis)
		transformLines(g.cells, starts, n, strides[axis], inverse)
	}
}

// lineStarts lists the offset of the first cell of every line along axis.
func (g *Grid3D) lineStarts(axis int) []int {
	d := g.dims
	var starts []int
	switch axis {
	case 0:
		starts = make([]int, 0, d[1]*d[2])
		for z := 0; z < d[2]; z++ {
			for y := 0; y < d[1]; y++ {
				starts = append(starts, d[0]*(y+d[1]*z))
			}
		}
	case 1:
		starts = make([]int, 0, d[0]*d[2])
		for z := 0; z < d[2]; z++ {
			for x := 0; x < d[0]; x++ {
				starts = append(starts, x+d[0]*d[1]*z)
			}
		}
	default:
		starts = make([]int, 0, d[0]*d[1])
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				starts = append(starts, x+d[0]*y)
			}
		}
	}
	return starts
}

// transformLines runs a 1D FFT over each strided line of data. Lines are
// split into contiguous chunks, one FFT plan per worker.
func transformLines(data []complex128, starts []int, n, stride int, inverse bool) {
	if len(starts) == 0 {
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > len(starts) {
		workers = len(starts)
	}
	chunk := (len(starts) + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < len(starts); lo += chunk {
		hi := min(lo+chunk, len(starts))
		part := starts[lo:hi]
		wg.Go(func() {
			fft := fourier.NewCmplxFFT(n)
			line := make([]complex128, n)
			out := make([]complex128, n)
			for _, s := range part {
				for i := 0; i < n; i++ {
					line[i] = data[s+i*stride]
				}
				if inverse {
					fft.Sequence(out, line)
				} else {
					fft.Coefficients(out, line)
				}
				for i := 0; i < n; i++ {
					data[s+i*stride] = out[i]
				}
			}
		})
	}
	wg.Wait()
}

// ConjugateMultiply sets each cell to g[i]·conj(other[i]), forming the
// cross-power spectrum of two forward-transformed grids.
func (g *Grid3D) ConjugateMultiply(other *Grid3D) error {
	if g.dims != other.dims {
		return fmt.Errorf("grid %v vs %v: %w", g.dims, other.dims, ErrDimensionMismatch)
	}
	for i, v := range other.cells {
		g.cells[i] *= cmplx.Conj(v)
	}
	return nil
}

// Whiten normalizes every non-zero cell to unit magnitude, turning a
// cross-power spectrum into a pure phase correlation.
func (g *Grid3D) Whiten() {
	for i, v := range g.cells {
		if m := cmplx.Abs(v); m > 1e-12 {
			g.cells[i] = v / complex(m, 0)
		} else {
			g.cells[i] = 0
		}
	}
}

// MaxRealIndex returns the cell with the largest real part. Ties resolve to
// the lowest flat index.
func (g *Grid3D) MaxRealIndex() [3]int {
	best := 0
	for i, v := range g.cells {
		if real(v) > real(g.cells[best]) {
			best = i
		}
	}
	return g.unflatten(best)
}

func (g *Grid3D) unflatten(i int) [3]int {
	x := i % g.dims[0]
	i /= g.dims[0]
	y := i % g.dims[1]
	z := i / g.dims[1]
	return [3]int{x, y, z}
}

// Magnitudes returns |cell| for every cell in storage order.
func (g *Grid3D) Magnitudes() []float64 {
	out := make([]float64, len(g.cells))
	for i, v := range g.cells {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// RealParts returns real(cell) for every cell in storage order.
func (g *Grid3D) RealParts() []float64 {
	out := make([]float64, len(g.cells))
	for i, v := range g.cells {
		out[i] = real(v)
	}
	return out
}

func wrapIndex(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
