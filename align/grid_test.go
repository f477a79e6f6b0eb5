package align

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-9

func mustGrid(t *testing.T, origin r3.Vec, w float64, dims [3]int) *Grid3D {
	t.Helper()
	g, err := NewGrid3D(origin, w, dims)
	require.NoError(t, err)
	return g
}

func TestGridDims(t *testing.T) {
	tests := []struct {
		name   string
		extent r3.Vec
		width  float64
		want   [3]int
	}{
		{"exact multiple keeps max corner", r3.Vec{X: 1, Y: 1, Z: 1}, 0.5, [3]int{3, 3, 3}},
		{"degenerate extent", r3.Vec{}, 0.5, [3]int{1, 1, 1}},
		{"fractional", r3.Vec{X: 1.2, Y: 0.3, Z: 0.49}, 0.5, [3]int{3, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GridDims(tt.extent, tt.width)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("GridDims() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGridDimsInvalid(t *testing.T) {
	for _, w := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := GridDims(r3.Vec{X: 1, Y: 1, Z: 1}, w)
		assert.ErrorIs(t, err, ErrInvalidDimension, "width %v", w)
	}
	_, err := GridDims(r3.Vec{X: -1}, 0.5)
	assert.ErrorIs(t, err, ErrInvalidDimension)
}

func TestNewGrid3DInvalid(t *testing.T) {
	tests := []struct {
		name  string
		width float64
		dims  [3]int
	}{
		{"zero dim", 1, [3]int{4, 0, 4}},
		{"negative dim", 1, [3]int{-1, 4, 4}},
		{"zero width", 0, [3]int{4, 4, 4}},
		{"nan width", math.NaN(), [3]int{4, 4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGrid3D(r3.Vec{}, tt.width, tt.dims)
			if !errors.Is(err, ErrInvalidDimension) {
				t.Fatalf("NewGrid3D() error = %v, want ErrInvalidDimension", err)
			}
		})
	}
}

func TestAccumulate(t *testing.T) {
	g := mustGrid(t, r3.Vec{X: -1, Y: -1, Z: 0}, 0.5, [3]int{4, 4, 2})

	assert.True(t, g.Accumulate(r3.Vec{X: -1, Y: -1, Z: 0}))
	assert.True(t, g.Accumulate(r3.Vec{X: 0.9, Y: 0.2, Z: 0.7}))
	assert.True(t, g.Accumulate(r3.Vec{X: 0.9, Y: 0.2, Z: 0.7}))
	assert.False(t, g.Accumulate(r3.Vec{X: 1.0, Y: 0, Z: 0}))
	assert.False(t, g.Accumulate(r3.Vec{X: 0, Y: -1.01, Z: 0}))
	assert.False(t, g.Accumulate(r3.Vec{X: math.NaN()}))

	assert.Equal(t, complex(1, 0), g.At(0, 0, 0))
	assert.Equal(t, complex(2, 0), g.At(3, 2, 1))
	assert.Equal(t, 3, g.Dropped())

	dropped := g.Fill([]r3.Vec{{X: 0, Y: 0, Z: 0}, {X: 5, Y: 5, Z: 5}})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 4, g.Dropped())
}

func randomGrid(t *testing.T, dims [3]int, seed int64) *Grid3D {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	g := mustGrid(t, r3.Vec{}, 1, dims)
	for i := range g.cells {
		g.cells[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	return g
}

func TestForwardInverseRoundTrip(t *testing.T) {
	for _, dims := range [][3]int{{8, 8, 8}, {5, 4, 3}, {7, 1, 6}, {1, 1, 1}} {
		g := randomGrid(t, dims, 42)
		orig := g.Clone()
		g.Forward()
		g.Inverse()
		for i, v := range g.cells {
			if cmplx.Abs(v-orig.cells[i]*RoundTripScale) > epsilon {
				t.Fatalf("dims %v cell %d: got %v, want %v", dims, i, v, orig.cells[i])
			}
		}
	}
}

// naiveDFT3 evaluates the forward DFT directly from its definition.
func naiveDFT3(g *Grid3D) []complex128 {
	d := g.Dims()
	out := make([]complex128, g.Len())
	for kz := 0; kz < d[2]; kz++ {
		for ky := 0; ky < d[1]; ky++ {
			for kx := 0; kx < d[0]; kx++ {
				var sum complex128
				for z := 0; z < d[2]; z++ {
					for y := 0; y < d[1]; y++ {
						for x := 0; x < d[0]; x++ {
							phase := -2 * math.Pi * (float64(kx*x)/float64(d[0]) +
								float64(ky*y)/float64(d[1]) + float64(kz*z)/float64(d[2]))
							sum += g.At(x, y, z) * cmplx.Exp(complex(0, phase))
						}
					}
				}
				out[g.Index(kx, ky, kz)] = sum
			}
		}
	}
	return out
}

func TestTransformLinesEveryLine(t *testing.T) {
	const n, lines = 8, 37
	rng := rand.New(rand.NewSource(3))
	data := make([]complex128, n*lines)
	for i := range data {
		data[i] = complex(rng.Float64(), rng.Float64())
	}
	want := make([]complex128, len(data))
	fft := fourier.NewCmplxFFT(n)
	starts := make([]int, lines)
	for k := range starts {
		starts[k] = k * n
		fft.Coefficients(want[k*n:(k+1)*n], data[k*n:(k+1)*n])
	}

	transformLines(data, starts, n, 1, false)
	for i := range data {
		assert.InDelta(t, real(want[i]), real(data[i]), 1e-12, "cell %d", i)
		assert.InDelta(t, imag(want[i]), imag(data[i]), 1e-12, "cell %d", i)
	}

	assert.NotPanics(t, func() { transformLines(data, nil, n, 1, false) })
}

func TestForwardMatchesDefinition(t *testing.T) {
	g := randomGrid(t, [3]int{3, 4, 2}, 7)
	want := naiveDFT3(g)
	g.Forward()
	for i, v := range g.cells {
		if cmplx.Abs(v-want[i]) > 1e-9 {
			t.Fatalf("cell %d: got %v, want %v", i, v, want[i])
		}
	}
}

func TestCrossPowerImpulsePeak(t *testing.T) {
	dims := [3]int{8, 6, 4}
	shift := [3]int{3, 1, 2}

	a := mustGrid(t, r3.Vec{}, 1, dims)
	b := mustGrid(t, r3.Vec{}, 1, dims)
	a.Set(shift[0], shift[1], shift[2], 1)
	b.Set(0, 0, 0, 1)

	a.Forward()
	b.Forward()
	require.NoError(t, a.ConjugateMultiply(b))
	a.Inverse()

	if diff := cmp.Diff(shift, a.MaxRealIndex()); diff != "" {
		t.Errorf("MaxRealIndex() mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 1.0, real(a.At(shift[0], shift[1], shift[2])), epsilon)
	assert.InDelta(t, 0.0, real(a.At(0, 0, 0)), epsilon)
}

func TestSelfCorrelationPeaksAtOrigin(t *testing.T) {
	a := randomGrid(t, [3]int{6, 5, 4}, 3)
	for i, v := range a.cells {
		a.cells[i] = complex(math.Abs(real(v)), 0)
	}
	b := a.Clone()
	a.Forward()
	b.Forward()
	require.NoError(t, a.ConjugateMultiply(b))
	a.Inverse()
	assert.Equal(t, [3]int{0, 0, 0}, a.MaxRealIndex())
}

func TestForwardInverseKeepsImpulse(t *testing.T) {
	g := mustGrid(t, r3.Vec{}, 1, [3]int{5, 7, 3})
	g.Set(4, 2, 1, 1)
	g.Forward()
	g.Inverse()
	assert.Equal(t, [3]int{4, 2, 1}, g.MaxRealIndex())
	assert.InDelta(t, RoundTripScale, real(g.At(4, 2, 1)), epsilon)
}

func TestConjugateMultiplyDimensionMismatch(t *testing.T) {
	extent := r3.Vec{X: 4, Y: 4, Z: 2}
	d1, err := GridDims(extent, 0.5)
	require.NoError(t, err)
	d2, err := GridDims(extent, 0.25)
	require.NoError(t, err)

	a := mustGrid(t, r3.Vec{}, 0.5, d1)
	b := mustGrid(t, r3.Vec{}, 0.25, d2)
	err = a.ConjugateMultiply(b)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("ConjugateMultiply() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestWhitenGivesUnitImpulse(t *testing.T) {
	dims := [3]int{8, 8, 4}
	a := randomGrid(t, dims, 11)
	for i, v := range a.cells {
		a.cells[i] = complex(math.Abs(real(v))+0.1, 0)
	}
	// b is a circularly shifted copy of a, so a[n] = b[n - d]
	d := [3]int{2, 5, 1}
	b := mustGrid(t, r3.Vec{}, 1, dims)
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				b.Set(x, y, z, a.AtWrapped(x+d[0], y+d[1], z+d[2]))
			}
		}
	}

	a.Forward()
	b.Forward()
	require.NoError(t, a.ConjugateMultiply(b))
	a.Whiten()
	a.Inverse()

	assert.Equal(t, d, a.MaxRealIndex())
	assert.InDelta(t, 1.0, real(a.At(d[0], d[1], d[2])), 1e-9)
}

func TestCellIndexing(t *testing.T) {
	g := mustGrid(t, r3.Vec{}, 1, [3]int{4, 3, 2})
	assert.Equal(t, 1+4*(2+3*1), g.Index(1, 2, 1))
	g.Set(3, 2, 1, 5)
	assert.Equal(t, complex(5, 0), g.AtWrapped(-1, -1, -1))
	assert.Equal(t, [3]int{3, 2, 1}, g.MaxRealIndex())
	assert.Len(t, g.Magnitudes(), 24)
}
