package align

import (
	"fmt"
	"math"
	"math/cmplx"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// CorrelationMode selects how polar rings are combined into one angular
// correlation.
type CorrelationMode string

const (
	// CorrelateRings correlates every (radius, layer) ring on its own and
	// sums the correlations.
	CorrelateRings CorrelationMode = "rings"
	// CorrelateProfile collapses each layer across radius before correlating.
	CorrelateProfile CorrelationMode = "profile"
)

// PolarResampler maps the xy planes of a spectrum magnitude onto an
// (angle, radius) lattice centred on the zero-frequency cell.
type PolarResampler struct {
	numAngles int
	numRadii  int
}

// NewPolarResampler creates a resampler. Zero for either resolution picks
// it from the grid: numRadii = max(dims[0], dims[1])/2, numAngles = 4*numRadii.
func NewPolarResampler(numAngles, numRadii int) (*PolarResampler, error) {
	if numAngles < 0 || numRadii < 0 {
		return nil, fmt.Errorf("polar resolution %dx%d: %w", numAngles, numRadii, ErrInvalidDimension)
	}
	return &PolarResampler{numAngles: numAngles, numRadii: numRadii}, nil
}

// Shape resolves the angle and radius counts used for a grid of dims.
func (r *PolarResampler) Shape(dims [3]int) (numAngles, numRadii int, err error) {
	maxRad := max(dims[0], dims[1]) / 2
	numAngles, numRadii = r.numAngles, r.numRadii
	if numRadii == 0 {
		numRadii = maxRad
	}
	if numAngles == 0 {
		numAngles = 4 * maxRad
	}
	if numAngles <= 0 || numRadii <= 0 {
		return 0, 0, fmt.Errorf("grid %v too small for polar resampling: %w", dims, ErrInvalidDimension)
	}
	return numAngles, numRadii, nil
}

// PolarField is a real (angle, radius, layer) field. Angle i spans
// 2πi/NumAngles; radius j sits at (0.5+j)/NumRadii of the half extent.
type PolarField struct {
	NumAngles int
	NumRadii  int
	NumLayers int
	values    []float64
}

func newPolarField(numAngles, numRadii, numLayers int) *PolarField {
	return &PolarField{
		NumAngles: numAngles,
		NumRadii:  numRadii,
		NumLayers: numLayers,
		values:    make([]float64, numAngles*numRadii*numLayers),
	}
}

func (f *PolarField) index(a, r, layer int) int {
	return a + f.NumAngles*(r+f.NumRadii*layer)
}

func (f *PolarField) At(a, r, layer int) float64 {
	return f.values[f.index(a, r, layer)]
}

// Values exposes the backing storage, angle fastest.
func (f *PolarField) Values() []float64 { return f.values }

func (f *PolarField) sameShape(o *PolarField) bool {
	return f.NumAngles == o.NumAngles && f.NumRadii == o.NumRadii && f.NumLayers == o.NumLayers
}

// Ring returns the angular samples at one radius and layer.
func (f *PolarField) Ring(r, layer int) *Array1D {
	start := f.index(0, r, layer)
	a, _ := FromReal(f.values[start : start+f.NumAngles])
	return a
}

// LayerProfile sums a layer across all radii.
func (f *PolarField) LayerProfile(layer int) *Array1D {
	a, _ := NewArray1D(f.NumAngles)
	for r := 0; r < f.NumRadii; r++ {
		start := f.index(0, r, layer)
		for i, v := range f.values[start : start+f.NumAngles] {
			a.data[i] += complex(v, 0)
		}
	}
	return a
}

// Profile sums the whole field down to one angular signal.
func (f *PolarField) Profile() *Array1D {
	a, _ := NewArray1D(f.NumAngles)
	for i, v := range f.values {
		a.data[i%f.NumAngles] += complex(v, 0)
	}
	return a
}

// RingSpectra replaces each ring by the magnitude of its angular DFT, the
// rotation invariant view of the field.
func (f *PolarField) RingSpectra() *PolarField {
	out := newPolarField(f.NumAngles, f.NumRadii, f.NumLayers)
	for layer := 0; layer < f.NumLayers; layer++ {
		for r := 0; r < f.NumRadii; r++ {
			ring := f.Ring(r, layer)
			ring.Forward()
			start := out.index(0, r, layer)
			for i, v := range ring.data {
				out.values[start+i] = cmplx.Abs(v)
			}
		}
	}
	return out
}

// Resample reads |g| along circles about the zero-frequency cell of every
// xy layer. Sample positions are bilinearly interpolated with periodic
// wraparound and weighted by their radius.
func (r *PolarResampler) Resample(g *Grid3D) (*PolarField, error) {
	dims := g.Dims()
	numAngles, numRadii, err := r.Shape(dims)
	if err != nil {
		return nil, err
	}
	field := newPolarField(numAngles, numRadii, dims[2])

	sin := make([]float64, numAngles)
	cos := make([]float64, numAngles)
	for i := range sin {
		angle := 2 * math.Pi * float64(i) / float64(numAngles)
		sin[i], cos[i] = math.Sincos(angle)
	}

	w0, w1 := float64(dims[0]), float64(dims[1])
	for layer := 0; layer < dims[2]; layer++ {
		for j := 0; j < numRadii; j++ {
			radius := (0.5 + float64(j)) / float64(numRadii)
			for i := 0; i < numAngles; i++ {
				x := radius * 0.5 * w0 * sin[i]
				y := radius * 0.5 * w1 * cos[i]
				if x < 0 {
					x += w0
				}
				if y < 0 {
					y += w1
				}
				field.values[field.index(i, j, layer)] = radius * bilinearMagnitude(g, x, y, layer)
			}
		}
	}
	return field, nil
}

func bilinearMagnitude(g *Grid3D, x, y float64, layer int) float64 {
	dims := g.Dims()
	x0f, y0f := math.Floor(x), math.Floor(y)
	fx, fy := x-x0f, y-y0f
	x0 := wrapIndex(int(x0f), dims[0])
	y0 := wrapIndex(int(y0f), dims[1])
	x1 := wrapIndex(x0+1, dims[0])
	y1 := wrapIndex(y0+1, dims[1])

	return (1-fx)*(1-fy)*cmplx.Abs(g.At(x0, y0, layer)) +
		fx*(1-fy)*cmplx.Abs(g.At(x1, y0, layer)) +
		(1-fx)*fy*cmplx.Abs(g.At(x0, y1, layer)) +
		fx*fy*cmplx.Abs(g.At(x1, y1, layer))
}

// AngularCorrelation correlates src against tgt over angle, layer by layer
// in parallel, and sums the result. The returned array peaks at d when
// src is tgt advanced by d angle bins.
func AngularCorrelation(src, tgt *PolarField, mode CorrelationMode) (*Array1D, error) {
	if !src.sameShape(tgt) {
		return nil, fmt.Errorf("polar field %dx%dx%d vs %dx%dx%d: %w",
			src.NumAngles, src.NumRadii, src.NumLayers,
			tgt.NumAngles, tgt.NumRadii, tgt.NumLayers, ErrDimensionMismatch)
	}
	if mode != CorrelateRings && mode != CorrelateProfile {
		return nil, fmt.Errorf("unknown correlation mode %q", mode)
	}

	perLayer := make([]*Array1D, src.NumLayers)
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for layer := 0; layer < src.NumLayers; layer++ {
		eg.Go(func() error {
			if mode == CorrelateProfile {
				c, err := src.LayerProfile(layer).Correlate(tgt.LayerProfile(layer))
				if err != nil {
					return err
				}
				perLayer[layer] = c
				return nil
			}
			sum, err := NewArray1D(src.NumAngles)
			if err != nil {
				return err
			}
			for r := 0; r < src.NumRadii; r++ {
				c, err := src.Ring(r, layer).Correlate(tgt.Ring(r, layer))
				if err != nil {
					return err
				}
				if err := sum.Add(c); err != nil {
					return err
				}
			}
			perLayer[layer] = sum
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	total, err := NewArray1D(src.NumAngles)
	if err != nil {
		return nil, err
	}
	for _, c := range perLayer {
		if err := total.Add(c); err != nil {
			return nil, err
		}
	}
	return total, nil
}
