package align

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Array1D is a fixed-length complex sequence with in-place 1D transforms.
// It is not safe for concurrent use.
type Array1D struct {
	data []complex128
	fft  *fourier.CmplxFFT
}

// NewArray1D allocates a zeroed array of length n.
func NewArray1D(n int) (*Array1D, error) {
	if n <= 0 {
		return nil, fmt.Errorf("array length %d: %w", n, ErrInvalidDimension)
	}
	return &Array1D{data: make([]complex128, n)}, nil
}

// FromReal builds an array whose real parts are values.
func FromReal(values []float64) (*Array1D, error) {
	a, err := NewArray1D(len(values))
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		a.data[i] = complex(v, 0)
	}
	return a, nil
}

func (a *Array1D) Len() int                { return len(a.data) }
func (a *Array1D) At(i int) complex128     { return a.data[i] }
func (a *Array1D) Set(i int, v complex128) { a.data[i] = v }

// Clone returns a deep copy. The copy plans its own transforms.
func (a *Array1D) Clone() *Array1D {
	return &Array1D{data: append([]complex128(nil), a.data...)}
}

func (a *Array1D) plan() *fourier.CmplxFFT {
	if a.fft == nil || a.fft.Len() != len(a.data) {
		a.fft = fourier.NewCmplxFFT(len(a.data))
	}
	return a.fft
}

// Forward replaces the array with its unnormalized DFT.
func (a *Array1D) Forward() {
	out := a.plan().Coefficients(nil, a.data)
	copy(a.data, out)
}

// Inverse replaces the array with its inverse DFT divided by the length.
func (a *Array1D) Inverse() {
	out := a.plan().Sequence(nil, a.data)
	scale := complex(1/float64(len(out)), 0)
	for i, v := range out {
		a.data[i] = v * scale
	}
}

// ConjugateMultiply sets a[i] = a[i]·conj(other[i]).
func (a *Array1D) ConjugateMultiply(other *Array1D) error {
	if len(a.data) != len(other.data) {
		return fmt.Errorf("array length %d vs %d: %w", len(a.data), len(other.data), ErrDimensionMismatch)
	}
	for i, v := range other.data {
		a.data[i] *= cmplx.Conj(v)
	}
	return nil
}

// Add accumulates other into a elementwise.
func (a *Array1D) Add(other *Array1D) error {
	if len(a.data) != len(other.data) {
		return fmt.Errorf("array length %d vs %d: %w", len(a.data), len(other.data), ErrDimensionMismatch)
	}
	for i, v := range other.data {
		a.data[i] += v
	}
	return nil
}

// MaxRealIndex returns the index of the largest real part, lowest index on ties.
func (a *Array1D) MaxRealIndex() int {
	best := 0
	for i, v := range a.data {
		if real(v) > real(a.data[best]) {
			best = i
		}
	}
	return best
}

// Real returns the real parts.
func (a *Array1D) Real() []float64 {
	out := make([]float64, len(a.data))
	for i, v := range a.data {
		out[i] = real(v)
	}
	return out
}

// Magnitudes returns |a[i]|.
func (a *Array1D) Magnitudes() []float64 {
	out := make([]float64, len(a.data))
	for i, v := range a.data {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// Correlate returns the circular cross-correlation of a with other,
// IFFT(FFT(a)·conj(FFT(other))). The result peaks at d when a[n] ≈ other[n-d].
// Neither input is modified.
func (a *Array1D) Correlate(other *Array1D) (*Array1D, error) {
	if len(a.data) != len(other.data) {
		return nil, fmt.Errorf("array length %d vs %d: %w", len(a.data), len(other.data), ErrDimensionMismatch)
	}
	x := a.Clone()
	y := other.Clone()
	x.Forward()
	y.fft = x.fft
	y.Forward()
	if err := x.ConjugateMultiply(y); err != nil {
		return nil, err
	}
	x.Inverse()
	return x, nil
}
