package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Moments are the raw weighted first and second moments of a tensor's
// pixel vectors. Moments from disjoint regions merge by summation, which is
// what makes tiled statistics reproduce whole-image statistics.
type Moments struct {
	Bands  int
	Weight float64   // Σw, the pixel count when unweighted
	Sum    []float64 // Σ w·x
	Outer  []float64 // Σ w·x·xᵀ, row-major Bands×Bands
}

// CheckMask verifies mask is a single-band weight map matching x.
func CheckMask(x, mask *Tensor) error {
	if mask == nil {
		return nil
	}
	if mask.Bands != 1 || mask.W != x.W || mask.H != x.H {
		return fmt.Errorf("%w: mask %dx%dx%d for %dx%d", ErrShapeMismatch, mask.W, mask.H, mask.Bands, x.W, x.H)
	}
	return nil
}

// Accumulate computes the moments of x. A nil mask weights every pixel 1.
func Accumulate(x, mask *Tensor) (*Moments, error) {
	if err := x.Validate(); err != nil {
		return nil, err
	}
	if err := CheckMask(x, mask); err != nil {
		return nil, err
	}
	n, bands := x.Pixels(), x.Bands
	m := &Moments{
		Bands: bands,
		Sum:   make([]float64, bands),
		Outer: make([]float64, bands*bands),
	}

	X := x.Matrix()
	weighted := X
	if mask != nil {
		wx := make([]float64, len(x.Pix))
		for p := range n {
			w := mask.Pix[p]
			m.Weight += w
			for b := range bands {
				wx[p*bands+b] = w * x.Pix[p*bands+b]
			}
		}
		weighted = mat.NewDense(n, bands, wx)
	} else {
		m.Weight = float64(n)
	}
	raw := weighted.RawMatrix()
	for p := range n {
		row := raw.Data[p*raw.Stride : p*raw.Stride+bands]
		for b, v := range row {
			m.Sum[b] += v
		}
	}
	outer := mat.NewDense(bands, bands, m.Outer)
	outer.Mul(X.T(), weighted)
	return m, nil
}

// Merge folds o into m.
func (m *Moments) Merge(o *Moments) error {
	if o.Bands != m.Bands {
		return fmt.Errorf("%w: %d vs %d bands", ErrShapeMismatch, m.Bands, o.Bands)
	}
	m.Weight += o.Weight
	for i, v := range o.Sum {
		m.Sum[i] += v
	}
	for i, v := range o.Outer {
		m.Outer[i] += v
	}
	return nil
}

// Mean is Σw·x / Σw. A zero weight yields NaN samples.
func (m *Moments) Mean() []float64 {
	out := make([]float64, m.Bands)
	for i, v := range m.Sum {
		out[i] = v / m.Weight
	}
	return out
}

// Gram is the origin-centered second moment Σw·x·xᵀ / Σw.
func (m *Moments) Gram() []float64 {
	out := make([]float64, len(m.Outer))
	for i, v := range m.Outer {
		out[i] = v / m.Weight
	}
	return out
}

// CenteredGram is E[(x-c)(x-c)ᵀ] for a fixed center c, expanded from the
// raw moments so it stays exact when the moments were merged from tiles.
func (m *Moments) CenteredGram(c []float64) []float64 {
	mu := m.Mean()
	g := m.Gram()
	bands := m.Bands
	for i := range bands {
		for j := range bands {
			g[i*bands+j] += -c[i]*mu[j] - mu[i]*c[j] + c[i]*c[j]
		}
	}
	return g
}
