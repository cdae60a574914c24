// Package tensor holds the dense multi-band sample arrays shared by every
// stage of the synthesis pipeline.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense W×H×Bands array of samples.
// Bands are interleaved: the sample (x, y, b) lives at (y*W+x)*Bands+b.
type Tensor struct {
	W, H, Bands int
	Pix         []float64
}

// New returns a zero-filled tensor.
func New(w, h, bands int) *Tensor {
	return &Tensor{W: w, H: h, Bands: bands, Pix: make([]float64, w*h*bands)}
}

// FromPix wraps pix without copying.
func FromPix(w, h, bands int, pix []float64) (*Tensor, error) {
	t := &Tensor{W: w, H: h, Bands: bands, Pix: pix}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(pix) != w*h*bands {
		return nil, fmt.Errorf("%w: %d samples for %dx%dx%d", ErrShapeMismatch, len(pix), w, h, bands)
	}
	return t, nil
}

// Scalar returns a 1×1×1 tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{W: 1, H: 1, Bands: 1, Pix: []float64{v}}
}

// Vector returns a 1×1×len(v) tensor sharing v.
func Vector(v []float64) *Tensor {
	return &Tensor{W: 1, H: 1, Bands: len(v), Pix: v}
}

// Validate reports ErrInvalidInput for nil or zero-extent tensors.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrInvalidInput)
	}
	if t.W <= 0 || t.H <= 0 || t.Bands <= 0 {
		return fmt.Errorf("%w: extent %dx%dx%d", ErrInvalidInput, t.W, t.H, t.Bands)
	}
	return nil
}

func (t *Tensor) Len() int    { return len(t.Pix) }
func (t *Tensor) Pixels() int { return t.W * t.H }

// Offset returns the index of band 0 of pixel (x, y).
func (t *Tensor) Offset(x, y int) int {
	return (y*t.W + x) * t.Bands
}

func (t *Tensor) At(x, y, b int) float64 {
	return t.Pix[t.Offset(x, y)+b]
}

func (t *Tensor) Set(x, y, b int, v float64) {
	t.Pix[t.Offset(x, y)+b] = v
}

// Dims returns the width, height and band count.
func (t *Tensor) Dims() (int, int, int) {
	return t.W, t.H, t.Bands
}

// SameShape reports whether o has identical extent.
func (t *Tensor) SameShape(o *Tensor) bool {
	return o != nil && t.W == o.W && t.H == o.H && t.Bands == o.Bands
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{W: t.W, H: t.H, Bands: t.Bands, Pix: make([]float64, len(t.Pix))}
	copy(out.Pix, t.Pix)
	return out
}

// Zeros returns a zero tensor with the shape of t.
func (t *Tensor) Zeros() *Tensor {
	return New(t.W, t.H, t.Bands)
}

func (t *Tensor) Fill(v float64) {
	for i := range t.Pix {
		t.Pix[i] = v
	}
}

// Scale multiplies every sample by f in place.
func (t *Tensor) Scale(f float64) {
	floats.Scale(f, t.Pix)
}

// AddScaled adds f*o to t in place.
func (t *Tensor) AddScaled(f float64, o *Tensor) error {
	if len(o.Pix) != len(t.Pix) {
		return fmt.Errorf("%w: %d vs %d samples", ErrShapeMismatch, len(t.Pix), len(o.Pix))
	}
	floats.AddScaled(t.Pix, f, o.Pix)
	return nil
}

// Dot returns the inner product of the sample buffers.
func (t *Tensor) Dot(o *Tensor) float64 {
	return floats.Dot(t.Pix, o.Pix)
}

// RMS is the root mean square over all samples.
func (t *Tensor) RMS() float64 {
	if len(t.Pix) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(t.Pix, t.Pix) / float64(len(t.Pix)))
}

func (t *Tensor) Mean() float64 {
	if len(t.Pix) == 0 {
		return 0
	}
	return floats.Sum(t.Pix) / float64(len(t.Pix))
}

// IsFinite reports whether no sample is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clamp limits every sample to [lo, hi].
func (t *Tensor) Clamp(lo, hi float64) {
	for i, v := range t.Pix {
		t.Pix[i] = min(hi, max(lo, v))
	}
}

// Matrix returns a Pixels×Bands view sharing the sample buffer.
func (t *Tensor) Matrix() *mat.Dense {
	return mat.NewDense(t.Pixels(), t.Bands, t.Pix)
}

// Band copies band b into a single-band tensor.
func (t *Tensor) Band(b int) *Tensor {
	out := New(t.W, t.H, 1)
	for i := range t.Pixels() {
		out.Pix[i] = t.Pix[i*t.Bands+b]
	}
	return out
}

// SumBands collapses all bands of each pixel into one.
func (t *Tensor) SumBands() *Tensor {
	out := New(t.W, t.H, 1)
	for i := range t.Pixels() {
		out.Pix[i] = floats.Sum(t.Pix[i*t.Bands : (i+1)*t.Bands])
	}
	return out
}

// Concat stacks tensors of equal extent along the band axis.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInvalidInput)
	}
	w, h := ts[0].W, ts[0].H
	bands := 0
	for _, t := range ts {
		if t.W != w || t.H != h {
			return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, t.W, t.H, w, h)
		}
		bands += t.Bands
	}
	out := New(w, h, bands)
	for i := range w * h {
		off := i * bands
		for _, t := range ts {
			copy(out.Pix[off:off+t.Bands], t.Pix[i*t.Bands:(i+1)*t.Bands])
			off += t.Bands
		}
	}
	return out, nil
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Crop copies the w×h window at (x0, y0). Coordinates outside the tensor
// wrap around, so windows may straddle the edges of a toroidal canvas.
func (t *Tensor) Crop(x0, y0, w, h int) *Tensor {
	out := New(w, h, t.Bands)
	for y := range h {
		sy := wrap(y0+y, t.H)
		for x := range w {
			sx := wrap(x0+x, t.W)
			copy(out.Pix[out.Offset(x, y):out.Offset(x, y)+t.Bands], t.Pix[t.Offset(sx, sy):t.Offset(sx, sy)+t.Bands])
		}
	}
	return out
}

// Paste writes src into t at (x0, y0), wrapping like Crop. Samples already
// present are overwritten.
func (t *Tensor) Paste(src *Tensor, x0, y0 int) error {
	if src.Bands != t.Bands {
		return fmt.Errorf("%w: %d bands into %d", ErrShapeMismatch, src.Bands, t.Bands)
	}
	for y := range src.H {
		dy := wrap(y0+y, t.H)
		for x := range src.W {
			dx := wrap(x0+x, t.W)
			copy(t.Pix[t.Offset(dx, dy):t.Offset(dx, dy)+t.Bands], src.Pix[src.Offset(x, y):src.Offset(x, y)+src.Bands])
		}
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%dx%dx%d)", t.W, t.H, t.Bands)
}
