package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randomTensor(rng *rand.Rand, w, h, bands int) *Tensor {
	t := New(w, h, bands)
	for i := range t.Pix {
		t.Pix[i] = rng.NormFloat64()
	}
	return t
}

func TestFromPixRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name    string
		w, h, b int
		pix     int
		want    error
	}{
		{"zero width", 0, 4, 1, 0, ErrInvalidInput},
		{"zero bands", 4, 4, 0, 0, ErrInvalidInput},
		{"short buffer", 2, 2, 3, 11, ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromPix(tt.w, tt.h, tt.b, make([]float64, tt.pix))
			if !errors.Is(err, tt.want) {
				t.Errorf("FromPix() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCropWrapsAroundEdges(t *testing.T) {
	src := New(4, 3, 1)
	for i := range src.Pix {
		src.Pix[i] = float64(i)
	}
	c := src.Crop(3, 2, 2, 2)
	want := []float64{
		src.At(3, 2, 0), src.At(0, 2, 0),
		src.At(3, 0, 0), src.At(0, 0, 0),
	}
	for i, v := range want {
		if c.Pix[i] != v {
			t.Errorf("Crop pix[%d] = %v, want %v", i, c.Pix[i], v)
		}
	}
}

func TestPasteOverwrites(t *testing.T) {
	dst := New(4, 4, 2)
	a := New(3, 3, 2)
	a.Fill(1)
	b := New(3, 3, 2)
	b.Fill(2)
	if err := dst.Paste(a, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := dst.Paste(b, 2, 2); err != nil {
		t.Fatal(err)
	}
	if got := dst.At(2, 2, 1); got != 2 {
		t.Errorf("overlap sample = %v, want last writer 2", got)
	}
	if got := dst.At(0, 0, 0); got != 2 {
		t.Errorf("wrapped sample = %v, want 2", got)
	}
	if got := dst.At(1, 1, 0); got != 1 {
		t.Errorf("first tile sample = %v, want 1", got)
	}
	if err := dst.Paste(New(1, 1, 3), 0, 0); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("band mismatch error = %v", err)
	}
}

func TestConcatAndBand(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randomTensor(rng, 3, 2, 2)
	b := randomTensor(rng, 3, 2, 1)
	c, err := Concat(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if c.Bands != 3 {
		t.Fatalf("bands = %d, want 3", c.Bands)
	}
	got := c.Band(2)
	for i := range got.Pix {
		if got.Pix[i] != b.Pix[i] {
			t.Fatalf("band 2 pix[%d] = %v, want %v", i, got.Pix[i], b.Pix[i])
		}
	}
	if _, err := Concat(a, New(2, 2, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("extent mismatch error = %v", err)
	}
}

func TestMomentsMergeMatchesWhole(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := randomTensor(rng, 10, 7, 4)
	whole, err := Accumulate(x, nil)
	if err != nil {
		t.Fatal(err)
	}

	left, _ := Accumulate(x.Crop(0, 0, 6, 7), nil)
	right, _ := Accumulate(x.Crop(6, 0, 4, 7), nil)
	if err := left.Merge(right); err != nil {
		t.Fatal(err)
	}

	assertClose(t, "mean", left.Mean(), whole.Mean(), 1e-12)
	assertClose(t, "gram", left.Gram(), whole.Gram(), 1e-12)
	mu := whole.Mean()
	assertClose(t, "centered", left.CenteredGram(mu), whole.CenteredGram(mu), 1e-12)
}

func TestCenteredGramMatchesDirect(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomTensor(rng, 5, 5, 3)
	m, _ := Accumulate(x, nil)
	mu := m.Mean()
	want := make([]float64, 9)
	for p := range x.Pixels() {
		for i := range 3 {
			for j := range 3 {
				want[i*3+j] += (x.Pix[p*3+i] - mu[i]) * (x.Pix[p*3+j] - mu[j])
			}
		}
	}
	for i := range want {
		want[i] /= float64(x.Pixels())
	}
	assertClose(t, "centered", m.CenteredGram(mu), want, 1e-12)
}

func TestMaskedMoments(t *testing.T) {
	x := New(2, 1, 1)
	x.Pix[0], x.Pix[1] = 2, 10
	mask := New(2, 1, 1)
	mask.Pix[0], mask.Pix[1] = 1, 0
	m, err := Accumulate(x, mask)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Mean()[0]; got != 2 {
		t.Errorf("masked mean = %v, want 2", got)
	}
	if got := m.Gram()[0]; got != 4 {
		t.Errorf("masked gram = %v, want 4", got)
	}
	if _, err := Accumulate(x, New(2, 1, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("bad mask error = %v", err)
	}
}

func assertClose(t *testing.T, name string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len %d, want %d", name, len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol*(1+math.Abs(want[i])) {
			t.Errorf("%s[%d] = %v, want %v", name, i, got[i], want[i])
		}
	}
}
