package tiling

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/setanarut/stylebuilder/tensor"
)

// echo returns the tile itself as its gradient, so an assembled gradient
// must reproduce the canvas.
type echo struct{}

func (echo) Evaluate(_ context.Context, _ Region, tile *tensor.Tensor) (*Result, error) {
	return &Result{Value: tile.Mean(), Gradient: tile.Clone(), Rate: 1, Count: tile.Pixels()}, nil
}

// stamp fills each tile's gradient with its 1-based index.
type stamp struct{ cols int }

func (s stamp) Evaluate(_ context.Context, r Region, tile *tensor.Tensor) (*Result, error) {
	g := tile.Zeros()
	g.Fill(float64(r.Row*s.cols + r.Col + 1))
	return &Result{Value: 1, Gradient: g}, nil
}

type problemFunc func(ctx context.Context, r Region, tile *tensor.Tensor) (*Result, error)

func (f problemFunc) Evaluate(ctx context.Context, r Region, tile *tensor.Tensor) (*Result, error) {
	return f(ctx, r, tile)
}

type countingScope struct{ enters, exits int }

func (s *countingScope) Enter() func() {
	s.enters++
	return func() { s.exits++ }
}

func TestLayoutCounts(t *testing.T) {
	tests := []struct {
		w, h, tile, pad int
		cols, rows      int
	}{
		{2000, 2000, 600, 10, 4, 4},
		{600, 600, 600, 10, 1, 1},
		{500, 300, 600, 10, 1, 1},
		{1000, 601, 600, 0, 2, 2},
		{1190, 100, 600, 10, 2, 1},
		{1191, 100, 600, 10, 3, 1},
	}
	for _, tt := range tests {
		l, err := NewLayout(tt.w, tt.h, tt.tile, tt.pad, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if l.Cols != tt.cols || l.Rows != tt.rows {
			t.Errorf("%dx%d tile %d pad %d: %dx%d, want %dx%d", tt.w, tt.h, tt.tile, tt.pad, l.Cols, l.Rows, tt.cols, tt.rows)
		}
	}
	if _, err := NewLayout(100, 100, 10, 10, 0, 0); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("zero stride error = %v", err)
	}
}

func TestLargeCanvasAssembly(t *testing.T) {
	l, err := NewLayout(2000, 2000, 600, 10, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if l.Cols != 4 || l.Rows != 4 {
		t.Fatalf("layout %s", l)
	}
	canvas := tensor.New(2000, 2000, 1)
	rng := rand.New(rand.NewSource(1))
	for i := range canvas.Pix {
		canvas.Pix[i] = rng.Float64()
	}
	res, err := NewManager(l).Evaluate(context.Background(), canvas, echo{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Gradient.Len() != canvas.Len() {
		t.Fatalf("gradient has %d samples, canvas %d", res.Gradient.Len(), canvas.Len())
	}
	for i := range canvas.Pix {
		if res.Gradient.Pix[i] != canvas.Pix[i] {
			t.Fatalf("sample %d not covered", i)
		}
	}
	if res.Count != 16*600*600 {
		t.Errorf("count = %d", res.Count)
	}
}

func TestWrappedAssemblyCoversCanvas(t *testing.T) {
	canvas := tensor.New(37, 23, 2)
	for i := range canvas.Pix {
		canvas.Pix[i] = float64(i + 1)
	}
	for _, off := range [][2]int{{5, 3}, {-4, 30}, {36, 22}} {
		l, err := NewLayout(37, 23, 10, 3, off[0], off[1])
		if err != nil {
			t.Fatal(err)
		}
		res, err := NewManager(l).Evaluate(context.Background(), canvas, echo{})
		if err != nil {
			t.Fatal(err)
		}
		for i := range canvas.Pix {
			if res.Gradient.Pix[i] != canvas.Pix[i] {
				t.Fatalf("offset %v: sample %d = %v, want %v", off, i, res.Gradient.Pix[i], canvas.Pix[i])
			}
		}
	}
}

func TestSingleTileMatchesDirectEvaluation(t *testing.T) {
	canvas := tensor.New(8, 6, 3)
	for i := range canvas.Pix {
		canvas.Pix[i] = float64(i % 7)
	}
	l, _ := NewLayout(8, 6, 16, 2, 0, 0)
	if !l.IsSingle() {
		t.Fatalf("layout %s is not single", l)
	}
	scope := &countingScope{}
	m := NewManager(l)
	m.Scope = scope
	var seen *tensor.Tensor
	p := problemFunc(func(_ context.Context, r Region, tile *tensor.Tensor) (*Result, error) {
		seen = tile
		g := tile.Clone()
		g.Scale(2)
		return &Result{Value: 3, Gradient: g, Rate: 0.5, Count: 1}, nil
	})
	res, err := m.Evaluate(context.Background(), canvas, p)
	if err != nil {
		t.Fatal(err)
	}
	if seen != canvas {
		t.Error("single tile was not evaluated on the canvas itself")
	}
	if res.Value != 3 || res.Rate != 0.5 || res.Count != 1 {
		t.Errorf("result = %+v", res)
	}
	for i, v := range canvas.Pix {
		if res.Gradient.Pix[i] != 2*v {
			t.Fatalf("gradient %d = %v", i, res.Gradient.Pix[i])
		}
	}
	if scope.enters != 0 {
		t.Error("single tile entered the scope")
	}
}

func TestOverlapLastWriterWins(t *testing.T) {
	l, err := NewLayout(18, 10, 10, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	scope := &countingScope{}
	m := NewManager(l)
	m.Scope = scope
	res, err := m.Evaluate(context.Background(), tensor.New(18, 10, 1), stamp{cols: l.Cols})
	if err != nil {
		t.Fatal(err)
	}
	// Tiles start at x=0 and x=8; columns 8 and 9 belong to both.
	for x, want := range map[int]float64{0: 1, 7: 1, 8: 2, 9: 2, 17: 2} {
		if got := res.Gradient.At(x, 5, 0); got != want {
			t.Errorf("x=%d: %v, want %v", x, got, want)
		}
	}
	if scope.enters != 1 || scope.exits != 1 {
		t.Errorf("scope entered %d, exited %d", scope.enters, scope.exits)
	}
}

func TestGeometryMismatchIsFatal(t *testing.T) {
	l, _ := NewLayout(20, 20, 8, 2, 0, 0)
	bad := problemFunc(func(_ context.Context, r Region, tile *tensor.Tensor) (*Result, error) {
		return &Result{Gradient: tensor.New(r.W-1, r.H, tile.Bands)}, nil
	})
	_, err := NewManager(l).Evaluate(context.Background(), tensor.New(20, 20, 1), bad)
	if !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("error = %v, want ErrGeometryMismatch", err)
	}
	_, err = NewManager(l).Evaluate(context.Background(), tensor.New(21, 20, 1), echo{})
	if !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("canvas mismatch error = %v", err)
	}
}
