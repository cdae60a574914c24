package tiling

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/setanarut/stylebuilder/tensor"
)

// Result is a loss evaluation. Gradient has the extent of the evaluated
// region; Rate and Count are carried through for the caller's reporting.
type Result struct {
	Value    float64
	Gradient *tensor.Tensor
	Rate     float64
	Count    int
}

// Problem evaluates the objective on one region of the canvas. tile is a
// private copy of the canvas pixels under r; other canvas-sized inputs
// such as content or masks are cut with r.Crop.
type Problem interface {
	Evaluate(ctx context.Context, r Region, tile *tensor.Tensor) (*Result, error)
}

// Scope isolates state that must not leak between whole-canvas and
// per-tile evaluation. Enter is called before the tiles are evaluated and
// the returned function after they finish.
type Scope interface {
	Enter() (exit func())
}

// Manager evaluates a Problem over the tiles of a layout.
type Manager struct {
	Layout  Layout
	Workers int
	Scope   Scope
}

func NewManager(layout Layout) *Manager {
	return &Manager{Layout: layout, Workers: runtime.NumCPU()}
}

// Evaluate runs p over every tile concurrently and assembles the tile
// gradients in region order; where tiles overlap the later tile wins.
// Values and rates are averaged and counts summed. A 1×1 layout evaluates
// the canvas directly.
func (m *Manager) Evaluate(ctx context.Context, canvas *tensor.Tensor, p Problem) (*Result, error) {
	l := m.Layout
	if canvas.W != l.Width || canvas.H != l.Height {
		return nil, fmt.Errorf("%w: canvas %s for layout %s", ErrGeometryMismatch, canvas, l)
	}
	if l.IsSingle() {
		res, err := p.Evaluate(ctx, Region{W: l.Width, H: l.Height}, canvas)
		if err != nil {
			return nil, err
		}
		if !res.Gradient.SameShape(canvas) {
			return nil, fmt.Errorf("%w: gradient %s for canvas %s", ErrGeometryMismatch, res.Gradient, canvas)
		}
		return res, nil
	}

	if m.Scope != nil {
		exit := m.Scope.Enter()
		defer exit()
	}
	regions := l.Regions()
	results := make([]*Result, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.Workers))
	for i, r := range regions {
		g.Go(func() error {
			res, err := p.Evaluate(ctx, r, r.Crop(canvas))
			if err != nil {
				return fmt.Errorf("tile %d,%d: %w", r.Col, r.Row, err)
			}
			if gr := res.Gradient; gr == nil || gr.W != r.W || gr.H != r.H || gr.Bands != canvas.Bands {
				return fmt.Errorf("%w: tile %d,%d gradient %v for %dx%dx%d", ErrGeometryMismatch, r.Col, r.Row, gr, r.W, r.H, canvas.Bands)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Result{Gradient: canvas.Zeros()}
	for i, r := range regions {
		res := results[i]
		if err := out.Gradient.Paste(res.Gradient, r.X, r.Y); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGeometryMismatch, err)
		}
		out.Value += res.Value
		out.Rate += res.Rate
		out.Count += res.Count
	}
	n := float64(len(regions))
	out.Value /= n
	out.Rate /= n
	if out.Gradient.Len() != canvas.Len() {
		return nil, fmt.Errorf("%w: assembled %d samples for %d", ErrGeometryMismatch, out.Gradient.Len(), canvas.Len())
	}
	return out, nil
}
