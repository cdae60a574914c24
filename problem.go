package stylebuilder

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/loss"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/tiling"
)

// canvasParam names the canvas variable in loss graphs and gradients.
const canvasParam = "canvas"

type compiled struct {
	g   *graph.Graph
	out graph.NodeID
}

// canvasProblem holds one loss graph per tile of a phase. Graphs only read
// the tile they are bound to, so tiles evaluate concurrently.
type canvasProblem struct {
	graphs map[tiling.Region]compiled
}

func (p *canvasProblem) Evaluate(ctx context.Context, r tiling.Region, tile *tensor.Tensor) (*tiling.Result, error) {
	c, ok := p.graphs[r]
	if !ok {
		return nil, fmt.Errorf("%w: no loss graph for tile %d,%d at %d,%d", tiling.ErrGeometryMismatch, r.Col, r.Row, r.X, r.Y)
	}
	eval, err := c.g.Gradient(ctx, graph.Bindings{canvasParam: tile}, c.out)
	if err != nil {
		return nil, err
	}
	grad := eval.Gradients[canvasParam]
	if grad == nil {
		grad = tile.Zeros()
	}
	return &tiling.Result{Value: eval.Value, Gradient: grad, Rate: 1, Count: r.W * r.H}, nil
}

// contentLayers lists the layers with a non-zero content weight.
func contentLayers(c loss.ContentCoefficients) []network.LayerID {
	return lo.Filter(loss.Layers(loss.Request{ContentCoefficients: c}), func(id network.LayerID, _ int) bool {
		return c[id] != 0
	})
}

// newProblem compiles the loss graph of every tile of layout. content may be
// nil; segment masks have the canvas extent and are cropped per tile.
func (b *StyleBuilder) newProblem(ctx context.Context, layout tiling.Layout, content *tensor.Tensor, segments []loss.Segment) (*canvasProblem, error) {
	regions := layout.Regions()
	if layout.IsSingle() {
		regions = []tiling.Region{{W: layout.Width, H: layout.Height}}
	}
	var layers []network.LayerID
	var coeff loss.ContentCoefficients
	if content != nil {
		layers = contentLayers(b.Options.Content)
		coeff = b.Options.Content
	}

	built := make([]compiled, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, b.Options.Workers))
	for i, r := range regions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			req := loss.Request{ContentCoefficients: coeff}
			if len(layers) > 0 {
				ct, err := b.extractor.Content(r.Crop(content), layers)
				if err != nil {
					return fmt.Errorf("content target: %w", err)
				}
				req.Content = ct
			}
			for _, s := range segments {
				if s.Mask != nil {
					s.Mask = r.Crop(s.Mask)
				}
				req.Segments = append(req.Segments, s)
			}
			bld := graph.NewBuilder()
			composer := loss.NewComposer(b.net)
			composer.Quiet = i > 0
			out, err := composer.Compose(bld, bld.Variable(canvasParam), r.W, r.H, 3, req)
			if err != nil {
				return err
			}
			lg, err := bld.Build()
			if err != nil {
				return err
			}
			built[i] = compiled{g: lg, out: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p := &canvasProblem{graphs: make(map[tiling.Region]compiled, len(regions))}
	for i, r := range regions {
		p.graphs[r] = built[i]
	}
	return p, nil
}
