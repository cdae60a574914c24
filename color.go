package stylebuilder

import (
	"context"
	"errors"
	"log"

	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/loss"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/optimize"
	"github.com/setanarut/stylebuilder/stats"
	"github.com/setanarut/stylebuilder/tensor"
)

// colorPivot is the gray level the color matrix rotates around.
const colorPivot = 127.5

// ColorTransform maps RGB pixels as Bias + Matrix·(rgb - 127.5). Matrix is
// row major, one row per output channel.
type ColorTransform struct {
	Matrix *tensor.Tensor
	Bias   *tensor.Tensor
}

func IdentityTransform() *ColorTransform {
	return &ColorTransform{
		Matrix: tensor.Vector([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
		Bias:   tensor.Vector([]float64{colorPivot, colorPivot, colorPivot}),
	}
}

// Apply returns the transformed copy of an RGB tensor.
func (c *ColorTransform) Apply(img *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(img.W, img.H, 3)
	m := c.Matrix.Pix
	for p := range img.Pixels() {
		in := img.Pix[p*img.Bands : p*img.Bands+3]
		for o := range 3 {
			v := c.Bias.Pix[o]
			for i, x := range in {
				v += m[o*3+i] * (x - colorPivot)
			}
			out.Pix[p*3+o] = v
		}
	}
	return out
}

// FitColorTransform fits an orthonormal color rotation plus bias so that
// the transformed img matches the mean and covariance terms of coeff
// against target. Enhance weights are ignored. A run cut short by
// rejected or non-finite steps returns the last accepted transform.
func FitColorTransform(ctx context.Context, net network.Network, img *tensor.Tensor, target *stats.StyleTarget, coeff loss.StyleCoefficients, iterations int, verbose bool) (*ColorTransform, error) {
	ct := IdentityTransform()
	if iterations <= 0 {
		return ct, nil
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	shifted := img.Clone()
	for i := range shifted.Pix {
		shifted.Pix[i] -= colorPivot
	}

	fit := make(loss.StyleCoefficients, len(coeff))
	for id, c := range coeff {
		if c.Mean != 0 || c.Covariance != 0 {
			fit[id] = loss.LayerCoefficients{Mean: c.Mean, Covariance: c.Covariance, Centering: c.Centering}
		}
	}

	b := graph.NewBuilder()
	mix := b.LinearMix(b.Constant(shifted), b.Variable("color.matrix"), b.Variable("color.bias"))
	composer := loss.NewComposer(net)
	composer.Quiet = !verbose
	out, err := composer.Compose(b, mix, img.W, img.H, 3, loss.Request{
		Segments: []loss.Segment{{Target: target, Coefficients: fit}},
	})
	if err != nil {
		return nil, err
	}
	g, err := b.Build()
	if err != nil {
		return nil, err
	}

	bind := graph.Bindings{"color.matrix": ct.Matrix, "color.bias": ct.Bias}
	params := []optimize.Param{
		{Name: "color.matrix", Value: ct.Matrix, Region: optimize.Orthonormal{Rows: 3, Cols: 3}},
		{Name: "color.bias", Value: ct.Bias},
	}
	dopt := optimize.DefaultOptions()
	dopt.MaxIterations = iterations
	dopt.Orientation = optimize.NewLBFGS(5)
	if verbose {
		dopt.Monitor = func(p optimize.Progress) {
			log.Printf("   color iter %d/%d loss=%.6f accepted=%v", p.Iteration, iterations, p.Value, p.Accepted)
		}
	}
	obj := optimize.ObjectiveFunc(func(ctx context.Context) (float64, map[string]*tensor.Tensor, error) {
		eval, err := g.Gradient(ctx, bind, out)
		if err != nil {
			return 0, nil, err
		}
		return eval.Value, eval.Gradients, nil
	})
	_, err = optimize.NewDriver(dopt).Run(ctx, params, obj)
	switch {
	case errors.Is(err, optimize.ErrRetriesExhausted), errors.Is(err, optimize.ErrNonFinite):
		log.Printf("color warning: transform fit stopped early: %v", err)
	case err != nil:
		return nil, err
	}
	return ct, nil
}
