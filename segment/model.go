package segment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/optimize"
	"github.com/setanarut/stylebuilder/tensor"
)

// mixModel is a per-pixel linear projection of feature bands to k class
// scores followed by a softmax: p = softmax(gain·(W·x + bias)).
type mixModel struct {
	k, bands int
	weights  *tensor.Tensor // k×bands, row-major
	bias     *tensor.Tensor
	gain     *tensor.Tensor
}

func bandMeans(X *mat.Dense) []float64 {
	_, bands := X.Dims()
	means := make([]float64, bands)
	col := make([]float64, X.RawMatrix().Rows)
	for c := range bands {
		mat.Col(col, c, X)
		means[c] = stat.Mean(col, nil)
	}
	return means
}

// pcaWeights returns k rows taken from the eigenvectors of the band
// covariance by descending eigenvalue, each scaled by λ^power. When k
// exceeds the band count the components repeat with flipped sign.
func pcaWeights(X *mat.Dense, k int, power float64) ([]float64, error) {
	_, bands := X.Dims()
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, X, nil)
	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return nil, fmt.Errorf("%w: covariance eigendecomposition failed", tensor.ErrInvalidInput)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	floor := max(floats.Max(values)*1e-6, 1e-12)
	w := make([]float64, k*bands)
	for r := range k {
		idx := bands - 1 - r%bands
		scale := math.Pow(max(values[idx], floor), power)
		if (r/bands)%2 == 1 {
			scale = -scale
		}
		for c := range bands {
			w[r*bands+c] = scale * vectors.At(c, idx)
		}
	}
	return w, nil
}

// kmeansWeights seeds one row per centroid so the class scores rank pixels
// by distance to the centroids: score = c·x - |c|²/2.
func kmeansWeights(f *tensor.Tensor, k int) (w, bias []float64, err error) {
	const maxSamples = 4000
	step := max(1, f.Pixels()/maxSamples)
	dataset := make(clusters.Observations, 0, f.Pixels()/step+1)
	for p := 0; p < f.Pixels(); p += step {
		dataset = append(dataset, clusters.Coordinates(f.Pix[p*f.Bands:(p+1)*f.Bands]))
	}
	if len(dataset) < k {
		return nil, nil, fmt.Errorf("%w: %d samples for %d clusters", tensor.ErrInvalidInput, len(dataset), k)
	}
	cc, err := kmeans.New().Partition(dataset, k)
	if err != nil {
		return nil, nil, err
	}
	if len(cc) != k {
		return nil, nil, fmt.Errorf("kmeans returned %d clusters for %d", len(cc), k)
	}
	w = make([]float64, k*f.Bands)
	bias = make([]float64, k)
	for r, c := range cc {
		if len(c.Center) != f.Bands {
			return nil, nil, fmt.Errorf("kmeans cluster %d has no center", r)
		}
		copy(w[r*f.Bands:(r+1)*f.Bands], c.Center)
		bias[r] = -floats.Dot(c.Center, c.Center) / 2
	}
	if floats.HasNaN(w) {
		return nil, nil, fmt.Errorf("kmeans produced NaN centers")
	}
	return w, bias, nil
}

// seed builds the initial model for features f.
func seed(f *tensor.Tensor, k int, opt Options) (*mixModel, error) {
	X := f.Matrix()
	bands := f.Bands
	means := bandMeans(X)

	var w, bias []float64
	var err error
	if opt.Seeding == KMeans {
		w, bias, err = kmeansWeights(f, k)
		if err != nil && opt.Verbose {
			log.Printf("segment warning: kmeans seeding failed (%v), using pca", err)
		}
	}
	if w == nil {
		if w, err = pcaWeights(X, k, opt.Power); err != nil {
			return nil, err
		}
		bias = make([]float64, k)
		if opt.Recenter {
			for r := range k {
				bias[r] = -floats.Dot(w[r*bands:(r+1)*bands], means)
			}
		}
	}

	if opt.Rescale {
		ms := make([]float64, k)
		for p := range f.Pixels() {
			x := f.Pix[p*bands : (p+1)*bands]
			for r := range k {
				z := floats.Dot(w[r*bands:(r+1)*bands], x) + bias[r]
				ms[r] += z * z
			}
		}
		top := floats.Max(ms)
		for r := range k {
			row := w[r*bands : (r+1)*bands]
			if ms[r] <= 1e-12*top {
				// Flat rows are dropped.
				clear(row)
				bias[r] = 0
				continue
			}
			s := 1 / math.Sqrt(ms[r]/float64(f.Pixels()))
			floats.Scale(s, row)
			bias[r] *= s
		}
	}

	// Fold the magnitude into the gain so the weights fit [-1, 1].
	gain := max(floats.Max(w), -floats.Min(w))
	if gain > 0 {
		floats.Scale(1/gain, w)
		floats.Scale(1/gain, bias)
	} else {
		gain = 1
	}
	return &mixModel{
		k:       k,
		bands:   bands,
		weights: tensor.Vector(w),
		bias:    tensor.Vector(bias),
		gain:    tensor.Scalar(gain),
	}, nil
}

func (m *mixModel) bindings() graph.Bindings {
	return graph.Bindings{"weights": m.weights, "bias": m.bias, "gain": m.gain}
}

// build wires p = softmax(gain·mix(x)) and the entropy objective over it.
func (m *mixModel) build(f *tensor.Tensor, emphasis float64) (g *graph.Graph, p, loss graph.NodeID, err error) {
	b := graph.NewBuilder()
	x := b.Constant(f)
	mix := b.LinearMix(x, b.Variable("weights"), b.Variable("bias"))
	p = b.Softmax(b.Gain(mix, b.Variable("gain")))
	loss = b.Entropy(p, emphasis)
	g, err = b.Build()
	return g, p, loss, err
}

// train fits the model to f. Exhausted retries and a non-finite start keep
// the last accepted model.
func (m *mixModel) train(ctx context.Context, f *tensor.Tensor, opt Options) (*tensor.Tensor, error) {
	g, p, loss, err := m.build(f, opt.Emphasis)
	if err != nil {
		return nil, err
	}
	if opt.Iterations > 0 {
		dopt := optimize.DefaultOptions()
		dopt.MaxIterations = opt.Iterations
		dopt.Orientation = optimize.NewLBFGS(5)
		if opt.Verbose {
			dopt.Monitor = func(pr optimize.Progress) {
				log.Printf("   segment iter %d/%d entropy=%.6f accepted=%v", pr.Iteration, opt.Iterations, pr.Value, pr.Accepted)
			}
		}
		params := []optimize.Param{
			{Name: "weights", Value: m.weights, Region: optimize.Range{Min: -1, Max: 1}},
			{Name: "bias", Value: m.bias},
			{Name: "gain", Value: m.gain, Region: optimize.Static{}},
		}
		obj := optimize.ObjectiveFunc(func(ctx context.Context) (float64, map[string]*tensor.Tensor, error) {
			eval, err := g.Gradient(ctx, m.bindings(), loss)
			if err != nil {
				return 0, nil, err
			}
			return eval.Value, eval.Gradients, nil
		})
		_, err := optimize.NewDriver(dopt).Run(ctx, params, obj)
		switch {
		case errors.Is(err, optimize.ErrRetriesExhausted), errors.Is(err, optimize.ErrNonFinite):
			if opt.Verbose {
				log.Printf("segment warning: training stopped early: %v", err)
			}
		case err != nil:
			return nil, err
		}
	}
	return g.Forward(ctx, m.bindings(), p)
}
