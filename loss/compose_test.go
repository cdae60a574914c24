package loss

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/stats"
	"github.com/setanarut/stylebuilder/tensor"
)

func testNet(t *testing.T) *network.ConvNet {
	t.Helper()
	net, err := network.NewConvNet(network.Config{
		InputBands: 3,
		InputScale: 1.0 / 255.0,
		Slope:      0.1,
		Seed:       3,
		Stages: []network.StageConfig{
			{Filters: 4, Kernel: 3},
			{Filters: 6, Kernel: 3, Pool: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return net
}

func randomImage(rng *rand.Rand, w, h int) *tensor.Tensor {
	img := tensor.New(w, h, 3)
	for i := range img.Pix {
		img.Pix[i] = rng.Float64() * 255
	}
	return img
}

func evaluate(t *testing.T, net network.Network, canvas *tensor.Tensor, req Request) *graph.Evaluation {
	t.Helper()
	b := graph.NewBuilder()
	in := b.Variable("canvas")
	out, err := NewComposer(net).Compose(b, in, canvas.W, canvas.H, canvas.Bands, req)
	if err != nil {
		t.Fatal(err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	eval, err := g.Gradient(context.Background(), graph.Bindings{"canvas": canvas}, out)
	if err != nil {
		t.Fatal(err)
	}
	return eval
}

func measure(t *testing.T, net network.Network, img, mask *tensor.Tensor) *stats.StyleTarget {
	t.Helper()
	target, err := stats.NewExtractor(net, stats.DefaultOptions()).Measure(context.Background(), img, mask, net.Layers())
	if err != nil {
		t.Fatal(err)
	}
	return target
}

func TestZeroWeightIsOmitted(t *testing.T) {
	net := testNet(t)
	rng := rand.New(rand.NewSource(1))
	style := randomImage(rng, 8, 6)
	canvas := randomImage(rng, 8, 6)
	target := measure(t, net, style, nil)
	content, err := stats.NewExtractor(net, stats.DefaultOptions()).Content(style, net.Layers())
	if err != nil {
		t.Fatal(err)
	}

	withZeros := Request{
		Content:             content,
		ContentCoefficients: ContentCoefficients{0: 0, 1: 1},
		Segments: []Segment{{
			Target: target,
			Coefficients: StyleCoefficients{
				0: {Mean: 10, Covariance: 1, Enhance: 0, Centering: Dynamic},
				1: {},
			},
		}},
	}
	omitted := Request{
		Content:             content,
		ContentCoefficients: ContentCoefficients{1: 1},
		Segments: []Segment{{
			Target:       target,
			Coefficients: StyleCoefficients{0: {Mean: 10, Covariance: 1, Centering: Dynamic}},
		}},
	}
	a := evaluate(t, net, canvas, withZeros)
	b := evaluate(t, net, canvas, omitted)
	if math.Float64bits(a.Value) != math.Float64bits(b.Value) {
		t.Fatalf("values differ: %v vs %v", a.Value, b.Value)
	}
	ga, gb := a.Gradients["canvas"], b.Gradients["canvas"]
	for i := range ga.Pix {
		if math.Float64bits(ga.Pix[i]) != math.Float64bits(gb.Pix[i]) {
			t.Fatalf("gradient %d differs: %v vs %v", i, ga.Pix[i], gb.Pix[i])
		}
	}
}

func TestMissingTargetIsSkipped(t *testing.T) {
	net := testNet(t)
	rng := rand.New(rand.NewSource(2))
	style := randomImage(rng, 6, 6)
	canvas := randomImage(rng, 6, 6)
	full := measure(t, net, style, nil)
	partial := stats.NewStyleTarget()
	partial.Layers[0] = full.Layers[0]

	composer := NewComposer(net)
	composer.Quiet = true
	build := func(coeffs StyleCoefficients) float64 {
		b := graph.NewBuilder()
		in := b.Variable("canvas")
		out, err := composer.Compose(b, in, 6, 6, 3, Request{Segments: []Segment{{Target: partial, Coefficients: coeffs}}})
		if err != nil {
			t.Fatal(err)
		}
		g, _ := b.Build()
		v, err := g.Forward(context.Background(), graph.Bindings{"canvas": canvas}, out)
		if err != nil {
			t.Fatal(err)
		}
		return v.Pix[0]
	}
	got := build(StyleCoefficients{0: {Mean: 1, Covariance: 1}, 1: {Mean: 5, Covariance: 5}})
	want := build(StyleCoefficients{0: {Mean: 1, Covariance: 1}})
	if got != want {
		t.Errorf("missing layer changed the loss: %v vs %v", got, want)
	}
}

func TestEmptyLoss(t *testing.T) {
	net := testNet(t)
	b := graph.NewBuilder()
	in := b.Variable("canvas")
	_, err := NewComposer(net).Compose(b, in, 4, 4, 3, Request{
		Segments: []Segment{{Target: stats.NewStyleTarget(), Coefficients: StyleCoefficients{0: {}}}},
	})
	if !errors.Is(err, ErrEmptyLoss) {
		t.Errorf("error = %v, want ErrEmptyLoss", err)
	}
}

func TestSelfTargetHasZeroLoss(t *testing.T) {
	net := testNet(t)
	img := randomImage(rand.New(rand.NewSource(3)), 7, 5)
	mask := tensor.New(7, 5, 1)
	for y := range 5 {
		for x := range 4 {
			mask.Set(x, y, 0, 1)
		}
	}
	for _, mode := range []CenteringMode{Origin, Dynamic, Static} {
		t.Run(mode.String(), func(t *testing.T) {
			target := measure(t, net, img, nil)
			eval := evaluate(t, net, img, Request{Segments: []Segment{{
				Target:       target,
				Coefficients: StyleCoefficients{0: {Mean: 3, Covariance: 2, Centering: mode}, 1: {Covariance: 1, Centering: mode}},
			}}})
			if math.Abs(eval.Value) > 1e-12 {
				t.Errorf("loss = %v, want 0", eval.Value)
			}
		})
	}

	// Statistics measured under a mask must match the masked loss at the
	// first layer, which is not pooled.
	target := measure(t, net, img, mask)
	eval := evaluate(t, net, img, Request{Segments: []Segment{{
		Mask:         mask,
		Target:       target,
		Coefficients: StyleCoefficients{0: {Mean: 1, Covariance: 1, Centering: Static}},
	}}})
	if math.Abs(eval.Value) > 1e-12 {
		t.Errorf("masked loss = %v, want 0", eval.Value)
	}
}

func TestEnhanceLowersLossWithVariance(t *testing.T) {
	net := testNet(t)
	rng := rand.New(rand.NewSource(4))
	img := randomImage(rng, 6, 6)
	target := measure(t, net, img, nil)
	eval := evaluate(t, net, img, Request{Segments: []Segment{{
		Target:       target,
		Coefficients: StyleCoefficients{1: {Enhance: 1, Centering: Dynamic}},
	}}})
	if eval.Value >= 0 {
		t.Errorf("enhance loss = %v, want negative", eval.Value)
	}
}

func TestMaskShapeMismatch(t *testing.T) {
	net := testNet(t)
	img := randomImage(rand.New(rand.NewSource(5)), 6, 6)
	target := measure(t, net, img, nil)
	b := graph.NewBuilder()
	in := b.Variable("canvas")
	_, err := NewComposer(net).Compose(b, in, 6, 6, 3, Request{Segments: []Segment{{
		Mask:         tensor.New(3, 3, 1),
		Target:       target,
		Coefficients: StyleCoefficients{0: {Mean: 1}},
	}}})
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("error = %v, want ErrShapeMismatch", err)
	}
}

func TestLayers(t *testing.T) {
	req := Request{
		ContentCoefficients: ContentCoefficients{2: 1},
		Segments: []Segment{
			{Coefficients: StyleCoefficients{0: {Mean: 1}, 2: {}}},
			{Coefficients: StyleCoefficients{1: {Mean: 1}}},
		},
	}
	got := Layers(req)
	want := []network.LayerID{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("Layers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Layers = %v, want %v", got, want)
		}
	}
	if s := StyleLayers(req.Segments[0].Coefficients); len(s) != 1 || s[0] != 0 {
		t.Errorf("StyleLayers = %v", s)
	}
}
