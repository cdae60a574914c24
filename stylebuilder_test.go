package stylebuilder

import (
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/setanarut/stylebuilder/loss"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/optimize"
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

func randomImage(seed int64, w, h int, lo, hi float64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	img := tensor.New(w, h, 3)
	for i := range img.Pix {
		img.Pix[i] = lo + rng.Float64()*(hi-lo)
	}
	return img
}

func testOptions() Options {
	opt := DefaultOptions()
	opt.Content = nil
	opt.Style = loss.StyleCoefficients{1: {Mean: 10, Covariance: 1}}
	opt.Phases = []Phase{{Width: 16, Iterations: 50}}
	opt.TileSize = 0
	opt.Workers = 2
	return opt
}

func TestLossNeverIncreases(t *testing.T) {
	net := testNet(t)
	content := randomImage(1, 16, 12, 40, 120)
	style := randomImage(2, 20, 20, 100, 250)

	var values []float64
	opt := testOptions()
	opt.Monitor = func(phase int, p optimize.Progress) {
		if phase != 0 {
			t.Errorf("monitor phase = %d", phase)
		}
		values = append(values, p.Value)
	}
	sb, err := NewStyleBuilder(net, content, []Style{{Name: "s", Image: style}}, opt)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Build(context.Background()); err != nil && !errors.Is(err, optimize.ErrRetriesExhausted) {
		t.Fatal(err)
	}

	if len(values) == 0 || len(values) > 50 {
		t.Fatalf("monitor fired %d times", len(values))
	}
	for i := 1; i < len(values); i++ {
		if values[i] > values[i-1] {
			t.Errorf("iteration %d: loss rose from %v to %v", i+1, values[i-1], values[i])
		}
	}
	if len(sb.Reports) != 1 {
		t.Fatalf("%d reports", len(sb.Reports))
	}
	if r := sb.Reports[0]; r.Value >= r.Initial {
		t.Errorf("loss %v -> %v did not drop", r.Initial, r.Value)
	}
	if sb.Canvas.W != 16 || sb.Canvas.H != 12 {
		t.Errorf("canvas %s", sb.Canvas)
	}
	for i, v := range sb.Canvas.Pix {
		if v < 0 || v > 255 || math.IsNaN(v) {
			t.Fatalf("pix %d = %v outside [0,255]", i, v)
		}
	}
}

func TestTiledPhasesResampleCanvas(t *testing.T) {
	net := testNet(t)
	content := randomImage(3, 40, 30, 0, 255)
	style := randomImage(4, 24, 24, 60, 200)

	opt := testOptions()
	opt.Content = loss.ContentCoefficients{0: 0.5}
	opt.Phases = []Phase{{Width: 20, Iterations: 2}, {Width: 40, Iterations: 2}}
	opt.TileSize = 16
	opt.Padding = 4
	opt.Init = InitNoise
	sb, err := NewStyleBuilder(net, content, []Style{{Image: style}}, opt)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Build(context.Background()); err != nil && !errors.Is(err, optimize.ErrRetriesExhausted) {
		t.Fatal(err)
	}
	if sb.Canvas.W != 40 || sb.Canvas.H != 30 {
		t.Errorf("canvas %s, want 40x30", sb.Canvas)
	}
	if !sb.Canvas.IsFinite() {
		t.Error("canvas has non-finite samples")
	}
	if len(sb.Reports) != 2 {
		t.Errorf("%d reports, want 2", len(sb.Reports))
	}
}

func TestSegmentedRunCachesMasks(t *testing.T) {
	net := testNet(t)
	content := randomImage(5, 16, 16, 0, 255)
	style := randomImage(6, 16, 16, 0, 255)

	opt := testOptions()
	opt.Phases = []Phase{{Width: 8, Iterations: 2}, {Width: 16, Iterations: 2}}
	opt.Segmented = true
	opt.Segment.Masks = 2
	opt.Segment.ColorClusters = 2
	opt.Segment.TextureClusters = 0
	opt.Segment.Iterations = 3
	sb, err := NewStyleBuilder(net, content, []Style{{Name: "s", Image: style}}, opt)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Build(context.Background()); err != nil && !errors.Is(err, optimize.ErrRetriesExhausted) {
		t.Fatal(err)
	}
	// One job for the content and one for the style, shared by both phases.
	if n := sb.cache.Len(); n != 2 {
		t.Errorf("cache holds %d jobs, want 2", n)
	}
	masks, err := sb.Masks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(masks) != 2 || masks[0].W != 16 || masks[0].H != 16 {
		t.Errorf("masks = %d of %s", len(masks), masks[0])
	}
}

func TestEqualWidthPhasesMeasureEachMaskOnce(t *testing.T) {
	net := testNet(t)
	content := randomImage(10, 16, 16, 0, 255)
	styles := []Style{
		{Name: "a", Image: randomImage(11, 16, 16, 0, 255)},
		{Name: "b", Image: randomImage(12, 20, 16, 0, 255)},
	}

	opt := testOptions()
	opt.Phases = []Phase{{Width: 16, Iterations: 1}, {Width: 16, Iterations: 1}, {Width: 16, Iterations: 1}}
	opt.Segmented = true
	opt.Segment.Masks = 2
	opt.Segment.ColorClusters = 2
	opt.Segment.TextureClusters = 0
	opt.Segment.Iterations = 3
	sb, err := NewStyleBuilder(net, content, styles, opt)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Build(context.Background()); err != nil && !errors.Is(err, optimize.ErrRetriesExhausted) {
		t.Fatal(err)
	}
	for i, seg := range sb.segmented {
		if keys := seg.Keys(); len(keys) != 2 {
			t.Errorf("style %d measured %d masks, want 2: %v", i, len(keys), keys)
		}
	}
}

func TestFitColorTransformStaysOrthonormal(t *testing.T) {
	net := testNet(t)
	img := randomImage(7, 12, 12, 20, 120)
	swapped := img.Clone()
	for p := range swapped.Pixels() {
		swapped.Pix[p*3], swapped.Pix[p*3+2] = 255-img.Pix[p*3+2], img.Pix[p*3]
	}
	coeff := loss.StyleCoefficients{0: {Mean: 1, Covariance: 1}}
	sb, err := NewStyleBuilder(net, nil, []Style{{Image: swapped}}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	sb.Options.Style = coeff
	target, err := sb.measure(context.Background(), 12)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := FitColorTransform(context.Background(), net, img, target, coeff, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	m := ct.Matrix.Pix
	for i := range 3 {
		for j := range 3 {
			dot := 0.0
			for k := range 3 {
				dot += m[i*3+k] * m[j*3+k]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > 1e-6 {
				t.Errorf("row %d · row %d = %v, want %v", i, j, dot, want)
			}
		}
	}
	if out := ct.Apply(img); out.W != 12 || !out.IsFinite() {
		t.Errorf("Apply = %s", out)
	}
}

func TestIdentityTransform(t *testing.T) {
	img := randomImage(8, 5, 4, 0, 255)
	out := IdentityTransform().Apply(img)
	for i := range img.Pix {
		if math.Abs(out.Pix[i]-img.Pix[i]) > 1e-9 {
			t.Fatalf("pix %d: %v != %v", i, out.Pix[i], img.Pix[i])
		}
	}
}

func TestNewStyleBuilderErrors(t *testing.T) {
	net := testNet(t)
	img := randomImage(9, 8, 8, 0, 255)
	noPhases := testOptions()
	noPhases.Phases = nil
	tests := []struct {
		name    string
		content *tensor.Tensor
		styles  []Style
		opt     Options
		want    error
	}{
		{"no style", img, nil, testOptions(), ErrNoStyle},
		{"no phases", img, []Style{{Image: img}}, noPhases, ErrNoPhases},
		{"gray content", tensor.New(8, 8, 1), []Style{{Image: img}}, testOptions(), tensor.ErrInvalidInput},
		{"missing style image", img, []Style{{Name: "x"}}, testOptions(), tensor.ErrInvalidInput},
		{"duplicate name", img, []Style{{Name: "x", Image: img}, {Name: "x", Image: img}}, testOptions(), ErrDuplicateStyle},
		{"name clashes with default", img, []Style{{Name: "style1", Image: img}, {Image: img}}, testOptions(), ErrDuplicateStyle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStyleBuilder(net, tt.content, tt.styles, tt.opt); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOptionsFromSize(t *testing.T) {
	tests := []struct {
		size  image.Point
		width []int
		iters []int
	}{
		{image.Pt(100, 80), []int{100}, []int{50}},
		{image.Pt(300, 200), []int{150, 300}, []int{50, 25}},
		{image.Pt(1000, 800), []int{250, 500, 1000}, []int{50, 25, 12}},
	}
	for _, tt := range tests {
		opt := OptionsFromSize(tt.size)
		if len(opt.Phases) != len(tt.width) {
			t.Errorf("%v: %d phases, want %d", tt.size, len(opt.Phases), len(tt.width))
			continue
		}
		for i, ph := range opt.Phases {
			if ph.Width != tt.width[i] || ph.Iterations != tt.iters[i] {
				t.Errorf("%v phase %d = %+v, want width %d iterations %d", tt.size, i, ph, tt.width[i], tt.iters[i])
			}
		}
	}
}
