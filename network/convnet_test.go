package network

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/setanarut/stylebuilder/tensor"
)

func smallConfig() Config {
	return Config{
		InputBands: 3,
		InputScale: 1.0 / 255.0,
		Slope:      0.1,
		Seed:       42,
		Stages: []StageConfig{
			{Filters: 4, Kernel: 3},
			{Filters: 5, Kernel: 3, Pool: true},
			{Filters: 3, Kernel: 1, Pool: true},
		},
	}
}

func randomImage(rng *rand.Rand, w, h int) *tensor.Tensor {
	img := tensor.New(w, h, 3)
	for i := range img.Pix {
		img.Pix[i] = rng.Float64() * 255
	}
	return img
}

func TestShapesFollowPooling(t *testing.T) {
	net, err := NewConvNet(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	img := randomImage(rand.New(rand.NewSource(1)), 7, 5)
	acts, err := Activations(net, img, net.Layers())
	if err != nil {
		t.Fatal(err)
	}
	shapes, err := Shapes(net, 7, 5, 3, net.Layers())
	if err != nil {
		t.Fatal(err)
	}
	want := map[LayerID][3]int{0: {7, 5, 4}, 1: {4, 3, 5}, 2: {2, 2, 3}}
	for id, s := range want {
		if shapes[id] != s {
			t.Errorf("%s: Shapes = %v, want %v", id, shapes[id], s)
		}
		a := acts[id]
		if got := [3]int{a.W, a.H, a.Bands}; got != s {
			t.Errorf("%s: activation = %v, want %v", id, got, s)
		}
	}
}

func TestPrefixBackwardMatchesFiniteDifferences(t *testing.T) {
	net, err := NewConvNet(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(2))
	img := randomImage(rng, 5, 4)
	chain, err := Prefix(net, 2)
	if err != nil {
		t.Fatal(err)
	}
	out, err := chain.Forward(img)
	if err != nil {
		t.Fatal(err)
	}
	probe := out.Zeros()
	for i := range probe.Pix {
		probe.Pix[i] = rng.NormFloat64()
	}
	grad, err := chain.Backward(img, probe)
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-3
	for _, i := range []int{0, 7, 13, 29, len(img.Pix) - 1} {
		orig := img.Pix[i]
		img.Pix[i] = orig + h
		up, _ := chain.Forward(img)
		img.Pix[i] = orig - h
		down, _ := chain.Forward(img)
		img.Pix[i] = orig
		numeric := (up.Dot(probe) - down.Dot(probe)) / (2 * h)
		if math.Abs(numeric-grad.Pix[i]) > 1e-6+1e-3*math.Abs(numeric) {
			t.Errorf("pix %d: analytic %v, numeric %v", i, grad.Pix[i], numeric)
		}
	}
}

func TestUnknownLayer(t *testing.T) {
	net, _ := NewConvNet(smallConfig())
	if _, err := net.Stage(9); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("Stage error = %v", err)
	}
	if _, err := Prefix(net, -1); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("Prefix error = %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Stages[1].Kernel = 2
	if _, err := NewConvNet(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("even kernel error = %v", err)
	}
}

func TestSaveLoadKeepsWeights(t *testing.T) {
	net, _ := NewConvNet(smallConfig())
	path := filepath.Join(t.TempDir(), "net.json")
	if err := net.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConvNet(path)
	if err != nil {
		t.Fatal(err)
	}
	img := randomImage(rand.New(rand.NewSource(3)), 6, 6)
	a, _ := Activations(net, img, []LayerID{2})
	b, _ := Activations(loaded, img, []LayerID{2})
	for i := range a[2].Pix {
		if a[2].Pix[i] != b[2].Pix[i] {
			t.Fatalf("pix %d: %v != %v", i, a[2].Pix[i], b[2].Pix[i])
		}
	}

	if _, err := LoadConvNet(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrLoad) {
		t.Errorf("missing file error = %v", err)
	}
}
