package network

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"slices"

	"github.com/setanarut/stylebuilder/tensor"
)

// StageConfig describes one convolutional stage.
type StageConfig struct {
	Filters int  `json:"filters"`
	Kernel  int  `json:"kernel"` // odd kernel width, zero padded to keep the extent
	Pool    bool `json:"pool"`   // 2×2 average pooling after the activation
	// Weights are laid out [filters][inBands][kernel][kernel]. Empty
	// weights are He-initialized from Config.Seed.
	Weights []float64 `json:"weights,omitempty"`
	Bias    []float64 `json:"bias,omitempty"`
}

type Config struct {
	InputBands int           `json:"input_bands"`
	InputScale float64       `json:"input_scale"` // applied to the image before the first stage
	Slope      float64       `json:"slope"`       // leaky ReLU slope
	Seed       int64         `json:"seed"`
	Stages     []StageConfig `json:"stages"`
}

// DefaultConfig is a four tap network for RGB images in [0,255].
func DefaultConfig() Config {
	return Config{
		InputBands: 3,
		InputScale: 1.0 / 255.0,
		Slope:      0.1,
		Seed:       1,
		Stages: []StageConfig{
			{Filters: 8, Kernel: 3},
			{Filters: 16, Kernel: 3, Pool: true},
			{Filters: 32, Kernel: 3, Pool: true},
			{Filters: 48, Kernel: 3, Pool: true},
		},
	}
}

// ConvNet is a frozen stack of convolution + leaky ReLU (+ pooling) stages.
// Layer i is the output of stage i.
type ConvNet struct {
	cfg    Config
	stages []*convStage
}

func NewConvNet(cfg Config) (*ConvNet, error) {
	if cfg.InputBands <= 0 || len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("%w: %d input bands, %d stages", ErrInvalidConfig, cfg.InputBands, len(cfg.Stages))
	}
	if cfg.InputScale == 0 {
		cfg.InputScale = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	net := &ConvNet{cfg: cfg}
	net.cfg.Stages = slices.Clone(cfg.Stages)
	inBands := cfg.InputBands
	for i := range cfg.Stages {
		sc := &net.cfg.Stages[i]
		if sc.Filters <= 0 || sc.Kernel <= 0 || sc.Kernel%2 == 0 {
			return nil, fmt.Errorf("%w: stage %d has %d filters of kernel %d", ErrInvalidConfig, i, sc.Filters, sc.Kernel)
		}
		n := sc.Filters * inBands * sc.Kernel * sc.Kernel
		if len(sc.Weights) == 0 {
			stddev := math.Sqrt(2.0 / float64(inBands*sc.Kernel*sc.Kernel))
			sc.Weights = make([]float64, n)
			for j := range sc.Weights {
				sc.Weights[j] = rng.NormFloat64() * stddev
			}
		}
		if len(sc.Bias) == 0 {
			sc.Bias = make([]float64, sc.Filters)
		}
		if len(sc.Weights) != n || len(sc.Bias) != sc.Filters {
			return nil, fmt.Errorf("%w: stage %d has %d weights and %d biases, want %d and %d",
				ErrInvalidConfig, i, len(sc.Weights), len(sc.Bias), n, sc.Filters)
		}
		scale := 1.0
		if i == 0 {
			scale = cfg.InputScale
		}
		net.stages = append(net.stages, &convStage{
			inBands: inBands,
			filters: sc.Filters,
			k:       sc.Kernel,
			pool:    sc.Pool,
			scale:   scale,
			slope:   cfg.Slope,
			weights: sc.Weights,
			bias:    sc.Bias,
		})
		inBands = sc.Filters
	}
	return net, nil
}

// LoadConvNet reads a JSON config written by Save.
func LoadConvNet(path string) (*ConvNet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	net, err := NewConvNet(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	return net, nil
}

// Save writes the network, weights included, as JSON.
func (n *ConvNet) Save(path string) error {
	data, err := json.Marshal(n.cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (n *ConvNet) Config() Config { return n.cfg }

func (n *ConvNet) Layers() []LayerID {
	ids := make([]LayerID, len(n.stages))
	for i := range ids {
		ids[i] = LayerID(i)
	}
	return ids
}

func (n *ConvNet) Stage(id LayerID) (Stage, error) {
	if id < 0 || int(id) >= len(n.stages) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	return n.stages[id], nil
}

type convStage struct {
	inBands, filters, k int
	pool                bool
	scale, slope        float64
	weights, bias       []float64
}

func (s *convStage) Shape(w, h, _ int) (int, int, int) {
	if s.pool {
		return (w + 1) / 2, (h + 1) / 2, s.filters
	}
	return w, h, s.filters
}

func (s *convStage) Footprint() (radius, stride int) {
	if s.pool {
		return s.k / 2, 2
	}
	return s.k / 2, 1
}

func (s *convStage) check(in *tensor.Tensor) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if in.Bands != s.inBands {
		return fmt.Errorf("%w: stage expects %d bands, got %d", tensor.ErrShapeMismatch, s.inBands, in.Bands)
	}
	return nil
}

func (s *convStage) kernelIdx(f, c, ky, kx int) int {
	return ((f*s.inBands+c)*s.k+ky)*s.k + kx
}

// conv computes the zero padded "same" convolution before activation.
func (s *convStage) conv(in *tensor.Tensor) *tensor.Tensor {
	w, h := in.W, in.H
	pad := s.k / 2
	out := tensor.New(w, h, s.filters)
	for y := range h {
		for x := range w {
			o := out.Offset(x, y)
			copy(out.Pix[o:o+s.filters], s.bias)
			for ky := range s.k {
				iy := y + ky - pad
				if iy < 0 || iy >= h {
					continue
				}
				for kx := range s.k {
					ix := x + kx - pad
					if ix < 0 || ix >= w {
						continue
					}
					src := in.Pix[in.Offset(ix, iy) : in.Offset(ix, iy)+s.inBands]
					for f := range s.filters {
						sum := 0.0
						for c, v := range src {
							sum += v * s.weights[s.kernelIdx(f, c, ky, kx)]
						}
						out.Pix[o+f] += s.scale * sum
					}
				}
			}
		}
	}
	return out
}

func (s *convStage) activate(v float64) float64 {
	if v >= 0 {
		return v
	}
	return v * s.slope
}

func (s *convStage) derivative(v float64) float64 {
	if v >= 0 {
		return 1
	}
	return s.slope
}

// poolCells calls fn for every input pixel with the index of its pooled
// output pixel and the number of inputs sharing that output.
func poolCells(w, h int, fn func(x, y, ox, oy int, count float64)) {
	for y := range h {
		for x := range w {
			ox, oy := x/2, y/2
			cw := min(2, w-2*ox)
			ch := min(2, h-2*oy)
			fn(x, y, ox, oy, float64(cw*ch))
		}
	}
}

func (s *convStage) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	act := s.conv(in)
	for i, v := range act.Pix {
		act.Pix[i] = s.activate(v)
	}
	if !s.pool {
		return act, nil
	}
	ow, oh, _ := s.Shape(in.W, in.H, in.Bands)
	out := tensor.New(ow, oh, s.filters)
	poolCells(act.W, act.H, func(x, y, ox, oy int, count float64) {
		src := act.Pix[act.Offset(x, y) : act.Offset(x, y)+s.filters]
		dst := out.Pix[out.Offset(ox, oy) : out.Offset(ox, oy)+s.filters]
		for f, v := range src {
			dst[f] += v / count
		}
	})
	return out, nil
}

func (s *convStage) Backward(in, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	ow, oh, ob := s.Shape(in.W, in.H, in.Bands)
	if gradOut.W != ow || gradOut.H != oh || gradOut.Bands != ob {
		return nil, fmt.Errorf("%w: gradient %s for output %dx%dx%d", tensor.ErrShapeMismatch, gradOut, ow, oh, ob)
	}
	pre := s.conv(in)
	gact := gradOut
	if s.pool {
		gact = tensor.New(in.W, in.H, s.filters)
		poolCells(in.W, in.H, func(x, y, ox, oy int, count float64) {
			src := gradOut.Pix[gradOut.Offset(ox, oy) : gradOut.Offset(ox, oy)+s.filters]
			dst := gact.Pix[gact.Offset(x, y) : gact.Offset(x, y)+s.filters]
			for f, v := range src {
				dst[f] = v / count
			}
		})
	}
	gpre := pre
	for i, v := range pre.Pix {
		gpre.Pix[i] = gact.Pix[i] * s.derivative(v)
	}

	pad := s.k / 2
	gin := in.Zeros()
	for y := range in.H {
		for x := range in.W {
			g := gpre.Pix[gpre.Offset(x, y) : gpre.Offset(x, y)+s.filters]
			for ky := range s.k {
				iy := y + ky - pad
				if iy < 0 || iy >= in.H {
					continue
				}
				for kx := range s.k {
					ix := x + kx - pad
					if ix < 0 || ix >= in.W {
						continue
					}
					dst := gin.Pix[gin.Offset(ix, iy) : gin.Offset(ix, iy)+s.inBands]
					for f, gv := range g {
						if gv == 0 {
							continue
						}
						for c := range dst {
							dst[c] += s.scale * gv * s.weights[s.kernelIdx(f, c, ky, kx)]
						}
					}
				}
			}
		}
	}
	return gin, nil
}
