package stylebuilder

import (
	"image"
	"runtime"
	"time"

	"github.com/setanarut/stylebuilder/loss"
	"github.com/setanarut/stylebuilder/optimize"
	"github.com/setanarut/stylebuilder/segment"
	"github.com/setanarut/stylebuilder/stats"
)

// Init selects the starting canvas.
type Init int

const (
	// InitContent starts from the content image, or from noise without one.
	InitContent Init = iota
	// InitGray starts from a flat mid gray.
	InitGray
	// InitNoise starts from seeded uniform noise.
	InitNoise
)

// Phase is one optimization pass at a fixed canvas width. Phases usually
// grow in width; the canvas is resampled between them.
type Phase struct {
	// Canvas width. Zero keeps the content (or first style) width.
	Width      int
	Iterations int
	// Wall clock budget of the phase. Zero means no limit.
	Timeout time.Duration
}

type Options struct {
	// Per-layer content weights. Typical values: 0.1-1 on one mid layer.
	Content loss.ContentCoefficients
	// Per-layer style weights. Mean and covariance around 1-10 each;
	// Enhance > 0 exaggerates activations (deep dream), < 0 damps them.
	Style  loss.StyleCoefficients
	Phases []Phase

	// Canvases wider or taller than TileSize are evaluated tile by tile.
	// Ideal start: 400-600. Zero disables tiling.
	TileSize int
	// Overlap between neighboring tiles. Must stay below TileSize.
	Padding int
	// Shifts the tile grid with wrap-around, for seamless textures.
	OffsetX, OffsetY int

	// Routes style statistics through matching content/style masks.
	Segmented bool
	Segment   segment.Options

	// Fits an orthonormal 3×3 color transform of the starting canvas to
	// the style statistics before the first phase.
	ColorTransform  bool
	ColorIterations int

	Init Init
	Seed int64
	// Legal pixel range of the canvas.
	Range optimize.Range
	// Style images are measured at this multiple of the canvas width.
	StyleScale float64

	Stats stats.Options
	// "lbfgs", "gd" or "adam".
	Orientation string
	// "armijo" or "backtracking".
	LineSearch     string
	MinImprovement float64
	MaxRetries     int
	Workers        int

	// Monitor, if set, receives every optimizer iteration of every phase.
	Monitor func(phase int, p optimize.Progress)
	Verbose bool
}

func DefaultOptions() Options {
	return Options{
		Content: loss.ContentCoefficients{2: 0.5},
		Style: loss.StyleCoefficients{
			0: {Mean: 10, Covariance: 1, Centering: loss.Origin},
			1: {Mean: 10, Covariance: 1, Centering: loss.Origin},
			2: {Mean: 10, Covariance: 1, Centering: loss.Dynamic},
			3: {Mean: 10, Covariance: 1, Centering: loss.Dynamic},
		},
		Phases:          []Phase{{Width: 0, Iterations: 50}},
		TileSize:        512,
		Padding:         16,
		Segment:         segment.DefaultOptions(),
		ColorIterations: 20,
		Init:            InitContent,
		Seed:            1,
		Range:           optimize.Range{Min: 0, Max: 255},
		StyleScale:      1,
		Stats:           stats.DefaultOptions(),
		Orientation:     "lbfgs",
		LineSearch:      "armijo",
		MaxRetries:      5,
		Workers:         runtime.NumCPU(),
	}
}

// OptionsFromSize adapts the phases and tiling to a target canvas size:
// small canvases run in one phase, larger ones start at a quarter or half
// width and double up to the full width.
func OptionsFromSize(size image.Point) Options {
	opt := DefaultOptions()
	if size.X <= 0 || size.Y <= 0 {
		return opt
	}
	width := size.X
	var phases []Phase
	for w := width; w >= 128 && len(phases) < 3; w /= 2 {
		phases = append([]Phase{{Width: w, Iterations: 50}}, phases...)
	}
	if len(phases) == 0 {
		phases = []Phase{{Width: width, Iterations: 50}}
	}
	// Later phases are costlier per iteration.
	for i := range phases {
		phases[i].Iterations = max(10, 50>>i)
	}
	opt.Phases = phases
	if max(size.X, size.Y) > 1024 {
		opt.TileSize = 600
	}
	return opt
}

func (o Options) driverOptions() optimize.Options {
	d := optimize.DefaultOptions()
	switch o.Orientation {
	case "gd":
		d.Orientation = optimize.GradientDescent{}
	case "adam":
		d.Orientation = optimize.NewAdam()
	default:
		d.Orientation = optimize.NewLBFGS(10)
	}
	if o.LineSearch == "backtracking" {
		d.LineSearch = optimize.DefaultBacktracking()
	}
	d.MinImprovement = o.MinImprovement
	d.MaxRetries = o.MaxRetries
	return d
}
