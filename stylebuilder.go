// Package stylebuilder synthesizes images by optimizing canvas pixels
// against feature statistics of style images, optionally anchored to a
// content image.
package stylebuilder

import (
	"context"
	"fmt"
	"image"
	"log"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/setanarut/stylebuilder/loss"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/optimize"
	"github.com/setanarut/stylebuilder/segment"
	"github.com/setanarut/stylebuilder/stats"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/tiling"
	"github.com/setanarut/stylebuilder/utils"
)

// Style is one style source. Weights are relative; zero counts as one.
type Style struct {
	Name   string
	Image  *tensor.Tensor
	Weight float64
}

type StyleBuilder struct {
	// Canvas is optimized in place. After a failed phase it holds the last
	// accepted state.
	Canvas  *tensor.Tensor
	Content *tensor.Tensor
	Styles  []Style
	Options Options
	// Reports has one entry per finished phase.
	Reports []*optimize.Report

	net       network.Network
	extractor *stats.Extractor
	engine    *segment.Engine
	cache     *segment.MemoryCache
	segmented []*stats.SegmentedTarget
	measured  map[int]*stats.StyleTarget
}

// NewStyleBuilder prepares a run. content may be nil for texture synthesis;
// all images are RGB tensors in [0,255].
func NewStyleBuilder(net network.Network, content *tensor.Tensor, styles []Style, opt Options) (*StyleBuilder, error) {
	if len(styles) == 0 {
		return nil, ErrNoStyle
	}
	if len(opt.Phases) == 0 {
		return nil, ErrNoPhases
	}
	if content != nil {
		if err := checkRGB(content); err != nil {
			return nil, fmt.Errorf("content: %w", err)
		}
	}
	names := make(map[string]int, len(styles))
	for i, s := range styles {
		if err := checkRGB(s.Image); err != nil {
			return nil, fmt.Errorf("style %d %q: %w", i, s.Name, err)
		}
		if s.Name == "" {
			styles[i].Name = fmt.Sprintf("style%d", i)
		}
		if j, ok := names[styles[i].Name]; ok {
			return nil, fmt.Errorf("%w: %q names styles %d and %d", ErrDuplicateStyle, styles[i].Name, j, i)
		}
		names[styles[i].Name] = i
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	sb := &StyleBuilder{
		Content:   content,
		Styles:    styles,
		Options:   opt,
		net:       net,
		extractor: stats.NewExtractor(net, opt.Stats),
		cache:     segment.NewMemoryCache(),
		measured:  make(map[int]*stats.StyleTarget),
	}
	if opt.Segmented {
		engine, err := segment.NewEngine(net, opt.Segment)
		if err != nil {
			return nil, err
		}
		sb.engine = engine
		sb.segmented = make([]*stats.SegmentedTarget, len(styles))
		for i := range styles {
			sb.segmented[i] = stats.NewSegmentedTarget()
		}
	}
	return sb, nil
}

func checkRGB(t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: missing image", tensor.ErrInvalidInput)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Bands != 3 {
		return fmt.Errorf("%w: want 3 bands, got %d", tensor.ErrInvalidInput, t.Bands)
	}
	return nil
}

// Build runs every phase in order.
func (sb *StyleBuilder) Build(ctx context.Context) error {
	for i, ph := range sb.Options.Phases {
		if err := sb.runPhase(ctx, i, ph); err != nil {
			return fmt.Errorf("phase %d: %w", i, err)
		}
	}
	return nil
}

// phaseSize is the canvas extent of ph, keeping the aspect of the content
// image, or of the first style without one.
func (sb *StyleBuilder) phaseSize(ph Phase) (int, int) {
	base := sb.Styles[0].Image
	if sb.Content != nil {
		base = sb.Content
	} else if sb.Canvas != nil {
		base = sb.Canvas
	}
	width := ph.Width
	if width <= 0 {
		width = base.W
	}
	size := utils.FitWidth(image.Pt(base.W, base.H), width)
	return max(1, size.X), max(1, size.Y)
}

func (sb *StyleBuilder) runPhase(ctx context.Context, index int, ph Phase) error {
	opt := sb.Options
	w, h := sb.phaseSize(ph)
	var content *tensor.Tensor
	if sb.Content != nil {
		content = utils.Resize(sb.Content, w, h)
	}
	if opt.Verbose {
		log.Printf("phase %d/%d: %dx%d, %d iterations", index+1, len(opt.Phases), w, h, ph.Iterations)
	}
	if err := sb.prepareCanvas(ctx, content, w, h); err != nil {
		return err
	}
	segments, err := sb.segments(ctx, content, w, h)
	if err != nil {
		return err
	}

	tileSize := opt.TileSize
	if tileSize <= 0 {
		tileSize = max(w, h)
	}
	layout, err := tiling.NewLayout(w, h, tileSize, opt.Padding, opt.OffsetX, opt.OffsetY)
	if err != nil {
		return err
	}
	if opt.Verbose && !layout.IsSingle() {
		log.Printf("   %s", layout)
	}
	problem, err := sb.newProblem(ctx, layout, content, segments)
	if err != nil {
		return err
	}
	manager := tiling.NewManager(layout)
	manager.Workers = opt.Workers
	manager.Scope = sb.cache

	obj := optimize.ObjectiveFunc(func(ctx context.Context) (float64, map[string]*tensor.Tensor, error) {
		res, err := manager.Evaluate(ctx, sb.Canvas, problem)
		if err != nil {
			return 0, nil, err
		}
		return res.Value, map[string]*tensor.Tensor{canvasParam: res.Gradient}, nil
	})
	dopt := opt.driverOptions()
	dopt.MaxIterations = ph.Iterations
	dopt.Timeout = ph.Timeout
	dopt.Monitor = sb.monitor(index, ph)
	params := []optimize.Param{{Name: canvasParam, Value: sb.Canvas, Region: sb.canvasRegion()}}
	report, err := optimize.NewDriver(dopt).Run(ctx, params, obj)
	if report != nil {
		sb.Reports = append(sb.Reports, report)
		if opt.Verbose {
			log.Printf("   done: %s after %d iterations (%d accepted), loss %.6f -> %.6f in %s",
				report.Reason, report.Iterations, report.Accepted, report.Initial, report.Value, report.Elapsed)
		}
	}
	return err
}

func (sb *StyleBuilder) monitor(index int, ph Phase) func(optimize.Progress) {
	opt := sb.Options
	return func(p optimize.Progress) {
		if opt.Verbose {
			log.Printf("   iter %d/%d loss=%.6f step=%.3g trials=%d accepted=%v elapsed=%s",
				p.Iteration, ph.Iterations, p.Value, p.Step, p.Trials, p.Accepted, p.Elapsed.Round(time.Millisecond))
		}
		if opt.Monitor != nil {
			opt.Monitor(index, p)
		}
	}
}

// canvasRegion is the pixel range constraint, or nil for an empty range.
func (sb *StyleBuilder) canvasRegion() optimize.TrustRegion {
	r := sb.Options.Range
	if r.Max <= r.Min {
		return nil
	}
	return r
}

func (sb *StyleBuilder) pixelRange() (lo, hi float64) {
	r := sb.Options.Range
	if r.Max <= r.Min {
		return 0, 255
	}
	return r.Min, r.Max
}

// prepareCanvas creates the canvas on the first phase and resamples it on
// later ones.
func (sb *StyleBuilder) prepareCanvas(ctx context.Context, content *tensor.Tensor, w, h int) error {
	if sb.Canvas != nil {
		if sb.Canvas.W != w || sb.Canvas.H != h {
			sb.Canvas = utils.Resize(sb.Canvas, w, h)
		}
		return nil
	}
	opt := sb.Options
	lo, hi := sb.pixelRange()
	canvas := tensor.New(w, h, 3)
	switch {
	case opt.Init == InitContent && content != nil:
		copy(canvas.Pix, content.Pix)
	case opt.Init == InitGray:
		canvas.Fill((lo + hi) / 2)
	default:
		rng := rand.New(rand.NewSource(opt.Seed))
		for i := range canvas.Pix {
			canvas.Pix[i] = lo + rng.Float64()*(hi-lo)
		}
	}

	if opt.ColorTransform {
		target, err := sb.measure(ctx, w)
		if err != nil {
			return err
		}
		ct, err := FitColorTransform(ctx, sb.net, canvas, target, opt.Style, opt.ColorIterations, opt.Verbose)
		if err != nil {
			return fmt.Errorf("color transform: %w", err)
		}
		canvas = ct.Apply(canvas)
	}
	canvas.Clamp(lo, hi)
	sb.Canvas = canvas
	return nil
}

// styleImage resamples a style to StyleScale times the canvas width.
func (sb *StyleBuilder) styleImage(s Style, width int) *tensor.Tensor {
	scale := sb.Options.StyleScale
	if scale <= 0 {
		scale = 1
	}
	size := utils.FitWidth(image.Pt(s.Image.W, s.Image.H), int(math.Round(float64(width)*scale)))
	if size.X <= 0 || size.Y <= 0 {
		return s.Image
	}
	return utils.Resize(s.Image, size.X, size.Y)
}

func (sb *StyleBuilder) weights() []float64 {
	w := make([]float64, len(sb.Styles))
	for i, s := range sb.Styles {
		w[i] = s.Weight
		if w[i] == 0 {
			w[i] = 1
		}
	}
	return w
}

// measure returns the weighted average whole-image style target for a
// canvas width. Sources are measured concurrently.
func (sb *StyleBuilder) measure(ctx context.Context, width int) (*stats.StyleTarget, error) {
	if t, ok := sb.measured[width]; ok {
		return t, nil
	}
	sources := make([]stats.Source, len(sb.Styles))
	for i, s := range sb.Styles {
		sources[i] = stats.Source{Image: sb.styleImage(s, width)}
	}
	targets, err := sb.extractor.MeasureAll(ctx, sources, loss.StyleLayers(sb.Options.Style))
	if err != nil {
		return nil, err
	}
	t, err := stats.Average(targets, sb.weights())
	if err != nil {
		return nil, err
	}
	sb.measured[width] = t
	return t, nil
}

// segments pairs style targets with canvas regions. Without segmentation
// one segment covers the whole canvas; with it, content mask k receives
// the average of the style statistics under every style's mask k.
func (sb *StyleBuilder) segments(ctx context.Context, content *tensor.Tensor, w, h int) ([]loss.Segment, error) {
	opt := sb.Options
	if len(loss.StyleLayers(opt.Style)) == 0 {
		return nil, nil
	}
	if !opt.Segmented || content == nil {
		if opt.Segmented {
			log.Println("stylebuilder warning: segmentation needs a content image, using whole canvas statistics")
		}
		target, err := sb.measure(ctx, w)
		if err != nil {
			return nil, err
		}
		return []loss.Segment{{Target: target, Coefficients: opt.Style}}, nil
	}

	contentMasks, err := sb.engine.Masks(ctx, sb.cache, "content", content, w, h)
	if err != nil {
		return nil, fmt.Errorf("content masks: %w", err)
	}
	images := make([]*tensor.Tensor, len(sb.Styles))
	styleMasks := make([][]*tensor.Tensor, len(sb.Styles))
	for i, s := range sb.Styles {
		images[i] = sb.styleImage(s, w)
		styleMasks[i], err = sb.engine.Masks(ctx, sb.cache, s.Name, images[i], images[i].W, images[i].H)
		if err != nil {
			return nil, fmt.Errorf("style %q masks: %w", s.Name, err)
		}
		if len(styleMasks[i]) != len(contentMasks) {
			return nil, fmt.Errorf("%w: style %q has %d masks, content %d", tensor.ErrShapeMismatch, s.Name, len(styleMasks[i]), len(contentMasks))
		}
	}

	layers := loss.StyleLayers(opt.Style)
	targets := make([][]*stats.StyleTarget, len(contentMasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opt.Workers)
	for k := range contentMasks {
		targets[k] = make([]*stats.StyleTarget, len(sb.Styles))
		for i := range sb.Styles {
			mask := styleMasks[i][k]
			g.Go(func() error {
				key := stats.MaskKey{Index: k, W: images[i].W, H: images[i].H}
				t, err := sb.segmented[i].GetOrCreate(key, func() (*stats.StyleTarget, error) {
					return sb.extractor.Measure(gctx, images[i], mask, layers)
				})
				if err != nil {
					return fmt.Errorf("style %q mask %d: %w", sb.Styles[i].Name, k, err)
				}
				targets[k][i] = t
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	segments := make([]loss.Segment, len(contentMasks))
	for k, mask := range contentMasks {
		avg, err := stats.Average(targets[k], sb.weights())
		if err != nil {
			return nil, err
		}
		segments[k] = loss.Segment{Mask: mask, Target: avg, Coefficients: opt.Style}
	}
	return segments, nil
}

// Masks returns the content masks at the content extent, computing them
// through the run's cache. It requires segmented mode and a content image.
func (sb *StyleBuilder) Masks(ctx context.Context) ([]*tensor.Tensor, error) {
	if sb.engine == nil || sb.Content == nil {
		return nil, fmt.Errorf("%w: masks need segmented mode and a content image", segment.ErrInvalidOptions)
	}
	return sb.engine.Masks(ctx, sb.cache, "content", sb.Content, sb.Content.W, sb.Content.H)
}
