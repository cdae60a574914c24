package segment

import (
	"context"
	"fmt"
	"log"

	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/utils"
)

// Engine segments images into soft masks.
type Engine struct {
	net network.Network
	opt Options
}

func NewEngine(net network.Network, opt Options) (*Engine, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if opt.TextureClusters > 0 && len(opt.TextureLayers) > 0 {
		if _, err := network.Path(net, opt.TextureLayers); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	return &Engine{net: net, opt: opt}, nil
}

func (e *Engine) Options() Options { return e.opt }

// Job is the cache key of this engine's masks for source.
func (e *Engine) Job(source string) Job {
	textures := e.opt.TextureClusters
	if len(e.opt.TextureLayers) == 0 {
		textures = 0
	}
	return Job{Masks: e.opt.Masks, Colors: e.opt.ColorClusters, Textures: textures, Source: source}
}

// stage fits a k-class model to f and returns its blurred soft assignment
// resampled to w×h.
func (e *Engine) stage(ctx context.Context, name string, f *tensor.Tensor, k, w, h int) (*tensor.Tensor, error) {
	if e.opt.Verbose {
		log.Printf("segment %s: %d classes over %s", name, k, f)
	}
	m, err := seed(f, k, e.opt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	p, err := m.train(ctx, f, e.opt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	p = blur(p, e.opt.BlurPasses)
	if p.W != w || p.H != h {
		p = utils.Resize(p, w, h)
		normalize(p)
	}
	return p, nil
}

// Segment returns Masks single-band masks at the extent of img whose
// values sum to one at every pixel. img is an RGB tensor in [0,255].
func (e *Engine) Segment(ctx context.Context, img *tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	var stages []*tensor.Tensor
	if e.opt.ColorClusters > 0 {
		if img.Bands != 3 {
			return nil, fmt.Errorf("%w: color stage needs 3 bands, got %d", tensor.ErrInvalidInput, img.Bands)
		}
		p, err := e.stage(ctx, "color", utils.LabTensor(img), e.opt.ColorClusters, img.W, img.H)
		if err != nil {
			return nil, err
		}
		stages = append(stages, p)
	}
	if e.opt.TextureClusters > 0 && len(e.opt.TextureLayers) > 0 {
		acts, err := network.Activations(e.net, img, e.opt.TextureLayers)
		if err != nil {
			return nil, err
		}
		for _, id := range e.opt.TextureLayers {
			p, err := e.stage(ctx, id.String(), acts[id], e.opt.TextureClusters, img.W, img.H)
			if err != nil {
				return nil, err
			}
			stages = append(stages, p)
		}
	}

	joint, err := tensor.Concat(stages...)
	if err != nil {
		return nil, err
	}
	final, err := e.stage(ctx, "spatial", joint, e.opt.Masks, img.W, img.H)
	if err != nil {
		return nil, err
	}
	masks := make([]*tensor.Tensor, final.Bands)
	for b := range final.Bands {
		masks[b] = final.Band(b)
	}
	return masks, nil
}

// Masks returns the masks of img for source at w×h, computing them at most
// once per job through cache.
func (e *Engine) Masks(ctx context.Context, cache Cache, source string, img *tensor.Tensor, w, h int) ([]*tensor.Tensor, error) {
	return cache.Get(ctx, e.Job(source), w, h, func(ctx context.Context) ([]*tensor.Tensor, error) {
		return e.Segment(ctx, img)
	})
}
