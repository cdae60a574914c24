package stats

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/utils"
)

type Options struct {
	// TileSize bounds the width and height of the image region fed through
	// the network at once. Zero measures the whole image in one pass.
	TileSize int
	// Workers limits concurrent tiles and sources. Zero means NumCPU.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		TileSize: 512,
		Workers:  runtime.NumCPU(),
	}
}

// Extractor measures layer statistics of images through a frozen network.
type Extractor struct {
	net network.Network
	opt Options
}

func NewExtractor(net network.Network, opt Options) *Extractor {
	if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
	}
	return &Extractor{net: net, opt: opt}
}

type tile struct{ x, y, w, h int }

// tiles splits w×h into non-overlapping blocks of at most size×size.
func tiles(w, h, size int) []tile {
	if size <= 0 || (w <= size && h <= size) {
		return []tile{{0, 0, w, h}}
	}
	var out []tile
	for y := 0; y < h; y += size {
		for x := 0; x < w; x += size {
			out = append(out, tile{x, y, min(size, w-x), min(size, h-y)})
		}
	}
	return out
}

// plan picks the tile blocks and the halo read around each. Blocks and
// halos are multiples of the network stride so pooling cells line up with
// those of the whole image. Networks that cannot report their reach are
// measured in one pass.
func (e *Extractor) plan(w, h int, layers []network.LayerID) ([]tile, int) {
	stride, halo, ok := network.Reach(e.net, layers)
	if !ok || e.opt.TileSize <= 0 {
		return tiles(w, h, 0), 0
	}
	size := max(stride, e.opt.TileSize/stride*stride)
	halo = (halo + stride - 1) / stride * stride
	return tiles(w, h, size), halo
}

// Moments accumulates the raw moments of every requested layer over img,
// tile by tile. Each tile is evaluated with a halo of real image context
// and only the activations of its own block are counted, so the result
// matches a single pass over the whole image. mask, if not nil, is a
// single-band weight map at image resolution; it is resampled to each
// layer's whole-image activation extent.
func (e *Extractor) Moments(ctx context.Context, img, mask *tensor.Tensor, layers []network.LayerID) (map[network.LayerID]*tensor.Moments, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if mask != nil && (mask.Bands != 1 || mask.W != img.W || mask.H != img.H) {
		return nil, fmt.Errorf("%w: mask %s for image %s", tensor.ErrShapeMismatch, mask, img)
	}
	path, err := network.Path(e.net, layers)
	if err != nil {
		return nil, err
	}
	shapes, err := network.Shapes(e.net, img.W, img.H, img.Bands, path)
	if err != nil {
		return nil, err
	}
	strides := make(map[network.LayerID]int, len(layers))
	masks := make(map[network.LayerID]*tensor.Tensor, len(layers))
	for _, id := range layers {
		strides[id] = 1
		if s, _, ok := network.Reach(e.net, []network.LayerID{id}); ok {
			strides[id] = s
		}
		if mask != nil {
			masks[id] = utils.Resize(mask, shapes[id][0], shapes[id][1])
		}
	}

	blocks, halo := e.plan(img.W, img.H, layers)
	parts := make([]map[network.LayerID]*tensor.Moments, len(blocks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opt.Workers)
	for i, b := range blocks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			single := len(blocks) == 1
			x0, y0 := max(0, b.x-halo), max(0, b.y-halo)
			x1, y1 := min(img.W, b.x+b.w+halo), min(img.H, b.y+b.h+halo)
			crop := img
			if !single {
				crop = img.Crop(x0, y0, x1-x0, y1-y0)
			}
			acts, err := network.Activations(e.net, crop, layers)
			if err != nil {
				return err
			}
			m := make(map[network.LayerID]*tensor.Moments, len(layers))
			for _, id := range layers {
				a, am := acts[id], masks[id]
				if !single {
					s := strides[id]
					ax0, ay0 := (b.x-x0)/s, (b.y-y0)/s
					aw := min(a.W, (b.x+b.w-x0+s-1)/s) - ax0
					ah := min(a.H, (b.y+b.h-y0+s-1)/s) - ay0
					a = a.Crop(ax0, ay0, aw, ah)
					if am != nil {
						am = am.Crop(b.x/s, b.y/s, aw, ah)
					}
				}
				if m[id], err = tensor.Accumulate(a, am); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			parts[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := parts[0]
	for _, p := range parts[1:] {
		for id, m := range p {
			if err := total[id].Merge(m); err != nil {
				return nil, fmt.Errorf("%s: %w", id, err)
			}
		}
	}
	return total, nil
}

// Measure computes the style statistics of img, optionally weighted by mask.
func (e *Extractor) Measure(ctx context.Context, img, mask *tensor.Tensor, layers []network.LayerID) (*StyleTarget, error) {
	return e.MeasureAround(ctx, img, mask, layers, nil)
}

// MeasureAround is Measure with the centered covariance taken around the
// means of around instead of the image's own means. Layers missing from
// around fall back to the own means.
func (e *Extractor) MeasureAround(ctx context.Context, img, mask *tensor.Tensor, layers []network.LayerID, around *StyleTarget) (*StyleTarget, error) {
	moments, err := e.Moments(ctx, img, mask, layers)
	if err != nil {
		return nil, err
	}
	out := NewStyleTarget()
	for id, m := range moments {
		mean := m.Mean()
		center := mean
		if around != nil {
			if s, ok := around.Layers[id]; ok && s.Mean.Len() == m.Bands {
				center = s.Mean.Pix
			}
		}
		out.Layers[id] = &LayerStats{
			Mean:       tensor.Vector(mean),
			Covariance: tensor.Vector(m.Gram()),
			Centered:   tensor.Vector(m.CenteredGram(center)),
		}
	}
	return out, nil
}

// Content records the activations of img at every layer.
func (e *Extractor) Content(img *tensor.Tensor, layers []network.LayerID) (*ContentTarget, error) {
	acts, err := network.Activations(e.net, img, layers)
	if err != nil {
		return nil, err
	}
	return &ContentTarget{Layers: acts}, nil
}

// Source is one image to measure, with an optional weight mask.
type Source struct {
	Image *tensor.Tensor
	Mask  *tensor.Tensor
}

// MeasureAll measures every source concurrently. Results keep the order of
// sources.
func (e *Extractor) MeasureAll(ctx context.Context, sources []Source, layers []network.LayerID) ([]*StyleTarget, error) {
	out := make([]*StyleTarget, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opt.Workers)
	for i, src := range sources {
		g.Go(func() error {
			t, err := e.Measure(ctx, src.Image, src.Mask, layers)
			if err != nil {
				return fmt.Errorf("source %d: %w", i, err)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
