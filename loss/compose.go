package loss

import (
	"fmt"
	"log"
	"slices"

	"github.com/samber/lo"

	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/utils"
)

// Composer attaches loss terms to the feature taps of a network.
type Composer struct {
	net network.Network
	// Quiet suppresses missing target warnings.
	Quiet bool
}

func NewComposer(net network.Network) *Composer {
	return &Composer{net: net}
}

type termKind int

const (
	contentTerm termKind = iota
	meanTerm
	covarianceTerm
	enhanceTerm
)

// term is one planned loss term; node is filled in once the taps exist.
type term struct {
	kind    termKind
	layer   network.LayerID
	segment int
	coeff   float64
	node    graph.NodeID
	weight  float64
}

// normalizer is 1/rms(t), or 1 when t is all zero.
func normalizer(t *tensor.Tensor) float64 {
	if r := t.RMS(); r > 0 {
		return 1 / r
	}
	return 1
}

// plan lists the terms with non-zero weight and a measured target, in
// content first, then segment by segment, layer by layer order.
func (c *Composer) plan(req Request) []term {
	var terms []term
	warned := make(map[string]bool)
	warn := func(kind string, id network.LayerID) {
		key := kind + id.String()
		if c.Quiet || warned[key] {
			return
		}
		warned[key] = true
		log.Printf("loss warning: no %s target for %s, term skipped", kind, id)
	}

	for _, id := range sortedKeys(req.ContentCoefficients) {
		coeff := req.ContentCoefficients[id]
		if coeff == 0 {
			continue
		}
		if req.Content == nil || req.Content.Layers[id] == nil {
			warn("content", id)
			continue
		}
		terms = append(terms, term{kind: contentTerm, layer: id, segment: -1, coeff: coeff})
	}
	for si, seg := range req.Segments {
		for _, id := range sortedKeys(seg.Coefficients) {
			lc := seg.Coefficients[id]
			if lc.zero() {
				continue
			}
			if seg.Target == nil || seg.Target.Layers[id] == nil {
				warn("style", id)
				continue
			}
			for _, t := range []term{
				{kind: meanTerm, coeff: lc.Mean},
				{kind: covarianceTerm, coeff: lc.Covariance},
				{kind: enhanceTerm, coeff: lc.Enhance},
			} {
				if t.coeff == 0 {
					continue
				}
				t.layer, t.segment = id, si
				terms = append(terms, t)
			}
		}
	}
	return terms
}

func sortedKeys[V any](m map[network.LayerID]V) []network.LayerID {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// Compose builds the loss for an input node holding a w×h×bands image and
// returns the scalar node. The taps up to the deepest used layer are
// built once and shared by every term; the mean of each (layer, segment)
// activation is likewise shared between the mean term and dynamic
// centering.
func (c *Composer) Compose(b *graph.Builder, input graph.NodeID, w, h, bands int, req Request) (graph.NodeID, error) {
	terms := c.plan(req)
	if len(terms) == 0 {
		return graph.None, ErrEmptyLoss
	}
	layers := lo.Uniq(lo.Map(terms, func(t term, _ int) network.LayerID { return t.layer }))
	path, err := network.Path(c.net, layers)
	if err != nil {
		return graph.None, err
	}
	shapes, err := network.Shapes(c.net, w, h, bands, path)
	if err != nil {
		return graph.None, err
	}
	taps := make(map[network.LayerID]graph.NodeID, len(path))
	cur := input
	for _, id := range path {
		s, err := c.net.Stage(id)
		if err != nil {
			return graph.None, err
		}
		cur = b.Tap(s, cur)
		taps[id] = cur
	}

	type key struct {
		layer   network.LayerID
		segment int
	}
	masks := make(map[key]graph.NodeID)
	maskNode := func(k key) (graph.NodeID, error) {
		m := req.Segments[k.segment].Mask
		if m == nil {
			return graph.None, nil
		}
		if id, ok := masks[k]; ok {
			return id, nil
		}
		if m.Bands != 1 || m.W != w || m.H != h {
			return graph.None, fmt.Errorf("%w: mask %s for canvas %dx%d", tensor.ErrShapeMismatch, m, w, h)
		}
		s := shapes[k.layer]
		id := b.Constant(utils.Resize(m, s[0], s[1]))
		masks[k] = id
		return id, nil
	}
	averages := make(map[key]graph.NodeID)
	average := func(k key, mask graph.NodeID) graph.NodeID {
		if id, ok := averages[k]; ok {
			return id
		}
		id := b.Average(taps[k.layer], mask)
		averages[k] = id
		return id
	}
	type recentered struct {
		x   graph.NodeID
		cov *tensor.Tensor
	}
	centered := make(map[key]recentered)

	for i := range terms {
		t := &terms[i]
		act := taps[t.layer]
		s := shapes[t.layer]
		if t.kind == contentTerm {
			target := req.Content.Layers[t.layer]
			if target.W != s[0] || target.H != s[1] || target.Bands != s[2] {
				return graph.None, fmt.Errorf("%w: content target %s for %s activation %v", tensor.ErrShapeMismatch, target, t.layer, s)
			}
			t.node = b.MSE(act, target)
			t.weight = t.coeff * normalizer(target)
			continue
		}

		k := key{t.layer, t.segment}
		seg := req.Segments[t.segment]
		ls := seg.Target.Layers[t.layer]
		if ls.Mean.Len() != s[2] || ls.Covariance.Len() != s[2]*s[2] {
			return graph.None, fmt.Errorf("%w: %s target has %d bands, activation %d", tensor.ErrShapeMismatch, t.layer, ls.Mean.Len(), s[2])
		}
		mask, err := maskNode(k)
		if err != nil {
			return graph.None, err
		}
		if t.kind == meanTerm {
			t.node = b.MSE(average(k, mask), ls.Mean)
			t.weight = t.coeff * normalizer(ls.Mean)
			continue
		}

		rc, ok := centered[k]
		if !ok {
			mode := seg.Coefficients[t.layer].Centering
			rc.x, rc.cov = mode.centered(b, act, func() graph.NodeID { return average(k, mask) }, ls)
			centered[k] = rc
		}
		switch t.kind {
		case covarianceTerm:
			t.node = b.MSE(b.Gram(rc.x, mask), rc.cov)
			t.weight = t.coeff * normalizer(rc.cov)
		case enhanceTerm:
			t.node = b.MeanSquare(rc.x, mask)
			t.weight = -t.coeff * normalizer(rc.cov)
		}
	}
	return reduce(b, terms)
}

// reduce folds the weighted terms into one node in insertion order.
func reduce(b *graph.Builder, terms []term) (graph.NodeID, error) {
	acc := b.Scale(terms[0].node, terms[0].weight)
	for _, t := range terms[1:] {
		acc = b.WeightedSum(acc, 1, t.node, t.weight)
	}
	if err := b.Err(); err != nil {
		return graph.None, err
	}
	return acc, nil
}

// Layers lists the layers a request measures, for callers that need to
// know which statistics to extract.
func Layers(req Request) []network.LayerID {
	var ids []network.LayerID
	ids = append(ids, lo.Keys(req.ContentCoefficients)...)
	for _, s := range req.Segments {
		ids = append(ids, lo.Keys(s.Coefficients)...)
	}
	ids = lo.Uniq(ids)
	slices.Sort(ids)
	return ids
}

// StyleLayers lists the layers with a non-zero style coefficient.
func StyleLayers(c StyleCoefficients) []network.LayerID {
	return lo.Filter(sortedKeys(c), func(id network.LayerID, _ int) bool { return !c[id].zero() })
}
