// Package network defines the frozen feature tap network consumed by the
// statistics, loss and segmentation packages.
package network

import (
	"fmt"
	"slices"

	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/tensor"
)

// LayerID names a tap point. IDs are ordered by depth.
type LayerID int

func (id LayerID) String() string {
	return fmt.Sprintf("layer%d", int(id))
}

// Stage is one frozen segment of a network.
type Stage interface {
	graph.Stage
	// Shape maps an input geometry to the output geometry.
	Shape(w, h, bands int) (int, int, int)
}

// Network is a frozen layered feature extractor. The stage of a layer maps
// the activation of the previous layer (or the image, for the first layer)
// to the activation of that layer.
type Network interface {
	Layers() []LayerID
	Stage(id LayerID) (Stage, error)
}

// Path returns every layer from the input up to the deepest of ids, in
// network order.
func Path(net Network, ids []LayerID) ([]LayerID, error) {
	layers := net.Layers()
	deepest := -1
	for _, id := range ids {
		i := slices.Index(layers, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, id)
		}
		deepest = max(deepest, i)
	}
	return layers[:deepest+1], nil
}

// Chain composes stages into one.
type Chain []Stage

// Prefix composes every stage up to and including id, giving the subgraph
// that maps an image to the activation of id.
func Prefix(net Network, id LayerID) (Chain, error) {
	path, err := Path(net, []LayerID{id})
	if err != nil {
		return nil, err
	}
	c := make(Chain, 0, len(path))
	for _, l := range path {
		s, err := net.Stage(l)
		if err != nil {
			return nil, err
		}
		c = append(c, s)
	}
	return c, nil
}

func (c Chain) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, s := range c {
		if in, err = s.Forward(in); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (c Chain) Backward(in, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	inputs := make([]*tensor.Tensor, len(c))
	var err error
	for i, s := range c {
		inputs[i] = in
		if in, err = s.Forward(in); err != nil {
			return nil, err
		}
	}
	for i := len(c) - 1; i >= 0; i-- {
		if gradOut, err = c[i].Backward(inputs[i], gradOut); err != nil {
			return nil, err
		}
	}
	return gradOut, nil
}

func (c Chain) Shape(w, h, bands int) (int, int, int) {
	for _, s := range c {
		w, h, bands = s.Shape(w, h, bands)
	}
	return w, h, bands
}

// Activations runs img through the network once and returns the
// activation of every requested layer.
func Activations(net Network, img *tensor.Tensor, ids []LayerID) (map[LayerID]*tensor.Tensor, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	path, err := Path(net, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[LayerID]*tensor.Tensor, len(ids))
	cur := img
	for _, l := range path {
		s, err := net.Stage(l)
		if err != nil {
			return nil, err
		}
		if cur, err = s.Forward(cur); err != nil {
			return nil, fmt.Errorf("%s: %w", l, err)
		}
		if slices.Contains(ids, l) {
			out[l] = cur
		}
	}
	return out, nil
}

// Shapes reports the activation geometry of every layer on path for a
// w×h×bands input.
func Shapes(net Network, w, h, bands int, path []LayerID) (map[LayerID][3]int, error) {
	out := make(map[LayerID][3]int, len(path))
	for _, l := range path {
		s, err := net.Stage(l)
		if err != nil {
			return nil, err
		}
		w, h, bands = s.Shape(w, h, bands)
		out[l] = [3]int{w, h, bands}
	}
	return out, nil
}

// Footprinter is implemented by stages that know how far their outputs
// reach into their input. Radius is counted in input pixels on each side,
// Stride is the input pixels per output pixel.
type Footprinter interface {
	Footprint() (radius, stride int)
}

// Reach composes the footprints of every stage up to the deepest of ids.
// stride is the input pixels per activation pixel of that layer and halo
// bounds the image pixels beyond a stride aligned block that affect the
// block's activations. ok is false when a stage cannot tell.
func Reach(net Network, ids []LayerID) (stride, halo int, ok bool) {
	path, err := Path(net, ids)
	if err != nil {
		return 0, 0, false
	}
	stride = 1
	for _, l := range path {
		s, err := net.Stage(l)
		if err != nil {
			return 0, 0, false
		}
		f, isF := s.(Footprinter)
		if !isF {
			return 0, 0, false
		}
		r, st := f.Footprint()
		// Pooling rounds a partially affected cell up to a whole one.
		halo += r*stride + (st-1)*stride
		stride *= st
	}
	return stride, halo, true
}
