// Package stats measures the per-layer activation statistics that style
// and content losses are fitted against.
package stats

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
)

// LayerStats are the statistics of one layer. Mean is 1×1×B; Covariance
// (origin centered) and Centered (mean subtracted) are 1×1×B².
type LayerStats struct {
	Mean       *tensor.Tensor
	Covariance *tensor.Tensor
	Centered   *tensor.Tensor
}

func (s *LayerStats) clone() *LayerStats {
	return &LayerStats{Mean: s.Mean.Clone(), Covariance: s.Covariance.Clone(), Centered: s.Centered.Clone()}
}

func (s *LayerStats) add(o *LayerStats) error {
	if !s.Mean.SameShape(o.Mean) || !s.Covariance.SameShape(o.Covariance) {
		return fmt.Errorf("%w: %s + %s", tensor.ErrShapeMismatch, s.Mean, o.Mean)
	}
	_ = s.Mean.AddScaled(1, o.Mean)
	_ = s.Covariance.AddScaled(1, o.Covariance)
	return s.Centered.AddScaled(1, o.Centered)
}

// StyleTarget holds the statistics of a style source per layer. Targets
// form a vector space under Add and Scale, which is how several sources
// are averaged.
type StyleTarget struct {
	Layers map[network.LayerID]*LayerStats
}

func NewStyleTarget() *StyleTarget {
	return &StyleTarget{Layers: make(map[network.LayerID]*LayerStats)}
}

// LayerIDs lists the measured layers in network order.
func (t *StyleTarget) LayerIDs() []network.LayerID {
	return slices.SortedFunc(maps.Keys(t.Layers), cmp.Compare)
}

// Add returns t+o. A layer present on one side only is copied unchanged.
func (t *StyleTarget) Add(o *StyleTarget) (*StyleTarget, error) {
	out := NewStyleTarget()
	for id, s := range t.Layers {
		out.Layers[id] = s.clone()
	}
	for id, s := range o.Layers {
		cur, ok := out.Layers[id]
		if !ok {
			out.Layers[id] = s.clone()
			continue
		}
		if err := cur.add(s); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
	}
	return out, nil
}

// Scale returns f·t.
func (t *StyleTarget) Scale(f float64) *StyleTarget {
	out := NewStyleTarget()
	for id, s := range t.Layers {
		c := s.clone()
		c.Mean.Scale(f)
		c.Covariance.Scale(f)
		c.Centered.Scale(f)
		out.Layers[id] = c
	}
	return out
}

// Average is the weighted mean Σwᵢtᵢ / Σwᵢ.
func Average(targets []*StyleTarget, weights []float64) (*StyleTarget, error) {
	if len(targets) == 0 || len(targets) != len(weights) {
		return nil, fmt.Errorf("%w: %d targets, %d weights", tensor.ErrInvalidInput, len(targets), len(weights))
	}
	total := lo.Sum(weights)
	if total <= 0 {
		return nil, fmt.Errorf("%w: total weight %v", tensor.ErrInvalidInput, total)
	}
	acc := NewStyleTarget()
	for i, t := range targets {
		var err error
		if acc, err = acc.Add(t.Scale(weights[i])); err != nil {
			return nil, err
		}
	}
	return acc.Scale(1 / total), nil
}

// ContentTarget holds the activation of the content image per layer.
type ContentTarget struct {
	Layers map[network.LayerID]*tensor.Tensor
}

// MaskKey identifies a mask by its position in a segmentation and the
// extent it was resampled to. Resampling the same masks to the same extent
// gives equal keys.
type MaskKey struct {
	Index, W, H int
}

// SegmentedTarget maps masks to the style statistics measured under them.
// Entries are created on first use and are safe to request concurrently.
type SegmentedTarget struct {
	mu      sync.Mutex
	order   []MaskKey
	entries map[MaskKey]*segmentEntry
}

type segmentEntry struct {
	once   sync.Once
	target *StyleTarget
	err    error
}

func NewSegmentedTarget() *SegmentedTarget {
	return &SegmentedTarget{entries: make(map[MaskKey]*segmentEntry)}
}

// GetOrCreate returns the target of key, calling create at most once per
// key. Concurrent callers for the same key wait for the first one.
func (s *SegmentedTarget) GetOrCreate(key MaskKey, create func() (*StyleTarget, error)) (*StyleTarget, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &segmentEntry{}
		s.entries[key] = e
		s.order = append(s.order, key)
	}
	s.mu.Unlock()
	e.once.Do(func() {
		t, err := create()
		s.mu.Lock()
		e.target, e.err = t, err
		s.mu.Unlock()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.target, e.err
}

// Get returns the target of key if it has been created successfully.
func (s *SegmentedTarget) Get(key MaskKey) (*StyleTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.target == nil {
		return nil, false
	}
	return e.target, true
}

// Keys lists the keys in the order they were first requested.
func (s *SegmentedTarget) Keys() []MaskKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}
