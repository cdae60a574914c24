// Package loss composes the scalar synthesis objective from content, style
// and enhance terms attached to a shared feature tap chain.
package loss

import (
	"github.com/setanarut/stylebuilder/graph"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/stats"
	"github.com/setanarut/stylebuilder/tensor"
)

// CenteringMode selects what is subtracted from an activation before the
// covariance and enhance terms are computed.
type CenteringMode int

const (
	// Origin uses the activation as is.
	Origin CenteringMode = iota
	// Dynamic subtracts the activation's own spatial mean.
	Dynamic
	// Static subtracts the fixed target mean.
	Static
)

func (m CenteringMode) String() string {
	switch m {
	case Dynamic:
		return "dynamic"
	case Static:
		return "static"
	default:
		return "origin"
	}
}

// ParseCentering maps a flag value to a mode, defaulting to Origin.
func ParseCentering(s string) CenteringMode {
	switch s {
	case "dynamic":
		return Dynamic
	case "static":
		return Static
	}
	return Origin
}

// centered wires the re-centered activation and returns it along with the
// covariance target it has to be compared against. avg yields the live
// spatial mean of act and is only called by Dynamic.
func (m CenteringMode) centered(b *graph.Builder, act graph.NodeID, avg func() graph.NodeID, s *stats.LayerStats) (graph.NodeID, *tensor.Tensor) {
	switch m {
	case Dynamic:
		return b.Center(act, avg()), s.Centered
	case Static:
		return b.Center(act, b.Constant(s.Mean)), s.Centered
	default:
		return act, s.Covariance
	}
}

// LayerCoefficients weight the style terms of one layer.
type LayerCoefficients struct {
	Mean       float64
	Covariance float64
	Enhance    float64
	Centering  CenteringMode
}

func (c LayerCoefficients) zero() bool {
	return c.Mean == 0 && c.Covariance == 0 && c.Enhance == 0
}

// StyleCoefficients weight style terms per layer.
type StyleCoefficients map[network.LayerID]LayerCoefficients

// ContentCoefficients weight the content term per layer.
type ContentCoefficients map[network.LayerID]float64

// Segment routes one style target to the canvas region selected by Mask.
// A nil Mask covers the whole canvas.
type Segment struct {
	Mask         *tensor.Tensor
	Target       *stats.StyleTarget
	Coefficients StyleCoefficients
}

// Request lists everything one loss graph is built from.
type Request struct {
	Content             *stats.ContentTarget
	ContentCoefficients ContentCoefficients
	Segments            []Segment
}
