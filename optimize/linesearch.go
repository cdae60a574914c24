package optimize

import (
	"context"
	"math"
)

// LineFunc evaluates the objective at step t along the search direction and
// returns its value and directional derivative there.
type LineFunc func(ctx context.Context, t float64) (value, slope float64, err error)

// Step is the outcome of a line search.
type Step struct {
	T        float64
	Value    float64
	Accepted bool
	Trials   int
}

// LineSearch picks a step length along a descent direction. f0 and slope0
// are the value and directional derivative at t=0; rate is the first trial.
type LineSearch interface {
	Search(ctx context.Context, f LineFunc, f0, slope0, rate float64) (Step, error)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ArmijoWolfe brackets a step satisfying the sufficient decrease (C1) and
// curvature (C2) conditions, expanding while the slope is still steep and
// bisecting after overshooting. If no trial meets both, the lowest trial
// meeting sufficient decrease is returned.
type ArmijoWolfe struct {
	C1, C2    float64
	MaxTrials int
	// Tolerance stops bisection once the bracket is this narrow relative
	// to its upper end.
	Tolerance float64
}

func DefaultArmijoWolfe() ArmijoWolfe {
	return ArmijoWolfe{C1: 1e-4, C2: 0.9, MaxTrials: 20, Tolerance: 1e-3}
}

func (s ArmijoWolfe) Search(ctx context.Context, f LineFunc, f0, slope0, rate float64) (Step, error) {
	lo, hi := 0.0, math.Inf(1)
	t := rate
	best := Step{Value: f0}
	for trial := 1; trial <= max(1, s.MaxTrials); trial++ {
		v, slope, err := f(ctx, t)
		if err != nil {
			return best, err
		}
		best.Trials = trial
		switch {
		case !finite(v) || v > f0+s.C1*t*slope0:
			hi = t
		default:
			if !best.Accepted || v < best.Value {
				best.T, best.Value, best.Accepted = t, v, true
			}
			if slope >= s.C2*slope0 {
				return Step{T: t, Value: v, Accepted: true, Trials: trial}, nil
			}
			lo = t
		}
		if math.IsInf(hi, 1) {
			t *= 2
		} else {
			if hi-lo <= s.Tolerance*hi {
				break
			}
			t = (lo + hi) / 2
		}
	}
	return best, nil
}

// Backtracking halves the step until sufficient decrease holds.
type Backtracking struct {
	C1        float64
	Shrink    float64
	MaxTrials int
}

func DefaultBacktracking() Backtracking {
	return Backtracking{C1: 1e-4, Shrink: 0.5, MaxTrials: 20}
}

func (s Backtracking) Search(ctx context.Context, f LineFunc, f0, slope0, rate float64) (Step, error) {
	t := rate
	for trial := 1; trial <= max(1, s.MaxTrials); trial++ {
		v, _, err := f(ctx, t)
		if err != nil {
			return Step{Value: f0, Trials: trial}, err
		}
		if finite(v) && v <= f0+s.C1*t*slope0 {
			return Step{T: t, Value: v, Accepted: true, Trials: trial}, nil
		}
		t *= s.Shrink
	}
	return Step{Value: f0, Trials: max(1, s.MaxTrials)}, nil
}
