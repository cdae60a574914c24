// Package optimize runs the trust region constrained, line search driven
// descent that updates canvases and small parameter sets in place.
package optimize

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/setanarut/stylebuilder/tensor"
)

// Param is one optimized tensor. The driver owns Value for the duration of
// a run and updates it in place.
type Param struct {
	Name   string
	Value  *tensor.Tensor
	Region TrustRegion
}

// Objective evaluates the loss at the current parameter values and returns
// the gradient per parameter name. Missing gradients count as zero.
type Objective interface {
	Evaluate(ctx context.Context) (float64, map[string]*tensor.Tensor, error)
}

// ObjectiveFunc adapts a function to Objective.
type ObjectiveFunc func(ctx context.Context) (float64, map[string]*tensor.Tensor, error)

func (f ObjectiveFunc) Evaluate(ctx context.Context) (float64, map[string]*tensor.Tensor, error) {
	return f(ctx)
}

// Progress is reported to the monitor once per iteration.
type Progress struct {
	Iteration int
	Value     float64
	Elapsed   time.Duration
	Accepted  bool
	Step      float64
	Trials    int
}

// Termination says why a run stopped.
type Termination int

const (
	MaxIterations Termination = iota
	Timeout
	Converged
)

func (t Termination) String() string {
	switch t {
	case Timeout:
		return "timeout"
	case Converged:
		return "converged"
	default:
		return "max iterations"
	}
}

type Report struct {
	Iterations int
	Accepted   int
	Initial    float64
	Value      float64
	Elapsed    time.Duration
	Reason     Termination
}

type Options struct {
	MaxIterations int
	// Timeout bounds wall clock time. It is checked between iterations.
	// Zero disables it.
	Timeout time.Duration
	// MinImprovement stops the run when an accepted step lowers the value
	// by less. Zero never stops early.
	MinImprovement float64
	// MaxRetries is the number of consecutive rejected iterations
	// tolerated before the run fails.
	MaxRetries int
	// InitialRate is the first trial step. Zero scales the first step so
	// no sample moves by more than one unit. Later searches start from the
	// length of the last accepted move, or at t=1 for scaled orientations.
	InitialRate float64
	// GradientTolerance stops the run once no unblocked gradient component
	// exceeds it in magnitude.
	GradientTolerance float64
	// RejectShrink multiplies the step length after a rejected iteration.
	RejectShrink float64

	Orientation Orientation
	LineSearch  LineSearch
	Monitor     func(Progress)
}

func DefaultOptions() Options {
	return Options{
		MaxIterations:     100,
		MaxRetries:        5,
		GradientTolerance: 1e-12,
		RejectShrink:      0.1,
		Orientation:       NewLBFGS(10),
		LineSearch:        DefaultArmijoWolfe(),
	}
}

// Driver minimizes an Objective over a set of parameters.
type Driver struct {
	opt Options
}

func NewDriver(opt Options) *Driver {
	if opt.Orientation == nil {
		opt.Orientation = GradientDescent{}
	}
	if opt.LineSearch == nil {
		opt.LineSearch = DefaultArmijoWolfe()
	}
	if opt.RejectShrink <= 0 || opt.RejectShrink >= 1 {
		opt.RejectShrink = 0.1
	}
	return &Driver{opt: opt}
}

// state is the flattened view of all parameters.
type state struct {
	params []Param
	offs   []int
	n      int
}

func newState(params []Param) (*state, error) {
	s := &state{params: params}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if err := p.Value.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidParams, p.Name, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidParams, p.Name)
		}
		seen[p.Name] = true
		s.offs = append(s.offs, s.n)
		s.n += p.Value.Len()
	}
	if s.n == 0 {
		return nil, fmt.Errorf("%w: nothing to optimize", ErrInvalidParams)
	}
	return s, nil
}

func (s *state) get() []float64 {
	x := make([]float64, s.n)
	for i, p := range s.params {
		copy(x[s.offs[i]:], p.Value.Pix)
	}
	return x
}

func (s *state) set(x []float64) {
	for i, p := range s.params {
		copy(p.Value.Pix, x[s.offs[i]:s.offs[i]+p.Value.Len()])
	}
}

func (s *state) flatten(grads map[string]*tensor.Tensor) ([]float64, error) {
	g := make([]float64, s.n)
	for i, p := range s.params {
		gp, ok := grads[p.Name]
		if !ok || gp == nil {
			continue
		}
		if gp.Len() != p.Value.Len() {
			return nil, fmt.Errorf("%w: gradient %s for %q of %s", tensor.ErrShapeMismatch, gp, p.Name, p.Value)
		}
		copy(g[s.offs[i]:], gp.Pix)
	}
	return g, nil
}

// bound zeroes the direction components the regions block at x0.
func (s *state) bound(x0, d []float64) {
	for i, p := range s.params {
		if b, ok := p.Region.(Bounder); ok {
			lo, hi := s.offs[i], s.offs[i]+p.Value.Len()
			b.Bound(x0[lo:hi], d[lo:hi])
		}
	}
}

// moveTo writes the projection of x0 + t·d into the parameters.
func (s *state) moveTo(x0, d []float64, t float64) {
	x := make([]float64, s.n)
	floats.AddScaledTo(x, x0, t, d)
	for i, p := range s.params {
		if p.Region == nil {
			continue
		}
		lo, hi := s.offs[i], s.offs[i]+p.Value.Len()
		p.Region.Project(x0[lo:hi], x[lo:hi])
	}
	s.set(x)
}

// Run minimizes obj over params. Every iteration either applies an
// accepted step that does not increase the value, or restores the
// parameters and shrinks the rate. On error the parameters hold the last
// accepted point.
func (d *Driver) Run(ctx context.Context, params []Param, obj Objective) (*Report, error) {
	st, err := newState(params)
	if err != nil {
		return nil, err
	}
	opt := d.opt
	orient := opt.Orientation
	orient.Reset()
	start := time.Now()

	x0 := st.get()
	f0, grads, err := obj.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	if !finite(f0) {
		return nil, fmt.Errorf("%w: %v", ErrNonFinite, f0)
	}
	g0, err := st.flatten(grads)
	if err != nil {
		return nil, err
	}
	report := &Report{Initial: f0, Value: f0}
	// length is the largest per-sample move of the last accepted step. It
	// carries the step size across directions of different magnitude.
	length := 0.0
	retries := 0

	for {
		report.Elapsed = time.Since(start)
		if report.Iterations >= opt.MaxIterations {
			report.Reason = MaxIterations
			return report, nil
		}
		if opt.Timeout > 0 && report.Elapsed >= opt.Timeout {
			report.Reason = Timeout
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		pg := negated(g0)
		st.bound(x0, pg)
		if maxAbs(pg) <= opt.GradientTolerance {
			report.Reason = Converged
			return report, nil
		}
		report.Iterations++
		dir := orient.Direction(x0, g0)
		st.bound(x0, dir)
		slope0 := floats.Dot(g0, dir)
		if !(slope0 < 0) {
			orient.Reset()
			dir = pg
			slope0 = floats.Dot(g0, dir)
		}
		norm := maxAbs(dir)
		if length <= 0 {
			length = 1
			if opt.InitialRate > 0 {
				length = opt.InitialRate * norm
			}
		}
		rate := length / norm
		if sc, ok := orient.(Scaler); ok && sc.Scaled() {
			rate = 1
		}

		var lastT float64
		var lastF float64
		var lastG []float64
		line := func(ctx context.Context, t float64) (float64, float64, error) {
			st.moveTo(x0, dir, t)
			v, grads, err := obj.Evaluate(ctx)
			if err != nil {
				return 0, 0, err
			}
			g, err := st.flatten(grads)
			if err != nil {
				return 0, 0, err
			}
			lastT, lastF, lastG = t, v, g
			return v, floats.Dot(g, dir), nil
		}
		step, err := opt.LineSearch.Search(ctx, line, f0, slope0, rate)
		if err != nil {
			st.set(x0)
			return report, err
		}

		if step.Accepted && finite(step.Value) && step.Value <= f0 {
			if lastT != step.T || lastG == nil {
				if _, _, err := line(ctx, step.T); err != nil {
					st.set(x0)
					return report, err
				}
			}
			if !finite(lastF) || lastF > f0 {
				st.set(x0)
				return report, fmt.Errorf("objective changed between evaluations at t=%v: %v then %v", step.T, step.Value, lastF)
			}
			x1 := st.get()
			orient.Observe(x0, g0, x1, lastG)
			improvement := f0 - lastF
			x0, g0, f0 = x1, lastG, lastF
			length = step.T * norm
			retries = 0
			report.Accepted++
			report.Value = f0
			d.monitor(report, start, true, step.T, step.Trials)
			if opt.MinImprovement > 0 && improvement < opt.MinImprovement {
				report.Reason = Converged
				report.Elapsed = time.Since(start)
				return report, nil
			}
			continue
		}

		st.set(x0)
		orient.Reset()
		length = min(length, rate*norm) * opt.RejectShrink
		retries++
		d.monitor(report, start, false, step.T, step.Trials)
		if retries > opt.MaxRetries {
			report.Elapsed = time.Since(start)
			return report, fmt.Errorf("%w: %d consecutive rejections", ErrRetriesExhausted, retries)
		}
	}
}

func (d *Driver) monitor(r *Report, start time.Time, accepted bool, t float64, trials int) {
	if d.opt.Monitor == nil {
		return
	}
	d.opt.Monitor(Progress{
		Iteration: r.Iterations,
		Value:     r.Value,
		Elapsed:   time.Since(start),
		Accepted:  accepted,
		Step:      t,
		Trials:    trials,
	})
}

func maxAbs(v []float64) float64 {
	return max(floats.Max(v), -floats.Min(v))
}
