package optimize

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Orientation proposes search directions.
type Orientation interface {
	// Direction returns a search direction at x for gradient g.
	Direction(x, g []float64) []float64
	// Observe records an accepted step from (x0, g0) to (x1, g1).
	Observe(x0, g0, x1, g1 []float64)
	// Reset drops accumulated history, e.g. after a rejected step.
	Reset()
}

// Scaler is implemented by orientations whose directions already carry a
// step length. Line searches along a scaled direction start at t=1.
type Scaler interface {
	Scaled() bool
}

func negated(g []float64) []float64 {
	d := make([]float64, len(g))
	floats.AddScaled(d, -1, g)
	return d
}

// GradientDescent searches along the negative gradient.
type GradientDescent struct{}

func (GradientDescent) Direction(_, g []float64) []float64 { return negated(g) }
func (GradientDescent) Observe(_, _, _, _ []float64)       {}
func (GradientDescent) Reset()                             {}

// LBFGS approximates the inverse Hessian from the last Memory accepted
// steps.
type LBFGS struct {
	Memory int
	s, y   [][]float64
	rho    []float64
}

func NewLBFGS(memory int) *LBFGS {
	return &LBFGS{Memory: max(1, memory)}
}

func (o *LBFGS) Direction(_, g []float64) []float64 {
	q := negated(g)
	k := len(o.s)
	if k == 0 {
		return q
	}
	alpha := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		alpha[i] = o.rho[i] * floats.Dot(o.s[i], q)
		floats.AddScaled(q, -alpha[i], o.y[i])
	}
	gamma := floats.Dot(o.s[k-1], o.y[k-1]) / floats.Dot(o.y[k-1], o.y[k-1])
	floats.Scale(gamma, q)
	for i := range k {
		beta := o.rho[i] * floats.Dot(o.y[i], q)
		floats.AddScaled(q, alpha[i]-beta, o.s[i])
	}
	return q
}

// Scaled reports whether curvature history shapes the next direction.
func (o *LBFGS) Scaled() bool { return len(o.s) > 0 }

func (o *LBFGS) Observe(x0, g0, x1, g1 []float64) {
	s := make([]float64, len(x1))
	y := make([]float64, len(g1))
	floats.SubTo(s, x1, x0)
	floats.SubTo(y, g1, g0)
	sy := floats.Dot(s, y)
	if sy <= 1e-12 || math.IsNaN(sy) {
		return
	}
	if len(o.s) == max(1, o.Memory) {
		o.s, o.y, o.rho = o.s[1:], o.y[1:], o.rho[1:]
	}
	o.s = append(o.s, s)
	o.y = append(o.y, y)
	o.rho = append(o.rho, 1/sy)
}

func (o *LBFGS) Reset() {
	o.s, o.y, o.rho = nil, nil, nil
}

// Adam scales the direction by bias corrected running estimates of the
// gradient's first and second moments.
type Adam struct {
	Beta1, Beta2, Epsilon float64

	t      int
	m1, m2 []float64
}

func NewAdam() *Adam {
	return &Adam{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

func (o *Adam) Direction(_, g []float64) []float64 {
	if len(o.m1) != len(g) {
		o.m1 = make([]float64, len(g))
		o.m2 = make([]float64, len(g))
		o.t = 0
	}
	o.t++
	b1t := 1.0 - math.Pow(o.Beta1, float64(o.t))
	b2t := 1.0 - math.Pow(o.Beta2, float64(o.t))
	d := make([]float64, len(g))
	for i, gi := range g {
		o.m1[i] = o.Beta1*o.m1[i] + (1.0-o.Beta1)*gi
		o.m2[i] = o.Beta2*o.m2[i] + (1.0-o.Beta2)*gi*gi
		mhat := o.m1[i] / b1t
		vhat := o.m2[i] / b2t
		d[i] = -mhat / (math.Sqrt(vhat) + o.Epsilon)
	}
	return d
}

func (o *Adam) Observe(_, _, _, _ []float64) {}

func (o *Adam) Reset() {
	o.t, o.m1, o.m2 = 0, nil, nil
}
