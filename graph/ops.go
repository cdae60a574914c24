package graph

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/setanarut/stylebuilder/tensor"
)

// Stage is a frozen differentiable transform, typically one segment of a
// feature network.
type Stage interface {
	Forward(in *tensor.Tensor) (*tensor.Tensor, error)
	// Backward returns the gradient with respect to in given the gradient
	// of the stage output.
	Backward(in, gradOut *tensor.Tensor) (*tensor.Tensor, error)
}

// Constant embeds a fixed tensor. Constants never receive gradients.
func (b *Builder) Constant(t *tensor.Tensor) NodeID {
	if t == nil {
		return b.fail(fmt.Errorf("%w: nil constant", tensor.ErrInvalidInput))
	}
	return b.add(constantOp{t})
}

// Tap runs a frozen stage on x.
func (b *Builder) Tap(s Stage, x NodeID) NodeID {
	return b.add(tapOp{s}, x)
}

// Average pools x to a 1×1×Bands vector, weighted by mask when given.
func (b *Builder) Average(x, mask NodeID) NodeID {
	if mask == None {
		return b.add(averageOp{}, x)
	}
	return b.add(averageOp{}, x, mask)
}

// Gram computes the (mask weighted) mean outer product of the pixel
// vectors of x as a 1×1×Bands² tensor.
func (b *Builder) Gram(x, mask NodeID) NodeID {
	if mask == None {
		return b.add(gramOp{}, x)
	}
	return b.add(gramOp{}, x, mask)
}

// Center subtracts the 1×1×Bands vector m from every pixel of x.
func (b *Builder) Center(x, m NodeID) NodeID {
	return b.add(centerOp{}, x, m)
}

// MSE is the mean squared difference between x and a fixed target.
func (b *Builder) MSE(x NodeID, target *tensor.Tensor) NodeID {
	if target == nil {
		return b.fail(fmt.Errorf("%w: nil mse target", tensor.ErrInvalidInput))
	}
	return b.add(mseOp{target}, x)
}

// MeanSquare is the (mask weighted) mean of x².
func (b *Builder) MeanSquare(x, mask NodeID) NodeID {
	if mask == None {
		return b.add(meanSquareOp{}, x)
	}
	return b.add(meanSquareOp{}, x, mask)
}

// WeightedSum is wa·a + wc·c.
func (b *Builder) WeightedSum(a NodeID, wa float64, c NodeID, wc float64) NodeID {
	return b.add(weightedSumOp{wa, wc}, a, c)
}

// Scale multiplies x by a constant.
func (b *Builder) Scale(x NodeID, f float64) NodeID {
	return b.add(scaleOp{f}, x)
}

// LinearMix projects the bands of every pixel of x through a K×Bands
// weight matrix w (row-major) plus a K-vector bias.
func (b *Builder) LinearMix(x, w, bias NodeID) NodeID {
	return b.add(linearMixOp{}, x, w, bias)
}

// Gain multiplies x by the scalar node s.
func (b *Builder) Gain(x, s NodeID) NodeID {
	return b.add(gainOp{}, x, s)
}

// Softmax normalizes the bands of every pixel into a distribution.
func (b *Builder) Softmax(x NodeID) NodeID {
	return b.add(softmaxOp{}, x)
}

// Entropy scores soft assignments p: low per-pixel entropy and high entropy
// of the global class distribution both lower the value. emphasis is the
// exponent applied to the normalized global entropy.
func (b *Builder) Entropy(p NodeID, emphasis float64) NodeID {
	return b.add(entropyOp{emphasis}, p)
}

type variableOp struct{}

func (variableOp) name() string { return "variable" }
func (variableOp) forward([]*tensor.Tensor) (*tensor.Tensor, error) {
	return nil, fmt.Errorf("%w: variable evaluated as op", ErrUnboundVariable)
}
func (variableOp) backward([]*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, []bool) ([]*tensor.Tensor, error) {
	return nil, nil
}

type constantOp struct{ t *tensor.Tensor }

func (constantOp) name() string { return "constant" }
func (o constantOp) forward([]*tensor.Tensor) (*tensor.Tensor, error) {
	return o.t, nil
}
func (constantOp) backward([]*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, []bool) ([]*tensor.Tensor, error) {
	return nil, nil
}

type tapOp struct{ s Stage }

func (tapOp) name() string { return "tap" }
func (o tapOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return o.s.Forward(in[0])
}
func (o tapOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	g, err := o.s.Backward(in[0], grad)
	return []*tensor.Tensor{g}, err
}

// weights returns the per-pixel weights of an optional mask operand and
// their sum.
func weights(in []*tensor.Tensor) ([]float64, float64, error) {
	x := in[0]
	if len(in) < 2 {
		return nil, float64(x.Pixels()), nil
	}
	if err := tensor.CheckMask(x, in[1]); err != nil {
		return nil, 0, err
	}
	return in[1].Pix, floats.Sum(in[1].Pix), nil
}

func weightAt(w []float64, p int) float64 {
	if w == nil {
		return 1
	}
	return w[p]
}

type averageOp struct{}

func (averageOp) name() string { return "average" }

func (averageOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	w, total, err := weights(in)
	if err != nil {
		return nil, err
	}
	out := tensor.New(1, 1, x.Bands)
	if total <= 0 {
		return out, nil
	}
	for p := range x.Pixels() {
		wp := weightAt(w, p) / total
		floats.AddScaled(out.Pix, wp, x.Pix[p*x.Bands:(p+1)*x.Bands])
	}
	return out, nil
}

func (averageOp) backward(in []*tensor.Tensor, out, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	x := in[0]
	w, total, err := weights(in)
	if err != nil {
		return nil, err
	}
	res := make([]*tensor.Tensor, len(in))
	if total <= 0 {
		return res, nil
	}
	if need[0] {
		gx := x.Zeros()
		for p := range x.Pixels() {
			floats.AddScaled(gx.Pix[p*x.Bands:(p+1)*x.Bands], weightAt(w, p)/total, grad.Pix)
		}
		res[0] = gx
	}
	if len(in) > 1 && need[1] {
		gm := in[1].Zeros()
		base := floats.Dot(out.Pix, grad.Pix)
		for p := range x.Pixels() {
			gm.Pix[p] = (floats.Dot(x.Pix[p*x.Bands:(p+1)*x.Bands], grad.Pix) - base) / total
		}
		res[1] = gm
	}
	return res, nil
}

type gramOp struct{}

func (gramOp) name() string { return "gram" }

func (gramOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	var mask *tensor.Tensor
	if len(in) > 1 {
		mask = in[1]
	}
	m, err := tensor.Accumulate(in[0], mask)
	if err != nil {
		return nil, err
	}
	if m.Weight <= 0 {
		return tensor.New(1, 1, m.Bands*m.Bands), nil
	}
	return tensor.Vector(m.Gram()), nil
}

func (gramOp) backward(in []*tensor.Tensor, out, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	x := in[0]
	bands := x.Bands
	w, total, err := weights(in)
	if err != nil {
		return nil, err
	}
	res := make([]*tensor.Tensor, len(in))
	if total <= 0 {
		return res, nil
	}
	sym := mat.NewDense(bands, bands, nil)
	for i := range bands {
		for j := range bands {
			sym.Set(i, j, grad.Pix[i*bands+j]+grad.Pix[j*bands+i])
		}
	}
	X := x.Matrix()
	if need[0] {
		gx := x.Zeros()
		gm := gx.Matrix()
		gm.Mul(X, sym)
		for p := range x.Pixels() {
			floats.Scale(weightAt(w, p)/total, gx.Pix[p*bands:(p+1)*bands])
		}
		res[0] = gx
	}
	if len(in) > 1 && need[1] {
		gw := in[1].Zeros()
		base := floats.Dot(out.Pix, grad.Pix)
		g := mat.NewDense(bands, bands, grad.Pix)
		for p := range x.Pixels() {
			v := mat.NewVecDense(bands, x.Pix[p*bands:(p+1)*bands])
			gw.Pix[p] = (mat.Inner(v, g, v) - base) / total
		}
		res[1] = gw
	}
	return res, nil
}

type centerOp struct{}

func (centerOp) name() string { return "center" }

func (centerOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x, m := in[0], in[1]
	if m.Len() != x.Bands {
		return nil, fmt.Errorf("%w: center of %d bands by %d", ErrShapeMismatch, x.Bands, m.Len())
	}
	out := x.Clone()
	for p := range x.Pixels() {
		floats.Sub(out.Pix[p*x.Bands:(p+1)*x.Bands], m.Pix)
	}
	return out, nil
}

func (centerOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	x := in[0]
	res := make([]*tensor.Tensor, 2)
	if need[0] {
		res[0] = grad.Clone()
	}
	if need[1] {
		gm := in[1].Zeros()
		for p := range x.Pixels() {
			floats.Sub(gm.Pix, grad.Pix[p*x.Bands:(p+1)*x.Bands])
		}
		res[1] = gm
	}
	return res, nil
}

type mseOp struct{ target *tensor.Tensor }

func (mseOp) name() string { return "mse" }

func (o mseOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	if x.Len() != o.target.Len() {
		return nil, fmt.Errorf("%w: %s against target %s", ErrShapeMismatch, x, o.target)
	}
	sum := 0.0
	for i, v := range x.Pix {
		d := v - o.target.Pix[i]
		sum += d * d
	}
	return tensor.Scalar(sum / float64(x.Len())), nil
}

func (o mseOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	x := in[0]
	gx := x.Zeros()
	f := 2 * grad.Pix[0] / float64(x.Len())
	for i, v := range x.Pix {
		gx.Pix[i] = f * (v - o.target.Pix[i])
	}
	return []*tensor.Tensor{gx}, nil
}

type meanSquareOp struct{}

func (meanSquareOp) name() string { return "meansquare" }

func (meanSquareOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	w, total, err := weights(in)
	if err != nil {
		return nil, err
	}
	if total <= 0 {
		return tensor.Scalar(0), nil
	}
	sum := 0.0
	for p := range x.Pixels() {
		v := x.Pix[p*x.Bands : (p+1)*x.Bands]
		sum += weightAt(w, p) * floats.Dot(v, v)
	}
	return tensor.Scalar(sum / (total * float64(x.Bands))), nil
}

func (meanSquareOp) backward(in []*tensor.Tensor, out, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	x := in[0]
	w, total, err := weights(in)
	if err != nil {
		return nil, err
	}
	res := make([]*tensor.Tensor, len(in))
	if total <= 0 {
		return res, nil
	}
	norm := total * float64(x.Bands)
	if need[0] {
		gx := x.Zeros()
		for p := range x.Pixels() {
			f := 2 * grad.Pix[0] * weightAt(w, p) / norm
			for b := p * x.Bands; b < (p+1)*x.Bands; b++ {
				gx.Pix[b] = f * x.Pix[b]
			}
		}
		res[0] = gx
	}
	if len(in) > 1 && need[1] {
		gw := in[1].Zeros()
		for p := range x.Pixels() {
			v := x.Pix[p*x.Bands : (p+1)*x.Bands]
			gw.Pix[p] = grad.Pix[0] * (floats.Dot(v, v)/float64(x.Bands) - out.Pix[0]) / total
		}
		res[1] = gw
	}
	return res, nil
}

type weightedSumOp struct{ wa, wb float64 }

func (weightedSumOp) name() string { return "weightedsum" }

func (o weightedSumOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	a, b := in[0], in[1]
	if a.Len() != b.Len() {
		return nil, fmt.Errorf("%w: sum of %s and %s", ErrShapeMismatch, a, b)
	}
	out := a.Zeros()
	floats.AddScaled(out.Pix, o.wa, a.Pix)
	floats.AddScaled(out.Pix, o.wb, b.Pix)
	return out, nil
}

func (o weightedSumOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	res := make([]*tensor.Tensor, 2)
	for k, f := range []float64{o.wa, o.wb} {
		if !need[k] {
			continue
		}
		g := grad.Clone()
		g.Scale(f)
		res[k] = g
	}
	return res, nil
}

type scaleOp struct{ f float64 }

func (scaleOp) name() string { return "scale" }

func (o scaleOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	out := in[0].Clone()
	out.Scale(o.f)
	return out, nil
}

func (o scaleOp) backward(_ []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	g := grad.Clone()
	g.Scale(o.f)
	return []*tensor.Tensor{g}, nil
}

type linearMixOp struct{}

func (linearMixOp) name() string { return "linearmix" }

func mixShape(in []*tensor.Tensor) (k int, err error) {
	x, w, bias := in[0], in[1], in[2]
	k = bias.Len()
	if k == 0 || w.Len() != k*x.Bands {
		return 0, fmt.Errorf("%w: %d weights for %d bands and %d outputs", ErrShapeMismatch, w.Len(), x.Bands, k)
	}
	return k, nil
}

func (linearMixOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x, w, bias := in[0], in[1], in[2]
	k, err := mixShape(in)
	if err != nil {
		return nil, err
	}
	out := tensor.New(x.W, x.H, k)
	om := out.Matrix()
	om.Mul(x.Matrix(), mat.NewDense(k, x.Bands, w.Pix).T())
	for p := range x.Pixels() {
		floats.Add(out.Pix[p*k:(p+1)*k], bias.Pix)
	}
	return out, nil
}

func (linearMixOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	x, w, bias := in[0], in[1], in[2]
	k, err := mixShape(in)
	if err != nil {
		return nil, err
	}
	G := grad.Matrix()
	res := make([]*tensor.Tensor, 3)
	if need[0] {
		gx := x.Zeros()
		gm := gx.Matrix()
		gm.Mul(G, mat.NewDense(k, x.Bands, w.Pix))
		res[0] = gx
	}
	if need[1] {
		gw := w.Zeros()
		gm := mat.NewDense(k, x.Bands, gw.Pix)
		gm.Mul(G.T(), x.Matrix())
		res[1] = gw
	}
	if need[2] {
		gb := bias.Zeros()
		for p := range x.Pixels() {
			floats.Add(gb.Pix, grad.Pix[p*k:(p+1)*k])
		}
		res[2] = gb
	}
	return res, nil
}

type gainOp struct{}

func (gainOp) name() string { return "gain" }

func (gainOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	if in[1].Len() != 1 {
		return nil, fmt.Errorf("%w: gain must be scalar, got %s", ErrShapeMismatch, in[1])
	}
	out := in[0].Clone()
	out.Scale(in[1].Pix[0])
	return out, nil
}

func (gainOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	res := make([]*tensor.Tensor, 2)
	if need[0] {
		g := grad.Clone()
		g.Scale(in[1].Pix[0])
		res[0] = g
	}
	if need[1] {
		res[1] = tensor.Scalar(floats.Dot(grad.Pix, in[0].Pix))
	}
	return res, nil
}

type softmaxOp struct{}

func (softmaxOp) name() string { return "softmax" }

func (softmaxOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	out := x.Zeros()
	k := x.Bands
	for p := range x.Pixels() {
		src := x.Pix[p*k : (p+1)*k]
		dst := out.Pix[p*k : (p+1)*k]
		top := floats.Max(src)
		sum := 0.0
		for i, v := range src {
			dst[i] = math.Exp(v - top)
			sum += dst[i]
		}
		floats.Scale(1/sum, dst)
	}
	return out, nil
}

func (softmaxOp) backward(_ []*tensor.Tensor, out, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	k := out.Bands
	gx := out.Zeros()
	for p := range out.Pixels() {
		pr := out.Pix[p*k : (p+1)*k]
		g := grad.Pix[p*k : (p+1)*k]
		dot := floats.Dot(pr, g)
		for i := range k {
			gx.Pix[p*k+i] = pr[i] * (g[i] - dot)
		}
	}
	return []*tensor.Tensor{gx}, nil
}

const entropyEps = 1e-12

type entropyOp struct{ emphasis float64 }

func (entropyOp) name() string { return "entropy" }

// parts returns the normalized pixel entropy, the normalized entropy of
// the global distribution q and q itself.
func (o entropyOp) parts(p *tensor.Tensor) (hp, hg float64, q []float64) {
	k, n := p.Bands, float64(p.Pixels())
	norm := math.Log(float64(k))
	q = make([]float64, k)
	for i := range p.Pixels() {
		row := p.Pix[i*k : (i+1)*k]
		for c, v := range row {
			hp -= v * math.Log(v+entropyEps)
			q[c] += v
		}
	}
	floats.Scale(1/n, q)
	for _, v := range q {
		hg -= v * math.Log(v+entropyEps)
	}
	return hp / (n * norm), max(hg/norm, entropyEps), q
}

func (o entropyOp) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	p := in[0]
	if p.Bands < 2 {
		return tensor.Scalar(0), nil
	}
	hp, hg, _ := o.parts(p)
	return tensor.Scalar(hp - math.Pow(hg, o.emphasis)), nil
}

func (o entropyOp) backward(in []*tensor.Tensor, _, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	p := in[0]
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	gp := p.Zeros()
	if p.Bands < 2 {
		return []*tensor.Tensor{gp}, nil
	}
	k, n := p.Bands, float64(p.Pixels())
	scale := grad.Pix[0] / (n * math.Log(float64(k)))
	_, hg, q := o.parts(p)
	globalFactor := o.emphasis * math.Pow(hg, o.emphasis-1)
	dq := make([]float64, k)
	for c, v := range q {
		dq[c] = math.Log(v+entropyEps) + v/(v+entropyEps)
	}
	for i := range p.Pixels() {
		for c := range k {
			v := p.Pix[i*k+c]
			dpix := -(math.Log(v+entropyEps) + v/(v+entropyEps))
			gp.Pix[i*k+c] = scale * (dpix + globalFactor*dq[c])
		}
	}
	return []*tensor.Tensor{gp}, nil
}
