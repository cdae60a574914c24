package optimize

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// TrustRegion constrains where a step may move one parameter. Project
// rewrites cand, a candidate value reached from cur, into the region.
// A nil TrustRegion leaves the parameter unbounded.
type TrustRegion interface {
	Project(cur, cand []float64)
}

// Bounder is implemented by regions that can tell in advance which
// direction components are blocked at cur. Bound zeroes those in dir.
type Bounder interface {
	Bound(cur, dir []float64)
}

// Range clamps every sample to [Min, Max].
type Range struct {
	Min, Max float64
}

func (r Range) Project(_, cand []float64) {
	for i, v := range cand {
		cand[i] = min(r.Max, max(r.Min, v))
	}
}

func (r Range) Bound(cur, dir []float64) {
	for i, v := range cur {
		if (v <= r.Min && dir[i] < 0) || (v >= r.Max && dir[i] > 0) {
			dir[i] = 0
		}
	}
}

// Static holds the parameter fixed.
type Static struct{}

func (Static) Project(cur, cand []float64) {
	copy(cand, cur)
}

func (Static) Bound(_, dir []float64) {
	clear(dir)
}

// UnitNorm rescales each of Rows equal-length rows to unit length.
type UnitNorm struct {
	Rows int
}

func (u UnitNorm) Project(_, cand []float64) {
	if u.Rows <= 0 || len(cand)%u.Rows != 0 {
		return
	}
	n := len(cand) / u.Rows
	for r := range u.Rows {
		row := cand[r*n : (r+1)*n]
		if norm := floats.Norm(row, 2); norm > 0 {
			floats.Scale(1/norm, row)
		}
	}
}

// Orthonormal replaces a Rows×Cols matrix (row-major) by the nearest
// matrix with orthonormal rows, U·Vᵀ of its singular value decomposition.
// Rows must not exceed Cols.
type Orthonormal struct {
	Rows, Cols int
}

func (o Orthonormal) Project(_, cand []float64) {
	if o.Rows <= 0 || o.Rows > o.Cols || len(cand) != o.Rows*o.Cols {
		return
	}
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(o.Rows, o.Cols, cand), mat.SVDThin) {
		return
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out := mat.NewDense(o.Rows, o.Cols, cand)
	out.Mul(&u, v.T())
}
