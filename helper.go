package gofusion

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Identity returns an identity matrix of the provided size.
func Identity(n int) *mat.SymDense {
	return ScaledIdentity(n, 1)
}

// ScaledIdentity returns an identity matrix time a scaling factor of the provided size.
func ScaledIdentity(n int, s float64) *mat.SymDense {
	vals := make([]float64, n*n)
	for j := 0; j < n*n; j++ {
		if j%(n+1) == 0 {
			vals[j] = s
		}
	}
	return mat.NewSymDense(n, vals)
}

// Diagonal returns a symmetric matrix with the provided values on its diagonal.
func Diagonal(d ...float64) *mat.SymDense {
	m := mat.NewSymDense(len(d), nil)
	for i, v := range d {
		m.SetSym(i, i, v)
	}
	return m
}

// IsNil returns whether the provided matrix only has zero values
func IsNil(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// AsSymDense attempts return a SymDense from the provided Dense.
// The matrix must be symmetric within tol.
func AsSymDense(m mat.Matrix, tol float64) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.Wrap(ErrInvalidInput, "matrix must be square")
	}
	if !IsSymmetric(m, tol) {
		return nil, errors.Wrap(ErrInvalidInput, "matrix is not symmetric")
	}
	return Symmetrize(m), nil
}

// Symmetrize returns (m + m')/2 as a SymDense. The matrix must be square.
func Symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, m.At(i, i))
		for j := i + 1; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

// IsSymmetric returns whether m is square and symmetric within tol.
func IsSymmetric(m mat.Matrix, tol float64) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(m.At(i, j)-m.At(j, i)) > tol {
				return false
			}
		}
	}
	return true
}

// isPSD returns whether the symmetric matrix is positive semi-definite.
func isPSD(s mat.Symmetric) bool {
	var eig mat.EigenSym
	if !eig.Factorize(s, false) {
		return false
	}
	vals := eig.Values(nil)
	scale := math.Max(1, floats.Max(vals))
	for _, v := range vals {
		if v < -1e-12*scale {
			return false
		}
	}
	return true
}

// allFinite returns false if any value is NaN or ±Inf.
func allFinite(vals []float64) bool {
	if floats.HasNaN(vals) {
		return false
	}
	for _, v := range vals {
		if math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// diag returns a copy of the diagonal of a symmetric matrix.
func diag(s mat.Symmetric) []float64 {
	n := s.SymmetricDim()
	d := make([]float64, n)
	for i := range d {
		d[i] = s.At(i, i)
	}
	return d
}

func copySym(s mat.Symmetric) *mat.SymDense {
	n := s.SymmetricDim()
	c := mat.NewSymDense(n, nil)
	c.CopySym(s)
	return c
}

func copyVec(v mat.Vector) *mat.VecDense {
	c := mat.NewVecDense(v.Len(), nil)
	c.CopyVec(v)
	return c
}
