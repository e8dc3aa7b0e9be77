package gofusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Noise generates the additive noise of a simulated sensor.
type Noise interface {
	Sample() []float64         // Returns the next noise sample
	Covariance() mat.Symmetric // Returns the noise covariance
	String() string            // Stringer interface implementation
}

// Noiseless implements the Noise interface and only returns zeros.
type Noiseless struct {
	dim int
}

// NewNoiseless returns a Noiseless of the provided dimension.
func NewNoiseless(dim int) *Noiseless {
	return &Noiseless{dim}
}

// Sample implements the Noise interface.
func (n Noiseless) Sample() []float64 {
	return make([]float64, n.dim)
}

// Covariance implements the Noise interface.
func (n Noiseless) Covariance() mat.Symmetric {
	return mat.NewSymDense(n.dim, nil)
}

// String implements the Stringer interface.
func (n Noiseless) String() string {
	return fmt.Sprintf("Noiseless{%d}", n.dim)
}

// BatchNoise implements the Noise interface and replays a known sequence of samples.
type BatchNoise struct {
	samples [][]float64
	k       int
}

// NewBatchNoise returns a BatchNoise replaying the provided samples, which must all have the same size.
func NewBatchNoise(samples [][]float64) (*BatchNoise, error) {
	if len(samples) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "no noise samples")
	}
	for k, s := range samples {
		if len(s) != len(samples[0]) {
			return nil, errors.Wrapf(ErrInvalidInput, "sample #%d has %d values instead of %d", k, len(s), len(samples[0]))
		}
	}
	return &BatchNoise{samples: samples}, nil
}

// Sample implements the Noise interface. It panics once all samples are consumed.
func (n *BatchNoise) Sample() []float64 {
	if n.k >= len(n.samples) {
		panic(fmt.Errorf("no noise defined at step k=%d", n.k))
	}
	n.k++
	return append([]float64(nil), n.samples[n.k-1]...)
}

// Covariance implements the Noise interface, it is unknown so zero.
func (n *BatchNoise) Covariance() mat.Symmetric {
	return mat.NewSymDense(len(n.samples[0]), nil)
}

// String implements the Stringer interface.
func (n *BatchNoise) String() string {
	return fmt.Sprintf("BatchNoise{%d/%d}", n.k, len(n.samples))
}

// AWGN implements the Noise interface and generates an additive white Gaussian noise.
// It is not safe for concurrent use.
type AWGN struct {
	cov  *mat.SymDense
	dist *distmv.Normal
}

// NewAWGN returns a zero mean Gaussian noise of the provided covariance.
// The same seed always generates the same sequence.
func NewAWGN(cov mat.Symmetric, seed uint64) (*AWGN, error) {
	if cov == nil {
		return nil, errors.Wrap(ErrInvalidInput, "covariance must be specified")
	}
	n := cov.SymmetricDim()
	c := copySym(cov)
	if IsNil(c) {
		// distmv requires a positive definite covariance.
		return &AWGN{cov: c}, nil
	}
	dist, ok := distmv.NewNormal(make([]float64, n), c, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if !ok {
		return nil, errors.Wrap(ErrInvalidInput, "noise covariance is not positive definite")
	}
	return &AWGN{c, dist}, nil
}

// Sample implements the Noise interface.
func (n *AWGN) Sample() []float64 {
	if n.dist == nil {
		return make([]float64, n.cov.SymmetricDim())
	}
	return n.dist.Rand(nil)
}

// Covariance implements the Noise interface.
func (n *AWGN) Covariance() mat.Symmetric {
	return n.cov
}

// String implements the Stringer interface.
func (n *AWGN) String() string {
	return fmt.Sprintf("AWGN{\nR=%v}\n", mat.Formatted(n.cov, mat.Prefix("  ")))
}
