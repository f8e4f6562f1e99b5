// Package msmlib analyzes Markov state models built from discrete state
// trajectories, such as the Viterbi paths produced by package hmmlib.
package msmlib

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidArgument reports out-of-range states or an unusable lag.
var ErrInvalidArgument = errors.New("msmlib: invalid argument")

// CountMatrix accumulates lagged transition counts over the given
// trajectories with a sliding window: every pair (x[t], x[t+lag])
// contributes one count.
func CountMatrix(trajs [][]int, n, lag int) (*mat.Dense, error) {

	if lag < 1 {
		return nil, fmt.Errorf("%w: lag must be positive, got %d", ErrInvalidArgument, lag)
	}

	counts := mat.NewDense(n, n, nil)
	for p, traj := range trajs {
		for t := 0; t+lag < len(traj); t++ {
			a, b := traj[t], traj[t+lag]
			if a < 0 || a >= n || b < 0 || b >= n {
				return nil, fmt.Errorf("%w: trajectory %d contains state outside [0, %d)", ErrInvalidArgument, p, n)
			}
			counts.Set(a, b, counts.At(a, b)+1)
		}
	}

	return counts, nil
}

// TransitionMatrix returns the maximum-likelihood transition matrix for
// the given count matrix: each row is normalized to sum to one, and a
// row with no counts becomes uniform.
func TransitionMatrix(counts *mat.Dense) *mat.Dense {

	n, _ := counts.Dims()
	trans := mat.NewDense(n, n, nil)
	trans.Copy(counts)

	for i := 0; i < n; i++ {
		row := trans.RawRowView(i)
		s := floats.Sum(row)
		if s > 0 {
			floats.Scale(1/s, row)
		} else {
			for j := range row {
				row[j] = 1 / float64(n)
			}
		}
	}

	return trans
}

// StationaryDistribution returns the stationary distribution of the
// row-stochastic transition matrix: the left eigenvector at eigenvalue
// one, normalized to a probability vector.
func StationaryDistribution(trans *mat.Dense) ([]float64, error) {

	n, nc := trans.Dims()
	if n != nc {
		return nil, fmt.Errorf("%w: transition matrix is %dx%d, want square", ErrInvalidArgument, n, nc)
	}

	// Left eigenvectors of P are right eigenvectors of P^T.
	var pt mat.Dense
	pt.CloneFrom(trans.T())

	var eig mat.Eigen
	if ok := eig.Factorize(&pt, mat.EigenRight); !ok {
		return nil, errors.New("msmlib: eigendecomposition failed")
	}

	vals := eig.Values(nil)
	best := 0
	for k := 1; k < len(vals); k++ {
		if cmplx.Abs(vals[k]-1) < cmplx.Abs(vals[best]-1) {
			best = k
		}
	}

	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	pi := make([]float64, n)
	for i := 0; i < n; i++ {
		pi[i] = math.Abs(real(vecs.At(i, best)))
	}
	s := floats.Sum(pi)
	if s == 0 {
		return nil, errors.New("msmlib: zero stationary eigenvector")
	}
	floats.Scale(1/s, pi)

	return pi, nil
}

// ImpliedTimescales returns the relaxation timescales -lag/ln|lambda|
// for the eigenvalues of the transition matrix below the stationary
// one, sorted from slowest to fastest.  Eigenvalues with modulus >= 1
// beyond the first yield +Inf.
func ImpliedTimescales(trans *mat.Dense, lag int) ([]float64, error) {

	n, nc := trans.Dims()
	if n != nc {
		return nil, fmt.Errorf("%w: transition matrix is %dx%d, want square", ErrInvalidArgument, n, nc)
	}
	if lag < 1 {
		return nil, fmt.Errorf("%w: lag must be positive, got %d", ErrInvalidArgument, lag)
	}

	var eig mat.Eigen
	if ok := eig.Factorize(trans, mat.EigenNone); !ok {
		return nil, errors.New("msmlib: eigendecomposition failed")
	}

	vals := eig.Values(nil)
	mod := make([]float64, len(vals))
	for k, v := range vals {
		mod[k] = cmplx.Abs(v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(mod)))

	// Drop the stationary eigenvalue.
	ts := make([]float64, 0, n-1)
	for _, m := range mod[1:] {
		switch {
		case m >= 1:
			ts = append(ts, math.Inf(1))
		case m <= 0:
			ts = append(ts, 0)
		default:
			ts = append(ts, -float64(lag)/math.Log(m))
		}
	}

	return ts, nil
}
