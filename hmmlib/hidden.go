// Package hmmlib estimates hidden Markov models from discrete-state
// time-series trajectories.
//
// The inference kernel in this file follows the recursions of Rabiner's
// tutorial (Proceedings of the IEEE, vol. 77, issue 2).  Forward and
// backward coefficients are kept on the probability scale and rescaled
// at every time step so that each row sums to one; the discarded scale
// factors are accumulated into the returned log-likelihood.
package hmmlib

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidArgument reports a caller contract violation: a requested
	// trajectory length exceeding the rows of a positional array, or
	// inconsistent array shapes.  It is detected before any computation.
	ErrInvalidArgument = errors.New("hmmlib: invalid argument")

	// ErrDegenerate reports a time step at which every state has zero
	// probability, so the scaled recursion cannot continue.  The kernel
	// raises this instead of propagating NaN downstream.
	ErrDegenerate = errors.New("hmmlib: degenerate probabilities")
)

// Forward computes the scaled forward coefficients and the log-likelihood
// of the observation sequence.
//
// trans is the N x N row-stochastic transition matrix, pobs holds the
// per-step observation probabilities (one row per time point, one column
// per state), and init is the initial state distribution.  T is the
// trajectory length; T <= 0 selects all rows of pobs.  If alpha is nil a
// new T x N matrix is allocated, otherwise the first T rows of alpha are
// written in place and alpha must have at least T rows.
//
// Each returned row of alpha sums to one.
func Forward(trans, pobs *mat.Dense, init []float64, T int, alpha *mat.Dense) (float64, *mat.Dense, error) {
	n, nobs, err := checkModel(trans, pobs)
	if err != nil {
		return 0, nil, err
	}
	if len(init) != n {
		return 0, nil, fmt.Errorf("%w: init has length %d, want %d", ErrInvalidArgument, len(init), n)
	}
	if T <= 0 {
		T = nobs
	} else if T > nobs {
		return 0, nil, fmt.Errorf("%w: T=%d exceeds %d rows of pobs", ErrInvalidArgument, T, nobs)
	}
	alpha, err = ensureMatrix(alpha, T, n, "alpha")
	if err != nil {
		return 0, nil, err
	}

	// Initial time point
	var logprob float64
	cur := alpha.RawRowView(0)
	floats.MulTo(cur, init, pobs.RawRowView(0))
	s := floats.Sum(cur)
	if s <= 0 {
		return 0, nil, fmt.Errorf("%w: zero forward sum at t=0", ErrDegenerate)
	}
	logprob = math.Log(s)
	floats.Scale(1/s, cur)

	// Forward sweep
	for t := 1; t < T; t++ {
		prev := alpha.RawRowView(t - 1)
		cur = alpha.RawRowView(t)
		zero(cur)
		for j := 0; j < n; j++ {
			floats.AddScaled(cur, prev[j], trans.RawRowView(j))
		}
		floats.Mul(cur, pobs.RawRowView(t))

		s = floats.Sum(cur)
		if s <= 0 {
			return 0, nil, fmt.Errorf("%w: zero forward sum at t=%d", ErrDegenerate, t)
		}
		logprob += math.Log(s)
		floats.Scale(1/s, cur)
	}

	return logprob, alpha, nil
}

// Backward computes the scaled backward coefficients.  The last row is
// initialized to the uniform distribution rather than to literal ones,
// so that every row of beta sums to one, matching the forward scaling
// convention.  T and the beta buffer follow the same rules as in Forward.
func Backward(trans, pobs *mat.Dense, T int, beta *mat.Dense) (*mat.Dense, error) {
	n, nobs, err := checkModel(trans, pobs)
	if err != nil {
		return nil, err
	}
	if T <= 0 {
		T = nobs
	} else if T > nobs {
		return nil, fmt.Errorf("%w: T=%d exceeds %d rows of pobs", ErrInvalidArgument, T, nobs)
	}
	beta, err = ensureMatrix(beta, T, n, "beta")
	if err != nil {
		return nil, err
	}

	last := beta.RawRowView(T - 1)
	for i := range last {
		last[i] = 1 / float64(n)
	}

	// Backward sweep
	tmp := make([]float64, n)
	for t := T - 2; t >= 0; t-- {
		floats.MulTo(tmp, pobs.RawRowView(t+1), beta.RawRowView(t+1))
		cur := beta.RawRowView(t)
		for i := 0; i < n; i++ {
			cur[i] = floats.Dot(trans.RawRowView(i), tmp)
		}
		s := floats.Sum(cur)
		if s <= 0 {
			return nil, fmt.Errorf("%w: zero backward sum at t=%d", ErrDegenerate, t)
		}
		floats.Scale(1/s, cur)
	}

	return beta, nil
}

// StateProbabilities combines forward and backward coefficients into the
// posterior state occupation probabilities: gamma[t,i] is the probability
// of being in state i at time t given the whole observation sequence.
//
// T is resolved from the explicit argument if positive, else from the
// gamma buffer's row count, else from alpha's.  A time step at which the
// elementwise product of alpha and beta vanishes is left as an all-zero
// row.
func StateProbabilities(alpha, beta *mat.Dense, T int, gamma *mat.Dense) (*mat.Dense, error) {
	ar, n := alpha.Dims()
	br, bn := beta.Dims()
	if ar != br || n != bn {
		return nil, fmt.Errorf("%w: alpha is %dx%d but beta is %dx%d", ErrInvalidArgument, ar, n, br, bn)
	}
	if T <= 0 {
		if gamma != nil {
			T, _ = gamma.Dims()
		} else {
			T = ar
		}
	}
	if T > ar {
		return nil, fmt.Errorf("%w: T=%d exceeds %d rows of alpha", ErrInvalidArgument, T, ar)
	}
	gamma, err := ensureMatrix(gamma, T, n, "gamma")
	if err != nil {
		return nil, err
	}

	for t := 0; t < T; t++ {
		g := gamma.RawRowView(t)
		floats.MulTo(g, alpha.RawRowView(t), beta.RawRowView(t))
		if s := floats.Sum(g); s > 0 {
			floats.Scale(1/s, g)
		}
	}

	return gamma, nil
}

// StateCounts sums the first T rows of gamma, giving the expected number
// of visits to each state.  If out is nil a new vector is allocated,
// otherwise out must have at least N entries and its first N entries are
// overwritten.
func StateCounts(gamma *mat.Dense, T int, out []float64) ([]float64, error) {
	rows, n := gamma.Dims()
	if T <= 0 {
		T = rows
	} else if T > rows {
		return nil, fmt.Errorf("%w: T=%d exceeds %d rows of gamma", ErrInvalidArgument, T, rows)
	}
	if out == nil {
		out = make([]float64, n)
	} else if len(out) < n {
		return nil, fmt.Errorf("%w: out has length %d, want at least %d", ErrInvalidArgument, len(out), n)
	} else {
		out = out[:n]
		zero(out)
	}

	for t := 0; t < T; t++ {
		floats.Add(out, gamma.RawRowView(t))
	}

	return out, nil
}

// TransitionCounts computes the expected number of i -> j transitions
// over the time steps t = 0 .. T-2.  Each step's joint probability
// matrix alpha[t,i]*trans[i,j]*pobs[t+1,j]*beta[t+1,j] is normalized to
// sum to one before accumulation, so the total of the returned matrix is
// T-1.  A step whose joint matrix sums to zero contributes nothing.
//
// These are the sufficient statistics for re-estimating the transition
// matrix in a Baum-Welch sweep.
func TransitionCounts(alpha, beta, trans, pobs *mat.Dense, T int, out *mat.Dense) (*mat.Dense, error) {
	n, nobs, err := checkModel(trans, pobs)
	if err != nil {
		return nil, err
	}
	if T <= 0 {
		T = nobs
	} else if T > nobs {
		return nil, fmt.Errorf("%w: T=%d exceeds %d rows of pobs", ErrInvalidArgument, T, nobs)
	}
	if ar, ac := alpha.Dims(); ar < T || ac != n {
		return nil, fmt.Errorf("%w: alpha is %dx%d, want at least %dx%d", ErrInvalidArgument, ar, ac, T, n)
	}
	if br, bc := beta.Dims(); br < T || bc != n {
		return nil, fmt.Errorf("%w: beta is %dx%d, want at least %dx%d", ErrInvalidArgument, br, bc, T, n)
	}
	out, err = ensureMatrix(out, n, n, "out")
	if err != nil {
		return nil, err
	}
	out.Zero()

	tmp := make([]float64, n)
	joint := make([]float64, n*n)
	for t := 0; t < T-1; t++ {
		floats.MulTo(tmp, pobs.RawRowView(t+1), beta.RawRowView(t+1))
		a := alpha.RawRowView(t)

		var s float64
		for i := 0; i < n; i++ {
			row := joint[i*n : (i+1)*n]
			floats.MulTo(row, trans.RawRowView(i), tmp)
			floats.Scale(a[i], row)
			s += floats.Sum(row)
		}
		if s <= 0 {
			continue
		}
		for i := 0; i < n; i++ {
			floats.AddScaled(out.RawRowView(i), 1/s, joint[i*n:(i+1)*n])
		}
	}

	return out, nil
}

// Viterbi computes the single most likely hidden state path by dynamic
// programming on the log scale.  Ties between predecessor states break
// to the lowest state index.
func Viterbi(trans, pobs *mat.Dense, init []float64) ([]int, error) {
	n, T, err := checkModel(trans, pobs)
	if err != nil {
		return nil, err
	}
	if len(init) != n {
		return nil, fmt.Errorf("%w: init has length %d, want %d", ErrInvalidArgument, len(init), n)
	}

	// Precompute the log transition matrix
	lt := make([]float64, n*n)
	for i := 0; i < n; i++ {
		row := trans.RawRowView(i)
		for j := 0; j < n; j++ {
			lt[i*n+j] = math.Log(row[j])
		}
	}

	lpr := make([]float64, T*n)
	lpt := make([]int, T*n)
	wk := make([]float64, n)

	po := pobs.RawRowView(0)
	for i := 0; i < n; i++ {
		lpr[i] = math.Log(init[i]) + math.Log(po[i])
	}

	for t := 1; t < T; t++ {
		po = pobs.RawRowView(t)
		j0 := (t - 1) * n
		j1 := t * n

		// From st1 at t-1 to st2 at t
		for st2 := 0; st2 < n; st2++ {
			for st1 := 0; st1 < n; st1++ {
				wk[st1] = lpr[j0+st1] + lt[st1*n+st2]
			}
			jj := argmax(wk)
			lpt[j1+st2] = jj
			lpr[j1+st2] = wk[jj] + math.Log(po[st2])
		}
	}

	// Traceback
	path := make([]int, T)
	path[T-1] = argmax(lpr[(T-1)*n:])
	for t := T - 2; t >= 0; t-- {
		path[t] = lpt[(t+1)*n+path[t+1]]
	}

	return path, nil
}

// SamplePath draws one hidden state path from the exact posterior
// distribution over paths given the observations.  The final state is
// sampled from the last row of alpha; earlier states are sampled walking
// backward with weights alpha[t,j]*trans[j,next].  T <= 0 selects all
// rows of pobs, and T may not exceed the rows of alpha or pobs.
//
// rnd may be nil, in which case the process-global source is used.
func SamplePath(alpha, trans, pobs *mat.Dense, T int, rnd *rand.Rand) ([]int, error) {
	n, nobs, err := checkModel(trans, pobs)
	if err != nil {
		return nil, err
	}
	ar, ac := alpha.Dims()
	if ac != n {
		return nil, fmt.Errorf("%w: alpha has %d columns, want %d", ErrInvalidArgument, ac, n)
	}
	if T <= 0 {
		T = nobs
	}
	if T > nobs || T > ar {
		return nil, fmt.Errorf("%w: T=%d exceeds rows of pobs (%d) or alpha (%d)", ErrInvalidArgument, T, nobs, ar)
	}

	path := make([]int, T)
	w := make([]float64, n)

	copy(w, alpha.RawRowView(T-1))
	s := floats.Sum(w)
	if s <= 0 {
		return nil, fmt.Errorf("%w: zero sampling weights at t=%d", ErrDegenerate, T-1)
	}
	path[T-1] = sampleCategorical(rnd, w, s)

	for t := T - 2; t >= 0; t-- {
		a := alpha.RawRowView(t)
		next := path[t+1]
		for j := 0; j < n; j++ {
			w[j] = a[j] * trans.At(j, next)
		}
		s = floats.Sum(w)
		if s <= 0 {
			return nil, fmt.Errorf("%w: zero sampling weights at t=%d", ErrDegenerate, t)
		}
		path[t] = sampleCategorical(rnd, w, s)
	}

	return path, nil
}

// checkModel validates the shapes shared by every kernel operation and
// returns the state count and the number of observation rows.
func checkModel(trans, pobs *mat.Dense) (n, nobs int, err error) {
	n, nc := trans.Dims()
	if n != nc {
		return 0, 0, fmt.Errorf("%w: transition matrix is %dx%d, want square", ErrInvalidArgument, n, nc)
	}
	nobs, pc := pobs.Dims()
	if pc != n {
		return 0, 0, fmt.Errorf("%w: pobs has %d columns, want %d", ErrInvalidArgument, pc, n)
	}
	return n, nobs, nil
}

// ensureMatrix allocates an r x c matrix when buf is nil, and otherwise
// verifies that buf can hold the result: at least r rows, exactly c
// columns.
func ensureMatrix(buf *mat.Dense, r, c int, name string) (*mat.Dense, error) {
	if buf == nil {
		return mat.NewDense(r, c, nil), nil
	}
	br, bc := buf.Dims()
	if br < r || bc != c {
		return nil, fmt.Errorf("%w: %s buffer is %dx%d, want at least %dx%d", ErrInvalidArgument, name, br, bc, r, c)
	}
	return buf, nil
}

// sampleCategorical draws an index from the unnormalized weights w,
// whose sum s must be positive.
func sampleCategorical(rnd *rand.Rand, w []float64, s float64) int {
	var u float64
	if rnd == nil {
		u = s * rand.Float64()
	} else {
		u = s * rnd.Float64()
	}

	var c float64
	for i, v := range w {
		c += v
		if u < c {
			return i
		}
	}
	return len(w) - 1
}

// argmax returns the index of the largest value in x.  On ties the
// lowest index wins.
func argmax(x []float64) int {
	j := 0
	v := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > v {
			v = x[i]
			j = i
		}
	}

	return j
}

// Zero the elements of x
func zero(x []float64) {
	for j := range x {
		x[j] = 0
	}
}
