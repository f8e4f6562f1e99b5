// Package hmmsim generates synthetic trajectories from hidden Markov
// model parameters, for data-set construction and statistical tests.
package hmmsim

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GenStates samples a hidden state chain of length ntime from the
// row-stochastic transition matrix and the initial distribution.
func GenStates(trans *mat.Dense, init []float64, ntime int, rnd *rand.Rand) []int {

	states := make([]int, ntime)
	states[0] = sample(init, rnd)
	for t := 1; t < ntime; t++ {
		states[t] = sample(trans.RawRowView(states[t-1]), rnd)
	}

	return states
}

// GenDiscreteObs samples one observation symbol per state from the
// emission probability matrix (one row per state).
func GenDiscreteObs(states []int, emit *mat.Dense, rnd *rand.Rand) []int {

	obs := make([]int, len(states))
	for t, st := range states {
		obs[t] = sample(emit.RawRowView(st), rnd)
	}

	return obs
}

// GenGaussianObs samples one Gaussian observation per state with the
// given per-state means and standard deviations.
func GenGaussianObs(states []int, mean, std []float64, rnd *rand.Rand) []float64 {

	obs := make([]float64, len(states))
	for t, st := range states {
		obs[t] = mean[st] + std[st]*rnd.NormFloat64()
	}

	return obs
}

// sample draws an index from the probability weights w.
func sample(w []float64, rnd *rand.Rand) int {

	u := floats.Sum(w) * rnd.Float64()
	var c float64
	for i, v := range w {
		c += v
		if u < c {
			return i
		}
	}

	return len(w) - 1
}
