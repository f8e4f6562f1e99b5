package hmmsim

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestGenStatesTransitionFrequencies(t *testing.T) {

	trans := mat.NewDense(2, 2, []float64{0.9, 0.1, 0.2, 0.8})
	init := []float64{1, 0}
	rnd := rand.New(rand.NewSource(5))

	states := GenStates(trans, init, 200000, rnd)
	if states[0] != 0 {
		t.Errorf("initial state %d, want 0", states[0])
	}

	// Empirical transition frequencies from state 0
	var n00, n0 float64
	for q := 1; q < len(states); q++ {
		if states[q-1] == 0 {
			n0++
			if states[q] == 0 {
				n00++
			}
		}
	}
	if p := n00 / n0; math.Abs(p-0.9) > 0.01 {
		t.Errorf("empirical P(0->0) = %f, want 0.9", p)
	}
}

func TestGenDiscreteObsRange(t *testing.T) {

	trans := mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5})
	emit := mat.NewDense(2, 3, []float64{1, 0, 0, 0, 0, 1})
	init := []float64{0.5, 0.5}
	rnd := rand.New(rand.NewSource(9))

	states := GenStates(trans, init, 1000, rnd)
	obs := GenDiscreteObs(states, emit, rnd)

	// Deterministic emissions: state 0 emits 0, state 1 emits 2
	for q, st := range states {
		want := 0
		if st == 1 {
			want = 2
		}
		if obs[q] != want {
			t.Errorf("position %d: state %d emitted %d, want %d", q, st, obs[q], want)
		}
	}
}

func TestGenGaussianObsMoments(t *testing.T) {

	states := make([]int, 100000)
	mean := []float64{-2, 3}
	std := []float64{1, 1}
	for q := range states {
		states[q] = q % 2
	}
	rnd := rand.New(rand.NewSource(13))

	obs := GenGaussianObs(states, mean, std, rnd)

	var m0, m1 float64
	for q, y := range obs {
		if states[q] == 0 {
			m0 += y
		} else {
			m1 += y
		}
	}
	m0 /= 50000
	m1 /= 50000

	if math.Abs(m0+2) > 0.05 || math.Abs(m1-3) > 0.05 {
		t.Errorf("empirical means %f, %f, want -2, 3", m0, m1)
	}
}
