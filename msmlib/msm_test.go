package msmlib

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestCountMatrix(t *testing.T) {

	trajs := [][]int{
		{0, 0, 1, 1, 0},
		{1, 0},
	}

	counts, err := CountMatrix(trajs, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	want := []float64{1, 1, 2, 1}
	if !floats.EqualApprox(counts.RawMatrix().Data, want, 1e-12) {
		t.Errorf("counts = %v, want %v", counts.RawMatrix().Data, want)
	}

	// lag 2 skips one intermediate step
	counts, err = CountMatrix(trajs, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	want = []float64{0, 2, 1, 0}
	if !floats.EqualApprox(counts.RawMatrix().Data, want, 1e-12) {
		t.Errorf("lag-2 counts = %v, want %v", counts.RawMatrix().Data, want)
	}

	if _, err := CountMatrix(trajs, 2, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("lag 0: got %v, want invalid argument", err)
	}
	if _, err := CountMatrix([][]int{{0, 3}}, 2, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out-of-range state: got %v, want invalid argument", err)
	}
}

func TestTransitionMatrix(t *testing.T) {

	counts := mat.NewDense(3, 3, []float64{
		8, 2, 0,
		1, 1, 2,
		0, 0, 0,
	})

	trans := TransitionMatrix(counts)

	want := []float64{
		0.8, 0.2, 0,
		0.25, 0.25, 0.5,
		1.0 / 3, 1.0 / 3, 1.0 / 3,
	}
	if !floats.EqualApprox(trans.RawMatrix().Data, want, 1e-12) {
		t.Errorf("trans = %v, want %v", trans.RawMatrix().Data, want)
	}
}

func TestStationaryDistribution(t *testing.T) {

	trans := mat.NewDense(2, 2, []float64{0.9, 0.1, 0.2, 0.8})

	pi, err := StationaryDistribution(trans)
	if err != nil {
		t.Fatal(err)
	}

	// Detailed balance gives pi = [2/3, 1/3] for this chain.
	if math.Abs(pi[0]-2.0/3) > 1e-10 || math.Abs(pi[1]-1.0/3) > 1e-10 {
		t.Errorf("pi = %v, want [2/3 1/3]", pi)
	}

	// Invariance check: pi P = pi
	var check mat.Dense
	check.Mul(mat.NewDense(1, 2, pi), trans)
	if !floats.EqualApprox(check.RawRowView(0), pi, 1e-10) {
		t.Errorf("pi is not invariant: %v", check.RawRowView(0))
	}
}

func TestImpliedTimescales(t *testing.T) {

	trans := mat.NewDense(2, 2, []float64{0.9, 0.1, 0.2, 0.8})

	for _, lag := range []int{1, 5} {
		ts, err := ImpliedTimescales(trans, lag)
		if err != nil {
			t.Fatal(err)
		}
		if len(ts) != 1 {
			t.Fatalf("got %d timescales, want 1", len(ts))
		}

		// Second eigenvalue of this chain is 0.7
		want := -float64(lag) / math.Log(0.7)
		if math.Abs(ts[0]-want) > 1e-10 {
			t.Errorf("lag %d: timescale %f, want %f", lag, ts[0], want)
		}
	}
}
