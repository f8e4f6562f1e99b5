// Tests confirming that the log-likelihood is non-decreasing over the EM
// iterations, and that well-separated models are recovered.

package hmmlib

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/markovstate/hmm/hmmsim"
)

const niter = 20

// trueModel returns a diagonal-heavy transition matrix, a concentrated
// emission matrix and a uniform initial distribution.
func trueModel(nstate, nsymbol int) (*mat.Dense, *mat.Dense, []float64) {

	trans := mat.NewDense(nstate, nstate, nil)
	for i := 0; i < nstate; i++ {
		for j := 0; j < nstate; j++ {
			if i == j {
				trans.Set(i, j, 0.85)
			} else {
				trans.Set(i, j, 0.15/float64(nstate-1))
			}
		}
	}

	emit := mat.NewDense(nstate, nsymbol, nil)
	for i := 0; i < nstate; i++ {
		for s := 0; s < nsymbol; s++ {
			if s == i%nsymbol {
				emit.Set(i, s, 0.9)
			} else {
				emit.Set(i, s, 0.1/float64(nsymbol-1))
			}
		}
	}

	init := make([]float64, nstate)
	for i := range init {
		init[i] = 1 / float64(nstate)
	}

	return trans, emit, init
}

func gendatDiscrete(ntraj, nstate, ntime, nsymbol int, rnd *rand.Rand) *HMM {

	trans, emit, init := trueModel(nstate, nsymbol)

	hmm := New(ntraj, nstate, ntime, nsymbol)
	hmm.Obs = make([][]int, ntraj)
	hmm.State = make([][]int, ntraj)
	for p := 0; p < ntraj; p++ {
		hmm.State[p] = hmmsim.GenStates(trans, init, ntime, rnd)
		hmm.Obs[p] = hmmsim.GenDiscreteObs(hmm.State[p], emit, rnd)
	}

	hmm.SetLogger("t")
	hmm.Initialize()
	hmm.SetStartParams()

	return hmm
}

func gendatGaussian(ntraj, nstate, ntime int, rnd *rand.Rand) *HMM {

	trans, _, init := trueModel(nstate, nstate)
	mean := make([]float64, nstate)
	std := make([]float64, nstate)
	for i := 0; i < nstate; i++ {
		mean[i] = 4 * float64(i)
		std[i] = 1
	}

	hmm := New(ntraj, nstate, ntime, 0)
	hmm.ObsModel = Gaussian
	hmm.ObsF = make([][]float64, ntraj)
	hmm.State = make([][]int, ntraj)
	for p := 0; p < ntraj; p++ {
		hmm.State[p] = hmmsim.GenStates(trans, init, ntime, rnd)
		hmm.ObsF[p] = hmmsim.GenGaussianObs(hmm.State[p], mean, std, rnd)
	}

	hmm.SetLogger("t")
	hmm.Initialize()
	hmm.SetStartParams()

	return hmm
}

func checkAscending(t *testing.T, llf []float64) {
	t.Helper()
	for i := 1; i < len(llf); i++ {
		if llf[i] < llf[i-1]-1e-6 {
			t.Errorf("iter=%d: log-likelihood decreased from %f to %f", i, llf[i-1], llf[i])
		}
	}
}

func TestLLFDiscrete(t *testing.T) {

	rnd := rand.New(rand.NewSource(1))

	for _, ntraj := range []int{2, 5, 10} {
		for _, nstate := range []int{2, 3} {
			for _, ntime := range []int{10, 30} {
				for _, nsymbol := range []int{2, 4} {

					hmm := gendatDiscrete(ntraj, nstate, ntime, nsymbol, rnd)
					if err := hmm.Fit(niter); err != nil {
						t.Fatal(err)
					}
					checkAscending(t, hmm.LLF)
				}
			}
		}
	}
}

func TestLLFGaussian(t *testing.T) {

	rnd := rand.New(rand.NewSource(2))

	for _, ntraj := range []int{2, 5, 10} {
		for _, nstate := range []int{2, 3} {
			for _, ntime := range []int{10, 30} {

				hmm := gendatGaussian(ntraj, nstate, ntime, rnd)
				if err := hmm.Fit(niter); err != nil {
					t.Fatal(err)
				}
				checkAscending(t, hmm.LLF)
			}
		}
	}
}

func TestFitRecoversTransitions(t *testing.T) {

	rnd := rand.New(rand.NewSource(3))
	hmm := gendatDiscrete(50, 2, 400, 2, rnd)
	if err := hmm.Fit(100); err != nil {
		t.Fatal(err)
	}

	// Two-state fits can come back with the labels swapped; accept
	// whichever alignment is closer.
	d1 := math.Abs(hmm.Trans.At(0, 0)-0.85) + math.Abs(hmm.Trans.At(1, 1)-0.85)
	d2 := math.Abs(hmm.Trans.At(0, 1)-0.85) + math.Abs(hmm.Trans.At(1, 0)-0.85)
	if math.Min(d1, d2) > 0.1 {
		t.Errorf("estimated transition matrix %v far from truth", hmm.Trans.RawMatrix().Data)
	}
}

func TestReconstructStates(t *testing.T) {

	rnd := rand.New(rand.NewSource(4))

	// Decode under the true parameters so that state labels line up.
	trans, emit, init := trueModel(3, 3)
	hmm := New(10, 3, 200, 3)
	hmm.Obs = make([][]int, 10)
	hmm.State = make([][]int, 10)
	for p := 0; p < 10; p++ {
		hmm.State[p] = hmmsim.GenStates(trans, init, 200, rnd)
		hmm.Obs[p] = hmmsim.GenDiscreteObs(hmm.State[p], emit, rnd)
	}
	hmm.SetLogger("t")
	hmm.Initialize()
	hmm.Trans = trans
	hmm.Init = init
	hmm.Emit = emit

	if err := hmm.ReconstructStates(); err != nil {
		t.Fatal(err)
	}

	var e, n int
	for p := 0; p < hmm.NTraj; p++ {
		q, m := CompareStates(hmm.PState[p], hmm.State[p])
		e += q
		n += m
	}
	if rate := float64(e) / float64(n); rate > 0.15 {
		t.Errorf("Viterbi error rate %f too high", rate)
	}
}

func TestSamplePosterior(t *testing.T) {

	rnd := rand.New(rand.NewSource(6))

	trans, emit, init := trueModel(2, 2)
	hmm := New(5, 2, 50, 2)
	hmm.Obs = make([][]int, 5)
	hmm.State = make([][]int, 5)
	for p := 0; p < 5; p++ {
		hmm.State[p] = hmmsim.GenStates(trans, init, 50, rnd)
		hmm.Obs[p] = hmmsim.GenDiscreteObs(hmm.State[p], emit, rnd)
	}
	hmm.SetLogger("t")
	hmm.Initialize()
	hmm.Trans = trans
	hmm.Init = init
	hmm.Emit = emit

	paths, err := hmm.SamplePosterior(rnd)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 5 {
		t.Fatalf("got %d paths, want 5", len(paths))
	}

	var e, n int
	for p, path := range paths {
		if len(path) != 50 {
			t.Fatalf("path %d has length %d, want 50", p, len(path))
		}
		for _, st := range path {
			if st < 0 || st >= 2 {
				t.Fatalf("path %d contains state %d", p, st)
			}
		}
		q, m := CompareStates(path, hmm.State[p])
		e += q
		n += m
	}

	// Posterior draws track the truth when emissions are informative.
	if rate := float64(e) / float64(n); rate > 0.35 {
		t.Errorf("posterior sample error rate %f too high", rate)
	}
}
