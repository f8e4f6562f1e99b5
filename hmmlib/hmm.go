package hmmlib

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// The Gaussian observation SD is never allowed to go below this value
	sdmin = 1e-8

	// EM terminates when the log-likelihood gain falls below this value
	emtol = 1e-8
)

// ObsModelType indicates the emission model distribution.
type ObsModelType uint8

// Discrete and Gaussian are the available emission models.
const (
	Discrete ObsModelType = iota
	Gaussian
)

// HMM represents a hidden Markov model for a collection of trajectories
// that follow the same HMM law.  The structural parameters are estimated
// with the EM (Baum-Welch) algorithm, built on the inference kernel in
// this package.
type HMM struct {

	// Number of trajectories
	NTraj int

	// Number of time points per trajectory
	NTime int

	// Number of hidden states
	NState int

	// Number of observation symbols (discrete emission model only)
	NSymbol int

	// The observation distribution
	ObsModel ObsModelType

	// The transition probability matrix (NState x NState)
	Trans *mat.Dense

	// The initial probability distribution
	Init []float64

	// The emission probability matrix (NState x NSymbol), used when
	// ObsModel is Discrete
	Emit *mat.Dense

	// The emission means and standard deviations per state, used when
	// ObsModel is Gaussian
	Mean []float64
	Std  []float64

	// The discrete observations, one sequence per trajectory
	Obs [][]int

	// The real-valued observations, one sequence per trajectory
	ObsF [][]float64

	// The true states (if known)
	State [][]int

	// The reconstructed states
	PState [][]int

	// The log-likelihood trace over the EM sweeps
	LLF []float64

	Warnings warnings

	// Per-trajectory workspaces, allocated once in Initialize and
	// reused through the kernel's buffer parameters on every sweep.
	pobs   []*mat.Dense
	alpha  []*mat.Dense
	beta   []*mat.Dense
	gamma  []*mat.Dense
	tcount []*mat.Dense
	scount [][]float64
	llf    []float64

	// Write log messages here
	msglogger *log.Logger
	parlogger *log.Logger
}

type warnings struct {
	LogLikeDecreased int
	SDTruncate       int
	EmptyEmitRow     int
}

// New returns an HMM value with the given size parameters.  For the
// Gaussian emission model, pass nsymbol = 0.
func New(ntraj, nstate, ntime, nsymbol int) *HMM {

	return &HMM{
		NTraj:   ntraj,
		NTime:   ntime,
		NState:  nstate,
		NSymbol: nsymbol,
	}
}

// SetLogger provides loggers that will be used to write messages and
// parameter summaries.
func (hmm *HMM) SetLogger(logname string) *log.Logger {

	fid, err := os.Create(logname + "_msg.log")
	if err != nil {
		panic(err)
	}
	hmm.msglogger = log.New(fid, "", log.Ltime)

	fid, err = os.Create(logname + "_par.log")
	if err != nil {
		panic(err)
	}
	hmm.parlogger = log.New(fid, "", 0)

	// The calling program can also use this logger
	return hmm.msglogger
}

// Initialize allocates workspaces for parameter estimation.  Call this
// prior to calling Fit.
func (hmm *HMM) Initialize() {

	switch hmm.ObsModel {
	case Discrete:
		if len(hmm.Obs) != hmm.NTraj {
			panic("hmmlib: Obs must hold one sequence per trajectory")
		}
		for _, obs := range hmm.Obs {
			if len(obs) != hmm.NTime {
				panic("hmmlib: all trajectories must have NTime observations")
			}
			for _, v := range obs {
				if v < 0 || v >= hmm.NSymbol {
					panic(fmt.Sprintf("hmmlib: observation symbol %d out of range", v))
				}
			}
		}
	case Gaussian:
		if len(hmm.ObsF) != hmm.NTraj {
			panic("hmmlib: ObsF must hold one sequence per trajectory")
		}
		for _, obs := range hmm.ObsF {
			if len(obs) != hmm.NTime {
				panic("hmmlib: all trajectories must have NTime observations")
			}
		}
	default:
		panic("hmmlib: unknown observation model")
	}

	hmm.pobs = makeMatArray(hmm.NTraj, hmm.NTime, hmm.NState)
	hmm.alpha = makeMatArray(hmm.NTraj, hmm.NTime, hmm.NState)
	hmm.beta = makeMatArray(hmm.NTraj, hmm.NTime, hmm.NState)
	hmm.gamma = makeMatArray(hmm.NTraj, hmm.NTime, hmm.NState)
	hmm.tcount = makeMatArray(hmm.NTraj, hmm.NState, hmm.NState)
	hmm.scount = makeFloatArray(hmm.NTraj, hmm.NState)
	hmm.llf = make([]float64, hmm.NTraj)

	if hmm.msglogger == nil {
		hmm.msglogger = log.New(os.Stderr, "", log.Ltime)
	}
	if hmm.parlogger == nil {
		hmm.parlogger = log.New(os.Stderr, "", 0)
	}

	hmm.msglogger.Printf("%d trajectories\n", hmm.NTraj)
	hmm.msglogger.Printf("%d time points per trajectory\n", hmm.NTime)
	hmm.msglogger.Printf("%d states\n", hmm.NState)
}

// SetStartParams sets the starting parameters for the EM (Baum-Welch)
// optimization.
func (hmm *HMM) SetStartParams() {

	n := hmm.NState

	hmm.Trans = mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				hmm.Trans.Set(i, j, 0.8)
			} else {
				hmm.Trans.Set(i, j, 0.2/float64(n-1))
			}
		}
	}

	hmm.Init = make([]float64, n)
	for i := 0; i < n; i++ {
		hmm.Init[i] = 1 / float64(n)
	}

	switch hmm.ObsModel {
	case Discrete:
		// Uniform rows with a deterministic tilt so that the states
		// are not exchangeable at the starting point.
		m := hmm.NSymbol
		hmm.Emit = mat.NewDense(n, m, nil)
		for i := 0; i < n; i++ {
			row := hmm.Emit.RawRowView(i)
			for s := 0; s < m; s++ {
				row[s] = 1 + 0.5*float64((i+s)%m)/float64(m)
			}
			normalizeSum(row, 1/float64(m))
		}
	case Gaussian:
		mean, std := hmm.MarginalMoments()
		hmm.Mean = make([]float64, n)
		hmm.Std = make([]float64, n)
		for i := 0; i < n; i++ {
			// Spread the state means over +-1 SD around the marginal mean
			hmm.Mean[i] = mean + std*(2*float64(i)/float64(maxint(n-1, 1))-1)
			hmm.Std[i] = std
		}
	}
}

// MarginalMoments calculates the mean and standard deviation of the
// observed values, pooling all trajectories.
func (hmm *HMM) MarginalMoments() (float64, float64) {

	var mean, num float64
	for _, obs := range hmm.ObsF {
		mean += floats.Sum(obs)
		num += float64(len(obs))
	}
	mean /= num

	var vr float64
	for _, obs := range hmm.ObsF {
		for _, y := range obs {
			y -= mean
			vr += y * y
		}
	}
	vr /= num

	if math.IsNaN(mean) || math.IsNaN(vr) || vr == 0 {
		return 0, 1
	}

	return mean, math.Sqrt(vr)
}

// computePobs fills the observation probability matrix for one
// trajectory under the current emission parameters.
func (hmm *HMM) computePobs(p int) {

	pobs := hmm.pobs[p]

	switch hmm.ObsModel {
	case Discrete:
		obs := hmm.Obs[p]
		for t := 0; t < hmm.NTime; t++ {
			row := pobs.RawRowView(t)
			for i := 0; i < hmm.NState; i++ {
				row[i] = hmm.Emit.At(i, obs[t])
			}
		}
	case Gaussian:
		obs := hmm.ObsF[p]
		for t := 0; t < hmm.NTime; t++ {
			row := pobs.RawRowView(t)
			for i := 0; i < hmm.NState; i++ {
				z := (obs[t] - hmm.Mean[i]) / hmm.Std[i]
				row[i] = math.Exp(-z*z/2) / hmm.Std[i]
			}
		}
	}
}

// estep runs the inference kernel for one trajectory, leaving the state
// and transition statistics in the per-trajectory workspaces.
func (hmm *HMM) estep(p int) error {

	hmm.computePobs(p)

	llf, _, err := Forward(hmm.Trans, hmm.pobs[p], hmm.Init, hmm.NTime, hmm.alpha[p])
	if err != nil {
		return fmt.Errorf("trajectory %d: %w", p, err)
	}
	hmm.llf[p] = llf

	if _, err := Backward(hmm.Trans, hmm.pobs[p], hmm.NTime, hmm.beta[p]); err != nil {
		return fmt.Errorf("trajectory %d: %w", p, err)
	}

	if _, err := StateProbabilities(hmm.alpha[p], hmm.beta[p], hmm.NTime, hmm.gamma[p]); err != nil {
		return fmt.Errorf("trajectory %d: %w", p, err)
	}

	if _, err := StateCounts(hmm.gamma[p], hmm.NTime, hmm.scount[p]); err != nil {
		return fmt.Errorf("trajectory %d: %w", p, err)
	}

	_, err = TransitionCounts(hmm.alpha[p], hmm.beta[p], hmm.Trans, hmm.pobs[p], hmm.NTime, hmm.tcount[p])
	if err != nil {
		return fmt.Errorf("trajectory %d: %w", p, err)
	}

	return nil
}

// EStep runs the inference kernel for every trajectory.  The
// trajectories are independent, so they are processed concurrently; the
// kernel itself is single-threaded per call.
func (hmm *HMM) EStep() error {

	var wg sync.WaitGroup
	errs := make([]error, hmm.NTraj)

	for p := 0; p < hmm.NTraj; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			errs[p] = hmm.estep(p)
		}(p)
	}
	wg.Wait()

	var rerr *multierror.Error
	for _, err := range errs {
		if err != nil {
			rerr = multierror.Append(rerr, err)
		}
	}

	return rerr.ErrorOrNil()
}

// mstep re-estimates the model parameters from the accumulated
// sufficient statistics.
func (hmm *HMM) mstep() {

	n := hmm.NState

	// Transition matrix: pool the expected transition counts and
	// normalize by row.
	newtrans := mat.NewDense(n, n, nil)
	for p := 0; p < hmm.NTraj; p++ {
		newtrans.Add(newtrans, hmm.tcount[p])
	}
	for i := 0; i < n; i++ {
		normalizeSum(newtrans.RawRowView(i), 1/float64(n))
	}
	hmm.Trans = newtrans

	// Initial distribution: pool the posterior at t=0.
	zero(hmm.Init)
	for p := 0; p < hmm.NTraj; p++ {
		floats.Add(hmm.Init, hmm.gamma[p].RawRowView(0))
	}
	normalizeSum(hmm.Init, 1/float64(n))

	switch hmm.ObsModel {
	case Discrete:
		hmm.updateDiscreteObsParams()
	case Gaussian:
		hmm.updateGaussianObsParams()
	}
}

// pooledStateCounts sums the per-trajectory expected state occupancies,
// the denominators of the emission updates.
func (hmm *HMM) pooledStateCounts() []float64 {

	pt := make([]float64, hmm.NState)
	for p := 0; p < hmm.NTraj; p++ {
		floats.Add(pt, hmm.scount[p])
	}

	return pt
}

func (hmm *HMM) updateDiscreteObsParams() {

	hmm.Emit.Zero()

	for p := 0; p < hmm.NTraj; p++ {
		obs := hmm.Obs[p]
		gamma := hmm.gamma[p]
		for t := 0; t < hmm.NTime; t++ {
			g := gamma.RawRowView(t)
			for i := 0; i < hmm.NState; i++ {
				hmm.Emit.Set(i, obs[t], hmm.Emit.At(i, obs[t])+g[i])
			}
		}
	}

	pt := hmm.pooledStateCounts()
	for i := 0; i < hmm.NState; i++ {
		row := hmm.Emit.RawRowView(i)
		if pt[i] < 1e-10 {
			hmm.Warnings.EmptyEmitRow++
		}
		normalizeSum(row, 1/float64(hmm.NSymbol))
	}
}

func (hmm *HMM) updateGaussianObsParams() {

	n := hmm.NState
	pt := hmm.pooledStateCounts()
	zero(hmm.Mean)

	for p := 0; p < hmm.NTraj; p++ {
		obs := hmm.ObsF[p]
		gamma := hmm.gamma[p]
		for t := 0; t < hmm.NTime; t++ {
			g := gamma.RawRowView(t)
			for i := 0; i < n; i++ {
				hmm.Mean[i] += g[i] * obs[t]
			}
		}
	}
	for i := 0; i < n; i++ {
		if pt[i] > 1e-10 {
			hmm.Mean[i] /= pt[i]
		}
	}

	zero(hmm.Std)
	for p := 0; p < hmm.NTraj; p++ {
		obs := hmm.ObsF[p]
		gamma := hmm.gamma[p]
		for t := 0; t < hmm.NTime; t++ {
			g := gamma.RawRowView(t)
			for i := 0; i < n; i++ {
				y := obs[t] - hmm.Mean[i]
				hmm.Std[i] += g[i] * y * y
			}
		}
	}
	for i := 0; i < n; i++ {
		if pt[i] > 1e-10 {
			hmm.Std[i] = math.Sqrt(hmm.Std[i] / pt[i])
		}
		if hmm.Std[i] < sdmin {
			hmm.Std[i] = sdmin
			hmm.Warnings.SDTruncate++
		}
	}
}

// Fit uses the EM algorithm to estimate the structural parameters of
// the HMM.
func (hmm *HMM) Fit(maxiter int) error {

	hmm.LLF = make([]float64, 0, maxiter)

	hmm.msglogger.Printf("Estimating model parameters...\n")
	bar := progressbar.New(maxiter)
	var llf float64

	for i := 0; i < maxiter; i++ {

		if err := hmm.EStep(); err != nil {
			return err
		}
		hmm.mstep()

		llfnew := floats.Sum(hmm.llf)
		_ = bar.Add(1)
		if i > 0 {
			if llfnew < llf-1e-10 {
				hmm.msglogger.Printf("Log-likelihood decreased by %f\n", llf-llfnew)
				hmm.Warnings.LogLikeDecreased++
			} else if llfnew-llf < emtol {
				hmm.msglogger.Printf("Converged at iteration %d\n", i)
				llf = llfnew
				hmm.LLF = append(hmm.LLF, llf)
				break
			}
		}

		llf = llfnew
		hmm.LLF = append(hmm.LLF, llf)
		hmm.msglogger.Printf("llf=%f\n", llf)
	}

	hmm.msglogger.Printf("%+v\n", hmm.Warnings)

	return nil
}

// Loglike returns the log-likelihood at the current parameter value.
func (hmm *HMM) Loglike() (float64, error) {

	if err := hmm.EStep(); err != nil {
		return 0, err
	}

	return floats.Sum(hmm.llf), nil
}

// AIC returns the AIC at the current parameter value.
func (hmm *HMM) AIC() (float64, error) {

	df := 0
	df += hmm.NState - 1                // Initial state distribution
	df += hmm.NState * (hmm.NState - 1) // Transition matrix

	switch hmm.ObsModel {
	case Discrete:
		df += hmm.NState * (hmm.NSymbol - 1)
	case Gaussian:
		df += 2 * hmm.NState
	}

	llf, err := hmm.Loglike()
	if err != nil {
		return 0, err
	}

	return llf - float64(df), nil
}

// ReconstructStates uses the Viterbi algorithm to predict the sequence
// of states for each trajectory.  The algorithm is run separately per
// trajectory and the reconstructed states are written into the PState
// component of the HMM.
func (hmm *HMM) ReconstructStates() error {

	hmm.PState = make([][]int, hmm.NTraj)

	for p := 0; p < hmm.NTraj; p++ {
		hmm.computePobs(p)
		path, err := Viterbi(hmm.Trans, hmm.pobs[p], hmm.Init)
		if err != nil {
			return fmt.Errorf("trajectory %d: %w", p, err)
		}
		hmm.PState[p] = path
	}

	return nil
}

// SamplePosterior draws one hidden state path per trajectory from the
// posterior distribution given the observations and the current
// parameters.
func (hmm *HMM) SamplePosterior(rnd *rand.Rand) ([][]int, error) {

	paths := make([][]int, hmm.NTraj)

	for p := 0; p < hmm.NTraj; p++ {
		hmm.computePobs(p)
		if _, _, err := Forward(hmm.Trans, hmm.pobs[p], hmm.Init, hmm.NTime, hmm.alpha[p]); err != nil {
			return nil, fmt.Errorf("trajectory %d: %w", p, err)
		}
		path, err := SamplePath(hmm.alpha[p], hmm.Trans, hmm.pobs[p], hmm.NTime, rnd)
		if err != nil {
			return nil, fmt.Errorf("trajectory %d: %w", p, err)
		}
		paths[p] = path
	}

	return paths, nil
}

// WriteSummary writes the model parameters to the parameter logger.
// The optional state labels are used if provided.
func (hmm *HMM) WriteSummary(labels []string, title string) {

	hmm.parlogger.Print(title)
	hmm.parlogger.Printf("\n")

	hmm.parlogger.Printf("Initial state distribution:\n")
	hmm.writeMatrix(hmm.Init, hmm.NState, 1, labels, nil)
	hmm.parlogger.Printf("\n")

	hmm.parlogger.Printf("Transition matrix:\n")
	hmm.writeMatrix(denseData(hmm.Trans), hmm.NState, hmm.NState, labels, labels)
	hmm.parlogger.Printf("\n")

	switch hmm.ObsModel {
	case Discrete:
		hmm.parlogger.Printf("Emission probabilities:\n")
		hmm.writeMatrix(denseData(hmm.Emit), hmm.NState, hmm.NSymbol, labels, nil)
	case Gaussian:
		hmm.parlogger.Printf("Means:\n")
		hmm.writeMatrix(hmm.Mean, hmm.NState, 1, labels, nil)
		hmm.parlogger.Printf("\n")
		hmm.parlogger.Printf("Standard deviations:\n")
		hmm.writeMatrix(hmm.Std, hmm.NState, 1, labels, nil)
	}
	hmm.parlogger.Printf("\n")
}

// writeMatrix writes a matrix in text format to the logger
func (hmm *HMM) writeMatrix(x []float64, nrow, ncol int, rowlabels, collabels []string) {

	var buf bytes.Buffer

	if collabels != nil {
		if rowlabels != nil {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%12s", ""))
		}
		for _, c := range collabels {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%12s", c))
		}
		hmm.parlogger.Print(buf.String())
	}

	for i := 0; i < nrow; i++ {

		buf.Reset()

		if rowlabels != nil {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%-12s", rowlabels[i]))
		}
		for j := 0; j < ncol; j++ {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%12.4f", x[i*ncol+j]))
		}

		hmm.parlogger.Print(buf.String())
	}
}

// CompareStates returns the number of positions where the state
// sequences x and y disagree, and the total number of positions.
// Panics if the lengths of x and y differ.
func CompareStates(x, y []int) (int, int) {

	if len(x) != len(y) {
		panic("Lengths are not equal")
	}

	var e int
	for t := range x {
		if x[t] != y[t] {
			e++
		}
	}

	return e, len(x)
}

// normalize the values in x to have a sum of 1, falling back to the
// constant z when the sum underflows.
func normalizeSum(x []float64, z float64) {
	scale := floats.Sum(x)
	if scale < 1e-10 {
		for j := range x {
			x[j] = z
		}
		return
	}
	floats.Scale(1/scale, x)
}

func denseData(m *mat.Dense) []float64 {
	return m.RawMatrix().Data
}

// makeFloatArray makes a collection of r slices of length c, packed
// contiguously.
func makeFloatArray(r, c int) [][]float64 {

	bka := make([]float64, r*c)
	x := make([][]float64, r)
	ii := 0
	for j := 0; j < r; j++ {
		x[j] = bka[ii : ii+c]
		ii += c
	}

	return x
}

// makeMatArray makes a collection of k matrices, each r x c.
func makeMatArray(k, r, c int) []*mat.Dense {

	x := make([]*mat.Dense, k)
	for j := range x {
		x[j] = mat.NewDense(r, c, nil)
	}

	return x
}

func maxint(a, b int) int {
	if a > b {
		return a
	}
	return b
}
