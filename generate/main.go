// Command generate samples synthetic trajectories from a known hidden
// Markov model and writes them to a text file for use with the estimate
// command.
//
// The file starts with a header line "ntraj nstate ntime nsymbol
// obsmodel", followed by two lines per trajectory: the true hidden
// states, then the observations.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/markovstate/hmm/hmmsim"
)

func main() {

	var obsmodel, outname string
	flag.StringVar(&obsmodel, "obsmodel", "discrete", "Observation distribution (discrete or gaussian)")
	flag.StringVar(&outname, "outname", "", "Output file name")

	var nTraj, nState, nTime, nSymbol int
	flag.IntVar(&nTraj, "ntraj", 0, "Number of trajectories")
	flag.IntVar(&nState, "nstate", 0, "Number of states")
	flag.IntVar(&nTime, "ntime", 0, "Number of time points")
	flag.IntVar(&nSymbol, "nsymbol", 0, "Number of observation symbols (discrete model)")

	var snr float64
	flag.Float64Var(&snr, "snr", 4, "Separation of the state means (gaussian model)")

	var seed int64
	flag.Int64Var(&seed, "seed", 0, "Random seed, 0 uses the clock")
	flag.Parse()

	if outname == "" {
		panic("'outname' is required")
	}
	if nTraj <= 0 || nState <= 0 || nTime <= 0 {
		panic("'ntraj', 'nstate' and 'ntime' are required")
	}
	if obsmodel == "discrete" && nSymbol <= 0 {
		nSymbol = nState
	}

	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))

	// Set the transition matrix
	trans := mat.NewDense(nState, nState, nil)
	for i := 0; i < nState; i++ {
		p := 0.8
		if nState > 1 {
			p += 0.1 * float64(i) / float64(nState-1)
		}
		for j := 0; j < nState; j++ {
			if i == j {
				trans.Set(i, j, p)
			} else {
				trans.Set(i, j, (1-p)/float64(nState-1))
			}
		}
	}

	// Set the initial state probabilities
	init := make([]float64, nState)
	for i := range init {
		init[i] = 1 / float64(nState)
	}

	// Set the parameters of the observation distribution
	var emit *mat.Dense
	var mean, std []float64
	switch obsmodel {
	case "discrete":
		emit = mat.NewDense(nState, nSymbol, nil)
		for i := 0; i < nState; i++ {
			for s := 0; s < nSymbol; s++ {
				if s == i%nSymbol {
					emit.Set(i, s, 0.8)
				} else {
					emit.Set(i, s, 0.2/float64(nSymbol-1))
				}
			}
		}
	case "gaussian":
		mean = make([]float64, nState)
		std = make([]float64, nState)
		for i := 0; i < nState; i++ {
			mean[i] = snr * float64(i)
			std[i] = 1
		}
	default:
		panic(fmt.Sprintf("generate: unknown obsmodel '%s'\n", obsmodel))
	}

	fid, err := os.Create(outname)
	if err != nil {
		panic(err)
	}
	defer fid.Close()
	w := bufio.NewWriter(fid)
	defer w.Flush()

	fmt.Fprintf(w, "%d %d %d %d %s\n", nTraj, nState, nTime, nSymbol, obsmodel)

	for p := 0; p < nTraj; p++ {

		states := hmmsim.GenStates(trans, init, nTime, rnd)
		for t, st := range states {
			if t > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, "%d", st)
		}
		fmt.Fprint(w, "\n")

		switch obsmodel {
		case "discrete":
			obs := hmmsim.GenDiscreteObs(states, emit, rnd)
			for t, v := range obs {
				if t > 0 {
					fmt.Fprint(w, " ")
				}
				fmt.Fprintf(w, "%d", v)
			}
		case "gaussian":
			obs := hmmsim.GenGaussianObs(states, mean, std, rnd)
			for t, v := range obs {
				if t > 0 {
					fmt.Fprint(w, " ")
				}
				fmt.Fprintf(w, "%.8f", v)
			}
		}
		fmt.Fprint(w, "\n")
	}
}
