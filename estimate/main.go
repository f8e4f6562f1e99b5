// Command estimate fits a hidden Markov model to trajectories produced
// by the generate command, reconstructs the hidden states with the
// Viterbi algorithm and summarizes the resulting Markov state model.
package main

import (
	"bufio"
	"flag"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/markovstate/hmm/hmmlib"
	"github.com/markovstate/hmm/msmlib"
)

var logger *log.Logger

func report(logger *log.Logger, hmm *hmmlib.HMM) int {

	var t, tn int
	logger.Printf("Per-trajectory errors:")
	for p := 0; p < hmm.NTraj; p++ {
		q, n := hmmlib.CompareStates(hmm.PState[p], hmm.State[p])
		logger.Printf("%d %d/%d\n", p, q, n)
		t += q
		tn += n
	}
	logger.Printf("%d/%d total errors\n", t, tn)

	return t
}

// readData parses the trajectory file written by the generate command.
func readData(fname string) *hmmlib.HMM {

	fid, err := os.Open(fname)
	if err != nil {
		panic(err)
	}
	defer fid.Close()

	scanner := bufio.NewScanner(fid)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if !scanner.Scan() {
		panic("estimate: empty data file")
	}
	hdr := strings.Fields(scanner.Text())
	if len(hdr) != 5 {
		panic("estimate: malformed header")
	}
	nTraj := atoi(hdr[0])
	nState := atoi(hdr[1])
	nTime := atoi(hdr[2])
	nSymbol := atoi(hdr[3])
	obsmodel := hdr[4]

	hmm := hmmlib.New(nTraj, nState, nTime, nSymbol)
	hmm.State = make([][]int, nTraj)
	switch obsmodel {
	case "discrete":
		hmm.Obs = make([][]int, nTraj)
	case "gaussian":
		hmm.ObsModel = hmmlib.Gaussian
		hmm.ObsF = make([][]float64, nTraj)
	default:
		panic("estimate: unknown obsmodel '" + obsmodel + "'")
	}

	for p := 0; p < nTraj; p++ {

		if !scanner.Scan() {
			panic("estimate: truncated data file")
		}
		sf := strings.Fields(scanner.Text())
		hmm.State[p] = make([]int, len(sf))
		for t, v := range sf {
			hmm.State[p][t] = atoi(v)
		}

		if !scanner.Scan() {
			panic("estimate: truncated data file")
		}
		of := strings.Fields(scanner.Text())
		switch obsmodel {
		case "discrete":
			hmm.Obs[p] = make([]int, len(of))
			for t, v := range of {
				hmm.Obs[p][t] = atoi(v)
			}
		case "gaussian":
			hmm.ObsF[p] = make([]float64, len(of))
			for t, v := range of {
				x, err := strconv.ParseFloat(v, 64)
				if err != nil {
					panic(err)
				}
				hmm.ObsF[p][t] = x
			}
		}
	}

	return hmm
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		panic(err)
	}
	return v
}

func main() {

	dataname := flag.String("datafile", "", "The data file")
	logname := flag.String("logname", "hmm", "Prefix of log file")
	maxiter := flag.Int("maxiter", 50, "Maximum number of EM iterations")
	lag := flag.Int("lag", 1, "Lag for the Markov state model analysis")
	reconstruct := flag.Bool("reconstruct", true, "If false, do not reconstruct states")
	flag.Parse()

	if *dataname == "" {
		_, _ = io.WriteString(os.Stderr, "'datafile' is a required argument")
		os.Exit(1)
	}

	hmm := readData(*dataname)
	logger = hmm.SetLogger(*logname)

	hmm.Initialize()

	// Fit the model parameters
	hmm.SetStartParams()
	hmm.WriteSummary(nil, "Starting values:")
	if err := hmm.Fit(*maxiter); err != nil {
		logger.Printf("EM failed: %v", err)
		os.Exit(1)
	}
	hmm.WriteSummary(nil, "Estimated parameters:")

	llf, err := hmm.Loglike()
	if err != nil {
		panic(err)
	}
	logger.Printf("Final log-likelihood: %f", llf)
	aic, err := hmm.AIC()
	if err != nil {
		panic(err)
	}
	logger.Printf("Final AIC: %f", aic)

	if !*reconstruct {
		return
	}

	// Reconstruct each trajectory individually
	if err := hmm.ReconstructStates(); err != nil {
		logger.Printf("Viterbi reconstruction failed: %v", err)
		os.Exit(1)
	}
	report(logger, hmm)

	// Markov state model built from the reconstructed paths
	counts, err := msmlib.CountMatrix(hmm.PState, hmm.NState, *lag)
	if err != nil {
		panic(err)
	}
	trans := msmlib.TransitionMatrix(counts)

	pi, err := msmlib.StationaryDistribution(trans)
	if err != nil {
		panic(err)
	}
	logger.Printf("Stationary distribution of the reconstructed chain: %v", pi)

	ts, err := msmlib.ImpliedTimescales(trans, *lag)
	if err != nil {
		panic(err)
	}
	logger.Printf("Implied timescales at lag %d: %v", *lag, ts)
}
