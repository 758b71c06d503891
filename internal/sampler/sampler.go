// Package sampler implements the nested sampling driver: it maintains the
// live-point population, advances the likelihood contour, and consumes
// proposals to replace discarded points, periodically retraining the flow
// proposal on the current live set.
package sampler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/flows"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/model"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/points"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/proposal"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/trace"
)

// #region config
// Config holds the driver options.
type Config struct {
	NLive             int     `json:"nlive"`
	MaxIterations     int     `json:"max_iterations"`
	TrainingFrequency int     `json:"training_frequency"`
	Tolerance         float64 `json:"dlogz_tolerance"`
	CheckpointEvery   int     `json:"checkpoint_every"`
	MaxDrawAttempts   int     `json:"max_draw_attempts"`
	Seed              uint64  `json:"seed"`
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		NLive:             500,
		MaxIterations:     20000,
		TrainingFrequency: 1000,
		Tolerance:         0.1,
		CheckpointEvery:   1000,
		MaxDrawAttempts:   100000,
	}
}

// Result summarises a completed run.
type Result struct {
	RunID           string
	LogZ            float64
	Info            float64
	Iterations      int
	LikelihoodEvals int
	Acceptance      float64
}
// #endregion config

// #region sampler-struct
// NestedSampler advances a likelihood contour over a live-point set.
// The flow proposal is optional; without it the driver is a plain
// rejection nested sampler.
type NestedSampler struct {
	model    model.Model
	flowProp *proposal.FlowProposal
	fallback proposal.Proposal
	store    *trace.Store
	cfg      Config
	rng      *rand.Rand

	live           []points.Point // sorted ascending by LogL
	logZ           float64
	info           float64
	it             int
	evals          int
	lastTrainEvals int
	runID          string
	resumed        bool
}

// New wires a sampler. store and flowProp may be nil.
func New(m model.Model, flowProp *proposal.FlowProposal, store *trace.Store, cfg Config) (*NestedSampler, error) {
	if cfg.NLive < 2 {
		return nil, fmt.Errorf("sampler: nlive must be at least 2, got %d", cfg.NLive)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s := &NestedSampler{
		model:    m,
		flowProp: flowProp,
		fallback: proposal.NewPrior(m, rng),
		store:    store,
		cfg:      cfg,
		rng:      rng,
		logZ:     math.Inf(-1),
	}
	return s, nil
}

// RNG exposes the driver's random source, shared with the proposals.
func (s *NestedSampler) RNG() *rand.Rand { return s.rng }
// #endregion sampler-struct

// #region resume
// Resume restores the live set and evidence state from the latest
// checkpoint of a previous run. Must be called before Run.
func (s *NestedSampler) Resume(runID string) error {
	if s.store == nil {
		return fmt.Errorf("resume: no trace store configured")
	}
	cp, err := s.store.LatestCheckpoint(runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("resume: no checkpoint for run %s", runID)
		}
		return fmt.Errorf("resume: %w", err)
	}
	s.live = s.live[:0]
	for _, lp := range cp.Live {
		s.live = append(s.live, points.Point{Values: lp.Values, LogL: lp.LogL, LogP: lp.LogP})
	}
	sort.Slice(s.live, func(i, j int) bool { return s.live[i].LogL < s.live[j].LogL })
	s.it = cp.Iteration
	s.logZ = cp.LogZ
	s.runID = runID
	s.resumed = true
	log.Printf("[NS] resumed run %s at iteration %d (logZ=%.3f)", runID, s.it, s.logZ)
	return nil
}
// #endregion resume

// #region run
// Run executes nested sampling to completion and returns the evidence
// estimate. The run stops when the residual evidence falls below the
// configured tolerance or the iteration budget is reached.
func (s *NestedSampler) Run() (Result, error) {
	if s.flowProp != nil {
		if err := s.flowProp.Initialise(); err != nil {
			return Result{}, err
		}
	}
	if s.store != nil && s.runID == "" {
		cfgJSON, _ := json.Marshal(s.cfg)
		id, err := s.store.CreateRun(string(cfgJSON))
		if err != nil {
			return Result{}, err
		}
		s.runID = id
	}

	if !s.resumed {
		s.live = s.model.SamplePrior(s.cfg.NLive, s.rng)
		for i := range s.live {
			s.live[i].LogL = s.model.LogLikelihood(s.live[i].Values)
			s.evals++
		}
		sort.Slice(s.live, func(i, j int) bool { return s.live[i].LogL < s.live[j].LogL })
		log.Printf("[NS] initialised %d live points", len(s.live))
	}

	n := float64(s.cfg.NLive)
	// per-iteration shrinkage of the log prior volume
	logShrink := math.Log(1 - math.Exp(-1/n))

	for s.it < s.cfg.MaxIterations {
		worst := s.live[0]
		logLMin := worst.LogL

		logW := -float64(s.it)/n + logShrink
		s.accumulate(logW, logLMin)

		if s.store != nil {
			dp := trace.DeadPoint{
				Iteration: s.it,
				LogL:      logLMin,
				LogX:      -float64(s.it+1) / n,
				Params:    worst.Values,
			}
			if err := s.store.AppendDeadPoint(s.runID, dp); err != nil {
				return Result{}, err
			}
		}

		replacement, err := s.replace(logLMin)
		if err != nil {
			return Result{}, err
		}
		s.live = s.live[1:]
		s.insert(replacement)
		s.it++

		if err := s.maybeTrain(); err != nil {
			return Result{}, err
		}
		if s.store != nil && s.cfg.CheckpointEvery > 0 && s.it%s.cfg.CheckpointEvery == 0 {
			if err := s.checkpoint(); err != nil {
				return Result{}, err
			}
		}

		// residual evidence bound from the best remaining live point
		logLMax := s.live[len(s.live)-1].LogL
		logZRemain := logLMax - float64(s.it)/n
		if logAddExp(s.logZ, logZRemain)-s.logZ < s.cfg.Tolerance {
			log.Printf("[NS] converged at iteration %d (dlogZ < %g)", s.it, s.cfg.Tolerance)
			break
		}
	}

	// fold the remaining live points into the evidence
	logXFinal := -float64(s.it) / n
	logWLive := logXFinal - math.Log(n)
	for _, p := range s.live {
		s.accumulate(logWLive, p.LogL)
	}

	res := Result{
		RunID:           s.runID,
		LogZ:            s.logZ,
		Info:            s.info,
		Iterations:      s.it,
		LikelihoodEvals: s.evals,
	}
	if s.flowProp != nil {
		res.Acceptance = s.flowProp.Acceptance()
	}
	if s.store != nil {
		if err := s.store.FinishRun(s.runID, s.logZ, s.info); err != nil {
			return Result{}, err
		}
	}
	log.Printf("[NS] finished: logZ=%.4f +/- info %.3f, %d iterations, %d likelihood evals",
		res.LogZ, res.Info, res.Iterations, res.LikelihoodEvals)
	return res, nil
}
// #endregion run

// #region replace
// replace draws candidates until one beats the contour. Flow proposal
// exhaustion is non-fatal: the driver falls back to the prior proposal
// for the rest of the iteration.
func (s *NestedSampler) replace(logLMin float64) (points.Point, error) {
	active := proposal.Proposal(s.fallback)
	if s.flowProp != nil {
		active = s.flowProp
	}
	worst := s.live[0]
	for attempt := 0; attempt < s.cfg.MaxDrawAttempts; attempt++ {
		p, err := active.Draw(worst)
		if err != nil {
			if errors.Is(err, proposal.ErrProposalExhausted) {
				log.Printf("[NS] flow proposal exhausted, falling back to prior: %v", err)
				active = s.fallback
				continue
			}
			return points.Point{}, err
		}
		p.LogL = s.model.LogLikelihood(p.Values)
		s.evals++
		if p.LogL > logLMin {
			return p, nil
		}
	}
	return points.Point{}, fmt.Errorf("no replacement above contour %g after %d attempts", logLMin, s.cfg.MaxDrawAttempts)
}

// insert adds a point into the sorted live set.
func (s *NestedSampler) insert(p points.Point) {
	idx := sort.Search(len(s.live), func(i int) bool { return s.live[i].LogL >= p.LogL })
	s.live = append(s.live, points.Point{})
	copy(s.live[idx+1:], s.live[idx:])
	s.live[idx] = p
}
// #endregion replace

// #region train
// maybeTrain retrains the flow when enough likelihood evaluations have
// accumulated since the last training. Training failures keep the
// previous model and the run continues.
func (s *NestedSampler) maybeTrain() error {
	if s.flowProp == nil {
		return nil
	}
	if s.evals-s.lastTrainEvals < s.cfg.TrainingFrequency {
		return nil
	}
	s.lastTrainEvals = s.evals
	if err := s.flowProp.Train(s.live); err != nil {
		var te *flows.TrainingError
		if errors.As(err, &te) {
			log.Printf("[NS] flow training failed, keeping previous model: %v", err)
			return nil
		}
		return err
	}
	if s.store != nil {
		last := s.flowProp.LastTraining()
		ev := trace.TrainingEvent{
			Iteration:  s.it,
			Epochs:     last.Epochs,
			ValLoss:    last.ValLoss,
			Acceptance: s.flowProp.Acceptance(),
		}
		if err := s.store.RecordTraining(s.runID, ev); err != nil {
			return err
		}
	}
	return nil
}
// #endregion train

// #region bookkeeping
// accumulate folds one weighted likelihood contribution into the running
// evidence and information estimates.
func (s *NestedSampler) accumulate(logW, logL float64) {
	xi := logW + logL
	logZNew := logAddExp(s.logZ, xi)
	if math.IsInf(logZNew, -1) {
		return
	}
	var prev float64
	if !math.IsInf(s.logZ, -1) {
		prev = math.Exp(s.logZ-logZNew) * (s.info + s.logZ)
	}
	s.info = math.Exp(xi-logZNew)*logL + prev - logZNew
	s.logZ = logZNew
}

func (s *NestedSampler) checkpoint() error {
	cp := trace.Checkpoint{
		Iteration: s.it,
		LogZ:      s.logZ,
	}
	for _, p := range s.live {
		cp.Live = append(cp.Live, trace.LivePoint{Values: p.Values, LogL: p.LogL, LogP: p.LogP})
	}
	return s.store.SaveCheckpoint(s.runID, cp)
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}
// #endregion bookkeeping
