package proposal

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/flows"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/model"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/points"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/reparam"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/sampling"
)

// #region flow-proposal
// FlowProposal owns the trained flow, the reparameterisations applied to
// the sample space, and the pool of accepted candidates. Lifecycle:
// New -> Initialise -> repeated Train/Draw cycles driven by the sampler.
type FlowProposal struct {
	model    model.Model
	cfg      Config
	flowCfg  flows.Config
	trainCfg flows.TrainingConfig
	specs    map[string]ReparamSpec
	rng      *rand.Rand

	initialised bool
	reparams    []reparam.Reparameterisation
	colRanges   [][2]int // prime-space column range per reparameterisation
	primeSpace  *points.Space
	flow        *flows.Flow
	drawFunc    sampling.DrawFunc

	pool   []points.Point
	poolAt int

	trainingCount int
	populated     bool
	latentRadius  float64
	lastTraining  flows.TrainingResult

	proposedCount int
	acceptedCount int
}

// New builds an uninitialised flow proposal. Initialise must be called
// before Train or Draw.
func New(m model.Model, cfg Config, flowCfg flows.Config, trainCfg flows.TrainingConfig, specs map[string]ReparamSpec, rng *rand.Rand) *FlowProposal {
	return &FlowProposal{
		model:    m,
		cfg:      cfg,
		flowCfg:  flowCfg,
		trainCfg: trainCfg,
		specs:    specs,
		rng:      rng,
	}
}
// #endregion flow-proposal

// #region initialise
// Initialise resolves the configured reparameterisations, validates that
// every sampled parameter is covered exactly once, and constructs the flow
// over the resulting prime space. Fatal errors wrap ErrConfiguration.
func (fp *FlowProposal) Initialise() error {
	if fp.initialised {
		return nil
	}
	space := fp.model.Space()
	bounds := fp.model.Bounds()

	covered := make(map[string]string) // parameter -> group name
	type built struct {
		rep   reparam.Reparameterisation
		first int
	}
	var list []built

	keys := make([]string, 0, len(fp.specs))
	for k := range fp.specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := fp.specs[key]
		params := spec.Parameters
		if len(params) == 0 {
			params = []string{key}
		}
		first := space.Dim()
		for _, p := range params {
			idx, ok := space.Index(p)
			if !ok {
				return fmt.Errorf("%w: reparameterisation %q references unknown parameter %q", ErrConfiguration, key, p)
			}
			if prev, dup := covered[p]; dup {
				return fmt.Errorf("%w: parameter %q covered by both %q and %q", ErrConfiguration, p, prev, key)
			}
			covered[p] = key
			if idx < first {
				first = idx
			}
		}
		var identifier any
		if spec.Reparameterisation != "" {
			identifier = spec.Reparameterisation
		}
		reg, err := reparam.Resolve(identifier)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		rep, err := reparam.Build(reg, reparam.BuildConfig{
			Name:       key,
			Parameters: params,
			Bounds:     bounds,
			Options:    spec.Options,
			RNG:        fp.rng,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		list = append(list, built{rep: rep, first: first})
	}

	// Parameters with no configured group: rescale to bounds, or pass
	// through unchanged when rescaling is disabled.
	for idx, p := range space.Names() {
		if _, ok := covered[p]; ok {
			continue
		}
		kind := reparam.Registration{Kind: reparam.KindNull}
		if fp.cfg.Rescale {
			kind = reparam.Registration{Kind: reparam.KindRescaleToBounds}
		}
		rep, err := reparam.Build(kind, reparam.BuildConfig{
			Name:       p,
			Parameters: []string{p},
			Bounds:     bounds,
			RNG:        fp.rng,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		list = append(list, built{rep: rep, first: idx})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].first < list[j].first })

	var primeNames []string
	fp.reparams = fp.reparams[:0]
	fp.colRanges = fp.colRanges[:0]
	for _, b := range list {
		lo := len(primeNames)
		primeNames = append(primeNames, b.rep.PrimeParameters()...)
		fp.reparams = append(fp.reparams, b.rep)
		fp.colRanges = append(fp.colRanges, [2]int{lo, len(primeNames)})
	}
	primeSpace, err := points.NewSpace(primeNames...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	fp.primeSpace = primeSpace

	flow, err := flows.NewFlow(fp.flowCfg, primeSpace.Dim(), fp.rng)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	fp.flow = flow

	draw, err := sampling.ByName(fp.cfg.LatentPrior)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	fp.drawFunc = draw

	fp.initialised = true
	log.Printf("[PROP] initialised: %d reparameterisations, prime dim %d",
		len(fp.reparams), primeSpace.Dim())
	return nil
}

// PrimeSpace exposes the transformed parameter space, for inspection.
func (fp *FlowProposal) PrimeSpace() *points.Space { return fp.primeSpace }
// #endregion initialise

// #region train
// Train re-detects distribution edges, maps the live points into the prime
// space and fits the flow. On a training failure the previous model is
// retained and the error surfaced for the driver to decide on.
func (fp *FlowProposal) Train(live []points.Point) error {
	if !fp.initialised {
		return fmt.Errorf("%w: proposal not initialised", ErrConfiguration)
	}
	prime, _, err := fp.forwardBatch(live, true)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	res, err := fp.flow.Train(prime, fp.trainCfg)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	// Latent radius of the (restored best) model over the training set
	// bounds the region new candidates are drawn from.
	z, _ := fp.flow.Forward(prime)
	rows, _ := z.Dims()
	var r float64
	for i := 0; i < rows; i++ {
		if n := floats.Norm(z.RawRowView(i), 2); n > r {
			r = n
		}
	}
	fp.latentRadius = r
	fp.lastTraining = res
	fp.trainingCount++
	fp.populated = false
	fp.pool = fp.pool[:0]
	fp.poolAt = 0
	log.Printf("[PROP] trained flow: epochs=%d val_loss=%.3f r=%.3f", res.Epochs, res.ValLoss, r)
	return nil
}

// TrainingCount reports how many times the flow has been trained.
func (fp *FlowProposal) TrainingCount() int { return fp.trainingCount }

// LastTraining reports the result of the most recent successful fit.
func (fp *FlowProposal) LastTraining() flows.TrainingResult { return fp.lastTraining }

// Counters reports lifetime proposed/accepted counts.
func (fp *FlowProposal) Counters() (proposed, accepted int) {
	return fp.proposedCount, fp.acceptedCount
}

// Acceptance is the lifetime acceptance rate of the rejection loop.
func (fp *FlowProposal) Acceptance() float64 {
	if fp.proposedCount == 0 {
		return 0
	}
	return float64(fp.acceptedCount) / float64(fp.proposedCount)
}
// #endregion train

// #region transforms
// forwardBatch maps points into the prime space, accumulating Jacobian
// contributions. During training it also re-runs edge detection and applies
// duplicate-type boundary inversions, which may grow the batch.
func (fp *FlowProposal) forwardBatch(pts []points.Point, training bool) (*mat.Dense, []float64, error) {
	space := fp.model.Space()
	phys, err := points.Batch(space, pts)
	if err != nil {
		return nil, nil, err
	}
	rows := len(pts)
	logJ := make([]float64, rows)
	prime := mat.NewDense(rows, fp.primeSpace.Dim(), nil)

	for k, rep := range fp.reparams {
		block, err := points.Columns(space, phys, rep.Parameters())
		if err != nil {
			return nil, nil, err
		}
		if training {
			if det, ok := rep.(reparam.EdgeDetector); ok {
				det.UpdateEdges(block)
			}
		}
		fwd, blockJ, err := rep.Forward(block)
		if err != nil {
			return nil, nil, err
		}
		cr := fp.colRanges[k]
		for i := 0; i < rows; i++ {
			for j := cr[0]; j < cr[1]; j++ {
				prime.Set(i, j, fwd.At(i, j-cr[0]))
			}
			logJ[i] += blockJ[i]
		}
	}

	if training {
		prime, logJ = fp.applyDuplication(prime, logJ)
	}
	return prime, logJ, nil
}

// applyDuplication reflects the batch across each active duplicate-type
// inversion boundary, doubling the rows per active transform.
func (fp *FlowProposal) applyDuplication(prime *mat.Dense, logJ []float64) (*mat.Dense, []float64) {
	for k, rep := range fp.reparams {
		dup, ok := rep.(reparam.Duplicator)
		if !ok {
			continue
		}
		cr := fp.colRanges[k]
		rows, cols := prime.Dims()
		block := mat.NewDense(rows, cr[1]-cr[0], nil)
		for i := 0; i < rows; i++ {
			for j := cr[0]; j < cr[1]; j++ {
				block.Set(i, j-cr[0], prime.At(i, j))
			}
		}
		mirrored, active := dup.Mirror(block)
		if !active {
			continue
		}
		grown := mat.NewDense(2*rows, cols, nil)
		for i := 0; i < rows; i++ {
			grown.SetRow(i, prime.RawRowView(i))
			grown.SetRow(rows+i, prime.RawRowView(i))
			for j := cr[0]; j < cr[1]; j++ {
				grown.Set(rows+i, j, mirrored.At(i, j-cr[0]))
			}
		}
		prime = grown
		logJ = append(logJ, logJ...)
	}
	return prime, logJ
}

// inverseRow maps a single prime-space row back to physical coordinates.
// ok is false when any transform rejects the value as out of domain.
func (fp *FlowProposal) inverseRow(row []float64) (vals []float64, logJ float64, ok bool, err error) {
	space := fp.model.Space()
	vals = make([]float64, space.Dim())
	for k, rep := range fp.reparams {
		cr := fp.colRanges[k]
		block := mat.NewDense(1, cr[1]-cr[0], append([]float64(nil), row[cr[0]:cr[1]]...))
		inv, blockJ, ierr := rep.Inverse(block)
		if ierr != nil {
			var dom *reparam.DomainError
			if errors.As(ierr, &dom) {
				return nil, 0, false, nil
			}
			return nil, 0, false, ierr
		}
		for j, p := range rep.Parameters() {
			idx, _ := space.Index(p)
			vals[idx] = inv.At(0, j)
		}
		logJ += blockJ[0]
	}
	return vals, logJ, true, nil
}
// #endregion transforms

// #region populate
// Populate fills the candidate pool with n accepted points. Before the
// first training event candidates come straight from the unit hypercube
// mapped onto the prior bounds; afterwards from the flow's latent space.
func (fp *FlowProposal) Populate(n int) error {
	if !fp.initialised {
		return fmt.Errorf("%w: proposal not initialised", ErrConfiguration)
	}
	if n <= 0 {
		n = fp.cfg.PoolSize
	}
	if fp.trainingCount == 0 {
		return fp.populateFromPrior(n)
	}

	fp.pool = fp.pool[:0]
	fp.poolAt = 0
	drawn, kept := 0, 0
	dim := fp.primeSpace.Dim()

	for attempt := 0; attempt < fp.cfg.MaxAttempts && len(fp.pool) < n; attempt++ {
		z := fp.drawFunc(dim, fp.latentRadius, n, fp.cfg.Fuzz, fp.rng)
		prime, logQ := fp.flow.SampleLatent(z)
		rows, _ := prime.Dims()
		drawn += rows

		cand := make([]points.Point, 0, rows)
		logW := make([]float64, 0, rows)
		for i := 0; i < rows; i++ {
			vals, logJ, ok, err := fp.inverseRow(prime.RawRowView(i))
			if err != nil {
				return fmt.Errorf("populate: %w", err)
			}
			if !ok {
				continue
			}
			logP := fp.model.LogPrior(vals)
			if math.IsInf(logP, -1) {
				continue
			}
			// importance weight: log_prior - log q. Deterministic transforms
			// contribute log|det d phys / d prime|; auxiliary-radius
			// transforms contribute their radial density term directly.
			w := logP - logQ[i] + logJ
			cand = append(cand, points.Point{Values: vals, LogP: logP})
			logW = append(logW, w)
		}
		if len(cand) == 0 {
			continue
		}
		maxW := floats.Max(logW)
		for i, p := range cand {
			if fp.rng.Float64() < math.Exp(logW[i]-maxW) {
				fp.pool = append(fp.pool, p)
				kept++
			}
		}
	}

	fp.proposedCount += drawn
	fp.acceptedCount += kept
	if drawn > 0 {
		acc := float64(kept) / float64(drawn)
		if acc < fp.cfg.MinAcceptance {
			log.Printf("[PROP] low acceptance: %.4f over %d draws", acc, drawn)
		}
	}
	if len(fp.pool) < n {
		return fmt.Errorf("%w: %d/%d accepted after %d attempts",
			ErrProposalExhausted, len(fp.pool), n, fp.cfg.MaxAttempts)
	}
	fp.rng.Shuffle(len(fp.pool), func(i, j int) {
		fp.pool[i], fp.pool[j] = fp.pool[j], fp.pool[i]
	})
	fp.populated = true
	return nil
}

// populateFromPrior seeds the pool from uniform draws over the prior
// bounds, the pre-training fallback behavior. Draws outside the prior
// support are rejected and redrawn so the pool always holds n points.
func (fp *FlowProposal) populateFromPrior(n int) error {
	space := fp.model.Space()
	bounds := fp.model.Bounds()
	names := space.Names()
	fp.pool = fp.pool[:0]
	fp.poolAt = 0
	drawn := 0
	for attempt := 0; attempt < fp.cfg.MaxAttempts && len(fp.pool) < n; attempt++ {
		u := sampling.DrawUniform(space.Dim(), 1, n, 1, fp.rng)
		for i := 0; i < n && len(fp.pool) < n; i++ {
			drawn++
			vals := make([]float64, space.Dim())
			for j, name := range names {
				b := bounds[name]
				vals[j] = b[0] + (b[1]-b[0])*u.At(i, j)
			}
			logP := fp.model.LogPrior(vals)
			if math.IsInf(logP, -1) {
				continue
			}
			fp.pool = append(fp.pool, points.Point{Values: vals, LogP: logP})
		}
	}
	fp.proposedCount += drawn
	fp.acceptedCount += len(fp.pool)
	if len(fp.pool) < n {
		return fmt.Errorf("%w: %d/%d prior draws accepted after %d attempts",
			ErrProposalExhausted, len(fp.pool), n, fp.cfg.MaxAttempts)
	}
	fp.populated = true
	return nil
}

// Draw pops the next candidate from the pool, repopulating it when empty.
func (fp *FlowProposal) Draw(points.Point) (points.Point, error) {
	if !fp.initialised {
		return points.Point{}, fmt.Errorf("%w: proposal not initialised", ErrConfiguration)
	}
	if !fp.populated || fp.poolAt >= len(fp.pool) {
		if err := fp.Populate(fp.cfg.PoolSize); err != nil {
			return points.Point{}, err
		}
	}
	p := fp.pool[fp.poolAt]
	fp.poolAt++
	return p, nil
}
// #endregion populate
