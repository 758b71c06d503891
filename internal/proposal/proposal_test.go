package proposal

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/flows"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/model"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/points"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(29, 31))
}

func testModel(t *testing.T) *model.GaussianModel {
	t.Helper()
	m, err := model.NewGaussian([]string{"x", "y"}, -5, 5)
	if err != nil {
		t.Fatalf("NewGaussian: %v", err)
	}
	return m
}

func smallFlowCfg() flows.Config {
	return flows.Config{Blocks: 2, Layers: 1, Neurons: 8, FType: "realnvp"}
}

func smallTrainCfg() flows.TrainingConfig {
	return flows.TrainingConfig{LR: 0.005, BatchSize: 50, ValSize: 0.1, MaxEpochs: 20, Patience: 5}
}

func newTestProposal(t *testing.T, specs map[string]ReparamSpec) *FlowProposal {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = 100
	return New(testModel(t), cfg, smallFlowCfg(), smallTrainCfg(), specs, testRNG())
}

func TestPriorProposalDraw(t *testing.T) {
	p := NewPrior(testModel(t), testRNG())
	pt, err := p.Draw(points.Point{})
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if len(pt.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(pt.Values))
	}
	if math.IsInf(pt.LogP, -1) {
		t.Fatal("prior draw outside support")
	}
}

func TestInitialiseDefaultRescaling(t *testing.T) {
	fp := newTestProposal(t, nil)
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	prime := fp.PrimeSpace()
	names := prime.Names()
	if len(names) != 2 || names[0] != "x_prime" || names[1] != "y_prime" {
		t.Fatalf("unexpected prime space %v", names)
	}
	// second call is a no-op
	if err := fp.Initialise(); err != nil {
		t.Fatalf("repeated Initialise: %v", err)
	}
}

func TestInitialiseAngleGroup(t *testing.T) {
	fp := newTestProposal(t, map[string]ReparamSpec{
		"x": {Reparameterisation: "angle-pi"},
	})
	// angle needs a non-negative domain; widen via a model whose x sits in range
	m, _ := model.NewGaussian([]string{"x", "y"}, 0, 1)
	fp.model = m
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	names := fp.PrimeSpace().Names()
	want := []string{"x_x", "x_y", "y_prime"}
	if len(names) != 3 {
		t.Fatalf("expected 3 prime parameters, got %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("prime space %v, want %v", names, want)
		}
	}
}

func TestInitialiseUnknownParameter(t *testing.T) {
	fp := newTestProposal(t, map[string]ReparamSpec{
		"spin": {Reparameterisation: "default"},
	})
	err := fp.Initialise()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestInitialiseDuplicateCoverage(t *testing.T) {
	fp := newTestProposal(t, map[string]ReparamSpec{
		"a": {Reparameterisation: "default", Parameters: []string{"x"}},
		"b": {Reparameterisation: "rescale", Parameters: []string{"x", "y"}},
	})
	err := fp.Initialise()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for double coverage, got %v", err)
	}
}

func TestInitialiseUnknownReparameterisation(t *testing.T) {
	fp := newTestProposal(t, map[string]ReparamSpec{
		"x": {Reparameterisation: "shift"},
	})
	err := fp.Initialise()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestPopulateBeforeTrainingUsesPrior(t *testing.T) {
	fp := newTestProposal(t, nil)
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if err := fp.Populate(50); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if len(fp.pool) != 50 {
		t.Fatalf("expected 50 pooled points, got %d", len(fp.pool))
	}
	for i, p := range fp.pool {
		for _, v := range p.Values {
			if v < -5 || v > 5 {
				t.Fatalf("point %d value %g outside prior bounds", i, v)
			}
		}
	}
}

func TestDrawPopsAndRepopulates(t *testing.T) {
	fp := newTestProposal(t, nil)
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	seen := 0
	for i := 0; i < fp.cfg.PoolSize+10; i++ {
		p, err := fp.Draw(points.Point{})
		if err != nil {
			t.Fatalf("Draw %d: %v", i, err)
		}
		if len(p.Values) != 2 {
			t.Fatalf("draw %d returned %d values", i, len(p.Values))
		}
		seen++
	}
	if seen != fp.cfg.PoolSize+10 {
		t.Fatalf("expected %d draws, got %d", fp.cfg.PoolSize+10, seen)
	}
}

func TestDrawRequiresInitialise(t *testing.T) {
	fp := newTestProposal(t, nil)
	if _, err := fp.Draw(points.Point{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if err := fp.Train(nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration from Train, got %v", err)
	}
}

func TestTrainThenPopulate(t *testing.T) {
	fp := newTestProposal(t, nil)
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	live := fp.model.SamplePrior(300, testRNG())
	if err := fp.Train(live); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if fp.TrainingCount() != 1 {
		t.Fatalf("expected one training, got %d", fp.TrainingCount())
	}
	if fp.latentRadius <= 0 {
		t.Fatalf("expected positive latent radius, got %g", fp.latentRadius)
	}
	last := fp.LastTraining()
	if last.Epochs < 1 {
		t.Fatalf("expected at least one epoch, got %d", last.Epochs)
	}

	if err := fp.Populate(100); err != nil {
		t.Fatalf("Populate after training: %v", err)
	}
	if len(fp.pool) < 100 {
		t.Fatalf("expected at least 100 pooled points, got %d", len(fp.pool))
	}
	for i, p := range fp.pool {
		if math.IsInf(p.LogP, -1) {
			t.Fatalf("pooled point %d outside prior", i)
		}
		for _, v := range p.Values {
			if v < -5 || v > 5 {
				t.Fatalf("pooled point %d value %g outside bounds", i, v)
			}
		}
	}
	proposed, accepted := fp.Counters()
	if proposed == 0 || accepted == 0 {
		t.Fatalf("counters not updated: proposed=%d accepted=%d", proposed, accepted)
	}
	if acc := fp.Acceptance(); acc <= 0 || acc > 1 {
		t.Fatalf("acceptance %g outside (0, 1]", acc)
	}
}

func TestTrainThenPopulateAngleGroup(t *testing.T) {
	fp := newTestProposal(t, map[string]ReparamSpec{
		"x": {Reparameterisation: "angle-pi"},
	})
	m, err := model.NewGaussian([]string{"x", "y"}, 0, 3)
	if err != nil {
		t.Fatalf("NewGaussian: %v", err)
	}
	fp.model = m
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	live := fp.model.SamplePrior(300, testRNG())
	if err := fp.Train(live); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := fp.Populate(100); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if len(fp.pool) < 100 {
		t.Fatalf("expected at least 100 pooled points, got %d", len(fp.pool))
	}
	for i, p := range fp.pool {
		if math.IsInf(p.LogP, -1) {
			t.Fatalf("pooled point %d outside prior", i)
		}
		for j, v := range p.Values {
			if v < 0 || v > 3 {
				t.Fatalf("pooled point %d value %d = %g outside bounds", i, j, v)
			}
		}
	}
	proposed, accepted := fp.Counters()
	if proposed == 0 || accepted < 100 {
		t.Fatalf("counters not updated: proposed=%d accepted=%d", proposed, accepted)
	}
	if acc := fp.Acceptance(); acc <= 0 || acc > 1 {
		t.Fatalf("acceptance %g outside (0, 1]", acc)
	}
	for i := 0; i < 5; i++ {
		pt, err := fp.Draw(points.Point{})
		if err != nil {
			t.Fatalf("Draw %d: %v", i, err)
		}
		if len(pt.Values) != 2 {
			t.Fatalf("draw %d returned %d values", i, len(pt.Values))
		}
	}
}

// wedgeModel rejects half its bounding box, so uniform box draws need
// redrawing to fill a pool.
type wedgeModel struct {
	*model.GaussianModel
}

func (w wedgeModel) LogPrior(vals []float64) float64 {
	if vals[0] < vals[1] {
		return math.Inf(-1)
	}
	return w.GaussianModel.LogPrior(vals)
}

func TestPopulateFromPriorRedrawsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 100
	fp := New(wedgeModel{testModel(t)}, cfg, smallFlowCfg(), smallTrainCfg(), nil, testRNG())
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if err := fp.Populate(80); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if len(fp.pool) != 80 {
		t.Fatalf("expected exactly 80 pooled points, got %d", len(fp.pool))
	}
	for i, p := range fp.pool {
		if p.Values[0] < p.Values[1] {
			t.Fatalf("point %d outside prior support: %v", i, p.Values)
		}
		if math.IsInf(p.LogP, -1) {
			t.Fatalf("point %d has -Inf log prior", i)
		}
	}
	proposed, accepted := fp.Counters()
	if accepted != 80 || proposed <= 80 {
		t.Fatalf("expected redraws: proposed=%d accepted=%d", proposed, accepted)
	}
}

func TestPopulateExhaustion(t *testing.T) {
	fp := newTestProposal(t, nil)
	if err := fp.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	live := fp.model.SamplePrior(300, testRNG())
	if err := fp.Train(live); err != nil {
		t.Fatalf("Train: %v", err)
	}
	fp.cfg.MaxAttempts = 0
	err := fp.Populate(100)
	if !errors.Is(err, ErrProposalExhausted) {
		t.Fatalf("expected ErrProposalExhausted, got %v", err)
	}
}
