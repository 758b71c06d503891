package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/config"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/model"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/proposal"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/sampler"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/trace"
)

// #region main
// Runs nested sampling on the bundled Gaussian likelihood. Intended both
// as a smoke test of the full pipeline and as a wiring example for real
// models.
func main() {
	configPath := flag.String("config", "", "path to JSON run config (optional)")
	dims := flag.Int("dims", 4, "dimensions of the Gaussian test model")
	resume := flag.String("resume", "", "run ID to resume from the trace DB")
	noFlow := flag.Bool("no-flow", false, "disable the flow proposal")
	flag.Parse()

	dbPath := envOr("FLOWNEST_DB", "flownest.db")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	names := make([]string, *dims)
	for i := range names {
		names[i] = fmt.Sprintf("x%d", i)
	}
	m, err := model.NewGaussian(names, -10, 10)
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}

	store, err := trace.NewStore(dbPath)
	if err != nil {
		log.Fatalf("failed to open trace store: %v", err)
	}
	defer store.Close()

	var fp *proposal.FlowProposal
	if !*noFlow {
		seed := cfg.Sampler.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
		fp = proposal.New(m, cfg.Proposal, cfg.Flow, cfg.Training, cfg.Reparameterisations, rng)
	}
	ns, err := sampler.New(m, fp, store, cfg.Sampler)
	if err != nil {
		log.Fatalf("failed to build sampler: %v", err)
	}
	if *resume != "" {
		if err := ns.Resume(*resume); err != nil {
			log.Fatalf("failed to resume: %v", err)
		}
	}

	res, err := ns.Run()
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	analytic := -float64(*dims) * math.Log(20)
	fmt.Printf("run %s\n", res.RunID)
	fmt.Printf("  logZ      = %.4f (analytic %.4f)\n", res.LogZ, analytic)
	fmt.Printf("  info      = %.4f\n", res.Info)
	fmt.Printf("  iterations = %d, likelihood evals = %d\n", res.Iterations, res.LikelihoodEvals)
	if res.Acceptance > 0 {
		fmt.Printf("  flow acceptance = %.4f\n", res.Acceptance)
	}
}
// #endregion main

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
// #endregion helpers
