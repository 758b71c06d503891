// Package config bundles the per-subsystem configs into one run
// configuration loadable from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/flows"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/proposal"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/sampler"
)

// #region run-config
// RunConfig is the full configuration surface for one sampling run.
type RunConfig struct {
	Sampler             sampler.Config                  `json:"sampler"`
	Flow                flows.Config                    `json:"model_config"`
	Training            flows.TrainingConfig            `json:"training"`
	Proposal            proposal.Config                 `json:"proposal"`
	Reparameterisations map[string]proposal.ReparamSpec `json:"reparameterisations"`
}

// Default returns the defaults for every subsystem.
func Default() RunConfig {
	return RunConfig{
		Sampler:  sampler.DefaultConfig(),
		Flow:     flows.DefaultConfig(),
		Training: flows.DefaultTrainingConfig(),
		Proposal: proposal.DefaultConfig(),
	}
}

// Load reads a JSON config file, overlaying it on the defaults. Fields
// absent from the file keep their default values.
func Load(path string) (RunConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
// #endregion run-config
