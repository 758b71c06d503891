// Package proposal contains the proposal distributions consumed by the
// nested sampler: a prior-based fallback and the flow-trained proposal
// that replaces it once enough structure has been learned.
package proposal

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/model"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/points"
	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/reparam"
)

// #region errors
// ErrProposalExhausted is returned when the max-attempts budget runs out
// before enough points were accepted. The driver falls back to another
// proposal; this is not fatal to the run.
var ErrProposalExhausted = errors.New("proposal exhausted")

// ErrConfiguration marks fatal setup problems: unknown reparameterisations,
// incomplete or overlapping parameter coverage. Never silently corrected.
var ErrConfiguration = errors.New("invalid proposal configuration")
// #endregion errors

// #region config
// Config holds the orchestration options for the flow proposal.
type Config struct {
	// PoolSize is the number of accepted points populated per batch.
	PoolSize int `json:"poolsize"`
	// MaxAttempts bounds the number of candidate batches drawn per populate.
	MaxAttempts int `json:"max_attempts"`
	// Fuzz inflates the latent sampling radius.
	Fuzz float64 `json:"fuzz"`
	// LatentPrior selects the latent draw: "truncated_gaussian", "gaussian",
	// "uniform" or "nsphere".
	LatentPrior string `json:"latent_prior"`
	// Rescale applies rescale-to-bounds to parameters with no configured
	// reparameterisation; when false they pass through unchanged.
	Rescale bool `json:"rescale_parameters"`
	// MinAcceptance is the usability threshold below which a populate pass
	// logs an inefficiency warning.
	MinAcceptance float64 `json:"min_acceptance"`
}

// DefaultConfig returns the proposal defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:      1000,
		MaxAttempts:   50,
		Fuzz:          1.0,
		LatentPrior:   "truncated_gaussian",
		Rescale:       true,
		MinAcceptance: 0.01,
	}
}

// ReparamSpec configures one reparameterisation group. The map key names
// the group; Parameters defaults to the key itself for single-parameter
// groups.
type ReparamSpec struct {
	Reparameterisation string          `json:"reparameterisation"`
	Parameters         []string        `json:"parameters,omitempty"`
	Options            reparam.Options `json:"options,omitempty"`
}
// #endregion config

// #region interface
// Proposal produces candidate points for the sampler. The worst live point
// is passed for proposals that scale themselves to the current contour.
type Proposal interface {
	Draw(worst points.Point) (points.Point, error)
}
// #endregion interface

// #region prior-proposal
// PriorProposal draws directly from the model prior. Used for the initial
// population and as the fallback when the flow proposal is exhausted or
// not yet trained.
type PriorProposal struct {
	model model.Model
	rng   *rand.Rand
}

// NewPrior builds the fallback proposal.
func NewPrior(m model.Model, rng *rand.Rand) *PriorProposal {
	return &PriorProposal{model: m, rng: rng}
}

func (p *PriorProposal) Draw(points.Point) (points.Point, error) {
	pts := p.model.SamplePrior(1, p.rng)
	if len(pts) != 1 {
		return points.Point{}, fmt.Errorf("prior proposal: model returned %d points", len(pts))
	}
	return pts[0], nil
}
// #endregion prior-proposal
