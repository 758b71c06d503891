// Package model defines the collaborator contract between the sampler and
// the user's likelihood and prior. The core never implements a likelihood
// itself; GaussianModel exists for tests and the bundled example runner.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/points"
)

// #region interface
// Model supplies the likelihood, prior and prior sampling for a run.
// LogPrior must return -Inf outside the prior support.
type Model interface {
	Space() *points.Space
	Bounds() map[string][2]float64
	LogLikelihood(values []float64) float64
	LogPrior(values []float64) float64
	SamplePrior(n int, rng *rand.Rand) []points.Point
}
// #endregion interface

// #region gaussian
// GaussianModel is an analytically tractable model: a unit Gaussian
// likelihood with a uniform box prior. log-evidence is -dim*log(hi-lo).
type GaussianModel struct {
	space  *points.Space
	lo, hi float64
	norm   distuv.Normal
}

// NewGaussian builds the model over the named parameters with a uniform
// prior on [lo, hi] per parameter.
func NewGaussian(names []string, lo, hi float64) (*GaussianModel, error) {
	if !(hi > lo) {
		return nil, fmt.Errorf("gaussian model: invalid prior range [%g, %g]", lo, hi)
	}
	s, err := points.NewSpace(names...)
	if err != nil {
		return nil, err
	}
	return &GaussianModel{
		space: s,
		lo:    lo,
		hi:    hi,
		norm:  distuv.Normal{Mu: 0, Sigma: 1},
	}, nil
}

func (g *GaussianModel) Space() *points.Space { return g.space }

func (g *GaussianModel) Bounds() map[string][2]float64 {
	out := make(map[string][2]float64, g.space.Dim())
	for _, n := range g.space.Names() {
		out[n] = [2]float64{g.lo, g.hi}
	}
	return out
}

func (g *GaussianModel) LogLikelihood(values []float64) float64 {
	var lp float64
	for _, v := range values {
		lp += g.norm.LogProb(v)
	}
	return lp
}

func (g *GaussianModel) LogPrior(values []float64) float64 {
	for _, v := range values {
		if v < g.lo || v > g.hi {
			return math.Inf(-1)
		}
	}
	return -float64(len(values)) * math.Log(g.hi-g.lo)
}

func (g *GaussianModel) SamplePrior(n int, rng *rand.Rand) []points.Point {
	dim := g.space.Dim()
	pts := make([]points.Point, n)
	for i := 0; i < n; i++ {
		vals := make([]float64, dim)
		for j := range vals {
			vals[j] = g.lo + (g.hi-g.lo)*rng.Float64()
		}
		pts[i] = points.Point{Values: vals, LogP: g.LogPrior(vals), LogL: g.LogLikelihood(vals)}
	}
	return pts
}
// #endregion gaussian
