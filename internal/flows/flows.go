// Package flows implements the normalizing flow used by the flow proposal:
// RealNVP-style affine coupling blocks with MLP conditioners, trained by
// maximum likelihood. The base distribution is a standard normal.
package flows

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// sClamp bounds the log-scale output of each conditioner to keep the
// couplings numerically stable early in training.
const sClamp = 2.0

const logSqrt2Pi = 0.9189385332046727

// #region config
// Config describes the flow architecture.
type Config struct {
	Blocks  int    `json:"n_blocks"`
	Layers  int    `json:"n_layers"`
	Neurons int    `json:"n_neurons"`
	FType   string `json:"ftype"`
}

// DefaultConfig returns the architecture used when none is configured.
func DefaultConfig() Config {
	return Config{Blocks: 4, Layers: 2, Neurons: 32, FType: "realnvp"}
}
// #endregion config

// #region flow
// Flow is an invertible map between the data space and a standard-normal
// latent space. Forward is the normalizing direction (data to latent).
type Flow struct {
	dim       int
	cfg       Config
	couplings []*coupling
	rng       *rand.Rand
}

// NewFlow builds a randomly initialised flow over dim dimensions.
func NewFlow(cfg Config, dim int, rng *rand.Rand) (*Flow, error) {
	if dim < 2 {
		return nil, fmt.Errorf("flow: need at least 2 dimensions, got %d", dim)
	}
	if cfg.FType != "" && cfg.FType != "realnvp" {
		return nil, fmt.Errorf("flow: unknown flow type %q", cfg.FType)
	}
	if cfg.Blocks <= 0 || cfg.Layers <= 0 || cfg.Neurons <= 0 {
		return nil, fmt.Errorf("flow: blocks, layers and neurons must be positive")
	}
	if rng == nil {
		return nil, fmt.Errorf("flow: rng is required")
	}
	f := &Flow{dim: dim, cfg: cfg, rng: rng}
	half := dim / 2
	for k := 0; k < cfg.Blocks; k++ {
		var idA, idB []int
		for j := 0; j < dim; j++ {
			// alternate which half passes through unchanged
			if (j < half) == (k%2 == 0) {
				idA = append(idA, j)
			} else {
				idB = append(idB, j)
			}
		}
		net := newMLP(len(idA), 2*len(idB), cfg.Layers, cfg.Neurons, rng)
		f.couplings = append(f.couplings, &coupling{idA: idA, idB: idB, net: net})
	}
	return f, nil
}

// Dim returns the dimension of the data space.
func (f *Flow) Dim() int { return f.dim }

// Forward maps data to latent coordinates, returning per-row
// log|det dz/dx|.
func (f *Flow) Forward(x *mat.Dense) (*mat.Dense, []float64) {
	rows, _ := x.Dims()
	z := mat.DenseCopyOf(x)
	logDet := make([]float64, rows)
	for _, c := range f.couplings {
		c.forward(z, logDet, nil)
	}
	return z, logDet
}

// Inverse maps latent coordinates to data, returning per-row
// log|det dx/dz|.
func (f *Flow) Inverse(z *mat.Dense) (*mat.Dense, []float64) {
	rows, _ := z.Dims()
	x := mat.DenseCopyOf(z)
	logDet := make([]float64, rows)
	for i := len(f.couplings) - 1; i >= 0; i-- {
		f.couplings[i].inverse(x, logDet)
	}
	return x, logDet
}

// LogProb evaluates the model log-density of each row of x.
func (f *Flow) LogProb(x *mat.Dense) []float64 {
	z, logDet := f.Forward(x)
	rows, _ := x.Dims()
	lp := make([]float64, rows)
	for i := 0; i < rows; i++ {
		lp[i] = baseLogProb(z.RawRowView(i)) + logDet[i]
	}
	return lp
}

// SampleLatent maps externally drawn latent points through the generative
// direction, returning the data-space points and their model log-density.
func (f *Flow) SampleLatent(z *mat.Dense) (*mat.Dense, []float64) {
	x, logDet := f.Inverse(z)
	rows, _ := z.Dims()
	lp := make([]float64, rows)
	for i := 0; i < rows; i++ {
		lp[i] = baseLogProb(z.RawRowView(i)) - logDet[i]
	}
	return x, lp
}

// Sample draws n points from the flow with their log-density.
func (f *Flow) Sample(n int) (*mat.Dense, []float64) {
	z := mat.NewDense(n, f.dim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < f.dim; j++ {
			z.Set(i, j, f.rng.NormFloat64())
		}
	}
	return f.SampleLatent(z)
}

func baseLogProb(z []float64) float64 {
	lp := -float64(len(z)) * logSqrt2Pi
	for _, v := range z {
		lp -= 0.5 * v * v
	}
	return lp
}
// #endregion flow

// #region coupling
// coupling is one affine coupling block: the idA coordinates pass through
// unchanged and condition an affine transform of the idB coordinates.
type coupling struct {
	idA, idB []int
	net      *mlp
}

type couplingCache struct {
	xa  *mat.Dense // conditioner input
	xb  *mat.Dense // transformed half, before the affine map
	s   *mat.Dense // bounded log-scales
	t   *mat.Dense // shifts
	out *mat.Dense // transformed half after the map
	net *mlpCache
}

// forward applies the normalizing direction in place:
// z_b = (x_b - t(x_a)) * exp(-s(x_a)), logDet -= sum(s).
// A non-nil cache captures intermediates for backpropagation.
func (c *coupling) forward(x *mat.Dense, logDet []float64, cache *couplingCache) {
	rows, _ := x.Dims()
	xa := gatherCols(x, c.idA)
	xb := gatherCols(x, c.idB)
	var netCache *mlpCache
	if cache != nil {
		netCache = &mlpCache{}
	}
	s, t := c.net.forward(xa, netCache)
	out := mat.NewDense(rows, len(c.idB), nil)
	for i := 0; i < rows; i++ {
		for j := range c.idB {
			sv := s.At(i, j)
			out.Set(i, j, (xb.At(i, j)-t.At(i, j))*math.Exp(-sv))
			if logDet != nil {
				logDet[i] -= sv
			}
		}
	}
	scatterCols(x, c.idB, out)
	if cache != nil {
		cache.xa, cache.xb, cache.s, cache.t, cache.out, cache.net = xa, xb, s, t, out, netCache
	}
}

// inverse applies the generative direction in place:
// x_b = z_b * exp(s(z_a)) + t(z_a), logDet += sum(s).
func (c *coupling) inverse(z *mat.Dense, logDet []float64) {
	rows, _ := z.Dims()
	za := gatherCols(z, c.idA)
	zb := gatherCols(z, c.idB)
	s, t := c.net.forward(za, nil)
	out := mat.NewDense(rows, len(c.idB), nil)
	for i := 0; i < rows; i++ {
		for j := range c.idB {
			sv := s.At(i, j)
			out.Set(i, j, zb.At(i, j)*math.Exp(sv)+t.At(i, j))
			if logDet != nil {
				logDet[i] += sv
			}
		}
	}
	scatterCols(z, c.idB, out)
}

func gatherCols(m *mat.Dense, ids []int) *mat.Dense {
	rows, _ := m.Dims()
	out := mat.NewDense(rows, len(ids), nil)
	for i := 0; i < rows; i++ {
		for j, id := range ids {
			out.Set(i, j, m.At(i, id))
		}
	}
	return out
}

func scatterCols(m *mat.Dense, ids []int, vals *mat.Dense) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		for j, id := range ids {
			m.Set(i, id, vals.At(i, j))
		}
	}
}
// #endregion coupling

// #region mlp
// mlp is the conditioner network: tanh hidden layers and a linear output
// producing the concatenated [raw_s | t] pair. Raw log-scales are bounded
// through sClamp*tanh(raw/sClamp).
type mlp struct {
	hidden []*linear
	out    *linear
	dimB   int
}

type linear struct {
	w *mat.Dense // in x out
	b []float64
}

type mlpCache struct {
	inputs []*mat.Dense // input to each hidden layer
	acts   []*mat.Dense // post-tanh activations
	outIn  *mat.Dense   // input to the output layer
	rawS   *mat.Dense   // unbounded log-scales
}

func newLinear(in, out int, rng *rand.Rand) *linear {
	// Xavier-style init keeps early couplings close to the identity.
	std := math.Sqrt(2 / float64(in+out))
	w := mat.NewDense(in, out, nil)
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			w.Set(i, j, std*rng.NormFloat64())
		}
	}
	return &linear{w: w, b: make([]float64, out)}
}

func newMLP(in, out, layers, neurons int, rng *rand.Rand) *mlp {
	m := &mlp{dimB: out / 2}
	prev := in
	for l := 0; l < layers; l++ {
		m.hidden = append(m.hidden, newLinear(prev, neurons, rng))
		prev = neurons
	}
	m.out = newLinear(prev, out, rng)
	return m
}

func (m *mlp) apply(l *linear, x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.w.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.w)
	for i := 0; i < rows; i++ {
		for j := 0; j < out; j++ {
			y.Set(i, j, y.At(i, j)+l.b[j])
		}
	}
	return y
}

// forward evaluates the conditioner, splitting the output into bounded
// log-scales and shifts. A non-nil cache records intermediates.
func (m *mlp) forward(x *mat.Dense, cache *mlpCache) (s, t *mat.Dense) {
	h := x
	for _, l := range m.hidden {
		if cache != nil {
			cache.inputs = append(cache.inputs, h)
		}
		a := m.apply(l, h)
		rows, cols := a.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				a.Set(i, j, math.Tanh(a.At(i, j)))
			}
		}
		if cache != nil {
			cache.acts = append(cache.acts, a)
		}
		h = a
	}
	if cache != nil {
		cache.outIn = h
	}
	y := m.apply(m.out, h)
	rows, _ := y.Dims()
	s = mat.NewDense(rows, m.dimB, nil)
	t = mat.NewDense(rows, m.dimB, nil)
	var rawS *mat.Dense
	if cache != nil {
		rawS = mat.NewDense(rows, m.dimB, nil)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < m.dimB; j++ {
			raw := y.At(i, j)
			if rawS != nil {
				rawS.Set(i, j, raw)
			}
			s.Set(i, j, sClamp*math.Tanh(raw/sClamp))
			t.Set(i, j, y.At(i, m.dimB+j))
		}
	}
	if cache != nil {
		cache.rawS = rawS
	}
	return s, t
}
// #endregion mlp
