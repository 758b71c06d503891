package reparam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// #region rescale
// Rescale divides each parameter by a constant scale factor. Useful for
// parameters with large dynamic range where full bound information is not
// available or not wanted.
type Rescale struct {
	name    string
	params  []string
	primes  []string
	scale   float64
	logJRow float64 // per-row forward contribution, constant
}

// NewRescale builds a constant-scale transform. Options.Scale defaults to 1.
func NewRescale(name string, params []string, opts Options) (*Rescale, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("rescale %s: no parameters", name)
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}
	if name == "" {
		name = "rescale"
	}
	primes := make([]string, len(params))
	for i, p := range params {
		primes[i] = p + "_prime"
	}
	return &Rescale{
		name:    name,
		params:  append([]string(nil), params...),
		primes:  primes,
		scale:   scale,
		logJRow: -float64(len(params)) * math.Log(math.Abs(scale)),
	}, nil
}

func (r *Rescale) Name() string              { return r.name }
func (r *Rescale) Parameters() []string      { return append([]string(nil), r.params...) }
func (r *Rescale) PrimeParameters() []string { return append([]string(nil), r.primes...) }

func (r *Rescale) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Scale(1/r.scale, x)
	logJ := make([]float64, rows)
	for i := range logJ {
		logJ[i] = r.logJRow
	}
	return out, logJ, nil
}

func (r *Rescale) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := xp.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Scale(r.scale, xp)
	logJ := make([]float64, rows)
	for i := range logJ {
		logJ[i] = -r.logJRow
	}
	return out, logJ, nil
}
// #endregion rescale
