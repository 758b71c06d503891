package reparam

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// #region null
// Null is the identity reparameterisation. Parameters pass through
// unchanged with zero Jacobian contribution.
type Null struct {
	name   string
	params []string
}

// NewNull builds an identity transform over the given parameters.
func NewNull(name string, params []string) (*Null, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("null %s: no parameters", name)
	}
	if name == "" {
		name = "null"
	}
	return &Null{name: name, params: append([]string(nil), params...)}, nil
}

func (n *Null) Name() string              { return n.name }
func (n *Null) Parameters() []string      { return append([]string(nil), n.params...) }
func (n *Null) PrimeParameters() []string { return append([]string(nil), n.params...) }

func (n *Null) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	rows, _ := x.Dims()
	out := mat.DenseCopyOf(x)
	return out, make([]float64, rows), nil
}

func (n *Null) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	rows, _ := xp.Dims()
	out := mat.DenseCopyOf(xp)
	return out, make([]float64, rows), nil
}
// #endregion null
