// Package reparam implements the bidirectional parameter-space transforms
// applied before flow modelling, and the registry that resolves named
// reparameterisations to their implementations.
//
// Correction convention: deterministic transforms return, per sample row,
// log|det dx'/dx| from Forward and log|det dx/dx'| from Inverse, so a
// forward/inverse round trip sums to zero. Transforms that draw an
// auxiliary radius (Angle, AnglePair, ToCartesian) instead return the same
// radial-density correction in both directions: adding the Inverse value
// to log_prior - log q_prime yields the importance weight on the extended
// space that includes the radius, which is how proposal acceptance
// consumes it.
package reparam

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// #region interface
// Reparameterisation is the capability every transform must provide.
// Implementations are stateless per call; edge-detection state is only
// mutated through UpdateEdges during training passes.
type Reparameterisation interface {
	Name() string
	// Parameters are the physical parameter names consumed, in column order.
	Parameters() []string
	// PrimeParameters are the transformed names produced, in column order.
	PrimeParameters() []string
	Forward(x *mat.Dense) (*mat.Dense, []float64, error)
	Inverse(xp *mat.Dense) (*mat.Dense, []float64, error)
}

// EdgeDetector is implemented by transforms that re-examine the live-point
// distribution near parameter boundaries at each training event.
type EdgeDetector interface {
	// UpdateEdges recomputes edge flags from a batch of physical samples.
	UpdateEdges(x *mat.Dense)
	// Edges reports the currently detected edge per parameter.
	Edges() map[string]Edge
}

// Duplicator is implemented by transforms whose boundary inversion works by
// duplicating training samples across the detected boundary. Mirror returns
// the reflected copy of a prime-space block, or ok=false when no inversion
// is active.
type Duplicator interface {
	Mirror(xp *mat.Dense) (out *mat.Dense, ok bool)
}
// #endregion interface

// #region edge
// Edge flags which boundary of a parameter accumulates probability mass.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeLower
	EdgeUpper
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeLower:
		return "lower"
	case EdgeUpper:
		return "upper"
	case EdgeBoth:
		return "both"
	default:
		return "none"
	}
}
// #endregion edge

// #region domain-error
// DomainError reports a transform input outside its declared domain.
// Callers recover by discarding the offending point.
type DomainError struct {
	Reparam string
	Param   string
	Value   float64
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: value %g outside domain of %s", e.Reparam, e.Value, e.Param)
}
// #endregion domain-error

// #region options
// Options mirrors the keyword arguments accepted by the reparameterisation
// constructors. Zero values mean "use the transform's default".
type Options struct {
	DetectEdges       bool    `json:"detect_edges,omitempty"`
	BoundaryInversion bool    `json:"boundary_inversion,omitempty"`
	InversionType     string  `json:"inversion_type,omitempty"`
	Offset            bool    `json:"offset,omitempty"`
	Scale             float64 `json:"scale,omitempty"`
	Prior             string  `json:"prior,omitempty"`
}

// merged overlays non-zero fields of o on top of def.
func (o Options) merged(def Options) Options {
	out := def
	if o.DetectEdges {
		out.DetectEdges = true
	}
	if o.BoundaryInversion {
		out.BoundaryInversion = true
	}
	if o.InversionType != "" {
		out.InversionType = o.InversionType
	}
	if o.Offset {
		out.Offset = true
	}
	if o.Scale != 0 {
		out.Scale = o.Scale
	}
	if o.Prior != "" {
		out.Prior = o.Prior
	}
	return out
}
// #endregion options
