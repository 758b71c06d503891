package reparam

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// #region errors
// ErrUnknownReparameterisation is returned by Resolve for names outside the
// known alias table. The wrapped message carries the offending name verbatim.
var ErrUnknownReparameterisation = errors.New("Unknown reparameterisation")

// ErrNotReparameterisation is returned by Resolve for identifiers that are
// neither a known name nor a value satisfying the Reparameterisation
// interface.
var ErrNotReparameterisation = errors.New(
	"Reparameterisation must be a known name or a value implementing the Reparameterisation interface")
// #endregion errors

// #region kind
// Kind enumerates the built-in reparameterisations. KindCustom is the escape
// tag for externally supplied implementations.
type Kind int

const (
	KindNull Kind = iota
	KindRescaleToBounds
	KindRescale
	KindAngle
	KindAnglePair
	KindToCartesian
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindRescaleToBounds:
		return "rescale-to-bounds"
	case KindRescale:
		return "rescale"
	case KindAngle:
		return "angle"
	case KindAnglePair:
		return "angle-pair"
	case KindToCartesian:
		return "to-cartesian"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}
// #endregion kind

// #region registration
// Registration is the result of resolving an identifier: the transform kind
// plus the default options the alias implies. For KindCustom the supplied
// value itself is carried as the prototype.
type Registration struct {
	Kind      Kind
	Defaults  Options
	Prototype Reparameterisation
}
// #endregion registration

// #region alias-table
// known maps normalised alias names to their kind and default options.
// The table is closed; external transforms enter through the KindCustom
// escape in Resolve.
var known = map[string]Registration{
	"default":           {Kind: KindRescaleToBounds},
	"rescaletobounds":   {Kind: KindRescaleToBounds},
	"rescale-to-bounds": {Kind: KindRescaleToBounds},
	"offset":            {Kind: KindRescaleToBounds, Defaults: Options{Offset: true}},
	"inversion": {Kind: KindRescaleToBounds, Defaults: Options{
		DetectEdges: true, BoundaryInversion: true, InversionType: "split"}},
	"inversion-duplicate": {Kind: KindRescaleToBounds, Defaults: Options{
		DetectEdges: true, BoundaryInversion: true, InversionType: "duplicate"}},
	"scale":        {Kind: KindRescale},
	"rescale":      {Kind: KindRescale},
	"angle":        {Kind: KindAngle},
	"angle-pi":     {Kind: KindAngle, Defaults: Options{Scale: 2.0, Prior: "uniform"}},
	"angle-2pi":    {Kind: KindAngle, Defaults: Options{Scale: 1.0, Prior: "uniform"}},
	"angle-sine":   {Kind: KindAngle, Defaults: Options{Scale: 1.0, Prior: "sine"}},
	"angle-pair":   {Kind: KindAnglePair},
	"to-cartesian": {Kind: KindToCartesian},
	"none":         {Kind: KindNull},
	"null":         {Kind: KindNull},
}

// normalise lowercases a name and treats '-' and '_' as equivalent.
func normalise(name string) string {
	s := strings.ToLower(name)
	return strings.ReplaceAll(s, "_", "-")
}
// #endregion alias-table

// #region resolve
// Resolve maps an identifier to a Registration. The identifier may be nil
// (null reparameterisation), a known alias name, or a value implementing
// Reparameterisation. Pure lookup, no side effects.
func Resolve(identifier any) (Registration, error) {
	switch v := identifier.(type) {
	case nil:
		return Registration{Kind: KindNull}, nil
	case string:
		reg, ok := known[normalise(v)]
		if !ok {
			return Registration{}, fmt.Errorf("%w: %s", ErrUnknownReparameterisation, v)
		}
		return reg, nil
	case Reparameterisation:
		return Registration{Kind: KindCustom, Prototype: v}, nil
	default:
		return Registration{}, fmt.Errorf("%w, got %T", ErrNotReparameterisation, identifier)
	}
}
// #endregion resolve

// #region build
// BuildConfig carries everything a transform constructor needs.
type BuildConfig struct {
	// Name labels the transform instance, for logs and errors.
	Name string
	// Parameters are the physical parameters the transform consumes.
	Parameters []string
	// Bounds give the prior support per parameter, where required.
	Bounds map[string][2]float64
	// Options overlay the registration defaults.
	Options Options
	// RNG is used by transforms with stochastic components.
	RNG *rand.Rand
}

// Build constructs a transform from a resolved registration. Options given
// in cfg overlay the registration's defaults.
func Build(reg Registration, cfg BuildConfig) (Reparameterisation, error) {
	opts := cfg.Options.merged(reg.Defaults)
	switch reg.Kind {
	case KindNull:
		return NewNull(cfg.Name, cfg.Parameters)
	case KindRescale:
		return NewRescale(cfg.Name, cfg.Parameters, opts)
	case KindRescaleToBounds:
		return NewRescaleToBounds(cfg.Name, cfg.Parameters, cfg.Bounds, opts, cfg.RNG)
	case KindAngle:
		return NewAngle(cfg.Name, cfg.Parameters, opts, cfg.RNG)
	case KindAnglePair:
		return NewAnglePair(cfg.Name, cfg.Parameters, cfg.RNG)
	case KindToCartesian:
		return NewToCartesian(cfg.Name, cfg.Parameters, cfg.Bounds, cfg.RNG)
	case KindCustom:
		if reg.Prototype == nil {
			return nil, fmt.Errorf("build %s: custom registration without prototype", cfg.Name)
		}
		return reg.Prototype, nil
	default:
		return nil, fmt.Errorf("build %s: unknown kind %d", cfg.Name, reg.Kind)
	}
}
// #endregion build
