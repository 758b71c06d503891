package reparam

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Angular transforms embed periodic parameters in Cartesian coordinates so
// the flow never sees a branch cut. The radial coordinate is auxiliary:
// drawn from a chi distribution on the forward pass, recovered from the
// Cartesian point on the inverse. Its density enters the returned
// correction with the same sign in both directions; see the package doc.

// #region angle
// Angle maps a single angle on [0, 2*pi/scale] to a point in the plane.
type Angle struct {
	name   string
	param  string
	scale  float64
	prior  string
	rng    *rand.Rand
	primes []string
}

// NewAngle builds an angle-to-Cartesian transform for one parameter.
// Options.Scale defaults to 1 (a full [0, 2*pi] angle); scale 2 covers
// angles on [0, pi]. Options.Prior records the angle's prior type.
func NewAngle(name string, params []string, opts Options, rng *rand.Rand) (*Angle, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("angle %s: expected exactly one parameter, got %d", name, len(params))
	}
	if rng == nil {
		return nil, fmt.Errorf("angle %s: requires an RNG for the radial draw", name)
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}
	if name == "" {
		name = "angle"
	}
	p := params[0]
	return &Angle{
		name:   name,
		param:  p,
		scale:  scale,
		prior:  opts.Prior,
		rng:    rng,
		primes: []string{p + "_x", p + "_y"},
	}, nil
}

func (a *Angle) Name() string              { return a.name }
func (a *Angle) Parameters() []string      { return []string{a.param} }
func (a *Angle) PrimeParameters() []string { return append([]string(nil), a.primes...) }

// Prior reports the configured prior type for the angle ("uniform", "sine"
// or empty).
func (a *Angle) Prior() string { return a.prior }

func (a *Angle) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := x.Dims()
	if cols != 1 {
		return nil, nil, fmt.Errorf("%s: expected 1 column, got %d", a.name, cols)
	}
	max := 2 * math.Pi / a.scale
	out := mat.NewDense(rows, 2, nil)
	logJ := make([]float64, rows)
	for i := 0; i < rows; i++ {
		theta := x.At(i, 0)
		if theta < 0 || theta > max {
			return nil, nil, &DomainError{Reparam: a.name, Param: a.param, Value: theta}
		}
		ts := theta * a.scale
		r := chi2Draw(a.rng)
		out.Set(i, 0, r*math.Cos(ts))
		out.Set(i, 1, r*math.Sin(ts))
		logJ[i] = -r*r/2 - math.Log(a.scale)
	}
	return out, logJ, nil
}

func (a *Angle) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := xp.Dims()
	if cols != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 columns, got %d", a.name, cols)
	}
	out := mat.NewDense(rows, 1, nil)
	logJ := make([]float64, rows)
	for i := 0; i < rows; i++ {
		cx, cy := xp.At(i, 0), xp.At(i, 1)
		r := math.Hypot(cx, cy)
		if r == 0 {
			return nil, nil, &DomainError{Reparam: a.name, Param: a.param, Value: 0}
		}
		ts := math.Atan2(cy, cx)
		if ts < 0 {
			ts += 2 * math.Pi
		}
		out.Set(i, 0, ts/a.scale)
		logJ[i] = -r*r/2 - math.Log(a.scale)
	}
	return out, logJ, nil
}

// chi2Draw samples the chi distribution with 2 degrees of freedom
// (a Rayleigh radial) by inverse CDF.
func chi2Draw(rng *rand.Rand) float64 {
	u := rng.Float64()
	return math.Sqrt(-2 * math.Log1p(-u))
}
// #endregion angle

// #region angle-pair
// AnglePair jointly maps an azimuth on [0, 2*pi] and an elevation on
// [-pi/2, pi/2] to a point in three dimensions, avoiding the coupled
// branch cuts of sky-position style parameter pairs.
type AnglePair struct {
	name      string
	azimuth   string
	elevation string
	rng       *rand.Rand
	primes    []string
}

// NewAnglePair builds the transform. The first parameter is the azimuth,
// the second the elevation.
func NewAnglePair(name string, params []string, rng *rand.Rand) (*AnglePair, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("angle-pair %s: expected exactly two parameters, got %d", name, len(params))
	}
	if rng == nil {
		return nil, fmt.Errorf("angle-pair %s: requires an RNG for the radial draw", name)
	}
	if name == "" {
		name = "angle-pair"
	}
	az := params[0]
	return &AnglePair{
		name:      name,
		azimuth:   az,
		elevation: params[1],
		rng:       rng,
		primes:    []string{az + "_x", az + "_y", az + "_z"},
	}, nil
}

func (a *AnglePair) Name() string              { return a.name }
func (a *AnglePair) Parameters() []string      { return []string{a.azimuth, a.elevation} }
func (a *AnglePair) PrimeParameters() []string { return append([]string(nil), a.primes...) }

// logChi3Norm is log sqrt(2/pi), the chi distribution (3 dof) prefactor.
var logChi3Norm = 0.5 * math.Log(2/math.Pi)

func (a *AnglePair) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := x.Dims()
	if cols != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 columns, got %d", a.name, cols)
	}
	const tol = 1e-12
	out := mat.NewDense(rows, 3, nil)
	logJ := make([]float64, rows)
	for i := 0; i < rows; i++ {
		az := x.At(i, 0)
		el := x.At(i, 1)
		if az < -tol || az > 2*math.Pi+tol {
			return nil, nil, &DomainError{Reparam: a.name, Param: a.azimuth, Value: az}
		}
		if el < -math.Pi/2-tol || el > math.Pi/2+tol {
			return nil, nil, &DomainError{Reparam: a.name, Param: a.elevation, Value: el}
		}
		// chi with 3 dof: radius of a standard 3d normal
		g0, g1, g2 := a.rng.NormFloat64(), a.rng.NormFloat64(), a.rng.NormFloat64()
		r := math.Sqrt(g0*g0 + g1*g1 + g2*g2)
		cosEl := math.Cos(el)
		out.Set(i, 0, r*cosEl*math.Cos(az))
		out.Set(i, 1, r*cosEl*math.Sin(az))
		out.Set(i, 2, r*math.Sin(el))
		logJ[i] = logChi3Norm - r*r/2 - math.Log(math.Max(cosEl, 1e-300))
	}
	return out, logJ, nil
}

func (a *AnglePair) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := xp.Dims()
	if cols != 3 {
		return nil, nil, fmt.Errorf("%s: expected 3 columns, got %d", a.name, cols)
	}
	out := mat.NewDense(rows, 2, nil)
	logJ := make([]float64, rows)
	for i := 0; i < rows; i++ {
		cx, cy, cz := xp.At(i, 0), xp.At(i, 1), xp.At(i, 2)
		r := math.Sqrt(cx*cx + cy*cy + cz*cz)
		if r == 0 {
			return nil, nil, &DomainError{Reparam: a.name, Param: a.azimuth, Value: 0}
		}
		az := math.Atan2(cy, cx)
		if az < 0 {
			az += 2 * math.Pi
		}
		sinEl := cz / r
		if sinEl > 1 {
			sinEl = 1
		} else if sinEl < -1 {
			sinEl = -1
		}
		el := math.Asin(sinEl)
		out.Set(i, 0, az)
		out.Set(i, 1, el)
		cosEl := math.Cos(el)
		logJ[i] = logChi3Norm - r*r/2 - math.Log(math.Max(cosEl, 1e-300))
	}
	return out, logJ, nil
}
// #endregion angle-pair

// #region to-cartesian
// ToCartesian treats a bounded parameter as a phase: it rescales the prior
// support onto [0, 2*pi] and embeds the result in the plane. Useful for
// parameters that are periodic in their bounds but not natively angles.
type ToCartesian struct {
	name   string
	param  string
	lo, hi float64
	rng    *rand.Rand
	primes []string
}

// NewToCartesian builds the transform; bounds for the parameter are required.
func NewToCartesian(name string, params []string, bounds map[string][2]float64, rng *rand.Rand) (*ToCartesian, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("to-cartesian %s: expected exactly one parameter, got %d", name, len(params))
	}
	if rng == nil {
		return nil, fmt.Errorf("to-cartesian %s: requires an RNG for the radial draw", name)
	}
	p := params[0]
	b, ok := bounds[p]
	if !ok {
		return nil, fmt.Errorf("to-cartesian %s: missing bounds for %s", name, p)
	}
	if !(b[1] > b[0]) {
		return nil, fmt.Errorf("to-cartesian %s: invalid bounds [%g, %g] for %s", name, b[0], b[1], p)
	}
	if name == "" {
		name = "to-cartesian"
	}
	return &ToCartesian{
		name:   name,
		param:  p,
		lo:     b[0],
		hi:     b[1],
		rng:    rng,
		primes: []string{p + "_x", p + "_y"},
	}, nil
}

func (t *ToCartesian) Name() string              { return t.name }
func (t *ToCartesian) Parameters() []string      { return []string{t.param} }
func (t *ToCartesian) PrimeParameters() []string { return append([]string(nil), t.primes...) }

func (t *ToCartesian) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := x.Dims()
	if cols != 1 {
		return nil, nil, fmt.Errorf("%s: expected 1 column, got %d", t.name, cols)
	}
	w := t.hi - t.lo
	out := mat.NewDense(rows, 2, nil)
	logJ := make([]float64, rows)
	for i := 0; i < rows; i++ {
		v := x.At(i, 0)
		if v < t.lo || v > t.hi {
			return nil, nil, &DomainError{Reparam: t.name, Param: t.param, Value: v}
		}
		theta := 2 * math.Pi * (v - t.lo) / w
		r := chi2Draw(t.rng)
		out.Set(i, 0, r*math.Cos(theta))
		out.Set(i, 1, r*math.Sin(theta))
		logJ[i] = math.Log(w/(2*math.Pi)) - r*r/2
	}
	return out, logJ, nil
}

func (t *ToCartesian) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := xp.Dims()
	if cols != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 columns, got %d", t.name, cols)
	}
	w := t.hi - t.lo
	out := mat.NewDense(rows, 1, nil)
	logJ := make([]float64, rows)
	for i := 0; i < rows; i++ {
		cx, cy := xp.At(i, 0), xp.At(i, 1)
		r := math.Hypot(cx, cy)
		if r == 0 {
			return nil, nil, &DomainError{Reparam: t.name, Param: t.param, Value: 0}
		}
		theta := math.Atan2(cy, cx)
		if theta < 0 {
			theta += 2 * math.Pi
		}
		out.Set(i, 0, t.lo+w*theta/(2*math.Pi))
		logJ[i] = math.Log(w/(2*math.Pi)) - r*r/2
	}
	return out, logJ, nil
}
// #endregion to-cartesian
