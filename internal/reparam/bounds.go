package reparam

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// #region rescale-to-bounds
// RescaleToBounds maps bounded parameters onto a fixed interval: [-1, 1]
// normally, or [0, 1] when boundary inversion is enabled. With edge
// detection on, the empirical distribution near each bound is re-examined
// at every training event and an inversion (split or duplicate) is applied
// to parameters whose mass accumulates at a single boundary.
type RescaleToBounds struct {
	name   string
	params []string
	primes []string
	bounds map[string][2]float64

	offset  bool
	offsets []float64

	detectEdges   bool
	inversion     bool
	inversionType string // "split" or "duplicate"
	edges         []Edge

	rng *rand.Rand
}

// NewRescaleToBounds builds the transform. Bounds are required for every
// parameter. InversionType defaults to "split" when inversion is enabled.
func NewRescaleToBounds(name string, params []string, bounds map[string][2]float64, opts Options, rng *rand.Rand) (*RescaleToBounds, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("rescale-to-bounds %s: no parameters", name)
	}
	if name == "" {
		name = "rescale-to-bounds"
	}
	r := &RescaleToBounds{
		name:          name,
		params:        append([]string(nil), params...),
		primes:        make([]string, len(params)),
		bounds:        make(map[string][2]float64, len(params)),
		offset:        opts.Offset,
		offsets:       make([]float64, len(params)),
		detectEdges:   opts.DetectEdges,
		inversion:     opts.BoundaryInversion,
		inversionType: opts.InversionType,
		edges:         make([]Edge, len(params)),
		rng:           rng,
	}
	if r.inversion && r.inversionType == "" {
		r.inversionType = "split"
	}
	if r.inversion && r.inversionType != "split" && r.inversionType != "duplicate" {
		return nil, fmt.Errorf("rescale-to-bounds %s: unknown inversion type %q", name, r.inversionType)
	}
	if r.inversion && rng == nil {
		return nil, fmt.Errorf("rescale-to-bounds %s: boundary inversion requires an RNG", name)
	}
	for i, p := range params {
		b, ok := bounds[p]
		if !ok {
			return nil, fmt.Errorf("rescale-to-bounds %s: missing bounds for %s", name, p)
		}
		if !(b[1] > b[0]) {
			return nil, fmt.Errorf("rescale-to-bounds %s: invalid bounds [%g, %g] for %s", name, b[0], b[1], p)
		}
		r.bounds[p] = b
		r.primes[i] = p + "_prime"
		if r.offset {
			r.offsets[i] = b[0] + (b[1]-b[0])/2
		}
	}
	return r, nil
}

func (r *RescaleToBounds) Name() string              { return r.name }
func (r *RescaleToBounds) Parameters() []string      { return append([]string(nil), r.params...) }
func (r *RescaleToBounds) PrimeParameters() []string { return append([]string(nil), r.primes...) }

// activeEdge reports the edge used for inversion on parameter j. Inversion
// only applies when a single boundary is flagged; "both" is left alone.
func (r *RescaleToBounds) activeEdge(j int) Edge {
	if !r.inversion {
		return EdgeNone
	}
	switch r.edges[j] {
	case EdgeLower, EdgeUpper:
		return r.edges[j]
	default:
		return EdgeNone
	}
}

// toUnit maps a physical value to [0, 1], subtracting any offset first to
// preserve precision for parameters with large absolute values.
func (r *RescaleToBounds) toUnit(j int, v float64) float64 {
	b := r.bounds[r.params[j]]
	w := b[1] - b[0]
	if r.offset {
		return ((v - r.offsets[j]) - (b[0] - r.offsets[j])) / w
	}
	return (v - b[0]) / w
}

func (r *RescaleToBounds) fromUnit(j int, u float64) float64 {
	b := r.bounds[r.params[j]]
	w := b[1] - b[0]
	if r.offset {
		return r.offsets[j] + (b[0]-r.offsets[j]) + u*w
	}
	return b[0] + u*w
}

// Forward maps physical values into the rescaled interval. With split
// inversion active on a parameter, each sample lands on a randomly chosen
// side of the mirrored boundary.
func (r *RescaleToBounds) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := x.Dims()
	if cols != len(r.params) {
		return nil, nil, fmt.Errorf("%s: expected %d columns, got %d", r.name, len(r.params), cols)
	}
	out := mat.NewDense(rows, cols, nil)
	logJ := make([]float64, rows)
	for j := 0; j < cols; j++ {
		b := r.bounds[r.params[j]]
		w := b[1] - b[0]
		edge := r.activeEdge(j)
		var perRow float64
		if r.inversion {
			perRow = -math.Log(w)
		} else {
			perRow = math.Log(2 / w)
		}
		for i := 0; i < rows; i++ {
			v := x.At(i, j)
			if v < b[0] || v > b[1] {
				return nil, nil, &DomainError{Reparam: r.name, Param: r.params[j], Value: v}
			}
			u := r.toUnit(j, v)
			if r.inversion {
				if edge == EdgeUpper {
					u = 1 - u
				}
				if edge != EdgeNone && r.inversionType == "split" && r.rng.Float64() < 0.5 {
					u = -u
				}
			} else {
				u = 2*u - 1
			}
			out.Set(i, j, u)
			logJ[i] += perRow
		}
	}
	return out, logJ, nil
}

// Inverse maps rescaled values back to physical coordinates, folding any
// mirrored samples back into the unit interval first.
func (r *RescaleToBounds) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	rows, cols := xp.Dims()
	if cols != len(r.params) {
		return nil, nil, fmt.Errorf("%s: expected %d columns, got %d", r.name, len(r.params), cols)
	}
	const tol = 1e-9
	out := mat.NewDense(rows, cols, nil)
	logJ := make([]float64, rows)
	for j := 0; j < cols; j++ {
		b := r.bounds[r.params[j]]
		w := b[1] - b[0]
		edge := r.activeEdge(j)
		var perRow float64
		if r.inversion {
			perRow = math.Log(w)
		} else {
			perRow = math.Log(w / 2)
		}
		for i := 0; i < rows; i++ {
			u := xp.At(i, j)
			if r.inversion {
				lo := 0.0
				if edge != EdgeNone {
					lo = -1.0
				}
				if u < lo-tol || u > 1+tol {
					return nil, nil, &DomainError{Reparam: r.name, Param: r.params[j], Value: u}
				}
				if edge != EdgeNone {
					u = math.Abs(u)
				}
				if edge == EdgeUpper {
					u = 1 - u
				}
			} else {
				if u < -1-tol || u > 1+tol {
					return nil, nil, &DomainError{Reparam: r.name, Param: r.params[j], Value: u}
				}
				u = (u + 1) / 2
			}
			if u < 0 {
				u = 0
			} else if u > 1 {
				u = 1
			}
			out.Set(i, j, r.fromUnit(j, u))
			logJ[i] += perRow
		}
	}
	return out, logJ, nil
}

// Mirror returns the reflected copy of a prime-space block for
// duplicate-type inversion. ok is false when no parameter has an active
// edge or the inversion type is not "duplicate".
func (r *RescaleToBounds) Mirror(xp *mat.Dense) (*mat.Dense, bool) {
	if !r.inversion || r.inversionType != "duplicate" {
		return nil, false
	}
	any := false
	for j := range r.params {
		if r.activeEdge(j) != EdgeNone {
			any = true
			break
		}
	}
	if !any {
		return nil, false
	}
	rows, cols := xp.Dims()
	out := mat.DenseCopyOf(xp)
	for j := 0; j < cols; j++ {
		if r.activeEdge(j) == EdgeNone {
			continue
		}
		for i := 0; i < rows; i++ {
			out.Set(i, j, -xp.At(i, j))
		}
	}
	return out, true
}
// #endregion rescale-to-bounds

// #region edge-detection
// UpdateEdges recomputes the per-parameter edge flags from a batch of
// physical samples. Pure function of the batch and the configured bounds;
// called once per training event.
func (r *RescaleToBounds) UpdateEdges(x *mat.Dense) {
	if !r.detectEdges {
		return
	}
	rows, cols := x.Dims()
	if cols != len(r.params) {
		return
	}
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = r.toUnit(j, x.At(i, j))
		}
		r.edges[j] = detectEdge(col)
	}
}

// Edges reports the detected edge per parameter.
func (r *RescaleToBounds) Edges() map[string]Edge {
	out := make(map[string]Edge, len(r.params))
	for j, p := range r.params {
		out[p] = r.edges[j]
	}
	return out
}

// detectEdge histograms unit-interval samples and flags a boundary whose
// bin holds at least half the mass of the fullest bin.
func detectEdge(unit []float64) Edge {
	const nbins = 10
	const cutoff = 0.5
	if len(unit) < 2*nbins {
		return EdgeNone
	}
	var counts [nbins]int
	for _, u := range unit {
		k := int(u * nbins)
		if k < 0 {
			k = 0
		} else if k >= nbins {
			k = nbins - 1
		}
		counts[k]++
	}
	maxc := 0
	for _, c := range counts {
		if c > maxc {
			maxc = c
		}
	}
	lower := float64(counts[0]) >= cutoff*float64(maxc)
	upper := float64(counts[nbins-1]) >= cutoff*float64(maxc)
	switch {
	case lower && upper:
		return EdgeBoth
	case lower:
		return EdgeLower
	case upper:
		return EdgeUpper
	default:
		return EdgeNone
	}
}
// #endregion edge-detection
