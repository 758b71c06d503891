// Package sampling provides the latent-space draw functions used to seed
// flow proposals before training and to sample the latent space afterwards.
//
// All draws share the signature (dims, r, n, fuzz); variants that do not
// use r or fuzz accept and ignore them so the functions are interchangeable.
package sampling

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// #region draw-func
// DrawFunc is the common capability shared by all draw variants.
// Returns an (n x dims) matrix, one sample per row.
type DrawFunc func(dims int, r float64, n int, fuzz float64, rng *rand.Rand) *mat.Dense

// ByName resolves a latent prior name to its draw function.
func ByName(name string) (DrawFunc, error) {
	switch name {
	case "uniform":
		return DrawUniform, nil
	case "gaussian":
		return DrawGaussian, nil
	case "nsphere":
		return DrawNSphere, nil
	case "truncated_gaussian", "":
		return DrawTruncatedGaussian, nil
	default:
		return nil, fmt.Errorf("unknown latent prior: %s", name)
	}
}
// #endregion draw-func

// #region uniform
// DrawUniform draws n points uniformly from the unit hypercube [0, 1]^dims.
// r and fuzz are ignored.
func DrawUniform(dims int, r float64, n int, fuzz float64, rng *rand.Rand) *mat.Dense {
	m := mat.NewDense(n, dims, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dims; j++ {
			m.Set(i, j, rng.Float64())
		}
	}
	return m
}
// #endregion uniform

// #region gaussian
// DrawGaussian draws n points from a standard normal in dims dimensions.
// r and fuzz are ignored.
func DrawGaussian(dims int, r float64, n int, fuzz float64, rng *rand.Rand) *mat.Dense {
	m := mat.NewDense(n, dims, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dims; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}
// #endregion gaussian

// #region surface-nsphere
// DrawSurfaceNSphere draws n points uniformly on the surface of an
// (dims-1)-sphere of radius r using Marsaglia's method. fuzz is ignored.
func DrawSurfaceNSphere(dims int, r float64, n int, fuzz float64, rng *rand.Rand) *mat.Dense {
	m := mat.NewDense(n, dims, nil)
	for i := 0; i < n; i++ {
		var norm float64
		row := m.RawRowView(i)
		for j := 0; j < dims; j++ {
			row[j] = rng.NormFloat64()
			norm += row[j] * row[j]
		}
		norm = math.Sqrt(norm)
		for j := 0; j < dims; j++ {
			row[j] *= r / norm
		}
	}
	return m
}
// #endregion surface-nsphere

// #region nsphere
// DrawNSphere draws n points uniformly within an n-ball of radius fuzz*r.
func DrawNSphere(dims int, r float64, n int, fuzz float64, rng *rand.Rand) *mat.Dense {
	m := DrawSurfaceNSphere(dims, 1, n, 1, rng)
	for i := 0; i < n; i++ {
		scale := fuzz * r * math.Pow(rng.Float64(), 1/float64(dims))
		row := m.RawRowView(i)
		for j := 0; j < dims; j++ {
			row[j] *= scale
		}
	}
	return m
}
// #endregion nsphere

// #region truncated-gaussian
// DrawTruncatedGaussian draws n points from a standard normal truncated at
// radius fuzz*r. The radial component is drawn by inverse-CDF of the chi
// distribution with dims degrees of freedom, the direction uniformly.
func DrawTruncatedGaussian(dims int, r float64, n int, fuzz float64, rng *rand.Rand) *mat.Dense {
	r *= fuzz
	k := float64(dims) / 2
	// chi CDF/quantile via the chi-squared relation: P(R <= r) = P(R^2 <= r^2).
	uMax := mathext.GammaIncReg(k, r*r/2)
	m := DrawSurfaceNSphere(dims, 1, n, 1, rng)
	for i := 0; i < n; i++ {
		u := rng.Float64() * uMax
		radius := math.Sqrt(2 * mathext.GammaIncRegInv(k, u))
		row := m.RawRowView(i)
		for j := 0; j < dims; j++ {
			row[j] *= radius
		}
	}
	return m
}
// #endregion truncated-gaussian
