package points

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// #region space
// Space is an ordered set of named parameters. Column order in sample
// batches always follows the order names were given at construction.
type Space struct {
	names []string
	index map[string]int
}

// NewSpace builds a Space from parameter names. Duplicate names are an error.
func NewSpace(names ...string) (*Space, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("space: no parameter names")
	}
	s := &Space{
		names: append([]string(nil), names...),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		if _, ok := s.index[n]; ok {
			return nil, fmt.Errorf("space: duplicate parameter %q", n)
		}
		s.index[n] = i
	}
	return s, nil
}

// Names returns the parameter names in column order.
func (s *Space) Names() []string {
	return append([]string(nil), s.names...)
}

// Dim returns the number of parameters.
func (s *Space) Dim() int {
	return len(s.names)
}

// Index returns the column index of a parameter name.
func (s *Space) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}
// #endregion space

// #region point
// Point is a single parameter-space sample with its cached log-likelihood
// and log-prior. Points are replaced, never mutated, once inside a live set.
type Point struct {
	Values []float64
	LogL   float64
	LogP   float64
}

// NewPoint copies values into a fresh Point with unset likelihood/prior.
func NewPoint(values []float64) Point {
	return Point{Values: append([]float64(nil), values...)}
}

// Copy returns a deep copy of the point.
func (p Point) Copy() Point {
	q := p
	q.Values = append([]float64(nil), p.Values...)
	return q
}
// #endregion point

// #region batch
// Batch builds an (n x dim) matrix from points, one row per point.
func Batch(s *Space, pts []Point) (*mat.Dense, error) {
	if len(pts) == 0 {
		return nil, fmt.Errorf("batch: no points")
	}
	m := mat.NewDense(len(pts), s.Dim(), nil)
	for i, p := range pts {
		if len(p.Values) != s.Dim() {
			return nil, fmt.Errorf("batch: point %d has %d values, space has %d", i, len(p.Values), s.Dim())
		}
		m.SetRow(i, p.Values)
	}
	return m, nil
}

// FromBatch converts matrix rows back into points.
func FromBatch(m *mat.Dense) []Point {
	n, _ := m.Dims()
	pts := make([]Point, n)
	for i := 0; i < n; i++ {
		pts[i] = NewPoint(m.RawRowView(i))
	}
	return pts
}

// Columns extracts the named columns of a batch as a new matrix, in the
// order given. Used to hand each reparameterisation only its own block.
func Columns(s *Space, m *mat.Dense, names []string) (*mat.Dense, error) {
	n, _ := m.Dims()
	out := mat.NewDense(n, len(names), nil)
	for j, name := range names {
		col, ok := s.Index(name)
		if !ok {
			return nil, fmt.Errorf("columns: unknown parameter %q", name)
		}
		for i := 0; i < n; i++ {
			out.Set(i, j, m.At(i, col))
		}
	}
	return out, nil
}
// #endregion batch
