package flows

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func flowRNG() *rand.Rand {
	return rand.New(rand.NewPCG(41, 43))
}

func smallFlow(t *testing.T, dim int) *Flow {
	t.Helper()
	f, err := NewFlow(Config{Blocks: 2, Layers: 1, Neurons: 8, FType: "realnvp"}, dim, flowRNG())
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f
}

func TestNewFlowValidation(t *testing.T) {
	rng := flowRNG()
	if _, err := NewFlow(DefaultConfig(), 1, rng); err == nil {
		t.Fatal("expected error for dim < 2")
	}
	if _, err := NewFlow(Config{Blocks: 2, Layers: 1, Neurons: 8, FType: "maf"}, 2, rng); err == nil {
		t.Fatal("expected error for unknown flow type")
	}
	if _, err := NewFlow(Config{Blocks: 0, Layers: 1, Neurons: 8}, 2, rng); err == nil {
		t.Fatal("expected error for zero blocks")
	}
	if _, err := NewFlow(DefaultConfig(), 2, nil); err == nil {
		t.Fatal("expected error for nil rng")
	}
}

func TestForwardInverseRoundTrip(t *testing.T) {
	f := smallFlow(t, 4)
	rng := flowRNG()
	x := mat.NewDense(16, 4, nil)
	for i := 0; i < 16; i++ {
		for j := 0; j < 4; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	z, logDetF := f.Forward(x)
	back, logDetI := f.Inverse(z)
	if !mat.EqualApprox(back, x, 1e-8) {
		t.Fatal("inverse did not recover the forward input")
	}
	for i := range logDetF {
		if s := logDetF[i] + logDetI[i]; math.Abs(s) > 1e-8 {
			t.Fatalf("row %d log-determinants should cancel, sum %g", i, s)
		}
	}
}

func TestLogProbMatchesChangeOfVariables(t *testing.T) {
	f := smallFlow(t, 2)
	x := mat.NewDense(3, 2, []float64{0.1, -0.4, 1.2, 0.3, -0.7, 0.9})
	lp := f.LogProb(x)
	z, logDet := f.Forward(x)
	for i := range lp {
		want := baseLogProb(z.RawRowView(i)) + logDet[i]
		if math.Abs(lp[i]-want) > 1e-12 {
			t.Fatalf("row %d: LogProb %g, want %g", i, lp[i], want)
		}
	}
}

func TestSampleLatentConsistentWithLogProb(t *testing.T) {
	f := smallFlow(t, 3)
	rng := flowRNG()
	z := mat.NewDense(8, 3, nil)
	for i := 0; i < 8; i++ {
		for j := 0; j < 3; j++ {
			z.Set(i, j, rng.NormFloat64())
		}
	}
	x, lq := f.SampleLatent(z)
	lp := f.LogProb(x)
	for i := range lq {
		if math.Abs(lq[i]-lp[i]) > 1e-8 {
			t.Fatalf("row %d: SampleLatent density %g, LogProb %g", i, lq[i], lp[i])
		}
	}
}

func TestSampleShape(t *testing.T) {
	f := smallFlow(t, 5)
	x, lp := f.Sample(12)
	rows, cols := x.Dims()
	if rows != 12 || cols != 5 {
		t.Fatalf("expected 12x5, got %dx%d", rows, cols)
	}
	if len(lp) != 12 {
		t.Fatalf("expected 12 densities, got %d", len(lp))
	}
	for i, v := range lp {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite density %g at row %d", v, i)
		}
	}
}

func TestOddDimensionCouplings(t *testing.T) {
	// odd dims split unevenly; round trip must still hold
	f := smallFlow(t, 3)
	x := mat.NewDense(4, 3, []float64{
		0.5, -0.2, 1.0,
		-1.1, 0.8, 0.1,
		0.0, 0.0, 0.0,
		2.0, -2.0, 0.5,
	})
	z, _ := f.Forward(x)
	back, _ := f.Inverse(z)
	if !mat.EqualApprox(back, x, 1e-8) {
		t.Fatal("odd-dimension round trip failed")
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := smallFlow(t, 2)
	x := mat.NewDense(1, 2, []float64{0.4, -0.6})
	before := f.LogProb(x)[0]

	snap := f.snapshot()
	// perturb every weight
	for _, l := range f.linears() {
		r, c := l.w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				l.w.Set(i, j, l.w.At(i, j)+0.5)
			}
		}
	}
	if f.LogProb(x)[0] == before {
		t.Fatal("perturbation had no effect")
	}
	f.restore(snap)
	if got := f.LogProb(x)[0]; got != before {
		t.Fatalf("restore did not recover weights: %g != %g", got, before)
	}
}
