package model

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestNewGaussianValidation(t *testing.T) {
	if _, err := NewGaussian([]string{"x"}, 5, 5); err == nil {
		t.Fatal("expected error for empty prior range")
	}
	if _, err := NewGaussian(nil, -1, 1); err == nil {
		t.Fatal("expected error for no parameters")
	}
}

func TestGaussianLogPrior(t *testing.T) {
	g, err := NewGaussian([]string{"x", "y"}, -10, 10)
	if err != nil {
		t.Fatalf("NewGaussian: %v", err)
	}
	want := -2 * math.Log(20)
	if lp := g.LogPrior([]float64{0, 0}); math.Abs(lp-want) > 1e-12 {
		t.Fatalf("LogPrior inside support: %g, want %g", lp, want)
	}
	if lp := g.LogPrior([]float64{0, 11}); !math.IsInf(lp, -1) {
		t.Fatalf("LogPrior outside support should be -Inf, got %g", lp)
	}
}

func TestGaussianLogLikelihoodPeak(t *testing.T) {
	g, _ := NewGaussian([]string{"x", "y"}, -10, 10)
	atPeak := g.LogLikelihood([]float64{0, 0})
	off := g.LogLikelihood([]float64{1, 1})
	if atPeak <= off {
		t.Fatalf("likelihood should peak at the origin: %g vs %g", atPeak, off)
	}
	// standard normal density at the origin, per dimension
	want := -2 * 0.5 * math.Log(2*math.Pi)
	if math.Abs(atPeak-want) > 1e-9 {
		t.Fatalf("peak log-likelihood %g, want %g", atPeak, want)
	}
}

func TestSamplePriorWithinBounds(t *testing.T) {
	g, _ := NewGaussian([]string{"x", "y", "z"}, -2, 3)
	rng := rand.New(rand.NewPCG(1, 9))
	pts := g.SamplePrior(100, rng)
	if len(pts) != 100 {
		t.Fatalf("expected 100 points, got %d", len(pts))
	}
	for i, p := range pts {
		if len(p.Values) != 3 {
			t.Fatalf("point %d has %d values", i, len(p.Values))
		}
		for _, v := range p.Values {
			if v < -2 || v > 3 {
				t.Fatalf("point %d value %g outside prior", i, v)
			}
		}
		if math.IsInf(p.LogP, -1) {
			t.Fatalf("point %d has -Inf prior", i)
		}
		if p.LogL != g.LogLikelihood(p.Values) {
			t.Fatalf("point %d cached likelihood is stale", i)
		}
	}
}
