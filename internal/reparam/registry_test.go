package reparam

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestResolveKnownAliases(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		def  Options
	}{
		{"default", KindRescaleToBounds, Options{}},
		{"rescaletobounds", KindRescaleToBounds, Options{}},
		{"rescale-to-bounds", KindRescaleToBounds, Options{}},
		{"offset", KindRescaleToBounds, Options{Offset: true}},
		{"inversion", KindRescaleToBounds, Options{DetectEdges: true, BoundaryInversion: true, InversionType: "split"}},
		{"inversion-duplicate", KindRescaleToBounds, Options{DetectEdges: true, BoundaryInversion: true, InversionType: "duplicate"}},
		{"scale", KindRescale, Options{}},
		{"rescale", KindRescale, Options{}},
		{"angle", KindAngle, Options{}},
		{"angle-pi", KindAngle, Options{Scale: 2.0, Prior: "uniform"}},
		{"angle-2pi", KindAngle, Options{Scale: 1.0, Prior: "uniform"}},
		{"angle-sine", KindAngle, Options{Scale: 1.0, Prior: "sine"}},
		{"angle-pair", KindAnglePair, Options{}},
		{"to-cartesian", KindToCartesian, Options{}},
		{"none", KindNull, Options{}},
		{"null", KindNull, Options{}},
	}
	for _, tc := range cases {
		reg, err := Resolve(tc.name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.name, err)
		}
		if reg.Kind != tc.kind {
			t.Fatalf("Resolve(%q): kind %v, want %v", tc.name, reg.Kind, tc.kind)
		}
		if reg.Defaults != tc.def {
			t.Fatalf("Resolve(%q): defaults %+v, want %+v", tc.name, reg.Defaults, tc.def)
		}
	}
}

func TestResolveNormalisesNames(t *testing.T) {
	for _, name := range []string{"Rescale_To_Bounds", "RESCALE-TO-BOUNDS", "rescale_to_bounds"} {
		reg, err := Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if reg.Kind != KindRescaleToBounds {
			t.Fatalf("Resolve(%q): kind %v, want rescale-to-bounds", name, reg.Kind)
		}
	}
	reg, err := Resolve("Angle_Pair")
	if err != nil {
		t.Fatalf("Resolve(Angle_Pair): %v", err)
	}
	if reg.Kind != KindAnglePair {
		t.Fatalf("Resolve(Angle_Pair): kind %v, want angle-pair", reg.Kind)
	}
}

func TestResolveNilIsNull(t *testing.T) {
	reg, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve(nil): %v", err)
	}
	if reg.Kind != KindNull {
		t.Fatalf("Resolve(nil): kind %v, want null", reg.Kind)
	}
}

func TestResolveUnknownName(t *testing.T) {
	_, err := Resolve("shift")
	if err == nil {
		t.Fatal("expected error for unknown name")
	}
	if !errors.Is(err, ErrUnknownReparameterisation) {
		t.Fatalf("expected ErrUnknownReparameterisation, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unknown reparameterisation: shift") {
		t.Fatalf("error should carry the name verbatim, got %q", err.Error())
	}
}

func TestResolveInvalidType(t *testing.T) {
	_, err := Resolve(42)
	if err == nil {
		t.Fatal("expected error for non-reparameterisation value")
	}
	if !errors.Is(err, ErrNotReparameterisation) {
		t.Fatalf("expected ErrNotReparameterisation, got %v", err)
	}
	if !strings.Contains(err.Error(), "Reparameterisation must be") {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}

// stubReparam exercises the custom escape: any value implementing the
// interface is accepted as-is.
type stubReparam struct{}

func (stubReparam) Name() string              { return "stub" }
func (stubReparam) Parameters() []string      { return []string{"x"} }
func (stubReparam) PrimeParameters() []string { return []string{"x"} }
func (stubReparam) Forward(x *mat.Dense) (*mat.Dense, []float64, error) {
	r, _ := x.Dims()
	return x, make([]float64, r), nil
}
func (stubReparam) Inverse(xp *mat.Dense) (*mat.Dense, []float64, error) {
	r, _ := xp.Dims()
	return xp, make([]float64, r), nil
}

func TestResolveCustomValue(t *testing.T) {
	reg, err := Resolve(stubReparam{})
	if err != nil {
		t.Fatalf("Resolve(custom): %v", err)
	}
	if reg.Kind != KindCustom {
		t.Fatalf("expected KindCustom, got %v", reg.Kind)
	}
	built, err := Build(reg, BuildConfig{Name: "stub"})
	if err != nil {
		t.Fatalf("Build(custom): %v", err)
	}
	if built.Name() != "stub" {
		t.Fatalf("expected prototype back, got %q", built.Name())
	}
}

func TestBuildDispatch(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	bounds := map[string][2]float64{"x": {0, 1}, "y": {0, 1}}

	cases := []struct {
		alias  string
		params []string
	}{
		{"null", []string{"x"}},
		{"rescale", []string{"x", "y"}},
		{"default", []string{"x"}},
		{"angle", []string{"x"}},
		{"angle-pair", []string{"x", "y"}},
		{"to-cartesian", []string{"x"}},
	}
	for _, tc := range cases {
		reg, err := Resolve(tc.alias)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.alias, err)
		}
		rep, err := Build(reg, BuildConfig{
			Name:       tc.alias,
			Parameters: tc.params,
			Bounds:     bounds,
			RNG:        rng,
		})
		if err != nil {
			t.Fatalf("Build(%q): %v", tc.alias, err)
		}
		if len(rep.Parameters()) != len(tc.params) {
			t.Fatalf("Build(%q): %d parameters, want %d", tc.alias, len(rep.Parameters()), len(tc.params))
		}
	}
}

func TestBuildOptionsOverlayDefaults(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	reg, err := Resolve("inversion")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// overlay changes the inversion type, keeps the detect-edges default
	rep, err := Build(reg, BuildConfig{
		Name:       "x",
		Parameters: []string{"x"},
		Bounds:     map[string][2]float64{"x": {0, 1}},
		Options:    Options{InversionType: "duplicate"},
		RNG:        rng,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rb, ok := rep.(*RescaleToBounds)
	if !ok {
		t.Fatalf("expected *RescaleToBounds, got %T", rep)
	}
	if rb.inversionType != "duplicate" {
		t.Fatalf("expected duplicate inversion, got %q", rb.inversionType)
	}
	if !rb.detectEdges {
		t.Fatal("expected detect-edges default to survive the overlay")
	}
}
