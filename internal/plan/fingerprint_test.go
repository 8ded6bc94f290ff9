package plan

import (
	"math"
	"testing"
)

var loginFix = New(
	"ash", "Fix the flaky login test in auth service",
	"critic", "Review the patch for the login fix",
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(loginFix)
	b := Fingerprint(loginFix)
	if a != b {
		t.Fatalf("Fingerprint not deterministic: %s vs %s", a, b)
	}
	if got := Similarity(a, b); got != 1.0 {
		t.Errorf("Similarity(p, p) = %v, want 1.0", got)
	}
	if a.IsZero() {
		t.Error("non-empty plan produced zero digest")
	}
}

func TestFingerprint_NormalizesWording(t *testing.T) {
	reworded := New(
		"ash", "fix flaky LOGIN test, auth service",
		"critic", "review login fix patch",
	)
	if Fingerprint(reworded) != Fingerprint(loginFix) {
		t.Error("case, punctuation and stop words should not change the fingerprint")
	}
}

func TestFingerprint_EmptyPlan(t *testing.T) {
	d := Fingerprint(Plan{})
	if !d.IsZero() {
		t.Errorf("empty plan digest = %s, want zero", d)
	}
	if got := Similarity(d, d); got != 1.0 {
		t.Errorf("Similarity(zero, zero) = %v, want 1.0", got)
	}
}

func TestSimilarity_Ordering(t *testing.T) {
	base := Fingerprint(loginFix)

	tests := []struct {
		name    string
		plan    Plan
		atLeast float64
		below   float64
	}{
		{
			name: "one extra keyword",
			plan: New(
				"ash", "Fix the flaky login test in auth service module",
				"critic", "Review the patch for the login fix",
			),
			atLeast: 0.85,
			below:   1.0,
		},
		{
			name: "light edits across steps",
			plan: New(
				"ash", "Fix the flaky login tests in the auth service",
				"critic", "Review patch for login fixes quickly",
			),
			atLeast: 0.85,
			below:   1.0,
		},
		{
			name: "same agents different work",
			plan: New(
				"ash", "Migrate database schema to postgres",
				"critic", "Audit migration scripts carefully",
			),
			atLeast: 0,
			below:   0.85,
		},
		{
			name: "unrelated",
			plan: New(
				"nova", "Write release notes for version two",
				"hal", "Publish the changelog to docs site",
			),
			atLeast: 0,
			below:   0.2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(base, Fingerprint(tt.plan))
			if got < tt.atLeast || got >= tt.below {
				t.Errorf("Similarity = %.4f, want in [%.2f, %.2f)", got, tt.atLeast, tt.below)
			}
		})
	}
}

func TestRawAgreement(t *testing.T) {
	var zero Digest
	full := Digest{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}
	half := Digest{^uint64(0), ^uint64(0), 0, 0}

	if got := RawAgreement(zero, full); got != 0 {
		t.Errorf("RawAgreement(zero, full) = %v, want 0", got)
	}
	if got := RawAgreement(zero, half); got != 0.5 {
		t.Errorf("RawAgreement(zero, half) = %v, want 0.5", got)
	}
	if got := RawAgreement(half, half); got != 1 {
		t.Errorf("RawAgreement(half, half) = %v, want 1", got)
	}
}

func TestCurve_Apply(t *testing.T) {
	c := DefaultCurve()
	tests := []struct {
		raw  float64
		want float64
	}{
		{0, 0},
		{0.3, 0},
		{0.5, 0},
		{0.75, 1 - math.Pow(0.5, 1.8)},
		{0.9, 1 - math.Pow(0.2, 1.8)},
		{1, 1},
	}
	for _, tt := range tests {
		if got := c.Apply(tt.raw); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Apply(%v) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	// The boost lifts every above-pivot value over the linear rescale.
	for raw := 0.55; raw < 1; raw += 0.05 {
		linear := (raw - c.Pivot) / (1 - c.Pivot)
		if got := c.Apply(raw); got <= linear {
			t.Errorf("Apply(%v) = %v, not boosted above linear %v", raw, got, linear)
		}
	}
}

func TestCurve_Validate(t *testing.T) {
	tests := []struct {
		curve   Curve
		wantErr bool
	}{
		{DefaultCurve(), false},
		{Curve{Pivot: 0, Steepness: 1}, false},
		{Curve{Pivot: 1, Steepness: 2}, true},
		{Curve{Pivot: -0.1, Steepness: 2}, true},
		{Curve{Pivot: 0.5, Steepness: 0.5}, true},
	}
	for _, tt := range tests {
		if err := tt.curve.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%+v.Validate() error = %v, wantErr %v", tt.curve, err, tt.wantErr)
		}
	}

	steep := Curve{Pivot: 0.5, Steepness: 4}
	if steep.Apply(0.75) <= DefaultCurve().Apply(0.75) {
		t.Error("a steeper curve should boost more")
	}
}

func TestDigest_StringRoundTrip(t *testing.T) {
	d := Fingerprint(loginFix)
	s := d.String()
	if len(s) != 64 {
		t.Fatalf("len(String()) = %d, want 64", len(s))
	}
	back, err := ParseDigest(s)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if back != d {
		t.Errorf("ParseDigest(String()) = %s, want %s", back, d)
	}

	if _, err := ParseDigest("zz"); err == nil {
		t.Error("ParseDigest should reject non-hex input")
	}
	if _, err := ParseDigest("abcd"); err == nil {
		t.Error("ParseDigest should reject short input")
	}
}
