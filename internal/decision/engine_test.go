package decision

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/calibration"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/scoring"
)

func newEngine() *Engine {
	return NewEngine(config.DefaultTunables().Decision, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func candidate(abs, relMargin float64) *profile.Profile {
	return &profile.Profile{Label: "1001 - Alice", AbsoluteThreshold: abs, RelativeMargin: relMargin}
}

func result(best, second, disc float64) scoring.Result {
	return scoring.Result{
		Scores: []scoring.ProfileScore{
			{Index: 0, Label: "1001 - Alice", Score: best},
			{Index: 1, Label: "1002 - Bob", Score: second},
		},
		BestIndex:       0,
		BestScore:       best,
		SecondBestScore: second,
		Discriminative:  disc,
	}
}

func TestEvaluate_Rules(t *testing.T) {
	noVotes := Consistency{WindowSize: 5, MinimumCount: 3}

	tests := []struct {
		name        string
		abs         float64
		relMargin   float64
		best        float64
		second      float64
		disc        float64
		consistency Consistency
		accepted    bool
		rule        Rule
		reason      string
	}{
		{
			name: "strong match", abs: 0.60, relMargin: 0.10,
			best: 0.70, second: 0.30, disc: 0.95, consistency: noVotes,
			accepted: true, rule: RuleStrong, reason: "Strong confidence match",
		},
		{
			name: "clear cluster match", abs: 0.5185, relMargin: 0.11,
			best: 0.9109, second: 0.1822, disc: 0.8745, consistency: noVotes,
			accepted: true, rule: RuleStrong, reason: "Strong confidence match",
		},
		{
			name: "standard match", abs: 0.60, relMargin: 0.10,
			best: 0.63, second: 0.45, disc: 0.60, consistency: noVotes,
			accepted: true, rule: RuleStandard, reason: "Standard confidence match",
		},
		{
			name: "consistency override", abs: 0.60, relMargin: 0.10,
			best: 0.62, second: 0.56, disc: 0.61,
			consistency: Consistency{Consistent: true, MatchCount: 3, WindowSize: 5, MinimumCount: 3},
			accepted:    true, rule: RuleConsistency, reason: "Consistency override (3/5 frames)",
		},
		{
			name: "too few votes", abs: 0.60, relMargin: 0.10,
			best: 0.62, second: 0.56, disc: 0.61,
			consistency: Consistency{Consistent: false, MatchCount: 2, WindowSize: 5, MinimumCount: 3},
			reason:      "Insufficient margin (0.060 < 0.08)",
		},
		{
			name: "discriminative match", abs: 0.52, relMargin: 0.30,
			best: 0.55, second: 0.46, disc: 0.53, consistency: noVotes,
			accepted: true, rule: RuleDiscriminative, reason: "Discriminative match (low negative evidence)",
		},
		{
			name: "relative evidence override", abs: 0.90, relMargin: 0.10,
			best: 0.87, second: 0, disc: 0.87, consistency: noVotes,
			accepted: true, rule: RuleRelativeEvidence, reason: "Relative evidence override",
		},
		{
			name: "raw score too low", abs: 0.60, relMargin: 0.10,
			best: 0.40, second: 0.10, disc: 0.38, consistency: noVotes,
			reason: "Raw score too low (0.400 < 0.58)",
		},
		{
			name: "insufficient margin", abs: 0.60, relMargin: 0.10,
			best: 0.62, second: 0.58, disc: 0.50, consistency: noVotes,
			reason: "Insufficient margin (0.040 < 0.08)",
		},
		{
			name: "low confidence", abs: 0.60, relMargin: 0.10,
			best: 0.62, second: 0.53, disc: 0.45, consistency: noVotes,
			reason: "Low confidence (0.09 < 0.20)",
		},
		{
			name: "below absolute threshold", abs: 0.60, relMargin: 0.10,
			best: 0.59, second: 0.38, disc: 0.55, consistency: noVotes,
			reason: "Multiple criteria failed",
		},
		{
			name: "tie between identities", abs: 0.5185, relMargin: 0.11,
			best: 0.5504, second: 0.5504, disc: 0.4403, consistency: noVotes,
			reason: "Insufficient margin (0.000 < 0.08)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newEngine().Evaluate(candidate(tc.abs, tc.relMargin), result(tc.best, tc.second, tc.disc),
				calibration.NoAdjustment(), tc.consistency)

			if d.Accepted != tc.accepted {
				t.Errorf("Accepted = %v, want %v (reason %q)", d.Accepted, tc.accepted, d.Reason)
			}
			if d.Rule != tc.rule {
				t.Errorf("Rule = %q, want %q", d.Rule, tc.rule)
			}
			if d.Reason != tc.reason {
				t.Errorf("Reason = %q, want %q", d.Reason, tc.reason)
			}
			if d.Label != "1001 - Alice" || d.ProfileIndex != 0 {
				t.Errorf("unexpected candidate %q at %d", d.Label, d.ProfileIndex)
			}
			if d.Confidence < 0 || d.Confidence > 1 {
				t.Errorf("confidence out of range: %v", d.Confidence)
			}
		})
	}
}

func TestEvaluate_DerivedValues(t *testing.T) {
	d := newEngine().Evaluate(candidate(0.60, 0.10), result(0.70, 0.30, 0.95),
		calibration.NoAdjustment(), Consistency{})

	// marginConfidence = 0.4/0.7, floor = 0.552, discConfidence = 0.398/0.448
	wantConfidence := 0.6*(0.4/0.7) + 0.4*(0.398/0.448)
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"raw", d.RawScore, 0.70},
		{"margin", d.Margin, 0.40},
		{"confidence", d.Confidence, wantConfidence},
		{"relative margin", d.RelativeMarginPct, 0.4 / 0.7},
		{"required margin", d.RequiredMarginPct, 0.10 / 0.70},
		{"absolute threshold", d.AbsoluteThreshold, 0.60},
		{"margin relaxation", d.MarginRelaxation, 1},
		{"scale", d.ScaleRatio, 1},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestEvaluate_TieNeverAcceptsOnRelativeRules(t *testing.T) {
	e := newEngine()
	for _, best := range []float64{0.3, 0.5, 0.6, 0.75, 0.9, 1.0} {
		for _, abs := range []float64{0.48, 0.55, 0.65} {
			d := e.Evaluate(candidate(abs, 0.10), result(best, best, best*0.8), calibration.NoAdjustment(), Consistency{})
			if d.Rule == RuleStrong || d.Rule == RuleRelativeEvidence {
				t.Errorf("tie at best=%v abs=%v accepted by %q", best, abs, d.Rule)
			}
			if d.RelativeMarginPct != 0 {
				t.Errorf("tie must have zero relative margin, got %v", d.RelativeMarginPct)
			}
		}
	}
}

func TestEvaluate_CalibrationRelaxesFarFaces(t *testing.T) {
	e := newEngine()
	p := candidate(0.60, 0.10)
	r := result(0.50, 0.40, 0.45)

	plain := e.Evaluate(p, r, calibration.NoAdjustment(), Consistency{})
	if plain.Accepted {
		t.Fatalf("expected rejection without calibration, got %q", plain.Reason)
	}
	if plain.Reason != "Raw score too low (0.500 < 0.58)" {
		t.Errorf("unexpected reason %q", plain.Reason)
	}

	far := calibration.Calibration{
		NormalizedScale:     0.5,
		ThresholdRelief:     0.11,
		MarginRelaxation:    0.825,
		ConfidenceBoost:     0.125,
		DiscriminativeBoost: 0.15,
		Adjusted:            true,
	}
	relaxed := e.Evaluate(p, r, far, Consistency{})
	if !relaxed.Accepted || relaxed.Rule != RuleStandard {
		t.Errorf("expected standard accept for a far face, got %q", relaxed.Reason)
	}
	if math.Abs(relaxed.AbsoluteThreshold-0.49) > 1e-9 {
		t.Errorf("calibrated threshold = %v, want 0.49", relaxed.AbsoluteThreshold)
	}
	if relaxed.ThresholdRelief != 0.11 || relaxed.ScaleRatio != 0.5 {
		t.Errorf("calibration not reported: %+v", relaxed)
	}
}

func TestEvaluate_ThresholdNeverBelowFloor(t *testing.T) {
	d := newEngine().Evaluate(candidate(0.50, 0.10), result(0.30, 0.10, 0.28),
		calibration.Calibration{ThresholdRelief: 0.18, MarginRelaxation: 1}, Consistency{})
	if d.AbsoluteThreshold != 0.48 {
		t.Errorf("expected threshold floor 0.48, got %v", d.AbsoluteThreshold)
	}
}

func TestEvaluate_NoProfiles(t *testing.T) {
	e := newEngine()

	tests := []struct {
		name string
		p    *profile.Profile
		r    scoring.Result
	}{
		{"nil profile", nil, result(0.9, 0.1, 0.88)},
		{"empty result", candidate(0.6, 0.1), scoring.EmptyResult(1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Evaluate(tc.p, tc.r, calibration.NoAdjustment(), Consistency{})
			if d.Accepted {
				t.Error("expected rejection")
			}
			if d.Reason != ReasonNoProfiles || d.Label != "unknown" {
				t.Errorf("got reason %q label %q", d.Reason, d.Label)
			}
			if d.ProfileIndex != -1 {
				t.Errorf("expected no profile index, got %d", d.ProfileIndex)
			}
		})
	}
}

func TestEvaluate_Logs(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine(config.DefaultTunables().Decision, slog.New(slog.NewTextHandler(&buf, nil)))

	e.Evaluate(candidate(0.60, 0.10), result(0.62, 0.58, 0.50), calibration.NoAdjustment(), Consistency{})

	out := buf.String()
	for _, want := range []string{"msg=decision", "accepted=false", "best=0.62", "second=0.58", "margin_floor=0.08"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
