// Package decision turns one scoring result into an accept or reject verdict.
package decision

import (
	"fmt"
	"log/slog"

	"github.com/kozaktomas/face-attendance/internal/calibration"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/scoring"
)

// Rule names the acceptance rule that fired.
type Rule string

const (
	RuleNone             Rule = ""
	RuleStrong           Rule = "strong"
	RuleStandard         Rule = "standard"
	RuleConsistency      Rule = "consistency"
	RuleDiscriminative   Rule = "discriminative"
	RuleRelativeEvidence Rule = "relative_evidence"
)

// ReasonNoProfiles is the reason given when there is nothing to match against.
const ReasonNoProfiles = "No profiles available"

// Consistency carries the temporal voting facts for the best candidate.
type Consistency struct {
	Consistent   bool
	MatchCount   int
	WindowSize   int
	MinimumCount int
}

// Decision is the verdict for one frame.
type Decision struct {
	Accepted          bool
	Label             string
	ProfileIndex      int // -1 when no profile was evaluated
	Rule              Rule
	Reason            string
	RawScore          float64
	Confidence        float64
	Margin            float64
	RelativeMarginPct float64
	RequiredMarginPct float64
	AbsoluteThreshold float64 // effective threshold after calibration

	ThresholdRelief      float64
	MarginRelaxation     float64
	ScaleRatio           float64
	ConfidenceAdjustment float64
	BorderlineQuality    bool
}

// Rejected returns a rejection that did not evaluate any profile.
func Rejected(reason string) Decision {
	d := Decision{Label: facematch.UnknownLabel, ProfileIndex: -1, Reason: reason}
	d.applyCalibration(calibration.NoAdjustment())
	return d
}

func (d *Decision) applyCalibration(c calibration.Calibration) {
	d.ThresholdRelief = c.ThresholdRelief
	d.MarginRelaxation = c.MarginRelaxation
	d.ScaleRatio = c.NormalizedScale
	d.ConfidenceAdjustment = c.ConfidenceBoost
	d.BorderlineQuality = c.BorderlineQuality
}

// Engine evaluates the acceptance rules. It holds no per-frame state.
type Engine struct {
	t      config.DecisionTunables
	logger *slog.Logger
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(t config.DecisionTunables, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{t: t, logger: logger}
}

// Evaluate decides whether the best candidate p is accepted. p must be the
// profile at r.BestIndex. A nil profile or an empty result is a rejection.
func (e *Engine) Evaluate(p *profile.Profile, r scoring.Result, cal calibration.Calibration, c Consistency) Decision {
	if p == nil || r.Empty() {
		d := Rejected(ReasonNoProfiles)
		e.logger.Info("decision", slog.Bool("accepted", false), slog.String("reason", d.Reason))
		return d
	}
	t := e.t

	best := r.BestScore
	second := r.SecondBestScore
	margin := best - second

	absThreshold := max(t.MinLiveThreshold, p.AbsoluteThreshold-cal.ThresholdRelief)
	marginConfidence := clamp01(margin / max(best, 0.01))
	confidenceFloor := clamp(absThreshold*t.ConfidenceFloorFactor, t.MinLiveThreshold, t.ConfidenceFloorMax)
	discriminative := clamp01(r.Discriminative + cal.DiscriminativeBoost)
	discriminativeConfidence := clamp01((discriminative - confidenceFloor) / max(0.05, 1-confidenceFloor))
	combined := clamp01(t.MarginConfidenceWeight*marginConfidence +
		t.DiscriminativeConfidenceWeight*discriminativeConfidence +
		cal.ConfidenceBoost)

	relativeMarginPct := 0.0
	if best > 0 {
		relativeMarginPct = margin / best
	}
	requiredMarginPct := max(t.MinRelativeMarginPct, p.RelativeMargin/max(best, 1e-6)) * cal.MarginRelaxation

	rawRequirement := max(absThreshold-t.RawThresholdSlack, t.MinLiveThreshold)
	marginFloor := max(t.MinMarginFloor, t.MinAbsoluteMargin*cal.MarginRelaxation)
	strongRequirement := max(absThreshold+t.StrongThresholdDelta, t.StrongThresholdFloor)

	rawPass := best >= rawRequirement
	absolutePass := best >= absThreshold
	marginPass := margin >= marginFloor
	relativePass := relativeMarginPct >= requiredMarginPct

	d := Decision{
		Label:             p.Label,
		ProfileIndex:      r.BestIndex,
		RawScore:          best,
		Confidence:        combined,
		Margin:            margin,
		RelativeMarginPct: relativeMarginPct,
		RequiredMarginPct: requiredMarginPct,
		AbsoluteThreshold: absThreshold,
	}
	d.applyCalibration(cal)

	switch {
	case best >= strongRequirement && combined >= t.StrongConfidence && relativePass:
		d.accept(RuleStrong, "Strong confidence match")
	case rawPass && absolutePass && marginPass && combined >= t.MinConfidence:
		d.accept(RuleStandard, "Standard confidence match")
	case rawPass && absolutePass && c.Consistent && c.MatchCount >= c.MinimumCount && combined >= t.ConsistencyConfidence:
		d.accept(RuleConsistency, fmt.Sprintf("Consistency override (%d/%d frames)", c.MatchCount, c.WindowSize))
	case rawPass && discriminative >= absThreshold && marginPass:
		d.accept(RuleDiscriminative, "Discriminative match (low negative evidence)")
	case !rawPass && marginPass && relativePass && combined >= t.StrongConfidence:
		d.accept(RuleRelativeEvidence, "Relative evidence override")
	case !rawPass:
		d.Reason = fmt.Sprintf("Raw score too low (%.3f < %.2f)", best, rawRequirement)
	case !marginPass:
		d.Reason = fmt.Sprintf("Insufficient margin (%.3f < %.2f)", margin, marginFloor)
	case combined < t.MinConfidence:
		d.Reason = fmt.Sprintf("Low confidence (%.2f < %.2f)", combined, t.MinConfidence)
	default:
		d.Reason = "Multiple criteria failed"
	}

	e.logger.Info("decision",
		slog.String("label", d.Label),
		slog.Bool("accepted", d.Accepted),
		slog.String("rule", string(d.Rule)),
		slog.String("reason", d.Reason),
		slog.Float64("best", round3(best)),
		slog.Float64("second", round3(second)),
		slog.Float64("discriminative", round3(discriminative)),
		slog.Float64("abs_threshold", round3(absThreshold)),
		slog.Float64("raw_requirement", round3(rawRequirement)),
		slog.Float64("margin_floor", round3(marginFloor)),
		slog.Float64("margin_confidence", round3(marginConfidence)),
		slog.Float64("discriminative_confidence", round3(discriminativeConfidence)),
		slog.Float64("confidence", round3(combined)),
		slog.Float64("relative_margin_pct", round3(relativeMarginPct)),
		slog.Float64("required_margin_pct", round3(requiredMarginPct)),
		slog.Bool("consistent", c.Consistent),
		slog.Int("match_count", c.MatchCount),
		slog.Int("window", c.WindowSize),
		slog.Bool("calibrated", cal.Adjusted),
		slog.String("calibration", cal.Notes),
	)
	return d
}

func (d *Decision) accept(rule Rule, reason string) {
	d.Accepted = true
	d.Rule = rule
	d.Reason = reason
}
