// Package calibration adjusts acceptance requirements for the geometry and
// quality of the face in the current frame. Small or far faces and low
// quality frames relax the thresholds; implausibly large faces tighten them.
package calibration

import (
	"fmt"
	"math"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/scoring"
)

const adjustmentEpsilon = 1e-6

// Calibration holds the modifiers applied by the decision engine.
type Calibration struct {
	NormalizedScale     float64
	FaceCoverage        float64
	ThresholdRelief     float64 // subtracted from the absolute threshold
	MarginRelaxation    float64 // multiplies margin requirements
	ConfidenceBoost     float64 // added to the combined confidence
	DiscriminativeBoost float64 // added to the discriminative score
	BorderlineQuality   bool
	QualityScore        float64
	Adjusted            bool
	Notes               string
}

// NoAdjustment returns the identity calibration.
func NoAdjustment() Calibration {
	return Calibration{NormalizedScale: 1, MarginRelaxation: 1}
}

// Calibrator derives a Calibration from frame metrics.
type Calibrator struct {
	baseline float64
	t        config.CalibrationTunables
}

// NewCalibrator creates a calibrator for the configured minimum face width.
func NewCalibrator(minFaceWidthPx int, t config.CalibrationTunables) *Calibrator {
	return &Calibrator{
		baseline: max(t.MinBaselineWidth, float64(minFaceWidthPx)),
		t:        t,
	}
}

// Baseline returns the face width that maps to a normalized scale of 1.
func (c *Calibrator) Baseline() float64 {
	return c.baseline
}

// Calibrate computes the adjustments for one frame. An empty result or nil
// metrics yield NoAdjustment.
func (c *Calibrator) Calibrate(result scoring.Result, m *FrameMetrics) Calibration {
	if m == nil || result.Empty() {
		return NoAdjustment()
	}
	t := c.t

	scale := clamp(m.NormalizedScale(c.baseline), t.MinScale, t.MaxScale)
	coverage := clamp(m.PaddedAreaRatio(), 0, 1)

	farFactor := clamp(1-scale, 0, t.MaxFarFactor)
	nearFactor := clamp(scale-t.NearScaleOnset, 0, t.MaxNearFactor)

	var qualityRelief float64
	if q := clamp(m.QualityScore, 0, 100); q > 0 && q < t.QualityPivot {
		qualityRelief = (t.QualityPivot - q) / t.QualityDivisor
	}
	borderlinePenalty := 0.0
	if m.Borderline {
		qualityRelief += t.BorderlineQualityRelief
		borderlinePenalty = t.BorderlineMarginPenalty
	}

	cal := Calibration{
		NormalizedScale: scale,
		FaceCoverage:    coverage,
		ThresholdRelief: clamp(farFactor*t.FarThresholdWeight+qualityRelief*t.QualityThresholdWeight,
			0, t.MaxThresholdRelief),
		MarginRelaxation: clamp(1-farFactor*t.FarMarginWeight-borderlinePenalty,
			t.MinMarginRelaxation, 1),
		ConfidenceBoost: clamp(farFactor*t.FarConfidenceWeight+qualityRelief*t.QualityConfidenceWeight-nearFactor*t.NearConfidenceWeight,
			t.MinConfidenceBoost, t.MaxConfidenceBoost),
		DiscriminativeBoost: clamp(farFactor*t.FarDiscriminativeWeight+qualityRelief*t.QualityDiscriminativeWeight-nearFactor*t.NearDiscriminativeWeight,
			t.MinDiscriminativeBoost, t.MaxDiscriminativeBoost),
		BorderlineQuality: m.Borderline,
		QualityScore:      m.QualityScore,
	}

	cal.Adjusted = cal.ThresholdRelief > adjustmentEpsilon ||
		math.Abs(1-cal.MarginRelaxation) > adjustmentEpsilon ||
		math.Abs(cal.ConfidenceBoost) > adjustmentEpsilon ||
		math.Abs(cal.DiscriminativeBoost) > adjustmentEpsilon

	if cal.Adjusted {
		var notes strings.Builder
		fmt.Fprintf(&notes, "scale=%.2f", scale)
		if farFactor > 0 {
			fmt.Fprintf(&notes, ", farFactor=%.2f", farFactor)
		}
		if nearFactor > 0 {
			fmt.Fprintf(&notes, ", nearFactor=%.2f", nearFactor)
		}
		if qualityRelief > 0 {
			fmt.Fprintf(&notes, ", qualityRelief=%.2f", qualityRelief)
		}
		cal.Notes = notes.String()
	}

	return cal
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
