package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed tunables.yaml
var tunablesYAML []byte

// Tunables groups every weight and threshold of the recognition pipeline.
type Tunables struct {
	Profile     ProfileTunables     `yaml:"profile" toml:"profile"`
	Scoring     ScoringTunables     `yaml:"scoring" toml:"scoring"`
	History     HistoryTunables     `yaml:"history" toml:"history"`
	Calibration CalibrationTunables `yaml:"calibration" toml:"calibration"`
	Decision    DecisionTunables    `yaml:"decision" toml:"decision"`
	Session     SessionTunables     `yaml:"session" toml:"session"`
	Quality     QualityTunables     `yaml:"quality" toml:"quality"`
	Attendance  AttendanceTunables  `yaml:"attendance" toml:"attendance"`
}

// ProfileTunables drive the per-identity threshold derivation.
type ProfileTunables struct {
	HighFidelityAbsolute float64 `yaml:"high_fidelity_absolute" toml:"high_fidelity_absolute"`
	FallbackAbsolute     float64 `yaml:"fallback_absolute" toml:"fallback_absolute"`
	HighFidelityMargin   float64 `yaml:"high_fidelity_margin" toml:"high_fidelity_margin"`
	FallbackMargin       float64 `yaml:"fallback_margin" toml:"fallback_margin"`
	VarianceStdDev       float64 `yaml:"variance_std_dev" toml:"variance_std_dev"` // stdDev above which an enrollment counts as high variance
	VarianceRelaxFloor   float64 `yaml:"variance_relax_floor" toml:"variance_relax_floor"`
	VarianceRelaxBase    float64 `yaml:"variance_relax_base" toml:"variance_relax_base"`
	VarianceRelaxSlope   float64 `yaml:"variance_relax_slope" toml:"variance_relax_slope"`
	VarianceMarginFactor float64 `yaml:"variance_margin_factor" toml:"variance_margin_factor"`
	TightnessPenalty     float64 `yaml:"tightness_penalty" toml:"tightness_penalty"`
	LiveFactor           float64 `yaml:"live_factor" toml:"live_factor"`
	LiveFloor            float64 `yaml:"live_floor" toml:"live_floor"`
}

type ScoringTunables struct {
	PrefilterThreshold float64 `yaml:"prefilter_threshold" toml:"prefilter_threshold"`
	MinTopK            int     `yaml:"min_top_k" toml:"min_top_k"`
	TopKDivisor        int     `yaml:"top_k_divisor" toml:"top_k_divisor"`
	ExemplarMaxWeight  float64 `yaml:"exemplar_max_weight" toml:"exemplar_max_weight"`
	CentroidWeight     float64 `yaml:"centroid_weight" toml:"centroid_weight"`
	NegativePenalty    float64 `yaml:"negative_penalty" toml:"negative_penalty"`
}

type HistoryTunables struct {
	EmbeddingWindow      int `yaml:"embedding_window" toml:"embedding_window"`
	MaxConsistencyWindow int `yaml:"max_consistency_window" toml:"max_consistency_window"`
}

type CalibrationTunables struct {
	MinBaselineWidth            float64 `yaml:"min_baseline_width" toml:"min_baseline_width"`
	MinScale                    float64 `yaml:"min_scale" toml:"min_scale"`
	MaxScale                    float64 `yaml:"max_scale" toml:"max_scale"`
	MaxFarFactor                float64 `yaml:"max_far_factor" toml:"max_far_factor"`
	NearScaleOnset              float64 `yaml:"near_scale_onset" toml:"near_scale_onset"`
	MaxNearFactor               float64 `yaml:"max_near_factor" toml:"max_near_factor"`
	QualityPivot                float64 `yaml:"quality_pivot" toml:"quality_pivot"`
	QualityDivisor              float64 `yaml:"quality_divisor" toml:"quality_divisor"`
	BorderlineQualityRelief     float64 `yaml:"borderline_quality_relief" toml:"borderline_quality_relief"`
	FarThresholdWeight          float64 `yaml:"far_threshold_weight" toml:"far_threshold_weight"`
	QualityThresholdWeight      float64 `yaml:"quality_threshold_weight" toml:"quality_threshold_weight"`
	MaxThresholdRelief          float64 `yaml:"max_threshold_relief" toml:"max_threshold_relief"`
	FarMarginWeight             float64 `yaml:"far_margin_weight" toml:"far_margin_weight"`
	BorderlineMarginPenalty     float64 `yaml:"borderline_margin_penalty" toml:"borderline_margin_penalty"`
	MinMarginRelaxation         float64 `yaml:"min_margin_relaxation" toml:"min_margin_relaxation"`
	FarConfidenceWeight         float64 `yaml:"far_confidence_weight" toml:"far_confidence_weight"`
	QualityConfidenceWeight     float64 `yaml:"quality_confidence_weight" toml:"quality_confidence_weight"`
	NearConfidenceWeight        float64 `yaml:"near_confidence_weight" toml:"near_confidence_weight"`
	MinConfidenceBoost          float64 `yaml:"min_confidence_boost" toml:"min_confidence_boost"`
	MaxConfidenceBoost          float64 `yaml:"max_confidence_boost" toml:"max_confidence_boost"`
	FarDiscriminativeWeight     float64 `yaml:"far_discriminative_weight" toml:"far_discriminative_weight"`
	QualityDiscriminativeWeight float64 `yaml:"quality_discriminative_weight" toml:"quality_discriminative_weight"`
	NearDiscriminativeWeight    float64 `yaml:"near_discriminative_weight" toml:"near_discriminative_weight"`
	MinDiscriminativeBoost      float64 `yaml:"min_discriminative_boost" toml:"min_discriminative_boost"`
	MaxDiscriminativeBoost      float64 `yaml:"max_discriminative_boost" toml:"max_discriminative_boost"`
}

type DecisionTunables struct {
	MinLiveThreshold               float64 `yaml:"min_live_threshold" toml:"min_live_threshold"`
	RawThresholdSlack              float64 `yaml:"raw_threshold_slack" toml:"raw_threshold_slack"`
	StrongThresholdDelta           float64 `yaml:"strong_threshold_delta" toml:"strong_threshold_delta"`
	StrongThresholdFloor           float64 `yaml:"strong_threshold_floor" toml:"strong_threshold_floor"`
	ConfidenceFloorFactor          float64 `yaml:"confidence_floor_factor" toml:"confidence_floor_factor"`
	ConfidenceFloorMax             float64 `yaml:"confidence_floor_max" toml:"confidence_floor_max"`
	MarginConfidenceWeight         float64 `yaml:"margin_confidence_weight" toml:"margin_confidence_weight"`
	DiscriminativeConfidenceWeight float64 `yaml:"discriminative_confidence_weight" toml:"discriminative_confidence_weight"`
	StrongConfidence               float64 `yaml:"strong_confidence" toml:"strong_confidence"`
	MinConfidence                  float64 `yaml:"min_confidence" toml:"min_confidence"`
	ConsistencyConfidence          float64 `yaml:"consistency_confidence" toml:"consistency_confidence"`
	MinAbsoluteMargin              float64 `yaml:"min_absolute_margin" toml:"min_absolute_margin"`
	MinMarginFloor                 float64 `yaml:"min_margin_floor" toml:"min_margin_floor"`
	MinRelativeMarginPct           float64 `yaml:"min_relative_margin_pct" toml:"min_relative_margin_pct"`
}

type SessionTunables struct {
	TimeoutMs       int     `yaml:"timeout_ms" toml:"timeout_ms"`
	FrameGapResetMs int     `yaml:"frame_gap_reset_ms" toml:"frame_gap_reset_ms"`
	FacePadding     float64 `yaml:"face_padding" toml:"face_padding"`
}

// Timeout is the idle period after which a recognition session is dropped.
func (s SessionTunables) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// FrameGapReset is the cadence gap that invalidates a session's history.
func (s SessionTunables) FrameGapReset() time.Duration {
	return time.Duration(s.FrameGapResetMs) * time.Millisecond
}

type QualityTunables struct {
	MinSize               int     `yaml:"min_size" toml:"min_size"`
	SharpnessThreshold    float64 `yaml:"sharpness_threshold" toml:"sharpness_threshold"`
	MinSharpnessThreshold float64 `yaml:"min_sharpness_threshold" toml:"min_sharpness_threshold"`
	MaxSharpnessThreshold float64 `yaml:"max_sharpness_threshold" toml:"max_sharpness_threshold"`
	MinBrightness         float64 `yaml:"min_brightness" toml:"min_brightness"`
	MaxBrightness         float64 `yaml:"max_brightness" toml:"max_brightness"`
	MinContrast           float64 `yaml:"min_contrast" toml:"min_contrast"`
	MaxAnalysisSize       int     `yaml:"max_analysis_size" toml:"max_analysis_size"`
}

type AttendanceTunables struct {
	AutoMarkConfidence float64 `yaml:"auto_mark_confidence" toml:"auto_mark_confidence"`
	ConfirmConfidence  float64 `yaml:"confirm_confidence" toml:"confirm_confidence"`
	LateAfterMinutes   int     `yaml:"late_after_minutes" toml:"late_after_minutes"`
}

// LateAfter is how long after the session start a mark counts as late.
func (a AttendanceTunables) LateAfter() time.Duration {
	return time.Duration(a.LateAfterMinutes) * time.Minute
}

// DefaultTunables returns the embedded defaults.
func DefaultTunables() Tunables {
	var t Tunables
	if err := yaml.Unmarshal(tunablesYAML, &t); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded tunables.yaml: " + err.Error())
	}
	return t
}

// LoadTunables merges the file at path over the embedded defaults.
// An empty path returns the defaults unchanged.
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("reading tunables file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &t)
	case ".toml":
		err = toml.Unmarshal(data, &t)
	default:
		return t, fmt.Errorf("unsupported tunables format %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}
	if err != nil {
		return t, fmt.Errorf("parsing tunables file %s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate rejects values the pipeline cannot work with.
func (t Tunables) Validate() error {
	var errs []error

	weights := []struct {
		name  string
		value float64
	}{
		{"scoring.exemplar_max_weight", t.Scoring.ExemplarMaxWeight},
		{"scoring.centroid_weight", t.Scoring.CentroidWeight},
		{"decision.margin_confidence_weight", t.Decision.MarginConfidenceWeight},
		{"decision.discriminative_confidence_weight", t.Decision.DiscriminativeConfidenceWeight},
		{"profile.live_factor", t.Profile.LiveFactor},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", w.name, w.value))
		}
	}

	if t.Scoring.MinTopK < 1 {
		errs = append(errs, fmt.Errorf("scoring.min_top_k must be positive, got %d", t.Scoring.MinTopK))
	}
	if t.Scoring.TopKDivisor < 1 {
		errs = append(errs, fmt.Errorf("scoring.top_k_divisor must be positive, got %d", t.Scoring.TopKDivisor))
	}
	if t.History.EmbeddingWindow < 2 {
		errs = append(errs, fmt.Errorf("history.embedding_window must be at least 2, got %d", t.History.EmbeddingWindow))
	}
	if t.History.MaxConsistencyWindow < 1 {
		errs = append(errs, fmt.Errorf("history.max_consistency_window must be positive, got %d", t.History.MaxConsistencyWindow))
	}
	if t.Calibration.MinScale <= 0 || t.Calibration.MinScale > t.Calibration.MaxScale {
		errs = append(errs, fmt.Errorf("calibration scale range [%v, %v] is invalid", t.Calibration.MinScale, t.Calibration.MaxScale))
	}
	if t.Calibration.QualityDivisor <= 0 {
		errs = append(errs, errors.New("calibration.quality_divisor must be positive"))
	}
	if t.Quality.MinBrightness >= t.Quality.MaxBrightness {
		errs = append(errs, fmt.Errorf("quality brightness range [%v, %v] is invalid", t.Quality.MinBrightness, t.Quality.MaxBrightness))
	}
	if t.Attendance.ConfirmConfidence > t.Attendance.AutoMarkConfidence {
		errs = append(errs, errors.New("attendance.confirm_confidence must not exceed auto_mark_confidence"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid tunables: %w", errors.Join(errs...))
	}
	return nil
}
