// Package recognition runs the live recognition pipeline for camera sessions:
// quality gate, temporal smoothing, scoring, calibration and the decision.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/calibration"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/decision"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/history"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/quality"
	"github.com/kozaktomas/face-attendance/internal/scoring"
)

// DefaultSessionID is used when a caller does not name its session.
const DefaultSessionID = "default"

// Rejection reasons produced before the decision engine runs.
const (
	ReasonPoorQuality      = "Poor image quality"
	ReasonInvalidEmbedding = "Invalid embedding"
	ReasonMissingProfile   = "Missing profile"
)

// Journal receives every decision for later review.
type Journal interface {
	Record(ctx context.Context, sessionID string, d decision.Decision) error
}

// FrameInput is one detected face in a frame.
type FrameInput struct {
	Image     image.Image         // optional; enables the quality gate on the padded face region
	Frame     image.Rectangle     // frame bounds; defaults to Image.Bounds()
	Face      image.Rectangle     // detected face; empty disables geometry calibration
	Embedding embedding.Vector    // query embedding as returned by the model
	Quality   *quality.Assessment // precomputed quality, used when Image is nil
	Timestamp time.Time           // capture time; zero means now
}

// Outcome is the result of analyzing one frame.
type Outcome struct {
	SessionID   string
	Accepted    bool
	Label       string
	DisplayText string
	Confidence  float64
	Generation  uint64
	ProfileID   string // dataset folder of the best candidate, empty when none was evaluated
	Decision    decision.Decision
	Quality     *quality.Assessment
	Calibration calibration.Calibration
}

func rejectedOutcome(sessionID string, d decision.Decision) Outcome {
	return Outcome{
		SessionID:   sessionID,
		Label:       facematch.UnknownLabel,
		DisplayText: facematch.UnknownLabel,
		Decision:    d,
		Calibration: calibration.NoAdjustment(),
	}
}

type session struct {
	history     *history.Window
	mu          sync.Mutex
	lastUpdated time.Time
	lastFrame   time.Time
}

// registerFrame records the frame time and reports whether the gap since the
// previous frame exceeded maxGap.
func (s *session) registerFrame(at time.Time, maxGap time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.lastFrame
	s.lastFrame = at
	if previous.IsZero() {
		return false
	}
	return at.Sub(previous) > maxGap
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUpdated = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

// Service coordinates recognition across camera sessions.
type Service struct {
	cfg        *config.Config
	store      *profile.Store
	scorer     *scoring.Scorer
	calibrator *calibration.Calibrator
	engine     *decision.Engine
	assessor   *quality.Assessor
	journal    Journal
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService wires the pipeline from configuration. A nil logger uses slog.Default().
func NewService(cfg *config.Config, store *profile.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	t := cfg.Tunables
	return &Service{
		cfg:        cfg,
		store:      store,
		scorer:     scoring.NewScorer(t.Scoring),
		calibrator: calibration.NewCalibrator(cfg.Recognition.MinFaceWidthPx, t.Calibration),
		engine:     decision.NewEngine(t.Decision, logger),
		assessor:   quality.NewAssessor(t.Quality),
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
}

// SetJournal attaches a decision journal.
func (s *Service) SetJournal(j Journal) {
	s.journal = j
}

// Store returns the profile store.
func (s *Service) Store() *profile.Store {
	return s.store
}

// Reload rescans the dataset and drops all sessions, whose history refers to
// the previous profile order.
func (s *Service) Reload(ctx context.Context) (*profile.Snapshot, error) {
	snap, err := s.store.Reload(ctx, s.cfg.Dataset.Root)
	s.mu.Lock()
	clear(s.sessions)
	s.mu.Unlock()
	return snap, err
}

// DiscardSession forgets the history of a session.
func (s *Service) DiscardSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// AdaptiveFrameSkip suggests how many frames a capture loop may skip between
// recognitions, growing with the number of enrolled identities.
func (s *Service) AdaptiveFrameSkip() int {
	switch n := s.store.Snapshot().Len(); {
	case n <= 5:
		return 2
	case n <= 20:
		return 3
	default:
		return 4
	}
}

func (s *Service) sessionFor(id string, now time.Time) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			history: history.New(s.cfg.Recognition.ConsistencyWindow, s.cfg.Recognition.ConsistencyMinCount, s.cfg.Tunables.History),
		}
		s.sessions[id] = sess
	}
	sess.touch(now)

	cutoff := now.Add(-s.cfg.Tunables.Session.Timeout())
	for key, other := range s.sessions {
		if other.idleSince().Before(cutoff) {
			delete(s.sessions, key)
			s.logger.Debug("recognition session expired", "session", key)
		}
	}
	return sess
}

// Analyze runs the pipeline for one detected face of session sessionID.
func (s *Service) Analyze(ctx context.Context, sessionID string, in FrameInput) Outcome {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = DefaultSessionID
	}
	now := s.now()
	sess := s.sessionFor(sessionID, now)

	at := in.Timestamp
	if at.IsZero() {
		at = now
	}
	if sess.registerFrame(at, s.cfg.Tunables.Session.FrameGapReset()) {
		s.logger.Info("frame cadence gap detected, resetting recognition history", "session", sessionID)
		sess.history.Reset()
	}

	frame := in.Frame
	if frame.Empty() && in.Image != nil {
		frame = in.Image.Bounds()
	}
	var padded image.Rectangle
	if !in.Face.Empty() {
		padded = facematch.PaddedFaceRect(frame, in.Face, s.cfg.Tunables.Session.FacePadding, s.cfg.Recognition.MinFaceWidthPx)
	}

	assessment := in.Quality
	if in.Image != nil {
		region := padded
		if region.Empty() {
			region = in.Image.Bounds()
		}
		a := s.assessor.AssessRegion(in.Image, region)
		assessment = &a
	}
	if assessment != nil {
		if !assessment.Acceptable {
			s.logger.Info("face rejected: poor image quality", "session", sessionID, "feedback", assessment.Feedback)
			out := rejectedOutcome(sessionID, decision.Rejected(ReasonPoorQuality+": "+assessment.Feedback))
			out.Quality = assessment
			s.record(ctx, sessionID, out.Decision)
			return out
		}
		if assessment.Borderline {
			s.logger.Warn("borderline image quality accepted", "session", sessionID, "feedback", assessment.Feedback)
		}
	}

	query := in.Embedding.Clone()
	if err := embedding.Validate(query); err != nil {
		s.logger.Info("face rejected: invalid embedding", "session", sessionID, "error", err)
		out := rejectedOutcome(sessionID, decision.Rejected(fmt.Sprintf("%s: %v", ReasonInvalidEmbedding, err)))
		out.Quality = assessment
		s.record(ctx, sessionID, out.Decision)
		return out
	}
	embedding.NormalizeL2InPlace(query)

	snap := s.store.Snapshot()
	h := sess.history
	if h.Sync(snap.Generation()) {
		s.logger.Info("profiles reloaded, resetting recognition history", "session", sessionID, "generation", snap.Generation())
	}

	h.RecordEmbedding(query)
	smoothed, _ := h.SmoothedEmbedding()

	result := s.scorer.Score(snap, query, smoothed)
	if result.Empty() || result.BestIndex < 0 {
		s.logger.Info("face rejected: no viable matches", "session", sessionID)
		h.RecordPrediction(history.NoPrediction)
		out := rejectedOutcome(sessionID, s.engine.Evaluate(nil, result, calibration.NoAdjustment(), decision.Consistency{}))
		out.Quality = assessment
		out.Generation = snap.Generation()
		return out
	}

	p, ok := snap.ProfileAt(result.BestIndex)
	if !ok {
		s.logger.Warn("score result referenced missing profile index", "session", sessionID, "index", result.BestIndex)
		h.RecordPrediction(history.NoPrediction)
		out := rejectedOutcome(sessionID, decision.Rejected(ReasonMissingProfile))
		out.Quality = assessment
		out.Generation = snap.Generation()
		return out
	}

	s.logScores(sessionID, result, p)

	var metrics *calibration.FrameMetrics
	if !in.Face.Empty() {
		var qualityScore float64
		var borderline bool
		if assessment != nil {
			qualityScore = assessment.Score
			borderline = assessment.Borderline
		}
		metrics = calibration.NewFrameMetrics(frame, in.Face, padded, qualityScore, borderline)
	}
	cal := s.calibrator.Calibrate(result, metrics)

	consistency := decision.Consistency{
		Consistent:   h.IsConsistent(result.BestIndex),
		MatchCount:   h.CountMatches(result.BestIndex),
		WindowSize:   h.WindowSize(),
		MinimumCount: h.MinimumCount(),
	}
	d := s.engine.Evaluate(p, result, cal, consistency)

	if d.Accepted {
		h.RecordPrediction(result.BestIndex)
	} else {
		h.RecordPrediction(history.NoPrediction)
	}
	s.record(ctx, sessionID, d)

	out := Outcome{
		SessionID:   sessionID,
		Label:       facematch.UnknownLabel,
		DisplayText: facematch.UnknownLabel,
		Generation:  snap.Generation(),
		Decision:    d,
		Quality:     assessment,
		Calibration: cal,
		Confidence:  d.Confidence,
		ProfileID:   p.ID,
	}
	if d.Accepted {
		out.Accepted = true
		out.Label = d.Label
		out.DisplayText = fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
		s.logger.Info("face accepted",
			"session", sessionID, "label", d.Label, "raw", round3(d.RawScore),
			"confidence", round3(d.Confidence), "margin", round3(d.Margin), "reason", d.Reason)
	} else {
		s.logger.Info("face rejected",
			"session", sessionID, "best", d.Label, "raw", round3(d.RawScore),
			"second", round3(result.SecondBestScore), "confidence", round3(d.Confidence),
			"margin", round3(d.Margin), "reason", d.Reason)
	}
	return out
}

func (s *Service) record(ctx context.Context, sessionID string, d decision.Decision) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, sessionID, d); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to journal decision", "session", sessionID, "error", err)
	}
}

func (s *Service) logScores(sessionID string, r scoring.Result, best *profile.Profile) {
	var b strings.Builder
	for i, ps := range r.Scores {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%.3f", ps.Label, ps.Score)
	}
	s.logger.Info("scores", "session", sessionID, "scores", b.String())

	s.logger.Info("best candidate",
		"session", sessionID,
		"label", best.Label,
		"best", round3(r.BestScore),
		"discriminative", round3(r.Discriminative),
		"avg_negative", round3(r.AverageNegative),
	)
	s.logger.Info("thresholds",
		"session", sessionID,
		"abs", round3(best.AbsoluteThreshold),
		"margin", round3(best.RelativeMargin),
		"tightness", round3(best.Tightness),
		"std_dev", round3(best.StdDev),
	)

	if r.PrefilterSkipped > 0 {
		s.logger.Info("prefilter",
			"session", sessionID,
			"skipped", r.PrefilterSkipped,
			"profiles", len(r.Scores),
			"skipped_pct", round3(float64(r.PrefilterSkipped)*100/float64(len(r.Scores))),
		)
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
