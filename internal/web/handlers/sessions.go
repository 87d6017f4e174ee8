package handlers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/quality"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// FrameAnalyzer runs the recognition pipeline for a detected face.
type FrameAnalyzer interface {
	Analyze(ctx context.Context, sessionID string, in recognition.FrameInput) recognition.Outcome
	DiscardSession(id string)
}

// FrameRecognizer detects and recognizes the largest face of a whole frame.
type FrameRecognizer interface {
	Recognize(ctx context.Context, sessionID string, img image.Image) (recognition.Outcome, error)
}

// SessionsHandler manages camera sessions and feeds their frames to the pipeline.
type SessionsHandler struct {
	analyzer   FrameAnalyzer
	recognizer FrameRecognizer
	dim        int
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

type liveSession struct {
	id        string
	name      string
	createdAt time.Time
	events    EventBroadcaster
	busy      atomic.Bool // a frame of this session is being recognized

	mu       sync.Mutex
	frames   int
	accepted int
	last     *OutcomeResponse
}

// claim marks the session busy. It reports false when another frame is
// already being recognized; the caller drops its frame.
func (s *liveSession) claim() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *liveSession) release() {
	s.busy.Store(false)
}

// respondBusy answers a frame dropped because the session is busy.
func respondBusy(w http.ResponseWriter) {
	respondError(w, http.StatusTooManyRequests, "session is busy with another frame")
}

// NewSessionsHandler creates a sessions handler. recognizer may be nil when no
// embedding server is configured; frame uploads then answer 503.
func NewSessionsHandler(analyzer FrameAnalyzer, recognizer FrameRecognizer, dim int, logger *slog.Logger) *SessionsHandler {
	return &SessionsHandler{
		analyzer:   analyzer,
		recognizer: recognizer,
		dim:        dim,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*liveSession),
	}
}

// SessionInfo describes a camera session.
type SessionInfo struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Frames      int              `json:"frames"`
	Accepted    int              `json:"accepted"`
	LastOutcome *OutcomeResponse `json:"last_outcome,omitempty"`
}

// QualityResponse mirrors quality.Assessment.
type QualityResponse struct {
	Score      float64 `json:"score"`
	Acceptable bool    `json:"acceptable"`
	Borderline bool    `json:"borderline"`
	Sharpness  float64 `json:"sharpness,omitempty"`
	Brightness float64 `json:"brightness,omitempty"`
	Contrast   float64 `json:"contrast,omitempty"`
	Feedback   string  `json:"feedback,omitempty"`
}

// CalibrationResponse mirrors the calibration applied to a decision.
type CalibrationResponse struct {
	NormalizedScale   float64 `json:"normalized_scale"`
	ThresholdRelief   float64 `json:"threshold_relief"`
	MarginRelaxation  float64 `json:"margin_relaxation"`
	ConfidenceBoost   float64 `json:"confidence_boost"`
	BorderlineQuality bool    `json:"borderline_quality"`
	Adjusted          bool    `json:"adjusted"`
	Notes             string  `json:"notes,omitempty"`
}

// OutcomeResponse is the verdict for one analyzed frame.
type OutcomeResponse struct {
	SessionID         string              `json:"session_id"`
	Accepted          bool                `json:"accepted"`
	Label             string              `json:"label"`
	DisplayText       string              `json:"display_text"`
	Confidence        float64             `json:"confidence"`
	Generation        uint64              `json:"generation"`
	ProfileID         string              `json:"profile_id,omitempty"`
	Candidate         string              `json:"candidate,omitempty"`
	Rule              string              `json:"rule,omitempty"`
	Reason            string              `json:"reason"`
	RawScore          float64             `json:"raw_score"`
	Margin            float64             `json:"margin"`
	RelativeMarginPct float64             `json:"relative_margin_pct"`
	RequiredMarginPct float64             `json:"required_margin_pct"`
	AbsoluteThreshold float64             `json:"absolute_threshold"`
	Quality           *QualityResponse    `json:"quality,omitempty"`
	Calibration       CalibrationResponse `json:"calibration"`
}

func outcomeResponse(o recognition.Outcome) OutcomeResponse {
	d := o.Decision
	resp := OutcomeResponse{
		SessionID:         o.SessionID,
		Accepted:          o.Accepted,
		Label:             o.Label,
		DisplayText:       o.DisplayText,
		Confidence:        o.Confidence,
		Generation:        o.Generation,
		ProfileID:         o.ProfileID,
		Rule:              string(d.Rule),
		Reason:            d.Reason,
		RawScore:          d.RawScore,
		Margin:            d.Margin,
		RelativeMarginPct: d.RelativeMarginPct,
		RequiredMarginPct: d.RequiredMarginPct,
		AbsoluteThreshold: d.AbsoluteThreshold,
		Calibration: CalibrationResponse{
			NormalizedScale:   o.Calibration.NormalizedScale,
			ThresholdRelief:   o.Calibration.ThresholdRelief,
			MarginRelaxation:  o.Calibration.MarginRelaxation,
			ConfidenceBoost:   o.Calibration.ConfidenceBoost,
			BorderlineQuality: o.Calibration.BorderlineQuality,
			Adjusted:          o.Calibration.Adjusted,
			Notes:             o.Calibration.Notes,
		},
	}
	if !o.Accepted && o.ProfileID != "" {
		resp.Candidate = d.Label
	}
	if q := o.Quality; q != nil {
		resp.Quality = &QualityResponse{
			Score:      q.Score,
			Acceptable: q.Acceptable,
			Borderline: q.Borderline,
			Sharpness:  q.Sharpness,
			Brightness: q.Brightness,
			Contrast:   q.Contrast,
			Feedback:   q.Feedback,
		}
	}
	return resp
}

func (s *liveSession) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		Name:        s.name,
		CreatedAt:   s.createdAt,
		Frames:      s.frames,
		Accepted:    s.accepted,
		LastOutcome: s.last,
	}
}

func (s *liveSession) publish(resp OutcomeResponse) {
	s.mu.Lock()
	s.frames++
	if resp.Accepted {
		s.accepted++
	}
	s.last = &resp
	s.mu.Unlock()
	s.events.SendEvent(OutcomeEvent{Type: "outcome", Outcome: resp})
}

func (h *SessionsHandler) lookup(id string) (*liveSession, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (h *SessionsHandler) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*liveSession, bool) {
	sess, err := h.lookup(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

type createSessionRequest struct {
	Name string `json:"name"`
}

// Create opens a new session.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	sess := &liveSession{
		id:        uuid.NewString(),
		name:      strings.TrimSpace(req.Name),
		createdAt: h.now().UTC(),
	}
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	h.logger.Info("session created", "session", sess.id, "name", sanitizeForLog(sess.name))
	respondJSON(w, http.StatusCreated, sess.info())
}

// List returns all sessions, oldest first.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, sess := range h.sessions {
		infos = append(infos, sess.info())
	}
	h.mu.RUnlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	respondJSON(w, http.StatusOK, infos)
}

// Get returns one session.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.info())
}

// Delete closes a session, dropping its recognition history and disconnecting
// its event listeners.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	sess, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}

	sess.events.Close()
	h.analyzer.DiscardSession(id)
	h.logger.Info("session closed", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// FaceBox is a face rectangle in frame pixels.
type FaceBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FrameSize is the size of the frame a face was detected in.
type FrameSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// QualityInput is an assessment computed by the client.
type QualityInput struct {
	Score      float64 `json:"score"`
	Acceptable bool    `json:"acceptable"`
	Borderline bool    `json:"borderline"`
	Feedback   string  `json:"feedback"`
}

// EmbeddingRequest submits a face the client already embedded. Exactly one of
// Embedding and EmbeddingB64 is set; EmbeddingB64 carries the binary .emb
// layout. Face and BBox are alternatives and need Frame.
type EmbeddingRequest struct {
	Embedding    []float32     `json:"embedding,omitempty"`
	EmbeddingB64 []byte        `json:"embedding_b64,omitempty"`
	Face         *FaceBox      `json:"face,omitempty"`
	BBox         []float64     `json:"bbox,omitempty"`
	Frame        *FrameSize    `json:"frame,omitempty"`
	Quality      *QualityInput `json:"quality,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

func (h *SessionsHandler) frameInput(req EmbeddingRequest) (recognition.FrameInput, error) {
	var in recognition.FrameInput

	switch {
	case len(req.Embedding) > 0 && len(req.EmbeddingB64) > 0:
		return in, errors.New("send either embedding or embedding_b64, not both")
	case len(req.EmbeddingB64) > 0:
		v, err := embedding.Decode(req.EmbeddingB64, h.dim)
		if err != nil {
			return in, fmt.Errorf("invalid embedding_b64: %w", err)
		}
		in.Embedding = v
	case len(req.Embedding) > 0:
		if len(req.Embedding) != h.dim {
			return in, fmt.Errorf("embedding must have %d components, got %d", h.dim, len(req.Embedding))
		}
		in.Embedding = embedding.Vector(req.Embedding)
	default:
		return in, errors.New("embedding is required")
	}

	if req.Face != nil || len(req.BBox) > 0 {
		if req.Frame == nil || req.Frame.Width <= 0 || req.Frame.Height <= 0 {
			return in, errors.New("frame size is required with a face")
		}
		in.Frame = image.Rect(0, 0, req.Frame.Width, req.Frame.Height)

		var face image.Rectangle
		if req.Face != nil {
			face = image.Rect(req.Face.X, req.Face.Y, req.Face.X+req.Face.Width, req.Face.Y+req.Face.Height)
			if req.Face.Width <= 0 || req.Face.Height <= 0 {
				return in, errors.New("face must have a positive size")
			}
		} else {
			var ok bool
			if face, ok = facematch.RectFromBBox(req.BBox); !ok {
				return in, errors.New("invalid bbox")
			}
		}
		clipped, ok := facematch.ClipFaceRect(face, in.Frame)
		if !ok {
			return in, errors.New("face is outside the frame")
		}
		in.Face = clipped
	}

	if q := req.Quality; q != nil {
		a := &quality.Assessment{
			Score:      q.Score,
			Acceptable: q.Acceptable,
			Borderline: q.Borderline,
			Feedback:   q.Feedback,
		}
		switch {
		case !q.Acceptable:
			a.Failed = 2
		case q.Borderline:
			a.Failed = 1
		}
		in.Quality = a
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	return in, nil
}

// AnalyzeEmbedding runs the pipeline on a client-embedded face.
func (h *SessionsHandler) AnalyzeEmbedding(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req EmbeddingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in, err := h.frameInput(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !sess.claim() {
		respondBusy(w)
		return
	}
	defer sess.release()

	resp := outcomeResponse(h.analyzer.Analyze(r.Context(), sess.id, in))
	sess.publish(resp)
	respondJSON(w, http.StatusOK, resp)
}

// AnalyzeFrame detects, embeds and recognizes the largest face of an uploaded frame.
func (h *SessionsHandler) AnalyzeFrame(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}
	if h.recognizer == nil {
		respondError(w, http.StatusServiceUnavailable, "embedding server not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	img, err := capture.DecodeImage(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unsupported image: "+err.Error())
		return
	}

	if !sess.claim() {
		respondBusy(w)
		return
	}
	defer sess.release()

	outcome, err := h.recognizer.Recognize(r.Context(), sess.id, img)
	if err != nil {
		if errors.Is(err, capture.ErrNoFace) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("frame recognition failed", "session", sess.id, "error", err)
		respondError(w, http.StatusBadGateway, "recognition failed")
		return
	}

	resp := outcomeResponse(outcome)
	sess.publish(resp)
	respondJSON(w, http.StatusOK, resp)
}

// Events streams the outcomes of a session as server-sent events.
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := setupSSEHeaders(w)
	if !ok {
		return
	}
	// the stream stays open longer than the server's write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("clearing event stream write deadline failed", "session", sess.id, "error", err)
	}

	eventCh := sess.events.AddListener()
	defer sess.events.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "session", sess.info())

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				sendSSEEvent(w, flusher, "closed", map[string]string{"id": sess.id})
				return
			}
			sendSSEEvent(w, flusher, event.Type, event.Outcome)
		}
	}
}
