package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kozaktomas/face-attendance/internal/audit"
	"github.com/kozaktomas/face-attendance/internal/constants"
)

// DecisionJournal is the read side of the audit store.
type DecisionJournal interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
	Summary(ctx context.Context) ([]audit.LabelSummary, error)
}

// AuditHandler exposes the decision journal.
type AuditHandler struct {
	journal DecisionJournal
	logger  *slog.Logger
}

// NewAuditHandler creates an audit handler. A nil journal answers 404, the
// server runs without one when no database path is configured.
func NewAuditHandler(journal DecisionJournal, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{journal: journal, logger: logger}
}

// AuditEntry is one journaled decision.
type AuditEntry struct {
	ID                int64     `json:"id"`
	RecordedAt        time.Time `json:"recorded_at"`
	SessionID         string    `json:"session_id"`
	Accepted          bool      `json:"accepted"`
	Label             string    `json:"label"`
	ProfileIndex      int       `json:"profile_index"`
	Rule              string    `json:"rule,omitempty"`
	Reason            string    `json:"reason"`
	RawScore          float64   `json:"raw_score"`
	Confidence        float64   `json:"confidence"`
	Margin            float64   `json:"margin"`
	AbsoluteThreshold float64   `json:"absolute_threshold"`
	BorderlineQuality bool      `json:"borderline_quality"`
}

// AuditSummary aggregates decisions for one label.
type AuditSummary struct {
	Label         string  `json:"label"`
	Accepted      int     `json:"accepted"`
	Rejected      int     `json:"rejected"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgRawScore   float64 `json:"avg_raw_score"`
}

func (h *AuditHandler) available(w http.ResponseWriter) bool {
	if h.journal == nil {
		respondError(w, http.StatusNotFound, "decision journal not enabled")
		return false
	}
	return true
}

// Recent returns the newest decisions.
func (h *AuditHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	limit := constants.DefaultAuditLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, constants.MaxAuditLimit)
	}

	entries, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read decision journal", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read decisions")
		return
	}

	result := make([]AuditEntry, 0, len(entries))
	for _, e := range entries {
		d := e.Decision
		result = append(result, AuditEntry{
			ID:                e.ID,
			RecordedAt:        e.RecordedAt,
			SessionID:         e.SessionID,
			Accepted:          d.Accepted,
			Label:             d.Label,
			ProfileIndex:      d.ProfileIndex,
			Rule:              string(d.Rule),
			Reason:            d.Reason,
			RawScore:          d.RawScore,
			Confidence:        d.Confidence,
			Margin:            d.Margin,
			AbsoluteThreshold: d.AbsoluteThreshold,
			BorderlineQuality: d.BorderlineQuality,
		})
	}
	respondJSON(w, http.StatusOK, result)
}

// Summary returns accept and reject counts per label.
func (h *AuditHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	summary, err := h.journal.Summary(r.Context())
	if err != nil {
		h.logger.Error("failed to summarize decision journal", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to summarize decisions")
		return
	}

	result := make([]AuditSummary, 0, len(summary))
	for _, s := range summary {
		result = append(result, AuditSummary(s))
	}
	respondJSON(w, http.StatusOK, result)
}
