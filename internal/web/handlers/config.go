package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-attendance/internal/config"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
	}
}

// ConfigResponse represents the configuration response
type ConfigResponse struct {
	EmbeddingURL        string          `json:"embedding_url,omitempty"`
	EmbeddingDim        int             `json:"embedding_dim"`
	HighFidelity        bool            `json:"high_fidelity"`
	ConsistencyWindow   int             `json:"consistency_window"`
	ConsistencyMinCount int             `json:"consistency_min_count"`
	MinFaceWidthPx      int             `json:"min_face_width_px"`
	CaptureFPS          int             `json:"capture_fps"`
	AuditEnabled        bool            `json:"audit_enabled"`
	Tunables            config.Tunables `json:"tunables"`
}

// Get returns the effective recognition configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ConfigResponse{
		EmbeddingURL:        h.config.Embedding.URL,
		EmbeddingDim:        h.config.Embedding.Dim,
		HighFidelity:        h.config.Embedding.HighFidelity,
		ConsistencyWindow:   h.config.Recognition.ConsistencyWindow,
		ConsistencyMinCount: h.config.Recognition.ConsistencyMinCount,
		MinFaceWidthPx:      h.config.Recognition.MinFaceWidthPx,
		CaptureFPS:          h.config.Capture.FPS,
		AuditEnabled:        h.config.Audit.DBPath != "",
		Tunables:            h.config.Tunables,
	})
}
