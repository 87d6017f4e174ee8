package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/profile"
)

// ProfileService is the part of the recognition service the profile endpoints use.
type ProfileService interface {
	Store() *profile.Store
	Reload(ctx context.Context) (*profile.Snapshot, error)
}

// ProfilesHandler serves the enrolled identities.
type ProfilesHandler struct {
	service ProfileService
	logger  *slog.Logger
}

// NewProfilesHandler creates a new profiles handler.
func NewProfilesHandler(service ProfileService, logger *slog.Logger) *ProfilesHandler {
	return &ProfilesHandler{service: service, logger: logger}
}

// ProfileInfo describes one identity and its derived thresholds.
type ProfileInfo struct {
	Index             int     `json:"index"`
	ID                string  `json:"id"`
	Label             string  `json:"label"`
	Size              int     `json:"size"`
	Skipped           int     `json:"skipped"`
	Tightness         float64 `json:"tightness"`
	StdDev            float64 `json:"std_dev"`
	TrainingThreshold float64 `json:"training_threshold"`
	AbsoluteThreshold float64 `json:"absolute_threshold"`
	RelativeMargin    float64 `json:"relative_margin"`
	HighVariance      bool    `json:"high_variance"`
}

// SnapshotResponse summarizes the loaded dataset.
type SnapshotResponse struct {
	Generation uint64        `json:"generation"`
	Root       string        `json:"root"`
	LoadedAt   *time.Time    `json:"loaded_at,omitempty"`
	Count      int           `json:"count"`
	Profiles   []ProfileInfo `json:"profiles"`
}

// NeighborInfo is an identity close to another one in centroid space.
type NeighborInfo struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

func snapshotResponse(snap *profile.Snapshot) SnapshotResponse {
	profiles := snap.Profiles()
	resp := SnapshotResponse{
		Generation: snap.Generation(),
		Root:       snap.Root(),
		Count:      len(profiles),
		Profiles:   make([]ProfileInfo, len(profiles)),
	}
	if loaded := snap.LoadedAt(); !loaded.IsZero() {
		resp.LoadedAt = &loaded
	}
	for i, p := range profiles {
		resp.Profiles[i] = ProfileInfo{
			Index:             i,
			ID:                p.ID,
			Label:             p.Label,
			Size:              p.Size(),
			Skipped:           p.Skipped,
			Tightness:         p.Tightness,
			StdDev:            p.StdDev,
			TrainingThreshold: p.TrainingThreshold,
			AbsoluteThreshold: p.AbsoluteThreshold,
			RelativeMargin:    p.RelativeMargin,
			HighVariance:      p.HighVariance,
		}
	}
	return resp
}

// List returns the current snapshot.
func (h *ProfilesHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, snapshotResponse(h.service.Store().Snapshot()))
}

// Reload rescans the dataset. All recognition sessions start over.
func (h *ProfilesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Reload(r.Context())
	if err != nil {
		h.logger.Error("dataset reload failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrDatasetRoot) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "failed to reload profiles: "+err.Error())
		return
	}
	h.logger.Info("dataset reloaded", "generation", snap.Generation(), "profiles", snap.Len())
	respondJSON(w, http.StatusOK, snapshotResponse(snap))
}

// Neighbors lists the identities most easily confused with profile {index}.
func (h *ProfilesHandler) Neighbors(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid profile index")
		return
	}
	k := constants.DefaultNeighbors
	if s := r.URL.Query().Get("k"); s != "" {
		if k, err = strconv.Atoi(s); err != nil || k < 1 || k > constants.MaxNeighbors {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("k must be between 1 and %d", constants.MaxNeighbors))
			return
		}
	}

	snap := h.service.Store().Snapshot()
	p, ok := snap.ProfileAt(index)
	if !ok {
		respondError(w, http.StatusNotFound, "profile not found")
		return
	}

	neighbors := make([]NeighborInfo, 0, k)
	if p.HasCentroid() {
		for _, n := range snap.Nearest(p.Centroid, k+1) {
			if n.Index == index || len(neighbors) == k {
				continue
			}
			neighbors = append(neighbors, NeighborInfo{Index: n.Index, Label: n.Label, Similarity: n.Similarity})
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"profile":   p.Label,
		"neighbors": neighbors,
	})
}
