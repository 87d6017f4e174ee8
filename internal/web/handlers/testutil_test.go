package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding/embeddingtest"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// testConfig creates a minimal config for testing
func testConfig(root string) *config.Config {
	return &config.Config{
		Dataset:   config.DatasetConfig{Root: root},
		Embedding: config.EmbeddingConfig{Dim: embeddingtest.Dim, HighFidelity: true},
		Recognition: config.RecognitionConfig{
			ConsistencyWindow:   5,
			ConsistencyMinCount: 3,
			MinFaceWidthPx:      96,
		},
		Tunables: config.DefaultTunables(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService builds a recognition service over three enrolled identities:
// 1_Alice, 2_Bob and 3_Carol.
func newTestService(t *testing.T) *recognition.Service {
	t.Helper()
	root := embeddingtest.WriteClusters(t, embeddingtest.Dim, 10, "1_Alice", "2_Bob", "3_Carol")
	cfg := testConfig(root)
	store := profile.NewStore(profile.Options{
		Dim:          cfg.Embedding.Dim,
		HighFidelity: cfg.Embedding.HighFidelity,
		Tunables:     cfg.Tunables.Profile,
		Logger:       discardLogger(),
	})
	svc := recognition.NewService(cfg, store, discardLogger())
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	return svc
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON encoded body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// decodeBody decodes a recorded JSON response into dst
func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(recorder.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
