package handlers

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

func TestProfilesHandler_List(t *testing.T) {
	handler := NewProfilesHandler(newTestService(t), discardLogger())

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/profiles", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var resp SnapshotResponse
	decodeBody(t, recorder, &resp)

	if resp.Generation != 1 || resp.Count != 3 || resp.LoadedAt == nil {
		t.Errorf("unexpected snapshot header: %+v", resp)
	}
	wantLabels := []string{"1 - Alice", "2 - Bob", "3 - Carol"}
	for i, want := range wantLabels {
		p := resp.Profiles[i]
		if p.Index != i || p.Label != want {
			t.Errorf("profile %d = %q, want %q", i, p.Label, want)
		}
		if p.Size != 10 || p.AbsoluteThreshold <= 0 || p.RelativeMargin <= 0 {
			t.Errorf("profile %s missing stats: %+v", want, p)
		}
	}
}

func TestProfilesHandler_List_Empty(t *testing.T) {
	svc := recognition.NewService(testConfig(""), profile.NewStore(profile.Options{Dim: 128, Logger: discardLogger()}), discardLogger())
	handler := NewProfilesHandler(svc, discardLogger())

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/profiles", nil))

	var resp SnapshotResponse
	decodeBody(t, recorder, &resp)
	if resp.Count != 0 || len(resp.Profiles) != 0 || resp.Generation != 0 {
		t.Errorf("expected an empty snapshot, got %+v", resp)
	}
}

func TestProfilesHandler_Reload(t *testing.T) {
	svc := newTestService(t)
	handler := NewProfilesHandler(svc, discardLogger())

	recorder := httptest.NewRecorder()
	handler.Reload(recorder, httptest.NewRequest("POST", "/api/v1/profiles/reload", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp SnapshotResponse
	decodeBody(t, recorder, &resp)
	if resp.Generation != 2 || resp.Count != 3 {
		t.Errorf("expected generation 2 with 3 profiles, got %+v", resp)
	}
}

func TestProfilesHandler_Reload_MissingRoot(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing"))
	svc := recognition.NewService(cfg, profile.NewStore(profile.Options{Dim: 128, Logger: discardLogger()}), discardLogger())
	handler := NewProfilesHandler(svc, discardLogger())

	recorder := httptest.NewRecorder()
	handler.Reload(recorder, httptest.NewRequest("POST", "/api/v1/profiles/reload", nil))

	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", recorder.Code)
	}
}

func TestProfilesHandler_Neighbors(t *testing.T) {
	handler := NewProfilesHandler(newTestService(t), discardLogger())

	req := httptest.NewRequest("GET", "/api/v1/profiles/0/neighbors?k=2", nil)
	req = requestWithChiParams(req, map[string]string{"index": "0"})
	recorder := httptest.NewRecorder()

	handler.Neighbors(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		Profile   string         `json:"profile"`
		Neighbors []NeighborInfo `json:"neighbors"`
	}
	decodeBody(t, recorder, &resp)

	if resp.Profile != "1 - Alice" {
		t.Errorf("expected Alice, got %q", resp.Profile)
	}
	if len(resp.Neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %+v", resp.Neighbors)
	}
	for _, n := range resp.Neighbors {
		if n.Index == 0 {
			t.Error("a profile must not be its own neighbor")
		}
		if n.Similarity <= 0 || n.Similarity >= 0.5 {
			t.Errorf("unexpected similarity for %s: %v", n.Label, n.Similarity)
		}
	}
}

func TestProfilesHandler_Neighbors_Errors(t *testing.T) {
	handler := NewProfilesHandler(newTestService(t), discardLogger())

	tests := []struct {
		name       string
		index      string
		query      string
		wantStatus int
	}{
		{"non-numeric index", "abc", "", http.StatusBadRequest},
		{"index out of range", "7", "", http.StatusNotFound},
		{"negative index", "-1", "", http.StatusNotFound},
		{"k too small", "0", "?k=0", http.StatusBadRequest},
		{"k too large", "0", "?k=51", http.StatusBadRequest},
		{"k not a number", "0", "?k=many", http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/profiles/"+tc.index+"/neighbors"+tc.query, nil)
			req = requestWithChiParams(req, map[string]string{"index": tc.index})
			recorder := httptest.NewRecorder()

			handler.Neighbors(recorder, req)

			if recorder.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, recorder.Code)
			}
		})
	}
}

var _ ProfileService = (*recognition.Service)(nil)
