package embedclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/embedding/embeddingtest"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

func setupMockEmbeddingServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func respondFaces(t *testing.T, faces []FaceDetection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != faceEndpoint {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("expected image/jpeg part, got %q", ct)
		}
		if data, _ := io.ReadAll(file); len(data) != len(jpegHeader) {
			t.Errorf("expected %d bytes uploaded, got %d", len(jpegHeader), len(data))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(FaceResponse{FacesCount: len(faces), Faces: faces, Model: "buffalo_l"})
	}
}

func scaled(v embedding.Vector, s float32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * s
	}
	return out
}

func TestDetectFaces(t *testing.T) {
	faces := []FaceDetection{
		{FaceIndex: 0, Dim: embeddingtest.Dim, Embedding: embeddingtest.Member(embeddingtest.Dim, 0, 0), BBox: []float64{10, 10, 60, 70}, DetScore: 0.91},
	}
	server := setupMockEmbeddingServer(t, respondFaces(t, faces))

	resp, err := NewClient(server.URL + "/").DetectFaces(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if resp.FacesCount != 1 || len(resp.Faces) != 1 || resp.Model != "buffalo_l" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rect, ok := resp.Faces[0].Rect()
	if !ok || rect.Dx() != 50 || rect.Dy() != 60 {
		t.Errorf("unexpected face rect %v (ok=%v)", rect, ok)
	}
}

func TestEmbedFace_PicksLargestAndNormalizes(t *testing.T) {
	small := embeddingtest.Member(embeddingtest.Dim, 0, 0)
	large := embeddingtest.Member(embeddingtest.Dim, 1, 0)
	faces := []FaceDetection{
		{FaceIndex: 0, Embedding: small, BBox: []float64{0, 0, 20, 20}},
		{FaceIndex: 1, Embedding: scaled(large, 1.2), BBox: []float64{30, 30, 130, 130}},
	}
	server := setupMockEmbeddingServer(t, respondFaces(t, faces))

	v, err := NewClient(server.URL).EmbedFace(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("EmbedFace failed: %v", err)
	}
	if !embedding.IsNormalized(v) {
		t.Errorf("expected a normalized embedding, magnitude %v", embedding.Magnitude(v))
	}
	if sim := embedding.CosineSimilarity(v, large); sim < 0.9999 {
		t.Errorf("expected the largest face, similarity %v", sim)
	}
}

func TestEmbedFace_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{
			name:    "no face",
			handler: respondFaces(t, nil),
			check:   func(err error) bool { return errors.Is(err, ErrNoFace) },
		},
		{
			name: "zero embedding",
			handler: respondFaces(t, []FaceDetection{
				{Embedding: make([]float32, embeddingtest.Dim), BBox: []float64{0, 0, 50, 50}},
			}),
			check: func(err error) bool { return errors.Is(err, embedding.ErrCorruptValue) },
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			check: func(err error) bool { return err != nil && strings.Contains(err.Error(), "status 503") },
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
			check: func(err error) bool { return err != nil && strings.Contains(err.Error(), "failed to parse response") },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := setupMockEmbeddingServer(t, tc.handler)
			_, err := NewClient(server.URL).EmbedFace(context.Background(), jpegHeader)
			if !tc.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegHeader, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"bmp", []byte{0x42, 0x4D, 0, 0, 0, 0, 0, 0}, "image/bmp"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"too short", []byte{0xFF, 0xD8}, "application/octet-stream"},
		{"unknown", []byte("hello world"), "application/octet-stream"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectMIMEType(tc.data); got != tc.want {
				t.Errorf("detectMIMEType() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	if got := NewClient("").BaseURL(); got != defaultEmbeddingURL {
		t.Errorf("expected default URL, got %q", got)
	}
	if got := NewClient("http://embed:8000/").BaseURL(); got != "http://embed:8000" {
		t.Errorf("expected trailing slash trimmed, got %q", got)
	}
}
