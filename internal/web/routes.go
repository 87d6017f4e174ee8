package web

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-attendance/internal/web/handlers"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
	"github.com/kozaktomas/face-attendance/internal/web/static"
)

func (s *Server) setupRoutes() {
	// Create handlers
	configHandler := handlers.NewConfigHandler(s.config)
	profilesHandler := handlers.NewProfilesHandler(s.deps.Service, s.logger)
	sessionsHandler := handlers.NewSessionsHandler(s.deps.Service, s.deps.Recognizer, s.config.Embedding.Dim, s.logger)
	auditHandler := handlers.NewAuditHandler(s.deps.Journal, s.logger)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Web.APIToken))

		// Event streams stay open for as long as the client listens
		r.Get("/sessions/{id}/events", sessionsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			// Config
			r.Get("/config", configHandler.Get)

			// Profiles
			r.Get("/profiles", profilesHandler.List)
			r.Post("/profiles/reload", profilesHandler.Reload)
			r.Get("/profiles/{index}/neighbors", profilesHandler.Neighbors)

			// Sessions
			r.Get("/sessions", sessionsHandler.List)
			r.Post("/sessions", sessionsHandler.Create)
			r.Get("/sessions/{id}", sessionsHandler.Get)
			r.Delete("/sessions/{id}", sessionsHandler.Delete)
			r.Post("/sessions/{id}/embeddings", sessionsHandler.AnalyzeEmbedding)
			r.Post("/sessions/{id}/frames", sessionsHandler.AnalyzeFrame)

			// Audit
			r.Get("/audit/recent", auditHandler.Recent)
			r.Get("/audit/summary", auditHandler.Summary)
		})
	})

	// Kiosk page
	s.router.Get("/*", s.serveKiosk)
}

var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".ico":  "image/x-icon",
}

// serveKiosk serves the embedded kiosk page and its assets
func (s *Server) serveKiosk(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path
	if name == "/" {
		name = "/" + static.IndexFile
	}

	f, err := static.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.NotFound(w, r)
		return
	}

	contentType, ok := contentTypes[path.Ext(name)]
	if !ok {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	// Add cache headers for static assets
	if strings.HasPrefix(name, "/assets/") {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}

	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}
