// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/auth"
	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/metrics"
	"github.com/ftprelay/ftprelay/internal/protocol"
	"github.com/ftprelay/ftprelay/internal/quota"
	"github.com/ftprelay/ftprelay/internal/relay"
	"github.com/ftprelay/ftprelay/internal/remote"
)

// Server is the HTTP server.
type Server struct {
	auth          *auth.Auth
	relay         *relay.Relay
	catalog       catalog.Store
	browser       *remote.Browser
	downloader    *remote.Downloader
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(
	authHandler *auth.Auth,
	rel *relay.Relay,
	store catalog.Store,
	browser *remote.Browser,
	downloader *remote.Downloader,
	rateLimiter *quota.RateLimiter,
	maxUploadSize int64,
) *Server {
	return &Server{
		auth:          authHandler,
		relay:         rel,
		catalog:       store,
		browser:       browser,
		downloader:    downloader,
		rateLimiter:   rateLimiter,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.auth.HandleLogin)

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/auth/me", s.auth.HandleMe)

	getUserID := func(ctx context.Context) (int, bool) {
		claims := auth.GetClaims(ctx)
		if claims == nil {
			return 0, false
		}
		return claims.UserID, true
	}
	uploadLimit := quota.RateLimitMiddleware(s.rateLimiter, getUserID)
	protected.Handle("POST /api/upload", uploadLimit(http.HandlerFunc(s.handleUpload)))
	protected.HandleFunc("GET /api/upload", s.handleListOwnUploads)

	// Admin endpoints
	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/admin/stats", s.handleStats)
	admin.HandleFunc("GET /api/admin/files", s.handleListFiles)
	admin.HandleFunc("GET /api/admin/download/{fileId}", s.handleDownloadRecord)
	admin.HandleFunc("GET /api/admin/ftp-files", s.handleListRemoteFiles)
	admin.HandleFunc("GET /api/admin/download-ftp", s.handleDownloadRemote)
	protected.Handle("/api/admin/", s.auth.RequireAdmin(admin))

	mux.Handle("/api/", s.auth.Middleware(protected))

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Msg:  message,
		Code: code,
	})
}

// sendFault maps err to a status and a fixed message. transportMsg is used
// for transport failures so each endpoint keeps its own wording. The
// underlying error is logged, never sent.
func (s *Server) sendFault(w http.ResponseWriter, r *http.Request, err error, transportMsg string) {
	code, msg := http.StatusInternalServerError, "Server Error"
	switch fault.Kind(err) {
	case fault.ErrInvalidPath:
		code, msg = http.StatusBadRequest, "Invalid file path."
	case fault.ErrNotFound:
		code, msg = http.StatusNotFound, "File not found"
	case fault.ErrStaging:
		code, msg = http.StatusInternalServerError, "Failed to store upload"
	case fault.ErrTransport:
		code, msg = http.StatusBadGateway, transportMsg
	}

	log := logging.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error(msg, zap.Error(err))
	} else {
		log.Info(msg, zap.Error(err))
	}
	s.sendError(w, code, msg)
}
