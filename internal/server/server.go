// Package server exposes the untiler over HTTP: one POST runs one dezoomify
// job and streams back the final JPEG.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiesman99/untile/internal/fetch"
	"github.com/kiesman99/untile/internal/join"
	"github.com/kiesman99/untile/internal/untiler"
	"github.com/kiesman99/untile/pkg/zoomify"
)

// UntileRequest is the body of POST /untile.
type UntileRequest struct {
	// Url is a page containing a Zoomify object, or the pyramid root itself
	// when Base is set.
	Url  string `json:"url"`
	Base bool   `json:"base,omitempty"`
	// Zoom falls back to the maximum level when omitted or out of range.
	Zoom     *int   `json:"zoom,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Threads  int    `json:"threads,omitempty"`
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error     string  `json:"error"`
	Message   string  `json:"message"`
	RequestId *string `json:"request_id,omitempty"`
}

// HealthResponse reports service status.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    *int      `json:"uptime,omitempty"`
	Version   *string   `json:"version,omitempty"`
}

// Server implements the HTTP API.
type Server struct {
	startTime time.Time
	version   string
	jpegtran  string
}

// NewServer creates a new server instance. The jpegtran path is forwarded to
// every job.
func NewServer(version, jpegtranPath string) *Server {
	return &Server{
		startTime: time.Now(),
		version:   version,
		jpegtran:  jpegtranPath,
	}
}

// Routes mounts the API endpoints on a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.GetHealth)
	r.Post("/untile", s.CreateImage)
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// CreateImage implements the main dezoomify endpoint
func (s *Server) CreateImage(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	var req UntileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON",
			"Invalid JSON in request body", &requestID)
		return
	}

	if err := s.validateRequest(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR",
			err.Error(), &requestID)
		return
	}

	workDir, err := os.MkdirTemp("", "untile_srv_")
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", &requestID)
		return
	}
	defer os.RemoveAll(workDir)

	opts := &untiler.Options{
		Source:   req.Url,
		Output:   filepath.Join(workDir, "image.jpg"),
		Base:     req.Base,
		Threads:  req.Threads,
		Jpegtran: s.jpegtran,
		Strategy: req.Strategy,
	}
	if req.Zoom != nil {
		opts.ZoomLevel = *req.Zoom
		opts.ZoomSet = true
	}

	u, err := untiler.New(opts)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "COMPOSITOR_UNAVAILABLE",
			err.Error(), &requestID)
		return
	}

	if _, err := u.RunJob(r.Context(), untiler.Job{Source: opts.Source, Dest: opts.Output}); err != nil {
		s.handleUntileError(w, err, &requestID)
		return
	}

	data, err := os.ReadFile(opts.Output)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", &requestID)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// validateRequest validates the incoming untile request
func (s *Server) validateRequest(req *UntileRequest) error {
	if req.Url == "" {
		return fmt.Errorf("url is required")
	}
	switch req.Strategy {
	case "", join.StrategyClassic, join.StrategyColumn:
	default:
		return fmt.Errorf("invalid strategy: %s", req.Strategy)
	}
	if req.Threads < 0 {
		return fmt.Errorf("threads must not be negative")
	}
	return nil
}

// handleUntileError maps job failures to the error envelope
func (s *Server) handleUntileError(w http.ResponseWriter, err error, requestID *string) {
	switch {
	case errors.Is(err, fetch.ErrRootNotFound):
		s.writeErrorResponse(w, http.StatusBadGateway, "ROOT_NOT_FOUND", err.Error(), requestID)
	case errors.Is(err, zoomify.ErrPropertiesUnavailable):
		s.writeErrorResponse(w, http.StatusBadGateway, "PROPERTIES_UNAVAILABLE", err.Error(), requestID)
	case errors.Is(err, join.ErrNoTiles):
		s.writeErrorResponse(w, http.StatusBadGateway, "NO_TILES", err.Error(), requestID)
	default:
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", requestID)
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
