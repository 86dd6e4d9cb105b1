package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/recorder"
	"github.com/audiolibrelab/streamcapture/internal/recordings"
	"github.com/audiolibrelab/streamcapture/internal/registry"
	"github.com/audiolibrelab/streamcapture/internal/service"
)

// Server is the HTTP control surface for StreamCapture
type Server struct {
	service service.Service
	cfg     *config.Config
	host    string
	port    string
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartRecordingRequest is the optional body of POST /api/recordings/{roomID}
type StartRecordingRequest struct {
	OutputDirectory string `json:"output_directory"`
	FileName        string `json:"file_name"`
}

// StatusResponse summarizes the registry for GET /api/status
type StatusResponse struct {
	Active    int    `json:"active"`
	Total     int    `json:"total"`
	LastError string `json:"last_error,omitempty"`
}

// FilesResponse is the payload of GET /api/files
type FilesResponse struct {
	Files      []recordings.FileInfo `json:"files"`
	TotalCount int                   `json:"total_count"`
}

// New creates a new web server instance. An empty host listens on every
// interface.
func New(svc service.Service, host, port string) *Server {
	return &Server{
		service: svc,
		cfg:     svc.GetConfig(),
		host:    host,
		port:    port,
	}
}

// Handler builds the router. It is exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendJSON(w, http.StatusMethodNotAllowed, APIResponse{Success: false, Error: "Method not allowed"})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.sendJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: "Not found"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if limit := s.cfg.Server.RequestsPerMinute; limit > 0 {
			r.Use(rateLimit(limit, time.Minute))
		}

		r.Get("/status", s.handleStatus)
		r.Get("/recordings", s.handleListRecordings)
		r.Get("/recordings/{roomID}", s.handleGetRecording)
		r.Post("/recordings/{roomID}", s.handleStartRecording)
		r.Delete("/recordings/{roomID}", s.handleStopRecording)
		r.Get("/rooms/{roomID}", s.handleRoomInfo)
		r.Get("/files", s.handleFiles)
	})

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logFields := []any{"addr", srv.Addr, "localhost_url", fmt.Sprintf("http://localhost:%s", s.port)}
	if s.host == "" || s.host == "0.0.0.0" || s.host == "::" {
		slog.Warn("Web server is reachable from the network without authentication")
		logFields = append(logFields, "local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port))
	}
	slog.Info("Starting StreamCapture Web Server", logFields...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("Stopping web server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	return nil
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: "Too many requests"})
		}),
	)
}

// handleStatus returns session counts and the last error
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.service.ListSessions()
	status := StatusResponse{Total: len(sessions), LastError: s.service.GetLastError()}
	for _, snap := range sessions {
		if snap.Active() {
			status.Active++
		}
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: status})
}

// handleListRecordings returns every session keyed by room id
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.service.ListSessions()})
}

// handleGetRecording returns one room's session
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	snap, ok := s.service.GetSession(roomID)
	if !ok {
		s.sendErrorResponse(w, http.StatusNotFound, fmt.Sprintf("No session for room %s", roomID), "room_id", roomID)
		return
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: snap})
}

// handleStartRecording ensures a recording for the room. The body is optional.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req StartRecordingRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "room_id", roomID, "error", err)
			return
		}
	}

	dir, err := service.ConfineDirectory(s.cfg.Output.Directory, req.OutputDirectory)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid output directory: %v", err), "room_id", roomID)
		return
	}

	slog.Debug("Start request received", "room_id", roomID, "output", dir, "file_name", req.FileName)
	snap, err := s.service.EnsureRecording(roomID, dir, req.FileName)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to start recording: %v", err),
			"room_id", roomID, "operation", "ensure_recording")
		return
	}

	s.sendJSON(w, http.StatusAccepted, APIResponse{Success: true, Message: statusMessage(snap), Data: snap})
}

// handleStopRecording stops the room's recording, if any
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := s.service.StopRecording(roomID); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Failed to stop recording: %v", err),
			"room_id", roomID, "operation", "stop_recording")
		return
	}

	resp := APIResponse{Success: true, Message: "Recording stopped"}
	if snap, ok := s.service.GetSession(roomID); ok {
		resp.Data = snap
		resp.Message = statusMessage(snap)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleRoomInfo resolves the room without recording it
func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	info, err := s.service.RoomInfo(r.Context(), roomID)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, service.ErrInvalidArgument):
			status = http.StatusBadRequest
		case errors.Is(err, locator.ErrNoStream):
			status = http.StatusNotFound
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to resolve room: %v", err), "room_id", roomID)
		return
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: info})
}

// handleFiles lists recorded videos. Optional query: dir, since (RFC 3339).
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid 'since', expected RFC 3339", "since", v)
			return
		}
		since = t
	}

	dir, err := service.ConfineDirectory(s.cfg.Output.Directory, r.URL.Query().Get("dir"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid directory: %v", err))
		return
	}

	files, err := s.service.ListRecordings(dir, since)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to list recordings: %v", err))
		return
	}
	if files == nil {
		files = []recordings.FileInfo{}
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: FilesResponse{Files: files, TotalCount: len(files)}})
}

func statusMessage(snap registry.Snapshot) string {
	switch snap.State {
	case recorder.StateCreating:
		return "Recording is starting"
	case recorder.StateRecording:
		return "Recording in progress"
	default:
		return fmt.Sprintf("Recording ended: %s", snap.Reason)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, APIResponse{Success: false, Error: errorMsg})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
