package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/pathalloc"
	"github.com/audiolibrelab/streamcapture/internal/recorder"
	"github.com/audiolibrelab/streamcapture/internal/recordings"
	"github.com/audiolibrelab/streamcapture/internal/registry"
)

// ErrInvalidArgument is returned when a request is missing a room id or an
// output directory.
var ErrInvalidArgument = errors.New("invalid argument")

// Service represents the core StreamCapture service interface
type Service interface {
	// Recording operations
	EnsureRecording(roomID, outputDir, fileName string) (registry.Snapshot, error)
	StopRecording(roomID string) error
	ListSessions() map[string]registry.Snapshot
	GetSession(roomID string) (registry.Snapshot, bool)

	// Information operations
	RoomInfo(ctx context.Context, roomID string) (*locator.RoomInfo, error)
	ListRecordings(dir string, since time.Time) ([]recordings.FileInfo, error)
	GetConfig() *config.Config
	GetLastError() string

	// Lifecycle
	OnChange(fn func(registry.Snapshot))
	Shutdown(ctx context.Context) error
}

// StreamCaptureService is the main service implementation
type StreamCaptureService struct {
	cfg      *config.Config
	locator  locator.Locator
	registry *registry.Registry

	// Error tracking
	lastError      string
	lastErrorRoom  string
	lastErrorMutex sync.RWMutex
}

// New creates a service backed by the Douyin web API and the local ffmpeg.
// logFFmpegOutput echoes every ffmpeg stderr line at debug level.
func New(cfg *config.Config, logFFmpegOutput bool) (Service, error) {
	loc, err := locator.NewDouyinClient(locator.DouyinOptions{
		BaseURL:           cfg.Platform.BaseURL,
		Timeout:           cfg.Platform.Timeout,
		Quality:           cfg.Platform.Quality,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
		Burst:             cfg.Platform.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create platform client: %w", err)
	}

	engine := ffmpeg.NewLocalEngine(cfg.FFmpeg.Path, cfg.FFmpeg.LogLevel, logFFmpegOutput)
	return NewWithComponents(cfg, loc, engine), nil
}

// NewWithComponents wires a service around the given locator and engine.
func NewWithComponents(cfg *config.Config, loc locator.Locator, engine ffmpeg.Engine) *StreamCaptureService {
	rec := recorder.New(loc, pathalloc.New(cfg.Output.Extension), engine, recorder.Options{
		UserAgent:        cfg.FFmpeg.UserAgent,
		ProbeSize:        cfg.FFmpeg.ProbeSize,
		MinFragDuration:  cfg.FFmpeg.MinFragDuration,
		StartGracePeriod: cfg.Recorder.StartGracePeriod,
	})

	s := &StreamCaptureService{
		cfg:      cfg,
		locator:  loc,
		registry: registry.New(rec),
	}
	s.registry.OnChange(s.trackErrors)
	return s
}

// EnsureRecording starts recording roomID unless it is already being
// recorded. An empty outputDir uses the configured directory, which is
// created if needed.
func (s *StreamCaptureService) EnsureRecording(roomID, outputDir, fileName string) (registry.Snapshot, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return registry.Snapshot{}, fmt.Errorf("%w: room id is required", ErrInvalidArgument)
	}

	dir, err := s.resolveDirectory(outputDir)
	if err != nil {
		return registry.Snapshot{}, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.setLastError(fmt.Sprintf("Failed to create output directory: %v", err))
		return registry.Snapshot{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	slog.Debug("Service.EnsureRecording called", "room_id", roomID, "output", dir, "file_name", fileName)
	snap := s.registry.EnsureRecording(recorder.Request{
		RoomID:    roomID,
		OutputDir: dir,
		FileName:  fileName,
	})
	return snap, nil
}

// StopRecording stops roomID's recording. Unknown rooms are ignored.
func (s *StreamCaptureService) StopRecording(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidArgument)
	}
	s.registry.StopRecording(roomID)
	return nil
}

// ListSessions returns every known session keyed by room id
func (s *StreamCaptureService) ListSessions() map[string]registry.Snapshot {
	return s.registry.ListSessions()
}

// GetSession returns the session for roomID, if any
func (s *StreamCaptureService) GetSession(roomID string) (registry.Snapshot, bool) {
	return s.registry.Snapshot(roomID)
}

// RoomInfo resolves roomID without recording it
func (s *StreamCaptureService) RoomInfo(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrInvalidArgument)
	}
	return s.locator.Resolve(ctx, roomID)
}

// ListRecordings lists video files in dir, or in the configured directory
// when dir is empty, modified after since.
func (s *StreamCaptureService) ListRecordings(dir string, since time.Time) ([]recordings.FileInfo, error) {
	resolved, err := s.resolveDirectory(dir)
	if err != nil {
		return nil, err
	}
	return recordings.List(resolved, since)
}

// GetConfig returns the current configuration
func (s *StreamCaptureService) GetConfig() *config.Config {
	return s.cfg
}

// OnChange registers an observer for session transitions
func (s *StreamCaptureService) OnChange(fn func(registry.Snapshot)) {
	s.registry.OnChange(fn)
}

// Shutdown stops all recordings, see registry.Registry.Shutdown
func (s *StreamCaptureService) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}

func (s *StreamCaptureService) resolveDirectory(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		dir = s.cfg.Output.Directory
	}
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: output directory is required", ErrInvalidArgument)
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	return filepath.Abs(dir)
}

// ConfineDirectory resolves dir inside root. An empty dir is root itself and
// a relative dir is taken relative to root. Anything that resolves outside
// root is rejected with ErrInvalidArgument.
func ConfineDirectory(root, dir string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: output directory is required", ErrInvalidArgument)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(dir) == "" {
		return root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidArgument, dir, root)
	}
	return dir, nil
}

// trackErrors keeps the last failure visible to status callers.
func (s *StreamCaptureService) trackErrors(snap registry.Snapshot) {
	switch {
	case snap.State == recorder.StateCreating:
		s.clearRoomError(snap.RoomID)
	case snap.State == recorder.StateEnded && snap.Reason.IsFailure():
		s.setRoomError(snap.RoomID, fmt.Sprintf("Recording of room %s failed: %s", snap.RoomID, snap.Error))
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *StreamCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *StreamCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
	s.lastErrorRoom = ""

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// setRoomError sets the last error and remembers which room caused it
func (s *StreamCaptureService) setRoomError(roomID, err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
	s.lastErrorRoom = roomID

	slog.Error("Service error occurred", "error_message", err, "room_id", roomID)
}

// clearRoomError clears the last error only if roomID caused it
func (s *StreamCaptureService) clearRoomError(roomID string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	if s.lastErrorRoom == roomID {
		s.lastError = ""
		s.lastErrorRoom = ""
	}
}
