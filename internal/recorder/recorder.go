// Package recorder runs one ffmpeg capture for one room and classifies how
// it ends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/pathalloc"
)

const (
	DefaultProbeSize        = 65536
	DefaultMinFragDuration  = 60000000
	DefaultStartGracePeriod = 10 * time.Second
)

var errNoRoomInfo = errors.New("locator returned no room info")

// Options holds the fixed capture options. Zero values get the defaults.
type Options struct {
	UserAgent        string
	ProbeSize        int
	MinFragDuration  int64
	StartGracePeriod time.Duration
}

// Request names the room to capture and where the file goes. An empty
// FileName defaults to the room id.
type Request struct {
	RoomID    string
	OutputDir string
	FileName  string
}

// Hooks are optional lifecycle callbacks. They run on the session's monitor
// goroutine and must not block. OnError fires at most once and only for
// ProcessError; OnEnd fires for every other outcome.
type Hooks struct {
	OnStart    func()
	OnProgress func(ffmpeg.Progress)
	OnEnd      func(Reason)
	OnError    func(error)
}

// Recorder starts sessions. It is safe for concurrent use.
type Recorder struct {
	locator locator.Locator
	alloc   *pathalloc.Allocator
	engine  ffmpeg.Engine
	opts    Options
}

// New creates a recorder.
func New(loc locator.Locator, alloc *pathalloc.Allocator, engine ffmpeg.Engine, opts Options) *Recorder {
	if opts.ProbeSize <= 0 {
		opts.ProbeSize = DefaultProbeSize
	}
	if opts.MinFragDuration <= 0 {
		opts.MinFragDuration = DefaultMinFragDuration
	}
	if opts.StartGracePeriod <= 0 {
		opts.StartGracePeriod = DefaultStartGracePeriod
	}
	return &Recorder{
		locator: loc,
		alloc:   alloc,
		engine:  engine,
		opts:    opts,
	}
}

// Start resolves the room and launches ffmpeg. A non-nil error is always a
// *StartError carrying the terminal reason; in that case ffmpeg never ran.
// ctx bounds resolution and the launch only, not the recording itself.
func (r *Recorder) Start(ctx context.Context, req Request, hooks Hooks) (*Session, error) {
	log := slog.With("room_id", req.RoomID)

	info, err := r.locator.Resolve(ctx, req.RoomID)
	if err != nil {
		log.Warn("Room resolution failed", "error", err)
		return nil, &StartError{Reason: ResolutionFailed, Err: err}
	}
	if info == nil {
		log.Warn("Room resolution returned no room")
		return nil, &StartError{Reason: ResolutionFailed, Err: errNoRoomInfo}
	}
	if !info.IsLive {
		log.Info("Room is not live", "room_status", info.RoomStatus)
		return nil, &StartError{Reason: RoomNotLive, Room: info}
	}
	if info.StreamURL == "" {
		return nil, &StartError{Reason: ResolutionFailed, Room: info, Err: locator.ErrNoStream}
	}

	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, r.launchFailed(hooks, info, fmt.Errorf("failed to create output directory: %w", err))
	}

	name := req.FileName
	if name == "" {
		name = req.RoomID
	}
	outputPath, err := r.alloc.Allocate(req.OutputDir, name)
	if err != nil {
		return nil, r.launchFailed(hooks, info, fmt.Errorf("failed to allocate output path: %w", err))
	}

	// A stop that arrived while resolving must not spawn anything.
	if err := ctx.Err(); err != nil {
		return nil, &StartError{Reason: StoppedByUser, Room: info, Err: err}
	}

	proc, err := r.engine.Launch(r.invocation(info.StreamURL, outputPath))
	if err != nil {
		return nil, r.launchFailed(hooks, info, err)
	}

	s := newSession(req.RoomID, outputPath, info, proc, hooks, r.opts.StartGracePeriod)
	log.Info("Recording session started", "output", outputPath, "pid", proc.Pid(), "owner", info.Owner)
	go s.monitor()
	return s, nil
}

func (r *Recorder) invocation(input, output string) ffmpeg.Invocation {
	var inOpts []string
	if r.opts.UserAgent != "" {
		inOpts = append(inOpts, "-user_agent", r.opts.UserAgent)
	}
	inOpts = append(inOpts, "-probesize", strconv.Itoa(r.opts.ProbeSize))

	return ffmpeg.Invocation{
		Input:        input,
		InputOptions: inOpts,
		OutputOptions: []string{
			"-c", "copy",
			"-movflags", "frag_keyframe",
			"-min_frag_duration", strconv.FormatInt(r.opts.MinFragDuration, 10),
		},
		Output: output,
	}
}

func (r *Recorder) launchFailed(hooks Hooks, info *locator.RoomInfo, err error) error {
	slog.Error("Failed to launch recording", "room_id", info.RoomID, "error", err)
	if errors.Is(err, ffmpeg.ErrNotFound) {
		slog.Error("FFmpeg is not installed or not in PATH")
	}
	if hooks.OnError != nil {
		hooks.OnError(err)
	}
	return &StartError{Reason: ProcessError, Room: info, Err: err}
}
