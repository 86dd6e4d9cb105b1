// Package ffmpeg drives an external ffmpeg binary and reports its lifecycle
// as a stream of events.
package ffmpeg

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

var ErrNotFound = errors.New("ffmpeg executable not found")

// Invocation describes a single transcoding run.
type Invocation struct {
	Input         string
	InputOptions  []string
	OutputOptions []string
	Output        string
}

// EventKind tags an Event.
type EventKind int

const (
	EventStart EventKind = iota
	EventProgress
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition. Exit is set for EventEnd and EventError,
// Progress for EventProgress.
type Event struct {
	Kind     EventKind
	Progress Progress
	Exit     *ExitInfo
}

// Progress is one block of ffmpeg's -progress output.
type Progress struct {
	OutTime   time.Duration
	TotalSize int64
	Speed     string
}

// Process is a running transcoding invocation. Events delivers start first,
// then any number of progress events, then exactly one end or error event,
// and is closed afterwards.
type Process interface {
	Events() <-chan Event
	Interrupt() error
	Kill() error
	Pid() int
}

// Engine launches transcoding processes.
type Engine interface {
	Launch(inv Invocation) (Process, error)
}

// LocalEngine runs the ffmpeg binary found at BinPath.
type LocalEngine struct {
	BinPath  string
	LogLevel string
	// LogOutput echoes every stderr line at debug level.
	LogOutput bool
}

// NewLocalEngine creates an engine for binPath.
func NewLocalEngine(binPath, logLevel string, logOutput bool) *LocalEngine {
	if logLevel == "" {
		logLevel = "warning"
	}
	if lvl := os.Getenv("FFMPEG_LOGLEVEL"); lvl != "" {
		logLevel = lvl
	}
	return &LocalEngine{
		BinPath:   binPath,
		LogLevel:  logLevel,
		LogOutput: logOutput,
	}
}

// BuildArgs renders the command line for inv, excluding the binary.
func (e *LocalEngine) BuildArgs(inv Invocation) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", e.LogLevel,
		"-progress", "pipe:1",
		"-nostats",
	}
	args = append(args, inv.InputOptions...)
	args = append(args, "-i", inv.Input)
	args = append(args, inv.OutputOptions...)
	// never overwrite, the output path is expected to be fresh
	args = append(args, "-n", inv.Output)
	return args
}

// Launch starts ffmpeg for inv. The returned process is already running and
// its start event is queued.
func (e *LocalEngine) Launch(inv Invocation) (Process, error) {
	if inv.Input == "" {
		return nil, fmt.Errorf("invocation has no input")
	}
	if inv.Output == "" {
		return nil, fmt.Errorf("invocation has no output")
	}

	args := e.BuildArgs(inv)
	slog.Info("Starting FFmpeg", "command", e.BinPath+" "+strings.Join(args, " "))

	// Not CommandContext: the process must only ever end through Interrupt,
	// its own exit, or an explicit Kill.
	cmd := exec.Command(e.BinPath, args...) // #nosec G204
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, e.BinPath)
		}
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	p := newLocalProcess(cmd, stdin, e.LogOutput)
	go p.supervise(stdout, stderr)
	return p, nil
}
