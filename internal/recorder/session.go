package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/metrics"
)

var errEventsClosed = errors.New("ffmpeg event stream closed without an exit status")

// Session is one running ffmpeg capture.
type Session struct {
	roomID     string
	outputPath string
	room       *locator.RoomInfo
	proc       ffmpeg.Process
	hooks      Hooks
	grace      time.Duration
	startedAt  time.Time
	log        *slog.Logger

	mu             sync.Mutex
	state          State
	reason         Reason
	err            error
	stopRequested  bool
	timedOut       bool
	lastProgress   ffmpeg.Progress
	lastProgressAt time.Time

	done chan struct{}
}

func newSession(roomID, outputPath string, room *locator.RoomInfo, proc ffmpeg.Process, hooks Hooks, grace time.Duration) *Session {
	return &Session{
		roomID:     roomID,
		outputPath: outputPath,
		room:       room,
		proc:       proc,
		hooks:      hooks,
		grace:      grace,
		startedAt:  time.Now(),
		log:        slog.With("room_id", roomID, "output", outputPath),
		state:      StateCreating,
		done:       make(chan struct{}),
	}
}

// Stop interrupts ffmpeg so it can finalize the file. Calling it more than
// once, or after the session ended, does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateEnded || s.stopRequested {
		s.mu.Unlock()
		return
	}
	s.stopRequested = true
	s.mu.Unlock()

	s.log.Info("Stopping recording")
	if err := s.proc.Interrupt(); err != nil {
		s.log.Warn("Failed to interrupt FFmpeg", "error", err)
	}
}

// Kill terminates ffmpeg immediately. The output may be left unplayable, so
// this is reserved for shutdown deadlines.
func (s *Session) Kill() {
	if err := s.proc.Kill(); err != nil {
		s.log.Warn("Failed to kill FFmpeg", "error", err)
	}
}

// Done is closed once the process exited and the hooks have run.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) RoomID() string              { return s.roomID }
func (s *Session) OutputPath() string          { return s.outputPath }
func (s *Session) RoomInfo() *locator.RoomInfo { return s.room }
func (s *Session) StartedAt() time.Time        { return s.startedAt }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason is empty until the session ended.
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err is set only for ProcessError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastProgress returns the newest progress report and when it arrived.
func (s *Session) LastProgress() (ffmpeg.Progress, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProgress, s.lastProgressAt
}

// monitor consumes process events until the terminal one. The grace timer
// only runs while no progress has been seen.
func (s *Session) monitor() {
	defer close(s.done)

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	graceC := grace.C

	// Armed once the grace interrupt went out; a process that ignores it is
	// killed after a second grace period.
	var killC <-chan time.Time
	var killTimer *time.Timer
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	events := s.proc.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.finish(nil)
				return
			}
			switch ev.Kind {
			case ffmpeg.EventStart:
				if s.hooks.OnStart != nil {
					s.hooks.OnStart()
				}
			case ffmpeg.EventProgress:
				if s.progress(ev.Progress) {
					graceC = nil
				}
				if s.hooks.OnProgress != nil {
					s.hooks.OnProgress(ev.Progress)
				}
			case ffmpeg.EventEnd, ffmpeg.EventError:
				s.finish(ev.Exit)
				return
			}

		case <-graceC:
			graceC = nil
			s.mu.Lock()
			stalled := s.state == StateCreating && !s.stopRequested
			if stalled {
				s.timedOut = true
			}
			s.mu.Unlock()
			if !stalled {
				continue
			}
			s.log.Warn("No progress from FFmpeg within grace period, stopping", "grace", s.grace)
			if err := s.proc.Interrupt(); err != nil {
				s.log.Warn("Failed to interrupt FFmpeg", "error", err)
			}
			killTimer = time.NewTimer(s.grace)
			killC = killTimer.C

		case <-killC:
			killC = nil
			s.log.Warn("FFmpeg ignored interrupt, killing")
			s.Kill()
		}
	}
}

// progress records p and reports whether it was the first report.
func (s *Session) progress(p ffmpeg.Progress) bool {
	now := time.Now()
	s.mu.Lock()
	first := s.state == StateCreating && !s.timedOut
	if first {
		s.state = StateRecording
	}
	s.lastProgress = p
	s.lastProgressAt = now
	s.mu.Unlock()

	if first {
		metrics.FirstProgressLatency.Observe(now.Sub(s.startedAt).Seconds())
		s.log.Info("Recording in progress")
	}
	return first
}

func (s *Session) finish(exit *ffmpeg.ExitInfo) {
	s.mu.Lock()
	var (
		reason Reason
		err    error
		kind   string
	)
	switch {
	case s.timedOut:
		reason = ProcessError
		err = fmt.Errorf("no progress within %s", s.grace)
		if exit != nil {
			err = fmt.Errorf("%w: %w", err, exit)
		}
		kind = "timeout"
	case exit == nil:
		reason, err, kind = ProcessError, errEventsClosed, "lost"
	case exit.Interrupted && s.stopRequested:
		reason, kind = StoppedByUser, "interrupted"
	case exit.Interrupted:
		// nobody here asked for it
		reason, err, kind = ProcessError, fmt.Errorf("interrupted from outside: %w", exit), "external"
	case exit.Code == 0 && exit.Signal == "":
		kind = "normal"
		reason = ProcessFinishedNormally
		if s.stopRequested {
			reason = StoppedByUser
		}
	default:
		reason, err, kind = ProcessError, exit, "error"
	}
	s.state = StateEnded
	s.reason = reason
	s.err = err
	s.mu.Unlock()

	metrics.FFmpegExits.WithLabelValues(kind).Inc()

	if reason == ProcessError {
		s.log.Error("Recording failed", "error", err)
		if s.hooks.OnError != nil {
			s.hooks.OnError(err)
		}
		return
	}
	s.log.Info("Recording ended", "reason", reason, "duration", time.Since(s.startedAt).Round(time.Second))
	if s.hooks.OnEnd != nil {
		s.hooks.OnEnd(reason)
	}
}
