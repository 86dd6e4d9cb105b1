package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"
	"github.com/audiolibrelab/streamcapture/internal/ffmpeg/ffmpegtest"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/pathalloc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func liveRoom(url string) locator.Locator {
	return locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return &locator.RoomInfo{RoomID: roomID, IsLive: true, StreamURL: url, Owner: "host"}, nil
	})
}

type hookRecorder struct {
	starts   atomic.Int32
	progress atomic.Int32
	ends     chan Reason
	errs     chan error
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{ends: make(chan Reason, 4), errs: make(chan error, 4)}
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnStart:    func() { h.starts.Add(1) },
		OnProgress: func(ffmpeg.Progress) { h.progress.Add(1) },
		OnEnd:      func(r Reason) { h.ends <- r },
		OnError:    func(err error) { h.errs <- err },
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func nextProcess(t *testing.T, e *ffmpegtest.Engine) *ffmpegtest.Process {
	t.Helper()
	select {
	case p := <-e.Launched:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no process launched")
		return nil
	}
}

func TestStart_StopIsGraceful(t *testing.T) {
	dir := t.TempDir()
	engine := ffmpegtest.NewEngine()
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{UserAgent: "UA"})
	h := newHookRecorder()

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: dir}, h.hooks())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "123_1.mp4"), s.OutputPath())
	assert.Equal(t, "host", s.RoomInfo().Owner)

	p := nextProcess(t, engine)
	p.Progress(ffmpeg.Progress{OutTime: time.Second, TotalSize: 1024})
	require.Eventually(t, func() bool { return s.State() == StateRecording }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	waitDone(t, s)

	assert.Equal(t, 1, p.Interrupts(), "stop must interrupt exactly once")
	assert.Zero(t, p.Kills())
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, StoppedByUser, s.Reason())
	assert.NoError(t, s.Err())
	assert.Equal(t, StoppedByUser, <-h.ends)
	assert.Empty(t, h.errs)
	assert.EqualValues(t, 1, h.starts.Load())
	assert.EqualValues(t, 1, h.progress.Load())

	prog, at := s.LastProgress()
	assert.Equal(t, int64(1024), prog.TotalSize)
	assert.False(t, at.IsZero())

	// after the end Stop is a no-op
	s.Stop()
	assert.Equal(t, 1, p.Interrupts())
}

func TestStart_FixedOptions(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{UserAgent: "UA"})

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir(), FileName: "show"}, Hooks{})
	require.NoError(t, err)
	p := nextProcess(t, engine)

	invs := engine.Invocations()
	require.Len(t, invs, 1)
	inv := invs[0]
	assert.Equal(t, "rtmp://x", inv.Input)
	assert.Equal(t, []string{"-user_agent", "UA", "-probesize", "65536"}, inv.InputOptions)
	assert.Equal(t, []string{"-c", "copy", "-movflags", "frag_keyframe", "-min_frag_duration", "60000000"}, inv.OutputOptions)
	assert.Equal(t, "show_1.mp4", filepath.Base(inv.Output))

	p.Exit(ffmpeg.ExitInfo{})
	waitDone(t, s)
}

func TestStart_RoomNotLiveNeverLaunches(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	loc := locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return &locator.RoomInfo{RoomID: roomID, RoomStatus: 4}, nil
	})
	rec := New(loc, pathalloc.New(".mp4"), engine, Options{})

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	assert.Nil(t, s)

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, RoomNotLive, se.Reason)
	assert.Equal(t, 4, se.Room.RoomStatus)
	assert.Zero(t, engine.Launches())
}

func TestStart_ResolutionFailed(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	loc := locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return nil, locator.ErrPlatform
	})
	rec := New(loc, pathalloc.New(".mp4"), engine, Options{})

	_, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ResolutionFailed, se.Reason)
	assert.True(t, errors.Is(err, locator.ErrPlatform))
	assert.Zero(t, engine.Launches())
}

func TestStart_NilRoomInfoIsResolutionFailure(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	loc := locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return nil, nil
	})
	rec := New(loc, pathalloc.New(".mp4"), engine, Options{})

	_, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ResolutionFailed, se.Reason)
	assert.Zero(t, engine.Launches())
}

func TestStart_LiveWithoutStream(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	rec := New(liveRoom(""), pathalloc.New(".mp4"), engine, Options{})

	_, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ResolutionFailed, se.Reason)
	assert.True(t, errors.Is(err, locator.ErrNoStream))
}

func TestStart_LaunchFailureIsProcessError(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	engine.LaunchErr = ffmpeg.ErrNotFound
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{})
	h := newHookRecorder()

	_, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, h.hooks())
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ProcessError, se.Reason)
	assert.True(t, errors.Is(<-h.errs, ffmpeg.ErrNotFound))
}

func TestStart_CancelledBeforeLaunch(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	ctx, cancel := context.WithCancel(t.Context())
	loc := locator.Func(func(_ context.Context, roomID string) (*locator.RoomInfo, error) {
		cancel()
		return &locator.RoomInfo{RoomID: roomID, IsLive: true, StreamURL: "rtmp://x"}, nil
	})
	rec := New(loc, pathalloc.New(".mp4"), engine, Options{})

	_, err := rec.Start(ctx, Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StoppedByUser, se.Reason)
	assert.Zero(t, engine.Launches())
}

func TestSession_ExitClassification(t *testing.T) {
	tests := []struct {
		name   string
		stop   bool
		exit   ffmpeg.ExitInfo
		reason Reason
	}{
		{name: "clean exit", exit: ffmpeg.ExitInfo{}, reason: ProcessFinishedNormally},
		{name: "clean exit after stop", stop: true, exit: ffmpeg.ExitInfo{}, reason: StoppedByUser},
		{name: "interrupted after stop", stop: true, exit: ffmpeg.ExitInfo{Code: 255, Interrupted: true}, reason: StoppedByUser},
		{name: "interrupted without stop", exit: ffmpeg.ExitInfo{Code: 255, Interrupted: true}, reason: ProcessError},
		{name: "terminated from outside", exit: ffmpeg.ExitInfo{Code: -1, Signal: "terminated", Interrupted: true}, reason: ProcessError},
		{name: "failure", exit: ffmpeg.ExitInfo{Code: 1, Stderr: "Connection refused"}, reason: ProcessError},
		{name: "killed", exit: ffmpeg.ExitInfo{Code: -1, Signal: "killed"}, reason: ProcessError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := ffmpegtest.NewEngine()
			engine.IgnoreInterrupt = true
			rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{})
			h := newHookRecorder()

			s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, h.hooks())
			require.NoError(t, err)
			p := nextProcess(t, engine)
			p.Progress(ffmpeg.Progress{})
			if tt.stop {
				s.Stop()
			}
			p.Exit(tt.exit)
			waitDone(t, s)

			assert.Equal(t, tt.reason, s.Reason())
			if tt.reason == ProcessError {
				assert.Error(t, s.Err())
				assert.Len(t, h.errs, 1)
				assert.Empty(t, h.ends)
			} else {
				assert.NoError(t, s.Err())
				assert.Len(t, h.ends, 1)
				assert.Empty(t, h.errs)
			}
		})
	}
}

func TestSession_GracePeriodStopsStalledProcess(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{StartGracePeriod: 20 * time.Millisecond})
	h := newHookRecorder()

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, h.hooks())
	require.NoError(t, err)
	p := nextProcess(t, engine)
	waitDone(t, s)

	assert.Equal(t, 1, p.Interrupts())
	assert.Zero(t, p.Kills())
	assert.Equal(t, ProcessError, s.Reason())
	assert.Len(t, h.errs, 1)
}

func TestSession_GracePeriodKillsUnresponsiveProcess(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	engine.IgnoreInterrupt = true
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{StartGracePeriod: 20 * time.Millisecond})

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	require.NoError(t, err)
	p := nextProcess(t, engine)
	waitDone(t, s)

	assert.Equal(t, 1, p.Interrupts())
	assert.Equal(t, 1, p.Kills())
	assert.Equal(t, ProcessError, s.Reason())
}

func TestSession_ProgressDisarmsGracePeriod(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{StartGracePeriod: 30 * time.Millisecond})

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	require.NoError(t, err)
	p := nextProcess(t, engine)
	p.Progress(ffmpeg.Progress{})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, p.Interrupts())
	assert.Equal(t, StateRecording, s.State())

	s.Stop()
	waitDone(t, s)
	assert.Equal(t, StoppedByUser, s.Reason())
}

func TestSession_StopBeforeFirstProgressIsNotTimeout(t *testing.T) {
	engine := ffmpegtest.NewEngine()
	engine.IgnoreInterrupt = true
	rec := New(liveRoom("rtmp://x"), pathalloc.New(".mp4"), engine, Options{StartGracePeriod: 20 * time.Millisecond})

	s, err := rec.Start(t.Context(), Request{RoomID: "123", OutputDir: t.TempDir()}, Hooks{})
	require.NoError(t, err)
	p := nextProcess(t, engine)

	s.Stop()
	time.Sleep(60 * time.Millisecond)
	p.Exit(ffmpeg.ExitInfo{Code: 255, Interrupted: true})
	waitDone(t, s)

	assert.Equal(t, StoppedByUser, s.Reason())
	assert.Equal(t, 1, p.Interrupts())
}

func TestReason_IsFailure(t *testing.T) {
	assert.True(t, ProcessError.IsFailure())
	assert.True(t, ResolutionFailed.IsFailure())
	assert.False(t, StoppedByUser.IsFailure())
	assert.False(t, RoomNotLive.IsFailure())
	assert.False(t, ProcessFinishedNormally.IsFailure())
}
