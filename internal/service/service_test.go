package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/ffmpeg/ffmpegtest"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/recorder"
	"github.com/audiolibrelab/streamcapture/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T, loc locator.Locator) (*StreamCaptureService, *ffmpegtest.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	engine := ffmpegtest.NewEngine()
	svc := NewWithComponents(cfg, loc, engine)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, engine
}

func liveLocator() locator.Locator {
	return locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return &locator.RoomInfo{RoomID: roomID, IsLive: true, StreamURL: "rtmp://x", Title: "show"}, nil
	})
}

func waitState(t *testing.T, svc Service, roomID string, state recorder.State) registry.Snapshot {
	t.Helper()
	var snap registry.Snapshot
	require.Eventually(t, func() bool {
		s, ok := svc.GetSession(roomID)
		snap = s
		return ok && s.State == state
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestEnsureRecording_RequiresRoomID(t *testing.T) {
	svc, _ := newTestService(t, liveLocator())

	_, err := svc.EnsureRecording("  ", "", "")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	assert.True(t, errors.Is(svc.StopRecording(""), ErrInvalidArgument))

	_, err = svc.RoomInfo(t.Context(), "")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestEnsureRecording_RequiresOutputDirectory(t *testing.T) {
	svc, _ := newTestService(t, liveLocator())
	svc.cfg.Output.Directory = ""

	_, err := svc.EnsureRecording("123", "", "")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestEnsureRecording_CreatesDirectoryAndRecords(t *testing.T) {
	svc, engine := newTestService(t, liveLocator())
	dir := filepath.Join(t.TempDir(), "nested", "out")

	snap, err := svc.EnsureRecording("123", dir, "")
	require.NoError(t, err)
	assert.Equal(t, recorder.StateCreating, snap.State)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	<-engine.Launched
	snap = waitState(t, svc, "123", recorder.StateRecording)
	assert.Equal(t, filepath.Join(dir, "123_1.mp4"), snap.OutputPath)
	assert.Equal(t, "show", snap.Room.Title)

	require.NoError(t, svc.StopRecording("123"))
	snap, _ = svc.GetSession("123")
	assert.Equal(t, recorder.StoppedByUser, snap.Reason)
	assert.Len(t, svc.ListSessions(), 1)
}

func TestEnsureRecording_DefaultsToConfiguredDirectory(t *testing.T) {
	svc, engine := newTestService(t, liveLocator())

	_, err := svc.EnsureRecording("123", "", "evening")
	require.NoError(t, err)
	<-engine.Launched

	snap := waitState(t, svc, "123", recorder.StateRecording)
	assert.Equal(t, filepath.Join(svc.cfg.Output.Directory, "evening_1.mp4"), snap.OutputPath)
}

func TestLastError_TracksFailures(t *testing.T) {
	fail := locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return nil, locator.ErrPlatform
	})
	svc, _ := newTestService(t, fail)

	_, err := svc.EnsureRecording("123", "", "")
	require.NoError(t, err)
	waitState(t, svc, "123", recorder.StateEnded)

	// observers run just after the state is published
	require.Eventually(t, func() bool { return svc.GetLastError() != "" }, time.Second, 5*time.Millisecond)
	assert.Contains(t, svc.GetLastError(), "room 123")
	assert.Contains(t, svc.GetLastError(), "platform api error")
}

func TestListRecordings_UsesConfiguredDirectory(t *testing.T) {
	svc, _ := newTestService(t, liveLocator())
	require.NoError(t, os.WriteFile(filepath.Join(svc.cfg.Output.Directory, "a.mp4"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(svc.cfg.Output.Directory, "a.txt"), []byte("x"), 0644))

	files, err := svc.ListRecordings("", time.Time{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.mp4", files[0].Name)
}

func TestLastError_ClearedOnlyByFailingRoom(t *testing.T) {
	var healed atomic.Bool
	loc := locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		if roomID == "bad" && !healed.Load() {
			return nil, locator.ErrPlatform
		}
		return &locator.RoomInfo{RoomID: roomID, IsLive: true, StreamURL: "rtmp://x"}, nil
	})
	svc, engine := newTestService(t, loc)

	seen := make(chan registry.Snapshot, 16)
	svc.OnChange(func(snap registry.Snapshot) { seen <- snap })
	waitSeen := func(roomID string, state recorder.State) {
		t.Helper()
		for {
			select {
			case snap := <-seen:
				if snap.RoomID == roomID && snap.State == state {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("room %s never reported %s", roomID, state)
			}
		}
	}

	_, err := svc.EnsureRecording("bad", "", "")
	require.NoError(t, err)
	waitSeen("bad", recorder.StateEnded)
	require.Contains(t, svc.GetLastError(), "room bad")

	// another room starting does not hide the failure
	_, err = svc.EnsureRecording("good", "", "")
	require.NoError(t, err)
	<-engine.Launched
	waitSeen("good", recorder.StateRecording)
	assert.Contains(t, svc.GetLastError(), "room bad")

	healed.Store(true)
	_, err = svc.EnsureRecording("bad", "", "")
	require.NoError(t, err)
	<-engine.Launched
	waitSeen("bad", recorder.StateRecording)
	assert.Empty(t, svc.GetLastError())
}

func TestConfineDirectory(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name string
		dir  string
		want string
		ok   bool
	}{
		{name: "empty is root", dir: "", want: root, ok: true},
		{name: "relative", dir: "evening", want: filepath.Join(root, "evening"), ok: true},
		{name: "absolute inside", dir: filepath.Join(root, "a", "b"), want: filepath.Join(root, "a", "b"), ok: true},
		{name: "dot dot escape", dir: "../elsewhere"},
		{name: "absolute outside", dir: "/etc"},
		{name: "sibling with shared prefix", dir: root + "-other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfineDirectory(root, tt.dir)
			if !tt.ok {
				assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
