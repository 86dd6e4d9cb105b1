package cmd

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/ffmpeg/ffmpegtest"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/recorder"
	"github.com/audiolibrelab/streamcapture/internal/service"
)

func TestWatchRooms_RecordsEachLiveRoomOnce(t *testing.T) {
	var resolves atomic.Int32
	loc := locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		resolves.Add(1)
		if roomID == "offline" {
			return &locator.RoomInfo{RoomID: roomID, RoomStatus: 4}, nil
		}
		return &locator.RoomInfo{RoomID: roomID, IsLive: true, StreamURL: "rtmp://x"}, nil
	})

	c := config.Default()
	c.Output.Directory = t.TempDir()
	custom := filepath.Join(t.TempDir(), "custom")
	engine := ffmpegtest.NewEngine()
	svc := service.NewWithComponents(c, loc, engine)

	rooms := []config.WatchedRoom{
		{ID: "live"},
		{ID: "named", FileName: "evening", OutputDirectory: custom},
		{ID: "offline"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchRooms(ctx, svc, rooms, 10*time.Millisecond) }()

	// offline is resolved again on every poll
	require.Eventually(t, func() bool { return resolves.Load() >= 6 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, engine.Launches(), "a room already being recorded is not started again")

	named, ok := svc.GetSession("named")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(custom, "evening_1.mp4"), named.OutputPath)

	offline, ok := svc.GetSession("offline")
	require.True(t, ok)
	assert.Equal(t, recorder.RoomNotLive, offline.Reason)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, svc.Shutdown(shutdownCtx))
}

func TestWatchRooms_StopsWhenCancelled(t *testing.T) {
	svc := service.NewWithComponents(config.Default(), locator.Func(func(ctx context.Context, roomID string) (*locator.RoomInfo, error) {
		return &locator.RoomInfo{RoomID: roomID}, nil
	}), ffmpegtest.NewEngine())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, watchRooms(ctx, svc, []config.WatchedRoom{{ID: "a"}}, time.Hour))
}
