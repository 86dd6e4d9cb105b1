package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/recorder"
	"github.com/audiolibrelab/streamcapture/internal/registry"
	"github.com/audiolibrelab/streamcapture/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Record configured rooms whenever they go live",
	Long: `Poll every room listed under watch.rooms and start a recording as soon
as it is live. Rooms that are already being recorded are left alone, so a
broadcast is never recorded twice. Press Ctrl+C to stop all recordings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Watch.Rooms) == 0 {
			return fmt.Errorf("no rooms configured, add them under watch.rooms in %s", cfgFile)
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		svc.OnChange(logTransition)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return watchRooms(ctx, svc, cfg.Watch.Rooms, cfg.Watch.PollInterval)
		})
		g.Go(func() error {
			<-ctx.Done()
			return shutdownService(svc)
		})
		return g.Wait()
	},
}

// watchRooms calls EnsureRecording for every room once per interval until
// ctx is done.
func watchRooms(ctx context.Context, svc service.Service, rooms []config.WatchedRoom, interval time.Duration) error {
	c := svc.GetConfig()
	slog.Info("Watching rooms", "rooms", len(rooms), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, room := range rooms {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := svc.EnsureRecording(room.ID, c.RoomOutputDirectory(room), room.FileName); err != nil {
				slog.Error("Failed to ensure recording", "room_id", room.ID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// logTransition reports session changes at a level matching their outcome.
func logTransition(snap registry.Snapshot) {
	switch {
	case snap.State == recorder.StateRecording:
		slog.Info("Recording", "room_id", snap.RoomID, "session_id", snap.SessionID, "output", snap.OutputPath)
	case snap.State != recorder.StateEnded:
		slog.Debug("Session changed", "room_id", snap.RoomID, "state", snap.State)
	case snap.Reason.IsFailure():
		slog.Error("Recording failed", "room_id", snap.RoomID, "reason", snap.Reason, "error", snap.Error)
	case snap.Reason == recorder.RoomNotLive:
		slog.Debug("Room offline", "room_id", snap.RoomID)
	default:
		slog.Info("Recording ended", "room_id", snap.RoomID, "reason", snap.Reason, "output", snap.OutputPath)
	}
}

func shutdownService(svc service.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()

	slog.Info("Stopping all recordings", "timeout", cfg.Shutdown.Timeout)
	if err := svc.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
