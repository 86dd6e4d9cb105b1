package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/audiolibrelab/streamcapture/internal/recorder"
	"github.com/audiolibrelab/streamcapture/internal/recordings"
	"github.com/audiolibrelab/streamcapture/internal/registry"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [room-id]",
	Short: "Record one live room",
	Long: `Record a live room until Ctrl+C is pressed or the broadcast ends.
The recording is written to the output directory as <file>_<n>.mp4, where n
is the next free sequence number.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		output, _ := cmd.Flags().GetString("output")
		fileName, _ := cmd.Flags().GetString("file")
		slog.Info("Record command started", "room_id", roomID)

		svc, err := newService()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			once  sync.Once
			ended = make(chan registry.Snapshot, 1)
		)
		svc.OnChange(func(snap registry.Snapshot) {
			if snap.RoomID != roomID {
				return
			}
			switch snap.State {
			case recorder.StateRecording:
				slog.Info("Recording started - Press Ctrl+C to stop", "room_id", roomID, "output", snap.OutputPath)
			case recorder.StateEnded:
				once.Do(func() { ended <- snap })
			}
		})

		if _, err := svc.EnsureRecording(roomID, output, fileName); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		select {
		case <-ended:
		case <-ctx.Done():
			slog.Info("Stopping recording...")
			if err := svc.StopRecording(roomID); err != nil {
				return fmt.Errorf("failed to stop recording: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Shutdown did not finish cleanly", "error", err)
		}

		// A stop during creation only settles once shutdown has drained it
		final, _ := svc.GetSession(roomID)
		return reportEnd(final)
	},
}

// reportEnd logs the outcome and turns failures into a non-zero exit.
func reportEnd(snap registry.Snapshot) error {
	logFields := []any{"room_id", snap.RoomID, "reason", snap.Reason}
	if snap.OutputPath != "" {
		logFields = append(logFields, "output", snap.OutputPath)
		if info, err := os.Stat(snap.OutputPath); err == nil {
			logFields = append(logFields, "size", recordings.FormatBytes(info.Size()))
		}
	}

	switch {
	case snap.Reason == recorder.RoomNotLive:
		slog.Info("Room is not live", logFields...)
		return nil
	case snap.Reason.IsFailure():
		slog.Error("Recording failed", append(logFields, "error", snap.Error)...)
		return fmt.Errorf("recording of room %s failed: %s", snap.RoomID, snap.Error)
	default:
		slog.Info("Recording finished", logFields...)
		return nil
	}
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().StringP("file", "f", "", "base file name (default is the room id)")
}
