package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"

	"github.com/spf13/cobra"
)

var roomCmd = &cobra.Command{
	Use:   "room [room-id]",
	Short: "Show whether a room is live and where it streams from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		info, err := svc.RoomInfo(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve room %s: %w", args[0], err)
		}

		out, err := yaml.Marshal(info)
		if err != nil {
			return fmt.Errorf("error marshaling room info: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List recorded videos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		sinceFlag, _ := cmd.Flags().GetDuration("since")

		var since time.Time
		if sinceFlag > 0 {
			since = time.Now().Add(-sinceFlag)
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		files, err := svc.ListRecordings(dir, since)
		if err != nil {
			return fmt.Errorf("failed to list recordings: %w", err)
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No recordings found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, f.SizeHuman, f.ModTimeHuman)
		}
		return w.Flush()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that ffmpeg is installed and usable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		path, version, err := ffmpeg.Probe(ctx, cfg.FFmpeg.Path)
		if err != nil {
			return fmt.Errorf("ffmpeg check failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ffmpeg:  %s\nversion: %s\noutput:  %s\n", path, version, cfg.Output.Directory)
		return nil
	},
}

func init() {
	filesCmd.Flags().String("dir", "", "directory to list (default from output.directory)")
	filesCmd.Flags().Duration("since", 0, "only list files modified within this duration (e.g. 24h)")
}
