package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/streamcapture/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the StreamCapture web server to control recordings over HTTP.

POST /api/recordings/{room} starts a recording, DELETE stops it and
GET /api/recordings lists every session. Prometheus metrics are served on
/metrics. The server listens on 127.0.0.1 unless server.host or --host says
otherwise, and only accepts directories below output.directory.
With --watch the configured rooms are also polled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = cfg.Server.Port
		}
		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}
		watch, _ := cmd.Flags().GetBool("watch")

		svc, err := newService()
		if err != nil {
			return err
		}
		svc.OnChange(logTransition)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("StreamCapture web server starting", "host", host, "port", port, "config", cfgFile)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.New(svc, host, port).Start(ctx); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		if watch && len(cfg.Watch.Rooms) > 0 {
			g.Go(func() error {
				return watchRooms(ctx, svc, cfg.Watch.Rooms, cfg.Watch.PollInterval)
			})
		}
		g.Go(func() error {
			<-ctx.Done()
			return shutdownService(svc)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("host", "", "listen address, empty for all interfaces (default from server.host)")
	serveCmd.Flags().String("port", "", "port for the web server (default from server.port)")
	serveCmd.Flags().Bool("watch", false, "also record the rooms listed under watch.rooms")
}
