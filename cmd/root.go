package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "streamcapture",
	Short: "Record Douyin live rooms with ffmpeg",
	Long: `StreamCapture records live rooms to fragmented MP4 files.

Each room has at most one recording at a time. Asking to record a room that
is already being recorded returns the running session instead of starting a
second one. Stopping a recording interrupts ffmpeg gracefully so the file
stays playable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// An explicitly named config must exist, the default one may not
		explicit := cmd.Flags().Changed("config")
		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.Load(cfgFile, explicit)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "config", cfgFile, "output", cfg.Output.Directory)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/streamcapture.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(roomCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(configCmd)
}

// newService builds the service for the loaded config. ffmpeg stderr is
// echoed from verbose level 2 up.
func newService() (service.Service, error) {
	svc, err := service.New(cfg, verboseLevel >= 2)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		// Level 2 adds ffmpeg output, level 3 also raises ffmpeg's own log level
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if level >= 3 {
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}
