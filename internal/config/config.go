package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultUserAgent is sent to the platform stream servers. Some CDN edges
// refuse the ffmpeg default agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/73.0.3683.86 Safari/537.36"

type Config struct {
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Recorder RecorderConfig `mapstructure:"recorder" yaml:"recorder"`
	Platform PlatformConfig `mapstructure:"platform" yaml:"platform"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Extension string `mapstructure:"extension" yaml:"extension"`
}

type FFmpegConfig struct {
	Path            string `mapstructure:"path" yaml:"path"`
	UserAgent       string `mapstructure:"user_agent" yaml:"user_agent"`
	ProbeSize       int    `mapstructure:"probesize" yaml:"probesize"`
	MinFragDuration int64  `mapstructure:"min_frag_duration" yaml:"min_frag_duration"` // microseconds
	LogLevel        string `mapstructure:"loglevel" yaml:"loglevel"`
}

type RecorderConfig struct {
	StartGracePeriod time.Duration `mapstructure:"start_grace_period" yaml:"start_grace_period"`
}

type PlatformConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Quality           string        `mapstructure:"quality" yaml:"quality"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

type WatchConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Rooms        []WatchedRoom `mapstructure:"rooms" yaml:"rooms"`
}

// WatchedRoom is one room polled by the watch command. Empty fields fall
// back to the output section.
type WatchedRoom struct {
	ID              string `mapstructure:"id" yaml:"id"`
	FileName        string `mapstructure:"file_name" yaml:"file_name,omitempty"`
	OutputDirectory string `mapstructure:"output_directory" yaml:"output_directory,omitempty"`
}

type ServerConfig struct {
	// Host is the listen address. Empty listens on every interface.
	Host              string `mapstructure:"host" yaml:"host"`
	Port              string `mapstructure:"port" yaml:"port"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultPath is where the CLI looks for a config file when --config is not given.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/streamcapture.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.directory", filepath.Join("~", "Videos", "StreamCapture"))
	v.SetDefault("output.extension", ".mp4")

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.user_agent", DefaultUserAgent)
	// avformat_find_stream_info defaults to 5000000 bytes, which stalls on
	// some platform streams for tens of seconds.
	v.SetDefault("ffmpeg.probesize", 64*1024)
	v.SetDefault("ffmpeg.min_frag_duration", int64(60000000))
	v.SetDefault("ffmpeg.loglevel", "warning")

	v.SetDefault("recorder.start_grace_period", 10*time.Second)

	v.SetDefault("platform.base_url", "https://live.douyin.com")
	v.SetDefault("platform.timeout", 10*time.Second)
	v.SetDefault("platform.quality", "ld")
	v.SetDefault("platform.requests_per_second", 2.0)
	v.SetDefault("platform.burst", 2)

	v.SetDefault("watch.poll_interval", 30*time.Second)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.requests_per_minute", 120)

	v.SetDefault("shutdown.timeout", 15*time.Second)
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, err := load(viper.New(), "", false)
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

// Load reads configFile on top of the defaults. When required is false a
// missing file is tolerated and the defaults are returned.
func Load(configFile string, required bool) (*Config, error) {
	return load(viper.New(), configFile, required)
}

func load(v *viper.Viper, configFile string, required bool) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("STREAMCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if required || !missing {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	if cfg.Output.Extension != "" && !strings.HasPrefix(cfg.Output.Extension, ".") {
		cfg.Output.Extension = "." + cfg.Output.Extension
	}
	for i := range cfg.Watch.Rooms {
		cfg.Watch.Rooms[i].OutputDirectory = expandPath(cfg.Watch.Rooms[i].OutputDirectory)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks value ranges and required fields.
func (c *Config) Validate() error {
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.Extension == "" {
		return fmt.Errorf("output.extension is required")
	}
	if c.FFmpeg.Path == "" {
		return fmt.Errorf("ffmpeg.path is required")
	}
	if c.FFmpeg.ProbeSize <= 0 {
		return fmt.Errorf("ffmpeg.probesize must be > 0, got: %d", c.FFmpeg.ProbeSize)
	}
	if c.FFmpeg.MinFragDuration <= 0 {
		return fmt.Errorf("ffmpeg.min_frag_duration must be > 0, got: %d", c.FFmpeg.MinFragDuration)
	}
	if c.Recorder.StartGracePeriod <= 0 {
		return fmt.Errorf("recorder.start_grace_period must be > 0, got: %s", c.Recorder.StartGracePeriod)
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Platform.Timeout <= 0 {
		return fmt.Errorf("platform.timeout must be > 0, got: %s", c.Platform.Timeout)
	}
	if c.Platform.RequestsPerSecond <= 0 {
		return fmt.Errorf("platform.requests_per_second must be > 0, got: %.2f", c.Platform.RequestsPerSecond)
	}
	if c.Platform.Burst < 1 {
		return fmt.Errorf("platform.burst must be >= 1, got: %d", c.Platform.Burst)
	}
	if c.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be > 0, got: %s", c.Watch.PollInterval)
	}

	seen := make(map[string]bool)
	for i, room := range c.Watch.Rooms {
		if strings.TrimSpace(room.ID) == "" {
			return fmt.Errorf("watch.rooms[%d]: 'id' is required", i)
		}
		if seen[room.ID] {
			return fmt.Errorf("watch.rooms[%d]: duplicate room id '%s'", i, room.ID)
		}
		seen[room.ID] = true
	}

	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.RequestsPerMinute < 1 {
		return fmt.Errorf("server.requests_per_minute must be >= 1, got: %d", c.Server.RequestsPerMinute)
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be > 0, got: %s", c.Shutdown.Timeout)
	}

	return nil
}

// RoomOutputDirectory returns the directory recordings for room go to.
func (c *Config) RoomOutputDirectory(room WatchedRoom) string {
	if room.OutputDirectory != "" {
		return room.OutputDirectory
	}
	return c.Output.Directory
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
