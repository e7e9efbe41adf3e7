package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/replaycast/rcast"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App          AppConfig          `mapstructure:"replaycast"`
	Sequence     SequenceConfig     `mapstructure:"sequence"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Transcoder   TranscoderConfig   `mapstructure:"transcoder"`
	Eviction     EvictionConfig     `mapstructure:"eviction"`
	Server       ServerConfig       `mapstructure:"server"`
	PreviewCache PreviewCacheConfig `mapstructure:"preview_cache"`
	RenderLimit  RenderLimitConfig  `mapstructure:"render_limit"`
	Log          LogConfig          `mapstructure:"log"`
}

// AppConfig stores the persisted layout.
type AppConfig struct {
	CacheDir              string        `mapstructure:"cacheDir"`
	CountersFile          string        `mapstructure:"countersFile"`
	ErrorLog              string        `mapstructure:"errorLog"`
	CountersFlushInterval time.Duration `mapstructure:"countersFlushInterval"`
}

// SequenceConfig controls path decoding and replay expansion.
type SequenceConfig struct {
	MaxPathLen   int `mapstructure:"maxPathLen"`   // longer paths get the static rejection
	TicsPerToken int `mapstructure:"ticsPerToken"` // tic records emitted per token character
}

// EngineConfig describes how the external simulation engine is started.
type EngineConfig struct {
	Binary           string   `mapstructure:"binary"`
	Args             []string `mapstructure:"args"`              // fixed config/skill flags, prepended
	RenderFile       string   `mapstructure:"render_file"`       // file name the engine writes into the save dir
	SnapshotFile     string   `mapstructure:"snapshot_file"`     // save-state file name inside the save dir
	TransitionMarker string   `mapstructure:"transition_marker"` // stdout text signalling a level exit
}

// TranscoderConfig describes the video transcoder (ffmpeg compatible).
type TranscoderConfig struct {
	Binary          string        `mapstructure:"binary"`
	TrailingWindow  time.Duration `mapstructure:"trailing_window"`  // archive length kept per entry
	PreviewQuality  int           `mapstructure:"preview_quality"`  // 0-100
	PreviewFPS      int           `mapstructure:"preview_fps"`      // preview frame rate
	PreviewMaxWidth int           `mapstructure:"preview_max_width"` // preview scale bound in pixels
}

// EvictionConfig stores the disk-pressure thresholds.
// Watermarks accept humanized sizes such as "1GiB" or "500 MB".
type EvictionConfig struct {
	HighWatermark  string `mapstructure:"high_watermark"`
	LowWatermark   string `mapstructure:"low_watermark"`
	DepthThreshold int    `mapstructure:"depth_threshold"`

	HighBytes uint64 `mapstructure:"-"`
	LowBytes  uint64 `mapstructure:"-"`
}

// ServerConfig stores HTTP surface settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	AssetsDir         string        `mapstructure:"assets_dir"`
	AllowedUserAgents []string      `mapstructure:"allowed_user_agents"` // empty allows every client
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WatchAssets       bool          `mapstructure:"watch_assets"`
}

// PreviewCacheConfig sizes the in-memory preview cache.
type PreviewCacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Capacity   int  `mapstructure:"capacity"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

// RenderLimitConfig bounds how many renders may start. Disabled by default.
type RenderLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Capacity       int           `mapstructure:"capacity"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Pretty  bool   `mapstructure:"pretty"`
	Tracing bool   `mapstructure:"tracing"` // emit render spans through the logger
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. replaycast.cacheDir becomes REPLAYCAST_CACHEDIR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("replaycast.cacheDir", internal.DefaultCacheDir)
	v.SetDefault("replaycast.countersFile", internal.DefaultCountersPath())
	v.SetDefault("replaycast.errorLog", internal.DefaultErrorLogPath())
	v.SetDefault("replaycast.countersFlushInterval", "30s")

	v.SetDefault("sequence.maxPathLen", 220)
	v.SetDefault("sequence.ticsPerToken", 16)

	v.SetDefault("engine.binary", "doom-render")
	v.SetDefault("engine.args", []string{"-skill", "1", "-nosound", "-nomusic"})
	v.SetDefault("engine.render_file", "render.mp4")
	v.SetDefault("engine.snapshot_file", "snapshot.dsg")
	v.SetDefault("engine.transition_marker", "LEVEL COMPLETE")

	v.SetDefault("transcoder.binary", "ffmpeg")
	v.SetDefault("transcoder.trailing_window", "30s")
	v.SetDefault("transcoder.preview_quality", 40)
	v.SetDefault("transcoder.preview_fps", 15)
	v.SetDefault("transcoder.preview_max_width", 320)

	v.SetDefault("eviction.high_watermark", "1GiB")
	v.SetDefault("eviction.low_watermark", "2GiB")
	v.SetDefault("eviction.depth_threshold", 5)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.assets_dir", internal.DefaultAssetsDir)
	v.SetDefault("server.allowed_user_agents", []string{})
	v.SetDefault("server.read_timeout", "10s")
	// Slightly above the client's own timeout; renders are not cancelled by the core.
	v.SetDefault("server.idle_timeout", "35s")
	v.SetDefault("server.watch_assets", true)

	v.SetDefault("preview_cache.enabled", true)
	v.SetDefault("preview_cache.capacity", 256)
	v.SetDefault("preview_cache.ttl_seconds", 600)

	v.SetDefault("render_limit.enabled", false)
	v.SetDefault("render_limit.capacity", 4)
	v.SetDefault("render_limit.refill_interval", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.tracing", true)
}

// Validate parses the humanized sizes and checks value ranges.
func (c *Config) Validate() error {
	high, err := humanize.ParseBytes(c.Eviction.HighWatermark)
	if err != nil {
		return fmt.Errorf("invalid eviction.high_watermark %q: %w", c.Eviction.HighWatermark, err)
	}
	low, err := humanize.ParseBytes(c.Eviction.LowWatermark)
	if err != nil {
		return fmt.Errorf("invalid eviction.low_watermark %q: %w", c.Eviction.LowWatermark, err)
	}
	if low < high {
		return fmt.Errorf("eviction.low_watermark (%s) must not be below high_watermark (%s)",
			humanize.IBytes(low), humanize.IBytes(high))
	}
	c.Eviction.HighBytes = high
	c.Eviction.LowBytes = low

	if c.Eviction.DepthThreshold < 0 {
		return fmt.Errorf("eviction.depth_threshold must be >= 0, got %d", c.Eviction.DepthThreshold)
	}
	if c.Sequence.MaxPathLen <= 0 {
		return fmt.Errorf("sequence.maxPathLen must be positive, got %d", c.Sequence.MaxPathLen)
	}
	if c.Sequence.TicsPerToken <= 0 {
		return fmt.Errorf("sequence.ticsPerToken must be positive, got %d", c.Sequence.TicsPerToken)
	}
	if c.RenderLimit.Enabled && c.RenderLimit.Capacity <= 0 {
		return fmt.Errorf("render_limit.capacity must be positive, got %d", c.RenderLimit.Capacity)
	}
	if c.App.CacheDir == "" {
		return fmt.Errorf("replaycast.cacheDir must be set")
	}
	return nil
}
