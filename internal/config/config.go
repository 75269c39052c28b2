package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete winrun agent configuration.
type Config struct {
	Channel      ChannelConfig      `yaml:"channel"`
	Capture      CaptureConfig      `yaml:"capture"`
	Buffer       BufferConfig       `yaml:"buffer"`
	Compression  CompressionConfig  `yaml:"compression"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	Retry        RetryConfig        `yaml:"retry"`
	Session      SessionConfig      `yaml:"session"`
	Clipboard    ClipboardConfig    `yaml:"clipboard"`
	DragDrop     DragDropConfig     `yaml:"dragdrop"`
	Shortcuts    ShortcutsConfig    `yaml:"shortcuts"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LogConfig          `yaml:"logging"`
}

// BufferMode selects how frame slots are sized.
type BufferMode string

const (
	ModeUncompressed BufferMode = "uncompressed"
	ModeCompressed   BufferMode = "compressed"
)

type ChannelConfig struct {
	URL         string   `yaml:"url"`
	DialTimeout Duration `yaml:"dial_timeout"`
	Reconnect   bool     `yaml:"reconnect"`
}

type CaptureConfig struct {
	TargetFPS               int      `yaml:"target_fps"`
	CaptureTimeout          Duration `yaml:"capture_timeout"`
	MaxConsecutiveFailures  int      `yaml:"max_consecutive_failures"`
	ReinitializationDelay   Duration `yaml:"reinitialization_delay"`
	EnablePerWindowCapture  bool     `yaml:"enable_per_window_capture"`
	MinWindowFrameInterval  Duration `yaml:"min_window_frame_interval"`
	KeyFrameInterval        int      `yaml:"key_frame_interval"`
	StaleCleanupInterval    Duration `yaml:"stale_cleanup_interval"`
}

type BufferConfig struct {
	Mode                    BufferMode `yaml:"mode"`
	SlotsPerWindow          int        `yaml:"slots_per_window"`
	BytesPerPixel           int        `yaml:"bytes_per_pixel"`
	ExactAllocationHeadroom float64    `yaml:"exact_allocation_headroom"`
	CompressedTranches      []int64    `yaml:"compressed_tranches"`
	ShrinkGraceFrames       uint32     `yaml:"shrink_grace_frames"`
}

type CompressionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Level               int     `yaml:"level"`
	MinSizeToCompress   int     `yaml:"min_size_to_compress"`
	MaxCompressionRatio float64 `yaml:"max_compression_ratio"`
}

type SharedMemoryConfig struct {
	Path              string `yaml:"path"`
	CreateIfNotExists bool   `yaml:"create_if_not_exists"`
	CreateSizeBytes   int64  `yaml:"create_size_bytes"`
	MinimumSizeBytes  int64  `yaml:"minimum_size_bytes"`
}

// RetryPreset parameterizes exponential backoff for channel sends.
type RetryPreset struct {
	InitialDelay Duration `yaml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type RetryConfig struct {
	Default  RetryPreset `yaml:"default"`
	Critical RetryPreset `yaml:"critical"`
}

type SessionConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	IdleAfter         Duration `yaml:"idle_after"`
}

type ClipboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DragDropConfig struct {
	StagingRoot        string   `yaml:"staging_root"`
	PerFileLimit       int64    `yaml:"per_file_limit"`
	TotalLimit         int64    `yaml:"total_limit"`
	StaleSessionMaxAge Duration `yaml:"stale_session_max_age"`
}

type ShortcutsConfig struct {
	Dirs           []string `yaml:"dirs"`
	RescanInterval Duration `yaml:"rescan_interval"` // 0 disables rescans
}

type TelemetryConfig struct {
	ReportInterval Duration `yaml:"report_interval"` // 0 disables periodic reports
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Capture.TargetFPS < 1 || c.Capture.TargetFPS > 120 {
		return fmt.Errorf("capture.target_fps must be in [1, 120], got %d", c.Capture.TargetFPS)
	}
	if c.Capture.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("capture.max_consecutive_failures must be >= 1, got %d", c.Capture.MaxConsecutiveFailures)
	}

	if c.Buffer.Mode != ModeUncompressed && c.Buffer.Mode != ModeCompressed {
		return fmt.Errorf("buffer.mode must be 'uncompressed' or 'compressed', got %q", c.Buffer.Mode)
	}
	if c.Buffer.SlotsPerWindow < 2 {
		return fmt.Errorf("buffer.slots_per_window must be >= 2, got %d", c.Buffer.SlotsPerWindow)
	}
	if c.Buffer.BytesPerPixel < 1 || c.Buffer.BytesPerPixel > 8 {
		return fmt.Errorf("buffer.bytes_per_pixel must be in [1, 8], got %d", c.Buffer.BytesPerPixel)
	}
	if c.Buffer.ExactAllocationHeadroom < 1.0 {
		return fmt.Errorf("buffer.exact_allocation_headroom must be >= 1.0, got %g", c.Buffer.ExactAllocationHeadroom)
	}
	if len(c.Buffer.CompressedTranches) == 0 {
		return fmt.Errorf("buffer.compressed_tranches must not be empty")
	}
	for i := 1; i < len(c.Buffer.CompressedTranches); i++ {
		if c.Buffer.CompressedTranches[i] <= c.Buffer.CompressedTranches[i-1] {
			return fmt.Errorf("buffer.compressed_tranches must be strictly increasing")
		}
	}

	if c.Compression.MaxCompressionRatio <= 0 || c.Compression.MaxCompressionRatio > 1 {
		return fmt.Errorf("compression.max_compression_ratio must be in (0, 1], got %g", c.Compression.MaxCompressionRatio)
	}

	if c.SharedMemory.Path == "" {
		return fmt.Errorf("shared_memory.path is required")
	}
	if c.SharedMemory.MinimumSizeBytes < 1<<20 {
		return fmt.Errorf("shared_memory.minimum_size_bytes must be >= 1 MiB, got %d", c.SharedMemory.MinimumSizeBytes)
	}

	for _, p := range []struct {
		name   string
		preset RetryPreset
	}{
		{"retry.default", c.Retry.Default},
		{"retry.critical", c.Retry.Critical},
	} {
		if p.preset.MaxAttempts < 1 {
			return fmt.Errorf("%s.max_attempts must be >= 1, got %d", p.name, p.preset.MaxAttempts)
		}
		if p.preset.Multiplier < 1.0 {
			return fmt.Errorf("%s.multiplier must be >= 1.0, got %g", p.name, p.preset.Multiplier)
		}
	}

	if c.DragDrop.StagingRoot == "" {
		return fmt.Errorf("dragdrop.staging_root is required")
	}
	if c.DragDrop.PerFileLimit < 1 {
		return fmt.Errorf("dragdrop.per_file_limit must be >= 1, got %d", c.DragDrop.PerFileLimit)
	}
	if c.DragDrop.TotalLimit < c.DragDrop.PerFileLimit {
		return fmt.Errorf("dragdrop.total_limit (%d) must be >= dragdrop.per_file_limit (%d)",
			c.DragDrop.TotalLimit, c.DragDrop.PerFileLimit)
	}

	return nil
}
