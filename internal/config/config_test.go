package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
capture:
  target_fps: 60
buffer:
  mode: uncompressed
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Capture.TargetFPS != 60 {
		t.Errorf("TargetFPS = %d, want 60", cfg.Capture.TargetFPS)
	}
	if cfg.Buffer.Mode != ModeUncompressed {
		t.Errorf("Mode = %q, want uncompressed", cfg.Buffer.Mode)
	}
	// Untouched sections keep their defaults.
	if cfg.Buffer.SlotsPerWindow != 3 {
		t.Errorf("SlotsPerWindow = %d, want default 3", cfg.Buffer.SlotsPerWindow)
	}
	if cfg.Retry.Default.MaxAttempts != 5 {
		t.Errorf("Retry.Default.MaxAttempts = %d, want 5", cfg.Retry.Default.MaxAttempts)
	}
	if cfg.Session.HeartbeatInterval.Duration() != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.Session.HeartbeatInterval.Duration())
	}
}

func TestLoadDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
capture:
  min_window_frame_interval: 16ms
  reinitialization_delay: 2s
session:
  heartbeat_interval: 1m30s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Capture.MinWindowFrameInterval.Duration(); got != 16*time.Millisecond {
		t.Errorf("MinWindowFrameInterval = %v, want 16ms", got)
	}
	if got := cfg.Session.HeartbeatInterval.Duration(); got != 90*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 1m30s", got)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "fps too high",
			mutate:  func(c *Config) { c.Capture.TargetFPS = 240 },
			wantMsg: "target_fps",
		},
		{
			name:    "fps zero",
			mutate:  func(c *Config) { c.Capture.TargetFPS = 0 },
			wantMsg: "target_fps",
		},
		{
			name:    "bad buffer mode",
			mutate:  func(c *Config) { c.Buffer.Mode = "both" },
			wantMsg: "buffer.mode",
		},
		{
			name:    "single slot ring",
			mutate:  func(c *Config) { c.Buffer.SlotsPerWindow = 1 },
			wantMsg: "slots_per_window",
		},
		{
			name:    "non-monotonic tranches",
			mutate:  func(c *Config) { c.Buffer.CompressedTranches = []int64{5 << 20, 1 << 20} },
			wantMsg: "strictly increasing",
		},
		{
			name:    "headroom below one",
			mutate:  func(c *Config) { c.Buffer.ExactAllocationHeadroom = 0.5 },
			wantMsg: "exact_allocation_headroom",
		},
		{
			name:    "ratio above one",
			mutate:  func(c *Config) { c.Compression.MaxCompressionRatio = 1.5 },
			wantMsg: "max_compression_ratio",
		},
		{
			name:    "missing shm path",
			mutate:  func(c *Config) { c.SharedMemory.Path = "" },
			wantMsg: "shared_memory.path",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Retry.Default.MaxAttempts = 0 },
			wantMsg: "max_attempts",
		},
		{
			name:    "total below per-file limit",
			mutate:  func(c *Config) { c.DragDrop.TotalLimit = 1 },
			wantMsg: "total_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestNoRetryPreset(t *testing.T) {
	p := NoRetry()
	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
}
