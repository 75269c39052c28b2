package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			URL:         "ws://10.0.2.2:9955/agent",
			DialTimeout: Duration(10 * time.Second),
			Reconnect:   true,
		},
		Capture: CaptureConfig{
			TargetFPS:              30,
			CaptureTimeout:         Duration(100 * time.Millisecond),
			MaxConsecutiveFailures: 10,
			ReinitializationDelay:  Duration(1 * time.Second),
			EnablePerWindowCapture: true,
			MinWindowFrameInterval: Duration(33 * time.Millisecond),
			KeyFrameInterval:       300,
			StaleCleanupInterval:   Duration(1 * time.Second),
		},
		Buffer: BufferConfig{
			Mode:                    ModeCompressed,
			SlotsPerWindow:          3,
			BytesPerPixel:           4,
			ExactAllocationHeadroom: 1.0,
			CompressedTranches:      []int64{1 << 20, 5 << 20, 20 << 20},
			ShrinkGraceFrames:       300,
		},
		Compression: CompressionConfig{
			Enabled:             true,
			Level:               0,
			MinSizeToCompress:   1024,
			MaxCompressionRatio: 0.95,
		},
		SharedMemory: SharedMemoryConfig{
			Path:              "/dev/shm/winrun-framebuffer",
			CreateIfNotExists: true,
			CreateSizeBytes:   256 << 20,
			MinimumSizeBytes:  64 << 20,
		},
		Retry: RetryConfig{
			Default: RetryPreset{
				InitialDelay: Duration(500 * time.Millisecond),
				Multiplier:   1.8,
				MaxDelay:     Duration(15 * time.Second),
				MaxAttempts:  5,
			},
			Critical: RetryPreset{
				InitialDelay: Duration(100 * time.Millisecond),
				Multiplier:   1.5,
				MaxDelay:     Duration(5 * time.Second),
				MaxAttempts:  10,
			},
		},
		Session: SessionConfig{
			HeartbeatInterval: Duration(5 * time.Second),
			IdleAfter:         Duration(2 * time.Minute),
		},
		Clipboard: ClipboardConfig{
			Enabled: true,
		},
		DragDrop: DragDropConfig{
			StagingRoot:        "/tmp/winrun-staging",
			PerFileLimit:       500 << 20,
			TotalLimit:         2 << 30,
			StaleSessionMaxAge: Duration(1 * time.Hour),
		},
		Shortcuts: ShortcutsConfig{
			Dirs: []string{
				"/usr/share/applications",
				"/usr/local/share/applications",
			},
			RescanInterval: Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			ReportInterval: Duration(30 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// NoRetry is the single-attempt preset; delays are irrelevant.
func NoRetry() RetryPreset {
	return RetryPreset{MaxAttempts: 1, Multiplier: 1.0}
}
