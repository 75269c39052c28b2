package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/winrun-dev/winrun/internal/agent"
	"github.com/winrun-dev/winrun/internal/channel"
	"github.com/winrun-dev/winrun/internal/clipboard"
	"github.com/winrun-dev/winrun/internal/compress"
	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/dragdrop"
	"github.com/winrun-dev/winrun/internal/framebuf"
	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/session"
	"github.com/winrun-dev/winrun/internal/sharedmem"
	"github.com/winrun-dev/winrun/internal/shortcuts"
	"github.com/winrun-dev/winrun/internal/stream"
	"github.com/winrun-dev/winrun/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		serve()
	case "version":
		fmt.Printf("winrun-agent v%s\n", agent.Version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serve() {
	cfgPath := "winrun-agent.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, startupCloser := setupLogger("info", "json", "stdout")
	if startupCloser != nil {
		defer startupCloser.Close()
	}
	logger.Info("winrun-agent starting", "version", agent.Version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if startupCloser != nil {
		_ = startupCloser.Close()
		startupCloser = nil
	}
	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared memory is best-effort: a failed region disables host-visible
	// publication and every ring falls back to the local heap.
	allocator := sharedmem.New(cfg.SharedMemory, logger)
	sharedReady := true
	if err := allocator.Initialize(); err != nil {
		logger.Error("shared memory unavailable, continuing on local heap", "error", err)
		sharedReady = false
	} else {
		defer allocator.Close()
	}

	inbound := channel.NewQueue(256)
	outbound := channel.NewQueue(1024)

	metrics := telemetry.NewMetrics()
	sender := telemetry.NewSender(outbound, metrics, cfg.Retry.Default)

	endpoint, err := dialChannel(ctx, cfg, logger)
	if err != nil {
		logger.Error("control channel unavailable", "url", cfg.Channel.URL, "error", err)
		os.Exit(1)
	}
	transport := channel.NewTransport(endpoint, inbound, outbound, metrics, logger)
	transport.Start(ctx)
	defer transport.Stop()

	sessions := session.NewManager(
		cfg.Session.HeartbeatInterval.Duration(),
		cfg.Session.IdleAfter.Duration(),
		logger,
	)

	var clip *clipboard.Syncer
	if cfg.Clipboard.Enabled {
		clip = clipboard.NewSyncer(&clipboard.Memory{}, logger)
		defer clip.Dispose()
	}

	drags := dragdrop.NewManager(cfg.DragDrop, logger)

	var shmAlloc *sharedmem.Allocator
	if sharedReady {
		shmAlloc = allocator
	}
	buffers := framebuf.NewManager(cfg.Buffer, shmAlloc, logger)
	compressor := compress.New(cfg.Compression)

	scheduler := stream.New(
		cfg.Capture,
		cfg.Buffer.Mode,
		noopTracker{},
		blankSource{},
		compressor,
		buffers,
		sender,
		logger,
	)

	scanner := shortcuts.NewScanner(cfg.Shortcuts.Dirs, cfg.Shortcuts.RescanInterval.Duration(), logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	svc := agent.New(cfg, inbound, outbound, sender, sessions, clip, drags, agent.Options{
		Shortcuts:         scanner,
		SharedMemoryReady: sharedReady,
		OnShutdown: func(reason string) {
			logger.Info("host requested shutdown", "reason", reason)
			quit <- syscall.SIGTERM
		},
	}, logger)

	if err := svc.Start(ctx); err != nil {
		logger.Error("agent service failed to start", "error", err)
		os.Exit(1)
	}

	scanner.OnFound(func(sc protocol.ShortcutDetected) {
		_ = sender.Send(ctx, &sc)
	})
	scanner.Start(ctx)
	defer scanner.Stop()

	scheduler.Start(ctx)

	reporter := telemetry.NewReporter(sender, cfg.Telemetry.ReportInterval.Duration(), time.Now(), logger)
	reporter.Start(ctx)

	cleanup := startStagingJanitor(ctx, drags, cfg.DragDrop.StaleSessionMaxAge.Duration())
	defer cleanup()

	logger.Info("winrun-agent ready", "channel", cfg.Channel.URL, "shared_memory", sharedReady)

	<-quit
	logger.Info("shutdown signal received")

	reporter.Stop()
	scheduler.Dispose()
	svc.Stop()
	outbound.Close()
	inbound.Close()

	logger.Info("winrun-agent stopped")
}

// dialChannel connects to the host, retrying while reconnect is enabled.
func dialChannel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (channel.Endpoint, error) {
	timeout := cfg.Channel.DialTimeout.Duration()
	for {
		endpoint, err := channel.Dial(ctx, cfg.Channel.URL, timeout)
		if err == nil {
			return endpoint, nil
		}
		if !cfg.Channel.Reconnect {
			return nil, err
		}
		logger.Warn("control channel dial failed, retrying", "error", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// startStagingJanitor sweeps stale drag sessions every few minutes.
func startStagingJanitor(ctx context.Context, drags *dragdrop.Manager, maxAge time.Duration) func() {
	if maxAge <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				drags.CleanupStaleSessions(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { <-done }
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`winrun-agent - guest window streaming agent

Usage:
  winrun-agent <command> [options]

Commands:
  serve [config]   Start the agent (default config: winrun-agent.yaml)
  start [config]   Alias for serve
  version          Show version
  help             Show this help

Signals:
  SIGINT/SIGTERM   Graceful shutdown

Examples:
  winrun-agent serve
  winrun-agent serve /etc/winrun/agent.yaml
  winrun-agent version`)
}
