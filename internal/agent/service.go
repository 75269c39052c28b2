// Package agent composes the guest subsystems behind one inbound dispatch
// loop and one outbound queue: capability announce, input injection,
// program launch, clipboard, drag-drop, session control, and shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/winrun-dev/winrun/internal/channel"
	"github.com/winrun-dev/winrun/internal/clipboard"
	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/dragdrop"
	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/session"
	"github.com/winrun-dev/winrun/internal/telemetry"
)

// Version is stamped by the build; surfaced in capability announcements.
var Version = "0.3.0-dev"

// InputInjector delivers host input events into guest windows. The
// platform implementation lives outside the core.
type InputInjector interface {
	InjectMouse(ctx context.Context, ev *protocol.MouseInput) error
	InjectKeyboard(ctx context.Context, ev *protocol.KeyboardInput) error
}

// ProgramLauncher starts and stops guest programs.
type ProgramLauncher interface {
	Launch(ctx context.Context, path string, args []string, workingDir string) (pid uint32, err error)
	Terminate(ctx context.Context, pid uint32) error
}

// ShortcutProvider lists discovered application shortcuts.
type ShortcutProvider interface {
	Shortcuts(ctx context.Context) ([]protocol.ShortcutDetected, error)
}

// IconProvider extracts window or executable icons as PNG.
type IconProvider interface {
	Icon(ctx context.Context, windowID protocol.WindowID, path string) ([]byte, error)
}

// Options carries the optional collaborators; a nil Injector, Launcher or
// Shortcuts clears the corresponding capability bit, and a nil Icons
// answers icon requests with a failure ack.
type Options struct {
	Injector  InputInjector
	Launcher  ProgramLauncher
	Shortcuts ShortcutProvider
	Icons     IconProvider

	// SharedMemoryReady reports whether frame buffers publish through the
	// shared region (as opposed to the local-heap fallback).
	SharedMemoryReady bool

	// OnShutdown runs after a host Shutdown request is acknowledged.
	OnShutdown func(reason string)
}

// Service is the agent control plane: it owns the inbound dispatch loop
// and fans every outbound message through the telemetry sender.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	inbound  *channel.Queue
	outbound *channel.Queue
	sender   *telemetry.Sender
	metrics  *telemetry.Metrics

	sessions *session.Manager
	clip     *clipboard.Syncer
	drags    *dragdrop.Manager
	opts     Options

	startedAt time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles the service. sessions, clip, and drags may be nil when
// the corresponding subsystem is disabled.
func New(
	cfg *config.Config,
	inbound, outbound *channel.Queue,
	sender *telemetry.Sender,
	sessions *session.Manager,
	clip *clipboard.Syncer,
	drags *dragdrop.Manager,
	opts Options,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		inbound:   inbound,
		outbound:  outbound,
		sender:    sender,
		metrics:   sender.Metrics(),
		sessions:  sessions,
		clip:      clip,
		drags:     drags,
		opts:      opts,
		startedAt: time.Now(),
	}
}

// Capabilities derives the announced feature mask from what is wired.
func (s *Service) Capabilities() protocol.Capability {
	caps := protocol.CapFrameStreaming
	if s.opts.SharedMemoryReady {
		caps |= protocol.CapSharedMemory
	}
	if s.cfg.Buffer.Mode == config.ModeCompressed {
		caps |= protocol.CapCompressedFrames
	}
	if s.clip != nil {
		caps |= protocol.CapClipboard
	}
	if s.drags != nil {
		caps |= protocol.CapDragDrop
	}
	if s.opts.Injector != nil {
		caps |= protocol.CapInputInjection
	}
	if s.opts.Launcher != nil {
		caps |= protocol.CapProgramLaunch
	}
	if s.opts.Shortcuts != nil {
		caps |= protocol.CapShortcutDiscovery
	}
	return caps
}

// Start announces capabilities and launches the dispatch loop plus the
// session heartbeat forwarding. No-op when already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.announce(ctx)

	if s.sessions != nil {
		s.sessions.OnHeartbeat(func(hb session.HeartbeatInfo) {
			_ = s.sender.Send(ctx, &protocol.Heartbeat{
				TrackedWindowCount: hb.TrackedWindowCount,
				UptimeMs:           hb.UptimeMs,
				CPUUsagePercent:    hb.CPUUsagePercent,
				MemoryUsageBytes:   hb.MemoryUsageBytes,
			})
		})
		s.sessions.Start()
	}
	if s.clip != nil {
		s.clip.OnChanged(func(msg *protocol.ClipboardChanged) {
			_ = s.sender.Send(ctx, msg)
		})
	}

	go s.dispatchLoop(ctx)
	s.logger.Info("agent service started", "capabilities", uint32(s.Capabilities()))
	return nil
}

// Stop halts the dispatch loop and the heartbeat timer. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if s.sessions != nil {
		s.sessions.Stop()
	}
	s.logger.Info("agent service stopped")
}

// announce publishes provisioning progress, the capability mask, and the
// completion marker as the session's opening sequence.
func (s *Service) announce(ctx context.Context) {
	critical := s.cfg.Retry.Critical
	_ = s.sender.SendPreset(ctx, &protocol.ProvisioningProgress{Stage: "announce", Percent: 100}, critical)
	_ = s.sender.SendPreset(ctx, &protocol.Capabilities{
		ProtocolVersion: protocol.CombinedVersion(),
		Flags:           s.Capabilities(),
		AgentVersion:    Version,
	}, critical)
	_ = s.sender.SendPreset(ctx, &protocol.ProvisioningComplete{AgentVersion: Version}, critical)
}

// dispatchLoop reads the inbound queue until cancellation, then drains
// whatever is already buffered before exiting.
func (s *Service) dispatchLoop(ctx context.Context) {
	defer close(s.done)

	for {
		msg, err := s.inbound.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.drainInbound()
			}
			return
		}
		s.handle(ctx, msg)
	}
}

// drainInbound handles already-queued messages once after cancellation.
func (s *Service) drainInbound() {
	ctx := context.Background()
	for {
		drainCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
		msg, err := s.inbound.Dequeue(drainCtx)
		cancel()
		if err != nil {
			return
		}
		s.handle(ctx, msg)
	}
}

func (s *Service) handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.LaunchProgram:
		s.handleLaunch(ctx, m)
	case *protocol.RequestIcon:
		s.handleRequestIcon(ctx, m)
	case *protocol.ClipboardData:
		s.handleClipboard(ctx, m)
	case *protocol.MouseInput:
		s.handleMouse(ctx, m)
	case *protocol.KeyboardInput:
		s.handleKeyboard(ctx, m)
	case *protocol.DragDropEvent:
		s.handleDragDrop(ctx, m)
	case *protocol.ListSessions:
		s.handleListSessions(ctx, m)
	case *protocol.CloseSession:
		s.handleCloseSession(ctx, m)
	case *protocol.ListShortcuts:
		s.handleListShortcuts(ctx, m)
	case *protocol.Shutdown:
		s.handleShutdown(ctx, m)
	default:
		s.metrics.RecordMessageProcessingError(fmt.Errorf("unknown message kind %s", msg.MessageKind()))
		_ = s.sender.Send(ctx, &protocol.Error{
			Code:    "unknown_kind",
			Message: "unknown message kind",
		})
	}
}

func (s *Service) ack(ctx context.Context, id uint64, err error) {
	ack := &protocol.Ack{MessageID: id, Success: err == nil}
	if err != nil {
		ack.ErrorMessage = err.Error()
	}
	_ = s.sender.Send(ctx, ack)
}

func (s *Service) handleLaunch(ctx context.Context, m *protocol.LaunchProgram) {
	if s.opts.Launcher == nil {
		s.ack(ctx, m.MessageID, fmt.Errorf("program launch not supported"))
		return
	}
	pid, err := s.opts.Launcher.Launch(ctx, m.Path, m.Arguments, m.WorkingDirectory)
	if err != nil {
		s.logger.Error("program launch failed", "path", m.Path, "error", err)
		s.ack(ctx, m.MessageID, err)
		return
	}
	if s.sessions != nil {
		s.sessions.TrackSession(pid, m.Path)
	}
	s.logger.Info("program launched", "path", m.Path, "pid", pid)
	s.ack(ctx, m.MessageID, nil)
}

func (s *Service) handleRequestIcon(ctx context.Context, m *protocol.RequestIcon) {
	if s.opts.Icons == nil {
		s.ack(ctx, m.MessageID, fmt.Errorf("icon extraction not supported"))
		return
	}
	png, err := s.opts.Icons.Icon(ctx, m.WindowID, m.Path)
	if err != nil {
		s.ack(ctx, m.MessageID, err)
		return
	}
	_ = s.sender.Send(ctx, &protocol.IconData{
		MessageID: m.MessageID,
		WindowID:  m.WindowID,
		Path:      m.Path,
		PNG:       png,
	})
}

func (s *Service) handleClipboard(ctx context.Context, m *protocol.ClipboardData) {
	if s.clip == nil {
		return
	}
	if err := s.clip.SetClipboard(m); err != nil {
		s.logger.Warn("clipboard apply failed", "seq", m.SequenceNumber, "error", err)
		_ = s.sender.Send(ctx, &protocol.Error{Code: "clipboard", Message: err.Error()})
	}
}

func (s *Service) handleMouse(ctx context.Context, m *protocol.MouseInput) {
	if s.opts.Injector == nil {
		return
	}
	if err := s.opts.Injector.InjectMouse(ctx, m); err != nil {
		s.logger.Warn("mouse injection failed", "window_id", uint64(m.WindowID), "error", err)
	} else if s.sessions != nil {
		if sess := s.sessions.SessionForWindow(m.WindowID); sess != nil {
			s.sessions.RecordActivity(sess.ProcessID)
		}
	}
}

func (s *Service) handleKeyboard(ctx context.Context, m *protocol.KeyboardInput) {
	if s.opts.Injector == nil {
		return
	}
	if err := s.opts.Injector.InjectKeyboard(ctx, m); err != nil {
		s.logger.Warn("keyboard injection failed", "window_id", uint64(m.WindowID), "error", err)
	} else if s.sessions != nil {
		if sess := s.sessions.SessionForWindow(m.WindowID); sess != nil {
			s.sessions.RecordActivity(sess.ProcessID)
		}
	}
}

func (s *Service) handleDragDrop(ctx context.Context, m *protocol.DragDropEvent) {
	if s.drags == nil {
		s.ack(ctx, m.MessageID, fmt.Errorf("drag and drop not supported"))
		return
	}
	res := s.drags.HandleDragDrop(m)
	if res.Success {
		s.ack(ctx, m.MessageID, nil)
	} else {
		s.ack(ctx, m.MessageID, fmt.Errorf("%s", res.ErrorMessage))
	}
}

func (s *Service) handleListSessions(ctx context.Context, m *protocol.ListSessions) {
	list := &protocol.SessionList{MessageID: m.MessageID}
	if s.sessions != nil {
		list.Sessions = s.sessions.Snapshot()
	}
	_ = s.sender.Send(ctx, list)
}

func (s *Service) handleCloseSession(ctx context.Context, m *protocol.CloseSession) {
	pid64, err := strconv.ParseUint(m.SessionID, 10, 32)
	if err != nil {
		s.ack(ctx, m.MessageID, fmt.Errorf("invalid session id %q", m.SessionID))
		return
	}
	pid := uint32(pid64)

	if s.sessions == nil || s.sessions.Lookup(pid) == nil {
		s.ack(ctx, m.MessageID, fmt.Errorf("no such session %q", m.SessionID))
		return
	}
	if s.opts.Launcher != nil {
		if err := s.opts.Launcher.Terminate(ctx, pid); err != nil {
			s.logger.Warn("session terminate failed", "pid", pid, "error", err)
		}
	}
	s.sessions.MarkSessionExited(pid)
	s.ack(ctx, m.MessageID, nil)
}

func (s *Service) handleListShortcuts(ctx context.Context, m *protocol.ListShortcuts) {
	if s.opts.Shortcuts == nil {
		s.ack(ctx, m.MessageID, fmt.Errorf("shortcut discovery not supported"))
		return
	}
	shortcuts, err := s.opts.Shortcuts.Shortcuts(ctx)
	if err != nil {
		s.ack(ctx, m.MessageID, err)
		return
	}
	_ = s.sender.Send(ctx, &protocol.ShortcutList{MessageID: m.MessageID, Shortcuts: shortcuts})
}

func (s *Service) handleShutdown(ctx context.Context, m *protocol.Shutdown) {
	s.logger.Info("shutdown requested", "reason", m.Reason)
	s.ack(ctx, m.MessageID, nil)
	if s.opts.OnShutdown != nil {
		s.opts.OnShutdown(m.Reason)
	}
}
