// Package stream drives the capture loop: it paces captures at the target
// FPS, writes frames into per-window rings, and notifies the host about
// every published slot.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winrun-dev/winrun/internal/compress"
	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/framebuf"
	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/telemetry"
)

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	CaptureAttempts   uint64
	FramesCaptured    uint64
	FramesWritten     uint64
	NotificationsSent uint64
	CaptureErrors     uint64
	BufferFull        uint64
}

// windowState is the per-window pacing and failure record.
type windowState struct {
	lastCaptureAt       time.Time
	frameNumber         uint32
	consecutiveFailures int
	everAllocated       bool
	lastTitle           string
	announced           bool
}

// Scheduler owns the background capture worker. Start and Stop are
// idempotent; Dispose additionally frees all frame buffers.
type Scheduler struct {
	cfg      config.CaptureConfig
	mode     config.BufferMode
	tracker  WindowTracker
	source   Source
	comp     *compress.Compressor
	buffers  *framebuf.Manager
	sender   *telemetry.Sender
	logger   *slog.Logger

	captureAttempts   atomic.Uint64
	framesCaptured    atomic.Uint64
	framesWritten     atomic.Uint64
	notificationsSent atomic.Uint64
	captureErrors     atomic.Uint64
	bufferFull        atomic.Uint64

	mu       sync.Mutex
	running  bool
	disposed bool
	cancel   context.CancelFunc
	done     chan struct{}

	windows map[protocol.WindowID]*windowState
}

// New wires a scheduler. comp may be nil; it is only consulted in
// compressed buffer mode.
func New(
	cfg config.CaptureConfig,
	mode config.BufferMode,
	tracker WindowTracker,
	source Source,
	comp *compress.Compressor,
	buffers *framebuf.Manager,
	sender *telemetry.Sender,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		mode:    mode,
		tracker: tracker,
		source:  source,
		comp:    comp,
		buffers: buffers,
		sender:  sender,
		logger:  logger,
		windows: make(map[protocol.WindowID]*windowState),
	}
}

// Start launches the capture worker. A warning is recorded when the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		s.logger.Warn("start on disposed scheduler ignored")
		return
	}
	if s.running {
		s.logger.Warn("capture scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)

	s.logger.Info("capture scheduler started",
		"target_fps", s.cfg.TargetFPS,
		"per_window", s.cfg.EnablePerWindowCapture,
		"mode", string(s.mode),
	)
}

// Stop halts the worker and waits for it to exit. Returns immediately
// when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
}

// Dispose stops the worker and frees every frame buffer. Idempotent.
func (s *Scheduler) Dispose() {
	s.Stop()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.buffers.DisposeAll()
	s.logger.Info("capture scheduler disposed")
}

// Stats snapshots the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		CaptureAttempts:   s.captureAttempts.Load(),
		FramesCaptured:    s.framesCaptured.Load(),
		FramesWritten:     s.framesWritten.Load(),
		NotificationsSent: s.notificationsSent.Load(),
		CaptureErrors:     s.captureErrors.Load(),
		BufferFull:        s.bufferFull.Load(),
	}
}

// run is the single-threaded capture loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Integer truncation matches the host's pacing expectations.
	intervalMs := 1000 / s.cfg.TargetFPS
	if intervalMs < 1 {
		intervalMs = 1
	}
	interval := time.Duration(intervalMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cleanupEvery := s.cfg.StaleCleanupInterval.Duration()
	if cleanupEvery <= 0 {
		cleanupEvery = time.Second
	}
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
			if now.Sub(lastCleanup) >= cleanupEvery {
				s.cleanupStaleWindowStates()
				lastCleanup = now
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.captureAttempts.Add(1)

	if !s.cfg.EnablePerWindowCapture {
		frame, err := s.captureWithTimeout(ctx, WindowInfo{ID: DesktopWindowID}, true)
		if err != nil {
			s.handleCaptureFailure(ctx, DesktopWindowID, err)
			return
		}
		s.publish(ctx, frame, now)
		return
	}

	minInterval := s.cfg.MinWindowFrameInterval.Duration()
	for _, win := range s.tracker.LiveWindows() {
		if ctx.Err() != nil {
			return
		}
		s.announceWindow(ctx, win)
		st := s.stateFor(win.ID)
		if !st.lastCaptureAt.IsZero() && now.Sub(st.lastCaptureAt) < minInterval {
			continue
		}
		frame, err := s.captureWithTimeout(ctx, win, false)
		if err != nil {
			s.handleCaptureFailure(ctx, win.ID, err)
			continue
		}
		st.lastCaptureAt = now
		s.publish(ctx, frame, now)
	}
}

func (s *Scheduler) captureWithTimeout(ctx context.Context, win WindowInfo, desktop bool) (*Frame, error) {
	timeout := s.cfg.CaptureTimeout.Duration()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if desktop {
		return s.source.CaptureDesktop(ctx)
	}
	return s.source.CaptureWindow(ctx, win)
}

// publish compresses (when configured), writes the frame into its ring,
// and enqueues the FrameReady notification.
func (s *Scheduler) publish(ctx context.Context, frame *Frame, now time.Time) {
	s.framesCaptured.Add(1)

	st := s.stateFor(frame.WindowID)
	st.consecutiveFailures = 0
	st.frameNumber++

	payload := frame.Data
	compressed := false
	if s.mode == config.ModeCompressed && s.comp != nil {
		res, err := s.comp.Compress(frame.Data)
		if err != nil {
			s.logger.Warn("frame compression failed, sending raw",
				"window_id", uint64(frame.WindowID), "error", err)
		} else {
			payload = res.Data
			compressed = res.IsCompressed
		}
	}

	buf := s.buffers.GetOrCreate(frame.WindowID)
	realloc := buf.EnsureAllocated(frame.Width, frame.Height, len(payload))
	if realloc {
		s.notifyBufferAllocated(ctx, buf, st.everAllocated)
		st.everAllocated = true
	}

	keyFrame := st.frameNumber == 1 || realloc ||
		(s.cfg.KeyFrameInterval > 0 && st.frameNumber%uint32(s.cfg.KeyFrameInterval) == 0)

	var flags uint8
	if compressed {
		flags |= framebuf.FlagCompressed
	}
	if keyFrame {
		flags |= framebuf.FlagKeyFrame
	}

	hdr := framebuf.SlotHeader{
		WindowID:    uint64(frame.WindowID),
		FrameNumber: st.frameNumber,
		Width:       frame.Width,
		Height:      frame.Height,
		Stride:      frame.Stride,
		Format:      frame.Format,
		Flags:       flags,
	}

	slot := buf.WriteFrame(hdr, payload)
	if slot < 0 {
		s.bufferFull.Add(1)
		return
	}
	s.framesWritten.Add(1)

	notify := &protocol.FrameReady{
		WindowID:    frame.WindowID,
		SlotIndex:   int32(slot),
		FrameNumber: st.frameNumber,
		IsKeyFrame:  keyFrame,
	}
	// Frames are droppable: a full outbound queue must not stall pacing.
	if err := s.sender.SendPreset(ctx, notify, config.NoRetry()); err != nil {
		s.logger.Debug("frame notification dropped", "window_id", uint64(frame.WindowID), "error", err)
		return
	}
	s.notificationsSent.Add(1)
}

func (s *Scheduler) notifyBufferAllocated(ctx context.Context, buf *framebuf.Buffer, isRealloc bool) {
	msg := &protocol.WindowBufferAllocated{
		WindowID:       buf.WindowID(),
		BufferOffset:   buf.SharedOffset(),
		BufferSize:     buf.BufferSize(),
		SlotSize:       buf.SlotSize(),
		SlotCount:      uint32(buf.SlotCount()),
		IsCompressed:   s.mode == config.ModeCompressed,
		IsReallocation: isRealloc,
		UsesSharedMem:  buf.UsesSharedMemory(),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.logger.Warn("buffer-allocated notification failed",
			"window_id", uint64(buf.WindowID()), "error", err)
	}
}

// announceWindow emits WindowMetadata for windows the host has not seen
// or whose title changed.
func (s *Scheduler) announceWindow(ctx context.Context, win WindowInfo) {
	st := s.stateFor(win.ID)
	if st.announced && st.lastTitle == win.Title {
		return
	}
	st.announced = true
	st.lastTitle = win.Title

	msg := &protocol.WindowMetadata{
		WindowID:  win.ID,
		ProcessID: win.ProcessID,
		Title:     win.Title,
		X:         win.X,
		Y:         win.Y,
		Width:     win.Width,
		Height:    win.Height,
		IsVisible: win.IsVisible,
	}
	if err := s.sender.SendPreset(ctx, msg, config.NoRetry()); err != nil {
		// Retried implicitly: announced stays false so the next tick tries again.
		st.announced = false
		s.logger.Debug("window metadata dropped", "window_id", uint64(win.ID), "error", err)
	}
}

func (s *Scheduler) handleCaptureFailure(ctx context.Context, id protocol.WindowID, err error) {
	s.captureErrors.Add(1)

	st := s.stateFor(id)
	st.consecutiveFailures++
	s.logger.Debug("capture failed",
		"window_id", uint64(id),
		"consecutive", st.consecutiveFailures,
		"error", err,
	)

	if st.consecutiveFailures < s.cfg.MaxConsecutiveFailures {
		return
	}

	s.logger.Warn("capture source reinitializing",
		"window_id", uint64(id),
		"failures", st.consecutiveFailures,
	)
	if rerr := s.source.Reinitialize(ctx); rerr != nil {
		s.logger.Error("capture reinitialization failed", "error", rerr)
	}

	delay := s.cfg.ReinitializationDelay.Duration()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	st.consecutiveFailures = 0
}

// cleanupStaleWindowStates drops pacing records and frame buffers for
// windows that vanished from the tracker.
func (s *Scheduler) cleanupStaleWindowStates() {
	live := make(map[protocol.WindowID]bool)
	if s.cfg.EnablePerWindowCapture {
		for _, win := range s.tracker.LiveWindows() {
			live[win.ID] = true
		}
	} else {
		live[DesktopWindowID] = true
	}

	for id := range s.windows {
		if !live[id] {
			delete(s.windows, id)
		}
	}
	s.buffers.CleanupStale(live)
}

func (s *Scheduler) stateFor(id protocol.WindowID) *windowState {
	st, ok := s.windows[id]
	if !ok {
		st = &windowState{}
		s.windows[id] = st
	}
	return st
}
