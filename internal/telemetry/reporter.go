package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/winrun-dev/winrun/internal/protocol"
)

// Reporter periodically publishes a TelemetryReport onto the outbound
// queue via the sender. A nil sender or zero interval disables it.
type Reporter struct {
	sender    *Sender
	interval  time.Duration
	logger    *slog.Logger
	startedAt time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter creates a reporter bound to a sender. startedAt anchors the
// uptime reported to the host.
func NewReporter(sender *Sender, interval time.Duration, startedAt time.Time, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		sender:    sender,
		interval:  interval,
		logger:    logger,
		startedAt: startedAt,
	}
}

// Start launches the periodic report loop. No-op when already running or
// when the interval is zero.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil || r.interval <= 0 || r.sender == nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Report(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Report enqueues one TelemetryReport. Emits nothing when no sender is
// bound.
func (r *Reporter) Report(ctx context.Context) {
	if r.sender == nil {
		return
	}

	snap := r.sender.Metrics().Snapshot()
	msg := &protocol.TelemetryReport{
		UptimeMs:                uint64(time.Since(r.startedAt).Milliseconds()),
		SendAttempts:            snap.SendAttempts,
		SendSuccesses:           snap.SendSuccesses,
		SendFailures:            snap.SendFailures,
		SendRetries:             snap.SendRetries,
		ReceiveAttempts:         snap.ReceiveAttempts,
		ReceiveSuccesses:        snap.ReceiveSuccesses,
		ReceiveFailures:         snap.ReceiveFailures,
		MessageProcessingErrors: snap.MessageProcessingErrors,
		SuccessRate:             snap.SuccessRate(),
		LastErrorMessage:        snap.LastErrorMessage,
	}
	if !snap.LastErrorTimestamp.IsZero() {
		msg.LastErrorTimestamp = snap.LastErrorTimestamp.UnixMilli()
	}

	if err := r.sender.Send(ctx, msg); err != nil {
		r.logger.Warn("telemetry report dropped", "error", err)
	}
}
