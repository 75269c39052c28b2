package telemetry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/winrun-dev/winrun/internal/channel"
	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/protocol"
)

// Sender wraps an outbound queue with retry and metrics. Every outbound
// message of the agent goes through a Sender.
type Sender struct {
	queue   *channel.Queue
	metrics *Metrics
	preset  config.RetryPreset
}

// NewSender binds a queue, metrics sink, and default retry preset.
func NewSender(queue *channel.Queue, metrics *Metrics, preset config.RetryPreset) *Sender {
	return &Sender{queue: queue, metrics: metrics, preset: preset}
}

// Send enqueues with the sender's default preset.
func (s *Sender) Send(ctx context.Context, msg protocol.Message) error {
	return SendWithRetry(ctx, s.queue, msg, s.preset, s.metrics)
}

// SendPreset enqueues with an explicit preset.
func (s *Sender) SendPreset(ctx context.Context, msg protocol.Message, preset config.RetryPreset) error {
	return SendWithRetry(ctx, s.queue, msg, preset, s.metrics)
}

// Metrics exposes the sender's counters.
func (s *Sender) Metrics() *Metrics { return s.metrics }

// SendWithRetry writes one message onto the outbound queue. A full queue
// is retried up to preset.MaxAttempts total attempts with exponential
// backoff min(initial × multiplier^(n−1), max). Queue closure and context
// cancellation fail fast. Returns nil on success.
func SendWithRetry(ctx context.Context, queue *channel.Queue, msg protocol.Message, preset config.RetryPreset, metrics *Metrics) error {
	if queue == nil {
		return channel.ErrQueueClosed
	}

	attempts := preset.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			if metrics != nil {
				metrics.RecordSendAttempt()
			}
			err := queue.TryEnqueue(msg)
			if err == nil {
				return nil
			}
			if errors.Is(err, channel.ErrQueueClosed) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.DelayType(backoffDelay(preset)),
		retry.OnRetry(func(uint, error) {
			if metrics != nil {
				metrics.RecordSendRetry()
			}
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if metrics != nil {
			metrics.RecordSendFailure(err)
		}
		return err
	}
	if metrics != nil {
		metrics.RecordSendSuccess()
	}
	return nil
}

// backoffDelay builds a retry-go delay function for the preset:
// delay(n) = min(initial × multiplier^n, max) with n counted from zero.
func backoffDelay(preset config.RetryPreset) retry.DelayTypeFunc {
	initial := preset.InitialDelay.Duration()
	maxDelay := preset.MaxDelay.Duration()
	multiplier := preset.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	return func(n uint, _ error, _ *retry.Config) time.Duration {
		d := time.Duration(float64(initial) * math.Pow(multiplier, float64(n)))
		if maxDelay > 0 && (d > maxDelay || d < 0) {
			d = maxDelay
		}
		return d
	}
}
