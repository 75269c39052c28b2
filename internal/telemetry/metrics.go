// Package telemetry wraps every channel send with retry and counters and
// periodically reports a snapshot to the host.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts channel activity. All counters update atomically; the
// last-error fields are guarded by a small mutex.
type Metrics struct {
	sendAttempts            atomic.Uint64
	sendSuccesses           atomic.Uint64
	sendFailures            atomic.Uint64
	sendRetries             atomic.Uint64
	receiveAttempts         atomic.Uint64
	receiveSuccesses        atomic.Uint64
	receiveFailures         atomic.Uint64
	messageProcessingErrors atomic.Uint64

	mu            sync.Mutex
	lastErrorMsg  string
	lastErrorTime time.Time
}

// Snapshot is an immutable point-in-time copy of the metrics.
type Snapshot struct {
	SendAttempts            uint64
	SendSuccesses           uint64
	SendFailures            uint64
	SendRetries             uint64
	ReceiveAttempts         uint64
	ReceiveSuccesses        uint64
	ReceiveFailures         uint64
	MessageProcessingErrors uint64
	LastErrorMessage        string
	LastErrorTimestamp      time.Time
}

// SuccessRate is 100 when nothing has been attempted yet, otherwise
// successes / (successes + failures) × 100.
func (s Snapshot) SuccessRate() float64 {
	total := s.SendSuccesses + s.SendFailures
	if total == 0 {
		return 100.0
	}
	return float64(s.SendSuccesses) / float64(total) * 100.0
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) RecordSendAttempt() { m.sendAttempts.Add(1) }
func (m *Metrics) RecordSendSuccess() { m.sendSuccesses.Add(1) }
func (m *Metrics) RecordSendRetry()   { m.sendRetries.Add(1) }

func (m *Metrics) RecordSendFailure(err error) {
	m.sendFailures.Add(1)
	m.recordError(err)
}

func (m *Metrics) RecordReceiveAttempt() { m.receiveAttempts.Add(1) }
func (m *Metrics) RecordReceiveSuccess() { m.receiveSuccesses.Add(1) }

func (m *Metrics) RecordReceiveFailure(err error) {
	m.receiveFailures.Add(1)
	m.recordError(err)
}

func (m *Metrics) RecordMessageProcessingError(err error) {
	m.messageProcessingErrors.Add(1)
	m.recordError(err)
}

func (m *Metrics) recordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErrorMsg = err.Error()
	m.lastErrorTime = time.Now()
	m.mu.Unlock()
}

// Snapshot copies all counters at one instant.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	lastMsg, lastTime := m.lastErrorMsg, m.lastErrorTime
	m.mu.Unlock()

	return Snapshot{
		SendAttempts:            m.sendAttempts.Load(),
		SendSuccesses:           m.sendSuccesses.Load(),
		SendFailures:            m.sendFailures.Load(),
		SendRetries:             m.sendRetries.Load(),
		ReceiveAttempts:         m.receiveAttempts.Load(),
		ReceiveSuccesses:        m.receiveSuccesses.Load(),
		ReceiveFailures:         m.receiveFailures.Load(),
		MessageProcessingErrors: m.messageProcessingErrors.Load(),
		LastErrorMessage:        lastMsg,
		LastErrorTimestamp:      lastTime,
	}
}

// Reset zeroes all counters and clears the last error.
func (m *Metrics) Reset() {
	m.sendAttempts.Store(0)
	m.sendSuccesses.Store(0)
	m.sendFailures.Store(0)
	m.sendRetries.Store(0)
	m.receiveAttempts.Store(0)
	m.receiveSuccesses.Store(0)
	m.receiveFailures.Store(0)
	m.messageProcessingErrors.Store(0)

	m.mu.Lock()
	m.lastErrorMsg = ""
	m.lastErrorTime = time.Time{}
	m.mu.Unlock()
}
