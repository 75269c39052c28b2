// Package clipboard synchronizes host and guest clipboards with a
// monotonic sequence-number discipline: stale updates are acknowledged
// and dropped so both sides converge on the newest content.
package clipboard

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/winrun-dev/winrun/internal/protocol"
)

// Pasteboard abstracts the guest clipboard. The platform implementation
// lives outside this package; Memory ships for tests and headless runs.
type Pasteboard interface {
	// Set places content of one format on the clipboard.
	Set(format uint8, data []byte) error
	// Get reads the current content, or ok=false when empty.
	Get() (format uint8, data []byte, ok bool)
}

// Syncer applies host clipboard updates in sequence order and forwards
// guest-side changes upstream.
type Syncer struct {
	logger *slog.Logger

	mu           sync.Mutex
	board        Pasteboard
	lastAccepted uint64
	outSeq       uint64
	disposed     bool

	onChanged func(*protocol.ClipboardChanged)
}

// NewSyncer wraps a pasteboard.
func NewSyncer(board Pasteboard, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{board: board, logger: logger}
}

// OnChanged registers the hook receiving guest→host clipboard updates.
// Invoked outside the syncer mutex.
func (s *Syncer) OnChanged(fn func(*protocol.ClipboardChanged)) {
	s.mu.Lock()
	s.onChanged = fn
	s.mu.Unlock()
}

// SetClipboard applies a host update. Messages whose sequence number is
// not newer than the last accepted one are stale: they succeed without
// touching the pasteboard — an acknowledge-and-ignore contract, not an
// error. Returns an error only when the pasteboard itself rejects the
// content.
func (s *Syncer) SetClipboard(msg *protocol.ClipboardData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("clipboard syncer disposed")
	}
	if msg.SequenceNumber <= s.lastAccepted {
		s.logger.Debug("stale clipboard update ignored",
			"seq", msg.SequenceNumber, "last", s.lastAccepted)
		return nil
	}

	if err := s.board.Set(msg.Format, msg.Data); err != nil {
		return fmt.Errorf("setting guest clipboard: %w", err)
	}
	s.lastAccepted = msg.SequenceNumber
	return nil
}

// LastAccepted returns the newest applied host sequence number.
func (s *Syncer) LastAccepted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccepted
}

// NotifyLocalChange reads the pasteboard and forwards its content to the
// host with a fresh sequence number. Called by the platform watcher when
// the guest clipboard changes.
func (s *Syncer) NotifyLocalChange() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	format, data, ok := s.board.Get()
	if !ok {
		s.mu.Unlock()
		return
	}
	s.outSeq++
	msg := &protocol.ClipboardChanged{
		SequenceNumber: s.outSeq,
		Format:         format,
		Data:           data,
	}
	hook := s.onChanged
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
}

// Dispose detaches the hook. Idempotent; later SetClipboard calls fail.
func (s *Syncer) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.onChanged = nil
	s.mu.Unlock()
}

// Memory is an in-process pasteboard.
type Memory struct {
	mu     sync.Mutex
	format uint8
	data   []byte
	filled bool
}

func (m *Memory) Set(format uint8, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.format = format
	m.data = append([]byte(nil), data...)
	m.filled = true
	return nil
}

func (m *Memory) Get() (uint8, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.filled {
		return 0, nil, false
	}
	return m.format, append([]byte(nil), m.data...), true
}
