// Package session tracks guest processes and their windows, drives the
// per-session state machine, and emits periodic heartbeats.
package session

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/winrun-dev/winrun/internal/protocol"
)

// State is the lifecycle position of one session.
type State string

const (
	StateStarting State = "starting"
	StateActive   State = "active"
	StateIdle     State = "idle"
	StateExited   State = "exited"
)

// Session is one tracked process and its windows.
type Session struct {
	ProcessID      uint32
	ExecutablePath string
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
	WindowIDs      map[protocol.WindowID]bool
}

// StateChange describes one transition, delivered via the state hook.
type StateChange struct {
	ProcessID uint32
	OldState  State
	NewState  State
}

// HeartbeatInfo is the periodic liveness snapshot.
type HeartbeatInfo struct {
	TrackedWindowCount int
	UptimeMs           uint64
	CPUUsagePercent    float64
	MemoryUsageBytes   uint64
}

// Manager owns the process/window graph. All state lives behind one
// mutex; hooks are invoked outside it.
type Manager struct {
	logger    *slog.Logger
	idleAfter time.Duration
	startedAt time.Time

	mu       sync.Mutex
	sessions map[uint32]*Session

	onStateChanged func(StateChange)
	onHeartbeat    func(HeartbeatInfo)

	hbMu     sync.Mutex
	hbStop   chan struct{}
	hbDone   chan struct{}
	interval time.Duration
}

// NewManager creates an empty session graph. idleAfter bounds how long a
// windowless session stays Active before turning Idle.
func NewManager(heartbeatInterval, idleAfter time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		idleAfter: idleAfter,
		startedAt: time.Now(),
		sessions:  make(map[uint32]*Session),
		interval:  heartbeatInterval,
	}
}

// OnStateChanged registers the transition hook. Must be set before Start.
func (m *Manager) OnStateChanged(fn func(StateChange)) { m.onStateChanged = fn }

// OnHeartbeat registers the heartbeat hook. Must be set before Start.
func (m *Manager) OnHeartbeat(fn func(HeartbeatInfo)) { m.onHeartbeat = fn }

// TrackSession upserts a session for a process. Tracking an existing pid
// returns the same session untouched.
func (m *Manager) TrackSession(pid uint32, executablePath string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[pid]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		ProcessID:      pid,
		ExecutablePath: executablePath,
		State:          StateStarting,
		CreatedAt:      now,
		LastActivityAt: now,
		WindowIDs:      make(map[protocol.WindowID]bool),
	}
	m.sessions[pid] = s
	m.logger.Info("session tracked", "pid", pid, "path", executablePath)
	return s
}

// AssociateWindow links a window to a session; the first window moves the
// session Starting→Active. Exited sessions ignore associations.
func (m *Manager) AssociateWindow(id protocol.WindowID, pid uint32) {
	var change *StateChange

	m.mu.Lock()
	s, ok := m.sessions[pid]
	if ok && s.State != StateExited {
		s.WindowIDs[id] = true
		s.LastActivityAt = time.Now()
		if s.State == StateStarting {
			change = m.transitionLocked(s, StateActive)
		} else if s.State == StateIdle {
			change = m.transitionLocked(s, StateActive)
		}
	}
	m.mu.Unlock()

	m.fireStateChange(change)
}

// DisassociateWindow removes a window. A session with no windows left and
// no recent activity turns Idle.
func (m *Manager) DisassociateWindow(id protocol.WindowID, pid uint32) {
	var change *StateChange

	m.mu.Lock()
	if s, ok := m.sessions[pid]; ok && s.State != StateExited {
		delete(s.WindowIDs, id)
		if len(s.WindowIDs) == 0 && s.State == StateActive &&
			time.Since(s.LastActivityAt) >= m.idleAfter {
			change = m.transitionLocked(s, StateIdle)
		}
	}
	m.mu.Unlock()

	m.fireStateChange(change)
}

// MarkSessionExited drives a session to its terminal state. Later calls
// for the same pid are no-ops.
func (m *Manager) MarkSessionExited(pid uint32) {
	var change *StateChange

	m.mu.Lock()
	if s, ok := m.sessions[pid]; ok && s.State != StateExited {
		change = m.transitionLocked(s, StateExited)
		s.WindowIDs = make(map[protocol.WindowID]bool)
	}
	m.mu.Unlock()

	m.fireStateChange(change)
}

// RecordActivity refreshes the activity timestamp and revives an Idle
// session.
func (m *Manager) RecordActivity(pid uint32) {
	var change *StateChange

	m.mu.Lock()
	if s, ok := m.sessions[pid]; ok && s.State != StateExited {
		s.LastActivityAt = time.Now()
		if s.State == StateIdle {
			change = m.transitionLocked(s, StateActive)
		}
	}
	m.mu.Unlock()

	m.fireStateChange(change)
}

// SweepIdle demotes Active sessions without windows whose activity is
// older than idleAfter. Called from the heartbeat timer.
func (m *Manager) SweepIdle() {
	var changes []*StateChange

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.State == StateActive && len(s.WindowIDs) == 0 &&
			time.Since(s.LastActivityAt) >= m.idleAfter {
			changes = append(changes, m.transitionLocked(s, StateIdle))
		}
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.fireStateChange(c)
	}
}

// Lookup returns the session for a pid, or nil.
func (m *Manager) Lookup(pid uint32) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[pid]
}

// SessionForWindow finds the session owning a window, or nil.
func (m *Manager) SessionForWindow(id protocol.WindowID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.WindowIDs[id] {
			return s
		}
	}
	return nil
}

// Snapshot returns protocol-ready session records sorted by pid.
func (m *Manager) Snapshot() []protocol.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		ids := make([]protocol.WindowID, 0, len(s.WindowIDs))
		for id := range s.WindowIDs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, protocol.SessionInfo{
			ProcessID:      s.ProcessID,
			ExecutablePath: s.ExecutablePath,
			State:          string(s.State),
			WindowIDs:      ids,
			CreatedAt:      s.CreatedAt.UnixMilli(),
			LastActivityAt: s.LastActivityAt.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out
}

// GenerateHeartbeat builds the liveness snapshot.
func (m *Manager) GenerateHeartbeat() HeartbeatInfo {
	m.mu.Lock()
	windows := 0
	for _, s := range m.sessions {
		if s.State != StateExited {
			windows += len(s.WindowIDs)
		}
	}
	m.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return HeartbeatInfo{
		TrackedWindowCount: windows,
		UptimeMs:           uint64(time.Since(m.startedAt).Milliseconds()),
		MemoryUsageBytes:   mem.Sys,
	}
}

// Start launches the heartbeat timer; each tick sweeps idle sessions and
// invokes the heartbeat hook. No-op when already running or interval <= 0.
func (m *Manager) Start() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	if m.hbStop != nil || m.interval <= 0 {
		return
	}
	m.hbStop = make(chan struct{})
	m.hbDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SweepIdle()
				if m.onHeartbeat != nil {
					m.onHeartbeat(m.GenerateHeartbeat())
				}
			case <-stop:
				return
			}
		}
	}(m.hbStop, m.hbDone)
}

// Stop halts the heartbeat timer. Idempotent.
func (m *Manager) Stop() {
	m.hbMu.Lock()
	stop, done := m.hbStop, m.hbDone
	m.hbStop = nil
	m.hbDone = nil
	m.hbMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// transitionLocked moves a session to next and returns the change record.
// Caller holds m.mu.
func (m *Manager) transitionLocked(s *Session, next State) *StateChange {
	old := s.State
	s.State = next
	m.logger.Debug("session state changed",
		"pid", s.ProcessID, "old", string(old), "new", string(next))
	return &StateChange{ProcessID: s.ProcessID, OldState: old, NewState: next}
}

func (m *Manager) fireStateChange(c *StateChange) {
	if c != nil && m.onStateChanged != nil {
		m.onStateChanged(*c)
	}
}
