package framebuf

import (
	"log/slog"
	"sync"

	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/sharedmem"
)

// ManagerStats sums buffer state across all windows.
type ManagerStats struct {
	BufferCount      int
	AllocatedBytes   uint64
	SharedBuffers    int
	LocalHeapBuffers int
}

// Manager owns one frame ring per window. Buffers are created lazily and
// must release their backing allocation before the entry is dropped.
type Manager struct {
	cfg    config.BufferConfig
	alloc  *sharedmem.Allocator
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[protocol.WindowID]*Buffer
}

// NewManager creates an empty buffer manager. alloc may be nil, in which
// case every ring lives on the local heap.
func NewManager(cfg config.BufferConfig, alloc *sharedmem.Allocator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		alloc:   alloc,
		logger:  logger,
		buffers: make(map[protocol.WindowID]*Buffer),
	}
}

// GetOrCreate returns the ring for a window, creating it unallocated on
// first use.
func (m *Manager) GetOrCreate(id protocol.WindowID) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buffers[id]; ok {
		return b
	}
	b := newBuffer(id, m.cfg, m.alloc, m.logger)
	m.buffers[id] = b
	return b
}

// Get returns the ring for a window, or nil.
func (m *Manager) Get(id protocol.WindowID) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers[id]
}

// Remove disposes a window's ring and forgets it.
func (m *Manager) Remove(id protocol.WindowID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buffers[id]; ok {
		b.Dispose()
		delete(m.buffers, id)
	}
}

// CleanupStale disposes every ring whose window is absent from live and
// returns the removed window ids.
func (m *Manager) CleanupStale(live map[protocol.WindowID]bool) []protocol.WindowID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []protocol.WindowID
	for id, b := range m.buffers {
		if live[id] {
			continue
		}
		b.Dispose()
		delete(m.buffers, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		m.logger.Debug("stale frame buffers removed", "count", len(removed))
	}
	return removed
}

// Stats sums allocation state across all rings.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ManagerStats{BufferCount: len(m.buffers)}
	for _, b := range m.buffers {
		if !b.IsAllocated() {
			continue
		}
		st.AllocatedBytes += b.BufferSize()
		if b.UsesSharedMemory() {
			st.SharedBuffers++
		} else {
			st.LocalHeapBuffers++
		}
	}
	return st
}

// DisposeAll releases every ring. Used on shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, b := range m.buffers {
		b.Dispose()
		delete(m.buffers, id)
	}
}
