package framebuf

import (
	"testing"

	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/protocol"
)

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(testBufferConfig(config.ModeCompressed), nil, nil)

	b1 := m.GetOrCreate(100)
	b2 := m.GetOrCreate(100)
	if b1 != b2 {
		t.Error("GetOrCreate returned distinct buffers for the same window")
	}
	if m.Get(100) != b1 {
		t.Error("Get did not return the created buffer")
	}
	if m.Get(200) != nil {
		t.Error("Get returned a buffer for an unknown window")
	}
}

func TestManagerRemoveReleasesBacking(t *testing.T) {
	alloc := testAllocator(t, 64<<20)
	m := NewManager(testBufferConfig(config.ModeCompressed), alloc, nil)

	baseline := alloc.Stats().Used
	b := m.GetOrCreate(1)
	b.EnsureAllocated(800, 600, 100<<10)
	if alloc.Stats().Used == baseline {
		t.Fatal("allocation did not touch the shared region")
	}

	m.Remove(1)
	if got := alloc.Stats().Used; got != baseline {
		t.Errorf("Used = %d after Remove, want baseline %d", got, baseline)
	}
	if m.Get(1) != nil {
		t.Error("buffer still present after Remove")
	}
}

func TestManagerCleanupStale(t *testing.T) {
	alloc := testAllocator(t, 64<<20)
	m := NewManager(testBufferConfig(config.ModeCompressed), alloc, nil)

	for _, id := range []protocol.WindowID{1, 2, 3} {
		m.GetOrCreate(id).EnsureAllocated(640, 480, 50<<10)
	}

	removed := m.CleanupStale(map[protocol.WindowID]bool{2: true})
	if len(removed) != 2 {
		t.Fatalf("removed %d buffers, want 2", len(removed))
	}
	if m.Get(2) == nil {
		t.Error("live window's buffer was removed")
	}
	if m.Get(1) != nil || m.Get(3) != nil {
		t.Error("stale buffers survived cleanup")
	}

	st := m.Stats()
	if st.BufferCount != 1 {
		t.Errorf("BufferCount = %d, want 1", st.BufferCount)
	}
}

func TestManagerStats(t *testing.T) {
	m := NewManager(testBufferConfig(config.ModeCompressed), nil, nil)

	m.GetOrCreate(1).EnsureAllocated(640, 480, 50<<10)
	m.GetOrCreate(2) // never allocated

	st := m.Stats()
	if st.BufferCount != 2 {
		t.Errorf("BufferCount = %d, want 2", st.BufferCount)
	}
	if st.LocalHeapBuffers != 1 {
		t.Errorf("LocalHeapBuffers = %d, want 1", st.LocalHeapBuffers)
	}
	if st.SharedBuffers != 0 {
		t.Errorf("SharedBuffers = %d, want 0", st.SharedBuffers)
	}
	if st.AllocatedBytes != 3<<20 {
		t.Errorf("AllocatedBytes = %d, want %d", st.AllocatedBytes, 3<<20)
	}
}

func TestManagerDisposeAll(t *testing.T) {
	alloc := testAllocator(t, 64<<20)
	m := NewManager(testBufferConfig(config.ModeCompressed), alloc, nil)

	baseline := alloc.Stats().Used
	for _, id := range []protocol.WindowID{1, 2, 3} {
		m.GetOrCreate(id).EnsureAllocated(640, 480, 50<<10)
	}
	m.DisposeAll()

	if got := alloc.Stats().Used; got != baseline {
		t.Errorf("Used = %d after DisposeAll, want %d", got, baseline)
	}
	if st := m.Stats(); st.BufferCount != 0 {
		t.Errorf("BufferCount = %d after DisposeAll, want 0", st.BufferCount)
	}
}
