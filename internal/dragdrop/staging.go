// Package dragdrop stages host files dropped onto guest windows. Each
// drag owns a fresh staging directory that is either committed to a
// destination or discarded.
package dragdrop

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/protocol"
)

const manifestName = "manifest.bin"

// Session is one in-flight drag for a window.
type Session struct {
	WindowID    protocol.WindowID
	StagingDir  string
	StagedPaths []string
	CreatedAt   time.Time
}

// manifest is persisted (msgpack) inside every staging directory so
// orphaned directories remain auditable after an agent restart.
type manifest struct {
	WindowID    uint64   `msgpack:"window_id"`
	CreatedAt   int64    `msgpack:"created_at"`
	StagedPaths []string `msgpack:"staged_paths"`
}

// StageResult is the structured outcome of a staging operation.
type StageResult struct {
	Success      bool
	StagedPaths  []string
	ErrorMessage string
}

// Manager owns the staging root and the per-window drag sessions.
type Manager struct {
	cfg    config.DragDropConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[protocol.WindowID]*Session
}

// NewManager creates a drag-drop manager over the configured staging root.
func NewManager(cfg config.DragDropConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[protocol.WindowID]*Session),
	}
}

func (m *Manager) limits() Limits {
	return Limits{PerFileLimit: m.cfg.PerFileLimit, TotalLimit: m.cfg.TotalLimit}
}

// StageFiles validates the drag and materializes its files into a fresh
// GUID-named subdirectory of the staging root. An existing session for
// the window is replaced (its directory removed).
func (m *Manager) StageFiles(windowID protocol.WindowID, files []protocol.DragFile) StageResult {
	if err := ValidatePaths(files, m.limits()); err != nil {
		return StageResult{ErrorMessage: err.Error()}
	}

	if err := os.MkdirAll(m.cfg.StagingRoot, 0o755); err != nil {
		return StageResult{ErrorMessage: fmt.Sprintf("creating staging root: %v", err)}
	}

	dir := filepath.Join(m.cfg.StagingRoot, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return StageResult{ErrorMessage: fmt.Sprintf("creating staging directory: %v", err)}
	}

	var staged []string
	for _, f := range files {
		name := sanitizeFilename(baseName(f.HostPath))
		target := filepath.Join(dir, name)

		if f.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				_ = os.RemoveAll(dir)
				return StageResult{ErrorMessage: fmt.Sprintf("creating directory %q: %v", name, err)}
			}
		} else {
			if err := os.WriteFile(target, f.Data, 0o644); err != nil {
				_ = os.RemoveAll(dir)
				return StageResult{ErrorMessage: fmt.Sprintf("writing %q: %v", name, err)}
			}
		}
		staged = append(staged, target)
	}

	sess := &Session{
		WindowID:    windowID,
		StagingDir:  dir,
		StagedPaths: staged,
		CreatedAt:   time.Now(),
	}
	if err := m.writeManifest(sess); err != nil {
		m.logger.Warn("staging manifest not written", "dir", dir, "error", err)
	}

	m.mu.Lock()
	old := m.sessions[windowID]
	m.sessions[windowID] = sess
	m.mu.Unlock()

	if old != nil {
		_ = os.RemoveAll(old.StagingDir)
	}

	m.logger.Info("drag files staged",
		"window_id", uint64(windowID), "count", len(staged), "dir", dir)
	return StageResult{Success: true, StagedPaths: staged}
}

// CommitDrop finalizes a drag. With a destination the staged files move
// there (rename, falling back to copy-then-delete across devices) and the
// staging directory is removed; without one the files stay in staging for
// the guest side to consume. Either way the session is forgotten.
func (m *Manager) CommitDrop(windowID protocol.WindowID, destination string) error {
	m.mu.Lock()
	sess, ok := m.sessions[windowID]
	delete(m.sessions, windowID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no drag session for window %d", windowID)
	}
	if destination == "" {
		return nil
	}

	if err := os.MkdirAll(destination, 0o755); err != nil {
		return fmt.Errorf("creating drop destination: %w", err)
	}
	for _, src := range sess.StagedPaths {
		dst := filepath.Join(destination, filepath.Base(src))
		if err := moveFile(src, dst); err != nil {
			return fmt.Errorf("moving %q: %w", filepath.Base(src), err)
		}
	}
	_ = os.RemoveAll(sess.StagingDir)

	m.logger.Info("drop committed",
		"window_id", uint64(windowID), "destination", destination, "count", len(sess.StagedPaths))
	return nil
}

// CancelDrag removes the staging directory and forgets the session.
// Unknown windows are a no-op.
func (m *Manager) CancelDrag(windowID protocol.WindowID) {
	m.mu.Lock()
	sess, ok := m.sessions[windowID]
	delete(m.sessions, windowID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := os.RemoveAll(sess.StagingDir); err != nil {
		m.logger.Warn("staging directory not removed", "dir", sess.StagingDir, "error", err)
	}
	m.logger.Debug("drag cancelled", "window_id", uint64(windowID))
}

// Session returns the live drag session for a window, or nil.
func (m *Manager) Session(windowID protocol.WindowID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[windowID]
}

// HandleDragDrop dispatches one drag-drop protocol event.
func (m *Manager) HandleDragDrop(msg *protocol.DragDropEvent) StageResult {
	switch msg.EventType {
	case protocol.DragEventEnter:
		return m.StageFiles(msg.WindowID, msg.Files)
	case protocol.DragEventMove:
		return StageResult{Success: true}
	case protocol.DragEventLeave:
		m.CancelDrag(msg.WindowID)
		return StageResult{Success: true}
	case protocol.DragEventDrop:
		if m.Session(msg.WindowID) == nil {
			if res := m.StageFiles(msg.WindowID, msg.Files); !res.Success {
				return res
			}
		}
		sess := m.Session(msg.WindowID)
		if err := m.CommitDrop(msg.WindowID, msg.Destination); err != nil {
			return StageResult{ErrorMessage: err.Error()}
		}
		var staged []string
		if sess != nil {
			staged = sess.StagedPaths
		}
		return StageResult{Success: true, StagedPaths: staged}
	default:
		return StageResult{ErrorMessage: fmt.Sprintf("unknown drag event type %d", msg.EventType)}
	}
}

// CleanupStaleSessions cancels in-memory sessions older than maxAge and
// removes orphaned staging directories left behind by earlier runs.
func (m *Manager) CleanupStaleSessions(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []protocol.WindowID
	for id, sess := range m.sessions {
		if sess.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("stale drag session removed", "window_id", uint64(id))
		m.CancelDrag(id)
	}

	m.sweepOrphans(cutoff)
}

// sweepOrphans removes staging directories no live session owns whose
// manifest (or directory mtime) predates the cutoff.
func (m *Manager) sweepOrphans(cutoff time.Time) {
	entries, err := os.ReadDir(m.cfg.StagingRoot)
	if err != nil {
		return
	}

	owned := make(map[string]bool)
	m.mu.Lock()
	for _, sess := range m.sessions {
		owned[sess.StagingDir] = true
	}
	m.mu.Unlock()

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.StagingRoot, e.Name())
		if owned[dir] {
			continue
		}

		created := dirCreationTime(dir, e)
		if created.Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				m.logger.Warn("orphaned staging directory not removed", "dir", dir, "error", err)
			} else {
				m.logger.Info("orphaned staging directory removed", "dir", dir)
			}
		}
	}
}

// dirCreationTime prefers the manifest's recorded creation time and
// falls back to the directory modification time.
func dirCreationTime(dir string, entry os.DirEntry) time.Time {
	if data, err := os.ReadFile(filepath.Join(dir, manifestName)); err == nil {
		var mf manifest
		if err := msgpack.Unmarshal(data, &mf); err == nil && mf.CreatedAt > 0 {
			return time.UnixMilli(mf.CreatedAt)
		}
	}
	if info, err := entry.Info(); err == nil {
		return info.ModTime()
	}
	return time.Now()
}

func (m *Manager) writeManifest(sess *Session) error {
	data, err := msgpack.Marshal(&manifest{
		WindowID:    uint64(sess.WindowID),
		CreatedAt:   sess.CreatedAt.UnixMilli(),
		StagedPaths: sess.StagedPaths,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sess.StagingDir, manifestName), data, 0o644)
}

// baseName extracts the final component of a host path regardless of the
// host's separator convention.
func baseName(hostPath string) string {
	if i := strings.LastIndexAny(hostPath, `/\`); i >= 0 {
		return hostPath[i+1:]
	}
	return hostPath
}

// moveFile renames src to dst, copying across devices when rename fails.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := copyDir(src, dst); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}
	if err := copyFile(src, dst, info.Mode()); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}
