// Package shortcuts discovers application shortcuts in the guest by
// periodically scanning the configured shortcut directories. Newly seen
// entries are announced through a callback; the full set backs the
// list-shortcuts request.
package shortcuts

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/winrun-dev/winrun/internal/protocol"
)

// Scanner watches shortcut directories for .desktop and .lnk entries.
type Scanner struct {
	dirs     []string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	known    map[string]protocol.ShortcutDetected // keyed by shortcut path
	onFound  func(protocol.ShortcutDetected)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScanner creates a scanner over the given directories.
func NewScanner(dirs []string, interval time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		dirs:     dirs,
		interval: interval,
		logger:   logger,
		known:    make(map[string]protocol.ShortcutDetected),
	}
}

// OnFound registers the hook invoked for every newly discovered shortcut.
// Must be set before Start.
func (s *Scanner) OnFound(fn func(protocol.ShortcutDetected)) {
	s.mu.Lock()
	s.onFound = fn
	s.mu.Unlock()
}

// Start performs an initial scan and launches the periodic rescan loop.
// No-op when already running; with interval <= 0 only the initial scan runs.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.Scan()

	go func() {
		defer close(s.done)
		if s.interval <= 0 {
			return
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Scan()
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("shortcut scanner started", "dirs", s.dirs, "interval", s.interval)
}

// Stop halts the rescan loop. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Shortcuts returns the currently known set, satisfying the
// agent.ShortcutProvider interface.
func (s *Scanner) Shortcuts(context.Context) ([]protocol.ShortcutDetected, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.ShortcutDetected, 0, len(s.known))
	for _, sc := range s.known {
		out = append(out, sc)
	}
	return out, nil
}

// Scan walks the shortcut directories once and fires the hook for every
// entry not seen before.
func (s *Scanner) Scan() {
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			sc, ok := parseShortcut(path)
			if !ok {
				continue
			}

			s.mu.Lock()
			_, seen := s.known[path]
			if !seen {
				s.known[path] = sc
			}
			hook := s.onFound
			s.mu.Unlock()

			if !seen {
				s.logger.Debug("shortcut discovered", "name", sc.Name, "target", sc.Target)
				if hook != nil {
					hook(sc)
				}
			}
		}
	}
}

// parseShortcut recognizes freedesktop .desktop files and treats .lnk
// files opaquely (name from the filename, target resolved host-side).
func parseShortcut(path string) (protocol.ShortcutDetected, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".desktop":
		return parseDesktopEntry(path)
	case ".lnk":
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return protocol.ShortcutDetected{Name: name, Target: path}, true
	default:
		return protocol.ShortcutDetected{}, false
	}
}

// parseDesktopEntry extracts Name, Exec, and Icon from the [Desktop
// Entry] section.
func parseDesktopEntry(path string) (protocol.ShortcutDetected, bool) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.ShortcutDetected{}, false
	}
	defer f.Close()

	var sc protocol.ShortcutDetected
	inEntry := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "[Desktop Entry]":
			inEntry = true
		case strings.HasPrefix(line, "["):
			inEntry = false
		case inEntry:
			key, value, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			switch key {
			case "Name":
				if sc.Name == "" {
					sc.Name = value
				}
			case "Exec":
				target, args, _ := strings.Cut(value, " ")
				sc.Target = target
				sc.Arguments = strings.TrimSpace(args)
			case "Icon":
				sc.IconPath = value
			}
		}
	}
	if sc.Name == "" || sc.Target == "" {
		return protocol.ShortcutDetected{}, false
	}
	return sc, true
}
