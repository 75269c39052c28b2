package shortcuts

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/winrun-dev/winrun/internal/protocol"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const firefoxDesktop = `[Desktop Entry]
Type=Application
Name=Firefox
Exec=/usr/bin/firefox %u
Icon=firefox
Terminal=false

[Desktop Action new-window]
Name=New Window
Exec=/usr/bin/firefox --new-window
`

func TestScanDiscoversDesktopEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "firefox.desktop"), firefoxDesktop)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a shortcut")

	s := NewScanner([]string{dir}, 0, nil)

	var mu sync.Mutex
	var found []protocol.ShortcutDetected
	s.OnFound(func(sc protocol.ShortcutDetected) {
		mu.Lock()
		found = append(found, sc)
		mu.Unlock()
	})

	s.Scan()

	mu.Lock()
	defer mu.Unlock()
	if len(found) != 1 {
		t.Fatalf("found %d shortcuts, want 1", len(found))
	}
	sc := found[0]
	if sc.Name != "Firefox" {
		t.Errorf("Name = %q", sc.Name)
	}
	if sc.Target != "/usr/bin/firefox" {
		t.Errorf("Target = %q", sc.Target)
	}
	if sc.Arguments != "%u" {
		t.Errorf("Arguments = %q", sc.Arguments)
	}
	if sc.IconPath != "firefox" {
		t.Errorf("IconPath = %q", sc.IconPath)
	}

	// The action section's Name/Exec must not override the entry's.
	shortcuts, err := s.Shortcuts(context.Background())
	if err != nil || len(shortcuts) != 1 {
		t.Fatalf("Shortcuts = %v, %v", shortcuts, err)
	}
}

func TestScanIsIncremental(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.desktop"), "[Desktop Entry]\nName=A\nExec=/bin/a\n")

	s := NewScanner([]string{dir}, 0, nil)

	var mu sync.Mutex
	count := 0
	s.OnFound(func(protocol.ShortcutDetected) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	s.Scan()
	s.Scan() // same content: no re-announcement

	mu.Lock()
	if count != 1 {
		t.Errorf("hook fired %d times, want 1", count)
	}
	mu.Unlock()

	writeFile(t, filepath.Join(dir, "b.lnk"), "binary lnk payload")
	s.Scan()

	mu.Lock()
	if count != 2 {
		t.Errorf("hook fired %d times after new shortcut, want 2", count)
	}
	mu.Unlock()

	shortcuts, _ := s.Shortcuts(context.Background())
	if len(shortcuts) != 2 {
		t.Errorf("known shortcuts = %d, want 2", len(shortcuts))
	}
}

func TestLnkNameFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Paint Shop.lnk"), "payload")

	s := NewScanner([]string{dir}, 0, nil)
	s.Scan()

	shortcuts, _ := s.Shortcuts(context.Background())
	if len(shortcuts) != 1 || shortcuts[0].Name != "Paint Shop" {
		t.Errorf("shortcuts = %+v", shortcuts)
	}
}

func TestIncompleteDesktopEntrySkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.desktop"), "[Desktop Entry]\nName=NoExec\n")

	s := NewScanner([]string{dir}, 0, nil)
	s.Scan()

	if shortcuts, _ := s.Shortcuts(context.Background()); len(shortcuts) != 0 {
		t.Errorf("incomplete entry accepted: %+v", shortcuts)
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	s := NewScanner([]string{dir}, 2*time.Millisecond, nil)

	s.Start(context.Background())
	s.Start(context.Background()) // no second loop

	writeFile(t, filepath.Join(dir, "late.desktop"), "[Desktop Entry]\nName=Late\nExec=/bin/late\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if shortcuts, _ := s.Shortcuts(context.Background()); len(shortcuts) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	s.Stop()
	s.Stop() // idempotent

	if shortcuts, _ := s.Shortcuts(context.Background()); len(shortcuts) != 1 {
		t.Errorf("periodic rescan missed the new shortcut: %+v", shortcuts)
	}
}
