package stream

import (
	"context"

	"github.com/winrun-dev/winrun/internal/protocol"
)

// DesktopWindowID is the synthetic window id used for full-desktop frames
// when per-window capture is disabled.
const DesktopWindowID protocol.WindowID = 0

// WindowInfo is one live window as reported by the tracker.
type WindowInfo struct {
	ID        protocol.WindowID
	ProcessID uint32
	Title     string
	X, Y      int32
	Width     uint32
	Height    uint32
	IsVisible bool
}

// WindowTracker enumerates the live window set. Implementations are
// platform specific and live outside this package.
type WindowTracker interface {
	LiveWindows() []WindowInfo
}

// Frame is one captured bitmap.
type Frame struct {
	WindowID protocol.WindowID
	Width    uint32
	Height   uint32
	Stride   uint32
	Format   uint8
	Data     []byte
}

// Source produces pixel content. Implementations wrap the platform
// desktop-duplication primitives.
type Source interface {
	// CaptureWindow grabs the current content of one window.
	CaptureWindow(ctx context.Context, win WindowInfo) (*Frame, error)
	// CaptureDesktop grabs the whole desktop as a single frame.
	CaptureDesktop(ctx context.Context) (*Frame, error)
	// Reinitialize tears down and rebuilds the capture pipeline after
	// repeated failures.
	Reinitialize(ctx context.Context) error
}
