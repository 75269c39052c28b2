package main

import (
	"bytes"
	"context"

	"github.com/winrun-dev/winrun/internal/framebuf"
	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/stream"
)

// The platform window tracker and desktop-duplication source plug in
// here. Until one is linked, the agent runs with an empty window set and
// a solid desktop frame so the control plane stays exercisable.

type noopTracker struct{}

func (noopTracker) LiveWindows() []stream.WindowInfo { return nil }

type blankSource struct{}

func (blankSource) CaptureWindow(_ context.Context, win stream.WindowInfo) (*stream.Frame, error) {
	return solidFrame(win.ID, win.Width, win.Height), nil
}

func (blankSource) CaptureDesktop(context.Context) (*stream.Frame, error) {
	return solidFrame(stream.DesktopWindowID, 1280, 800), nil
}

func (blankSource) Reinitialize(context.Context) error { return nil }

func solidFrame(id protocol.WindowID, w, h uint32) *stream.Frame {
	return &stream.Frame{
		WindowID: id,
		Width:    w,
		Height:   h,
		Stride:   w * 4,
		Format:   framebuf.PixelFormatBGRA8,
		Data:     bytes.Repeat([]byte{0x20, 0x20, 0x20, 0xFF}, int(w*h)),
	}
}
