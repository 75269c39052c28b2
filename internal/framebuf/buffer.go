// Package framebuf implements the per-window frame slot rings published
// through shared memory, plus the manager that owns one ring per window.
package framebuf

import (
	"log/slog"
	"sync/atomic"

	"github.com/winrun-dev/winrun/internal/config"
	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/sharedmem"
)

// Buffer is a ring of fixed-size frame slots for one window. The producer
// (capture scheduler) owns writeIndex; the consumer side owns readIndex.
// Slot memory is fully written before writeIndex is published.
type Buffer struct {
	windowID protocol.WindowID
	cfg      config.BufferConfig
	alloc    *sharedmem.Allocator
	logger   *slog.Logger

	slotSize   uint64
	trancheIdx int

	shared    sharedmem.Allocation
	local     []byte
	data      []byte // backing memory, shared or local
	allocated bool
	usesShm   bool

	lastWidth  uint32
	lastHeight uint32

	writeIndex atomic.Uint32
	readIndex  atomic.Uint32

	framesSinceResize uint32
}

// newBuffer creates an unallocated ring; the first EnsureAllocated call
// sizes and backs it.
func newBuffer(id protocol.WindowID, cfg config.BufferConfig, alloc *sharedmem.Allocator, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{windowID: id, cfg: cfg, alloc: alloc, logger: logger}
}

// WindowID returns the window this ring belongs to.
func (b *Buffer) WindowID() protocol.WindowID { return b.windowID }

// IsAllocated reports whether backing memory exists.
func (b *Buffer) IsAllocated() bool { return b.allocated }

// UsesSharedMemory reports whether the ring lives in the shared region.
// False after a fallback to the local heap; the ring still functions, only
// the host-visible path changes.
func (b *Buffer) UsesSharedMemory() bool { return b.usesShm }

// SlotSize returns the current per-slot size in bytes.
func (b *Buffer) SlotSize() uint64 { return b.slotSize }

// SlotCount returns the ring length.
func (b *Buffer) SlotCount() int { return b.cfg.SlotsPerWindow }

// BufferSize returns the total backing size in bytes.
func (b *Buffer) BufferSize() uint64 { return b.slotSize * uint64(b.cfg.SlotsPerWindow) }

// SharedOffset returns the region offset of the ring, 0 when the ring is
// unallocated or heap-backed.
func (b *Buffer) SharedOffset() uint64 { return b.shared.Offset }

// EnsureAllocated sizes the ring for a frame of the given dimensions and
// expected payload and reports whether a (re)allocation happened.
//
// Uncompressed mode sizes slots exactly from width×height×bytes_per_pixel
// scaled by the headroom factor and reallocates only when the pixel area
// changes. Compressed mode picks the smallest tranche that holds the
// payload, grows when the current tranche cannot, and may shrink at most
// once per shrink_grace_frames.
func (b *Buffer) EnsureAllocated(width, height uint32, expectedPayload int) bool {
	b.framesSinceResize++

	if b.cfg.Mode == config.ModeUncompressed {
		if b.allocated && uint64(width)*uint64(height) == uint64(b.lastWidth)*uint64(b.lastHeight) {
			return false
		}
		exact := uint64(width) * uint64(height) * uint64(b.cfg.BytesPerPixel)
		slotSize := SlotHeaderSize + uint64(float64(exact)*b.cfg.ExactAllocationHeadroom)
		b.reallocate(slotSize, 0)
		b.lastWidth, b.lastHeight = width, height
		return true
	}

	required := uint64(SlotHeaderSize + expectedPayload)
	idx := b.trancheFor(required)

	if b.allocated {
		if idx == b.trancheIdx {
			return false
		}
		if idx < b.trancheIdx {
			// Downsizing is optional; rate-limit it to avoid oscillation.
			if b.framesSinceResize < b.cfg.ShrinkGraceFrames {
				return false
			}
		}
	}

	b.reallocate(uint64(b.cfg.CompressedTranches[idx]), idx)
	b.lastWidth, b.lastHeight = width, height
	return true
}

// trancheFor returns the index of the smallest tranche >= required; the
// largest tranche when nothing fits (oversized writes are rejected later).
func (b *Buffer) trancheFor(required uint64) int {
	for i, tr := range b.cfg.CompressedTranches {
		if uint64(tr) >= required {
			return i
		}
	}
	return len(b.cfg.CompressedTranches) - 1
}

// reallocate acquires a fresh backing before freeing the prior one, so a
// shared reallocation lands at a new offset whenever the region can hold
// both blocks; otherwise the prior block is freed first and the request
// retried. Falls back to the local heap when the shared allocator cannot
// serve.
func (b *Buffer) reallocate(slotSize uint64, trancheIdx int) {
	total := slotSize * uint64(b.cfg.SlotsPerWindow)

	if b.alloc != nil {
		shared := b.alloc.Allocate(total)
		b.release()
		if !shared.Valid() {
			shared = b.alloc.Allocate(total)
		}
		if shared.Valid() {
			b.shared = shared
			b.data = b.alloc.Bytes(shared)
			b.usesShm = true
		}
	} else {
		b.release()
	}
	if b.data == nil {
		b.local = make([]byte, total)
		b.data = b.local
		b.usesShm = false
		b.logger.Warn("shared allocation failed, frame buffer on local heap",
			"window_id", uint64(b.windowID), "size", total)
	}

	b.slotSize = slotSize
	b.trancheIdx = trancheIdx
	b.allocated = true
	b.framesSinceResize = 0
	b.writeIndex.Store(0)
	b.readIndex.Store(0)
}

// WriteFrame stores one frame at the current write position. Returns the
// slot index written, or -1 when the ring is full or the payload does not
// fit a slot. hdr.DataSize is set from the payload.
func (b *Buffer) WriteFrame(hdr SlotHeader, payload []byte) int {
	if !b.allocated {
		return -1
	}
	if uint64(len(payload)) > b.slotSize-SlotHeaderSize {
		return -1
	}

	slots := uint32(b.cfg.SlotsPerWindow)
	write := b.writeIndex.Load()
	next := (write + 1) % slots
	if next == b.readIndex.Load() {
		return -1
	}

	hdr.DataSize = uint32(len(payload))
	slot := b.data[uint64(write)*b.slotSize:]
	hdr.MarshalTo(slot)
	copy(slot[SlotHeaderSize:], payload)

	// The atomic store orders the slot writes before the index publish.
	b.writeIndex.Store(next)
	return int(write)
}

// AdvanceReadIndex releases the oldest slot back to the producer. In
// production the host drives this through the notification return path;
// the guest exposes it for the consumer side and for tests.
func (b *Buffer) AdvanceReadIndex() {
	slots := uint32(b.cfg.SlotsPerWindow)
	b.readIndex.Store((b.readIndex.Load() + 1) % slots)
}

// Slot returns the raw memory of slot i for inspection.
func (b *Buffer) Slot(i int) []byte {
	if !b.allocated || i < 0 || i >= b.cfg.SlotsPerWindow {
		return nil
	}
	start := uint64(i) * b.slotSize
	return b.data[start : start+b.slotSize]
}

// Dispose releases the backing allocation and marks the ring unallocated.
func (b *Buffer) Dispose() {
	b.release()
	b.allocated = false
	b.slotSize = 0
}

func (b *Buffer) release() {
	if b.shared.Valid() && b.alloc != nil {
		b.alloc.Free(b.shared)
	}
	b.shared = sharedmem.Allocation{}
	b.local = nil
	b.data = nil
	b.usesShm = false
}
