package framebuf

import "encoding/binary"

// SlotHeaderSize is the fixed little-endian header written at the head of
// every frame slot. Layout:
//
//	window_id    u64
//	frame_number u32
//	width        u32
//	height       u32
//	stride       u32
//	format       u8
//	flags        u8
//	reserved     u16
//	data_size    u32
const SlotHeaderSize = 32

// Slot header flag bits.
const (
	FlagCompressed uint8 = 1 << 0
	FlagKeyFrame   uint8 = 1 << 1
)

// Pixel formats for uncompressed frame payloads.
const (
	PixelFormatBGRA8 uint8 = 0
	PixelFormatRGBA8 uint8 = 1
)

// SlotHeader describes the frame stored in a slot.
type SlotHeader struct {
	WindowID    uint64
	FrameNumber uint32
	Width       uint32
	Height      uint32
	Stride      uint32
	Format      uint8
	Flags       uint8
	Reserved    uint16
	DataSize    uint32
}

// MarshalTo writes the header into dst, which must hold SlotHeaderSize bytes.
func (h *SlotHeader) MarshalTo(dst []byte) {
	_ = dst[SlotHeaderSize-1]
	binary.LittleEndian.PutUint64(dst[0:8], h.WindowID)
	binary.LittleEndian.PutUint32(dst[8:12], h.FrameNumber)
	binary.LittleEndian.PutUint32(dst[12:16], h.Width)
	binary.LittleEndian.PutUint32(dst[16:20], h.Height)
	binary.LittleEndian.PutUint32(dst[20:24], h.Stride)
	dst[24] = h.Format
	dst[25] = h.Flags
	binary.LittleEndian.PutUint16(dst[26:28], h.Reserved)
	binary.LittleEndian.PutUint32(dst[28:32], h.DataSize)
}

// UnmarshalSlotHeader reads a header back out of slot memory.
func UnmarshalSlotHeader(src []byte) SlotHeader {
	_ = src[SlotHeaderSize-1]
	return SlotHeader{
		WindowID:    binary.LittleEndian.Uint64(src[0:8]),
		FrameNumber: binary.LittleEndian.Uint32(src[8:12]),
		Width:       binary.LittleEndian.Uint32(src[12:16]),
		Height:      binary.LittleEndian.Uint32(src[16:20]),
		Stride:      binary.LittleEndian.Uint32(src[20:24]),
		Format:      src[24],
		Flags:       src[25],
		Reserved:    binary.LittleEndian.Uint16(src[26:28]),
		DataSize:    binary.LittleEndian.Uint32(src[28:32]),
	}
}

// IsCompressed reports whether the slot payload is LZ4 compressed.
func (h *SlotHeader) IsCompressed() bool { return h.Flags&FlagCompressed != 0 }

// IsKeyFrame reports whether the host may present this frame standalone.
func (h *SlotHeader) IsKeyFrame() bool { return h.Flags&FlagKeyFrame != 0 }
