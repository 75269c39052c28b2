package protocol

// Kind identifies the payload type of an envelope. Values in [0x01, 0x7F]
// travel host→guest, values in [0x80, 0xFF] travel guest→host. The codes
// below are shared with the host implementation and must not be renumbered.
type Kind uint8

// Host → guest.
const (
	KindLaunchProgram Kind = 0x01
	KindRequestIcon   Kind = 0x02
	KindClipboardData Kind = 0x03
	KindMouseInput    Kind = 0x04
	KindKeyboardInput Kind = 0x05
	KindDragDropEvent Kind = 0x06
	KindListSessions  Kind = 0x07
	KindCloseSession  Kind = 0x08
	KindListShortcuts Kind = 0x09
	KindShutdown      Kind = 0x0A
)

// Guest → host.
const (
	KindWindowMetadata        Kind = 0x80
	KindFrameReady            Kind = 0x81
	KindCapabilities          Kind = 0x82
	KindDPIInfo               Kind = 0x83
	KindIconData              Kind = 0x84
	KindShortcutDetected      Kind = 0x85
	KindClipboardChanged      Kind = 0x86
	KindHeartbeat             Kind = 0x87
	KindTelemetryReport       Kind = 0x88
	KindProvisioningProgress  Kind = 0x89
	KindProvisioningError     Kind = 0x8A
	KindProvisioningComplete  Kind = 0x8B
	KindSessionList           Kind = 0x8C
	KindShortcutList          Kind = 0x8D
	KindWindowBufferAllocated Kind = 0x8E
	KindError                 Kind = 0xFE
	KindAck                   Kind = 0xFF
)

// EnvelopeHeaderSize is the fixed prefix of every message: 1 byte kind
// followed by a 4-byte little-endian payload length.
const EnvelopeHeaderSize = 5

// MaxPayloadSize bounds a single envelope payload. Anything larger is
// rejected with ErrOversizedPayload rather than allocated.
const MaxPayloadSize = 64 << 20

// Protocol version announced in the capability message.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 2
)

// CombinedVersion packs major and minor into the single u32 used on the wire.
func CombinedVersion() uint32 {
	return uint32(VersionMajor)<<16 | uint32(VersionMinor)
}

// Capability is a bit in the agent's announced feature mask.
type Capability uint32

const (
	CapNone              Capability = 0
	CapFrameStreaming    Capability = 1 << 0
	CapSharedMemory      Capability = 1 << 1
	CapCompressedFrames  Capability = 1 << 2
	CapClipboard         Capability = 1 << 3
	CapDragDrop          Capability = 1 << 4
	CapInputInjection    Capability = 1 << 5
	CapProgramLaunch     Capability = 1 << 6
	CapShortcutDiscovery Capability = 1 << 7
)

// Has reports whether all bits of want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Clipboard format identifiers, shared with the host.
const (
	ClipboardFormatText    uint8 = 0x01
	ClipboardFormatRTF     uint8 = 0x02
	ClipboardFormatHTML    uint8 = 0x03
	ClipboardFormatPNG     uint8 = 0x04
	ClipboardFormatTIFF    uint8 = 0x05
	ClipboardFormatFileURL uint8 = 0x06
)

// Drag-drop event types carried in DragDropEvent.EventType.
const (
	DragEventEnter uint8 = 0x01
	DragEventMove  uint8 = 0x02
	DragEventLeave uint8 = 0x03
	DragEventDrop  uint8 = 0x04
)

// IsHostToGuest reports whether the kind belongs to the host→guest range.
func (k Kind) IsHostToGuest() bool { return k >= 0x01 && k <= 0x7F }

// IsGuestToHost reports whether the kind belongs to the guest→host range.
func (k Kind) IsGuestToHost() bool { return k >= 0x80 }

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var kindNames = map[Kind]string{
	KindLaunchProgram:         "launch_program",
	KindRequestIcon:           "request_icon",
	KindClipboardData:         "clipboard_data",
	KindMouseInput:            "mouse_input",
	KindKeyboardInput:         "keyboard_input",
	KindDragDropEvent:         "drag_drop_event",
	KindListSessions:          "list_sessions",
	KindCloseSession:          "close_session",
	KindListShortcuts:         "list_shortcuts",
	KindShutdown:              "shutdown",
	KindWindowMetadata:        "window_metadata",
	KindFrameReady:            "frame_ready",
	KindCapabilities:          "capabilities",
	KindDPIInfo:               "dpi_info",
	KindIconData:              "icon_data",
	KindShortcutDetected:      "shortcut_detected",
	KindClipboardChanged:      "clipboard_changed",
	KindHeartbeat:             "heartbeat",
	KindTelemetryReport:       "telemetry_report",
	KindProvisioningProgress:  "provisioning_progress",
	KindProvisioningError:     "provisioning_error",
	KindProvisioningComplete:  "provisioning_complete",
	KindSessionList:           "session_list",
	KindShortcutList:          "shortcut_list",
	KindWindowBufferAllocated: "window_buffer_allocated",
	KindError:                 "error",
	KindAck:                   "ack",
}
