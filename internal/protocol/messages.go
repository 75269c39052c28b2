package protocol

// Message is one decoded envelope payload. Every variant maps to exactly
// one Kind; Unknown carries envelopes the build does not recognize.
type Message interface {
	MessageKind() Kind
}

// WindowID is the opaque 64-bit window handle issued by the window tracker.
// It is stable for the window's lifetime and never reused within one agent run.
type WindowID uint64

// --- host → guest ---

// LaunchProgram asks the guest to start an executable.
type LaunchProgram struct {
	MessageID        uint64   `json:"message_id"`
	Path             string   `json:"path"`
	Arguments        []string `json:"arguments,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
}

// RequestIcon asks for the icon of a window or executable.
type RequestIcon struct {
	MessageID uint64   `json:"message_id"`
	WindowID  WindowID `json:"window_id,omitempty"`
	Path      string   `json:"path,omitempty"`
}

// ClipboardData carries host clipboard content into the guest.
type ClipboardData struct {
	SequenceNumber uint64 `json:"sequence_number"`
	Format         uint8  `json:"format"`
	Data           []byte `json:"data"`
}

// MouseInput is a single pointer event targeted at a window.
type MouseInput struct {
	WindowID WindowID `json:"window_id"`
	X        int32    `json:"x"`
	Y        int32    `json:"y"`
	Button   uint8    `json:"button"`
	Action   uint8    `json:"action"`
	WheelDX  int32    `json:"wheel_dx,omitempty"`
	WheelDY  int32    `json:"wheel_dy,omitempty"`
}

// KeyboardInput is a single key event targeted at a window.
type KeyboardInput struct {
	WindowID  WindowID `json:"window_id"`
	KeyCode   uint32   `json:"key_code"`
	ScanCode  uint32   `json:"scan_code,omitempty"`
	Pressed   bool     `json:"pressed"`
	Modifiers uint32   `json:"modifiers,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// DragFile describes one file participating in a drag operation.
type DragFile struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path,omitempty"`
	FileSize  int64  `json:"file_size"`
	IsDir     bool   `json:"is_dir,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// DragDropEvent drives the drag-and-drop state machine for one window.
type DragDropEvent struct {
	MessageID   uint64     `json:"message_id"`
	WindowID    WindowID   `json:"window_id"`
	EventType   uint8      `json:"event_type"`
	X           int32      `json:"x"`
	Y           int32      `json:"y"`
	Files       []DragFile `json:"files,omitempty"`
	Destination string     `json:"destination,omitempty"`
}

// ListSessions asks for a snapshot of tracked sessions.
type ListSessions struct {
	MessageID uint64 `json:"message_id"`
}

// CloseSession asks the guest to terminate a tracked session.
type CloseSession struct {
	MessageID uint64 `json:"message_id"`
	SessionID string `json:"session_id"`
}

// ListShortcuts asks for the discovered application shortcuts.
type ListShortcuts struct {
	MessageID uint64 `json:"message_id"`
}

// Shutdown asks the agent to stop.
type Shutdown struct {
	MessageID uint64 `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

// --- guest → host ---

// WindowMetadata announces a new or changed window.
type WindowMetadata struct {
	WindowID  WindowID `json:"window_id"`
	ProcessID uint32   `json:"process_id"`
	Title     string   `json:"title"`
	X         int32    `json:"x"`
	Y         int32    `json:"y"`
	Width     uint32   `json:"width"`
	Height    uint32   `json:"height"`
	IsVisible bool     `json:"is_visible"`
	IsClosed  bool     `json:"is_closed,omitempty"`
}

// FrameReady tells the host a slot holds a fresh frame.
type FrameReady struct {
	WindowID    WindowID `json:"window_id"`
	SlotIndex   int32    `json:"slot_index"`
	FrameNumber uint32   `json:"frame_number"`
	IsKeyFrame  bool     `json:"is_key_frame"`
}

// Capabilities is the first guest→host message of a session.
type Capabilities struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	Flags           Capability `json:"flags"`
	AgentVersion    string     `json:"agent_version,omitempty"`
}

// DPIInfo reports the guest display scaling.
type DPIInfo struct {
	DPI          uint32  `json:"dpi"`
	ScaleFactor  float64 `json:"scale_factor"`
	ScreenWidth  uint32  `json:"screen_width"`
	ScreenHeight uint32  `json:"screen_height"`
}

// IconData answers a RequestIcon.
type IconData struct {
	MessageID uint64   `json:"message_id"`
	WindowID  WindowID `json:"window_id,omitempty"`
	Path      string   `json:"path,omitempty"`
	PNG       []byte   `json:"png"`
}

// ShortcutDetected announces a newly discovered application shortcut.
type ShortcutDetected struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Arguments string `json:"arguments,omitempty"`
	IconPath  string `json:"icon_path,omitempty"`
}

// ClipboardChanged propagates a guest-side clipboard change to the host.
type ClipboardChanged struct {
	SequenceNumber uint64 `json:"sequence_number"`
	Format         uint8  `json:"format"`
	Data           []byte `json:"data"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	TrackedWindowCount int     `json:"tracked_window_count"`
	UptimeMs           uint64  `json:"uptime_ms"`
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsageBytes   uint64  `json:"memory_usage_bytes"`
}

// TelemetryReport carries a channel-metrics snapshot.
type TelemetryReport struct {
	UptimeMs                uint64  `json:"uptime_ms"`
	SendAttempts            uint64  `json:"send_attempts"`
	SendSuccesses           uint64  `json:"send_successes"`
	SendFailures            uint64  `json:"send_failures"`
	SendRetries             uint64  `json:"send_retries"`
	ReceiveAttempts         uint64  `json:"receive_attempts"`
	ReceiveSuccesses        uint64  `json:"receive_successes"`
	ReceiveFailures         uint64  `json:"receive_failures"`
	MessageProcessingErrors uint64  `json:"message_processing_errors"`
	SuccessRate             float64 `json:"success_rate"`
	LastErrorMessage        string  `json:"last_error_message,omitempty"`
	LastErrorTimestamp      int64   `json:"last_error_timestamp,omitempty"`
}

// ProvisioningProgress reports agent startup progress.
type ProvisioningProgress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

// ProvisioningError reports a fatal startup failure.
type ProvisioningError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ProvisioningComplete signals the agent is fully operational.
type ProvisioningComplete struct {
	AgentVersion string `json:"agent_version,omitempty"`
}

// SessionInfo is one entry of a SessionList.
type SessionInfo struct {
	ProcessID      uint32     `json:"process_id"`
	ExecutablePath string     `json:"executable_path"`
	State          string     `json:"state"`
	WindowIDs      []WindowID `json:"window_ids"`
	CreatedAt      int64      `json:"created_at"`
	LastActivityAt int64      `json:"last_activity_at"`
}

// SessionList answers a ListSessions request.
type SessionList struct {
	MessageID uint64        `json:"message_id"`
	Sessions  []SessionInfo `json:"sessions"`
}

// ShortcutList answers a ListShortcuts request.
type ShortcutList struct {
	MessageID uint64             `json:"message_id"`
	Shortcuts []ShortcutDetected `json:"shortcuts"`
}

// WindowBufferAllocated tells the host where a window's frame buffer lives.
type WindowBufferAllocated struct {
	WindowID       WindowID `json:"window_id"`
	BufferOffset   uint64   `json:"buffer_offset"`
	BufferSize     uint64   `json:"buffer_size"`
	SlotSize       uint64   `json:"slot_size"`
	SlotCount      uint32   `json:"slot_count"`
	IsCompressed   bool     `json:"is_compressed"`
	IsReallocation bool     `json:"is_reallocation"`
	UsesSharedMem  bool     `json:"uses_shared_memory"`
}

// Error reports a failure not tied to a specific request.
type Error struct {
	MessageID uint64 `json:"message_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// Ack confirms handling of a host request.
type Ack struct {
	MessageID    uint64 `json:"message_id"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Unknown preserves envelopes whose kind this build does not recognize.
type Unknown struct {
	Kind    Kind
	Payload []byte
}

func (LaunchProgram) MessageKind() Kind         { return KindLaunchProgram }
func (RequestIcon) MessageKind() Kind           { return KindRequestIcon }
func (ClipboardData) MessageKind() Kind         { return KindClipboardData }
func (MouseInput) MessageKind() Kind            { return KindMouseInput }
func (KeyboardInput) MessageKind() Kind         { return KindKeyboardInput }
func (DragDropEvent) MessageKind() Kind         { return KindDragDropEvent }
func (ListSessions) MessageKind() Kind          { return KindListSessions }
func (CloseSession) MessageKind() Kind          { return KindCloseSession }
func (ListShortcuts) MessageKind() Kind         { return KindListShortcuts }
func (Shutdown) MessageKind() Kind              { return KindShutdown }
func (WindowMetadata) MessageKind() Kind        { return KindWindowMetadata }
func (FrameReady) MessageKind() Kind            { return KindFrameReady }
func (Capabilities) MessageKind() Kind          { return KindCapabilities }
func (DPIInfo) MessageKind() Kind               { return KindDPIInfo }
func (IconData) MessageKind() Kind              { return KindIconData }
func (ShortcutDetected) MessageKind() Kind      { return KindShortcutDetected }
func (ClipboardChanged) MessageKind() Kind      { return KindClipboardChanged }
func (Heartbeat) MessageKind() Kind             { return KindHeartbeat }
func (TelemetryReport) MessageKind() Kind       { return KindTelemetryReport }
func (ProvisioningProgress) MessageKind() Kind  { return KindProvisioningProgress }
func (ProvisioningError) MessageKind() Kind     { return KindProvisioningError }
func (ProvisioningComplete) MessageKind() Kind  { return KindProvisioningComplete }
func (SessionList) MessageKind() Kind           { return KindSessionList }
func (ShortcutList) MessageKind() Kind          { return KindShortcutList }
func (WindowBufferAllocated) MessageKind() Kind { return KindWindowBufferAllocated }
func (Error) MessageKind() Kind                 { return KindError }
func (Ack) MessageKind() Kind                   { return KindAck }
func (u Unknown) MessageKind() Kind             { return u.Kind }
