package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Codec errors. With MalformedPayload and UnknownKind, TryRead also returns
// the number of bytes the caller should skip to advance past the offending
// envelope.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrOversizedPayload = errors.New("payload exceeds maximum size")
)

// ProtocolError wraps a codec failure for one envelope.
type ProtocolError struct {
	Kind Kind
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on kind 0x%02X (%s): %v", uint8(e.Kind), e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// decoders maps a kind to its payload factory. The table is populated once
// at init and read-only afterwards.
var decoders = map[Kind]func() Message{
	KindLaunchProgram:         func() Message { return &LaunchProgram{} },
	KindRequestIcon:           func() Message { return &RequestIcon{} },
	KindClipboardData:         func() Message { return &ClipboardData{} },
	KindMouseInput:            func() Message { return &MouseInput{} },
	KindKeyboardInput:         func() Message { return &KeyboardInput{} },
	KindDragDropEvent:         func() Message { return &DragDropEvent{} },
	KindListSessions:          func() Message { return &ListSessions{} },
	KindCloseSession:          func() Message { return &CloseSession{} },
	KindListShortcuts:         func() Message { return &ListShortcuts{} },
	KindShutdown:              func() Message { return &Shutdown{} },
	KindWindowMetadata:        func() Message { return &WindowMetadata{} },
	KindFrameReady:            func() Message { return &FrameReady{} },
	KindCapabilities:          func() Message { return &Capabilities{} },
	KindDPIInfo:               func() Message { return &DPIInfo{} },
	KindIconData:              func() Message { return &IconData{} },
	KindShortcutDetected:      func() Message { return &ShortcutDetected{} },
	KindClipboardChanged:      func() Message { return &ClipboardChanged{} },
	KindHeartbeat:             func() Message { return &Heartbeat{} },
	KindTelemetryReport:       func() Message { return &TelemetryReport{} },
	KindProvisioningProgress:  func() Message { return &ProvisioningProgress{} },
	KindProvisioningError:     func() Message { return &ProvisioningError{} },
	KindProvisioningComplete:  func() Message { return &ProvisioningComplete{} },
	KindSessionList:           func() Message { return &SessionList{} },
	KindShortcutList:          func() Message { return &ShortcutList{} },
	KindWindowBufferAllocated: func() Message { return &WindowBufferAllocated{} },
	KindError:                 func() Message { return &Error{} },
	KindAck:                   func() Message { return &Ack{} },
}

// TryRead attempts to decode one envelope from the front of buf.
//
// Returns (0, nil, nil) when buf does not yet hold a complete envelope.
// On success returns the number of bytes consumed and the decoded message.
// On a malformed payload or unknown kind it returns the envelope length
// alongside a *ProtocolError so the caller can skip the envelope and
// continue parsing the stream.
func TryRead(buf []byte) (int, Message, error) {
	if len(buf) < EnvelopeHeaderSize {
		return 0, nil, nil
	}

	kind := Kind(buf[0])
	payloadLen := binary.LittleEndian.Uint32(buf[1:5])
	if payloadLen > MaxPayloadSize {
		// The stream is unrecoverable past this point; report the header
		// as consumed so the caller can decide to drop the connection.
		return EnvelopeHeaderSize, nil, &ProtocolError{Kind: kind, Err: ErrOversizedPayload}
	}

	total := EnvelopeHeaderSize + int(payloadLen)
	if len(buf) < total {
		return 0, nil, nil
	}

	factory, ok := decoders[kind]
	if !ok {
		return total, nil, &ProtocolError{Kind: kind, Err: ErrUnknownKind}
	}

	msg := factory()
	payload := buf[EnvelopeHeaderSize:total]
	if err := json.Unmarshal(payload, msg); err != nil {
		return total, nil, &ProtocolError{Kind: kind, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}
	return total, msg, nil
}

// encodeBufPool pools scratch buffers for Encode so small control messages
// do not allocate a fresh envelope each time.
var encodeBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 512)
		return &b
	},
}

// Encode serializes a message into a freshly allocated envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msg.MessageKind(), err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, &ProtocolError{Kind: msg.MessageKind(), Err: ErrOversizedPayload}
	}

	out := make([]byte, EnvelopeHeaderSize+len(payload))
	out[0] = uint8(msg.MessageKind())
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[EnvelopeHeaderSize:], payload)
	return out, nil
}

// WriteMessage encodes and writes a message as a single Write call,
// coalescing header and payload through a pooled buffer.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", msg.MessageKind(), err)
	}
	if len(payload) > MaxPayloadSize {
		return &ProtocolError{Kind: msg.MessageKind(), Err: ErrOversizedPayload}
	}

	bp := encodeBufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	total := EnvelopeHeaderSize + len(payload)
	if cap(buf) < total {
		buf = make([]byte, 0, total)
	}
	buf = buf[:EnvelopeHeaderSize]
	buf[0] = uint8(msg.MessageKind())
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	buf = append(buf, payload...)

	_, err = w.Write(buf)

	*bp = buf
	encodeBufPool.Put(bp)

	if err != nil {
		return fmt.Errorf("writing %s envelope: %w", msg.MessageKind(), err)
	}
	return nil
}
