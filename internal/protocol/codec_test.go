package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeTryReadRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "launch program",
			msg: &LaunchProgram{
				MessageID:        7,
				Path:             `C:\Program Files\App\app.exe`,
				Arguments:        []string{"--flag", "value"},
				WorkingDirectory: `C:\Users\demo`,
			},
		},
		{
			name: "frame ready",
			msg:  &FrameReady{WindowID: 0x1122334455667788, SlotIndex: 2, FrameNumber: 99, IsKeyFrame: true},
		},
		{
			name: "capabilities",
			msg:  &Capabilities{ProtocolVersion: CombinedVersion(), Flags: CapFrameStreaming | CapClipboard},
		},
		{
			name: "clipboard data with binary payload",
			msg:  &ClipboardData{SequenceNumber: 41, Format: ClipboardFormatPNG, Data: []byte{0x89, 'P', 'N', 'G', 0x00}},
		},
		{
			name: "ack failure",
			msg:  &Ack{MessageID: 3, Success: false, ErrorMessage: "no such session"},
		},
		{
			name: "heartbeat",
			msg:  &Heartbeat{TrackedWindowCount: 4, UptimeMs: 120000, CPUUsagePercent: 2.5, MemoryUsageBytes: 64 << 20},
		},
		{
			name: "empty session list",
			msg:  &SessionList{MessageID: 1, Sessions: []SessionInfo{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if Kind(raw[0]) != tt.msg.MessageKind() {
				t.Errorf("kind byte = 0x%02X, want 0x%02X", raw[0], uint8(tt.msg.MessageKind()))
			}
			if got := binary.LittleEndian.Uint32(raw[1:5]); int(got) != len(raw)-EnvelopeHeaderSize {
				t.Errorf("length field = %d, want %d", got, len(raw)-EnvelopeHeaderSize)
			}

			consumed, decoded, err := TryRead(raw)
			if err != nil {
				t.Fatalf("TryRead: %v", err)
			}
			if consumed != len(raw) {
				t.Errorf("consumed = %d, want %d", consumed, len(raw))
			}

			// Round-trip: re-encoding the decoded message must reproduce
			// the identical envelope bytes.
			again, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if !bytes.Equal(raw, again) {
				t.Errorf("round-trip mismatch:\n first = %x\nsecond = %x", raw, again)
			}
		})
	}
}

func TestTryReadChunkedLaunchProgram(t *testing.T) {
	msg := &LaunchProgram{
		MessageID:        42,
		Path:             `C:\App.exe`,
		Arguments:        []string{"--x"},
		WorkingDirectory: `C:\`,
	}
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Feed cumulative prefixes: [..3], [..7], then everything.
	for _, n := range []int{3, 7} {
		consumed, decoded, err := TryRead(raw[:n])
		if err != nil {
			t.Fatalf("TryRead(%d bytes): %v", n, err)
		}
		if consumed != 0 || decoded != nil {
			t.Errorf("TryRead(%d bytes) = (%d, %v), want (0, nil)", n, consumed, decoded)
		}
	}

	consumed, decoded, err := TryRead(raw)
	if err != nil {
		t.Fatalf("TryRead(full): %v", err)
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	lp, ok := decoded.(*LaunchProgram)
	if !ok {
		t.Fatalf("decoded type = %T, want *LaunchProgram", decoded)
	}
	if lp.MessageID != 42 {
		t.Errorf("MessageID = %d, want 42", lp.MessageID)
	}
	if lp.Path != `C:\App.exe` {
		t.Errorf("Path = %q", lp.Path)
	}
}

func TestTryReadWireErrors(t *testing.T) {
	envelope := func(kind uint8, payload []byte) []byte {
		b := make([]byte, EnvelopeHeaderSize+len(payload))
		b[0] = kind
		binary.LittleEndian.PutUint32(b[1:5], uint32(len(payload)))
		copy(b[EnvelopeHeaderSize:], payload)
		return b
	}

	tests := []struct {
		name         string
		buf          []byte
		wantConsumed int
		wantErr      error
	}{
		{
			name:         "empty buffer",
			buf:          nil,
			wantConsumed: 0,
		},
		{
			name:         "header only",
			buf:          envelope(uint8(KindShutdown), []byte(`{}`))[:EnvelopeHeaderSize],
			wantConsumed: 0,
		},
		{
			name:         "unknown kind",
			buf:          envelope(0x42, []byte(`{}`)),
			wantConsumed: EnvelopeHeaderSize + 2,
			wantErr:      ErrUnknownKind,
		},
		{
			name:         "malformed json",
			buf:          envelope(uint8(KindAck), []byte(`{not json`)),
			wantConsumed: EnvelopeHeaderSize + 9,
			wantErr:      ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumed, msg, err := TryRead(tt.buf)
			if consumed != tt.wantConsumed {
				t.Errorf("consumed = %d, want %d", consumed, tt.wantConsumed)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if msg != nil {
					t.Errorf("message = %v, want nil", msg)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Errorf("error is not *ProtocolError: %v", err)
			}
		})
	}
}

func TestTryReadOversizedLength(t *testing.T) {
	buf := make([]byte, EnvelopeHeaderSize)
	buf[0] = uint8(KindFrameReady)
	binary.LittleEndian.PutUint32(buf[1:5], MaxPayloadSize+1)

	consumed, _, err := TryRead(buf)
	if !errors.Is(err, ErrOversizedPayload) {
		t.Fatalf("error = %v, want ErrOversizedPayload", err)
	}
	if consumed != EnvelopeHeaderSize {
		t.Errorf("consumed = %d, want %d", consumed, EnvelopeHeaderSize)
	}
}

func TestTryReadSequentialStream(t *testing.T) {
	var stream []byte
	msgs := []Message{
		&MouseInput{WindowID: 1, X: 10, Y: 20, Button: 1, Action: 2},
		&KeyboardInput{WindowID: 1, KeyCode: 65, Pressed: true},
		&Shutdown{MessageID: 9},
	}
	for _, m := range msgs {
		raw, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		stream = append(stream, raw...)
	}

	var decoded []Message
	for len(stream) > 0 {
		consumed, msg, err := TryRead(stream)
		if err != nil {
			t.Fatalf("TryRead: %v", err)
		}
		if consumed == 0 {
			t.Fatalf("incomplete parse with %d bytes left", len(stream))
		}
		decoded = append(decoded, msg)
		stream = stream[consumed:]
	}

	if len(decoded) != len(msgs) {
		t.Fatalf("decoded %d messages, want %d", len(decoded), len(msgs))
	}
	for i, m := range decoded {
		if m.MessageKind() != msgs[i].MessageKind() {
			t.Errorf("message %d kind = %s, want %s", i, m.MessageKind(), msgs[i].MessageKind())
		}
	}
}

func TestWriteMessageMatchesEncode(t *testing.T) {
	msg := &Error{Code: "unknown_kind", Message: "unknown message kind"}

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), raw) {
		t.Errorf("WriteMessage bytes differ from Encode")
	}
}

func TestKindRanges(t *testing.T) {
	for kind := range decoders {
		if !kind.IsHostToGuest() && !kind.IsGuestToHost() {
			t.Errorf("kind 0x%02X belongs to neither direction", uint8(kind))
		}
	}
	if !KindLaunchProgram.IsHostToGuest() {
		t.Error("LaunchProgram must be host→guest")
	}
	if !KindFrameReady.IsGuestToHost() {
		t.Error("FrameReady must be guest→host")
	}
}
