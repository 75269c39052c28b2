package channel

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/telemetry"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)

	for i := uint64(1); i <= 3; i++ {
		if err := q.TryEnqueue(&protocol.Ack{MessageID: i}); err != nil {
			t.Fatalf("TryEnqueue(%d): %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		msg, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if ack := msg.(*protocol.Ack); ack.MessageID != i {
			t.Errorf("dequeued id %d, want %d", ack.MessageID, i)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	if err := q.TryEnqueue(&protocol.Heartbeat{}); err != nil {
		t.Fatal(err)
	}
	if err := q.TryEnqueue(&protocol.Heartbeat{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("error = %v, want ErrQueueFull", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(4)
	_ = q.TryEnqueue(&protocol.Ack{MessageID: 1})
	_ = q.TryEnqueue(&protocol.Ack{MessageID: 2})
	q.Close()
	q.Close() // idempotent

	if err := q.TryEnqueue(&protocol.Heartbeat{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("post-close enqueue error = %v, want ErrQueueClosed", err)
	}

	// Buffered messages drain before closure surfaces.
	for i := 0; i < 2; i++ {
		if _, err := q.Dequeue(context.Background()); err != nil {
			t.Fatalf("drain Dequeue: %v", err)
		}
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("empty closed Dequeue error = %v, want ErrQueueClosed", err)
	}
}

func TestQueueDequeueCancellation(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestQueueBlockingEnqueue(t *testing.T) {
	q := NewQueue(1)
	_ = q.TryEnqueue(&protocol.Heartbeat{})

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = q.Dequeue(context.Background())
	}()

	if err := q.Enqueue(context.Background(), &protocol.Heartbeat{}); err != nil {
		t.Fatalf("blocking Enqueue: %v", err)
	}
}

// startPipeTransport wires a transport over one end of a net.Pipe and
// returns the peer connection for the test to drive.
func startPipeTransport(t *testing.T) (peer net.Conn, inbound, outbound *Queue, metrics *telemetry.Metrics, tr *Transport) {
	t.Helper()
	agentSide, hostSide := net.Pipe()
	inbound = NewQueue(64)
	outbound = NewQueue(64)
	metrics = telemetry.NewMetrics()
	tr = NewTransport(Wrap(agentSide), inbound, outbound, metrics, nil)
	tr.Start(context.Background())
	t.Cleanup(func() {
		tr.Stop()
		hostSide.Close()
	})
	return hostSide, inbound, outbound, metrics, tr
}

func TestTransportInbound(t *testing.T) {
	host, inbound, _, _, _ := startPipeTransport(t)

	raw, err := protocol.Encode(&protocol.CloseSession{MessageID: 8, SessionID: "1234"})
	if err != nil {
		t.Fatal(err)
	}

	// Deliver the envelope in awkward chunks to exercise reassembly.
	go func() {
		host.Write(raw[:2])
		time.Sleep(time.Millisecond)
		host.Write(raw[2:7])
		time.Sleep(time.Millisecond)
		host.Write(raw[7:])
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := inbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	cs, ok := msg.(*protocol.CloseSession)
	if !ok || cs.MessageID != 8 || cs.SessionID != "1234" {
		t.Errorf("decoded = %#v", msg)
	}
}

func TestTransportOutbound(t *testing.T) {
	host, _, outbound, _, _ := startPipeTransport(t)

	if err := outbound.TryEnqueue(&protocol.Heartbeat{TrackedWindowCount: 3}); err != nil {
		t.Fatal(err)
	}

	host.SetReadDeadline(time.Now().Add(time.Second))
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := host.Read(tmp)
		if err != nil {
			t.Fatalf("host read: %v", err)
		}
		buf = append(buf, tmp[:n]...)
		consumed, msg, perr := protocol.TryRead(buf)
		if perr != nil {
			t.Fatalf("TryRead: %v", perr)
		}
		if consumed == 0 {
			continue
		}
		hb, ok := msg.(*protocol.Heartbeat)
		if !ok || hb.TrackedWindowCount != 3 {
			t.Errorf("decoded = %#v", msg)
		}
		return
	}
}

func TestTransportSkipsMalformedEnvelope(t *testing.T) {
	host, inbound, _, metrics, _ := startPipeTransport(t)

	bad := []byte{byte(protocol.KindAck), 2, 0, 0, 0, '{', 'x'} // malformed JSON
	good, err := protocol.Encode(&protocol.Shutdown{MessageID: 1})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		host.Write(bad)
		host.Write(good)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := inbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, ok := msg.(*protocol.Shutdown); !ok {
		t.Errorf("decoded = %#v, want *Shutdown", msg)
	}
	if got := metrics.Snapshot().MessageProcessingErrors; got != 1 {
		t.Errorf("MessageProcessingErrors = %d, want 1", got)
	}
}

func TestTransportStopIdempotent(t *testing.T) {
	_, _, _, _, tr := startPipeTransport(t)
	tr.Stop()
	tr.Stop()
}
