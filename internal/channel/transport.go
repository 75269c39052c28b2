package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/winrun-dev/winrun/internal/protocol"
	"github.com/winrun-dev/winrun/internal/telemetry"
)

// Endpoint is one duplex byte transport carrying envelopes. Reads return
// whatever arrived; framing is reassembled by the transport's parser.
type Endpoint interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// wsEndpoint adapts a gorilla websocket connection. Each envelope travels
// as one binary message; reads may still deliver coalesced envelopes.
type wsEndpoint struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (e *wsEndpoint) Read() ([]byte, error) {
	_, data, err := e.conn.ReadMessage()
	return data, err
}

func (e *wsEndpoint) Write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (e *wsEndpoint) Close() error { return e.conn.Close() }

// streamEndpoint adapts a raw stream connection (virtio serial, unix or
// tcp socket). Envelope boundaries are recovered entirely by the parser.
type streamEndpoint struct {
	conn net.Conn
	mu   sync.Mutex
	buf  []byte
}

func (e *streamEndpoint) Read() ([]byte, error) {
	if e.buf == nil {
		e.buf = make([]byte, 64<<10)
	}
	n, err := e.conn.Read(e.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, e.buf[:n])
		return out, err
	}
	return nil, err
}

func (e *streamEndpoint) Write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.conn.Write(data)
	return err
}

func (e *streamEndpoint) Close() error { return e.conn.Close() }

// Dial connects the agent to the host control channel over websocket.
func Dial(ctx context.Context, url string, timeout time.Duration) (Endpoint, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing control channel %q: %w", url, err)
	}
	return &wsEndpoint{conn: conn}, nil
}

// Wrap adapts an established stream connection into an endpoint.
func Wrap(conn net.Conn) Endpoint {
	return &streamEndpoint{conn: conn}
}

// WrapWebSocket adapts an established websocket connection.
func WrapWebSocket(conn *websocket.Conn) Endpoint {
	return &wsEndpoint{conn: conn}
}

// Transport pumps envelopes between an endpoint and the agent queues:
// inbound fills from the wire, outbound drains onto it. Decode failures
// are counted and skipped without dropping the connection.
type Transport struct {
	endpoint Endpoint
	inbound  *Queue
	outbound *Queue
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTransport binds an endpoint to the agent queues.
func NewTransport(endpoint Endpoint, inbound, outbound *Queue, metrics *telemetry.Metrics, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		endpoint: endpoint,
		inbound:  inbound,
		outbound: outbound,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start launches the read and write pumps. No-op when already running.
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); t.readPump(ctx) }()
	go func() { defer pumps.Done(); t.writePump(ctx) }()
	go func(done chan struct{}) { pumps.Wait(); close(done) }(t.done)
}

// Stop closes the endpoint and waits for both pumps. Idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = t.endpoint.Close()
	<-done
}

// readPump reassembles envelopes from the wire and feeds the inbound
// queue. A malformed envelope is skipped and counted; the stream parse
// continues at the next envelope boundary.
func (t *Transport) readPump(ctx context.Context) {
	var buffer []byte

	for {
		if t.metrics != nil {
			t.metrics.RecordReceiveAttempt()
		}
		data, err := t.endpoint.Read()
		if len(data) > 0 {
			buffer = append(buffer, data...)
			for {
				consumed, msg, perr := protocol.TryRead(buffer)
				if consumed == 0 && perr == nil {
					break
				}
				buffer = buffer[consumed:]
				if perr != nil {
					if t.metrics != nil {
						t.metrics.RecordMessageProcessingError(perr)
					}
					t.logger.Warn("inbound envelope dropped", "error", perr)
					if errors.Is(perr, protocol.ErrOversizedPayload) {
						// The stream cannot be resynchronized; drop it.
						_ = t.endpoint.Close()
						return
					}
					continue
				}
				if t.metrics != nil {
					t.metrics.RecordReceiveSuccess()
				}
				if qerr := t.inbound.Enqueue(ctx, msg); qerr != nil {
					return
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				if t.metrics != nil {
					t.metrics.RecordReceiveFailure(err)
				}
				t.logger.Info("control channel read closed", "error", err)
			}
			return
		}
	}
}

// writePump serializes outbound messages onto the wire.
func (t *Transport) writePump(ctx context.Context) {
	for {
		msg, err := t.outbound.Dequeue(ctx)
		if err != nil {
			return
		}
		data, err := protocol.Encode(msg)
		if err != nil {
			t.logger.Error("outbound message not encodable", "kind", msg.MessageKind().String(), "error", err)
			continue
		}
		if err := t.endpoint.Write(data); err != nil {
			if ctx.Err() == nil {
				t.logger.Info("control channel write closed", "error", err)
			}
			return
		}
	}
}
