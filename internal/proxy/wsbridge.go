package proxy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
)

// wireFrame is the JSON-over-WebSocket wire encoding of a Frame. The
// fabric's binary frame codec stays with the fabric; this is the proxy's
// own transport binding, not a reimplementation of that codec.
type wireFrame struct {
	Type          string            `json:"type"`
	RouteID       uint64            `json:"routeId"`
	StreamID      uint64            `json:"streamId"`
	Trace         uint64            `json:"trace,omitempty"`
	Authorization uint64            `json:"authorization"`
	Affinity      string            `json:"affinity,omitempty"`
	Extension     map[string]string `json:"extension,omitempty"`
	Capabilities  uint8             `json:"capabilities,omitempty"`
	Padding       uint32            `json:"padding,omitempty"`
	GroupID       uint32            `json:"groupId,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Credit        uint32            `json:"credit,omitempty"`
	SignalID      int               `json:"signalId,omitempty"`
}

// WSTransport is the gorilla/websocket-backed Transport: one per half,
// serializing concurrent Send calls behind a mutex since a
// *websocket.Conn allows only one writer at a time.
type WSTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	writeWait time.Duration
	closed    bool
}

// WSTransportConfig configures a WSTransport.
type WSTransportConfig struct {
	Conn      *websocket.Conn
	WriteWait time.Duration
}

// NewWSTransport returns a Transport bound to an established connection.
func NewWSTransport(cfg WSTransportConfig) *WSTransport {
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &WSTransport{conn: cfg.Conn, writeWait: writeWait}
}

// Send encodes f and writes it as a single WebSocket text message.
func (t *WSTransport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("wsbridge: send on closed transport")
	}

	wire := wireFrame{
		Type:          f.Type.String(),
		RouteID:       f.RouteID,
		StreamID:      f.StreamID,
		Trace:         f.Trace,
		Authorization: uint64(f.Authorization),
		Affinity:      f.Affinity,
		Extension:     f.Extension,
		Capabilities:  f.Capabilities,
		Padding:       f.Padding,
		GroupID:       f.GroupID,
		Payload:       f.Payload,
		Credit:        f.Credit,
		SignalID:      int(f.SignalID),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("wsbridge: encode frame: %w", err)
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close marks the transport closed and closes the underlying connection.
// Further Send calls return an error instead of panicking on a torn-down
// conn.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// DecodeFrame parses a wire message received off a WSTransport's
// connection back into a Frame, for the router's inbound-frame path.
func DecodeFrame(data []byte) (Frame, error) {
	var wire wireFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("wsbridge: decode frame: %w", err)
	}

	return Frame{
		Type:          typeFromString(wire.Type),
		RouteID:       wire.RouteID,
		StreamID:      wire.StreamID,
		Trace:         wire.Trace,
		Authorization: realm.Authorization(wire.Authorization),
		Affinity:      wire.Affinity,
		Extension:     wire.Extension,
		Capabilities:  wire.Capabilities,
		Padding:       wire.Padding,
		GroupID:       wire.GroupID,
		Payload:       wire.Payload,
		Credit:        wire.Credit,
		SignalID:      signaling.SignalID(wire.SignalID),
	}, nil
}

func typeFromString(s string) Type {
	switch s {
	case "BEGIN":
		return Begin
	case "DATA":
		return Data
	case "END":
		return End
	case "ABORT":
		return Abort
	case "WINDOW":
		return Window
	case "RESET":
		return Reset
	case "SIGNAL":
		return Signal
	default:
		return -1
	}
}
