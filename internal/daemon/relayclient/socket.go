package relayclient

import (
	"context"
	"fmt"

	"github.com/coder/websocket"

	"github.com/scriptum/scriptum/internal/metrics"
	"github.com/scriptum/scriptum/internal/wire"
)

// Socket abstracts the WebSocket connection to the relay so the
// connection manager is testable without a network (spec §9 "small
// capability traits/interfaces with a single production implementation
// and mock variants").
type Socket interface {
	Send(ctx context.Context, m *wire.Message) error
	Recv(ctx context.Context) (*wire.Message, error)
	Close() error
}

// WebSocketSocket is the production Socket, grounded on
// internal/hub/service/ws_watch_events.go's coder/websocket usage
// (text frames, custom 4xxx close codes).
type WebSocketSocket struct {
	conn *websocket.Conn
}

// DialSocket opens a WebSocket to wsURL with the daemon-relay
// subprotocol.
func DialSocket(ctx context.Context, wsURL string) (*WebSocketSocket, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"scriptum.sync.v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay websocket: %w", err)
	}
	conn.SetReadLimit(wire.MaxFrameBytes)
	return &WebSocketSocket{conn: conn}, nil
}

// Send implements Socket.
func (s *WebSocketSocket) Send(ctx context.Context, m *wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	metrics.WSMessagesTotal.WithLabelValues("outbound", string(m.Type)).Inc()
	return nil
}

// Recv implements Socket. Unknown frame types are not filtered here —
// the caller (Client.dispatch) drops them without closing the
// connection, per spec §4.3 "Unknown frames are dropped without
// closing".
func (s *WebSocketSocket) Recv(ctx context.Context) (*wire.Message, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("expected text frame, got binary")
	}
	m, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	metrics.WSMessagesTotal.WithLabelValues("inbound", string(m.Type)).Inc()
	return m, nil
}

// Close implements Socket.
func (s *WebSocketSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
