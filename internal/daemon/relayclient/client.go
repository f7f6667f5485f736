// Package relayclient implements the daemon's relay connection manager
// (spec §4.3, C3): a state machine driving one daemon<->relay session
// over the session-creation REST call and a WebSocket, with
// exponential-backoff reconnection. Grounded on
// internal/worker/hub/{client.go,backoff.go}, adapted from ConnectRPC
// bidi-streaming to the WebSocket transport in internal/wire.
package relayclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptum/scriptum/internal/wire"
)

// Dialer opens a Socket to a validated ws_url (spec §4.3 step 4).
type Dialer func(ctx context.Context, wsURL string) (Socket, error)

// Config configures a Client (spec §4.3, §9 session-creation request).
type Config struct {
	RelayURL        string
	WorkspaceID     string
	ClientID        string
	DeviceID        string
	ProtocolVersion string
}

// Client drives one daemon<->relay session (spec §4.3's state
// machine). All mutable fields are guarded by mu; I/O (HTTP, WebSocket)
// never happens while mu is held, matching the teacher's "no I/O while
// holding a write lock" discipline (spec §9).
type Client struct {
	config    Config
	transport SessionTransport
	dial      Dialer

	mu                  sync.Mutex
	state               ConnState
	socket              Socket
	resumeToken         string
	subscriptions       map[string]struct{}
	consecutiveFailures int

	events chan Event
}

// New constructs a Client in the Disconnected state.
func New(config Config, transport SessionTransport, dial Dialer) *Client {
	if config.ProtocolVersion == "" {
		config.ProtocolVersion = "scriptum-sync.v1"
	}
	return &Client{
		config:        config,
		transport:     transport,
		dial:          dial,
		state:         StateDisconnected,
		subscriptions: make(map[string]struct{}),
		events:        make(chan Event, 64),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the channel RecvEvent delivers translated inbound
// frames on (spec §4.3 "recv_event()").
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect runs the connect sequence once (spec §4.3 "Connect
// sequence", steps 1-7). On any failure it transitions to
// Disconnected, increments consecutive_failures, and emits a
// Disconnected event; callers should use Run for automatic retry.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	if err := ValidateRelayURL(c.config.RelayURL); err != nil {
		return c.failConnect(err)
	}

	c.mu.Lock()
	resumeToken := c.resumeToken
	c.mu.Unlock()

	sessResp, err := c.transport.CreateSession(ctx, c.config.RelayURL, c.config.WorkspaceID, SessionRequest{
		Protocol:    c.config.ProtocolVersion,
		ClientID:    c.config.ClientID,
		DeviceID:    c.config.DeviceID,
		ResumeToken: resumeToken,
	})
	if err != nil {
		return c.failConnect(fmt.Errorf("create session: %w", err))
	}

	if err := ValidateWSURL(sessResp.WSURL); err != nil {
		return c.failConnect(err)
	}

	c.setState(StateAuthenticating)

	socket, err := c.dial(ctx, sessResp.WSURL)
	if err != nil {
		return c.failConnect(fmt.Errorf("dial websocket: %w", err))
	}

	if err := socket.Send(ctx, wire.Hello(c.config.ProtocolVersion, sessResp.SessionToken, resumeToken)); err != nil {
		_ = socket.Close()
		return c.failConnect(fmt.Errorf("send hello: %w", err))
	}

	ack, err := socket.Recv(ctx)
	if err != nil {
		_ = socket.Close()
		return c.failConnect(fmt.Errorf("recv hello_ack: %w", err))
	}
	if ack.Type != wire.TypeHelloAck {
		_ = socket.Close()
		return c.failConnect(fmt.Errorf("expected hello_ack, got %s", ack.Type))
	}

	c.mu.Lock()
	if !ack.ResumeAccepted {
		c.subscriptions = make(map[string]struct{})
	}
	c.resumeToken = ack.ResumeToken
	c.socket = socket
	c.consecutiveFailures = 0
	c.state = StateConnected
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnected})
	return nil
}

func (c *Client) failConnect(err error) error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.consecutiveFailures++
	c.mu.Unlock()

	c.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
	return err
}

// ShouldReconnect reports whether Run should keep retrying (spec §4.3
// "should_reconnect() is consecutive_failures < max_attempts"). 0
// means unlimited, matching spec's default.
func (c *Client) ShouldReconnect(maxAttempts int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maxAttempts <= 0 || c.consecutiveFailures < maxAttempts
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled or should_reconnect() becomes false. maxAttempts <= 0 means
// unlimited, per spec §4.3's default.
func (c *Client) Run(ctx context.Context, maxAttempts int) {
	for {
		if !c.ShouldReconnect(maxAttempts) {
			slog.Warn("relayclient: giving up after exceeding max reconnect attempts")
			return
		}

		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			failures := c.consecutiveFailures
			c.mu.Unlock()
			delay := Delay(failures)
			slog.Warn("relayclient: connect failed, retrying", "error", err, "backoff", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.recvLoop(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// recvLoop reads frames until the socket errors or ctx is cancelled,
// translating them into Events (spec §4.3 "recv_event()"). Unknown
// frame types are dropped without closing the connection.
func (c *Client) recvLoop(ctx context.Context) {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return
	}

	for {
		msg, err := socket.Recv(ctx)
		if err != nil {
			c.mu.Lock()
			c.socket = nil
			c.state = StateDisconnected
			c.mu.Unlock()
			c.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeSnapshot:
		payload, _ := msg.Payload()
		c.emit(Event{Kind: EventSnapshot, DocID: msg.DocID, SnapshotSeq: msg.SnapshotSeq, Payload: payload})
	case wire.TypeYjsUpdate:
		payload, _ := msg.Payload()
		c.emit(Event{
			Kind: EventRemoteUpdate, DocID: msg.DocID, ClientID: msg.ClientID,
			ClientUpdateID: msg.ClientUpdateID, BaseServerSeq: msg.BaseServerSeq, Payload: payload,
		})
	case wire.TypeAck:
		c.emit(Event{Kind: EventUpdateAcked, DocID: msg.DocID, ClientUpdateID: msg.ClientUpdateID, ServerSeq: msg.ServerSeq, Applied: msg.Applied})
	case wire.TypeError:
		c.emit(Event{Kind: EventError, DocID: msg.DocID, Code: msg.Code, ErrMessage: msg.ErrMessage, Retryable: msg.Retryable})
	default:
		// Unknown frames (and hello/hello_ack/subscribe/awareness_update
		// arriving out of sequence) are dropped without closing the
		// connection (spec §4.3).
	}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		slog.Warn("relayclient: event channel full, dropping event", "kind", e.Kind)
	}
}

// Subscribe sends a subscribe frame and records the doc locally (spec
// §4.3 "subscribe(doc, last_server_seq)").
func (c *Client) Subscribe(ctx context.Context, docID string, lastServerSeq *int64) error {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return fmt.Errorf("not connected")
	}
	if err := socket.Send(ctx, wire.Subscribe(docID, lastServerSeq)); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscriptions[docID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// SendUpdate sends a yjs_update frame (spec §4.3 "send_update(...)").
func (c *Client) SendUpdate(ctx context.Context, docID, clientID, clientUpdateID string, baseServerSeq int64, payload []byte) error {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return fmt.Errorf("not connected")
	}
	return socket.Send(ctx, wire.YjsUpdate(docID, clientID, clientUpdateID, baseServerSeq, payload))
}

// Close closes the underlying socket, if any, and transitions to
// Disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if socket == nil {
		return nil
	}
	return socket.Close()
}
