package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/scriptum/scriptum/internal/metrics"
	"github.com/scriptum/scriptum/internal/relay/awareness"
	"github.com/scriptum/scriptum/internal/relay/docsync"
	"github.com/scriptum/scriptum/internal/scerr"
	"github.com/scriptum/scriptum/internal/util/timefmt"
	"github.com/scriptum/scriptum/internal/wire"
)

// wsHandler returns the WebSocket upgrade handler for "/v1/ws/{session_id}"
// (spec §4.1, §4.5's handshake validation, §4.4's subscribe/catch-up,
// §4.6's awareness re-broadcast). Grounded on
// internal/hub/service/ws_watch_events.go's accept/handshake/frame-loop
// shape, generalized from one fixed protobuf request to Scriptum's
// tagged WsMessage union.
func (s *Server) wsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdownCh:
			http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		sessionID := r.PathValue("session_id")

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"scriptum.sync.v1"},
		})
		if err != nil {
			slog.Debug("ws: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(wire.MaxFrameBytes)

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		c := &wsConn{conn: conn}
		s.serveConn(r.Context(), sessionID, c)
	})
}

// wsConn serializes writes to a single coder/websocket connection,
// which is not itself safe for concurrent use — broadcast fan-out and
// the connection's own reply path can race otherwise (spec §9 "No
// component holds a lock across a network call" governs our stores;
// this mutex only protects the socket write itself, not a store).
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(ctx context.Context, m *wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.WithLabelValues("outbound", string(m.Type)).Inc()
	return nil
}

func (c *wsConn) recvRaw(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.conn.Read(ctx)
}

func (s *Server) serveConn(ctx context.Context, sessionID string, c *wsConn) {
	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	typ, data, err := c.recvRaw(handshakeCtx)
	cancel()
	if err != nil {
		slog.Debug("ws: read hello failed", "error", err)
		return
	}
	if typ != websocket.MessageText {
		_ = c.conn.Close(wire.CloseInvalidMessage, "expected text frame for hello")
		return
	}

	hello, err := wire.Decode(data)
	if err != nil || hello.Type != wire.TypeHello {
		_ = c.conn.Close(wire.CloseInvalidMessage, "expected hello frame first")
		return
	}
	if !wire.SupportedProtocolVersions[hello.ProtocolVersion] {
		_ = c.send(ctx, wire.ErrorMsg(string(scerr.CodeUnsupportedMessage), "unsupported protocol version", false, ""))
		_ = c.conn.Close(wire.CloseUnsupportedVersion, "unsupported protocol version")
		return
	}

	outcome := s.sessions.Handshake(sessionID, hello.SessionToken, hello.ResumeToken, time.Now())
	if outcome.Err != nil {
		_ = c.send(ctx, wire.ErrorMsg(string(outcome.Err.Code), outcome.Err.Message, outcome.Err.Retryable, ""))
		_ = c.conn.Close(wire.CloseUnauthorized, "handshake rejected")
		return
	}

	if err := c.send(ctx, wire.HelloAck(timefmt.Format(time.Now()), outcome.ResumeAccepted, outcome.ResumeToken, timefmt.Format(outcome.ResumeExpiresAt))); err != nil {
		return
	}

	s.sessions.MarkConnected(sessionID, func(m *wire.Message) error {
		return c.send(context.Background(), m)
	})
	defer s.disconnect(sessionID)

	for {
		typ, data, err := c.recvRaw(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handleFrame(ctx, sessionID, c, data)
	}
}

func (s *Server) disconnect(sessionID string) {
	sess := s.sessions.Get(sessionID)
	s.sessions.MarkDisconnected(sessionID)
	if sess == nil {
		return
	}
	var docs []string
	for docID := range sess.Subscriptions {
		docs = append(docs, docID)
	}
	s.awarenesses.RemoveSession(sess.WorkspaceID, docs, sessionID)
	for _, docID := range docs {
		s.broadcastAwareness(sess.WorkspaceID, docID, "")
	}
}

func (s *Server) handleFrame(ctx context.Context, sessionID string, c *wsConn, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		_ = c.send(ctx, wire.ErrorMsg(string(scerr.CodeInvalidMessage), "malformed frame", false, ""))
		return
	}
	metrics.WSMessagesTotal.WithLabelValues("inbound", string(msg.Type)).Inc()

	sess := s.sessions.Get(sessionID)
	if sess == nil {
		_ = c.send(ctx, wire.ErrorMsg(string(scerr.CodeSessionInvalid), "unknown session", false, ""))
		return
	}

	switch msg.Type {
	case wire.TypeSubscribe:
		s.handleSubscribe(ctx, sess.WorkspaceID, sessionID, c, msg)
	case wire.TypeYjsUpdate:
		s.handleYjsUpdate(ctx, sess.WorkspaceID, sessionID, c, msg)
	case wire.TypeAwarenessUpdate:
		s.handleAwarenessUpdate(sess.WorkspaceID, sessionID, raw, msg)
	default:
		// Unknown/out-of-sequence frames (hello, hello_ack, snapshot, ack,
		// error) are dropped without closing the connection (spec §4.3's
		// "dropped without closing" generalizes to the server side too).
	}
}

func (s *Server) handleSubscribe(ctx context.Context, workspaceID, sessionID string, c *wsConn, msg *wire.Message) {
	s.sessions.TrackSubscription(sessionID, msg.DocID)
	for _, catchUp := range s.docs.BuildStateSyncMessages(workspaceID, msg.DocID, msg.LastServerSeq) {
		var out *wire.Message
		if catchUp.IsSnapshot {
			out = wire.Snapshot(msg.DocID, catchUp.SnapshotSeq, catchUp.Payload)
		} else {
			out = wire.YjsUpdate(msg.DocID, catchUp.ClientID, catchUp.ClientUpdateID, catchUp.BaseServerSeq, catchUp.Payload)
		}
		if err := c.send(ctx, out); err != nil {
			return
		}
	}
}

func (s *Server) handleYjsUpdate(ctx context.Context, workspaceID, sessionID string, c *wsConn, msg *wire.Message) {
	payload, err := msg.Payload()
	if err != nil {
		_ = c.send(ctx, wire.ErrorMsg(string(scerr.CodeInvalidMessage), "invalid base64 payload", false, msg.DocID))
		return
	}

	var attr docsync.Attribution
	if sess := s.sessions.Get(sessionID); sess != nil {
		attr = docsync.Attribution{ActorUserID: sess.ActorUserID, ActorAgentID: sess.ActorAgentID}
	}

	result := s.docs.ApplyClientUpdate(workspaceID, msg.DocID, msg.ClientID, msg.ClientUpdateID, msg.BaseServerSeq, payload, attr)
	switch result.Kind {
	case docsync.Applied:
		_ = c.send(ctx, wire.Ack(msg.DocID, msg.ClientUpdateID, result.ServerSeq, true))
		s.sessions.BroadcastToSubscribersExcluding(workspaceID, msg.DocID, sessionID,
			wire.YjsUpdate(msg.DocID, msg.ClientID, msg.ClientUpdateID, result.BroadcastBaseServerSeq, payload))
	case docsync.Duplicate:
		_ = c.send(ctx, wire.Ack(msg.DocID, msg.ClientUpdateID, result.DuplicateServerSeq, true))
	case docsync.RejectedBaseSeq:
		_ = c.send(ctx, wire.ErrorMsg(string(scerr.CodeBaseServerSeqMismatch), "base_server_seq is behind head", true, msg.DocID))
	}
}

// awarenessFrame decodes just enough of the raw frame to preserve
// unknown PeerState fields as opaque JSON (spec §3 "unknown fields are
// ignored for forward compatibility"), instead of round-tripping
// through wire.Message's typed Peers field which would already have
// dropped them.
type awarenessFrame struct {
	DocID string            `json:"doc_id"`
	Peers []json.RawMessage `json:"peers"`
}

func (s *Server) handleAwarenessUpdate(workspaceID, sessionID string, raw []byte, msg *wire.Message) {
	var frame awarenessFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	s.awarenesses.Update(workspaceID, frame.DocID, sessionID, frame.Peers)
	s.broadcastAwareness(workspaceID, frame.DocID, sessionID)
}

func (s *Server) broadcastAwareness(workspaceID, docID, exceptSessionID string) {
	aggregate := s.awarenesses.AggregateExcluding(workspaceID, docID, exceptSessionID)
	s.sessions.BroadcastToSubscribersExcluding(workspaceID, docID, exceptSessionID, wire.AwarenessUpdate(docID, aggregate))
}
