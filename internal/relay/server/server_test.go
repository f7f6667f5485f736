package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/relay/docsync"
	"github.com/scriptum/scriptum/internal/relay/server"
	"github.com/scriptum/scriptum/internal/wire"
)

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	s := server.New(server.Config{Addr: ":0"})
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func createSession(t *testing.T, hs *httptest.Server, workspaceID, clientID string) (sessionID, sessionToken, wsURL string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"protocol":  "scriptum-sync.v1",
		"client_id": clientID,
		"device_id": "device-1",
	})
	resp, err := http.Post(hs.URL+"/v1/workspaces/"+workspaceID+"/sync-sessions", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		SessionID    string `json:"session_id"`
		SessionToken string `json:"session_token"`
		WSURL        string `json:"ws_url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	wsURL = strings.Replace(out.WSURL, "ws://", "ws://", 1)
	wsURL = strings.Replace(hs.URL, "http://", "ws://", 1) + "/v1/ws/" + out.SessionID
	return out.SessionID, out.SessionToken, wsURL
}

func dialAndHello(t *testing.T, ctx context.Context, wsURL, sessionToken string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{"scriptum.sync.v1"}})
	require.NoError(t, err)

	require.NoError(t, sendMsg(ctx, conn, wire.Hello("scriptum-sync.v1", sessionToken, "")))
	ack := recvMsg(t, ctx, conn)
	require.Equal(t, wire.TypeHelloAck, ack.Type)
	return conn
}

func sendMsg(ctx context.Context, conn *websocket.Conn, m *wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func recvMsg(t *testing.T, ctx context.Context, conn *websocket.Conn) *wire.Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	m, err := wire.Decode(data)
	require.NoError(t, err)
	return m
}

func TestHandshake_RejectsBadToken(t *testing.T) {
	_, hs := newTestServer(t)
	sessionID, _, _ := createSession(t, hs, "ws1", "client-a")

	wsURL := strings.Replace(hs.URL, "http://", "ws://", 1) + "/v1/ws/" + sessionID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{"scriptum.sync.v1"}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, sendMsg(ctx, conn, wire.Hello("scriptum-sync.v1", "wrong-token", "")))
	errMsg := recvMsg(t, ctx, conn)
	assert.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, "SYNC_TOKEN_INVALID", errMsg.Code)
}

func TestSubscribeAndUpdate_SnapshotTailCatchUp(t *testing.T) {
	s, hs := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Docs().SetSnapshot("ws1", "doc1", 5, []byte("S"))
	s.Docs().ApplyClientUpdate("ws1", "doc1", "clientA", "u1", 5, []byte("u6"), docsync.Attribution{})
	s.Docs().ApplyClientUpdate("ws1", "doc1", "clientB", "u2", 6, []byte("u7"), docsync.Attribution{})

	_, token, wsURL := createSession(t, hs, "ws1", "client-sub")
	conn := dialAndHello(t, ctx, wsURL, token)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, sendMsg(ctx, conn, wire.Subscribe("doc1", nil)))

	snap := recvMsg(t, ctx, conn)
	require.Equal(t, wire.TypeSnapshot, snap.Type)
	assert.EqualValues(t, 5, snap.SnapshotSeq)

	u1 := recvMsg(t, ctx, conn)
	require.Equal(t, wire.TypeYjsUpdate, u1.Type)
	assert.EqualValues(t, 5, u1.BaseServerSeq)

	u2 := recvMsg(t, ctx, conn)
	require.Equal(t, wire.TypeYjsUpdate, u2.Type)
	assert.EqualValues(t, 6, u2.BaseServerSeq)
}

func TestYjsUpdate_DedupReplay(t *testing.T) {
	_, hs := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, token, wsURL := createSession(t, hs, "ws1", "client-a")
	conn := dialAndHello(t, ctx, wsURL, token)
	defer conn.Close(websocket.StatusNormalClosure, "")

	update := wire.YjsUpdate("doc1", "client-a", "u1", 0, []byte("payload"))
	require.NoError(t, sendMsg(ctx, conn, update))
	ack1 := recvMsg(t, ctx, conn)
	require.Equal(t, wire.TypeAck, ack1.Type)
	assert.EqualValues(t, 1, ack1.ServerSeq)

	require.NoError(t, sendMsg(ctx, conn, update))
	ack2 := recvMsg(t, ctx, conn)
	require.Equal(t, wire.TypeAck, ack2.Type)
	assert.EqualValues(t, 1, ack2.ServerSeq)
}

func TestYjsUpdate_RejectedBaseSeq(t *testing.T) {
	_, hs := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, token, wsURL := createSession(t, hs, "ws1", "client-a")
	conn := dialAndHello(t, ctx, wsURL, token)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, sendMsg(ctx, conn, wire.YjsUpdate("doc1", "client-a", "u1", 7, []byte("payload"))))
	errMsg := recvMsg(t, ctx, conn)
	assert.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, "SYNC_BASE_SERVER_SEQ_MISMATCH", errMsg.Code)
	assert.True(t, errMsg.Retryable)
}

func TestLeaderLease_Contention(t *testing.T) {
	_, hs := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"client_id": "daemonA"})
	resp, err := http.Post(hs.URL+"/v1/workspaces/ws1/git-leader/acquire", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	var a struct {
		Granted bool   `json:"granted"`
		LeaseID string `json:"lease_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	resp.Body.Close()
	assert.True(t, a.Granted)

	body2, _ := json.Marshal(map[string]string{"client_id": "daemonB"})
	resp2, err := http.Post(hs.URL+"/v1/workspaces/ws1/git-leader/acquire", "application/json", strings.NewReader(string(body2)))
	require.NoError(t, err)
	var b struct {
		Granted       bool   `json:"granted"`
		CurrentHolder string `json:"current_holder"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&b))
	resp2.Body.Close()
	assert.False(t, b.Granted)
	assert.Equal(t, "daemonA", b.CurrentHolder)
}
