// Package server wires the relay's HTTP surface (spec §6): the
// session-creation REST endpoint, the WebSocket upgrade endpoint, and
// the git-leader lease REST endpoints, on top of the session (C5),
// docsync (C4), awareness (C6), and leaderlease (C9) stores. Grounded
// on hub/server.go's mux-wiring and graceful-shutdown sequence,
// adapted from leapmux's ConnectRPC service registration to plain
// net/http handlers since Scriptum's wire protocol is JSON-over-
// WebSocket, not protobuf/ConnectRPC (spec §4.1).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scriptum/scriptum/internal/logging"
	"github.com/scriptum/scriptum/internal/metrics"
	"github.com/scriptum/scriptum/internal/relay/awareness"
	"github.com/scriptum/scriptum/internal/relay/docsync"
	"github.com/scriptum/scriptum/internal/relay/leaderlease"
	"github.com/scriptum/scriptum/internal/relay/session"
)

// Authorizer validates a caller's bearer token for a workspace and
// resolves their actor identity (spec §6 "Authorisation uses a bearer
// token bound to the caller's user and workspace"). The full workspace
// ACL/user system is out of scope (spec §1 "HTTP CRUD for
// workspaces/documents/comments/search/tags/ACL ... referenced only by
// their interfaces"), so this is the single seam a real deployment
// plugs an ACL check into.
type Authorizer interface {
	Authorize(r *http.Request, workspaceID string) (actorUserID, actorAgentID *string, err error)
}

// AllowAllAuthorizer grants every request, with no actor identity. It
// is the default when no Authorizer is configured — suitable for
// local/loopback deployments and tests; production deployments supply
// their own Authorizer grounded on the out-of-scope ACL system.
type AllowAllAuthorizer struct{}

// Authorize implements Authorizer.
func (AllowAllAuthorizer) Authorize(*http.Request, string) (*string, *string, error) {
	return nil, nil, nil
}

// HeartbeatInterval is sent to daemons as heartbeat_interval_ms (spec
// §4.3's default liveness timeout is derived from this).
const HeartbeatInterval = 10 * time.Second

// Config configures a Server.
type Config struct {
	Addr       string
	Authorizer Authorizer // nil defaults to AllowAllAuthorizer
}

// Server is the relay's process-wide HTTP server.
type Server struct {
	cfg         Config
	sessions    *session.Store
	docs        *docsync.Store
	awarenesses *awareness.Store
	leases      *leaderlease.Store
	httpServer  *http.Server
	shutdownCh  chan struct{}
}

// New constructs a Server with fresh, empty stores.
func New(cfg Config) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}

	s := &Server{
		cfg:         cfg,
		sessions:    session.New(),
		docs:        docsync.New(),
		awarenesses: awareness.New(),
		leases:      leaderlease.New(),
		shutdownCh:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workspaces/{workspace_id}/sync-sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/workspaces/{workspace_id}/git-leader/acquire", s.handleLeaderAcquire)
	mux.HandleFunc("POST /v1/workspaces/{workspace_id}/git-leader/renew", s.handleLeaderRenew)
	mux.HandleFunc("POST /v1/workspaces/{workspace_id}/git-leader/release", s.handleLeaderRelease)
	mux.Handle("GET /v1/ws/{session_id}", s.wsHandler())
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Sessions, Docs, Awarenesses, and Leases expose the underlying stores
// for tests and for embedding Server inside a larger process.
func (s *Server) Sessions() *session.Store      { return s.sessions }
func (s *Server) Docs() *docsync.Store          { return s.docs }
func (s *Server) Awarenesses() *awareness.Store { return s.awarenesses }
func (s *Server) Leases() *leaderlease.Store    { return s.leases }

// Handler returns the server's http.Handler, for use with httptest or
// a custom listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve listens on cfg.Addr and blocks until ctx is cancelled, then
// performs a graceful shutdown (spec §9 cancellation: "observe a
// shutdown channel").
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("relay shutting down...")
		close(s.shutdownCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("relay listening", "addr", s.cfg.Addr)
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
