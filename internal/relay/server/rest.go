package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scriptum/scriptum/internal/util/timefmt"
	"github.com/scriptum/scriptum/internal/wire"
)

type createSessionRequest struct {
	Protocol    string `json:"protocol"`
	ClientID    string `json:"client_id"`
	DeviceID    string `json:"device_id"`
	ResumeToken string `json:"resume_token,omitempty"`
}

type createSessionResponse struct {
	SessionID         string `json:"session_id"`
	SessionToken      string `json:"session_token"`
	WSURL             string `json:"ws_url"`
	HeartbeatInterval int64  `json:"heartbeat_interval_ms"`
	MaxFrameBytes     int    `json:"max_frame_bytes"`
	ResumeToken       string `json:"resume_token"`
	ResumeExpiresAt   string `json:"resume_expires_at"`
}

// handleCreateSession implements the session-creation REST call (spec
// §6 "POST /v1/workspaces/{workspace_id}/sync-sessions").
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")

	actorUserID, actorAgentID, err := s.cfg.Authorizer.Authorize(r, workspaceID)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "AUTH_FORBIDDEN", "message": err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "SYNC_INVALID_MESSAGE", "message": "failed to read body"})
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "SYNC_INVALID_MESSAGE", "message": "invalid JSON body"})
		return
	}
	if !wire.SupportedProtocolVersions[req.Protocol] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "SYNC_UNSUPPORTED_MESSAGE", "message": "unsupported protocol version"})
		return
	}

	now := time.Now()
	sess := s.sessions.CreateSessionWithActor(workspaceID, req.ClientID, req.DeviceID, actorUserID, actorAgentID, now)

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:         sess.SessionID,
		SessionToken:      sess.SessionToken,
		WSURL:             wsURL(r, sess.SessionID),
		HeartbeatInterval: HeartbeatInterval.Milliseconds(),
		MaxFrameBytes:     wire.MaxFrameBytes,
		ResumeToken:       sess.ResumeToken,
		ResumeExpiresAt:   timefmt.Format(sess.ResumeExpiresAt),
	})
}

// wsURL builds the ws(s)://.../v1/ws/{session_id} URL the daemon
// should dial next (spec §6). Scheme tracks whether the inbound
// request itself arrived over TLS, matching relayclient's loopback
// relaxation (spec §4.3 step 3).
func wsURL(r *http.Request, sessionID string) string {
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/v1/ws/" + sessionID
}

type leaderAcquireRequest struct {
	ClientID string `json:"client_id"`
}

type leaderAcquireResponse struct {
	Granted       bool   `json:"granted"`
	LeaseID       string `json:"lease_id,omitempty"`
	CurrentHolder string `json:"current_holder,omitempty"`
}

// handleLeaderAcquire implements the git-leader acquire endpoint
// backing internal/daemon/leader.HTTPTransport (spec §4.9).
func (s *Server) handleLeaderAcquire(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	var req leaderAcquireRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := s.leases.Acquire(workspaceID, req.ClientID, time.Now())
	writeJSON(w, http.StatusOK, leaderAcquireResponse{Granted: result.Granted, LeaseID: result.LeaseID, CurrentHolder: result.CurrentHolder})
}

type leaderRenewRequest struct {
	ClientID string `json:"client_id"`
	LeaseID  string `json:"lease_id"`
}

type leaderRenewResponse struct {
	Renewed bool `json:"renewed"`
}

func (s *Server) handleLeaderRenew(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	var req leaderRenewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := s.leases.Renew(workspaceID, req.ClientID, req.LeaseID, time.Now())
	writeJSON(w, http.StatusOK, leaderRenewResponse{Renewed: result.Renewed})
}

type leaderReleaseRequest struct {
	ClientID string `json:"client_id"`
}

type leaderReleaseResponse struct {
	Released bool `json:"released"`
}

func (s *Server) handleLeaderRelease(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	var req leaderReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := s.leases.Release(workspaceID, req.ClientID)
	writeJSON(w, http.StatusOK, leaderReleaseResponse{Released: result.Released})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "failed to read body"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON body"})
		return false
	}
	return true
}
