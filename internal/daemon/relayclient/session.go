package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionRequest is the body of the session-creation REST call (spec
// §4.3 step 2, §9 "Session-creation REST").
type SessionRequest struct {
	Protocol    string `json:"protocol"`
	ClientID    string `json:"client_id"`
	DeviceID    string `json:"device_id"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// SessionResponse is the relay's reply to session creation.
type SessionResponse struct {
	SessionID         string `json:"session_id"`
	SessionToken      string `json:"session_token"`
	WSURL             string `json:"ws_url"`
	ResumeToken       string `json:"resume_token"`
	ResumeExpiresAt   string `json:"resume_expires_at"`
	HeartbeatInterval int    `json:"heartbeat_interval_ms"`
	MaxFrameBytes     int    `json:"max_frame_bytes"`
}

// SessionTransport creates a relay session over HTTP (spec §4.3 step
// 2). Abstracted so reconnect logic can be tested without a network.
type SessionTransport interface {
	CreateSession(ctx context.Context, relayURL, workspaceID string, req SessionRequest) (SessionResponse, error)
}

// HTTPSessionTransport is the production SessionTransport, grounded on
// the teacher's h2c/http.Client usage in worker/hub/client.go.
type HTTPSessionTransport struct {
	HTTPClient *http.Client
}

// NewHTTPSessionTransport constructs a transport with a sane request
// timeout.
func NewHTTPSessionTransport() *HTTPSessionTransport {
	return &HTTPSessionTransport{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// CreateSession implements SessionTransport, POSTing to
// "{relay_url}/v1/workspaces/{workspace_id}/sync-sessions" (spec §9).
func (t *HTTPSessionTransport) CreateSession(ctx context.Context, relayURL, workspaceID string, req SessionRequest) (SessionResponse, error) {
	endpoint := strings.TrimRight(relayURL, "/") + "/v1/workspaces/" + url.PathEscape(workspaceID) + "/sync-sessions"

	body, err := json.Marshal(req)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("encode session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SessionResponse{}, fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(httpReq)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("create relay session: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SessionResponse{}, fmt.Errorf("relay session creation failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out SessionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return SessionResponse{}, fmt.Errorf("decode session response: %w", err)
	}
	return out, nil
}

// ValidateRelayURL enforces spec §4.3 step 1: https required except
// for loopback hosts, where http is allowed.
func ValidateRelayURL(raw string) error {
	return validateScheme(raw, "https", "http")
}

// ValidateWSURL enforces spec §4.3 step 3: wss required except for
// loopback hosts, where ws is allowed.
func ValidateWSURL(raw string) error {
	return validateScheme(raw, "wss", "ws")
}

func validateScheme(raw, secure, insecure string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme == secure {
		return nil
	}
	if u.Scheme == insecure && isLoopbackHost(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("url %q must use %s (or %s for loopback hosts)", raw, secure, insecure)
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
