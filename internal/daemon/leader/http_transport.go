package leader

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

// HTTPTransport is the production Transport (spec §9 "small capability
// traits/interfaces with a single production implementation"),
// grounded on relayclient.HTTPSessionTransport's request-building
// style and calling the relay's lease endpoints under
// "/v1/workspaces/{workspace_id}/git-leader".
type HTTPTransport struct {
	RelayURL   string
	HTTPClient *http.Client
}

// NewHTTPTransport constructs an HTTPTransport with a sane request
// timeout.
func NewHTTPTransport(relayURL string) *HTTPTransport {
	return &HTTPTransport{RelayURL: relayURL, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

type acquireRequest struct {
	ClientID string `json:"client_id"`
}

type acquireResponse struct {
	Granted       bool   `json:"granted"`
	LeaseID       string `json:"lease_id,omitempty"`
	CurrentHolder string `json:"current_holder,omitempty"`
}

// Acquire implements Transport.
func (t *HTTPTransport) Acquire(ctx context.Context, workspaceID, clientID string) (AcquireResult, error) {
	var resp acquireResponse
	if err := t.post(ctx, workspaceID, "acquire", acquireRequest{ClientID: clientID}, &resp); err != nil {
		return AcquireResult{}, err
	}
	if resp.Granted {
		return AcquireResult{Outcome: Granted, LeaseID: resp.LeaseID}, nil
	}
	return AcquireResult{Outcome: Denied, CurrentHolder: resp.CurrentHolder}, nil
}

type renewRequest struct {
	ClientID string `json:"client_id"`
	LeaseID  string `json:"lease_id"`
}

type renewResponse struct {
	Renewed bool `json:"renewed"`
}

// Renew implements Transport.
func (t *HTTPTransport) Renew(ctx context.Context, workspaceID, clientID, leaseID string) (RenewOutcome, error) {
	var resp renewResponse
	if err := t.post(ctx, workspaceID, "renew", renewRequest{ClientID: clientID, LeaseID: leaseID}, &resp); err != nil {
		return Lost, err
	}
	if resp.Renewed {
		return Renewed, nil
	}
	return Lost, nil
}

type releaseRequest struct {
	ClientID string `json:"client_id"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

// Release implements Transport.
func (t *HTTPTransport) Release(ctx context.Context, workspaceID, clientID string) (ReleaseOutcome, error) {
	var resp releaseResponse
	if err := t.post(ctx, workspaceID, "release", releaseRequest{ClientID: clientID}, &resp); err != nil {
		return NotFound, err
	}
	if resp.Released {
		return Released, nil
	}
	return NotFound, nil
}

func (t *HTTPTransport) post(ctx context.Context, workspaceID, op string, body, out any) error {
	endpoint := strings.TrimRight(t.RelayURL, "/") + "/v1/workspaces/" + url.PathEscape(workspaceID) + "/git-leader/" + op

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s git-leader lease: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s git-leader lease failed: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
