package leader_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/daemon/leader"
)

func TestHTTPTransport_Acquire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workspaces/ws1/git-leader/acquire", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"granted": true, "lease_id": "lease-123"})
	}))
	defer srv.Close()

	tr := leader.NewHTTPTransport(srv.URL)
	result, err := tr.Acquire(context.Background(), "ws1", "daemonA")
	require.NoError(t, err)
	assert.Equal(t, leader.Granted, result.Outcome)
	assert.Equal(t, "lease-123", result.LeaseID)
}

func TestHTTPTransport_Acquire_Denied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"granted": false, "current_holder": "daemonB"})
	}))
	defer srv.Close()

	tr := leader.NewHTTPTransport(srv.URL)
	result, err := tr.Acquire(context.Background(), "ws1", "daemonA")
	require.NoError(t, err)
	assert.Equal(t, leader.Denied, result.Outcome)
	assert.Equal(t, "daemonB", result.CurrentHolder)
}

func TestHTTPTransport_Renew_Lost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"renewed": false})
	}))
	defer srv.Close()

	tr := leader.NewHTTPTransport(srv.URL)
	outcome, err := tr.Renew(context.Background(), "ws1", "daemonA", "lease-123")
	require.NoError(t, err)
	assert.Equal(t, leader.Lost, outcome)
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := leader.NewHTTPTransport(srv.URL)
	_, err := tr.Acquire(context.Background(), "ws1", "daemonA")
	assert.Error(t, err)
}
