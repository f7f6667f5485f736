package trigger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/daemon/trigger"
)

func TestAnthropicGeneratorSendsHeadersAndParsesResponse(t *testing.T) {
	var gotKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "feat: wire trigger pipeline"}},
		})
	}))
	defer server.Close()

	gen := &trigger.AnthropicGenerator{
		HTTPClient: server.Client(),
		APIURL:     server.URL,
		APIKey:     "sk-ant-test-key",
		Model:      "claude-haiku-4-5-20250929",
		MaxTokens:  200,
	}

	text, err := gen.Generate(context.Background(), trigger.SystemPrompt, "Changed files:\n  M auth.md\n")
	require.NoError(t, err)
	require.Equal(t, "feat: wire trigger pipeline", text)
	require.Equal(t, "sk-ant-test-key", gotKey)
	require.Equal(t, "2023-06-01", gotVersion)
}

func TestAnthropicGeneratorErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	gen := &trigger.AnthropicGenerator{HTTPClient: server.Client(), APIURL: server.URL, APIKey: "sk-ant-test-key"}
	_, err := gen.Generate(context.Background(), "system", "prompt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestAnthropicGeneratorRequiresAPIKey(t *testing.T) {
	gen := &trigger.AnthropicGenerator{HTTPClient: http.DefaultClient, APIURL: "http://unused"}
	require.False(t, gen.IsConfigured())
	_, err := gen.Generate(context.Background(), "system", "prompt")
	require.Error(t, err)
}
