package mcpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
)

func newTestHTTPClient(t *testing.T, server *httptest.Server) *HTTPClient {
	t.Helper()
	cfg := mcptypes.ServerConfig{
		Name:          "rest-backend",
		Transport:     mcptypes.TransportHTTP,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		HTTP:          &mcptypes.HTTPConfig{BaseURL: server.URL, ConnectionPoolSize: 4},
	}
	client, err := NewHTTPClient(cfg)
	require.NoError(t, err)
	return client
}

func TestHTTPClientConnectAndListTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/tools":
			json.NewEncoder(w).Encode(map[string]any{
				"tools": []mcptypes.Tool{{Name: "search", Description: "searches things"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestHTTPClient(t, server)
	ctx := context.Background()

	result, err := client.Connect(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
}

func TestHTTPClientConnectFailsOn401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestHTTPClient(t, server)
	result, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, mcperrors.IsConnection(result.Err))
}

func TestHTTPClientHonorsRetryAfter(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/tools":
			attempts++
			if attempts == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"tools": []mcptypes.Tool{}})
		}
	}))
	defer server.Close()

	client := newTestHTTPClient(t, server)
	ctx := context.Background()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	_, err = client.ListTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestHTTPClientCallToolExecutesAgainstPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/tools/execute" && r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "search", body["tool"])
			json.NewEncoder(w).Encode(mcptypes.ToolResult{
				Content: []mcptypes.ContentBlock{{Type: "text", Text: "ok"}},
			})
		}
	}))
	defer server.Close()

	client := newTestHTTPClient(t, server)
	ctx := context.Background()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	result, err := client.CallTool(ctx, "search", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
}

func TestHTTPClientCallToolMergesPerCallHeaders(t *testing.T) {
	var gotHeader string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/tools/execute" && r.Method == http.MethodPost:
			gotHeader = r.Header.Get("X-Trace-Id")
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(mcptypes.ToolResult{
				Content: []mcptypes.ContentBlock{{Type: "text", Text: "ok"}},
			})
		}
	}))
	defer server.Close()

	client := newTestHTTPClient(t, server)
	ctx := context.Background()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	args := map[string]any{"q": "x", extraHeadersArgKey: map[string]string{"X-Trace-Id": "abc-123"}}
	_, err = client.CallTool(ctx, "search", args)
	require.NoError(t, err)

	assert.Equal(t, "abc-123", gotHeader)
	assert.Equal(t, "x", gotBody["arguments"].(map[string]any)["q"])
	assert.NotContains(t, gotBody["arguments"].(map[string]any), extraHeadersArgKey)
	assert.Contains(t, args, extraHeadersArgKey, "caller's original args map must not be mutated")
}
