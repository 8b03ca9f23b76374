package mcpclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpmesh/internal/mcptypes"
)

// echoToolsScript reads one JSON-RPC line and replies with a canned
// tools/list result carrying the same request id, using only POSIX shell
// and sed so the test has no external dependency.
const echoToolsScript = `read line
id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"ping","description":"pings"}]}}\n' "$id"
exec cat >/dev/null
`

func newTestStdioClient(t *testing.T) *StdioClient {
	t.Helper()
	cfg := mcptypes.ServerConfig{
		Name:          "shell-echo",
		Transport:     mcptypes.TransportStdio,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		Stdio: &mcptypes.StdioConfig{
			Command:    "sh",
			Args:       []string{"-c", echoToolsScript},
			BufferSize: 4096,
		},
	}
	client, err := NewStdioClient(cfg)
	require.NoError(t, err)
	return client
}

func TestStdioClientConnectAndListTools(t *testing.T) {
	client := newTestStdioClient(t)
	ctx := context.Background()

	result, err := client.Connect(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.True(t, client.IsConnected())

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "ping", tools[0].Name)

	require.NoError(t, client.Disconnect(ctx))
	assert.False(t, client.IsConnected())
}

func TestStdioClientRejectsOversizedRequest(t *testing.T) {
	cfg := mcptypes.ServerConfig{
		Name:          "shell-echo-small-buf",
		Transport:     mcptypes.TransportStdio,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		Stdio: &mcptypes.StdioConfig{
			Command:    "sh",
			Args:       []string{"-c", "cat >/dev/null"},
			BufferSize: 10,
		},
	}
	client, err := NewStdioClient(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Connect(ctx)
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	_, err = client.CallTool(ctx, "a-tool-with-a-long-enough-name-to-overflow", map[string]any{"x": 1})
	require.Error(t, err)
}

func TestStdioClientDisconnectIsIdempotent(t *testing.T) {
	client := newTestStdioClient(t)
	ctx := context.Background()

	require.NoError(t, client.Disconnect(ctx))
	require.NoError(t, client.Disconnect(ctx))
}
