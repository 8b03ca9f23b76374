package mcpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpmesh/internal/mcptypes"
)

func validStdioConfig() mcptypes.ServerConfig {
	return mcptypes.ServerConfig{
		Name:          "echo-server",
		Transport:     mcptypes.TransportStdio,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		Stdio:         &mcptypes.StdioConfig{Command: "sh", BufferSize: 4096},
	}
}

func TestFactoryRejectsZeroTimeout(t *testing.T) {
	cfg := validStdioConfig()
	cfg.Timeout = 0

	_, err := NewFactory().New(cfg)
	require.Error(t, err)
}

func TestFactoryRejectsMissingRetryAttempts(t *testing.T) {
	cfg := validStdioConfig()
	cfg.RetryAttempts = 0

	_, err := NewFactory().New(cfg)
	require.Error(t, err)
}

func TestFactoryRejectsMissingStdioCommand(t *testing.T) {
	cfg := validStdioConfig()
	cfg.Stdio = nil

	_, err := NewFactory().New(cfg)
	require.Error(t, err)
}

func TestFactoryRejectsUnknownTransport(t *testing.T) {
	cfg := validStdioConfig()
	cfg.Transport = "carrier-pigeon"

	_, err := NewFactory().New(cfg)
	require.Error(t, err)
}

func TestFactoryDispatchesStdio(t *testing.T) {
	client, err := NewFactory().New(validStdioConfig())
	require.NoError(t, err)
	assert.IsType(t, &StdioClient{}, client)
	assert.Equal(t, "echo-server", client.Name())
	assert.Equal(t, mcptypes.StateDisconnected, client.State())
}
