package mcpclient

import (
	"fmt"

	"mcpmesh/internal/mcptypes"
)

// Factory constructs a Client for a ServerConfig, dispatching on transport
// kind and surfacing config validation failures before any connection is
// attempted.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) New(config mcptypes.ServerConfig) (Client, error) {
	switch config.Transport {
	case mcptypes.TransportStdio:
		return NewStdioClient(config)
	case mcptypes.TransportSSE:
		return NewSSEClient(config)
	case mcptypes.TransportHTTP:
		return NewHTTPClient(config)
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport %q for server %q", config.Transport, config.Name)
	}
}
