package connection

import (
	"context"
	"time"
)

// Endpoint is where and how to open a session.
type Endpoint struct {
	URL string
	// AuthByFrame makes the manager send an auth frame with an access token and wait
	// for auth_ack. Otherwise the URL already carries the credential.
	AuthByFrame bool
	// Client is optional server-side tuning.
	Client *ClientConfig
}

// ClientConfig is tuning pushed by the server with the endpoint.
type ClientConfig struct {
	PingInterval      time.Duration
	ReconnectCount    int
	ReconnectInterval time.Duration
}

// TokenProvider supplies endpoints and access tokens.
type TokenProvider interface {
	GetEndpoint(ctx context.Context) (*Endpoint, error)
	GetAccessToken(ctx context.Context) (string, error)
}

// TokenInvalidator is implemented by providers that cache tokens. The manager calls it
// when the server reports the token expired.
type TokenInvalidator interface {
	InvalidateToken()
}
