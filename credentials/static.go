package credentials

import (
	"context"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Static hands out a fixed endpoint and token.
type Static struct {
	Endpoint connection.Endpoint
	Token    string
}

// GetEndpoint returns a copy of the fixed endpoint.
func (s Static) GetEndpoint(context.Context) (*connection.Endpoint, error) {
	if s.Endpoint.URL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Static", "GetEndpoint", "endpoint url")
	}
	ep := s.Endpoint
	return &ep, nil
}

// GetAccessToken returns the fixed token.
func (s Static) GetAccessToken(context.Context) (string, error) {
	if s.Token == "" {
		return "", errors.WrapFatal(errors.ErrMissingConfig, "Static", "GetAccessToken", "token")
	}
	return s.Token, nil
}

var (
	_ connection.TokenProvider    = Static{}
	_ connection.TokenProvider    = (*Provider)(nil)
	_ connection.TokenInvalidator = (*Provider)(nil)
)
