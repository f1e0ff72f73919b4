package webhook

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// MinRequestBodySize is the smallest accepted MaxRequestBodySize.
const MinRequestBodySize = 1024

// Config controls the gateway.
type Config struct {
	// RoutePrefix is the path events are POSTed to.
	RoutePrefix string `json:"route_prefix" yaml:"route_prefix"`
	// EncryptKey decrypts payloads and verifies signatures. Empty disables both.
	EncryptKey string `json:"encrypt_key" yaml:"encrypt_key"`
	// VerificationToken, when set, must match the token carried by every event.
	VerificationToken string `json:"verification_token" yaml:"verification_token"`

	MaxRequestBodySize  int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	MaxConcurrentEvents int   `json:"max_concurrent_events" yaml:"max_concurrent_events"`

	// AllowedSourceCIDRs restricts callers by address. Empty allows everyone.
	AllowedSourceCIDRs []string `json:"allowed_source_cidrs" yaml:"allowed_source_cidrs"`
	// TrustProxyHeaders takes the caller address from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `json:"trust_proxy_headers" yaml:"trust_proxy_headers"`
	// MaxClockSkew rejects signed requests whose timestamp is further from now. Zero
	// disables the check.
	MaxClockSkew time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`

	EnableRequestLogging bool `json:"enable_request_logging" yaml:"enable_request_logging"`

	// MaxRequestsPerSecond caps accepted callbacks across all sources, with bursts of
	// up to RequestBurst. Zero disables the limit.
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" yaml:"max_requests_per_second"`
	RequestBurst         int     `json:"request_burst" yaml:"request_burst"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		RoutePrefix:         "/feishu/events",
		MaxRequestBodySize:  1 << 20,
		MaxConcurrentEvents: 100,
	}
}

// Validate checks minimums and parses the CIDR list.
func (c Config) Validate() error {
	if c.RoutePrefix == "" || c.RoutePrefix[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "webhook", "Validate", "route prefix must start with /")
	}
	if c.MaxRequestBodySize < MinRequestBodySize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_request_body_size must be at least %d", errors.ErrInvalidConfig, MinRequestBodySize),
			"webhook", "Validate", "body size")
	}
	if c.MaxConcurrentEvents < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_concurrent_events must be at least 1", errors.ErrInvalidConfig),
			"webhook", "Validate", "concurrency")
	}
	if c.MaxRequestsPerSecond < 0 || (c.MaxRequestsPerSecond > 0 && c.RequestBurst < 1) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_requests_per_second needs a request_burst of at least 1", errors.ErrInvalidConfig),
			"webhook", "Validate", "rate limit")
	}
	if _, err := c.prefixes(); err != nil {
		return err
	}
	return nil
}

func (c Config) prefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.AllowedSourceCIDRs))
	for _, cidr := range c.AllowedSourceCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			addr, addrErr := netip.ParseAddr(cidr)
			if addrErr != nil {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: source %q: %v", errors.ErrInvalidConfig, cidr, err),
					"webhook", "Validate", "allowed source parse")
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
