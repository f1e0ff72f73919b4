package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Platform paths, relative to Config.BaseURL.
const (
	EndpointPath = "/callback/ws/endpoint"
	TokenPath    = "/open-apis/auth/v3/tenant_access_token/internal"
)

// DefaultBaseURL is the Feishu open platform. Lark uses https://open.larksuite.com.
const DefaultBaseURL = "https://open.feishu.cn"

// Platform codes that mean the app credentials are wrong. Retrying cannot help.
var credentialCodes = map[int]bool{
	10003: true, // invalid app_id
	10014: true, // invalid app_secret
}

// Config identifies the app and tunes token refresh.
type Config struct {
	AppID     string `json:"app_id" yaml:"app_id"`
	AppSecret string `json:"app_secret" yaml:"app_secret"`
	BaseURL   string `json:"base_url" yaml:"base_url"`

	// RefreshBefore renews the token this long before the platform expiry.
	RefreshBefore  time.Duration `json:"refresh_before" yaml:"refresh_before"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxRetries     uint64        `json:"max_retries" yaml:"max_retries"`

	// AuthByFrame makes the connection manager authenticate with an auth frame
	// carrying the tenant access token. The platform endpoint URL normally embeds
	// the credential already.
	AuthByFrame bool `json:"auth_by_frame" yaml:"auth_by_frame"`
}

// DefaultConfig returns defaults for everything but the app identity.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		RefreshBefore:  5 * time.Minute,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
	}
}

// Validate checks the app identity and durations.
func (c Config) Validate() error {
	switch {
	case c.AppID == "":
		return errors.WrapInvalid(fmt.Errorf("%w: app_id", errors.ErrMissingConfig), "credentials", "Validate", "config check")
	case c.AppSecret == "":
		return errors.WrapInvalid(fmt.Errorf("%w: app_secret", errors.ErrMissingConfig), "credentials", "Validate", "config check")
	case c.RefreshBefore < 0 || c.RequestTimeout < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: durations must not be negative", errors.ErrInvalidConfig),
			"credentials", "Validate", "config check")
	}
	return nil
}

// Provider implements connection.TokenProvider and connection.TokenInvalidator
// against the platform HTTP API.
type Provider struct {
	config     Config
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBackOff replaces the retry policy between attempts. MaxRetries still caps the
// number of retries.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *Provider) {
		if f != nil {
			p.newBackOff = f
		}
	}
}

// New creates a Provider. Zero durations and an empty BaseURL take their defaults.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RefreshBefore == 0 {
		cfg.RefreshBefore = defaults.RefreshBefore
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	p := &Provider{
		config: cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: slog.Default(),
		now:    time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = p.logger.With("component", "credentials", "app_id", cfg.AppID)
	return p, nil
}

type endpointResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		URL          string `json:"URL"`
		ClientConfig *struct {
			ReconnectCount    int `json:"ReconnectCount"`
			ReconnectInterval int `json:"ReconnectInterval"`
			PingInterval      int `json:"PingInterval"`
		} `json:"ClientConfig"`
	} `json:"data"`
}

// GetEndpoint asks the platform for a long-connection URL.
func (p *Provider) GetEndpoint(ctx context.Context) (*connection.Endpoint, error) {
	body := map[string]string{"AppID": p.config.AppID, "AppSecret": p.config.AppSecret}

	var resp endpointResponse
	if err := p.post(ctx, EndpointPath, body, &resp, func() (int, string) { return resp.Code, resp.Msg }); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.URL == "" {
		return nil, errors.WrapTransient(fmt.Errorf("%w: response carries no URL", errors.ErrEndpointFailed),
			"Provider", "GetEndpoint", "decode response")
	}

	ep := &connection.Endpoint{URL: resp.Data.URL, AuthByFrame: p.config.AuthByFrame}
	if cc := resp.Data.ClientConfig; cc != nil {
		ep.Client = &connection.ClientConfig{
			PingInterval:      time.Duration(cc.PingInterval) * time.Second,
			ReconnectCount:    cc.ReconnectCount,
			ReconnectInterval: time.Duration(cc.ReconnectInterval) * time.Second,
		}
	}
	return ep, nil
}

type tokenResponse struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Token  string `json:"tenant_access_token"`
	Expire int    `json:"expire"`
}

// GetAccessToken returns the cached tenant access token, fetching a new one when it
// is missing or about to expire.
func (p *Provider) GetAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expires) {
		return p.token, nil
	}

	body := map[string]string{"app_id": p.config.AppID, "app_secret": p.config.AppSecret}
	var resp tokenResponse
	if err := p.post(ctx, TokenPath, body, &resp, func() (int, string) { return resp.Code, resp.Msg }); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.WrapTransient(fmt.Errorf("%w: empty tenant_access_token", errors.ErrEndpointFailed),
			"Provider", "GetAccessToken", "decode response")
	}

	lifetime := time.Duration(resp.Expire)*time.Second - p.config.RefreshBefore
	if lifetime < 0 {
		lifetime = 0
	}
	p.token = resp.Token
	p.expires = p.now().Add(lifetime)
	p.logger.Debug("Fetched tenant access token", "expire_seconds", resp.Expire)
	return p.token, nil
}

// InvalidateToken drops the cached token so the next call fetches a fresh one.
func (p *Provider) InvalidateToken() {
	p.mu.Lock()
	p.token = ""
	p.expires = time.Time{}
	p.mu.Unlock()
}

// post sends body as JSON and decodes the reply into out, retrying transient
// failures. status reads the platform code and message after decoding.
func (p *Provider) post(ctx context.Context, path string, body, out any, status func() (int, string)) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.WrapInvalid(err, "Provider", "post", "encode request")
	}
	url := p.config.BaseURL + path

	attempt := func() error {
		err := p.do(ctx, url, payload, out)
		if err == nil {
			code, msg := status()
			err = classifyCode(path, code, msg)
		}
		if err != nil && !errors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("Platform request failed, retrying", "path", path, "error", err, "next_try", next)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.config.MaxRetries), ctx)
	return backoff.RetryNotify(attempt, policy, notify)
}

func (p *Provider) do(ctx context.Context, url string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.WrapInvalid(err, "Provider", "do", "build request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrEndpointFailed, err), "Provider", "do", "send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrEndpointFailed, err), "Provider", "do", "read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.WrapFatal(fmt.Errorf("%w: http status %d", errors.ErrCredentialInvalid, resp.StatusCode),
			"Provider", "do", "check status")
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(fmt.Errorf("%w: http status %d", errors.ErrEndpointFailed, resp.StatusCode),
			"Provider", "do", "check status")
	case resp.StatusCode >= 400:
		return errors.WrapInvalid(fmt.Errorf("%w: http status %d", errors.ErrEndpointFailed, resp.StatusCode),
			"Provider", "do", "check status")
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: decode response: %v", errors.ErrEndpointFailed, err),
			"Provider", "do", "decode response")
	}
	return nil
}

func classifyCode(path string, code int, msg string) error {
	if code == 0 {
		return nil
	}
	if credentialCodes[code] {
		return errors.WrapFatal(fmt.Errorf("%w: code %d: %s", errors.ErrCredentialInvalid, code, msg),
			"Provider", "post", path)
	}
	return errors.WrapTransient(fmt.Errorf("%w: code %d: %s", errors.ErrEndpointFailed, code, msg),
		"Provider", "post", path)
}
