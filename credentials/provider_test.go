package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

type platform struct {
	srv *httptest.Server

	mu        sync.Mutex
	responses map[string][]func(w http.ResponseWriter)
	bodies    map[string][]map[string]string
	calls     atomic.Int32
}

// newPlatform serves queued responses per path; the last one repeats.
func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{
		responses: map[string][]func(http.ResponseWriter){},
		bodies:    map[string][]map[string]string{},
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *platform) on(path string, fns ...func(w http.ResponseWriter)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[path] = append(p.responses[path], fns...)
}

func (p *platform) handle(w http.ResponseWriter, r *http.Request) {
	p.calls.Add(1)
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	p.mu.Lock()
	p.bodies[r.URL.Path] = append(p.bodies[r.URL.Path], body)
	queue := p.responses[r.URL.Path]
	var fn func(http.ResponseWriter)
	if len(queue) > 0 {
		fn = queue[0]
		if len(queue) > 1 {
			p.responses[r.URL.Path] = queue[1:]
		}
	}
	p.mu.Unlock()

	if fn == nil {
		http.NotFound(w, r)
		return
	}
	fn(w)
}

func jsonReply(status int, v any) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func tokenReply(token string, expire int) func(http.ResponseWriter) {
	return jsonReply(http.StatusOK, map[string]any{"code": 0, "msg": "ok", "tenant_access_token": token, "expire": expire})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestProvider(t *testing.T, p *platform, opts ...Option) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AppID = "cli_test"
	cfg.AppSecret = "secret"
	cfg.BaseURL = p.srv.URL + "/"
	cfg.MaxRetries = 2

	opts = append([]Option{WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	})}, opts...)
	provider, err := New(cfg, opts...)
	require.NoError(t, err)
	return provider
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg.AppID = "cli"
	cfg.AppSecret = "s"
	assert.NoError(t, cfg.Validate())

	cfg.RefreshBefore = -time.Second
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
}

func TestProvider_GetEndpoint(t *testing.T) {
	p := newPlatform(t)
	p.on(EndpointPath, jsonReply(http.StatusOK, map[string]any{
		"code": 0,
		"msg":  "ok",
		"data": map[string]any{
			"URL": "wss://msg-frontier.feishu.cn/ws/v2?device_id=1&ticket=abc",
			"ClientConfig": map[string]any{
				"ReconnectCount":    -1,
				"ReconnectInterval": 120,
				"PingInterval":      90,
			},
		},
	}))

	provider := newTestProvider(t, p)
	ep, err := provider.GetEndpoint(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "wss://msg-frontier.feishu.cn/ws/v2?device_id=1&ticket=abc", ep.URL)
	assert.False(t, ep.AuthByFrame)
	assert.Equal(t, &connection.ClientConfig{
		PingInterval:      90 * time.Second,
		ReconnectCount:    -1,
		ReconnectInterval: 120 * time.Second,
	}, ep.Client)
	assert.Equal(t, []map[string]string{{"AppID": "cli_test", "AppSecret": "secret"}}, p.bodies[EndpointPath])
}

func TestProvider_GetEndpointRetriesTransientFailures(t *testing.T) {
	p := newPlatform(t)
	p.on(EndpointPath,
		jsonReply(http.StatusBadGateway, map[string]any{}),
		jsonReply(http.StatusOK, map[string]any{"code": 1, "msg": "system busy"}),
		jsonReply(http.StatusOK, map[string]any{"code": 0, "data": map[string]any{"URL": "wss://ok"}}),
	)

	provider := newTestProvider(t, p)
	ep, err := provider.GetEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://ok", ep.URL)
	assert.EqualValues(t, 3, p.calls.Load())
	assert.Nil(t, ep.Client)
}

func TestProvider_GetEndpointGivesUp(t *testing.T) {
	p := newPlatform(t)
	p.on(EndpointPath, jsonReply(http.StatusServiceUnavailable, map[string]any{}))

	provider := newTestProvider(t, p)
	_, err := provider.GetEndpoint(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrEndpointFailed)
	assert.EqualValues(t, 3, p.calls.Load(), "one attempt plus two retries")
}

func TestProvider_RejectedCredentialsAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		reply func(http.ResponseWriter)
	}{
		{"platform code", jsonReply(http.StatusOK, map[string]any{"code": 10014, "msg": "app secret invalid"})},
		{"http forbidden", jsonReply(http.StatusForbidden, map[string]any{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlatform(t)
			p.on(TokenPath, tt.reply)

			provider := newTestProvider(t, p)
			_, err := provider.GetAccessToken(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
			assert.ErrorIs(t, err, errors.ErrCredentialInvalid)
			assert.EqualValues(t, 1, p.calls.Load(), "fatal errors are not retried")
		})
	}
}

func TestProvider_BadRequestIsNotRetried(t *testing.T) {
	p := newPlatform(t)
	p.on(TokenPath, jsonReply(http.StatusBadRequest, map[string]any{}))

	provider := newTestProvider(t, p)
	_, err := provider.GetAccessToken(context.Background())
	assert.True(t, errors.IsInvalid(err))
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestProvider_TokenIsCachedUntilRefreshWindow(t *testing.T) {
	p := newPlatform(t)
	p.on(TokenPath, tokenReply("t-1", 7200), tokenReply("t-2", 7200), tokenReply("t-3", 7200))

	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	provider := newTestProvider(t, p, WithClock(c.Now))
	ctx := context.Background()

	token, err := provider.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t-1", token)

	c.Advance(time.Hour)
	token, _ = provider.GetAccessToken(ctx)
	assert.Equal(t, "t-1", token, "still cached")

	// 7200s minus the five minute refresh window
	c.Advance(55*time.Minute + time.Second)
	token, _ = provider.GetAccessToken(ctx)
	assert.Equal(t, "t-2", token)

	provider.InvalidateToken()
	token, _ = provider.GetAccessToken(ctx)
	assert.Equal(t, "t-3", token)

	assert.Equal(t, map[string]string{"app_id": "cli_test", "app_secret": "secret"}, p.bodies[TokenPath][0])
}

func TestProvider_ContextCancelStopsRetries(t *testing.T) {
	p := newPlatform(t)
	p.on(EndpointPath, jsonReply(http.StatusBadGateway, map[string]any{}))

	provider := newTestProvider(t, p, WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := provider.GetEndpoint(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStatic(t *testing.T) {
	s := Static{Endpoint: connection.Endpoint{URL: "wss://fixed", AuthByFrame: true}, Token: "tok"}

	ep, err := s.GetEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://fixed", ep.URL)
	assert.True(t, ep.AuthByFrame)

	token, err := s.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	_, err = Static{}.GetEndpoint(context.Background())
	assert.True(t, errors.IsFatal(err))
}
