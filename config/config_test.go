package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func validConfig() *Config {
	cfg := Default()
	cfg.App.AppID = "cli_a"
	cfg.App.AppSecret = "s"
	return cfg
}

func TestDefault_IsValidOnceAppIsSet(t *testing.T) {
	assert.ErrorIs(t, Default().Validate(), errors.ErrInvalidConfig)
	assert.NoError(t, validConfig().Validate())
}

func TestDefault_MatchesComponentDefaults(t *testing.T) {
	cfg := validConfig()

	conn := cfg.ConnectionConfig()
	assert.Equal(t, 30*time.Second, conn.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, conn.ReconnectDelay)
	assert.Equal(t, 5*time.Minute, conn.MaxReconnectDelay)
	assert.Equal(t, 10, conn.MaxReconnectAttempts)
	assert.True(t, conn.AutoReconnect)
	assert.NoError(t, conn.Validate())

	assert.Equal(t, 24*time.Hour, cfg.DedupConfig().Expiration)
	assert.Equal(t, "/feishu/events", cfg.WebhookConfig().RoutePrefix)
	assert.Equal(t, int64(1<<20), cfg.WebhookConfig().MaxRequestBodySize)
	assert.Equal(t, dispatch.ModeMulti, cfg.DispatchMode())
	assert.True(t, cfg.DispatcherConfig().RecoverPanics)
	assert.Equal(t, "https://open.feishu.cn", cfg.CredentialsConfig().BaseURL)
}

func TestValidate_Minimums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"heartbeat below one second", func(c *Config) { c.WebSocket.HeartbeatIntervalMs = 999 }, "heartbeat_interval_ms"},
		{"reconnect delay below one second", func(c *Config) { c.WebSocket.ReconnectDelayMs = 500 }, "reconnect_delay_ms"},
		{"max delay below delay", func(c *Config) { c.WebSocket.MaxReconnectDelayMs = 1000; c.WebSocket.ReconnectDelayMs = 2000 }, "max_reconnect_delay_ms"},
		{"negative attempts", func(c *Config) { c.WebSocket.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"empty queue", func(c *Config) { c.WebSocket.MessageQueueCapacity = 0 }, "message_queue_capacity"},
		{"tiny body limit", func(c *Config) { c.Webhook.MaxRequestBodySize = 1023 }, "max_request_body_size"},
		{"short dedup window", func(c *Config) { c.Dedup.ExpirationMs = 59999 }, "event_deduplication_cache_expiration_ms"},
		{"no concurrency", func(c *Config) { c.Webhook.MaxConcurrentEvents = 0 }, "max_concurrent_events"},
		{"rate without burst", func(c *Config) { c.Webhook.MaxRequestsPerSecond = 50 }, "request_burst"},
		{"unknown backend", func(c *Config) { c.Dedup.Distributed = true; c.Dedup.Backend = "memcached" }, "dedup.backend"},
		{"nats without bucket", func(c *Config) {
			c.Dedup.Distributed = true
			c.Dedup.Backend = BackendNATS
			c.Dedup.NATS.Bucket = ""
		}, "dedup.nats.bucket"},
		{"no transport", func(c *Config) { c.WebSocket.Enabled = false; c.Webhook.Enabled = false }, "at least one"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_BoundariesAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.HeartbeatIntervalMs = 1000
	cfg.WebSocket.ReconnectDelayMs = 1000
	cfg.WebSocket.MaxReconnectDelayMs = 1000
	cfg.WebSocket.MaxReconnectAttempts = 0
	cfg.WebSocket.MessageQueueCapacity = 1
	cfg.Webhook.MaxRequestBodySize = 1024
	cfg.Webhook.MaxConcurrentEvents = 1
	cfg.Dedup.ExpirationMs = 60000
	assert.NoError(t, cfg.Validate())
}

func TestValidate_WebhookOnlyNeedsNoAppSecret(t *testing.T) {
	cfg := Default()
	cfg.WebSocket.Enabled = false
	cfg.Webhook.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LayersJSONAndYAML(t *testing.T) {
	base := writeFile(t, "base.yaml", `
app:
  app_id: cli_yaml
  app_secret: from-yaml
websocket:
  heartbeat_interval_ms: 15000
  enable_message_queue: false
dedup:
  enable_distributed_deduplication: true
  backend: nats
  nats:
    bucket: EVENTS
webhook:
  allowed_source_cidrs:
    - 10.0.0.0/8
`)
	override := writeFile(t, "override.json", `{
		"websocket": {"reconnect_delay_ms": 2000},
		"webhook": {"enabled": true, "encrypt_key": "k", "max_requests_per_second": 20, "request_burst": 5}
	}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "cli_yaml", cfg.App.AppID)
	assert.Equal(t, 15000, cfg.WebSocket.HeartbeatIntervalMs)
	assert.Equal(t, 2000, cfg.WebSocket.ReconnectDelayMs)
	assert.False(t, cfg.WebSocket.EnableMessageQueue)
	assert.True(t, cfg.WebSocket.AutoReconnect, "defaults survive partial layers")
	assert.Equal(t, 1000, cfg.WebSocket.MessageQueueCapacity)
	assert.Equal(t, BackendNATS, cfg.Dedup.Backend)
	assert.Equal(t, "EVENTS", cfg.Dedup.NATS.Bucket)
	assert.Equal(t, "nats://localhost:4222", cfg.Dedup.NATS.URL)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, "k", cfg.Webhook.EncryptKey)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Webhook.AllowedSourceCIDRs)
	assert.Equal(t, 20.0, cfg.WebhookConfig().MaxRequestsPerSecond)
	assert.Equal(t, 5, cfg.WebhookConfig().RequestBurst)
}

func TestLoader_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "app.json", `{"app": {"app_id": "cli_file", "app_secret": "file"}}`)

	l := newTestLoader(map[string]string{
		"FEISHU_APP_SECRET":  "from-env",
		"FEISHU_ENCRYPT_KEY": "env-key",
		"FEISHU_REDIS_ADDR":  "redis:6380",
		"FEISHU_LISTEN_ADDR": ":9000",
	})
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "cli_file", cfg.App.AppID)
	assert.Equal(t, "from-env", cfg.App.AppSecret)
	assert.Equal(t, "env-key", cfg.Webhook.EncryptKey)
	assert.Equal(t, "redis:6380", cfg.Dedup.Redis.Addr)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
}

func TestLoader_RejectsBadInput(t *testing.T) {
	t.Run("invalid values", func(t *testing.T) {
		path := writeFile(t, "bad.json", `{"app": {"app_id": "a", "app_secret": "b"}, "websocket": {"heartbeat_interval_ms": 10}}`)
		l := newTestLoader(nil)
		l.EnableValidation(true)
		_, err := l.LoadFile(path)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("wrong extension", func(t *testing.T) {
		path := writeFile(t, "config.toml", `x = 1`)
		_, err := newTestLoader(nil).LoadFile(path)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("broken yaml", func(t *testing.T) {
		path := writeFile(t, "broken.yml", "app: [unclosed")
		_, err := newTestLoader(nil).LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("type mismatch", func(t *testing.T) {
		path := writeFile(t, "mismatch.json", `{"websocket": {"heartbeat_interval_ms": "fast"}}`)
		_, err := newTestLoader(nil).LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := newTestLoader(nil).LoadFile(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("null byte in env", func(t *testing.T) {
		l := newTestLoader(map[string]string{"FEISHU_APP_ID": "a\x00b"})
		_, err := l.Load()
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Webhook.EncryptKey = "super-secret-key"
	cfg.Dedup.Redis.Password = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "super-secret-key")
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "cli_a")
	assert.Equal(t, "super-secret-key", cfg.Webhook.EncryptKey, "original untouched")
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":{"b":["}"]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a":{`)))
	assert.Error(t, validateJSONDepth([]byte(`}`)))

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.Error(t, validateJSONDepth([]byte(deep)))
	assert.NoError(t, validateJSONDepth([]byte(deep[1:len(deep)-1])))
}

func TestValidateConfigPath(t *testing.T) {
	assert.NoError(t, validateConfigPath(filepath.Join(t.TempDir(), "feishu.yaml")))
	assert.NoError(t, validateConfigPath("configs/feishu.json"))
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.json"))
	assert.Error(t, validateConfigPath("feishu.toml"))
}

func TestValidateEnvVar(t *testing.T) {
	assert.NoError(t, validateEnvVar("FEISHU_NATS_URL", "nats://localhost:4222"))
	assert.Error(t, validateEnvVar("FEISHU_APP_SECRET", "line\nbreak"))
	assert.Error(t, validateEnvVar("FEISHU_APP_SECRET", strings.Repeat("x", maxEnvLen+1)))
}
