package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/credentials"
	"github.com/mudtools/MudFeishu-sub002/dedup"
	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/ingest"
	"github.com/mudtools/MudFeishu-sub002/webhook"
)

// Dedup backends for the distributed layer.
const (
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Operator-facing minimums.
const (
	MinHeartbeatIntervalMs = 1000
	MinReconnectDelayMs    = 1000
	MinDedupExpirationMs   = 60000
	MinRequestBodySize     = 1024
)

// Config is the complete pipeline configuration.
type Config struct {
	App       AppConfig       `json:"app"`
	WebSocket WebSocketConfig `json:"websocket"`
	Webhook   WebhookConfig   `json:"webhook"`
	Dedup     DedupConfig     `json:"dedup"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Server    ServerConfig    `json:"server"`
}

// AppConfig identifies the Feishu app.
type AppConfig struct {
	AppID       string `json:"app_id"`
	AppSecret   string `json:"app_secret"`
	BaseURL     string `json:"base_url"`
	AuthByFrame bool   `json:"auth_by_frame"`
}

// WebSocketConfig controls the long connection and its ingest queue.
type WebSocketConfig struct {
	Enabled              bool  `json:"enabled"`
	HeartbeatIntervalMs  int   `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs   int   `json:"heartbeat_timeout_ms"`
	ConnectionTimeoutMs  int   `json:"connection_timeout_ms"`
	AutoReconnect        bool  `json:"auto_reconnect"`
	ReconnectDelayMs     int   `json:"reconnect_delay_ms"`
	MaxReconnectDelayMs  int   `json:"max_reconnect_delay_ms"`
	MaxReconnectAttempts int   `json:"max_reconnect_attempts"`
	ReconnectResetMs     int   `json:"reconnect_reset_after_ms"`
	SendAcks             bool  `json:"send_acks"`
	MaxFrameSize         int64 `json:"max_frame_size"`
	EnableMessageQueue   bool  `json:"enable_message_queue"`
	MessageQueueCapacity int   `json:"message_queue_capacity"`
}

// WebhookConfig controls the HTTP callback endpoint.
type WebhookConfig struct {
	Enabled              bool     `json:"enabled"`
	RoutePrefix          string   `json:"route_prefix"`
	EncryptKey           string   `json:"encrypt_key"`
	VerificationToken    string   `json:"verification_token"`
	MaxRequestBodySize   int64    `json:"max_request_body_size"`
	MaxConcurrentEvents  int      `json:"max_concurrent_events"`
	AllowedSourceCIDRs   []string `json:"allowed_source_cidrs"`
	TrustProxyHeaders    bool     `json:"trust_proxy_headers"`
	MaxClockSkewMs       int      `json:"max_clock_skew_ms"`
	EnableRequestLogging bool     `json:"enable_request_logging"`

	// MaxRequestsPerSecond caps accepted callbacks; zero disables the limit.
	MaxRequestsPerSecond float64 `json:"max_requests_per_second"`
	RequestBurst         int     `json:"request_burst"`
}

// DedupConfig controls event deduplication.
type DedupConfig struct {
	ExpirationMs      int         `json:"event_deduplication_cache_expiration_ms"`
	CleanupIntervalMs int         `json:"cleanup_interval_ms"`
	Distributed       bool        `json:"enable_distributed_deduplication"`
	Backend           string      `json:"backend"`
	Redis             RedisConfig `json:"redis"`
	NATS              NATSConfig  `json:"nats"`
}

// RedisConfig locates the Redis dedup store.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// NATSConfig locates the JetStream KV dedup bucket.
type NATSConfig struct {
	URL    string `json:"url"`
	Bucket string `json:"bucket"`
}

// DispatchConfig controls handler invocation.
type DispatchConfig struct {
	EnableMultiHandler    bool `json:"enable_multi_handler"`
	ParallelMultiHandlers bool `json:"parallel_multi_handlers"`
	MaxParallelHandlers   int  `json:"max_parallel_handlers"`
	HandlerTimeoutMs      int  `json:"handler_timeout_ms"`
	// EnableExceptionHandling converts handler panics into failed results.
	EnableExceptionHandling bool `json:"enable_exception_handling"`
}

// ServerConfig controls the process HTTP listener that carries the webhook,
// /metrics and /healthz.
type ServerConfig struct {
	ListenAddr  string `json:"listen_addr"`
	MetricsPath string `json:"metrics_path"`
	HealthPath  string `json:"health_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	conn := connection.DefaultConfig()
	hook := webhook.DefaultConfig()
	creds := credentials.DefaultConfig()
	dd := dedup.DefaultConfig()

	return &Config{
		App: AppConfig{BaseURL: creds.BaseURL},
		WebSocket: WebSocketConfig{
			Enabled:              true,
			HeartbeatIntervalMs:  ms(conn.HeartbeatInterval),
			ConnectionTimeoutMs:  ms(conn.ConnectionTimeout),
			AutoReconnect:        conn.AutoReconnect,
			ReconnectDelayMs:     ms(conn.ReconnectDelay),
			MaxReconnectDelayMs:  ms(conn.MaxReconnectDelay),
			MaxReconnectAttempts: conn.MaxReconnectAttempts,
			ReconnectResetMs:     ms(conn.ReconnectResetAfter),
			SendAcks:             true,
			EnableMessageQueue:   true,
			MessageQueueCapacity: 1000,
		},
		Webhook: WebhookConfig{
			Enabled:             false,
			RoutePrefix:         hook.RoutePrefix,
			MaxRequestBodySize:  hook.MaxRequestBodySize,
			MaxConcurrentEvents: hook.MaxConcurrentEvents,
			MaxClockSkewMs:      ms(5 * time.Minute),
		},
		Dedup: DedupConfig{
			ExpirationMs:      ms(dd.Expiration),
			CleanupIntervalMs: ms(dd.CleanupInterval),
			Backend:           BackendRedis,
			Redis:             RedisConfig{Addr: "localhost:6379", KeyPrefix: "feishu:dedup:"},
			NATS:              NATSConfig{URL: "nats://localhost:4222", Bucket: "FEISHU_DEDUP"},
		},
		Dispatch: DispatchConfig{
			EnableMultiHandler:      true,
			MaxParallelHandlers:     8,
			EnableExceptionHandling: true,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsPath: "/metrics",
			HealthPath:  "/healthz",
		},
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func dur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Validate enforces the operator-facing minimums and cross-field rules.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	ws := c.WebSocket
	if ws.Enabled {
		check(c.App.AppID != "", "app.app_id is required for the long connection")
		check(c.App.AppSecret != "", "app.app_secret is required for the long connection")
	}
	check(ws.HeartbeatIntervalMs >= MinHeartbeatIntervalMs,
		"websocket.heartbeat_interval_ms must be at least %d", MinHeartbeatIntervalMs)
	check(ws.HeartbeatTimeoutMs == 0 || ws.HeartbeatTimeoutMs >= ws.HeartbeatIntervalMs,
		"websocket.heartbeat_timeout_ms must be 0 or at least heartbeat_interval_ms")
	check(ws.ConnectionTimeoutMs > 0, "websocket.connection_timeout_ms must be positive")
	check(ws.ReconnectDelayMs >= MinReconnectDelayMs,
		"websocket.reconnect_delay_ms must be at least %d", MinReconnectDelayMs)
	check(ws.MaxReconnectDelayMs >= ws.ReconnectDelayMs,
		"websocket.max_reconnect_delay_ms must be at least reconnect_delay_ms")
	check(ws.MaxReconnectAttempts >= 0, "websocket.max_reconnect_attempts must not be negative")
	check(ws.ReconnectResetMs >= 0, "websocket.reconnect_reset_after_ms must not be negative")
	check(ws.MessageQueueCapacity >= 1, "websocket.message_queue_capacity must be at least 1")
	check(ws.MaxFrameSize >= 0, "websocket.max_frame_size must not be negative")

	wh := c.Webhook
	check(wh.MaxRequestBodySize >= MinRequestBodySize,
		"webhook.max_request_body_size must be at least %d", MinRequestBodySize)
	check(wh.MaxConcurrentEvents >= 1, "webhook.max_concurrent_events must be at least 1")
	check(wh.MaxClockSkewMs >= 0, "webhook.max_clock_skew_ms must not be negative")
	check(wh.MaxRequestsPerSecond >= 0, "webhook.max_requests_per_second must not be negative")
	check(wh.MaxRequestsPerSecond == 0 || wh.RequestBurst >= 1,
		"webhook.request_burst must be at least 1 when a rate limit is set")
	if wh.Enabled {
		check(strings.HasPrefix(wh.RoutePrefix, "/"), "webhook.route_prefix must start with /")
	}

	dd := c.Dedup
	check(dd.ExpirationMs >= MinDedupExpirationMs,
		"dedup.event_deduplication_cache_expiration_ms must be at least %d", MinDedupExpirationMs)
	check(dd.CleanupIntervalMs > 0, "dedup.cleanup_interval_ms must be positive")
	if dd.Distributed {
		switch dd.Backend {
		case BackendRedis:
			check(dd.Redis.Addr != "", "dedup.redis.addr is required for the redis backend")
		case BackendNATS:
			check(dd.NATS.URL != "", "dedup.nats.url is required for the nats backend")
			check(dd.NATS.Bucket != "", "dedup.nats.bucket is required for the nats backend")
		default:
			check(false, "dedup.backend must be %q or %q, got %q", BackendRedis, BackendNATS, dd.Backend)
		}
	}

	check(c.Dispatch.MaxParallelHandlers >= 0, "dispatch.max_parallel_handlers must not be negative")
	check(c.Dispatch.HandlerTimeoutMs >= 0, "dispatch.handler_timeout_ms must not be negative")

	check(ws.Enabled || wh.Enabled, "at least one of websocket.enabled and webhook.enabled must be set")

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"config", "Validate", "config check")
	}
	return nil
}

// ConnectionConfig converts the websocket section.
func (c *Config) ConnectionConfig() connection.Config {
	ws := c.WebSocket
	return connection.Config{
		HeartbeatInterval:    dur(ws.HeartbeatIntervalMs),
		HeartbeatTimeout:     dur(ws.HeartbeatTimeoutMs),
		ConnectionTimeout:    dur(ws.ConnectionTimeoutMs),
		AutoReconnect:        ws.AutoReconnect,
		ReconnectDelay:       dur(ws.ReconnectDelayMs),
		MaxReconnectDelay:    dur(ws.MaxReconnectDelayMs),
		MaxReconnectAttempts: ws.MaxReconnectAttempts,
		ReconnectResetAfter:  dur(ws.ReconnectResetMs),
		SendAcks:             ws.SendAcks,
		MaxFrameSize:         ws.MaxFrameSize,
	}
}

// QueueConfig converts the queue settings.
func (c *Config) QueueConfig() ingest.QueueConfig {
	return ingest.QueueConfig{Capacity: c.WebSocket.MessageQueueCapacity}
}

// CredentialsConfig converts the app section.
func (c *Config) CredentialsConfig() credentials.Config {
	cfg := credentials.DefaultConfig()
	cfg.AppID = c.App.AppID
	cfg.AppSecret = c.App.AppSecret
	if c.App.BaseURL != "" {
		cfg.BaseURL = c.App.BaseURL
	}
	cfg.AuthByFrame = c.App.AuthByFrame
	return cfg
}

// WebhookConfig converts the webhook section.
func (c *Config) WebhookConfig() webhook.Config {
	wh := c.Webhook
	return webhook.Config{
		RoutePrefix:          wh.RoutePrefix,
		EncryptKey:           wh.EncryptKey,
		VerificationToken:    wh.VerificationToken,
		MaxRequestBodySize:   wh.MaxRequestBodySize,
		MaxConcurrentEvents:  wh.MaxConcurrentEvents,
		AllowedSourceCIDRs:   append([]string(nil), wh.AllowedSourceCIDRs...),
		TrustProxyHeaders:    wh.TrustProxyHeaders,
		MaxClockSkew:         dur(wh.MaxClockSkewMs),
		EnableRequestLogging: wh.EnableRequestLogging,
		MaxRequestsPerSecond: wh.MaxRequestsPerSecond,
		RequestBurst:         wh.RequestBurst,
	}
}

// DedupConfig converts the dedup window.
func (c *Config) DedupConfig() dedup.Config {
	return dedup.Config{
		Expiration:      dur(c.Dedup.ExpirationMs),
		CleanupInterval: dur(c.Dedup.CleanupIntervalMs),
	}
}

// DispatchMode returns the registry mode.
func (c *Config) DispatchMode() dispatch.Mode {
	if c.Dispatch.EnableMultiHandler {
		return dispatch.ModeMulti
	}
	return dispatch.ModeSingle
}

// DispatcherConfig converts the dispatch section.
func (c *Config) DispatcherConfig() dispatch.Config {
	d := c.Dispatch
	return dispatch.Config{
		Parallel:       d.ParallelMultiHandlers,
		MaxParallel:    d.MaxParallelHandlers,
		HandlerTimeout: dur(d.HandlerTimeoutMs),
		RecoverPanics:  d.EnableExceptionHandling,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.Webhook.AllowedSourceCIDRs = append([]string(nil), c.Webhook.AllowedSourceCIDRs...)
	return &clone
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&masked.App.AppSecret)
	mask(&masked.Webhook.EncryptKey)
	mask(&masked.Webhook.VerificationToken)
	mask(&masked.Dedup.Redis.Password)

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader reading FEISHU_* environment variables.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "FEISHU",
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation at the end of Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("yaml decode: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("json decode: %w", err)
		}
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies FEISHU_* variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		name   string
		target *string
	}{
		{"APP_ID", &cfg.App.AppID},
		{"APP_SECRET", &cfg.App.AppSecret},
		{"BASE_URL", &cfg.App.BaseURL},
		{"ENCRYPT_KEY", &cfg.Webhook.EncryptKey},
		{"VERIFICATION_TOKEN", &cfg.Webhook.VerificationToken},
		{"LISTEN_ADDR", &cfg.Server.ListenAddr},
		{"DEDUP_BACKEND", &cfg.Dedup.Backend},
		{"REDIS_ADDR", &cfg.Dedup.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Dedup.Redis.Password},
		{"NATS_URL", &cfg.Dedup.NATS.URL},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.name
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "applyEnvOverrides", key)
		}
		*o.target = val
	}
	return nil
}
