// Package pipeline assembles the ingestion components from a config.Config.
//
// Both transports share one Processor, so an event delivered over the long
// connection and again through the webhook is dispatched once.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/mudtools/MudFeishu-sub002/config"
	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/credentials"
	"github.com/mudtools/MudFeishu-sub002/dedup"
	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/health"
	"github.com/mudtools/MudFeishu-sub002/ingest"
	"github.com/mudtools/MudFeishu-sub002/metric"
	"github.com/mudtools/MudFeishu-sub002/natsclient"
	"github.com/mudtools/MudFeishu-sub002/pkg/retry"
	"github.com/mudtools/MudFeishu-sub002/webhook"
)

// SystemName labels the aggregate health status.
const SystemName = "feishustream"

// Pipeline owns every component and their shutdown order.
type Pipeline struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	memory     *dedup.Memory
	dedup      dedup.Deduplicator
	processor  *ingest.Processor
	queue      *ingest.Queue
	manager    *connection.Manager
	gateway    *webhook.Gateway
	health     *health.Monitor

	closers []func() error

	mu      sync.Mutex
	started bool
	stopped bool
}

type options struct {
	logger         *slog.Logger
	metrics        *metric.MetricsRegistry
	provider       connection.TokenProvider
	registry       *dispatch.Registry
	store          dedup.DistributedStore
	defaultHandler dispatch.Handler
	connOpts       []connection.Option
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRegistry shares an existing registry instead of creating one.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.metrics = registry
	}
}

// WithTokenProvider replaces the platform HTTP provider built from the app config.
func WithTokenProvider(p connection.TokenProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithRegistry uses a registry the caller already populated. Its mode wins over
// dispatch.enable_multi_handler.
func WithRegistry(r *dispatch.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithDistributedStore layers store behind the in-memory dedup regardless of the
// configured backend.
func WithDistributedStore(store dedup.DistributedStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithDefaultHandler runs h for event types with no registered handler.
func WithDefaultHandler(h dispatch.Handler) Option {
	return func(o *options) {
		o.defaultHandler = h
	}
}

// WithConnectionOptions passes extra options to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// New validates cfg and builds the components. Nothing connects until Start, except
// the distributed dedup backend, which is dialed here so misconfiguration fails early.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (p *Pipeline, err error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New", "config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.metrics == nil {
		o.metrics = metric.NewMetricsRegistry()
	}

	p = &Pipeline{
		config:  cfg.Clone(),
		logger:  o.logger.With("component", "pipeline"),
		metrics: o.metrics,
		health:  health.NewMonitor(),
	}
	defer func() {
		if err != nil {
			p.closeAll()
		}
	}()

	if err := p.buildDedup(ctx, o); err != nil {
		return nil, err
	}

	p.registry = o.registry
	if p.registry == nil {
		p.registry = dispatch.NewRegistry(cfg.DispatchMode())
	}
	dispatchOpts := []dispatch.Option{dispatch.WithLogger(o.logger), dispatch.WithMetrics(o.metrics)}
	if o.defaultHandler != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithDefaultHandler(o.defaultHandler))
	}
	p.dispatcher = dispatch.NewDispatcher(p.registry, cfg.DispatcherConfig(), dispatchOpts...)
	p.processor = ingest.NewProcessor(p.dedup, p.dispatcher, o.logger, o.metrics)

	if cfg.WebSocket.Enabled {
		if err := p.buildConnection(o); err != nil {
			return nil, err
		}
	}
	if cfg.Webhook.Enabled {
		gw, err := webhook.New(cfg.WebhookConfig(), p.processor,
			webhook.WithLogger(o.logger), webhook.WithMetrics(o.metrics))
		if err != nil {
			return nil, err
		}
		p.gateway = gw
		p.health.Register("webhook", health.Static(health.NewHealthy("webhook", "serving "+gw.RoutePrefix())))
	}

	return p, nil
}

func (p *Pipeline) buildDedup(ctx context.Context, o *options) error {
	dcfg := p.config.DedupConfig()
	memory, err := dedup.NewMemory(context.Background(), dcfg, dedup.WithLogger(o.logger), dedup.WithMetrics(o.metrics))
	if err != nil {
		return err
	}
	p.memory = memory
	p.dedup = memory
	p.closers = append(p.closers, memory.Close)

	store := o.store
	if store == nil && p.config.Dedup.Distributed {
		switch p.config.Dedup.Backend {
		case config.BackendRedis:
			store, err = p.openRedis(ctx)
		case config.BackendNATS:
			store, err = p.openNATS(ctx, dcfg)
		}
		if err != nil {
			return err
		}
	}
	if store != nil {
		p.dedup = dedup.NewLayered(memory, store, dcfg.Expiration, dedup.WithLogger(o.logger), dedup.WithMetrics(o.metrics))
		p.logger.Info("Distributed deduplication enabled", "backend", backendName(store))
	}
	return nil
}

func (p *Pipeline) openRedis(ctx context.Context) (dedup.DistributedStore, error) {
	rc := p.config.Dedup.Redis
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	p.closers = append(p.closers, client.Close)

	store := dedup.NewRedisStore(client, rc.KeyPrefix)
	if err := retry.Do(ctx, retry.Quick(), func() error { return store.Ping(ctx) }); err != nil {
		return nil, errors.Wrap(err, "Pipeline", "openRedis", "ping "+rc.Addr)
	}
	return store, nil
}

func (p *Pipeline) openNATS(ctx context.Context, dcfg dedup.Config) (dedup.DistributedStore, error) {
	nc := p.config.Dedup.NATS
	client, err := natsclient.NewClient(nc.URL,
		natsclient.WithLogger(p.logger), natsclient.WithClientName(SystemName))
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, client.Close)

	if err := retry.Do(ctx, retry.Quick(), func() error { return client.Connect(ctx) }); err != nil {
		return nil, errors.Wrap(err, "Pipeline", "openNATS", "connect")
	}

	store, err := dedup.OpenNATSStore(ctx, client, nc.Bucket, dcfg.Expiration)
	if err != nil {
		return nil, err
	}
	p.health.Register("nats", func() health.Status {
		if client.IsHealthy() {
			return health.NewHealthy("nats", "dedup bucket "+nc.Bucket)
		}
		return health.NewDegraded("nats", "nats "+client.Status().String()+", dedup falls back to memory")
	})
	return store, nil
}

func (p *Pipeline) buildConnection(o *options) error {
	provider := o.provider
	if provider == nil {
		cp, err := credentials.New(p.config.CredentialsConfig(), credentials.WithLogger(o.logger))
		if err != nil {
			return err
		}
		provider = cp
	}

	connOpts := []connection.Option{connection.WithLogger(o.logger), connection.WithMetrics(o.metrics)}
	if p.config.WebSocket.EnableMessageQueue {
		q, err := ingest.NewQueue(p.config.QueueConfig(), o.metrics)
		if err != nil {
			return err
		}
		p.queue = q
		p.closers = append(p.closers, q.Close)
		connOpts = append(connOpts, connection.WithQueue(q))
	}
	connOpts = append(connOpts, o.connOpts...)

	m, err := connection.NewManager(p.config.ConnectionConfig(), provider, p.processor, connOpts...)
	if err != nil {
		return err
	}
	p.manager = m
	p.health.Register("websocket", func() health.Status {
		return health.FromConnectionStats("websocket", m.Stats())
	})
	return nil
}

func backendName(store dedup.DistributedStore) string {
	if n, ok := store.(dedup.Named); ok {
		return n.Backend()
	}
	return "custom"
}

// Start opens the long connection when it is enabled. The webhook is served through
// Handler by the caller's HTTP server.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Pipeline", "Start", "lifecycle check")
	}
	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pipeline", "Start", "lifecycle check")
	}

	if p.manager != nil {
		if err := p.manager.Start(ctx); err != nil {
			return err
		}
	}
	p.started = true
	p.logger.Info("Pipeline started",
		"websocket", p.manager != nil,
		"webhook", p.gateway != nil,
		"handlers", p.registry.Len())
	return nil
}

// Stop closes the long connection, then releases queues, dedup state and backend
// clients. It is safe to call more than once.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	if p.manager != nil {
		if err := p.manager.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.closeAll(); err != nil {
		errs = append(errs, err)
	}
	p.logger.Info("Pipeline stopped")
	return errors.Join(errs...)
}

// closeAll runs closers in reverse order of creation.
func (p *Pipeline) closeAll() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Done is closed when the long connection stops for good. It is nil when the long
// connection is disabled.
func (p *Pipeline) Done() <-chan struct{} {
	if p.manager == nil {
		return nil
	}
	return p.manager.Done()
}

// Err returns the terminal long-connection error, if any.
func (p *Pipeline) Err() error {
	if p.manager == nil {
		return nil
	}
	return p.manager.Err()
}

// Handler routes the webhook, metrics and health endpoints.
func (p *Pipeline) Handler() http.Handler {
	r := chi.NewRouter()
	if p.gateway != nil {
		r.Handle(p.gateway.RoutePrefix(), p.gateway)
	}
	if path := p.config.Server.MetricsPath; path != "" {
		r.Handle(path, p.metrics.Handler())
	}
	if path := p.config.Server.HealthPath; path != "" {
		r.Handle(path, health.Handler(p.health, SystemName))
	}
	return r
}

// Registry is where business handlers are registered. Registration is allowed
// while the pipeline runs.
func (p *Pipeline) Registry() *dispatch.Registry {
	return p.registry
}

// Deduplicator returns the active deduplicator, for wrapping handlers with
// dispatch.Idempotent.
func (p *Pipeline) Deduplicator() dedup.Deduplicator {
	return p.dedup
}

// Metrics returns the registry the pipeline records into.
func (p *Pipeline) Metrics() *metric.MetricsRegistry {
	return p.metrics
}

// Health returns the monitor backing the health endpoint.
func (p *Pipeline) Health() *health.Monitor {
	return p.health
}

// Stats is a point-in-time snapshot of the pipeline.
type Stats struct {
	Connection   *connection.Stats `json:"connection,omitempty"`
	DedupEntries int               `json:"dedup_entries"`
	EventTypes   []string          `json:"event_types"`
	Handlers     int               `json:"handlers"`
}

// Stats computes a snapshot.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		DedupEntries: p.memory.Len(),
		EventTypes:   p.registry.EventTypes(),
		Handlers:     p.registry.Len(),
	}
	if p.manager != nil {
		cs := p.manager.Stats()
		s.Connection = &cs
	}
	return s
}
