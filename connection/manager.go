package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/ingest"
	"github.com/mudtools/MudFeishu-sub002/metric"
	"github.com/mudtools/MudFeishu-sub002/pkg/retry"
)

// Manager owns the long-connection session. It is safe for concurrent use.
type Manager struct {
	config    Config
	provider  TokenProvider
	processor *ingest.Processor
	queue     *ingest.Queue
	codec     envelope.Codec
	dialer    *websocket.Dialer
	logger    *slog.Logger
	metrics   *metric.Metrics
	id        string

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	stopping    atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	state atomic.Int32

	listenersMu sync.RWMutex
	listeners   []Listener

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pingInterval atomic.Int64
	lastActivity atomic.Int64
	busy         atomic.Bool

	startTime       time.Time
	sessionStart    atomic.Int64
	reconnects      atomic.Int64
	framesReceived  atomic.Int64
	eventsProcessed atomic.Int64
	lastErr         atomic.Pointer[errorRecord]

	doneOnce sync.Once
	done     chan struct{}
	termErr  error
}

type errorRecord struct {
	err  error
	when time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records connection state, reconnects and malformed frames.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		m.metrics = registry.CoreMetrics()
	}
}

// WithQueue decouples reading from dispatch. Without a queue each event is processed
// synchronously by the read loop.
func WithQueue(q *ingest.Queue) Option {
	return func(m *Manager) {
		m.queue = q
	}
}

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// NewManager creates a manager in state Disconnected.
func NewManager(cfg Config, provider TokenProvider, processor *ingest.Processor, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "token provider")
	}
	if processor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "processor")
	}

	m := &Manager{
		config:    cfg,
		provider:  provider,
		processor: processor,
		codec:     envelope.Codec{MaxFrameSize: cfg.MaxFrameSize},
		logger:    slog.Default(),
		id:        uuid.New().String(),
		done:      make(chan struct{}),
	}
	m.dialer = &websocket.Dialer{
		HandshakeTimeout: cfg.ConnectionTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With("component", "connection", "connection_id", m.id)
	m.pingInterval.Store(int64(cfg.HeartbeatInterval))
	return m, nil
}

// ID identifies this manager in logs.
func (m *Manager) ID() string {
	return m.id
}

// AddListener registers l for lifecycle events.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Done is closed when the manager stops for good, by Stop or a fatal error.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error once Done is closed. Nil after a clean Stop.
func (m *Manager) Err() error {
	select {
	case <-m.done:
		return m.termErr
	default:
		return nil
	}
}

// Start opens the first session. A rejected credential, or any failure when
// AutoReconnect is off, is returned. Other failures are retried in the background.
// Cancelling ctx tears the manager down without a close frame; use Stop for a clean
// shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Manager", "Start", "lifecycle check")
	}
	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "lifecycle check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.startTime = time.Now()

	conn, err := m.connect(runCtx)
	if err != nil && (errors.IsFatal(err) || !m.config.AutoReconnect) {
		cancel()
		m.recordError(err)
		m.emit(Event{Kind: EventError, Err: err})
		if errors.IsFatal(err) {
			m.stopped = true
			m.setState(Closed)
			m.finish(err)
		} else {
			m.setState(Disconnected)
		}
		return err
	}
	if err != nil {
		m.recordError(err)
		m.logger.Warn("Initial connection failed, retrying in background", "error", err)
	}

	m.cancel = cancel
	m.started = true

	if m.queue != nil {
		m.wg.Add(1)
		go m.consume(runCtx)
	}

	m.wg.Add(1)
	go m.supervise(runCtx, conn)
	return nil
}

// Stop sends a normal close frame, cancels the loops and waits for them, bounded by
// ConnectionTimeout, and only then closes the socket. The manager cannot be restarted.
func (m *Manager) Stop() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.started || m.stopped {
		return nil
	}
	m.stopped = true
	m.stopping.Store(true)

	m.sendClose(websocket.CloseNormalClosure, "client shutdown")
	m.cancel()
	if m.queue != nil {
		_ = m.queue.Close()
	}

	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	var err error
	select {
	case <-waitDone:
	case <-time.After(m.config.ConnectionTimeout):
		err = errors.WrapTransient(
			fmt.Errorf("%w: loops still running after %v", errors.ErrConnectionTimeout, m.config.ConnectionTimeout),
			"Manager", "Stop", "wait for loops")
	}
	m.closeSession()

	m.setState(Closed)
	m.finish(nil)
	return err
}

// supervise runs sessions and reconnects until ctx is cancelled or a terminal error.
func (m *Manager) supervise(ctx context.Context, conn *websocket.Conn) {
	defer m.wg.Done()

	backoff := retry.NewBackoff(m.config.ReconnectDelay, m.config.MaxReconnectDelay, 2.0)

	for {
		if conn != nil {
			authenticatedAt := time.Now()
			err := m.runSession(ctx, conn)
			if m.halted(ctx) {
				return
			}

			m.recordError(err)
			m.logger.Warn("Session ended", "error", err)
			m.emit(Event{Kind: EventDisconnected, Err: err})

			if time.Since(authenticatedAt) >= m.config.ReconnectResetAfter {
				backoff.Reset()
			}
			if errors.IsFatal(err) {
				m.terminate(err)
				return
			}
			if !m.config.AutoReconnect {
				m.setState(Disconnected)
				m.finish(err)
				return
			}
		}

		conn = nil
		for conn == nil {
			if m.config.MaxReconnectAttempts > 0 && backoff.Attempt() >= m.config.MaxReconnectAttempts {
				m.terminate(errors.WrapFatal(
					fmt.Errorf("%w: %d attempts", errors.ErrMaxRetriesExceeded, backoff.Attempt()),
					"Manager", "supervise", "reconnect"))
				return
			}

			m.setState(Reconnecting)
			delay := backoff.Next()
			m.reconnects.Add(1)
			m.metrics.RecordReconnect()
			m.logger.Info("Reconnecting", "attempt", backoff.Attempt(), "delay", delay)

			if err := retry.Sleep(ctx, delay); err != nil {
				return
			}

			var err error
			conn, err = m.connect(ctx)
			if err != nil {
				if m.halted(ctx) {
					return
				}
				m.recordError(err)
				m.logger.Warn("Reconnect attempt failed", "attempt", backoff.Attempt(), "error", err)
				if errors.IsFatal(err) {
					m.terminate(err)
					return
				}
			}
		}
	}
}

func (m *Manager) halted(ctx context.Context) bool {
	return ctx.Err() != nil || m.stopping.Load()
}

// terminate reports a fatal error and closes the manager.
func (m *Manager) terminate(err error) {
	m.recordError(err)
	m.logger.Error("Connection manager stopped", "error", err)
	m.emit(Event{Kind: EventError, Err: err})
	m.setState(Closed)
	m.finish(err)
}

func (m *Manager) finish(err error) {
	m.doneOnce.Do(func() {
		m.termErr = err
		close(m.done)
	})
}

// consume dispatches queued events in order for the lifetime of the manager.
func (m *Manager) consume(ctx context.Context) {
	defer m.wg.Done()

	err := m.processor.Consume(ctx, m.queue, m.afterProcess)
	if err != nil && ctx.Err() == nil {
		m.logger.Error("Queue consumer stopped", "error", err)
	}
}

func (m *Manager) afterProcess(env *envelope.Envelope, result dispatch.Result) {
	m.eventsProcessed.Add(1)
	if !m.config.SendAcks || env.EventID == "" {
		return
	}

	frame := envelope.AckFrame(env.EventID)
	if result.Outcome == dispatch.Failed {
		frame = envelope.NackFrame(env.EventID, result.Err.Error())
	}
	if err := m.writeFrame(frame); err != nil {
		m.logger.Debug("Dropped ack frame", "event_id", env.EventID, "error", err)
	}
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev == s {
		return
	}
	m.metrics.RecordConnectionState(int(s))
	m.logger.Debug("Connection state changed", "from", prev.String(), "to", s.String())
	m.emit(Event{Kind: EventStateChanged, State: s, Previous: prev})
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Kind != EventStateChanged {
		ev.State = m.State()
	}

	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (m *Manager) recordError(err error) {
	if err == nil {
		return
	}
	m.lastErr.Store(&errorRecord{err: err, when: time.Now()})
}

func (m *Manager) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) heartbeatInterval() time.Duration {
	return time.Duration(m.pingInterval.Load())
}

func (m *Manager) heartbeatTimeout() time.Duration {
	if m.config.HeartbeatTimeout > 0 {
		return m.config.HeartbeatTimeout
	}
	return 3 * m.heartbeatInterval()
}

// applyPingInterval adopts a server-provided heartbeat, in seconds.
func (m *Manager) applyPingInterval(d time.Duration) {
	if d <= 0 || d == m.heartbeatInterval() {
		return
	}
	m.pingInterval.Store(int64(d))
	m.logger.Info("Server adjusted heartbeat interval", "interval", d)
}
