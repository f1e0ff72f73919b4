package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/metric"
)

// Outcome is the result class of one dispatch.
type Outcome int

const (
	// Processed means at least one handler ran to completion and none failed.
	Processed Outcome = iota
	// SkippedDuplicate means every handler skipped the event as already handled.
	SkippedDuplicate
	// Failed means at least one handler returned an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case SkippedDuplicate:
		return "skipped_duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports what happened to one event.
type Result struct {
	Outcome Outcome
	// Handlers is the number of registered handlers invoked; zero when the default
	// handler ran.
	Handlers int
	// Err joins every handler failure. Nil unless Outcome is Failed.
	Err error
}

// OK reports whether the event needs no redelivery.
func (r Result) OK() bool {
	return r.Outcome != Failed
}

// Config controls handler invocation.
type Config struct {
	// Parallel runs the handlers of one event concurrently.
	Parallel bool
	// MaxParallel bounds concurrent handlers per event when Parallel is set. Zero
	// means no bound.
	MaxParallel int
	// HandlerTimeout bounds each handler invocation. Zero means no timeout.
	HandlerTimeout time.Duration
	// RecoverPanics turns a handler panic into an error instead of crashing.
	RecoverPanics bool
}

// Dispatcher invokes the handlers resolved for an event.
type Dispatcher struct {
	resolver Resolver
	fallback Handler
	config   Config
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records handler errors, durations and outcomes.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) {
		d.metrics = registry.CoreMetrics()
	}
}

// WithDefaultHandler replaces the logging handler used for unregistered event types.
func WithDefaultHandler(handler Handler) Option {
	return func(d *Dispatcher) {
		if handler != nil {
			d.fallback = handler
		}
	}
}

// NewDispatcher creates a dispatcher over resolver.
func NewDispatcher(resolver Resolver, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = d.logger.With("component", "dispatcher")
	if d.fallback == nil {
		d.fallback = LogHandler(d.logger)
	}
	return d
}

// Dispatch runs every handler registered for env.EventType and waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) Result {
	handlers := d.resolver.Resolve(env.EventType)

	var result Result
	if len(handlers) == 0 {
		result = d.runDefault(ctx, env)
	} else {
		result = d.run(ctx, env, handlers)
	}

	d.metrics.RecordDispatch(string(env.Transport), result.Outcome.String())
	if result.Outcome == Failed {
		d.logger.Warn("Event dispatch failed",
			"event_type", env.EventType,
			"event_id", env.EventID,
			"handlers", result.Handlers,
			"error", result.Err)
	}
	return result
}

func (d *Dispatcher) runDefault(ctx context.Context, env *envelope.Envelope) Result {
	if err := d.invoke(ctx, d.fallback, env); err != nil {
		d.logger.Error("Default handler failed", "event_type", env.EventType, "error", err)
	}
	return Result{Outcome: Processed}
}

func (d *Dispatcher) run(ctx context.Context, env *envelope.Envelope, handlers []Handler) Result {
	errs := make([]error, len(handlers))

	if d.config.Parallel && len(handlers) > 1 {
		var g errgroup.Group
		if d.config.MaxParallel > 0 {
			g.SetLimit(d.config.MaxParallel)
		}
		for i, h := range handlers {
			g.Go(func() error {
				errs[i] = d.invoke(ctx, h, env)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, h := range handlers {
			errs[i] = d.invoke(ctx, h, env)
		}
	}

	skipped := 0
	var failures []error
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrSkipped):
			skipped++
		default:
			failures = append(failures, err)
			d.metrics.RecordHandlerError(env.EventType)
		}
	}

	result := Result{Outcome: Processed, Handlers: len(handlers)}
	switch {
	case len(failures) > 0:
		result.Outcome = Failed
		result.Err = errors.Join(failures...)
	case skipped == len(handlers):
		result.Outcome = SkippedDuplicate
		d.metrics.RecordDuplicate("handler")
	}
	return result
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	if d.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		d.metrics.RecordHandlerDuration(env.EventType, time.Since(start))
	}()

	if d.config.RecoverPanics {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Handler panicked",
					"event_type", env.EventType,
					"panic", r,
					"stack", string(debug.Stack()))
				err = errors.Wrap(fmt.Errorf("%w: %v", errors.ErrHandlerPanic, r), "Dispatcher", "invoke", "handler")
			}
		}()
	}

	return h.Handle(ctx, env)
}
