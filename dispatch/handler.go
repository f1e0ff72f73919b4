package dispatch

import (
	"context"
	"log/slog"

	"github.com/mudtools/MudFeishu-sub002/envelope"
)

// Handler processes one event. Implementations should honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Resolver maps an event type to the handlers registered for it.
type Resolver interface {
	Resolve(eventType string) []Handler
}

// LogHandler returns a handler for event types nobody registered. It only logs.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(_ context.Context, env *envelope.Envelope) error {
		logger.Info("No handler registered for event type",
			"event_type", env.EventType,
			"event_id", env.EventID,
			"transport", env.Transport)
		return nil
	})
}
