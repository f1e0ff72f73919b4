package dispatch

import (
	"context"

	"github.com/mudtools/MudFeishu-sub002/dedup"
	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

// ErrSkipped is returned by an Idempotent handler whose business key was already
// processed or is being processed.
var ErrSkipped = errors.New("handler skipped: business key already handled")

// IdempotencyKeyer is implemented by handlers that derive their own business key.
// An empty key disables the idempotency check for that event.
type IdempotencyKeyer interface {
	IdempotencyKey(env *envelope.Envelope) string
}

// KeyFunc derives a business key from an event.
type KeyFunc func(env *envelope.Envelope) string

// EventIDKey uses the platform event id.
func EventIDKey(env *envelope.Envelope) string {
	return env.EventID
}

type idempotentHandler struct {
	next   Handler
	dedup  dedup.Deduplicator
	keyFn  KeyFunc
	prefix string
}

// IdempotentOption configures Idempotent.
type IdempotentOption func(*idempotentHandler)

// WithKeyFunc overrides key derivation. A handler implementing IdempotencyKeyer still
// takes precedence.
func WithKeyFunc(fn KeyFunc) IdempotentOption {
	return func(h *idempotentHandler) {
		if fn != nil {
			h.keyFn = fn
		}
	}
}

// WithKeyPrefix namespaces business keys. The default is "idempotency:" so keys never
// collide with the transport-level keys in a shared Deduplicator.
func WithKeyPrefix(prefix string) IdempotentOption {
	return func(h *idempotentHandler) {
		h.prefix = prefix
	}
}

// Idempotent wraps next so its business effect happens at most once per key. A
// failure or panic rolls the key back so a redelivery can retry.
func Idempotent(next Handler, d dedup.Deduplicator, opts ...IdempotentOption) Handler {
	h := &idempotentHandler{
		next:   next,
		dedup:  d,
		keyFn:  EventIDKey,
		prefix: "idempotency:",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if keyer, ok := next.(IdempotencyKeyer); ok {
		h.keyFn = keyer.IdempotencyKey
	}
	return h
}

func (h *idempotentHandler) Handle(ctx context.Context, env *envelope.Envelope) (err error) {
	key := h.keyFn(env)
	if key == "" {
		return h.next.Handle(ctx, env)
	}
	key = h.prefix + key

	if h.dedup.TryMarkProcessing(ctx, key) {
		return ErrSkipped
	}

	completed := false
	defer func() {
		if !completed {
			h.dedup.RollbackProcessing(context.WithoutCancel(ctx), key)
		}
	}()

	if err = h.next.Handle(ctx, env); err != nil {
		return err
	}
	h.dedup.MarkCompleted(context.WithoutCancel(ctx), key)
	completed = true
	return nil
}
