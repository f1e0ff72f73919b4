// Package dispatch routes decoded events to the handlers registered for their type.
//
// Handlers are registered explicitly against an event type string:
//
//	registry := dispatch.NewRegistry(dispatch.ModeMulti)
//	id, err := registry.Register("im.message.receive_v1", dispatch.HandlerFunc(onMessage))
//
// A Registry in ModeSingle accepts one handler per type and rejects a second
// registration with errors.ErrHandlerExists. ModeMulti appends. Registration and
// removal may happen while events are being dispatched; readers work on an immutable
// snapshot that is swapped on every change.
//
// Dispatcher.Dispatch runs every resolved handler, sequentially or in parallel, and
// reports a tri-state Result. A failure in one handler does not stop the others; all
// failures are joined into Result.Err. When no handler is registered for a type the
// default handler runs instead, which logs and never fails.
//
// Idempotent wraps a handler with a business-key idempotency check on top of the
// transport-level dedup performed before dispatch. A skipped invocation returns
// ErrSkipped, which the Dispatcher counts as a duplicate rather than a failure.
package dispatch
