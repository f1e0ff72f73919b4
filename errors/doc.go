// Package errors classifies failures raised anywhere in the event ingestion pipeline.
//
// # Classes
//
// Every error belongs to one of three classes:
//
//   - Transient: socket drops, timeouts, endpoint fetch failures, an unreachable dedup
//     store. The connection manager reconnects; the dedup layer fails open.
//   - Invalid: malformed frames, bad signatures, oversized bodies. The webhook gateway
//     maps these to 4xx responses and they never reach a handler.
//   - Fatal: an invalid credential, an exhausted reconnect budget, a configuration that
//     fails validation. The component stops and reports the error.
//
// # Usage
//
// Wrap errors with the component and operation that produced them:
//
//	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
//	    return errors.WrapTransient(err, "Manager", "authenticate", "auth frame write")
//	}
//
// Branch on the class rather than on strings:
//
//	switch errors.Classify(err) {
//	case errors.ErrorFatal:
//	    m.fail(err)
//	case errors.ErrorInvalid:
//	    m.logger.Warn("Dropping malformed frame", "error", err)
//	default:
//	    m.scheduleReconnect(err)
//	}
//
// Sentinels such as ErrTokenExpired or ErrSignatureMismatch work with errors.Is through
// any number of wrapping layers.
package errors
