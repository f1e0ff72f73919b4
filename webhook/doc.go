// Package webhook implements the HTTP callback ingress.
//
// A request passes a fixed sequence of checks and leaves at the first one it fails:
//
//  1. method, declared size and source address, before the body is read
//  2. url_verification challenge, answered without dispatching
//  3. signature over timestamp, nonce, encrypt key and body (401 on mismatch)
//  4. AES-256-CBC decryption of the "encrypt" field
//  5. dedup by event id, or nonce and timestamp when the event has none
//  6. dispatch, bounded by a semaphore of MaxConcurrentEvents
//
// Duplicates are answered 200 without dispatch so the platform stops retrying. Handler
// failures are answered 400 with msg "handler error"; undecodable bodies with msg
// "invalid format".
package webhook
