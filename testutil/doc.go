// Package testutil provides fakes for exercising the pipeline end to end without the
// Feishu platform: a long-connection server, event and webhook request builders, a
// recording handler and an in-memory distributed dedup store.
package testutil
