// Package buffer provides a generic, thread-safe bounded buffer with configurable
// overflow behaviour. The ingest queue uses it with the Block policy so a full buffer
// stalls the producer instead of losing events.
package buffer

import (
	"context"
)

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the overflow policy decides whether
	// the oldest item is evicted, the new item is dropped, or the call blocks.
	Write(item T) error

	// WriteContext is Write with a cancellable wait under the Block policy.
	WriteContext(ctx context.Context, item T) error

	// Read removes and returns the oldest item, or false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	IsFull() bool
	IsEmpty() bool

	// BlockedWriters returns how many writers are waiting for space.
	BlockedWriters() int

	// Stats returns the always-on statistics.
	Stats() *Statistics

	// Close wakes blocked writers with an error and rejects further writes. Items
	// already buffered can still be read.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item.
	DropNewest

	// Block makes the writer wait until a reader frees a slot.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, for every item lost to overflow.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity. Capacity below 1
// is raised to 1. Returns an error only if metrics registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
