// Package sinks fans out the pipeline's event_queue to external delivery
// points (spec.md §6 "Core → external sinks"). No sink may ever block the
// core: a stalled sink is dropped, never awaited, by routing every delivery
// through a bounded ants worker pool in nonblocking mode and a per-sink
// gobreaker circuit breaker (see Manager).
package sinks

import "context"

// Publisher delivers one payload to one subject. Implementations must not
// block indefinitely — Manager already bounds concurrency and trips a
// circuit breaker around each call, but a Publish that never returns still
// pins a worker pool slot, so implementations should honor ctx.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, subject string, payload []byte) error
	Close() error
}
