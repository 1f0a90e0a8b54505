// Package progress implements a per-request bounded channel of progress
// events, produced by strategies and the router and consumed by the SSE
// handler. When the consumer is slow, the producer drops intermediate
// events but never the final one.
package progress

import (
	"sync"
	"sync/atomic"

	"smartrag/internal/rag/types"
)

const defaultBuffer = 32

// Bus is a single request's progress channel.
type Bus struct {
	ch      chan types.ProgressEvent
	step    int64
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// New creates a Bus with a bounded buffer.
func New() *Bus {
	return &Bus{
		ch:   make(chan types.ProgressEvent, defaultBuffer),
		done: make(chan struct{}),
	}
}

// Emit publishes a non-final progress event. If the buffer is full (a slow
// consumer), the event is dropped rather than blocking the producer.
func (b *Bus) Emit(message string, metadata map[string]any) {
	if b == nil {
		return
	}
	step := int(atomic.AddInt64(&b.step, 1))
	ev := types.ProgressEvent{Step: step, Message: message, Metadata: metadata}
	select {
	case b.ch <- ev:
	default:
		// backpressure: drop intermediate progress, never the final result
	}
}

// EmitFinal publishes the terminal event without blocking. When the buffer
// is full it discards one buffered event to make room and then retries the
// send once, so the final event takes precedence over intermediate progress.
func (b *Bus) EmitFinal(message string, metadata map[string]any) {
	if b == nil {
		return
	}
	step := int(atomic.AddInt64(&b.step, 1))
	ev := types.ProgressEvent{Step: step, Message: message, Metadata: metadata}
	select {
	case b.ch <- ev:
	default:
		// buffer full: drain one slot then force the final event through
		select {
		case <-b.ch:
		default:
		}
		select {
		case b.ch <- ev:
		default:
		}
	}
}

// metaKindKey tags a progress event's metadata with a discriminator so a
// consumer (the SSE handler) can route it to a named stream event instead of
// the generic "progress" event, without widening ProgressEvent itself.
const metaKindKey = "_kind"

// KindRetrieval marks a retrieval-completion event, per spec.md section 6's
// distinct "retrieval" SSE event.
const KindRetrieval = "retrieval"

// EmitRetrieval publishes a retrieval-completion event carrying the chunk
// count, elapsed time, and citations produced by a strategy's retrieval
// stage.
func (b *Bus) EmitRetrieval(numChunks int, elapsedMS int64, citations []types.Citation) {
	b.Emit("retrieval complete", map[string]any{
		metaKindKey:         KindRetrieval,
		"num_chunks":        numChunks,
		"retrieval_time_ms": elapsedMS,
		"citations":         citations,
	})
}

// EmitRetrieval is the package-level form of Bus.EmitRetrieval, safe to call
// on a nil bus.
func EmitRetrieval(b *Bus, numChunks int, elapsedMS int64, citations []types.Citation) {
	b.EmitRetrieval(numChunks, elapsedMS, citations)
}

// Kind extracts the discriminator tag set by EmitRetrieval (or another
// tagged emitter) from an event's metadata, returning "" when the event is
// untagged. The returned metadata has the discriminator key stripped.
func Kind(ev types.ProgressEvent) (string, map[string]any) {
	if ev.Metadata == nil {
		return "", ev.Metadata
	}
	kind, _ := ev.Metadata[metaKindKey].(string)
	if kind == "" {
		return "", ev.Metadata
	}
	out := make(map[string]any, len(ev.Metadata)-1)
	for k, v := range ev.Metadata {
		if k == metaKindKey {
			continue
		}
		out[k] = v
	}
	return kind, out
}

// Events returns the receive-only channel for the SSE handler to consume.
func (b *Bus) Events() <-chan types.ProgressEvent {
	return b.ch
}

// Close signals producers that the request is done; safe to call once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
	close(b.done)
}

// Done returns a channel closed when the bus has been closed, for
// producers to select on as a cancellation signal.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}
