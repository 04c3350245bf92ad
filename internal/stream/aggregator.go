// Package stream multiplexes N independent per-provider chunk streams
// into one event channel for a single downstream transport (an SSE
// response or one websocket connection).
//
// This is a fan-in, not a merge-sort: chunks from different providers
// interleave nondeterministically, but chunks from one provider are
// delivered in emission order because each provider is forwarded by a
// single goroutine.
package stream

import (
	"context"
	"sync"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

// Event is one unit of aggregated output, tagged with the provider that
// produced it. Every target produces zero or more delta events followed by
// exactly one terminal (Done) event; Usage rides the terminal event.
type Event struct {
	Provider string          `json:"provider"`
	Delta    string          `json:"delta,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Usage    *provider.Usage `json:"usage,omitempty"`
	Err      error           `json:"-"`
	Error    string          `json:"error,omitempty"`
}

// Aggregator tracks which targets have emitted their terminal event. Its
// only state beyond that is the output channel; it is drained when every
// target has terminated, at which point the output channel is closed and
// Drained() fires so the caller can close the transport.
type Aggregator struct {
	out     chan Event
	drained chan struct{}

	mu        sync.Mutex
	remaining int
	completed map[string]bool
}

// New builds an aggregator expecting one terminal event per entry in
// providerIDs. Duplicate ids are counted, not collapsed.
func New(providerIDs []string) *Aggregator {
	a := &Aggregator{
		out:       make(chan Event),
		drained:   make(chan struct{}),
		remaining: len(providerIDs),
		completed: make(map[string]bool, len(providerIDs)),
	}
	if a.remaining == 0 {
		close(a.out)
		close(a.drained)
	}
	return a
}

// Events is the single consumption surface. Closed once drained.
func (a *Aggregator) Events() <-chan Event {
	return a.out
}

// Drained is closed when all targets have emitted their terminal event.
func (a *Aggregator) Drained() <-chan struct{} {
	return a.drained
}

// Completed reports whether the given provider has terminated.
func (a *Aggregator) Completed(providerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed[providerID]
}

// Forward consumes one provider's chunk stream to exhaustion. Must be run
// in its own goroutine, one per target. The target is terminated exactly
// once no matter how the upstream channel ends, even if it closes without
// a Done chunk.
func (a *Aggregator) Forward(ctx context.Context, providerID string, ch <-chan *provider.Chunk) {
	var usage *provider.Usage
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			a.send(ctx, Event{Provider: providerID, Err: chunk.Err, Error: chunk.Err.Error()})
		case chunk.Done:
			usage = chunk.Usage
		default:
			if !a.send(ctx, Event{Provider: providerID, Delta: chunk.Delta}) {
				// Consumer is gone; drain the source so the adapter
				// goroutine can exit, then fall through to terminate.
				for range ch {
				}
				a.terminate(ctx, providerID, usage)
				return
			}
		}
	}
	a.terminate(ctx, providerID, usage)
}

// Fail terminates a target that never produced a stream (resolution
// failure, missing credential, adapter refusing to start). Emits the error
// event followed by the mandatory terminal event.
func (a *Aggregator) Fail(ctx context.Context, providerID string, err error) {
	a.send(ctx, Event{Provider: providerID, Err: err, Error: err.Error()})
	a.terminate(ctx, providerID, nil)
}

func (a *Aggregator) terminate(ctx context.Context, providerID string, usage *provider.Usage) {
	a.send(ctx, Event{Provider: providerID, Done: true, Usage: usage})

	a.mu.Lock()
	a.completed[providerID] = true
	a.remaining--
	last := a.remaining == 0
	a.mu.Unlock()

	if last {
		close(a.out)
		close(a.drained)
	}
}

func (a *Aggregator) send(ctx context.Context, ev Event) bool {
	select {
	case a.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
