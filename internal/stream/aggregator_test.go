package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

func chunkSource(deltas []string, usage *provider.Usage) <-chan *provider.Chunk {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, d := range deltas {
			ch <- &provider.Chunk{Delta: d}
		}
		ch <- &provider.Chunk{Done: true, Usage: usage}
	}()
	return ch
}

func TestPerProviderOrderPreserved(t *testing.T) {
	ctx := context.Background()
	a := New([]string{"openai", "anthropic"})

	go a.Forward(ctx, "openai", chunkSource([]string{"Hel", "lo"}, &provider.Usage{TotalTokens: 2}))
	go a.Forward(ctx, "anthropic", chunkSource([]string{"Hi", "!"}, nil))

	perProvider := map[string][]Event{}
	for ev := range a.Events() {
		perProvider[ev.Provider] = append(perProvider[ev.Provider], ev)
	}

	oa := perProvider["openai"]
	if len(oa) != 3 {
		t.Fatalf("expected 2 deltas + terminal for openai, got %d events", len(oa))
	}
	if oa[0].Delta != "Hel" || oa[0].Done {
		t.Errorf("first openai event wrong: %+v", oa[0])
	}
	if oa[1].Delta != "lo" || oa[1].Done {
		t.Errorf("second openai event wrong: %+v", oa[1])
	}
	if !oa[2].Done || oa[2].Delta != "" {
		t.Errorf("terminal openai event wrong: %+v", oa[2])
	}
	if oa[2].Usage == nil || oa[2].Usage.TotalTokens != 2 {
		t.Errorf("terminal usage lost: %+v", oa[2].Usage)
	}

	an := perProvider["anthropic"]
	if len(an) != 3 || an[0].Delta != "Hi" || an[1].Delta != "!" || !an[2].Done {
		t.Errorf("anthropic ordering violated: %+v", an)
	}
}

func TestDrainedAfterAllTerminals(t *testing.T) {
	ctx := context.Background()
	a := New([]string{"a", "b"})

	go a.Forward(ctx, "a", chunkSource(nil, nil))

	slow := make(chan *provider.Chunk)
	go a.Forward(ctx, "b", slow)

	go func() {
		for range a.Events() {
		}
	}()

	select {
	case <-a.Drained():
		t.Fatal("drained before all targets terminated")
	case <-time.After(20 * time.Millisecond):
	}
	if a.Completed("b") {
		t.Error("b has not terminated yet")
	}

	slow <- &provider.Chunk{Done: true}
	close(slow)

	select {
	case <-a.Drained():
	case <-time.After(time.Second):
		t.Fatal("never drained")
	}
	if !a.Completed("a") || !a.Completed("b") {
		t.Error("completion flags not set")
	}
}

func TestFailStillTerminates(t *testing.T) {
	ctx := context.Background()
	a := New([]string{"gemini"})

	go a.Fail(ctx, "gemini", errors.New("missing credential"))

	var events []Event
	for ev := range a.Events() {
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected error event + terminal, got %v", events)
	}
	if events[0].Error != "missing credential" || events[0].Done {
		t.Errorf("first event should carry the error: %+v", events[0])
	}
	if !events[1].Done {
		t.Errorf("second event must be terminal: %+v", events[1])
	}

	select {
	case <-a.Drained():
	case <-time.After(time.Second):
		t.Fatal("failed target must still drain the dispatch")
	}
}

func TestSourceClosedWithoutDone(t *testing.T) {
	ctx := context.Background()
	a := New([]string{"p"})

	broken := make(chan *provider.Chunk)
	go func() {
		broken <- &provider.Chunk{Delta: "partial"}
		close(broken) // no Done chunk
	}()
	go a.Forward(ctx, "p", broken)

	var sawTerminal bool
	for ev := range a.Events() {
		if ev.Done {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("aggregator must synthesize a terminal event for a broken source")
	}
}

func TestAbandonedConsumerDoesNotBlockForwarders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New([]string{"p"})

	done := make(chan struct{})
	go func() {
		a.Forward(ctx, "p", chunkSource([]string{"x", "y", "z"}, nil))
		close(done)
	}()

	// Nobody reads Events; the consumer walks away.
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder leaked after consumer abandoned the dispatch")
	}
}
