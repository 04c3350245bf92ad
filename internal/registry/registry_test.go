package registry

import (
	"context"
	"reflect"
	"testing"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

type stubAdapter struct{ id string }

func (s *stubAdapter) ID() string { return s.id }

func (s *stubAdapter) Invoke(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (*provider.Result, error) {
	return &provider.Result{Text: "stub"}, nil
}

func (s *stubAdapter) InvokeStream(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	close(ch)
	return ch, nil
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	desc := Provider{ID: "openai", Models: []string{"gpt-4o", "gpt-4o-mini"}}

	r.Register(desc, &stubAdapter{id: "openai"})
	once := r.Models("openai")
	r.Register(desc, &stubAdapter{id: "openai"})
	twice := r.Models("openai")

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("double registration changed model list: %v vs %v", once, twice)
	}
	if len(twice) != 2 {
		t.Errorf("expected 2 models, got %v", twice)
	}
}

func TestModels_UnknownProvider(t *testing.T) {
	r := New()
	models := r.Models("nope")
	if models == nil || len(models) != 0 {
		t.Errorf("unknown provider must yield an empty list, got %v", models)
	}
}

func TestCredential_LastWriteWins(t *testing.T) {
	r := New()
	if _, ok := r.Credential("openai"); ok {
		t.Error("credential should be absent before set")
	}

	r.SetCredential("openai", "first")
	r.SetCredential("openai", "second")

	secret, ok := r.Credential("openai")
	if !ok || secret != "second" {
		t.Errorf("expected last write to win, got %q ok=%v", secret, ok)
	}
}

func TestCredential_EmptyCountsAsAbsent(t *testing.T) {
	r := New()
	r.SetCredential("gemini", "")
	if _, ok := r.Credential("gemini"); ok {
		t.Error("empty secret must count as missing")
	}
}

func TestResolve(t *testing.T) {
	r := New()
	r.Register(Provider{ID: "a", Models: []string{"m"}}, &stubAdapter{id: "a"})

	desc, adapter, ok := r.Resolve("a")
	if !ok || adapter == nil || desc.ID != "a" {
		t.Fatalf("resolve failed: %+v %v %v", desc, adapter, ok)
	}
	if !desc.HasModel("m") || desc.HasModel("x") {
		t.Error("HasModel misbehaves")
	}

	if _, _, ok := r.Resolve("missing"); ok {
		t.Error("resolving an unknown id must report not-found")
	}
}

func TestDefaultCatalog(t *testing.T) {
	r := Default()
	for _, id := range []string{"openai", "anthropic", "gemini"} {
		desc, adapter, ok := r.Resolve(id)
		if !ok {
			t.Fatalf("built-in %s missing", id)
		}
		if adapter.ID() != id {
			t.Errorf("adapter id mismatch for %s: %s", id, adapter.ID())
		}
		if len(desc.Models) == 0 || !desc.SupportsStreaming || desc.CostPer1KTokens <= 0 {
			t.Errorf("descriptor for %s incomplete: %+v", id, desc)
		}
	}
}

func TestCost(t *testing.T) {
	p := Provider{CostPer1KTokens: 0.004}
	got := p.Cost(500)
	if got < 0.00199 || got > 0.00201 {
		t.Errorf("expected ~0.002, got %v", got)
	}
}
