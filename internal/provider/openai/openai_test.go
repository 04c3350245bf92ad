package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

func TestInvoke_Mock(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		resp := apiResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []apiChoice{
				{Message: apiMessage{Role: "assistant", Content: "Hello from mock!"}},
			},
			Usage: apiUsage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	res, err := a.Invoke(context.Background(), "sk-test", "gpt-4o", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer credential, got %q", gotAuth)
	}
	if res.Text != "Hello from mock!" {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if res.Usage.TotalTokens != 19 || res.Usage.Estimated {
		t.Errorf("expected vendor-reported usage of 19, got %+v", res.Usage)
	}
}

func TestInvoke_AuthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	_, err := a.Invoke(context.Background(), "bad", "gpt-4o", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.KindOf(err) != provider.KindAuth {
		t.Errorf("expected auth kind, got %s", provider.KindOf(err))
	}
}

func TestInvoke_Throttled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	_, err := a.Invoke(context.Background(), "k", "gpt-4o", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if provider.KindOf(err) != provider.KindRateLimit {
		t.Errorf("expected rate_limit kind, got %v", err)
	}
}

func TestInvokeStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			out := apiResponse{Choices: []apiChoice{{Delta: apiDelta{Content: delta}}}}
			data, _ := json.Marshal(out)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	ch, err := a.InvokeStream(context.Background(), "k", "gpt-4o", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}

	var deltas []string
	var final *provider.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("expected [Hel lo] in order, got %v", deltas)
	}
	if final == nil {
		t.Fatal("stream ended without a terminal chunk")
	}
	if final.Usage == nil || !final.Usage.Estimated {
		t.Errorf("terminal usage should be a flagged estimate, got %+v", final.Usage)
	}
}

func TestInvokeStream_UpstreamFailureStillTerminates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	ch, err := a.InvokeStream(context.Background(), "k", "gpt-4o", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}

	var sawErr, sawDone bool
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = true
			if provider.KindOf(chunk.Err) != provider.KindUnavailable {
				t.Errorf("expected unavailable kind, got %v", chunk.Err)
			}
		}
		if chunk.Done {
			sawDone = true
		}
	}
	if !sawErr || !sawDone {
		t.Errorf("failed stream must report the error and still terminate: err=%v done=%v", sawErr, sawDone)
	}
}
