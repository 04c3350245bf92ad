package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

func TestInvoke_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ant-key" {
			t.Errorf("expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		resp := apiResponse{
			ID:      "msg_1",
			Content: []apiBlock{{Type: "text", Text: "Hello from mock!"}},
			Usage:   apiUsage{InputTokens: 10, OutputTokens: 20},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	res, err := a.Invoke(context.Background(), "ant-key", "claude-sonnet-4", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if res.Text != "Hello from mock!" {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 20 || res.Usage.TotalTokens != 30 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
	if res.Usage.Estimated {
		t.Error("vendor-reported usage must not be flagged estimated")
	}
}

func TestSystemHoisting(t *testing.T) {
	var captured apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		resp := apiResponse{Content: []apiBlock{{Type: "text", Text: "ok"}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	_, err := a.Invoke(context.Background(), "k", "claude-sonnet-4", []provider.Message{
		{Role: provider.RoleSystem, Content: "Be terse."},
		{Role: provider.RoleUser, Content: "hi"},
		{Role: provider.RoleAssistant, Content: "hello"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if captured.System != "Be terse." {
		t.Errorf("system content not hoisted: %q", captured.System)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("expected 2 messages after hoisting, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "user" || captured.Messages[1].Role != "assistant" {
		t.Errorf("message ordering/roles altered: %+v", captured.Messages)
	}
	if captured.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max_tokens, got %d", captured.MaxTokens)
	}
}

func TestInvokeStream_VendorUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":9}}}\n\n")
		fmt.Fprintf(w, "event: content_block_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprintf(w, "event: content_block_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprintf(w, "event: message_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":4}}\n\n")
		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	ch, err := a.InvokeStream(context.Background(), "k", "claude-sonnet-4", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}

	var content string
	var final *provider.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk
			continue
		}
		content += chunk.Delta
	}

	if content != "Hello" {
		t.Errorf("expected 'Hello', got %q", content)
	}
	if final == nil || final.Usage == nil {
		t.Fatal("missing terminal usage")
	}
	if final.Usage.Estimated {
		t.Error("usage was vendor-reported, must not be flagged estimated")
	}
	if final.Usage.PromptTokens != 9 || final.Usage.CompletionTokens != 4 || final.Usage.TotalTokens != 13 {
		t.Errorf("unexpected usage: %+v", final.Usage)
	}
}

func TestInvokeStream_MidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"part\"}}\n\n")
		fmt.Fprintf(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n")
	}))
	defer server.Close()

	a := NewWithBaseURL(server.URL)
	ch, err := a.InvokeStream(context.Background(), "k", "claude-sonnet-4", []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.Options{})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}

	var partial string
	var sawErr bool
	var final *provider.Chunk
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			sawErr = true
		case chunk.Done:
			final = chunk
		default:
			partial += chunk.Delta
		}
	}

	if partial != "part" {
		t.Errorf("partial text lost: %q", partial)
	}
	if !sawErr {
		t.Error("mid-stream error not reported")
	}
	if final == nil {
		t.Fatal("failed stream must still emit a terminal chunk")
	}
}
