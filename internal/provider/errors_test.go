package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimit},
		{500, KindUnavailable},
		{503, KindUnavailable},
		{400, KindProtocol},
		{404, KindProtocol},
	}

	for _, c := range cases {
		err := ErrFromStatus("openai", c.status, "boom")
		if err.Kind != c.want {
			t.Errorf("status %d: expected kind %s, got %s", c.status, c.want, err.Kind)
		}
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := NewError("gemini", KindRateLimit, "slow down")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	if KindOf(wrapped) != KindRateLimit {
		t.Errorf("expected rate_limit through wrapping, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error should classify as unknown")
	}
}

func TestEstimateUsage(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "12345678"}, // 8 chars -> 2 tokens
	}
	u := EstimateUsage(msgs, "123456789012") // 12 chars -> 3 tokens

	if !u.Estimated {
		t.Error("estimated usage must be flagged")
	}
	if u.PromptTokens != 2 || u.CompletionTokens != 3 || u.TotalTokens != 5 {
		t.Errorf("unexpected estimate: %+v", u)
	}
}
