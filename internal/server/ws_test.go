package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/internal/auth"
	"github.com/minhvu-dev/fanout-gateway/internal/dispatch"
	"github.com/minhvu-dev/fanout-gateway/internal/stream"
	"github.com/minhvu-dev/fanout-gateway/internal/usage"
)

// recordingLimiter captures the token budget it was asked to spend.
type recordingLimiter struct {
	tokens atomic.Int64
}

func (r *recordingLimiter) Allow(ctx context.Context, userID string, tokens int) (bool, error) {
	r.tokens.Store(int64(tokens))
	return true, nil
}

func newWSServer(t *testing.T, limiter Limiter) *httptest.Server {
	t.Helper()
	reg := testRegistry()
	coord := dispatch.NewCoordinator(reg, zap.NewNop())
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(coord, reg, usage.NewAccumulator(), &mockUsageStore{}, limiter, nil, tracer, zap.NewNop())

	router := h.Routes(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), "test-user")))
		})
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleDispatchWS_StreamsAndChargesBudget(t *testing.T) {
	limiter := &recordingLimiter{}
	srv := newWSServer(t, limiter)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/dispatch/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// anthropic has no credential registered; it must fail in place while
	// openai still streams.
	err = conn.WriteJSON(map[string]any{
		"message": "what is 2+2",
		"targets": []dispatch.Target{
			{Provider: "openai", Model: "gpt-4", MaxTokens: 256},
			{Provider: "anthropic", Model: "claude-sonnet-4"},
		},
	})
	if err != nil {
		t.Fatalf("write request frame failed: %v", err)
	}

	var deltas []string
	terminals := 0
	for {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read failed before normal close: %v", err)
			}
			break
		}
		if ev.Done {
			terminals++
			continue
		}
		if ev.Provider == "openai" && ev.Delta != "" {
			deltas = append(deltas, ev.Delta)
		}
	}

	if terminals != 2 {
		t.Errorf("expected one terminal event per target, got %d", terminals)
	}
	if len(deltas) != 2 || deltas[0] != "fo" || deltas[1] != "ur" {
		t.Errorf("openai delta order violated: %v", deltas)
	}

	// Same budget rule as the HTTP endpoints: the explicit 256-token cap
	// plus the flat 1000 for the capless target.
	if got := limiter.tokens.Load(); got != 1256 {
		t.Errorf("expected 1256 token budget, got %d", got)
	}
}
