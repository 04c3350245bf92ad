// Package server exposes the dispatch engine over HTTP: a batch endpoint,
// an SSE stream, a websocket transport, usage queries and async jobs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/internal/auth"
	"github.com/minhvu-dev/fanout-gateway/internal/dispatch"
	"github.com/minhvu-dev/fanout-gateway/internal/provider"
	"github.com/minhvu-dev/fanout-gateway/internal/registry"
	"github.com/minhvu-dev/fanout-gateway/internal/stream"
	"github.com/minhvu-dev/fanout-gateway/internal/usage"
	"github.com/minhvu-dev/fanout-gateway/internal/worker"
)

// Limiter abstracts the redis token bucket so tests can stub it.
type Limiter interface {
	Allow(ctx context.Context, userID string, tokens int) (bool, error)
}

type Handler struct {
	coord    *dispatch.Coordinator
	registry *registry.Registry
	accum    *usage.Accumulator
	store    usage.Store
	limiter  Limiter
	queue    *worker.Queue
	tracer   trace.Tracer
	log      *zap.Logger
}

func NewHandler(coord *dispatch.Coordinator, reg *registry.Registry, accum *usage.Accumulator, store usage.Store, limiter Limiter, queue *worker.Queue, tracer trace.Tracer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		coord:    coord,
		registry: reg,
		accum:    accum,
		store:    store,
		limiter:  limiter,
		queue:    queue,
		tracer:   tracer,
		log:      log,
	}
}

// dispatchRequest is the wire shape shared by the batch, stream, websocket
// and job endpoints. Either message (a single user turn) or messages (a
// full history) must be present.
type dispatchRequest struct {
	Message     string             `json:"message,omitempty"`
	Messages    []provider.Message `json:"messages,omitempty"`
	Targets     []dispatch.Target  `json:"targets"`
	Credentials map[string]string  `json:"credentials,omitempty"`
}

// tokenBudget estimates how many tokens a dispatch may consume, for rate
// limiting. Targets without an explicit cap are charged a flat 1000.
func (req *dispatchRequest) tokenBudget() int {
	budget := 0
	for _, t := range req.Targets {
		if t.MaxTokens > 0 {
			budget += t.MaxTokens
		} else {
			budget += 1000
		}
	}
	return budget
}

func (req *dispatchRequest) history() []provider.Message {
	if len(req.Messages) > 0 {
		return req.Messages
	}
	if req.Message != "" {
		return []provider.Message{{Role: provider.RoleUser, Content: req.Message, Timestamp: time.Now().UTC()}}
	}
	return nil
}

// HandleDispatch fans the query out to all targets and returns the full
// result set, failed targets included.
func (h *Handler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := h.prepare(w, r, "dispatch.batch")
	if !ok {
		return
	}

	results, err := h.coord.DispatchBatch(r.Context(), req.history(), req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID := requestIDOr(r.Context())
	h.recordUsage(userID, requestID, results)

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"results":    results,
	})
}

// HandleDispatchStream proxies the aggregated event stream as SSE. Each
// event is tagged with its provider; [DONE] follows once the dispatch is
// drained.
func (h *Handler) HandleDispatchStream(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := h.prepare(w, r, "dispatch.stream")
	if !ok {
		return
	}

	agg, err := h.coord.DispatchStream(r.Context(), req.history(), req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range agg.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		if ev.Done && ev.Usage != nil {
			h.recordStreamUsage(userID, ev)
		}
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// HandleUsage returns the persisted usage rows plus the live in-memory
// counters for the authenticated user.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from, to := now.AddDate(0, 0, -30), now
	if s := r.URL.Query().Get("from"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = parsed
	}
	if s := r.URL.Query().Get("to"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = parsed
	}

	recs, err := h.store.ListByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalCost, err := h.store.TotalCostByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"from":           from,
		"to":             to,
		"total_requests": len(recs),
		"total_cost_usd": totalCost,
		"records":        recs,
		"counters":       h.accum.ByUser(userID),
	})
}

// HandleProviders lists the registered provider catalog.
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		ID                string   `json:"id"`
		Name              string   `json:"name"`
		Models            []string `json:"models"`
		MaxContextTokens  int      `json:"max_context_tokens"`
		SupportsStreaming bool     `json:"supports_streaming"`
		CostPer1KTokens   float64  `json:"cost_per_1k_tokens"`
	}

	var out []providerInfo
	for _, id := range h.registry.IDs() {
		desc, _, _ := h.registry.Resolve(id)
		out = append(out, providerInfo{
			ID:                desc.ID,
			Name:              desc.Name,
			Models:            desc.Models,
			MaxContextTokens:  desc.MaxContextTokens,
			SupportsStreaming: desc.SupportsStreaming,
			CostPer1KTokens:   desc.CostPer1KTokens,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// HandleEnqueueJob queues a batch dispatch for asynchronous execution.
func (h *Handler) HandleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := h.prepare(w, r, "dispatch.job")
	if !ok {
		return
	}

	job, err := h.queue.Enqueue(r.Context(), userID, req.history(), req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	job, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, worker.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.UserID != userID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// prepare handles the shared preamble: auth, body decode, credential
// registration, tracing and rate limiting. ok=false means a response was
// already written.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, spanName string) (string, *dispatchRequest, bool) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", nil, false
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", nil, false
	}

	for providerID, secret := range req.Credentials {
		h.registry.SetCredential(providerID, secret)
	}

	_, span := h.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", auth.RequestID(ctx)),
		attribute.Int("target_count", len(req.Targets)),
	)

	allowed, err := h.limiter.Allow(ctx, userID, req.tokenBudget())
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return "", nil, false
	}

	return userID, &req, true
}

// recordUsage folds batch results into the live counters and persists one
// row per target. Persistence runs async off the request path.
func (h *Handler) recordUsage(userID, requestID string, results []dispatch.ModelResponse) {
	for _, res := range results {
		h.accum.Record(userID, res.Provider, res.TotalTokens, res.CostUSD)
	}

	if h.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, res := range results {
			rec := &usage.Record{
				UserID:           userID,
				RequestID:        requestID,
				Provider:         res.Provider,
				Model:            res.Model,
				PromptTokens:     res.PromptTokens,
				CompletionTokens: res.CompletionTokens,
				CostUSD:          res.CostUSD,
				LatencyMs:        res.LatencyMs,
				Estimated:        res.EstimatedUsage,
				Failed:           res.Error != "",
			}
			if err := h.store.Log(ctx, rec); err != nil {
				h.log.Warn("usage log failed", zap.String("provider", res.Provider), zap.Error(err))
			}
		}
	}()
}

func (h *Handler) recordStreamUsage(userID string, ev stream.Event) {
	tokens := 0
	if ev.Usage != nil {
		tokens = ev.Usage.TotalTokens
	}
	cost := 0.0
	if desc, _, ok := h.registry.Resolve(ev.Provider); ok {
		cost = desc.Cost(tokens)
	}
	h.accum.Record(userID, ev.Provider, tokens, cost)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestIDOr returns the context request id or a fresh one.
func requestIDOr(ctx context.Context) string {
	if id := auth.RequestID(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}
