// Package dispatch fans one conversation out to an arbitrary set of
// (provider, model) targets concurrently and collects the results with
// per-target failure isolation: one misbehaving backend never costs the
// caller the other backends' answers.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
	"github.com/minhvu-dev/fanout-gateway/internal/registry"
	"github.com/minhvu-dev/fanout-gateway/internal/stream"
)

// Caller programming errors, raised synchronously. Runtime provider
// failures never surface this way; they land in ModelResponse.Error.
var (
	ErrNoMessages = errors.New("dispatch: empty message history")
	ErrNoTargets  = errors.New("dispatch: no targets")
)

// Target is one (provider, model) pair plus optional per-target overrides.
type Target struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

func (t Target) options() provider.Options {
	return provider.Options{Temperature: t.Temperature, MaxTokens: t.MaxTokens}
}

// ModelResponse is the outcome of exactly one target. On failure Response
// is empty, the usage fields are zero, and Error describes what happened.
type ModelResponse struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Response         string  `json:"response"`
	LatencyMs        int64   `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedUsage   bool    `json:"estimated_usage,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	Error            string  `json:"error,omitempty"`
	ErrorKind        string  `json:"error_kind,omitempty"`
}

// Coordinator resolves targets against the registry and invokes adapters
// concurrently. Each provider call runs behind a circuit breaker so a
// flapping backend is short-circuited instead of hammered; the breaker
// never retries, preserving the one-attempt-per-target contract.
type Coordinator struct {
	registry *registry.Registry
	log      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewCoordinator(reg *registry.Registry, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		registry: reg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// DispatchBatch invokes every target in parallel and waits for all of
// them. The result slice has exactly len(targets) entries, positionally
// aligned to the input regardless of completion order or failures.
func (c *Coordinator) DispatchBatch(ctx context.Context, messages []provider.Message, targets []Target) ([]ModelResponse, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	results := make([]ModelResponse, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		desc, adapter, cred, rerr := c.resolve(t)
		if rerr != nil {
			results[i] = failedResponse(t, rerr)
			continue
		}

		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = c.invoke(ctx, t, desc, adapter, cred, messages)
		}(i, t)
	}
	wg.Wait()

	return results, nil
}

// DispatchStream starts every target's stream and fans the chunks into a
// single aggregator. Resolution failures and refused streams are routed to
// the aggregator as an error event plus the mandatory terminal event, so
// the consumer is never left waiting on a target.
func (c *Coordinator) DispatchStream(ctx context.Context, messages []provider.Message, targets []Target) (*stream.Aggregator, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.Provider
	}
	agg := stream.New(ids)

	for _, t := range targets {
		desc, adapter, cred, rerr := c.resolve(t)
		if rerr != nil {
			go agg.Fail(ctx, t.Provider, rerr)
			continue
		}
		if !desc.SupportsStreaming {
			go agg.Fail(ctx, t.Provider, provider.NewError(t.Provider, provider.KindInvalidTarget, "provider does not support streaming"))
			continue
		}

		go func(t Target) {
			breaker := c.breakerFor(t.Provider)
			if breaker.State() == gobreaker.StateOpen {
				agg.Fail(ctx, t.Provider, provider.NewError(t.Provider, provider.KindUnavailable, "circuit open"))
				return
			}

			ch, err := adapter.InvokeStream(ctx, cred, t.Model, messages, t.options())
			if err != nil {
				c.recordOutcome(t.Provider, err)
				agg.Fail(ctx, t.Provider, err)
				return
			}
			agg.Forward(ctx, t.Provider, ch)
		}(t)
	}

	return agg, nil
}

// resolve checks target validity and credential presence without touching
// the network. A nil error means the adapter may be invoked.
func (c *Coordinator) resolve(t Target) (registry.Provider, provider.Adapter, string, *provider.Error) {
	desc, adapter, ok := c.registry.Resolve(t.Provider)
	if !ok {
		return registry.Provider{}, nil, "", provider.NewError(t.Provider, provider.KindInvalidTarget, "unknown provider")
	}
	if !desc.HasModel(t.Model) {
		return registry.Provider{}, nil, "", provider.NewError(t.Provider, provider.KindInvalidTarget, "model %q not supported", t.Model)
	}
	cred, ok := c.registry.Credential(t.Provider)
	if !ok {
		return registry.Provider{}, nil, "", provider.NewError(t.Provider, provider.KindMissingCredential, "missing credential")
	}
	return desc, adapter, cred, nil
}

func (c *Coordinator) invoke(ctx context.Context, t Target, desc registry.Provider, adapter provider.Adapter, cred string, messages []provider.Message) ModelResponse {
	start := time.Now()

	out, err := c.breakerFor(t.Provider).Execute(func() (any, error) {
		return adapter.Invoke(ctx, cred, t.Model, messages, t.options())
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = provider.NewError(t.Provider, provider.KindUnavailable, "circuit open")
		}
		c.log.Warn("target failed",
			zap.String("provider", t.Provider),
			zap.String("model", t.Model),
			zap.String("kind", provider.KindOf(err).String()),
			zap.Int64("latency_ms", latency),
			zap.Error(err),
		)
		resp := failedResponse(t, err)
		resp.LatencyMs = latency
		return resp
	}

	res := out.(*provider.Result)
	c.log.Debug("target completed",
		zap.String("provider", t.Provider),
		zap.String("model", t.Model),
		zap.Int("total_tokens", res.Usage.TotalTokens),
		zap.Int64("latency_ms", latency),
	)

	return ModelResponse{
		Provider:         t.Provider,
		Model:            t.Model,
		Response:         res.Text,
		LatencyMs:        latency,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		EstimatedUsage:   res.Usage.Estimated,
		CostUSD:          desc.Cost(res.Usage.TotalTokens),
	}
}

// recordOutcome feeds a stream-start failure into the provider's breaker.
func (c *Coordinator) recordOutcome(providerID string, err error) {
	_, _ = c.breakerFor(providerID).Execute(func() (any, error) {
		return nil, err
	})
}

func (c *Coordinator) breakerFor(providerID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[providerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[providerID] = cb
	return cb
}

func failedResponse(t Target, err error) ModelResponse {
	return ModelResponse{
		Provider:  t.Provider,
		Model:     t.Model,
		Error:     errMessage(err),
		ErrorKind: provider.KindOf(err).String(),
	}
}

// errMessage strips the provider/kind prefix for the caller-facing field;
// the structured kind already travels separately.
func errMessage(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
