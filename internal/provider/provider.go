// Package provider defines the normalized request/response model shared by
// all vendor adapters, and the Adapter interface each vendor family
// implements. The dispatch coordinator works exclusively against these
// types; no vendor wire format leaks past this package.
package provider

import (
	"context"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in the conversation history. The same ordered
// sequence is handed to every target; adapters may reshape role semantics
// (e.g. hoisting system content into a separate field) but never alter
// content or ordering.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Options carries the per-target generation overrides.
// Temperature is valid in [0, 2]; zero values mean "vendor default".
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Usage is the normalized token accounting for one completed call.
// Estimated is set when the vendor reported no usage and the adapter fell
// back to the chars/4 heuristic; downstream cost consumers must be able to
// tell the two apart.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Result is the normalized non-streaming response.
type Result struct {
	ID    string
	Text  string
	Usage Usage
}

// Chunk is one unit of a streaming response. Adapters send these over a
// channel and close it after the terminal chunk. Contract: every stream
// ends with exactly one Done chunk, even after a mid-stream error; the
// aggregator relies on the terminal chunk to mark a target complete.
// Usage is populated only on the terminal chunk.
type Chunk struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
}

// Adapter translates between the normalized model and one vendor family's
// wire protocol. The credential is passed per call; adapters hold no state
// beyond their endpoint.
type Adapter interface {
	// ID returns the provider identifier, e.g. "openai".
	ID() string

	// Invoke sends the conversation and blocks until the full response is
	// available. Failures are *provider.Error values so the coordinator can
	// distinguish auth, throttling, protocol and availability faults.
	Invoke(ctx context.Context, credential, model string, messages []Message, opts Options) (*Result, error)

	// InvokeStream sends the conversation and returns a channel of
	// incremental chunks. The channel is closed after the terminal chunk.
	// A non-nil error return means the stream never started.
	InvokeStream(ctx context.Context, credential, model string, messages []Message, opts Options) (<-chan *Chunk, error)
}

// EstimateUsage approximates token counts from character lengths when a
// vendor reports none. Four characters per token is a coarse heuristic;
// the Estimated flag marks the numbers as such.
func EstimateUsage(messages []Message, completion string) Usage {
	var promptChars int
	for _, m := range messages {
		promptChars += len(m.Content)
	}
	prompt := promptChars / 4
	out := len(completion) / 4
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}
