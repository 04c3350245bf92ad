// Package openai implements the adapter for the combined-messages vendor
// family: one messages array with system entries inline, bearer-token auth.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	baseURL string
	client  *http.Client
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message apiMessage `json:"message"`
	Delta   apiDelta   `json:"delta"`
}

type apiDelta struct {
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New() *Adapter {
	return NewWithBaseURL(DefaultBaseURL)
}

// NewWithBaseURL exists for tests and OpenAI-compatible gateways.
func NewWithBaseURL(baseURL string) *Adapter {
	return &Adapter{baseURL: baseURL, client: http.DefaultClient}
}

func (a *Adapter) ID() string {
	return "openai"
}

func (a *Adapter) Invoke(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (*provider.Result, error) {
	resp, err := a.send(ctx, credential, model, messages, opts, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "decoding response: %v", err)
	}
	if len(out.Choices) == 0 {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "response contained no choices")
	}

	return &provider.Result{
		ID:   out.ID,
		Text: out.Choices[0].Message.Content,
		Usage: provider.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := a.send(ctx, credential, model, messages, opts, true)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: err})
			finish(ctx, ch, messages, "")
			return
		}
		defer resp.Body.Close()

		// The stream API reports no usage; the terminal chunk carries a
		// flagged estimate built from whatever text actually arrived.
		var text strings.Builder
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(ctx, ch, &provider.Chunk{Err: provider.ErrUnavailable(a.ID(), err)})
				}
				finish(ctx, ch, messages, text.String())
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				finish(ctx, ch, messages, text.String())
				return
			}

			var out apiResponse
			if err := json.Unmarshal([]byte(data), &out); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: provider.NewError(a.ID(), provider.KindProtocol, "decoding stream event: %v", err)})
				finish(ctx, ch, messages, text.String())
				return
			}
			if len(out.Choices) == 0 {
				continue
			}
			delta := out.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			if !emit(ctx, ch, &provider.Chunk{Delta: delta}) {
				return
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) send(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options, stream bool) (*http.Response, error) {
	body, err := json.Marshal(a.mapRequest(model, messages, opts, stream))
	if err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.ErrUnavailable(a.ID(), err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, provider.ErrFromStatus(a.ID(), resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (a *Adapter) mapRequest(model string, messages []provider.Message, opts provider.Options, stream bool) apiRequest {
	out := make([]apiMessage, len(messages))
	for i, m := range messages {
		out[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	return apiRequest{
		Model:       model,
		Messages:    out,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
}

// emit sends one chunk, giving up if the consumer is gone.
func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish delivers the mandatory terminal chunk with estimated usage for
// the text accumulated so far.
func finish(ctx context.Context, ch chan<- *provider.Chunk, messages []provider.Message, text string) {
	usage := provider.EstimateUsage(messages, text)
	emit(ctx, ch, &provider.Chunk{Done: true, Usage: &usage})
}
