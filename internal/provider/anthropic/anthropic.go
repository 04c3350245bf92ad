// Package anthropic implements the adapter for the hoisted-system vendor
// family: system content moves out of the messages array into its own
// field, auth rides an x-api-key header, and the SSE stream is typed by
// event name.
package anthropic

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

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	// The API requires max_tokens; applied when the caller sets none.
	defaultMaxTokens = 4096
)

type Adapter struct {
	baseURL string
	client  *http.Client
}

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature,omitempty"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Content []apiBlock `json:"content"`
	Usage   apiUsage   `json:"usage"`
}

type apiBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string         `json:"type"`
	Message *streamMessage `json:"message,omitempty"`
	Delta   streamDelta    `json:"delta,omitempty"`
	Usage   *apiUsage      `json:"usage,omitempty"`
	Error   *streamError   `json:"error,omitempty"`
}

type streamMessage struct {
	Usage apiUsage `json:"usage"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New() *Adapter {
	return NewWithBaseURL(DefaultBaseURL)
}

func NewWithBaseURL(baseURL string) *Adapter {
	return &Adapter{baseURL: baseURL, client: http.DefaultClient}
}

func (a *Adapter) ID() string {
	return "anthropic"
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
	if len(out.Content) == 0 {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "response contained no content blocks")
	}

	return &provider.Result{
		ID:   out.ID,
		Text: out.Content[0].Text,
		Usage: provider.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		// Vendor-reported usage arrives split across events: input tokens
		// on message_start, output tokens on message_delta.
		usage := provider.Usage{}
		var text strings.Builder

		terminal := func() {
			if usage.TotalTokens == 0 && usage.PromptTokens == 0 {
				est := provider.EstimateUsage(messages, text.String())
				a.emit(ctx, ch, &provider.Chunk{Done: true, Usage: &est})
				return
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			a.emit(ctx, ch, &provider.Chunk{Done: true, Usage: &usage})
		}

		resp, err := a.send(ctx, credential, model, messages, opts, true)
		if err != nil {
			a.emit(ctx, ch, &provider.Chunk{Err: err})
			terminal()
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					a.emit(ctx, ch, &provider.Chunk{Err: provider.ErrUnavailable(a.ID(), err)})
				}
				terminal()
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.PromptTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					text.WriteString(ev.Delta.Text)
					if !a.emit(ctx, ch, &provider.Chunk{Delta: ev.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				terminal()
				return
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				a.emit(ctx, ch, &provider.Chunk{Err: provider.NewError(a.ID(), provider.KindProtocol, "%s", msg)})
				terminal()
				return
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) send(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options, stream bool) (*http.Response, error) {
	body, err := json.Marshal(a.mapRequest(model, messages, opts, stream))
	if err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", apiVersion)

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
	var system string
	var out []apiMessage
	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			system = m.Content
			continue
		}
		role := provider.RoleUser
		if m.Role == provider.RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, apiMessage{Role: role, Content: m.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return apiRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		System:      system,
		Messages:    out,
		Stream:      stream,
	}
}
