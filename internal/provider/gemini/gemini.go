// Package gemini implements the adapter for the parts/contents vendor
// family: conversation entries become "contents" with per-part text, the
// assistant role is renamed "model", and the credential travels as a URL
// query parameter rather than a header.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type Adapter struct {
	baseURL string
	client  *http.Client
}

type apiRequest struct {
	Contents         []apiContent `json:"contents"`
	GenerationConfig apiGenConfig `json:"generationConfig,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text string `json:"text"`
}

type apiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type apiResponse struct {
	Candidates    []apiCandidate `json:"candidates"`
	UsageMetadata apiUsageMeta   `json:"usageMetadata"`
}

type apiCandidate struct {
	Content apiContent `json:"content"`
}

type apiUsageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New() *Adapter {
	return NewWithBaseURL(DefaultBaseURL)
}

func NewWithBaseURL(baseURL string) *Adapter {
	return &Adapter{baseURL: baseURL, client: http.DefaultClient}
}

func (a *Adapter) ID() string {
	return "gemini"
}

func (a *Adapter) Invoke(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (*provider.Result, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, model, credential)
	resp, err := a.send(ctx, url, messages, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "decoding response: %v", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "response contained no candidates")
	}

	return &provider.Result{
		Text: out.Candidates[0].Content.Parts[0].Text,
		Usage: provider.Usage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.PromptTokenCount + out.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, credential, model string, messages []provider.Message, opts provider.Options) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		// The streaming endpoint omits usage metadata until (at best) the
		// last event; the terminal chunk therefore carries a flagged
		// estimate unless the vendor happened to report real counts.
		var text strings.Builder
		reported := provider.Usage{}

		terminal := func() {
			if reported.PromptTokens > 0 || reported.CompletionTokens > 0 {
				reported.TotalTokens = reported.PromptTokens + reported.CompletionTokens
				a.emit(ctx, ch, &provider.Chunk{Done: true, Usage: &reported})
				return
			}
			est := provider.EstimateUsage(messages, text.String())
			a.emit(ctx, ch, &provider.Chunk{Done: true, Usage: &est})
		}

		url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", a.baseURL, model, credential)
		resp, err := a.send(ctx, url, messages, opts)
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
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			var out apiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &out); err != nil {
				a.emit(ctx, ch, &provider.Chunk{Err: provider.NewError(a.ID(), provider.KindProtocol, "decoding stream event: %v", err)})
				terminal()
				return
			}

			if out.UsageMetadata.PromptTokenCount > 0 {
				reported.PromptTokens = out.UsageMetadata.PromptTokenCount
				reported.CompletionTokens = out.UsageMetadata.CandidatesTokenCount
			}

			if len(out.Candidates) > 0 && len(out.Candidates[0].Content.Parts) > 0 {
				delta := out.Candidates[0].Content.Parts[0].Text
				if delta != "" {
					text.WriteString(delta)
					if !a.emit(ctx, ch, &provider.Chunk{Delta: delta}) {
						return
					}
				}
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

func (a *Adapter) send(ctx context.Context, url string, messages []provider.Message, opts provider.Options) (*http.Response, error) {
	body, err := json.Marshal(a.mapRequest(messages, opts))
	if err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(a.ID(), provider.KindProtocol, "building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (a *Adapter) mapRequest(messages []provider.Message, opts provider.Options) apiRequest {
	contents := make([]apiContent, len(messages))
	for i, m := range messages {
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents[i] = apiContent{Role: role, Parts: []apiPart{{Text: m.Content}}}
	}
	return apiRequest{
		Contents: contents,
		GenerationConfig: apiGenConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
		},
	}
}
