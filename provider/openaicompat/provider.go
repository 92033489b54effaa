package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/reverie"
)

// Provider implements reverie.Provider for any OpenAI-compatible API. It
// uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) for body building, streaming, and response parsing.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	headers map[string]string
}

var _ reverie.Provider = (*Provider)(nil)

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the name returned by Name() (default "openai"). Use it to
// distinguish endpoints in logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request-level options (temperature, max tokens)
// applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithHeader adds an extra header to every request. OpenRouter attribution
// headers (HTTP-Referer, X-Title) go through here.
func WithHeader(key, value string) ProviderOption {
	return func(p *Provider) {
		if value != "" {
			p.headers[key] = value
		}
	}
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req reverie.ChatRequest) (reverie.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.opts...)
	if tc := toolChoiceValue(req.ToolChoice); tc != nil {
		body.ToolChoice = tc
	}
	return p.doRequest(ctx, body)
}

// ChatWithTools sends a request with tool definitions; the response may
// contain tool calls.
func (p *Provider) ChatWithTools(ctx context.Context, req reverie.ChatRequest, tools []reverie.ToolDefinition) (reverie.ChatResponse, error) {
	body := BuildBody(req.Messages, tools, p.model, p.opts...)
	if tc := toolChoiceValue(req.ToolChoice); tc != nil {
		body.ToolChoice = tc
	}
	return p.doRequest(ctx, body)
}

// ChatStream streams text deltas into ch, then returns the accumulated
// response. The channel is closed when streaming completes or on error.
func (p *Provider) ChatStream(ctx context.Context, req reverie.ChatRequest, ch chan<- string) (reverie.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.opts...)
	if tc := toolChoiceValue(req.ToolChoice); tc != nil {
		body.ToolChoice = tc
	}
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return reverie.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return reverie.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (reverie.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return reverie.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reverie.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return reverie.ChatResponse{}, &reverie.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &reverie.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &reverie.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &reverie.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: reverie.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
