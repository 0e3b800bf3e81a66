// Package openaicompat implements numina.Provider for any OpenAI-compatible
// chat-completions API: OpenAI, OpenRouter, Groq, Together, Fireworks,
// DeepSeek, Mistral, Ollama, vLLM, LM Studio, Azure OpenAI.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/scarnecchia/numina"
)

// Provider is an OpenAI-compatible chat client.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported to the core (default
// "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates a provider. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the /chat/completions and /models paths
// are appended automatically.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements numina.Provider.
func (p *Provider) Name() string { return p.name }

// --- wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireChoice struct {
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

type wireModel struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type wireModelList struct {
	Data []wireModel `json:"data"`
}

// buildBody maps a core request onto the wire format. System sections
// become leading system messages; batches flatten in order.
func (p *Provider) buildBody(opts numina.ResponseOptions, req numina.Request) wireRequest {
	var messages []wireMessage
	for _, s := range req.System {
		messages = append(messages, wireMessage{Role: "system", Content: s})
	}
	for _, m := range req.Messages {
		messages = append(messages, encodeMessage(m)...)
	}

	body := wireRequest{
		Model:     opts.Model.ID,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		body.Temperature = &t
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return body
}

// encodeMessage lowers one core message onto wire messages. Assistant
// tool-call turns become a single assistant message with tool_calls; tool
// responses become one tool message per response.
func encodeMessage(m numina.Message) []wireMessage {
	calls := m.Content.Calls()
	responses := m.Content.Responses()

	switch {
	case m.Role == numina.RoleTool || len(responses) > 0:
		out := make([]wireMessage, 0, len(responses))
		for _, r := range responses {
			content := r.Content
			if r.IsError {
				content = "error: " + content
			}
			out = append(out, wireMessage{Role: "tool", Content: content, ToolCallID: r.CallID})
		}
		return out
	case len(calls) > 0:
		wire := wireMessage{Role: numina.RoleAssistant, Content: m.Content.PlainText()}
		for _, c := range calls {
			wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
				ID:       c.ID,
				Type:     "function",
				Function: wireFunction{Name: c.Name, Arguments: string(c.Args)},
			})
		}
		return []wireMessage{wire}
	default:
		return []wireMessage{{Role: m.Role, Content: m.Content.PlainText()}}
	}
}

// --- Provider implementation ---

// ListModels implements numina.Provider via GET /models.
func (p *Provider) ListModels(ctx context.Context) ([]numina.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, &numina.ErrProvider{Provider: p.name, Message: err.Error()}
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &numina.ErrProvider{Provider: p.name, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var list wireModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &numina.ErrProvider{Provider: p.name, Message: "decode models: " + err.Error()}
	}
	models := make([]numina.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, numina.EnhanceModelInfo(numina.ModelInfo{
			ID:       m.ID,
			Name:     m.ID,
			Provider: p.name,
		}))
	}
	return models, nil
}

// Complete implements numina.Provider.
func (p *Provider) Complete(ctx context.Context, opts numina.ResponseOptions, req numina.Request) (numina.Response, error) {
	resp, err := p.send(ctx, p.buildBody(opts, req))
	if err != nil {
		return numina.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return numina.Response{}, p.httpErr(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return numina.Response{}, &numina.ErrProvider{Provider: p.name, Message: "decode response: " + err.Error()}
	}
	return parseResponse(wire)
}

// CompleteStream implements numina.Provider over SSE.
func (p *Provider) CompleteStream(ctx context.Context, opts numina.ResponseOptions, req numina.Request) (<-chan numina.ProviderEvent, error) {
	body := p.buildBody(opts, req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.httpErr(resp)
	}

	ch := make(chan numina.ProviderEvent, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		streamSSE(ctx, p.name, resp.Body, ch)
	}()
	return ch, nil
}

func (p *Provider) send(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &numina.ErrProvider{Provider: p.name, Message: "marshal request: " + err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &numina.ErrProvider{Provider: p.name, Message: "create request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &numina.ErrProvider{Provider: p.name, Message: err.Error(), Transient: true}
	}
	return resp, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// httpErr reads the body into an ErrHTTP so the retry wrapper can see the
// status and Retry-After.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &numina.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func parseResponse(wire wireResponse) (numina.Response, error) {
	var out numina.Response
	if wire.Usage != nil {
		out.Usage = numina.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens}
	}
	if len(wire.Choices) == 0 {
		return out, nil
	}
	choice := wire.Choices[0]
	out.StopReason = choice.FinishReason
	if choice.Message == nil {
		return out, nil
	}
	out.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, numina.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

var _ numina.Provider = (*Provider)(nil)
