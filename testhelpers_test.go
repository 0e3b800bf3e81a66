package numina

import (
	"context"
	"sync"
)

// scriptProvider returns canned responses in order, recording every
// request it sees. The last response repeats once the script runs out.
type scriptProvider struct {
	mu        sync.Mutex
	name      string
	responses []Response
	err       error
	requests  []Request
	calls     int
}

func (p *scriptProvider) Name() string {
	if p.name == "" {
		return "script"
	}
	return p.name
}

func (p *scriptProvider) ListModels(context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "script-model", Name: "script-model", Provider: p.Name()}}, nil
}

func (p *scriptProvider) next(req Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return Response{}, p.err
	}
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	if idx < 0 {
		return Response{}, nil
	}
	return p.responses[idx], nil
}

func (p *scriptProvider) Complete(_ context.Context, _ ResponseOptions, req Request) (Response, error) {
	return p.next(req)
}

func (p *scriptProvider) CompleteStream(_ context.Context, _ ResponseOptions, req Request) (<-chan ProviderEvent, error) {
	resp, err := p.next(req)
	ch := make(chan ProviderEvent, 4)
	go func() {
		defer close(ch)
		if err != nil {
			ch <- ProviderEvent{Type: ProviderError, Err: err}
			return
		}
		if resp.Content != "" {
			ch <- ProviderEvent{Type: ProviderTextDelta, Text: resp.Content}
		}
		r := resp
		ch <- ProviderEvent{Type: ProviderDone, Response: &r}
	}()
	return ch, nil
}

var _ Provider = (*scriptProvider)(nil)

// seenRequests returns a snapshot of the captured requests.
func (p *scriptProvider) seenRequests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// stubAgent is a canned Agent for coordination tests.
type stubAgent struct {
	id    AgentID
	name  string
	reply string
	err   error

	mu       sync.Mutex
	received []Message
}

func newStubAgent(name, reply string) *stubAgent {
	return &stubAgent{id: NewAgentID(), name: name, reply: reply}
}

func (a *stubAgent) ID() AgentID       { return a.id }
func (a *stubAgent) Name() string      { return a.name }
func (a *stubAgent) State() AgentState { return Ready() }

func (a *stubAgent) SystemPrompt(context.Context) []string { return nil }
func (a *stubAgent) AvailableTools() []ToolDescriptor      { return nil }

func (a *stubAgent) ProcessMessage(ctx context.Context, msg Message) (string, error) {
	a.mu.Lock()
	a.received = append(a.received, msg)
	a.mu.Unlock()
	return a.reply, a.err
}

func (a *stubAgent) ProcessMessageStream(ctx context.Context, msg Message) (<-chan ResponseEvent, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.mu.Lock()
	a.received = append(a.received, msg)
	a.mu.Unlock()

	ch := make(chan ResponseEvent, 4)
	go func() {
		defer close(ch)
		ch <- ResponseEvent{Type: EventStarted}
		ch <- ResponseEvent{Type: EventTextChunk, Text: a.reply, IsFinal: true}
		ch <- ResponseEvent{Type: EventComplete}
	}()
	return ch, nil
}

func (a *stubAgent) lastReceived() *Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.received) == 0 {
		return nil
	}
	m := a.received[len(a.received)-1]
	return &m
}

var _ Agent = (*stubAgent)(nil)

// makeBatch builds a complete batch with one plain message per text,
// alternating user and assistant, for compression tests.
func makeBatch(alloc *PositionAllocator, t BatchType, texts ...string) MessageBatch {
	b := NewBatch(t)
	for i, text := range texts {
		if i%2 == 0 {
			b.Append(UserMessage(text), alloc)
		} else {
			b.Append(AssistantMessage(text), alloc)
		}
	}
	b.Complete = true
	return *b
}
