package numina

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// echoTool returns its input text.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo text back." }
func (echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (echoTool) Execute(_ context.Context, input json.RawMessage, _ ExecutionMeta) (ToolOutput, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ToolOutput{}, err
	}
	return ToolOutput{Content: in.Text}, nil
}

// markerTool succeeds with a fixed payload; used for rule scenarios.
type markerTool struct {
	name      string
	heartbeat bool
}

func (t markerTool) Name() string        { return t.name }
func (t markerTool) Description() string { return "Marker tool." }
func (t markerTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}
func (t markerTool) Execute(context.Context, json.RawMessage, ExecutionMeta) (ToolOutput, error) {
	return ToolOutput{Content: "ok", RequestHeartbeat: t.heartbeat}, nil
}

func newTestRuntime(t *testing.T, provider Provider, opts ...RuntimeOption) *AgentRuntime {
	t.Helper()
	record := AgentRecord{
		Name:             "tester",
		Type:             "assistant",
		BaseInstructions: "Be useful.",
		ModelID:          "gpt-4o-mini",
	}
	return NewAgentRuntime(record, provider, opts...)
}

func drain(t *testing.T, stream <-chan ResponseEvent) []ResponseEvent {
	t.Helper()
	var events []ResponseEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func eventTypes(events []ResponseEvent) []ResponseEventType {
	out := make([]ResponseEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSingleTurnEcho(t *testing.T) {
	provider := &scriptProvider{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)}}},
		{Content: "hi"},
	}}
	tools := NewToolRegistry()
	if err := tools.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := newTestRuntime(t, provider, WithTools(tools))

	stream, err := r.ProcessMessageStream(context.Background(), UserMessage("hi"))
	if err != nil {
		t.Fatalf("ProcessMessageStream: %v", err)
	}
	events := drain(t, stream)

	var sawStart, sawToolStart, sawToolDone, sawFinalText, sawComplete bool
	for _, ev := range events {
		switch ev.Type {
		case EventStarted:
			sawStart = true
		case EventToolCallStarted:
			sawToolStart = true
			if ev.ToolName != "echo" {
				t.Errorf("tool name = %q", ev.ToolName)
			}
		case EventToolCallCompleted:
			sawToolDone = true
			if ev.Result == nil || ev.Result.Content != "hi" || ev.Result.IsError {
				t.Errorf("tool result = %+v", ev.Result)
			}
		case EventTextChunk:
			if ev.IsFinal && ev.Text == "hi" {
				sawFinalText = true
			}
		case EventComplete:
			sawComplete = true
		}
	}
	if !sawStart || !sawToolStart || !sawToolDone || !sawFinalText || !sawComplete {
		t.Fatalf("missing events: %v", eventTypes(events))
	}

	// Batch: user + assistant(call) + tool response + assistant text.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.active) != 1 {
		t.Fatalf("active window has %d batches", len(r.active))
	}
	batch := r.active[0]
	if !batch.Complete || !batch.ToolCallsPaired() {
		t.Error("batch not complete / paired")
	}
	if r.record.Stats.TotalToolCalls != 1 {
		t.Errorf("tool call counter = %d", r.record.Stats.TotalToolCalls)
	}
}

func TestStartConstraintGate(t *testing.T) {
	provider := &scriptProvider{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "search", Args: json.RawMessage(`{}`)}}},
		{ToolCalls: []ToolCall{{ID: "c2", Name: "init", Args: json.RawMessage(`{}`)}}},
		{ToolCalls: []ToolCall{{ID: "c3", Name: "search", Args: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	tools := NewToolRegistry()
	_ = tools.Register(markerTool{name: "init"})
	_ = tools.Register(markerTool{name: "search"})
	r := newTestRuntime(t, provider,
		WithTools(tools),
		WithToolRules(StartConstraintRule("init")),
	)

	stream, err := r.ProcessMessageStream(context.Background(), UserMessage("find things"))
	if err != nil {
		t.Fatalf("ProcessMessageStream: %v", err)
	}
	events := drain(t, stream)

	var results []*ToolResponse
	for _, ev := range events {
		if ev.Type == EventToolCallCompleted {
			results = append(results, ev.Result)
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d tool results", len(results))
	}
	// First search blocked with the start-constraint diagnostic naming
	// the required start tool.
	if !results[0].IsError {
		t.Errorf("blocked search result = %+v", results[0])
	}
	if !strings.Contains(results[0].Content, "init") {
		t.Errorf("violation does not name the start tool: %q", results[0].Content)
	}
	// init and the retried search succeed.
	if results[1].IsError || results[2].IsError {
		t.Errorf("later results = %+v, %+v", results[1], results[2])
	}
}

func TestCooldownViolationWithinTurn(t *testing.T) {
	provider := &scriptProvider{responses: []Response{
		{ToolCalls: []ToolCall{
			{ID: "c1", Name: "api", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: "api", Args: json.RawMessage(`{}`)},
		}},
		{Content: "done"},
	}}
	tools := NewToolRegistry()
	_ = tools.Register(markerTool{name: "api"})
	r := newTestRuntime(t, provider,
		WithTools(tools),
		WithToolRules(CooldownRule("api", 2*time.Second)),
	)

	stream, err := r.ProcessMessageStream(context.Background(), UserMessage("hit it twice"))
	if err != nil {
		t.Fatalf("ProcessMessageStream: %v", err)
	}
	events := drain(t, stream)

	var results []*ToolResponse
	for _, ev := range events {
		if ev.Type == EventToolCallCompleted {
			results = append(results, ev.Result)
		}
	}
	if len(results) != 2 {
		t.Fatalf("got %d tool results", len(results))
	}
	if results[0].IsError {
		t.Errorf("first call errored: %+v", results[0])
	}
	if !results[1].IsError || !strings.Contains(results[1].Content, "cooling down") {
		t.Errorf("second call = %+v, want cooldown violation", results[1])
	}
	// One execution recorded, not two.
	if got := len(r.rules.History()); got != 1 {
		t.Errorf("recorded executions = %d, want 1", got)
	}
}

func TestExitLoopEndsTurn(t *testing.T) {
	provider := &scriptProvider{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "finish", Args: json.RawMessage(`{}`)}}},
		{Content: "should never be requested"},
	}}
	tools := NewToolRegistry()
	_ = tools.Register(markerTool{name: "finish"})
	r := newTestRuntime(t, provider,
		WithTools(tools),
		WithToolRules(ExitLoopRule("finish")),
	)

	stream, _ := r.ProcessMessageStream(context.Background(), UserMessage("wrap up"))
	drain(t, stream)

	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1 (exit-loop ends the turn)", provider.calls)
	}
}

func TestHeartbeatRequestedByTool(t *testing.T) {
	provider := &scriptProvider{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "ping", Args: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	tools := NewToolRegistry()
	_ = tools.Register(markerTool{name: "ping", heartbeat: true})
	hb := NewHeartbeatChannel(1)
	r := newTestRuntime(t, provider, WithTools(tools), WithHeartbeats(hb))

	stream, _ := r.ProcessMessageStream(context.Background(), UserMessage("go"))
	drain(t, stream)

	select {
	case beat := <-hb.Subscribe():
		if beat.AgentID != r.ID() {
			t.Errorf("heartbeat agent = %s", beat.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat delivered")
	}
}

func TestFatalProviderErrorFinalizesBatch(t *testing.T) {
	provider := &scriptProvider{err: &ErrProvider{Provider: "script", Message: "boom", Transient: false}}
	r := newTestRuntime(t, provider)

	stream, err := r.ProcessMessageStream(context.Background(), UserMessage("hello"))
	if err != nil {
		t.Fatalf("ProcessMessageStream: %v", err)
	}
	events := drain(t, stream)

	last := events[len(events)-1]
	if last.Type != EventError || last.Recoverable {
		t.Fatalf("terminal event = %+v, want fatal error", last)
	}
	if r.State().Kind != StateError {
		t.Errorf("agent state = %v", r.State().Kind)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.active) != 1 || !r.active[0].Complete {
		t.Error("failed batch not finalized in place")
	}
}

func TestTransientProviderErrorRetries(t *testing.T) {
	provider := &flakyProvider{failures: 2, response: Response{Content: "recovered"}}
	r := newTestRuntime(t, provider, WithChatOptions(ChatOptions{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	}))

	got, err := r.ProcessMessage(context.Background(), UserMessage("retry me"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if got != "recovered" {
		t.Errorf("response = %q", got)
	}
}

// flakyProvider fails its first n stream attempts with a transient error.
type flakyProvider struct {
	failures int
	response Response
	calls    int
}

func (p *flakyProvider) Name() string { return "flaky" }
func (p *flakyProvider) ListModels(context.Context) ([]ModelInfo, error) {
	return nil, nil
}
func (p *flakyProvider) Complete(context.Context, ResponseOptions, Request) (Response, error) {
	return p.response, nil
}
func (p *flakyProvider) CompleteStream(context.Context, ResponseOptions, Request) (<-chan ProviderEvent, error) {
	p.calls++
	ch := make(chan ProviderEvent, 2)
	go func() {
		defer close(ch)
		if p.calls <= p.failures {
			ch <- ProviderEvent{Type: ProviderError, Err: &ErrHTTP{Status: 503, Body: "unavailable"}}
			return
		}
		r := p.response
		ch <- ProviderEvent{Type: ProviderDone, Response: &r}
	}()
	return ch, nil
}

func TestExclusiveTurnGuard(t *testing.T) {
	provider := &scriptProvider{responses: []Response{{Content: "first"}}}
	r := newTestRuntime(t, provider)

	stream1, _ := r.ProcessMessageStream(context.Background(), UserMessage("one"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		stream2, _ := r.ProcessMessageStream(context.Background(), UserMessage("two"))
		for range stream2 {
		}
	}()
	drain(t, stream1)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second turn never ran after first completed")
	}
}
