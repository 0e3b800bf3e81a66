package numina

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// ChatOptions tune the runtime's provider calls and loop bounds.
type ChatOptions struct {
	// Model is the model id to run; resolved through the defaults
	// registry. Falls back to the record's ModelID.
	Model string
	// MaxTokens caps the output budget; 0 uses the model's cap.
	MaxTokens int
	// Temperature passes through to the provider.
	Temperature float64
	// MaxIterations bounds the outer loop per turn.
	MaxIterations int
	// MessageCap bounds the active window's message count before
	// compression runs.
	MessageCap int
	// RetryAttempts bounds transient provider retries per call.
	RetryAttempts int
	// RetryBaseDelay is the first backoff delay; doubles per attempt,
	// plus jitter.
	RetryBaseDelay time.Duration
}

func (o ChatOptions) withDefaults() ChatOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.MessageCap <= 0 {
		o.MessageCap = 100
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	return o
}

// AgentRuntime hosts one agent: its memory, tools, rule engine,
// compression, provider, endpoints, and message history. It implements
// Agent and MemoryAgent. Only one turn runs at a time per runtime; readers
// (SystemPrompt, memory lookups) stay available between turns.
type AgentRuntime struct {
	// mu guards record, active, and archiveSummary. turnMu serializes
	// turns; it is held for a whole ProcessMessageStream, mu only briefly.
	mu     sync.RWMutex
	turnMu sync.Mutex

	record         AgentRecord
	memory         *Memory
	tools          *ToolRegistry
	rules          *ToolRuleEngine
	compressor     *Compressor
	builder        *ContextBuilder
	provider       Provider
	embedder       EmbeddingProvider
	opts           ChatOptions
	positions      *PositionAllocator
	heartbeats     *HeartbeatChannel
	endpoints      *endpointSet
	store          Store
	consent        ConsentHandler
	tracer         Tracer
	logger         *slog.Logger
	pinnedNotes    []string
	active         []MessageBatch
	archiveSummary string
}

// RuntimeOption configures an AgentRuntime.
type RuntimeOption func(*AgentRuntime)

// WithMemory attaches a shared memory set. Without it the runtime creates
// a private one.
func WithMemory(m *Memory) RuntimeOption {
	return func(r *AgentRuntime) { r.memory = m }
}

// WithTools attaches a populated tool registry.
func WithTools(t *ToolRegistry) RuntimeOption {
	return func(r *AgentRuntime) { r.tools = t }
}

// WithToolRules installs the rule catalog governing tool execution.
func WithToolRules(rules ...ToolRule) RuntimeOption {
	return func(r *AgentRuntime) { r.rules = NewToolRuleEngine(rules) }
}

// WithCompressor sets the history compressor.
func WithCompressor(c *Compressor) RuntimeOption {
	return func(r *AgentRuntime) { r.compressor = c }
}

// WithStore attaches the persistence backend.
func WithStore(s Store) RuntimeOption {
	return func(r *AgentRuntime) { r.store = s }
}

// WithEmbedding attaches an embedding provider for memory blocks.
func WithEmbedding(e EmbeddingProvider) RuntimeOption {
	return func(r *AgentRuntime) { r.embedder = e }
}

// WithHeartbeats attaches the continuation channel.
func WithHeartbeats(h *HeartbeatChannel) RuntimeOption {
	return func(r *AgentRuntime) { r.heartbeats = h }
}

// WithChatOptions overrides the loop and provider tuning.
func WithChatOptions(o ChatOptions) RuntimeOption {
	return func(r *AgentRuntime) { r.opts = o.withDefaults() }
}

// WithConsentHandler installs the resolver for RequiresConsent rules.
func WithConsentHandler(h ConsentHandler) RuntimeOption {
	return func(r *AgentRuntime) { r.consent = h }
}

// WithPinnedNotes appends operator notes to every prompt.
func WithPinnedNotes(notes ...string) RuntimeOption {
	return func(r *AgentRuntime) { r.pinnedNotes = append(r.pinnedNotes, notes...) }
}

// WithTokenCounter overrides the prompt token counter.
func WithTokenCounter(c TokenCounter) RuntimeOption {
	return func(r *AgentRuntime) { r.builder = NewContextBuilder(c) }
}

// WithRuntimeTracer sets the tracer for turn and tool spans.
func WithRuntimeTracer(t Tracer) RuntimeOption {
	return func(r *AgentRuntime) { r.tracer = t }
}

// WithRuntimeLogger sets the structured logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *AgentRuntime) { r.logger = l }
}

// NewAgentRuntime builds a runtime for record against provider.
func NewAgentRuntime(record AgentRecord, provider Provider, opts ...RuntimeOption) *AgentRuntime {
	if record.ID == "" {
		record.ID = NewAgentID()
	}
	if record.State.Kind == "" {
		record.State = Ready()
	}
	r := &AgentRuntime{
		record:    record,
		provider:  provider,
		opts:      ChatOptions{}.withDefaults(),
		positions: NewPositionAllocator(),
		endpoints: newEndpointSet(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.memory == nil {
		r.memory = NewMemory()
	}
	if r.tools == nil {
		r.tools = NewToolRegistry()
	}
	if r.rules == nil {
		r.rules = NewToolRuleEngine(nil)
	}
	if r.compressor == nil {
		r.compressor = NewCompressor(Truncate(r.opts.MessageCap))
	}
	if r.builder == nil {
		r.builder = NewContextBuilder(nil)
	}
	if r.opts.Model == "" {
		r.opts.Model = record.ModelID
	}
	return r
}

// FromRecord rehydrates a runtime from the store: the record, its shared
// memory blocks (via agent_memory edges), and the recent history window.
func FromRecord(ctx context.Context, store Store, id AgentID, provider Provider, opts ...RuntimeOption) (*AgentRuntime, error) {
	record, err := store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	r := NewAgentRuntime(record, provider, append(opts, WithStore(store))...)

	edges, err := store.ListRelations(ctx, "agent_memory", string(id))
	if err != nil {
		return nil, err
	}
	for _, edge := range edges {
		block, err := store.GetMemoryBlock(ctx, MemoryID(edge.To))
		if err != nil {
			var nf *ErrNotFound
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		r.memory.Set(block)
	}

	recent, err := store.RecentBatches(ctx, id, r.opts.MessageCap)
	if err != nil {
		return nil, err
	}
	// RecentBatches is newest-first; the active window is oldest-first.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	r.active = recent
	for i := range recent {
		if last := recent[i].Last(); last != nil {
			r.positions.Seed(last.Position)
		}
	}
	return r, nil
}

// ID implements Agent.
func (r *AgentRuntime) ID() AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record.ID
}

// Name implements Agent.
func (r *AgentRuntime) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record.Name
}

// State implements Agent.
func (r *AgentRuntime) State() AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record.State
}

// Record returns a snapshot of the persisted form.
func (r *AgentRuntime) Record() AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record
}

// Handle returns the read-mostly view tools receive.
func (r *AgentRuntime) Handle() *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Handle{
		id:      r.record.ID,
		ownerID: r.record.OwnerID,
		name:    r.record.Name,
		memory:  r.memory,
		store:   r.store,
	}
}

// SetDefaultUserEndpoint registers the sink that receives messages not
// addressed to a named endpoint.
func (r *AgentRuntime) SetDefaultUserEndpoint(e Endpoint) { r.endpoints.setDefault(e) }

// RegisterEndpoint registers a named sink (another agent, a group, a chat
// channel).
func (r *AgentRuntime) RegisterEndpoint(name string, e Endpoint) { r.endpoints.register(name, e) }

// Deliver dispatches assistant-originated content through the endpoint
// set. The built-in send_message tool calls this via the handle's agent.
func (r *AgentRuntime) Deliver(ctx context.Context, target MessageTarget, content string) error {
	return r.endpoints.deliver(ctx, target, content)
}

// GetMemory implements MemoryAgent.
func (r *AgentRuntime) GetMemory(label string) (MemoryBlock, bool) { return r.memory.Get(label) }

// UpdateMemory implements MemoryAgent. Replaces the block under
// block.Label through an atomic alter, enforcing permission narrowing.
func (r *AgentRuntime) UpdateMemory(label string, block MemoryBlock) error {
	_, err := r.memory.Alter(label, func(string, MemoryBlock) MemoryBlock { return block })
	return err
}

// ListMemoryKeys implements MemoryAgent.
func (r *AgentRuntime) ListMemoryKeys() []string { return r.memory.Labels() }

// AvailableTools implements Agent.
func (r *AgentRuntime) AvailableTools() []ToolDescriptor { return r.tools.Descriptors() }

// SystemPrompt implements Agent: the sections a turn would start from now.
func (r *AgentRuntime) SystemPrompt(ctx context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in := r.contextInputLocked(ModelInfo{ContextWindow: 1 << 20})
	return r.builder.systemSections(in)
}

func (r *AgentRuntime) contextInputLocked(model ModelInfo) ContextInput {
	return ContextInput{
		BaseInstructions: r.record.BaseInstructions,
		Memory:           r.memory,
		Tools:            r.tools.Descriptors(),
		RuleDirectives:   append(r.rules.UsageDescriptions(), r.tools.UsageRules()...),
		PinnedNotes:      r.pinnedNotes,
		ArchiveSummary:   r.archiveSummary,
		ContextWindow:    model.ContextWindow,
		MaxOutputTokens:  CalculateMaxTokens(model, r.opts.MaxTokens),
	}
}

// modelInfo resolves the configured model through the defaults registry.
func (r *AgentRuntime) modelInfo() ModelInfo {
	id := r.opts.Model
	if id == "" {
		id = r.record.ModelID
	}
	return EnhanceModelInfo(ModelInfo{ID: id, Name: id, Provider: r.provider.Name()})
}

// ProcessMessage implements Agent: run one turn, drain the stream, return
// the final assistant text.
func (r *AgentRuntime) ProcessMessage(ctx context.Context, msg Message) (string, error) {
	stream, err := r.ProcessMessageStream(ctx, msg)
	if err != nil {
		return "", err
	}
	var final string
	var failure error
	for ev := range stream {
		switch ev.Type {
		case EventTextChunk:
			if ev.IsFinal {
				final = ev.Text
			}
		case EventError:
			if !ev.Recoverable {
				failure = &ErrProvider{Provider: r.provider.Name(), Message: ev.ErrMessage}
			}
		}
	}
	return final, failure
}

// ProcessMessageStream implements Agent. One turn: allocate a batch,
// iterate build-context → complete → dispatch-tools until the rule engine
// or the model ends the loop, then finalize, persist, compress, and emit
// Complete. The stream always terminates with Complete or a fatal Error.
func (r *AgentRuntime) ProcessMessageStream(ctx context.Context, msg Message) (<-chan ResponseEvent, error) {
	r.turnMu.Lock()
	r.setState(AgentState{Kind: StateProcessing})

	batchType := msg.BatchType
	if batchType == "" {
		batchType = BatchUserRequest
	}
	batch := NewBatch(batchType)
	batch.Append(msg, r.positions)

	ch := make(chan ResponseEvent, 64)
	go func() {
		defer r.turnMu.Unlock()
		defer close(ch)
		r.runTurn(ctx, batch, ch)
	}()
	return ch, nil
}

func (r *AgentRuntime) setState(s AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.State = s
	r.record.UpdatedAt = time.Now().UTC()
}

func (r *AgentRuntime) bumpStats(fn func(*AgentStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.record.Stats)
	r.record.LastActive = time.Now().UTC()
}

func emit(ctx context.Context, ch chan<- ResponseEvent, ev ResponseEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// runTurn is the inner loop body. It owns batch for its duration.
func (r *AgentRuntime) runTurn(ctx context.Context, batch *MessageBatch, ch chan<- ResponseEvent) {
	turnCtx := ctx
	if r.tracer != nil {
		var span Span
		turnCtx, span = r.tracer.Start(ctx, "agent.turn",
			StringAttr("agent", string(r.Record().ID)),
			StringAttr("batch_type", string(batch.Type)))
		defer span.End()
	}

	emit(turnCtx, ch, ResponseEvent{Type: EventStarted})
	r.rules.Reset()

	model := r.modelInfo()
	heartbeatRequested := false
	var finalText string
	fatal := func(message string) {
		emit(turnCtx, ch, ResponseEvent{Type: EventError, ErrMessage: message, Recoverable: false})
		batch.FinalizePartial(r.positions, "cancelled")
		r.persistBatch(turnCtx, batch)
		r.setState(AgentState{Kind: StateError})
	}

	for iter := 0; iter < r.opts.MaxIterations; iter++ {
		prompt := r.buildPrompt(model, batch)
		r.bumpStats(func(s *AgentStats) { s.ContextRebuilds++ })

		req := Request{
			System:   prompt.System,
			Messages: prompt.Messages(),
			Tools:    r.tools.Descriptors(),
		}

		resp, err := r.completeWithRetry(turnCtx, model, req, ch)
		if err != nil {
			if turnCtx.Err() != nil {
				fatal((&ErrCancelled{Reason: turnCtx.Err().Error()}).Error())
				return
			}
			fatal(err.Error())
			return
		}

		if resp.Content != "" {
			finalText = resp.Content
		}
		batch.Append(assistantTurnMessage(resp), r.positions)
		r.bumpStats(func(s *AgentStats) { s.TotalMessages++ })

		if len(resp.ToolCalls) == 0 {
			break
		}

		for _, call := range resp.ToolCalls {
			emit(turnCtx, ch, ResponseEvent{
				Type:     EventToolCallStarted,
				CallID:   call.ID,
				ToolName: call.Name,
				Args:     call.Args,
			})
			out := r.dispatchCall(turnCtx, call, batch.Type)
			if out.RequestHeartbeat {
				heartbeatRequested = true
			}
			batch.Append(ToolResponseMessage(call.ID, out.Content, out.IsError), r.positions)
			r.bumpStats(func(s *AgentStats) {
				s.TotalMessages++
				s.TotalToolCalls++
			})
			emit(turnCtx, ch, ResponseEvent{
				Type:   EventToolCallCompleted,
				CallID: call.ID,
				Result: &ToolResponse{CallID: call.ID, Content: out.Content, IsError: out.IsError},
			})
		}

		if r.rules.ShouldExitLoop() {
			break
		}
		// Tool responses are in the batch; the model needs another pass
		// over them unless a rule ended the loop.
	}

	if finalText != "" {
		emit(turnCtx, ch, ResponseEvent{Type: EventTextChunk, Text: finalText, IsFinal: true})
	}

	if err := batch.Finalize(); err != nil {
		// Unpaired calls at loop exhaustion: close them and keep going.
		batch.FinalizePartial(r.positions, "loop ended before response")
	}
	r.persistBatch(turnCtx, batch)
	r.compressHistory(turnCtx, batch)
	r.setState(Ready())

	emit(turnCtx, ch, ResponseEvent{Type: EventComplete, MessageID: batch.ID})

	if heartbeatRequested && !r.rules.ShouldExitLoop() && r.heartbeats != nil {
		r.heartbeats.Send(turnCtx, Heartbeat{AgentID: r.Record().ID, Reason: "tool requested continuation"})
	}
}

func (r *AgentRuntime) buildPrompt(model ModelInfo, batch *MessageBatch) PromptContext {
	r.mu.RLock()
	in := r.contextInputLocked(model)
	in.Batches = append(append([]MessageBatch(nil), r.active...), *batch)
	r.mu.RUnlock()
	return r.builder.Build(in)
}

// assistantTurnMessage shapes a provider response into one assistant
// message: text, tool calls, or both as parts.
func assistantTurnMessage(resp Response) Message {
	switch {
	case len(resp.ToolCalls) == 0:
		return AssistantMessage(resp.Content)
	case resp.Content == "":
		return AssistantToolCalls(resp.ToolCalls...)
	default:
		parts := []ContentPart{{Type: PartText, Text: resp.Content}}
		for i := range resp.ToolCalls {
			call := resp.ToolCalls[i]
			parts = append(parts, ContentPart{Type: PartToolUse, ToolUse: &call})
		}
		return newMessage(RoleAssistant, PartsContent(parts...))
	}
}

// dispatchCall runs one tool call under the rule engine. Violations become
// error tool outputs without an execution record; consent violations are
// first offered to the consent handler.
func (r *AgentRuntime) dispatchCall(ctx context.Context, call ToolCall, batchType BatchType) ToolOutput {
	if err := r.rules.CanExecute(call.Name); err != nil {
		var consent *ConsentRequired
		if errors.As(err, &consent) && r.consent != nil {
			granted, herr := r.consent.RequestConsent(ctx, ConsentRequest{
				AgentID: r.Record().ID,
				Tool:    call.Name,
				Scope:   consent.Scope,
				Args:    call.Args,
			})
			if herr == nil && granted {
				r.rules.GrantConsent(call.Name)
				err = r.rules.CanExecute(call.Name)
			}
		}
		if err != nil {
			return ToolOutput{Content: err.Error(), IsError: true}
		}
	}

	meta := ExecutionMeta{
		CallerAgentID:  r.Record().ID,
		ConversationID: string(batchType),
		CallID:         call.ID,
	}
	if deadline, ok := ctx.Deadline(); ok {
		meta.Deadline = deadline
	}

	toolCtx := ctx
	if r.tracer != nil {
		var span Span
		toolCtx, span = r.tracer.Start(ctx, "agent.tool",
			StringAttr("tool", call.Name))
		defer span.End()
	}

	out := r.tools.Execute(toolCtx, call.Name, call.Args, meta)
	r.rules.RecordExecution(ToolExecution{
		ToolName: call.Name,
		CallID:   call.ID,
		Success:  !out.IsError,
	})
	return out
}

// completeWithRetry calls the provider's stream, forwarding chunks, and
// retries transient failures with exponential backoff and jitter up to the
// attempt bound. Transient failures surface as recoverable Error events.
func (r *AgentRuntime) completeWithRetry(ctx context.Context, model ModelInfo, req Request, ch chan<- ResponseEvent) (Response, error) {
	opts := NewResponseOptions(model)
	opts.MaxTokens = CalculateMaxTokens(model, r.opts.MaxTokens)
	opts.Temperature = r.opts.Temperature

	var lastErr error
	for attempt := 0; attempt < r.opts.RetryAttempts; attempt++ {
		resp, forwarded, err := r.streamOnce(ctx, opts, req, ch)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		// Never retry once content reached the consumer, and never retry
		// fatal errors.
		if forwarded || !IsTransient(err) || ctx.Err() != nil {
			return Response{}, err
		}
		emit(ctx, ch, ResponseEvent{Type: EventError, ErrMessage: err.Error(), Recoverable: true})
		if attempt < r.opts.RetryAttempts-1 {
			delay := r.opts.RetryBaseDelay * (1 << attempt)
			delay += time.Duration(rand.Int64N(int64(delay)/2 + 1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return Response{}, lastErr
}

// streamOnce runs one provider stream, forwarding text and reasoning
// chunks downstream and assembling the final response. forwarded reports
// whether any event reached the consumer.
func (r *AgentRuntime) streamOnce(ctx context.Context, opts ResponseOptions, req Request, ch chan<- ResponseEvent) (Response, bool, error) {
	stream, err := r.provider.CompleteStream(ctx, opts, req)
	if err != nil {
		return Response{}, false, err
	}

	var (
		resp      Response
		text      strings.Builder
		reasoning strings.Builder
		calls     []ToolCall
		forwarded bool
		done      bool
	)
	for ev := range stream {
		switch ev.Type {
		case ProviderTextDelta:
			text.WriteString(ev.Text)
			forwarded = true
			emit(ctx, ch, ResponseEvent{Type: EventTextChunk, Text: ev.Text})
		case ProviderReasoningDelta:
			reasoning.WriteString(ev.Text)
			forwarded = true
			emit(ctx, ch, ResponseEvent{Type: EventReasoningChunk, Text: ev.Text})
		case ProviderToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case ProviderDone:
			if ev.Response != nil {
				resp = *ev.Response
			}
			done = true
		case ProviderError:
			return Response{}, forwarded, ev.Err
		}
	}
	if !done {
		return Response{}, forwarded, &ErrProvider{Provider: r.provider.Name(), Message: "stream ended without completion", Transient: true}
	}
	if resp.Content == "" {
		resp.Content = text.String()
	}
	if resp.Reasoning == "" {
		resp.Reasoning = reasoning.String()
	}
	if len(resp.ToolCalls) == 0 {
		resp.ToolCalls = calls
	}
	if reasoning.Len() > 0 {
		emit(ctx, ch, ResponseEvent{Type: EventReasoningChunk, Text: "", IsFinal: true})
	}
	return resp, forwarded, nil
}

// persistBatch writes a finalized batch to the store and appends it to the
// active window. Persistence failures log and keep the batch in memory
// only; the batch is not written to the store again.
func (r *AgentRuntime) persistBatch(ctx context.Context, batch *MessageBatch) {
	if r.store != nil {
		if err := r.store.PersistBatch(ctx, r.Record().ID, *batch); err != nil {
			r.logger.Warn("persist batch failed", "agent", r.Record().Name, "batch", int64(batch.ID), "error", err)
		}
	}
	r.mu.Lock()
	r.active = append(r.active, *batch)
	r.mu.Unlock()
}

// compressHistory runs the compressor over the active window after a turn
// and archives what it trims. Archived batches leave the window but their
// persisted messages are never rewritten.
func (r *AgentRuntime) compressHistory(ctx context.Context, batch *MessageBatch) {
	model := r.modelInfo()

	r.mu.RLock()
	in := CompressInput{
		Batches:         append([]MessageBatch(nil), r.active...),
		MessageCap:      r.opts.MessageCap,
		TokenCap:        model.ContextWindow - CalculateMaxTokens(model, r.opts.MaxTokens),
		ExistingSummary: r.archiveSummary,
	}
	sysInput := r.contextInputLocked(model)
	r.mu.RUnlock()
	in.SystemTokens = 0
	for _, s := range r.builder.systemSections(sysInput) {
		in.SystemTokens += r.builder.counter.CountTokens(s)
	}

	result, err := r.compressor.Compress(ctx, in)
	if err != nil {
		r.logger.Warn("compression failed", "agent", r.Record().Name, "error", err)
		return
	}
	if len(result.Archived) == 0 {
		return
	}

	if r.store != nil {
		ids := make([]Position, len(result.Archived))
		for i := range result.Archived {
			ids[i] = result.Archived[i].ID
		}
		if err := r.store.ArchiveBatches(ctx, r.Record().ID, ids); err != nil {
			r.logger.Warn("archive batches failed", "agent", r.Record().Name, "error", err)
		}
	}

	r.mu.Lock()
	r.active = result.Active
	r.archiveSummary = result.Summary
	r.record.Stats.CompressionEvents++
	r.mu.Unlock()
}

// StoreState persists the current record. Memory blocks persist through
// their own edges; message history persists per batch as turns finalize.
func (r *AgentRuntime) StoreState(ctx context.Context) error {
	if r.store == nil {
		return &ErrValidation{Field: "store", Reason: "runtime has no store attached"}
	}
	record := r.Record()
	if err := r.store.UpdateAgent(ctx, record); err != nil {
		var nf *ErrNotFound
		if errors.As(err, &nf) {
			return r.store.CreateAgent(ctx, record)
		}
		return err
	}
	return nil
}

// ShareMemoryBlock persists block and links it to the agent with an
// agent_memory edge carrying the access level, making it visible to
// FromRecord on any agent that shares it.
func (r *AgentRuntime) ShareMemoryBlock(ctx context.Context, block MemoryBlock, access MemoryPermission) error {
	if r.store == nil {
		return &ErrValidation{Field: "store", Reason: "runtime has no store attached"}
	}
	if r.embedder != nil && len(block.Embedding) == 0 && block.Value != "" {
		if vec, err := r.embedder.Embed(ctx, block.Value); err == nil {
			block.Embedding = vec
			block.EmbeddingModel = r.embedder.Name()
		} else {
			r.logger.Warn("embed memory block failed", "label", block.Label, "error", err)
		}
	}
	if err := r.store.CreateMemoryBlock(ctx, block); err != nil {
		return err
	}
	props, _ := json.Marshal(map[string]string{"access": access.String()})
	r.memory.Set(block)
	return r.store.CreateRelation(ctx, Relation{
		ID:        NewRelationID(),
		Kind:      "agent_memory",
		From:      string(r.Record().ID),
		To:        string(block.ID),
		Props:     props,
		CreatedAt: time.Now().UTC(),
	})
}

var (
	_ Agent       = (*AgentRuntime)(nil)
	_ MemoryAgent = (*AgentRuntime)(nil)
)
