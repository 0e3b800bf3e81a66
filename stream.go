package numina

import "encoding/json"

// ResponseEventType identifies the kind of agent streaming event.
type ResponseEventType string

const (
	// EventStarted opens every stream.
	EventStarted ResponseEventType = "started"
	// EventTextChunk carries incremental assistant text.
	EventTextChunk ResponseEventType = "text-chunk"
	// EventReasoningChunk carries incremental reasoning text.
	EventReasoningChunk ResponseEventType = "reasoning-chunk"
	// EventToolCallStarted signals a tool is about to run.
	EventToolCallStarted ResponseEventType = "tool-call-started"
	// EventToolCallCompleted carries a finished tool call's result.
	EventToolCallCompleted ResponseEventType = "tool-call-completed"
	// EventComplete closes a successful stream.
	EventComplete ResponseEventType = "complete"
	// EventError closes a failed stream, or reports a recoverable fault
	// mid-stream.
	EventError ResponseEventType = "error"
)

// ResponseEvent is one element of an agent's response stream. The stream
// always terminates with EventComplete or a non-recoverable EventError.
type ResponseEvent struct {
	Type ResponseEventType `json:"type"`

	// Text carries the chunk for text and reasoning events; IsFinal marks
	// the last chunk of the turn.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// Tool-call fields.
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   *ToolResponse   `json:"result,omitempty"`

	// Complete fields. MessageID is the finalized batch's id.
	MessageID Position        `json:"message_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// Error fields.
	ErrMessage  string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// GroupEventType identifies group-level stream framing around per-agent
// response events.
type GroupEventType string

const (
	// GroupStarted opens a routed message's stream.
	GroupStarted GroupEventType = "group-started"
	// GroupAgentStarted marks one member beginning its turn.
	GroupAgentStarted GroupEventType = "agent-started"
	// GroupAgentEvent wraps one member's ResponseEvent.
	GroupAgentEvent GroupEventType = "agent-event"
	// GroupAgentFinished marks one member's terminal event.
	GroupAgentFinished GroupEventType = "agent-finished"
	// GroupNotice carries pattern diagnostics (e.g. direct addressing).
	GroupNotice GroupEventType = "notice"
	// GroupComplete closes the stream after every member's terminal event.
	GroupComplete GroupEventType = "group-complete"
	// GroupError reports a pattern-level failure.
	GroupError GroupEventType = "group-error"
)

// GroupEvent mirrors ResponseEvent but carries the originating agent on
// each element. Events from one agent stay in order; events from different
// agents may interleave.
type GroupEvent struct {
	Type      GroupEventType `json:"type"`
	AgentID   AgentID        `json:"agent_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Event     *ResponseEvent `json:"event,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
	Notice    string         `json:"notice,omitempty"`
	// Outcome rides the GroupComplete event; hosts feed it to the
	// manager's UpdateState.
	Outcome     *RoutingOutcome `json:"outcome,omitempty"`
	ErrMessage  string          `json:"error,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
}
