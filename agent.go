package numina

import "context"

// Agent is the surface a coordinator or chat adapter drives. AgentRuntime
// is the standard implementation; patterns and hosts depend only on this
// interface.
type Agent interface {
	// ID returns the agent's identifier.
	ID() AgentID
	// Name returns the agent's display name, used for direct addressing.
	Name() string
	// State returns the agent's current lifecycle state.
	State() AgentState

	// ProcessMessage runs one full turn and returns the final assistant
	// text. It drains the stream internally.
	ProcessMessage(ctx context.Context, msg Message) (string, error)
	// ProcessMessageStream runs one turn, emitting events as they happen.
	// The returned channel is closed after a terminal Complete or Error
	// event. Preferred over ProcessMessage.
	ProcessMessageStream(ctx context.Context, msg Message) (<-chan ResponseEvent, error)

	// SystemPrompt returns the current system sections, in prompt order.
	SystemPrompt(ctx context.Context) []string
	// AvailableTools returns descriptors for the registered tools.
	AvailableTools() []ToolDescriptor
}

// MemoryAgent extends Agent with direct memory access, used by hosts and
// debugging surfaces.
type MemoryAgent interface {
	Agent
	GetMemory(label string) (MemoryBlock, bool)
	UpdateMemory(label string, block MemoryBlock) error
	ListMemoryKeys() []string
}
