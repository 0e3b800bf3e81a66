package numina

import (
	"encoding/json"
	"time"
)

// User owns agents, groups, and archival memories.
type User struct {
	ID        UserID            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Settings  map[string]string `json:"settings,omitempty"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
}

// AgentStateKind enumerates the lifecycle states of an agent.
type AgentStateKind string

const (
	StateReady      AgentStateKind = "ready"
	StateProcessing AgentStateKind = "processing"
	StateCooldown   AgentStateKind = "cooldown"
	StateSuspended  AgentStateKind = "suspended"
	StateError      AgentStateKind = "error"
)

// AgentState is the agent's current lifecycle state. CooldownUntil is set
// only when Kind is StateCooldown.
type AgentState struct {
	Kind          AgentStateKind `json:"kind"`
	CooldownUntil time.Time      `json:"cooldown_until,omitzero"`
}

// Ready is the zero-value-adjacent default state.
func Ready() AgentState { return AgentState{Kind: StateReady} }

// AgentStats carries the runtime's monotone counters. All fields only ever
// increase.
type AgentStats struct {
	TotalMessages     int64 `json:"total_messages"`
	TotalToolCalls    int64 `json:"total_tool_calls"`
	ContextRebuilds   int64 `json:"context_rebuilds"`
	CompressionEvents int64 `json:"compression_events"`
}

// AgentRecord is the persisted form of an agent.
type AgentRecord struct {
	ID               AgentID    `json:"id"`
	OwnerID          UserID     `json:"owner_id"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	State            AgentState `json:"state"`
	BaseInstructions string     `json:"base_instructions"`
	ModelID          string     `json:"model_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastActive       time.Time  `json:"last_active"`
	Stats            AgentStats `json:"stats"`
}

// Relation is a typed edge between two entities. From and To hold tagged
// identifiers; Kind names the edge type (e.g. "agent_memory",
// "group_member"). Props carries edge attributes such as an access level.
type Relation struct {
	ID        RelationID      `json:"id"`
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Props     json.RawMessage `json:"props,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Constellation is a named set of agents and groups under one owner. It
// exists for export/import; the runtime never routes through it.
type Constellation struct {
	ID        ConstellationID `json:"id"`
	OwnerID   UserID          `json:"owner_id"`
	Name      string          `json:"name"`
	AgentIDs  []AgentID       `json:"agent_ids"`
	GroupIDs  []GroupID       `json:"group_ids"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
