package numina

import (
	"context"
	"encoding/json"
	"time"
)

// MemberRole classifies a group member's function within its pattern.
type MemberRole string

const (
	RoleSupervisor MemberRole = "supervisor"
	RoleSpecialist MemberRole = "specialist"
	RoleRegular    MemberRole = "regular"
)

// Membership carries a member's role and standing within one group.
type Membership struct {
	Role         MemberRole `json:"role"`
	JoinedAt     time.Time  `json:"joined_at"`
	IsActive     bool       `json:"is_active"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// GroupMember pairs an agent record with its membership for persistence.
type GroupMember struct {
	AgentID    AgentID    `json:"agent_id"`
	Membership Membership `json:"membership"`
}

// AgentWithMembership pairs a live agent with its membership for routing.
type AgentWithMembership struct {
	Agent      Agent
	Membership Membership
}

// PatternKind names a coordination pattern.
type PatternKind string

const (
	PatternRoundRobin PatternKind = "round_robin"
	PatternPipeline   PatternKind = "pipeline"
	PatternSupervisor PatternKind = "supervisor"
	PatternVoting     PatternKind = "voting"
	PatternDynamic    PatternKind = "dynamic"
	PatternSleeptime  PatternKind = "sleeptime"
)

// CoordinationPattern is the tagged configuration of a group's routing
// strategy. Only the fields for Kind are meaningful.
type CoordinationPattern struct {
	Kind PatternKind `json:"kind"`

	// Supervisor.
	SupervisorID AgentID `json:"supervisor_id,omitempty"`

	// Voting.
	Quorum int `json:"quorum,omitempty"`

	// Dynamic.
	SelectorName   string          `json:"selector_name,omitempty"`
	SelectorConfig json.RawMessage `json:"selector_config,omitempty"`

	// Sleeptime.
	CheckInterval       time.Duration      `json:"check_interval,omitempty"`
	Triggers            []SleeptimeTrigger `json:"triggers,omitempty"`
	InterventionAgentID AgentID            `json:"intervention_agent_id,omitempty"`
}

// GroupState is the tagged per-pattern state, serialized as one closed
// union. Only the fields for the group's pattern are meaningful.
type GroupState struct {
	// Round-robin and sleeptime rotation.
	CurrentIndex int       `json:"current_index,omitempty"`
	LastRotation time.Time `json:"last_rotation,omitzero"`

	// Dynamic.
	RecentSelections []AgentID `json:"recent_selections,omitempty"`

	// Sleeptime.
	LastCheck      time.Time       `json:"last_check,omitzero"`
	TriggerHistory []TriggerRecord `json:"trigger_history,omitempty"`
}

// TriggerRecord is one fired sleeptime trigger.
type TriggerRecord struct {
	Name    string    `json:"name"`
	FiredAt time.Time `json:"fired_at"`
}

// Group is the persisted form of a coordination group.
type Group struct {
	ID          GroupID             `json:"id"`
	OwnerID     UserID              `json:"owner_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Pattern     CoordinationPattern `json:"coordination_pattern"`
	State       GroupState          `json:"state"`
	IsActive    bool                `json:"is_active"`
	Members     []GroupMember       `json:"members"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// RoutingOutcome summarizes one completed routing for state folding. The
// GroupComplete event carries it; hosts pass it to UpdateState.
type RoutingOutcome struct {
	SelectedAgents []AgentID       `json:"selected_agents,omitempty"`
	FinalResponse  string          `json:"final_response,omitempty"`
	FiredTriggers  []TriggerRecord `json:"fired_triggers,omitempty"`
	CheckedAt      time.Time       `json:"checked_at,omitzero"`
	// ActiveCount is the number of active members at routing time, for
	// modular rotation.
	ActiveCount int `json:"active_count,omitempty"`
}

// GroupManager routes one message across a group's members and folds the
// outcome back into the group's state. Implementations stream GroupEvents;
// within one call, one agent's events stay ordered while different agents'
// events may interleave, and GroupComplete follows every member's terminal
// event.
type GroupManager interface {
	// RouteMessage fans msg across members per the group's pattern. The
	// returned channel closes after GroupComplete or a terminal
	// GroupError.
	RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error)
	// UpdateState folds a completed routing's outcome into the state.
	// A nil return means no change.
	UpdateState(current GroupState, outcome RoutingOutcome) *GroupState
}

// ManagerFor returns the manager for a pattern kind. Dynamic groups need
// the selector registry; others ignore it.
func ManagerFor(kind PatternKind, selectors *SelectorRegistry) (GroupManager, error) {
	switch kind {
	case PatternRoundRobin:
		return NewRoundRobinManager(), nil
	case PatternPipeline:
		return NewPipelineManager(), nil
	case PatternSupervisor:
		return NewSupervisorManager(), nil
	case PatternVoting:
		return NewVotingManager(), nil
	case PatternDynamic:
		if selectors == nil {
			selectors = DefaultSelectors()
		}
		return NewDynamicManager(selectors), nil
	case PatternSleeptime:
		return NewSleeptimeManager(), nil
	default:
		return nil, &ErrValidation{Field: "coordination_pattern", Reason: "unknown pattern: " + string(kind)}
	}
}

// activeMembers filters members to those marked active.
func activeMembers(members []AgentWithMembership) []AgentWithMembership {
	var out []AgentWithMembership
	for _, m := range members {
		if m.Membership.IsActive {
			out = append(out, m)
		}
	}
	return out
}

// forwardAgentStream relays one agent's response events into the group
// channel, wrapped with the agent's identity, and returns the agent's
// final text. Relative order within the agent's stream is preserved.
func forwardAgentStream(ctx context.Context, out chan<- GroupEvent, agent Agent, stream <-chan ResponseEvent) string {
	var final string
	for ev := range stream {
		if ev.Type == EventTextChunk && ev.IsFinal {
			final = ev.Text
		}
		event := ev
		sendGroupEvent(ctx, out, GroupEvent{
			Type:      GroupAgentEvent,
			AgentID:   agent.ID(),
			AgentName: agent.Name(),
			Event:     &event,
		})
	}
	return final
}

func sendGroupEvent(ctx context.Context, ch chan<- GroupEvent, ev GroupEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// runMemberTurn streams one member's turn into the group channel, framed
// by AgentStarted / AgentFinished, and returns the member's final text.
func runMemberTurn(ctx context.Context, out chan<- GroupEvent, member AgentWithMembership, msg Message) (string, error) {
	agent := member.Agent
	sendGroupEvent(ctx, out, GroupEvent{Type: GroupAgentStarted, AgentID: agent.ID(), AgentName: agent.Name()})
	stream, err := agent.ProcessMessageStream(ctx, msg)
	if err != nil {
		sendGroupEvent(ctx, out, GroupEvent{
			Type: GroupError, AgentID: agent.ID(), ErrMessage: err.Error(), Recoverable: true,
		})
		return "", err
	}
	final := forwardAgentStream(ctx, out, agent, stream)
	sendGroupEvent(ctx, out, GroupEvent{Type: GroupAgentFinished, AgentID: agent.ID(), AgentName: agent.Name()})
	return final, nil
}
