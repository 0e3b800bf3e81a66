package numina

import (
	"context"
	"time"
)

// RoundRobinManager picks the next active member in cyclic order for each
// routed message.
type RoundRobinManager struct{}

// NewRoundRobinManager returns the round-robin pattern manager.
func NewRoundRobinManager() *RoundRobinManager { return &RoundRobinManager{} }

// RouteMessage implements GroupManager.
func (m *RoundRobinManager) RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error) {
	active := activeMembers(members)
	if len(active) == 0 {
		return nil, &ErrValidation{Field: "members", Reason: "group has no active members"}
	}

	idx := group.State.CurrentIndex % len(active)
	selected := active[idx]

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)
		sendGroupEvent(ctx, out, GroupEvent{Type: GroupStarted, Pattern: string(PatternRoundRobin)})

		final, _ := runMemberTurn(ctx, out, selected, msg)

		sendGroupEvent(ctx, out, GroupEvent{
			Type: GroupComplete,
			Outcome: &RoutingOutcome{
				SelectedAgents: []AgentID{selected.Agent.ID()},
				FinalResponse:  final,
				CheckedAt:      time.Now().UTC(),
				ActiveCount:    len(active),
			},
		})
	}()
	return out, nil
}

// UpdateState advances the rotation index modulo the active count at the
// routing that just ran.
func (m *RoundRobinManager) UpdateState(current GroupState, outcome RoutingOutcome) *GroupState {
	next := current
	next.CurrentIndex = current.CurrentIndex + 1
	if outcome.ActiveCount > 0 {
		next.CurrentIndex %= outcome.ActiveCount
	}
	next.LastRotation = outcome.CheckedAt
	if next.LastRotation.IsZero() {
		next.LastRotation = time.Now().UTC()
	}
	return &next
}

var _ GroupManager = (*RoundRobinManager)(nil)
