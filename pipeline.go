package numina

import (
	"context"
	"time"
)

// PipelineManager flows a message through the active members in order,
// each receiving the previous member's assistant output as its input.
type PipelineManager struct{}

// NewPipelineManager returns the pipeline pattern manager.
func NewPipelineManager() *PipelineManager { return &PipelineManager{} }

// RouteMessage implements GroupManager.
func (m *PipelineManager) RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error) {
	active := activeMembers(members)
	if len(active) == 0 {
		return nil, &ErrValidation{Field: "members", Reason: "group has no active members"}
	}

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)
		sendGroupEvent(ctx, out, GroupEvent{Type: GroupStarted, Pattern: string(PatternPipeline)})

		var selected []AgentID
		current := msg
		var final string
		for i, member := range active {
			if ctx.Err() != nil {
				sendGroupEvent(ctx, out, GroupEvent{Type: GroupError, ErrMessage: ctx.Err().Error()})
				return
			}
			text, err := runMemberTurn(ctx, out, member, current)
			if err != nil {
				// A broken stage breaks the pipe; downstream members never
				// see a half-formed input.
				sendGroupEvent(ctx, out, GroupEvent{
					Type:       GroupError,
					AgentID:    member.Agent.ID(),
					ErrMessage: err.Error(),
				})
				return
			}
			selected = append(selected, member.Agent.ID())
			final = text
			if i < len(active)-1 {
				next := UserMessage(text)
				next.BatchType = msg.BatchType
				current = next
			}
		}

		sendGroupEvent(ctx, out, GroupEvent{
			Type: GroupComplete,
			Outcome: &RoutingOutcome{
				SelectedAgents: selected,
				FinalResponse:  final,
				CheckedAt:      time.Now().UTC(),
				ActiveCount:    len(active),
			},
		})
	}()
	return out, nil
}

// UpdateState records the rotation stamp; pipelines carry no positional
// state between routings.
func (m *PipelineManager) UpdateState(current GroupState, outcome RoutingOutcome) *GroupState {
	next := current
	next.LastRotation = outcome.CheckedAt
	return &next
}

var _ GroupManager = (*PipelineManager)(nil)
