package numina

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// SupervisorManager routes through a designated supervisor member. The
// supervisor's own stream is forwarded unchanged; when its response names
// delegation targets, the message is relayed to them and their streams
// follow the supervisor's.
type SupervisorManager struct{}

// NewSupervisorManager returns the supervisor pattern manager.
func NewSupervisorManager() *SupervisorManager { return &SupervisorManager{} }

// supervisorDelegation is the structured form a supervisor may embed in
// its response to hand the message on: {"delegate_to": ["name", ...]}.
type supervisorDelegation struct {
	DelegateTo []string `json:"delegate_to"`
}

// RouteMessage implements GroupManager.
func (m *SupervisorManager) RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error) {
	supervisor, rest := splitSupervisor(group, members)
	if supervisor == nil {
		return nil, &ErrValidation{Field: "members", Reason: "group has no supervisor member"}
	}

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)
		sendGroupEvent(ctx, out, GroupEvent{Type: GroupStarted, Pattern: string(PatternSupervisor)})

		selected := []AgentID{supervisor.Agent.ID()}
		final, err := runMemberTurn(ctx, out, *supervisor, msg)
		if err != nil {
			sendGroupEvent(ctx, out, GroupEvent{Type: GroupError, AgentID: supervisor.Agent.ID(), ErrMessage: err.Error()})
			return
		}

		// Delegation: the supervisor's response may carry a JSON
		// delegate_to list; matching active members then receive the
		// original message.
		for _, target := range parseDelegation(final) {
			member := findMemberByName(rest, target)
			if member == nil {
				sendGroupEvent(ctx, out, GroupEvent{
					Type:   GroupNotice,
					Notice: "supervisor delegated to unknown member: " + target,
				})
				continue
			}
			text, err := runMemberTurn(ctx, out, *member, msg)
			if err != nil {
				continue
			}
			selected = append(selected, member.Agent.ID())
			final = text
		}

		sendGroupEvent(ctx, out, GroupEvent{
			Type: GroupComplete,
			Outcome: &RoutingOutcome{
				SelectedAgents: selected,
				FinalResponse:  final,
				CheckedAt:      time.Now().UTC(),
				ActiveCount:    len(activeMembers(members)),
			},
		})
	}()
	return out, nil
}

// UpdateState records the rotation stamp.
func (m *SupervisorManager) UpdateState(current GroupState, outcome RoutingOutcome) *GroupState {
	next := current
	next.LastRotation = outcome.CheckedAt
	return &next
}

// splitSupervisor finds the supervisor member: the configured id when the
// pattern names one, else the first member with the supervisor role.
func splitSupervisor(group *Group, members []AgentWithMembership) (*AgentWithMembership, []AgentWithMembership) {
	var supervisor *AgentWithMembership
	var rest []AgentWithMembership
	for i := range members {
		member := members[i]
		isSupervisor := member.Membership.Role == RoleSupervisor
		if group.Pattern.SupervisorID != "" {
			isSupervisor = member.Agent.ID() == group.Pattern.SupervisorID
		}
		if isSupervisor && supervisor == nil {
			supervisor = &member
		} else if member.Membership.IsActive {
			rest = append(rest, member)
		}
	}
	return supervisor, rest
}

func parseDelegation(response string) []string {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil
	}
	var d supervisorDelegation
	if err := json.Unmarshal([]byte(response[start:end+1]), &d); err != nil {
		return nil
	}
	return d.DelegateTo
}

func findMemberByName(members []AgentWithMembership, name string) *AgentWithMembership {
	for i := range members {
		if strings.EqualFold(members[i].Agent.Name(), name) {
			return &members[i]
		}
	}
	return nil
}

var _ GroupManager = (*SupervisorManager)(nil)
