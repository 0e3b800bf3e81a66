package numina

import (
	"context"
	"log/slog"
	"time"
)

// GroupHost multiplexes messages across the agent runtimes of a group: it
// resolves the pattern's manager, routes, folds the outcome back into the
// group state, and persists the updated group when a store is attached.
// Agents are borrowed per routed message and never outlive the call.
type GroupHost struct {
	store     Store
	selectors *SelectorRegistry
	logger    *slog.Logger

	agents map[AgentID]Agent
}

// GroupHostOption configures a GroupHost.
type GroupHostOption func(*GroupHost)

// WithGroupStore persists group state changes after each routing.
func WithGroupStore(s Store) GroupHostOption {
	return func(h *GroupHost) { h.store = s }
}

// WithSelectors supplies the selector registry for dynamic groups.
func WithSelectors(r *SelectorRegistry) GroupHostOption {
	return func(h *GroupHost) { h.selectors = r }
}

// WithGroupLogger sets the structured logger.
func WithGroupLogger(l *slog.Logger) GroupHostOption {
	return func(h *GroupHost) { h.logger = l }
}

// NewGroupHost builds a host over a set of live agents.
func NewGroupHost(agents []Agent, opts ...GroupHostOption) *GroupHost {
	h := &GroupHost{
		selectors: DefaultSelectors(),
		logger:    nopLogger,
		agents:    make(map[AgentID]Agent, len(agents)),
	}
	for _, a := range agents {
		h.agents[a.ID()] = a
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddAgent registers another live agent.
func (h *GroupHost) AddAgent(a Agent) { h.agents[a.ID()] = a }

// members resolves a group's member list against the live agents,
// dropping members with no loaded runtime.
func (h *GroupHost) members(group *Group) []AgentWithMembership {
	var out []AgentWithMembership
	for _, m := range group.Members {
		agent, ok := h.agents[m.AgentID]
		if !ok {
			h.logger.Warn("group member has no loaded agent", "group", group.Name, "agent", string(m.AgentID))
			continue
		}
		out = append(out, AgentWithMembership{Agent: agent, Membership: m.Membership})
	}
	return out
}

// Route fans msg across the group per its pattern. The returned stream
// mirrors the manager's; the host consumes the Complete outcome to update
// and persist state before forwarding it.
func (h *GroupHost) Route(ctx context.Context, group *Group, msg Message) (<-chan GroupEvent, error) {
	manager, err := ManagerFor(group.Pattern.Kind, h.selectors)
	if err != nil {
		return nil, err
	}
	inner, err := manager.RouteMessage(ctx, group, h.members(group), msg)
	if err != nil {
		return nil, err
	}

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)
		for ev := range inner {
			if ev.Type == GroupComplete && ev.Outcome != nil {
				if next := manager.UpdateState(group.State, *ev.Outcome); next != nil {
					group.State = *next
					group.UpdatedAt = time.Now().UTC()
					if h.store != nil {
						if err := h.store.UpdateGroup(ctx, *group); err != nil {
							h.logger.Warn("persist group state failed", "group", group.Name, "error", err)
						}
					}
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
