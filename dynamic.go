package numina

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SelectionContext is what a selector sees when picking members.
type SelectionContext struct {
	Message          Message
	RecentSelections []AgentID
	Config           json.RawMessage
}

// AgentSelector picks zero or more members for a message.
type AgentSelector interface {
	SelectAgents(ctx context.Context, members []AgentWithMembership, sel SelectionContext) ([]AgentWithMembership, error)
}

// SelectorFunc adapts a function to AgentSelector.
type SelectorFunc func(ctx context.Context, members []AgentWithMembership, sel SelectionContext) ([]AgentWithMembership, error)

func (f SelectorFunc) SelectAgents(ctx context.Context, members []AgentWithMembership, sel SelectionContext) ([]AgentWithMembership, error) {
	return f(ctx, members, sel)
}

// SelectorRegistry maps selector names to implementations.
type SelectorRegistry struct {
	mu        sync.RWMutex
	selectors map[string]AgentSelector
}

// NewSelectorRegistry returns an empty registry.
func NewSelectorRegistry() *SelectorRegistry {
	return &SelectorRegistry{selectors: make(map[string]AgentSelector)}
}

// Register installs a selector under name, replacing any previous one.
func (r *SelectorRegistry) Register(name string, s AgentSelector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors[name] = s
}

// Get returns the selector registered under name.
func (r *SelectorRegistry) Get(name string) (AgentSelector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.selectors[name]
	return s, ok
}

// List returns the registered names.
func (r *SelectorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.selectors))
	for n := range r.selectors {
		names = append(names, n)
	}
	return names
}

// DefaultSelectors returns a registry with the built-in selectors:
// "first" (first active member), "least_recent" (the active member
// selected longest ago), and "capability" (members whose capabilities
// contain the config's "capability" string).
func DefaultSelectors() *SelectorRegistry {
	r := NewSelectorRegistry()
	r.Register("first", SelectorFunc(selectFirst))
	r.Register("least_recent", SelectorFunc(selectLeastRecent))
	r.Register("capability", SelectorFunc(selectByCapability))
	return r
}

func selectFirst(_ context.Context, members []AgentWithMembership, _ SelectionContext) ([]AgentWithMembership, error) {
	active := activeMembers(members)
	if len(active) == 0 {
		return nil, nil
	}
	return active[:1], nil
}

func selectLeastRecent(_ context.Context, members []AgentWithMembership, sel SelectionContext) ([]AgentWithMembership, error) {
	active := activeMembers(members)
	if len(active) == 0 {
		return nil, nil
	}
	lastUse := make(map[AgentID]int)
	for i, id := range sel.RecentSelections {
		lastUse[id] = i + 1
	}
	best := active[0]
	bestRank := lastUse[best.Agent.ID()]
	for _, m := range active[1:] {
		if rank := lastUse[m.Agent.ID()]; rank < bestRank {
			best, bestRank = m, rank
		}
	}
	return []AgentWithMembership{best}, nil
}

func selectByCapability(_ context.Context, members []AgentWithMembership, sel SelectionContext) ([]AgentWithMembership, error) {
	var cfg struct {
		Capability string `json:"capability"`
	}
	if len(sel.Config) > 0 {
		if err := json.Unmarshal(sel.Config, &cfg); err != nil {
			return nil, &ErrValidation{Field: "selector_config", Reason: err.Error()}
		}
	}
	var out []AgentWithMembership
	for _, m := range activeMembers(members) {
		for _, c := range m.Membership.Capabilities {
			if strings.EqualFold(c, cfg.Capability) {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

// DynamicManager routes through a named selector, short-circuited by
// direct addressing: a message opening with "«agent»,", "@«agent»",
// "«agent»:", "hey «agent»" and the like picks that agent unconditionally.
type DynamicManager struct {
	selectors *SelectorRegistry
}

// NewDynamicManager returns a dynamic pattern manager over the registry.
func NewDynamicManager(selectors *SelectorRegistry) *DynamicManager {
	return &DynamicManager{selectors: selectors}
}

// RouteMessage implements GroupManager.
func (m *DynamicManager) RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error) {
	if group.Pattern.Kind != PatternDynamic {
		return nil, &ErrValidation{Field: "coordination_pattern", Reason: "group is not dynamic"}
	}

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)

		var selected []AgentWithMembership
		directlyAddressed := false
		if member := directAddressee(members, msg.Content.PlainText()); member != nil {
			selected = []AgentWithMembership{*member}
			directlyAddressed = true
		} else {
			selector, ok := m.selectors.Get(group.Pattern.SelectorName)
			if !ok {
				sendGroupEvent(ctx, out, GroupEvent{
					Type:       GroupError,
					ErrMessage: "selector not found: " + group.Pattern.SelectorName,
				})
				return
			}
			var err error
			selected, err = selector.SelectAgents(ctx, members, SelectionContext{
				Message:          msg,
				RecentSelections: group.State.RecentSelections,
				Config:           group.Pattern.SelectorConfig,
			})
			if err != nil {
				sendGroupEvent(ctx, out, GroupEvent{Type: GroupError, ErrMessage: err.Error()})
				return
			}
		}

		if len(selected) == 0 {
			sendGroupEvent(ctx, out, GroupEvent{
				Type:       GroupError,
				ErrMessage: "no agents selected",
			})
			return
		}

		sendGroupEvent(ctx, out, GroupEvent{
			Type:    GroupStarted,
			Pattern: "dynamic:" + group.Pattern.SelectorName,
		})
		if directlyAddressed {
			sendGroupEvent(ctx, out, GroupEvent{
				Type:      GroupNotice,
				AgentID:   selected[0].Agent.ID(),
				AgentName: selected[0].Agent.Name(),
				Notice:    "direct addressing: selector bypassed",
			})
		}

		var selectedIDs []AgentID
		var final string
		for _, member := range selected {
			text, err := runMemberTurn(ctx, out, member, msg)
			if err != nil {
				continue
			}
			selectedIDs = append(selectedIDs, member.Agent.ID())
			final = text
		}

		sendGroupEvent(ctx, out, GroupEvent{
			Type: GroupComplete,
			Outcome: &RoutingOutcome{
				SelectedAgents: selectedIDs,
				FinalResponse:  final,
				CheckedAt:      time.Now().UTC(),
				ActiveCount:    len(activeMembers(members)),
			},
		})
	}()
	return out, nil
}

// UpdateState appends the selections to the recency window, keeping the
// most recent twenty.
func (m *DynamicManager) UpdateState(current GroupState, outcome RoutingOutcome) *GroupState {
	next := current
	next.RecentSelections = append(append([]AgentID(nil), current.RecentSelections...), outcome.SelectedAgents...)
	const window = 20
	if n := len(next.RecentSelections); n > window {
		next.RecentSelections = next.RecentSelections[n-window:]
	}
	next.LastRotation = outcome.CheckedAt
	return &next
}

// normalizeAddress NFKC-normalizes and case-folds text for addressing
// comparison, so "ENTROPY" and accented variants address the same agent.
// A Caser is stateful; build one per call.
func normalizeAddress(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// directAddressee finds an active member the message directly addresses.
func directAddressee(members []AgentWithMembership, text string) *AgentWithMembership {
	if text == "" {
		return nil
	}
	lower := normalizeAddress(text)
	for i := range members {
		member := members[i]
		if !member.Membership.IsActive {
			continue
		}
		name := normalizeAddress(member.Agent.Name())
		if name == "" {
			continue
		}
		switch {
		case strings.HasPrefix(lower, name+","),
			strings.HasPrefix(lower, name+":"),
			strings.HasPrefix(lower, name+" -"),
			strings.HasPrefix(lower, "hey "+name),
			strings.HasPrefix(lower, "@"+name),
			strings.Contains(lower, "@"+name+" "),
			strings.Contains(lower, "@"+name+","):
			return &member
		}
	}
	return nil
}

var _ GroupManager = (*DynamicManager)(nil)
