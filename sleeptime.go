package numina

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// TriggerKind names a sleeptime trigger condition.
type TriggerKind string

const (
	// TriggerTimeElapsed fires when the trigger has not fired within its
	// duration.
	TriggerTimeElapsed TriggerKind = "time_elapsed"
	// TriggerPatternDetected fires when the observed text matches the
	// trigger's pattern.
	TriggerPatternDetected TriggerKind = "pattern_detected"
	// TriggerThresholdExceeded fires when the observed value exceeds the
	// threshold.
	TriggerThresholdExceeded TriggerKind = "threshold_exceeded"
	// TriggerCustom delegates to a host-registered evaluator.
	TriggerCustom TriggerKind = "custom"
)

// SleeptimeTrigger is one monitored condition. Only the fields for Kind
// are meaningful.
type SleeptimeTrigger struct {
	Name     string      `json:"name"`
	Kind     TriggerKind `json:"kind"`
	Priority uint8       `json:"priority,omitempty"`

	// TimeElapsed.
	Every time.Duration `json:"every,omitempty"`

	// PatternDetected: a regular expression matched against the check
	// message's text.
	Pattern string `json:"pattern,omitempty"`

	// ThresholdExceeded: the observed value arrives as the check
	// message's text, parsed as a float.
	Threshold float64 `json:"threshold,omitempty"`

	// Custom: the evaluator name registered with the manager.
	Evaluator string `json:"evaluator,omitempty"`
}

// TriggerEvaluator decides a custom trigger. The history holds prior
// firings of all triggers, newest last.
type TriggerEvaluator func(ctx context.Context, trigger SleeptimeTrigger, msg Message, history []TriggerRecord) (bool, error)

// SleeptimeManager runs periodic, non-user-driven checks. The host invokes
// RouteMessage on its schedule; fired triggers synthesize an intervention
// addressed to the configured intervention agent, or round-robin across
// active members when none is configured.
type SleeptimeManager struct {
	evaluators map[string]TriggerEvaluator
	now        func() time.Time
}

// NewSleeptimeManager returns a sleeptime pattern manager.
func NewSleeptimeManager() *SleeptimeManager {
	return &SleeptimeManager{
		evaluators: make(map[string]TriggerEvaluator),
		now:        time.Now,
	}
}

// RegisterEvaluator installs the evaluator for custom triggers named by
// their Evaluator field.
func (m *SleeptimeManager) RegisterEvaluator(name string, fn TriggerEvaluator) {
	m.evaluators[name] = fn
}

// RouteMessage implements GroupManager. msg is the host's check message;
// its text feeds pattern and threshold triggers.
func (m *SleeptimeManager) RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error) {
	if group.Pattern.Kind != PatternSleeptime {
		return nil, &ErrValidation{Field: "coordination_pattern", Reason: "group is not sleeptime"}
	}

	active := activeMembers(members)
	if len(active) == 0 {
		return nil, &ErrValidation{Field: "members", Reason: "group has no active members"}
	}

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)
		now := m.now().UTC()
		sendGroupEvent(ctx, out, GroupEvent{Type: GroupStarted, Pattern: string(PatternSleeptime)})

		// Outside the check interval this invocation is a no-op; the
		// outcome carries the unchanged last_check.
		lastCheck := group.State.LastCheck
		interval := group.Pattern.CheckInterval
		if interval <= 0 {
			interval = 20 * time.Minute
		}
		if !lastCheck.IsZero() && now.Sub(lastCheck) < interval {
			sendGroupEvent(ctx, out, GroupEvent{Type: GroupNotice, Notice: "check interval not elapsed"})
			sendGroupEvent(ctx, out, GroupEvent{
				Type:    GroupComplete,
				Outcome: &RoutingOutcome{CheckedAt: group.State.LastCheck, ActiveCount: len(active)},
			})
			return
		}

		// Evaluate all triggers; highest priority first in the fired list.
		var fired []SleeptimeTrigger
		for _, trigger := range group.Pattern.Triggers {
			ok, err := m.evaluate(ctx, trigger, msg, group.State.TriggerHistory, now)
			if err != nil {
				sendGroupEvent(ctx, out, GroupEvent{
					Type:   GroupNotice,
					Notice: fmt.Sprintf("trigger %s: %v", trigger.Name, err),
				})
				continue
			}
			if ok {
				fired = append(fired, trigger)
			}
		}
		for i := 1; i < len(fired); i++ {
			for j := i; j > 0 && fired[j].Priority > fired[j-1].Priority; j-- {
				fired[j], fired[j-1] = fired[j-1], fired[j]
			}
		}

		outcome := RoutingOutcome{CheckedAt: now, ActiveCount: len(active)}
		for _, t := range fired {
			outcome.FiredTriggers = append(outcome.FiredTriggers, TriggerRecord{Name: t.Name, FiredAt: now})
		}

		if len(fired) == 0 {
			sendGroupEvent(ctx, out, GroupEvent{Type: GroupNotice, Notice: "no triggers fired"})
			sendGroupEvent(ctx, out, GroupEvent{Type: GroupComplete, Outcome: &outcome})
			return
		}

		// Pick the intervention agent: the configured one, else rotate.
		target := findMemberByID(active, group.Pattern.InterventionAgentID)
		if target == nil {
			target = &active[group.State.CurrentIndex%len(active)]
		}

		intervention := SystemMessage(interventionText(fired, msg.Content.PlainText()))
		intervention.BatchType = BatchSleeptimeCheck

		text, err := runMemberTurn(ctx, out, *target, intervention)
		if err == nil {
			outcome.SelectedAgents = []AgentID{target.Agent.ID()}
			outcome.FinalResponse = text
		}

		sendGroupEvent(ctx, out, GroupEvent{Type: GroupComplete, Outcome: &outcome})
	}()
	return out, nil
}

// UpdateState advances last_check, appends fired triggers to the history,
// and rotates the fallback index when an agent was activated.
func (m *SleeptimeManager) UpdateState(current GroupState, outcome RoutingOutcome) *GroupState {
	next := current
	if !outcome.CheckedAt.IsZero() {
		next.LastCheck = outcome.CheckedAt
	}
	next.TriggerHistory = append(append([]TriggerRecord(nil), current.TriggerHistory...), outcome.FiredTriggers...)
	const historyWindow = 100
	if n := len(next.TriggerHistory); n > historyWindow {
		next.TriggerHistory = next.TriggerHistory[n-historyWindow:]
	}
	if len(outcome.SelectedAgents) > 0 && outcome.ActiveCount > 0 {
		next.CurrentIndex = (current.CurrentIndex + 1) % outcome.ActiveCount
	}
	return &next
}

func (m *SleeptimeManager) evaluate(ctx context.Context, trigger SleeptimeTrigger, msg Message, history []TriggerRecord, now time.Time) (bool, error) {
	switch trigger.Kind {
	case TriggerTimeElapsed:
		last := lastFiring(history, trigger.Name)
		if last.IsZero() {
			return true, nil
		}
		return now.Sub(last) >= trigger.Every, nil
	case TriggerPatternDetected:
		re, err := regexp.Compile(trigger.Pattern)
		if err != nil {
			return false, &ErrValidation{Field: "pattern", Reason: err.Error()}
		}
		return re.MatchString(msg.Content.PlainText()), nil
	case TriggerThresholdExceeded:
		var value float64
		if _, err := fmt.Sscanf(strings.TrimSpace(msg.Content.PlainText()), "%f", &value); err != nil {
			return false, nil
		}
		return value > trigger.Threshold, nil
	case TriggerCustom:
		fn, ok := m.evaluators[trigger.Evaluator]
		if !ok {
			return false, &ErrNotFound{Kind: "trigger evaluator", ID: trigger.Evaluator}
		}
		return fn(ctx, trigger, msg, history)
	default:
		return false, &ErrValidation{Field: "kind", Reason: "unknown trigger kind: " + string(trigger.Kind)}
	}
}

func lastFiring(history []TriggerRecord, name string) time.Time {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Name == name {
			return history[i].FiredAt
		}
	}
	return time.Time{}
}

func interventionText(fired []SleeptimeTrigger, observed string) string {
	names := make([]string, len(fired))
	for i, t := range fired {
		names[i] = t.Name
	}
	text := fmt.Sprintf("[Sleeptime check] Triggers fired: %s. Review recent activity and intervene if needed.", strings.Join(names, ", "))
	if observed != "" {
		text += "\n\nContext: " + observed
	}
	return text
}

func findMemberByID(members []AgentWithMembership, id AgentID) *AgentWithMembership {
	if id == "" {
		return nil
	}
	for i := range members {
		if members[i].Agent.ID() == id {
			return &members[i]
		}
	}
	return nil
}

// SleeptimeRunner is the host-side ticker loop that invokes a sleeptime
// group on its check interval and folds outcomes back into the group
// state. The host spawns Run on its own goroutine and cancels ctx to
// stop.
type SleeptimeRunner struct {
	Manager *SleeptimeManager
	Group   *Group
	Members []AgentWithMembership
	// Observe produces the check message each tick; nil sends an empty
	// system message.
	Observe func(ctx context.Context) Message
	Logger  *slog.Logger
}

// Run blocks, ticking at the group's check interval, until ctx ends.
func (r *SleeptimeRunner) Run(ctx context.Context) {
	logger := r.Logger
	if logger == nil {
		logger = nopLogger
	}
	interval := r.Group.Pattern.CheckInterval
	if interval <= 0 {
		interval = 20 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("sleeptime runner started", "group", r.Group.Name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("sleeptime runner stopped", "group", r.Group.Name)
			return
		case <-ticker.C:
			r.tick(ctx, logger)
		}
	}
}

func (r *SleeptimeRunner) tick(ctx context.Context, logger *slog.Logger) {
	msg := SystemMessage("")
	if r.Observe != nil {
		msg = r.Observe(ctx)
	}
	msg.BatchType = BatchSleeptimeCheck

	stream, err := r.Manager.RouteMessage(ctx, r.Group, r.Members, msg)
	if err != nil {
		logger.Warn("sleeptime route failed", "group", r.Group.Name, "error", err)
		return
	}
	for ev := range stream {
		if ev.Type == GroupComplete && ev.Outcome != nil {
			if next := r.Manager.UpdateState(r.Group.State, *ev.Outcome); next != nil {
				r.Group.State = *next
			}
		}
	}
}

var _ GroupManager = (*SleeptimeManager)(nil)
