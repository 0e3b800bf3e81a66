package numina

import (
	"context"
	"strings"
	"testing"
	"time"
)

func sleeptimeGroup(interval time.Duration, intervention AgentID, triggers ...SleeptimeTrigger) *Group {
	return &Group{
		ID:   NewGroupID(),
		Name: "monitor",
		Pattern: CoordinationPattern{
			Kind:                PatternSleeptime,
			CheckInterval:       interval,
			Triggers:            triggers,
			InterventionAgentID: intervention,
		},
	}
}

func TestSleeptimeElapsedTimeTrigger(t *testing.T) {
	watcher := newStubAgent("watcher", "all quiet")
	helper := newStubAgent("helper", "standing by")
	members := membersOf(watcher, helper)

	group := sleeptimeGroup(time.Minute, helper.ID(), SleeptimeTrigger{
		Name:  "check-in",
		Kind:  TriggerTimeElapsed,
		Every: time.Minute,
	})
	// Last fired two minutes ago; last check beyond the interval.
	group.State.LastCheck = time.Now().Add(-2 * time.Minute)
	group.State.TriggerHistory = []TriggerRecord{
		{Name: "check-in", FiredAt: time.Now().Add(-2 * time.Minute)},
	}

	manager := NewSleeptimeManager()
	stream, err := manager.RouteMessage(context.Background(), group, members, SystemMessage(""))
	if err != nil {
		t.Fatal(err)
	}
	events := drainGroup(t, stream)
	outcome := completeOutcome(t, events)

	if len(outcome.FiredTriggers) != 1 || outcome.FiredTriggers[0].Name != "check-in" {
		t.Fatalf("fired = %+v", outcome.FiredTriggers)
	}
	// The configured intervention agent, not the round-robin fallback,
	// received the intervention.
	if len(outcome.SelectedAgents) != 1 || outcome.SelectedAgents[0] != helper.ID() {
		t.Errorf("selected = %v, want the intervention agent", outcome.SelectedAgents)
	}
	got := helper.lastReceived()
	if got == nil || !strings.Contains(got.Content.PlainText(), "check-in") {
		t.Errorf("intervention = %+v", got)
	}
	if got != nil && got.BatchType != BatchSleeptimeCheck {
		t.Errorf("batch type = %s", got.BatchType)
	}

	// State folding: history grows, last_check advances.
	next := manager.UpdateState(group.State, *outcome)
	if next == nil {
		t.Fatal("no state update")
	}
	if len(next.TriggerHistory) != 2 {
		t.Errorf("history = %d entries, want 2", len(next.TriggerHistory))
	}
	if !next.LastCheck.After(group.State.LastCheck) {
		t.Error("last_check did not advance")
	}
}

func TestSleeptimeIntervalNotElapsed(t *testing.T) {
	watcher := newStubAgent("watcher", "quiet")
	group := sleeptimeGroup(time.Hour, "", SleeptimeTrigger{
		Name: "anything", Kind: TriggerTimeElapsed, Every: time.Second,
	})
	group.State.LastCheck = time.Now().Add(-time.Minute)

	manager := NewSleeptimeManager()
	stream, err := manager.RouteMessage(context.Background(), group, membersOf(watcher), SystemMessage(""))
	if err != nil {
		t.Fatal(err)
	}
	events := drainGroup(t, stream)
	outcome := completeOutcome(t, events)

	if len(outcome.FiredTriggers) != 0 || len(outcome.SelectedAgents) != 0 {
		t.Errorf("outcome = %+v, want a no-op check", outcome)
	}
	if watcher.lastReceived() != nil {
		t.Error("agent activated inside the check interval")
	}
}

func TestSleeptimePatternTrigger(t *testing.T) {
	watcher := newStubAgent("watcher", "investigating")
	group := sleeptimeGroup(time.Minute, watcher.ID(), SleeptimeTrigger{
		Name:    "alarm-words",
		Kind:    TriggerPatternDetected,
		Pattern: `(?i)error|panic`,
	})
	group.State.LastCheck = time.Now().Add(-2 * time.Minute)

	manager := NewSleeptimeManager()
	msg := SystemMessage("observed log line: PANIC in worker 3")
	stream, err := manager.RouteMessage(context.Background(), group, membersOf(watcher), msg)
	if err != nil {
		t.Fatal(err)
	}
	outcome := completeOutcome(t, drainGroup(t, stream))

	if len(outcome.FiredTriggers) != 1 {
		t.Fatalf("fired = %+v", outcome.FiredTriggers)
	}
	received := watcher.lastReceived()
	if received == nil || !strings.Contains(received.Content.PlainText(), "PANIC in worker 3") {
		t.Errorf("intervention lacks observed context: %+v", received)
	}
}

func TestSleeptimeThresholdTrigger(t *testing.T) {
	watcher := newStubAgent("watcher", "scaling up")
	group := sleeptimeGroup(time.Minute, watcher.ID(), SleeptimeTrigger{
		Name:      "load",
		Kind:      TriggerThresholdExceeded,
		Threshold: 0.8,
	})
	group.State.LastCheck = time.Now().Add(-2 * time.Minute)

	manager := NewSleeptimeManager()
	stream, err := manager.RouteMessage(context.Background(), group, membersOf(watcher), SystemMessage("0.93"))
	if err != nil {
		t.Fatal(err)
	}
	outcome := completeOutcome(t, drainGroup(t, stream))
	if len(outcome.FiredTriggers) != 1 {
		t.Errorf("fired = %+v, want threshold trigger", outcome.FiredTriggers)
	}
}

func TestSleeptimeRoundRobinFallback(t *testing.T) {
	a := newStubAgent("a", "ack")
	b := newStubAgent("b", "ack")
	members := membersOf(a, b)

	group := sleeptimeGroup(time.Minute, "", SleeptimeTrigger{
		Name: "tick", Kind: TriggerTimeElapsed, Every: time.Second,
	})
	group.State.LastCheck = time.Now().Add(-2 * time.Minute)

	manager := NewSleeptimeManager()

	var picked []AgentID
	for i := 0; i < 2; i++ {
		group.State.LastCheck = time.Now().Add(-2 * time.Minute)
		// Time-elapsed triggers re-fire only once their duration elapses;
		// reset the firing history each round so the trigger fires again.
		group.State.TriggerHistory = nil
		stream, err := manager.RouteMessage(context.Background(), group, members, SystemMessage(""))
		if err != nil {
			t.Fatal(err)
		}
		outcome := completeOutcome(t, drainGroup(t, stream))
		picked = append(picked, outcome.SelectedAgents...)
		index := group.State.CurrentIndex
		group.State = *manager.UpdateState(group.State, *outcome)
		if group.State.CurrentIndex == index {
			t.Errorf("round %d: rotation index did not advance", i)
		}
	}
	if picked[0] == picked[1] {
		t.Errorf("fallback rotation picked %v twice", picked[0])
	}
}

func TestSleeptimeCustomEvaluator(t *testing.T) {
	watcher := newStubAgent("watcher", "on it")
	group := sleeptimeGroup(time.Minute, watcher.ID(), SleeptimeTrigger{
		Name: "custom", Kind: TriggerCustom, Evaluator: "always",
	})
	group.State.LastCheck = time.Now().Add(-2 * time.Minute)

	manager := NewSleeptimeManager()
	manager.RegisterEvaluator("always", func(context.Context, SleeptimeTrigger, Message, []TriggerRecord) (bool, error) {
		return true, nil
	})

	stream, err := manager.RouteMessage(context.Background(), group, membersOf(watcher), SystemMessage(""))
	if err != nil {
		t.Fatal(err)
	}
	outcome := completeOutcome(t, drainGroup(t, stream))
	if len(outcome.FiredTriggers) != 1 || outcome.FiredTriggers[0].Name != "custom" {
		t.Errorf("fired = %+v", outcome.FiredTriggers)
	}
}
