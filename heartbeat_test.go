package numina

import (
	"context"
	"testing"
	"time"
)

func TestHeartbeatSendAndSubscribe(t *testing.T) {
	hb := NewHeartbeatChannel(2)
	id := NewAgentID()

	if !hb.Send(context.Background(), Heartbeat{AgentID: id, Reason: "chain"}) {
		t.Fatal("Send rejected with free buffer")
	}

	select {
	case beat := <-hb.Subscribe():
		if beat.AgentID != id || beat.Reason != "chain" {
			t.Errorf("beat = %+v", beat)
		}
		if beat.At.IsZero() {
			t.Error("At not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("nothing delivered")
	}
}

func TestHeartbeatSendHonorsCancellation(t *testing.T) {
	hb := NewHeartbeatChannel(1)
	ctx, cancel := context.WithCancel(context.Background())

	// Fill the buffer, then cancel: the second send must not block
	// forever.
	hb.Send(ctx, Heartbeat{AgentID: "agent_x"})
	cancel()
	done := make(chan bool, 1)
	go func() { done <- hb.Send(ctx, Heartbeat{AgentID: "agent_y"}) }()

	select {
	case ok := <-done:
		if ok {
			t.Error("send succeeded into a full buffer with cancelled ctx")
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked past cancellation")
	}
}

func TestEndpointResolutionFallsBackToDefault(t *testing.T) {
	set := newEndpointSet()
	var defaultGot, namedGot string
	set.setDefault(EndpointFunc(func(_ context.Context, _ MessageTarget, content string) error {
		defaultGot = content
		return nil
	}))
	set.register("chan-7", EndpointFunc(func(_ context.Context, _ MessageTarget, content string) error {
		namedGot = content
		return nil
	}))

	ctx := context.Background()
	if err := set.deliver(ctx, MessageTarget{Kind: TargetChannel, Channel: "chan-7"}, "to channel"); err != nil {
		t.Fatal(err)
	}
	if err := set.deliver(ctx, MessageTarget{Kind: TargetChannel, Channel: "unknown"}, "to default"); err != nil {
		t.Fatal(err)
	}
	if err := set.deliver(ctx, MessageTarget{Kind: TargetUser}, "user message"); err != nil {
		t.Fatal(err)
	}

	if namedGot != "to channel" {
		t.Errorf("named endpoint got %q", namedGot)
	}
	if defaultGot != "user message" {
		t.Errorf("default endpoint got %q", defaultGot)
	}
}

func TestEndpointMissingDefaultErrors(t *testing.T) {
	set := newEndpointSet()
	err := set.deliver(context.Background(), MessageTarget{Kind: TargetUser}, "lost")
	if err == nil {
		t.Error("delivery succeeded with no endpoints")
	}
}
