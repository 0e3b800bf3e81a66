package numina

import (
	"encoding/json"
	"testing"
)

func TestBatchPositionsAndID(t *testing.T) {
	alloc := NewPositionAllocator()
	b := NewBatch(BatchUserRequest)
	b.Append(UserMessage("one"), alloc)
	b.Append(AssistantMessage("two"), alloc)

	if b.ID != b.Messages[0].Position {
		t.Errorf("batch id %d != first position %d", b.ID, b.Messages[0].Position)
	}
	if b.Messages[0].Position >= b.Messages[1].Position {
		t.Error("positions not strictly increasing")
	}
	for _, m := range b.Messages {
		if m.BatchID != b.ID || m.BatchType != BatchUserRequest {
			t.Errorf("message batch fields = %d / %s", m.BatchID, m.BatchType)
		}
	}
}

func TestBatchCompletenessAndPairing(t *testing.T) {
	alloc := NewPositionAllocator()
	b := NewBatch(BatchUserRequest)
	b.Append(UserMessage("hi"), alloc)
	call := ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)}
	b.Append(AssistantToolCalls(call), alloc)

	if b.IsComplete() {
		t.Fatal("batch complete with unanswered tool call")
	}

	b.Append(ToolResponseMessage("c1", "hi", false), alloc)
	if !b.ToolCallsPaired() {
		t.Fatal("paired reported false after response")
	}
	if !b.IsComplete() {
		t.Fatal("batch incomplete once every call is answered")
	}

	b.Append(AssistantMessage("done"), alloc)
	if !b.IsComplete() {
		t.Fatal("batch incomplete after closing assistant turn")
	}
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !b.Complete {
		t.Error("Complete flag not set")
	}
}

func TestBatchFinalizeRejectsUnpaired(t *testing.T) {
	alloc := NewPositionAllocator()
	b := NewBatch(BatchUserRequest)
	b.Append(AssistantToolCalls(ToolCall{ID: "c1", Name: "x", Args: json.RawMessage(`{}`)}), alloc)

	if err := b.Finalize(); err == nil {
		t.Fatal("Finalize succeeded with open tool call")
	}
}

func TestBatchFinalizePartialClosesCalls(t *testing.T) {
	alloc := NewPositionAllocator()
	b := NewBatch(BatchUserRequest)
	b.Append(UserMessage("go"), alloc)
	b.Append(AssistantToolCalls(
		ToolCall{ID: "c1", Name: "x", Args: json.RawMessage(`{}`)},
		ToolCall{ID: "c2", Name: "y", Args: json.RawMessage(`{}`)},
	), alloc)
	b.Append(ToolResponseMessage("c1", "ok", false), alloc)

	b.FinalizePartial(alloc, "cancelled")

	if !b.Complete {
		t.Fatal("not complete after FinalizePartial")
	}
	if !b.ToolCallsPaired() {
		t.Fatal("pairing invariant broken after FinalizePartial")
	}
	last := b.Last()
	responses := last.Content.Responses()
	if len(responses) != 1 || responses[0].CallID != "c2" || !responses[0].IsError {
		t.Errorf("synthetic response = %+v", responses)
	}
}

func TestPositionAllocatorMonotoneAndSeeded(t *testing.T) {
	alloc := NewPositionAllocator()
	prev := alloc.Next()
	for i := 0; i < 1000; i++ {
		next := alloc.Next()
		if next <= prev {
			t.Fatalf("position %d not greater than %d", next, prev)
		}
		prev = next
	}

	alloc.Seed(prev + 1_000_000)
	if got := alloc.Next(); got <= prev+1_000_000 {
		t.Errorf("Next after Seed = %d, want > %d", got, prev+1_000_000)
	}
}
