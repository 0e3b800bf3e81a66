package numina

// BatchType classifies what started a batch.
type BatchType string

const (
	// BatchUserRequest starts from a user-supplied message.
	BatchUserRequest BatchType = "user_request"
	// BatchContinuation starts from a heartbeat continuation.
	BatchContinuation BatchType = "continuation"
	// BatchSleeptimeCheck starts from a sleeptime intervention.
	BatchSleeptimeCheck BatchType = "sleeptime_check"
	// BatchSystem starts from a host-synthesized system message.
	BatchSystem BatchType = "system"
)

// MessageBatch is an atomic run of messages produced within one outer
// iteration of the agent loop. Its ID is the position of its first message.
// Batches are the persistence and compression unit: they move whole, so
// tool-call/response pairs are never split.
type MessageBatch struct {
	ID       Position  `json:"id"`
	Type     BatchType `json:"type"`
	Messages []Message `json:"messages"`
	Complete bool      `json:"is_complete"`
}

// NewBatch starts a batch of the given type. Messages appended later adopt
// the batch's id and type.
func NewBatch(t BatchType) *MessageBatch {
	return &MessageBatch{Type: t}
}

// Append adds a message in insertion order, assigning it the next position
// from alloc. The first message's position becomes the batch id.
func (b *MessageBatch) Append(msg Message, alloc *PositionAllocator) {
	msg.Position = alloc.Next()
	if len(b.Messages) == 0 {
		b.ID = msg.Position
	}
	msg.BatchID = b.ID
	msg.BatchType = b.Type
	b.Messages = append(b.Messages, msg)
}

// Len returns the number of messages in the batch.
func (b *MessageBatch) Len() int { return len(b.Messages) }

// Last returns the final message, or nil for an empty batch.
func (b *MessageBatch) Last() *Message {
	if len(b.Messages) == 0 {
		return nil
	}
	return &b.Messages[len(b.Messages)-1]
}

// callIDs returns the multiset of tool-call ids and tool-response ids in
// the batch.
func (b *MessageBatch) callIDs() (calls, responses map[string]int) {
	calls = make(map[string]int)
	responses = make(map[string]int)
	for _, m := range b.Messages {
		for _, c := range m.Content.Calls() {
			calls[c.ID]++
		}
		for _, r := range m.Content.Responses() {
			responses[r.CallID]++
		}
	}
	return calls, responses
}

// ToolCallsPaired reports whether every tool call in the batch has exactly
// one matching response and vice versa.
func (b *MessageBatch) ToolCallsPaired() bool {
	calls, responses := b.callIDs()
	if len(calls) != len(responses) {
		return false
	}
	for id, n := range calls {
		if responses[id] != n {
			return false
		}
	}
	return true
}

// IsComplete reports whether the batch can be finalized: the last message
// is not an assistant turn still awaiting tool responses, and every tool
// call has a matching response.
func (b *MessageBatch) IsComplete() bool {
	last := b.Last()
	if last == nil {
		return false
	}
	if last.Role == RoleAssistant && last.HasToolCalls {
		return false
	}
	return b.ToolCallsPaired()
}

// Finalize marks the batch complete. It fails with ErrInternal when the
// pairing invariant does not hold, so a broken batch never persists as
// complete.
func (b *MessageBatch) Finalize() error {
	if !b.IsComplete() {
		return &ErrInternal{Message: "batch has unpaired tool calls or trails an open assistant turn"}
	}
	b.Complete = true
	return nil
}

// FinalizePartial marks the batch complete without the pairing check,
// closing any open tool calls with synthetic error responses first. Used
// when a fatal error ends a turn mid-batch.
func (b *MessageBatch) FinalizePartial(alloc *PositionAllocator, reason string) {
	calls, responses := b.callIDs()
	for id := range calls {
		if responses[id] == 0 {
			b.Append(ToolResponseMessage(id, reason, true), alloc)
		}
	}
	b.Complete = true
}

// totalMessages counts messages across batches.
func totalMessages(batches []MessageBatch) int {
	n := 0
	for i := range batches {
		n += batches[i].Len()
	}
	return n
}
