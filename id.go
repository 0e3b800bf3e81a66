package numina

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Identifiers are tagged strings of the form "<type>_<uuid>". The UUID part
// is a UUIDv7 (RFC 9562), so identifiers of one type sort by creation time
// and compare totally under ordinary string comparison.

// UserID identifies a User.
type UserID string

// AgentID identifies an agent record and its runtime.
type AgentID string

// MemoryID identifies a memory block.
type MemoryID string

// MessageID identifies a message.
type MessageID string

// GroupID identifies a coordination group.
type GroupID string

// ConstellationID identifies a named packaging of agents and groups.
type ConstellationID string

// RelationID identifies an edge between two entities.
type RelationID string

func newTagged(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}

// NewUserID generates a fresh user identifier.
func NewUserID() UserID { return UserID(newTagged("user")) }

// NewAgentID generates a fresh agent identifier.
func NewAgentID() AgentID { return AgentID(newTagged("agent")) }

// NewMemoryID generates a fresh memory-block identifier.
func NewMemoryID() MemoryID { return MemoryID(newTagged("mem")) }

// NewMessageID generates a fresh message identifier.
func NewMessageID() MessageID { return MessageID(newTagged("msg")) }

// NewGroupID generates a fresh group identifier.
func NewGroupID() GroupID { return GroupID(newTagged("group")) }

// NewConstellationID generates a fresh constellation identifier.
func NewConstellationID() ConstellationID { return ConstellationID(newTagged("const")) }

// NewRelationID generates a fresh relation identifier.
func NewRelationID() RelationID { return RelationID(newTagged("rel")) }

// parseTagged validates a tagged identifier against the expected prefix and
// checks that the suffix parses as a UUID.
func parseTagged(prefix, s string) (string, error) {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return "", &ErrValidation{Field: "id", Reason: fmt.Sprintf("%q is not a %s id", s, prefix)}
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", &ErrValidation{Field: "id", Reason: fmt.Sprintf("%q: bad uuid: %v", s, err)}
	}
	return s, nil
}

// ParseUserID validates s as a user identifier.
func ParseUserID(s string) (UserID, error) {
	id, err := parseTagged("user", s)
	return UserID(id), err
}

// ParseAgentID validates s as an agent identifier.
func ParseAgentID(s string) (AgentID, error) {
	id, err := parseTagged("agent", s)
	return AgentID(id), err
}

// ParseMemoryID validates s as a memory-block identifier.
func ParseMemoryID(s string) (MemoryID, error) {
	id, err := parseTagged("mem", s)
	return MemoryID(id), err
}

// ParseMessageID validates s as a message identifier.
func ParseMessageID(s string) (MessageID, error) {
	id, err := parseTagged("msg", s)
	return MessageID(id), err
}

// ParseGroupID validates s as a group identifier.
func ParseGroupID(s string) (GroupID, error) {
	id, err := parseTagged("group", s)
	return GroupID(id), err
}

// ParseConstellationID validates s as a constellation identifier.
func ParseConstellationID(s string) (ConstellationID, error) {
	id, err := parseTagged("const", s)
	return ConstellationID(id), err
}

// --- Positions ---

// Position is a globally monotone 64-bit ordinal assigned to every message.
// A batch's identifier is the position of its first message, so batch order
// and message order share one counter.
type Position int64

// PositionAllocator issues strictly increasing positions. The high bits
// carry a millisecond timestamp so positions from separate processes
// interleave roughly by wall clock; the low bits are a per-process sequence.
// Safe for concurrent use.
type PositionAllocator struct {
	last atomic.Int64
}

const positionSeqBits = 16

// NewPositionAllocator returns an allocator seeded from the current time.
func NewPositionAllocator() *PositionAllocator {
	return &PositionAllocator{}
}

// Next returns the next position. Strictly greater than every position this
// allocator has returned before.
func (a *PositionAllocator) Next() Position {
	for {
		now := time.Now().UnixMilli() << positionSeqBits
		last := a.last.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if a.last.CompareAndSwap(last, next) {
			return Position(next)
		}
	}
}

// Seed advances the allocator past p. Used when resuming an agent from a
// persisted history so new positions stay above the stored ones.
func (a *PositionAllocator) Seed(p Position) {
	for {
		last := a.last.Load()
		if int64(p) <= last || a.last.CompareAndSwap(last, int64(p)) {
			return
		}
	}
}
