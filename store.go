package numina

import (
	"context"
	"time"
)

// ScoredMessage is a message paired with its full-text relevance score
// (BM25 or backend equivalent); higher means more relevant.
type ScoredMessage struct {
	Message
	Score float64
}

// ScoredBlock is a memory block paired with its relevance score.
type ScoredBlock struct {
	MemoryBlock
	Score float64
}

// SearchOptions filter a full-text search over message content.
type SearchOptions struct {
	// Role restricts results to one message role when non-empty.
	Role string
	// After / Before bound message creation time when non-zero.
	After  time.Time
	Before time.Time
	// Limit caps the result count; 0 means the backend default.
	Limit int
}

// Store is the typed persistence surface the core consumes. Backends live
// under store/ and must honor the entity invariants: monotone batch ids
// per agent, append-only message history, and idempotent-on-retry writes.
// No query syntax leaks through this interface.
type Store interface {
	// --- Users ---
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id UserID) (User, error)
	UpdateUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, id UserID) error

	// --- Agents ---
	CreateAgent(ctx context.Context, record AgentRecord) error
	GetAgent(ctx context.Context, id AgentID) (AgentRecord, error)
	UpdateAgent(ctx context.Context, record AgentRecord) error
	DeleteAgent(ctx context.Context, id AgentID) error
	ListAgents(ctx context.Context, owner UserID) ([]AgentRecord, error)

	// --- Memory blocks ---
	CreateMemoryBlock(ctx context.Context, block MemoryBlock) error
	GetMemoryBlock(ctx context.Context, id MemoryID) (MemoryBlock, error)
	UpdateMemoryBlock(ctx context.Context, block MemoryBlock) error
	DeleteMemoryBlock(ctx context.Context, id MemoryID) error
	ListMemoryBlocks(ctx context.Context, owner UserID) ([]MemoryBlock, error)

	// --- Groups ---
	CreateGroup(ctx context.Context, group Group) error
	GetGroup(ctx context.Context, id GroupID) (Group, error)
	UpdateGroup(ctx context.Context, group Group) error
	DeleteGroup(ctx context.Context, id GroupID) error
	ListGroups(ctx context.Context, owner UserID) ([]Group, error)

	// --- Relations ---
	CreateRelation(ctx context.Context, rel Relation) error
	// ListRelations returns edges of the given kind originating at from,
	// in creation order.
	ListRelations(ctx context.Context, kind, from string) ([]Relation, error)
	DeleteRelation(ctx context.Context, id RelationID) error

	// --- Message history ---
	// PersistBatch appends a finalized batch to an agent's history.
	// Re-persisting the same batch id is a no-op (idempotent on retry).
	PersistBatch(ctx context.Context, agentID AgentID, batch MessageBatch) error
	// RecentBatches returns up to limit batches newest-first.
	RecentBatches(ctx context.Context, agentID AgentID, limit int) ([]MessageBatch, error)
	// ArchiveBatches marks batches as archived: out of the active window
	// but still searchable. Message content is never rewritten.
	ArchiveBatches(ctx context.Context, agentID AgentID, batchIDs []Position) error

	// --- Search (BM25-ranked full text) ---
	SearchMessages(ctx context.Context, agentID AgentID, query string, opts SearchOptions) ([]ScoredMessage, error)
	SearchArchival(ctx context.Context, owner UserID, query string, limit int) ([]ScoredBlock, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
