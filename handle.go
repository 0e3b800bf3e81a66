package numina

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Handle is the lightweight, read-mostly view of an agent that tools
// receive. It borrows the agent's public state and shared memory without
// owning them, breaking the cycle between an agent and the tools that act
// on it. Mutation goes through the memory store's own synchronization.
type Handle struct {
	id      AgentID
	ownerID UserID
	name    string
	memory  *Memory
	store   Store // nil when the agent is not persistence-backed
}

// ID returns the agent's identifier.
func (h *Handle) ID() AgentID { return h.id }

// OwnerID returns the owning user.
func (h *Handle) OwnerID() UserID { return h.ownerID }

// Name returns the agent's display name.
func (h *Handle) Name() string { return h.name }

// Memory returns the agent's shared memory set.
func (h *Handle) Memory() *Memory { return h.memory }

// SearchArchival searches archival memory through the recall surface.
// Returns an empty slice when the agent has no store.
func (h *Handle) SearchArchival(ctx context.Context, query string, limit int) ([]ScoredBlock, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.SearchArchival(ctx, h.ownerID, query, limit)
}

// InsertArchival writes a new archival block owned by the agent's user.
func (h *Handle) InsertArchival(ctx context.Context, label, value string) (MemoryBlock, error) {
	now := time.Now().UTC()
	block := MemoryBlock{
		ID:         NewMemoryID(),
		OwnerID:    h.ownerID,
		Label:      label,
		Value:      value,
		MemoryType: MemoryArchival,
		Permission: PermReadWrite,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if h.store != nil {
		if err := h.store.CreateMemoryBlock(ctx, block); err != nil {
			return MemoryBlock{}, err
		}
	}
	return block, nil
}

// SearchMessages searches the agent's persisted message history.
func (h *Handle) SearchMessages(ctx context.Context, query string, opts SearchOptions) ([]ScoredMessage, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.SearchMessages(ctx, h.id, query, opts)
}

// --- Background execution ---

// ExecState represents the state of a spawned agent turn.
type ExecState int32

const (
	// ExecPending means the turn has been spawned but not started.
	ExecPending ExecState = iota
	// ExecRunning means the turn is in progress.
	ExecRunning
	// ExecCompleted means the turn finished successfully.
	ExecCompleted
	// ExecFailed means the turn returned an error.
	ExecFailed
	// ExecCancelled means the turn was cancelled.
	ExecCancelled
)

func (s ExecState) String() string {
	switch s {
	case ExecPending:
		return "pending"
	case ExecRunning:
		return "running"
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	case ExecCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s ExecState) IsTerminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// ExecHandle tracks a background agent turn. All methods are safe for
// concurrent use.
type ExecHandle struct {
	agent  Agent
	state  atomic.Int32
	output string
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// SpawnOption configures a Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger *slog.Logger
}

// SpawnLogger sets the structured logger for spawn lifecycle events.
func SpawnLogger(l *slog.Logger) SpawnOption {
	return func(c *spawnConfig) { c.logger = l }
}

// Spawn runs agent.ProcessMessage(ctx, msg) in a background goroutine and
// returns immediately with a handle for awaiting and cancelling. The
// parent ctx bounds the turn's lifetime.
func Spawn(ctx context.Context, agent Agent, msg Message, opts ...SpawnOption) *ExecHandle {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	logger := cfg.logger

	ctx, cancel := context.WithCancel(ctx)
	h := &ExecHandle{
		agent:  agent,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(ExecPending))

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("spawned turn panic", "agent", agent.Name(), "panic", fmt.Sprintf("%v", p))
				h.err = &ErrInternal{Message: fmt.Sprintf("agent panic: %v", p)}
				h.state.Store(int32(ExecFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(ExecRunning))
		start := time.Now()
		output, err := agent.ProcessMessage(ctx, msg)

		// Writes before close(done): the channel close is the
		// happens-before barrier for all readers.
		h.output = output
		h.err = err
		switch {
		case ctx.Err() != nil && err != nil:
			h.state.Store(int32(ExecCancelled))
			logger.Info("spawned turn cancelled", "agent", agent.Name(), "duration", time.Since(start))
		case err != nil:
			h.state.Store(int32(ExecFailed))
			logger.Error("spawned turn failed", "agent", agent.Name(), "error", err, "duration", time.Since(start))
		default:
			h.state.Store(int32(ExecCompleted))
		}
		close(h.done)
	}()

	return h
}

// Agent returns the agent being executed.
func (h *ExecHandle) Agent() Agent { return h.agent }

// State returns the current state. Terminal states block (nanoseconds) on
// Done so Result is valid once IsTerminal reports true.
func (h *ExecHandle) State() ExecState {
	s := ExecState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the turn finishes.
func (h *ExecHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the turn completes or ctx expires.
func (h *ExecHandle) Await(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.output, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel requests cancellation. Non-blocking.
func (h *ExecHandle) Cancel() { h.cancel() }
