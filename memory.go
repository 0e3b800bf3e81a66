package numina

import (
	"sort"
	"sync"
	"time"
)

// MemoryType classifies a memory block's visibility.
type MemoryType string

const (
	// MemoryCore blocks render into every prompt.
	MemoryCore MemoryType = "core"
	// MemoryWorking blocks render into every prompt but are expected to churn.
	MemoryWorking MemoryType = "working"
	// MemoryArchival blocks never render; they are reached through search.
	MemoryArchival MemoryType = "archival"
)

// MemoryPermission orders what a caller may do to a block.
type MemoryPermission int

const (
	PermReadOnly MemoryPermission = iota
	PermAppend
	PermReadWrite
	PermAdmin
)

func (p MemoryPermission) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermAppend:
		return "append"
	case PermReadWrite:
		return "read-write"
	case PermAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// allows reports whether p grants at least the required level.
func (p MemoryPermission) allows(required MemoryPermission) bool { return p >= required }

// MemoryBlock is a named piece of agent state.
type MemoryBlock struct {
	ID             MemoryID         `json:"id"`
	OwnerID        UserID           `json:"owner_id"`
	Label          string           `json:"label"`
	Value          string           `json:"value"`
	Description    string           `json:"description,omitempty"`
	MemoryType     MemoryType       `json:"memory_type"`
	Permission     MemoryPermission `json:"permission"`
	Pinned         bool             `json:"pinned,omitempty"`
	Embedding      []float32        `json:"-"`
	EmbeddingModel string           `json:"embedding_model,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Memory is a concurrent label → block map. Lookups are O(1) average;
// mutation through Alter is atomic per label. Readers observe either the
// pre- or post-image of a mutation, never a tear.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string]MemoryBlock
}

// NewMemory returns an empty memory set.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[string]MemoryBlock)}
}

// Get returns the block for label.
func (m *Memory) Get(label string) (MemoryBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[label]
	return b, ok
}

// Contains reports whether label is occupied.
func (m *Memory) Contains(label string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[label]
	return ok
}

// Labels returns all labels, sorted.
func (m *Memory) Labels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labelsLocked()
}

func (m *Memory) labelsLocked() []string {
	labels := make([]string, 0, len(m.blocks))
	for l := range m.blocks {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// AllBlocks returns a snapshot of every block, ordered by label.
func (m *Memory) AllBlocks() []MemoryBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemoryBlock, 0, len(m.blocks))
	for _, l := range m.labelsLocked() {
		out = append(out, m.blocks[l])
	}
	return out
}

// Create installs a new core block with read-write permission. Fails when
// the label is occupied.
func (m *Memory) Create(label, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[label]; ok {
		return &ErrValidation{Field: label, Reason: "memory label already exists"}
	}
	now := time.Now().UTC()
	m.blocks[label] = MemoryBlock{
		ID:         NewMemoryID(),
		Label:      label,
		Value:      value,
		MemoryType: MemoryCore,
		Permission: PermReadWrite,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

// Set installs or replaces a block wholesale, keying it by block.Label.
// Used when attaching shared or persisted blocks to an agent.
func (m *Memory) Set(block MemoryBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[block.Label] = block
}

// UpdateValue replaces a block's value. Fails with ErrNotFound for a
// missing label and ErrPermission for a read-only block.
func (m *Memory) UpdateValue(label, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[label]
	if !ok {
		return &ErrNotFound{Kind: "memory", ID: label, Available: m.labelsLocked()}
	}
	if !b.Permission.allows(PermReadWrite) {
		return &ErrPermission{Label: label, Required: PermReadWrite, Actual: b.Permission}
	}
	b.Value = value
	b.UpdatedAt = time.Now().UTC()
	m.blocks[label] = b
	return nil
}

// AppendValue appends text to a block's value on a new line. Requires at
// least append permission.
func (m *Memory) AppendValue(label, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[label]
	if !ok {
		return &ErrNotFound{Kind: "memory", ID: label, Available: m.labelsLocked()}
	}
	if !b.Permission.allows(PermAppend) {
		return &ErrPermission{Label: label, Required: PermAppend, Actual: b.Permission}
	}
	if b.Value == "" {
		b.Value = text
	} else {
		b.Value += "\n" + text
	}
	b.UpdatedAt = time.Now().UTC()
	m.blocks[label] = b
	return nil
}

// Alter applies fn to the block under label as one atomic read-modify-write.
// fn sees a snapshot and returns the replacement; concurrent Alters on the
// same label serialize. Narrowing permission or type requires the current
// block to carry admin permission.
func (m *Memory) Alter(label string, fn func(label string, block MemoryBlock) MemoryBlock) (MemoryBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[label]
	if !ok {
		return MemoryBlock{}, &ErrNotFound{Kind: "memory", ID: label, Available: m.labelsLocked()}
	}
	next := fn(label, b)
	if (next.Permission < b.Permission || next.MemoryType != b.MemoryType) && !b.Permission.allows(PermAdmin) {
		return MemoryBlock{}, &ErrPermission{Label: label, Required: PermAdmin, Actual: b.Permission}
	}
	// The label is the map key; a closure cannot move the block.
	next.Label = b.Label
	next.ID = b.ID
	next.CreatedAt = b.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	m.blocks[label] = next
	return next, nil
}

// Remove deletes and returns the block under label.
func (m *Memory) Remove(label string) (MemoryBlock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[label]
	if ok {
		delete(m.blocks, label)
	}
	return b, ok
}
