// Package sqlite implements numina.Store on pure-Go SQLite. Full-text
// search over messages and archival memory runs on FTS5 with BM25
// ranking. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scarnecchia/numina"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. Without it no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements numina.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ numina.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens a store at dbPath. A single shared connection serializes all
// writers, eliminating SQLITE_BUSY from concurrent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			settings TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			base_instructions TEXT NOT NULL,
			model_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL,
			stats TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_blocks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			description TEXT,
			memory_type TEXT NOT NULL,
			permission INTEGER NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			embedding TEXT,
			embedding_model TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			pattern TEXT NOT NULL,
			state TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			members TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			props TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			agent_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			type TEXT NOT NULL,
			is_complete INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			position INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			batch_id INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			text TEXT NOT NULL,
			batch_type TEXT NOT NULL,
			has_tool_calls INTEGER NOT NULL,
			word_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return &numina.ErrPersistence{Op: "init", Err: err}
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_owner ON memory_blocks(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_groups_owner ON groups(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_kind_from ON relations(kind, from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_batch ON messages(agent_id, batch_id)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return &numina.ErrPersistence{Op: "init index", Err: err}
		}
	}

	// FTS5 indexes with BM25 ranking for message content and archival
	// memory values.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(position UNINDEXED, agent_id UNINDEXED, text)`); err != nil {
		return &numina.ErrPersistence{Op: "init messages_fts", Err: err}
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS archival_fts USING fts5(block_id UNINDEXED, owner_id UNINDEXED, value)`); err != nil {
		return &numina.ErrPersistence{Op: "init archival_fts", Err: err}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, user numina.User) error {
	settings, _ := json.Marshal(user.Settings)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, created_at, updated_at, settings, metadata) VALUES (?, ?, ?, ?, ?)`,
		string(user.ID), user.CreatedAt.Unix(), user.UpdatedAt.Unix(), string(settings), nullable(user.Metadata))
	return wrapConstraint("create user", err)
}

func (s *Store) GetUser(ctx context.Context, id numina.UserID) (numina.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, settings, metadata FROM users WHERE id = ?`, string(id))
	var u numina.User
	var uid, settings string
	var created, updated int64
	var metadata sql.NullString
	if err := row.Scan(&uid, &created, &updated, &settings, &metadata); err != nil {
		return numina.User{}, notFoundOr("user", string(id), "get user", err)
	}
	u.ID = numina.UserID(uid)
	u.CreatedAt = time.Unix(created, 0).UTC()
	u.UpdatedAt = time.Unix(updated, 0).UTC()
	_ = json.Unmarshal([]byte(settings), &u.Settings)
	if metadata.Valid {
		u.Metadata = json.RawMessage(metadata.String)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, user numina.User) error {
	settings, _ := json.Marshal(user.Settings)
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET updated_at = ?, settings = ?, metadata = ? WHERE id = ?`,
		user.UpdatedAt.Unix(), string(settings), nullable(user.Metadata), string(user.ID))
	return affectedOr("user", string(user.ID), "update user", res, err)
}

func (s *Store) DeleteUser(ctx context.Context, id numina.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, string(id))
	if err != nil {
		return &numina.ErrPersistence{Op: "delete user", Err: err}
	}
	return nil
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, record numina.AgentRecord) error {
	state, _ := json.Marshal(record.State)
	stats, _ := json.Marshal(record.Stats)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, name, type, state, base_instructions, model_id, created_at, updated_at, last_active, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.ID), string(record.OwnerID), record.Name, record.Type, string(state),
		record.BaseInstructions, record.ModelID,
		record.CreatedAt.Unix(), record.UpdatedAt.Unix(), record.LastActive.Unix(), string(stats))
	return wrapConstraint("create agent", err)
}

func (s *Store) GetAgent(ctx context.Context, id numina.AgentID) (numina.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, type, state, base_instructions, model_id, created_at, updated_at, last_active, stats
		 FROM agents WHERE id = ?`, string(id))
	return scanAgent(row, id)
}

func (s *Store) UpdateAgent(ctx context.Context, record numina.AgentRecord) error {
	state, _ := json.Marshal(record.State)
	stats, _ := json.Marshal(record.Stats)
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET owner_id = ?, name = ?, type = ?, state = ?, base_instructions = ?, model_id = ?,
		 updated_at = ?, last_active = ?, stats = ? WHERE id = ?`,
		string(record.OwnerID), record.Name, record.Type, string(state), record.BaseInstructions,
		record.ModelID, record.UpdatedAt.Unix(), record.LastActive.Unix(), string(stats), string(record.ID))
	return affectedOr("agent", string(record.ID), "update agent", res, err)
}

func (s *Store) DeleteAgent(ctx context.Context, id numina.AgentID) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE agent_id = ?`,
		`DELETE FROM messages_fts WHERE agent_id = ?`,
		`DELETE FROM batches WHERE agent_id = ?`,
		`DELETE FROM relations WHERE from_id = ?`,
		`DELETE FROM agents WHERE id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, string(id)); err != nil {
			return &numina.ErrPersistence{Op: "delete agent", Err: err}
		}
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, owner numina.UserID) ([]numina.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, type, state, base_instructions, model_id, created_at, updated_at, last_active, stats
		 FROM agents WHERE owner_id = ? ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "list agents", Err: err}
	}
	defer rows.Close()
	var out []numina.AgentRecord
	for rows.Next() {
		record, err := scanAgent(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner, id numina.AgentID) (numina.AgentRecord, error) {
	var r numina.AgentRecord
	var rid, ownerID, state, stats string
	var modelID sql.NullString
	var created, updated, lastActive int64
	if err := row.Scan(&rid, &ownerID, &r.Name, &r.Type, &state, &r.BaseInstructions, &modelID,
		&created, &updated, &lastActive, &stats); err != nil {
		return numina.AgentRecord{}, notFoundOr("agent", string(id), "get agent", err)
	}
	r.ID = numina.AgentID(rid)
	r.OwnerID = numina.UserID(ownerID)
	r.ModelID = modelID.String
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	r.LastActive = time.Unix(lastActive, 0).UTC()
	_ = json.Unmarshal([]byte(state), &r.State)
	_ = json.Unmarshal([]byte(stats), &r.Stats)
	return r, nil
}

// --- Memory blocks ---

func (s *Store) CreateMemoryBlock(ctx context.Context, block numina.MemoryBlock) error {
	embedding, _ := json.Marshal(block.Embedding)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_blocks (id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(block.ID), string(block.OwnerID), block.Label, block.Value, block.Description,
		string(block.MemoryType), int(block.Permission), boolInt(block.Pinned),
		string(embedding), block.EmbeddingModel, block.CreatedAt.Unix(), block.UpdatedAt.Unix())
	if err != nil {
		return wrapConstraint("create memory block", err)
	}
	if block.MemoryType == numina.MemoryArchival {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO archival_fts (block_id, owner_id, value) VALUES (?, ?, ?)`,
			string(block.ID), string(block.OwnerID), block.Value)
		if err != nil {
			return &numina.ErrPersistence{Op: "index archival block", Err: err}
		}
	}
	return nil
}

func (s *Store) GetMemoryBlock(ctx context.Context, id numina.MemoryID) (numina.MemoryBlock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model, created_at, updated_at
		 FROM memory_blocks WHERE id = ?`, string(id))
	return scanBlock(row, string(id))
}

func (s *Store) UpdateMemoryBlock(ctx context.Context, block numina.MemoryBlock) error {
	embedding, _ := json.Marshal(block.Embedding)
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_blocks SET label = ?, value = ?, description = ?, memory_type = ?, permission = ?, pinned = ?,
		 embedding = ?, embedding_model = ?, updated_at = ? WHERE id = ?`,
		block.Label, block.Value, block.Description, string(block.MemoryType), int(block.Permission),
		boolInt(block.Pinned), string(embedding), block.EmbeddingModel, block.UpdatedAt.Unix(), string(block.ID))
	if err := affectedOr("memory block", string(block.ID), "update memory block", res, err); err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM archival_fts WHERE block_id = ?`, string(block.ID))
	if block.MemoryType == numina.MemoryArchival {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO archival_fts (block_id, owner_id, value) VALUES (?, ?, ?)`,
			string(block.ID), string(block.OwnerID), block.Value)
		if err != nil {
			return &numina.ErrPersistence{Op: "reindex archival block", Err: err}
		}
	}
	return nil
}

func (s *Store) DeleteMemoryBlock(ctx context.Context, id numina.MemoryID) error {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM archival_fts WHERE block_id = ?`, string(id))
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_blocks WHERE id = ?`, string(id))
	if err != nil {
		return &numina.ErrPersistence{Op: "delete memory block", Err: err}
	}
	return nil
}

func (s *Store) ListMemoryBlocks(ctx context.Context, owner numina.UserID) ([]numina.MemoryBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model, created_at, updated_at
		 FROM memory_blocks WHERE owner_id = ? ORDER BY label`, string(owner))
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "list memory blocks", Err: err}
	}
	defer rows.Close()
	var out []numina.MemoryBlock
	for rows.Next() {
		block, err := scanBlock(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	return out, rows.Err()
}

func scanBlock(row rowScanner, id string) (numina.MemoryBlock, error) {
	var b numina.MemoryBlock
	var bid, ownerID, memType string
	var description, embedding, embeddingModel sql.NullString
	var permission, pinned int
	var created, updated int64
	if err := row.Scan(&bid, &ownerID, &b.Label, &b.Value, &description, &memType, &permission, &pinned,
		&embedding, &embeddingModel, &created, &updated); err != nil {
		return numina.MemoryBlock{}, notFoundOr("memory block", id, "get memory block", err)
	}
	b.ID = numina.MemoryID(bid)
	b.OwnerID = numina.UserID(ownerID)
	b.Description = description.String
	b.MemoryType = numina.MemoryType(memType)
	b.Permission = numina.MemoryPermission(permission)
	b.Pinned = pinned != 0
	b.EmbeddingModel = embeddingModel.String
	b.CreatedAt = time.Unix(created, 0).UTC()
	b.UpdatedAt = time.Unix(updated, 0).UTC()
	if embedding.Valid && embedding.String != "null" {
		_ = json.Unmarshal([]byte(embedding.String), &b.Embedding)
	}
	return b, nil
}

// --- Groups ---

func (s *Store) CreateGroup(ctx context.Context, group numina.Group) error {
	pattern, _ := json.Marshal(group.Pattern)
	state, _ := json.Marshal(group.State)
	members, _ := json.Marshal(group.Members)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, owner_id, name, description, pattern, state, is_active, members, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(group.ID), string(group.OwnerID), group.Name, group.Description,
		string(pattern), string(state), boolInt(group.IsActive), string(members),
		group.CreatedAt.Unix(), group.UpdatedAt.Unix())
	return wrapConstraint("create group", err)
}

func (s *Store) GetGroup(ctx context.Context, id numina.GroupID) (numina.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, description, pattern, state, is_active, members, created_at, updated_at
		 FROM groups WHERE id = ?`, string(id))
	return scanGroup(row, string(id))
}

func (s *Store) UpdateGroup(ctx context.Context, group numina.Group) error {
	pattern, _ := json.Marshal(group.Pattern)
	state, _ := json.Marshal(group.State)
	members, _ := json.Marshal(group.Members)
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET name = ?, description = ?, pattern = ?, state = ?, is_active = ?, members = ?, updated_at = ?
		 WHERE id = ?`,
		group.Name, group.Description, string(pattern), string(state), boolInt(group.IsActive),
		string(members), group.UpdatedAt.Unix(), string(group.ID))
	return affectedOr("group", string(group.ID), "update group", res, err)
}

func (s *Store) DeleteGroup(ctx context.Context, id numina.GroupID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, string(id))
	if err != nil {
		return &numina.ErrPersistence{Op: "delete group", Err: err}
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context, owner numina.UserID) ([]numina.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, description, pattern, state, is_active, members, created_at, updated_at
		 FROM groups WHERE owner_id = ? ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "list groups", Err: err}
	}
	defer rows.Close()
	var out []numina.Group
	for rows.Next() {
		group, err := scanGroup(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func scanGroup(row rowScanner, id string) (numina.Group, error) {
	var g numina.Group
	var gid, ownerID, pattern, state, members string
	var description sql.NullString
	var isActive int
	var created, updated int64
	if err := row.Scan(&gid, &ownerID, &g.Name, &description, &pattern, &state, &isActive, &members, &created, &updated); err != nil {
		return numina.Group{}, notFoundOr("group", id, "get group", err)
	}
	g.ID = numina.GroupID(gid)
	g.OwnerID = numina.UserID(ownerID)
	g.Description = description.String
	g.IsActive = isActive != 0
	g.CreatedAt = time.Unix(created, 0).UTC()
	g.UpdatedAt = time.Unix(updated, 0).UTC()
	_ = json.Unmarshal([]byte(pattern), &g.Pattern)
	_ = json.Unmarshal([]byte(state), &g.State)
	_ = json.Unmarshal([]byte(members), &g.Members)
	return g, nil
}

// --- Relations ---

func (s *Store) CreateRelation(ctx context.Context, rel numina.Relation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relations (id, kind, from_id, to_id, props, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(rel.ID), rel.Kind, rel.From, rel.To, nullable(rel.Props), rel.CreatedAt.Unix())
	return wrapConstraint("create relation", err)
}

func (s *Store) ListRelations(ctx context.Context, kind, from string) ([]numina.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, from_id, to_id, props, created_at FROM relations WHERE kind = ? AND from_id = ? ORDER BY created_at`,
		kind, from)
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "list relations", Err: err}
	}
	defer rows.Close()
	var out []numina.Relation
	for rows.Next() {
		var r numina.Relation
		var rid string
		var props sql.NullString
		var created int64
		if err := rows.Scan(&rid, &r.Kind, &r.From, &r.To, &props, &created); err != nil {
			return nil, &numina.ErrPersistence{Op: "scan relation", Err: err}
		}
		r.ID = numina.RelationID(rid)
		if props.Valid {
			r.Props = json.RawMessage(props.String)
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRelation(ctx context.Context, id numina.RelationID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE id = ?`, string(id))
	if err != nil {
		return &numina.ErrPersistence{Op: "delete relation", Err: err}
	}
	return nil
}

// --- Message history ---

// PersistBatch appends a finalized batch. Re-persisting the same batch id
// is a no-op, making retries idempotent.
func (s *Store) PersistBatch(ctx context.Context, agentID numina.AgentID, batch numina.MessageBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &numina.ErrPersistence{Op: "persist batch", Err: err, Transient: true}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO batches (agent_id, id, type, is_complete) VALUES (?, ?, ?, ?)`,
		string(agentID), int64(batch.ID), string(batch.Type), boolInt(batch.Complete))
	if err != nil {
		return &numina.ErrPersistence{Op: "persist batch", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already persisted.
		return tx.Commit()
	}

	for _, m := range batch.Messages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return &numina.ErrPersistence{Op: "encode message", Err: err}
		}
		text := m.Content.PlainText()
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (position, agent_id, batch_id, id, role, content, text, batch_type, has_tool_calls, word_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(m.Position), string(agentID), int64(batch.ID), string(m.ID), m.Role, string(content), text,
			string(m.BatchType), boolInt(m.HasToolCalls), m.WordCount, m.CreatedAt.Unix()); err != nil {
			return &numina.ErrPersistence{Op: "persist message", Err: err}
		}
		if text != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages_fts (position, agent_id, text) VALUES (?, ?, ?)`,
				int64(m.Position), string(agentID), text); err != nil {
				return &numina.ErrPersistence{Op: "index message", Err: err}
			}
		}
	}
	return tx.Commit()
}

// RecentBatches returns up to limit batches newest-first, excluding
// archived ones. limit 0 returns everything.
func (s *Store) RecentBatches(ctx context.Context, agentID numina.AgentID, limit int) ([]numina.MessageBatch, error) {
	q := `SELECT id, type, is_complete FROM batches WHERE agent_id = ? AND archived = 0 ORDER BY id DESC`
	args := []any{string(agentID)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "recent batches", Err: err}
	}
	defer rows.Close()

	var batches []numina.MessageBatch
	for rows.Next() {
		var b numina.MessageBatch
		var id int64
		var btype string
		var complete int
		if err := rows.Scan(&id, &btype, &complete); err != nil {
			return nil, &numina.ErrPersistence{Op: "scan batch", Err: err}
		}
		b.ID = numina.Position(id)
		b.Type = numina.BatchType(btype)
		b.Complete = complete != 0
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &numina.ErrPersistence{Op: "recent batches", Err: err}
	}

	for i := range batches {
		messages, err := s.batchMessages(ctx, agentID, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Messages = messages
	}
	return batches, nil
}

func (s *Store) batchMessages(ctx context.Context, agentID numina.AgentID, batchID numina.Position) ([]numina.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, role, content, batch_type, has_tool_calls, word_count, created_at
		 FROM messages WHERE agent_id = ? AND batch_id = ? ORDER BY position`,
		string(agentID), int64(batchID))
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "batch messages", Err: err}
	}
	defer rows.Close()

	var out []numina.Message
	for rows.Next() {
		m, err := scanMessage(rows, batchID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows, batchID numina.Position) (numina.Message, error) {
	var m numina.Message
	var position, created int64
	var mid, role, content, batchType string
	var hasCalls, wordCount int
	if err := rows.Scan(&position, &mid, &role, &content, &batchType, &hasCalls, &wordCount, &created); err != nil {
		return numina.Message{}, &numina.ErrPersistence{Op: "scan message", Err: err}
	}
	m.Position = numina.Position(position)
	m.BatchID = batchID
	m.ID = numina.MessageID(mid)
	m.Role = role
	m.BatchType = numina.BatchType(batchType)
	m.HasToolCalls = hasCalls != 0
	m.WordCount = wordCount
	m.CreatedAt = time.Unix(created, 0).UTC()
	_ = json.Unmarshal([]byte(content), &m.Content)
	return m, nil
}

// ArchiveBatches marks batches archived. Message rows are untouched.
func (s *Store) ArchiveBatches(ctx context.Context, agentID numina.AgentID, batchIDs []numina.Position) error {
	for _, id := range batchIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE batches SET archived = 1 WHERE agent_id = ? AND id = ?`,
			string(agentID), int64(id)); err != nil {
			return &numina.ErrPersistence{Op: "archive batch", Err: err}
		}
	}
	return nil
}

// --- Search ---

// SearchMessages runs BM25-ranked full-text search over the agent's
// message content, with optional role and time filters.
func (s *Store) SearchMessages(ctx context.Context, agentID numina.AgentID, query string, opts numina.SearchOptions) ([]numina.ScoredMessage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT m.position, m.id, m.role, m.content, m.batch_type, m.has_tool_calls, m.word_count, m.created_at, m.batch_id, f.rank
		FROM messages_fts f
		JOIN messages m ON m.position = f.position
		WHERE messages_fts MATCH ? AND f.agent_id = ?`
	args := []any{query, string(agentID)}
	if opts.Role != "" {
		q += ` AND m.role = ?`
		args = append(args, opts.Role)
	}
	if !opts.After.IsZero() {
		q += ` AND m.created_at >= ?`
		args = append(args, opts.After.Unix())
	}
	if !opts.Before.IsZero() {
		q += ` AND m.created_at < ?`
		args = append(args, opts.Before.Unix())
	}
	q += ` ORDER BY f.rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "search messages", Err: err}
	}
	defer rows.Close()

	var out []numina.ScoredMessage
	for rows.Next() {
		var m numina.Message
		var position, created, batchID int64
		var mid, role, content, batchType string
		var hasCalls, wordCount int
		var rank float64
		if err := rows.Scan(&position, &mid, &role, &content, &batchType, &hasCalls, &wordCount, &created, &batchID, &rank); err != nil {
			return nil, &numina.ErrPersistence{Op: "scan search hit", Err: err}
		}
		m.Position = numina.Position(position)
		m.ID = numina.MessageID(mid)
		m.Role = role
		m.BatchType = numina.BatchType(batchType)
		m.HasToolCalls = hasCalls != 0
		m.WordCount = wordCount
		m.CreatedAt = time.Unix(created, 0).UTC()
		m.BatchID = numina.Position(batchID)
		_ = json.Unmarshal([]byte(content), &m.Content)
		// FTS5 rank is negative; closer to zero means better.
		score := -rank
		if score < 0 {
			score = 0
		}
		out = append(out, numina.ScoredMessage{Message: m, Score: score})
	}
	return out, rows.Err()
}

// SearchArchival runs BM25-ranked full-text search over the owner's
// archival memory values.
func (s *Store) SearchArchival(ctx context.Context, owner numina.UserID, query string, limit int) ([]numina.ScoredBlock, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.owner_id, b.label, b.value, b.description, b.memory_type, b.permission, b.pinned,
		        b.embedding, b.embedding_model, b.created_at, b.updated_at, f.rank
		 FROM archival_fts f
		 JOIN memory_blocks b ON b.id = f.block_id
		 WHERE archival_fts MATCH ? AND f.owner_id = ?
		 ORDER BY f.rank LIMIT ?`,
		query, string(owner), limit)
	if err != nil {
		return nil, &numina.ErrPersistence{Op: "search archival", Err: err}
	}
	defer rows.Close()

	var out []numina.ScoredBlock
	for rows.Next() {
		var b numina.MemoryBlock
		var bid, ownerID, memType string
		var description, embedding, embeddingModel sql.NullString
		var permission, pinned int
		var created, updated int64
		var rank float64
		if err := rows.Scan(&bid, &ownerID, &b.Label, &b.Value, &description, &memType, &permission, &pinned,
			&embedding, &embeddingModel, &created, &updated, &rank); err != nil {
			return nil, &numina.ErrPersistence{Op: "scan archival hit", Err: err}
		}
		b.ID = numina.MemoryID(bid)
		b.OwnerID = numina.UserID(ownerID)
		b.Description = description.String
		b.MemoryType = numina.MemoryType(memType)
		b.Permission = numina.MemoryPermission(permission)
		b.Pinned = pinned != 0
		b.EmbeddingModel = embeddingModel.String
		b.CreatedAt = time.Unix(created, 0).UTC()
		b.UpdatedAt = time.Unix(updated, 0).UTC()
		score := -rank
		if score < 0 {
			score = 0
		}
		out = append(out, numina.ScoredBlock{MemoryBlock: b, Score: score})
	}
	return out, rows.Err()
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func notFoundOr(kind, id, op string, err error) error {
	if err == sql.ErrNoRows {
		return &numina.ErrNotFound{Kind: kind, ID: id}
	}
	return &numina.ErrPersistence{Op: op, Err: err}
}

func affectedOr(kind, id, op string, res sql.Result, err error) error {
	if err != nil {
		return &numina.ErrPersistence{Op: op, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &numina.ErrNotFound{Kind: kind, ID: id}
	}
	return nil
}

func wrapConstraint(op string, err error) error {
	if err == nil {
		return nil
	}
	// UNIQUE violations surface as validation errors so callers can treat
	// create-or-update flows uniformly.
	if isConstraint(err) {
		return &numina.ErrValidation{Field: op, Reason: err.Error()}
	}
	return &numina.ErrPersistence{Op: op, Err: err}
}

func isConstraint(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "constraint failed"))
}
