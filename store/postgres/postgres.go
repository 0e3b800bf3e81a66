// Package postgres implements numina.Store on PostgreSQL via pgx.
// Full-text search over messages and archival memory uses tsvector with
// ts_rank scoring behind GIN indexes.
//
// The Store accepts an externally-owned *pgxpool.Pool; the caller creates
// and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scarnecchia/numina"
)

// Store implements numina.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ numina.Store = (*Store)(nil)

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			settings JSONB,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			state JSONB NOT NULL,
			base_instructions TEXT NOT NULL,
			model_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_active TIMESTAMPTZ NOT NULL,
			stats JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_blocks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			description TEXT,
			memory_type TEXT NOT NULL,
			permission INT NOT NULL,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			embedding JSONB,
			embedding_model TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			pattern JSONB NOT NULL,
			state JSONB NOT NULL,
			is_active BOOLEAN NOT NULL,
			members JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			props JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			agent_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			type TEXT NOT NULL,
			is_complete BOOLEAN NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (agent_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			position BIGINT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB NOT NULL,
			text TEXT NOT NULL,
			batch_type TEXT NOT NULL,
			has_tool_calls BOOLEAN NOT NULL,
			word_count INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_owner ON memory_blocks(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_kind_from ON relations(kind, from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_batch ON messages(agent_id, batch_id)`,
		`CREATE INDEX IF NOT EXISTS messages_fts_idx ON messages USING gin(to_tsvector('english', text))`,
		`CREATE INDEX IF NOT EXISTS archival_fts_idx ON memory_blocks USING gin(to_tsvector('english', value))`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return &numina.ErrPersistence{Op: "init", Err: err}
		}
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, user numina.User) error {
	settings, _ := json.Marshal(user.Settings)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, created_at, updated_at, settings, metadata) VALUES ($1, $2, $3, $4, $5)`,
		string(user.ID), user.CreatedAt, user.UpdatedAt, settings, rawOrNil(user.Metadata))
	return wrapErr("create user", err)
}

func (s *Store) GetUser(ctx context.Context, id numina.UserID) (numina.User, error) {
	var u numina.User
	var uid string
	var settings, metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at, updated_at, settings, metadata FROM users WHERE id = $1`, string(id)).
		Scan(&uid, &u.CreatedAt, &u.UpdatedAt, &settings, &metadata)
	if err != nil {
		return numina.User{}, notFoundOr("user", string(id), "get user", err)
	}
	u.ID = numina.UserID(uid)
	_ = json.Unmarshal(settings, &u.Settings)
	u.Metadata = metadata
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, user numina.User) error {
	settings, _ := json.Marshal(user.Settings)
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET updated_at = $1, settings = $2, metadata = $3 WHERE id = $4`,
		user.UpdatedAt, settings, rawOrNil(user.Metadata), string(user.ID))
	return affectedOr("user", string(user.ID), "update user", tag, err)
}

func (s *Store) DeleteUser(ctx context.Context, id numina.UserID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, string(id))
	return wrapErr("delete user", err)
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, record numina.AgentRecord) error {
	state, _ := json.Marshal(record.State)
	stats, _ := json.Marshal(record.Stats)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, owner_id, name, type, state, base_instructions, model_id, created_at, updated_at, last_active, stats)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(record.ID), string(record.OwnerID), record.Name, record.Type, state,
		record.BaseInstructions, record.ModelID, record.CreatedAt, record.UpdatedAt, record.LastActive, stats)
	return wrapErr("create agent", err)
}

func (s *Store) GetAgent(ctx context.Context, id numina.AgentID) (numina.AgentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, type, state, base_instructions, model_id, created_at, updated_at, last_active, stats
		 FROM agents WHERE id = $1`, string(id))
	return scanAgent(row, string(id))
}

func (s *Store) UpdateAgent(ctx context.Context, record numina.AgentRecord) error {
	state, _ := json.Marshal(record.State)
	stats, _ := json.Marshal(record.Stats)
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET owner_id = $1, name = $2, type = $3, state = $4, base_instructions = $5,
		 model_id = $6, updated_at = $7, last_active = $8, stats = $9 WHERE id = $10`,
		string(record.OwnerID), record.Name, record.Type, state, record.BaseInstructions,
		record.ModelID, record.UpdatedAt, record.LastActive, stats, string(record.ID))
	return affectedOr("agent", string(record.ID), "update agent", tag, err)
}

func (s *Store) DeleteAgent(ctx context.Context, id numina.AgentID) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE agent_id = $1`,
		`DELETE FROM batches WHERE agent_id = $1`,
		`DELETE FROM relations WHERE from_id = $1`,
		`DELETE FROM agents WHERE id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, q, string(id)); err != nil {
			return wrapErr("delete agent", err)
		}
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, owner numina.UserID) ([]numina.AgentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, type, state, base_instructions, model_id, created_at, updated_at, last_active, stats
		 FROM agents WHERE owner_id = $1 ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, wrapErr("list agents", err)
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

func scanAgent(row rowScanner, id string) (numina.AgentRecord, error) {
	var r numina.AgentRecord
	var rid, ownerID string
	var modelID *string
	var state, stats []byte
	if err := row.Scan(&rid, &ownerID, &r.Name, &r.Type, &state, &r.BaseInstructions, &modelID,
		&r.CreatedAt, &r.UpdatedAt, &r.LastActive, &stats); err != nil {
		return numina.AgentRecord{}, notFoundOr("agent", id, "get agent", err)
	}
	r.ID = numina.AgentID(rid)
	r.OwnerID = numina.UserID(ownerID)
	if modelID != nil {
		r.ModelID = *modelID
	}
	_ = json.Unmarshal(state, &r.State)
	_ = json.Unmarshal(stats, &r.Stats)
	return r, nil
}

// --- Memory blocks ---

func (s *Store) CreateMemoryBlock(ctx context.Context, block numina.MemoryBlock) error {
	embedding, _ := json.Marshal(block.Embedding)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_blocks (id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(block.ID), string(block.OwnerID), block.Label, block.Value, block.Description,
		string(block.MemoryType), int(block.Permission), block.Pinned, embedding, block.EmbeddingModel,
		block.CreatedAt, block.UpdatedAt)
	return wrapErr("create memory block", err)
}

func (s *Store) GetMemoryBlock(ctx context.Context, id numina.MemoryID) (numina.MemoryBlock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model, created_at, updated_at
		 FROM memory_blocks WHERE id = $1`, string(id))
	b, err := scanBlock(row, string(id))
	return b, err
}

func (s *Store) UpdateMemoryBlock(ctx context.Context, block numina.MemoryBlock) error {
	embedding, _ := json.Marshal(block.Embedding)
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_blocks SET label = $1, value = $2, description = $3, memory_type = $4, permission = $5,
		 pinned = $6, embedding = $7, embedding_model = $8, updated_at = $9 WHERE id = $10`,
		block.Label, block.Value, block.Description, string(block.MemoryType), int(block.Permission),
		block.Pinned, embedding, block.EmbeddingModel, block.UpdatedAt, string(block.ID))
	return affectedOr("memory block", string(block.ID), "update memory block", tag, err)
}

func (s *Store) DeleteMemoryBlock(ctx context.Context, id numina.MemoryID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_blocks WHERE id = $1`, string(id))
	return wrapErr("delete memory block", err)
}

func (s *Store) ListMemoryBlocks(ctx context.Context, owner numina.UserID) ([]numina.MemoryBlock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model, created_at, updated_at
		 FROM memory_blocks WHERE owner_id = $1 ORDER BY label`, string(owner))
	if err != nil {
		return nil, wrapErr("list memory blocks", err)
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
	var description, embeddingModel *string
	var embedding []byte
	var permission int
	if err := row.Scan(&bid, &ownerID, &b.Label, &b.Value, &description, &memType, &permission, &b.Pinned,
		&embedding, &embeddingModel, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return numina.MemoryBlock{}, notFoundOr("memory block", id, "get memory block", err)
	}
	b.ID = numina.MemoryID(bid)
	b.OwnerID = numina.UserID(ownerID)
	if description != nil {
		b.Description = *description
	}
	b.MemoryType = numina.MemoryType(memType)
	b.Permission = numina.MemoryPermission(permission)
	if embeddingModel != nil {
		b.EmbeddingModel = *embeddingModel
	}
	_ = json.Unmarshal(embedding, &b.Embedding)
	return b, nil
}

// --- Groups ---

func (s *Store) CreateGroup(ctx context.Context, group numina.Group) error {
	pattern, _ := json.Marshal(group.Pattern)
	state, _ := json.Marshal(group.State)
	members, _ := json.Marshal(group.Members)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO groups (id, owner_id, name, description, pattern, state, is_active, members, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(group.ID), string(group.OwnerID), group.Name, group.Description,
		pattern, state, group.IsActive, members, group.CreatedAt, group.UpdatedAt)
	return wrapErr("create group", err)
}

func (s *Store) GetGroup(ctx context.Context, id numina.GroupID) (numina.Group, error) {
	var g numina.Group
	var gid, ownerID string
	var description *string
	var pattern, state, members []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, pattern, state, is_active, members, created_at, updated_at
		 FROM groups WHERE id = $1`, string(id)).
		Scan(&gid, &ownerID, &g.Name, &description, &pattern, &state, &g.IsActive, &members, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return numina.Group{}, notFoundOr("group", string(id), "get group", err)
	}
	g.ID = numina.GroupID(gid)
	g.OwnerID = numina.UserID(ownerID)
	if description != nil {
		g.Description = *description
	}
	_ = json.Unmarshal(pattern, &g.Pattern)
	_ = json.Unmarshal(state, &g.State)
	_ = json.Unmarshal(members, &g.Members)
	return g, nil
}

func (s *Store) UpdateGroup(ctx context.Context, group numina.Group) error {
	pattern, _ := json.Marshal(group.Pattern)
	state, _ := json.Marshal(group.State)
	members, _ := json.Marshal(group.Members)
	tag, err := s.pool.Exec(ctx,
		`UPDATE groups SET name = $1, description = $2, pattern = $3, state = $4, is_active = $5, members = $6, updated_at = $7
		 WHERE id = $8`,
		group.Name, group.Description, pattern, state, group.IsActive, members, group.UpdatedAt, string(group.ID))
	return affectedOr("group", string(group.ID), "update group", tag, err)
}

func (s *Store) DeleteGroup(ctx context.Context, id numina.GroupID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, string(id))
	return wrapErr("delete group", err)
}

func (s *Store) ListGroups(ctx context.Context, owner numina.UserID) ([]numina.Group, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM groups WHERE owner_id = $1 ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, wrapErr("list groups", err)
	}
	defer rows.Close()
	var ids []numina.GroupID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan group id", err)
		}
		ids = append(ids, numina.GroupID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list groups", err)
	}
	var out []numina.Group
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// --- Relations ---

func (s *Store) CreateRelation(ctx context.Context, rel numina.Relation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relations (id, kind, from_id, to_id, props, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(rel.ID), rel.Kind, rel.From, rel.To, rawOrNil(rel.Props), rel.CreatedAt)
	return wrapErr("create relation", err)
}

func (s *Store) ListRelations(ctx context.Context, kind, from string) ([]numina.Relation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, from_id, to_id, props, created_at FROM relations WHERE kind = $1 AND from_id = $2 ORDER BY created_at`,
		kind, from)
	if err != nil {
		return nil, wrapErr("list relations", err)
	}
	defer rows.Close()
	var out []numina.Relation
	for rows.Next() {
		var r numina.Relation
		var rid string
		var props []byte
		if err := rows.Scan(&rid, &r.Kind, &r.From, &r.To, &props, &r.CreatedAt); err != nil {
			return nil, wrapErr("scan relation", err)
		}
		r.ID = numina.RelationID(rid)
		r.Props = props
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRelation(ctx context.Context, id numina.RelationID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM relations WHERE id = $1`, string(id))
	return wrapErr("delete relation", err)
}

// --- Message history ---

func (s *Store) PersistBatch(ctx context.Context, agentID numina.AgentID, batch numina.MessageBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &numina.ErrPersistence{Op: "persist batch", Err: err, Transient: true}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO batches (agent_id, id, type, is_complete) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		string(agentID), int64(batch.ID), string(batch.Type), batch.Complete)
	if err != nil {
		return wrapErr("persist batch", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	for _, m := range batch.Messages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return &numina.ErrPersistence{Op: "encode message", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (position, agent_id, batch_id, id, role, content, text, batch_type, has_tool_calls, word_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT DO NOTHING`,
			int64(m.Position), string(agentID), int64(batch.ID), string(m.ID), m.Role, content,
			m.Content.PlainText(), string(m.BatchType), m.HasToolCalls, m.WordCount, m.CreatedAt); err != nil {
			return wrapErr("persist message", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) RecentBatches(ctx context.Context, agentID numina.AgentID, limit int) ([]numina.MessageBatch, error) {
	q := `SELECT id, type, is_complete FROM batches WHERE agent_id = $1 AND NOT archived ORDER BY id DESC`
	args := []any{string(agentID)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("recent batches", err)
	}
	defer rows.Close()

	var batches []numina.MessageBatch
	for rows.Next() {
		var b numina.MessageBatch
		var id int64
		var btype string
		if err := rows.Scan(&id, &btype, &b.Complete); err != nil {
			return nil, wrapErr("scan batch", err)
		}
		b.ID = numina.Position(id)
		b.Type = numina.BatchType(btype)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("recent batches", err)
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
	rows, err := s.pool.Query(ctx,
		`SELECT position, id, role, content, batch_type, has_tool_calls, word_count, created_at
		 FROM messages WHERE agent_id = $1 AND batch_id = $2 ORDER BY position`,
		string(agentID), int64(batchID))
	if err != nil {
		return nil, wrapErr("batch messages", err)
	}
	defer rows.Close()

	var out []numina.Message
	for rows.Next() {
		var m numina.Message
		var position int64
		var mid, role, batchType string
		var content []byte
		if err := rows.Scan(&position, &mid, &role, &content, &batchType, &m.HasToolCalls, &m.WordCount, &m.CreatedAt); err != nil {
			return nil, wrapErr("scan message", err)
		}
		m.Position = numina.Position(position)
		m.BatchID = batchID
		m.ID = numina.MessageID(mid)
		m.Role = role
		m.BatchType = numina.BatchType(batchType)
		_ = json.Unmarshal(content, &m.Content)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ArchiveBatches(ctx context.Context, agentID numina.AgentID, batchIDs []numina.Position) error {
	ids := make([]int64, len(batchIDs))
	for i, id := range batchIDs {
		ids[i] = int64(id)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE batches SET archived = TRUE WHERE agent_id = $1 AND id = ANY($2)`,
		string(agentID), ids)
	return wrapErr("archive batches", err)
}

// --- Search ---

func (s *Store) SearchMessages(ctx context.Context, agentID numina.AgentID, query string, opts numina.SearchOptions) ([]numina.ScoredMessage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT position, id, role, content, batch_type, has_tool_calls, word_count, created_at, batch_id,
	             ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) AS score
	      FROM messages
	      WHERE agent_id = $2 AND to_tsvector('english', text) @@ plainto_tsquery('english', $1)`
	args := []any{query, string(agentID)}
	n := 3
	if opts.Role != "" {
		q += ` AND role = $` + itoa(n)
		args = append(args, opts.Role)
		n++
	}
	if !opts.After.IsZero() {
		q += ` AND created_at >= $` + itoa(n)
		args = append(args, opts.After)
		n++
	}
	if !opts.Before.IsZero() {
		q += ` AND created_at < $` + itoa(n)
		args = append(args, opts.Before)
		n++
	}
	q += ` ORDER BY score DESC LIMIT $` + itoa(n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("search messages", err)
	}
	defer rows.Close()

	var out []numina.ScoredMessage
	for rows.Next() {
		var m numina.Message
		var position, batchID int64
		var mid, role, batchType string
		var content []byte
		var score float64
		if err := rows.Scan(&position, &mid, &role, &content, &batchType, &m.HasToolCalls, &m.WordCount,
			&m.CreatedAt, &batchID, &score); err != nil {
			return nil, wrapErr("scan search hit", err)
		}
		m.Position = numina.Position(position)
		m.BatchID = numina.Position(batchID)
		m.ID = numina.MessageID(mid)
		m.Role = role
		m.BatchType = numina.BatchType(batchType)
		_ = json.Unmarshal(content, &m.Content)
		out = append(out, numina.ScoredMessage{Message: m, Score: score})
	}
	return out, rows.Err()
}

func (s *Store) SearchArchival(ctx context.Context, owner numina.UserID, query string, limit int) ([]numina.ScoredBlock, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, label, value, description, memory_type, permission, pinned, embedding, embedding_model,
		        created_at, updated_at,
		        ts_rank(to_tsvector('english', value), plainto_tsquery('english', $1)) AS score
		 FROM memory_blocks
		 WHERE owner_id = $2 AND memory_type = 'archival'
		   AND to_tsvector('english', value) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC LIMIT $3`,
		query, string(owner), limit)
	if err != nil {
		return nil, wrapErr("search archival", err)
	}
	defer rows.Close()

	var out []numina.ScoredBlock
	for rows.Next() {
		var b numina.MemoryBlock
		var bid, ownerID, memType string
		var description, embeddingModel *string
		var embedding []byte
		var permission int
		var score float64
		if err := rows.Scan(&bid, &ownerID, &b.Label, &b.Value, &description, &memType, &permission, &b.Pinned,
			&embedding, &embeddingModel, &b.CreatedAt, &b.UpdatedAt, &score); err != nil {
			return nil, wrapErr("scan archival hit", err)
		}
		b.ID = numina.MemoryID(bid)
		b.OwnerID = numina.UserID(ownerID)
		if description != nil {
			b.Description = *description
		}
		b.MemoryType = numina.MemoryType(memType)
		b.Permission = numina.MemoryPermission(permission)
		if embeddingModel != nil {
			b.EmbeddingModel = *embeddingModel
		}
		_ = json.Unmarshal(embedding, &b.Embedding)
		out = append(out, numina.ScoredBlock{MemoryBlock: b, Score: score})
	}
	return out, rows.Err()
}

// --- helpers ---

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func itoa(n int) string { return strconv.Itoa(n) }

func notFoundOr(kind, id, op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &numina.ErrNotFound{Kind: kind, ID: id}
	}
	return wrapErr(op, err)
}

func affectedOr(kind, id, op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return wrapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return &numina.ErrNotFound{Kind: kind, ID: id}
	}
	return nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// unique_violation
		return &numina.ErrValidation{Field: op, Reason: pgErr.Message}
	}
	return &numina.ErrPersistence{Op: op, Err: err}
}
