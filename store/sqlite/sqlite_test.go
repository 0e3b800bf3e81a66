package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scarnecchia/numina"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAgent(owner numina.UserID) numina.AgentRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return numina.AgentRecord{
		ID:               numina.NewAgentID(),
		OwnerID:          owner,
		Name:             "scout",
		Type:             "assistant",
		State:            numina.Ready(),
		BaseInstructions: "observe",
		ModelID:          "gpt-4o-mini",
		CreatedAt:        now,
		UpdatedAt:        now,
		LastActive:       now,
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := numina.NewUserID()
	record := testAgent(owner)

	if err := s.CreateAgent(ctx, record); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := s.CreateAgent(ctx, record); err == nil {
		t.Error("duplicate create accepted")
	}

	got, err := s.GetAgent(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "scout" || got.OwnerID != owner || got.State.Kind != numina.StateReady {
		t.Errorf("got = %+v", got)
	}

	record.Name = "ranger"
	record.Stats.TotalMessages = 5
	if err := s.UpdateAgent(ctx, record); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	got, _ = s.GetAgent(ctx, record.ID)
	if got.Name != "ranger" || got.Stats.TotalMessages != 5 {
		t.Errorf("after update = %+v", got)
	}

	agents, err := s.ListAgents(ctx, owner)
	if err != nil || len(agents) != 1 {
		t.Errorf("ListAgents = %v, %v", agents, err)
	}

	if err := s.DeleteAgent(ctx, record.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(ctx, record.ID); err == nil {
		t.Error("agent survived deletion")
	}
}

func TestBatchPersistenceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := numina.NewAgentID()

	alloc := numina.NewPositionAllocator()
	batch := numina.NewBatch(numina.BatchUserRequest)
	batch.Append(numina.UserMessage("hello world"), alloc)
	batch.Append(numina.AssistantMessage("hi"), alloc)
	batch.Complete = true

	if err := s.PersistBatch(ctx, agentID, *batch); err != nil {
		t.Fatalf("PersistBatch: %v", err)
	}
	// Second persist of the same batch id is a no-op.
	if err := s.PersistBatch(ctx, agentID, *batch); err != nil {
		t.Fatalf("re-PersistBatch: %v", err)
	}

	batches, err := s.RecentBatches(ctx, agentID, 10)
	if err != nil {
		t.Fatalf("RecentBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches", len(batches))
	}
	if batches[0].Len() != 2 || !batches[0].Complete {
		t.Errorf("batch = %+v", batches[0])
	}
	if batches[0].Messages[0].Content.PlainText() != "hello world" {
		t.Errorf("message content = %q", batches[0].Messages[0].Content.PlainText())
	}
}

func TestRecentBatchesNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := numina.NewAgentID()
	alloc := numina.NewPositionAllocator()

	var ids []numina.Position
	for i := 0; i < 3; i++ {
		b := numina.NewBatch(numina.BatchUserRequest)
		b.Append(numina.UserMessage("msg"), alloc)
		b.Complete = true
		if err := s.PersistBatch(ctx, agentID, *b); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}

	batches, err := s.RecentBatches(ctx, agentID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d", len(batches))
	}
	if batches[0].ID != ids[2] || batches[1].ID != ids[1] {
		t.Errorf("order = %v, want newest first", []numina.Position{batches[0].ID, batches[1].ID})
	}
}

func TestArchiveBatchesLeaveWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := numina.NewAgentID()
	alloc := numina.NewPositionAllocator()

	b := numina.NewBatch(numina.BatchUserRequest)
	b.Append(numina.UserMessage("old news"), alloc)
	b.Complete = true
	_ = s.PersistBatch(ctx, agentID, *b)

	if err := s.ArchiveBatches(ctx, agentID, []numina.Position{b.ID}); err != nil {
		t.Fatalf("ArchiveBatches: %v", err)
	}
	batches, _ := s.RecentBatches(ctx, agentID, 10)
	if len(batches) != 0 {
		t.Error("archived batch still in the active window")
	}

	// The message content is still searchable.
	hits, err := s.SearchMessages(ctx, agentID, "news", numina.SearchOptions{})
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits", len(hits))
	}
}

func TestSearchMessagesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := numina.NewAgentID()
	alloc := numina.NewPositionAllocator()

	b := numina.NewBatch(numina.BatchUserRequest)
	b.Append(numina.UserMessage("the quarterly report is late"), alloc)
	b.Append(numina.AssistantMessage("the quarterly report is being drafted"), alloc)
	b.Complete = true
	_ = s.PersistBatch(ctx, agentID, *b)

	hits, err := s.SearchMessages(ctx, agentID, "quarterly report", numina.SearchOptions{Role: numina.RoleUser})
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(hits) != 1 || hits[0].Role != numina.RoleUser {
		t.Errorf("hits = %+v", hits)
	}

	// An unrelated agent sees nothing.
	hits, _ = s.SearchMessages(ctx, numina.NewAgentID(), "quarterly", numina.SearchOptions{})
	if len(hits) != 0 {
		t.Error("cross-agent search leak")
	}
}

func TestArchivalSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := numina.NewUserID()
	now := time.Now().UTC()

	block := numina.MemoryBlock{
		ID: numina.NewMemoryID(), OwnerID: owner, Label: "trip",
		Value:      "flight leaves tuesday morning from the old airport",
		MemoryType: numina.MemoryArchival, Permission: numina.PermReadWrite,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateMemoryBlock(ctx, block); err != nil {
		t.Fatalf("CreateMemoryBlock: %v", err)
	}
	// Core blocks are not searchable through the archival surface.
	core := block
	core.ID = numina.NewMemoryID()
	core.Label = "notes"
	core.Value = "tuesday is laundry day"
	core.MemoryType = numina.MemoryCore
	_ = s.CreateMemoryBlock(ctx, core)

	hits, err := s.SearchArchival(ctx, owner, "tuesday", 5)
	if err != nil {
		t.Fatalf("SearchArchival: %v", err)
	}
	if len(hits) != 1 || hits[0].Label != "trip" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestRelations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID := numina.NewAgentID()
	blockID := numina.NewMemoryID()
	rel := numina.Relation{
		ID:        numina.NewRelationID(),
		Kind:      "agent_memory",
		From:      string(agentID),
		To:        string(blockID),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRelation(ctx, rel); err != nil {
		t.Fatalf("CreateRelation: %v", err)
	}

	edges, err := s.ListRelations(ctx, "agent_memory", string(agentID))
	if err != nil || len(edges) != 1 {
		t.Fatalf("ListRelations = %v, %v", edges, err)
	}
	if edges[0].To != string(blockID) {
		t.Errorf("edge = %+v", edges[0])
	}

	if edges, _ := s.ListRelations(ctx, "group_member", string(agentID)); len(edges) != 0 {
		t.Error("kind filter leaked")
	}
}
