package numina

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ImportOptions govern how a bundle lands in the store.
type ImportOptions struct {
	// PreserveIDs keeps original identifiers; otherwise fresh ones are
	// generated to avoid collisions.
	PreserveIDs bool
	// PreserveTimestamps keeps original created/updated stamps; otherwise
	// the import time applies.
	PreserveTimestamps bool
	// OwnerID reassigns ownership when non-empty.
	OwnerID UserID
	// RenameTo renames a single imported agent.
	RenameTo string
	// IncludeMessages imports message history.
	IncludeMessages bool
	// IncludeMemories imports memory blocks.
	IncludeMemories bool
}

// DefaultImportOptions preserves timestamps, regenerates ids, and imports
// everything.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{PreserveTimestamps: true, IncludeMessages: true, IncludeMemories: true}
}

// ImportResult counts what an import created.
type ImportResult struct {
	AgentsImported   int
	GroupsImported   int
	MemoriesImported int
	MessagesImported int
	// AgentIDs maps original to stored ids (identical under PreserveIDs).
	AgentIDs map[AgentID]AgentID
}

// Importer decodes bundles into the store.
type Importer struct {
	store Store
	now   func() time.Time
}

// NewImporter returns an importer over store.
func NewImporter(store Store) *Importer {
	return &Importer{store: store, now: time.Now}
}

// DetectType resolves the bundle's export type: the manifest when present,
// else the root block's schema probed in order agent → group →
// constellation for backward compatibility.
func (im *Importer) DetectType(b Bundle) (ExportType, CID, error) {
	root, ok := b.find(b.Root)
	if !ok {
		return "", "", &ErrValidation{Field: "bundle", Reason: "root block missing"}
	}

	var manifest ExportManifest
	if err := cbor.Unmarshal(root.Data, &manifest); err == nil && manifest.Kind == "manifest" {
		if _, ok := b.find(manifest.Entity); !ok {
			return "", "", &ErrValidation{Field: "bundle", Reason: "manifest entity block missing"}
		}
		return manifest.Type, manifest.Entity, nil
	}

	var agent agentExport
	if err := cbor.Unmarshal(root.Data, &agent); err == nil && agent.Record.ID != "" {
		return ExportAgent, b.Root, nil
	}
	var group groupExport
	if err := cbor.Unmarshal(root.Data, &group); err == nil && group.Group.ID != "" {
		return ExportGroup, b.Root, nil
	}
	var constellation constellationExport
	if err := cbor.Unmarshal(root.Data, &constellation); err == nil && constellation.Constellation.ID != "" {
		return ExportConstellation, b.Root, nil
	}
	return "", "", &ErrValidation{Field: "bundle", Reason: "unrecognized root block"}
}

// Import lands a bundle of any type.
func (im *Importer) Import(ctx context.Context, b Bundle, opts ImportOptions) (ImportResult, error) {
	t, entity, err := im.DetectType(b)
	if err != nil {
		return ImportResult{}, err
	}
	switch t {
	case ExportAgent:
		return im.importAgentBlock(ctx, b, entity, opts)
	case ExportGroup:
		return im.importGroupBlock(ctx, b, entity, opts)
	case ExportConstellation:
		return im.importConstellationBlock(ctx, b, entity, opts)
	default:
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "unknown export type: " + string(t)}
	}
}

func (im *Importer) importAgentBlock(ctx context.Context, b Bundle, cid CID, opts ImportOptions) (ImportResult, error) {
	block, ok := b.find(cid)
	if !ok {
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "agent block missing: " + string(cid)}
	}
	var export agentExport
	if err := cbor.Unmarshal(block.Data, &export); err != nil {
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "agent decode: " + err.Error()}
	}
	result := ImportResult{AgentIDs: make(map[AgentID]AgentID)}
	if err := im.landAgent(ctx, export, opts, &result); err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

func (im *Importer) importGroupBlock(ctx context.Context, b Bundle, cid CID, opts ImportOptions) (ImportResult, error) {
	block, ok := b.find(cid)
	if !ok {
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "group block missing: " + string(cid)}
	}
	var export groupExport
	if err := cbor.Unmarshal(block.Data, &export); err != nil {
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "group decode: " + err.Error()}
	}

	result := ImportResult{AgentIDs: make(map[AgentID]AgentID)}
	for _, agentCID := range export.Agents {
		agentBlock, ok := b.find(agentCID)
		if !ok {
			return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "member block missing: " + string(agentCID)}
		}
		var agent agentExport
		if err := cbor.Unmarshal(agentBlock.Data, &agent); err != nil {
			return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "member decode: " + err.Error()}
		}
		if err := im.landAgent(ctx, agent, opts, &result); err != nil {
			return ImportResult{}, err
		}
	}

	if err := im.landGroup(ctx, export.Group, opts, &result); err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

func (im *Importer) importConstellationBlock(ctx context.Context, b Bundle, cid CID, opts ImportOptions) (ImportResult, error) {
	block, ok := b.find(cid)
	if !ok {
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "constellation block missing: " + string(cid)}
	}
	var export constellationExport
	if err := cbor.Unmarshal(block.Data, &export); err != nil {
		return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "constellation decode: " + err.Error()}
	}

	result := ImportResult{AgentIDs: make(map[AgentID]AgentID)}
	for _, agentCID := range export.Agents {
		agentBlock, ok := b.find(agentCID)
		if !ok {
			continue
		}
		var agent agentExport
		if err := cbor.Unmarshal(agentBlock.Data, &agent); err != nil {
			return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "member decode: " + err.Error()}
		}
		if err := im.landAgent(ctx, agent, opts, &result); err != nil {
			return ImportResult{}, err
		}
	}
	for _, groupCID := range export.Groups {
		groupBlock, ok := b.find(groupCID)
		if !ok {
			continue
		}
		var group groupExport
		if err := cbor.Unmarshal(groupBlock.Data, &group); err != nil {
			return ImportResult{}, &ErrValidation{Field: "bundle", Reason: "group decode: " + err.Error()}
		}
		if err := im.landGroup(ctx, group.Group, opts, &result); err != nil {
			return ImportResult{}, err
		}
	}
	return result, nil
}

// landAgent writes one decoded agent, remapping ids and ownership per the
// options.
func (im *Importer) landAgent(ctx context.Context, export agentExport, opts ImportOptions, result *ImportResult) error {
	record := export.Record
	originalID := record.ID

	if !opts.PreserveIDs {
		record.ID = NewAgentID()
	}
	if opts.OwnerID != "" {
		record.OwnerID = opts.OwnerID
	}
	if opts.RenameTo != "" {
		record.Name = opts.RenameTo
	}
	if !opts.PreserveTimestamps {
		now := im.now().UTC()
		record.CreatedAt = now
		record.UpdatedAt = now
		record.LastActive = now
	}
	result.AgentIDs[originalID] = record.ID

	if err := im.createOrReplaceAgent(ctx, record); err != nil {
		return err
	}
	result.AgentsImported++

	if opts.IncludeMemories {
		for _, block := range export.Memory {
			if !opts.PreserveIDs {
				block.ID = NewMemoryID()
			}
			if opts.OwnerID != "" {
				block.OwnerID = opts.OwnerID
			}
			if err := im.store.CreateMemoryBlock(ctx, block); err != nil {
				return err
			}
			props, _ := json.Marshal(map[string]string{"access": block.Permission.String()})
			if err := im.store.CreateRelation(ctx, Relation{
				ID:        NewRelationID(),
				Kind:      "agent_memory",
				From:      string(record.ID),
				To:        string(block.ID),
				Props:     props,
				CreatedAt: im.now().UTC(),
			}); err != nil {
				return err
			}
			result.MemoriesImported++
		}
	}

	if opts.IncludeMessages {
		for _, batch := range export.Batches {
			if err := im.store.PersistBatch(ctx, record.ID, batch); err != nil {
				return err
			}
			result.MessagesImported += batch.Len()
		}
	}
	return nil
}

func (im *Importer) createOrReplaceAgent(ctx context.Context, record AgentRecord) error {
	err := im.store.CreateAgent(ctx, record)
	if err == nil {
		return nil
	}
	var ve *ErrValidation
	if errors.As(err, &ve) {
		return im.store.UpdateAgent(ctx, record)
	}
	return err
}

func (im *Importer) landGroup(ctx context.Context, group Group, opts ImportOptions, result *ImportResult) error {
	if !opts.PreserveIDs {
		group.ID = NewGroupID()
		for i := range group.Members {
			if mapped, ok := result.AgentIDs[group.Members[i].AgentID]; ok {
				group.Members[i].AgentID = mapped
			}
		}
	}
	if opts.OwnerID != "" {
		group.OwnerID = opts.OwnerID
	}
	if !opts.PreserveTimestamps {
		now := im.now().UTC()
		group.CreatedAt = now
		group.UpdatedAt = now
	}
	if err := im.store.CreateGroup(ctx, group); err != nil {
		var ve *ErrValidation
		if errors.As(err, &ve) {
			if err := im.store.UpdateGroup(ctx, group); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	result.GroupsImported++
	return nil
}
