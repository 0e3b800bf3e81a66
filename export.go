package numina

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ExportType tags what a bundle's root describes.
type ExportType string

const (
	ExportAgent         ExportType = "agent"
	ExportGroup         ExportType = "group"
	ExportConstellation ExportType = "constellation"
)

// exportVersion is the bundle format version.
const exportVersion = 1

// CID is a content identifier: "sha256:" plus the hex digest of the
// block's encoded bytes.
type CID string

// Block is one content-addressed record in a bundle.
type Block struct {
	CID  CID    `cbor:"1,keyasint" json:"cid"`
	Data []byte `cbor:"2,keyasint" json:"data"`
}

// Bundle is a self-describing export archive: content-addressed blocks
// plus the root block's identifier. The root is a manifest when one was
// written; older bundles root directly at the entity record.
type Bundle struct {
	Root   CID     `cbor:"1,keyasint" json:"root"`
	Blocks []Block `cbor:"2,keyasint" json:"blocks"`
}

// ExportManifest is the preferred root block, tagging the export type.
type ExportManifest struct {
	Kind      string     `cbor:"kind" json:"kind"` // always "manifest"
	Version   int        `cbor:"version" json:"version"`
	Type      ExportType `cbor:"type" json:"type"`
	CreatedAt time.Time  `cbor:"created_at" json:"created_at"`
	Entity    CID        `cbor:"entity" json:"entity"`
}

// agentExport is the encoded form of one agent.
type agentExport struct {
	Record  AgentRecord    `cbor:"record"`
	Memory  []MemoryBlock  `cbor:"memory,omitempty"`
	Batches []MessageBatch `cbor:"batches,omitempty"`
}

// groupExport is the encoded form of one group; member agents are linked
// by CID.
type groupExport struct {
	Group  Group `cbor:"group"`
	Agents []CID `cbor:"agents,omitempty"`
}

// constellationExport is the encoded form of one constellation.
type constellationExport struct {
	Constellation Constellation `cbor:"constellation"`
	Agents        []CID         `cbor:"agents,omitempty"`
	Groups        []CID         `cbor:"groups,omitempty"`
}

// detEncMode is the deterministic encoder every export uses, so the same
// entity always hashes to the same CID.
var detEncMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func encodeBlock(v any) (Block, error) {
	data, err := detEncMode.Marshal(v)
	if err != nil {
		return Block{}, &ErrValidation{Field: "export", Reason: "encode: " + err.Error()}
	}
	sum := sha256.Sum256(data)
	return Block{CID: CID("sha256:" + hex.EncodeToString(sum[:])), Data: data}, nil
}

// ExportOptions govern what an export carries.
type ExportOptions struct {
	// IncludeMessages carries the agent's persisted batches.
	IncludeMessages bool
	// IncludeMemories carries the agent's memory blocks.
	IncludeMemories bool
}

// DefaultExportOptions includes messages and memories.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{IncludeMessages: true, IncludeMemories: true}
}

// Exporter builds content-addressed bundles from the store.
type Exporter struct {
	store Store
	now   func() time.Time
}

// NewExporter returns an exporter over store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

// ExportAgent bundles one agent: its record and, as opts select, its shared
// memory blocks and message history, rooted at a manifest.
func (e *Exporter) ExportAgent(ctx context.Context, id AgentID, opts ExportOptions) (Bundle, error) {
	block, err := e.agentBlock(ctx, id, opts)
	if err != nil {
		return Bundle{}, err
	}
	return e.finish(ExportAgent, []Block{block})
}

// ExportGroup bundles a group and every member agent.
func (e *Exporter) ExportGroup(ctx context.Context, id GroupID, opts ExportOptions) (Bundle, error) {
	group, err := e.store.GetGroup(ctx, id)
	if err != nil {
		return Bundle{}, err
	}
	blocks, agentCIDs, err := e.memberBlocks(ctx, group.Members, opts)
	if err != nil {
		return Bundle{}, err
	}
	groupBlock, err := encodeBlock(groupExport{Group: group, Agents: agentCIDs})
	if err != nil {
		return Bundle{}, err
	}
	return e.finish(ExportGroup, append(blocks, groupBlock))
}

// ExportConstellation bundles a constellation, its groups, and all agents
// either membership reaches.
func (e *Exporter) ExportConstellation(ctx context.Context, c Constellation, opts ExportOptions) (Bundle, error) {
	var blocks []Block
	var agentCIDs, groupCIDs []CID

	seen := make(map[AgentID]CID)
	for _, agentID := range c.AgentIDs {
		block, err := e.agentBlock(ctx, agentID, opts)
		if err != nil {
			return Bundle{}, err
		}
		seen[agentID] = block.CID
		blocks = append(blocks, block)
		agentCIDs = append(agentCIDs, block.CID)
	}

	for _, groupID := range c.GroupIDs {
		group, err := e.store.GetGroup(ctx, groupID)
		if err != nil {
			return Bundle{}, err
		}
		var memberCIDs []CID
		for _, member := range group.Members {
			cid, ok := seen[member.AgentID]
			if !ok {
				block, err := e.agentBlock(ctx, member.AgentID, opts)
				if err != nil {
					return Bundle{}, err
				}
				cid = block.CID
				seen[member.AgentID] = cid
				blocks = append(blocks, block)
			}
			memberCIDs = append(memberCIDs, cid)
		}
		groupBlock, err := encodeBlock(groupExport{Group: group, Agents: memberCIDs})
		if err != nil {
			return Bundle{}, err
		}
		blocks = append(blocks, groupBlock)
		groupCIDs = append(groupCIDs, groupBlock.CID)
	}

	rootBlock, err := encodeBlock(constellationExport{Constellation: c, Agents: agentCIDs, Groups: groupCIDs})
	if err != nil {
		return Bundle{}, err
	}
	return e.finish(ExportConstellation, append(blocks, rootBlock))
}

func (e *Exporter) agentBlock(ctx context.Context, id AgentID, opts ExportOptions) (Block, error) {
	record, err := e.store.GetAgent(ctx, id)
	if err != nil {
		return Block{}, err
	}
	export := agentExport{Record: record}

	if opts.IncludeMemories {
		edges, err := e.store.ListRelations(ctx, "agent_memory", string(id))
		if err != nil {
			return Block{}, err
		}
		for _, edge := range edges {
			block, err := e.store.GetMemoryBlock(ctx, MemoryID(edge.To))
			if err != nil {
				continue
			}
			export.Memory = append(export.Memory, block)
		}
	}

	if opts.IncludeMessages {
		batches, err := e.store.RecentBatches(ctx, id, 0)
		if err != nil {
			return Block{}, err
		}
		// Newest-first from the store; bundles carry history oldest-first.
		for i, j := 0, len(batches)-1; i < j; i, j = i+1, j-1 {
			batches[i], batches[j] = batches[j], batches[i]
		}
		export.Batches = batches
	}

	return encodeBlock(export)
}

func (e *Exporter) memberBlocks(ctx context.Context, members []GroupMember, opts ExportOptions) ([]Block, []CID, error) {
	var blocks []Block
	var cids []CID
	for _, member := range members {
		block, err := e.agentBlock(ctx, member.AgentID, opts)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, block)
		cids = append(cids, block.CID)
	}
	return blocks, cids, nil
}

func (e *Exporter) finish(t ExportType, blocks []Block) (Bundle, error) {
	entity := blocks[len(blocks)-1].CID
	manifest, err := encodeBlock(ExportManifest{
		Kind:      "manifest",
		Version:   exportVersion,
		Type:      t,
		CreatedAt: e.now().UTC(),
		Entity:    entity,
	})
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Root: manifest.CID, Blocks: append(blocks, manifest)}, nil
}

// WriteTo serializes the bundle.
func (b Bundle) WriteTo(w io.Writer) error {
	data, err := detEncMode.Marshal(b)
	if err != nil {
		return &ErrValidation{Field: "bundle", Reason: err.Error()}
	}
	_, err = w.Write(data)
	return err
}

// ReadBundle deserializes a bundle and verifies every block's hash.
func ReadBundle(r io.Reader) (Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Bundle{}, err
	}
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return Bundle{}, &ErrValidation{Field: "bundle", Reason: "decode: " + err.Error()}
	}
	for _, block := range b.Blocks {
		sum := sha256.Sum256(block.Data)
		if block.CID != CID("sha256:"+hex.EncodeToString(sum[:])) {
			return Bundle{}, &ErrValidation{Field: "bundle", Reason: "block hash mismatch: " + string(block.CID)}
		}
	}
	return b, nil
}

// find returns the block under cid.
func (b Bundle) find(cid CID) (Block, bool) {
	for _, block := range b.Blocks {
		if block.CID == cid {
			return block, true
		}
	}
	return Block{}, false
}
