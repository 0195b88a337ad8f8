package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/paw-chain/custody/types"
)

// Filter selects blocks for listing
type Filter struct {
	IncidentID   string
	IncidentType string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// IncidentRecord is an incident with all of its blocks and blob references
type IncidentRecord struct {
	Incident types.Incident        `json:"incident"`
	Blocks   []types.EvidenceBlock `json:"blocks"`
	BlobRefs []types.BlobRef       `json:"blob_refs"`
}

// Block returns the committed block at index
func (l *Ledger) Block(ctx context.Context, index uint64) (types.EvidenceBlock, error) {
	if index >= l.Tip().NextIndex() {
		return types.EvidenceBlock{}, errorsmod.Wrapf(types.ErrBlockNotFound, "index %d beyond tip", index)
	}
	return l.backend.Block(ctx, index)
}

// Range returns committed blocks in [from, to], clipped to the current tip
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]types.EvidenceBlock, error) {
	tip := l.Tip()
	if tip.Empty() || from > tip.LastIndex {
		return nil, nil
	}
	if to > tip.LastIndex {
		to = tip.LastIndex
	}
	if from > to {
		return nil, errorsmod.Wrapf(types.ErrInvalidRange, "from %d > to %d", from, to)
	}
	return l.backend.Blocks(ctx, from, to)
}

// BlobRef returns the blob reference committed with the block at index
func (l *Ledger) BlobRef(ctx context.Context, index uint64) (types.BlobRef, error) {
	if index >= l.Tip().NextIndex() {
		return types.BlobRef{}, errorsmod.Wrapf(types.ErrBlockNotFound, "index %d beyond tip", index)
	}
	return l.backend.BlobRef(ctx, index)
}

// Incident returns the incident record
func (l *Ledger) Incident(ctx context.Context, incidentID string) (types.Incident, error) {
	return l.backend.Incident(ctx, incidentID)
}

// IncidentBlocks returns the indices of an incident's blocks, bounded by the tip
func (l *Ledger) IncidentBlocks(ctx context.Context, incidentID string) ([]uint64, error) {
	next := l.Tip().NextIndex()
	indices, err := l.backend.IncidentBlocks(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	out := indices[:0]
	for _, idx := range indices {
		if idx < next {
			out = append(out, idx)
		}
	}
	return out, nil
}

// Get returns an incident with its blocks and blob references
func (l *Ledger) Get(ctx context.Context, incidentID string) (IncidentRecord, error) {
	incident, err := l.backend.Incident(ctx, incidentID)
	if err != nil {
		return IncidentRecord{}, err
	}
	indices, err := l.IncidentBlocks(ctx, incidentID)
	if err != nil {
		return IncidentRecord{}, err
	}

	record := IncidentRecord{Incident: incident}
	for _, idx := range indices {
		block, err := l.backend.Block(ctx, idx)
		if err != nil {
			return IncidentRecord{}, err
		}
		ref, err := l.backend.BlobRef(ctx, idx)
		if err != nil {
			return IncidentRecord{}, err
		}
		record.Blocks = append(record.Blocks, block)
		record.BlobRefs = append(record.BlobRefs, ref)
	}
	return record, nil
}

// List returns block summaries in index order
func (l *Ledger) List(ctx context.Context, filter Filter) ([]types.BlockSummary, error) {
	var blocks []types.EvidenceBlock
	if filter.IncidentID != "" {
		indices, err := l.IncidentBlocks(ctx, filter.IncidentID)
		if err != nil {
			return nil, err
		}
		for _, idx := range indices {
			block, err := l.backend.Block(ctx, idx)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		}
	} else {
		tip := l.Tip()
		if tip.Empty() {
			return []types.BlockSummary{}, nil
		}
		var err error
		if blocks, err = l.backend.Blocks(ctx, 0, tip.LastIndex); err != nil {
			return nil, err
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BlockIndex < blocks[j].BlockIndex })

	incidents := make(map[string]types.Incident)
	summaries := make([]types.BlockSummary, 0, len(blocks))
	skipped := 0
	for _, block := range blocks {
		if !filter.From.IsZero() && block.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && block.CreatedAt.After(filter.To) {
			continue
		}

		ref, err := l.backend.BlobRef(ctx, block.BlockIndex)
		if err != nil {
			return nil, err
		}
		incident, ok := incidents[ref.IncidentID]
		if !ok {
			incident, err = l.backend.Incident(ctx, ref.IncidentID)
			if err != nil && !errors.Is(err, types.ErrIncidentNotFound) {
				return nil, err
			}
			incidents[ref.IncidentID] = incident
		}
		if filter.IncidentType != "" && incident.IncidentType != filter.IncidentType {
			continue
		}

		if skipped < filter.Offset {
			skipped++
			continue
		}
		summaries = append(summaries, types.BlockSummary{
			BlockIndex:     block.BlockIndex,
			IncidentID:     block.IncidentID,
			IncidentType:   incident.IncidentType,
			CreatedAt:      block.CreatedAt,
			ArtifactDigest: block.ArtifactDigest,
			BlockHash:      block.BlockHash,
			Incomplete:     ref.Incomplete,
		})
		if filter.Limit > 0 && len(summaries) >= filter.Limit {
			break
		}
	}
	return summaries, nil
}

// InvalidateVerified drops cached verification marks in [from, to]
func (l *Ledger) InvalidateVerified(ctx context.Context, from, to uint64) error {
	return l.backend.ClearVerified(ctx, from, to)
}

// CacheVerified stores the marks of a finished verifier pass
func (l *Ledger) CacheVerified(ctx context.Context, marks []types.VerifiedMark) error {
	if len(marks) == 0 {
		return nil
	}
	return l.backend.SetVerified(ctx, marks)
}

// CachedVerification returns the last cached verifier outcome of a block
func (l *Ledger) CachedVerification(ctx context.Context, index uint64) (types.VerifiedMark, bool, error) {
	return l.backend.Verified(ctx, index)
}

// SaveSite persists a replica site record
func (l *Ledger) SaveSite(ctx context.Context, site types.ReplicaSite) error {
	return l.backend.SaveSite(ctx, site)
}

// Sites returns the persisted replica sites
func (l *Ledger) Sites(ctx context.Context) ([]types.ReplicaSite, error) {
	return l.backend.Sites(ctx)
}

// RecordCheckpoint appends a recovery checkpoint to the audit keyspace
func (l *Ledger) RecordCheckpoint(ctx context.Context, cp types.RecoveryCheckpoint) error {
	return l.backend.AppendCheckpoint(ctx, cp)
}

// Checkpoints returns recovery checkpoints in the order they were recorded
func (l *Ledger) Checkpoints(ctx context.Context) ([]types.RecoveryCheckpoint, error) {
	return l.backend.Checkpoints(ctx)
}
