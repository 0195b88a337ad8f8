package replication

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/types"
)

// MaxFetchBlocks bounds one block page served to a peer
const MaxFetchBlocks = 500

// Receiver applies blobs and blocks sent by other sites and serves the local
// chain to recovering peers
type Receiver struct {
	nodeID  string
	ledger  *ledger.Ledger
	store   evidence.Store
	logger  log.Logger
	metrics *metrics.CustodyMetrics

	mu         sync.RWMutex
	lastSyncAt time.Time
}

// NewReceiver creates the receiving side of replication
func NewReceiver(nodeID string, l *ledger.Ledger, store evidence.Store, logger log.Logger, m *metrics.CustodyMetrics) *Receiver {
	return &Receiver{
		nodeID:  nodeID,
		ledger:  l,
		store:   store,
		logger:  logger.With("module", "replication-receiver"),
		metrics: m,
	}
}

// Status reports the local tip
func (r *Receiver) Status(ctx context.Context) types.PeerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.PeerStatus{
		NodeID:     r.nodeID,
		Tip:        r.ledger.Tip(),
		AsOf:       time.Now().UTC(),
		LastSyncAt: r.lastSyncAt,
	}
}

// BlobOffset reports the staged size of a blob, or completion
func (r *Receiver) BlobOffset(ctx context.Context, digest string) (BlobOffset, error) {
	has, err := r.store.Has(ctx, digest)
	if err != nil {
		return BlobOffset{}, err
	}
	if has {
		meta, err := r.store.Stat(ctx, digest)
		if err != nil {
			return BlobOffset{}, err
		}
		return BlobOffset{Offset: meta.Size, Complete: true}, nil
	}
	if ts, err := r.store.Tombstone(ctx, digest); err == nil {
		return BlobOffset{Offset: ts.Size, Complete: true}, nil
	}
	staged, err := r.store.StagedSize(ctx, digest)
	if err != nil {
		return BlobOffset{}, err
	}
	return BlobOffset{Offset: staged}, nil
}

// WriteBlob appends a chunk to the staged transfer of digest
func (r *Receiver) WriteBlob(ctx context.Context, digest string, offset int64, body io.Reader) (int64, error) {
	return r.store.WriteStaged(ctx, digest, offset, body)
}

// CommitBlob verifies and publishes a staged blob
func (r *Receiver) CommitBlob(ctx context.Context, meta evidence.Meta) (evidence.Meta, error) {
	stored, err := r.store.CommitStaged(ctx, meta)
	if err != nil {
		r.logger.Warn("rejected staged blob", "digest", meta.Digest, "error", err)
		return evidence.Meta{}, err
	}
	return stored, nil
}

// ApplyBlock imports a replicated block; the result carries the hash this
// site recomputed
func (r *Receiver) ApplyBlock(ctx context.Context, rb types.ReplicatedBlock) (Ack, error) {
	ack, err := r.ledger.Import(ctx, rb)
	if err != nil {
		r.logger.Warn("rejected replicated block", "index", rb.Block.BlockIndex, "error", err)
		return ack, err
	}
	if ack.Applied {
		r.mu.Lock()
		r.lastSyncAt = time.Now().UTC()
		r.mu.Unlock()
		r.metrics.RecordImport(ack.Tip)
	}
	return ack, nil
}

// Blocks returns up to limit committed blocks starting at from, in wire form
func (r *Receiver) Blocks(ctx context.Context, from uint64, limit int) ([]types.ReplicatedBlock, error) {
	if limit <= 0 || limit > MaxFetchBlocks {
		limit = MaxFetchBlocks
	}
	tip := r.ledger.Tip()
	if tip.Empty() || from > tip.LastIndex {
		return []types.ReplicatedBlock{}, nil
	}
	to := from + uint64(limit) - 1
	if to > tip.LastIndex {
		to = tip.LastIndex
	}

	out := make([]types.ReplicatedBlock, 0, to-from+1)
	incidents := make(map[string]types.Incident)
	for i := from; i <= to; i++ {
		block, err := r.ledger.Block(ctx, i)
		if err != nil {
			return nil, err
		}
		ref, err := r.ledger.BlobRef(ctx, i)
		if err != nil {
			return nil, err
		}
		incident, ok := incidents[block.IncidentID]
		if !ok {
			if incident, err = r.ledger.Incident(ctx, block.IncidentID); err != nil {
				return nil, err
			}
			incidents[block.IncidentID] = incident
		}
		out = append(out, types.ReplicatedBlock{Block: block, Incident: incident, BlobRef: ref})
	}
	return out, nil
}

// OpenBlob streams a local blob from offset
func (r *Receiver) OpenBlob(ctx context.Context, digest string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, errorsmod.Wrapf(types.ErrInvalidOffset, "offset %d", offset)
	}
	rc, err := evidence.ReadAt(ctx, r.store, digest, offset)
	if err != nil && !errors.Is(err, types.ErrBlobPruned) && !errors.Is(err, types.ErrBlobNotFound) {
		r.logger.Error("failed to serve blob", "digest", digest, "error", err)
	}
	return rc, err
}

// BlobMeta returns the stored metadata of a blob
func (r *Receiver) BlobMeta(ctx context.Context, digest string) (evidence.Meta, error) {
	return r.store.Stat(ctx, digest)
}
