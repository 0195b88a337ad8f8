package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	errorsmod "cosmossdk.io/errors"
	dbm "github.com/cosmos/cosmos-db"

	"github.com/paw-chain/custody/types"
)

// KVBackend stores the ledger in a cosmos-db key-value database
type KVBackend struct {
	db dbm.DB

	// mu serializes read-modify-write sequences (commit, sequence counters)
	mu sync.Mutex
}

var _ Backend = (*KVBackend)(nil)

// NewKVBackend wraps an open database
func NewKVBackend(db dbm.DB) *KVBackend {
	return &KVBackend{db: db}
}

// OpenGoLevelDB opens (or creates) the on-disk ledger database in dir
func OpenGoLevelDB(dir string) (*KVBackend, error) {
	db, err := dbm.NewGoLevelDB("ledger", dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	return NewKVBackend(db), nil
}

// NewMemBackend returns a backend over an in-memory database
func NewMemBackend() *KVBackend {
	return NewKVBackend(dbm.NewMemDB())
}

// DB exposes the underlying database
func (b *KVBackend) DB() dbm.DB {
	return b.db
}

func (b *KVBackend) LoadTip(ctx context.Context) (types.Tip, error) {
	var tip types.Tip
	found, err := b.getJSON(types.TipKey, &tip)
	if err != nil {
		return types.Tip{}, fmt.Errorf("failed to load tip: %w", err)
	}
	if !found {
		return types.GenesisTip(), nil
	}
	return tip, nil
}

func (b *KVBackend) Commit(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	index := entry.Block.BlockIndex
	exists, err := b.db.Has(types.BlockKey(index))
	if err != nil {
		return err
	}
	if exists {
		return errorsmod.Wrapf(types.ErrAppendConflict, "block %d already stored", index)
	}

	current, err := b.LoadTip(ctx)
	if err != nil {
		return err
	}
	if current != entry.PrevTip {
		return errorsmod.Wrapf(types.ErrAppendConflict, "tip moved from %d/%s to %d/%s",
			entry.PrevTip.Length, entry.PrevTip.LastHash, current.Length, current.LastHash)
	}

	batch := b.db.NewBatch()
	defer batch.Close()

	if err := setJSON(batch, types.BlockKey(index), entry.Block); err != nil {
		return err
	}
	if err := setJSON(batch, types.BlobRefKey(index), entry.BlobRef); err != nil {
		return err
	}
	if entry.NewIncident {
		if err := setJSON(batch, types.IncidentKey(entry.Incident.IncidentID), entry.Incident); err != nil {
			return err
		}
	}
	if err := batch.Set(types.IncidentBlockKey(entry.Block.IncidentID, index), []byte{1}); err != nil {
		return err
	}
	if entry.SequenceDay != "" {
		seq, err := b.sequence(entry.SequenceDay)
		if err != nil {
			return err
		}
		if entry.Sequence > seq {
			if err := batch.Set(types.SequenceKey(entry.SequenceDay), encodeSequence(entry.Sequence)); err != nil {
				return err
			}
		}
	}
	if err := setJSON(batch, types.TipKey, entry.Tip); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", index, err)
	}
	return nil
}

func (b *KVBackend) Block(ctx context.Context, index uint64) (types.EvidenceBlock, error) {
	var block types.EvidenceBlock
	found, err := b.getJSON(types.BlockKey(index), &block)
	if err != nil {
		return types.EvidenceBlock{}, fmt.Errorf("failed to read block %d: %w", index, err)
	}
	if !found {
		return types.EvidenceBlock{}, errorsmod.Wrapf(types.ErrBlockNotFound, "index %d", index)
	}
	return block, nil
}

func (b *KVBackend) HasBlock(ctx context.Context, index uint64) (bool, error) {
	return b.db.Has(types.BlockKey(index))
}

func (b *KVBackend) Blocks(ctx context.Context, from, to uint64) ([]types.EvidenceBlock, error) {
	if from > to {
		return nil, nil
	}
	end := types.PrefixEnd(types.BlockPrefix)
	if to < ^uint64(0) {
		end = types.BlockKey(to + 1)
	}
	it, err := b.db.Iterator(types.BlockKey(from), end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var blocks []types.EvidenceBlock
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var block types.EvidenceBlock
		if err := json.Unmarshal(it.Value(), &block); err != nil {
			return nil, fmt.Errorf("failed to decode block %d: %w", types.IndexFromKey(it.Key()), err)
		}
		blocks = append(blocks, block)
	}
	return blocks, it.Error()
}

func (b *KVBackend) BlobRef(ctx context.Context, index uint64) (types.BlobRef, error) {
	var ref types.BlobRef
	found, err := b.getJSON(types.BlobRefKey(index), &ref)
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("failed to read blob ref %d: %w", index, err)
	}
	if !found {
		return types.BlobRef{}, errorsmod.Wrapf(types.ErrBlockNotFound, "blob ref %d", index)
	}
	return ref, nil
}

func (b *KVBackend) Incident(ctx context.Context, incidentID string) (types.Incident, error) {
	var incident types.Incident
	found, err := b.getJSON(types.IncidentKey(incidentID), &incident)
	if err != nil {
		return types.Incident{}, fmt.Errorf("failed to read incident %s: %w", incidentID, err)
	}
	if !found {
		return types.Incident{}, errorsmod.Wrap(types.ErrIncidentNotFound, incidentID)
	}
	return incident, nil
}

func (b *KVBackend) IncidentBlocks(ctx context.Context, incidentID string) ([]uint64, error) {
	prefix := types.IncidentBlockPrefixKey(incidentID)
	it, err := b.db.Iterator(prefix, types.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var indices []uint64
	for ; it.Valid(); it.Next() {
		indices = append(indices, types.IndexFromKey(it.Key()))
	}
	return indices, it.Error()
}

func (b *KVBackend) NextSequence(ctx context.Context, day string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq, err := b.sequence(day)
	if err != nil {
		return 0, err
	}
	seq++
	if err := b.db.SetSync(types.SequenceKey(day), encodeSequence(seq)); err != nil {
		return 0, fmt.Errorf("failed to persist incident sequence: %w", err)
	}
	return seq, nil
}

// sequence reads the counter of day; caller holds mu
func (b *KVBackend) sequence(day string) (uint64, error) {
	bz, err := b.db.Get(types.SequenceKey(day))
	if err != nil {
		return 0, err
	}
	if len(bz) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(bz), nil
}

func encodeSequence(seq uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, seq)
	return bz
}

func (b *KVBackend) SetVerified(ctx context.Context, marks []types.VerifiedMark) error {
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, m := range marks {
		if err := setJSON(batch, types.VerifiedKey(m.BlockIndex), m); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (b *KVBackend) ClearVerified(ctx context.Context, from, to uint64) error {
	end := types.PrefixEnd(types.VerifiedPrefix)
	if to < ^uint64(0) {
		end = types.VerifiedKey(to + 1)
	}
	it, err := b.db.Iterator(types.VerifiedKey(from), end)
	if err != nil {
		return err
	}
	var keys [][]byte
	for ; it.Valid(); it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	it.Close()

	batch := b.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (b *KVBackend) Verified(ctx context.Context, index uint64) (types.VerifiedMark, bool, error) {
	var mark types.VerifiedMark
	found, err := b.getJSON(types.VerifiedKey(index), &mark)
	return mark, found, err
}

func (b *KVBackend) SaveSite(ctx context.Context, site types.ReplicaSite) error {
	bz, err := json.Marshal(site)
	if err != nil {
		return err
	}
	return b.db.Set(types.SiteKey(site.SiteID), bz)
}

func (b *KVBackend) Sites(ctx context.Context) ([]types.ReplicaSite, error) {
	var sites []types.ReplicaSite
	err := b.iterateJSON(types.SitePrefix, func(value []byte) error {
		var site types.ReplicaSite
		if err := json.Unmarshal(value, &site); err != nil {
			return err
		}
		sites = append(sites, site)
		return nil
	})
	return sites, err
}

func (b *KVBackend) AppendCheckpoint(ctx context.Context, cp types.RecoveryCheckpoint) error {
	bz, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return b.db.SetSync(types.CheckpointKey(cp.FinishedAt.UnixNano(), cp.CheckpointID), bz)
}

func (b *KVBackend) Checkpoints(ctx context.Context) ([]types.RecoveryCheckpoint, error) {
	var cps []types.RecoveryCheckpoint
	err := b.iterateJSON(types.CheckpointPrefix, func(value []byte) error {
		var cp types.RecoveryCheckpoint
		if err := json.Unmarshal(value, &cp); err != nil {
			return err
		}
		cps = append(cps, cp)
		return nil
	})
	return cps, err
}

func (b *KVBackend) Close() error {
	return b.db.Close()
}

func (b *KVBackend) getJSON(key []byte, v any) (bool, error) {
	bz, err := b.db.Get(key)
	if err != nil {
		return false, err
	}
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return true, err
	}
	return true, nil
}

func (b *KVBackend) iterateJSON(prefix []byte, fn func(value []byte) error) error {
	it, err := b.db.Iterator(prefix, types.PrefixEnd(prefix))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func setJSON(batch dbm.Batch, key []byte, v any) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, bz)
}
