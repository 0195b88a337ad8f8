package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

// AppendRequest describes a block to seal
type AppendRequest struct {
	Incident       types.Incident
	ArtifactDigest string
	Size           int64
	Incomplete     bool
	ContentType    string
}

// ImportResult is the outcome of applying a replicated block
type ImportResult struct {
	// Applied is false when the identical block was already present
	Applied   bool      `json:"applied"`
	BlockHash string    `json:"block_hash"`
	Tip       types.Tip `json:"tip"`
}

// Option configures a Ledger
type Option func(*Ledger)

// WithSigner signs every appended block
func WithSigner(s *integrity.Signer) Option {
	return func(l *Ledger) { l.signer = s }
}

// WithClock overrides the time source used for created_at and incident ids
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// Ledger is the append-only hash chain of evidence blocks. All writes go
// through a single mutex; reads use the atomically published tip and never lock.
type Ledger struct {
	backend Backend
	logger  log.Logger
	signer  *integrity.Signer
	clock   func() time.Time

	mu      sync.Mutex
	tip     atomic.Pointer[types.Tip]
	haltErr atomic.Pointer[error]

	subMu sync.Mutex
	subs  map[int]chan struct{}
	subID int
}

// New loads the persisted tip and returns a ready ledger
func New(ctx context.Context, backend Backend, logger log.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		backend: backend,
		logger:  logger.With("module", "ledger"),
		clock:   time.Now,
		subs:    make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	tip, err := backend.LoadTip(ctx)
	if err != nil {
		return nil, err
	}
	l.tip.Store(&tip)

	l.logger.Info("ledger opened", "length", tip.Length, "last_hash", tip.LastHash)
	return l, nil
}

// Backend returns the storage handle of the ledger
func (l *Ledger) Backend() Backend {
	return l.backend
}

// Tip returns the last committed tip
func (l *Ledger) Tip() types.Tip {
	return *l.tip.Load()
}

// Halted returns the error that stopped the writer, or nil
func (l *Ledger) Halted() error {
	if err := l.haltErr.Load(); err != nil {
		return *err
	}
	return nil
}

// SignerPublicKey returns the hex public key used to sign blocks, if any
func (l *Ledger) SignerPublicKey() string {
	if l.signer == nil {
		return ""
	}
	return l.signer.PublicKey()
}

// Now returns the ledger clock reading
func (l *Ledger) Now() time.Time {
	return l.clock()
}

// maxReserveAttempts bounds how many taken ids ReserveIncidentID skips
const maxReserveAttempts = 64

// ReserveIncidentID allocates the next unused INC-<YYYYMMDD>-<seq> identifier.
// Sequences already held by a stored incident are skipped.
func (l *Ledger) ReserveIncidentID(ctx context.Context) (string, error) {
	day := types.IncidentDay(l.clock())
	for range maxReserveAttempts {
		seq, err := l.backend.NextSequence(ctx, day)
		if err != nil {
			return "", err
		}
		id := types.FormatIncidentID(day, seq)
		_, err = l.backend.Incident(ctx, id)
		if errors.Is(err, types.ErrIncidentNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
		l.logger.Warn("incident sequence already taken, skipping", "incident_id", id)
	}
	return "", fmt.Errorf("no free incident id for %s after %d attempts", day, maxReserveAttempts)
}

// Append seals a new block referencing artifactDigest and commits it together
// with the tip. When the incident is new its record is created in the same commit.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (types.EvidenceBlock, error) {
	if !integrity.ValidDigest(req.ArtifactDigest) {
		return types.EvidenceBlock{}, errorsmod.Wrapf(types.ErrInvalidDigest, "%q", req.ArtifactDigest)
	}
	if err := types.ValidateIncidentID(req.Incident.IncidentID); err != nil {
		return types.EvidenceBlock{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.Halted(); err != nil {
		return types.EvidenceBlock{}, errorsmod.Wrap(types.ErrLedgerHalted, err.Error())
	}

	tip := l.Tip()
	now := integrity.NormalizeTime(l.clock())

	incident, isNew, err := l.resolveIncident(ctx, req.Incident, tip.NextIndex(), now)
	if err != nil {
		return types.EvidenceBlock{}, err
	}

	block := integrity.SealBlock(types.EvidenceBlock{
		BlockIndex:     tip.NextIndex(),
		IncidentID:     incident.IncidentID,
		CreatedAt:      now,
		ArtifactDigest: req.ArtifactDigest,
		PreviousHash:   tip.LastHash,
	})
	if l.signer != nil {
		sig, err := l.signer.Sign(block.BlockHash)
		if err != nil {
			return types.EvidenceBlock{}, fmt.Errorf("failed to sign block: %w", err)
		}
		block.Signature = sig
		block.Signer = l.signer.PublicKey()
	}

	entry := Entry{
		Block: block,
		BlobRef: types.BlobRef{
			BlockIndex:  block.BlockIndex,
			IncidentID:  block.IncidentID,
			Digest:      block.ArtifactDigest,
			Size:        req.Size,
			Incomplete:  req.Incomplete,
			ContentType: req.ContentType,
		},
		Incident:    incident,
		NewIncident: isNew,
		PrevTip:     tip,
		Tip:         tip.Advance(block),
	}
	if err := l.commit(ctx, entry); err != nil {
		return types.EvidenceBlock{}, err
	}

	l.logger.Info("block appended",
		"index", block.BlockIndex,
		"incident_id", block.IncidentID,
		"hash", block.BlockHash,
		"incomplete", req.Incomplete)
	return block, nil
}

// Import applies a block received from another site. It is accepted only when
// it extends the local tip exactly and its hash is reproducible; an identical
// block that is already present is acknowledged without change.
func (l *Ledger) Import(ctx context.Context, rb types.ReplicatedBlock) (ImportResult, error) {
	block := rb.Block
	recomputed := integrity.BlockHash(block)
	result := ImportResult{BlockHash: recomputed}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.Halted(); err != nil {
		return result, errorsmod.Wrap(types.ErrLedgerHalted, err.Error())
	}

	tip := l.Tip()
	result.Tip = tip

	if recomputed != block.BlockHash {
		return result, errorsmod.Wrapf(types.ErrDigestMismatch,
			"block %d: carried hash %s, recomputed %s", block.BlockIndex, block.BlockHash, recomputed)
	}
	if rb.BlobRef.Digest != block.ArtifactDigest || rb.BlobRef.BlockIndex != block.BlockIndex ||
		rb.BlobRef.IncidentID != block.IncidentID || rb.Incident.IncidentID != block.IncidentID {
		return result, errorsmod.Wrapf(types.ErrChainMismatch, "block %d: inconsistent metadata", block.BlockIndex)
	}

	if block.BlockIndex < tip.NextIndex() {
		existing, err := l.backend.Block(ctx, block.BlockIndex)
		if err != nil {
			return result, err
		}
		if existing.BlockHash == block.BlockHash {
			return result, nil
		}
		return result, errorsmod.Wrapf(types.ErrChainMismatch,
			"block %d: local hash %s, received %s", block.BlockIndex, existing.BlockHash, block.BlockHash)
	}
	if block.BlockIndex > tip.NextIndex() {
		return result, errorsmod.Wrapf(types.ErrOutOfOrder, "expected block %d, received %d", tip.NextIndex(), block.BlockIndex)
	}
	if block.PreviousHash != tip.LastHash {
		return result, errorsmod.Wrapf(types.ErrChainMismatch,
			"block %d: previous_hash %s, tip %s", block.BlockIndex, block.PreviousHash, tip.LastHash)
	}

	incident := rb.Incident
	isNew := false
	if _, err := l.backend.Incident(ctx, incident.IncidentID); err != nil {
		if !errors.Is(err, types.ErrIncidentNotFound) {
			return result, err
		}
		isNew = true
	}

	entry := Entry{
		Block:       block,
		BlobRef:     rb.BlobRef,
		Incident:    incident,
		NewIncident: isNew,
		PrevTip:     tip,
		Tip:         tip.Advance(block),
	}
	if err := l.commit(ctx, entry); err != nil {
		return result, err
	}

	result.Applied = true
	result.Tip = entry.Tip
	l.logger.Debug("replicated block imported", "index", block.BlockIndex, "hash", block.BlockHash)
	return result, nil
}

// commit persists entry and publishes the new tip; caller holds mu
func (l *Ledger) commit(ctx context.Context, entry Entry) error {
	if entry.NewIncident {
		if day, seq, err := types.ParseIncidentID(entry.Incident.IncidentID); err == nil {
			entry.SequenceDay, entry.Sequence = day, seq
		}
	}
	if err := l.backend.Commit(ctx, entry); err != nil {
		if errors.Is(err, types.ErrAppendConflict) {
			l.haltErr.Store(&err)
			l.logger.Error("ledger writer halted", "index", entry.Block.BlockIndex, "error", err)
		}
		return err
	}
	tip := entry.Tip
	l.tip.Store(&tip)
	l.notify()
	return nil
}

func (l *Ledger) resolveIncident(ctx context.Context, incident types.Incident, index uint64, now time.Time) (types.Incident, bool, error) {
	existing, err := l.backend.Incident(ctx, incident.IncidentID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, types.ErrIncidentNotFound) {
		return types.Incident{}, false, err
	}

	if incident.TriggerSource == "" {
		incident.TriggerSource = types.TriggerManual
	}
	if err := incident.TriggerSource.Validate(); err != nil {
		return types.Incident{}, false, err
	}
	if incident.OpenedAt.IsZero() {
		incident.OpenedAt = now
	}
	incident.OpenedAt = integrity.NormalizeTime(incident.OpenedAt)
	incident.FirstBlockIndex = index
	return incident, true, nil
}

// Subscribe returns a channel signalled after every commit. Signals coalesce;
// a slow reader never blocks the writer.
func (l *Ledger) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.subMu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = ch
	l.subMu.Unlock()

	return ch, func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Ledger) notify() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close releases the backend
func (l *Ledger) Close() error {
	return l.backend.Close()
}
