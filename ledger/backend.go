package ledger

import (
	"context"

	"github.com/paw-chain/custody/types"
)

// Entry is everything committed atomically by one append
type Entry struct {
	Block    types.EvidenceBlock
	BlobRef  types.BlobRef
	Incident types.Incident
	// NewIncident is set when the incident record is created by this entry
	NewIncident bool
	// SequenceDay and Sequence raise the day's incident counter to at least
	// the sequence of a new incident, so reserved ids never collide with it
	SequenceDay string
	Sequence    uint64
	// PrevTip is the tip the entry was computed against
	PrevTip types.Tip
	Tip     types.Tip
}

// Backend is the durable store behind a Ledger. Commit must be atomic: either
// the block, its blob reference, the incident index and the new tip all become
// visible, or none of them do.
type Backend interface {
	LoadTip(ctx context.Context) (types.Tip, error)
	Commit(ctx context.Context, entry Entry) error

	Block(ctx context.Context, index uint64) (types.EvidenceBlock, error)
	HasBlock(ctx context.Context, index uint64) (bool, error)
	// Blocks returns the stored blocks in [from, to] in index order
	Blocks(ctx context.Context, from, to uint64) ([]types.EvidenceBlock, error)
	BlobRef(ctx context.Context, index uint64) (types.BlobRef, error)
	Incident(ctx context.Context, incidentID string) (types.Incident, error)
	IncidentBlocks(ctx context.Context, incidentID string) ([]uint64, error)

	// NextSequence increments and returns the persisted incident counter for a UTC day.
	// Commit raises the same counter for entries that carry a Sequence.
	NextSequence(ctx context.Context, day string) (uint64, error)

	SetVerified(ctx context.Context, marks []types.VerifiedMark) error
	ClearVerified(ctx context.Context, from, to uint64) error
	Verified(ctx context.Context, index uint64) (types.VerifiedMark, bool, error)

	SaveSite(ctx context.Context, site types.ReplicaSite) error
	Sites(ctx context.Context) ([]types.ReplicaSite, error)

	AppendCheckpoint(ctx context.Context, cp types.RecoveryCheckpoint) error
	Checkpoints(ctx context.Context) ([]types.RecoveryCheckpoint, error)

	Close() error
}
