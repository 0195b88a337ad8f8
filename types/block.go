package types

import (
	"time"
)

// EvidenceBlock is an immutable entry of the custody chain
type EvidenceBlock struct {
	BlockIndex     uint64    `json:"block_index"`
	IncidentID     string    `json:"incident_id"`
	CreatedAt      time.Time `json:"created_at"`
	ArtifactDigest string    `json:"artifact_digest"`
	PreviousHash   string    `json:"previous_hash"`
	BlockHash      string    `json:"block_hash"`

	// Signature is a hex ed25519 signature over BlockHash; it is not part of the hash input
	Signature string `json:"signature,omitempty"`
	Signer    string `json:"signer,omitempty"`
}

// BlobRef is the ledger-side reference from a block to its evidence blob.
// It is committed in the same transaction as the block.
type BlobRef struct {
	BlockIndex  uint64 `json:"block_index"`
	IncidentID  string `json:"incident_id"`
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
	Incomplete  bool   `json:"incomplete"`
	ContentType string `json:"content_type,omitempty"`
}

// Tip is the persisted head of the chain
type Tip struct {
	LastIndex uint64 `json:"last_index"`
	LastHash  string `json:"last_hash"`
	Length    uint64 `json:"length"`
}

// GenesisTip is the tip of an empty chain
func GenesisTip() Tip {
	return Tip{LastHash: GenesisHash}
}

// Empty reports whether no block has been appended yet
func (t Tip) Empty() bool {
	return t.Length == 0
}

// NextIndex returns the index the next appended block must carry
func (t Tip) NextIndex() uint64 {
	return t.Length
}

// Height returns the last index as a signed value, -1 for an empty chain
func (t Tip) Height() int64 {
	if t.Empty() {
		return -1
	}
	return int64(t.LastIndex)
}

// Advance returns the tip after appending block
func (t Tip) Advance(block EvidenceBlock) Tip {
	return Tip{
		LastIndex: block.BlockIndex,
		LastHash:  block.BlockHash,
		Length:    block.BlockIndex + 1,
	}
}

// ReplicatedBlock is the unit exchanged between sites: a block plus everything
// the receiver needs to commit it in one transaction.
type ReplicatedBlock struct {
	Block    EvidenceBlock `json:"block"`
	Incident Incident      `json:"incident"`
	BlobRef  BlobRef       `json:"blob_ref"`
}

// BlockSummary is the list view of a block
type BlockSummary struct {
	BlockIndex     uint64    `json:"block_index"`
	IncidentID     string    `json:"incident_id"`
	IncidentType   string    `json:"incident_type"`
	CreatedAt      time.Time `json:"created_at"`
	ArtifactDigest string    `json:"artifact_digest"`
	BlockHash      string    `json:"block_hash"`
	Incomplete     bool      `json:"incomplete"`
}

// VerifiedMark is the cached outcome of the last verifier pass over a block.
// It is never used as proof of integrity.
type VerifiedMark struct {
	BlockIndex uint64    `json:"block_index"`
	Verified   bool      `json:"verified"`
	CheckedAt  time.Time `json:"checked_at"`
}
