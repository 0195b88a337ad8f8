package types

import (
	"fmt"
	"sort"
	"time"
)

// TamperField names the part of a block a discrepancy is attributed to
type TamperField string

const (
	FieldBlockIndex     TamperField = "block_index"
	FieldIncidentID     TamperField = "incident_id"
	FieldCreatedAt      TamperField = "created_at"
	FieldArtifactDigest TamperField = "artifact_digest"
	FieldPreviousHash   TamperField = "previous_hash"
	FieldBlockHash      TamperField = "block_hash"
	FieldSignature      TamperField = "signature"
	FieldBlob           TamperField = "blob"
	FieldBlobRef        TamperField = "blob_ref"
	FieldBlock          TamperField = "block"
	FieldTip            TamperField = "tip"
)

// TamperDetected is one itemized discrepancy
type TamperDetected struct {
	BlockIndex uint64      `json:"block_index"`
	Field      TamperField `json:"field"`
	Expected   string      `json:"expected,omitempty"`
	Actual     string      `json:"actual,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

func (t TamperDetected) String() string {
	return fmt.Sprintf("block %d: %s tampered (%s)", t.BlockIndex, t.Field, t.Detail)
}

// VerificationReport is the itemized result of a verifier pass
type VerificationReport struct {
	FromIndex     uint64           `json:"from_index"`
	ToIndex       uint64           `json:"to_index"`
	TipIndex      int64            `json:"tip_index"`
	BlocksChecked int              `json:"blocks_checked"`
	BlobsChecked  int              `json:"blobs_checked"`
	BlobsPruned   int              `json:"blobs_pruned"`
	Findings      []TamperDetected `json:"findings"`
	Verified      bool             `json:"verified"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// Record appends a finding and clears the verified flag
func (r *VerificationReport) Record(f TamperDetected) {
	r.Findings = append(r.Findings, f)
	r.Verified = false
}

// AffectedBlocks returns the sorted, distinct indices that have findings
func (r VerificationReport) AffectedBlocks() []uint64 {
	seen := make(map[uint64]struct{}, len(r.Findings))
	out := make([]uint64, 0, len(r.Findings))
	for _, f := range r.Findings {
		if _, ok := seen[f.BlockIndex]; ok {
			continue
		}
		seen[f.BlockIndex] = struct{}{}
		out = append(out, f.BlockIndex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecoveryState is a step of the recovery state machine
type RecoveryState string

const (
	RecoveryIdle      RecoveryState = "idle"
	RecoveryAssessing RecoveryState = "assessing"
	RecoveryRestoring RecoveryState = "restoring"
	RecoveryVerifying RecoveryState = "verifying"
	RecoveryComplete  RecoveryState = "complete"
	RecoveryFailed    RecoveryState = "failed"
)

// Terminal reports whether no further transition follows
func (s RecoveryState) Terminal() bool {
	return s == RecoveryComplete || s == RecoveryFailed
}

// RecoveryCheckpoint is the audit record of one recovery run. It lives beside
// the hash chain, never inside it.
type RecoveryCheckpoint struct {
	CheckpointID       string              `json:"checkpoint_id"`
	SourceSiteID       string              `json:"source_site_id"`
	RestoredFromIndex  uint64              `json:"restored_from_index"`
	RestoredUpToIndex  int64               `json:"restored_up_to_index"`
	BlocksRestored     uint64              `json:"blocks_restored"`
	State              RecoveryState       `json:"state"`
	VerificationResult *VerificationReport `json:"verification_result,omitempty"`
	Error              string              `json:"error,omitempty"`
	StartedAt          time.Time           `json:"started_at"`
	FinishedAt         time.Time           `json:"finished_at"`
}
