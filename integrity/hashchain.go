package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/paw-chain/custody/types"
)

// TimeLayout is the fixed-width UTC timestamp encoding used in the hash input
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// canonicalBlock fixes the field order of the hash input. Reordering or
// renaming these fields changes every block hash.
type canonicalBlock struct {
	BlockIndex     uint64 `json:"block_index"`
	IncidentID     string `json:"incident_id"`
	CreatedAt      string `json:"created_at"`
	ArtifactDigest string `json:"artifact_digest"`
	PreviousHash   string `json:"previous_hash"`
}

// NormalizeTime truncates t to microseconds in UTC, the precision the hash input carries
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTime renders t in the canonical timestamp layout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical timestamp
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Canonical returns the byte-exact hash input of a block
func Canonical(block types.EvidenceBlock) []byte {
	bz, err := json.Marshal(canonicalBlock{
		BlockIndex:     block.BlockIndex,
		IncidentID:     block.IncidentID,
		CreatedAt:      FormatTime(block.CreatedAt),
		ArtifactDigest: block.ArtifactDigest,
		PreviousHash:   block.PreviousHash,
	})
	if err != nil {
		// only strings and an integer are marshalled
		panic(fmt.Sprintf("canonical block encoding: %v", err))
	}
	return bz
}

// BlockHash computes the block_hash of a block from its five hashed fields
func BlockHash(block types.EvidenceBlock) string {
	sum := sha256.Sum256(Canonical(block))
	return hex.EncodeToString(sum[:])
}

// VerifyBlockHash checks the stored block_hash is reproducible from the block's fields
func VerifyBlockHash(block types.EvidenceBlock) error {
	if got := BlockHash(block); got != block.BlockHash {
		return errorsmod.Wrapf(types.ErrDigestMismatch,
			"block %d: stored hash %s, recomputed %s", block.BlockIndex, block.BlockHash, got)
	}
	return nil
}

// SealBlock fills in block_hash for a block whose hashed fields are set
func SealBlock(block types.EvidenceBlock) types.EvidenceBlock {
	block.CreatedAt = NormalizeTime(block.CreatedAt)
	block.BlockHash = BlockHash(block)
	return block
}

// Digest returns the lower-case hex SHA-256 of data
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader hashes everything read from r
func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ValidDigest reports whether s looks like a lower-case hex SHA-256 digest
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
