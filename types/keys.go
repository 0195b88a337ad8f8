package types

import (
	"encoding/binary"
)

const (
	// ModuleName is the codespace used for registered errors
	ModuleName = "custody"

	// GenesisHash is the previous_hash of block 0
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// KV store key prefixes
var (
	BlockPrefix         = []byte("b/")
	TipKey              = []byte("t")
	BlobRefPrefix       = []byte("r/")
	IncidentPrefix      = []byte("i/")
	IncidentBlockPrefix = []byte("x/")
	SequencePrefix      = []byte("q/")
	SitePrefix          = []byte("s/")
	CheckpointPrefix    = []byte("c/")
	VerifiedPrefix      = []byte("v/")
)

// BlockKey returns the store key for the block at index
func BlockKey(index uint64) []byte {
	return indexKey(BlockPrefix, index)
}

// BlobRefKey returns the store key for the blob reference of a block
func BlobRefKey(index uint64) []byte {
	return indexKey(BlobRefPrefix, index)
}

// VerifiedKey returns the store key for the cached verification mark of a block
func VerifiedKey(index uint64) []byte {
	return indexKey(VerifiedPrefix, index)
}

// IncidentKey returns the store key for an incident record
func IncidentKey(incidentID string) []byte {
	return append(append([]byte{}, IncidentPrefix...), incidentID...)
}

// IncidentBlockPrefixKey returns the prefix under which the block indices of an incident live
func IncidentBlockPrefixKey(incidentID string) []byte {
	key := append(append([]byte{}, IncidentBlockPrefix...), incidentID...)
	return append(key, '/')
}

// IncidentBlockKey returns the index entry linking an incident to one of its blocks
func IncidentBlockKey(incidentID string, index uint64) []byte {
	return indexKey(IncidentBlockPrefixKey(incidentID), index)
}

// SequenceKey returns the store key of the incident sequence for a UTC day (YYYYMMDD)
func SequenceKey(day string) []byte {
	return append(append([]byte{}, SequencePrefix...), day...)
}

// SiteKey returns the store key of a replica site record
func SiteKey(siteID string) []byte {
	return append(append([]byte{}, SitePrefix...), siteID...)
}

// CheckpointKey returns the store key of a recovery checkpoint; keys sort by record time
func CheckpointKey(recordedAtNanos int64, checkpointID string) []byte {
	key := indexKey(CheckpointPrefix, uint64(recordedAtNanos))
	key = append(key, '/')
	return append(key, checkpointID...)
}

// IndexFromKey decodes the big-endian index suffix of a key
func IndexFromKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// PrefixEnd returns the exclusive upper bound for iterating over prefix
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func indexKey(prefix []byte, index uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], index)
	return key
}
