package verifier

import (
	"strconv"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

// CheckExtension checks that blocks extend a chain whose head is tip. It uses
// only the blocks themselves, so a page fetched from a peer can be judged
// before anything is written locally.
func CheckExtension(tip types.Tip, blocks []types.ReplicatedBlock) []types.TamperDetected {
	var findings []types.TamperDetected
	expectedIndex := tip.NextIndex()
	prevHash := tip.LastHash

	for _, rb := range blocks {
		block := rb.Block
		add := func(field types.TamperField, expected, actual, detail string) {
			findings = append(findings, types.TamperDetected{
				BlockIndex: expectedIndex, Field: field, Expected: expected, Actual: actual, Detail: detail,
			})
		}

		if block.BlockIndex != expectedIndex {
			add(types.FieldBlockIndex, strconv.FormatUint(expectedIndex, 10), strconv.FormatUint(block.BlockIndex, 10), "block out of sequence")
		}
		if block.PreviousHash != prevHash {
			add(types.FieldPreviousHash, prevHash, block.PreviousHash, "previous_hash does not link to the prior block")
		}
		if recomputed := integrity.BlockHash(block); recomputed != block.BlockHash {
			add(types.FieldBlockHash, recomputed, block.BlockHash, "block_hash is not reproducible from stored fields")
		}
		if rb.BlobRef.Digest != block.ArtifactDigest || rb.BlobRef.IncidentID != block.IncidentID || rb.BlobRef.BlockIndex != block.BlockIndex {
			add(types.FieldBlobRef, block.ArtifactDigest, rb.BlobRef.Digest, "blob reference does not match the block")
		}
		if block.Signature != "" && !integrity.VerifySignature(block.Signer, block.BlockHash, block.Signature) {
			add(types.FieldSignature, "", block.Signature, "signature does not verify over block_hash")
		}

		expectedIndex++
		prevHash = block.BlockHash
	}
	return findings
}
