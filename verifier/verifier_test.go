package verifier_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/testutil"
	"github.com/paw-chain/custody/types"
	"github.com/paw-chain/custody/verifier"
)

func newVerifier(node *testutil.Node, opts ...verifier.Option) *verifier.Verifier {
	return verifier.New(node.Ledger, node.Store, log.NewNopLogger(), opts...)
}

func requireSingleFinding(t require.TestingT, report types.VerificationReport, index uint64, field types.TamperField) {
	require.False(t, report.Verified)
	require.Len(t, report.Findings, 1, "findings: %v", report.Findings)
	require.Equal(t, index, report.Findings[0].BlockIndex)
	require.Equal(t, field, report.Findings[0].Field)
}

func TestVerifyCleanChain(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 10)

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	require.True(t, report.Verified)
	require.Empty(t, report.Findings)
	require.Equal(t, 10, report.BlocksChecked)
	require.Equal(t, 10, report.BlobsChecked)
	require.Equal(t, int64(9), report.TipIndex)
	require.EqualValues(t, 0, report.FromIndex)
	require.EqualValues(t, 9, report.ToIndex)
}

func TestVerifyEmptyChain(t *testing.T) {
	node := testutil.NewNode(t)
	v := newVerifier(node)

	report, err := v.VerifyAll(context.Background())
	require.NoError(t, err)
	require.True(t, report.Verified)
	require.Equal(t, int64(-1), report.TipIndex)
	require.Zero(t, report.BlocksChecked)

	_, err = v.Verify(context.Background(), 0, 0)
	require.ErrorIs(t, err, types.ErrInvalidRange)
}

func TestVerifyRangeBounds(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 4)
	v := newVerifier(node)
	ctx := context.Background()

	_, err := v.Verify(ctx, 3, 1)
	require.ErrorIs(t, err, types.ErrInvalidRange)

	_, err = v.Verify(ctx, 4, 10)
	require.ErrorIs(t, err, types.ErrInvalidRange)

	report, err := v.Verify(ctx, 2, 100)
	require.NoError(t, err)
	require.True(t, report.Verified)
	require.EqualValues(t, 3, report.ToIndex)
	require.Equal(t, 2, report.BlocksChecked)
}

func TestArtifactDigestTamperScenario(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 10)

	original, err := node.Ledger.Block(context.Background(), 5)
	require.NoError(t, err)
	node.RewriteBlock(t, 5, func(b *types.EvidenceBlock) {
		b.ArtifactDigest = testutil.FlipHex(b.ArtifactDigest, 0)
	})

	report, err := newVerifier(node).Verify(context.Background(), 0, 9)
	require.NoError(t, err)
	requireSingleFinding(t, report, 5, types.FieldArtifactDigest)
	require.Equal(t, original.ArtifactDigest, report.Findings[0].Expected)
	require.Equal(t, []uint64{5}, report.AffectedBlocks())
}

func TestFieldTamperAttribution(t *testing.T) {
	cases := []struct {
		name   string
		index  uint64
		field  types.TamperField
		mutate func(*types.EvidenceBlock)
	}{
		{"block index", 3, types.FieldBlockIndex, func(b *types.EvidenceBlock) { b.BlockIndex = 42 }},
		{"incident id", 4, types.FieldIncidentID, func(b *types.EvidenceBlock) { b.IncidentID = "INC-20240101-9999" }},
		{"created at", 2, types.FieldCreatedAt, func(b *types.EvidenceBlock) { b.CreatedAt = b.CreatedAt.Add(time.Minute) }},
		{"unreadable created at", 2, types.FieldCreatedAt, func(b *types.EvidenceBlock) { b.CreatedAt = time.Time{} }},
		{"created at on last block", 5, types.FieldCreatedAt, func(b *types.EvidenceBlock) { b.CreatedAt = b.CreatedAt.Add(-time.Hour) }},
		{"artifact digest", 0, types.FieldArtifactDigest, func(b *types.EvidenceBlock) { b.ArtifactDigest = testutil.FlipHex(b.ArtifactDigest, 63) }},
		{"previous hash", 1, types.FieldPreviousHash, func(b *types.EvidenceBlock) { b.PreviousHash = testutil.FlipHex(b.PreviousHash, 10) }},
		{"genesis previous hash", 0, types.FieldPreviousHash, func(b *types.EvidenceBlock) { b.PreviousHash = testutil.FlipHex(b.PreviousHash, 0) }},
		{"block hash", 3, types.FieldBlockHash, func(b *types.EvidenceBlock) { b.BlockHash = testutil.FlipHex(b.BlockHash, 7) }},
		{"last block hash", 5, types.FieldBlockHash, func(b *types.EvidenceBlock) { b.BlockHash = testutil.FlipHex(b.BlockHash, 7) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := testutil.NewNode(t)
			node.Grow(t, 6)
			node.RewriteBlock(t, tc.index, tc.mutate)

			report, err := newVerifier(node).VerifyAll(context.Background())
			require.NoError(t, err)
			requireSingleFinding(t, report, tc.index, tc.field)
		})
	}
}

func TestResealedBlockIsAttributed(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 5)

	node.RewriteBlock(t, 2, func(b *types.EvidenceBlock) {
		b.CreatedAt = b.CreatedAt.Add(time.Hour)
		*b = integrity.SealBlock(*b)
	})

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	requireSingleFinding(t, report, 2, types.FieldBlockHash)
}

func TestBlobTamper(t *testing.T) {
	node := testutil.NewNode(t)
	blocks := node.Grow(t, 4)
	node.Store.(*evidence.MemStore).Overwrite(blocks[1].ArtifactDigest, []byte(`{"snapshot":"forged"}`))

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	requireSingleFinding(t, report, 1, types.FieldBlob)
	require.Equal(t, blocks[1].ArtifactDigest, report.Findings[0].Expected)
	require.Equal(t, integrity.Digest([]byte(`{"snapshot":"forged"}`)), report.Findings[0].Actual)
}

func TestFileBlobTamper(t *testing.T) {
	node, store := testutil.NewFileNode(t)
	blocks := node.Grow(t, 3)

	path := store.ObjectPath(blocks[2].ArtifactDigest)
	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, os.WriteFile(path, []byte("overwritten"), 0o600))

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	requireSingleFinding(t, report, 2, types.FieldBlob)
}

func TestPrunedBlobIsCountedNotReported(t *testing.T) {
	node := testutil.NewNode(t)
	blocks := node.Grow(t, 3)
	require.NoError(t, node.Store.Prune(context.Background(), blocks[0].ArtifactDigest, []string{"site-b"}))

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	require.True(t, report.Verified)
	require.Equal(t, 1, report.BlobsPruned)
	require.Equal(t, 2, report.BlobsChecked)
}

func TestMissingBlobAndBlock(t *testing.T) {
	t.Run("blob", func(t *testing.T) {
		node, store := testutil.NewFileNode(t)
		blocks := node.Grow(t, 3)
		path := store.ObjectPath(blocks[1].ArtifactDigest)
		require.NoError(t, os.Chmod(path, 0o600))
		require.NoError(t, os.Remove(path))

		report, err := newVerifier(node).VerifyAll(context.Background())
		require.NoError(t, err)
		requireSingleFinding(t, report, 1, types.FieldBlob)
	})

	t.Run("block", func(t *testing.T) {
		node := testutil.NewNode(t)
		node.Grow(t, 5)
		node.DeleteBlock(t, 2)

		report, err := newVerifier(node).VerifyAll(context.Background())
		require.NoError(t, err)
		requireSingleFinding(t, report, 2, types.FieldBlock)
	})
}

func TestBlobRefTamper(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 3)
	node.RewriteBlobRef(t, 1, func(ref *types.BlobRef) {
		ref.Digest = testutil.FlipHex(ref.Digest, 5)
	})

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	requireSingleFinding(t, report, 1, types.FieldBlobRef)
}

func TestTipRecordTamper(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 3)

	bz, err := node.Backend.DB().Get(types.TipKey)
	require.NoError(t, err)
	var tip types.Tip
	require.NoError(t, json.Unmarshal(bz, &tip))
	tip.LastHash = testutil.FlipHex(tip.LastHash, 0)
	bz, err = json.Marshal(tip)
	require.NoError(t, err)
	require.NoError(t, node.Backend.DB().Set(types.TipKey, bz))

	report, err := newVerifier(node).VerifyAll(context.Background())
	require.NoError(t, err)
	requireSingleFinding(t, report, 2, types.FieldTip)
}

func TestSignatureChecks(t *testing.T) {
	signer := integrity.GenerateSigner()

	t.Run("valid", func(t *testing.T) {
		node := testutil.NewNode(t, ledger.WithSigner(signer))
		node.Grow(t, 3)
		report, err := newVerifier(node, verifier.WithVerifyKey(signer.PublicKey())).VerifyAll(context.Background())
		require.NoError(t, err)
		require.True(t, report.Verified)
	})

	t.Run("flipped signature", func(t *testing.T) {
		node := testutil.NewNode(t, ledger.WithSigner(signer))
		node.Grow(t, 3)
		node.RewriteBlock(t, 1, func(b *types.EvidenceBlock) { b.Signature = testutil.FlipHex(b.Signature, 3) })

		report, err := newVerifier(node).VerifyAll(context.Background())
		require.NoError(t, err)
		requireSingleFinding(t, report, 1, types.FieldSignature)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		node := testutil.NewNode(t, ledger.WithSigner(signer))
		node.Grow(t, 2)
		other := integrity.GenerateSigner()

		report, err := newVerifier(node, verifier.WithVerifyKey(other.PublicKey())).VerifyAll(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Findings, 2)
		require.Equal(t, []uint64{0, 1}, report.AffectedBlocks())
		for _, f := range report.Findings {
			require.Equal(t, types.FieldSignature, f.Field)
		}
	})
}

func TestVerifyIncident(t *testing.T) {
	node := testutil.NewNode(t)
	blocks := node.Grow(t, 4)
	ctx := context.Background()

	report, err := newVerifier(node).VerifyIncident(ctx, blocks[2].IncidentID)
	require.NoError(t, err)
	require.True(t, report.Verified)
	require.Equal(t, 1, report.BlocksChecked)
	require.EqualValues(t, 2, report.FromIndex)

	node.RewriteBlock(t, 2, func(b *types.EvidenceBlock) { b.BlockHash = testutil.FlipHex(b.BlockHash, 0) })
	report, err = newVerifier(node).VerifyIncident(ctx, blocks[2].IncidentID)
	require.NoError(t, err)
	requireSingleFinding(t, report, 2, types.FieldBlockHash)

	_, err = newVerifier(node).VerifyIncident(ctx, "INC-20240101-9999")
	require.ErrorIs(t, err, types.ErrIncidentNotFound)
}

func TestVerifiedCacheIsRefreshed(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 3)
	ctx := context.Background()
	v := newVerifier(node)

	_, err := v.VerifyAll(ctx)
	require.NoError(t, err)
	mark, found, err := node.Ledger.CachedVerification(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, mark.Verified)

	node.RewriteBlock(t, 1, func(b *types.EvidenceBlock) { b.CreatedAt = b.CreatedAt.Add(time.Second) })
	_, err = v.VerifyAll(ctx)
	require.NoError(t, err)
	mark, found, err = node.Ledger.CachedVerification(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, mark.Verified)

	mark, _, err = node.Ledger.CachedVerification(ctx, 2)
	require.NoError(t, err)
	require.True(t, mark.Verified)
}

func TestObserverReceivesReports(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 2)

	var got []types.VerificationReport
	v := newVerifier(node, verifier.WithObserver(func(r types.VerificationReport) { got = append(got, r) }))
	_, err := v.VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Verified)
}

func TestCheckExtension(t *testing.T) {
	node := testutil.NewNode(t)
	node.Grow(t, 5)
	batch := node.ReplicatedBlocks(t, 0, 4)

	require.Empty(t, verifier.CheckExtension(types.GenesisTip(), batch))

	tip := types.GenesisTip().Advance(batch[0].Block).Advance(batch[1].Block)
	require.Empty(t, verifier.CheckExtension(tip, batch[2:]))

	findings := verifier.CheckExtension(types.GenesisTip(), batch[1:])
	require.NotEmpty(t, findings)
	require.Equal(t, types.FieldBlockIndex, findings[0].Field)

	batch[3].Block.ArtifactDigest = testutil.FlipHex(batch[3].Block.ArtifactDigest, 0)
	findings = verifier.CheckExtension(types.GenesisTip(), batch)
	require.NotEmpty(t, findings)
	for _, f := range findings {
		require.EqualValues(t, 3, f.BlockIndex)
	}
}

func TestSingleFieldTamperProperty(t *testing.T) {
	fields := []types.TamperField{
		types.FieldBlockIndex, types.FieldIncidentID, types.FieldCreatedAt,
		types.FieldArtifactDigest, types.FieldPreviousHash, types.FieldBlockHash,
	}

	rapid.Check(t, func(rt *rapid.T) {
		length := rapid.IntRange(1, 8).Draw(rt, "length")
		index := uint64(rapid.IntRange(0, length-1).Draw(rt, "index"))
		field := rapid.SampledFrom(fields).Draw(rt, "field")
		pos := rapid.IntRange(0, 63).Draw(rt, "pos")
		shift := rapid.Int64Range(1, 1_000_000).Draw(rt, "shift")

		node := testutil.NewNode(t)
		node.Grow(t, length)
		node.RewriteBlock(t, index, func(b *types.EvidenceBlock) {
			switch field {
			case types.FieldBlockIndex:
				b.BlockIndex += uint64(shift)
			case types.FieldIncidentID:
				b.IncidentID = "INC-20991231-0001"
			case types.FieldCreatedAt:
				b.CreatedAt = b.CreatedAt.Add(time.Duration(shift) * time.Microsecond)
			case types.FieldArtifactDigest:
				b.ArtifactDigest = testutil.FlipHex(b.ArtifactDigest, pos)
			case types.FieldPreviousHash:
				b.PreviousHash = testutil.FlipHex(b.PreviousHash, pos)
			case types.FieldBlockHash:
				b.BlockHash = testutil.FlipHex(b.BlockHash, pos)
			}
		})

		report, err := newVerifier(node).VerifyAll(context.Background())
		require.NoError(rt, err)
		requireSingleFinding(rt, report, index, field)
	})
}
