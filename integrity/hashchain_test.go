package integrity

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/custody/types"
)

func sampleBlock() types.EvidenceBlock {
	return types.EvidenceBlock{
		BlockIndex:     0,
		IncidentID:     "INC-20240101-0001",
		CreatedAt:      time.Date(2024, 1, 1, 12, 0, 0, 123456789, time.UTC),
		ArtifactDigest: Digest([]byte("snapshot")),
		PreviousHash:   types.GenesisHash,
	}
}

func TestCanonicalEncoding(t *testing.T) {
	t.Parallel()

	got := string(Canonical(sampleBlock()))
	want := `{"block_index":0,"incident_id":"INC-20240101-0001","created_at":"2024-01-01T12:00:00.123456Z",` +
		`"artifact_digest":"` + Digest([]byte("snapshot")) + `","previous_hash":"` + types.GenesisHash + `"}`
	assert.Equal(t, want, got)
}

func TestCanonicalIgnoresUnhashedFields(t *testing.T) {
	t.Parallel()

	a := sampleBlock()
	b := a
	b.BlockHash = "ff"
	b.Signature = "00"
	b.Signer = "11"
	assert.Equal(t, Canonical(a), Canonical(b))
}

func TestCanonicalTimeZoneIndependent(t *testing.T) {
	t.Parallel()

	a := sampleBlock()
	b := a
	b.CreatedAt = a.CreatedAt.In(time.FixedZone("X", 5*3600))
	assert.Equal(t, BlockHash(a), BlockHash(b))
}

func TestSealAndVerify(t *testing.T) {
	t.Parallel()

	block := SealBlock(sampleBlock())
	require.NoError(t, VerifyBlockHash(block))
	assert.Equal(t, 0, block.CreatedAt.Nanosecond()%1000)

	block.IncidentID = "INC-20240101-0002"
	assert.ErrorIs(t, VerifyBlockHash(block), types.ErrDigestMismatch)
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	ts := NormalizeTime(time.Now())
	parsed, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))
}

func TestValidDigest(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidDigest(Digest(nil)))
	assert.False(t, ValidDigest(strings.ToUpper(Digest(nil))))
	assert.False(t, ValidDigest("abc"))
	assert.False(t, ValidDigest(strings.Repeat("g", 64)))
}

func TestDigestReader(t *testing.T) {
	t.Parallel()

	d, n, err := DigestReader(strings.NewReader("snapshot"))
	require.NoError(t, err)
	assert.Equal(t, Digest([]byte("snapshot")), d)
	assert.Equal(t, int64(8), n)
}

// Any change to any hashed field changes the hash.
func TestBlockHashSensitivity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		block := types.EvidenceBlock{
			BlockIndex:     rapid.Uint64().Draw(t, "index"),
			IncidentID:     rapid.StringMatching(`INC-[0-9]{8}-[0-9]{4}`).Draw(t, "incident"),
			CreatedAt:      time.Unix(rapid.Int64Range(0, 1<<33).Draw(t, "sec"), 0).UTC(),
			ArtifactDigest: Digest([]byte(rapid.String().Draw(t, "blob"))),
			PreviousHash:   Digest([]byte(rapid.String().Draw(t, "prev"))),
		}
		original := BlockHash(block)

		mutated := block
		switch rapid.IntRange(0, 4).Draw(t, "field") {
		case 0:
			mutated.BlockIndex++
		case 1:
			mutated.IncidentID += "x"
		case 2:
			mutated.CreatedAt = mutated.CreatedAt.Add(time.Microsecond)
		case 3:
			mutated.ArtifactDigest = flipHex(mutated.ArtifactDigest, rapid.IntRange(0, 63).Draw(t, "pos"))
		case 4:
			mutated.PreviousHash = flipHex(mutated.PreviousHash, rapid.IntRange(0, 63).Draw(t, "pos"))
		}
		if BlockHash(mutated) == original {
			t.Fatalf("hash unchanged after mutation: %+v", mutated)
		}
	})
}

func flipHex(s string, pos int) string {
	b := []byte(s)
	if b[pos] == '0' {
		b[pos] = '1'
	} else {
		b[pos] = '0'
	}
	return string(b)
}

func TestSigner(t *testing.T) {
	t.Parallel()

	signer := GenerateSigner()
	hash := BlockHash(sampleBlock())

	sig, err := signer.Sign(hash)
	require.NoError(t, err)
	assert.True(t, VerifySignature(signer.PublicKey(), hash, sig))
	assert.False(t, VerifySignature(signer.PublicKey(), flipHex(hash, 0), sig))
	assert.False(t, VerifySignature(GenerateSigner().PublicKey(), hash, sig))
	assert.False(t, VerifySignature("zz", hash, sig))
}

func TestSignerFromSecretDeterministic(t *testing.T) {
	t.Parallel()

	a := SignerFromSecret([]byte("node-a"))
	b := SignerFromSecret([]byte("node-a"))
	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.NotEqual(t, a.PublicKey(), SignerFromSecret([]byte("node-b")).PublicKey())
}

func TestLoadOrCreateSigner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "signing.key")
	first, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	second, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	a, err := DeriveKey([]byte("shared"), "replication", 32)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := DeriveKey([]byte("shared"), "other", 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = DeriveKey(nil, "replication", 32)
	require.Error(t, err)
}
