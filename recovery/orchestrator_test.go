package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/recovery"
	"github.com/paw-chain/custody/replication"
	"github.com/paw-chain/custody/testutil"
	"github.com/paw-chain/custody/types"
	"github.com/paw-chain/custody/verifier"
)

// recordingTransport records what recovery asked a source for
type recordingTransport struct {
	replication.Transport

	mu          sync.Mutex
	pages       []uint64
	blobOffsets map[string]int64
	lastSyncAt  time.Time
	down        bool
	onStatus    func()
}

func newSource(t *testing.T, id string, node *testutil.Node) (recovery.Source, *recordingTransport) {
	t.Helper()
	recv := replication.NewReceiver(id, node.Ledger, node.Store, log.NewNopLogger(), nil)
	rt := &recordingTransport{Transport: replication.NewLocalTransport(recv), blobOffsets: make(map[string]int64)}
	return recovery.Source{SiteID: id, Transport: rt}, rt
}

func (r *recordingTransport) Status(ctx context.Context) (types.PeerStatus, error) {
	if r.onStatus != nil {
		r.onStatus()
	}
	if r.down {
		return types.PeerStatus{}, errorsmod.Wrap(types.ErrReplicationTransport, "connection refused")
	}
	status, err := r.Transport.Status(ctx)
	if !r.lastSyncAt.IsZero() {
		status.LastSyncAt = r.lastSyncAt
	}
	return status, err
}

func (r *recordingTransport) FetchBlocks(ctx context.Context, from uint64, limit int) ([]types.ReplicatedBlock, error) {
	r.mu.Lock()
	r.pages = append(r.pages, from)
	r.mu.Unlock()
	return r.Transport.FetchBlocks(ctx, from, limit)
}

func (r *recordingTransport) FetchBlob(ctx context.Context, digest string, offset int64) (io.ReadCloser, error) {
	r.mu.Lock()
	r.blobOffsets[digest] = offset
	r.mu.Unlock()
	return r.Transport.FetchBlob(ctx, digest, offset)
}

func newOrchestrator(node *testutil.Node, sources []recovery.Source, opts ...recovery.Option) *recovery.Orchestrator {
	v := verifier.New(node.Ledger, node.Store, log.NewNopLogger())
	return recovery.New(node.Ledger, node.Store, v, sources, log.NewNopLogger(), opts...)
}

func TestFullRestore(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	src.Grow(t, 5)
	source, _ := newSource(t, "site-b", src)
	o := newOrchestrator(dst, []recovery.Source{source}, recovery.WithPageSize(2))
	assert.Equal(t, types.RecoveryIdle, o.State())

	cp, err := o.Recover(ctx, recovery.Options{})
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryComplete, o.State())
	assert.Equal(t, types.RecoveryComplete, cp.State)
	assert.Equal(t, "site-b", cp.SourceSiteID)
	assert.Equal(t, uint64(0), cp.RestoredFromIndex)
	assert.Equal(t, int64(4), cp.RestoredUpToIndex)
	assert.Equal(t, uint64(5), cp.BlocksRestored)
	require.NotNil(t, cp.VerificationResult)
	assert.True(t, cp.VerificationResult.Verified)
	assert.NotEmpty(t, cp.CheckpointID)

	assert.Equal(t, src.Ledger.Tip(), dst.Ledger.Tip())
	for _, rb := range src.ReplicatedBlocks(t, 0, 4) {
		want, err := src.Store.Get(ctx, rb.Block.ArtifactDigest)
		require.NoError(t, err)
		got, err := dst.Store.Get(ctx, rb.Block.ArtifactDigest)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	checkpoints, err := dst.Ledger.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, cp.CheckpointID, checkpoints[0].CheckpointID)
}

func TestSecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	src.Grow(t, 3)
	source, rt := newSource(t, "site-b", src)
	o := newOrchestrator(dst, []recovery.Source{source})

	_, err := o.Recover(ctx, recovery.Options{})
	require.NoError(t, err)
	pages := len(rt.pages)

	cp, err := o.Recover(ctx, recovery.Options{})
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryComplete, cp.State)
	assert.Empty(t, cp.SourceSiteID)
	assert.Zero(t, cp.BlocksRestored)
	assert.Len(t, rt.pages, pages, "no blocks fetched after assessing")

	checkpoints, err := dst.Ledger.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)
}

func TestResumesAtLocalTip(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	src.Grow(t, 5)
	present := src.ReplicatedBlocks(t, 0, 1)
	for _, rb := range present {
		_, err := dst.Ledger.Import(ctx, rb)
		require.NoError(t, err)
	}
	source, rt := newSource(t, "site-b", src)
	o := newOrchestrator(dst, []recovery.Source{source})

	cp, err := o.Recover(ctx, recovery.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.RestoredFromIndex)
	assert.Equal(t, uint64(3), cp.BlocksRestored)
	require.NotEmpty(t, rt.pages)
	assert.Equal(t, uint64(2), rt.pages[0])
	for _, rb := range present {
		assert.NotContains(t, rt.blobOffsets, rb.Block.ArtifactDigest)
	}
	assert.Equal(t, src.Ledger.Tip(), dst.Ledger.Tip())
}

func TestResumesStagedBlob(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	block := src.Capture(t, "argocd", []byte(`{"app":"payments","sync":"OutOfSync","revision":"9f2c"}`))
	data, err := src.Store.Get(ctx, block.ArtifactDigest)
	require.NoError(t, err)
	half := int64(len(data) / 2)
	_, err = dst.Store.WriteStaged(ctx, block.ArtifactDigest, 0, bytes.NewReader(data[:half]))
	require.NoError(t, err)

	source, rt := newSource(t, "site-b", src)
	_, err = newOrchestrator(dst, []recovery.Source{source}).Recover(ctx, recovery.Options{})
	require.NoError(t, err)

	assert.Equal(t, half, rt.blobOffsets[block.ArtifactDigest])
	got, err := dst.Store.Get(ctx, block.ArtifactDigest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSourceSelection(t *testing.T) {
	short, long, twin := testutil.NewNode(t), testutil.NewNode(t), testutil.NewNode(t)
	short.Grow(t, 3)
	long.Grow(t, 5)
	twin.Grow(t, 5)

	tests := []struct {
		name    string
		exclude []string
		want    string
	}{
		{name: "highest tip, then most recent sync", want: "site-d"},
		{name: "excluded source skipped", exclude: []string{"site-d"}, want: "site-c"},
		{name: "only shorter source left", exclude: []string{"site-c", "site-d"}, want: "site-b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dst := testutil.NewNode(t)
			b, _ := newSource(t, "site-b", short)
			c, ct := newSource(t, "site-c", long)
			d, dt := newSource(t, "site-d", twin)
			ct.lastSyncAt = testutil.Epoch
			dt.lastSyncAt = testutil.Epoch.Add(time.Hour)

			cp, err := newOrchestrator(dst, []recovery.Source{b, c, d}).Recover(context.Background(), recovery.Options{ExcludeSites: tc.exclude})
			require.NoError(t, err)
			assert.Equal(t, tc.want, cp.SourceSiteID)
		})
	}
}

func TestUnreachableSourceSkipped(t *testing.T) {
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	src.Grow(t, 2)
	down, dt := newSource(t, "site-b", src)
	dt.down = true
	up, _ := newSource(t, "site-c", src)

	cp, err := newOrchestrator(dst, []recovery.Source{down, up}).Recover(context.Background(), recovery.Options{})
	require.NoError(t, err)
	assert.Equal(t, "site-c", cp.SourceSiteID)
}

func TestNoReachableSource(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	source, rt := newSource(t, "site-b", src)
	rt.down = true
	o := newOrchestrator(dst, []recovery.Source{source})

	cp, err := o.Recover(ctx, recovery.Options{})
	assert.True(t, errors.Is(err, types.ErrNoRecoverySource))
	assert.Equal(t, types.RecoveryFailed, o.State())
	assert.Equal(t, types.RecoveryFailed, cp.State)
	assert.NotEmpty(t, cp.Error)

	checkpoints, err := dst.Ledger.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)
}

func TestTamperedSourceFails(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	src.Grow(t, 5)
	src.RewriteBlock(t, 2, func(b *types.EvidenceBlock) {
		b.ArtifactDigest = testutil.FlipHex(b.ArtifactDigest, 0)
	})
	source, _ := newSource(t, "site-b", src)
	o := newOrchestrator(dst, []recovery.Source{source}, recovery.WithPageSize(2))

	cp, err := o.Recover(ctx, recovery.Options{})
	assert.True(t, errors.Is(err, types.ErrRecoveryVerification))
	assert.Equal(t, types.RecoveryFailed, o.State())
	require.NotNil(t, cp.VerificationResult)
	require.NotEmpty(t, cp.VerificationResult.Findings)
	assert.Equal(t, uint64(2), cp.VerificationResult.Findings[0].BlockIndex)

	// the verified page before the tampered one is kept, nothing after it
	assert.Equal(t, uint64(2), dst.Ledger.Tip().Length)
	assert.Equal(t, int64(1), cp.RestoredUpToIndex)

	checkpoints, err := dst.Ledger.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, types.RecoveryFailed, checkpoints[0].State)
}

func TestTamperedSourceBlobFails(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	blocks := src.Grow(t, 3)
	src.Store.(*evidence.MemStore).Overwrite(blocks[1].ArtifactDigest, []byte(`{"snapshot":"forged"}`))
	source, _ := newSource(t, "site-b", src)

	cp, err := newOrchestrator(dst, []recovery.Source{source}).Recover(ctx, recovery.Options{})
	assert.True(t, errors.Is(err, types.ErrRecoveryVerification))
	require.NotNil(t, cp.VerificationResult)
	require.Len(t, cp.VerificationResult.Findings, 1)
	assert.Equal(t, types.FieldBlob, cp.VerificationResult.Findings[0].Field)
	assert.Equal(t, uint64(1), cp.VerificationResult.Findings[0].BlockIndex)
	assert.Equal(t, uint64(1), dst.Ledger.Tip().Length)

	has, err := dst.Store.Has(ctx, blocks[1].ArtifactDigest)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestConcurrentRecoveryRejected(t *testing.T) {
	src, dst := testutil.NewNode(t), testutil.NewNode(t)
	src.Grow(t, 1)
	source, rt := newSource(t, "site-b", src)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rt.onStatus = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	o := newOrchestrator(dst, []recovery.Source{source})

	done := make(chan error, 1)
	go func() {
		_, err := o.Recover(context.Background(), recovery.Options{})
		done <- err
	}()
	<-entered
	assert.Equal(t, types.RecoveryAssessing, o.State())

	_, err := o.Recover(context.Background(), recovery.Options{})
	assert.True(t, errors.Is(err, types.ErrRecoveryInProgress))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, src.Ledger.Tip(), dst.Ledger.Tip())
}
