// Package testutil builds ledgers, stores and chains for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/types"
)

// Epoch is the fixed start of test clocks
var Epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// Clock returns a clock that advances one second per reading
func Clock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// Node is a ledger with its evidence store
type Node struct {
	Ledger  *ledger.Ledger
	Backend *ledger.KVBackend
	Store   evidence.Store
}

// NewNode returns an in-memory ledger and store
func NewNode(t testing.TB, opts ...ledger.Option) *Node {
	t.Helper()
	backend := ledger.NewMemBackend()
	opts = append([]ledger.Option{ledger.WithClock(Clock(Epoch))}, opts...)
	l, err := ledger.New(context.Background(), backend, log.NewNopLogger(), opts...)
	require.NoError(t, err)
	return &Node{Ledger: l, Backend: backend, Store: evidence.NewMemStore(1)}
}

// NewFileNode returns an in-memory ledger over an on-disk evidence store
func NewFileNode(t testing.TB, opts ...ledger.Option) (*Node, *evidence.FileStore) {
	t.Helper()
	node := NewNode(t, opts...)
	store, err := evidence.NewFileStore(evidence.FileStoreConfig{Root: t.TempDir(), MinReplicas: 1}, log.NewNopLogger())
	require.NoError(t, err)
	node.Store = store
	return node, store
}

// Capture stores a blob and appends a block for a fresh incident
func (n *Node) Capture(t testing.TB, incidentType string, payload []byte) types.EvidenceBlock {
	t.Helper()
	ctx := context.Background()

	id, err := n.Ledger.ReserveIncidentID(ctx)
	require.NoError(t, err)
	meta, err := n.Store.Put(ctx, payload, evidence.Meta{IncidentID: id, IncidentType: incidentType})
	require.NoError(t, err)

	block, err := n.Ledger.Append(ctx, ledger.AppendRequest{
		Incident:       types.Incident{IncidentID: id, IncidentType: incidentType, TriggerSource: types.TriggerManual},
		ArtifactDigest: meta.Digest,
		Size:           meta.Size,
	})
	require.NoError(t, err)
	return block
}

// Grow appends n blocks with distinct payloads
func (n *Node) Grow(t testing.TB, count int) []types.EvidenceBlock {
	t.Helper()
	start := n.Ledger.Tip().Length
	blocks := make([]types.EvidenceBlock, 0, count)
	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf(`{"snapshot":%d}`, start+uint64(i)))
		blocks = append(blocks, n.Capture(t, "lims", payload))
	}
	return blocks
}

// RewriteBlock mutates the stored copy of a block in place, bypassing the ledger
func (n *Node) RewriteBlock(t testing.TB, index uint64, mutate func(*types.EvidenceBlock)) {
	t.Helper()
	rewrite(t, n.Backend, types.BlockKey(index), func(bz []byte) any {
		var block types.EvidenceBlock
		require.NoError(t, json.Unmarshal(bz, &block))
		mutate(&block)
		return block
	})
}

// RewriteBlobRef mutates the stored blob reference of a block
func (n *Node) RewriteBlobRef(t testing.TB, index uint64, mutate func(*types.BlobRef)) {
	t.Helper()
	rewrite(t, n.Backend, types.BlobRefKey(index), func(bz []byte) any {
		var ref types.BlobRef
		require.NoError(t, json.Unmarshal(bz, &ref))
		mutate(&ref)
		return ref
	})
}

// DeleteBlock removes the stored block at index
func (n *Node) DeleteBlock(t testing.TB, index uint64) {
	t.Helper()
	require.NoError(t, n.Backend.DB().Delete(types.BlockKey(index)))
}

// ReplicatedBlocks returns blocks [from, to] in wire form
func (n *Node) ReplicatedBlocks(t testing.TB, from, to uint64) []types.ReplicatedBlock {
	t.Helper()
	ctx := context.Background()
	var out []types.ReplicatedBlock
	for i := from; i <= to; i++ {
		block, err := n.Ledger.Block(ctx, i)
		require.NoError(t, err)
		ref, err := n.Ledger.BlobRef(ctx, i)
		require.NoError(t, err)
		incident, err := n.Ledger.Incident(ctx, ref.IncidentID)
		require.NoError(t, err)
		out = append(out, types.ReplicatedBlock{Block: block, Incident: incident, BlobRef: ref})
	}
	return out
}

func rewrite(t testing.TB, backend *ledger.KVBackend, key []byte, mutate func([]byte) any) {
	bz, err := backend.DB().Get(key)
	require.NoError(t, err)
	require.NotNil(t, bz, "key %x not stored", key)
	out, err := json.Marshal(mutate(bz))
	require.NoError(t, err)
	require.NoError(t, backend.DB().Set(key, out))
}

// FlipHex changes the hex character at pos
func FlipHex(s string, pos int) string {
	b := []byte(s)
	if b[pos] == 'a' {
		b[pos] = 'b'
	} else {
		b[pos] = 'a'
	}
	return string(b)
}
