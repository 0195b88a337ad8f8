// Package replication ships sealed blocks and their evidence blobs to remote
// sites and applies blocks received from them.
package replication

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/types"
)

// BlobOffset is how much of a blob a receiver already holds
type BlobOffset struct {
	Offset int64 `json:"offset"`
	// Complete is set when the blob is published or was pruned after confirmation
	Complete bool `json:"complete"`
}

// Ack is the receiver's answer to a pushed block
type Ack = ledger.ImportResult

// Transport is one remote site, as seen by the sender or by recovery
type Transport interface {
	Status(ctx context.Context) (types.PeerStatus, error)
	BlobOffset(ctx context.Context, digest string) (BlobOffset, error)
	// PushBlobChunk appends chunk at offset and returns the new staged size
	PushBlobChunk(ctx context.Context, digest string, offset int64, chunk []byte) (int64, error)
	CommitBlob(ctx context.Context, meta evidence.Meta) error
	PushBlock(ctx context.Context, rb types.ReplicatedBlock) (Ack, error)
	FetchBlocks(ctx context.Context, from uint64, limit int) ([]types.ReplicatedBlock, error)
	FetchBlob(ctx context.Context, digest string, offset int64) (io.ReadCloser, error)
}

// Dialer returns the transport of a site
type Dialer func(site types.ReplicaSite) (Transport, error)

// IsRejection reports whether err is a receiver refusing a block rather than
// a failure to reach it
func IsRejection(err error) bool {
	return errors.Is(err, types.ErrOutOfOrder) || errors.Is(err, types.ErrChainMismatch)
}

// LocalTransport drives a Receiver in the same process
type LocalTransport struct {
	recv *Receiver
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport wraps a receiver
func NewLocalTransport(recv *Receiver) *LocalTransport {
	return &LocalTransport{recv: recv}
}

func (t *LocalTransport) Status(ctx context.Context) (types.PeerStatus, error) {
	return t.recv.Status(ctx), nil
}

func (t *LocalTransport) BlobOffset(ctx context.Context, digest string) (BlobOffset, error) {
	return t.recv.BlobOffset(ctx, digest)
}

func (t *LocalTransport) PushBlobChunk(ctx context.Context, digest string, offset int64, chunk []byte) (int64, error) {
	return t.recv.WriteBlob(ctx, digest, offset, bytes.NewReader(chunk))
}

func (t *LocalTransport) CommitBlob(ctx context.Context, meta evidence.Meta) error {
	_, err := t.recv.CommitBlob(ctx, meta)
	return err
}

func (t *LocalTransport) PushBlock(ctx context.Context, rb types.ReplicatedBlock) (Ack, error) {
	return t.recv.ApplyBlock(ctx, rb)
}

func (t *LocalTransport) FetchBlocks(ctx context.Context, from uint64, limit int) ([]types.ReplicatedBlock, error) {
	return t.recv.Blocks(ctx, from, limit)
}

func (t *LocalTransport) FetchBlob(ctx context.Context, digest string, offset int64) (io.ReadCloser, error) {
	return t.recv.OpenBlob(ctx, digest, offset)
}
