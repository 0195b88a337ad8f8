package evidence

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

// MemStore is an in-memory Store for ephemeral nodes and tests
type MemStore struct {
	mu          sync.RWMutex
	minReplicas int
	blobs       map[string][]byte
	metas       map[string]Meta
	staged      map[string][]byte
	tombstones  map[string]Tombstone
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store
func NewMemStore(minReplicas int) *MemStore {
	if minReplicas < 1 {
		minReplicas = 1
	}
	return &MemStore{
		minReplicas: minReplicas,
		blobs:       make(map[string][]byte),
		metas:       make(map[string]Meta),
		staged:      make(map[string][]byte),
		tombstones:  make(map[string]Tombstone),
	}
}

func (s *MemStore) Put(ctx context.Context, data []byte, meta Meta) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	digest := integrity.Digest(data)
	if meta.Digest != "" && meta.Digest != digest {
		return Meta{}, errorsmod.Wrapf(types.ErrDigestMismatch, "declared %s, computed %s", meta.Digest, digest)
	}
	meta.Digest = digest
	meta.Size = int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.metas[digest]; ok {
		if _, present := s.blobs[digest]; present {
			return existing, nil
		}
	}
	s.blobs[digest] = append([]byte{}, data...)
	s.metas[digest] = meta
	delete(s.tombstones, digest)
	return meta, nil
}

func (s *MemStore) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	data, err := s.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[digest]
	if !ok {
		return nil, s.missing(digest)
	}
	return append([]byte{}, data...), nil
}

func (s *MemStore) Stat(ctx context.Context, digest string) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[digest]; !ok {
		return Meta{}, s.missing(digest)
	}
	return s.metas[digest], nil
}

func (s *MemStore) Has(ctx context.Context, digest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest]
	return ok, nil
}

func (s *MemStore) Tombstone(ctx context.Context, digest string) (Tombstone, error) {
	if err := ctx.Err(); err != nil {
		return Tombstone{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tombstones[digest]
	if !ok {
		return Tombstone{}, errorsmod.Wrap(types.ErrBlobNotFound, digest)
	}
	return ts, nil
}

func (s *MemStore) StagedSize(ctx context.Context, digest string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.staged[digest])), nil
}

func (s *MemStore) WriteStaged(ctx context.Context, digest string, offset int64, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	chunk, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.staged[digest]
	if int64(len(current)) != offset {
		return int64(len(current)), errorsmod.Wrapf(types.ErrInvalidOffset, "staged %d bytes, write at %d", len(current), offset)
	}
	s.staged[digest] = append(current, chunk...)
	return int64(len(s.staged[digest])), nil
}

func (s *MemStore) CommitStaged(ctx context.Context, meta Meta) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[meta.Digest]; ok {
		delete(s.staged, meta.Digest)
		return s.metas[meta.Digest], nil
	}
	data, ok := s.staged[meta.Digest]
	if !ok {
		return Meta{}, errorsmod.Wrapf(types.ErrBlobNotFound, "nothing staged for %s", meta.Digest)
	}
	delete(s.staged, meta.Digest)
	if digest := integrity.Digest(data); digest != meta.Digest {
		return Meta{}, errorsmod.Wrapf(types.ErrDigestMismatch, "staged %s, expected %s", digest, meta.Digest)
	}
	meta.Size = int64(len(data))
	s.blobs[meta.Digest] = data
	s.metas[meta.Digest] = meta
	delete(s.tombstones, meta.Digest)
	return meta, nil
}

func (s *MemStore) Prune(ctx context.Context, digest string, confirmedBy []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(confirmedBy) < s.minReplicas {
		return errorsmod.Wrapf(types.ErrInsufficientReplicas, "%d of %d confirmations for %s",
			len(confirmedBy), s.minReplicas, digest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[digest]
	if !ok {
		return s.missing(digest)
	}
	s.tombstones[digest] = Tombstone{
		Digest:      digest,
		Size:        int64(len(data)),
		PrunedAt:    time.Now().UTC(),
		ConfirmedBy: append([]string{}, confirmedBy...),
	}
	delete(s.blobs, digest)
	return nil
}

func (s *MemStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Blobs: len(s.blobs), Pruned: len(s.tombstones), Staged: len(s.staged)}
	for _, b := range s.blobs {
		stats.Bytes += int64(len(b))
	}
	return stats, nil
}

// Overwrite replaces stored bytes without changing the key, simulating
// at-rest corruption.
func (s *MemStore) Overwrite(digest string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[digest] = append([]byte{}, data...)
}

// caller holds mu
func (s *MemStore) missing(digest string) error {
	if _, ok := s.tombstones[digest]; ok {
		return errorsmod.Wrap(types.ErrBlobPruned, digest)
	}
	return errorsmod.Wrap(types.ErrBlobNotFound, digest)
}
