package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

const (
	objectsDir = "objects"
	stagingDir = "staging"
	prunedDir  = "pruned"
	metaSuffix = ".meta.json"
	partSuffix = ".part"
)

// FileStoreConfig configures a FileStore
type FileStoreConfig struct {
	Root string
	// MinReplicas is the number of confirming remote sites required before a blob may be pruned
	MinReplicas int
}

// DefaultFileStoreConfig returns the store configuration for a data directory
func DefaultFileStoreConfig(dataDir string) FileStoreConfig {
	return FileStoreConfig{
		Root:        filepath.Join(dataDir, "evidence"),
		MinReplicas: 1,
	}
}

// FileStore keeps blobs as files named by their digest:
//
//	objects/<d[0:2]>/<digest>            blob bytes
//	objects/<d[0:2]>/<digest>.meta.json  sidecar metadata
//	staging/<digest>.part                partial replicated transfer
//	pruned/<digest>.json                 tombstone of a pruned local copy
type FileStore struct {
	config FileStoreConfig
	logger log.Logger

	// mu serializes publication; readers never take it
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory layout under config.Root
func NewFileStore(config FileStoreConfig, logger log.Logger) (*FileStore, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("evidence root not specified")
	}
	if config.MinReplicas < 1 {
		config.MinReplicas = 1
	}

	for _, dir := range []string{objectsDir, stagingDir, prunedDir} {
		if err := os.MkdirAll(filepath.Join(config.Root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create evidence directory: %w", err)
		}
	}

	logger.Info("evidence store initialized", "root", config.Root, "min_replicas", config.MinReplicas)

	return &FileStore{config: config, logger: logger}, nil
}

// Put stores data under its digest
func (s *FileStore) Put(ctx context.Context, data []byte, meta Meta) (Meta, error) {
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

	if existing, err := s.readMeta(digest); err == nil {
		return existing, nil
	}

	if err := s.publish(digest, bytes.NewReader(data)); err != nil {
		return Meta{}, err
	}
	if err := s.writeMeta(meta); err != nil {
		return Meta{}, err
	}
	s.clearTombstone(digest)

	return meta, nil
}

// Open streams a blob
func (s *FileStore) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	if err := s.checkDigest(ctx, digest); err != nil {
		return nil, err
	}
	f, err := os.Open(s.ObjectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.missing(digest)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Get reads a whole blob
func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	rc, err := s.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Stat returns the metadata of a blob
func (s *FileStore) Stat(ctx context.Context, digest string) (Meta, error) {
	if err := s.checkDigest(ctx, digest); err != nil {
		return Meta{}, err
	}
	meta, err := s.readMeta(digest)
	if err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Has reports whether the blob bytes are present locally
func (s *FileStore) Has(ctx context.Context, digest string) (bool, error) {
	if err := s.checkDigest(ctx, digest); err != nil {
		return false, err
	}
	_, err := os.Stat(s.ObjectPath(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Tombstone returns the prune record of a blob
func (s *FileStore) Tombstone(ctx context.Context, digest string) (Tombstone, error) {
	if err := s.checkDigest(ctx, digest); err != nil {
		return Tombstone{}, err
	}
	bz, err := os.ReadFile(s.tombstonePath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return Tombstone{}, errorsmod.Wrap(types.ErrBlobNotFound, digest)
		}
		return Tombstone{}, err
	}
	var ts Tombstone
	if err := json.Unmarshal(bz, &ts); err != nil {
		return Tombstone{}, fmt.Errorf("failed to decode tombstone %s: %w", digest, err)
	}
	return ts, nil
}

// StagedSize returns the number of staged bytes for digest
func (s *FileStore) StagedSize(ctx context.Context, digest string) (int64, error) {
	if err := s.checkDigest(ctx, digest); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.stagingPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// WriteStaged appends to the staged transfer of digest
func (s *FileStore) WriteStaged(ctx context.Context, digest string, offset int64, r io.Reader) (int64, error) {
	if err := s.checkDigest(ctx, digest); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.stagingPath(digest)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() != offset {
		return info.Size(), errorsmod.Wrapf(types.ErrInvalidOffset, "staged %d bytes, write at %d", info.Size(), offset)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		return offset + n, fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return offset + n, err
	}
	return offset + n, nil
}

// CommitStaged verifies the staged bytes and publishes them
func (s *FileStore) CommitStaged(ctx context.Context, meta Meta) (Meta, error) {
	if err := s.checkDigest(ctx, meta.Digest); err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.stagingPath(meta.Digest)
	if _, err := os.Stat(s.ObjectPath(meta.Digest)); err == nil {
		if existing, err := s.readMeta(meta.Digest); err == nil {
			_ = os.Remove(path)
			return existing, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, errorsmod.Wrapf(types.ErrBlobNotFound, "nothing staged for %s", meta.Digest)
		}
		return Meta{}, err
	}
	digest, size, err := integrity.DigestReader(f)
	f.Close()
	if err != nil {
		return Meta{}, fmt.Errorf("failed to hash staging file: %w", err)
	}
	if digest != meta.Digest {
		_ = os.Remove(path)
		return Meta{}, errorsmod.Wrapf(types.ErrDigestMismatch, "staged %s, expected %s", digest, meta.Digest)
	}

	dst := s.ObjectPath(meta.Digest)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return Meta{}, fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.Rename(path, dst); err != nil {
		return Meta{}, fmt.Errorf("failed to publish staged blob: %w", err)
	}

	meta.Size = size
	if err := s.writeMeta(meta); err != nil {
		return Meta{}, err
	}
	s.clearTombstone(meta.Digest)
	return meta, nil
}

// Prune drops the local blob bytes and leaves a tombstone
func (s *FileStore) Prune(ctx context.Context, digest string, confirmedBy []string) error {
	if err := s.checkDigest(ctx, digest); err != nil {
		return err
	}
	if len(confirmedBy) < s.config.MinReplicas {
		return errorsmod.Wrapf(types.ErrInsufficientReplicas, "%d of %d confirmations for %s",
			len(confirmedBy), s.config.MinReplicas, digest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.ObjectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return s.missing(digest)
		}
		return err
	}

	ts := Tombstone{
		Digest:      digest,
		Size:        info.Size(),
		PrunedAt:    time.Now().UTC(),
		ConfirmedBy: append([]string{}, confirmedBy...),
	}
	bz, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.tombstonePath(digest), bz); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	if err := os.Remove(s.ObjectPath(digest)); err != nil {
		return fmt.Errorf("failed to prune blob: %w", err)
	}

	s.logger.Info("pruned local evidence blob", "digest", digest, "confirmed_by", strings.Join(confirmedBy, ","))
	return nil
}

// Stats walks the store and counts its contents
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := filepath.WalkDir(filepath.Join(s.config.Root, objectsDir), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), metaSuffix) || !integrity.ValidDigest(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Blobs++
		stats.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to walk evidence objects: %w", err)
	}

	if stats.Pruned, err = countEntries(filepath.Join(s.config.Root, prunedDir), ".json"); err != nil {
		return Stats{}, err
	}
	if stats.Staged, err = countEntries(filepath.Join(s.config.Root, stagingDir), partSuffix); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// ObjectPath returns the path of the blob file for digest
func (s *FileStore) ObjectPath(digest string) string {
	return filepath.Join(s.config.Root, objectsDir, digest[:2], digest)
}

func (s *FileStore) metaPath(digest string) string {
	return s.ObjectPath(digest) + metaSuffix
}

func (s *FileStore) stagingPath(digest string) string {
	return filepath.Join(s.config.Root, stagingDir, digest+partSuffix)
}

func (s *FileStore) tombstonePath(digest string) string {
	return filepath.Join(s.config.Root, prunedDir, digest+".json")
}

func (s *FileStore) checkDigest(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !integrity.ValidDigest(digest) {
		return errorsmod.Wrapf(types.ErrInvalidDigest, "%q", digest)
	}
	return nil
}

// missing distinguishes a pruned blob from one that was never stored
func (s *FileStore) missing(digest string) error {
	if _, err := os.Stat(s.tombstonePath(digest)); err == nil {
		return errorsmod.Wrap(types.ErrBlobPruned, digest)
	}
	return errorsmod.Wrap(types.ErrBlobNotFound, digest)
}

func (s *FileStore) readMeta(digest string) (Meta, error) {
	info, err := os.Stat(s.ObjectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, s.missing(digest)
		}
		return Meta{}, err
	}

	meta := Meta{Digest: digest, Size: info.Size()}
	bz, err := os.ReadFile(s.metaPath(digest))
	if err != nil {
		// a blob without sidecar is still valid evidence
		return meta, nil
	}
	if err := json.Unmarshal(bz, &meta); err != nil {
		s.logger.Warn("unreadable blob metadata", "digest", digest, "error", err)
		return Meta{Digest: digest, Size: info.Size()}, nil
	}
	meta.Digest = digest
	meta.Size = info.Size()
	return meta, nil
}

func (s *FileStore) writeMeta(meta Meta) error {
	bz, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.metaPath(meta.Digest), bz); err != nil {
		return fmt.Errorf("failed to write blob metadata: %w", err)
	}
	return nil
}

func (s *FileStore) publish(digest string, r io.Reader) error {
	dst := s.ObjectPath(digest)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+digest[:8]+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o440); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *FileStore) clearTombstone(digest string) {
	if err := os.Remove(s.tombstonePath(digest)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to clear tombstone", "digest", digest, "error", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func countEntries(dir, suffix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			n++
		}
	}
	return n, nil
}
