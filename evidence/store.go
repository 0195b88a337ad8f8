package evidence

import (
	"context"
	"io"
	"time"
)

// ContentTypeSnapshot is the content type of capture snapshots
const ContentTypeSnapshot = "application/vnd.custody.snapshot+json"

// Meta describes a stored blob. It is kept beside the blob and is not part of
// the hash chain.
type Meta struct {
	Digest       string    `json:"digest"`
	Size         int64     `json:"size"`
	IncidentID   string    `json:"incident_id,omitempty"`
	IncidentType string    `json:"incident_type,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	Incomplete   bool      `json:"incomplete"`
	ContentType  string    `json:"content_type,omitempty"`
}

// Tombstone records that the local copy of a blob was pruned
type Tombstone struct {
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	PrunedAt    time.Time `json:"pruned_at"`
	ConfirmedBy []string  `json:"confirmed_by"`
}

// Stats summarizes the store contents
type Stats struct {
	Blobs  int   `json:"blobs"`
	Bytes  int64 `json:"bytes"`
	Pruned int   `json:"pruned"`
	Staged int   `json:"staged"`
}

// Store is content-addressed, write-once storage for evidence blobs.
// Blobs are keyed by the lower-case hex SHA-256 of their bytes.
type Store interface {
	// Put stores data under its digest. Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte, meta Meta) (Meta, error)
	// Open streams a blob. Pruned blobs return ErrBlobPruned.
	Open(ctx context.Context, digest string) (io.ReadCloser, error)
	// Get reads a whole blob
	Get(ctx context.Context, digest string) ([]byte, error)
	Stat(ctx context.Context, digest string) (Meta, error)
	Has(ctx context.Context, digest string) (bool, error)
	// Tombstone returns the prune record of a blob, ErrBlobNotFound if it was never pruned
	Tombstone(ctx context.Context, digest string) (Tombstone, error)

	// StagedSize returns how many bytes of an in-flight transfer are staged
	StagedSize(ctx context.Context, digest string) (int64, error)
	// WriteStaged appends to a staged transfer; offset must equal the staged size
	WriteStaged(ctx context.Context, digest string, offset int64, r io.Reader) (int64, error)
	// CommitStaged verifies the staged bytes against meta.Digest and publishes the blob
	CommitStaged(ctx context.Context, meta Meta) (Meta, error)

	// Prune drops the local copy once enough remote sites confirmed it
	Prune(ctx context.Context, digest string, confirmedBy []string) error
	Stats(ctx context.Context) (Stats, error)
}

// ReadAt returns a reader over the blob starting at offset
func ReadAt(ctx context.Context, store Store, digest string, offset int64) (io.ReadCloser, error) {
	rc, err := store.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	if offset == 0 {
		return rc, nil
	}
	if seeker, ok := rc.(io.Seeker); ok {
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			rc.Close()
			return nil, err
		}
		return rc, nil
	}
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		rc.Close()
		return nil, err
	}
	return rc, nil
}
