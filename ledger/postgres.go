package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/lib/pq"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS custody_blocks (
	block_index     BIGINT PRIMARY KEY,
	incident_id     TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	artifact_digest TEXT NOT NULL,
	previous_hash   TEXT NOT NULL,
	block_hash      TEXT NOT NULL,
	signature       TEXT,
	signer          TEXT
);
CREATE INDEX IF NOT EXISTS custody_blocks_incident_idx ON custody_blocks (incident_id, block_index);

CREATE TABLE IF NOT EXISTS custody_blob_refs (
	block_index  BIGINT PRIMARY KEY,
	incident_id  TEXT NOT NULL,
	digest       TEXT NOT NULL,
	size         BIGINT NOT NULL,
	incomplete   BOOLEAN NOT NULL,
	content_type TEXT
);

CREATE TABLE IF NOT EXISTS custody_incidents (
	incident_id       TEXT PRIMARY KEY,
	incident_type     TEXT NOT NULL,
	trigger_source    TEXT NOT NULL,
	opened_at         TEXT NOT NULL,
	first_block_index BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_tip (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	last_index BIGINT NOT NULL,
	last_hash  TEXT NOT NULL,
	length     BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_sequences (
	day TEXT PRIMARY KEY,
	seq BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_verified (
	block_index BIGINT PRIMARY KEY,
	verified    BOOLEAN NOT NULL,
	checked_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_sites (
	site_id TEXT PRIMARY KEY,
	data    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	recorded_at   TIMESTAMPTZ NOT NULL,
	data          JSONB NOT NULL
);
`

// PostgresBackend stores the ledger in PostgreSQL
type PostgresBackend struct {
	db *sql.DB
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend connects and creates the schema when missing
func NewPostgresBackend(ctx context.Context, connString string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	b := &PostgresBackend{db: db}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) initSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, pgSchema)
	return err
}

func (b *PostgresBackend) LoadTip(ctx context.Context) (types.Tip, error) {
	return loadTip(ctx, b.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTip(ctx context.Context, q queryer, suffix ...string) (types.Tip, error) {
	query := `SELECT last_index, last_hash, length FROM custody_tip WHERE id = 1`
	for _, s := range suffix {
		query += " " + s
	}
	var tip types.Tip
	var lastIndex, length int64
	err := q.QueryRowContext(ctx, query).Scan(&lastIndex, &tip.LastHash, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return types.GenesisTip(), nil
	}
	if err != nil {
		return types.Tip{}, fmt.Errorf("failed to load tip: %w", err)
	}
	tip.LastIndex = uint64(lastIndex)
	tip.Length = uint64(length)
	return tip, nil
}

func (b *PostgresBackend) Commit(ctx context.Context, entry Entry) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := loadTip(ctx, tx, "FOR UPDATE")
	if err != nil {
		return err
	}
	if current != entry.PrevTip {
		return errorsmod.Wrapf(types.ErrAppendConflict, "tip moved from %d/%s to %d/%s",
			entry.PrevTip.Length, entry.PrevTip.LastHash, current.Length, current.LastHash)
	}

	block := entry.Block
	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_blocks (
			block_index, incident_id, created_at, artifact_digest, previous_hash, block_hash, signature, signer
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(block.BlockIndex), block.IncidentID, integrity.FormatTime(block.CreatedAt),
		block.ArtifactDigest, block.PreviousHash, block.BlockHash,
		nullString(block.Signature), nullString(block.Signer),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return errorsmod.Wrapf(types.ErrAppendConflict, "block %d already stored", block.BlockIndex)
		}
		return fmt.Errorf("failed to insert block: %w", err)
	}

	ref := entry.BlobRef
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO custody_blob_refs (block_index, incident_id, digest, size, incomplete, content_type)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(ref.BlockIndex), ref.IncidentID, ref.Digest, ref.Size, ref.Incomplete, nullString(ref.ContentType),
	); err != nil {
		return fmt.Errorf("failed to insert blob ref: %w", err)
	}

	if entry.NewIncident {
		inc := entry.Incident
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custody_incidents (incident_id, incident_type, trigger_source, opened_at, first_block_index)
			VALUES ($1, $2, $3, $4, $5)`,
			inc.IncidentID, inc.IncidentType, string(inc.TriggerSource),
			integrity.FormatTime(inc.OpenedAt), int64(inc.FirstBlockIndex),
		); err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}
	}

	if entry.SequenceDay != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custody_sequences (day, seq) VALUES ($1, $2)
			ON CONFLICT (day) DO UPDATE SET seq = GREATEST(custody_sequences.seq, EXCLUDED.seq)`,
			entry.SequenceDay, int64(entry.Sequence),
		); err != nil {
			return fmt.Errorf("failed to raise incident sequence: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO custody_tip (id, last_index, last_hash, length) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_index = EXCLUDED.last_index, last_hash = EXCLUDED.last_hash, length = EXCLUDED.length`,
		int64(entry.Tip.LastIndex), entry.Tip.LastHash, int64(entry.Tip.Length),
	); err != nil {
		return fmt.Errorf("failed to update tip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", block.BlockIndex, err)
	}
	return nil
}

const blockColumns = `block_index, incident_id, created_at, artifact_digest, previous_hash, block_hash, signature, signer`

func (b *PostgresBackend) Block(ctx context.Context, index uint64) (types.EvidenceBlock, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM custody_blocks WHERE block_index = $1`, int64(index))
	block, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.EvidenceBlock{}, errorsmod.Wrapf(types.ErrBlockNotFound, "index %d", index)
	}
	return block, err
}

func (b *PostgresBackend) HasBlock(ctx context.Context, index uint64) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM custody_blocks WHERE block_index = $1)`, int64(index)).Scan(&exists)
	return exists, err
}

func (b *PostgresBackend) Blocks(ctx context.Context, from, to uint64) ([]types.EvidenceBlock, error) {
	if from > to {
		return nil, nil
	}
	upper := int64(to)
	if to > uint64(1<<63-1) {
		upper = 1<<63 - 1
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM custody_blocks WHERE block_index BETWEEN $1 AND $2 ORDER BY block_index`,
		int64(from), upper)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []types.EvidenceBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func (b *PostgresBackend) BlobRef(ctx context.Context, index uint64) (types.BlobRef, error) {
	var ref types.BlobRef
	var blockIndex int64
	var contentType sql.NullString
	err := b.db.QueryRowContext(ctx, `
		SELECT block_index, incident_id, digest, size, incomplete, content_type
		FROM custody_blob_refs WHERE block_index = $1`, int64(index),
	).Scan(&blockIndex, &ref.IncidentID, &ref.Digest, &ref.Size, &ref.Incomplete, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BlobRef{}, errorsmod.Wrapf(types.ErrBlockNotFound, "blob ref %d", index)
	}
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("failed to read blob ref: %w", err)
	}
	ref.BlockIndex = uint64(blockIndex)
	ref.ContentType = contentType.String
	return ref, nil
}

func (b *PostgresBackend) Incident(ctx context.Context, incidentID string) (types.Incident, error) {
	var inc types.Incident
	var source, openedAt string
	var first int64
	err := b.db.QueryRowContext(ctx, `
		SELECT incident_id, incident_type, trigger_source, opened_at, first_block_index
		FROM custody_incidents WHERE incident_id = $1`, incidentID,
	).Scan(&inc.IncidentID, &inc.IncidentType, &source, &openedAt, &first)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Incident{}, errorsmod.Wrap(types.ErrIncidentNotFound, incidentID)
	}
	if err != nil {
		return types.Incident{}, fmt.Errorf("failed to read incident: %w", err)
	}
	inc.TriggerSource = types.TriggerSource(source)
	inc.FirstBlockIndex = uint64(first)
	if inc.OpenedAt, err = integrity.ParseTime(openedAt); err != nil {
		return types.Incident{}, fmt.Errorf("failed to parse opened_at: %w", err)
	}
	return inc, nil
}

func (b *PostgresBackend) IncidentBlocks(ctx context.Context, incidentID string) ([]uint64, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT block_index FROM custody_blob_refs WHERE incident_id = $1 ORDER BY block_index`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []uint64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		indices = append(indices, uint64(idx))
	}
	return indices, rows.Err()
}

func (b *PostgresBackend) NextSequence(ctx context.Context, day string) (uint64, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO custody_sequences (day, seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = custody_sequences.seq + 1
		RETURNING seq`, day,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance incident sequence: %w", err)
	}
	return uint64(seq), nil
}

func (b *PostgresBackend) SetVerified(ctx context.Context, marks []types.VerifiedMark) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO custody_verified (block_index, verified, checked_at) VALUES ($1, $2, $3)
		ON CONFLICT (block_index) DO UPDATE SET verified = EXCLUDED.verified, checked_at = EXCLUDED.checked_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, int64(m.BlockIndex), m.Verified, m.CheckedAt); err != nil {
			return fmt.Errorf("failed to cache verification of block %d: %w", m.BlockIndex, err)
		}
	}
	return tx.Commit()
}

func (b *PostgresBackend) ClearVerified(ctx context.Context, from, to uint64) error {
	upper := int64(to)
	if to > uint64(1<<63-1) {
		upper = 1<<63 - 1
	}
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM custody_verified WHERE block_index BETWEEN $1 AND $2`, int64(from), upper)
	return err
}

func (b *PostgresBackend) Verified(ctx context.Context, index uint64) (types.VerifiedMark, bool, error) {
	mark := types.VerifiedMark{BlockIndex: index}
	err := b.db.QueryRowContext(ctx,
		`SELECT verified, checked_at FROM custody_verified WHERE block_index = $1`, int64(index),
	).Scan(&mark.Verified, &mark.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.VerifiedMark{}, false, nil
	}
	if err != nil {
		return types.VerifiedMark{}, false, err
	}
	return mark, true, nil
}

func (b *PostgresBackend) SaveSite(ctx context.Context, site types.ReplicaSite) error {
	data, err := json.Marshal(site)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO custody_sites (site_id, data) VALUES ($1, $2)
		ON CONFLICT (site_id) DO UPDATE SET data = EXCLUDED.data`, site.SiteID, data)
	return err
}

func (b *PostgresBackend) Sites(ctx context.Context) ([]types.ReplicaSite, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM custody_sites ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []types.ReplicaSite
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var site types.ReplicaSite
		if err := json.Unmarshal(data, &site); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (b *PostgresBackend) AppendCheckpoint(ctx context.Context, cp types.RecoveryCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO custody_checkpoints (checkpoint_id, recorded_at, data) VALUES ($1, $2, $3)`,
		cp.CheckpointID, cp.FinishedAt, data)
	return err
}

func (b *PostgresBackend) Checkpoints(ctx context.Context) ([]types.RecoveryCheckpoint, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM custody_checkpoints ORDER BY recorded_at, checkpoint_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []types.RecoveryCheckpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cp types.RecoveryCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

// DB exposes the connection pool
func (b *PostgresBackend) DB() *sql.DB {
	return b.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (types.EvidenceBlock, error) {
	var block types.EvidenceBlock
	var index int64
	var createdAt string
	var signature, signer sql.NullString
	if err := row.Scan(&index, &block.IncidentID, &createdAt, &block.ArtifactDigest,
		&block.PreviousHash, &block.BlockHash, &signature, &signer); err != nil {
		return types.EvidenceBlock{}, err
	}
	block.BlockIndex = uint64(index)
	block.Signature = signature.String
	block.Signer = signer.String

	// an unreadable created_at stays zero so the hash check names the field
	if t, err := integrity.ParseTime(createdAt); err == nil {
		block.CreatedAt = t
	}
	return block, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
