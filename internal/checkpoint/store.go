// Checkpoint persistence: a key-value upsert keyed by (tenant, run), backed
// by SQLite. The two scalar progress columns exist for external progress
// reporting independent of snapshot internals and only ever move forward.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store persists and loads checkpoint snapshots. Save replaces the snapshot
// wholesale; Load returns nil without error when no snapshot exists.
type Store interface {
	Load(ctx context.Context, tenant, run string) (*Checkpoint, error)
	Save(ctx context.Context, tenant, run string, cp Checkpoint, recordsProcessed, bytesProcessed int64) error
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the checkpoint database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Load returns the persisted snapshot for (tenant, run), or nil when none
// exists or the stored snapshot does not decode.
func (s *SQLiteStore) Load(ctx context.Context, tenant, run string) (*Checkpoint, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM run_checkpoints WHERE tenant_id = ? AND run_id = ?`,
		tenant, run,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s/%s: %w", tenant, run, err)
	}
	return Decode(raw), nil
}

// RunStatus is one row of progress metadata for listing, without decoding
// the snapshot payload.
type RunStatus struct {
	RunID            string
	RecordsProcessed int64
	BytesProcessed   int64
	UpdatedAt        string
}

// List returns the progress rows for every run of a tenant, most recently
// updated first.
func (s *SQLiteStore) List(ctx context.Context, tenant string) ([]RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, records_processed, bytes_processed, updated_at
		FROM run_checkpoints
		WHERE tenant_id = ?
		ORDER BY updated_at DESC`, tenant)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", tenant, err)
	}
	defer rows.Close()

	var out []RunStatus
	for rows.Next() {
		var rs RunStatus
		if err := rows.Scan(&rs.RunID, &rs.RecordsProcessed, &rs.BytesProcessed, &rs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Save upserts the full snapshot plus the scalar progress counters. Progress
// counters are monotonic: a replayed save can never move them backward.
func (s *SQLiteStore) Save(ctx context.Context, tenant, run string, cp Checkpoint, recordsProcessed, bytesProcessed int64) error {
	raw, err := cp.Encode()
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (tenant_id, run_id, snapshot, records_processed, bytes_processed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, run_id) DO UPDATE SET
			snapshot          = excluded.snapshot,
			records_processed = MAX(run_checkpoints.records_processed, excluded.records_processed),
			bytes_processed   = MAX(run_checkpoints.bytes_processed, excluded.bytes_processed),
			updated_at        = excluded.updated_at`,
		tenant, run, string(raw),
		clamp(recordsProcessed), clamp(bytesProcessed),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s/%s: %w", tenant, run, err)
	}
	return nil
}
