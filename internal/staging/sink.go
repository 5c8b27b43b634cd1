// The bulk-load sink contract and its Postgres implementation.
package staging

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink is the bulk-load channel the writer streams batches through. CopyFrom
// accepts a command naming the target table and column list plus a reader
// over already-encoded text lines; the reader's blocking reads are the
// drain-based backpressure, so a slow sink suspends the writer rather than
// queuing unboundedly. Exec runs ordinary statements (staging cleanup on a
// fresh run).
type Sink interface {
	CopyFrom(ctx context.Context, command string, r io.Reader) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGSink implements Sink over a pgx connection pool using the COPY protocol.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink connects to the staging database.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to staging database: %w", err)
	}
	return &PGSink{pool: pool}, nil
}

// CopyFrom streams one encoded batch through COPY ... FROM STDIN.
func (s *PGSink) CopyFrom(ctx context.Context, command string, r io.Reader) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring staging connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, r, command)
	if err != nil {
		return 0, fmt.Errorf("copy batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Exec runs a plain statement against the staging database.
func (s *PGSink) Exec(ctx context.Context, sql string, args ...any) error {
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("exec %q: %w", sql, err)
	}
	return nil
}

// Close releases the pool.
func (s *PGSink) Close() { s.pool.Close() }
