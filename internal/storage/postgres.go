package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const createFrameCounterTable = `
	CREATE TABLE IF NOT EXISTS frame_counter (
		dev_addr   TEXT PRIMARY KEY,
		f_cnt_up   BIGINT NOT NULL CHECK (f_cnt_up >= 0 AND f_cnt_up <= 4294967295),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// PostgresStore implements CounterStore for PostgreSQL. Several devices can
// share one table; each store instance is bound to one DevAddr.
type PostgresStore struct {
	db      *sql.DB
	devAddr string
}

// NewPostgresStore opens dsn, checks the connection and creates the
// counter table when it does not exist yet.
func NewPostgresStore(ctx context.Context, dsn, devAddr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createFrameCounterTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create frame_counter table: %w", err)
	}

	return &PostgresStore{db: db, devAddr: devAddr}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Load returns the stored counter, or 0 when the device has no row.
func (s *PostgresStore) Load(ctx context.Context) (uint32, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT f_cnt_up FROM frame_counter WHERE dev_addr = $1`, s.devAddr).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load frame counter: %w", err)
	}
	if n < 0 || n > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %d", ErrCorruptCounter, n)
	}
	return uint32(n), nil
}

// Save upserts next. GREATEST keeps the row from moving backwards when two
// writers race; a rejected lower value is an ErrPersistenceFailure that
// also matches ErrCounterRollback.
func (s *PostgresStore) Save(ctx context.Context, next uint32) error {
	var stored int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO frame_counter (dev_addr, f_cnt_up, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (dev_addr) DO UPDATE SET
			f_cnt_up = GREATEST(frame_counter.f_cnt_up, EXCLUDED.f_cnt_up),
			updated_at = now()
		RETURNING f_cnt_up`,
		s.devAddr, int64(next),
	).Scan(&stored)
	if err != nil {
		return persistErr("upsert frame_counter", err)
	}
	if stored != int64(next) {
		return persistErr("save", fmt.Errorf("%w: %d < %d", ErrCounterRollback, next, stored))
	}
	return nil
}
