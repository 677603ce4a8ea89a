// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The ca_records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends. The
// version column carries the CAS revision, so several CA processes can share
// one database without losing serial or CRL updates.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/trustline/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Put(recordType, recordID string, data []byte) error {
	return putInTx(context.Background(), s.pool, recordType, recordID, data)
}

func (s *Store) Get(recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := s.pool.QueryRow(context.Background(),
		`SELECT data, version, modified FROM ca_records
		 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&rec.Data, &rec.Version, &rec.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Modified = rec.Modified.UTC()
	return &rec, nil
}

func (s *Store) List(recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM ca_records WHERE record_type = $1 ORDER BY record_id`,
		recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(recordType, recordID string) error {
	return deleteInTx(context.Background(), s.pool, recordType, recordID)
}

func (s *Store) PutCAS(recordType, recordID string, expectedVersion uint64, data []byte) error {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := putCASInTx(context.Background(), tx, recordType, recordID, expectedVersion, data); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, data []byte) error {
	return putInTx(context.Background(), btx.tx, recordType, recordID, data)
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, data []byte) error {
	return putCASInTx(context.Background(), btx.tx, recordType, recordID, expectedVersion, data)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteInTx(context.Background(), btx.tx, recordType, recordID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// execer abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func putInTx(ctx context.Context, q execer, recordType, recordID string, data []byte) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ca_records (record_type, record_id, data, version, modified)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (record_type, record_id)
		 DO UPDATE SET data = $3, version = ca_records.version + 1, modified = $4`,
		recordType, recordID, data, time.Now().UTC())
	return err
}

func deleteInTx(ctx context.Context, q execer, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM ca_records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, recordType, recordID string, expectedVersion uint64, data []byte) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM ca_records
		 WHERE record_type = $1 AND record_id = $2
		 FOR UPDATE`,
		recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO ca_records (record_type, record_id, data, version, modified)
			 VALUES ($1, $2, $3, 1, $4)`,
			recordType, recordID, data, time.Now().UTC())
		return err
	}
	if err != nil {
		return err
	}

	if currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE ca_records SET data = $3, version = $4, modified = $5
		 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID, data, expectedVersion+1, time.Now().UTC())
	return err
}
