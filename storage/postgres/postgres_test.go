package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/trustline/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TRUSTLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRUSTLINE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM ca_records") //nolint:errcheck

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM ca_records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	s := newTestStore(t)

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put("signed", "agent01", []byte("pem")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put("signed", "agent01", []byte("pem2")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get("signed", "agent01")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "pem2" || got.Version != 2 {
			t.Errorf("unexpected record %+v", got)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := s.PutCAS("ca", "serial", 0, []byte("0001")); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := s.PutCAS("ca", "serial", 0, []byte("0002")); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
		if err := s.PutCAS("ca", "serial", 1, []byte("0002")); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
	})

	t.Run("Batch rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("request", "agent02", []byte("csr")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.Get("request", "agent02"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected rolled back record to be missing, got %v", err)
		}
	})

	t.Run("ListDelete", func(t *testing.T) {
		ids, err := s.List("signed")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 1 {
			t.Fatalf("expected 1 id, got %v", ids)
		}
		if err := s.Delete("signed", "agent01"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete("signed", "agent01"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
