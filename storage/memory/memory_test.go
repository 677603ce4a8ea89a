package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jmcleod/trustline/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	recordType := "signed"
	recordID := "agent01.example.com"
	data := []byte("-----BEGIN CERTIFICATE-----")

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(recordType, recordID, data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Data, data) || got.Version != 1 {
			t.Errorf("Get returned wrong record: %+v", got)
		}
		if got.Modified.IsZero() {
			t.Error("expected modification time to be set")
		}

		// Mutating the returned copy must not affect the stored record.
		got.Data[0] = 'X'
		again, _ := repo.Get(recordType, recordID)
		if again.Data[0] == 'X' {
			t.Error("repository did not clone the record")
		}
	})

	t.Run("PutIncrementsVersion", func(t *testing.T) {
		if err := repo.Put(recordType, recordID, []byte("v2")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, _ := repo.Get(recordType, recordID)
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(recordType, "nope")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListSorted", func(t *testing.T) {
		repo.Put(recordType, "a.example.com", data)
		ids, err := repo.List(recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 || ids[0] != "a.example.com" {
			t.Errorf("unexpected ids: %v", ids)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := repo.PutCAS("ca", "serial", 0, []byte("0001")); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS("ca", "serial", 0, []byte("0002")); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS("ca", "serial", 1, []byte("0002")); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS("ca", "serial", 1, []byte("0003")); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("request", "x.example.com", data); err != nil {
				return err
			}
			if err := tx.Delete(recordType, recordID); err != nil {
				return err
			}
			return boom
		})
		if err != boom {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := repo.Get("request", "x.example.com"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("batch write was not rolled back")
		}
		if _, err := repo.Get(recordType, recordID); err != nil {
			t.Error("batch delete was not rolled back")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(recordType, recordID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(recordType, recordID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
