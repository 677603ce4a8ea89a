// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/trustline/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database. Each record
// type lives in its own bucket, keyed by record ID.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(recordType, recordID string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return putInBucket(b, recordID, data)
	})
}

func (s *Store) Get(recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getFromBucket(tx.Bucket([]byte(recordType)), recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Delete(recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteFromBucket(tx.Bucket([]byte(recordType)), recordType, recordID)
	})
}

// List returns record IDs in key order.
func (s *Store) List(recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) PutCAS(recordType, recordID string, expectedVersion uint64, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordID, expectedVersion, data)
	})
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

func decodeRecord(raw []byte) (*storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

func getFromBucket(b *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	if b == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	raw := b.Get([]byte(recordID))
	if raw == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return decodeRecord(raw)
}

func putInBucket(b *bbolt.Bucket, recordID string, data []byte) error {
	var version uint64 = 1
	if raw := b.Get([]byte(recordID)); raw != nil {
		existing, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		version = existing.Version + 1
	}
	return writeRecord(b, recordID, version, data)
}

func writeRecord(b *bbolt.Bucket, recordID string, version uint64, data []byte) error {
	raw, err := json.Marshal(&storage.Record{
		Data:     data,
		Version:  version,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return b.Put([]byte(recordID), raw)
}

func putCASInBucket(b *bbolt.Bucket, recordID string, expectedVersion uint64, data []byte) error {
	raw := b.Get([]byte(recordID))
	if raw == nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return writeRecord(b, recordID, 1, data)
	}
	existing, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return writeRecord(b, recordID, expectedVersion+1, data)
}

func deleteFromBucket(b *bbolt.Bucket, recordType, recordID string) error {
	if b == nil || b.Get([]byte(recordID)) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete([]byte(recordID))
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (btx *boltBatchTx) Put(recordType, recordID string, data []byte) error {
	b, err := btx.tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	return putInBucket(b, recordID, data)
}

func (btx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, data []byte) error {
	b, err := btx.tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	return putCASInBucket(b, recordID, expectedVersion, data)
}

func (btx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteFromBucket(btx.tx.Bucket([]byte(recordType)), recordType, recordID)
}
