// Package storage provides the storage abstraction layer for CA records:
// the CA certificate and key, the CRL, the serial counter, the inventory,
// pending certificate requests and signed certificates.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("storage: CAS version mismatch")
)

// Record is a stored blob together with its revision. Version is never zero
// for a stored record and changes on every write.
type Record struct {
	Data     []byte    `json:"data"`
	Version  uint64    `json:"version"`
	Modified time.Time `json:"modified"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Data:     append([]byte(nil), r.Data...),
		Version:  r.Version,
		Modified: r.Modified,
	}
}

// BatchTx provides writes within an atomic transaction.
type BatchTx interface {
	Put(recordType string, recordID string, data []byte) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, data []byte) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for CA record storage.
//
// PutCAS with expectedVersion 0 creates the record and fails if it already
// exists. Any other expectedVersion must equal the stored version.
type Repository interface {
	Put(recordType string, recordID string, data []byte) error
	Get(recordType string, recordID string) (*Record, error)
	List(recordType string) ([]string, error)
	Delete(recordType string, recordID string) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, data []byte) error
	Batch(fn func(tx BatchTx) error) error
}
