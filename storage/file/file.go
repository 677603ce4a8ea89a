// Package file provides a storage.Repository that keeps CA records as plain
// PEM and text files in a CA directory, using the conventional layout:
//
//	ca_crt.pem  ca_key.pem  ca_crl.pem  serial  inventory.txt  private/capass
//	requests/<name>.pem  signed/<name>.pem
//
// Record versions are derived from file modification times.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/trustline/internal/util"
	"github.com/jmcleod/trustline/storage"
)

// ErrInvalidID is returned for record IDs that cannot be mapped to a file name.
var ErrInvalidID = errors.New("file: invalid record id")

const (
	typeCA      = "ca"
	typeRequest = "request"
	typeSigned  = "signed"
)

// caFiles maps the fixed records of the "ca" type to their file names.
var caFiles = map[string]string{
	"cert":      "ca_crt.pem",
	"key":       "ca_key.pem",
	"crl":       "ca_crl.pem",
	"serial":    "serial",
	"inventory": "inventory.txt",
	"capass":    filepath.Join("private", "capass"),
}

// Store implements storage.Repository on top of a directory tree.
type Store struct {
	root string
	mu   sync.Mutex
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Store rooted at dir, creating it if needed.
func NewRepository(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the CA directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(recordType, recordID string) (string, error) {
	if recordID == "" || strings.ContainsAny(recordID, `/\`) || recordID == "." || recordID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, recordID)
	}
	switch recordType {
	case typeCA:
		if name, ok := caFiles[recordID]; ok {
			return filepath.Join(s.root, name), nil
		}
		return filepath.Join(s.root, recordID), nil
	case typeRequest:
		return filepath.Join(s.root, "requests", recordID+".pem"), nil
	case typeSigned:
		return filepath.Join(s.root, "signed", recordID+".pem"), nil
	default:
		return filepath.Join(s.root, recordType, recordID), nil
	}
}

func fileMode(recordType, recordID string) fs.FileMode {
	if recordType == typeCA && (recordID == "key" || recordID == "capass") {
		return 0o600
	}
	return 0o640
}

func versionOf(info fs.FileInfo) uint64 {
	return uint64(info.ModTime().UnixNano())
}

func (s *Store) Put(recordType, recordID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(recordType, recordID, data)
}

func (s *Store) putLocked(recordType, recordID string, data []byte) error {
	p, err := s.path(recordType, recordID)
	if err != nil {
		return err
	}
	var previous time.Time
	if info, err := os.Stat(p); err == nil {
		previous = info.ModTime()
	}
	if err := util.WriteFileAtomic(p, data, fileMode(recordType, recordID)); err != nil {
		return fmt.Errorf("writing %s/%s: %w", recordType, recordID, err)
	}
	// Coarse filesystem clocks could otherwise leave the version unchanged.
	if info, err := os.Stat(p); err == nil && !previous.IsZero() && !info.ModTime().After(previous) {
		bumped := previous.Add(time.Microsecond)
		if err := os.Chtimes(p, bumped, bumped); err != nil {
			return fmt.Errorf("touching %s/%s: %w", recordType, recordID, err)
		}
	}
	return nil
}

func (s *Store) Get(recordType, recordID string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(recordType, recordID)
}

func (s *Store) getLocked(recordType, recordID string) (*storage.Record, error) {
	p, err := s.path(recordType, recordID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", recordType, recordID, err)
	}
	return &storage.Record{
		Data:     data,
		Version:  versionOf(info),
		Modified: info.ModTime().UTC(),
	}, nil
}

func (s *Store) List(recordType string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recordType == typeCA {
		var ids []string
		for id, name := range caFiles {
			if _, err := os.Stat(filepath.Join(s.root, name)); err == nil {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids, nil
	}

	dir, suffix := filepath.Join(s.root, recordType), ""
	switch recordType {
	case typeRequest:
		dir, suffix = filepath.Join(s.root, "requests"), ".pem"
	case typeSigned:
		dir, suffix = filepath.Join(s.root, "signed"), ".pem"
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Delete(recordType, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(recordType, recordID)
}

func (s *Store) deleteLocked(recordType, recordID string) error {
	p, err := s.path(recordType, recordID)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return err
}

func (s *Store) PutCAS(recordType, recordID string, expectedVersion uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCASLocked(recordType, recordID, expectedVersion, data)
}

func (s *Store) putCASLocked(recordType, recordID string, expectedVersion uint64, data []byte) error {
	existing, err := s.getLocked(recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	return s.putLocked(recordType, recordID, data)
}

// Batch applies fn's writes in order. Files cannot be written transactionally,
// so on error each touched record is restored to its previous content.
func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &fileBatchTx{store: s}
	if err := fn(tx); err != nil {
		if rbErr := tx.rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back batch: %w", rbErr))
		}
		return err
	}
	return nil
}

type undoEntry struct {
	recordType string
	recordID   string
	previous   []byte
	existed    bool
}

type fileBatchTx struct {
	store *Store
	undo  []undoEntry
}

func (tx *fileBatchTx) remember(recordType, recordID string) error {
	rec, err := tx.store.getLocked(recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		tx.undo = append(tx.undo, undoEntry{recordType: recordType, recordID: recordID})
	case err != nil:
		return err
	default:
		tx.undo = append(tx.undo, undoEntry{recordType: recordType, recordID: recordID, previous: rec.Data, existed: true})
	}
	return nil
}

func (tx *fileBatchTx) Put(recordType, recordID string, data []byte) error {
	if err := tx.remember(recordType, recordID); err != nil {
		return err
	}
	return tx.store.putLocked(recordType, recordID, data)
}

func (tx *fileBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, data []byte) error {
	if err := tx.remember(recordType, recordID); err != nil {
		return err
	}
	return tx.store.putCASLocked(recordType, recordID, expectedVersion, data)
}

func (tx *fileBatchTx) Delete(recordType, recordID string) error {
	if err := tx.remember(recordType, recordID); err != nil {
		return err
	}
	return tx.store.deleteLocked(recordType, recordID)
}

func (tx *fileBatchTx) rollback() error {
	var errs []error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		var err error
		if u.existed {
			err = tx.store.putLocked(u.recordType, u.recordID, u.previous)
		} else {
			err = tx.store.deleteLocked(u.recordType, u.recordID)
			if errors.Is(err, storage.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
