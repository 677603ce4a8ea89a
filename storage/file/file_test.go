package file

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustline/storage"
)

func TestStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRepository(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put("ca", "cert", []byte("ca cert")))
	require.NoError(t, s.Put("ca", "key", []byte("ca key")))
	require.NoError(t, s.Put("ca", "serial", []byte("0002")))
	require.NoError(t, s.Put("request", "agent01.example.com", []byte("csr")))
	require.NoError(t, s.Put("signed", "agent02.example.com", []byte("cert")))

	assert.FileExists(t, filepath.Join(dir, "ca_crt.pem"))
	assert.FileExists(t, filepath.Join(dir, "serial"))
	assert.FileExists(t, filepath.Join(dir, "requests", "agent01.example.com.pem"))
	assert.FileExists(t, filepath.Join(dir, "signed", "agent02.example.com.pem"))

	info, err := os.Stat(filepath.Join(dir, "ca_key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ids, err := s.List("ca")
	require.NoError(t, err)
	assert.Equal(t, []string{"cert", "key", "serial"}, ids)

	ids, err = s.List("request")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent01.example.com"}, ids)
}

func TestStoreRejectsTraversal(t *testing.T) {
	s, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	err = s.Put("signed", "../evil", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStoreCAS(t *testing.T) {
	s, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.PutCAS("ca", "crl", 0, []byte("crl 0")))
	assert.ErrorIs(t, s.PutCAS("ca", "crl", 0, []byte("crl 0")), storage.ErrCASFailed)

	rec, err := s.Get("ca", "crl")
	require.NoError(t, err)
	require.NotZero(t, rec.Version)

	require.NoError(t, s.PutCAS("ca", "crl", rec.Version, []byte("crl 1")))
	assert.ErrorIs(t, s.PutCAS("ca", "crl", rec.Version, []byte("crl 2")), storage.ErrCASFailed)

	rec2, err := s.Get("ca", "crl")
	require.NoError(t, err)
	assert.NotEqual(t, rec.Version, rec2.Version)
	assert.Equal(t, "crl 1", string(rec2.Data))
}

func TestStoreBatchRollback(t *testing.T) {
	s, err := NewRepository(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("request", "agent01", []byte("csr")))

	boom := errors.New("boom")
	err = s.Batch(func(tx storage.BatchTx) error {
		require.NoError(t, tx.Put("ca", "inventory", []byte("0x0001 ...")))
		require.NoError(t, tx.Put("signed", "agent01", []byte("cert")))
		require.NoError(t, tx.Delete("request", "agent01"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get("ca", "inventory")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get("signed", "agent01")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	rec, err := s.Get("request", "agent01")
	require.NoError(t, err)
	assert.Equal(t, "csr", string(rec.Data))
}
