package pki

import (
	"crypto"
	"fmt"
	"sync"

	"github.com/jmcleod/trustline/credential"
)

// SoftwareKeyStore holds private keys in memory. It is the default KeyStore.
//
// Keys are ephemeral; the authority persists them through ExportPEM and
// reloads them with ImportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{keys: make(map[string]crypto.Signer)}
}

func (s *SoftwareKeyStore) store(key crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

func (s *SoftwareKeyStore) GenerateKey(spec credential.KeySpec) (string, error) {
	key, err := credential.GenerateKey(spec)
	if err != nil {
		return "", err
	}
	return s.store(key), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// ExportPEM encodes the key as PKCS#1/SEC1 PEM, or as encrypted PKCS#8 when
// password is set.
func (s *SoftwareKeyStore) ExportPEM(keyID string, password []byte) ([]byte, error) {
	key, err := s.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return credential.EncodePrivateKey(key, password)
}

func (s *SoftwareKeyStore) ImportPEM(pemData []byte, password []byte) (string, error) {
	key, err := credential.ParsePrivateKey(pemData, password)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPEM, err)
	}
	return s.store(key), nil
}

func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
