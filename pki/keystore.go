package pki

import (
	"crypto"
	"errors"

	"github.com/jmcleod/trustline/credential"
)

// KeyStore abstracts the CA private key so that the authority can sign with
// a software key persisted as encrypted PEM or with a key that never leaves
// an HSM.
//
// A key ID is opaque and only meaningful to the store that issued it.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns its identifier.
	GenerateKey(spec credential.KeySpec) (keyID string, err error)

	// Signer returns a [crypto.Signer] for keyID. It is passed straight to
	// x509.CreateCertificate and x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns what the authority persists as its key record. A
	// software store returns the key as PEM, encrypted when password is
	// non-empty. An HSM store returns a reference such as "PKCS11:<label>".
	ExportPEM(keyID string, password []byte) ([]byte, error)

	// ImportPEM is the inverse of ExportPEM.
	ImportPEM(pemData []byte, password []byte) (keyID string, err error)

	// Delete forgets keyID. HSM stores destroy the key pair.
	Delete(keyID string) error
}

var (
	// ErrKeyNotExportable is returned when key material cannot leave the
	// backing device.
	ErrKeyNotExportable = errors.New("pki: private key is not exportable")

	// ErrKeyNotFound is returned when the referenced key ID does not exist.
	ErrKeyNotFound = errors.New("pki: key not found")
)
