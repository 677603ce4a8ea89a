//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"

	"github.com/jmcleod/trustline/credential"
)

// PKCS11Prefix marks a key record that refers to an HSM key.
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
// This is a placeholder when the pkcs11 build tag is not set.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

var errNoPKCS11 = errors.New("pki: PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11KeyStore is a placeholder when the pkcs11 build tag is not set.
// Every method fails with a hint to rebuild.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errNoPKCS11
}

func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey(_ credential.KeySpec) (string, error) {
	return "", errNoPKCS11
}

func (p *PKCS11KeyStore) Signer(_ string) (crypto.Signer, error) {
	return nil, errNoPKCS11
}

func (p *PKCS11KeyStore) ExportPEM(_ string, _ []byte) ([]byte, error) {
	return nil, errNoPKCS11
}

func (p *PKCS11KeyStore) ImportPEM(_ []byte, _ []byte) (string, error) {
	return "", errNoPKCS11
}

func (p *PKCS11KeyStore) Delete(_ string) error {
	return errNoPKCS11
}
