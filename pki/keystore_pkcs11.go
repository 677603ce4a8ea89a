//go:build pkcs11

package pki

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/uuid"
)

// PKCS11Prefix marks a key record that refers to an HSM key. The full
// reference is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11KeyStore keeps the CA key in a PKCS#11 HSM. The key record stored
// by the authority only holds the "PKCS11:<label>" reference.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured token. The caller must call
// Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates a key pair in the HSM labelled "trustline-<uuid>".
func (p *PKCS11KeyStore) GenerateKey(spec credential.KeySpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "trustline-" + uuid.New()
	labelBytes := []byte(label)

	switch spec.Type {
	case credential.KeyTypeRSA, "":
		bits := spec.Bits
		if bits == 0 {
			bits = credential.DefaultKeyLength
		}
		if _, err := p.ctx.GenerateRSAKeyPairWithLabel(labelBytes, labelBytes, bits); err != nil {
			return "", fmt.Errorf("generating RSA key in HSM: %w", err)
		}
	case credential.KeyTypeEC:
		curve, err := credential.Curve(spec.Curve)
		if err != nil {
			return "", err
		}
		if _, err := p.ctx.GenerateECDSAKeyPairWithLabel(labelBytes, labelBytes, curve); err != nil {
			return "", fmt.Errorf("generating ECDSA key in HSM: %w", err)
		}
	default:
		return "", fmt.Errorf("%w: key type %q", credential.ErrUnsupportedKey, spec.Type)
	}
	return "pkcs11-" + label, nil
}

func (p *PKCS11KeyStore) find(label string) (crypto.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (HSM: %v)", ErrKeyNotFound, label, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}
	return signer, nil
}

func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(labelFromKeyID(keyID))
}

// ExportPEM returns the "PKCS11:<label>" reference. The password is unused;
// the key material never leaves the HSM.
func (p *PKCS11KeyStore) ExportPEM(keyID string, _ []byte) ([]byte, error) {
	label := labelFromKeyID(keyID)
	if _, err := p.find(label); err != nil {
		return nil, err
	}
	return []byte(PKCS11Prefix + label), nil
}

// ImportPEM accepts only references produced by ExportPEM.
func (p *PKCS11KeyStore) ImportPEM(pemData []byte, _ []byte) (string, error) {
	ref := string(bytes.TrimSpace(pemData))
	if !strings.HasPrefix(ref, PKCS11Prefix) {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	label := strings.TrimPrefix(ref, PKCS11Prefix)
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return "pkcs11-" + label, nil
}

// Delete destroys the key pair. A missing key is not an error.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(labelFromKeyID(keyID)))
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil
	}
	if d, ok := signer.(interface{ Delete() error }); ok {
		return d.Delete()
	}
	return nil
}

func labelFromKeyID(keyID string) string {
	return strings.TrimPrefix(keyID, "pkcs11-")
}
