package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/jmcleod/trustline/internal/util"
)

// KeyType selects the private key algorithm.
type KeyType string

const (
	KeyTypeRSA KeyType = "rsa"
	KeyTypeEC  KeyType = "ec"
)

const (
	DefaultKeyLength = 4096
	DefaultCurve     = "prime256v1"
)

// KeySpec describes a key to generate.
type KeySpec struct {
	Type  KeyType
	Bits  int
	Curve string
}

// GenerateKey creates a new private key according to spec. Zero values
// select a 4096-bit RSA key or a prime256v1 EC key.
func GenerateKey(spec KeySpec) (crypto.Signer, error) {
	switch spec.Type {
	case "", KeyTypeRSA:
		bits := spec.Bits
		if bits == 0 {
			bits = DefaultKeyLength
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("generating %d-bit RSA key: %w", bits, err)
		}
		return key, nil
	case KeyTypeEC:
		curve, err := Curve(spec.Curve)
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating EC key on %s: %w", curve.Params().Name, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: key type %q", ErrUnsupportedKey, spec.Type)
}

// Curve maps an OpenSSL or NIST curve name to an elliptic.Curve.
func Curve(name string) (elliptic.Curve, error) {
	switch strings.ToLower(name) {
	case "", "prime256v1", "secp256r1", "p-256":
		return elliptic.P256(), nil
	case "secp384r1", "p-384":
		return elliptic.P384(), nil
	case "secp521r1", "p-521":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedKey, name)
}

// ParsePrivateKey decodes the first private key block in data. An encrypted
// PKCS#8 key requires password; the password is NFKD-normalized first.
func ParsePrivateKey(data []byte, password []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key block", ErrInvalidKeyPEM)
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, fmt.Errorf("%w: key is encrypted and no password was given", ErrIncorrectPassword)
			}
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, util.NormalizeBytes(password))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIncorrectPassword, err)
			}
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok || !SupportedKey(signer) {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return signer, nil
	}
}

// EncodePrivateKey renders key as PEM. Without a password RSA keys use
// PKCS#1 and EC keys use SEC1; with one the key is an encrypted PKCS#8 block.
func EncodePrivateKey(key crypto.Signer, password []byte) ([]byte, error) {
	if len(password) > 0 {
		der, err := pkcs8.MarshalPrivateKey(key, util.NormalizeBytes(password), nil)
		if err != nil {
			return nil, fmt.Errorf("encrypting private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}), nil
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("encoding EC private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
}

// SupportedKey reports whether key is an RSA or ECDSA signer. HSM-backed
// signers qualify through their public half.
func SupportedKey(key crypto.Signer) bool {
	if key == nil {
		return false
	}
	switch key.Public().(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return true
	}
	return false
}

// PublicKeysEqual reports whether a and b are the same public key.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || b == nil {
		return false
	}
	return eq.Equal(b)
}

// IsIncorrectPassword reports whether err came from a bad key password.
func IsIncorrectPassword(err error) bool {
	return errors.Is(err, ErrIncorrectPassword)
}
