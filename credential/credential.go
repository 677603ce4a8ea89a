// Package credential wraps the X.509 objects exchanged during bootstrap:
// private keys, certificate signing requests, certificates and CRLs. Every
// object can be read from and written to PEM.
package credential

import (
	"crypto/sha1" //nolint:gosec // SHA1 fingerprints are still displayed by operators
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"regexp"
	"strings"

	"github.com/jmcleod/trustline/internal/util"
)

var (
	ErrInvalidName           = errors.New("credential: invalid certificate name")
	ErrInvalidCertificatePEM = errors.New("credential: no certificates found")
	ErrInvalidCRLPEM         = errors.New("credential: no CRLs found")
	ErrInvalidKeyPEM         = errors.New("credential: invalid private key")
	ErrInvalidRequestPEM     = errors.New("credential: invalid certificate request")
	ErrUnsupportedKey        = errors.New("credential: unsupported key")
	ErrUnsupportedDigest     = errors.New("credential: unsupported digest algorithm")
	ErrReservedAttribute     = errors.New("credential: reserved attribute")
	ErrIncorrectPassword     = errors.New("credential: incorrect private key password")
	ErrInvalidAttributes     = errors.New("credential: invalid csr attributes")
)

var validName = regexp.MustCompile(`^[ -.0-~]+$`)

// ValidateName checks that name is usable as a certname and returns the
// lower-cased form used as a storage key.
func ValidateName(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return strings.ToLower(name), nil
}

func newHash(alg string) (hash.Hash, error) {
	switch strings.ReplaceAll(strings.ToUpper(alg), "-", "") {
	case "SHA1":
		return sha1.New(), nil //nolint:gosec
	case "SHA224":
		return sha256.New224(), nil
	case "", "SHA256":
		return sha256.New(), nil
	case "SHA384":
		return sha512.New384(), nil
	case "SHA512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, alg)
}

// Digest hashes data with alg and renders the result as colon separated
// upper-case hex. An empty alg means SHA256.
func Digest(alg string, data []byte) (string, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return util.ColonHex(h.Sum(nil)), nil
}

// DigestName returns the canonical upper-case name of alg.
func DigestName(alg string) string {
	if alg == "" {
		return "SHA256"
	}
	return strings.ReplaceAll(strings.ToUpper(alg), "-", "")
}
