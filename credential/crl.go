package credential

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"
)

// CRL wraps a parsed certificate revocation list.
type CRL struct {
	crl *x509.RevocationList
}

func NewCRL(crl *x509.RevocationList) *CRL {
	return &CRL{crl: crl}
}

// ParseCRL decodes the first CRL in a PEM bundle.
func ParseCRL(data []byte) (*CRL, error) {
	crls, err := ParseCRLs(data)
	if err != nil {
		return nil, err
	}
	return NewCRL(crls[0]), nil
}

// Number returns the CRL number, or zero when the extension is absent.
func (c *CRL) Number() *big.Int {
	if c.crl.Number == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.crl.Number)
}

func (c *CRL) ThisUpdate() time.Time { return c.crl.ThisUpdate }

func (c *CRL) NextUpdate() time.Time { return c.crl.NextUpdate }

func (c *CRL) Issuer() pkix.Name { return c.crl.Issuer }

func (c *CRL) AuthorityKeyID() []byte { return append([]byte(nil), c.crl.AuthorityKeyId...) }

func (c *CRL) X509() *x509.RevocationList { return c.crl }

// Revoked returns a copy of the revocation entries.
func (c *CRL) Revoked() []x509.RevocationListEntry {
	return append([]x509.RevocationListEntry(nil), c.crl.RevokedCertificateEntries...)
}

// IsRevoked reports whether serial appears in the list.
func (c *CRL) IsRevoked(serial *big.Int) bool {
	for _, e := range c.crl.RevokedCertificateEntries {
		if e.SerialNumber.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

func (c *CRL) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCRL, Bytes: c.crl.Raw})
}
