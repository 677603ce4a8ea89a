package credential

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/jmcleod/trustline/oid"
)

// Certificate wraps a parsed X.509 certificate.
type Certificate struct {
	cert *x509.Certificate
	reg  *oid.Registry
}

// NewCertificate wraps c, resolving extension names through the default
// OID registry.
func NewCertificate(c *x509.Certificate) *Certificate {
	return &Certificate{cert: c, reg: oid.Default()}
}

// ParseCertificate decodes the first certificate in a PEM bundle.
func ParseCertificate(data []byte) (*Certificate, error) {
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, err
	}
	return NewCertificate(certs[0]), nil
}

// WithRegistry returns a copy of c that resolves names through reg.
func (c *Certificate) WithRegistry(reg *oid.Registry) *Certificate {
	return &Certificate{cert: c.cert, reg: reg}
}

// Name returns the subject common name.
func (c *Certificate) Name() string { return c.cert.Subject.CommonName }

func (c *Certificate) Subject() pkix.Name { return c.cert.Subject }

func (c *Certificate) Issuer() pkix.Name { return c.cert.Issuer }

func (c *Certificate) Serial() *big.Int { return new(big.Int).Set(c.cert.SerialNumber) }

func (c *Certificate) NotBefore() time.Time { return c.cert.NotBefore }

func (c *Certificate) NotAfter() time.Time { return c.cert.NotAfter }

func (c *Certificate) PublicKey() crypto.PublicKey { return c.cert.PublicKey }

func (c *Certificate) X509() *x509.Certificate { return c.cert }

func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: c.cert.Raw})
}

// SubjectAltNames returns the alternative names as sorted "DNS:name" and
// "IP:addr" strings.
func (c *Certificate) SubjectAltNames() []string {
	return altNames(c.cert.DNSNames, c.cert.IPAddresses)
}

// Extensions returns every extension with its symbolic name.
func (c *Certificate) Extensions() []Extension {
	out := make([]Extension, 0, len(c.cert.Extensions))
	for _, e := range c.cert.Extensions {
		out = append(out, Extension{
			OID:      e.Id,
			Name:     c.reg.ShortName(e.Id),
			Critical: e.Critical,
			Value:    e.Value,
		})
	}
	return out
}

// CustomExtensions returns the string values of extensions under the vendor
// registered, private and authorization arcs, keyed by short name.
func (c *Certificate) CustomExtensions() map[string]string {
	out := make(map[string]string)
	for _, e := range c.Extensions() {
		if oid.Subtree(e.OID, oid.RegCertExt) || oid.Subtree(e.OID, oid.PrivCertExt) || oid.Subtree(e.OID, oid.AuthCertExt) {
			out[e.Name] = e.StringValue()
		}
	}
	return out
}

// Fingerprint digests the DER encoding with alg.
func (c *Certificate) Fingerprint(alg string) (string, error) {
	fp, err := Digest(alg, c.cert.Raw)
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s: %w", c.Name(), err)
	}
	return fp, nil
}

// SubjectString renders a name in the "/CN=..." form used in the inventory.
func SubjectString(name pkix.Name) string {
	s := ""
	for _, atv := range name.Names {
		key, ok := attributeKeys[atv.Type.String()]
		if !ok {
			key = atv.Type.String()
		}
		s += fmt.Sprintf("/%s=%v", key, atv.Value)
	}
	if s == "" && name.CommonName != "" {
		s = "/CN=" + name.CommonName
	}
	return s
}

var attributeKeys = map[string]string{
	"2.5.4.3":  "CN",
	"2.5.4.6":  "C",
	"2.5.4.7":  "L",
	"2.5.4.8":  "ST",
	"2.5.4.10": "O",
	"2.5.4.11": "OU",
}
