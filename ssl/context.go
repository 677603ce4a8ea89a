// Package ssl turns trust material into verified, immutable TLS contexts.
// Building a context never performs I/O; every constructor verifies its
// inputs and returns a value that is never mutated afterwards.
package ssl

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// Revocation selects which certificates in a chain are checked against CRLs.
type Revocation int

const (
	RevocationChain Revocation = iota
	RevocationLeaf
	RevocationOff
)

// ParseRevocation accepts "chain", "leaf" or "false", case-insensitively.
// "true" is an alias for "chain".
func ParseRevocation(s string) (Revocation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chain", "true":
		return RevocationChain, nil
	case "leaf":
		return RevocationLeaf, nil
	case "false":
		return RevocationOff, nil
	}
	return RevocationChain, fmt.Errorf("invalid certificate_revocation %q: expected chain, leaf or false", s)
}

func (r Revocation) String() string {
	switch r {
	case RevocationLeaf:
		return "leaf"
	case RevocationOff:
		return "false"
	}
	return "chain"
}

// Context is a frozen bundle of trust material and an optional client
// identity. Accessors return copies.
type Context struct {
	cacerts    []*x509.Certificate
	crls       []*x509.RevocationList
	key        crypto.Signer
	cert       *x509.Certificate
	chain      []*x509.Certificate
	revocation Revocation
	verifyPeer bool
	store      *store
	now        func() time.Time
}

func (c *Context) CACerts() []*x509.Certificate {
	return append([]*x509.Certificate(nil), c.cacerts...)
}

func (c *Context) CRLs() []*x509.RevocationList {
	return append([]*x509.RevocationList(nil), c.crls...)
}

func (c *Context) PrivateKey() crypto.Signer { return c.key }

func (c *Context) ClientCert() *x509.Certificate { return c.cert }

// ClientChain is the resolved chain from the client certificate to its root.
func (c *Context) ClientChain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), c.chain...)
}

func (c *Context) Revocation() Revocation { return c.revocation }

func (c *Context) VerifyPeer() bool { return c.verifyPeer }

// Verify checks cert against the context's trust store and returns the
// chain from cert to its root.
func (c *Context) Verify(cert *x509.Certificate) ([]*x509.Certificate, error) {
	if !c.verifyPeer {
		return nil, newVerifyError(UnableToGetIssuerCert, cert, "")
	}
	return c.store.verify(cert, nil, c.now(), "")
}

// TLSConfig returns a client configuration for connecting to serverName.
// Peers are verified with the same chain and CRL rules as Verify, plus the
// hostname check.
func (c *Context) TLSConfig(serverName string) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if c.cert != nil {
		cfg.Certificates = []tls.Certificate{c.tlsCertificate()}
	}
	// Go's built-in verification has no CRL support, so the handshake runs
	// the store verifier instead.
	cfg.InsecureSkipVerify = true //nolint:gosec
	if !c.verifyPeer {
		return cfg
	}
	cfg.RootCAs = c.store.roots
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return c.verifyRaw(rawCerts, serverName)
	}
	return cfg
}

// ServerTLSConfig returns a server configuration presenting the context's
// certificate. Client certificates are optional but verified when sent.
func (c *Context) ServerTLSConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.RequestClientCert,
	}
	if c.cert != nil {
		cfg.Certificates = []tls.Certificate{c.tlsCertificate()}
	}
	if c.verifyPeer {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return nil
			}
			return c.verifyRaw(rawCerts, "")
		}
	}
	return cfg
}

func (c *Context) verifyRaw(rawCerts [][]byte, serverName string) error {
	if len(rawCerts) == 0 {
		return &SSLError{Message: "peer presented no certificate"}
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parsing peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	_, err := c.store.verify(certs[0], certs[1:], c.now(), serverName)
	return err
}

func (c *Context) tlsCertificate() tls.Certificate {
	tc := tls.Certificate{PrivateKey: c.key, Leaf: c.cert}
	tc.Certificate = append(tc.Certificate, c.cert.Raw)
	for _, ca := range c.chain {
		if ca == c.cert || isSelfSigned(ca) {
			continue
		}
		tc.Certificate = append(tc.Certificate, ca.Raw)
	}
	return tc
}
