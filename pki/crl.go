package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/lockfile"
	"github.com/jmcleod/trustline/storage"
)

// CRL reason codes (RFC 5280 section 5.3.1).
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
)

// DefaultRevocationReason is used when no reason is given.
const DefaultRevocationReason = ReasonKeyCompromise

// crlValidity is the span between ThisUpdate and NextUpdate.
const crlValidity = 5 * 365 * 24 * time.Hour

// CRLBackdate is how far before signing a CRL's ThisUpdate is set.
const CRLBackdate = time.Second

// CRLPublished returns a whole second no earlier than the instant crl was
// signed. ThisUpdate is encoded at second precision, so the signing instant
// lies in [ThisUpdate+CRLBackdate, ThisUpdate+CRLBackdate+1s).
func CRLPublished(crl *credential.CRL) time.Time {
	return crl.ThisUpdate().UTC().Truncate(time.Second).Add(CRLBackdate + time.Second)
}

// CRL maintains the authority's revocation list in the "ca/crl" record.
// Updates are serialized in-process and across processes by a file lock,
// and written with compare-and-swap.
type CRL struct {
	repo storage.Repository
	lock *lockfile.Lock
	now  func() time.Time

	mu      sync.Mutex
	issuer  *x509.Certificate
	current *x509.RevocationList
}

// NewCRL returns a CRL manager. Load or Generate must be called before use.
func NewCRL(repo storage.Repository, lock *lockfile.Lock, now func() time.Time) *CRL {
	if now == nil {
		now = time.Now
	}
	return &CRL{repo: repo, lock: lock, now: now}
}

// GenerateCRL returns an empty CRL with number 0 signed by signer. It is
// valid from one second ago for five years.
func GenerateCRL(issuer *x509.Certificate, signer crypto.Signer, now time.Time) (*x509.RevocationList, error) {
	return signCRL(issuer, signer, big.NewInt(0), nil, now)
}

func signCRL(issuer *x509.Certificate, signer crypto.Signer, number *big.Int, entries []x509.RevocationListEntry, now time.Time) (*x509.RevocationList, error) {
	thisUpdate := now.Add(-CRLBackdate).UTC()
	tmpl := &x509.RevocationList{
		SignatureAlgorithm:        signatureAlgorithm(signer),
		Number:                    number,
		ThisUpdate:                thisUpdate,
		NextUpdate:                thisUpdate.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, signer)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	return crl, nil
}

// Load reads the stored CRL. It returns an error wrapping storage.ErrNotFound
// when none exists.
func (c *CRL) Load(issuer *x509.Certificate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	crl, _, err := c.read()
	if err != nil {
		return err
	}
	c.issuer = issuer
	c.current = crl.X509()
	return nil
}

// Generate creates and stores an empty CRL. It fails with
// storage.ErrCASFailed if a CRL already exists.
func (c *CRL) Generate(ctx context.Context, issuer *x509.Certificate, signer crypto.Signer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lock.With(ctx, func() error {
		crl, err := GenerateCRL(issuer, signer, c.now())
		if err != nil {
			return err
		}
		if err := c.repo.PutCAS(recordCA, caCRLID, 0, credential.EncodeCRLs([]*x509.RevocationList{crl})); err != nil {
			return fmt.Errorf("saving CRL: %w", err)
		}
		c.issuer = issuer
		c.current = crl
		return nil
	})
}

// Current returns the stored CRL, falling back to the last one seen when the
// record cannot be read.
func (c *CRL) Current() (*credential.CRL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	crl, _, err := c.read()
	if err == nil {
		c.current = crl.X509()
		return crl, nil
	}
	if c.current != nil {
		return credential.NewCRL(c.current), nil
	}
	return nil, err
}

func (c *CRL) read() (*credential.CRL, uint64, error) {
	rec, err := c.repo.Get(recordCA, caCRLID)
	if err != nil {
		return nil, 0, fmt.Errorf("loading CRL: %w", err)
	}
	crl, err := credential.ParseCRL(rec.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: CRL: %v", ErrInvalidPEM, err)
	}
	return crl, rec.Version, nil
}

// Revoke adds serial to the CRL with the given reason, increments the CRL
// number and re-signs it. The in-memory CRL changes only once the new CRL
// has been stored; a concurrent writer makes Revoke fail with
// storage.ErrCASFailed. Revoking a serial twice adds a second entry and
// still advances the number.
func (c *CRL) Revoke(ctx context.Context, serial *big.Int, signer crypto.Signer, reason int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.issuer == nil {
		return ErrNotCA
	}
	return c.lock.With(ctx, func() error {
		prev, version, err := c.read()
		if err != nil {
			return err
		}
		now := c.now()
		entries := make([]x509.RevocationListEntry, 0, len(prev.Revoked())+1)
		for _, e := range prev.Revoked() {
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   e.SerialNumber,
				RevocationTime: e.RevocationTime,
				ReasonCode:     e.ReasonCode,
			})
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).Set(serial),
			RevocationTime: now.UTC(),
			ReasonCode:     reason,
		})

		number := new(big.Int).Add(prev.Number(), big.NewInt(1))
		next, err := signCRL(c.issuer, signer, number, entries, now)
		if err != nil {
			return err
		}
		if err := c.repo.PutCAS(recordCA, caCRLID, version, credential.EncodeCRLs([]*x509.RevocationList{next})); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("CRL changed while revoking %s: %w", serialString(serial), err)
			}
			return fmt.Errorf("saving CRL: %w", err)
		}
		c.current = next
		return nil
	})
}
