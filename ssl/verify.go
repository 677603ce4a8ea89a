package ssl

import (
	"bytes"
	"crypto/x509"
	"errors"
	"time"
)

// store is the trust material a Context verifies against: the CA bundle
// split into anchors and intermediates, plus CRLs when revocation is on.
type store struct {
	roots         *x509.CertPool
	intermediates []*x509.Certificate
	certs         []*x509.Certificate
	crls          []*x509.RevocationList
	revocation    Revocation
}

func newStore(cacerts []*x509.Certificate, crls []*x509.RevocationList, revocation Revocation, base *x509.CertPool) *store {
	s := &store{
		roots:      base,
		certs:      append([]*x509.Certificate(nil), cacerts...),
		revocation: revocation,
	}
	if s.roots == nil {
		s.roots = x509.NewCertPool()
	}
	if revocation != RevocationOff {
		s.crls = append([]*x509.RevocationList(nil), crls...)
	}

	// Only self-signed CAs anchor a chain. A bundle of intermediates alone
	// verifies nothing.
	for _, c := range cacerts {
		if isSelfSigned(c) {
			s.roots.AddCert(c)
		} else {
			s.intermediates = append(s.intermediates, c)
		}
	}
	return s
}

func isSelfSigned(c *x509.Certificate) bool {
	return bytes.Equal(c.RawSubject, c.RawIssuer)
}

// verify builds the chain for leaf and applies the revocation mode. The
// returned chain runs from leaf to root.
func (s *store) verify(leaf *x509.Certificate, presented []*x509.Certificate, at time.Time, dnsName string) ([]*x509.Certificate, error) {
	if at.Before(leaf.NotBefore) {
		return nil, newVerifyError(CertNotYetValid, leaf, "")
	}
	if at.After(leaf.NotAfter) {
		return nil, newVerifyError(CertHasExpired, leaf, "")
	}

	inter := x509.NewCertPool()
	for _, c := range s.intermediates {
		inter.AddCert(c)
	}
	for _, c := range presented {
		inter.AddCert(c)
	}
	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: inter,
		CurrentTime:   at,
		DNSName:       dnsName,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, s.classify(leaf, presented, at, dnsName, err)
	}

	chain := chains[0]
	if err := s.checkRevocation(chain, at); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *store) classify(leaf *x509.Certificate, presented []*x509.Certificate, at time.Time, dnsName string, err error) error {
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return newVerifyError(HostnameMismatch, leaf, dnsName)
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		cert := invalid.Cert
		if cert == nil {
			cert = leaf
		}
		switch invalid.Reason {
		case x509.Expired:
			if at.Before(cert.NotBefore) {
				return newVerifyError(CertNotYetValid, cert, "")
			}
			return newVerifyError(CertHasExpired, cert, "")
		case x509.NotAuthorizedToSign, x509.CANotAuthorizedForThisName, x509.CANotAuthorizedForExtKeyUsage:
			return newVerifyError(InvalidCA, cert, invalid.Error())
		case x509.TooManyIntermediates:
			return newVerifyError(CertChainTooLong, cert, "")
		case x509.IncompatibleUsage:
			return newVerifyError(InvalidPurpose, cert, "")
		}
		return newVerifyError(VerifyUnspecified, cert, invalid.Error())
	}
	if errors.As(err, new(x509.UnhandledCriticalExtension)) {
		return newVerifyError(UnhandledCriticalExtension, leaf, "")
	}
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return s.explainUnknownAuthority(leaf, presented, at)
	}
	return newVerifyError(VerifyUnspecified, leaf, err.Error())
}

// explainUnknownAuthority walks up from leaf to find which link is broken:
// a missing issuer, a bad signature or an issuer outside its validity.
func (s *store) explainUnknownAuthority(leaf *x509.Certificate, presented []*x509.Certificate, at time.Time) error {
	candidates := append(append([]*x509.Certificate(nil), s.certs...), presented...)
	cur := leaf
	for depth := 0; depth <= len(candidates); depth++ {
		var iss *x509.Certificate
		for _, c := range candidates {
			if bytes.Equal(c.RawSubject, cur.RawIssuer) && c != cur {
				iss = c
				break
			}
		}
		if iss == nil {
			return newVerifyError(UnableToGetIssuerCert, cur, "")
		}
		if err := cur.CheckSignatureFrom(iss); err != nil {
			var constraint x509.ConstraintViolationError
			if errors.As(err, &constraint) {
				return newVerifyError(InvalidCA, iss, err.Error())
			}
			return newVerifyError(CertSignatureFailure, cur, "")
		}
		if at.Before(iss.NotBefore) {
			return newVerifyError(CertNotYetValid, iss, "")
		}
		if at.After(iss.NotAfter) {
			return newVerifyError(CertHasExpired, iss, "")
		}
		if isSelfSigned(iss) {
			break
		}
		cur = iss
	}
	return newVerifyError(UnableToGetIssuerCert, cur, "")
}

func (s *store) checkRevocation(chain []*x509.Certificate, at time.Time) error {
	var n int
	switch s.revocation {
	case RevocationOff:
		return nil
	case RevocationLeaf:
		n = 1
	default:
		n = len(chain)
	}

	for i := 0; i < n; i++ {
		cert := chain[i]
		iss := cert
		if i+1 < len(chain) {
			iss = chain[i+1]
		}
		crl := s.findCRL(iss)
		if crl == nil {
			return newVerifyError(UnableToGetCRL, cert, "")
		}
		if err := crl.CheckSignatureFrom(iss); err != nil {
			return newVerifyError(CRLSignatureFailure, cert, "")
		}
		if at.Before(crl.ThisUpdate) {
			return newVerifyError(CRLNotYetValid, cert, "")
		}
		if !crl.NextUpdate.IsZero() && at.After(crl.NextUpdate) {
			return newVerifyError(CRLHasExpired, cert, "")
		}
		for _, e := range crl.RevokedCertificateEntries {
			if e.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return newVerifyError(CertRevoked, cert, "")
			}
		}
	}
	return nil
}

// findCRL returns the newest CRL issued by iss.
func (s *store) findCRL(iss *x509.Certificate) *x509.RevocationList {
	var best *x509.RevocationList
	for _, crl := range s.crls {
		if !bytes.Equal(crl.RawIssuer, iss.RawSubject) {
			continue
		}
		if best == nil || (crl.Number != nil && best.Number != nil && crl.Number.Cmp(best.Number) > 0) {
			best = crl
		}
	}
	return best
}
