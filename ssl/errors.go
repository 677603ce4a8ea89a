package ssl

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// VerifyCode identifies why chain or CRL verification failed. Values follow
// OpenSSL's X509_V_ERR numbering so that operators can search for them.
type VerifyCode int

const (
	VerifyOK                   VerifyCode = 0
	VerifyUnspecified          VerifyCode = 1
	UnableToGetIssuerCert      VerifyCode = 2
	UnableToGetCRL             VerifyCode = 3
	CertSignatureFailure       VerifyCode = 7
	CRLSignatureFailure        VerifyCode = 8
	CertNotYetValid            VerifyCode = 9
	CertHasExpired             VerifyCode = 10
	CRLNotYetValid             VerifyCode = 11
	CRLHasExpired              VerifyCode = 12
	UnableToGetIssuerLocally   VerifyCode = 20
	CertChainTooLong           VerifyCode = 22
	CertRevoked                VerifyCode = 23
	InvalidCA                  VerifyCode = 24
	InvalidPurpose             VerifyCode = 26
	UnhandledCriticalExtension VerifyCode = 34
	HostnameMismatch           VerifyCode = 62
)

var verifyCodeStrings = map[VerifyCode]string{
	VerifyOK:                   "ok",
	VerifyUnspecified:          "unspecified certificate verification error",
	UnableToGetIssuerCert:      "unable to get issuer certificate",
	UnableToGetCRL:             "unable to get certificate CRL",
	CertSignatureFailure:       "certificate signature failure",
	CRLSignatureFailure:        "CRL signature failure",
	CertNotYetValid:            "certificate is not yet valid",
	CertHasExpired:             "certificate has expired",
	CRLNotYetValid:             "CRL is not yet valid",
	CRLHasExpired:              "CRL has expired",
	UnableToGetIssuerLocally:   "unable to get local issuer certificate",
	CertChainTooLong:           "certificate chain too long",
	CertRevoked:                "certificate revoked",
	InvalidCA:                  "invalid CA certificate",
	InvalidPurpose:             "unsupported certificate purpose",
	UnhandledCriticalExtension: "unhandled critical extension",
	HostnameMismatch:           "hostname mismatch",
}

func (c VerifyCode) String() string {
	if s, ok := verifyCodeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("verify error %d", int(c))
}

// CertVerifyError reports a failed chain, time, signature or revocation
// check. Cert is the certificate being checked when verification stopped.
type CertVerifyError struct {
	Code    VerifyCode
	Cert    *x509.Certificate
	Message string
}

func (e *CertVerifyError) Error() string { return e.Message }

func newVerifyError(code VerifyCode, cert *x509.Certificate, detail string) *CertVerifyError {
	var msg string
	switch code {
	case CertNotYetValid:
		msg = fmt.Sprintf("The certificate '%s' is not yet valid, verify time is synchronized", subject(cert))
	case CertHasExpired:
		msg = fmt.Sprintf("The certificate '%s' has expired, verify time is synchronized", subject(cert))
	case CRLNotYetValid:
		msg = fmt.Sprintf("The CRL issued by '%s' is not yet valid, verify time is synchronized", issuer(cert))
	case CRLHasExpired:
		msg = fmt.Sprintf("The CRL issued by '%s' has expired, verify time is synchronized", issuer(cert))
	case CertSignatureFailure:
		msg = fmt.Sprintf("Invalid signature for certificate '%s'", subject(cert))
	case CRLSignatureFailure:
		msg = fmt.Sprintf("Invalid signature for CRL issued by '%s'", issuer(cert))
	case UnableToGetIssuerCert:
		msg = fmt.Sprintf("The issuer '%s' of certificate '%s' is missing", issuer(cert), subject(cert))
	case UnableToGetCRL:
		msg = fmt.Sprintf("The CRL issued by '%s' is missing", issuer(cert))
	case CertRevoked:
		msg = fmt.Sprintf("Certificate '%s' is revoked", subject(cert))
	case HostnameMismatch:
		msg = fmt.Sprintf("Server hostname '%s' did not match server certificate; expected one of %s", detail, altNameList(cert))
	default:
		reason := code.String()
		if detail != "" {
			reason = detail
		}
		msg = fmt.Sprintf("Certificate '%s' failed verification (%d): %s", subject(cert), int(code), reason)
	}
	return &CertVerifyError{Code: code, Cert: cert, Message: msg}
}

// SSLError reports key and certificate mismatches.
type SSLError struct {
	Message string
}

func (e *SSLError) Error() string { return e.Message }

func sslErrorf(format string, args ...any) *SSLError {
	return &SSLError{Message: fmt.Sprintf(format, args...)}
}

func subject(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	return c.Subject.String()
}

func issuer(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	return c.Issuer.String()
}

func altNameList(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	names := make([]string, 0, len(c.DNSNames)+len(c.IPAddresses))
	for _, d := range c.DNSNames {
		names = append(names, "DNS:"+d)
	}
	for _, ip := range c.IPAddresses {
		names = append(names, "IP Address:"+ip.String())
	}
	if len(names) == 0 {
		return c.Subject.CommonName
	}
	return strings.Join(names, ", ")
}
