package credential

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	pemCertificate = "CERTIFICATE"
	pemCRL         = "X509 CRL"
	pemRequest     = "CERTIFICATE REQUEST"
)

// ParseCertificates decodes every CERTIFICATE block in data, in order.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificatePEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidCertificatePEM
	}
	return certs, nil
}

// ParseCRLs decodes every X509 CRL block in data, in order.
func ParseCRLs(data []byte) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCRL {
			continue
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCRLPEM, err)
		}
		crls = append(crls, crl)
	}
	if len(crls) == 0 {
		return nil, ErrInvalidCRLPEM
	}
	return crls, nil
}

// EncodeCertificates concatenates the PEM form of certs.
func EncodeCertificates(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: pemCertificate, Bytes: c.Raw})
	}
	return buf.Bytes()
}

// EncodeCRLs concatenates the PEM form of crls.
func EncodeCRLs(crls []*x509.RevocationList) []byte {
	var buf bytes.Buffer
	for _, c := range crls {
		_ = pem.Encode(&buf, &pem.Block{Type: pemCRL, Bytes: c.Raw})
	}
	return buf.Bytes()
}
