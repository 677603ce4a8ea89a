package pki

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/oid"
)

// checkSigningPolicy rejects requests the authority will not sign.
func (ca *CA) checkSigningPolicy(host string, csr *credential.Request, opts SignOptions) error {
	reject := func(format string, args ...any) error {
		return &SigningError{Host: host, Reason: fmt.Sprintf(format, args...)}
	}

	cn := csr.Name()
	if strings.ToLower(cn) != host {
		return reject("common name %q does not match expected certname %q", cn, host)
	}
	subject := csr.Subject().String()
	if !printableASCII(subject) {
		return reject("CSR subject contains unprintable or non-ASCII characters")
	}

	var unknown, auth []string
	for _, e := range csr.RequestExtensions() {
		switch {
		case e.OID.Equal(oid.SubjectAltName):
		case oid.Subtree(e.OID, oid.AuthCertExt):
			auth = append(auth, e.OID.String())
		case oid.Subtree(e.OID, oid.CertExt):
		default:
			unknown = append(unknown, e.OID.String())
		}
	}
	if len(unknown) > 0 {
		return reject("CSR has request extensions that are not permitted: %s", strings.Join(uniqueSorted(unknown), ", "))
	}
	if len(auth) > 0 && !opts.AllowAuthorizationExtensions && !ca.allowAuthExt {
		return reject("CSR '%s' contains authorization extensions (%s), which are disallowed by default. Use `trustline ca sign --allow-authorization-extensions %s` to sign this request.",
			host, strings.Join(uniqueSorted(auth), ", "), host)
	}

	if strings.Contains(subject, "*") {
		return reject("CSR subject contains a wildcard, which is not allowed: %s", subject)
	}

	sans := csr.SubjectAltNames()
	if len(sans) == 0 {
		return nil
	}
	list := strings.Join(sans, ", ")
	if !opts.AllowDNSAltNames && !ca.allowSAN && host != ca.certname {
		return reject("CSR '%s' contains subject alternative names (%s), which are disallowed. Use `trustline ca sign --allow-dns-alt-names %s` to sign this request.", host, list, host)
	}
	for _, san := range sans {
		if !strings.HasPrefix(san, "DNS:") {
			return reject("CSR '%s' contains a subjectAltName outside the DNS label space: %s.  To continue, this CSR needs to be cleaned.", host, list)
		}
	}
	for _, san := range sans {
		if strings.Contains(san, "*") {
			return reject("CSR '%s' subjectAltName contains a wildcard, which is not allowed: %s  To continue, this CSR needs to be cleaned.", host, list)
		}
	}
	return nil
}

func printableASCII(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	var out []string
	for _, s := range in {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}
