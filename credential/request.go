package credential

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"net"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jmcleod/trustline/oid"
)

var (
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// Extension is one X.509v3 extension with its symbolic name resolved.
type Extension struct {
	OID      asn1.ObjectIdentifier
	Name     string
	Critical bool
	Value    []byte
}

// StringValue returns the extension value when it is a DER string, or its
// hex form otherwise.
func (e Extension) StringValue() string {
	return derString(e.Value)
}

// Attribute is a custom CSR attribute.
type Attribute struct {
	OID   asn1.ObjectIdentifier
	Name  string
	Value string
}

// RequestOptions controls what NewRequest puts into a CSR. Attribute and
// extension keys may be short names, long names or dotted OIDs.
type RequestOptions struct {
	DNSAltNames       []string
	CustomAttributes  map[string]string
	ExtensionRequests map[string]string
	Registry          *oid.Registry
}

// Request is a PKCS#10 certificate signing request.
type Request struct {
	csr *x509.CertificateRequest
	reg *oid.Registry
}

// ParseRequest decodes a PEM CSR.
func ParseRequest(data []byte) (*Request, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrInvalidRequestPEM
		}
		if block.Type != pemRequest && block.Type != "NEW CERTIFICATE REQUEST" {
			continue
		}
		return ParseRequestDER(block.Bytes)
	}
}

// ParseRequestDER decodes a DER CSR.
func ParseRequestDER(der []byte) (*Request, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestPEM, err)
	}
	return &Request{csr: csr, reg: oid.Default()}, nil
}

// NewRequest builds and signs a CSR for name with key.
func NewRequest(name string, key crypto.Signer, opts RequestOptions) (*Request, error) {
	if !SupportedKey(key) {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	reg := opts.Registry
	if reg == nil {
		reg = oid.Default()
	}

	subject, err := asn1.Marshal(pkix.Name{CommonName: name}.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("encoding subject: %w", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	var attrs [][]byte
	for _, k := range sortedKeys(opts.CustomAttributes) {
		id, err := reg.Lookup(k)
		if err != nil {
			return nil, fmt.Errorf("custom attribute %q: %w", k, err)
		}
		if id.Equal(oid.ExtensionRequest) || id.Equal(oid.MSExtensionRequest) {
			return nil, fmt.Errorf("%w: %s cannot be set as a custom attribute", ErrReservedAttribute, k)
		}
		value := opts.CustomAttributes[k]
		var b cryptobyte.Builder
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(id)
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) { b.AddBytes([]byte(value)) })
			})
		})
		der, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding attribute %q: %w", k, err)
		}
		attrs = append(attrs, der)
	}

	exts, err := requestedExtensions(name, opts, reg)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		var b cryptobyte.Builder
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid.ExtensionRequest)
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, e := range exts {
						addExtension(b, e)
					}
				})
			})
		})
		der, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding extension request: %w", err)
		}
		attrs = append(attrs, der)
	}
	// DER orders SET OF members by their encoding.
	sort.Slice(attrs, func(i, j int) bool { return bytes.Compare(attrs[i], attrs[j]) < 0 })

	var tbs cryptobyte.Builder
	tbs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddBytes(subject)
		b.AddBytes(spki)
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			for _, a := range attrs {
				b.AddBytes(a)
			}
		})
	})
	tbsDER, err := tbs.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding request info: %w", err)
	}

	sigAlg := oidSHA256WithRSA
	if _, ok := key.Public().(*ecdsa.PublicKey); ok {
		sigAlg = oidECDSAWithSHA256
	}
	digest := sha256.Sum256(tbsDER)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	var out cryptobyte.Builder
	out.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbsDER)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(sigAlg)
			if _, ok := key.Public().(*rsa.PublicKey); ok {
				b.AddASN1NULL()
			}
		})
		b.AddASN1BitString(sig)
	})
	der, err := out.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := ParseRequestDER(der)
	if err != nil {
		return nil, err
	}
	req.reg = reg
	return req, nil
}

func requestedExtensions(name string, opts RequestOptions, reg *oid.Registry) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	if len(opts.DNSAltNames) > 0 {
		value, err := marshalSANs(append(append([]string(nil), opts.DNSAltNames...), name))
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oid.SubjectAltName, Value: value})
	}
	for _, k := range sortedKeys(opts.ExtensionRequests) {
		id, err := reg.Lookup(k)
		if err != nil {
			return nil, fmt.Errorf("extension request %q: %w", k, err)
		}
		var b cryptobyte.Builder
		b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) { b.AddBytes([]byte(opts.ExtensionRequests[k])) })
		value, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding extension request %q: %w", k, err)
		}
		exts = append(exts, pkix.Extension{Id: id, Value: value})
	}
	return exts, nil
}

func addExtension(b *cryptobyte.Builder, e pkix.Extension) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(e.Id)
		if e.Critical {
			b.AddASN1Boolean(true)
		}
		b.AddASN1OctetString(e.Value)
	})
}

// marshalSANs encodes "DNS:x" / "IP:x" / bare names as a GeneralNames
// sequence. Bare names are DNS names. Duplicates are dropped and the output
// is sorted.
func marshalSANs(names []string) ([]byte, error) {
	seen := make(map[string]bool)
	var normalized []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !strings.HasPrefix(n, "DNS:") && !strings.HasPrefix(n, "IP:") {
			n = "DNS:" + n
		}
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}
	sort.Strings(normalized)

	var b cryptobyte.Builder
	var ipErr error
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, n := range normalized {
			if ip, ok := strings.CutPrefix(n, "IP:"); ok {
				addr := net.ParseIP(ip)
				if addr == nil {
					ipErr = fmt.Errorf("invalid IP alt name %q", ip)
					return
				}
				if v4 := addr.To4(); v4 != nil {
					addr = v4
				}
				b.AddASN1(cbasn1.Tag(7).ContextSpecific(), func(b *cryptobyte.Builder) { b.AddBytes(addr) })
				continue
			}
			dns := strings.TrimPrefix(n, "DNS:")
			b.AddASN1(cbasn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) { b.AddBytes([]byte(dns)) })
		}
	})
	if ipErr != nil {
		return nil, ipErr
	}
	return b.Bytes()
}

// WithRegistry returns a copy of r that resolves names through reg.
func (r *Request) WithRegistry(reg *oid.Registry) *Request {
	return &Request{csr: r.csr, reg: reg}
}

// Name returns the subject common name.
func (r *Request) Name() string { return r.csr.Subject.CommonName }

func (r *Request) Subject() pkix.Name { return r.csr.Subject }

func (r *Request) PublicKey() crypto.PublicKey { return r.csr.PublicKey }

func (r *Request) X509() *x509.CertificateRequest { return r.csr }

func (r *Request) DER() []byte { return append([]byte(nil), r.csr.Raw...) }

func (r *Request) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemRequest, Bytes: r.csr.Raw})
}

// SubjectAltNames returns the requested alternative names as sorted
// "DNS:name" and "IP:addr" strings.
func (r *Request) SubjectAltNames() []string {
	return altNames(r.csr.DNSNames, r.csr.IPAddresses)
}

// RequestExtensions returns the extensions carried in the extReq attribute.
func (r *Request) RequestExtensions() []Extension {
	out := make([]Extension, 0, len(r.csr.Extensions))
	for _, e := range r.csr.Extensions {
		out = append(out, Extension{
			OID:      e.Id,
			Name:     r.reg.ShortName(e.Id),
			Critical: e.Critical,
			Value:    e.Value,
		})
	}
	return out
}

// CustomAttributes returns the CSR attributes other than the two extension
// request attributes.
func (r *Request) CustomAttributes() ([]Attribute, error) {
	raw, err := rawAttributes(r.csr.RawTBSCertificateRequest)
	if err != nil {
		return nil, err
	}
	out := make([]Attribute, 0, len(raw))
	for _, a := range raw {
		if a.OID.Equal(oid.ExtensionRequest) || a.OID.Equal(oid.MSExtensionRequest) {
			continue
		}
		a.Name = r.reg.ShortName(a.OID)
		out = append(out, a)
	}
	return out, nil
}

// Verify checks the request self-signature and that it was made with the
// private half of pub.
func (r *Request) Verify(pub crypto.PublicKey) error {
	if err := r.csr.CheckSignature(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequestPEM, err)
	}
	if !PublicKeysEqual(r.csr.PublicKey, pub) {
		return fmt.Errorf("%w: public key mismatch", ErrInvalidRequestPEM)
	}
	return nil
}

func rawAttributes(tbs []byte) ([]Attribute, error) {
	input := cryptobyte.String(tbs)
	var info cryptobyte.String
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.SkipASN1(cbasn1.INTEGER) ||
		!info.SkipASN1(cbasn1.SEQUENCE) ||
		!info.SkipASN1(cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: malformed request info", ErrInvalidRequestPEM)
	}
	var attrs cryptobyte.String
	var present bool
	if !info.ReadOptionalASN1(&attrs, &present, cbasn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, fmt.Errorf("%w: malformed attributes", ErrInvalidRequestPEM)
	}

	var out []Attribute
	for !attrs.Empty() {
		var attr, set cryptobyte.String
		var id asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cbasn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&id) ||
			!attr.ReadASN1(&set, cbasn1.SET) {
			return nil, fmt.Errorf("%w: malformed attribute", ErrInvalidRequestPEM)
		}
		var value cryptobyte.String
		if !set.ReadAnyASN1Element(&value, nil) {
			return nil, fmt.Errorf("%w: empty attribute %s", ErrInvalidRequestPEM, id)
		}
		out = append(out, Attribute{OID: id, Value: derString(value)})
	}
	return out, nil
}

// derString decodes a DER string type, falling back to hex.
func derString(der []byte) string {
	s := cryptobyte.String(der)
	var body cryptobyte.String
	var tag cbasn1.Tag
	if s.ReadAnyASN1(&body, &tag) && s.Empty() {
		switch tag {
		case cbasn1.UTF8String, cbasn1.PrintableString, cbasn1.IA5String, cbasn1.T61String:
			if utf8.Valid(body) {
				return string(body)
			}
		}
	}
	return fmt.Sprintf("%X", der)
}

func altNames(dns []string, ips []net.IP) []string {
	out := make([]string, 0, len(dns)+len(ips))
	for _, d := range dns {
		out = append(out, "DNS:"+d)
	}
	for _, ip := range ips {
		out = append(out, "IP:"+ip.String())
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
