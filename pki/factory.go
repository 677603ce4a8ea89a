package pki

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // RFC 5280 method 1 key identifiers
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/oid"
)

// Role selects the extension profile of an issued certificate.
type Role string

const (
	RoleCA             Role = "ca"
	RoleIntermediateCA Role = "intermediate-ca"
	RoleServer         Role = "server"
	RoleClient         Role = "client"
	RoleOCSP           Role = "ocsp"
)

// DefaultCATTL is the validity used when no TTL is given.
const DefaultCATTL = 5 * 365 * 24 * time.Hour

const defaultComment = "Puppet Ruby/OpenSSL Internal Certificate"

var (
	oidServerAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidClientAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	oidEmailProtection = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
	oidOCSPSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
)

type extensionSpec struct {
	id       asn1.ObjectIdentifier
	critical bool
	value    []byte
}

// extensionSet is keyed by dotted OID.
type extensionSet map[string]extensionSpec

func (s extensionSet) add(id asn1.ObjectIdentifier, critical bool, value []byte) {
	s[id.String()] = extensionSpec{id: id, critical: critical, value: value}
}

type roleProfile struct {
	ca       bool
	pathLen0 bool
	usage    x509.KeyUsage
	extUsage []asn1.ObjectIdentifier
}

var roleProfiles = map[Role]roleProfile{
	RoleCA: {
		ca:    true,
		usage: x509.KeyUsageCRLSign | x509.KeyUsageCertSign,
	},
	RoleIntermediateCA: {
		ca:       true,
		pathLen0: true,
		usage:    x509.KeyUsageCRLSign | x509.KeyUsageCertSign,
	},
	RoleServer: {
		usage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		extUsage: []asn1.ObjectIdentifier{oidServerAuth, oidClientAuth},
	},
	RoleClient: {
		usage:    x509.KeyUsageContentCommitment | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		extUsage: []asn1.ObjectIdentifier{oidClientAuth, oidEmailProtection},
	},
	RoleOCSP: {
		usage:    x509.KeyUsageContentCommitment | x509.KeyUsageDigitalSignature,
		extUsage: []asn1.ObjectIdentifier{oidOCSPSigning},
	},
}

// Factory shapes unsigned certificates for a role.
type Factory struct {
	now func() time.Time
}

func NewFactory() *Factory {
	return &Factory{now: time.Now}
}

// Build returns a certificate template for csr. issuer is nil for a
// self-signed certificate. Extensions are merged in increasing precedence:
// defaults, the CSR's requested extensions, the role's mandated extensions,
// and finally the derived key identifiers.
func (f *Factory) Build(role Role, csr *credential.Request, issuer *x509.Certificate, serial *big.Int, ttl time.Duration) (*x509.Certificate, error) {
	subject := certSubject{raw: csr.X509().RawSubject, name: csr.Subject(), pub: csr.PublicKey()}
	return f.build(role, subject, requestedExtensions(csr), issuer, serial, ttl)
}

// Renew returns a template that re-issues old under a new serial and
// validity. The extensions of old take the place of requested extensions.
func (f *Factory) Renew(role Role, old *x509.Certificate, issuer *x509.Certificate, serial *big.Int, ttl time.Duration) (*x509.Certificate, error) {
	subject := certSubject{raw: old.RawSubject, name: old.Subject, pub: old.PublicKey}
	set := extensionSet{}
	for _, e := range old.Extensions {
		set.add(e.Id, e.Critical, e.Value)
	}
	return f.build(role, subject, set, issuer, serial, ttl)
}

type certSubject struct {
	raw  []byte
	name pkix.Name
	pub  crypto.PublicKey
}

func (f *Factory) build(role Role, subject certSubject, requested extensionSet, issuer *x509.Certificate, serial *big.Int, ttl time.Duration) (*x509.Certificate, error) {
	profile, ok := roleProfiles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCertificateType, role)
	}
	if ttl <= 0 {
		ttl = DefaultCATTL
	}

	ski, err := keyIdentifier(subject.pub)
	if err != nil {
		return nil, err
	}
	aki := ski
	if issuer != nil {
		aki = issuer.SubjectKeyId
		if len(aki) == 0 {
			if aki, err = keyIdentifier(issuer.PublicKey); err != nil {
				return nil, err
			}
		}
	}

	defaults, err := defaultExtensions()
	if err != nil {
		return nil, err
	}
	merged := mergeExtensions(defaults, requested, profile.extensions(), overrideExtensions(ski, aki))

	now := f.now()
	tmpl := &x509.Certificate{
		SerialNumber:    new(big.Int).Set(serial),
		RawSubject:      subject.raw,
		Subject:         subject.name,
		NotBefore:       now.Add(-24 * time.Hour),
		NotAfter:        now.Add(ttl),
		SubjectKeyId:    ski,
		AuthorityKeyId:  aki,
		ExtraExtensions: merged,
	}
	return tmpl, nil
}

// mergeExtensions folds sets left to right; later sets win.
func mergeExtensions(sets ...extensionSet) []pkix.Extension {
	merged := extensionSet{}
	for _, set := range sets {
		for k, v := range set {
			merged[k] = v
		}
	}
	if san, ok := merged[oid.SubjectAltName.String()]; ok {
		san.critical = false
		merged[oid.SubjectAltName.String()] = san
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pkix.Extension, 0, len(keys))
	for _, k := range keys {
		e := merged[k]
		out = append(out, pkix.Extension{Id: e.id, Critical: e.critical, Value: e.value})
	}
	return out
}

func defaultExtensions() (extensionSet, error) {
	comment, err := asn1.MarshalWithParams(defaultComment, "ia5")
	if err != nil {
		return nil, err
	}
	set := extensionSet{}
	set.add(oid.NetscapeComment, false, comment)
	return set, nil
}

func requestedExtensions(csr *credential.Request) extensionSet {
	set := extensionSet{}
	for _, e := range csr.RequestExtensions() {
		set.add(e.OID, e.Critical, e.Value)
	}
	return set
}

func (p roleProfile) extensions() extensionSet {
	set := extensionSet{}

	bc := basicConstraints{IsCA: p.ca, MaxPathLen: -1}
	if p.pathLen0 {
		bc.MaxPathLen = 0
	}
	set.add(oid.BasicConstraints, true, bc.marshal())
	set.add(oid.KeyUsage, true, marshalKeyUsage(p.usage))
	if len(p.extUsage) > 0 {
		eku, _ := asn1.Marshal(p.extUsage)
		set.add(oid.ExtendedKeyUsage, true, eku)
	}
	return set
}

func overrideExtensions(ski, aki []byte) extensionSet {
	set := extensionSet{}
	skiDER, _ := asn1.Marshal(ski)
	set.add(oid.SubjectKeyIdentifier, false, skiDER)
	akiDER, _ := asn1.Marshal(authorityKeyID{ID: aki})
	set.add(oid.AuthorityKeyIdentifier, false, akiDER)
	return set
}

type basicConstraints struct {
	IsCA       bool
	MaxPathLen int
}

func (bc basicConstraints) marshal() []byte {
	// Encoded by hand so that pathlen 0 is emitted and CA:false is an empty
	// sequence.
	var body []byte
	if bc.IsCA {
		body = append(body, 0x01, 0x01, 0xff)
	}
	if bc.MaxPathLen >= 0 {
		n, _ := asn1.Marshal(bc.MaxPathLen)
		body = append(body, n...)
	}
	out, _ := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Class: asn1.ClassUniversal, Bytes: body})
	return out
}

type authorityKeyID struct {
	ID []byte `asn1:"optional,tag:0"`
}

func marshalKeyUsage(ku x509.KeyUsage) []byte {
	var b [2]byte
	bitLen := 0
	for i := 0; i < 9; i++ {
		if ku&(1<<uint(i)) != 0 {
			b[i/8] |= 0x80 >> uint(i%8)
			bitLen = i + 1
		}
	}
	n := (bitLen + 7) / 8
	out, _ := asn1.Marshal(asn1.BitString{Bytes: b[:n], BitLength: bitLen})
	return out
}

// keyIdentifier is the SHA-1 of the subjectPublicKey bit string.
func keyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.RightAlign()) //nolint:gosec
	return sum[:], nil
}
