// Package oid maintains the table of certificate extension and attribute
// object identifiers known by symbolic name.
package oid

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrInvalidOID is returned for strings that are not dotted OIDs.
	ErrInvalidOID = errors.New("oid: invalid object identifier")
	// ErrDuplicate is returned when an OID or name is registered twice.
	ErrDuplicate = errors.New("oid: duplicate definition")
	// ErrInvalidMapping is returned for malformed custom mapping files.
	ErrInvalidMapping = errors.New("oid: invalid custom OID mapping")
)

// Well-known identifiers used across the module.
var (
	PuppetLabs     = MustParse("1.3.6.1.4.1.34380")
	CertExt        = MustParse("1.3.6.1.4.1.34380.1")
	RegCertExt     = MustParse("1.3.6.1.4.1.34380.1.1")
	PrivCertExt    = MustParse("1.3.6.1.4.1.34380.1.2")
	AuthCertExt    = MustParse("1.3.6.1.4.1.34380.1.3")
	AuthAutoRenew  = MustParse("1.3.6.1.4.1.34380.1.3.2")
	CertExtRequest = MustParse("1.3.6.1.4.1.34380.1.4")

	SubjectKeyIdentifier   = MustParse("2.5.29.14")
	KeyUsage               = MustParse("2.5.29.15")
	SubjectAltName         = MustParse("2.5.29.17")
	BasicConstraints       = MustParse("2.5.29.19")
	CRLNumber              = MustParse("2.5.29.20")
	CRLReason              = MustParse("2.5.29.21")
	AuthorityKeyIdentifier = MustParse("2.5.29.35")
	ExtendedKeyUsage       = MustParse("2.5.29.37")
	NetscapeComment        = MustParse("2.16.840.1.113730.1.13")

	// ExtensionRequest is the PKCS#9 extReq attribute.
	ExtensionRequest = MustParse("1.2.840.113549.1.9.14")
	// MSExtensionRequest is Microsoft's extension request attribute.
	MSExtensionRequest = MustParse("1.3.6.1.4.1.311.2.1.14")
	ChallengePassword  = MustParse("1.2.840.113549.1.9.7")
)

// Definition names one OID.
type Definition struct {
	OID       asn1.ObjectIdentifier
	ShortName string
	LongName  string
}

var builtins = []struct{ oid, short, long string }{
	{"1.3.6.1.4.1.34380", "puppetlabs", "Puppet Labs"},
	{"1.3.6.1.4.1.34380.1", "ppCertExt", "Puppet Certificate Extension"},

	{"1.3.6.1.4.1.34380.1.1", "ppRegCertExt", "Puppet Registered Certificate Extension"},
	{"1.3.6.1.4.1.34380.1.1.1", "pp_uuid", "Puppet Node UUID"},
	{"1.3.6.1.4.1.34380.1.1.2", "pp_instance_id", "Puppet Node Instance ID"},
	{"1.3.6.1.4.1.34380.1.1.3", "pp_image_name", "Puppet Node Image Name"},
	{"1.3.6.1.4.1.34380.1.1.4", "pp_preshared_key", "Puppet Node Preshared Key"},
	{"1.3.6.1.4.1.34380.1.1.5", "pp_cost_center", "Puppet Node Cost Center Name"},
	{"1.3.6.1.4.1.34380.1.1.6", "pp_product", "Puppet Node Product Name"},
	{"1.3.6.1.4.1.34380.1.1.7", "pp_project", "Puppet Node Project Name"},
	{"1.3.6.1.4.1.34380.1.1.8", "pp_application", "Puppet Node Application Name"},
	{"1.3.6.1.4.1.34380.1.1.9", "pp_service", "Puppet Node Service Name"},
	{"1.3.6.1.4.1.34380.1.1.10", "pp_employee", "Puppet Node Employee Name"},
	{"1.3.6.1.4.1.34380.1.1.11", "pp_created_by", "Puppet Node created_by Tag"},
	{"1.3.6.1.4.1.34380.1.1.12", "pp_environment", "Puppet Node Environment Name"},
	{"1.3.6.1.4.1.34380.1.1.13", "pp_role", "Puppet Node Role Name"},
	{"1.3.6.1.4.1.34380.1.1.14", "pp_software_version", "Puppet Node Software Version"},
	{"1.3.6.1.4.1.34380.1.1.15", "pp_department", "Puppet Node Department Name"},
	{"1.3.6.1.4.1.34380.1.1.16", "pp_cluster", "Puppet Node Cluster Name"},
	{"1.3.6.1.4.1.34380.1.1.17", "pp_provisioner", "Puppet Node Provisioner Name"},
	{"1.3.6.1.4.1.34380.1.1.18", "pp_region", "Puppet Node Region Name"},
	{"1.3.6.1.4.1.34380.1.1.19", "pp_datacenter", "Puppet Node Datacenter Name"},
	{"1.3.6.1.4.1.34380.1.1.20", "pp_zone", "Puppet Node Zone Name"},
	{"1.3.6.1.4.1.34380.1.1.21", "pp_network", "Puppet Node Network Name"},
	{"1.3.6.1.4.1.34380.1.1.22", "pp_securitypolicy", "Puppet Node Security Policy Name"},
	{"1.3.6.1.4.1.34380.1.1.23", "pp_cloudplatform", "Puppet Node Cloud Platform Name"},
	{"1.3.6.1.4.1.34380.1.1.24", "pp_apptier", "Puppet Node Application Tier"},
	{"1.3.6.1.4.1.34380.1.1.25", "pp_hostname", "Puppet Node Hostname"},

	{"1.3.6.1.4.1.34380.1.2", "ppPrivCertExt", "Puppet Private Certificate Extension"},

	{"1.3.6.1.4.1.34380.1.3", "ppAuthCertExt", "Puppet Certificate Authorization Extension"},
	{"1.3.6.1.4.1.34380.1.3.1", "pp_authorization", "Certificate Extension Authorization"},
	{"1.3.6.1.4.1.34380.1.3.2", "pp_auth_auto_renew", "Auto-Renew Certificate Attribute"},
	{"1.3.6.1.4.1.34380.1.3.13", "pp_auth_role", "Puppet Node Role Name for Authorization"},
	{"1.3.6.1.4.1.34380.1.3.39", "pp_cli_auth", "Puppetserver CA CLI Authorization"},

	{"1.3.6.1.4.1.34380.1.4", "ppCertExtRequest", "Puppet Certificate Extension Request"},

	{"2.5.29.14", "subjectKeyIdentifier", "X509v3 Subject Key Identifier"},
	{"2.5.29.15", "keyUsage", "X509v3 Key Usage"},
	{"2.5.29.17", "subjectAltName", "X509v3 Subject Alternative Name"},
	{"2.5.29.19", "basicConstraints", "X509v3 Basic Constraints"},
	{"2.5.29.20", "crlNumber", "X509v3 CRL Number"},
	{"2.5.29.21", "CRLReason", "X509v3 CRL Reason Code"},
	{"2.5.29.35", "authorityKeyIdentifier", "X509v3 Authority Key Identifier"},
	{"2.5.29.37", "extendedKeyUsage", "X509v3 Extended Key Usage"},
	{"2.16.840.1.113730.1.13", "nsComment", "Netscape Comment"},
	{"1.2.840.113549.1.9.7", "challengePassword", "challengePassword"},
	{"1.2.840.113549.1.9.14", "extReq", "Extension Request"},
	{"1.3.6.1.4.1.311.2.1.14", "msExtReq", "Microsoft Extension Request"},
}

// Registry maps OIDs to names and back. Build one with NewRegistry; once
// handed out it is only read.
type Registry struct {
	byOID  map[string]Definition
	byName map[string]Definition
}

// NewRegistry returns a registry holding the built-in definitions.
func NewRegistry() *Registry {
	r := &Registry{
		byOID:  make(map[string]Definition, len(builtins)),
		byName: make(map[string]Definition, 2*len(builtins)),
	}
	for _, b := range builtins {
		if err := r.register(b.oid, b.short, b.long); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) register(dotted, short, long string) error {
	id, err := Parse(dotted)
	if err != nil {
		return err
	}
	key := id.String()
	if _, ok := r.byOID[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	for _, n := range []string{short, long} {
		if _, ok := r.byName[n]; ok {
			return fmt.Errorf("%w: name %q", ErrDuplicate, n)
		}
	}
	def := Definition{OID: id, ShortName: short, LongName: long}
	r.byOID[key] = def
	r.byName[short] = def
	r.byName[long] = def
	return nil
}

// Lookup resolves a short name, long name or dotted OID.
func (r *Registry) Lookup(name string) (asn1.ObjectIdentifier, error) {
	if def, ok := r.byName[name]; ok {
		return def.OID, nil
	}
	id, err := Parse(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is neither a known name nor a dotted OID", ErrInvalidOID, name)
	}
	return id, nil
}

// Definition returns the definition registered for id, if any.
func (r *Registry) Definition(id asn1.ObjectIdentifier) (Definition, bool) {
	def, ok := r.byOID[id.String()]
	return def, ok
}

// ShortName returns id's short name, or its dotted form when unknown.
func (r *Registry) ShortName(id asn1.ObjectIdentifier) string {
	if def, ok := r.byOID[id.String()]; ok {
		return def.ShortName
	}
	return id.String()
}

// LongName returns id's long name, or its dotted form when unknown.
func (r *Registry) LongName(id asn1.ObjectIdentifier) string {
	if def, ok := r.byOID[id.String()]; ok {
		return def.LongName
	}
	return id.String()
}

// Definitions returns all definitions ordered by OID string.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.byOID))
	for _, d := range r.byOID {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].OID.String() < defs[j].OID.String() })
	return defs
}

// Subtree reports whether id equals arc or lies beneath it.
func Subtree(id, arc asn1.ObjectIdentifier) bool {
	if len(id) < len(arc) {
		return false
	}
	return id[:len(arc)].Equal(arc)
}

// Parse converts a dotted string into an ObjectIdentifier.
func Parse(dotted string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(dotted, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOID, dotted)
	}
	id := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOID, dotted)
		}
		id[i] = n
	}
	if id[0] > 2 || (id[0] < 2 && id[1] >= 40) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOID, dotted)
	}
	return id, nil
}

// MustParse is Parse for package-level constants.
func MustParse(dotted string) asn1.ObjectIdentifier {
	id, err := Parse(dotted)
	if err != nil {
		panic(err)
	}
	return id
}

// ---------------------------------------------------------------------------
// Process-wide registry
// ---------------------------------------------------------------------------

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// DefineOIDs initialises the process-wide registry from the built-ins and the
// optional custom mapping file at path (empty to skip). The first successful
// call wins; later calls return the same registry without re-reading.
func DefineOIDs(path string) (*Registry, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRegistry != nil {
		return defaultRegistry, nil
	}
	r := NewRegistry()
	if path != "" {
		if err := r.LoadMappingFile(path); err != nil {
			return nil, err
		}
	}
	defaultRegistry = r
	return r, nil
}

// Default returns the process-wide registry, defining it with only the
// built-ins when DefineOIDs has not been called.
func Default() *Registry {
	r, _ := DefineOIDs("")
	return r
}
