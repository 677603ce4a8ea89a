// Package pki implements the certificate authority. The authority keeps its
// certificate, key, CRL, serial counter and inventory as records in a
// storage.Repository, signs pending requests under a signing policy and
// verifies the certificates it issued.
package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/lockfile"
	"github.com/jmcleod/trustline/internal/util"
	"github.com/jmcleod/trustline/oid"
	"github.com/jmcleod/trustline/ssl"
	"github.com/jmcleod/trustline/storage"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotCA is returned when an operation needs the CA certificate and
	// the authority has not been set up.
	ErrNotCA = errors.New("pki: certificate authority is not set up")

	// ErrUnsupportedCertificateType is returned for an unknown Role.
	ErrUnsupportedCertificateType = errors.New("pki: unsupported certificate type")

	// ErrRequestNotFound is returned when no pending CSR exists for a host.
	ErrRequestNotFound = errors.New("pki: could not find certificate request")

	// ErrUnknownSerial is returned by Revoke when neither the certificate
	// nor the inventory knows the host's serial.
	ErrUnknownSerial = errors.New("pki: could not find a serial number")

	// ErrCertNotFound is returned when no signed certificate exists for a host.
	ErrCertNotFound = errors.New("pki: could not find a certificate")

	// ErrCertificateExists is returned when a request or generation targets
	// a host that already holds a signed certificate.
	ErrCertificateExists = errors.New("pki: a certificate already exists")

	// ErrRequestExists is returned when a different CSR is already pending.
	ErrRequestExists = errors.New("pki: a different certificate request is already pending")

	// ErrInvalidPEM is returned when stored PEM data cannot be decoded.
	ErrInvalidPEM = errors.New("pki: invalid PEM data")

	// ErrInvalidAutosign is returned for an autosign setting that is neither
	// a boolean nor an absolute path.
	ErrInvalidAutosign = errors.New("pki: invalid autosign setting")

	// ErrRenewalDisabled is returned by Renew when auto-renewal is off.
	ErrRenewalDisabled = errors.New("pki: certificate autorenewal is not enabled")
)

// ---------------------------------------------------------------------------
// Record layout
// ---------------------------------------------------------------------------

const (
	recordCA      = "ca"
	recordRequest = "request"
	recordSigned  = "signed"

	caCertID      = "cert"
	caKeyID       = "key"
	caCRLID       = "crl"
	caSerialID    = "serial"
	caInventoryID = "inventory"
	caPassID      = "capass"
)

// CAName is the name under which the CA certificate and CRL are published.
const CAName = "ca"

// ---------------------------------------------------------------------------
// Typed errors
// ---------------------------------------------------------------------------

// CertificateVerificationError reports why an issued certificate does not
// verify against the CA certificate and CRL.
type CertificateVerificationError struct {
	Code ssl.VerifyCode
	Err  error
}

func (e *CertificateVerificationError) Error() string { return e.Err.Error() }

func (e *CertificateVerificationError) Unwrap() error { return e.Err }

// SigningError is returned when a request violates the signing policy.
type SigningError struct {
	Host   string
	Reason string
}

func (e *SigningError) Error() string { return e.Reason }

// ---------------------------------------------------------------------------
// Authority
// ---------------------------------------------------------------------------

// Options configures New.
type Options struct {
	Repo     storage.Repository
	KeyStore KeyStore // defaults to a SoftwareKeyStore
	LockDir  string   // holds serial.lock and crl.lock

	// Certname is the CA host's own certname. Its requests may always
	// carry subject alternative names.
	Certname string
	// Name is the CA certificate's common name. Defaults to
	// "Puppet CA: <Certname>".
	Name    string
	TTL     time.Duration
	KeySpec credential.KeySpec

	// Autosign is "true", "false" (or empty) or the absolute path of an
	// allow-list file.
	Autosign                     string
	AllowSubjectAltNames         bool
	AllowAuthorizationExtensions bool
	AllowAutoRenewal             bool
	Revocation                   ssl.Revocation

	// Password encrypts the CA key. When nil it is read from the capass
	// record, and generated there by Setup if missing.
	Password *memguard.Enclave

	Registry *oid.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

// CA is a certificate authority backed by a storage.Repository. It is safe
// for concurrent use.
type CA struct {
	repo      storage.Repository
	keys      KeyStore
	factory   *Factory
	provider  *ssl.Provider
	registry  *oid.Registry
	logger    *slog.Logger
	inventory *Inventory
	crl       *CRL
	now       func() time.Time

	certname     string
	name         string
	ttl          time.Duration
	keySpec      credential.KeySpec
	autosign     string
	allowSAN     bool
	allowAuthExt bool
	allowRenewal bool
	revocation   ssl.Revocation

	serialMu   sync.Mutex
	serialLock *lockfile.Lock

	mu       sync.RWMutex
	password *memguard.Enclave
	cert     *x509.Certificate
	signer   crypto.Signer
}

// New returns an authority over opts.Repo. If the repository already holds a
// CA certificate it is loaded; otherwise Setup must be called before signing.
func New(ctx context.Context, opts Options) (*CA, error) {
	if opts.Repo == nil {
		return nil, errors.New("pki: a storage repository is required")
	}
	if opts.LockDir == "" {
		return nil, errors.New("pki: a lock directory is required")
	}
	name := opts.Name
	if name == "" {
		if opts.Certname == "" {
			return nil, errors.New("pki: a CA name or certname is required")
		}
		name = "Puppet CA: " + opts.Certname
	}
	if err := validateAutosign(opts.Autosign); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reg := opts.Registry
	if reg == nil {
		reg = oid.Default()
	}
	ks := opts.KeyStore
	if ks == nil {
		ks = NewSoftwareKeyStore()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCATTL
	}

	ca := &CA{
		repo:         opts.Repo,
		keys:         ks,
		factory:      &Factory{now: now},
		provider:     ssl.NewProvider(ssl.WithLogger(logger), ssl.WithClock(now)),
		registry:     reg,
		logger:       logger.With("component", "ca"),
		inventory:    NewInventory(opts.Repo),
		now:          now,
		certname:     strings.ToLower(opts.Certname),
		name:         name,
		ttl:          ttl,
		keySpec:      opts.KeySpec,
		autosign:     opts.Autosign,
		allowSAN:     opts.AllowSubjectAltNames,
		allowAuthExt: opts.AllowAuthorizationExtensions,
		allowRenewal: opts.AllowAutoRenewal,
		revocation:   opts.Revocation,
		serialLock:   lockfile.New(filepath.Join(opts.LockDir, "serial.lock")),
		password:     opts.Password,
	}
	ca.crl = NewCRL(opts.Repo, lockfile.New(filepath.Join(opts.LockDir, "crl.lock")), now)

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if err := ca.loadLocked(ctx); err != nil && !errors.Is(err, ErrNotCA) {
		return nil, err
	}
	return ca, nil
}

// Name returns the CA certificate's common name.
func (ca *CA) Name() string { return ca.name }

// Ready reports whether the CA certificate has been loaded or created.
func (ca *CA) Ready() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.cert != nil
}

func (ca *CA) loadLocked(ctx context.Context) error {
	rec, err := ca.repo.Get(recordCA, caCertID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotCA
	}
	if err != nil {
		return fmt.Errorf("loading CA certificate: %w", err)
	}
	cert, err := credential.ParseCertificate(rec.Data)
	if err != nil {
		return fmt.Errorf("loading CA certificate: %w", err)
	}
	if err := ca.loadPassword(false); err != nil {
		return err
	}
	signer, err := ca.loadSigner()
	if err != nil {
		return err
	}
	if !credential.PublicKeysEqual(cert.PublicKey(), signer.Public()) {
		return fmt.Errorf("pki: CA key does not match CA certificate %q", cert.Name())
	}

	if err := ca.crl.Load(cert.X509()); errors.Is(err, storage.ErrNotFound) {
		if err := ca.crl.Generate(ctx, cert.X509(), signer); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if err := ca.ensureInventory(); err != nil {
		return err
	}

	ca.cert = cert.X509()
	ca.signer = signer
	return nil
}

func (ca *CA) loadPassword(create bool) error {
	if ca.password != nil {
		return nil
	}
	rec, err := ca.repo.Get(recordCA, caPassID)
	switch {
	case err == nil:
		pass := bytes.TrimSpace(rec.Data)
		if len(pass) == 0 {
			return fmt.Errorf("reading CA password: %w", util.ErrEmptySecret)
		}
		ca.password = util.NewSecret(pass)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("reading CA password: %w", err)
	case !create:
		return nil
	}

	pass, err := util.RandomPassword(20)
	if err != nil {
		return err
	}
	if err := ca.repo.PutCAS(recordCA, caPassID, 0, []byte(pass)); err != nil {
		return fmt.Errorf("writing CA password: %w", err)
	}
	ca.password = util.NewSecret([]byte(pass))
	return nil
}

func (ca *CA) loadSigner() (crypto.Signer, error) {
	rec, err := ca.repo.Get(recordCA, caKeyID)
	if err != nil {
		return nil, fmt.Errorf("loading CA private key: %w", err)
	}
	var keyID string
	err = util.WithSecret(ca.password, func(pw []byte) error {
		var err error
		keyID, err = ca.keys.ImportPEM(rec.Data, pw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("importing CA key into keystore: %w", err)
	}
	return ca.keys.Signer(keyID)
}

// Setup creates the CA password, key, self-signed certificate and initial
// CRL. It does nothing when the CA certificate already exists. An existing
// key record left by an interrupted setup is reused.
func (ca *CA) Setup(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.cert != nil {
		return nil
	}
	if err := ca.loadLocked(ctx); !errors.Is(err, ErrNotCA) {
		return err
	}
	if err := ca.loadPassword(true); err != nil {
		return err
	}

	signer, err := ca.loadSigner()
	if errors.Is(err, storage.ErrNotFound) {
		signer, err = ca.generateKey()
	}
	if err != nil {
		return err
	}

	// The CA request carries no subjectAltName.
	csr, err := credential.NewRequest(ca.name, signer, credential.RequestOptions{Registry: ca.registry})
	if err != nil {
		return fmt.Errorf("creating CA certificate request: %w", err)
	}
	serial, err := ca.NextSerial(ctx)
	if err != nil {
		return err
	}
	tmpl, err := ca.factory.Build(RoleCA, csr, nil, serial, ca.ttl)
	if err != nil {
		return err
	}
	cert, err := issue(tmpl, tmpl, csr.PublicKey(), signer)
	if err != nil {
		return err
	}

	if err := ca.inventory.Add(cert); err != nil {
		return err
	}
	if err := ca.repo.PutCAS(recordCA, caCertID, 0, credential.NewCertificate(cert).PEM()); err != nil {
		return fmt.Errorf("saving CA certificate: %w", err)
	}
	if err := ca.crl.Generate(ctx, cert, signer); err != nil {
		return err
	}

	ca.cert = cert
	ca.signer = signer
	ca.logger.InfoContext(ctx, "Generated CA certificate", "name", ca.name, "serial", serialString(cert.SerialNumber))
	return nil
}

func (ca *CA) generateKey() (crypto.Signer, error) {
	keyID, err := ca.keys.GenerateKey(ca.keySpec)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	var keyPEM []byte
	err = util.WithSecret(ca.password, func(pw []byte) error {
		var err error
		keyPEM, err = ca.keys.ExportPEM(keyID, pw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exporting CA key: %w", err)
	}
	if err := ca.repo.PutCAS(recordCA, caKeyID, 0, keyPEM); err != nil {
		return nil, fmt.Errorf("saving CA key: %w", err)
	}
	return ca.keys.Signer(keyID)
}

// authority returns the CA certificate and signer.
func (ca *CA) authority() (*x509.Certificate, crypto.Signer, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.cert == nil {
		return nil, nil, ErrNotCA
	}
	return ca.cert, ca.signer, nil
}

// CACertificate returns the CA certificate, or nil before Setup.
func (ca *CA) CACertificate() *credential.Certificate {
	cert, _, err := ca.authority()
	if err != nil {
		return nil
	}
	return credential.NewCertificate(cert).WithRegistry(ca.registry)
}

// ---------------------------------------------------------------------------
// Serial numbers
// ---------------------------------------------------------------------------

// NextSerial returns the next unused serial number and advances the stored
// counter. The counter record holds the next serial in upper-case hex.
func (ca *CA) NextSerial(ctx context.Context) (*big.Int, error) {
	ca.serialMu.Lock()
	defer ca.serialMu.Unlock()

	var serial *big.Int
	err := ca.serialLock.With(ctx, func() error {
		current := big.NewInt(1)
		var version uint64

		rec, err := ca.repo.Get(recordCA, caSerialID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return fmt.Errorf("reading serial: %w", err)
		default:
			version = rec.Version
			if current, err = parseSerial(rec.Data); err != nil {
				return err
			}
		}

		next := new(big.Int).Add(current, big.NewInt(1))
		if err := ca.repo.PutCAS(recordCA, caSerialID, version, []byte(fmt.Sprintf("%04X\n", next))); err != nil {
			return fmt.Errorf("writing serial: %w", err)
		}
		serial = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return serial, nil
}

func parseSerial(data []byte) (*big.Int, error) {
	s := strings.TrimSpace(string(data))
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("pki: invalid serial %q", s)
	}
	return n, nil
}

func serialString(n *big.Int) string {
	return fmt.Sprintf("0x%04X", n)
}

// ---------------------------------------------------------------------------
// Signing
// ---------------------------------------------------------------------------

// SignOptions controls Sign.
type SignOptions struct {
	Role                         Role // defaults to RoleServer
	AllowDNSAltNames             bool
	AllowAuthorizationExtensions bool
}

// Sign issues a certificate for the pending request of host, then removes the
// request. The certificate is added to the inventory before it is saved.
func (ca *CA) Sign(ctx context.Context, host string, opts SignOptions) (*credential.Certificate, error) {
	cacert, signer, err := ca.authority()
	if err != nil {
		return nil, err
	}
	name, err := credential.ValidateName(host)
	if err != nil {
		return nil, err
	}
	csr, err := ca.Request(ctx, name)
	if err != nil {
		return nil, err
	}
	role := opts.Role
	if role == "" {
		role = RoleServer
	}
	if err := ca.checkSigningPolicy(name, csr, opts); err != nil {
		ca.logger.WarnContext(ctx, "Refusing to sign certificate request", "host", name, "error", err)
		return nil, err
	}

	serial, err := ca.NextSerial(ctx)
	if err != nil {
		return nil, err
	}
	tmpl, err := ca.factory.Build(role, csr, cacert, serial, ca.ttl)
	if err != nil {
		return nil, err
	}
	cert, err := issue(tmpl, cacert, csr.PublicKey(), signer)
	if err != nil {
		return nil, err
	}
	if err := ca.store(ctx, name, cert); err != nil {
		return nil, err
	}
	if err := ca.repo.Delete(recordRequest, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("removing certificate request for %s: %w", name, err)
	}

	ca.logger.InfoContext(ctx, fmt.Sprintf("Signed certificate request for %s", name), "serial", serialString(cert.SerialNumber), "role", string(role))
	return credential.NewCertificate(cert).WithRegistry(ca.registry), nil
}

// store records cert in the inventory and then saves it.
func (ca *CA) store(_ context.Context, name string, cert *x509.Certificate) error {
	if err := ca.inventory.Add(cert); err != nil {
		return err
	}
	if err := ca.repo.Put(recordSigned, name, credential.NewCertificate(cert).PEM()); err != nil {
		return fmt.Errorf("saving certificate for %s: %w", name, err)
	}
	return nil
}

func issue(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	tmpl.SignatureAlgorithm = signatureAlgorithm(signer)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed certificate: %w", err)
	}
	return cert, nil
}

func signatureAlgorithm(signer crypto.Signer) x509.SignatureAlgorithm {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	}
	return x509.UnknownSignatureAlgorithm
}

// SubmitRequest stores csr as pending and then applies the autosign setting.
// It reports whether the request was signed.
func (ca *CA) SubmitRequest(ctx context.Context, csr *credential.Request) (bool, error) {
	name, err := credential.ValidateName(csr.Name())
	if err != nil {
		return false, err
	}
	if err := ca.provider.VerifyRequest(csr, csr.PublicKey()); err != nil {
		return false, err
	}

	if _, err := ca.repo.Get(recordSigned, name); err == nil {
		return false, fmt.Errorf("%w for %s", ErrCertificateExists, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	existing, err := ca.Request(ctx, name)
	switch {
	case err == nil:
		if !bytes.Equal(existing.DER(), csr.DER()) {
			return false, fmt.Errorf("%w for %s", ErrRequestExists, name)
		}
	case errors.Is(err, ErrRequestNotFound):
		if err := ca.repo.Put(recordRequest, name, csr.PEM()); err != nil {
			return false, fmt.Errorf("saving certificate request for %s: %w", name, err)
		}
		ca.logger.InfoContext(ctx, fmt.Sprintf("%s has a waiting certificate request", name))
	default:
		return false, err
	}

	return ca.Autosign(ctx, csr)
}

// Renew re-issues cert, a certificate this authority signed, with the same
// subject, public key and extensions.
func (ca *CA) Renew(ctx context.Context, cert *x509.Certificate) (*credential.Certificate, error) {
	if !ca.allowRenewal {
		return nil, ErrRenewalDisabled
	}
	cacert, signer, err := ca.authority()
	if err != nil {
		return nil, err
	}
	name, err := credential.ValidateName(cert.Subject.CommonName)
	if err != nil {
		return nil, err
	}
	if err := ca.verifyCert(cacert, cert); err != nil {
		return nil, err
	}

	serial, err := ca.NextSerial(ctx)
	if err != nil {
		return nil, err
	}
	tmpl, err := ca.factory.Renew(RoleServer, cert, cacert, serial, ca.ttl)
	if err != nil {
		return nil, err
	}
	renewed, err := issue(tmpl, cacert, cert.PublicKey, signer)
	if err != nil {
		return nil, err
	}
	if err := ca.store(ctx, name, renewed); err != nil {
		return nil, err
	}
	ca.logger.InfoContext(ctx, fmt.Sprintf("Renewed certificate for %s", name), "serial", serialString(renewed.SerialNumber))
	return credential.NewCertificate(renewed).WithRegistry(ca.registry), nil
}

// ---------------------------------------------------------------------------
// Revocation and verification
// ---------------------------------------------------------------------------

// Revoke revokes the certificate of name. The serial comes from the stored
// certificate or, failing that, the last inventory entry for name.
func (ca *CA) Revoke(ctx context.Context, name string, reason int) error {
	if _, _, err := ca.authority(); err != nil {
		return err
	}
	name, err := credential.ValidateName(name)
	if err != nil {
		return err
	}

	var serial *big.Int
	cert, err := ca.Certificate(ctx, name)
	switch {
	case err == nil:
		serial = cert.Serial()
	case errors.Is(err, ErrCertNotFound):
		serials, err := ca.inventory.Serials(name)
		if err != nil {
			return err
		}
		if len(serials) == 0 {
			return fmt.Errorf("%w for %s", ErrUnknownSerial, name)
		}
		serial = serials[len(serials)-1]
	default:
		return err
	}
	return ca.RevokeSerial(ctx, serial, reason)
}

// RevokeSerial adds serial to the CRL.
func (ca *CA) RevokeSerial(ctx context.Context, serial *big.Int, reason int) error {
	_, signer, err := ca.authority()
	if err != nil {
		return err
	}
	if err := ca.crl.Revoke(ctx, serial, signer, reason); err != nil {
		return err
	}
	ca.logger.InfoContext(ctx, fmt.Sprintf("Revoked certificate with serial %s", serialString(serial)), "reason", reason)
	return nil
}

// CRL returns the stored CRL.
func (ca *CA) CRL(_ context.Context) (*credential.CRL, error) {
	if _, _, err := ca.authority(); err != nil {
		return nil, err
	}
	return ca.crl.Current()
}

// Verify checks the certificate of name against the CA certificate and, when
// revocation is on, the CRL. Failures are *CertificateVerificationError.
func (ca *CA) Verify(ctx context.Context, name string) error {
	cacert, _, err := ca.authority()
	if err != nil {
		return err
	}
	cert, err := ca.Certificate(ctx, name)
	if err != nil {
		return err
	}
	return ca.verifyCert(cacert, cert.X509())
}

func (ca *CA) verifyCert(cacert, cert *x509.Certificate) error {
	var crls []*x509.RevocationList
	if ca.revocation != ssl.RevocationOff {
		crl, err := ca.crl.Current()
		if err != nil {
			return err
		}
		crls = append(crls, crl.X509())
	}
	sslctx, err := ca.provider.Root([]*x509.Certificate{cacert}, crls, ca.revocation)
	if err == nil {
		_, err = sslctx.Verify(cert)
	}
	if err != nil {
		code := ssl.VerifyUnspecified
		var verr *ssl.CertVerifyError
		if errors.As(err, &verr) {
			code = verr.Code
		}
		return &CertificateVerificationError{Code: code, Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queries and housekeeping
// ---------------------------------------------------------------------------

// List returns the names of all signed certificates, sorted.
func (ca *CA) List(_ context.Context) ([]string, error) {
	return ca.repo.List(recordSigned)
}

// Waiting returns the names of all pending requests, sorted.
func (ca *CA) Waiting(_ context.Context) ([]string, error) {
	return ca.repo.List(recordRequest)
}

// Certificate returns the signed certificate of name. The name "ca" returns
// the CA certificate.
func (ca *CA) Certificate(_ context.Context, name string) (*credential.Certificate, error) {
	name, err := credential.ValidateName(name)
	if err != nil {
		return nil, err
	}
	if name == CAName {
		if cert := ca.CACertificate(); cert != nil {
			return cert, nil
		}
		return nil, ErrNotCA
	}
	rec, err := ca.repo.Get(recordSigned, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w for %s", ErrCertNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	cert, err := credential.ParseCertificate(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate for %s: %v", ErrInvalidPEM, name, err)
	}
	return cert.WithRegistry(ca.registry), nil
}

// Request returns the pending request of name.
func (ca *CA) Request(_ context.Context, name string) (*credential.Request, error) {
	name, err := credential.ValidateName(name)
	if err != nil {
		return nil, err
	}
	rec, err := ca.repo.Get(recordRequest, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w for %s", ErrRequestNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	csr, err := credential.ParseRequest(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: request for %s: %v", ErrInvalidPEM, name, err)
	}
	return csr.WithRegistry(ca.registry), nil
}

// Fingerprint digests the certificate of name, or its pending request when
// no certificate exists.
func (ca *CA) Fingerprint(ctx context.Context, name, digest string) (string, error) {
	cert, err := ca.Certificate(ctx, name)
	if err == nil {
		return cert.Fingerprint(digest)
	}
	if !errors.Is(err, ErrCertNotFound) {
		return "", err
	}
	csr, err := ca.Request(ctx, name)
	if errors.Is(err, ErrRequestNotFound) {
		return "", fmt.Errorf("could not find a certificate or csr for %s: %w", name, ErrCertNotFound)
	}
	if err != nil {
		return "", err
	}
	return credential.Digest(digest, csr.DER())
}

// Generate creates a key and request for name on the CA side and signs it.
// The caller owns the returned key.
func (ca *CA) Generate(ctx context.Context, name string, dnsAltNames []string) (*credential.Certificate, crypto.Signer, error) {
	if _, _, err := ca.authority(); err != nil {
		return nil, nil, err
	}
	name, err := credential.ValidateName(name)
	if err != nil {
		return nil, nil, err
	}
	if _, err := ca.repo.Get(recordSigned, name); err == nil {
		return nil, nil, fmt.Errorf("%w for %s", ErrCertificateExists, name)
	}

	key, err := credential.GenerateKey(ca.keySpec)
	if err != nil {
		return nil, nil, err
	}
	csr, err := credential.NewRequest(name, key, credential.RequestOptions{DNSAltNames: dnsAltNames, Registry: ca.registry})
	if err != nil {
		return nil, nil, err
	}
	if err := ca.repo.Put(recordRequest, name, csr.PEM()); err != nil {
		return nil, nil, fmt.Errorf("saving certificate request for %s: %w", name, err)
	}
	cert, err := ca.Sign(ctx, name, SignOptions{AllowDNSAltNames: len(dnsAltNames) > 0})
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// Clean revokes the certificate of name, if any, and deletes both the
// certificate and any pending request.
func (ca *CA) Clean(ctx context.Context, name string) error {
	name, err := credential.ValidateName(name)
	if err != nil {
		return err
	}

	found := false
	if _, err := ca.repo.Get(recordSigned, name); err == nil {
		found = true
		if err := ca.Revoke(ctx, name, DefaultRevocationReason); err != nil {
			return err
		}
		if err := ca.repo.Delete(recordSigned, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if err := ca.repo.Delete(recordRequest, name); err == nil {
		found = true
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if !found {
		return fmt.Errorf("%w for %s", ErrCertNotFound, name)
	}
	ca.logger.InfoContext(ctx, fmt.Sprintf("Removed files for %s", name))
	return nil
}
