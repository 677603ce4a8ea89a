// Package bootstrap drives a host from no credentials to a verified mutual
// TLS identity: CA bundle, CRLs, private key, CSR, signed certificate.
//
// Every step returns the next State. Network and filesystem failures become
// Error states, which wait and start over unless the machine runs once.
package bootstrap

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/lockfile"
	"github.com/jmcleod/trustline/internal/util"
	"github.com/jmcleod/trustline/internal/uuid"
	"github.com/jmcleod/trustline/routes"
	"github.com/jmcleod/trustline/ssl"
)

// CAName is the certificate name under which the CA bundle is served.
const CAName = "ca"

// CredentialStore loads and saves the host's trust material.
type CredentialStore interface {
	LoadCACerts() ([]*x509.Certificate, error)
	SaveCACerts(certs []*x509.Certificate) error
	LoadCRLs() ([]*x509.RevocationList, error)
	SaveCRLs(crls []*x509.RevocationList) error
	CALastUpdate() time.Time
	SetCALastUpdate(t time.Time) error
	CRLLastUpdate() time.Time
	SetCRLLastUpdate(t time.Time) error
	LoadPrivateKeyPassword() (*memguard.Enclave, error)
	LoadPrivateKey(name string, password *memguard.Enclave) (crypto.Signer, error)
	SavePrivateKey(name string, key crypto.Signer, password *memguard.Enclave) error
	LoadClientCert(name string) (*x509.Certificate, error)
	SaveClientCert(name string, cert *x509.Certificate) error
	CreateRequest(name string, key crypto.Signer) (*credential.Request, error)
	SaveRequest(name string, csr *credential.Request) error
	DeleteRequest(name string) (bool, error)
}

// Routes is the CA's remote API. Non-2xx responses are *routes.ResponseError.
type Routes interface {
	GetCertificate(ctx context.Context, name string, sslctx *ssl.Context, ifModifiedSince time.Time) ([]byte, error)
	GetCRL(ctx context.Context, sslctx *ssl.Context, ifModifiedSince time.Time) ([]byte, error)
	PutCertificateRequest(ctx context.Context, name string, csrPEM []byte, sslctx *ssl.Context) error
	PostCertificateRenewal(ctx context.Context, sslctx *ssl.Context) ([]byte, error)
}

// Config holds the settings the machine reads.
type Config struct {
	Certname string

	// WaitForCert is the pause between attempts. Below one second the
	// machine exits instead of waiting.
	WaitForCert time.Duration
	// MaxWaitForCert bounds the total wait. Zero means unlimited.
	MaxWaitForCert time.Duration
	// OneTime returns the first error instead of waiting.
	OneTime bool

	KeySpec    credential.KeySpec
	Revocation ssl.Revocation

	// CAFingerprint, when set, must match the digest of the downloaded CA
	// bundle.
	CAFingerprint string
	Digest        string

	CARefreshInterval  time.Duration
	CRLRefreshInterval time.Duration
	// RenewalInterval renews the host certificate this long before it
	// expires. Zero disables renewal.
	RenewalInterval time.Duration

	// LockPath is the file locked for the duration of a run.
	LockPath string
}

// Machine runs the bootstrap protocol.
type Machine struct {
	cfg    Config
	store  CredentialStore
	routes Routes
	ssl    *ssl.Provider
	lock   *lockfile.Lock
	logger *slog.Logger
	stdout io.Writer
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	deadline time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger for state transitions and progress messages.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStdout sets where user-facing hints are written.
func WithStdout(w io.Writer) Option {
	return func(m *Machine) {
		if w != nil {
			m.stdout = w
		}
	}
}

// WithClock sets the time source for refresh intervals and wait deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep replaces the function used by Wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Machine) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithSSLProvider sets the provider that builds SSL contexts.
func WithSSLProvider(p *ssl.Provider) Option {
	return func(m *Machine) {
		if p != nil {
			m.ssl = p
		}
	}
}

// New returns a Machine. Certname and LockPath are required.
func New(cfg Config, store CredentialStore, r Routes, opts ...Option) (*Machine, error) {
	if cfg.Certname == "" {
		return nil, errors.New("bootstrap: certname is required")
	}
	if cfg.LockPath == "" {
		return nil, errors.New("bootstrap: lock path is required")
	}
	if store == nil || r == nil {
		return nil, errors.New("bootstrap: credential store and routes are required")
	}
	certname, err := credential.ValidateName(cfg.Certname)
	if err != nil {
		return nil, err
	}
	cfg.Certname = certname
	if cfg.Digest == "" {
		cfg.Digest = "SHA256"
	}

	m := &Machine{
		cfg:    cfg,
		store:  store,
		routes: r,
		lock:   lockfile.New(cfg.LockPath),
		logger: slog.Default(),
		stdout: os.Stdout,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ssl == nil {
		m.ssl = ssl.NewProvider(ssl.WithLogger(m.logger), ssl.WithClock(m.now))
	}
	m.logger = m.logger.With("component", "bootstrap")
	return m, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureCACertificates runs until the CA bundle and CRLs are in place and
// returns the root context.
func (m *Machine) EnsureCACertificates(ctx context.Context) (*ssl.Context, error) {
	final, err := m.run(ctx, func(s State) bool {
		_, ok := s.(NeedKey)
		return ok
	})
	if err != nil {
		return nil, err
	}
	return final.(NeedKey).Ctx, nil
}

// EnsureClientCertificate runs until the host has a verified certificate
// and returns the mutual TLS context.
func (m *Machine) EnsureClientCertificate(ctx context.Context) (*ssl.Context, error) {
	final, err := m.run(ctx, func(s State) bool {
		_, ok := s.(Done)
		return ok
	})
	if err != nil {
		return nil, err
	}
	sslctx := final.(Done).Ctx
	m.ssl.Print(ctx, sslctx, m.cfg.Digest)
	return sslctx, nil
}

func (m *Machine) run(ctx context.Context, stop func(State) bool) (State, error) {
	if err := m.lock.TryLock(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockHeld, err)
	}
	defer m.lock.Unlock() //nolint:errcheck

	log := m.logger.With("run", uuid.New())
	if m.cfg.MaxWaitForCert > 0 {
		m.deadline = m.now().Add(m.cfg.MaxWaitForCert)
	} else {
		m.deadline = time.Time{}
	}

	var state State = NeedCACerts{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prev := state
		state = m.Next(ctx, state)
		log.DebugContext(ctx, "state transition", "from", Name(prev), "to", Name(state))

		switch s := state.(type) {
		case Exit:
			return nil, s.Err
		case Error:
			if m.cfg.OneTime {
				log.ErrorContext(ctx, s.Message, "error", s.Err)
				return nil, &StateError{State: Name(prev), Message: s.Message, Err: s.Err}
			}
		}
		if stop(state) {
			return state, nil
		}
	}
}

// Next performs one step and returns the following state. A panic inside a
// step becomes an Error state.
func (m *Machine) Next(ctx context.Context, s State) (next State) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s: %v", Name(s), r)
			next = Error{Message: err.Error(), Err: err}
		}
	}()

	switch s := s.(type) {
	case NeedCACerts:
		return m.needCACerts(ctx)
	case NeedCRLs:
		return m.needCRLs(ctx, s)
	case NeedKey:
		return m.needKey(ctx, s)
	case NeedSubmitCSR:
		return m.needSubmitCSR(ctx, s)
	case NeedCert:
		return m.needCert(ctx, s)
	case NeedRenewedCert:
		return m.needRenewedCert(ctx, s)
	case Wait:
		return m.wait(ctx)
	case Error:
		m.logger.ErrorContext(ctx, s.Message, "error", s.Err)
		return Wait{}
	case Done, Exit:
		return s
	}
	err := fmt.Errorf("unknown state %T", s)
	return Error{Message: err.Error(), Err: err}
}

func toError(err error) Error {
	return Error{Message: err.Error(), Err: err}
}

// fetchFailure maps a Routes error to an Error state: notFound for a 404,
// otherwise format applied to the error message.
func fetchFailure(err error, notFound, format string) Error {
	if routes.IsStatus(err, http.StatusNotFound) {
		return Error{Message: notFound, Err: err}
	}
	return Error{Message: fmt.Sprintf(format, err.Error()), Err: err}
}

func (m *Machine) needsRefresh(last time.Time, interval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	if interval <= 0 {
		return false
	}
	return m.now().After(last.Add(interval))
}

func (m *Machine) hexDigest(data []byte) string {
	d, err := credential.Digest(m.cfg.Digest, data)
	if err != nil {
		return err.Error()
	}
	return d
}

func (m *Machine) needCACerts(ctx context.Context) State {
	m.logger.DebugContext(ctx, "Loading CA certs")

	cacerts, err := m.store.LoadCACerts()
	if err != nil {
		return toError(err)
	}
	if cacerts != nil {
		next, err := m.ssl.Root(cacerts, nil, ssl.RevocationOff)
		if err != nil {
			return toError(err)
		}
		force := false
		if last := m.store.CALastUpdate(); m.needsRefresh(last, m.cfg.CARefreshInterval) {
			next, force, err = m.refreshCA(ctx, next, last)
			if err != nil {
				return toError(err)
			}
		}
		return NeedCRLs{Ctx: next, ForceRefresh: force}
	}

	pem, err := m.routes.GetCertificate(ctx, CAName, m.ssl.Insecure(), time.Time{})
	if err != nil {
		return fetchFailure(err, "CA certificate is missing from the server", "Could not download CA certificate: %s")
	}
	if m.cfg.CAFingerprint != "" {
		if st, ok := m.checkFingerprint(ctx, pem); !ok {
			return st
		}
	}
	cacerts, err = credential.ParseCertificates(pem)
	if err != nil {
		return toError(err)
	}
	next, err := m.ssl.Root(cacerts, nil, ssl.RevocationOff)
	if err != nil {
		return toError(err)
	}
	if err := m.store.SaveCACerts(cacerts); err != nil {
		return toError(err)
	}
	return NeedCRLs{Ctx: next}
}

func (m *Machine) checkFingerprint(ctx context.Context, pem []byte) (State, bool) {
	actual := m.hexDigest(pem)
	expected := util.NormalizeFingerprint(m.cfg.CAFingerprint)
	if util.NormalizeFingerprint(actual) == expected {
		m.logger.InfoContext(ctx, fmt.Sprintf("Verified CA bundle with digest (%s) %s", credential.DigestName(m.cfg.Digest), actual))
		return nil, true
	}
	if raw, err := util.HexDecode(expected); err == nil {
		expected = util.ColonHex(raw)
	}
	msg := fmt.Sprintf("CA bundle with digest (%s) %s did not match expected digest %s", credential.DigestName(m.cfg.Digest), actual, expected)
	return Error{Message: msg, Err: fmt.Errorf("%w: %s", ErrFingerprintMismatch, msg)}, false
}

// refreshCA downloads the CA bundle if it changed since last. A refresh
// that fails to download keeps cur; the bool reports whether the bundle was
// replaced.
func (m *Machine) refreshCA(ctx context.Context, cur *ssl.Context, last time.Time) (*ssl.Context, bool, error) {
	m.logger.InfoContext(ctx, "Refreshing CA certificate")

	pem, err := m.routes.GetCertificate(ctx, CAName, cur, last)
	if err != nil {
		m.keepExisting(ctx, err, "CA certificate is unmodified, using existing CA certificate", "Failed to refresh CA certificate, using existing CA certificate: %s")
		return cur, false, nil
	}
	cacerts, err := credential.ParseCertificates(pem)
	if err != nil {
		return nil, false, err
	}
	next, err := m.ssl.Root(cacerts, nil, ssl.RevocationOff)
	if err != nil {
		return nil, false, err
	}
	if err := m.store.SaveCACerts(cacerts); err != nil {
		return nil, false, err
	}
	m.logger.InfoContext(ctx, fmt.Sprintf("Refreshed CA certificate: %s", m.hexDigest(pem)))
	if err := m.store.SetCALastUpdate(m.now()); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// keepExisting logs why a refresh kept the cached material.
func (m *Machine) keepExisting(ctx context.Context, err error, unmodified, failed string) {
	var re *routes.ResponseError
	switch {
	case routes.IsStatus(err, http.StatusNotModified):
		m.logger.InfoContext(ctx, unmodified)
	case errors.As(err, &re):
		m.logger.InfoContext(ctx, fmt.Sprintf(failed, err.Error()))
	default:
		m.logger.WarnContext(ctx, fmt.Sprintf(failed, err.Error()))
	}
}

func (m *Machine) needCRLs(ctx context.Context, s NeedCRLs) State {
	m.logger.DebugContext(ctx, "Loading CRLs")

	if m.cfg.Revocation == ssl.RevocationOff {
		m.logger.InfoContext(ctx, "Certificate revocation is disabled, skipping CRL download")
		next, err := m.ssl.Root(s.Ctx.CACerts(), nil, ssl.RevocationOff)
		if err != nil {
			return toError(err)
		}
		return NeedKey{Ctx: next}
	}

	crls, err := m.store.LoadCRLs()
	if err != nil {
		return toError(err)
	}
	if crls == nil {
		next, err := m.downloadCRL(ctx, s.Ctx, time.Time{})
		var fe *fetchError
		if errors.As(err, &fe) {
			return fetchFailure(fe.err, "CRL is missing from the server", "Could not download CRLs: %s")
		}
		if err != nil {
			return toError(err)
		}
		return NeedKey{Ctx: next}
	}

	next, err := m.ssl.Root(s.Ctx.CACerts(), crls, m.cfg.Revocation)
	if err != nil {
		return toError(err)
	}
	if last := m.store.CRLLastUpdate(); s.ForceRefresh || m.needsRefresh(last, m.cfg.CRLRefreshInterval) {
		m.logger.InfoContext(ctx, "Refreshing CRL")
		refreshed, err := m.downloadCRL(ctx, next, last)
		var fe *fetchError
		switch {
		case errors.As(err, &fe):
			m.keepExisting(ctx, fe.err, "CRL is unmodified, using existing CRL", "Failed to refresh CRL, using existing CRL: %s")
		case err != nil:
			return toError(err)
		default:
			if err := m.store.SetCRLLastUpdate(m.now()); err != nil {
				return toError(err)
			}
			next = refreshed
		}
	}
	return NeedKey{Ctx: next}
}

func (m *Machine) downloadCRL(ctx context.Context, sslctx *ssl.Context, last time.Time) (*ssl.Context, error) {
	pem, err := m.routes.GetCRL(ctx, sslctx, last)
	if err != nil {
		return nil, &fetchError{err: err}
	}
	crls, err := credential.ParseCRLs(pem)
	if err != nil {
		return nil, err
	}
	next, err := m.ssl.Root(sslctx.CACerts(), crls, m.cfg.Revocation)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveCRLs(crls); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, fmt.Sprintf("Refreshed CRL: %s", m.hexDigest(pem)))
	return next, nil
}

func (m *Machine) needKey(ctx context.Context, s NeedKey) State {
	m.logger.DebugContext(ctx, "Loading/generating private key")
	name := m.cfg.Certname

	password, err := m.store.LoadPrivateKeyPassword()
	if err != nil {
		return toError(err)
	}
	key, err := m.store.LoadPrivateKey(name, password)
	if err != nil {
		return toError(err)
	}

	if key != nil {
		cert, err := m.store.LoadClientCert(name)
		if err != nil {
			return toError(err)
		}
		if cert != nil {
			next, err := m.ssl.Context(s.Ctx.CACerts(), s.Ctx.CRLs(), key, cert, m.cfg.Revocation)
			if err != nil {
				return toError(err)
			}
			if m.needsRenewal(cert) {
				return NeedRenewedCert{Ctx: next, Key: key}
			}
			return Done{Ctx: next}
		}
		return NeedSubmitCSR{Ctx: s.Ctx, Key: key}
	}

	if m.cfg.KeySpec.Type == credential.KeyTypeEC {
		curve := m.cfg.KeySpec.Curve
		if curve == "" {
			curve = credential.DefaultCurve
		}
		m.logger.InfoContext(ctx, fmt.Sprintf("Creating a new EC SSL key for %s using curve %s", name, curve))
	} else {
		m.logger.InfoContext(ctx, fmt.Sprintf("Creating a new RSA SSL key for %s", name))
	}
	key, err = credential.GenerateKey(m.cfg.KeySpec)
	if err != nil {
		return toError(err)
	}
	if err := m.store.SavePrivateKey(name, key, password); err != nil {
		return toError(err)
	}
	return NeedSubmitCSR{Ctx: s.Ctx, Key: key}
}

func (m *Machine) needsRenewal(cert *x509.Certificate) bool {
	if m.cfg.RenewalInterval <= 0 {
		return false
	}
	return !m.now().Before(cert.NotAfter.Add(-m.cfg.RenewalInterval))
}

func (m *Machine) needSubmitCSR(ctx context.Context, s NeedSubmitCSR) State {
	m.logger.DebugContext(ctx, "Generating and submitting a CSR")
	name := m.cfg.Certname

	csr, err := m.store.CreateRequest(name, s.Key)
	if err != nil {
		return toError(err)
	}
	if err := m.ssl.VerifyRequest(csr, s.Key.Public()); err != nil {
		return toError(err)
	}
	err = m.routes.PutCertificateRequest(ctx, name, csr.PEM(), s.Ctx)
	var re *routes.ResponseError
	switch {
	case routes.IsStatus(err, http.StatusBadRequest):
		// The CA may already hold a request or certificate for this host.
		m.logger.DebugContext(ctx, "CSR submission rejected, checking for a certificate", "error", err)
		return NeedCert{Ctx: s.Ctx, Key: s.Key}
	case errors.As(err, &re):
		return Error{Message: fmt.Sprintf("Failed to submit the CSR, HTTP response was %d", re.StatusCode), Err: err}
	case err != nil:
		return toError(err)
	}
	if err := m.store.SaveRequest(name, csr); err != nil {
		return toError(err)
	}
	return NeedCert{Ctx: s.Ctx, Key: s.Key}
}

func (m *Machine) needCert(ctx context.Context, s NeedCert) State {
	m.logger.DebugContext(ctx, "Downloading client certificate")
	name := m.cfg.Certname

	pem, err := m.routes.GetCertificate(ctx, name, s.Ctx, time.Time{})
	if err != nil {
		if routes.IsStatus(err, http.StatusNotFound) {
			m.logger.InfoContext(ctx, fmt.Sprintf("Certificate for %s has not been signed yet", name))
			fmt.Fprintf(m.stdout, "Couldn't fetch certificate from CA server; you might still need to sign this agent's certificate (%s).\n", name)
			return Wait{}
		}
		return Error{Message: fmt.Sprintf("Failed to retrieve certificate for %s: %s", name, err.Error()), Err: err}
	}
	cert, err := credential.ParseCertificate(pem)
	if err != nil {
		return Error{Message: fmt.Sprintf("Failed to parse certificate: %s", err.Error()), Err: err}
	}
	if u, ok := m.routes.(interface{ BaseURL() string }); ok {
		m.logger.InfoContext(ctx, fmt.Sprintf("Downloaded certificate for %s from %s", name, u.BaseURL()))
	} else {
		m.logger.InfoContext(ctx, fmt.Sprintf("Downloaded certificate for %s", name))
	}

	next, err := m.ssl.Context(s.Ctx.CACerts(), s.Ctx.CRLs(), s.Key, cert.X509(), m.cfg.Revocation)
	if err != nil {
		return toError(err)
	}
	if err := m.store.SaveClientCert(name, cert.X509()); err != nil {
		return toError(err)
	}
	if _, err := m.store.DeleteRequest(name); err != nil {
		return toError(err)
	}
	return Done{Ctx: next}
}

func (m *Machine) needRenewedCert(ctx context.Context, s NeedRenewedCert) State {
	m.logger.DebugContext(ctx, "Renewing client certificate")

	pem, err := m.routes.PostCertificateRenewal(ctx, s.Ctx)
	if err != nil {
		var re *routes.ResponseError
		switch {
		case routes.IsStatus(err, http.StatusNotFound):
			m.logger.InfoContext(ctx, "Certificate autorenewal has not been enabled on the server.")
		case errors.As(err, &re):
			m.logger.WarnContext(ctx, fmt.Sprintf("Failed to automatically renew certificate: %d %s", re.StatusCode, http.StatusText(re.StatusCode)))
		default:
			m.logger.WarnContext(ctx, fmt.Sprintf("Unable to automatically renew certificate: %s", err))
		}
		return Done{Ctx: s.Ctx}
	}

	next, cert, err := m.renewed(pem, s)
	if err != nil {
		m.logger.WarnContext(ctx, fmt.Sprintf("Unable to automatically renew certificate: %s", err))
		return Done{Ctx: s.Ctx}
	}
	m.logger.InfoContext(ctx, fmt.Sprintf("Renewed client certificate: %s, not before '%s', not after '%s'",
		m.hexDigest(pem), cert.NotBefore.UTC(), cert.NotAfter.UTC()))
	return Done{Ctx: next}
}

func (m *Machine) renewed(pem []byte, s NeedRenewedCert) (*ssl.Context, *x509.Certificate, error) {
	parsed, err := credential.ParseCertificate(pem)
	if err != nil {
		return nil, nil, err
	}
	cert := parsed.X509()
	next, err := m.ssl.Context(s.Ctx.CACerts(), s.Ctx.CRLs(), s.Key, cert, m.cfg.Revocation)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.SaveClientCert(m.cfg.Certname, cert); err != nil {
		return nil, nil, err
	}
	return next, cert, nil
}

func (m *Machine) wait(ctx context.Context) State {
	if m.cfg.WaitForCert < time.Second {
		return m.exit("Exiting now because the waitforcert setting is set to 0.")
	}
	if !m.deadline.IsZero() && m.now().After(m.deadline) {
		return m.exit(fmt.Sprintf("Couldn't fetch certificate from CA server; you might still need to sign this agent's certificate (%s). Exiting now because the maxwaitforcert timeout has been exceeded.", m.cfg.Certname))
	}
	m.logger.InfoContext(ctx, fmt.Sprintf("Will try again in %d seconds.", int(m.cfg.WaitForCert/time.Second)))
	if err := m.sleep(ctx, m.cfg.WaitForCert); err != nil {
		return toError(err)
	}
	// The ssldir may have changed while sleeping.
	return NeedCACerts{}
}

func (m *Machine) exit(msg string) State {
	fmt.Fprintln(m.stdout, msg)
	return Exit{Err: &ExitError{Code: 1, Message: msg}}
}
