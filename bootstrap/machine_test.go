package bootstrap_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustline/bootstrap"
	"github.com/jmcleod/trustline/certprovider"
	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/lockfile"
	"github.com/jmcleod/trustline/internal/util"
	"github.com/jmcleod/trustline/pki"
	"github.com/jmcleod/trustline/routes"
	"github.com/jmcleod/trustline/ssl"
	"github.com/jmcleod/trustline/storage/memory"
)

const agent = "agent.example.com"

// fakeRoutes serves the remote API straight from an in-process CA.
type fakeRoutes struct {
	ca *pki.CA

	mu         sync.Mutex
	calls      []string
	caStatus   int
	caPEM      []byte
	crlStatus  int
	putStatus  int
	certStatus int
	panicOnCRL bool
}

func (f *fakeRoutes) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRoutes) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRoutes) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func status(code int, msg string) error {
	return &routes.ResponseError{StatusCode: code, Message: msg}
}

func (f *fakeRoutes) GetCertificate(ctx context.Context, name string, _ *ssl.Context, _ time.Time) ([]byte, error) {
	f.record("GET certificate/" + name)
	if name == bootstrap.CAName {
		if f.caStatus != 0 {
			return nil, status(f.caStatus, "")
		}
		if f.caPEM != nil {
			return f.caPEM, nil
		}
		return f.ca.CACertificate().PEM(), nil
	}
	if f.certStatus != 0 {
		return nil, status(f.certStatus, "")
	}
	cert, err := f.ca.Certificate(ctx, name)
	if errors.Is(err, pki.ErrCertNotFound) {
		return nil, status(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return nil, err
	}
	return cert.PEM(), nil
}

func (f *fakeRoutes) GetCRL(ctx context.Context, _ *ssl.Context, _ time.Time) ([]byte, error) {
	f.record("GET certificate_revocation_list/ca")
	if f.panicOnCRL {
		panic("crl exploded")
	}
	if f.crlStatus != 0 {
		return nil, status(f.crlStatus, "")
	}
	crl, err := f.ca.CRL(ctx)
	if err != nil {
		return nil, err
	}
	return crl.PEM(), nil
}

func (f *fakeRoutes) PutCertificateRequest(ctx context.Context, name string, pem []byte, _ *ssl.Context) error {
	f.record("PUT certificate_request/" + name)
	if f.putStatus != 0 {
		return status(f.putStatus, "")
	}
	csr, err := credential.ParseRequest(pem)
	if err != nil {
		return status(http.StatusBadRequest, err.Error())
	}
	if _, err := f.ca.SubmitRequest(ctx, csr); err != nil {
		return status(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (f *fakeRoutes) PostCertificateRenewal(ctx context.Context, sslctx *ssl.Context) ([]byte, error) {
	f.record("POST certificate_renewal")
	cert, err := f.ca.Renew(ctx, sslctx.ClientCert())
	if errors.Is(err, pki.ErrRenewalDisabled) {
		return nil, status(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return nil, status(http.StatusBadRequest, err.Error())
	}
	return cert.PEM(), nil
}

type harness struct {
	t      *testing.T
	ca     *pki.CA
	routes *fakeRoutes
	store  *certprovider.Provider
	ssldir string
	stdout *bytes.Buffer
	logs   *bytes.Buffer
}

func newHarness(t *testing.T, mutate ...func(*pki.Options)) *harness {
	t.Helper()
	opts := pki.Options{
		Repo:     memory.NewRepository(),
		LockDir:  t.TempDir(),
		Certname: "ca.example.com",
		KeySpec:  credential.KeySpec{Type: credential.KeyTypeEC},
	}
	for _, m := range mutate {
		m(&opts)
	}
	ca, err := pki.New(t.Context(), opts)
	require.NoError(t, err)
	require.NoError(t, ca.Setup(t.Context()))

	ssldir := t.TempDir()
	store, err := certprovider.New(certprovider.Options{SSLDir: ssldir})
	require.NoError(t, err)

	return &harness{
		t:      t,
		ca:     ca,
		routes: &fakeRoutes{ca: ca},
		store:  store,
		ssldir: ssldir,
		stdout: &bytes.Buffer{},
		logs:   &bytes.Buffer{},
	}
}

func (h *harness) machine(mutate func(*bootstrap.Config), opts ...bootstrap.Option) *bootstrap.Machine {
	h.t.Helper()
	cfg := bootstrap.Config{
		Certname:           agent,
		KeySpec:            credential.KeySpec{Type: credential.KeyTypeEC},
		Revocation:         ssl.RevocationChain,
		CARefreshInterval:  24 * time.Hour,
		CRLRefreshInterval: 24 * time.Hour,
		LockPath:           filepath.Join(h.ssldir, "ssl.lock"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]bootstrap.Option{bootstrap.WithLogger(logger), bootstrap.WithStdout(h.stdout)}, opts...)
	m, err := bootstrap.New(cfg, h.store, h.routes, opts...)
	require.NoError(h.t, err)
	return m
}

// bootstrapped runs a full bootstrap against an autosigning CA and clears the
// recorded calls.
func bootstrapped(t *testing.T, mutate ...func(*pki.Options)) *harness {
	t.Helper()
	mutate = append([]func(*pki.Options){func(o *pki.Options) { o.Autosign = "true" }}, mutate...)
	h := newHarness(t, mutate...)
	_, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	h.routes.reset()
	return h
}

func TestFreshHostWithUnsignedCertificateWaits(t *testing.T) {
	h := newHarness(t)
	m := h.machine(nil)

	sslctx, err := m.EnsureClientCertificate(t.Context())
	require.Nil(t, sslctx)
	var exit *bootstrap.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.Code)
	assert.Equal(t, "Exiting now because the waitforcert setting is set to 0.", exit.Message)

	assert.Equal(t, []string{
		"GET certificate/ca",
		"GET certificate_revocation_list/ca",
		"PUT certificate_request/" + agent,
		"GET certificate/" + agent,
	}, h.routes.Calls())
	assert.Contains(t, h.logs.String(), "Certificate for agent.example.com has not been signed yet")
	assert.Contains(t, h.stdout.String(), "Couldn't fetch certificate from CA server; you might still need to sign this agent's certificate (agent.example.com).")

	key, err := h.store.LoadPrivateKey(agent, nil)
	require.NoError(t, err)
	require.NotNil(t, key)
	csr, err := h.store.LoadRequest(agent)
	require.NoError(t, err)
	require.NotNil(t, csr)
	waiting, err := h.ca.Waiting(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{agent}, waiting)
}

func TestAutosignedBootstrapReachesDone(t *testing.T) {
	h := newHarness(t, func(o *pki.Options) { o.Autosign = "true" })

	sslctx, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	require.NotNil(t, sslctx.ClientCert())
	assert.Equal(t, agent, sslctx.ClientCert().Subject.CommonName)
	assert.Len(t, sslctx.ClientChain(), 2)
	assert.Len(t, sslctx.CRLs(), 1)

	csr, err := h.store.LoadRequest(agent)
	require.NoError(t, err)
	assert.Nil(t, csr, "local CSR is deleted once the certificate is saved")
	cert, err := h.store.LoadClientCert(agent)
	require.NoError(t, err)
	assert.True(t, cert.Equal(sslctx.ClientCert()))
}

func TestCachedCredentialsNeedNoNetwork(t *testing.T) {
	h := bootstrapped(t)

	sslctx, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	require.NotNil(t, sslctx.ClientCert())
	assert.Empty(t, h.routes.Calls())
}

func TestExpiredCRLIsRefreshed(t *testing.T) {
	h := bootstrapped(t)
	require.NoError(t, h.store.SetCRLLastUpdate(time.Now().Add(-48*time.Hour)))

	_, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"GET certificate_revocation_list/ca"}, h.routes.Calls())
	assert.Contains(t, h.logs.String(), "Refreshed CRL:")
	assert.WithinDuration(t, time.Now(), h.store.CRLLastUpdate(), time.Minute)
}

func TestUnmodifiedCRLKeepsExisting(t *testing.T) {
	h := bootstrapped(t)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, h.store.SetCRLLastUpdate(old))
	h.routes.crlStatus = http.StatusNotModified

	_, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Contains(t, h.logs.String(), "CRL is unmodified, using existing CRL")
	assert.True(t, h.store.CRLLastUpdate().Equal(old))
}

func TestFailedCRLRefreshKeepsExisting(t *testing.T) {
	h := bootstrapped(t)
	require.NoError(t, h.store.SetCRLLastUpdate(time.Now().Add(-48*time.Hour)))
	h.routes.crlStatus = http.StatusServiceUnavailable

	_, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Contains(t, h.logs.String(), "Failed to refresh CRL, using existing CRL")
}

func TestCARefreshForcesCRLRefresh(t *testing.T) {
	h := bootstrapped(t)
	require.NoError(t, h.store.SetCALastUpdate(time.Now().Add(-48*time.Hour)))

	_, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"GET certificate/ca", "GET certificate_revocation_list/ca"}, h.routes.Calls())
	assert.Contains(t, h.logs.String(), "Refreshing CA certificate")
}

func TestRevokedCertificateFails(t *testing.T) {
	h := bootstrapped(t)
	require.NoError(t, h.ca.Revoke(t.Context(), agent, pki.DefaultRevocationReason))
	require.NoError(t, h.store.SetCRLLastUpdate(time.Now().Add(-48*time.Hour)))

	_, err := h.machine(func(c *bootstrap.Config) { c.OneTime = true }).EnsureClientCertificate(t.Context())
	var stateErr *bootstrap.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "NeedKey", stateErr.State)
	var verr *ssl.CertVerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ssl.CertRevoked, verr.Code)
}

func TestRevocationOffSkipsCRL(t *testing.T) {
	h := newHarness(t, func(o *pki.Options) { o.Autosign = "true" })

	sslctx, err := h.machine(func(c *bootstrap.Config) { c.Revocation = ssl.RevocationOff }).EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Empty(t, sslctx.CRLs())
	assert.NotContains(t, h.routes.Calls(), "GET certificate_revocation_list/ca")
	assert.Contains(t, h.logs.String(), "Certificate revocation is disabled, skipping CRL download")
}

func TestRejectedCSRStillFetchesCertificate(t *testing.T) {
	h := newHarness(t)
	m := h.machine(nil)
	h.routes.putStatus = http.StatusBadRequest

	root, err := ssl.NewProvider().Root([]*x509.Certificate{h.ca.CACertificate().X509()}, nil, ssl.RevocationOff)
	require.NoError(t, err)
	key, err := credential.GenerateKey(credential.KeySpec{Type: credential.KeyTypeEC})
	require.NoError(t, err)

	next := m.Next(t.Context(), bootstrap.NeedSubmitCSR{Ctx: root, Key: key})
	require.IsType(t, bootstrap.NeedCert{}, next)
	assert.Same(t, root, next.(bootstrap.NeedCert).Ctx)
}

func TestCSRSubmissionFailure(t *testing.T) {
	h := newHarness(t)
	m := h.machine(nil)
	h.routes.putStatus = http.StatusInternalServerError

	root, err := ssl.NewProvider().Root([]*x509.Certificate{h.ca.CACertificate().X509()}, nil, ssl.RevocationOff)
	require.NoError(t, err)
	key, err := credential.GenerateKey(credential.KeySpec{Type: credential.KeyTypeEC})
	require.NoError(t, err)

	next := m.Next(t.Context(), bootstrap.NeedSubmitCSR{Ctx: root, Key: key})
	require.IsType(t, bootstrap.Error{}, next)
	assert.Equal(t, "Failed to submit the CSR, HTTP response was 500", next.(bootstrap.Error).Message)
}

func TestWaitRetriesUntilSigned(t *testing.T) {
	h := newHarness(t)
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		_, err := h.ca.Sign(ctx, agent, pki.SignOptions{})
		return err
	}
	m := h.machine(func(c *bootstrap.Config) { c.WaitForCert = time.Minute }, bootstrap.WithSleep(sleep))

	sslctx, err := m.EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, agent, sslctx.ClientCert().Subject.CommonName)
	assert.Equal(t, []time.Duration{time.Minute}, slept)
	assert.Contains(t, h.logs.String(), "Will try again in 60 seconds.")

	// The second pass resubmits the CSR, which the CA rejects because the
	// certificate already exists, and then downloads the certificate.
	calls := h.routes.Calls()
	assert.Equal(t, "PUT certificate_request/"+agent, calls[len(calls)-2])
	assert.Equal(t, "GET certificate/"+agent, calls[len(calls)-1])
}

func TestMaxWaitForCertExceeded(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	offset := time.Duration(0)
	clock := func() time.Time { return base.Add(offset) }
	sleep := func(context.Context, time.Duration) error {
		offset += 2 * time.Minute
		return nil
	}
	m := h.machine(func(c *bootstrap.Config) {
		c.WaitForCert = time.Minute
		c.MaxWaitForCert = time.Minute
	}, bootstrap.WithClock(clock), bootstrap.WithSleep(sleep))

	_, err := m.EnsureClientCertificate(t.Context())
	var exit *bootstrap.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Contains(t, exit.Message, "Exiting now because the maxwaitforcert timeout has been exceeded.")
	assert.Contains(t, h.stdout.String(), "maxwaitforcert")
}

func TestWaitIsInterruptedByContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	m := h.machine(func(c *bootstrap.Config) { c.WaitForCert = time.Minute }, bootstrap.WithSleep(sleep))

	_, err := m.EnsureClientCertificate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFingerprintMismatch(t *testing.T) {
	h := newHarness(t)
	m := h.machine(func(c *bootstrap.Config) { c.CAFingerprint = "00:11:22" })

	next := m.Next(t.Context(), bootstrap.NeedCACerts{})
	require.IsType(t, bootstrap.Error{}, next)
	e := next.(bootstrap.Error)
	assert.ErrorIs(t, e.Err, bootstrap.ErrFingerprintMismatch)
	assert.Contains(t, e.Message, "did not match expected digest 00:11:22")
	assert.Contains(t, e.Message, "CA bundle with digest (SHA256)")

	certs, err := h.store.LoadCACerts()
	require.NoError(t, err)
	assert.Nil(t, certs, "a mismatched bundle is never saved")
}

func TestFingerprintMismatchInOneTimeMode(t *testing.T) {
	h := newHarness(t)
	m := h.machine(func(c *bootstrap.Config) {
		c.CAFingerprint = "AA"
		c.OneTime = true
	})

	_, err := m.EnsureClientCertificate(t.Context())
	var stateErr *bootstrap.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "NeedCACerts", stateErr.State)
	assert.ErrorIs(t, err, bootstrap.ErrFingerprintMismatch)
}

func TestFingerprintMatch(t *testing.T) {
	h := newHarness(t)
	digest, err := credential.Digest("SHA256", h.ca.CACertificate().PEM())
	require.NoError(t, err)
	expected := strings.ToLower(strings.ReplaceAll(digest, ":", ""))
	m := h.machine(func(c *bootstrap.Config) { c.CAFingerprint = expected })

	next := m.Next(t.Context(), bootstrap.NeedCACerts{})
	require.IsType(t, bootstrap.NeedCRLs{}, next)
	assert.Contains(t, h.logs.String(), "Verified CA bundle with digest (SHA256) "+digest)
}

func TestMissingCAAndCRL(t *testing.T) {
	h := newHarness(t)
	m := h.machine(nil)

	h.routes.caStatus = http.StatusNotFound
	next := m.Next(t.Context(), bootstrap.NeedCACerts{})
	require.IsType(t, bootstrap.Error{}, next)
	assert.Equal(t, "CA certificate is missing from the server", next.(bootstrap.Error).Message)

	h.routes.caStatus = http.StatusInternalServerError
	next = m.Next(t.Context(), bootstrap.NeedCACerts{})
	assert.Equal(t, "Could not download CA certificate: 500 Internal Server Error", next.(bootstrap.Error).Message)

	h.routes.caStatus = 0
	next = m.Next(t.Context(), bootstrap.NeedCACerts{})
	require.IsType(t, bootstrap.NeedCRLs{}, next)

	h.routes.crlStatus = http.StatusNotFound
	crlNext := m.Next(t.Context(), next)
	require.IsType(t, bootstrap.Error{}, crlNext)
	assert.Equal(t, "CRL is missing from the server", crlNext.(bootstrap.Error).Message)

	h.routes.crlStatus = http.StatusBadGateway
	crlNext = m.Next(t.Context(), next)
	assert.Equal(t, "Could not download CRLs: 502 Bad Gateway", crlNext.(bootstrap.Error).Message)
}

func TestErrorStateWaits(t *testing.T) {
	h := newHarness(t)
	m := h.machine(nil)
	next := m.Next(t.Context(), bootstrap.Error{Message: "boom", Err: errors.New("boom")})
	assert.Equal(t, bootstrap.Wait{}, next)
}

func TestPanicBecomesError(t *testing.T) {
	h := newHarness(t)
	h.routes.panicOnCRL = true
	m := h.machine(nil)

	next := m.Next(t.Context(), bootstrap.NeedCACerts{})
	require.IsType(t, bootstrap.NeedCRLs{}, next)
	next = m.Next(t.Context(), next)
	require.IsType(t, bootstrap.Error{}, next)
	assert.Contains(t, next.(bootstrap.Error).Message, "crl exploded")
}

func TestEnsureCACertificatesStopsBeforeKey(t *testing.T) {
	h := newHarness(t)

	sslctx, err := h.machine(nil).EnsureCACertificates(t.Context())
	require.NoError(t, err)
	assert.Len(t, sslctx.CACerts(), 1)
	assert.Len(t, sslctx.CRLs(), 1)
	assert.Nil(t, sslctx.ClientCert())

	key, err := h.store.LoadPrivateKey(agent, nil)
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLockHeldIsFatal(t *testing.T) {
	h := newHarness(t)
	held := lockfile.New(filepath.Join(h.ssldir, "ssl.lock"))
	require.NoError(t, held.TryLock())
	defer held.Unlock() //nolint:errcheck

	_, err := h.machine(nil).EnsureCACertificates(t.Context())
	assert.ErrorIs(t, err, bootstrap.ErrLockHeld)
	assert.ErrorIs(t, err, lockfile.ErrLocked)
	assert.Empty(t, h.routes.Calls())
}

func TestLockIsReleasedAfterRun(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine(nil).EnsureCACertificates(t.Context())
	require.NoError(t, err)

	other := lockfile.New(filepath.Join(h.ssldir, "ssl.lock"))
	require.NoError(t, other.TryLock())
	require.NoError(t, other.Unlock())
}

func TestRenewalNearExpiry(t *testing.T) {
	h := bootstrapped(t, func(o *pki.Options) { o.AllowAutoRenewal = true })
	before, err := h.store.LoadClientCert(agent)
	require.NoError(t, err)

	m := h.machine(func(c *bootstrap.Config) { c.RenewalInterval = 10 * 365 * 24 * time.Hour })
	sslctx, err := m.EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"POST certificate_renewal"}, h.routes.Calls())
	assert.NotEqual(t, before.SerialNumber, sslctx.ClientCert().SerialNumber)
	assert.True(t, credential.PublicKeysEqual(before.PublicKey, sslctx.ClientCert().PublicKey))

	after, err := h.store.LoadClientCert(agent)
	require.NoError(t, err)
	assert.True(t, after.Equal(sslctx.ClientCert()))
	assert.Contains(t, h.logs.String(), "Renewed client certificate:")
}

func TestRenewalDisabledOnServerKeepsCertificate(t *testing.T) {
	h := bootstrapped(t)
	before, err := h.store.LoadClientCert(agent)
	require.NoError(t, err)

	m := h.machine(func(c *bootstrap.Config) { c.RenewalInterval = 10 * 365 * 24 * time.Hour })
	sslctx, err := m.EnsureClientCertificate(t.Context())
	require.NoError(t, err)
	assert.True(t, before.Equal(sslctx.ClientCert()))
	assert.Contains(t, h.logs.String(), "Certificate autorenewal has not been enabled on the server.")
}

func TestEncryptedKeyWithPassfile(t *testing.T) {
	h := newHarness(t, func(o *pki.Options) { o.Autosign = "true" })
	require.NoError(t, h.store.SavePrivateKeyPassword([]byte("hunter2")))

	_, err := h.machine(nil).EnsureClientCertificate(t.Context())
	require.NoError(t, err)

	_, err = h.store.LoadPrivateKey(agent, nil)
	assert.ErrorIs(t, err, credential.ErrIncorrectPassword)
	key, err := h.store.LoadPrivateKey(agent, util.NewSecret([]byte("hunter2")))
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t)
	_, err := bootstrap.New(bootstrap.Config{LockPath: "x"}, h.store, h.routes)
	assert.Error(t, err)
	_, err = bootstrap.New(bootstrap.Config{Certname: agent}, h.store, h.routes)
	assert.Error(t, err)
	_, err = bootstrap.New(bootstrap.Config{Certname: "bad\tname", LockPath: "x"}, h.store, h.routes)
	assert.ErrorIs(t, err, credential.ErrInvalidName)
}
