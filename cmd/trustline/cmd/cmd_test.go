package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustline/internal/config"
	"github.com/jmcleod/trustline/internal/logging"
	"github.com/jmcleod/trustline/pki"
)

// resetFlags returns every flag in the command tree to its default so one
// test's flags do not leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type env struct {
	cadir  string
	ssldir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv("TRUSTLINE_KEY_TYPE", "ec")
	t.Setenv("TRUSTLINE_CERTNAME", "ca.example.com")
	dir := t.TempDir()
	return &env{cadir: filepath.Join(dir, "ca"), ssldir: filepath.Join(dir, "ssl")}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	configFile = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--cadir", e.cadir, "--ssldir", e.ssldir, "--log-level", "error"))
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func (e *env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestCASetupIsIdempotent(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun(t, "ca", "setup")
	assert.Contains(t, out, `Created CA "Puppet CA: ca.example.com"`)
	assert.Contains(t, out, "(SHA256)")

	out = e.mustRun(t, "ca", "setup")
	assert.Contains(t, out, "is already set up")
}

func TestCACertificateLifecycle(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "ca", "setup")

	out := e.mustRun(t, "ca", "generate", "agent1.example.com", "--dns-alt-names", "agent1,agent1.example.com")
	assert.Contains(t, out, "Generated key and certificate for agent1.example.com")
	assert.FileExists(t, filepath.Join(e.ssldir, "certs", "agent1.example.com.pem"))
	assert.FileExists(t, filepath.Join(e.ssldir, "private_keys", "agent1.example.com.pem"))

	out = e.mustRun(t, "ca", "list", "--all")
	assert.Contains(t, out, `+ "agent1.example.com" (SHA256)`)
	assert.Contains(t, out, "DNS:agent1")

	out = e.mustRun(t, "ca", "fingerprint", "agent1.example.com", "--digest", "SHA1")
	assert.Contains(t, out, "agent1.example.com (SHA1) ")

	out = e.mustRun(t, "ca", "verify", "agent1.example.com")
	assert.Contains(t, out, "Verified certificate for agent1.example.com")

	out = e.mustRun(t, "ssl", "show", "--certname", "agent1.example.com")
	assert.Contains(t, out, "Certname:    agent1.example.com")
	assert.Contains(t, out, "Alt names:   DNS:agent1, DNS:agent1.example.com")

	out = e.mustRun(t, "ca", "revoke", "agent1.example.com")
	assert.Contains(t, out, "Revoked certificate for agent1.example.com")

	_, err := e.run(t, "ca", "verify", "agent1.example.com")
	require.Error(t, err)

	out = e.mustRun(t, "ca", "list", "--all")
	assert.Contains(t, out, `- "agent1.example.com"`)

	e.mustRun(t, "ca", "clean", "agent1.example.com")
	_, err = e.run(t, "ca", "fingerprint", "agent1.example.com")
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
}

func TestCASign(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "ca", "setup")

	_, err := e.run(t, "ca", "sign")
	require.Error(t, err)

	out := e.mustRun(t, "ca", "sign", "--all")
	assert.Contains(t, out, "No waiting certificate requests to sign")

	_, err = e.run(t, "ca", "sign", "nobody.example.com")
	assert.ErrorIs(t, err, pki.ErrRequestNotFound)
}

func TestCARevokeJoinsFailures(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "ca", "setup")
	e.mustRun(t, "ca", "generate", "agent1.example.com")

	out, err := e.run(t, "ca", "revoke", "nobody.example.com", "agent1.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, pki.ErrUnknownSerial)
	assert.Contains(t, out, "Revoked certificate for agent1.example.com")
}

func TestInvalidConfiguration(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "ca", "list", "--storage", "s3")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSSLShowWithoutCertificate(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "ssl", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run 'trustline ssl bootstrap' first")
}

func TestServerTLSRefreshesOnRevocation(t *testing.T) {
	e := newEnv(t)
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Certname = "ca.example.com"
	cfg.CADir = e.cadir
	cfg.SSLDir = e.ssldir
	cfg.Storage = "memory"

	h, err := openCA(t.Context(), cfg, discardLogger())
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Setup(t.Context()))

	s, err := newServerTLS(t.Context(), cfg, h, discardLogger())
	require.NoError(t, err)
	first, err := s.current(t.Context())
	require.NoError(t, err)
	require.Len(t, first.Certificates, 1)

	again, err := s.current(t.Context())
	require.NoError(t, err)
	assert.Same(t, first, again, "unchanged CRL reuses the config")

	_, _, err = h.Generate(t.Context(), "agent1.example.com", nil)
	require.NoError(t, err)
	require.NoError(t, h.Revoke(t.Context(), "agent1.example.com", pki.DefaultRevocationReason))

	refreshed, err := s.current(t.Context())
	require.NoError(t, err)
	assert.NotSame(t, first, refreshed)
}

func TestHostCredentialsAreReused(t *testing.T) {
	e := newEnv(t)
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Certname = "ca.example.com"
	cfg.CADir = e.cadir
	cfg.SSLDir = e.ssldir
	cfg.Storage = "memory"

	h, err := openCA(t.Context(), cfg, discardLogger())
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Setup(t.Context()))

	_, cert, err := hostCredentials(t.Context(), cfg, h, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "ca.example.com", cert.Subject.CommonName)

	_, again, err := hostCredentials(t.Context(), cfg, h, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, cert.SerialNumber, again.SerialNumber)
}

func TestHostCredentialsFromFiles(t *testing.T) {
	e := newEnv(t)
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Certname = "ca.example.com"
	cfg.CADir = e.cadir
	cfg.SSLDir = e.ssldir
	cfg.Storage = "memory"
	cfg.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKey = cfg.TLSCert

	_, _, err = hostCredentials(t.Context(), cfg, nil, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func discardLogger() *slog.Logger {
	return logging.Discard()
}
