package ssl

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/util"
)

// Provider creates Contexts.
type Provider struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for warnings and Print.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the verification time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider returns a Provider using slog.Default and time.Now unless
// overridden.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ssl")
	return p
}

// Insecure returns a context that does not authenticate peers. It is only
// used to download the first CA bundle.
func (p *Provider) Insecure() *Context {
	return &Context{
		revocation: RevocationOff,
		verifyPeer: false,
		store:      newStore(nil, nil, RevocationOff, nil),
		now:        p.now,
	}
}

// Root returns a context that trusts cacerts and checks crls according to
// revocation. Self-signed CA certificates must carry a valid signature and,
// when revocation is on, every CRL must be signed by a CA in the bundle.
func (p *Provider) Root(cacerts []*x509.Certificate, crls []*x509.RevocationList, revocation Revocation) (*Context, error) {
	if err := checkBundle(cacerts, crls, revocation); err != nil {
		return nil, err
	}
	return p.root(cacerts, crls, revocation), nil
}

func (p *Provider) root(cacerts []*x509.Certificate, crls []*x509.RevocationList, revocation Revocation) *Context {
	ctx := &Context{
		cacerts:    append([]*x509.Certificate(nil), cacerts...),
		revocation: revocation,
		verifyPeer: true,
		store:      newStore(cacerts, crls, revocation, nil),
		now:        p.now,
	}
	if revocation != RevocationOff {
		ctx.crls = append([]*x509.RevocationList(nil), crls...)
	}
	return ctx
}

func checkBundle(cacerts []*x509.Certificate, crls []*x509.RevocationList, revocation Revocation) error {
	for _, c := range cacerts {
		if !isSelfSigned(c) {
			continue
		}
		if err := c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature); err != nil {
			return newVerifyError(CertSignatureFailure, c, "")
		}
	}
	if revocation == RevocationOff {
		return nil
	}
	for _, crl := range crls {
		var iss *x509.Certificate
		for _, c := range cacerts {
			if string(c.RawSubject) == string(crl.RawIssuer) {
				iss = c
				break
			}
		}
		if iss == nil {
			return &CertVerifyError{
				Code:    UnableToGetIssuerCert,
				Message: fmt.Sprintf("The issuer '%s' of the CRL is missing", crl.Issuer.String()),
			}
		}
		if err := crl.CheckSignatureFrom(iss); err != nil {
			return &CertVerifyError{
				Code:    CRLSignatureFailure,
				Cert:    iss,
				Message: fmt.Sprintf("Invalid signature for CRL issued by '%s'", crl.Issuer.String()),
			}
		}
	}
	return nil
}

// Context returns a mutually authenticated context for cert and key. The
// certificate must verify against cacerts and crls, and key must be the
// private half of its public key.
func (p *Provider) Context(cacerts []*x509.Certificate, crls []*x509.RevocationList, key crypto.Signer, cert *x509.Certificate, revocation Revocation) (*Context, error) {
	if key == nil {
		return nil, &SSLError{Message: "Private key is missing"}
	}
	if cert == nil {
		return nil, &SSLError{Message: "Client cert is missing"}
	}
	root, err := p.Root(cacerts, crls, revocation)
	if err != nil {
		return nil, err
	}

	chain, err := root.store.verify(cert, nil, p.now(), "")
	if err != nil {
		return nil, err
	}
	if !credential.SupportedKey(key) {
		return nil, sslErrorf("Unsupported key '%T'", key)
	}
	if !credential.PublicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, sslErrorf("The certificate for '%s' does not match its private key", subject(cert))
	}

	root.key = key
	root.cert = cert
	root.chain = chain
	return root, nil
}

// VerifyRequest checks that csr was signed by the private half of pub.
func (p *Provider) VerifyRequest(csr *credential.Request, pub crypto.PublicKey) error {
	if err := csr.Verify(pub); err != nil {
		return sslErrorf("The CSR for host '%s' does not match the public key", csr.Subject().String())
	}
	return nil
}

// System returns a context trusting the system roots, cacerts and the
// certificates in trustStorePath. Revocation checking is off.
func (p *Provider) System(cacerts []*x509.Certificate, trustStorePath string) (*Context, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		p.logger.Warn("system trust store unavailable", "error", err)
		pool = x509.NewCertPool()
	}
	extra := append([]*x509.Certificate(nil), cacerts...)

	if trustStorePath != "" {
		info, err := os.Stat(trustStorePath)
		switch {
		case err != nil:
		case !info.Mode().IsRegular():
			p.logger.Warn(fmt.Sprintf("The 'ssl_trust_store' setting does not refer to a file and will be ignored: '%s'", trustStorePath))
		case info.Size() > 0:
			data, err := os.ReadFile(trustStorePath)
			if err == nil {
				var certs []*x509.Certificate
				certs, err = credential.ParseCertificates(data)
				extra = append(extra, certs...)
			}
			if err != nil {
				p.logger.Error(fmt.Sprintf("Failed to add '%s' as a trusted CA file: %s", trustStorePath, err))
			}
		}
	}

	st := newStore(extra, nil, RevocationOff, pool)
	return &Context{
		cacerts:    append([]*x509.Certificate(nil), cacerts...),
		revocation: RevocationOff,
		verifyPeer: true,
		store:      st,
		now:        p.now,
	}, nil
}

// Print logs the fingerprints of the client chain, root first, and the CRLs
// in use. It only does work when debug logging is enabled.
func (p *Provider) Print(ctx context.Context, sslctx *Context, digest string) {
	if !p.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	chain := sslctx.ClientChain()
	for i := len(chain) - 1; i >= 0; i-- {
		cert := chain[i]
		fp, err := credential.Digest(digest, cert.Raw)
		if err != nil {
			fp = err.Error()
		}
		if i == 0 {
			p.logger.DebugContext(ctx, fmt.Sprintf("Verified client certificate '%s' fingerprint (%s) %s", cert.Subject, credential.DigestName(digest), fp))
		} else {
			p.logger.DebugContext(ctx, fmt.Sprintf("Verified CA certificate '%s' fingerprint (%s) %s", cert.Subject, credential.DigestName(digest), fp))
		}
	}
	for _, crl := range sslctx.CRLs() {
		number := "unknown"
		if crl.Number != nil {
			number = crl.Number.String()
		}
		aki := "unknown"
		if len(crl.AuthorityKeyId) > 0 {
			aki = util.ColonHex(crl.AuthorityKeyId)
		}
		p.logger.DebugContext(ctx, fmt.Sprintf("Using CRL '%s' authorityKeyIdentifier '%s' crlNumber '%s'", crl.Issuer, aki, number))
	}
}
