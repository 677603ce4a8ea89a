// Package certprovider keeps an agent's trust material in its ssldir:
//
//	certs/ca.pem                   CA bundle
//	crl.pem                        CRL bundle
//	private_keys/<name>.pem        host private key
//	certs/<name>.pem               host certificate
//	certificate_requests/<name>.pem
//	private/password               private key password
//
// Loaders return nil values and no error when a file does not exist.
package certprovider

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/util"
	"github.com/jmcleod/trustline/oid"
)

const (
	modeDir     fs.FileMode = 0o750
	modePublic  fs.FileMode = 0o640
	modePrivate fs.FileMode = 0o600
)

// AutoRenewAttribute marks a CSR from an agent that renews its certificate.
const AutoRenewAttribute = "1.3.6.1.4.1.34380.1.3.2"

// Options configures a Provider. Only SSLDir is required.
type Options struct {
	SSLDir string

	// Passfile defaults to <ssldir>/private/password.
	Passfile string

	// HostCert and HostPrivKey override the per-name paths.
	HostCert    string
	HostPrivKey string

	DNSAltNames     []string
	CSRAttributes   string
	RenewalInterval time.Duration
	Registry        *oid.Registry
	Logger          *slog.Logger
}

// Provider loads and saves credentials under an ssldir.
type Provider struct {
	caPath      string
	crlPath     string
	keyDir      string
	certDir     string
	requestDir  string
	passfile    string
	hostCert    string
	hostPrivKey string

	dnsAltNames     []string
	csrAttributes   string
	renewalInterval time.Duration
	registry        *oid.Registry
	logger          *slog.Logger
}

// New returns a Provider for opts.SSLDir.
func New(opts Options) (*Provider, error) {
	if opts.SSLDir == "" {
		return nil, errors.New("certprovider: ssldir is required")
	}
	p := &Provider{
		caPath:          filepath.Join(opts.SSLDir, "certs", "ca.pem"),
		crlPath:         filepath.Join(opts.SSLDir, "crl.pem"),
		keyDir:          filepath.Join(opts.SSLDir, "private_keys"),
		certDir:         filepath.Join(opts.SSLDir, "certs"),
		requestDir:      filepath.Join(opts.SSLDir, "certificate_requests"),
		passfile:        opts.Passfile,
		hostCert:        opts.HostCert,
		hostPrivKey:     opts.HostPrivKey,
		dnsAltNames:     opts.DNSAltNames,
		csrAttributes:   opts.CSRAttributes,
		renewalInterval: opts.RenewalInterval,
		registry:        opts.Registry,
		logger:          opts.Logger,
	}
	if p.passfile == "" {
		p.passfile = filepath.Join(opts.SSLDir, "private", "password")
	}
	if p.registry == nil {
		p.registry = oid.Default()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "certprovider")
	return p, nil
}

func (p *Provider) path(dir, name string) (string, error) {
	lower, err := credential.ValidateName(name)
	if err != nil {
		return "", fmt.Errorf("Certname %q must not contain unprintable or non-ASCII characters: %w", name, err)
	}
	return filepath.Join(dir, lower+".pem"), nil
}

func (p *Provider) keyPath(name string) (string, error) {
	if p.hostPrivKey != "" {
		return p.hostPrivKey, nil
	}
	return p.path(p.keyDir, name)
}

func (p *Provider) certPath(name string) (string, error) {
	if p.hostCert != "" {
		return p.hostCert, nil
	}
	return p.path(p.certDir, name)
}

func readPEM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func writePEM(path string, data []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), modeDir); err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, mode)
}

func (p *Provider) LoadCACerts() ([]*x509.Certificate, error) {
	data, err := readPEM(p.caPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to load CA certificates from '%s': %w", p.caPath, err)
	}
	if data == nil {
		return nil, nil
	}
	certs, err := credential.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse CA certificates as PEM: %w", err)
	}
	return certs, nil
}

func (p *Provider) SaveCACerts(certs []*x509.Certificate) error {
	if err := writePEM(p.caPath, credential.EncodeCertificates(certs), modePublic); err != nil {
		return fmt.Errorf("Failed to save CA certificates to '%s': %w", p.caPath, err)
	}
	return nil
}

func (p *Provider) LoadCRLs() ([]*x509.RevocationList, error) {
	data, err := readPEM(p.crlPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to load CRLs from '%s': %w", p.crlPath, err)
	}
	if data == nil {
		return nil, nil
	}
	crls, err := credential.ParseCRLs(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse CRLs as PEM: %w", err)
	}
	return crls, nil
}

func (p *Provider) SaveCRLs(crls []*x509.RevocationList) error {
	if err := writePEM(p.crlPath, credential.EncodeCRLs(crls), modePublic); err != nil {
		return fmt.Errorf("Failed to save CRLs to '%s': %w", p.crlPath, err)
	}
	return nil
}

func mtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func touch(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}

// CRLLastUpdate is the modification time of the CRL bundle, or the zero time
// when there is none.
func (p *Provider) CRLLastUpdate() time.Time { return mtime(p.crlPath) }

func (p *Provider) SetCRLLastUpdate(t time.Time) error { return touch(p.crlPath, t) }

// CALastUpdate is the modification time of the CA bundle, or the zero time
// when there is none.
func (p *Provider) CALastUpdate() time.Time { return mtime(p.caPath) }

func (p *Provider) SetCALastUpdate(t time.Time) error { return touch(p.caPath, t) }

// LoadPrivateKey loads name's private key, decrypting it with password when
// the key is encrypted.
func (p *Provider) LoadPrivateKey(name string, password *memguard.Enclave) (crypto.Signer, error) {
	path, err := p.keyPath(name)
	if err != nil {
		return nil, err
	}
	data, err := readPEM(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to load private key for '%s': %w", name, err)
	}
	if data == nil {
		return nil, nil
	}
	var key crypto.Signer
	err = util.WithSecret(password, func(pw []byte) error {
		key, err = credential.ParsePrivateKey(data, pw)
		return err
	})
	if err != nil {
		if credential.IsIncorrectPassword(err) {
			return nil, fmt.Errorf("Failed to decrypt private key for '%s': %w", name, err)
		}
		return nil, fmt.Errorf("Failed to load private key for '%s': %w", name, err)
	}
	return key, nil
}

// SavePrivateKey writes key with mode 0600, encrypted when password is set.
func (p *Provider) SavePrivateKey(name string, key crypto.Signer, password *memguard.Enclave) error {
	path, err := p.keyPath(name)
	if err != nil {
		return err
	}
	var data []byte
	err = util.WithSecret(password, func(pw []byte) error {
		data, err = credential.EncodePrivateKey(key, pw)
		return err
	})
	if err != nil {
		return fmt.Errorf("Failed to save private key for '%s': %w", name, err)
	}
	if err := writePEM(path, data, modePrivate); err != nil {
		return fmt.Errorf("Failed to save private key for '%s': %w", name, err)
	}
	return nil
}

// LoadPrivateKeyPassword returns the passfile content sealed in an enclave,
// or nil when there is no passfile.
func (p *Provider) LoadPrivateKeyPassword() (*memguard.Enclave, error) {
	data, err := os.ReadFile(p.passfile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading passfile: %w", err)
	}
	return util.NewSecret(data), nil
}

// SavePrivateKeyPassword writes the passfile with mode 0600.
func (p *Provider) SavePrivateKeyPassword(password []byte) error {
	if err := writePEM(p.passfile, password, modePrivate); err != nil {
		return fmt.Errorf("writing passfile: %w", err)
	}
	return nil
}

func (p *Provider) LoadClientCert(name string) (*x509.Certificate, error) {
	path, err := p.certPath(name)
	if err != nil {
		return nil, err
	}
	data, err := readPEM(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to load client certificate for '%s': %w", name, err)
	}
	if data == nil {
		return nil, nil
	}
	cert, err := credential.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to load client certificate for '%s': %w", name, err)
	}
	return cert.X509(), nil
}

func (p *Provider) SaveClientCert(name string, cert *x509.Certificate) error {
	path, err := p.certPath(name)
	if err != nil {
		return err
	}
	if err := writePEM(path, credential.EncodeCertificates([]*x509.Certificate{cert}), modePublic); err != nil {
		return fmt.Errorf("Failed to save client certificate for '%s': %w", name, err)
	}
	return nil
}

// CreateRequest builds a CSR for name with the configured DNS alt names and
// csr_attributes. When certificate renewal is enabled the CSR carries the
// auto-renew attribute.
func (p *Provider) CreateRequest(name string, key crypto.Signer) (*credential.Request, error) {
	attrs, err := credential.LoadRequestAttributes(p.csrAttributes)
	if err != nil {
		return nil, err
	}
	opts := credential.RequestOptions{
		DNSAltNames:       p.dnsAltNames,
		CustomAttributes:  attrs.CustomAttributes,
		ExtensionRequests: attrs.ExtensionRequests,
		Registry:          p.registry,
	}
	if p.renewalInterval > 0 {
		custom := make(map[string]string, len(opts.CustomAttributes)+1)
		for k, v := range opts.CustomAttributes {
			custom[k] = v
		}
		custom[AutoRenewAttribute] = "true"
		opts.CustomAttributes = custom
	}
	return credential.NewRequest(name, key, opts)
}

func (p *Provider) SaveRequest(name string, csr *credential.Request) error {
	path, err := p.path(p.requestDir, name)
	if err != nil {
		return err
	}
	if err := writePEM(path, csr.PEM(), modePublic); err != nil {
		return fmt.Errorf("Failed to save certificate request for '%s': %w", name, err)
	}
	return nil
}

func (p *Provider) LoadRequest(name string) (*credential.Request, error) {
	path, err := p.path(p.requestDir, name)
	if err != nil {
		return nil, err
	}
	data, err := readPEM(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to load certificate request for '%s': %w", name, err)
	}
	if data == nil {
		return nil, nil
	}
	return credential.ParseRequest(data)
}

// DeleteRequest removes name's CSR and reports whether one existed.
func (p *Provider) DeleteRequest(name string) (bool, error) {
	path, err := p.path(p.requestDir, name)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Failed to delete certificate request for '%s': %w", name, err)
	}
	p.logger.Debug("Deleted certificate request", "name", name)
	return true, nil
}
