package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/trustline/bootstrap"
	"github.com/jmcleod/trustline/certprovider"
	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/config"
	"github.com/jmcleod/trustline/internal/logging"
	"github.com/jmcleod/trustline/internal/util"
	"github.com/jmcleod/trustline/oid"
	"github.com/jmcleod/trustline/pki"
	"github.com/jmcleod/trustline/routes"
	"github.com/jmcleod/trustline/ssl"
	"github.com/jmcleod/trustline/storage"
	bboltstorage "github.com/jmcleod/trustline/storage/bbolt"
	"github.com/jmcleod/trustline/storage/file"
	"github.com/jmcleod/trustline/storage/memory"
	"github.com/jmcleod/trustline/storage/postgres"
)

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(w, level, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger, nil
}

func keySpec(cfg *config.Config) credential.KeySpec {
	return credential.KeySpec{
		Type:  credential.KeyType(cfg.KeyType),
		Bits:  cfg.KeyLength,
		Curve: cfg.NamedCurve,
	}
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage {
	case "memory":
		return memory.NewRepository(), func() {}, nil
	case "bbolt":
		if err := os.MkdirAll(cfg.CADir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating CA directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.CADir, "ca.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening CA storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		repo, err := file.NewRepository(cfg.CADir)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	}
}

func newKeyStore(cfg *config.Config) (pki.KeyStore, func(), error) {
	if cfg.Keystore != "pkcs11" {
		return pki.NewSoftwareKeyStore(), func() {}, nil
	}
	ks, err := pki.NewPKCS11KeyStore(pki.PKCS11Config{
		ModulePath: cfg.PKCS11.Module,
		TokenLabel: cfg.PKCS11.Token,
		PIN:        cfg.PKCS11.PIN,
		SlotNumber: cfg.PKCS11.Slot,
	})
	if err != nil {
		return nil, nil, err
	}
	return ks, func() { ks.Close() }, nil
}

// readCapass returns the CA key password from the capass file, or nil to let
// the authority manage its own.
func readCapass(cfg *config.Config) (*memguard.Enclave, error) {
	if cfg.Capass == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.Capass)
	if err != nil {
		return nil, fmt.Errorf("reading capass: %w", err)
	}
	return util.NewSecret(bytes.TrimSpace(data)), nil
}

// caHandle is an opened authority plus whatever must be closed with it.
type caHandle struct {
	*pki.CA
	repo    storage.Repository
	closers []func()
}

func (h *caHandle) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func openCA(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *caHandle, err error) {
	h := &caHandle{}
	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	h.repo = repo
	h.closers = append(h.closers, closeRepo)

	ks, closeKS, err := newKeyStore(cfg)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, closeKS)

	reg, err := oid.DefineOIDs(cfg.OIDMappingFile)
	if err != nil {
		return nil, err
	}
	password, err := readCapass(cfg)
	if err != nil {
		return nil, err
	}
	rev, err := ssl.ParseRevocation(cfg.CertificateRevocation)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CADir, 0o750); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}

	ca, err := pki.New(ctx, pki.Options{
		Repo:                         repo,
		KeyStore:                     ks,
		LockDir:                      cfg.CADir,
		Certname:                     cfg.Certname,
		Name:                         cfg.CAName,
		TTL:                          cfg.CATTL,
		KeySpec:                      keySpec(cfg),
		Autosign:                     cfg.Autosign,
		AllowSubjectAltNames:         cfg.AllowSubjectAltNames,
		AllowAuthorizationExtensions: cfg.AllowAuthorizationExtensions,
		AllowAutoRenewal:             cfg.AllowAutoRenewal,
		Revocation:                   rev,
		Password:                     password,
		Registry:                     reg,
		Logger:                       logger,
	})
	if err != nil {
		return nil, err
	}
	h.CA = ca
	return h, nil
}

func newCredentialStore(cfg *config.Config, logger *slog.Logger) (*certprovider.Provider, error) {
	reg, err := oid.DefineOIDs(cfg.OIDMappingFile)
	if err != nil {
		return nil, err
	}
	return certprovider.New(certprovider.Options{
		SSLDir:          cfg.SSLDir,
		Passfile:        cfg.Passfile,
		DNSAltNames:     cfg.DNSAltNames,
		CSRAttributes:   cfg.CSRAttributes,
		RenewalInterval: cfg.HostcertRenewalInterval,
		Registry:        reg,
		Logger:          logger,
	})
}

func newMachine(cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*bootstrap.Machine, error) {
	store, err := newCredentialStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	client, err := routes.New(routes.Options{
		Server:         cfg.CAHost(),
		Port:           cfg.CAPort,
		ConnectTimeout: cfg.HTTPConnectTimeout,
		ReadTimeout:    cfg.HTTPReadTimeout,
		MaxRetries:     3,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	rev, err := ssl.ParseRevocation(cfg.CertificateRevocation)
	if err != nil {
		return nil, err
	}
	return bootstrap.New(bootstrap.Config{
		Certname:           cfg.Certname,
		WaitForCert:        cfg.WaitForCert,
		MaxWaitForCert:     cfg.MaxWaitForCert,
		OneTime:            cfg.OneTime,
		KeySpec:            keySpec(cfg),
		Revocation:         rev,
		CAFingerprint:      cfg.CAFingerprint,
		Digest:             cfg.Digest,
		CARefreshInterval:  cfg.CARefreshInterval,
		CRLRefreshInterval: cfg.CRLRefreshInterval,
		RenewalInterval:    cfg.HostcertRenewalInterval,
		LockPath:           cfg.LockPath(),
	}, store, client, bootstrap.WithLogger(logger), bootstrap.WithStdout(stdout))
}
