package cmd

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustline/api"
	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/internal/config"
	"github.com/jmcleod/trustline/pki"
	"github.com/jmcleod/trustline/ssl"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the certificate authority HTTPS server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr(), cfg)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h, err := openCA(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer h.Close()
		if !h.Ready() {
			if err := h.Setup(ctx); err != nil {
				return fmt.Errorf("setting up CA: %w", err)
			}
		}

		tlsSrc, err := newServerTLS(ctx, cfg, h, logger)
		if err != nil {
			return err
		}
		proxies, err := cfg.TrustedProxyPrefixes()
		if err != nil {
			return err
		}
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithAdmins(cfg.Admins...),
			api.WithCSRRateLimit(cfg.CSRRateLimit),
			api.WithTrustedProxies(proxies),
			api.WithAuditWebhook(cfg.AuditWebhook, cfg.AuditWebhookAuth),
		}
		if cfg.AuditStore {
			opts = append(opts, api.WithAuditStore(h.repo))
		}
		a := api.New(h.CA, opts...)
		defer a.Close()
		go a.Sweep(ctx, 5*time.Minute)

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           a.Handler(),
			TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12, GetConfigForClient: tlsSrc.configForClient},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		fmt.Fprintf(cmd.OutOrStdout(), "Starting CA %q on %s (cadir: %s)...\n", h.Name(), cfg.Listen, cfg.CADir)

		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// serverTLS rebuilds the server's TLS context whenever the CRL number
// changes, so revoked clients are refused without a restart.
type serverTLS struct {
	ca       *pki.CA
	provider *ssl.Provider
	key      crypto.Signer
	cert     *x509.Certificate
	rev      ssl.Revocation
	logger   *slog.Logger

	mu     sync.Mutex
	number *big.Int
	config *tls.Config
}

func newServerTLS(ctx context.Context, cfg *config.Config, h *caHandle, logger *slog.Logger) (*serverTLS, error) {
	key, cert, err := hostCredentials(ctx, cfg, h, logger)
	if err != nil {
		return nil, err
	}
	rev, err := ssl.ParseRevocation(cfg.CertificateRevocation)
	if err != nil {
		return nil, err
	}
	s := &serverTLS{
		ca:       h.CA,
		provider: ssl.NewProvider(ssl.WithLogger(logger)),
		key:      key,
		cert:     cert,
		rev:      rev,
		logger:   logger.With("component", "server"),
	}
	if _, err := s.current(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *serverTLS) current(ctx context.Context) (*tls.Config, error) {
	crl, err := s.ca.CRL(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config != nil && crl.Number().Cmp(s.number) == 0 {
		return s.config, nil
	}
	sslctx, err := s.provider.Context(
		[]*x509.Certificate{s.ca.CACertificate().X509()},
		[]*x509.RevocationList{crl.X509()},
		s.key, s.cert, s.rev)
	if err != nil {
		return nil, fmt.Errorf("building server TLS context: %w", err)
	}
	s.config = sslctx.ServerTLSConfig()
	s.number = crl.Number()
	return s.config, nil
}

func (s *serverTLS) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	cfg, err := s.current(hello.Context())
	if err != nil {
		s.logger.Error("refreshing TLS context failed", "error", err)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.config == nil {
			return nil, err
		}
		return s.config, nil
	}
	return cfg, nil
}

// hostCredentials returns the server's key and certificate: from tls_cert
// and tls_key when set, else from the ssldir, generating and signing them
// on first start.
func hostCredentials(ctx context.Context, cfg *config.Config, h *caHandle, logger *slog.Logger) (crypto.Signer, *x509.Certificate, error) {
	if cfg.TLSCert != "" {
		certPEM, err := os.ReadFile(cfg.TLSCert)
		if err != nil {
			return nil, nil, fmt.Errorf("reading tls_cert: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.TLSKey)
		if err != nil {
			return nil, nil, fmt.Errorf("reading tls_key: %w", err)
		}
		certs, err := credential.ParseCertificates(certPEM)
		if err != nil {
			return nil, nil, err
		}
		if len(certs) == 0 {
			return nil, nil, fmt.Errorf("no certificate in %s", cfg.TLSCert)
		}
		key, err := credential.ParsePrivateKey(keyPEM, nil)
		if err != nil {
			return nil, nil, err
		}
		return key, certs[0], nil
	}

	store, err := newCredentialStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	password, err := store.LoadPrivateKeyPassword()
	if err != nil {
		return nil, nil, err
	}
	key, err := store.LoadPrivateKey(cfg.Certname, password)
	if err != nil {
		return nil, nil, err
	}
	cert, err := store.LoadClientCert(cfg.Certname)
	if err != nil {
		return nil, nil, err
	}
	if key != nil && cert != nil {
		return key, cert, nil
	}

	logger.InfoContext(ctx, "Generating host certificate for the CA server", "certname", cfg.Certname)
	issued, newKey, err := h.Generate(ctx, cfg.Certname, cfg.DNSAltNames)
	if err != nil {
		return nil, nil, fmt.Errorf("generating host certificate for %s: %w", cfg.Certname, err)
	}
	if err := store.SavePrivateKey(cfg.Certname, newKey, password); err != nil {
		return nil, nil, err
	}
	if err := store.SaveClientCert(cfg.Certname, issued.X509()); err != nil {
		return nil, nil, err
	}
	return newKey, issued.X509(), nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.String("listen", "", "Address to listen on")
	f.String("tls-cert", "", "Path to the server certificate (defaults to the CA-issued host certificate)")
	f.String("tls-key", "", "Path to the server private key")
	f.String("autosign", "", "Autosign setting: true, false or an allow-list path")
	f.Bool("allow-auto-renewal", false, "Allow agents to renew their certificates")
	f.Int("csr-rate-limit", 0, "Certificate requests per client address before lockout (0 disables)")
	f.StringSlice("admins", nil, "Certnames allowed to use the status and audit routes")
	f.StringSlice("dns-alt-names", nil, "DNS alt names for a generated server certificate")
	f.Bool("audit-store", false, "Persist audit events in CA storage and serve them on /audit")
	f.String("audit-webhook", "", "URL that receives audit events")
}
