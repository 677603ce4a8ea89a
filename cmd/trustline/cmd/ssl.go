package cmd

import (
	"fmt"
	"maps"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustline/credential"
)

var sslCmd = &cobra.Command{
	Use:   "ssl",
	Short: "Manage this host's credentials",
}

var sslBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Download the CA bundle and CRL and obtain a signed certificate",
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
		m, err := newMachine(cfg, logger, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if _, err := m.EnsureClientCertificate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Completed SSL initialization")
		return nil
	},
}

var sslShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print this host's certificate",
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
		store, err := newCredentialStore(cfg, logger)
		if err != nil {
			return err
		}
		x, err := store.LoadClientCert(cfg.Certname)
		if err != nil {
			return err
		}
		if x == nil {
			return fmt.Errorf("no certificate found for %s; run 'trustline ssl bootstrap' first", cfg.Certname)
		}
		cert := credential.NewCertificate(x)
		fp, err := cert.Fingerprint(cfg.Digest)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Certname:    %s\n", cert.Name())
		fmt.Fprintf(out, "Subject:     %s\n", credential.SubjectString(cert.Subject()))
		fmt.Fprintf(out, "Issuer:      %s\n", credential.SubjectString(cert.Issuer()))
		fmt.Fprintf(out, "Serial:      %X\n", cert.Serial())
		fmt.Fprintf(out, "Not before:  %s\n", cert.NotBefore().UTC().Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "Not after:   %s\n", cert.NotAfter().UTC().Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "Fingerprint: (%s) %s\n", cfg.Digest, fp)
		if sans := cert.SubjectAltNames(); len(sans) > 0 {
			fmt.Fprintf(out, "Alt names:   %s\n", strings.Join(sans, ", "))
		}
		exts := cert.CustomExtensions()
		for _, name := range slices.Sorted(maps.Keys(exts)) {
			fmt.Fprintf(out, "Extension:   %s=%s\n", name, exts[name])
		}

		cacerts, err := store.LoadCACerts()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "CA bundle:   %d certificate(s)\n", len(cacerts))
		if last := store.CRLLastUpdate(); !last.IsZero() {
			fmt.Fprintf(out, "CRL updated: %s\n", last.UTC().Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sslCmd)
	sslCmd.AddCommand(sslBootstrapCmd, sslShowCmd)

	sslCmd.PersistentFlags().String("digest", "", "Digest algorithm for fingerprints")

	f := sslBootstrapCmd.Flags()
	f.String("server", "", "Puppet server hostname")
	f.String("ca-server", "", "CA server hostname (defaults to --server)")
	f.Int("ca-port", 0, "CA server port")
	f.Duration("waitforcert", 0, "Time between certificate checks; below 1s exits instead")
	f.Duration("maxwaitforcert", 0, "Give up waiting for a certificate after this long")
	f.Bool("onetime", false, "Stop at the first failure instead of waiting")
	f.String("ca-fingerprint", "", "Expected digest of the CA bundle")
	f.String("certificate-revocation", "", "Revocation checking: chain, leaf or false")
	f.String("key-type", "", "Private key type: rsa or ec")
	f.StringSlice("dns-alt-names", nil, "DNS alt names to request")
	f.String("csr-attributes", "", "Path to the CSR attributes file")
}
