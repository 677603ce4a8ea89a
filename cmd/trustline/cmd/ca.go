package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/trustline/internal/config"
	"github.com/jmcleod/trustline/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the certificate authority",
	Long:  `Commands that operate directly on the certificate authority's storage.`,
}

// runCA opens the authority described by cmd's configuration and calls fn.
func runCA(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, ca *caHandle) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	h, err := openCA(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(ctx, cfg, h)
}

// eachName applies fn to every name and joins the failures.
func eachName(names []string, fn func(name string) error) error {
	var errs []error
	for _, name := range names {
		if err := fn(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

var caSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the CA certificate, key and CRL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, cfg *config.Config, ca *caHandle) error {
			out := cmd.OutOrStdout()
			if ca.Ready() {
				fmt.Fprintf(out, "CA %q is already set up\n", ca.Name())
			} else {
				if err := ca.Setup(ctx); err != nil {
					return err
				}
				fmt.Fprintf(out, "Created CA %q\n", ca.Name())
			}
			fp, err := ca.CACertificate().Fingerprint(cfg.Digest)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "(%s) %s\n", cfg.Digest, fp)
			return nil
		})
	},
}

var listAll bool

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending certificate requests, or every host with --all",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, cfg *config.Config, ca *caHandle) error {
			out := cmd.OutOrStdout()
			waiting, err := ca.Waiting(ctx)
			if err != nil {
				return err
			}
			for _, name := range waiting {
				line, err := listLine(ctx, cfg, ca, " ", name)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, line)
			}
			if !listAll {
				return nil
			}

			signed, err := ca.List(ctx)
			if err != nil {
				return err
			}
			crl, err := ca.CRL(ctx)
			if err != nil {
				return err
			}
			for _, name := range signed {
				cert, err := ca.Certificate(ctx, name)
				if err != nil {
					return err
				}
				mark := "+"
				if crl.IsRevoked(cert.Serial()) {
					mark = "-"
				}
				line, err := listLine(ctx, cfg, ca, mark, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

func listLine(ctx context.Context, cfg *config.Config, ca *caHandle, mark, name string) (string, error) {
	fp, err := ca.Fingerprint(ctx, name, cfg.Digest)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s %q (%s) %s", mark, name, cfg.Digest, fp)

	var sans []string
	if cert, err := ca.Certificate(ctx, name); err == nil {
		sans = cert.SubjectAltNames()
	} else if csr, err := ca.Request(ctx, name); err == nil {
		sans = csr.SubjectAltNames()
	}
	if len(sans) > 0 {
		line += " (alt names: " + strings.Join(sans, ", ") + ")"
	}
	return line, nil
}

var (
	signAll                 bool
	signType                string
	signAllowDNSAltNames    bool
	signAllowAuthExtensions bool
)

var caSignCmd = &cobra.Command{
	Use:   "sign [name...]",
	Short: "Sign pending certificate requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !signAll && len(args) == 0 {
			return errors.New("name the hosts to sign or pass --all")
		}
		return runCA(cmd, func(ctx context.Context, cfg *config.Config, ca *caHandle) error {
			names := args
			if signAll {
				waiting, err := ca.Waiting(ctx)
				if err != nil {
					return err
				}
				if len(waiting) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No waiting certificate requests to sign")
					return nil
				}
				names = waiting
			}
			opts := pki.SignOptions{
				Role:                         pki.Role(signType),
				AllowDNSAltNames:             signAllowDNSAltNames,
				AllowAuthorizationExtensions: signAllowAuthExtensions,
			}
			return eachName(names, func(name string) error {
				cert, err := ca.Sign(ctx, name, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed certificate request for %s (serial %X)\n", cert.Name(), cert.Serial())
				return nil
			})
		})
	},
}

var caRevokeCmd = &cobra.Command{
	Use:   "revoke name...",
	Short: "Revoke host certificates and update the CRL",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, _ *config.Config, ca *caHandle) error {
			return eachName(args, func(name string) error {
				if err := ca.Revoke(ctx, name, pki.DefaultRevocationReason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked certificate for %s\n", name)
				return nil
			})
		})
	},
}

var caVerifyCmd = &cobra.Command{
	Use:   "verify name",
	Short: "Verify a host certificate against the CA certificate and CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, _ *config.Config, ca *caHandle) error {
			if err := ca.Verify(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verified certificate for %s\n", args[0])
			return nil
		})
	},
}

var caFingerprintCmd = &cobra.Command{
	Use:   "fingerprint name...",
	Short: "Print the fingerprint of host certificates or pending requests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, cfg *config.Config, ca *caHandle) error {
			return eachName(args, func(name string) error {
				fp, err := ca.Fingerprint(ctx, name, cfg.Digest)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s\n", name, cfg.Digest, fp)
				return nil
			})
		})
	},
}

var caGenerateCmd = &cobra.Command{
	Use:   "generate name",
	Short: "Generate and sign a key and certificate on the CA host",
	Long: `Generate a private key for the host, sign a certificate for it and write
both into the ssldir.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, cfg *config.Config, ca *caHandle) error {
			store, err := newCredentialStore(cfg, slog.Default())
			if err != nil {
				return err
			}
			cert, key, err := ca.Generate(ctx, args[0], cfg.DNSAltNames)
			if err != nil {
				return err
			}
			password, err := store.LoadPrivateKeyPassword()
			if err != nil {
				return err
			}
			if err := store.SavePrivateKey(cert.Name(), key, password); err != nil {
				return err
			}
			if err := store.SaveClientCert(cert.Name(), cert.X509()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated key and certificate for %s\n", cert.Name())
			return nil
		})
	},
}

var caCleanCmd = &cobra.Command{
	Use:   "clean name...",
	Short: "Revoke and remove everything the CA holds for hosts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCA(cmd, func(ctx context.Context, _ *config.Config, ca *caHandle) error {
			return eachName(args, func(name string) error {
				if err := ca.Clean(ctx, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleaned files related to %s\n", name)
				return nil
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caSetupCmd, caListCmd, caSignCmd, caRevokeCmd, caVerifyCmd,
		caFingerprintCmd, caGenerateCmd, caCleanCmd)

	caCmd.PersistentFlags().String("digest", "", "Digest algorithm for fingerprints")
	caCmd.PersistentFlags().String("autosign", "", "Autosign setting: true, false or an allow-list path")

	caListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Also list signed and revoked certificates")

	caSignCmd.Flags().BoolVarP(&signAll, "all", "a", false, "Sign every pending request")
	caSignCmd.Flags().StringVar(&signType, "type", string(pki.RoleServer), "Certificate role: server, client, ocsp, ca or intermediate-ca")
	caSignCmd.Flags().BoolVar(&signAllowDNSAltNames, "allow-dns-alt-names", false, "Sign requests carrying DNS alt names")
	caSignCmd.Flags().BoolVar(&signAllowAuthExtensions, "allow-authorization-extensions", false, "Sign requests carrying authorization extensions")

	caGenerateCmd.Flags().StringSlice("dns-alt-names", nil, "DNS alt names for the generated certificate")
}
