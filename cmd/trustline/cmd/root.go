package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jmcleod/trustline/bootstrap"
	"github.com/jmcleod/trustline/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "trustline",
	Short: "Trustline bootstraps agent certificates and runs the certificate authority",
	Long: `Trustline provisions an agent's CA bundle, CRL, private key and signed
certificate from a certificate authority, and runs that authority.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit *bootstrap.ExitError
		if errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, exit.Message)
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// W3C trace context flows from agents through the CA server's otelhttp
	// handler into log records.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to the YAML configuration file")
	pf.String("certname", "", "Certificate name of this host")
	pf.String("ssldir", "", "Directory holding the agent's credentials")
	pf.String("cadir", "", "Directory holding the certificate authority")
	pf.String("storage", "", "CA storage backend: file, bbolt, memory or postgres")
	pf.String("storage-dsn", "", "Postgres DSN for the postgres storage backend")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text or json")
}

// loadConfig reads the configuration with cmd's flags layered on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
