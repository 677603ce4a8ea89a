// Package config loads trustline settings from defaults, a YAML file,
// TRUSTLINE_* environment variables and command line flags, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// PKCS11 selects the token holding the CA key when keystore is "pkcs11".
type PKCS11 struct {
	Module string `mapstructure:"module"`
	Token  string `mapstructure:"token"`
	PIN    string `mapstructure:"pin"`
	Slot   *int   `mapstructure:"slot"`
}

// Config holds agent, CA and server settings.
type Config struct {
	Certname  string `mapstructure:"certname"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Agent
	SSLDir                  string        `mapstructure:"ssldir"`
	Server                  string        `mapstructure:"server"`
	CAServer                string        `mapstructure:"ca_server"`
	CAPort                  int           `mapstructure:"ca_port"`
	WaitForCert             time.Duration `mapstructure:"waitforcert"`
	MaxWaitForCert          time.Duration `mapstructure:"maxwaitforcert"`
	OneTime                 bool          `mapstructure:"onetime"`
	KeyType                 string        `mapstructure:"key_type"`
	KeyLength               int           `mapstructure:"keylength"`
	NamedCurve              string        `mapstructure:"named_curve"`
	CertificateRevocation   string        `mapstructure:"certificate_revocation"`
	CAFingerprint           string        `mapstructure:"ca_fingerprint"`
	Digest                  string        `mapstructure:"digest"`
	CARefreshInterval       time.Duration `mapstructure:"ca_refresh_interval"`
	CRLRefreshInterval      time.Duration `mapstructure:"crl_refresh_interval"`
	HostcertRenewalInterval time.Duration `mapstructure:"hostcert_renewal_interval"`
	DNSAltNames             []string      `mapstructure:"dns_alt_names"`
	CSRAttributes           string        `mapstructure:"csr_attributes"`
	Passfile                string        `mapstructure:"passfile"`
	HTTPConnectTimeout      time.Duration `mapstructure:"http_connect_timeout"`
	HTTPReadTimeout         time.Duration `mapstructure:"http_read_timeout"`
	SSLLockfile             string        `mapstructure:"ssl_lockfile"`

	// CA
	CADir                        string        `mapstructure:"cadir"`
	CAName                       string        `mapstructure:"ca_name"`
	CATTL                        time.Duration `mapstructure:"ca_ttl"`
	Autosign                     string        `mapstructure:"autosign"`
	AllowSubjectAltNames         bool          `mapstructure:"allow_subject_alt_names"`
	AllowAuthorizationExtensions bool          `mapstructure:"allow_authorization_extensions"`
	AllowAutoRenewal             bool          `mapstructure:"allow_auto_renewal"`
	Capass                       string        `mapstructure:"capass"`
	Storage                      string        `mapstructure:"storage"`
	StorageDSN                   string        `mapstructure:"storage_dsn"`
	Keystore                     string        `mapstructure:"keystore"`
	PKCS11                       PKCS11        `mapstructure:"pkcs11"`
	OIDMappingFile               string        `mapstructure:"custom_trusted_oid_mapping_file"`

	// Server
	Listen           string   `mapstructure:"listen"`
	TLSCert          string   `mapstructure:"tls_cert"`
	TLSKey           string   `mapstructure:"tls_key"`
	CSRRateLimit     int      `mapstructure:"csr_rate_limit"`
	Admins           []string `mapstructure:"admins"`
	TrustedProxies   []string `mapstructure:"trusted_proxies"`
	AuditStore       bool     `mapstructure:"audit_store"`
	AuditWebhook     string   `mapstructure:"audit_webhook"`
	AuditWebhookAuth string   `mapstructure:"audit_webhook_auth"`
}

func defaults(v *viper.Viper) {
	host, _ := os.Hostname()
	v.SetDefault("certname", strings.ToLower(host))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("ssldir", "/etc/trustline/ssl")
	v.SetDefault("server", "puppet")
	v.SetDefault("ca_server", "")
	v.SetDefault("ca_port", 8140)
	v.SetDefault("waitforcert", 2*time.Minute)
	v.SetDefault("maxwaitforcert", time.Duration(0))
	v.SetDefault("onetime", false)
	v.SetDefault("key_type", "rsa")
	v.SetDefault("keylength", 4096)
	v.SetDefault("named_curve", "prime256v1")
	v.SetDefault("certificate_revocation", "chain")
	v.SetDefault("ca_fingerprint", "")
	v.SetDefault("digest", "SHA256")
	v.SetDefault("ca_refresh_interval", 24*time.Hour)
	v.SetDefault("crl_refresh_interval", 24*time.Hour)
	v.SetDefault("hostcert_renewal_interval", 30*24*time.Hour)
	v.SetDefault("dns_alt_names", []string{})
	v.SetDefault("csr_attributes", "")
	v.SetDefault("passfile", "")
	v.SetDefault("http_connect_timeout", 2*time.Minute)
	v.SetDefault("http_read_timeout", 10*time.Minute)
	v.SetDefault("ssl_lockfile", "")

	v.SetDefault("cadir", "/etc/trustline/ca")
	v.SetDefault("ca_name", "")
	v.SetDefault("ca_ttl", 5*365*24*time.Hour)
	v.SetDefault("autosign", "false")
	v.SetDefault("allow_subject_alt_names", false)
	v.SetDefault("allow_authorization_extensions", false)
	v.SetDefault("allow_auto_renewal", false)
	v.SetDefault("capass", "")
	v.SetDefault("storage", "file")
	v.SetDefault("storage_dsn", "")
	v.SetDefault("keystore", "software")
	v.SetDefault("pkcs11.module", "")
	v.SetDefault("pkcs11.token", "")
	v.SetDefault("pkcs11.pin", "")
	v.SetDefault("custom_trusted_oid_mapping_file", "")

	v.SetDefault("listen", ":8140")
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("csr_rate_limit", 20)
	v.SetDefault("admins", []string{})
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("audit_store", false)
	v.SetDefault("audit_webhook", "")
	v.SetDefault("audit_webhook_auth", "")
}

// Load reads the YAML file at path, when set, and overlays the environment
// and any changed flags. Flag names use dashes where keys use underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("TRUSTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if bindErr == nil && v.IsSet(key) {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Certname = strings.ToLower(cfg.Certname)
	return &cfg, nil
}

var certnamePattern = regexp.MustCompile(`^[ -.0-~]+$`)

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if !certnamePattern.MatchString(c.Certname) {
		return fmt.Errorf("%w: certname %q", ErrInvalidConfig, c.Certname)
	}
	switch strings.ToLower(c.CertificateRevocation) {
	case "chain", "true", "leaf", "false":
	default:
		return fmt.Errorf("%w: certificate_revocation %q must be chain, leaf or false", ErrInvalidConfig, c.CertificateRevocation)
	}
	switch c.KeyType {
	case "rsa", "ec":
	default:
		return fmt.Errorf("%w: key_type %q must be rsa or ec", ErrInvalidConfig, c.KeyType)
	}
	switch c.Autosign {
	case "", "true", "false":
	default:
		if !filepath.IsAbs(c.Autosign) {
			return fmt.Errorf("%w: autosign %q must be true, false or an absolute path", ErrInvalidConfig, c.Autosign)
		}
	}
	switch c.Storage {
	case "file", "bbolt", "memory":
	case "postgres":
		if c.StorageDSN == "" {
			return fmt.Errorf("%w: storage postgres needs storage_dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage %q must be file, bbolt, memory or postgres", ErrInvalidConfig, c.Storage)
	}
	switch c.Keystore {
	case "software":
	case "pkcs11":
		if c.PKCS11.Module == "" {
			return fmt.Errorf("%w: keystore pkcs11 needs pkcs11.module", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: keystore %q must be software or pkcs11", ErrInvalidConfig, c.Keystore)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalidConfig)
	}
	if c.CAPort <= 0 || c.CAPort > 65535 {
		return fmt.Errorf("%w: ca_port %d", ErrInvalidConfig, c.CAPort)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// CAHost returns ca_server, falling back to server.
func (c *Config) CAHost() string {
	if c.CAServer != "" {
		return c.CAServer
	}
	return c.Server
}

// LockPath returns ssl_lockfile, defaulting to <ssldir>/ssl.lock.
func (c *Config) LockPath() string {
	if c.SSLLockfile != "" {
		return c.SSLLockfile
	}
	return filepath.Join(c.SSLDir, "ssl.lock")
}

// TrustedProxyPrefixes parses trusted_proxies. Bare addresses are single
// host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, s := range c.TrustedProxies {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted_proxies entry %q", ErrInvalidConfig, s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
