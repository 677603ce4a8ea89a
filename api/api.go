// Package api serves the certificate authority over HTTPS. The routes under
// /puppet-ca/v1 are the contract the bootstrap client speaks; the status and
// audit routes are for operators holding an allowed client certificate.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jmcleod/trustline/pki"
	"github.com/jmcleod/trustline/routes"
	"github.com/jmcleod/trustline/storage"
)

// API holds the dependencies needed by the CA handlers.
type API struct {
	ca             *pki.CA
	logger         *slog.Logger
	audit          *auditLogger
	auditRepo      storage.Repository
	limiter        *submissionLimiter
	metrics        *caMetrics
	registry       *prometheus.Registry
	admins         map[string]bool
	trustedProxies []netip.Prefix
	alertFn        AlertFunc
	webhook        *auditWebhook
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request handling and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAdmins sets the certnames whose client certificates may read and change
// certificate statuses. Without any, those routes answer 403.
func WithAdmins(certnames ...string) Option {
	return func(a *API) {
		for _, n := range certnames {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				a.admins[n] = true
			}
		}
	}
}

// WithCSRRateLimit sets how many CSR submissions one client address may make
// before it is locked out. Zero disables the limit.
func WithCSRRateLimit(n int) Option {
	return func(a *API) {
		a.limiter = newSubmissionLimiter(n)
	}
}

// WithTrustedProxies lists the proxy ranges whose forwarding headers are
// believed when rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = append([]netip.Prefix(nil), prefixes...)
	}
}

// WithRegistry registers the CA metrics with reg instead of a private
// registry. /metrics always serves the registry in use.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) {
		if reg != nil {
			a.registry = reg
		}
	}
}

// WithAlertFunc is called when CSR submissions or revocations spike.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditStore persists audit events in repo and serves them on /audit.
func WithAuditStore(repo storage.Repository) Option {
	return func(a *API) {
		a.auditRepo = repo
	}
}

// WithAuditWebhook forwards audit events to url. authHeader is optional and
// has the form "Header: value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// New creates an API serving ca.
func New(ca *pki.CA, opts ...Option) *API {
	a := &API{
		ca:      ca,
		admins:  make(map[string]bool),
		limiter: newSubmissionLimiter(defaultSubmissionLimit),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	if a.alertFn == nil {
		a.alertFn = func(evt AlertEvent) {
			a.logger.Warn(evt.Message, "alert", string(evt.Type), "count", evt.Count, "threshold", evt.Threshold)
		}
	}
	a.metrics = newCAMetrics(a.registry, ca)
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.repo = a.auditRepo
	a.audit.webhook = a.webhook
	a.logger = a.logger.With("component", "api")
	return a
}

// Close drains the audit webhook queue.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Sweep drops expired rate limit records every interval until ctx is done.
func (a *API) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.sweep()
		}
	}
}

// Router returns a chi.Router with the CA routes. It is mounted at
// routes.Prefix by Handler.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: routes.Prefix + "/openapi.yaml",
		Path:    strings.TrimPrefix(routes.Prefix, "/") + "/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: routes.Prefix + "/openapi.yaml",
		Path:    strings.TrimPrefix(routes.Prefix, "/") + "/redoc",
	}, nil))

	r.Get("/certificate/{name}", a.GetCertificate)
	r.Get("/certificate_revocation_list/{name}", a.GetCRL)
	r.Get("/certificate_request/{name}", a.GetCertificateRequest)
	r.Put("/certificate_request/{name}", a.PutCertificateRequest)
	r.Post("/certificate_renewal", a.PostCertificateRenewal)

	r.Group(func(r chi.Router) {
		r.Use(a.AdminMiddleware)
		r.Get("/certificate_statuses", a.ListCertificateStatuses)
		r.Get("/certificate_status/{name}", a.GetCertificateStatus)
		r.Put("/certificate_status/{name}", a.PutCertificateStatus)
		r.Delete("/certificate_status/{name}", a.DeleteCertificateStatus)
		r.Get("/audit", a.ListAuditEntries)
	})

	return r
}

// Handler returns the complete server handler: health and metrics at the
// root and the CA routes under routes.Prefix.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(a.metrics.middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !a.ca.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("CA not set up"))
			return
		}
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", a.metrics.handler(a.registry))
	r.Mount(routes.Prefix, a.Router())

	return otelhttp.NewHandler(r, "trustline-ca")
}

// clientCertname returns the common name of the verified client certificate,
// if the request carried one.
func clientCertname(r *http.Request) (string, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", false
	}
	return strings.ToLower(r.TLS.PeerCertificates[0].Subject.CommonName), true
}

// AdminMiddleware admits requests whose client certificate names an admin.
func (a *API) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := clientCertname(r)
		if !ok {
			writeError(w, http.StatusForbidden, "a client certificate is required")
			return
		}
		if !a.admins[name] {
			a.audit.logFailure(AuditAdminDenied, r, "certname not allowed", slog.String("certname", name))
			writeError(w, http.StatusForbidden, "certname "+name+" may not manage certificates")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, name)))
	})
}

type contextKey int

const adminKey contextKey = iota

func adminFromContext(ctx context.Context) string {
	name, _ := ctx.Value(adminKey).(string)
	return name
}
