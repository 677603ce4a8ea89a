package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/trustline/storage"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCSRSubmitted   AuditEvent = "csr_submitted"
	AuditCSRSigned      AuditEvent = "csr_signed"
	AuditCSRRejected    AuditEvent = "csr_rejected"
	AuditCSRRateLimited AuditEvent = "csr_rate_limited"
	AuditCertRevoked    AuditEvent = "cert_revoked"
	AuditCertRenewed    AuditEvent = "cert_renewed"
	AuditCertCleaned    AuditEvent = "cert_cleaned"
	AuditCRLGenerated   AuditEvent = "crl_generated"
	AuditAdminDenied    AuditEvent = "admin_denied"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Events are also persisted and forwarded when a store or webhook is set.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	repo    storage.Repository
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	if name, ok := clientCertname(r); ok {
		baseAttrs = append(baseAttrs, slog.String("client_certname", name))
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.repo == nil && al.webhook == nil {
		return
	}
	entry := newAuditEntry(event, r, now, attrs)
	if al.repo != nil {
		if err := appendAuditEntry(al.repo, entry); err != nil {
			al.logger.WarnContext(r.Context(), "persisting audit event failed", "event", string(event), "error", err)
		}
	}
	if al.webhook != nil {
		al.webhook.enqueue(entry)
	}
}

// logEvent is a convenience for events about one certname.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, certname string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("certname", certname),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a refused request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
