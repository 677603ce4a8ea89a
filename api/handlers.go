package api

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/oid"
	"github.com/jmcleod/trustline/pki"
)

// maxRequestBody bounds a submitted CSR or status change.
const maxRequestBody = 64 << 10

var statusDigests = []string{"SHA1", "SHA256", "SHA512"}

func pathName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := credential.ValidateName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return name, true
}

// GetCertificate serves the signed certificate of a host, or the CA
// certificate for "ca".
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok {
		return
	}
	cert, err := a.ca.Certificate(r.Context(), name)
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, cert.PEM())
}

// GetCRL serves the CA's CRL. Only the name "ca" exists. Last-Modified is
// when the CRL was signed; a request whose If-Modified-Since is not older
// gets a 304.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "name") != pki.CAName {
		writeError(w, http.StatusNotFound, "Could not find certificate revocation list "+chi.URLParam(r, "name"))
		return
	}
	crl, err := a.ca.CRL(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	lastModified := pki.CRLPublished(crl)
	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if since, err := http.ParseTime(ims); err == nil && !lastModified.After(since) {
			a.metrics.crlRequests.WithLabelValues("not_modified").Inc()
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	a.metrics.crlRequests.WithLabelValues("served").Inc()
	writePEM(w, crl.PEM())
}

// GetCertificateRequest serves the pending CSR of a host.
func (a *API) GetCertificateRequest(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok {
		return
	}
	csr, err := a.ca.Request(r.Context(), name)
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, csr.PEM())
}

// PutCertificateRequest accepts a PEM CSR for the host in the path and runs
// autosigning on it.
func (a *API) PutCertificateRequest(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.limiter.check(ip); blocked {
		a.metrics.submissions.WithLabelValues("rate_limited").Inc()
		a.audit.logFailure(AuditCSRRateLimited, r, "too many submissions", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}
	a.limiter.record(ip)

	name, ok := pathName(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading certificate request: "+err.Error())
		return
	}
	csr, err := credential.ParseRequest(body)
	if err != nil {
		a.rejectRequest(w, r, name, err)
		return
	}
	if got := strings.ToLower(csr.Name()); got != name {
		a.rejectRequest(w, r, name, fmt.Errorf("Instance name %q does not match requested key %q", got, name))
		return
	}

	signed, err := a.ca.SubmitRequest(r.Context(), csr)
	if err != nil {
		a.rejectRequest(w, r, name, err)
		return
	}
	a.metrics.submissions.WithLabelValues("accepted").Inc()
	a.audit.logEvent(AuditCSRSubmitted, r, name)
	if signed {
		a.metrics.signed.Inc()
		a.audit.logEvent(AuditCSRSigned, r, name, slog.String("signed_by", "autosign"))
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

func (a *API) rejectRequest(w http.ResponseWriter, r *http.Request, name string, err error) {
	a.metrics.submissions.WithLabelValues("rejected").Inc()
	a.audit.logFailure(AuditCSRRejected, r, err.Error(), slog.String("certname", name))
	status := http.StatusBadRequest
	if s := errorStatus(err); s >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "certificate request failed", "certname", name, "error", err)
		status = s
	}
	writeError(w, status, err.Error())
}

// PostCertificateRenewal re-issues the client certificate presented on the
// TLS connection.
func (a *API) PostCertificateRenewal(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		writeError(w, http.StatusBadRequest, "No client certificate was presented")
		return
	}
	presented := r.TLS.PeerCertificates[0]
	cert, err := a.ca.Renew(r.Context(), presented)
	if err != nil {
		mapError(w, err)
		return
	}
	a.metrics.renewed.Inc()
	a.audit.logEvent(AuditCertRenewed, r, cert.Name(),
		slog.String("old_serial", serialHex(presented)),
		slog.String("serial", serialHex(cert.X509())))
	writePEM(w, cert.PEM())
}

// ---------------------------------------------------------------------------
// Certificate statuses
// ---------------------------------------------------------------------------

// ListCertificateStatuses returns every pending request and issued
// certificate, optionally filtered by ?state=.
func (a *API) ListCertificateStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := r.URL.Query().Get("state")
	switch filter {
	case "", StateRequested, StateSigned, StateRevoked:
	default:
		writeError(w, http.StatusBadRequest, "unknown state "+filter)
		return
	}

	statuses, err := a.allStatuses(ctx)
	if err != nil {
		mapError(w, err)
		return
	}
	if filter != "" {
		kept := statuses[:0]
		for _, s := range statuses {
			if s.State == filter {
				kept = append(kept, s)
			}
		}
		statuses = kept
	}

	limit, offset := parsePagination(r)
	page, meta := paginate(statuses, limit, offset)
	writeJSON(w, http.StatusOK, CertificateStatusList{Statuses: page, PaginationMeta: meta})
}

func (a *API) allStatuses(ctx context.Context) ([]CertificateStatus, error) {
	waiting, err := a.ca.Waiting(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := a.ca.List(ctx)
	if err != nil {
		return nil, err
	}
	crl, err := a.ca.CRL(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]CertificateStatus, 0, len(waiting)+len(signed))
	for _, name := range waiting {
		csr, err := a.ca.Request(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, requestStatus(csr))
	}
	for _, name := range signed {
		cert, err := a.ca.Certificate(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, certificateStatus(cert, crl))
	}
	return out, nil
}

func (a *API) status(ctx context.Context, name string) (CertificateStatus, error) {
	cert, err := a.ca.Certificate(ctx, name)
	if err == nil {
		crl, err := a.ca.CRL(ctx)
		if err != nil {
			return CertificateStatus{}, err
		}
		return certificateStatus(cert, crl), nil
	}
	if !errors.Is(err, pki.ErrCertNotFound) {
		return CertificateStatus{}, err
	}
	csr, err := a.ca.Request(ctx, name)
	if errors.Is(err, pki.ErrRequestNotFound) {
		return CertificateStatus{}, fmt.Errorf("%w or request for %s", pki.ErrCertNotFound, name)
	}
	if err != nil {
		return CertificateStatus{}, err
	}
	return requestStatus(csr), nil
}

// GetCertificateStatus describes one host.
func (a *API) GetCertificateStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok {
		return
	}
	st, err := a.status(r.Context(), name)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PutCertificateStatus signs a pending request or revokes a certificate.
func (a *API) PutCertificateStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok {
		return
	}
	var req SetCertificateStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	actor := slog.String("actor", adminFromContext(ctx))
	switch req.DesiredState {
	case StateSigned:
		cert, err := a.ca.Sign(ctx, name, pki.SignOptions{})
		if err != nil {
			mapError(w, err)
			return
		}
		a.metrics.signed.Inc()
		a.audit.logEvent(AuditCSRSigned, r, name, actor, slog.String("serial", serialHex(cert.X509())))
	case StateRevoked:
		if err := a.ca.Revoke(ctx, name, pki.DefaultRevocationReason); err != nil {
			mapError(w, err)
			return
		}
		a.metrics.revoked.Inc()
		a.audit.logEvent(AuditCertRevoked, r, name, actor)
		a.audit.logEvent(AuditCRLGenerated, r, name, actor)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("desired_state must be %q or %q", StateSigned, StateRevoked))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCertificateStatus revokes and removes everything the CA holds for
// a host.
func (a *API) DeleteCertificateStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok {
		return
	}
	if err := a.ca.Clean(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertCleaned, r, name, slog.String("actor", adminFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// ListAuditEntries returns persisted audit events, newest first, optionally
// filtered by ?certname=.
func (a *API) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	if a.auditRepo == nil {
		writeError(w, http.StatusNotFound, "audit storage is not enabled")
		return
	}
	entries, err := listAuditEntries(a.auditRepo, r.URL.Query().Get("certname"))
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(entries, limit, offset)
	writeJSON(w, http.StatusOK, AuditEntryList{Entries: page, PaginationMeta: meta})
}

// ---------------------------------------------------------------------------
// Status rendering
// ---------------------------------------------------------------------------

func fingerprints(der []byte) (string, map[string]string) {
	out := make(map[string]string, len(statusDigests)+1)
	for _, alg := range statusDigests {
		if fp, err := credential.Digest(alg, der); err == nil {
			out[alg] = fp
		}
	}
	out["default"] = out["SHA256"]
	return out["SHA256"], out
}

func dnsNames(sans []string) []string {
	out := make([]string, 0, len(sans))
	for _, san := range sans {
		if dns, ok := strings.CutPrefix(san, "DNS:"); ok {
			out = append(out, dns)
		}
	}
	return out
}

func authorizationExtensions(exts []credential.Extension) map[string]string {
	out := make(map[string]string)
	for _, e := range exts {
		if oid.Subtree(e.OID, oid.AuthCertExt) {
			out[e.Name] = e.StringValue()
		}
	}
	return out
}

func requestStatus(csr *credential.Request) CertificateStatus {
	fp, fps := fingerprints(csr.DER())
	sans := csr.SubjectAltNames()
	return CertificateStatus{
		Name:                    strings.ToLower(csr.Name()),
		State:                   StateRequested,
		Fingerprint:             fp,
		Fingerprints:            fps,
		DNSAltNames:             dnsNames(sans),
		SubjectAltNames:         sans,
		AuthorizationExtensions: authorizationExtensions(csr.RequestExtensions()),
	}
}

func certificateStatus(cert *credential.Certificate, crl *credential.CRL) CertificateStatus {
	fp, fps := fingerprints(cert.X509().Raw)
	sans := cert.SubjectAltNames()
	state := StateSigned
	if crl != nil && crl.IsRevoked(cert.Serial()) {
		state = StateRevoked
	}
	notBefore, notAfter := cert.NotBefore(), cert.NotAfter()
	return CertificateStatus{
		Name:                    strings.ToLower(cert.Name()),
		State:                   state,
		Fingerprint:             fp,
		Fingerprints:            fps,
		DNSAltNames:             dnsNames(sans),
		SubjectAltNames:         sans,
		AuthorizationExtensions: authorizationExtensions(cert.Extensions()),
		SerialNumber:            serialHex(cert.X509()),
		NotBefore:               &notBefore,
		NotAfter:                &notAfter,
	}
}

func serialHex(cert *x509.Certificate) string {
	return fmt.Sprintf("%X", cert.SerialNumber)
}
