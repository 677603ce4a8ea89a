package api

import "time"

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Certificate states reported by the status routes.
const (
	StateRequested = "requested"
	StateSigned    = "signed"
	StateRevoked   = "revoked"
)

// CertificateStatus describes a pending request or an issued certificate.
type CertificateStatus struct {
	Name                    string            `json:"name"`
	State                   string            `json:"state"`
	Fingerprint             string            `json:"fingerprint"`
	Fingerprints            map[string]string `json:"fingerprints"`
	DNSAltNames             []string          `json:"dns_alt_names"`
	SubjectAltNames         []string          `json:"subject_alt_names"`
	AuthorizationExtensions map[string]string `json:"authorization_extensions"`
	SerialNumber            string            `json:"serial_number,omitempty"`
	NotBefore               *time.Time        `json:"not_before,omitempty"`
	NotAfter                *time.Time        `json:"not_after,omitempty"`
}

// CertificateStatusList is returned from GET /certificate_statuses.
type CertificateStatusList struct {
	Statuses []CertificateStatus `json:"statuses"`
	PaginationMeta
}

// SetCertificateStatusRequest is the JSON body for PUT /certificate_status/{name}.
type SetCertificateStatusRequest struct {
	DesiredState string `json:"desired_state"`
}

// AuditEntry is a persisted audit event.
type AuditEntry struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	Certname   string    `json:"certname,omitempty"`
	Serial     string    `json:"serial,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEntryList is returned from GET /audit.
type AuditEntryList struct {
	Entries []AuditEntry `json:"entries"`
	PaginationMeta
}
