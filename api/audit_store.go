package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/jmcleod/trustline/internal/uuid"
	"github.com/jmcleod/trustline/storage"
)

const auditRecordType = "audit"

func newAuditEntry(event AuditEvent, r *http.Request, at time.Time, attrs []slog.Attr) AuditEntry {
	entry := AuditEntry{
		ID:         uuid.New(),
		Event:      string(event),
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  at,
	}
	for _, a := range attrs {
		switch a.Key {
		case "certname":
			entry.Certname = a.Value.String()
		case "serial":
			entry.Serial = a.Value.String()
		case "actor":
			entry.Actor = a.Value.String()
		case "reason":
			entry.Reason = a.Value.String()
		}
	}
	if entry.Actor == "" {
		entry.Actor, _ = clientCertname(r)
	}
	return entry
}

func appendAuditEntry(repo storage.Repository, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return repo.Put(auditRecordType, entry.ID, data)
}

// listAuditEntries returns stored entries newest first. A non-empty certname
// keeps only that host's entries.
func listAuditEntries(repo storage.Repository, certname string) ([]AuditEntry, error) {
	ids, err := repo.List(auditRecordType)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(ids))
	for _, id := range ids {
		rec, err := repo.Get(auditRecordType, id)
		if err != nil {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			continue
		}
		if certname != "" && entry.Certname != certname {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}
