package pki

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/storage"
)

// casRetries bounds compare-and-swap retries for inventory appends.
const casRetries = 5

// Inventory is the append-only ledger of every certificate the authority has
// issued. Each line reads
//
//	0x0002 2024-01-01T00:00:00Z 2029-01-01T00:00:00Z /CN=agent.example.com
type Inventory struct {
	repo storage.Repository
	mu   sync.Mutex
}

// NewInventory returns an inventory stored in repo's "ca/inventory" record.
func NewInventory(repo storage.Repository) *Inventory {
	return &Inventory{repo: repo}
}

// InventoryEntry is one parsed inventory line.
type InventoryEntry struct {
	Serial    *big.Int
	NotBefore time.Time
	NotAfter  time.Time
	Subject   string
}

func formatEntry(cert *x509.Certificate) string {
	return fmt.Sprintf("0x%04X %s %s %s\n",
		cert.SerialNumber,
		cert.NotBefore.UTC().Format(time.RFC3339),
		cert.NotAfter.UTC().Format(time.RFC3339),
		credential.SubjectString(cert.Subject),
	)
}

func parseEntry(line string) (InventoryEntry, error) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) != 4 || !strings.HasPrefix(fields[0], "0x") {
		return InventoryEntry{}, fmt.Errorf("pki: malformed inventory line %q", line)
	}
	serial, ok := new(big.Int).SetString(strings.TrimPrefix(fields[0], "0x"), 16)
	if !ok {
		return InventoryEntry{}, fmt.Errorf("pki: malformed inventory serial %q", fields[0])
	}
	notBefore, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		return InventoryEntry{}, fmt.Errorf("pki: malformed inventory time %q: %w", fields[1], err)
	}
	notAfter, err := time.Parse(time.RFC3339, fields[2])
	if err != nil {
		return InventoryEntry{}, fmt.Errorf("pki: malformed inventory time %q: %w", fields[2], err)
	}
	return InventoryEntry{Serial: serial, NotBefore: notBefore, NotAfter: notAfter, Subject: fields[3]}, nil
}

// Add appends cert to the inventory.
func (inv *Inventory) Add(cert *x509.Certificate) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	line := []byte(formatEntry(cert))
	for attempt := 0; ; attempt++ {
		var data []byte
		var version uint64
		rec, err := inv.repo.Get(recordCA, caInventoryID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return fmt.Errorf("reading inventory: %w", err)
		default:
			data, version = rec.Data, rec.Version
		}

		err = inv.repo.PutCAS(recordCA, caInventoryID, version, append(append([]byte(nil), data...), line...))
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) || attempt >= casRetries {
			return fmt.Errorf("writing inventory: %w", err)
		}
	}
}

// Entries returns every parsed line in file order.
func (inv *Inventory) Entries() ([]InventoryEntry, error) {
	rec, err := inv.repo.Get(recordCA, caInventoryID)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	var out []InventoryEntry
	sc := bufio.NewScanner(bytes.NewReader(rec.Data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	return out, nil
}

// Serials returns the serials issued to the subject "/CN=<name>", oldest
// first.
func (inv *Inventory) Serials(name string) ([]*big.Int, error) {
	entries, err := inv.Entries()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	subject := "/CN=" + name
	var out []*big.Int
	for _, e := range entries {
		if e.Subject == subject {
			out = append(out, e.Serial)
		}
	}
	return out, nil
}

// Rebuild regenerates the inventory from certs, ordered by serial.
func (inv *Inventory) Rebuild(certs []*x509.Certificate) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	sorted := append([]*x509.Certificate(nil), certs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SerialNumber.Cmp(sorted[j].SerialNumber) < 0
	})
	var buf bytes.Buffer
	for _, c := range sorted {
		buf.WriteString(formatEntry(c))
	}
	if err := inv.repo.Put(recordCA, caInventoryID, buf.Bytes()); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	return nil
}

// ensureInventory rebuilds the inventory from the CA certificate and every
// signed certificate when the record is missing or unreadable.
func (ca *CA) ensureInventory() error {
	_, err := ca.inventory.Entries()
	if err == nil {
		return nil
	}

	var certs []*x509.Certificate
	if rec, err := ca.repo.Get(recordCA, caCertID); err == nil {
		if c, err := credential.ParseCertificate(rec.Data); err == nil {
			certs = append(certs, c.X509())
		}
	}
	names, err := ca.repo.List(recordSigned)
	if err != nil {
		return fmt.Errorf("listing certificates: %w", err)
	}
	for _, name := range names {
		rec, err := ca.repo.Get(recordSigned, name)
		if err != nil {
			continue
		}
		c, err := credential.ParseCertificate(rec.Data)
		if err != nil {
			ca.logger.Warn("Skipping unreadable certificate while rebuilding inventory", "name", name, "error", err)
			continue
		}
		certs = append(certs, c.X509())
	}
	ca.logger.Info("Rebuilding inventory", "certificates", len(certs))
	return ca.inventory.Rebuild(certs)
}
