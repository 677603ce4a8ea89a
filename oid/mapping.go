package oid

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type mappingEntry struct {
	ShortName string `yaml:"shortname"`
	LongName  string `yaml:"longname"`
}

type mappingFile struct {
	OIDMapping map[string]mappingEntry `yaml:"oid_mapping"`
}

// LoadMappingFile reads a custom OID mapping file and registers its entries.
// A missing file is not an error.
func (r *Registry) LoadMappingFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading custom OID mapping %s: %w", path, err)
	}
	if err := r.LoadMapping(data); err != nil {
		return fmt.Errorf("loading custom OID mapping %s: %w", path, err)
	}
	return nil
}

// LoadMapping registers the oid_mapping entries in a YAML document. Either
// every entry is registered or none is.
func (r *Registry) LoadMapping(data []byte) error {
	var doc mappingFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	if doc.OIDMapping == nil {
		return fmt.Errorf("%w: no oid_mapping key", ErrInvalidMapping)
	}

	keys := make([]string, 0, len(doc.OIDMapping))
	for k := range doc.OIDMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	staged := &Registry{
		byOID:  make(map[string]Definition, len(r.byOID)+len(keys)),
		byName: make(map[string]Definition, len(r.byName)+2*len(keys)),
	}
	for k, v := range r.byOID {
		staged.byOID[k] = v
	}
	for k, v := range r.byName {
		staged.byName[k] = v
	}
	for _, k := range keys {
		entry := doc.OIDMapping[k]
		if entry.ShortName == "" {
			return fmt.Errorf("%w: undefined shortname for %q", ErrInvalidMapping, k)
		}
		if entry.LongName == "" {
			return fmt.Errorf("%w: undefined longname for %q", ErrInvalidMapping, k)
		}
		if err := staged.register(k, entry.ShortName, entry.LongName); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidMapping, k, err)
		}
	}
	r.byOID, r.byName = staged.byOID, staged.byName
	return nil
}
