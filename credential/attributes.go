package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// RequestAttributes is the content of a csr_attributes file.
type RequestAttributes struct {
	CustomAttributes  map[string]string `yaml:"custom_attributes"`
	ExtensionRequests map[string]string `yaml:"extension_requests"`
}

// LoadRequestAttributes reads a csr_attributes YAML file. A missing file
// yields an empty result.
func LoadRequestAttributes(path string) (*RequestAttributes, error) {
	attrs := &RequestAttributes{}
	if path == "" {
		return attrs, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return attrs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csr attributes %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(attrs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAttributes, path, err)
	}
	return attrs, nil
}
