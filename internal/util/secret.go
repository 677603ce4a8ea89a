package util

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// NewSecret seals b into a memguard enclave and wipes b. Empty input yields nil.
func NewSecret(b []byte) *memguard.Enclave {
	if len(b) == 0 {
		return nil
	}
	return memguard.NewEnclave(b)
}

// WithSecret opens enclave for the duration of fn. A nil enclave calls fn
// with nil.
func WithSecret(enclave *memguard.Enclave, fn func(secret []byte) error) error {
	if enclave == nil {
		return fn(nil)
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// ErrEmptySecret is returned when a secret file exists but is empty.
var ErrEmptySecret = errors.New("util: secret is empty")
