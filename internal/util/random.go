package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// passwordAlphabet is the printable range 0x30..0x79 used for generated CA
// passwords.
var passwordAlphabet = func() []rune {
	r := make([]rune, 0, 74)
	for c := rune(0x30); c < 0x30+74; c++ {
		r = append(r, c)
	}
	return r
}()

// RandomPassword returns an n character password drawn from ASCII 0x30..0x79.
func RandomPassword(n int) (string, error) {
	return randomFrom(passwordAlphabet, n)
}

func randomFrom(alphabet []rune, n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(alphabet))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(alphabet[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}
