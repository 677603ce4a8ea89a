package util

import (
	"testing"
)

func TestRandomPassword(t *testing.T) {
	pw, err := RandomPassword(20)
	if err != nil {
		t.Fatalf("RandomPassword failed: %v", err)
	}
	if len(pw) != 20 {
		t.Fatalf("expected 20 chars, got %d", len(pw))
	}
	for _, c := range pw {
		if c < 0x30 || c > 0x79 {
			t.Errorf("character %q outside the password alphabet", c)
		}
	}
}

func TestColonHex(t *testing.T) {
	if got := ColonHex([]byte{0xab, 0x01, 0xff}); got != "AB:01:FF" {
		t.Errorf("unexpected colon hex %q", got)
	}
	if got := ColonHex(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	a := NormalizeFingerprint("ab:cd:ef:01")
	b := NormalizeFingerprint("ABCDEF01")
	if a != b {
		t.Errorf("expected %q == %q", a, b)
	}
}

func TestNormalize(t *testing.T) {
	if got := string(NormalizeBytes([]byte("\u00e9"))); got != "e\u0301" {
		t.Errorf("expected NFKD decomposition, got %q", got)
	}
}

func TestWithSecret(t *testing.T) {
	enclave := NewSecret([]byte("opensesame"))

	var seen string
	err := WithSecret(enclave, func(secret []byte) error {
		seen = string(secret)
		return nil
	})
	if err != nil {
		t.Fatalf("WithSecret failed: %v", err)
	}
	if seen != "opensesame" {
		t.Errorf("unexpected secret %q", seen)
	}

	if NewSecret(nil) != nil {
		t.Error("expected nil enclave for empty secret")
	}
	err = WithSecret(nil, func(secret []byte) error {
		if secret != nil {
			t.Error("expected nil secret")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSecret(nil) failed: %v", err)
	}
}
