package util

import (
	"bytes"
	"encoding/base64"
	"testing"
)

// cheapParams keeps hashing fast in tests.
var cheapParams = Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: 32}

func TestArgon2id(t *testing.T) {
	verifier := "bWFzdGVyLXBhc3N3b3JkLWhhc2g="
	salt := []byte("random salt")

	key, err := DeriveArgon2idKey(verifier, salt, cheapParams)
	if err != nil {
		t.Fatalf("DeriveArgon2idKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}

	ok, err := CompareArgon2idKey(verifier, salt, cheapParams, key)
	if err != nil {
		t.Fatalf("CompareArgon2idKey failed: %v", err)
	}
	if !ok {
		t.Error("expected matching verifier to compare equal")
	}

	ok, _ = CompareArgon2idKey("wrong", salt, cheapParams, key)
	if ok {
		t.Error("expected wrong verifier to compare unequal")
	}

	ok, _ = CompareArgon2idKey(verifier, []byte("other salt"), cheapParams, key)
	if ok {
		t.Error("expected different salt to compare unequal")
	}
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.Time < 3 {
		t.Errorf("default Time=%d is below OWASP recommended minimum of 3", p.Time)
	}
	if p.MemoryKiB < 64*1024 {
		t.Errorf("default MemoryKiB=%d is below 64 MiB", p.MemoryKiB)
	}
	if err := ValidateArgon2idParams(p); err != nil {
		t.Errorf("default params should validate: %v", err)
	}
}

func TestValidateArgon2idParams(t *testing.T) {
	tests := []struct {
		name   string
		params Argon2idParams
	}{
		{"zero time", Argon2idParams{Time: 0, MemoryKiB: 64, Parallelism: 1, KeyLen: 32}},
		{"zero parallelism", Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 0, KeyLen: 32}},
		{"short key", Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: 16}},
		{"starved memory", Argon2idParams{Time: 1, MemoryKiB: 8, Parallelism: 4, KeyLen: 32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateArgon2idParams(tt.params); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBytes(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	copied := CopyBytes(a)
	if !bytes.Equal(copied, a) {
		t.Error("CopyBytes failed")
	}
	copied[0] = 0xFF
	if a[0] == 0xFF {
		t.Error("CopyBytes should return a new slice")
	}

	WipeBytes(copied)
	if !bytes.Equal(copied, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", copied)
	}
}

func TestEncoding(t *testing.T) {
	if got := HexEncode([]byte{0x00, 0xab, 0xff}); got != "00abff" {
		t.Errorf("unexpected hex %s", got)
	}

	if got := SHA256Hex("abc"); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("unexpected digest %s", got)
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a@example.com", "a@example.com"},
		{"  A@Example.COM ", "a@example.com"},
		{"Ａ@example.com", "a@example.com"}, // fullwidth A
		{"STRASSE@example.com", "strasse@example.com"},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, _ := RandomBytes(32)
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if bytes.Equal(b1, b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomToken", func(t *testing.T) {
		tok, err := RandomToken(32)
		if err != nil {
			t.Fatalf("RandomToken failed: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil {
			t.Fatalf("token is not base64url: %v", err)
		}
		if len(raw) != 32 {
			t.Errorf("expected 32 decoded bytes, got %d", len(raw))
		}
	})
}
