package crypto

import (
	"strings"
	"testing"
)

func TestPBKDF2HashAndVerify(t *testing.T) {
	hasher := NewPBKDF2Hasher(PBKDF2Options{Iterations: 1000})

	encoded, err := hasher.Hash("secret-pass")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2-sha256$1000$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}

	ok, err := hasher.Verify("secret-pass", encoded)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hash verification to succeed")
	}

	ok, err = hasher.Verify("wrong-pass", encoded)
	if err != nil {
		t.Fatalf("verify wrong password failed with error: %v", err)
	}
	if ok {
		t.Fatal("expected hash verification to fail for wrong password")
	}
}

func TestPBKDF2VerifyInvalidHash(t *testing.T) {
	hasher := NewPBKDF2Hasher(PBKDF2Options{Iterations: 1000})

	for _, encoded := range []string{"invalid", "pbkdf2-sha256$x$AAAA$AAAA", "md5$1000$AAAA$AAAA"} {
		ok, err := hasher.Verify("secret-pass", encoded)
		if err != ErrInvalidHash {
			t.Fatalf("%q: expected ErrInvalidHash, got %v", encoded, err)
		}
		if ok {
			t.Fatalf("%q: expected verification to fail", encoded)
		}
	}
}

func TestKeyDeriver(t *testing.T) {
	if _, err := NewKeyDeriver([]byte("short")); err != ErrWeakSecret {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}

	deriver, err := NewKeyDeriver([]byte("0123456789abcdef-secret"))
	if err != nil {
		t.Fatalf("new key deriver: %v", err)
	}

	raw := "alice|labs|1714564800|00112233445566778899aabbccddeeff"
	key := deriver.TokenKey(raw)
	if key != deriver.TokenKey(raw) {
		t.Fatal("expected deterministic key")
	}
	if strings.Contains(key, "alice") || len(key) != 64 {
		t.Fatalf("key %q leaks token material", key)
	}
	if deriver.UserKey(4) == deriver.TokenKey("4") {
		t.Fatal("user and token keys must not collide")
	}

	other, _ := NewKeyDeriver([]byte("another-secret-of-16"))
	if other.TokenKey(raw) == key {
		t.Fatal("keys must depend on the secret")
	}
}
