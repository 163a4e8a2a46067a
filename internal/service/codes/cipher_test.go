package codes

import (
	"bytes"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt("AMZN-1234-5678")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("AMZN-1234-5678")) {
		t.Fatal("sealed code contains plaintext")
	}

	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "AMZN-1234-5678" {
		t.Fatalf("plain = %q", plain)
	}

	again, _ := c.Encrypt("AMZN-1234-5678")
	if bytes.Equal(sealed, again) {
		t.Fatal("expected random nonce per encryption")
	}
}

func TestCipherRejectsTamperingAndForeignKey(t *testing.T) {
	c := newTestCipher(t)
	other := newTestCipher(t)

	sealed, err := c.Encrypt("CODE")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := other.Decrypt(sealed); err == nil {
		t.Fatal("expected error for foreign key")
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Decrypt(sealed); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestHashIsDeterministicAndNormalized(t *testing.T) {
	c := newTestCipher(t)

	if c.Hash("abcd-1234") != c.Hash("  ABCD-1234 ") {
		t.Fatal("hash must ignore case and surrounding spaces")
	}
	if c.Hash("abcd-1234") == c.Hash("abcd-1235") {
		t.Fatal("different codes must differ")
	}
	if len(HashCode("x")) != 64 {
		t.Fatal("expected hex sha-256")
	}
}

func TestNewCipherValidatesKey(t *testing.T) {
	for _, key := range []string{"", "zz", "00ff"} {
		if _, err := NewCipher(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}
