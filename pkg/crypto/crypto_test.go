package crypto

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("test-passphrase")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	cases := []string{
		"",
		"ya29.a0AfH6SMBx",
		"1//0gLong-refresh-token-value-with-symbols_=-",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range cases {
		sealed, err := box.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plaintext, err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Fatalf("Seal returned plaintext unchanged")
		}

		opened, err := box.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if opened != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
		}
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	box, _ := NewBox("key-one")
	other, _ := NewBox("key-two")

	sealed, err := box.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, _ := NewBox("key")

	for _, input := range []string{"", "not-base64!!", "YWJj"} {
		if _, err := box.Open(input); err == nil {
			t.Fatalf("expected Open(%q) to fail", input)
		}
	}
}

func TestNewBoxRequiresKey(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Fatal("expected empty passphrase to be rejected")
	}
}
