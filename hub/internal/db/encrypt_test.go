package db

import "testing"

func TestEncryptedStringRoundTrip(t *testing.T) {
	if err := InitEncryption([]byte("01234567890123456789012345678901")); err != nil {
		t.Fatalf("InitEncryption returned error: %v", err)
	}

	orig := EncryptedString("super secret value")
	val, err := orig.Value()
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}
	stored, ok := val.(string)
	if !ok {
		t.Fatalf("expected Value to return a string, got %T", val)
	}
	if stored == string(orig) {
		t.Fatalf("expected the stored value to be encrypted, not plaintext")
	}

	var got EncryptedString
	if err := got.Scan(stored); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if got != orig {
		t.Fatalf("expected round-tripped value %q, got %q", orig, got)
	}
}

func TestEncryptedStringEmptyValueSkipsEncryption(t *testing.T) {
	if err := InitEncryption([]byte("01234567890123456789012345678901")); err != nil {
		t.Fatal(err)
	}
	var e EncryptedString
	val, err := e.Value()
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}
	if val != "" {
		t.Fatalf("expected an empty string to be stored unencrypted, got %v", val)
	}

	var got EncryptedString
	if err := got.Scan(""); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected an empty scanned value, got %q", got)
	}
}

func TestEncryptedStringScanNilReturnsEmpty(t *testing.T) {
	var e EncryptedString = "leftover"
	if err := e.Scan(nil); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if e != "" {
		t.Fatalf("expected a nil scan to reset to empty, got %q", e)
	}
}

func TestEncryptedStringTwoEncryptionsOfSameValueDiffer(t *testing.T) {
	if err := InitEncryption([]byte("01234567890123456789012345678901")); err != nil {
		t.Fatal(err)
	}
	e := EncryptedString("same plaintext")
	v1, err := e.Value()
	if err != nil {
		t.Fatal(err)
	}
	v2, err := e.Value()
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v2 {
		t.Fatalf("expected independently nonced ciphertexts to differ, got identical values")
	}
}

func TestEncryptedStringScanRejectsNonStringType(t *testing.T) {
	var e EncryptedString
	if err := e.Scan(42); err == nil {
		t.Fatalf("expected an error scanning a non-string value")
	}
}

func TestEncryptedStringScanRejectsTruncatedData(t *testing.T) {
	if err := InitEncryption([]byte("01234567890123456789012345678901")); err != nil {
		t.Fatal(err)
	}
	var e EncryptedString
	// Valid base64 for 5 bytes: shorter than the 12-byte GCM nonce.
	if err := e.Scan("AAAAAAA="); err == nil {
		t.Fatalf("expected an error scanning ciphertext shorter than the nonce")
	}
}
