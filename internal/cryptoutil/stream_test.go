package cryptoutil

import (
	"bytes"
	"io"
	"testing"
)

func TestConfigRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plain := []byte("export:\n  bucket: exports\n")

	enc, err := EncryptConfig(plain, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(enc, []byte("bucket")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	if string(enc[:4]) != "BEX1" {
		t.Fatalf("unexpected header %q", enc[:4])
	}

	dec, err := DecryptConfig(enc, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("roundtrip mismatch: %q", dec)
	}
}

func TestDecryptConfigRejectsTamper(t *testing.T) {
	key := make([]byte, 32)
	enc, err := EncryptConfig([]byte("payload"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	enc[len(enc)-1] ^= 0xff
	if _, err := DecryptConfig(enc, key); err == nil {
		t.Fatal("tampered payload must not decrypt")
	}

	if _, err := DecryptConfig([]byte("XXXX"), key); err == nil {
		t.Fatal("short or mislabeled payloads must be rejected")
	}
}

func TestStreamRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	var buf bytes.Buffer

	w, err := EncryptWriter(&buf, key)
	if err != nil {
		t.Fatalf("encrypt writer: %v", err)
	}
	if _, err := w.Write([]byte("volume payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := DecryptReader(&buf, key)
	if err != nil {
		t.Fatalf("decrypt reader: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "volume payload" {
		t.Fatalf("roundtrip mismatch: %q", out)
	}
}
