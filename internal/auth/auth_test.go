package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return key
}

func writePEM(t *testing.T, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return path
}

func TestCredentials_SignRequest(t *testing.T) {
	key := testKey(t)
	fixed := time.UnixMilli(1700000000123)
	creds := &Credentials{
		KeyID:      "test-key-id",
		PrivateKey: key,
		now:        func() time.Time { return fixed },
	}

	h, err := creds.SignRequest(http.MethodGet, "/v1/negotiate/orders")
	if err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}

	if got := h.Get(HeaderKey); got != "test-key-id" {
		t.Errorf("%s = %q, want %q", HeaderKey, got, "test-key-id")
	}
	if got := h.Get(HeaderTimestamp); got != strconv.FormatInt(fixed.UnixMilli(), 10) {
		t.Errorf("%s = %q, want %d", HeaderTimestamp, got, fixed.UnixMilli())
	}
	if err := Verify(&key.PublicKey, h, http.MethodGet, "/v1/negotiate/orders"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := Verify(&key.PublicKey, h, http.MethodGet, "/v1/negotiate/trades"); err == nil {
		t.Error("Verify() accepted a signature for a different path")
	}
}

func TestCredentials_Sign(t *testing.T) {
	key := testKey(t)
	creds := &Credentials{KeyID: "k", PrivateKey: key}

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/v1/negotiate/orders?x=1", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := creds.Sign(req); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := Verify(&key.PublicKey, req.Header, http.MethodGet, "/v1/negotiate/orders"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestCredentials_HandshakeHeader(t *testing.T) {
	key := testKey(t)
	creds := &Credentials{KeyID: "ws-key", PrivateKey: key}

	h, err := creds.HandshakeHeader()("wss://stream.example.com/ws/orders")
	if err != nil {
		t.Fatalf("HandshakeHeader() error = %v", err)
	}
	if got := h.Get(HeaderKey); got != "ws-key" {
		t.Errorf("%s = %q, want %q", HeaderKey, got, "ws-key")
	}
	if err := Verify(&key.PublicKey, h, http.MethodGet, "/ws/orders"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	if _, err := creds.HandshakeHeader()("://bad"); err == nil {
		t.Error("HandshakeHeader() accepted an invalid url")
	}
}

func TestCredentials_NoKey(t *testing.T) {
	creds := &Credentials{KeyID: "k"}
	if _, err := creds.SignRequest(http.MethodGet, "/"); err == nil {
		t.Error("SignRequest() without key succeeded")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(42, "GET", "/ws/orders"); got != "42GET/ws/orders" {
		t.Errorf("Message() = %q, want %q", got, "42GET/ws/orders")
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key := testKey(t)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}

	tests := []struct {
		name  string
		block *pem.Block
	}{
		{"pkcs8", &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}},
		{"pkcs1", &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded, err := LoadPrivateKey(writePEM(t, tt.block))
			if err != nil {
				t.Fatalf("LoadPrivateKey() error = %v", err)
			}
			if loaded.N.Cmp(key.N) != 0 {
				t.Error("loaded key does not match original")
			}
		})
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	if _, err := LoadPrivateKey("/nonexistent/path/to/key.pem"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := LoadPrivateKey(path); err == nil {
		t.Error("expected error for invalid PEM")
	}

	garbage := writePEM(t, &pem.Block{Type: "PRIVATE KEY", Bytes: []byte("garbage")})
	if _, err := LoadPrivateKey(garbage); err == nil {
		t.Error("expected error for undecodable key")
	}
}

func TestLoadCredentials(t *testing.T) {
	key := testKey(t)
	pkcs8, _ := x509.MarshalPKCS8PrivateKey(key)
	path := writePEM(t, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	creds, err := LoadCredentials("my-key-id", path)
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if creds.KeyID != "my-key-id" {
		t.Errorf("KeyID = %q, want %q", creds.KeyID, "my-key-id")
	}
	if creds.PrivateKey == nil {
		t.Error("PrivateKey is nil")
	}

	if _, err := LoadCredentials("", path); err == nil {
		t.Error("expected error for missing key ID")
	}
	if _, err := LoadCredentials("id", ""); err == nil {
		t.Error("expected error for missing key path")
	}
}
