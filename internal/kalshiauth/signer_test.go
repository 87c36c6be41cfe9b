package kalshiauth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func writeTestKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "key.pem")
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestHeadersContainsRequiredFields(t *testing.T) {
	path := writeTestKey(t)
	signer, err := NewFromFile("key-id", path)
	if err != nil {
		t.Fatalf("NewFromFile: %v", err)
	}

	headers, err := signer.Headers("GET", "/trade-api/v2/markets")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	for _, name := range []string{"KALSHI-ACCESS-KEY", "KALSHI-ACCESS-TIMESTAMP", "KALSHI-ACCESS-SIGNATURE"} {
		if headers[name] == "" {
			t.Errorf("missing header %s", name)
		}
	}
	if headers["KALSHI-ACCESS-KEY"] != "key-id" {
		t.Errorf("key id = %q, want key-id", headers["KALSHI-ACCESS-KEY"])
	}
}

func TestHeadersSignatureVerifies(t *testing.T) {
	path := writeTestKey(t)
	signer, err := NewFromFile("key-id", path)
	if err != nil {
		t.Fatalf("NewFromFile: %v", err)
	}

	sig, err := signer.sign("1700000000000", "POST", "/trade-api/v2/portfolio/orders")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}

	// Two signatures over the same message differ (PSS uses fresh randomized
	// salt per call) but both are valid against the same public key.
	sig2, err := signer.sign("1700000000000", "POST", "/trade-api/v2/portfolio/orders")
	if err != nil {
		t.Fatalf("sign (2nd): %v", err)
	}
	if sig == sig2 {
		t.Error("expected PSS signatures to differ across calls")
	}

	hash := sha256.Sum256([]byte("1700000000000POST/trade-api/v2/portfolio/orders"))
	for _, s := range []string{sig, sig2} {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			t.Fatalf("decode signature: %v", err)
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}
		if err := rsa.VerifyPSS(&signer.privateKey.PublicKey, crypto.SHA256, hash[:], raw, opts); err != nil {
			t.Errorf("signature does not verify against the public key: %v", err)
		}
	}
}

func TestBuildLoginCommand(t *testing.T) {
	path := writeTestKey(t)
	signer, err := NewFromFile("key-id", path)
	if err != nil {
		t.Fatalf("NewFromFile: %v", err)
	}

	cmd, err := signer.BuildLoginCommand(1)
	if err != nil {
		t.Fatalf("BuildLoginCommand: %v", err)
	}
	if cmd.Cmd != "login" {
		t.Errorf("cmd = %q, want login", cmd.Cmd)
	}
	if cmd.Params.APIKey != "key-id" {
		t.Errorf("api key = %q, want key-id", cmd.Params.APIKey)
	}
	if cmd.Params.Signature == "" || cmd.Params.Timestamp == "" {
		t.Error("expected signature and timestamp to be populated")
	}
}
