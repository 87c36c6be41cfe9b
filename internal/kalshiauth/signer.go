// Package kalshiauth builds Kalshi's RSA-PSS/SHA-256 request signatures
// and WebSocket login payload. Pure: no network calls, no logging of
// key material or signature bytes (§4.1).
package kalshiauth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"time"
)

const wsLoginPath = "/trade-api/ws/v2"

// Signer produces auth headers and WS login payloads for one API key /
// private key pair.
type Signer struct {
	apiKeyID   string
	privateKey *rsa.PrivateKey
}

// LoadPrivateKey reads a PEM-encoded RSA private key, trying PKCS8 first
// and falling back to PKCS1.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key (tried PKCS8 and PKCS1): %w", err)
	}
	return rsaKey, nil
}

// New creates a Signer from an already-loaded key pair.
func New(apiKeyID string, privateKey *rsa.PrivateKey) *Signer {
	return &Signer{apiKeyID: apiKeyID, privateKey: privateKey}
}

// NewFromFile loads the private key at path and returns a Signer.
func NewFromFile(apiKeyID, privateKeyPath string) (*Signer, error) {
	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	return New(apiKeyID, key), nil
}

// sign produces a Base64 RSA-PSS/SHA-256 signature over
// timestampMs+METHOD+path, salt length equal to the digest length.
func (s *Signer) sign(timestampMs, method, path string) (string, error) {
	message := timestampMs + method + path
	hash := sha256.Sum256([]byte(message))

	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Headers returns the three headers required on every signed REST call,
// computed fresh against the current timestamp.
func (s *Signer) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := s.sign(ts, method, path)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.apiKeyID,
		"KALSHI-ACCESS-TIMESTAMP": ts,
		"KALSHI-ACCESS-SIGNATURE": sig,
	}, nil
}

// LoginParams is the params object of the WS login command.
type LoginParams struct {
	APIKey    string `json:"api_key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// LoginCommand is the full JSON command sent immediately after the
// WebSocket connection opens.
type LoginCommand struct {
	ID     int64       `json:"id"`
	Cmd    string      `json:"cmd"`
	Params LoginParams `json:"params"`
}

// BuildLoginCommand signs method=GET path=/trade-api/ws/v2 and wraps the
// result in the login command envelope (§4.1).
func (s *Signer) BuildLoginCommand(id int64) (LoginCommand, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := s.sign(ts, "GET", wsLoginPath)
	if err != nil {
		return LoginCommand{}, err
	}

	return LoginCommand{
		ID:  id,
		Cmd: "login",
		Params: LoginParams{
			APIKey:    s.apiKeyID,
			Signature: sig,
			Timestamp: ts,
		},
	}, nil
}
