package exchange

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Signer produces the authentication headers for one request. Venues sign
// the string "timestamp + method + path" (path without query string); only
// the algorithm and header names differ.
type Signer interface {
	Headers(method, path string) (map[string]string, error)
}

// RSAPSSSigner implements Kalshi's signing scheme: RSA-PSS over SHA-256
// with salt length equal to the digest, base64-encoded into the
// KALSHI-ACCESS-* header triplet.
type RSAPSSSigner struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewRSAPSSSigner builds a signer from an access key id and a PEM-encoded
// RSA private key.
func NewRSAPSSSigner(keyID string, pemKey []byte) (*RSAPSSSigner, error) {
	key, err := parseRSAPrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	return &RSAPSSSigner{keyID: keyID, key: key}, nil
}

// Headers signs timestamp+method+path and returns the Kalshi header set.
func (s *RSAPSSSigner) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	digest := sha256.Sum256([]byte(ts + method + path))

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("rsa-pss sign: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.keyID,
		"KALSHI-ACCESS-TIMESTAMP": ts,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Ed25519Signer implements the second venue's scheme: Ed25519 over the same
// timestamp+method+path string, different header names.
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer builds a signer from an access key id and a PEM-encoded
// PKCS#8 Ed25519 private key.
func NewEd25519Signer(keyID string, pemKey []byte) (*Ed25519Signer, error) {
	key, err := parseEd25519PrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{keyID: keyID, key: key}, nil
}

// Headers signs timestamp+method+path and returns the POLY header set.
func (s *Ed25519Signer) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := ed25519.Sign(s.key, []byte(ts+method+path))

	return map[string]string{
		"POLY-ACCESS-KEY": s.keyID,
		"POLY-TIMESTAMP":  ts,
		"POLY-SIGNATURE":  base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// noopSigner serves unauthenticated public endpoints (collector, backfill).
type noopSigner struct{}

func (noopSigner) Headers(string, string) (map[string]string, error) {
	return map[string]string{}, nil
}

// NoopSigner returns a signer that adds no authentication headers.
func NoopSigner() Signer { return noopSigner{} }

// LoadPEM resolves a credential value that is either an inline PEM blob
// (with literal "\n" escapes, as environment variables carry it) or a path
// to a key file.
func LoadPEM(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("empty key material")
	}
	if strings.Contains(value, "-----BEGIN") {
		return []byte(strings.ReplaceAll(value, `\n`, "\n")), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return data, nil
}

func parseRSAPrivateKey(pemKey []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key material")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}

func parseEd25519PrivateKey(pemKey []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key material")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ed25519 private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want ed25519.PrivateKey", parsed)
	}
	return key, nil
}
