// Package kalshi talks to the Kalshi trade API: signed REST reads for the
// catalog and the polling fallback, and the authenticated market data stream.
package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	HeaderKey       = "KALSHI-ACCESS-KEY"
	HeaderSignature = "KALSHI-ACCESS-SIGNATURE"
	HeaderTimestamp = "KALSHI-ACCESS-TIMESTAMP"
)

var ErrNoCredentials = errors.New("kalshi credentials not configured")

// Signer produces the RSA-PSS request signature Kalshi expects over
// timestamp_ms + method + path.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

func NewSigner(keyID string, key *rsa.PrivateKey) (*Signer, error) {
	if keyID == "" || key == nil {
		return nil, ErrNoCredentials
	}
	return &Signer{keyID: keyID, key: key}, nil
}

// LoadSigner reads a PEM encoded RSA key (PKCS#1 or PKCS#8) from path.
func LoadSigner(keyID, path string) (*Signer, error) {
	if keyID == "" || path == "" {
		return nil, ErrNoCredentials
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kalshi key: %w", err)
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return NewSigner(keyID, key)
}

func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("kalshi key: no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("kalshi key: not an RSA key")
	}
	return key, nil
}

func (s *Signer) Sign(ts time.Time, method, path string) (string, error) {
	msg := strconv.FormatInt(ts.UnixMilli(), 10) + method + path
	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: 32})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Apply sets the three auth headers on h. path excludes the query string.
func (s *Signer) Apply(h http.Header, ts time.Time, method, path string) error {
	sig, err := s.Sign(ts, method, path)
	if err != nil {
		return err
	}
	h.Set(HeaderKey, s.keyID)
	h.Set(HeaderSignature, sig)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.UnixMilli(), 10))
	return nil
}
