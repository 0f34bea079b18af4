package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"

	licenseErrors "licensed/internal/errors"
)

const signingInfo = "license-grant-v1"

// Signer attaches and checks an HMAC-SHA256 over grant descriptors.
type Signer struct {
	key []byte
}

// NewSigner derives the MAC key from secret with HKDF-SHA256.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret is empty")
	}

	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(signingInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Sign returns g with its Signature set.
func (s *Signer) Sign(g Grant) Grant {
	g.Signature = hex.EncodeToString(s.mac(g))
	return g
}

// Verify checks the signature carried by g.
func (s *Signer) Verify(g Grant) error {
	got, err := hex.DecodeString(g.Signature)
	if err != nil || len(got) == 0 {
		return licenseErrors.ErrInvalidSignature
	}
	if !hmac.Equal(got, s.mac(g)) {
		return licenseErrors.ErrInvalidSignature
	}
	return nil
}

func (s *Signer) mac(g Grant) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(canonical(g)))
	return m.Sum(nil)
}

func canonical(g Grant) string {
	return strings.Join([]string{
		g.Key,
		string(g.Duration),
		strconv.FormatInt(g.ExpiresAt, 10),
		string(g.Status),
	}, "|")
}
