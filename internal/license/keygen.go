package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	licenseErrors "licensed/internal/errors"
)

const (
	keyAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups      = 4
	keyGroupLength = 4

	// DefaultKeyAttempts bounds regeneration on collision.
	DefaultKeyAttempts = 10
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NormalizeKey trims and upper-cases a user supplied key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKeyFormat reports whether key looks like XXXX-XXXX-XXXX-XXXX.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// KeyLookup is the part of the store the generator needs.
type KeyLookup interface {
	Find(ctx context.Context, key string) (License, error)
}

// KeyGenerator produces keys that are unique against a store.
type KeyGenerator struct {
	lookup   KeyLookup
	attempts int
	random   func() (string, error)
}

// NewKeyGenerator creates a generator checking candidates against lookup.
func NewKeyGenerator(lookup KeyLookup) *KeyGenerator {
	return &KeyGenerator{
		lookup:   lookup,
		attempts: DefaultKeyAttempts,
		random:   RandomKey,
	}
}

// Generate returns a key not present in the store.
func (g *KeyGenerator) Generate(ctx context.Context) (string, error) {
	for i := 0; i < g.attempts; i++ {
		candidate, err := g.random()
		if err != nil {
			return "", err
		}

		_, err = g.lookup.Find(ctx, candidate)
		switch {
		case errors.Is(err, licenseErrors.ErrLicenseNotFound):
			return candidate, nil
		case err != nil:
			return "", fmt.Errorf("checking key candidate: %w", err)
		}
	}
	return "", fmt.Errorf("%w: no free key after %d attempts", licenseErrors.ErrDuplicateKey, g.attempts)
}

// RandomKey draws a fresh key from crypto/rand without checking uniqueness.
func RandomKey() (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))

	var b strings.Builder
	b.Grow(keyGroups*keyGroupLength + keyGroups - 1)
	for g := 0; g < keyGroups; g++ {
		if g > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < keyGroupLength; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("reading random source: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}
