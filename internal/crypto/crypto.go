package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefixLength is the number of leading characters stored in clear
	// for lookup and display.
	KeyPrefixLength = 8

	secretLength = 32
	alphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrKeyTooShort = errors.New("api key shorter than prefix length")

// GenerateAPIKey returns a new plaintext key of the form <prefix>_<secret>.
func GenerateAPIKey(prefix string) (string, error) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	size := big.NewInt(int64(len(alphabet)))
	for i := 0; i < secretLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// KeyPrefix returns the lookup prefix of a plaintext key.
func KeyPrefix(apiKey string) (string, error) {
	if len(apiKey) < KeyPrefixLength {
		return "", ErrKeyTooShort
	}
	return apiKey[:KeyPrefixLength], nil
}

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// VerifyAPIKey compares a plaintext key against a stored hash. SHA-256 hex
// digests are compared in constant time; bcrypt hashes are accepted for keys
// created by older deployments.
func VerifyAPIKey(apiKey, storedHash string) bool {
	if strings.HasPrefix(storedHash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(apiKey)) == nil
	}
	computed := HashAPIKey(apiKey)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// HashAPIKeyBcrypt produces a bcrypt hash in the legacy storage format.
func HashAPIKeyBcrypt(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
