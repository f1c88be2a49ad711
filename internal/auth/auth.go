// Package auth generates API keys and verifies them against a bcrypt hash.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyBytes is the amount of randomness in a generated key.
const apiKeyBytes = 32

// GenerateAPIKey returns a random URL-safe key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash to store in MEDIAMEND_API_KEY_HASH.
// Keys longer than 72 bytes are rejected by bcrypt.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether key matches hash.
func VerifyAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
