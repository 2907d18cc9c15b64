// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package verify

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TokenLength is the number of random bytes in a verification token.
const TokenLength = 32

// GenerateToken generates a new verification token.
// Returns (plaintext token, SHA256 hash for storage, error).
func GenerateToken() (string, string, error) {
	bytes := make([]byte, TokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	plaintext := hex.EncodeToString(bytes)
	return plaintext, HashToken(plaintext), nil
}

// HashToken computes the SHA256 hash of a token. Only the hash is
// persisted; the plaintext exists only inside the verification link.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
