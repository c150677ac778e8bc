package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"dtrunner/pkg/failure"
)

const apiKeySecretLen = 32

// KeyStore validates API keys.
type KeyStore interface {
	ValidateKey(ctx context.Context, key string) (*KeyInfo, error)
}

// KeyInfo describes a key without holding its plaintext.
type KeyInfo struct {
	Name      string
	Role      Role
	KeyHash   string
	ExpiresAt time.Time // zero = never expires
}

// Principal returns the caller the key authenticates.
func (k KeyInfo) Principal() Principal {
	return Principal{Name: k.Name, Role: k.Role}
}

// StaticKeyStore holds keys supplied at startup. Only SHA-256 hashes are
// kept in memory.
type StaticKeyStore struct {
	keys []KeyInfo
	now  func() time.Time
}

// ParseKeys builds a store from "name:role:key" entries, as found in
// DT_API_KEYS.
func ParseKeys(entries []string) (*StaticKeyStore, error) {
	s := &StaticKeyStore{now: time.Now}
	seen := make(map[string]bool)
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, failure.Configf("api key entry %q must look like name:role:key", redactEntry(entry))
		}
		role := Role(parts[1])
		if !role.Valid() {
			return nil, failure.Configf("api key %s: unknown role %q (want %s or %s)", parts[0], role, RoleViewer, RoleOperator)
		}
		if seen[parts[0]] {
			return nil, failure.Configf("api key %s is listed twice", parts[0])
		}
		seen[parts[0]] = true
		s.Add(KeyInfo{Name: parts[0], Role: role, KeyHash: hashKey(parts[2])})
	}
	return s, nil
}

// Add registers a key by its hash.
func (s *StaticKeyStore) Add(info KeyInfo) {
	s.keys = append(s.keys, info)
}

// Len is the number of registered keys.
func (s *StaticKeyStore) Len() int {
	return len(s.keys)
}

// ValidateKey compares key against every registered hash in constant time.
func (s *StaticKeyStore) ValidateKey(_ context.Context, key string) (*KeyInfo, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	h := []byte(hashKey(key))
	var match *KeyInfo
	for i := range s.keys {
		if subtle.ConstantTimeCompare(h, []byte(s.keys[i].KeyHash)) == 1 {
			match = &s.keys[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidKey
	}
	if !match.ExpiresAt.IsZero() && match.ExpiresAt.Before(s.now()) {
		return nil, ErrExpiredKey
	}
	info := *match
	return &info, nil
}

// GenerateKey returns a new random key in the sk_<hex> form.
func GenerateKey() (string, error) {
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return "sk_" + hex.EncodeToString(secret), nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// redactEntry keeps a malformed entry's name but never its secret.
func redactEntry(entry string) string {
	if i := strings.Index(entry, ":"); i >= 0 {
		return entry[:i] + ":***"
	}
	return "***"
}
